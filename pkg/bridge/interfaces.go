// twitterdm - A Matrix-Twitter DM puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import (
	"context"
	"errors"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/twitterdm/pkg/database"
)

var (
	// ErrNoRoomID is returned when the room creation primitive succeeds but
	// doesn't produce a room id.
	ErrNoRoomID = errors.New("no room ID received from room creation")
	// ErrNoMainActor is returned when a portal is used before its main
	// conversation actor has been resolved.
	ErrNoMainActor = errors.New("portal has no main actor, update conversation info first")
)

// RoomCreateRequest describes the initial state of a portal room.
type RoomCreateRequest struct {
	Name         string
	IsDirect     bool
	InitialState []*event.Event
	Invitees     []id.UserID
}

// RoomActor is the narrow set of Matrix operations the bridge core needs,
// performed as one specific user (the bridge bot, a puppet, or a double
// puppet). Implementations live outside the core, see MatrixConnector for
// the appservice-backed one.
type RoomActor interface {
	UserID() id.UserID
	CreateRoom(ctx context.Context, req *RoomCreateRequest) (id.RoomID, error)
	EnsureJoined(ctx context.Context, roomID id.RoomID) error
	JoinRoom(ctx context.Context, roomID id.RoomID) error
	InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	KickUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error
	GetRoomMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	SetRoomName(ctx context.Context, roomID id.RoomID, name string) error
	SetRoomAvatar(ctx context.Context, roomID id.RoomID, avatarURL id.ContentURI) error
	SendStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error
	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent, ts time.Time) (id.EventID, error)
	UploadMedia(ctx context.Context, data []byte, mimeType string) (id.ContentURI, error)
	MarkRead(ctx context.Context, roomID id.RoomID, eventID id.EventID) error
	SetDisplayName(ctx context.Context, name string) error
	SetAvatarURL(ctx context.Context, avatarURL id.ContentURI) error
}

// RoomActorProvider hands out actors for the bridge bot and for ghost users.
// CustomActorFor returns the double-puppeting actor for a real Matrix user,
// or nil when that user hasn't enabled double puppeting.
type RoomActorProvider interface {
	BotActor() RoomActor
	ActorFor(userID id.UserID) RoomActor
	CustomActorFor(userID id.UserID) RoomActor
}

// RemoteSession is a logged-in Twitter DM session belonging to one bridge
// user. Send failures are transport errors and propagate unchanged.
type RemoteSession interface {
	// SendText sends a text DM and returns the remote message id assigned
	// to it. The request id is echoed back in the stream event for the
	// message and is what outbound dedup keys on.
	SendText(ctx context.Context, conversationID, text, requestID string) (int64, error)
}

// User is a bridge user: a Matrix account paired with a Twitter session.
type User interface {
	MXID() id.UserID
	// RemoteID is the user's own Twitter id, used as the portal receiver
	// for one-to-one conversations.
	RemoteID() int64
	IsConnected() bool
	Session() RemoteSession
}

// UserProvider resolves bridge users. Lookups return nil for unknown users.
type UserProvider interface {
	GetByMXID(userID id.UserID) User
	GetByRemoteID(twid int64) User
}

// BackfillFunc fills a freshly created portal room with message history.
// It runs while the portal's room lock is still held, after the room id
// has been persisted, so no live message can be delivered out of order
// relative to history. Errors are logged and never fail room creation.
type BackfillFunc func(ctx context.Context, portal *Portal, source User) error

// PortalStore is the durable portal row store consumed by the registry.
type PortalStore interface {
	GetPortalByRemote(ctx context.Context, twid string, receiver int64) (*database.Portal, error)
	GetPortalByMXID(ctx context.Context, mxid id.RoomID) (*database.Portal, error)
	GetAllPortalsWithRoom(ctx context.Context) ([]*database.Portal, error)
	UpsertPortal(ctx context.Context, portal *database.Portal) error
}

// MessageStore is the durable message mapping store consumed by portals.
type MessageStore interface {
	GetMessageByRemoteID(ctx context.Context, twid, receiver int64) (*database.Message, error)
	InsertMessage(ctx context.Context, msg *database.Message) error
}

// Store is the full durable store, implemented by *database.Database.
type Store interface {
	PortalStore
	MessageStore
}
