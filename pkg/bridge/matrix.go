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
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixConnector implements RoomActorProvider on top of a Matrix
// application service and dispatches incoming room events to portals.
type MatrixConnector struct {
	bridge *Bridge
	log    zerolog.Logger
	az     *appservice.AppService
	ep     *appservice.EventProcessor

	customLock   sync.RWMutex
	customActors map[id.UserID]RoomActor
}

// NewMatrixConnector sets up the appservice transport from the bridge
// config. The registration tokens must already be provisioned on the
// homeserver.
func NewMatrixConnector(cfg *Config, log zerolog.Logger) (*MatrixConnector, error) {
	az := appservice.Create()
	az.Log = log.With().Str("component", "appservice").Logger()
	az.HomeserverDomain = cfg.Homeserver.Domain
	if err := az.SetHomeserverURL(cfg.Homeserver.Address); err != nil {
		return nil, fmt.Errorf("invalid homeserver address: %w", err)
	}
	az.Host = appservice.HostConfig{
		Hostname: cfg.Appservice.Hostname,
		Port:     cfg.Appservice.Port,
	}
	az.Registration = &appservice.Registration{
		ID:              cfg.Appservice.ID,
		URL:             cfg.Appservice.Address,
		AppToken:        cfg.Appservice.ASToken,
		ServerToken:     cfg.Appservice.HSToken,
		SenderLocalpart: cfg.Appservice.Bot.Username,
	}
	mc := &MatrixConnector{
		log:          log.With().Str("component", "matrix").Logger(),
		az:           az,
		customActors: make(map[id.UserID]RoomActor),
	}
	mc.ep = appservice.NewEventProcessor(az)
	mc.ep.On(event.EventMessage, mc.handleRoomEvent)
	return mc, nil
}

// AttachBridge connects the event dispatcher to the bridge core. Must be
// called before Start.
func (mc *MatrixConnector) AttachBridge(br *Bridge) {
	mc.bridge = br
}

// Start launches the appservice HTTP listener and the event loop.
func (mc *MatrixConnector) Start(ctx context.Context) {
	go mc.az.Start()
	go mc.ep.Start(ctx)
}

// Stop shuts down the listener and the event loop.
func (mc *MatrixConnector) Stop() {
	mc.az.Stop()
	mc.ep.Stop()
}

func (mc *MatrixConnector) BotActor() RoomActor {
	return &intentActor{intent: mc.az.BotIntent()}
}

func (mc *MatrixConnector) ActorFor(userID id.UserID) RoomActor {
	return &intentActor{intent: mc.az.Intent(userID)}
}

// CustomActorFor returns the double-puppeting actor registered for a real
// Matrix user, or nil. Registration happens through RegisterCustomActor;
// obtaining the user's access token is the session layer's concern.
func (mc *MatrixConnector) CustomActorFor(userID id.UserID) RoomActor {
	mc.customLock.RLock()
	defer mc.customLock.RUnlock()
	return mc.customActors[userID]
}

// RegisterCustomActor attaches a double-puppet actor for a Matrix user.
// A nil actor removes the registration.
func (mc *MatrixConnector) RegisterCustomActor(userID id.UserID, actor RoomActor) {
	mc.customLock.Lock()
	defer mc.customLock.Unlock()
	if actor == nil {
		delete(mc.customActors, userID)
	} else {
		mc.customActors[userID] = actor
	}
}

func (mc *MatrixConnector) handleRoomEvent(ctx context.Context, evt *event.Event) {
	if mc.bridge == nil || evt.Type != event.EventMessage {
		return
	}
	if evt.Sender == mc.az.BotMXID() || mc.bridge.Puppets.IsGhost(evt.Sender) {
		return
	}
	portal, err := mc.bridge.Portals.GetByMXID(ctx, evt.RoomID)
	if err != nil {
		mc.log.Error().Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to look up portal for event")
		return
	} else if portal == nil {
		return
	}
	var user User
	if mc.bridge.Users != nil {
		user = mc.bridge.Users.GetByMXID(evt.Sender)
	}
	if err = evt.Content.ParseRaw(evt.Type); err != nil {
		mc.log.Debug().Err(err).Stringer("event_id", evt.ID).Msg("Failed to parse event content")
		return
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		// Rich content is handled by a separate converter layer.
		return
	}
	if err = portal.HandleMatrixMessage(ctx, user, content, evt.ID); err != nil {
		mc.log.Error().Err(err).Stringer("event_id", evt.ID).Msg("Failed to bridge Matrix message")
	}
}

// intentActor adapts an appservice intent to the RoomActor interface.
type intentActor struct {
	intent *appservice.IntentAPI
}

var _ RoomActor = (*intentActor)(nil)

func (ia *intentActor) UserID() id.UserID {
	return ia.intent.UserID
}

func (ia *intentActor) CreateRoom(ctx context.Context, req *RoomCreateRequest) (id.RoomID, error) {
	resp, err := ia.intent.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility:   "private",
		Name:         req.Name,
		Preset:       "private_chat",
		IsDirect:     req.IsDirect,
		Invite:       req.Invitees,
		InitialState: req.InitialState,
	})
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (ia *intentActor) EnsureJoined(ctx context.Context, roomID id.RoomID) error {
	return ia.intent.EnsureJoined(ctx, roomID)
}

func (ia *intentActor) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := ia.intent.JoinRoomByID(ctx, roomID)
	return err
}

func (ia *intentActor) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := ia.intent.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	return err
}

func (ia *intentActor) KickUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	_, err := ia.intent.KickUser(ctx, roomID, &mautrix.ReqKickUser{UserID: userID, Reason: reason})
	return err
}

func (ia *intentActor) GetRoomMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := ia.intent.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}

func (ia *intentActor) SetRoomName(ctx context.Context, roomID id.RoomID, name string) error {
	_, err := ia.intent.SendStateEvent(ctx, roomID, event.StateRoomName, "", &event.RoomNameEventContent{Name: name})
	return err
}

func (ia *intentActor) SetRoomAvatar(ctx context.Context, roomID id.RoomID, avatarURL id.ContentURI) error {
	_, err := ia.intent.SendStateEvent(ctx, roomID, event.StateRoomAvatar, "", &event.RoomAvatarEventContent{URL: avatarURL.CUString()})
	return err
}

func (ia *intentActor) SendStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error {
	_, err := ia.intent.SendStateEvent(ctx, roomID, evtType, stateKey, content)
	return err
}

func (ia *intentActor) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent, ts time.Time) (id.EventID, error) {
	var resp *mautrix.RespSendEvent
	var err error
	if ts.IsZero() {
		resp, err = ia.intent.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	} else {
		resp, err = ia.intent.SendMassagedMessageEvent(ctx, roomID, event.EventMessage, content, ts.UnixMilli())
	}
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (ia *intentActor) UploadMedia(ctx context.Context, data []byte, mimeType string) (id.ContentURI, error) {
	resp, err := ia.intent.UploadBytes(ctx, data, mimeType)
	if err != nil {
		return id.ContentURI{}, err
	}
	return resp.ContentURI, nil
}

func (ia *intentActor) MarkRead(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	return ia.intent.MarkRead(ctx, roomID, eventID)
}

func (ia *intentActor) SetDisplayName(ctx context.Context, name string) error {
	return ia.intent.SetDisplayName(ctx, name)
}

func (ia *intentActor) SetAvatarURL(ctx context.Context, avatarURL id.ContentURI) error {
	return ia.intent.SetAvatarURL(ctx, avatarURL)
}
