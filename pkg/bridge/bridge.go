// twitterdm - A Matrix-Twitter DM puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package bridge implements the portal synchronization engine keeping
// Twitter DM conversations and Matrix rooms in sync.
package bridge

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lrhodin/twitterdm/pkg/twitter"
)

// Bridge ties the core components together: the durable store, the Matrix
// actor provider, and the portal and ghost registries.
type Bridge struct {
	Config *Config
	Log    zerolog.Logger
	DB     Store
	Matrix RoomActorProvider
	Users  UserProvider

	Portals *PortalRegistry
	Puppets *PuppetRegistry

	// Backfill, when set, fills newly created portal rooms with history.
	// See BackfillFunc for the ordering contract.
	Backfill BackfillFunc

	deliveryReceipts atomic.Bool
}

// New wires up a bridge. users may be nil when no Twitter session layer
// is attached; Matrix messages are then dropped as not-connected.
func New(cfg *Config, log zerolog.Logger, db Store, matrix RoomActorProvider, users UserProvider) *Bridge {
	br := &Bridge{
		Config: cfg,
		Log:    log,
		DB:     db,
		Matrix: matrix,
		Users:  users,
	}
	br.Portals = newPortalRegistry(br)
	br.Puppets = newPuppetRegistry(br)
	br.deliveryReceipts.Store(cfg.Bridge.DeliveryReceipts)
	return br
}

// DeliveryReceipts reports whether the bridge bot should mark bridged
// messages as read. Live-reloadable.
func (br *Bridge) DeliveryReceipts() bool {
	return br.deliveryReceipts.Load()
}

// SetDeliveryReceipts updates the delivery receipt policy at runtime.
func (br *Bridge) SetDeliveryReceipts(enabled bool) {
	br.deliveryReceipts.Store(enabled)
}

// ListActivePortals returns every portal that has a Matrix room.
func (br *Bridge) ListActivePortals(ctx context.Context) ([]*Portal, error) {
	return br.Portals.AllWithRoom(ctx)
}

// HandleRemoteMessage routes a DM from the Twitter event stream into its
// portal, creating the portal and its room on first contact. source is
// the bridge user whose session observed the event.
func (br *Bridge) HandleRemoteMessage(ctx context.Context, source User, conv *twitter.Conversation, msg *twitter.MessageData, requestID string) {
	portal, err := br.Portals.GetByRemote(ctx, conv.ConversationID, source.RemoteID(), &conv.Type)
	if err != nil {
		br.Log.Error().Err(err).Str("conversation_id", conv.ConversationID).Msg("Failed to get portal for incoming message")
		return
	}
	if portal.RoomID() == "" {
		if roomID := portal.EnsureRoom(ctx, source, conv); roomID == "" {
			return
		}
	}
	portal.HandleRemoteMessage(ctx, source, msg, requestID)
}

// HandleRemoteConversation syncs conversation metadata (name, roster)
// without delivering a message, e.g. on inbox polls. Creates the room on
// first contact, refreshes it otherwise.
func (br *Bridge) HandleRemoteConversation(ctx context.Context, source User, conv *twitter.Conversation) {
	portal, err := br.Portals.GetByRemote(ctx, conv.ConversationID, source.RemoteID(), &conv.Type)
	if err != nil {
		br.Log.Error().Err(err).Str("conversation_id", conv.ConversationID).Msg("Failed to get portal for conversation update")
		return
	}
	portal.EnsureRoom(ctx, source, conv)
}

// customActorForRemote returns the double-puppet actor for the bridge
// user owning the given Twitter id, if any.
func (br *Bridge) customActorForRemote(twid int64) RoomActor {
	if br.Users == nil {
		return nil
	}
	user := br.Users.GetByRemoteID(twid)
	if user == nil {
		return nil
	}
	return br.Matrix.CustomActorFor(user.MXID())
}
