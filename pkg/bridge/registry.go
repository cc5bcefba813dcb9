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

	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/twitterdm/pkg/database"
	"github.com/lrhodin/twitterdm/pkg/twitter"
)

type portalKey struct {
	TWID     string
	Receiver int64
}

// PortalRegistry keeps the single live Portal instance per conversation,
// indexed both by Matrix room and by (conversation id, receiver). Load
// races are resolved by discarding the losing instance, so two callers
// can never observe different Portals for the same key.
type PortalRegistry struct {
	bridge   *Bridge
	lock     sync.Mutex
	byMXID   map[id.RoomID]*Portal
	byRemote map[portalKey]*Portal
}

func newPortalRegistry(br *Bridge) *PortalRegistry {
	return &PortalRegistry{
		bridge:   br,
		byMXID:   make(map[id.RoomID]*Portal),
		byRemote: make(map[portalKey]*Portal),
	}
}

// register adds the portal to both indices. Caller must hold pr.lock.
func (pr *PortalRegistry) register(portal *Portal) {
	pr.byRemote[portalKey{portal.TWID, portal.Receiver}] = portal
	if portal.MXID != "" {
		pr.byMXID[portal.MXID] = portal
	}
}

// markRoomCreated indexes a portal under its freshly created room id.
func (pr *PortalRegistry) markRoomCreated(portal *Portal) {
	pr.lock.Lock()
	defer pr.lock.Unlock()
	pr.byMXID[portal.MXID] = portal
}

// GetByMXID returns the portal backing a Matrix room, or nil if the room
// isn't a portal. Only storage faults produce an error.
func (pr *PortalRegistry) GetByMXID(ctx context.Context, mxid id.RoomID) (*Portal, error) {
	pr.lock.Lock()
	portal, ok := pr.byMXID[mxid]
	pr.lock.Unlock()
	if ok {
		return portal, nil
	}
	row, err := pr.bridge.DB.GetPortalByMXID(ctx, mxid)
	if err != nil {
		return nil, fmt.Errorf("failed to get portal by room ID: %w", err)
	} else if row == nil {
		return nil, nil
	}
	return pr.adopt(pr.bridge.newPortal(row)), nil
}

// GetByRemote returns the portal for a conversation, loading it from the
// store on cache miss. When convType is non-nil and no portal exists yet,
// a new one is created and persisted. Group-kind lookups are always
// coerced to receiver 0 so every local user shares one room.
func (pr *PortalRegistry) GetByRemote(ctx context.Context, twid string, receiver int64, convType *twitter.ConversationType) (*Portal, error) {
	if convType != nil && *convType == twitter.ConversationTypeGroup {
		receiver = 0
	}
	key := portalKey{twid, receiver}
	pr.lock.Lock()
	portal, ok := pr.byRemote[key]
	pr.lock.Unlock()
	if ok {
		return portal, nil
	}
	row, err := pr.bridge.DB.GetPortalByRemote(ctx, twid, receiver)
	if err != nil {
		return nil, fmt.Errorf("failed to get portal by conversation ID: %w", err)
	}
	if row == nil {
		if convType == nil {
			return nil, nil
		}
		row = &database.Portal{TWID: twid, Receiver: receiver, ConvType: *convType}
		if err = pr.bridge.DB.UpsertPortal(ctx, row); err != nil {
			return nil, fmt.Errorf("failed to insert new portal: %w", err)
		}
	}
	return pr.adopt(pr.bridge.newPortal(row)), nil
}

// adopt registers a freshly loaded portal, unless another goroutine beat
// this one to it, in which case the fresh instance is discarded and the
// registered one returned.
func (pr *PortalRegistry) adopt(portal *Portal) *Portal {
	pr.lock.Lock()
	defer pr.lock.Unlock()
	key := portalKey{portal.TWID, portal.Receiver}
	if existing, ok := pr.byRemote[key]; ok {
		return existing
	}
	portal.postinit()
	pr.register(portal)
	return portal
}

// AllWithRoom returns the live portal instance for every portal that has
// a Matrix room.
func (pr *PortalRegistry) AllWithRoom(ctx context.Context) ([]*Portal, error) {
	rows, err := pr.bridge.DB.GetAllPortalsWithRoom(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list portals: %w", err)
	}
	portals := make([]*Portal, len(rows))
	for i, row := range rows {
		pr.lock.Lock()
		portal, ok := pr.byRemote[portalKey{row.TWID, row.Receiver}]
		pr.lock.Unlock()
		if !ok {
			portal = pr.adopt(pr.bridge.newPortal(row))
		}
		portals[i] = portal
	}
	return portals, nil
}
