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
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// Puppet is the Matrix ghost representing one Twitter user.
type Puppet struct {
	bridge *Bridge
	log    zerolog.Logger

	TWID int64
	Name string

	defaultActor RoomActor
	nameSet      bool
}

// PuppetRegistry caches ghosts by Twitter user id. Ghost state is not
// persisted: names and avatars are re-synced from conversation metadata
// as it flows through the bridge.
type PuppetRegistry struct {
	bridge *Bridge
	lock   sync.Mutex
	byTWID map[int64]*Puppet
}

func newPuppetRegistry(br *Bridge) *PuppetRegistry {
	return &PuppetRegistry{
		bridge: br,
		byTWID: make(map[int64]*Puppet),
	}
}

// Get returns the ghost for a Twitter user id, creating it on first use.
func (pr *PuppetRegistry) Get(twid int64) *Puppet {
	pr.lock.Lock()
	defer pr.lock.Unlock()
	puppet, ok := pr.byTWID[twid]
	if !ok {
		puppet = &Puppet{
			bridge:       pr.bridge,
			log:          pr.bridge.Log.With().Str("component", "puppet").Int64("twid", twid).Logger(),
			TWID:         twid,
			defaultActor: pr.bridge.Matrix.ActorFor(pr.bridge.Config.FormatPuppetMXID(twid)),
		}
		pr.byTWID[twid] = puppet
	}
	return puppet
}

// GetByMXID returns the ghost behind a Matrix user id, or nil if the user
// id doesn't belong to this bridge.
func (pr *PuppetRegistry) GetByMXID(userID id.UserID) *Puppet {
	twid, ok := pr.bridge.Config.ParsePuppetMXID(userID)
	if !ok {
		return nil
	}
	return pr.Get(twid)
}

// IsGhost reports whether the Matrix user id is a ghost of this bridge.
func (pr *PuppetRegistry) IsGhost(userID id.UserID) bool {
	_, ok := pr.bridge.Config.ParsePuppetMXID(userID)
	return ok
}

// MXID returns the ghost's Matrix user id.
func (puppet *Puppet) MXID() id.UserID {
	return puppet.defaultActor.UserID()
}

// DefaultActor returns the actor performing Matrix operations as this ghost.
func (puppet *Puppet) DefaultActor() RoomActor {
	return puppet.defaultActor
}

// ActorFor returns the actor to deliver this Twitter user's messages with
// in the given portal. The ghost's real owner gets their double puppet
// when one is registered, so own messages show up from the right account.
func (puppet *Puppet) ActorFor(portal *Portal) RoomActor {
	if portal.IsDirect() && puppet.TWID == portal.Receiver {
		if custom := puppet.bridge.customActorForRemote(puppet.TWID); custom != nil {
			return custom
		}
	}
	return puppet.defaultActor
}

// UpdateName syncs the ghost's Matrix displayname from Twitter profile
// data. Returns whether the name changed.
func (puppet *Puppet) UpdateName(ctx context.Context, name string) bool {
	if puppet.nameSet && puppet.Name == name {
		return false
	}
	puppet.Name = name
	displayname := puppet.bridge.Config.FormatDisplayname(DisplaynameParams{Name: name, ID: puppet.TWID})
	if err := puppet.defaultActor.SetDisplayName(ctx, displayname); err != nil {
		puppet.log.Warn().Err(err).Msg("Failed to set ghost displayname")
		return true
	}
	puppet.nameSet = true
	return true
}

// UpdateAvatar re-uploads the Twitter profile picture to the homeserver
// and sets it as the ghost's avatar. Failures are logged and swallowed.
func (puppet *Puppet) UpdateAvatar(ctx context.Context, data []byte) {
	if len(data) == 0 {
		return
	}
	mime := mimetype.Detect(data)
	uri, err := puppet.defaultActor.UploadMedia(ctx, data, mime.String())
	if err != nil {
		puppet.log.Warn().Err(err).Msg("Failed to upload ghost avatar")
		return
	}
	if err = puppet.defaultActor.SetAvatarURL(ctx, uri); err != nil {
		puppet.log.Warn().Err(err).Msg("Failed to set ghost avatar")
	}
}
