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

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/twitterdm/pkg/database"
	"github.com/lrhodin/twitterdm/pkg/twitter"
)

// stateRelatedGroups links a room to a community. Still sent by puppeting
// bridges even though communities are deprecated server-side.
var stateRelatedGroups = event.Type{Type: "m.room.related_groups", Class: event.StateEventType}

// Portal binds one Twitter conversation (scoped by receiver) to one
// Matrix room. It owns the room lifecycle, both message directions and
// participant reconciliation for that conversation. There is exactly one
// live instance per (conversation id, receiver); the registry enforces it.
type Portal struct {
	*database.Portal
	bridge *Bridge
	log    zerolog.Logger

	// roomLock serializes room creation and metadata refresh. It guards
	// MXID and the fields mutated after creation (Name, OtherUser,
	// mainActor, lastParticipants). Message handlers read the room id
	// through RoomID instead of taking the lock directly.
	roomLock sync.Mutex

	dedup *dedupLedger

	// lastParticipants is the roster applied by the last fully successful
	// reconciliation. nil means unknown, forcing the next reconciliation
	// to run the full diff.
	lastParticipants map[int64]struct{}

	mainActor RoomActor
}

func (br *Bridge) newPortal(row *database.Portal) *Portal {
	return &Portal{
		Portal: row,
		bridge: br,
		log:    br.Log.With().Str("component", "portal").Str("twid", row.TWID).Int64("receiver", row.Receiver).Logger(),
		dedup:  newDedupLedger(),
	}
}

// postinit resolves the main conversation actor for a portal loaded from
// the store. Idempotent; called by the registry exactly once per adopted
// instance, before the instance is visible to anyone else.
func (portal *Portal) postinit() {
	if portal.OtherUser != 0 && portal.IsDirect() {
		portal.mainActor = portal.bridge.Puppets.Get(portal.OtherUser).DefaultActor()
	}
}

func (portal *Portal) IsDirect() bool {
	return portal.ConvType == twitter.ConversationTypeOneToOne
}

// MainActor returns the actor that performs room-level operations for
// this portal: the other party's ghost for direct chats, the bridge bot
// for groups. nil for a direct chat whose other party is still unresolved.
func (portal *Portal) MainActor() RoomActor {
	if portal.mainActor != nil {
		return portal.mainActor
	}
	if !portal.IsDirect() {
		return portal.bridge.Matrix.BotActor()
	}
	return nil
}

func (portal *Portal) upsert(ctx context.Context) error {
	return portal.bridge.DB.UpsertPortal(ctx, portal.Portal)
}

// region Room lifecycle

// EnsureRoom is the public entry point of the room lifecycle: it returns
// the portal's room id, creating the room on first contact. Failures are
// logged here and reported as an empty room id; the next trigger retries
// creation from scratch.
func (portal *Portal) EnsureRoom(ctx context.Context, source User, info *twitter.Conversation) id.RoomID {
	roomID, err := portal.CreateMatrixRoom(ctx, source, info)
	if err != nil {
		portal.log.Error().Err(err).Msg("Failed to create portal room")
	}
	return roomID
}

// CreateMatrixRoom ensures the portal has a Matrix room. When the room
// already exists it only refreshes metadata, and a refresh failure never
// affects the room's active status. Concurrent callers are serialized;
// losers of a creation race get the winner's room.
func (portal *Portal) CreateMatrixRoom(ctx context.Context, source User, info *twitter.Conversation) (id.RoomID, error) {
	portal.roomLock.Lock()
	defer portal.roomLock.Unlock()
	if portal.MXID != "" {
		portal.updateMatrixRoom(ctx, source, info)
		return portal.MXID, nil
	}
	return portal.createMatrixRoom(ctx, source, info)
}

// RoomID returns the portal's Matrix room id, or "" while no room exists.
// Safe to call from any goroutine.
func (portal *Portal) RoomID() id.RoomID {
	portal.roomLock.Lock()
	defer portal.roomLock.Unlock()
	return portal.MXID
}

func (portal *Portal) createMatrixRoom(ctx context.Context, source User, info *twitter.Conversation) (id.RoomID, error) {
	if err := portal.updateInfo(ctx, info); err != nil {
		return "", fmt.Errorf("failed to update conversation info: %w", err)
	}
	actor := portal.MainActor()
	if actor == nil {
		return "", ErrNoMainActor
	}
	portal.log.Debug().Msg("Creating Matrix room")

	bridgeInfoStateKey, bridgeInfo := portal.getBridgeInfo()
	initialState := []*event.Event{{
		Type:     event.StateBridge,
		Content:  event.Content{Parsed: bridgeInfo},
		StateKey: &bridgeInfoStateKey,
	}, {
		// TODO remove once MSC2346 is in the spec
		Type:     event.StateHalfShotBridge,
		Content:  event.Content{Parsed: bridgeInfo},
		StateKey: &bridgeInfoStateKey,
	}}
	invites := []id.UserID{source.MXID()}
	if portal.bridge.Config.Bridge.Encryption.Default {
		portal.Encrypted = true
		initialState = append(initialState, &event.Event{
			Type: event.StateEncryption,
			Content: event.Content{Parsed: &event.EncryptionEventContent{
				Algorithm: id.AlgorithmMegolmV1,
			}},
		})
		if portal.IsDirect() {
			invites = append(invites, portal.bridge.Matrix.BotActor().UserID())
		}
	}
	var name string
	if portal.Encrypted || !portal.IsDirect() {
		name = portal.Name
	}
	if communityID := portal.bridge.Config.Appservice.CommunityID; communityID != "" {
		initialState = append(initialState, &event.Event{
			Type: stateRelatedGroups,
			Content: event.Content{Parsed: map[string]any{
				"groups": []string{communityID},
			}},
		})
	}

	roomID, err := actor.CreateRoom(ctx, &RoomCreateRequest{
		Name:         name,
		IsDirect:     portal.IsDirect(),
		InitialState: initialState,
		Invitees:     invites,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create room: %w", err)
	} else if roomID == "" {
		return "", ErrNoRoomID
	}
	portal.MXID = roomID
	if err = portal.upsert(ctx); err != nil {
		return "", fmt.Errorf("failed to save portal after room creation: %w", err)
	}
	portal.bridge.Portals.markRoomCreated(portal)
	portal.log.Debug().Stringer("room_id", roomID).Msg("Matrix room created")

	if portal.Encrypted && portal.IsDirect() {
		if err = portal.bridge.Matrix.BotActor().EnsureJoined(ctx, roomID); err != nil {
			portal.log.Warn().Err(err).Msg("Failed to add bridge bot to new private chat")
		}
	}
	if !portal.IsDirect() {
		if err = portal.updateParticipants(ctx, info.Participants); err != nil {
			portal.log.Warn().Err(err).Msg("Failed to sync participants to new room")
		}
	} else if custom := portal.bridge.Matrix.CustomActorFor(source.MXID()); custom != nil {
		if err = custom.JoinRoom(ctx, roomID); err != nil {
			portal.log.Debug().Err(err).Msg("Failed to join double puppet into new room")
		}
	}

	// The room id is durably set at this point, and the room lock is
	// still held so no live message can land before history does.
	if portal.bridge.Backfill != nil {
		if err = portal.bridge.Backfill(ctx, portal, source); err != nil {
			portal.log.Error().Err(err).Msg("Failed to backfill new portal")
		}
	}
	return roomID, nil
}

// updateMatrixRoom refreshes an active portal room: re-invites the
// triggering user, joins their double puppet and syncs metadata. All
// failures are logged and swallowed.
func (portal *Portal) updateMatrixRoom(ctx context.Context, source User, info *twitter.Conversation) {
	actor := portal.MainActor()
	if actor == nil {
		portal.log.Warn().Msg("Can't update portal room: main actor not resolved")
		return
	}
	// Invite-if-absent: rejections for users who are already in the room
	// are expected and ignored.
	if err := actor.InviteUser(ctx, portal.MXID, source.MXID()); err != nil {
		portal.log.Debug().Err(err).Stringer("user_id", source.MXID()).Msg("Failed to invite user to portal room")
	}
	if custom := portal.bridge.Matrix.CustomActorFor(source.MXID()); custom != nil {
		if err := custom.EnsureJoined(ctx, portal.MXID); err != nil {
			portal.log.Debug().Err(err).Msg("Failed to ensure double puppet is joined")
		}
	}
	if err := portal.updateInfo(ctx, info); err != nil {
		portal.log.Warn().Err(err).Msg("Failed to update portal metadata")
	}
}

// endregion
// region Metadata

// UpdateInfo syncs the portal's name, main actor and participant list
// from a conversation snapshot.
func (portal *Portal) UpdateInfo(ctx context.Context, info *twitter.Conversation) error {
	portal.roomLock.Lock()
	defer portal.roomLock.Unlock()
	return portal.updateInfo(ctx, info)
}

func (portal *Portal) updateInfo(ctx context.Context, info *twitter.Conversation) error {
	var changed bool
	if portal.IsDirect() {
		if portal.OtherUser == 0 {
			for _, pcp := range info.Participants {
				if pcp.UserID != portal.Receiver {
					portal.OtherUser = pcp.UserID
					break
				}
			}
			if portal.OtherUser == 0 {
				return fmt.Errorf("no other participant found in direct conversation")
			}
			if err := portal.upsert(ctx); err != nil {
				return fmt.Errorf("failed to save other user: %w", err)
			}
		}
		puppet := portal.bridge.Puppets.Get(portal.OtherUser)
		if portal.mainActor == nil {
			portal.mainActor = puppet.DefaultActor()
		}
		for _, pcp := range info.Participants {
			if pcp.UserID == portal.OtherUser && pcp.Name != "" {
				puppet.UpdateName(ctx, pcp.Name)
			}
		}
		changed = portal.updateName(ctx, puppet.Name)
	} else {
		changed = portal.updateName(ctx, info.Name)
	}
	if changed {
		portal.updateBridgeInfo(ctx)
		if err := portal.upsert(ctx); err != nil {
			return fmt.Errorf("failed to save portal: %w", err)
		}
	}
	return portal.updateParticipants(ctx, info.Participants)
}

func (portal *Portal) updateName(ctx context.Context, name string) bool {
	if portal.Name == name {
		return false
	}
	portal.Name = name
	if portal.MXID != "" {
		if err := portal.MainActor().SetRoomName(ctx, portal.MXID, name); err != nil {
			portal.log.Warn().Err(err).Msg("Failed to set room name")
		}
	}
	return true
}

// UpdateAvatar re-uploads a conversation avatar and applies it to the
// room. Group conversations only; failures never affect active status.
func (portal *Portal) UpdateAvatar(ctx context.Context, data []byte) {
	portal.roomLock.Lock()
	defer portal.roomLock.Unlock()
	if portal.MXID == "" || portal.IsDirect() || len(data) == 0 {
		return
	}
	actor := portal.MainActor()
	mime := mimetype.Detect(data)
	uri, err := actor.UploadMedia(ctx, data, mime.String())
	if err != nil {
		portal.log.Warn().Err(err).Msg("Failed to upload room avatar")
		return
	}
	if err = actor.SetRoomAvatar(ctx, portal.MXID, uri); err != nil {
		portal.log.Warn().Err(err).Msg("Failed to set room avatar")
	}
}

func (portal *Portal) getBridgeInfo() (string, *event.BridgeEventContent) {
	stateKey := fmt.Sprintf("net.maunium.twitter://twitter/%s", portal.TWID)
	content := &event.BridgeEventContent{
		BridgeBot: portal.bridge.Matrix.BotActor().UserID(),
		Creator:   portal.MainActor().UserID(),
		Protocol: event.BridgeInfoSection{
			ID:          "twitter",
			DisplayName: "Twitter DM",
			AvatarURL:   portal.bridge.Config.Appservice.Bot.Avatar,
		},
		Channel: event.BridgeInfoSection{
			ID:          portal.TWID,
			DisplayName: portal.Name,
		},
	}
	return stateKey, content
}

// UpdateBridgeInfo re-emits the bridge info state events describing which
// remote conversation this room is bound to.
func (portal *Portal) UpdateBridgeInfo(ctx context.Context) {
	portal.roomLock.Lock()
	defer portal.roomLock.Unlock()
	portal.updateBridgeInfo(ctx)
}

func (portal *Portal) updateBridgeInfo(ctx context.Context) {
	if portal.MXID == "" {
		portal.log.Debug().Msg("Not updating bridge info: no Matrix room created")
		return
	}
	actor := portal.MainActor()
	stateKey, content := portal.getBridgeInfo()
	portal.log.Debug().Msg("Updating bridge info")
	err := actor.SendStateEvent(ctx, portal.MXID, event.StateBridge, stateKey, content)
	if err == nil {
		// TODO remove once MSC2346 is in the spec
		err = actor.SendStateEvent(ctx, portal.MXID, event.StateHalfShotBridge, stateKey, content)
	}
	if err != nil {
		portal.log.Warn().Err(err).Msg("Failed to update bridge info")
	}
}

// endregion
// region Participants

func participantIDSet(participants []twitter.Participant) map[int64]struct{} {
	ids := make(map[int64]struct{}, len(participants))
	for _, pcp := range participants {
		ids[pcp.UserID] = struct{}{}
	}
	return ids
}

func idSetsEqual(a, b map[int64]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

// updateParticipants converges the room's membership to the remote
// roster: ghosts for every remote participant are joined, ghosts whose
// user left the conversation are kicked. The applied roster is cached
// only after both passes succeed, so a partial failure makes the next
// call retry the full diff.
func (portal *Portal) updateParticipants(ctx context.Context, participants []twitter.Participant) error {
	if portal.MXID == "" {
		return nil
	}
	current := participantIDSet(participants)
	if portal.lastParticipants != nil && idSetsEqual(current, portal.lastParticipants) {
		portal.log.Trace().Msg("Not updating participants: list matches cached list")
		return nil
	}
	portal.lastParticipants = nil

	for _, pcp := range participants {
		puppet := portal.bridge.Puppets.Get(pcp.UserID)
		if pcp.Name != "" {
			puppet.UpdateName(ctx, pcp.Name)
		}
		if err := puppet.ActorFor(portal).EnsureJoined(ctx, portal.MXID); err != nil {
			return fmt.Errorf("failed to join ghost of %d: %w", pcp.UserID, err)
		}
	}

	actor := portal.MainActor()
	members, err := actor.GetRoomMembers(ctx, portal.MXID)
	if err != nil {
		return fmt.Errorf("failed to get room members: %w", err)
	}
	for _, member := range members {
		twid, ok := portal.bridge.Config.ParsePuppetMXID(member)
		if !ok {
			continue
		}
		if _, stillHere := current[twid]; !stillHere {
			if err = actor.KickUser(ctx, portal.MXID, member, "User had left this Twitter chat"); err != nil {
				return fmt.Errorf("failed to kick ghost of %d: %w", twid, err)
			}
		}
	}
	portal.lastParticipants = current
	return nil
}

// endregion
// region Message routing

// HandleMatrixMessage bridges a Matrix message into the Twitter
// conversation. Messages from users without an active Twitter session
// are dropped. Send failures propagate to the caller; the in-flight
// request marker is cleared on that path since a failed request id can
// never echo back.
func (portal *Portal) HandleMatrixMessage(ctx context.Context, sender User, content *event.MessageEventContent, eventID id.EventID) error {
	if sender == nil || !sender.IsConnected() {
		portal.log.Debug().Stringer("event_id", eventID).Msg("Ignoring message as user is not connected")
		return nil
	}
	requestID := uuid.NewString()
	portal.dedup.AddRequest(requestID)
	msgID, err := sender.Session().SendText(ctx, portal.TWID, content.Body, requestID)
	if err != nil {
		portal.dedup.RemoveRequest(requestID)
		return fmt.Errorf("failed to send message: %w", err)
	}
	portal.dedup.RememberMessage(msgID)
	err = portal.bridge.DB.InsertMessage(ctx, &database.Message{
		MXID:     eventID,
		MXRoom:   portal.RoomID(),
		TWID:     msgID,
		Receiver: portal.Receiver,
	})
	if err != nil {
		// The marker stays in place: without a durable record it's the
		// only thing suppressing the echo of this send.
		return fmt.Errorf("failed to save message mapping: %w", err)
	}
	portal.dedup.RemoveRequest(requestID)
	portal.sendDeliveryReceipt(ctx, eventID)
	return nil
}

// HandleRemoteMessage bridges a Twitter DM into the Matrix room. The same
// DM can be observed multiple times (own-send echo, duplicate push,
// replay after restart); three independent checks each suffice to
// suppress it, in this order: the in-flight request id set, the recent
// message id window, and the durable message table.
func (portal *Portal) HandleRemoteMessage(ctx context.Context, source User, msg *twitter.MessageData, requestID string) {
	log := portal.log.With().Int64("message_id", msg.ID).Int64("sender_id", msg.SenderID).Logger()
	roomID := portal.RoomID()
	if roomID == "" {
		log.Warn().Msg("Dropping message: portal has no Matrix room")
		return
	}
	if portal.dedup.HasRequest(requestID) {
		log.Debug().Msg("Ignoring message as it was sent by us (request ID in dedup set)")
		return
	}
	if portal.dedup.IsRecentMessage(msg.ID) {
		log.Debug().Msg("Ignoring message as it was already handled (message ID in dedup window)")
		return
	}
	existing, err := portal.bridge.DB.GetMessageByRemoteID(ctx, msg.ID, portal.Receiver)
	if err != nil {
		log.Error().Err(err).Msg("Failed to check message table for duplicates")
		return
	} else if existing != nil {
		log.Debug().Msg("Ignoring message as it was already handled (message ID found in database)")
		return
	}
	portal.dedup.RememberMessage(msg.ID)
	puppet := portal.bridge.Puppets.Get(msg.SenderID)
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    msg.Text,
	}
	eventID, err := puppet.ActorFor(portal).SendMessage(ctx, roomID, content, msg.Time)
	if err != nil {
		log.Error().Err(err).Msg("Failed to send message to Matrix")
		return
	}
	err = portal.bridge.DB.InsertMessage(ctx, &database.Message{
		MXID:     eventID,
		MXRoom:   roomID,
		TWID:     msg.ID,
		Receiver: portal.Receiver,
	})
	if err != nil {
		log.Error().Err(err).Stringer("event_id", eventID).Msg("Failed to save message mapping")
	}
	portal.sendDeliveryReceipt(ctx, eventID)
}

func (portal *Portal) sendDeliveryReceipt(ctx context.Context, eventID id.EventID) {
	if eventID == "" || !portal.bridge.DeliveryReceipts() {
		return
	}
	if err := portal.bridge.Matrix.BotActor().MarkRead(ctx, portal.RoomID(), eventID); err != nil {
		portal.log.Warn().Err(err).Stringer("event_id", eventID).Msg("Failed to send delivery receipt")
	}
}

// endregion
