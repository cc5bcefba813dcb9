// twitterdm - A Matrix-Twitter DM puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package twitter contains the wire-level data types of the Twitter DM
// API that the bridge core consumes. The transport client that produces
// them lives outside this module.
package twitter

import (
	"time"
)

// ConversationType is the kind of a Twitter DM conversation.
type ConversationType string

const (
	ConversationTypeOneToOne ConversationType = "ONE_TO_ONE"
	ConversationTypeGroup    ConversationType = "GROUP_DM"
)

// Participant is a single member of a conversation.
type Participant struct {
	UserID int64  `json:"user_id,string"`
	Name   string `json:"name,omitempty"`
}

// Conversation is a snapshot of a conversation's metadata as returned by
// the inbox or conversation endpoints.
type Conversation struct {
	ConversationID string           `json:"conversation_id"`
	Type           ConversationType `json:"type"`
	Name           string           `json:"name,omitempty"`
	AvatarURL      string           `json:"avatar_image_https,omitempty"`
	Participants   []Participant    `json:"participants"`
}

// MessageData is a single DM as delivered by the user stream, polling or
// the echo of an own send.
type MessageData struct {
	ID             int64  `json:"id,string"`
	ConversationID string `json:"conversation_id"`
	SenderID       int64  `json:"sender_id,string"`
	Text           string `json:"text"`
	Time           time.Time
}

// ParticipantIDs returns the set of participant user ids in c.
func (c *Conversation) ParticipantIDs() map[int64]struct{} {
	ids := make(map[int64]struct{}, len(c.Participants))
	for _, pcp := range c.Participants {
		ids[pcp.UserID] = struct{}{}
	}
	return ids
}
