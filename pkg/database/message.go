// twitterdm - A Matrix-Twitter DM puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package database

import (
	"context"
	"database/sql"
	"errors"

	"maunium.net/go/mautrix/id"
)

// Message maps one Matrix event to one Twitter DM. It is the durable half
// of message dedup: once the in-memory recent-id window has rolled over,
// the presence of a row is what proves a DM was already delivered.
type Message struct {
	MXID     id.EventID
	MXRoom   id.RoomID
	TWID     int64
	Receiver int64
}

// GetMessageByRemoteID returns the mapping row for the given DM id and
// receiver, or nil if the DM has never been delivered.
func (db *Database) GetMessageByRemoteID(ctx context.Context, twid, receiver int64) (*Message, error) {
	var msg Message
	err := db.QueryRow(ctx,
		`SELECT mxid, mx_room, twid, receiver FROM message WHERE twid=$1 AND receiver=$2`,
		twid, receiver,
	).Scan(&msg.MXID, &msg.MXRoom, &msg.TWID, &msg.Receiver)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// InsertMessage stores a new mapping row.
func (db *Database) InsertMessage(ctx context.Context, msg *Message) error {
	_, err := db.Exec(ctx,
		`INSERT INTO message (mxid, mx_room, twid, receiver) VALUES ($1, $2, $3, $4)`,
		msg.MXID, msg.MXRoom, msg.TWID, msg.Receiver)
	return err
}
