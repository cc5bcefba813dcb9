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
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/twitterdm/pkg/twitter"
)

// Portal is the durable half of a portal: the row identifying one
// (conversation, receiver) pairing and the Matrix room bound to it.
// Receiver is 0 for group conversations.
type Portal struct {
	TWID      string
	Receiver  int64
	ConvType  twitter.ConversationType
	OtherUser int64
	MXID      id.RoomID
	Name      string
	Encrypted bool
}

const portalColumns = "twid, receiver, conv_type, other_user, mxid, name, encrypted"

func scanPortal(row dbutilScannable) (*Portal, error) {
	var portal Portal
	var otherUser sql.NullInt64
	var mxid sql.NullString
	err := row.Scan(&portal.TWID, &portal.Receiver, &portal.ConvType, &otherUser, &mxid, &portal.Name, &portal.Encrypted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	portal.OtherUser = otherUser.Int64
	portal.MXID = id.RoomID(mxid.String)
	return &portal, nil
}

type dbutilScannable interface {
	Scan(dest ...any) error
}

// GetPortalByRemote returns the portal row for the given conversation id
// and receiver, or nil if no such row exists.
func (db *Database) GetPortalByRemote(ctx context.Context, twid string, receiver int64) (*Portal, error) {
	row := db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM portal WHERE twid=$1 AND receiver=$2`, portalColumns),
		twid, receiver)
	return scanPortal(row)
}

// GetPortalByMXID returns the portal row owning the given Matrix room,
// or nil if the room isn't a portal.
func (db *Database) GetPortalByMXID(ctx context.Context, mxid id.RoomID) (*Portal, error) {
	row := db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM portal WHERE mxid=$1`, portalColumns),
		mxid)
	return scanPortal(row)
}

// GetAllPortalsWithRoom returns every portal row that has a Matrix room.
func (db *Database) GetAllPortalsWithRoom(ctx context.Context) ([]*Portal, error) {
	rows, err := db.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM portal WHERE mxid<>'' AND mxid IS NOT NULL`, portalColumns))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var portals []*Portal
	for rows.Next() {
		portal, err := scanPortal(rows)
		if err != nil {
			return nil, err
		}
		portals = append(portals, portal)
	}
	return portals, rows.Err()
}

// UpsertPortal inserts or replaces the portal row.
func (db *Database) UpsertPortal(ctx context.Context, portal *Portal) error {
	var otherUser sql.NullInt64
	if portal.OtherUser != 0 {
		otherUser = sql.NullInt64{Int64: portal.OtherUser, Valid: true}
	}
	var mxid sql.NullString
	if portal.MXID != "" {
		mxid = sql.NullString{String: portal.MXID.String(), Valid: true}
	}
	_, err := db.Exec(ctx, `
		INSERT INTO portal (twid, receiver, conv_type, other_user, mxid, name, encrypted)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (twid, receiver) DO UPDATE
			SET conv_type=excluded.conv_type, other_user=excluded.other_user,
			    mxid=excluded.mxid, name=excluded.name, encrypted=excluded.encrypted
	`, portal.TWID, portal.Receiver, portal.ConvType, otherUser, mxid, portal.Name, portal.Encrypted)
	return err
}
