// twitterdm - A Matrix-Twitter DM puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package database implements the durable store backing the bridge:
// portal rows and message id mapping rows, on top of go.mau.fi/util/dbutil
// so that both SQLite and Postgres work with the same queries.
package database

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

type Database struct {
	*dbutil.Database
}

// New opens the database described by cfg and ensures the schema is
// up to date.
func New(ctx context.Context, cfg dbutil.Config, log zerolog.Logger) (*Database, error) {
	rawDB, err := dbutil.NewFromConfig("twitterdm", cfg, dbutil.ZeroLogger(log))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db := &Database{Database: rawDB}
	if err = db.upgradeSchema(ctx); err != nil {
		_ = rawDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *Database) upgradeSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS portal (
			twid       TEXT    NOT NULL,
			receiver   BIGINT  NOT NULL,
			conv_type  TEXT    NOT NULL,
			other_user BIGINT,
			mxid       TEXT    UNIQUE,
			name       TEXT    NOT NULL DEFAULT '',
			encrypted  BOOLEAN NOT NULL DEFAULT false,
			PRIMARY KEY (twid, receiver)
		)`,
		`CREATE TABLE IF NOT EXISTS message (
			mxid     TEXT   NOT NULL,
			mx_room  TEXT   NOT NULL,
			twid     BIGINT NOT NULL,
			receiver BIGINT NOT NULL,
			PRIMARY KEY (twid, receiver)
		)`,
		`CREATE INDEX IF NOT EXISTS message_mxid_idx ON message (mxid, mx_room)`,
		`CREATE INDEX IF NOT EXISTS portal_mxid_idx ON portal (mxid)`,
	}
	for _, query := range queries {
		if _, err := db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to upgrade database schema: %w", err)
		}
	}
	return nil
}
