// twitterdm - A Matrix-Twitter DM puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

type BotConfig struct {
	Username    string              `yaml:"username"`
	Displayname string              `yaml:"displayname"`
	Avatar      id.ContentURIString `yaml:"avatar"`
}

type AppserviceConfig struct {
	Address  string `yaml:"address"`
	Hostname string `yaml:"hostname"`
	Port     uint16 `yaml:"port"`

	ID  string    `yaml:"id"`
	Bot BotConfig `yaml:"bot"`

	ASToken string `yaml:"as_token"`
	HSToken string `yaml:"hs_token"`

	// CommunityID links every portal room to a community via
	// m.room.related_groups initial state. Empty disables linking.
	CommunityID string `yaml:"community_id"`
}

type EncryptionConfig struct {
	// Default marks newly created portal rooms as encrypted. Key management
	// is handled outside this module; the bridge only sets the room flag
	// and the m.room.encryption state event.
	Default bool `yaml:"default"`
}

type BridgeConfig struct {
	// UsernameTemplate is the localpart pattern for ghost users, executed
	// with the Twitter user id. Must contain exactly one {{.}}.
	UsernameTemplate string `yaml:"username_template"`
	// DisplaynameTemplate is executed with DisplaynameParams.
	DisplaynameTemplate string `yaml:"displayname_template"`

	// DeliveryReceipts makes the bridge bot mark bridged messages as read
	// after successful delivery in either direction.
	DeliveryReceipts bool `yaml:"delivery_receipts"`

	Encryption EncryptionConfig `yaml:"encryption"`

	usernameTemplate    *template.Template
	displaynameTemplate *template.Template
	usernamePrefix      string
	usernameSuffix      string
}

type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	Appservice AppserviceConfig  `yaml:"appservice"`
	Bridge     BridgeConfig      `yaml:"bridge"`
	Database   dbutil.Config     `yaml:"database"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

// LoadConfig reads and parses the bridge config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

type umBridgeConfig BridgeConfig

func (bc *BridgeConfig) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umBridgeConfig)(bc))
	if err != nil {
		return err
	}
	return bc.PostProcess()
}

// usernameMarker is substituted for {{.}} to split the username template
// into a literal prefix and suffix for reverse parsing.
const usernameMarker = "\x01"

func (bc *BridgeConfig) PostProcess() error {
	var err error
	bc.usernameTemplate, err = template.New("username").Parse(bc.UsernameTemplate)
	if err != nil {
		return fmt.Errorf("invalid username_template: %w", err)
	}
	var buf strings.Builder
	if err = bc.usernameTemplate.Execute(&buf, usernameMarker); err != nil {
		return fmt.Errorf("invalid username_template: %w", err)
	}
	prefix, suffix, found := strings.Cut(buf.String(), usernameMarker)
	if !found {
		return fmt.Errorf("username_template must contain {{.}}")
	}
	bc.usernamePrefix, bc.usernameSuffix = prefix, suffix
	bc.displaynameTemplate, err = template.New("displayname").Parse(bc.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("invalid displayname_template: %w", err)
	}
	return nil
}

// FormatUsername returns the ghost user localpart for a Twitter user id.
func (cfg *Config) FormatUsername(twid int64) string {
	var buf strings.Builder
	if err := cfg.Bridge.usernameTemplate.Execute(&buf, strconv.FormatInt(twid, 10)); err != nil {
		return cfg.Bridge.usernamePrefix + strconv.FormatInt(twid, 10) + cfg.Bridge.usernameSuffix
	}
	return buf.String()
}

// FormatPuppetMXID returns the full ghost user id for a Twitter user id.
func (cfg *Config) FormatPuppetMXID(twid int64) id.UserID {
	return id.NewUserID(cfg.FormatUsername(twid), cfg.Homeserver.Domain)
}

// ParsePuppetMXID extracts the Twitter user id from a ghost user id.
// The second return value is false for anything that isn't a ghost of
// this bridge.
func (cfg *Config) ParsePuppetMXID(userID id.UserID) (int64, bool) {
	localpart, domain, err := userID.Parse()
	if err != nil || domain != cfg.Homeserver.Domain {
		return 0, false
	}
	if !strings.HasPrefix(localpart, cfg.Bridge.usernamePrefix) ||
		!strings.HasSuffix(localpart, cfg.Bridge.usernameSuffix) {
		return 0, false
	}
	idStr := localpart[len(cfg.Bridge.usernamePrefix) : len(localpart)-len(cfg.Bridge.usernameSuffix)]
	twid, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || twid <= 0 {
		return 0, false
	}
	return twid, true
}

// DisplaynameParams is the data passed to the displayname template.
type DisplaynameParams struct {
	Name string
	ID   int64
}

// FormatDisplayname returns the Matrix displayname for a Twitter user.
func (cfg *Config) FormatDisplayname(params DisplaynameParams) string {
	var buf strings.Builder
	if err := cfg.Bridge.displaynameTemplate.Execute(&buf, &params); err != nil {
		return params.Name
	}
	name := strings.TrimSpace(buf.String())
	if name == "" {
		return strconv.FormatInt(params.ID, 10)
	}
	return name
}
