// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrixleg

import (
	"fmt"
	"strings"
)

// Config is the Matrix leg configuration. Either an access token or a
// username/password pair must be supplied; with E2EE enabled the password
// flow is required so the crypto helper can create its own device.
type Config struct {
	HomeserverURL string `yaml:"homeserver_url"`
	UserID        string `yaml:"user_id"`
	AccessToken   string `yaml:"access_token"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`

	// PickleKey enables end-to-end encryption. The olm account and device
	// keys are pickled under this key in CryptoDatabase.
	PickleKey      string `yaml:"pickle_key"`
	CryptoDatabase string `yaml:"crypto_database"`

	// Autojoin accepts room invites addressed to the bridge user.
	Autojoin bool `yaml:"autojoin"`

	// MaxRetries bounds consecutive failed reconnect attempts before the
	// leg gives up and goes degraded. Zero uses the default.
	MaxRetries int `yaml:"max_retries"`
}

func (c *Config) Validate() error {
	if c.HomeserverURL == "" {
		return fmt.Errorf("matrix: homeserver_url is required")
	}
	if !strings.HasPrefix(c.UserID, "@") {
		return fmt.Errorf("matrix: user_id %q is not a full @user:server ID", c.UserID)
	}
	if c.AccessToken == "" && (c.Username == "" || c.Password == "") {
		return fmt.Errorf("matrix: either access_token or username and password are required")
	}
	if c.PickleKey != "" && c.CryptoDatabase == "" {
		return fmt.Errorf("matrix: crypto_database is required when pickle_key is set")
	}
	return nil
}
