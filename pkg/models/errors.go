// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package models

import "fmt"

// The bridge error taxonomy. Leg-level errors (TransportError, AuthError)
// surface only to the connection lifecycle code that owns retry and backoff;
// message-level errors (ResolutionError, PluginError, StorageError,
// ValidationError) never abort processing of other messages.

// TransportError wraps a leg-level network failure that should be retried
// with backoff.
type TransportError struct {
	Leg string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s leg transport error: %v", e.Leg, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError marks a leg as unusable until its credentials are refreshed.
// It is not retried.
type AuthError struct {
	Leg string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s leg authentication failed: %v", e.Leg, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ResolutionError means a room identifier or alias could not be resolved.
// The triggering message is dropped; resolution is attempted fresh on the
// next event.
type ResolutionError struct {
	Target string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve %q: %v", e.Target, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// PluginError is isolated to the offending plugin; the dispatch chain
// continues past it.
type PluginError struct {
	Plugin string
	Err    error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %q failed: %v", e.Plugin, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }

// StorageError is a dedup store read/write failure. The relay proceeds
// without the dedup guarantee for that item.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("mapping store %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ValidationError is a malformed inbound payload; the item is dropped and
// logged at low severity.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid payload: " + e.Reason
}
