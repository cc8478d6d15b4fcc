// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixleg implements the Matrix side of the bridge: a syncing
// client that turns room events into ChatMessages and sends formatted relay
// content back, with optional end-to-end encryption.
package matrixleg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/meshbridge/meshbridge/pkg/models"
)

const (
	initialBackoff  = 2 * time.Second
	maxBackoff      = 5 * time.Minute
	displayNameTTL  = 15 * time.Minute
	eventBufferSize = 64

	// defaultMaxRetries bounds consecutive sync failures when the config
	// does not say otherwise. The leg never retries forever.
	defaultMaxRetries = 10
)

// Client is the Matrix leg. Create with New, drive with Run, consume decoded
// messages from Events.
type Client struct {
	cfg Config
	log zerolog.Logger

	mx     *mautrix.Client
	crypto *cryptohelper.CryptoHelper

	events chan *models.ChatMessage

	// watermark separates live traffic from history replayed by the first
	// sync. Everything older is dropped.
	watermark time.Time

	// backoffBase is the first retry delay. Tests shrink it.
	backoffBase time.Duration

	// retryCount and backoff track consecutive sync failures. Both are
	// touched only on the sync goroutine, via the failed-sync hook and the
	// sync callback that resets them when a batch lands.
	retryCount int
	backoff    time.Duration

	syncer *mautrix.DefaultSyncer

	sendMu sync.Mutex

	stateMu sync.Mutex
	state   models.ConnectionState

	displayNames *ttlcache.Cache[id.UserID, string]
}

// New builds the client and wires the sync handlers without connecting.
func New(cfg Config, log zerolog.Logger) (*Client, error) {
	mx, err := mautrix.NewClient(cfg.HomeserverURL, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	c := &Client{
		cfg:         cfg,
		log:         log.With().Str("component", "matrixleg").Logger(),
		mx:          mx,
		events:      make(chan *models.ChatMessage, eventBufferSize),
		watermark:   time.Now(),
		backoffBase: initialBackoff,
		state:       models.StateDisconnected,
		displayNames: ttlcache.New[id.UserID, string](
			ttlcache.WithTTL[id.UserID, string](displayNameTTL),
		),
	}

	c.syncer = mx.Syncer.(*mautrix.DefaultSyncer)
	c.syncer.OnEventType(event.EventMessage, c.handleMessage)
	c.syncer.OnEventType(event.EventReaction, c.handleReaction)
	if cfg.Autojoin {
		c.syncer.OnEventType(event.StateMember, c.handleMembership)
	}
	// The default syncer retries failed /sync requests forever; the wrapper
	// routes them through the leg's bounded retry budget instead.
	mx.Syncer = &retrySyncer{DefaultSyncer: c.syncer, client: c}

	return c, nil
}

// retrySyncer overrides the default syncer's unbounded failed-sync policy.
type retrySyncer struct {
	*mautrix.DefaultSyncer
	client *Client
}

func (s *retrySyncer) OnFailedSync(_ *mautrix.RespSync, err error) (time.Duration, error) {
	return s.client.onFailedSync(err)
}

// Events returns the stream of decoded inbound messages.
func (c *Client) Events() <-chan *models.ChatMessage {
	return c.events
}

// UserID returns the bridge's own Matrix user ID.
func (c *Client) UserID() id.UserID {
	return c.mx.UserID
}

// State returns the current connection state.
func (c *Client) State() models.ConnectionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Client) setState(s models.ConnectionState) {
	c.stateMu.Lock()
	prev := c.state
	c.state = s
	c.stateMu.Unlock()
	if prev != s {
		c.log.Info().
			Stringer("from", prev).
			Stringer("to", s).
			Msg("Matrix leg state changed")
	}
}

// Run logs in, initializes crypto when configured, and syncs until ctx is
// done. Failed sync requests are retried with exponential backoff up to the
// retry budget (a landed batch refills it); exhausting the budget or
// failing credentials is terminal and leaves the leg degraded.
func (c *Client) Run(ctx context.Context) error {
	go c.displayNames.Start()
	defer c.displayNames.Stop()

	if err := c.setupAuth(ctx); err != nil {
		c.setState(models.StateDegraded)
		return err
	}

	c.markActiveOnSync()

	for {
		c.setState(models.StateConnecting)

		err := c.mx.SyncWithContext(ctx)
		if ctx.Err() != nil {
			c.setState(models.StateDisconnected)
			return ctx.Err()
		}
		if err == nil {
			// Sync was stopped explicitly, restart.
			continue
		}
		if isAuthFailure(err) {
			c.setState(models.StateDegraded)
			return &models.AuthError{Leg: "matrix", Err: err}
		}

		// SyncWithContext surfaces an error here either because the
		// failed-sync hook spent the budget, or from a failure outside
		// the sync loop proper (filter setup, response processing).
		// Both charge the same budget.
		delay, ferr := c.onFailedSync(err)
		if ferr != nil {
			c.setState(models.StateDegraded)
			terr := &models.TransportError{Leg: "matrix", Err: ferr}
			c.log.Error().Err(terr).
				Int("attempts", c.retryCount).
				Msg("Matrix leg out of reconnect attempts, degraded until restart")
			return terr
		}
		select {
		case <-ctx.Done():
			c.setState(models.StateDisconnected)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// onFailedSync is the failed-sync hook, running inline on the sync loop.
// It decides the retry delay for one failure, or surfaces the error to Run
// once the budget is spent.
func (c *Client) onFailedSync(err error) (time.Duration, error) {
	if isAuthFailure(err) {
		return 0, err
	}

	if c.retryCount == 0 {
		c.backoff = c.backoffBase
	} else {
		c.backoff = min(c.backoff*2, maxBackoff)
	}
	c.retryCount++
	if c.retryCount >= c.maxRetries() {
		return 0, err
	}

	c.setState(models.StateReconnecting)
	c.log.Warn().Err(err).
		Int("attempt", c.retryCount).
		Dur("retry_in", c.backoff).
		Msg("Matrix sync failed")
	return c.backoff, nil
}

func (c *Client) maxRetries() int {
	if c.cfg.MaxRetries > 0 {
		return c.cfg.MaxRetries
	}
	return defaultMaxRetries
}

// markActiveOnSync flips the leg to active whenever a sync batch lands and
// refills the retry budget. The callback runs inline on the sync loop, so
// retryCount stays confined to it.
func (c *Client) markActiveOnSync() {
	c.syncer.OnSync(func(ctx context.Context, resp *mautrix.RespSync, since string) bool {
		c.setState(models.StateActive)
		c.retryCount = 0
		return true
	})
}

func (c *Client) setupAuth(ctx context.Context) error {
	if c.cfg.PickleKey != "" {
		ch, err := cryptohelper.NewCryptoHelper(c.mx, []byte(c.cfg.PickleKey), c.cfg.CryptoDatabase)
		if err != nil {
			return fmt.Errorf("creating crypto helper: %w", err)
		}
		if c.cfg.AccessToken == "" {
			ch.LoginAs = &mautrix.ReqLogin{
				Type: mautrix.AuthTypePassword,
				Identifier: mautrix.UserIdentifier{
					Type: mautrix.IdentifierTypeUser,
					User: c.cfg.Username,
				},
				Password: c.cfg.Password,
			}
		}
		if err := ch.Init(ctx); err != nil {
			if isAuthFailure(err) {
				return &models.AuthError{Leg: "matrix", Err: err}
			}
			return fmt.Errorf("initializing crypto: %w", err)
		}
		c.mx.Crypto = ch
		c.crypto = ch
		return nil
	}

	if c.cfg.AccessToken == "" {
		resp, err := c.mx.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.cfg.Username,
			},
			Password:         c.cfg.Password,
			StoreCredentials: true,
		})
		if err != nil {
			if isAuthFailure(err) {
				return &models.AuthError{Leg: "matrix", Err: err}
			}
			return fmt.Errorf("logging in: %w", err)
		}
		c.log.Info().Stringer("device_id", resp.DeviceID).Msg("Logged in to homeserver")
	}
	return nil
}

func isAuthFailure(err error) bool {
	return errors.Is(err, mautrix.MUnknownToken) ||
		errors.Is(err, mautrix.MMissingToken) ||
		errors.Is(err, mautrix.MForbidden)
}

func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	msg := c.decodeMessage(evt)
	if msg == nil {
		return
	}
	c.deliver(msg)
}

func (c *Client) handleReaction(ctx context.Context, evt *event.Event) {
	msg := c.decodeReaction(evt)
	if msg == nil {
		return
	}
	c.deliver(msg)
}

func (c *Client) handleMembership(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMember()
	if content == nil || content.Membership != event.MembershipInvite {
		return
	}
	if id.UserID(evt.GetStateKey()) != c.mx.UserID {
		return
	}
	if _, err := c.mx.JoinRoomByID(ctx, evt.RoomID); err != nil {
		c.log.Warn().Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to accept invite")
		return
	}
	c.log.Info().Stringer("room_id", evt.RoomID).Msg("Joined room on invite")
}

func (c *Client) deliver(msg *models.ChatMessage) {
	select {
	case c.events <- msg:
	default:
		c.log.Warn().
			Stringer("event_id", msg.EventID).
			Msg("Inbound message dropped, event buffer full")
	}
}

// decodeMessage turns an m.room.message event into a ChatMessage, or nil
// for events the relay must not see: our own sends, history from before
// startup, and non-text message types.
func (c *Client) decodeMessage(evt *event.Event) *models.ChatMessage {
	if evt.Sender == c.mx.UserID {
		return nil
	}
	ts := time.UnixMilli(evt.Timestamp)
	if ts.Before(c.watermark) {
		return nil
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return nil
	}
	switch content.MsgType {
	case event.MsgText, event.MsgEmote, event.MsgNotice:
	default:
		return nil
	}

	msg := &models.ChatMessage{
		RoomID:        evt.RoomID,
		EventID:       evt.ID,
		Sender:        evt.Sender,
		Body:          content.Body,
		FormattedBody: content.FormattedBody,
		Timestamp:     ts,
	}
	if rel := content.RelatesTo; rel != nil {
		msg.ReplyTo = rel.GetReplyTo()
	}
	extractBridgeTags(evt, msg)
	return msg
}

// decodeReaction turns an m.reaction annotation into a ChatMessage with the
// reaction fields set.
func (c *Client) decodeReaction(evt *event.Event) *models.ChatMessage {
	if evt.Sender == c.mx.UserID {
		return nil
	}
	ts := time.UnixMilli(evt.Timestamp)
	if ts.Before(c.watermark) {
		return nil
	}

	content, ok := evt.Content.Parsed.(*event.ReactionEventContent)
	if !ok {
		return nil
	}
	if content.RelatesTo.Type != event.RelAnnotation || content.RelatesTo.EventID == "" {
		return nil
	}

	msg := &models.ChatMessage{
		RoomID:      evt.RoomID,
		EventID:     evt.ID,
		Sender:      evt.Sender,
		ReactionTo:  content.RelatesTo.EventID,
		ReactionKey: content.RelatesTo.Key,
		Timestamp:   ts,
	}
	extractBridgeTags(evt, msg)
	return msg
}

// extractBridgeTags reads the custom content keys other bridge instances
// stamp onto relayed events.
func extractBridgeTags(evt *event.Event, msg *models.ChatMessage) {
	raw := evt.Content.Raw
	if raw == nil {
		return
	}
	if origin, ok := raw[models.ContentKeyMeshnet].(string); ok {
		msg.MeshnetOrigin = origin
	}
	if packetID, ok := raw[models.ContentKeyPacketID].(float64); ok {
		msg.MeshPacketID = uint32(packetID)
	}
}

// Send posts a message event to a room. Sends are serialized so relayed
// traffic keeps its arrival order within the bridge.
func (c *Client) Send(ctx context.Context, roomID id.RoomID, content any) (id.EventID, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	resp, err := c.mx.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", c.classifySendError(err)
	}
	return resp.EventID, nil
}

// React annotates an existing event with a reaction key.
func (c *Client) React(ctx context.Context, roomID id.RoomID, eventID id.EventID, key string) (id.EventID, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	resp, err := c.mx.SendReaction(ctx, roomID, eventID, key)
	if err != nil {
		return "", c.classifySendError(err)
	}
	return resp.EventID, nil
}

func (c *Client) classifySendError(err error) error {
	if isAuthFailure(err) {
		return &models.AuthError{Leg: "matrix", Err: err}
	}
	return &models.TransportError{Leg: "matrix", Err: err}
}

// ResolveAlias maps a #alias to its room ID.
func (c *Client) ResolveAlias(ctx context.Context, alias string) (id.RoomID, error) {
	resp, err := c.mx.ResolveAlias(ctx, id.RoomAlias(alias))
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// DisplayName returns a user's display name, cached, falling back to the
// user ID's localpart.
func (c *Client) DisplayName(ctx context.Context, userID id.UserID) string {
	if item := c.displayNames.Get(userID); item != nil {
		return item.Value()
	}
	resp, err := c.mx.GetDisplayName(ctx, userID)
	if err != nil || resp.DisplayName == "" {
		return userID.Localpart()
	}
	c.displayNames.Set(userID, resp.DisplayName, ttlcache.DefaultTTL)
	return resp.DisplayName
}

// Close releases the crypto helper's store.
func (c *Client) Close() error {
	if c.crypto != nil {
		return c.crypto.Close()
	}
	return nil
}
