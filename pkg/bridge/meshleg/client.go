// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package meshleg implements the Meshtastic side of the bridge: an MQTT
// client that decodes ServiceEnvelope uplink traffic into classified
// packets and encodes outbound text back onto the mesh.
package meshleg

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jellydator/ttlcache/v3"
	"github.com/kabili207/meshtastic-go/core/crypto"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"google.golang.org/protobuf/proto"

	"github.com/meshbridge/meshbridge/pkg/models"
)

const (
	broadcastID = uint32(0xFFFFFFFF)

	// seenTTL bounds how long a packet ID is remembered for at-least-once
	// MQTT delivery dedup. Durable dedup lives in the mapping store.
	seenTTL = 10 * time.Minute

	connectTimeout = 30 * time.Second
	initialBackoff = 2 * time.Second
	maxBackoff     = 5 * time.Minute

	// defaultMaxRetries bounds consecutive connect failures when the
	// config does not say otherwise. The leg never retries forever.
	defaultMaxRetries = 10

	// okToMQTT is the Data bitfield flag marking a packet as approved for
	// MQTT uplink.
	okToMQTT = uint32(1)
)

// Uplink topics look like {root}/2/e/{channel}/{gateway}.
var envelopeTopicRegex = regexp.MustCompile(`^(.+)/2/e/([^/]+)/(![a-f0-9]{8})$`)

type channelInfo struct {
	index int
	name  string
	key   []byte
	hash  uint32
}

// SendOptions shapes one outbound mesh text packet.
type SendOptions struct {
	Channel int
	Text    string
	// Dest is the destination node, zero for broadcast.
	Dest uint32
	// ReplyID threads the packet onto an earlier one.
	ReplyID uint32
	// Emoji marks the text as a tapback reaction to ReplyID.
	Emoji bool
	// WantAck requests broker-confirmed delivery.
	WantAck bool
}

// Client is the mesh leg. Create with New, drive with Run, consume decoded
// packets from Events.
type Client struct {
	cfg Config
	log zerolog.Logger

	nodeID uint32

	byIndex map[int]*channelInfo
	byName  map[string]*channelInfo

	events chan *models.MeshPacket
	lost   chan error
	seen   *ttlcache.Cache[uint32, struct{}]

	// backoffBase is the first retry delay. Tests shrink it.
	backoffBase time.Duration

	// sendMu drains outbound publishes one at a time, in submission order.
	sendMu sync.Mutex

	// mqttMu guards the client handle and the connection-scoped context,
	// which is cancelled when the connection drops so in-flight sends fail
	// instead of waiting out their caller deadline.
	mqttMu     sync.Mutex
	mqtt       mqtt.Client
	connCtx    context.Context
	connCancel context.CancelFunc

	stateMu sync.Mutex
	state   models.ConnectionState

	nodeMu    sync.RWMutex
	nodeNames map[uint32]string

	packetIDMu      sync.Mutex
	packetIDCounter uint32
}

// New parses channel keys and prepares the client without connecting.
func New(cfg Config, log zerolog.Logger) (*Client, error) {
	nodeID, err := ParseNodeID(cfg.GatewayID)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:         cfg,
		log:         log.With().Str("component", "meshleg").Logger(),
		nodeID:      nodeID,
		byIndex:     make(map[int]*channelInfo, len(cfg.Channels)),
		byName:      make(map[string]*channelInfo, len(cfg.Channels)),
		events:      make(chan *models.MeshPacket, 64),
		lost:        make(chan error, 1),
		nodeNames:   make(map[uint32]string),
		state:       models.StateDisconnected,
		backoffBase: initialBackoff,
		seen: ttlcache.New[uint32, struct{}](
			ttlcache.WithTTL[uint32, struct{}](seenTTL),
		),
	}

	for _, ch := range cfg.Channels {
		key := crypto.DefaultKey
		if ch.PSK != "" {
			key, err = crypto.ParseKey(ch.PSK)
			if err != nil {
				return nil, fmt.Errorf("channel %q: %w", ch.Name, err)
			}
		}
		hash, err := crypto.ChannelHash(ch.Name, key)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", ch.Name, err)
		}
		info := &channelInfo{index: ch.Index, name: ch.Name, key: key, hash: hash}
		c.byIndex[ch.Index] = info
		c.byName[ch.Name] = info
	}

	return c, nil
}

// Events returns the stream of decoded inbound packets.
func (c *Client) Events() <-chan *models.MeshPacket {
	return c.events
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
			Msg("Mesh leg state changed")
	}
}

// Run connects to the broker and keeps the connection alive until ctx is
// done, reconnecting with exponential backoff up to the retry budget. A
// successful connect refills the budget; exhausting it or a credential
// rejection is terminal and leaves the leg degraded.
func (c *Client) Run(ctx context.Context) error {
	go c.seen.Start()
	defer c.seen.Stop()

	backoff := c.backoffBase
	retries := 0
	for {
		c.setState(models.StateConnecting)
		err := c.connect()
		if err == nil {
			c.setState(models.StateActive)
			backoff = c.backoffBase
			retries = 0

			select {
			case <-ctx.Done():
				c.disconnect()
				c.setState(models.StateDisconnected)
				return ctx.Err()
			case err = <-c.lost:
				c.log.Warn().Err(err).Msg("Mesh connection lost")
			}
		}

		var authErr *models.AuthError
		if errors.As(err, &authErr) {
			c.setState(models.StateDegraded)
			return err
		}
		if err != nil {
			retries++
			if retries >= c.maxRetries() {
				c.setState(models.StateDegraded)
				terr := &models.TransportError{Leg: "mesh", Err: err}
				c.log.Error().Err(terr).
					Int("attempts", retries).
					Msg("Mesh leg out of reconnect attempts, degraded until restart")
				return terr
			}
			c.log.Warn().Err(err).
				Int("attempt", retries).
				Dur("retry_in", backoff).
				Msg("Mesh connect failed")
		}

		c.setState(models.StateReconnecting)
		select {
		case <-ctx.Done():
			c.setState(models.StateDisconnected)
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *Client) maxRetries() int {
	if c.cfg.MaxRetries > 0 {
		return c.cfg.MaxRetries
	}
	return defaultMaxRetries
}

func (c *Client) connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(c.cfg.ClientID).
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.Password).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.cancelConn()
			select {
			case c.lost <- err:
			default:
			}
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return &models.TransportError{Leg: "mesh", Err: fmt.Errorf("connect timed out after %s", connectTimeout)}
	}
	if err := token.Error(); err != nil {
		return classifyConnectError(err)
	}

	topic := c.cfg.TopicRoot + "/2/e/+/+"
	sub := client.Subscribe(topic, 1, c.handleMessage)
	if !sub.WaitTimeout(connectTimeout) || sub.Error() != nil {
		err := sub.Error()
		if err == nil {
			err = fmt.Errorf("subscribe to %q timed out", topic)
		}
		client.Disconnect(250)
		return &models.TransportError{Leg: "mesh", Err: err}
	}

	c.mqttMu.Lock()
	c.mqtt = client
	c.connCtx, c.connCancel = context.WithCancel(context.Background())
	c.mqttMu.Unlock()

	c.log.Info().Str("broker", c.cfg.Broker).Str("topic", topic).Msg("Mesh leg connected")
	return nil
}

func (c *Client) disconnect() {
	c.mqttMu.Lock()
	defer c.mqttMu.Unlock()
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	if c.mqtt != nil {
		c.mqtt.Disconnect(250)
		c.mqtt = nil
	}
}

// cancelConn fails any in-flight send waiting on the dropped connection.
func (c *Client) cancelConn() {
	c.mqttMu.Lock()
	defer c.mqttMu.Unlock()
	if c.connCancel != nil {
		c.connCancel()
	}
}

func classifyConnectError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "bad user name or password") || strings.Contains(msg, "not Authorized") {
		return &models.AuthError{Leg: "mesh", Err: err}
	}
	return &models.TransportError{Leg: "mesh", Err: err}
}

// handleMessage runs on the MQTT client's receive goroutine. It must not
// block, so a full events channel drops the packet.
func (c *Client) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	matches := envelopeTopicRegex.FindStringSubmatch(msg.Topic())
	if len(matches) == 0 {
		return
	}
	channelName, gateway := matches[2], matches[3]

	// Our own uplinks echo back from the broker.
	if gateway == c.cfg.GatewayID {
		return
	}

	pkt := c.decodeEnvelope(channelName, msg.Payload())
	if pkt == nil {
		return
	}

	select {
	case c.events <- pkt:
	default:
		c.log.Warn().
			Uint32("packet_id", pkt.PacketID).
			Msg("Inbound packet dropped, event buffer full")
	}
}

// decodeEnvelope unmarshals, dedups, decrypts and classifies one uplink
// payload. It returns nil for anything that should not reach the relay.
func (c *Client) decodeEnvelope(channelName string, payload []byte) *models.MeshPacket {
	info, ok := c.byName[channelName]
	if !ok {
		return nil
	}

	var env pb.ServiceEnvelope
	if err := proto.Unmarshal(payload, &env); err != nil {
		c.log.Debug().Err(err).Msg("Undecodable ServiceEnvelope")
		return nil
	}
	packet := env.GetPacket()
	if packet == nil {
		return nil
	}
	if packet.From == c.nodeID {
		return nil
	}

	// MQTT redelivery and multi-gateway meshes produce duplicates.
	if c.seen.Has(packet.Id) {
		c.log.Debug().Uint32("packet_id", packet.Id).Msg("Duplicate packet ignored")
		return nil
	}
	c.seen.Set(packet.Id, struct{}{}, ttlcache.DefaultTTL)

	data, err := crypto.TryDecode(packet, info.key)
	if err != nil {
		c.log.Debug().Err(err).Uint32("packet_id", packet.Id).Msg("Packet decrypt failed")
		return nil
	}

	return c.classify(packet, data, info)
}

func (c *Client) classify(packet *pb.MeshPacket, data *pb.Data, info *channelInfo) *models.MeshPacket {
	out := &models.MeshPacket{
		PacketID:   packet.Id,
		FromNodeID: packet.From,
		FromName:   c.NodeName(packet.From),
		Channel:    info.index,
		RxTime:     rxTime(packet),
	}

	switch data.Portnum {
	case pb.PortNum_TEXT_MESSAGE_APP:
		out.Type = models.PacketText
		out.Text = string(data.Payload)
		out.ReplyID = data.ReplyId
		out.IsReaction = data.Emoji != 0
		if out.Text == "" {
			return nil
		}

	case pb.PortNum_DETECTION_SENSOR_APP:
		out.Type = models.PacketDetectionSensor
		out.Text = string(data.Payload)
		if out.Text == "" {
			return nil
		}

	case pb.PortNum_TELEMETRY_APP:
		var tel pb.Telemetry
		if err := proto.Unmarshal(data.Payload, &tel); err != nil {
			return nil
		}
		dm := tel.GetDeviceMetrics()
		if dm == nil {
			return nil
		}
		out.Type = models.PacketTelemetry
		out.Telemetry = &models.TelemetrySnapshot{
			BatteryLevel:       dm.GetBatteryLevel(),
			Voltage:            dm.GetVoltage(),
			ChannelUtilization: dm.GetChannelUtilization(),
			AirUtilTx:          dm.GetAirUtilTx(),
		}

	case pb.PortNum_NODEINFO_APP:
		var user pb.User
		if err := proto.Unmarshal(data.Payload, &user); err != nil {
			return nil
		}
		c.updateNodeName(packet.From, user.LongName)
		out.Type = models.PacketNodeInfo
		out.FromName = c.NodeName(packet.From)

	case pb.PortNum_POSITION_APP:
		var pos pb.Position
		if err := proto.Unmarshal(data.Payload, &pos); err != nil {
			return nil
		}
		out.Type = models.PacketPosition
		out.Text = fmt.Sprintf("%.5f, %.5f",
			float64(pos.GetLatitudeI())*1e-7,
			float64(pos.GetLongitudeI())*1e-7)

	default:
		return nil
	}

	return out
}

func rxTime(packet *pb.MeshPacket) time.Time {
	if packet.RxTime != 0 {
		return time.Unix(int64(packet.RxTime), 0)
	}
	return time.Now()
}

// NodeName returns the cached long name for a node, falling back to the
// canonical !hex form.
func (c *Client) NodeName(nodeID uint32) string {
	c.nodeMu.RLock()
	name := c.nodeNames[nodeID]
	c.nodeMu.RUnlock()
	if name != "" {
		return name
	}
	return models.NodeIDString(nodeID)
}

func (c *Client) updateNodeName(nodeID uint32, name string) {
	if name == "" {
		return
	}
	c.nodeMu.Lock()
	c.nodeNames[nodeID] = name
	c.nodeMu.Unlock()
}

// Send encrypts and publishes one text packet. With WantAck the publish
// uses QoS 1 and Send returns only after the broker confirms it. Sends are
// serialized so relayed traffic keeps its submission order.
func (c *Client) Send(ctx context.Context, opts SendOptions) (uint32, error) {
	info, ok := c.byIndex[opts.Channel]
	if !ok {
		return 0, &models.ValidationError{Reason: fmt.Sprintf("no such mesh channel %d", opts.Channel)}
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mqttMu.Lock()
	client := c.mqtt
	connCtx := c.connCtx
	c.mqttMu.Unlock()
	if client == nil || !client.IsConnected() {
		return 0, &models.TransportError{Leg: "mesh", Err: errors.New("not connected")}
	}

	data := pb.Data{
		Portnum:  pb.PortNum_TEXT_MESSAGE_APP,
		Payload:  []byte(opts.Text),
		ReplyId:  opts.ReplyID,
		Bitfield: ptr.Ptr(okToMQTT),
	}
	if opts.Emoji {
		data.Emoji = 1
	}
	rawData, err := proto.Marshal(&data)
	if err != nil {
		return 0, fmt.Errorf("marshaling payload: %w", err)
	}

	packetID := c.generatePacketID()
	encrypted, err := crypto.XOR(rawData, info.key, packetID, c.nodeID)
	if err != nil {
		return 0, fmt.Errorf("encrypting payload: %w", err)
	}

	dest := opts.Dest
	if dest == 0 {
		dest = broadcastID
	}
	hopStart, hopLimit := c.hopValues()
	pkt := pb.MeshPacket{
		Id:       packetID,
		To:       dest,
		From:     c.nodeID,
		HopLimit: hopLimit,
		HopStart: hopStart,
		ViaMqtt:  true,
		WantAck:  opts.WantAck,
		RxTime:   uint32(time.Now().Unix()),
		Channel:  info.hash,
		Priority: pb.MeshPacket_DEFAULT,
		Delayed:  pb.MeshPacket_NO_DELAY,
		PayloadVariant: &pb.MeshPacket_Encrypted{
			Encrypted: encrypted,
		},
	}
	env := pb.ServiceEnvelope{
		ChannelId: info.name,
		GatewayId: c.cfg.GatewayID,
		Packet:    &pkt,
	}
	rawEnv, err := proto.Marshal(&env)
	if err != nil {
		return 0, fmt.Errorf("marshaling envelope: %w", err)
	}

	topic := c.cfg.TopicRoot + "/2/e/" + info.name + "/" + c.cfg.GatewayID
	qos := byte(0)
	if opts.WantAck {
		qos = 1
	}

	token := client.Publish(topic, qos, false, rawEnv)
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-connCtx.Done():
		return 0, &models.TransportError{Leg: "mesh", Err: errors.New("connection lost with send in flight")}
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return 0, &models.TransportError{Leg: "mesh", Err: err}
	}

	c.log.Debug().
		Uint32("packet_id", packetID).
		Int("channel", info.index).
		Uint32("dest", dest).
		Bool("want_ack", opts.WantAck).
		Msg("Mesh packet published")
	return packetID, nil
}

// hopValues returns HopStart and HopLimit for originated packets. The bridge
// itself counts as one hop.
func (c *Client) hopValues() (uint32, uint32) {
	configured := c.cfg.HopLimit
	if configured <= 0 {
		configured = 3
	}
	if configured > 7 {
		configured = 7
	}
	return uint32(configured), uint32(configured) - 1
}

// generatePacketID mixes a counter with the clock the way device firmware
// does, keeping IDs unique across restarts.
func (c *Client) generatePacketID() uint32 {
	c.packetIDMu.Lock()
	defer c.packetIDMu.Unlock()
	c.packetIDCounter++
	c.packetIDCounter = (c.packetIDCounter & 0x3FF) | (uint32(time.Now().UnixNano()&0x3FFFFF) << 10)
	return c.packetIDCounter
}
