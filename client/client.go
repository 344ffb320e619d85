// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package client is an MQTT v3.1.1 client which runs over any net.Conn. It
// shares the packet id, message store, and retry machinery of the server, so
// the outbound qos flows behave the same way on both sides of a connection.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	mqtt "github.com/mochi-mqtt/mqtt311"
	"github.com/mochi-mqtt/mqtt311/events"
	"github.com/mochi-mqtt/mqtt311/packets"
)

const (
	defaultKeepalive        uint16 = 60
	defaultConnectTimeout          = 10 * time.Second
	defaultInboundQueueSize        = 1024
	defaultReadBufferSize          = 2048
)

var (
	// ErrConnackTimeout indicates the server did not answer CONNECT in time.
	ErrConnackTimeout = errors.New("timed out waiting for connack")

	// ErrNotConnected indicates the client has no open connection.
	ErrNotConnected = errors.New("client not connected")

	// ErrAlreadyConnected indicates Connect was called on an open client.
	ErrAlreadyConnected = errors.New("client already connected")

	// ErrRetriesExhausted indicates a qos flow was abandoned after the
	// maximum number of resends.
	ErrRetriesExhausted = errors.New("retries exhausted waiting for acknowledgement")
)

// connackErrors maps CONNACK return codes to their errors.
var connackErrors = map[byte]packets.Code{
	packets.ErrUnsupportedProtocolVersion.Code: packets.ErrUnsupportedProtocolVersion,
	packets.ErrClientIdentifierNotValid.Code:   packets.ErrClientIdentifierNotValid,
	packets.ErrServerUnavailable.Code:          packets.ErrServerUnavailable,
	packets.ErrBadUsernameOrPassword.Code:      packets.ErrBadUsernameOrPassword,
	packets.ErrNotAuthorized.Code:              packets.ErrNotAuthorized,
}

// Will is the last will message sent by the server if the client
// disconnects without sending DISCONNECT.
type Will struct {
	Topic   string
	Payload []byte
	Qos     byte
	Retain  bool
}

// Options contains configurable options for the client.
type Options struct {
	ClientID         string         // a generated id is used if empty
	Username         []byte         // sent with the username flag if not nil
	Password         []byte         // sent with the password flag if not nil
	Will             *Will          // optional last will
	Logger           *slog.Logger   // the client logger
	Clean            bool           // request a clean session
	Keepalive        uint16         // seconds between pings; 0 disables pinging
	ConnectTimeout   time.Duration  // maximum wait for CONNACK
	RetryInterval    time.Duration  // wait before re-sending an unacknowledged qos packet
	MaxRetries       int            // resends before a qos flow is abandoned; 0 is unbounded
	InboundQueueSize int            // capacity of the queue between reader and dispatcher
	ReadBufferSize   int            // size of the buffered connection reader
	StoreCapacity    int            // maximum number of unacknowledged outbound messages
}

// ensureDefaults fills any unset options with their default values.
func (o *Options) ensureDefaults() {
	if o.ClientID == "" {
		o.ClientID = xid.New().String()
	}

	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}

	if o.RetryInterval <= 0 {
		o.RetryInterval = mqtt.DefaultRetryInterval
	}

	if o.InboundQueueSize <= 0 {
		o.InboundQueueSize = defaultInboundQueueSize
	}

	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = defaultReadBufferSize
	}

	if o.StoreCapacity <= 0 {
		o.StoreCapacity = mqtt.DefaultStoreCapacity
	}

	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
}

// result is the outcome of a flow awaiting an acknowledgement.
type result struct {
	pk  packets.Packet
	err error
}

// waiter is a flow awaiting a specific acknowledgement type. A claimed id
// belongs to the waiter and is released when it resolves.
type waiter struct {
	ch      chan result
	ack     byte
	claimed bool
}

type inboundPacket struct {
	pk  packets.Packet
	err error
}

// connection is the state of one network connection of the client.
type connection struct {
	conn    net.Conn
	bconn   *bufio.Reader
	inbound chan inboundPacket // bounded queue between the reader and the dispatcher
	done    chan struct{}      // closed when the connection ends
	retrier *mqtt.Retrier      // re-sends unacknowledged qos flow packets
	endOnce sync.Once
	writeMu sync.Mutex
	status  uint32 // the mqtt.ConnState of the connection
}

// Status returns the state of the connection.
func (cn *connection) Status() mqtt.ConnState {
	return mqtt.ConnState(atomic.LoadUint32(&cn.status))
}

func (cn *connection) setStatus(s mqtt.ConnState) {
	for {
		cur := atomic.LoadUint32(&cn.status)
		if cur >= uint32(s) || atomic.CompareAndSwapUint32(&cn.status, cur, uint32(s)) {
			return
		}
	}
}

func (cn *connection) write(pk packets.Packet) error {
	select {
	case <-cn.done:
		return ErrNotConnected
	default:
	}

	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	_, err := packets.WritePacket(cn.conn, pk)
	return err
}

// Client is an MQTT v3.1.1 client. A client may be connected again after a
// disconnection; without a clean session, unacknowledged messages are
// resumed on the new connection.
type Client struct {
	Messages     *events.Sender[packets.Packet] // raised for every application message received
	Disconnected *events.Sender[error]          // raised once per connection with the cause, nil if requested
	Log          *slog.Logger                   // the client logger
	opts         Options
	store        *mqtt.MessageStore
	mu           sync.Mutex
	cn           *connection               // the current connection
	acks         map[uint16]waiter         // flows awaiting an acknowledgement, keyed on packet id
	received     map[uint16]packets.Packet // inbound qos 2 messages awaiting PUBREL
	pings        []chan struct{}           // callers awaiting PINGRESP
}

// New returns a new client. The options are copied and defaulted.
func New(opts *Options) *Client {
	if opts == nil {
		opts = new(Options)
	}

	o := *opts
	o.ensureDefaults()

	return &Client{
		Messages:     new(events.Sender[packets.Packet]),
		Disconnected: new(events.Sender[error]),
		Log:          o.Logger,
		opts:         o,
		store:        mqtt.NewMessageStore(mqtt.NewIDProvider(), o.StoreCapacity),
		acks:         map[uint16]waiter{},
		received:     map[uint16]packets.Packet{},
	}
}

// ID returns the client identifier.
func (c *Client) ID() string {
	return c.opts.ClientID
}

// Store returns the store of unacknowledged outbound messages.
func (c *Client) Store() *mqtt.MessageStore {
	return c.store
}

// Connected returns true if the client has an open connection.
func (c *Client) Connected() bool {
	cn := c.current()
	return cn != nil && cn.Status() == mqtt.ConnConnected
}

func (c *Client) current() *connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cn
}

func (c *Client) connected() (*connection, error) {
	cn := c.current()
	if cn == nil || cn.Status() != mqtt.ConnConnected {
		return nil, ErrNotConnected
	}
	return cn, nil
}

// connectPacket builds the CONNECT packet from the client options.
func (c *Client) connectPacket() packets.Packet {
	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connect},
		Connect: packets.ConnectParams{
			ProtocolName:     []byte(packets.ProtocolName),
			ProtocolVersion:  packets.ProtocolLevel,
			ClientIdentifier: c.opts.ClientID,
			Clean:            c.opts.Clean,
			Keepalive:        c.opts.Keepalive,
		},
	}

	if c.opts.Username != nil {
		pk.Connect.UsernameFlag = true
		pk.Connect.Username = c.opts.Username
	}

	if c.opts.Password != nil {
		pk.Connect.PasswordFlag = true
		pk.Connect.Password = c.opts.Password
	}

	if w := c.opts.Will; w != nil {
		pk.Connect.WillFlag = true
		pk.Connect.WillTopic = w.Topic
		pk.Connect.WillPayload = w.Payload
		pk.Connect.WillQos = w.Qos
		pk.Connect.WillRetain = w.Retain
	}

	return pk
}

// Connect sends CONNECT over conn and waits for CONNACK. It returns the
// session present flag of the server. On failure the connection is closed.
func (c *Client) Connect(ctx context.Context, conn net.Conn) (bool, error) {
	if cn := c.current(); cn != nil && cn.Status() < mqtt.ConnDisconnecting {
		return false, ErrAlreadyConnected
	}

	pk := c.connectPacket()
	if code := pk.ConnectValidate(); code != packets.CodeSuccess {
		_ = conn.Close()
		return false, code
	}

	cn := &connection{
		conn:    conn,
		bconn:   bufio.NewReaderSize(conn, c.opts.ReadBufferSize),
		inbound: make(chan inboundPacket, c.opts.InboundQueueSize),
		done:    make(chan struct{}),
	}

	if err := cn.write(pk); err != nil {
		_ = conn.Close()
		return false, err
	}

	deadline := time.Now().Add(c.opts.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})

	ack, err := packets.ReadPacket(cn.bconn, 0)
	stop()
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return false, ErrConnackTimeout
		}
		return false, err
	}

	if ack.FixedHeader.Type != packets.Connack {
		_ = conn.Close()
		return false, packets.ErrProtocolViolationRequireFirstConnack
	}

	if ack.ReturnCode != packets.CodeSuccess.Code {
		_ = conn.Close()
		if code, ok := connackErrors[ack.ReturnCode]; ok {
			return false, code
		}
		return false, packets.Code{Code: ack.ReturnCode, Reason: "connection refused"}
	}

	present := ack.SessionPresent
	if !present {
		c.resetSession()
	}

	cn.retrier = mqtt.NewRetrier(c.opts.RetryInterval, c.opts.MaxRetries,
		func(id uint16) bool { return c.retry(cn, id) },
		func(id uint16) {
			c.Log.Warn("qos flow abandoned", "client", c.opts.ClientID, "packet_id", id)
			c.fail(id, ErrRetriesExhausted)
		},
	)

	cn.setStatus(mqtt.ConnConnected)
	c.mu.Lock()
	c.cn = cn
	c.mu.Unlock()

	go c.readLoop(cn)
	go c.dispatch(cn)
	if c.opts.Keepalive > 0 {
		go c.keepalive(cn)
	}

	c.resume(cn)
	c.Log.Debug("client connected", "client", c.opts.ClientID, "session_present", present)

	return present, nil
}

// resetSession drops the outbound and inbound qos state, which the server
// no longer holds.
func (c *Client) resetSession() {
	c.store.Clear()
	c.mu.Lock()
	c.received = map[uint16]packets.Packet{}
	c.mu.Unlock()
}

// resume re-sends unacknowledged messages and pending PUBRELs in order.
func (c *Client) resume(cn *connection) {
	for _, msg := range c.store.AllStoredMessages() {
		c.send(cn, msg.PacketID)
	}

	for _, id := range c.store.OrphanPacketIDs() {
		cn.retrier.Track(id)
		if err := cn.write(pubrel(id)); err != nil {
			c.Log.Debug("failed resending pubrel", "error", err, "packet_id", id)
		}
	}
}

// send writes a stored message and tracks it for resending.
func (c *Client) send(cn *connection, id uint16) {
	out, err := c.store.MarkSent(id)
	if err != nil {
		c.Log.Warn("failed marking message sent", "error", err, "packet_id", id)
		return
	}

	cn.retrier.Track(id)
	if err := cn.write(out); err != nil {
		c.Log.Debug("failed sending message", "error", err, "packet_id", id)
	}
}

// retry re-sends the packet awaiting acknowledgement for an id. It returns
// false if the flow is no longer in progress.
func (c *Client) retry(cn *connection, id uint16) bool {
	if _, ok := c.store.Get(id); ok {
		out, err := c.store.MarkSent(id)
		if err != nil {
			return false
		}
		_ = cn.write(out)
		return true
	}

	if c.store.IsOrphan(id) {
		_ = cn.write(pubrel(id))
		return true
	}

	return false
}

// readLoop reads packets into the inbound queue until the connection fails.
func (c *Client) readLoop(cn *connection) {
	for {
		var expiry time.Time
		if c.opts.Keepalive > 0 {
			expiry = time.Now().Add(time.Duration(c.opts.Keepalive) * time.Second * 3 / 2)
		}
		_ = cn.conn.SetReadDeadline(expiry)

		pk, err := packets.ReadPacket(cn.bconn, 0)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				err = packets.ErrKeepAliveTimeout
			}
		}

		select {
		case cn.inbound <- inboundPacket{pk: pk, err: err}:
		case <-cn.done:
			return
		}

		if err != nil {
			return
		}
	}
}

// dispatch handles inbound packets in the order they were received.
func (c *Client) dispatch(cn *connection) {
	for {
		select {
		case <-cn.done:
			return
		case in := <-cn.inbound:
			if in.err != nil {
				c.end(cn, in.err)
				return
			}

			if err := c.handle(cn, in.pk); err != nil {
				if errors.Is(err, mqtt.ErrStoreInconsistency) {
					c.Log.Warn("message store inconsistency", "error", err, "client", c.opts.ClientID)
					continue
				}

				c.end(cn, err)
				return
			}
		}
	}
}

// keepalive sends PINGREQ every keepalive period.
func (c *Client) keepalive(cn *connection) {
	t := time.NewTicker(time.Duration(c.opts.Keepalive) * time.Second)
	defer t.Stop()

	for {
		select {
		case <-cn.done:
			return
		case <-t.C:
			if err := cn.write(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingreq}}); err != nil {
				return
			}
		}
	}
}

// handle processes a single inbound packet.
func (c *Client) handle(cn *connection, pk packets.Packet) error {
	id := pk.PacketID
	switch pk.FixedHeader.Type {
	case packets.Publish:
		return c.handlePublish(cn, pk)
	case packets.Pubrel:
		c.mu.Lock()
		msg, ok := c.received[id]
		delete(c.received, id)
		c.mu.Unlock()

		if ok {
			c.deliver(msg)
		}

		if err := cn.write(ack(packets.Pubcomp, id)); err != nil {
			return err
		}

		if !ok {
			return fmt.Errorf("pubrel %d: %w", id, mqtt.ErrPacketIDNotFound)
		}
		return nil
	case packets.Puback:
		if err := c.store.ExpectQos(id, 1); err != nil {
			return err
		}

		cn.retrier.Cancel(id)
		return c.finish(id, pk, func() error {
			if _, err := c.store.DiscardMessageFromId(id); err != nil {
				return fmt.Errorf("puback %d: %w", id, err)
			}
			return nil
		})
	case packets.Pubrec:
		if !c.store.IsOrphan(id) {
			if err := c.store.ExpectQos(id, 2); err != nil {
				return err
			}

			if _, err := c.store.DiscardMessageFromId(id); err != nil {
				return fmt.Errorf("pubrec %d: %w", id, err)
			}
		}

		cn.retrier.Track(id)
		return cn.write(pubrel(id))
	case packets.Pubcomp:
		cn.retrier.Cancel(id)
		return c.finish(id, pk, func() error {
			if err := c.store.FreePacketIdentifier(id); err != nil {
				return fmt.Errorf("pubcomp %d: %w", id, err)
			}
			return nil
		})
	case packets.Suback, packets.Unsuback:
		if !c.complete(id, pk.FixedHeader.Type, result{pk: pk}) {
			c.Log.Debug("ignoring unexpected acknowledgement", "client", c.opts.ClientID, "type", packets.Names[pk.FixedHeader.Type], "packet_id", id)
		}
		return nil
	case packets.Pingresp:
		c.mu.Lock()
		pings := c.pings
		c.pings = nil
		c.mu.Unlock()

		for _, ch := range pings {
			close(ch)
		}
		return nil
	default:
		return packets.ErrProtocolViolationUnexpectedPacket
	}
}

// handlePublish receives an application message from the server.
func (c *Client) handlePublish(cn *connection, pk packets.Packet) error {
	if code := pk.PublishValidate(); code != packets.CodeSuccess {
		return code
	}

	switch pk.FixedHeader.Qos {
	case 0:
		c.deliver(pk)
		return nil
	case 1:
		c.deliver(pk)
		return cn.write(ack(packets.Puback, pk.PacketID))
	default:
		c.mu.Lock()
		if _, ok := c.received[pk.PacketID]; !ok {
			c.received[pk.PacketID] = pk
		}
		c.mu.Unlock()
		return cn.write(ack(packets.Pubrec, pk.PacketID))
	}
}

func (c *Client) deliver(pk packets.Packet) {
	if err := c.Messages.Raise(context.Background(), pk); err != nil {
		c.Log.Error("message handler failed", "error", err, "client", c.opts.ClientID, "topic", pk.TopicName)
	}
}

// await registers a waiter for an acknowledgement of type ack for an id.
func (c *Client) await(id uint16, ack byte, claimed bool) chan result {
	ch := make(chan result, 1)
	c.mu.Lock()
	c.acks[id] = waiter{ch: ch, ack: ack, claimed: claimed}
	c.mu.Unlock()
	return ch
}

// resolve releases a claimed id and hands the result to the waiter.
func (c *Client) resolve(id uint16, w waiter, res result) {
	if w.claimed {
		c.store.IDs().Release(id)
	}
	w.ch <- res
}

// take removes and returns the waiter for an id if it awaits an
// acknowledgement of type ack.
func (c *Client) take(id uint16, ack byte) (waiter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.acks[id]
	if !ok || w.ack != ack {
		return waiter{}, false
	}

	delete(c.acks, id)
	return w, true
}

// complete resolves the waiter for an id if it awaits an acknowledgement of
// type ack, returning false otherwise. The waiter is resolved even if its
// caller has stopped waiting.
func (c *Client) complete(id uint16, ack byte, res result) bool {
	w, ok := c.take(id, ack)
	if ok {
		c.resolve(id, w, res)
	}
	return ok
}

// finish takes the waiter for an id before running release, which may free
// the id for reuse, and then resolves the waiter with the outcome.
func (c *Client) finish(id uint16, pk packets.Packet, release func() error) error {
	w, ok := c.take(id, pk.FixedHeader.Type)
	err := release()
	if ok {
		c.resolve(id, w, result{pk: pk, err: err})
	}
	return err
}

// fail resolves the waiter for an id with an error, whatever it awaits.
func (c *Client) fail(id uint16, err error) {
	c.mu.Lock()
	w, ok := c.acks[id]
	delete(c.acks, id)
	c.mu.Unlock()

	if ok {
		c.resolve(id, w, result{err: err})
	}
}

// wait blocks until a waiter resolves or the context is done. The waiter
// stays registered after the context ends, so a late acknowledgement still
// completes its flow.
func (c *Client) wait(ctx context.Context, ch chan result) (packets.Packet, error) {
	select {
	case res := <-ch:
		return res.pk, res.err
	case <-ctx.Done():
		return packets.Packet{}, ctx.Err()
	}
}

// Publish sends an application message. For qos 1 and 2 it blocks until the
// flow is acknowledged or the context is done. A message still unacknowledged
// when the context ends stays in the store and continues to be re-sent.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if !packets.IsValidTopicName(topic) {
		return packets.ErrProtocolViolationInvalidTopic
	}

	if qos > 2 {
		return packets.ErrProtocolViolationQosOutOfRange
	}

	cn, err := c.connected()
	if err != nil {
		return err
	}

	pk := packets.NewPublish(topic, payload, qos, retain)
	if qos == 0 {
		return cn.write(pk)
	}

	id, err := c.store.StoreMessage(pk, mqtt.PendingToSend)
	if err != nil {
		return err
	}

	ack := packets.Puback
	if qos == 2 {
		ack = packets.Pubcomp
	}

	ch := c.await(id, ack, false)
	c.send(cn, id)
	_, err = c.wait(ctx, ch)
	return err
}

// Subscribe subscribes to topic filters and returns the SUBACK return codes,
// one per filter, in the order requested.
func (c *Client) Subscribe(ctx context.Context, subs ...packets.Subscription) ([]byte, error) {
	if len(subs) == 0 {
		return nil, packets.ErrProtocolViolationNoFilters
	}

	for _, sub := range subs {
		if !packets.IsValidTopicFilter(sub.Filter) {
			return nil, packets.ErrProtocolViolationInvalidTopic
		}

		if sub.Qos > 2 {
			return nil, packets.ErrProtocolViolationQosOutOfRange
		}
	}

	pk, err := c.request(ctx, packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Subscribe},
		Filters:     subs,
	})
	if err != nil {
		return nil, err
	}

	return pk.ReturnCodes, nil
}

// Unsubscribe removes subscriptions for topic filters.
func (c *Client) Unsubscribe(ctx context.Context, filters ...string) error {
	if len(filters) == 0 {
		return packets.ErrProtocolViolationNoFilters
	}

	subs := make(packets.Subscriptions, 0, len(filters))
	for _, f := range filters {
		subs = append(subs, packets.Subscription{Filter: f})
	}

	_, err := c.request(ctx, packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsubscribe},
		Filters:     subs,
	})
	return err
}

// request sends a packet under a fresh packet id and waits for its
// acknowledgement. The id stays claimed until the acknowledgement arrives or
// the connection ends, even if the context ends first.
func (c *Client) request(ctx context.Context, pk packets.Packet) (packets.Packet, error) {
	cn, err := c.connected()
	if err != nil {
		return packets.Packet{}, err
	}

	id, err := c.store.IDs().NextID()
	if err != nil {
		return packets.Packet{}, err
	}

	ack := packets.Suback
	if pk.FixedHeader.Type == packets.Unsubscribe {
		ack = packets.Unsuback
	}

	pk.PacketID = id
	ch := c.await(id, ack, true)
	if err := cn.write(pk); err != nil {
		c.fail(id, err)
		return packets.Packet{}, err
	}

	return c.wait(ctx, ch)
}

// Ping sends PINGREQ and waits for PINGRESP.
func (c *Client) Ping(ctx context.Context) error {
	cn, err := c.connected()
	if err != nil {
		return err
	}

	ch := make(chan struct{})
	c.mu.Lock()
	c.pings = append(c.pings, ch)
	c.mu.Unlock()

	if err := cn.write(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingreq}}); err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-cn.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect sends DISCONNECT and closes the connection. The will message is
// discarded by the server.
func (c *Client) Disconnect() error {
	cn, err := c.connected()
	if err != nil {
		return err
	}

	cn.setStatus(mqtt.ConnDisconnecting)
	err = cn.write(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Disconnect}})
	c.end(cn, nil)
	return err
}

// end closes a connection once, fails any waiting flows, and raises the
// Disconnected event with the cause.
func (c *Client) end(cn *connection, cause error) {
	cn.endOnce.Do(func() {
		cn.setStatus(mqtt.ConnDisconnecting)
		close(cn.done)
		cn.retrier.Stop()
		_ = cn.conn.Close()
		cn.setStatus(mqtt.ConnClosed)

		c.mu.Lock()
		acks := c.acks
		c.acks = map[uint16]waiter{}
		c.pings = nil
		c.mu.Unlock()

		for id, w := range acks {
			c.resolve(id, w, result{err: ErrNotConnected})
		}

		if cause != nil {
			c.Log.Info("client connection ended", "client", c.opts.ClientID, "error", cause)
		}

		if err := c.Disconnected.Raise(context.Background(), cause); err != nil {
			c.Log.Error("disconnect handler failed", "error", err, "client", c.opts.ClientID)
		}
	})
}

func ack(t byte, id uint16) packets.Packet {
	return packets.Packet{
		FixedHeader: packets.FixedHeader{Type: t},
		PacketID:    id,
	}
}

func pubrel(id uint16) packets.Packet {
	return ack(packets.Pubrel, id)
}
