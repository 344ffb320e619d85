// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mochi-mqtt/mqtt311/packets"
)

const (
	defaultKeepalive       uint16 = 10 // the default connection keepalive value in seconds.
	defaultClientQueueSize int    = 1024
	defaultConnectTimeout         = 10 * time.Second
)

var (
	// ErrKeepAliveTimeout indicates nothing was received from a connection
	// within one and a half times its keepalive.
	ErrKeepAliveTimeout error = packets.ErrKeepAliveTimeout
)

// ConnState is the state of a client connection.
type ConnState uint32

const (
	ConnAwaitingFirstPacket ConnState = iota // waiting for the CONNECT packet
	ConnConnected                            // CONNACK sent, packets are being dispatched
	ConnDisconnecting                        // DISCONNECT received or the connection is being stopped
	ConnClosed                               // the network connection is closed
)

// String returns the readable name of the state.
func (s ConnState) String() string {
	switch s {
	case ConnAwaitingFirstPacket:
		return "awaiting-first-packet"
	case ConnConnected:
		return "connected"
	case ConnDisconnecting:
		return "disconnecting"
	default:
		return "closed"
	}
}

// ReadFn is the function signature for the function used for reading and
// processing new packets.
type ReadFn func(*Client, packets.Packet) error

// Clients contains a map of the clients known by the broker, keyed on client id.
type Clients struct {
	internal map[string]*Client
	sync.RWMutex
}

// NewClients returns an instance of Clients.
func NewClients() *Clients {
	return &Clients{
		internal: make(map[string]*Client),
	}
}

// Add adds a new client to the clients map, keyed on client id.
func (cl *Clients) Add(val *Client) {
	cl.Lock()
	defer cl.Unlock()
	cl.internal[val.ID] = val
}

// GetAll returns all the clients.
func (cl *Clients) GetAll() map[string]*Client {
	cl.RLock()
	defer cl.RUnlock()
	m := map[string]*Client{}
	for k, v := range cl.internal {
		m[k] = v
	}
	return m
}

// Get returns the value of a client if it exists.
func (cl *Clients) Get(id string) (*Client, bool) {
	cl.RLock()
	defer cl.RUnlock()
	val, ok := cl.internal[id]
	return val, ok
}

// Len returns the length of the clients map.
func (cl *Clients) Len() int {
	cl.RLock()
	defer cl.RUnlock()
	val := len(cl.internal)
	return val
}

// Remove removes a client from the map, but only if the entry for its id is
// the same client. Returns true if the client was removed.
func (cl *Clients) Remove(val *Client) bool {
	cl.Lock()
	defer cl.Unlock()
	if cur, ok := cl.internal[val.ID]; ok && cur == val {
		delete(cl.internal, val.ID)
		return true
	}
	return false
}

// GetByListener returns clients matching a listener id.
func (cl *Clients) GetByListener(id string) []*Client {
	cl.RLock()
	defer cl.RUnlock()
	clients := make([]*Client, 0, len(cl.internal))
	for _, client := range cl.internal {
		if client.Net.Listener == id && !client.Closed() {
			clients = append(clients, client)
		}
	}
	return clients
}

// Client contains information about a client connected to the server.
type Client struct {
	Properties ClientProperties // client properties from the CONNECT packet
	State      ClientState      // the operational state of the client
	Net        ClientConnection // network connection state of the client
	Session    *Session         // the session resumed or created for the client id
	ID         string           // the client id
	ops        *ops             // ops provides a reference to server ops
	sync.RWMutex                // mutex
}

// ClientConnection contains the connection transport and metadata for the client.
type ClientConnection struct {
	Conn     net.Conn      // the net.Conn used to establish the connection
	bconn    *bufio.Reader // a buffered reader over the connection
	Remote   string        // the remote address of the client
	Listener string        // listener id of the client
	Inline   bool          // client is an inline programmatic client
}

// ClientProperties contains the properties which define the client behaviour.
type ClientProperties struct {
	Username  []byte
	Will      packets.Packet // the will message, if the will flag was set
	Keepalive uint16
	Clean     bool
	HasWill   bool
}

// ClientState tracks the state of the client.
type ClientState struct {
	outbound     chan packets.Packet // queue for pending outgoing packets
	inbound      chan inboundPacket  // bounded queue between the reader and the dispatcher
	open         context.Context     // indicate that the client is open for packet exchange
	cancelOpen   context.CancelFunc  // cancel function for open context
	retrier      *Retrier            // re-sends unacknowledged qos flow packets
	stopCause    atomic.Value        // reason for stopping
	endOnce      sync.Once           // only end once
	writeMu      sync.Mutex          // serializes writes to the connection
	status       uint32              // the ConnState of the connection
	isTakenOver  uint32              // used to identify orphaned clients
	outboundQty  int32               // number of messages currently in the outbound queue
	disconnected int64               // the time the client disconnected in unix time
}

type inboundPacket struct {
	pk  packets.Packet
	err error
}

// newClient returns a new instance of Client. This is almost exclusively used by Server
// for creating new clients, but it lives here because it's not dependent.
func newClient(c net.Conn, o *ops) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	cl := &Client{
		State: ClientState{
			outbound:   make(chan packets.Packet, o.options.Capabilities.MaximumClientWritesPending),
			inbound:    make(chan inboundPacket, o.options.ClientInboundQueueSize),
			open:       ctx,
			cancelOpen: cancel,
		},
		Properties: ClientProperties{
			Keepalive: defaultKeepalive,
		},
		ops: o,
	}

	if c != nil {
		cl.Net = ClientConnection{
			Conn:   c,
			bconn:  bufio.NewReaderSize(c, o.options.ClientNetReadBufferSize),
			Remote: c.RemoteAddr().String(),
		}
	}

	return cl
}

// WriteLoop ranges over pending outbound messages and writes them to the client connection.
func (cl *Client) WriteLoop() {
	for {
		select {
		case pk := <-cl.State.outbound:
			if _, err := cl.WritePacket(pk); err != nil {
				cl.ops.log.Debug("failed publishing packet", "error", err, "client", cl.ID, "packet", pk)
			}
			atomic.AddInt32(&cl.State.outboundQty, -1)
		case <-cl.State.open.Done():
			return
		}
	}
}

// ParseConnect parses the connect parameters and properties for a client.
func (cl *Client) ParseConnect(lid string, pk packets.Packet) {
	cl.Net.Listener = lid

	cl.Properties.Username = pk.Connect.Username
	cl.Properties.Clean = pk.Connect.Clean
	cl.Properties.Keepalive = pk.Connect.Keepalive
	if pk.Connect.WillFlag {
		cl.Properties.HasWill = true
		cl.Properties.Will = packets.NewPublish(pk.Connect.WillTopic, pk.Connect.WillPayload, pk.Connect.WillQos, pk.Connect.WillRetain)
	}

	cl.ID = pk.Connect.ClientIdentifier
}

// Status returns the connection state of the client.
func (cl *Client) Status() ConnState {
	return ConnState(atomic.LoadUint32(&cl.State.status))
}

// setStatus moves the connection to a later state. A connection never moves
// back to an earlier state.
func (cl *Client) setStatus(s ConnState) {
	for {
		cur := atomic.LoadUint32(&cl.State.status)
		if cur >= uint32(s) || atomic.CompareAndSwapUint32(&cl.State.status, cur, uint32(s)) {
			return
		}
	}
}

// Retrier returns the retrier of the client connection.
func (cl *Client) Retrier() *Retrier {
	cl.RLock()
	defer cl.RUnlock()
	return cl.State.retrier
}

// SetRetrier sets the retrier of the client connection.
func (cl *Client) SetRetrier(r *Retrier) {
	cl.Lock()
	defer cl.Unlock()
	cl.State.retrier = r
}

// refreshDeadline refreshes the read deadline for the net.Conn connection to
// one and a half times the keepalive. A keepalive of 0 disables the deadline.
func (cl *Client) refreshDeadline(keepalive uint16) {
	var expiry time.Time // nil time can be used to disable deadline if keepalive = 0
	if keepalive > 0 {
		expiry = time.Now().Add(time.Duration(keepalive) * time.Second * 3 / 2) // [MQTT-3.1.2-24]
	}

	if cl.Net.Conn != nil {
		_ = cl.Net.Conn.SetReadDeadline(expiry)
	}
}

// Read starts a reader goroutine which decodes incoming packets into the
// bounded inbound queue, and dispatches them to the packet handler in the
// order they were received. Read returns nil once the connection is
// disconnecting, or the error which ended the connection.
func (cl *Client) Read(handler ReadFn) error {
	go cl.readLoop()

	for {
		select {
		case <-cl.State.open.Done():
			return cl.StopCause()
		case in := <-cl.State.inbound:
			if in.err != nil {
				return in.err
			}

			if err := handler(cl, in.pk); err != nil {
				return err
			}

			if cl.Status() >= ConnDisconnecting {
				return nil
			}
		}
	}
}

// readLoop reads packets from the connection into the inbound queue until
// the connection fails or is closed. Pushing blocks while the queue is full.
func (cl *Client) readLoop() {
	for {
		cl.refreshDeadline(cl.Properties.Keepalive)
		pk, err := cl.ReadPacket()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				err = ErrKeepAliveTimeout
			}
		}

		select {
		case cl.State.inbound <- inboundPacket{pk: pk, err: err}:
		case <-cl.State.open.Done():
			return
		}

		if err != nil {
			return
		}
	}
}

// Stop instructs the client to shut down all processing goroutines and disconnect.
func (cl *Client) Stop(err error) {
	cl.State.endOnce.Do(func() {
		cl.setStatus(ConnDisconnecting)

		if r := cl.Retrier(); r != nil {
			r.Stop()
		}

		if cl.Net.Conn != nil {
			_ = cl.Net.Conn.Close() // omit close error
		}

		if err != nil {
			cl.State.stopCause.Store(err)
		}

		if cl.State.cancelOpen != nil {
			cl.State.cancelOpen()
		}

		atomic.StoreInt64(&cl.State.disconnected, time.Now().Unix())
		cl.setStatus(ConnClosed)
	})
}

// StopCause returns the reason the client connection was stopped, if any.
func (cl *Client) StopCause() error {
	if cl.State.stopCause.Load() == nil {
		return nil
	}
	return cl.State.stopCause.Load().(error)
}

// Closed returns true if client connection is closed.
func (cl *Client) Closed() bool {
	return cl.State.open == nil || cl.State.open.Err() != nil
}

// IsTakenOver returns true if the client id was taken over by a new connection.
func (cl *Client) IsTakenOver() bool {
	return atomic.LoadUint32(&cl.State.isTakenOver) == 1
}

// ReadPacket reads and decodes the next packet from the connection.
func (cl *Client) ReadPacket() (packets.Packet, error) {
	if cl.Net.bconn == nil {
		return packets.Packet{}, ErrConnectionClosed
	}

	pk, err := packets.ReadPacket(cl.Net.bconn, int(cl.ops.options.Capabilities.MaximumPacketSize))
	if err != nil {
		return pk, err
	}

	atomic.AddInt64(&cl.ops.info.PacketsReceived, 1)
	atomic.AddInt64(&cl.ops.info.BytesReceived, wireSize(pk.FixedHeader.Remaining))
	if pk.FixedHeader.Type == packets.Publish {
		atomic.AddInt64(&cl.ops.info.MessagesReceived, 1)
	}

	pk, err = cl.ops.hooks.OnPacketRead(cl, pk)
	return pk, err
}

// WritePacket encodes and writes a packet to the client. Writes are
// serialized so that the dispatcher, retry timers, and fan-out from other
// connections never interleave bytes.
func (cl *Client) WritePacket(pk packets.Packet) (int, error) {
	if cl.Closed() {
		return 0, ErrConnectionClosed
	}

	if cl.Net.Conn == nil {
		return 0, nil
	}

	buf := packets.GetBuffer()
	defer packets.PutBuffer(buf)
	if err := pk.Encode(buf); err != nil {
		return 0, err
	}

	b := buf.Bytes()
	cl.State.writeMu.Lock()
	n, err := cl.Net.Conn.Write(b)
	cl.State.writeMu.Unlock()
	if err != nil {
		return n, err
	}

	atomic.AddInt64(&cl.ops.info.BytesSent, int64(n))
	atomic.AddInt64(&cl.ops.info.PacketsSent, 1)
	if pk.FixedHeader.Type == packets.Publish {
		atomic.AddInt64(&cl.ops.info.MessagesSent, 1)
	}

	cl.ops.hooks.OnPacketSent(cl, pk, b)
	return n, nil
}

// Enqueue places a packet on the outbound queue without blocking. Returns
// false if the queue is full or the client is closed.
func (cl *Client) Enqueue(pk packets.Packet) bool {
	if cl.Closed() {
		return false
	}

	select {
	case cl.State.outbound <- pk:
		atomic.AddInt32(&cl.State.outboundQty, 1)
		return true
	default:
		return false
	}
}

// wireSize returns the encoded size of a packet from its remaining length.
func wireSize(remaining int) int64 {
	n := int64(remaining) + 2
	for r := remaining; r > 127; r >>= 7 {
		n++
	}
	return n
}
