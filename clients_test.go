// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/mqtt311/packets"
	"github.com/mochi-mqtt/mqtt311/system"
)

func newTestClient() (cl *Client, r net.Conn, w net.Conn) {
	r, w = net.Pipe()

	opts := &Options{Logger: logger}
	opts.ensureDefaults()

	cl = newClient(w, &ops{
		options: opts,
		info:    new(system.Info),
		hooks:   &Hooks{Log: logger},
		log:     logger,
	})
	cl.ID = "mochi"

	return
}

func TestNewClients(t *testing.T) {
	cl := NewClients()
	require.NotNil(t, cl.internal)
}

func TestClientsAddGet(t *testing.T) {
	cl := NewClients()
	cl.Add(&Client{ID: "t1"})
	cl.Add(&Client{ID: "t2"})

	client, ok := cl.Get("t1")
	require.True(t, ok)
	require.Equal(t, "t1", client.ID)
	require.Equal(t, 2, cl.Len())

	_, ok = cl.Get("t3")
	require.False(t, ok)
}

func BenchmarkClientsGet(b *testing.B) {
	cl := NewClients()
	cl.Add(&Client{ID: "t1"})
	for n := 0; n < b.N; n++ {
		cl.Get("t1")
	}
}

func TestClientsGetAll(t *testing.T) {
	cl := NewClients()
	cl.Add(&Client{ID: "t1"})
	cl.Add(&Client{ID: "t2"})

	all := cl.GetAll()
	require.Len(t, all, 2)
	delete(all, "t1")
	require.Equal(t, 2, cl.Len())
}

func TestClientsRemove(t *testing.T) {
	cl := NewClients()
	old := &Client{ID: "t1"}
	cl.Add(old)

	current := &Client{ID: "t1"}
	cl.Add(current)

	require.False(t, cl.Remove(old)) // replaced by a newer connection
	_, ok := cl.Get("t1")
	require.True(t, ok)

	require.True(t, cl.Remove(current))
	require.Equal(t, 0, cl.Len())
}

func TestClientsGetByListener(t *testing.T) {
	cl := NewClients()
	c1, _, _ := newTestClient()
	c1.ID = "t1"
	c1.Net.Listener = "tcp1"
	c2, _, _ := newTestClient()
	c2.ID = "t2"
	c2.Net.Listener = "tcp2"
	c3, _, _ := newTestClient()
	c3.ID = "t3"
	c3.Net.Listener = "tcp1"
	c3.Stop(nil)

	cl.Add(c1)
	cl.Add(c2)
	cl.Add(c3)

	clients := cl.GetByListener("tcp1")
	require.Len(t, clients, 1)
	require.Equal(t, "t1", clients[0].ID)
}

func TestConnStateString(t *testing.T) {
	require.Equal(t, "awaiting-first-packet", ConnAwaitingFirstPacket.String())
	require.Equal(t, "connected", ConnConnected.String())
	require.Equal(t, "disconnecting", ConnDisconnecting.String())
	require.Equal(t, "closed", ConnClosed.String())
}

func TestNewClient(t *testing.T) {
	cl, _, _ := newTestClient()

	require.NotNil(t, cl)
	require.NotNil(t, cl.State.outbound)
	require.NotNil(t, cl.State.inbound)
	require.Equal(t, defaultClientQueueSize, cap(cl.State.inbound))
	require.Equal(t, defaultKeepalive, cl.Properties.Keepalive)
	require.NotNil(t, cl.Net.bconn)
	require.NotEmpty(t, cl.Net.Remote)
	require.False(t, cl.Closed())
}

func TestClientParseConnect(t *testing.T) {
	cl, _, _ := newTestClient()

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connect},
		Connect: packets.ConnectParams{
			ClientIdentifier: "zen",
			Clean:            true,
			Keepalive:        60,
			UsernameFlag:     true,
			Username:         []byte("mochi"),
			WillFlag:         true,
			WillTopic:        "lwt",
			WillPayload:      []byte("gone"),
			WillQos:          1,
			WillRetain:       true,
		},
	}

	cl.ParseConnect("tcp1", pk)
	require.Equal(t, "zen", cl.ID)
	require.Equal(t, "tcp1", cl.Net.Listener)
	require.True(t, cl.Properties.Clean)
	require.Equal(t, uint16(60), cl.Properties.Keepalive)
	require.Equal(t, []byte("mochi"), cl.Properties.Username)
	require.True(t, cl.Properties.HasWill)
	require.Equal(t, "lwt", cl.Properties.Will.TopicName)
	require.Equal(t, []byte("gone"), cl.Properties.Will.Payload)
	require.Equal(t, byte(1), cl.Properties.Will.FixedHeader.Qos)
	require.True(t, cl.Properties.Will.FixedHeader.Retain)
}

func TestClientSetStatusForwardOnly(t *testing.T) {
	cl, _, _ := newTestClient()
	cl.setStatus(ConnDisconnecting)
	cl.setStatus(ConnConnected)
	require.Equal(t, ConnDisconnecting, cl.Status())
}

func TestClientRefreshDeadline(t *testing.T) {
	cl, _, _ := newTestClient()
	cl.refreshDeadline(1)

	_, err := cl.Net.Conn.Read(make([]byte, 1))
	var ne net.Error
	require.True(t, errors.As(err, &ne))
	require.True(t, ne.Timeout())
}

func TestClientWritePacket(t *testing.T) {
	cl, r, _ := newTestClient()

	go func() {
		_, err := cl.WritePacket(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pingresp},
		})
		require.NoError(t, err)
	}()

	pk, err := packets.ReadPacket(bufio.NewReader(r), 0)
	require.NoError(t, err)
	require.Equal(t, packets.Pingresp, pk.FixedHeader.Type)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&cl.ops.info.PacketsSent) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, int64(2), atomic.LoadInt64(&cl.ops.info.BytesSent))
}

type sentBytesHook struct {
	HookBase
	sent chan []byte
}

func (h *sentBytesHook) ID() string { return "sent-bytes" }

func (h *sentBytesHook) Provides(b byte) bool { return b == OnPacketSent }

func (h *sentBytesHook) OnPacketSent(cl *Client, pk packets.Packet, b []byte) {
	h.sent <- append([]byte(nil), b...)
}

func TestClientWritePacketPooledBuffers(t *testing.T) {
	cl, r, _ := newTestClient()
	h := &sentBytesHook{sent: make(chan []byte, 2)}
	require.NoError(t, cl.ops.hooks.Add(h, nil))

	pks := []packets.Packet{
		packets.NewPublish("a/b/c", []byte("a much longer payload than the next packet"), 0, false),
		{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}},
	}

	go func() {
		for _, pk := range pks {
			_, err := cl.WritePacket(pk)
			require.NoError(t, err)
		}
	}()

	br := bufio.NewReader(r)
	for _, want := range pks {
		expected := new(bytes.Buffer)
		require.NoError(t, want.Encode(expected))

		pk, err := packets.ReadPacket(br, 0)
		require.NoError(t, err)
		require.Equal(t, want.FixedHeader.Type, pk.FixedHeader.Type)
		require.Equal(t, expected.Bytes(), <-h.sent)
	}
}

func TestClientWritePacketClosed(t *testing.T) {
	cl, _, _ := newTestClient()
	cl.Stop(nil)

	_, err := cl.WritePacket(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}})
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestClientWritePacketInline(t *testing.T) {
	opts := &Options{Logger: logger}
	opts.ensureDefaults()
	cl := newClient(nil, &ops{options: opts, info: new(system.Info), hooks: &Hooks{Log: logger}, log: logger})

	n, err := cl.WritePacket(packets.NewPublish("a/b", nil, 0, false))
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestClientReadPacket(t *testing.T) {
	cl, r, _ := newTestClient()

	go func() {
		buf := new(bytes.Buffer)
		pk := packets.NewPublish("a/b", []byte("hello"), 0, false)
		_ = pk.Encode(buf)
		_, _ = r.Write(buf.Bytes())
	}()

	pk, err := cl.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, "a/b", pk.TopicName)
	require.Equal(t, int64(1), atomic.LoadInt64(&cl.ops.info.PacketsReceived))
	require.Equal(t, int64(1), atomic.LoadInt64(&cl.ops.info.MessagesReceived))
	require.Equal(t, int64(12), atomic.LoadInt64(&cl.ops.info.BytesReceived))
}

func TestClientReadPacketNoConn(t *testing.T) {
	cl := &Client{}
	_, err := cl.ReadPacket()
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestClientReadDispatchesInOrder(t *testing.T) {
	cl, r, _ := newTestClient()

	go func() {
		for _, topic := range []string{"a", "b", "c"} {
			buf := new(bytes.Buffer)
			pk := packets.NewPublish(topic, nil, 0, false)
			_ = pk.Encode(buf)
			_, _ = r.Write(buf.Bytes())
		}
		_ = r.Close()
	}()

	var topics []string
	err := cl.Read(func(cl *Client, pk packets.Packet) error {
		topics = append(topics, pk.TopicName)
		return nil
	})

	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []string{"a", "b", "c"}, topics)
}

func TestClientReadHandlerError(t *testing.T) {
	cl, r, _ := newTestClient()

	go func() {
		buf := new(bytes.Buffer)
		pk := packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingreq}}
		_ = pk.Encode(buf)
		_, _ = r.Write(buf.Bytes())
	}()

	err := cl.Read(func(cl *Client, pk packets.Packet) error {
		return packets.ErrProtocolViolationUnexpectedPacket
	})
	require.ErrorIs(t, err, packets.ErrProtocolViolationUnexpectedPacket)
}

func TestClientReadStopsOnDisconnecting(t *testing.T) {
	cl, r, _ := newTestClient()
	defer r.Close()

	go func() {
		buf := new(bytes.Buffer)
		pk := packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Disconnect}}
		_ = pk.Encode(buf)
		_, _ = r.Write(buf.Bytes())
	}()

	err := cl.Read(func(cl *Client, pk packets.Packet) error {
		cl.Stop(packets.CodeDisconnect)
		return nil
	})
	require.NoError(t, err)
	require.ErrorIs(t, cl.StopCause(), packets.CodeDisconnect)
}

func TestClientKeepaliveTimeout(t *testing.T) {
	cl, r, _ := newTestClient()
	defer r.Close()
	cl.Properties.Keepalive = 1

	start := time.Now()
	err := cl.Read(func(cl *Client, pk packets.Packet) error { return nil })
	require.ErrorIs(t, err, ErrKeepAliveTimeout)
	require.GreaterOrEqual(t, time.Since(start), 1500*time.Millisecond)
}

func TestClientStop(t *testing.T) {
	cl, _, _ := newTestClient()
	retrier := NewRetrier(time.Hour, 0, func(id uint16) bool { return true }, nil)
	retrier.Track(1)
	cl.SetRetrier(retrier)

	cl.Stop(packets.ErrServerShuttingDown)
	require.True(t, cl.Closed())
	require.Equal(t, ConnClosed, cl.Status())
	require.ErrorIs(t, cl.StopCause(), packets.ErrServerShuttingDown)
	require.Equal(t, 0, retrier.Len())
	require.NotZero(t, atomic.LoadInt64(&cl.State.disconnected))

	cl.Stop(packets.CodeDisconnect) // only the first cause is kept
	require.ErrorIs(t, cl.StopCause(), packets.ErrServerShuttingDown)
}

func TestClientEnqueue(t *testing.T) {
	opts := &Options{Logger: logger, Capabilities: &Capabilities{MaximumClientWritesPending: 1}}
	opts.ensureDefaults()
	r, w := net.Pipe()
	defer r.Close()
	cl := newClient(w, &ops{options: opts, info: new(system.Info), hooks: &Hooks{Log: logger}, log: logger})

	require.True(t, cl.Enqueue(packets.NewPublish("a", nil, 0, false)))
	require.False(t, cl.Enqueue(packets.NewPublish("b", nil, 0, false))) // queue full
	require.Equal(t, int32(1), atomic.LoadInt32(&cl.State.outboundQty))

	cl.Stop(nil)
	require.False(t, cl.Enqueue(packets.NewPublish("c", nil, 0, false)))
}

func TestClientWriteLoop(t *testing.T) {
	cl, r, _ := newTestClient()
	go cl.WriteLoop()
	defer cl.Stop(nil)

	require.True(t, cl.Enqueue(packets.NewPublish("a/b", []byte("x"), 0, false)))

	pk, err := packets.ReadPacket(bufio.NewReader(r), 0)
	require.NoError(t, err)
	require.Equal(t, "a/b", pk.TopicName)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&cl.State.outboundQty) == 0
	}, time.Second, time.Millisecond)
}

func TestWireSize(t *testing.T) {
	require.Equal(t, int64(2), wireSize(0))
	require.Equal(t, int64(129), wireSize(127))
	require.Equal(t, int64(131), wireSize(128))
}
