// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package redis

import (
	"log/slog"
	"os"
	"sort"
	"testing"
	"time"

	mqtt "github.com/mochi-mqtt/mqtt311"
	"github.com/mochi-mqtt/mqtt311/hooks/storage"
	"github.com/mochi-mqtt/mqtt311/packets"
	"github.com/mochi-mqtt/mqtt311/system"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

var (
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))

	client = &mqtt.Client{
		ID: "test",
		Net: mqtt.ClientConnection{
			Remote:   "test.addr",
			Listener: "listener",
		},
		Properties: mqtt.ClientProperties{
			Username: []byte("username"),
			Clean:    false,
		},
	}

	pkf = packets.Packet{Filters: packets.Subscriptions{{Filter: "a/b/c"}}}
)

func newHook(t *testing.T, addr string) *Hook {
	h := new(Hook)
	h.SetOpts(logger, nil)

	err := h.Init(&Options{
		Options: &redis.Options{
			Addr: addr,
		},
	})
	require.NoError(t, err)

	return h
}

func teardown(t *testing.T, h *Hook) {
	if h.db != nil {
		err := h.db.FlushAll(h.ctx).Err()
		require.NoError(t, err)
		_ = h.Stop()
	}
}

func TestSessionKey(t *testing.T) {
	require.Equal(t, "cl1", sessionKey("cl1"))
}

func TestSubscriptionKey(t *testing.T) {
	require.Equal(t, "cl1:a/b/c", subscriptionKey("cl1", "a/b/c"))
}

func TestRetainedKey(t *testing.T) {
	require.Equal(t, "a/b/c", retainedKey("a/b/c"))
}

func TestMessageKey(t *testing.T) {
	require.Equal(t, "cl1:1", messageKey("cl1", 1))
}

func TestSysInfoKey(t *testing.T) {
	require.Equal(t, storage.SysInfoKey, sysInfoKey())
}

func TestID(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.Equal(t, "redis-db", h.ID())
}

func TestProvides(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.True(t, h.Provides(mqtt.OnSessionEstablished))
	require.True(t, h.Provides(mqtt.OnDisconnect))
	require.True(t, h.Provides(mqtt.OnSubscribed))
	require.True(t, h.Provides(mqtt.OnUnsubscribed))
	require.True(t, h.Provides(mqtt.OnRetainMessage))
	require.True(t, h.Provides(mqtt.OnQosPublish))
	require.True(t, h.Provides(mqtt.OnQosComplete))
	require.True(t, h.Provides(mqtt.OnSysInfoTick))
	require.True(t, h.Provides(mqtt.StoredSessions))
	require.True(t, h.Provides(mqtt.StoredMessages))
	require.True(t, h.Provides(mqtt.StoredRetainedMessages))
	require.True(t, h.Provides(mqtt.StoredSubscriptions))
	require.True(t, h.Provides(mqtt.StoredSysInfo))
	require.False(t, h.Provides(mqtt.OnACLCheck))
	require.False(t, h.Provides(mqtt.OnConnectAuthenticate))
}

func TestHKey(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()
	h := newHook(t, s.Addr())
	require.Equal(t, defaultHPrefix+"test", h.hKey("test"))
}

func TestInitUseDefaults(t *testing.T) {
	s := miniredis.RunT(t)
	s.StartAddr(defaultAddr)
	defer s.Close()

	h := new(Hook)
	h.SetOpts(logger, nil)
	err := h.Init(nil)
	require.NoError(t, err)
	defer teardown(t, h)

	require.Equal(t, defaultHPrefix, h.config.HPrefix)
	require.Equal(t, defaultAddr, h.config.Options.Addr)
}

func TestInitAddressOption(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	h := new(Hook)
	h.SetOpts(logger, nil)
	err := h.Init(&Options{Address: s.Addr(), HPrefix: "x-"})
	require.NoError(t, err)
	defer teardown(t, h)

	require.Equal(t, "x-", h.config.HPrefix)
	require.Equal(t, s.Addr(), h.config.Options.Addr)
}

func TestInitBadConfig(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	err := h.Init(map[string]any{})
	require.Error(t, err)
}

func TestInitBadAddr(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	err := h.Init(&Options{
		Options: &redis.Options{
			Addr: "127.0.0.1:1",
		},
	})
	require.Error(t, err)
}

func TestOnSessionEstablishedThenOnDisconnect(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()
	h := newHook(t, s.Addr())
	defer teardown(t, h)

	h.OnSessionEstablished(client, packets.Packet{})

	r := new(storage.Session)
	row, err := h.db.HGet(h.ctx, h.hKey(storage.SessionKey), sessionKey(client.ID)).Result()
	require.NoError(t, err)
	err = r.UnmarshalBinary([]byte(row))
	require.NoError(t, err)
	require.Equal(t, client.ID, r.ID)
	require.Equal(t, client.Net.Remote, r.Remote)
	require.Equal(t, client.Net.Listener, r.Listener)
	require.Equal(t, client.Properties.Username, r.Username)
	require.False(t, r.Clean)

	h.OnDisconnect(client, nil, false)
	_, err = h.db.HGet(h.ctx, h.hKey(storage.SessionKey), sessionKey(client.ID)).Result()
	require.NoError(t, err)

	h.OnDisconnect(client, nil, true)
	_, err = h.db.HGet(h.ctx, h.hKey(storage.SessionKey), sessionKey(client.ID)).Result()
	require.ErrorIs(t, err, redis.Nil)
}

func TestOnDisconnectExpireRemovesSessionData(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()
	h := newHook(t, s.Addr())
	defer teardown(t, h)

	other := &mqtt.Client{ID: "other"}

	h.OnSessionEstablished(client, packets.Packet{})
	h.OnSubscribed(client, pkf, []byte{1})
	h.OnSubscribed(other, pkf, []byte{0})
	h.OnQosPublish(client.ID, mqtt.StoredMessage{PacketID: 3, Packet: packets.Packet{TopicName: "a/b/c"}})
	h.OnQosPublish(other.ID, mqtt.StoredMessage{PacketID: 3, Packet: packets.Packet{TopicName: "a/b/c"}})

	h.OnDisconnect(client, nil, true)

	subs, err := h.StoredSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "other", subs[0].Client)

	msgs, err := h.StoredMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "other", msgs[0].Client)
}

func TestOnSessionEstablishedNoDB(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	h.OnSessionEstablished(client, packets.Packet{})
	h.OnDisconnect(client, nil, true)
}

func TestOnSubscribedThenOnUnsubscribed(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()
	h := newHook(t, s.Addr())
	defer teardown(t, h)

	h.OnSubscribed(client, pkf, []byte{0})

	r := new(storage.Subscription)
	row, err := h.db.HGet(h.ctx, h.hKey(storage.SubscriptionKey), subscriptionKey(client.ID, pkf.Filters[0].Filter)).Result()
	require.NoError(t, err)
	err = r.UnmarshalBinary([]byte(row))
	require.NoError(t, err)
	require.Equal(t, client.ID, r.Client)
	require.Equal(t, pkf.Filters[0].Filter, r.Filter)
	require.Equal(t, byte(0), r.Qos)

	h.OnUnsubscribed(client, pkf)
	_, err = h.db.HGet(h.ctx, h.hKey(storage.SubscriptionKey), subscriptionKey(client.ID, pkf.Filters[0].Filter)).Result()
	require.ErrorIs(t, err, redis.Nil)
}

func TestOnSubscribedSkipsFailures(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()
	h := newHook(t, s.Addr())
	defer teardown(t, h)

	pk := packets.Packet{Filters: packets.Subscriptions{{Filter: "a/b"}, {Filter: "a/#/b"}}}
	h.OnSubscribed(client, pk, []byte{2, packets.ErrSubscribeFailure.Code})

	subs, err := h.StoredSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "a/b", subs[0].Filter)
	require.Equal(t, byte(2), subs[0].Qos)
}

func TestOnRetainMessageThenUnset(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()
	h := newHook(t, s.Addr())
	defer teardown(t, h)

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Retain: true,
		},
		Payload:   []byte("hello"),
		TopicName: "a/b/c",
	}

	h.OnRetainMessage(client, pk, 1)

	r := new(storage.Message)
	row, err := h.db.HGet(h.ctx, h.hKey(storage.RetainedKey), retainedKey(pk.TopicName)).Result()
	require.NoError(t, err)
	err = r.UnmarshalBinary([]byte(row))
	require.NoError(t, err)
	require.Equal(t, pk.TopicName, r.TopicName)
	require.Equal(t, pk.Payload, r.Payload)

	h.OnRetainMessage(client, pk, -1)
	_, err = h.db.HGet(h.ctx, h.hKey(storage.RetainedKey), retainedKey(pk.TopicName)).Result()
	require.ErrorIs(t, err, redis.Nil)

	// coverage: delete deleted
	h.OnRetainMessage(client, pk, -1)
	_, err = h.db.HGet(h.ctx, h.hKey(storage.RetainedKey), retainedKey(pk.TopicName)).Result()
	require.ErrorIs(t, err, redis.Nil)
}

func TestOnQosPublishThenQosComplete(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()
	h := newHook(t, s.Addr())
	defer teardown(t, h)

	msg := mqtt.StoredMessage{
		Packet: packets.Packet{
			FixedHeader: packets.FixedHeader{
				Type: packets.Publish,
				Qos:  2,
			},
			Payload:   []byte("hello"),
			TopicName: "a/b/c",
			Origin:    "sender",
		},
		PacketID: 7,
		Sent:     time.Now().Unix(),
		Resends:  1,
		Status:   mqtt.PendingToAcknowledge,
	}

	h.OnQosPublish(client.ID, msg)

	r := new(storage.Message)
	row, err := h.db.HGet(h.ctx, h.hKey(storage.MessageKey), messageKey(client.ID, msg.PacketID)).Result()
	require.NoError(t, err)
	err = r.UnmarshalBinary([]byte(row))
	require.NoError(t, err)
	require.Equal(t, msg.Packet.TopicName, r.TopicName)
	require.Equal(t, msg.Packet.Payload, r.Payload)
	require.Equal(t, msg.PacketID, r.PacketID)
	require.Equal(t, msg.Sent, r.Sent)
	require.Equal(t, msg.Resends, r.Resends)
	require.Equal(t, byte(mqtt.PendingToAcknowledge), r.Status)
	require.Equal(t, client.ID, r.Client)
	require.Equal(t, "sender", r.Origin)

	h.OnQosComplete(client.ID, msg.PacketID)
	_, err = h.db.HGet(h.ctx, h.hKey(storage.MessageKey), messageKey(client.ID, msg.PacketID)).Result()
	require.ErrorIs(t, err, redis.Nil)
}

func TestOnSysInfoTick(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()
	h := newHook(t, s.Addr())
	defer teardown(t, h)

	info := &system.Info{
		Version:       "1.0.0",
		BytesReceived: 100,
	}

	h.OnSysInfoTick(info)

	r := new(storage.SystemInfo)
	row, err := h.db.HGet(h.ctx, h.hKey(storage.SysInfoKey), storage.SysInfoKey).Result()
	require.NoError(t, err)
	err = r.UnmarshalBinary([]byte(row))
	require.NoError(t, err)
	require.Equal(t, info.Version, r.Version)
	require.Equal(t, info.BytesReceived, r.BytesReceived)

	v, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, info.Version, v.Version)
}

func TestStoredSessions(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()
	h := newHook(t, s.Addr())
	defer teardown(t, h)

	err := h.db.HSet(h.ctx, h.hKey(storage.SessionKey), "cl1", &storage.Session{ID: "cl1", T: storage.SessionKey}).Err()
	require.NoError(t, err)
	err = h.db.HSet(h.ctx, h.hKey(storage.SessionKey), "cl2", &storage.Session{ID: "cl2", T: storage.SessionKey}).Err()
	require.NoError(t, err)

	r, err := h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, r, 2)

	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	require.Equal(t, "cl1", r[0].ID)
	require.Equal(t, "cl2", r[1].ID)
}

func TestStoredRetainedMessages(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()
	h := newHook(t, s.Addr())
	defer teardown(t, h)

	err := h.db.HSet(h.ctx, h.hKey(storage.RetainedKey), "a/b/c", &storage.Message{ID: "a/b/c", T: storage.RetainedKey, TopicName: "a/b/c"}).Err()
	require.NoError(t, err)
	err = h.db.HSet(h.ctx, h.hKey(storage.MessageKey), "cl1:1", &storage.Message{ID: "cl1:1", T: storage.MessageKey}).Err()
	require.NoError(t, err)

	r, err := h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Len(t, r, 1)
	require.Equal(t, "a/b/c", r[0].TopicName)

	m, err := h.StoredMessages()
	require.NoError(t, err)
	require.Len(t, m, 1)
	require.Equal(t, "cl1:1", m[0].ID)
}

func TestStoredNoDB(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	v, err := h.StoredSessions()
	require.Empty(t, v)
	require.NoError(t, err)

	m, err := h.StoredMessages()
	require.Empty(t, m)
	require.NoError(t, err)

	sub, err := h.StoredSubscriptions()
	require.Empty(t, sub)
	require.NoError(t, err)

	si, err := h.StoredSysInfo()
	require.Equal(t, storage.SystemInfo{}, si)
	require.NoError(t, err)
}
