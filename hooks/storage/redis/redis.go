// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	mqtt "github.com/mochi-mqtt/mqtt311"
	"github.com/mochi-mqtt/mqtt311/hooks/storage"
	"github.com/mochi-mqtt/mqtt311/packets"
	"github.com/mochi-mqtt/mqtt311/system"

	redis "github.com/go-redis/redis/v8"
)

// defaultAddr is the default address to the redis service.
const defaultAddr = "localhost:6379"

// defaultHPrefix is a prefix to better identify hsets created by mochi mqtt.
const defaultHPrefix = "mochi-"

// sessionKey returns a primary key for a session.
func sessionKey(id string) string {
	return id
}

// subscriptionKey returns a primary key for a subscription.
func subscriptionKey(id, filter string) string {
	return id + ":" + filter
}

// retainedKey returns a primary key for a retained message.
func retainedKey(topic string) string {
	return topic
}

// messageKey returns a primary key for a stored session message.
func messageKey(session string, id uint16) string {
	return session + ":" + strconv.Itoa(int(id))
}

// sysInfoKey returns a primary key for system info.
func sysInfoKey() string {
	return storage.SysInfoKey
}

// Options contains configuration settings for the redis instance.
type Options struct {
	HPrefix string         `yaml:"h_prefix" json:"h_prefix"`
	Options *redis.Options `yaml:"-" json:"-"`
	Address string         `yaml:"address" json:"address"`
}

// Hook is a persistent storage hook using Redis as a backend. It mirrors
// sessions, subscriptions, stored session messages and retained messages so
// they can be restored when the server restarts.
type Hook struct {
	mqtt.HookBase
	config *Options        // options for connecting to the Redis instance.
	db     *redis.Client   // the Redis instance
	ctx    context.Context // a context for the connection
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "redis-db"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect,
		mqtt.OnSubscribed,
		mqtt.OnUnsubscribed,
		mqtt.OnRetainMessage,
		mqtt.OnQosPublish,
		mqtt.OnQosComplete,
		mqtt.OnSysInfoTick,
		mqtt.StoredSessions,
		mqtt.StoredMessages,
		mqtt.StoredRetainedMessages,
		mqtt.StoredSubscriptions,
		mqtt.StoredSysInfo,
	}, []byte{b})
}

// hKey returns a hash set key with a unique prefix.
func (h *Hook) hKey(s string) string {
	return h.config.HPrefix + s
}

// Init initializes and connects to the redis service.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	h.ctx = context.Background()

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.Options == nil {
		addr := h.config.Address
		if addr == "" {
			addr = defaultAddr
		}
		h.config.Options = &redis.Options{Addr: addr}
	}

	if h.config.HPrefix == "" {
		h.config.HPrefix = defaultHPrefix
	}

	h.Log.Info("connecting to redis service",
		"address", h.config.Options.Addr,
		"username", h.config.Options.Username,
		"password-len", len(h.config.Options.Password),
		"db", h.config.Options.DB)

	h.db = redis.NewClient(h.config.Options)
	_, err := h.db.Ping(h.ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping service: %w", err)
	}

	h.Log.Info("connected to redis service")

	return nil
}

// Stop closes the redis connection.
func (h *Hook) Stop() error {
	h.Log.Info("disconnecting from redis service")
	return h.db.Close()
}

// OnSessionEstablished adds a session to the store when it is established.
func (h *Hook) OnSessionEstablished(cl *mqtt.Client, pk packets.Packet) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBNotOpen)
		return
	}

	in := &storage.Session{
		ID:       sessionKey(cl.ID),
		T:        storage.SessionKey,
		Remote:   cl.Net.Remote,
		Listener: cl.Net.Listener,
		Username: cl.Properties.Username,
		Clean:    cl.Properties.Clean,
	}

	err := h.db.HSet(h.ctx, h.hKey(storage.SessionKey), sessionKey(cl.ID), in).Err()
	if err != nil {
		h.Log.Error("failed to hset session data", "error", err, "data", in)
	}
}

// OnDisconnect removes a session and all of its data from the store if the
// session was deleted.
func (h *Hook) OnDisconnect(cl *mqtt.Client, _ error, expire bool) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBNotOpen)
		return
	}

	if !expire {
		return
	}

	if errors.Is(cl.StopCause(), packets.ErrSessionTakenOver) {
		return
	}

	err := h.db.HDel(h.ctx, h.hKey(storage.SessionKey), sessionKey(cl.ID)).Err()
	if err != nil {
		h.Log.Error("failed to delete session", "error", err, "id", cl.ID)
	}

	h.deleteByPrefix(storage.SubscriptionKey, cl.ID+":")
	h.deleteByPrefix(storage.MessageKey, cl.ID+":")
}

// deleteByPrefix removes all fields of a hash set which begin with prefix.
func (h *Hook) deleteByPrefix(set, prefix string) {
	keys, err := h.db.HKeys(h.ctx, h.hKey(set)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		h.Log.Error("failed to read keys", "error", err, "set", set)
		return
	}

	var del []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			del = append(del, k)
		}
	}

	if len(del) == 0 {
		return
	}

	if err := h.db.HDel(h.ctx, h.hKey(set), del...).Err(); err != nil {
		h.Log.Error("failed to delete keys", "error", err, "set", set)
	}
}

// OnSubscribed adds one or more client subscriptions to the store.
func (h *Hook) OnSubscribed(cl *mqtt.Client, pk packets.Packet, returnCodes []byte) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBNotOpen)
		return
	}

	var in *storage.Subscription
	for i := 0; i < len(pk.Filters); i++ {
		if i >= len(returnCodes) || returnCodes[i] > 2 {
			continue
		}

		in = &storage.Subscription{
			ID:     subscriptionKey(cl.ID, pk.Filters[i].Filter),
			T:      storage.SubscriptionKey,
			Client: cl.ID,
			Qos:    returnCodes[i],
			Filter: pk.Filters[i].Filter,
		}

		err := h.db.HSet(h.ctx, h.hKey(storage.SubscriptionKey), subscriptionKey(cl.ID, pk.Filters[i].Filter), in).Err()
		if err != nil {
			h.Log.Error("failed to hset subscription data", "error", err, "data", in)
		}
	}
}

// OnUnsubscribed removes one or more client subscriptions from the store.
func (h *Hook) OnUnsubscribed(cl *mqtt.Client, pk packets.Packet) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBNotOpen)
		return
	}

	for i := 0; i < len(pk.Filters); i++ {
		err := h.db.HDel(h.ctx, h.hKey(storage.SubscriptionKey), subscriptionKey(cl.ID, pk.Filters[i].Filter)).Err()
		if err != nil {
			h.Log.Error("failed to delete subscription data", "error", err, "id", cl.ID)
		}
	}
}

// OnRetainMessage adds a retained message for a topic to the store.
func (h *Hook) OnRetainMessage(cl *mqtt.Client, pk packets.Packet, r int64) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBNotOpen)
		return
	}

	if r == -1 {
		err := h.db.HDel(h.ctx, h.hKey(storage.RetainedKey), retainedKey(pk.TopicName)).Err()
		if err != nil {
			h.Log.Error("failed to delete retained message data", "error", err, "id", cl.ID)
		}

		return
	}

	in := &storage.Message{
		ID:          retainedKey(pk.TopicName),
		T:           storage.RetainedKey,
		FixedHeader: pk.FixedHeader,
		TopicName:   pk.TopicName,
		Payload:     pk.Payload,
		Created:     pk.Created,
		Origin:      pk.Origin,
	}

	err := h.db.HSet(h.ctx, h.hKey(storage.RetainedKey), retainedKey(pk.TopicName), in).Err()
	if err != nil {
		h.Log.Error("failed to hset retained message data", "error", err, "data", in)
	}
}

// OnQosPublish adds or updates a stored session message in the store.
func (h *Hook) OnQosPublish(session string, msg mqtt.StoredMessage) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBNotOpen)
		return
	}

	in := &storage.Message{
		ID:          messageKey(session, msg.PacketID),
		T:           storage.MessageKey,
		Client:      session,
		Origin:      msg.Packet.Origin,
		FixedHeader: msg.Packet.FixedHeader,
		TopicName:   msg.Packet.TopicName,
		Payload:     msg.Packet.Payload,
		Created:     msg.Packet.Created,
		Sent:        msg.Sent,
		Resends:     msg.Resends,
		PacketID:    msg.PacketID,
		Status:      byte(msg.Status),
	}

	err := h.db.HSet(h.ctx, h.hKey(storage.MessageKey), messageKey(session, msg.PacketID), in).Err()
	if err != nil {
		h.Log.Error("failed to hset stored message data", "error", err, "data", in)
	}
}

// OnQosComplete removes a stored session message from the store.
func (h *Hook) OnQosComplete(session string, id uint16) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBNotOpen)
		return
	}

	err := h.db.HDel(h.ctx, h.hKey(storage.MessageKey), messageKey(session, id)).Err()
	if err != nil {
		h.Log.Error("failed to delete stored message data", "error", err, "id", session)
	}
}

// OnSysInfoTick stores the latest system info in the store.
func (h *Hook) OnSysInfoTick(sys *system.Info) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBNotOpen)
		return
	}

	in := &storage.SystemInfo{
		ID:   sysInfoKey(),
		T:    storage.SysInfoKey,
		Info: *sys.Clone(),
	}

	err := h.db.HSet(h.ctx, h.hKey(storage.SysInfoKey), sysInfoKey(), in).Err()
	if err != nil {
		h.Log.Error("failed to hset server info data", "error", err, "data", in)
	}
}

// StoredSessions returns all stored sessions from the store.
func (h *Hook) StoredSessions() (v []storage.Session, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBNotOpen)
		return
	}

	rows, err := h.db.HGetAll(h.ctx, h.hKey(storage.SessionKey)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		h.Log.Error("failed to HGetAll session data", "error", err)
		return
	}

	for _, row := range rows {
		var d storage.Session
		if err = d.UnmarshalBinary([]byte(row)); err != nil {
			h.Log.Error("failed to unmarshal session data", "error", err, "data", row)
		}

		v = append(v, d)
	}

	return v, nil
}

// StoredSubscriptions returns all stored subscriptions from the store.
func (h *Hook) StoredSubscriptions() (v []storage.Subscription, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBNotOpen)
		return
	}

	rows, err := h.db.HGetAll(h.ctx, h.hKey(storage.SubscriptionKey)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		h.Log.Error("failed to HGetAll subscription data", "error", err)
		return
	}

	for _, row := range rows {
		var d storage.Subscription
		if err = d.UnmarshalBinary([]byte(row)); err != nil {
			h.Log.Error("failed to unmarshal subscription data", "error", err, "data", row)
		}

		v = append(v, d)
	}

	return v, nil
}

// StoredRetainedMessages returns all stored retained messages from the store.
func (h *Hook) StoredRetainedMessages() (v []storage.Message, err error) {
	return h.storedMessages(storage.RetainedKey)
}

// StoredMessages returns all stored session messages from the store.
func (h *Hook) StoredMessages() (v []storage.Message, err error) {
	return h.storedMessages(storage.MessageKey)
}

func (h *Hook) storedMessages(set string) (v []storage.Message, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBNotOpen)
		return
	}

	rows, err := h.db.HGetAll(h.ctx, h.hKey(set)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		h.Log.Error("failed to HGetAll message data", "error", err, "set", set)
		return
	}

	for _, row := range rows {
		var d storage.Message
		if err = d.UnmarshalBinary([]byte(row)); err != nil {
			h.Log.Error("failed to unmarshal message data", "error", err, "data", row)
		}

		v = append(v, d)
	}

	return v, nil
}

// StoredSysInfo returns the system info from the store.
func (h *Hook) StoredSysInfo() (v storage.SystemInfo, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBNotOpen)
		return
	}

	row, err := h.db.HGet(h.ctx, h.hKey(storage.SysInfoKey), storage.SysInfoKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return
	}

	if err = v.UnmarshalBinary([]byte(row)); err != nil {
		h.Log.Error("failed to unmarshal sys info data", "error", err, "data", row)
	}

	return v, nil
}
