// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sync"

	"github.com/mochi-mqtt/mqtt311/packets"
)

// PendingAck is a qos 2 acknowledgement which must be re-sent if the
// session resumes before the flow completes.
type PendingAck struct {
	Type     byte   `json:"type"` // packets.Pubrec for inbound flows, packets.Pubrel for outbound flows
	PacketID uint16 `json:"id"`
}

// Session is the durable state of a client id. The embedded mutex serializes
// connection handling and message delivery for the client id; the session's
// containers are additionally safe for concurrent use.
type Session struct {
	sync.Mutex
	ID       string        // the client id
	Store    *MessageStore // outbound qos messages and orphaned qos 2 ids
	mu       sync.RWMutex
	subs     packets.Subscriptions     // subscriptions in the order they were first made
	acks     []PendingAck              // pending qos 2 acknowledgements in the order they were recorded
	inbound  map[uint16]packets.Packet // inbound qos 2 messages awaiting PUBREL, keyed on the sender's packet id
	rejected map[uint16]struct{}       // ids of inbound qos 2 messages acknowledged but not kept
	username []byte
	clean    bool
}

// NewSession returns a new empty session.
func NewSession(id string, clean bool, storeCapacity int) *Session {
	return &Session{
		ID:      id,
		Store:   NewMessageStore(NewIDProvider(), storeCapacity),
		inbound: map[uint16]packets.Packet{},
		clean:   clean,
	}
}

// Clean returns true if the session is discarded when its connection ends.
func (s *Session) Clean() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clean
}

// SetClean sets the clean flag of the session.
func (s *Session) SetClean(clean bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clean = clean
}

// Username returns the username used when the session was last connected.
func (s *Session) Username() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// SetUsername sets the username of the session.
func (s *Session) SetUsername(u []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = u
}

// Subscribe adds a subscription or replaces the qos of an existing
// subscription to the same filter. Returns true if the filter already existed.
func (s *Session) Subscribe(sub packets.Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, v := range s.subs {
		if v.Filter == sub.Filter {
			s.subs[i].Qos = sub.Qos
			return true
		}
	}

	s.subs = append(s.subs, sub)
	return false
}

// Unsubscribe removes a subscription, returning true if it existed.
func (s *Session) Unsubscribe(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, v := range s.subs {
		if v.Filter == filter {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return true
		}
	}

	return false
}

// Subscriptions returns the subscriptions of the session in order.
func (s *Session) Subscriptions() packets.Subscriptions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(packets.Subscriptions{}, s.subs...)
}

// AddPendingAck records a pending acknowledgement if not already recorded.
func (s *Session) AddPendingAck(pa PendingAck) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.acks {
		if v == pa {
			return
		}
	}

	s.acks = append(s.acks, pa)
}

// RemovePendingAck removes a pending acknowledgement, returning true if it existed.
func (s *Session) RemovePendingAck(pa PendingAck) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, v := range s.acks {
		if v == pa {
			s.acks = append(s.acks[:i], s.acks[i+1:]...)
			return true
		}
	}

	return false
}

// PendingAcks returns the pending acknowledgements in the order recorded.
func (s *Session) PendingAcks() []PendingAck {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]PendingAck{}, s.acks...)
}

// StoreInbound holds an inbound qos 2 message until its PUBREL arrives.
// Returns false if a message with the same packet id is already held.
func (s *Session) StoreInbound(pk packets.Packet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inbound[pk.PacketID]; ok {
		return false
	}

	s.inbound[pk.PacketID] = pk
	return true
}

// RejectInbound records the id of an inbound qos 2 message which was
// acknowledged but will not be delivered, so that its PUBREL completes the
// flow. Returns false if the id is already held.
func (s *Session) RejectInbound(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inbound[id]; ok {
		return false
	}

	if _, ok := s.rejected[id]; ok {
		return false
	}

	if s.rejected == nil {
		s.rejected = map[uint16]struct{}{}
	}
	s.rejected[id] = struct{}{}
	return true
}

// TakeRejected removes a rejected inbound id, returning true if it was held.
func (s *Session) TakeRejected(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.rejected[id]
	delete(s.rejected, id)
	return ok
}

// TakeInbound removes and returns a held inbound qos 2 message.
func (s *Session) TakeInbound(id uint16) (packets.Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pk, ok := s.inbound[id]
	if ok {
		delete(s.inbound, id)
	}

	return pk, ok
}

// Inbound returns the held inbound qos 2 messages.
func (s *Session) Inbound() map[uint16]packets.Packet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := make(map[uint16]packets.Packet, len(s.inbound))
	for k, v := range s.inbound {
		m[k] = v
	}

	return m
}

// Reset discards all state of the session, returning the subscriptions
// which were removed.
func (s *Session) Reset() packets.Subscriptions {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.acks = nil
	s.inbound = map[uint16]packets.Packet{}
	s.rejected = nil
	s.mu.Unlock()

	s.Store.Clear()
	return subs
}

// Sessions is a repository of sessions keyed on client id.
type Sessions struct {
	internal      map[string]*Session
	storeCapacity int
	sync.RWMutex
}

// NewSessions returns a new session repository. Each session store is
// limited to storeCapacity messages.
func NewSessions(storeCapacity int) *Sessions {
	return &Sessions{
		internal:      map[string]*Session{},
		storeCapacity: storeCapacity,
	}
}

// LoadOrCreate returns the session for a client id, creating it if it does
// not exist. Existed is true if the session was already present.
func (s *Sessions) LoadOrCreate(id string, clean bool) (sess *Session, existed bool) {
	s.Lock()
	defer s.Unlock()

	if sess, ok := s.internal[id]; ok {
		return sess, true
	}

	sess = NewSession(id, clean, s.storeCapacity)
	s.internal[id] = sess
	return sess, false
}

// Add adds or replaces a session.
func (s *Sessions) Add(sess *Session) {
	s.Lock()
	defer s.Unlock()
	s.internal[sess.ID] = sess
}

// Get returns the session for a client id.
func (s *Sessions) Get(id string) (*Session, bool) {
	s.RLock()
	defer s.RUnlock()
	sess, ok := s.internal[id]
	return sess, ok
}

// Delete removes the session for a client id, but only if it is the given
// session. This prevents a stale connection removing a newer session.
func (s *Sessions) Delete(sess *Session) bool {
	s.Lock()
	defer s.Unlock()

	if cur, ok := s.internal[sess.ID]; ok && cur == sess {
		delete(s.internal, sess.ID)
		return true
	}

	return false
}

// GetAll returns all sessions.
func (s *Sessions) GetAll() map[string]*Session {
	s.RLock()
	defer s.RUnlock()

	m := make(map[string]*Session, len(s.internal))
	for k, v := range s.internal {
		m[k] = v
	}

	return m
}

// Len returns the number of sessions.
func (s *Sessions) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}
