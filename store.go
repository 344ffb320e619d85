// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mochi-mqtt/mqtt311/packets"
)

// DefaultStoreCapacity is the default maximum number of stored messages per session.
const DefaultStoreCapacity = 65535

var (
	// ErrStoreInconsistency is wrapped by every message store error, allowing
	// bookkeeping faults to be told apart from protocol violations.
	ErrStoreInconsistency = errors.New("message store inconsistency")

	ErrStoreQosZero     = fmt.Errorf("%w: qos 0 messages cannot be stored", ErrStoreInconsistency)
	ErrStoreFull        = fmt.Errorf("%w: message store full", ErrStoreInconsistency)
	ErrPacketIDNotFound = fmt.Errorf("%w: packet id not found", ErrStoreInconsistency)
	ErrPacketIDAttached = fmt.Errorf("%w: packet id still attached to a message", ErrStoreInconsistency)
	ErrPacketIDInUse    = fmt.Errorf("%w: packet id already in use", ErrStoreInconsistency)
)

// MessageStatus indicates the delivery state of a stored message.
type MessageStatus byte

const (
	PendingToSend        MessageStatus = iota // stored while the session was offline
	PendingToAcknowledge                      // sent and awaiting acknowledgement
)

// String returns the readable name of the status.
func (s MessageStatus) String() string {
	if s == PendingToAcknowledge {
		return "pending-ack"
	}
	return "pending-send"
}

// StoredMessage is an outbound qos 1 or 2 message held until acknowledged.
type StoredMessage struct {
	Packet   packets.Packet `json:"packet"`
	Sent     int64          `json:"sent"`    // unix time of the most recent send
	Resends  int            `json:"resends"` // number of times the message was re-sent
	PacketID uint16         `json:"id"`
	Status   MessageStatus  `json:"status"`
}

// MessageStore holds the outbound qos messages of one session in insertion
// order, along with the orphaned ids of qos 2 flows awaiting PUBCOMP.
type MessageStore struct {
	mu       sync.Mutex
	ids      *IDProvider
	messages map[uint16]*StoredMessage
	order    []uint16 // message ids in insertion order
	orphans  []uint16 // qos 2 ids released from a message and awaiting PUBCOMP
	capacity int
}

// NewMessageStore returns a message store drawing ids from the provider.
// A capacity of 0 or less uses DefaultStoreCapacity.
func NewMessageStore(ids *IDProvider, capacity int) *MessageStore {
	if ids == nil {
		ids = NewIDProvider()
	}

	if capacity <= 0 {
		capacity = DefaultStoreCapacity
	}

	return &MessageStore{
		ids:      ids,
		messages: map[uint16]*StoredMessage{},
		capacity: capacity,
	}
}

// IDs returns the id provider backing the store.
func (s *MessageStore) IDs() *IDProvider {
	return s.ids
}

// StoreMessage assigns a fresh packet id to a qos 1 or 2 publish and stores
// it with the given status, returning the id.
func (s *MessageStore) StoreMessage(pk packets.Packet, status MessageStatus) (uint16, error) {
	if pk.FixedHeader.Qos == 0 {
		return 0, ErrStoreQosZero
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) >= s.capacity {
		return 0, ErrStoreFull
	}

	id, err := s.ids.NextID()
	if err != nil {
		return 0, err
	}

	pk.PacketID = id
	s.messages[id] = &StoredMessage{
		Packet:   pk,
		PacketID: id,
		Status:   status,
	}
	s.order = append(s.order, id)

	return id, nil
}

// Restore inserts a message with a previously assigned id, such as one
// loaded from a persistent store.
func (s *MessageStore) Restore(msg StoredMessage) error {
	if msg.Packet.FixedHeader.Qos == 0 {
		return ErrStoreQosZero
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ids.Claim(msg.PacketID) {
		return ErrPacketIDInUse
	}

	msg.Packet.PacketID = msg.PacketID
	s.messages[msg.PacketID] = &msg
	s.order = append(s.order, msg.PacketID)
	return nil
}

// RestoreOrphan marks an id as an orphan awaiting PUBCOMP.
func (s *MessageStore) RestoreOrphan(id uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ids.Claim(id) {
		return ErrPacketIDInUse
	}

	s.orphans = append(s.orphans, id)
	return nil
}

// Get returns a copy of a stored message.
func (s *MessageStore) Get(id uint16) (StoredMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.messages[id]; ok {
		return *m, true
	}

	return StoredMessage{}, false
}

// ExpectQos returns a protocol violation if id holds a stored message whose
// qos is not qos, such as a PUBREC answering a qos 1 message. Ids without a
// stored message are left to DiscardMessageFromId to report.
func (s *MessageStore) ExpectQos(id uint16, qos byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.messages[id]; ok && m.Packet.FixedHeader.Qos != qos {
		return packets.ErrProtocolViolationAckQosMismatch
	}

	return nil
}

// SetStatus changes the status of a stored message.
func (s *MessageStore) SetStatus(id uint16, status MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return ErrPacketIDNotFound
	}

	m.Status = status
	return nil
}

// MarkSent records that a message is being written to the network, moving it
// to PendingToAcknowledge. Any send after the first counts as a resend and
// carries the duplicate flag. The packet to write is returned.
func (s *MessageStore) MarkSent(id uint16) (packets.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return packets.Packet{}, ErrPacketIDNotFound
	}

	if m.Sent > 0 {
		m.Resends++
		m.Packet.FixedHeader.Dup = true // [MQTT-3.3.1-1]
	}

	m.Sent = time.Now().Unix()
	m.Status = PendingToAcknowledge
	return m.Packet, nil
}

// DiscardMessageFromId removes a message and returns its qos. The id of a
// qos 1 message is released immediately; the id of a qos 2 message becomes
// an orphan until FreePacketIdentifier is called.
func (s *MessageStore) DiscardMessageFromId(id uint16) (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return 0, ErrPacketIDNotFound
	}

	delete(s.messages, id)
	s.order = removeID(s.order, id)

	qos := m.Packet.FixedHeader.Qos
	if qos == 2 {
		s.orphans = append(s.orphans, id)
	} else {
		s.ids.Release(id)
	}

	return qos, nil
}

// FreePacketIdentifier releases an orphaned id.
func (s *MessageStore) FreePacketIdentifier(id uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; ok {
		return ErrPacketIDAttached
	}

	if !containsID(s.orphans, id) {
		return ErrPacketIDNotFound
	}

	s.orphans = removeID(s.orphans, id)
	s.ids.Release(id)
	return nil
}

// IsOrphan returns true if the id is an orphan awaiting PUBCOMP.
func (s *MessageStore) IsOrphan(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return containsID(s.orphans, id)
}

// AllStoredMessages returns copies of all stored messages in insertion order.
func (s *MessageStore) AllStoredMessages() []StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StoredMessage, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.messages[id])
	}

	return out
}

// OrphanPacketIDs returns the orphaned ids in the order they were orphaned.
func (s *MessageStore) OrphanPacketIDs() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16{}, s.orphans...)
}

// Len returns the number of stored messages, not including orphans.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Clear removes all messages and orphans, releasing their ids.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		s.ids.Release(id)
	}

	for _, id := range s.orphans {
		s.ids.Release(id)
	}

	s.messages = map[uint16]*StoredMessage{}
	s.order = nil
	s.orphans = nil
}

func containsID(ids []uint16, id uint16) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(ids []uint16, id uint16) []uint16 {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
