// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sort"
	"sync"

	"github.com/mochi-mqtt/mqtt311/packets"
)

// Wills holds the will message of each connected client, keyed on client id.
type Wills struct {
	internal map[string]packets.Packet
	sync.RWMutex
}

// NewWills returns a new will store.
func NewWills() *Wills {
	return &Wills{
		internal: map[string]packets.Packet{},
	}
}

// Set stores the will for a client.
func (w *Wills) Set(id string, pk packets.Packet) {
	w.Lock()
	defer w.Unlock()
	w.internal[id] = pk
}

// Get returns the will for a client.
func (w *Wills) Get(id string) (packets.Packet, bool) {
	w.RLock()
	defer w.RUnlock()
	pk, ok := w.internal[id]
	return pk, ok
}

// Take removes and returns the will for a client.
func (w *Wills) Take(id string) (packets.Packet, bool) {
	w.Lock()
	defer w.Unlock()
	pk, ok := w.internal[id]
	delete(w.internal, id)
	return pk, ok
}

// Delete removes the will for a client, returning true if it existed.
func (w *Wills) Delete(id string) bool {
	w.Lock()
	defer w.Unlock()
	_, ok := w.internal[id]
	delete(w.internal, id)
	return ok
}

// Len returns the number of wills held.
func (w *Wills) Len() int {
	w.RLock()
	defer w.RUnlock()
	return len(w.internal)
}

// Retained holds at most one retained message per topic.
type Retained struct {
	internal map[string]packets.Packet
	sync.RWMutex
}

// NewRetained returns a new retained message store.
func NewRetained() *Retained {
	return &Retained{
		internal: map[string]packets.Packet{},
	}
}

// Set retains a message on its topic, replacing any existing message. A
// message with an empty payload deletes the retained message instead.
// Returns 1 if a message was stored, -1 if one was deleted, and 0 otherwise.
func (r *Retained) Set(pk packets.Packet) int64 {
	r.Lock()
	defer r.Unlock()

	if len(pk.Payload) == 0 { // [MQTT-3.3.1-10] [MQTT-3.3.1-11]
		if _, ok := r.internal[pk.TopicName]; ok {
			delete(r.internal, pk.TopicName)
			return -1
		}
		return 0
	}

	r.internal[pk.TopicName] = pk
	return 1
}

// Get returns the retained message for a topic.
func (r *Retained) Get(topic string) (packets.Packet, bool) {
	r.RLock()
	defer r.RUnlock()
	pk, ok := r.internal[topic]
	return pk, ok
}

// Delete removes the retained message for a topic.
func (r *Retained) Delete(topic string) {
	r.Lock()
	defer r.Unlock()
	delete(r.internal, topic)
}

// Messages returns the retained messages matching a filter, ordered by topic.
func (r *Retained) Messages(filter string) []packets.Packet {
	r.RLock()
	defer r.RUnlock()

	var pks []packets.Packet
	for topic, pk := range r.internal {
		if packets.MatchTopic(topic, filter) {
			pks = append(pks, pk)
		}
	}

	sort.Slice(pks, func(i, j int) bool {
		return pks[i].TopicName < pks[j].TopicName
	})

	return pks
}

// GetAll returns all retained messages keyed on topic.
func (r *Retained) GetAll() map[string]packets.Packet {
	r.RLock()
	defer r.RUnlock()

	m := make(map[string]packets.Packet, len(r.internal))
	for k, v := range r.internal {
		m[k] = v
	}

	return m
}

// Len returns the number of retained messages.
func (r *Retained) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.internal)
}
