// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"strings"
	"sync"

	"github.com/mochi-mqtt/mqtt311/packets"
)

// TopicsIndex is a prefix tree of subscription filters, used to find the
// clients subscribed to a published topic.
type TopicsIndex struct {
	root *particle
	mu   sync.RWMutex
}

// NewTopicsIndex returns a pointer to a new instance of TopicsIndex.
func NewTopicsIndex() *TopicsIndex {
	return &TopicsIndex{
		root: newParticle("", nil),
	}
}

// Subscribe adds a subscription for a client to a topic filter, returning
// true if the subscription was new.
func (x *TopicsIndex) Subscribe(client string, sub packets.Subscription) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	n := x.set(sub.Filter)
	_, existed := n.subscriptions[client]
	n.subscriptions[client] = sub
	return !existed
}

// Unsubscribe removes a subscription filter for a client, returning true if
// the subscription existed.
func (x *TopicsIndex) Unsubscribe(filter, client string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	n := x.seek(filter)
	if n == nil {
		return false
	}

	if _, ok := n.subscriptions[client]; !ok {
		return false
	}

	delete(n.subscriptions, client)
	x.trim(n)
	return true
}

// Subscribers returns the clients subscribed to filters matching a topic,
// with the subscription granting the highest qos for each client.
func (x *TopicsIndex) Subscribers(topic string) map[string]packets.Subscription {
	x.mu.RLock()
	defer x.mu.RUnlock()

	subs := map[string]packets.Subscription{}
	if topic == "" {
		return subs
	}

	x.scan(strings.Split(topic, "/"), 0, x.root, strings.HasPrefix(topic, packets.SysPrefix), subs)
	return subs
}

// set returns the particle for a filter, creating the path if necessary.
func (x *TopicsIndex) set(filter string) *particle {
	n := x.root
	for _, key := range strings.Split(filter, "/") {
		p, ok := n.particles[key]
		if !ok {
			p = newParticle(key, n)
			n.particles[key] = p
		}
		n = p
	}

	return n
}

// seek returns the particle for a filter, or nil if it does not exist.
func (x *TopicsIndex) seek(filter string) *particle {
	n := x.root
	for _, key := range strings.Split(filter, "/") {
		n = n.particles[key]
		if n == nil {
			return nil
		}
	}

	return n
}

// trim removes empty particles from the end of a branch.
func (x *TopicsIndex) trim(n *particle) {
	for n.parent != nil && len(n.particles)+len(n.subscriptions) == 0 {
		key := n.key
		n = n.parent
		delete(n.particles, key)
	}
}

// scan collects the subscriptions matching the topic levels from depth d.
func (x *TopicsIndex) scan(levels []string, d int, n *particle, sys bool, subs map[string]packets.Subscription) {
	if d == len(levels) {
		gather(n, subs)
		if wild, ok := n.particles["#"]; ok {
			gather(wild, subs) // a/# also matches a [MQTT-4.7.1-2]
		}
		return
	}

	for _, key := range []string{levels[d], "+", "#"} {
		if d == 0 && sys && key != levels[d] {
			continue // $ topics never match top level wildcards [MQTT-4.7.2-1]
		}

		p, ok := n.particles[key]
		if !ok {
			continue
		}

		if key == "#" {
			gather(p, subs)
			continue
		}

		x.scan(levels, d+1, p, sys, subs)
	}
}

// gather merges the subscriptions of a particle into subs, keeping the
// highest qos for each client.
func gather(n *particle, subs map[string]packets.Subscription) {
	for client, sub := range n.subscriptions {
		if cur, ok := subs[client]; ok && cur.Qos >= sub.Qos {
			continue
		}
		subs[client] = sub
	}
}

// particle is a node of the index.
type particle struct {
	key           string
	parent        *particle
	particles     map[string]*particle
	subscriptions map[string]packets.Subscription // keyed on client id
}

func newParticle(key string, parent *particle) *particle {
	return &particle{
		key:           key,
		parent:        parent,
		particles:     map[string]*particle{},
		subscriptions: map[string]packets.Subscription{},
	}
}
