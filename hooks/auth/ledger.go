// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	mqtt "github.com/mochi-mqtt/mqtt311"
	"github.com/mochi-mqtt/mqtt311/packets"
)

const (
	Deny      Access = iota // user cannot access the topic
	ReadOnly                // user can only subscribe to the topic
	WriteOnly               // user can only publish to the topic
	ReadWrite               // user can both publish and subscribe to the topic
)

// Access determines the read/write privileges for an ACL rule.
type Access byte

// allows returns true if the access permits a publish (write) or a
// subscribe (read).
func (a Access) allows(write bool) bool {
	if write {
		return a == WriteOnly || a == ReadWrite
	}
	return a == ReadOnly || a == ReadWrite
}

// Users contains a map of access rules for specific users, keyed on username.
type Users map[string]UserRule

// UserRule defines a set of access rules for a specific user.
type UserRule struct {
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Password RString `json:"password,omitempty" yaml:"password,omitempty"` // the password of a user
	ACL      Filters `json:"acl,omitempty" yaml:"acl,omitempty"`           // filters to match, if desired
	Disallow bool    `json:"disallow,omitempty" yaml:"disallow,omitempty"` // allow or disallow the user
}

// AuthRules defines generic access rules applicable to all users.
type AuthRules []AuthRule

// AuthRule matches connecting clients. Empty fields match anything.
type AuthRule struct {
	Client   RString `json:"client,omitempty" yaml:"client,omitempty"`     // the id of a connecting client
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Remote   RString `json:"remote,omitempty" yaml:"remote,omitempty"`     // remote address or prefix
	Password RString `json:"password,omitempty" yaml:"password,omitempty"` // the password of a user
	Allow    bool    `json:"allow,omitempty" yaml:"allow,omitempty"`       // allow or disallow the users
}

// ACLRules defines generic topic or filter access rules applicable to all users.
type ACLRules []ACLRule

// ACLRule defines access rules for a specific topic or filter.
type ACLRule struct {
	Client   RString `json:"client,omitempty" yaml:"client,omitempty"`     // the id of a connecting client
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Remote   RString `json:"remote,omitempty" yaml:"remote,omitempty"`     // remote address or prefix
	Filters  Filters `json:"filters,omitempty" yaml:"filters,omitempty"`   // filters to match
}

// matches returns true if the rule applies to the client.
func (r ACLRule) matches(cl *mqtt.Client) bool {
	return r.Client.Matches(cl.ID) &&
		r.Username.Matches(string(cl.Properties.Username)) &&
		r.Remote.Matches(cl.Net.Remote)
}

// Filters is a map of Access rules keyed on filter.
type Filters map[RString]Access

// sorted returns the filters in lexical order, so that overlapping filters
// are always checked in the same order.
func (f Filters) sorted() []RString {
	keys := make([]RString, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// RString is a rule value string. An empty string or * matches anything, and
// a trailing * matches any value with the same prefix.
type RString string

// Matches returns true if the rule matches a given string.
func (r RString) Matches(a string) bool {
	rr := string(r)
	if r == "" || r == "*" || a == rr {
		return true
	}

	i := strings.Index(rr, "*")
	return i > 0 && len(a) > i && rr[:i] == a[:i]
}

// FilterMatches returns true if a topic matches the rule as a topic filter.
func (r RString) FilterMatches(topic string) bool {
	return packets.MatchTopic(topic, string(r))
}

// Ledger is an auth ledger containing access rules for users and topics.
type Ledger struct {
	sync.RWMutex `json:"-" yaml:"-"`
	Users        Users     `json:"users" yaml:"users"`
	Auth         AuthRules `json:"auth" yaml:"auth"`
	ACL          ACLRules  `json:"acl" yaml:"acl"`
}

// Update replaces the rules of the ledger.
func (l *Ledger) Update(ln *Ledger) {
	ln.RLock()
	users, auth, acl := ln.Users, ln.Auth, ln.ACL
	ln.RUnlock()

	l.Lock()
	defer l.Unlock()
	l.Users = users
	l.Auth = auth
	l.ACL = acl
}

// AuthOk returns true if the rules indicate the user is allowed to authenticate,
// along with the index of the deciding auth rule.
func (l *Ledger) AuthOk(cl *mqtt.Client, pk packets.Packet) (n int, ok bool) {
	l.RLock()
	defer l.RUnlock()

	username := string(pk.Connect.Username)
	password := string(pk.Connect.Password)

	// a user entry with a password decides before any rule
	if u, found := l.Users[username]; found && u.Password != "" && string(u.Password) == password {
		return 0, !u.Disallow
	}

	for n, rule := range l.Auth {
		if rule.Client.Matches(cl.ID) &&
			rule.Username.Matches(username) &&
			rule.Password.Matches(password) &&
			rule.Remote.Matches(cl.Net.Remote) {
			return n, rule.Allow
		}
	}

	return 0, false
}

// ACLOk returns true if the rules indicate the user is allowed to read or write to
// a specific filter or topic respectively, based on the `write` bool, along with
// the index of the deciding acl rule. Topics not covered by any rule are allowed.
func (l *Ledger) ACLOk(cl *mqtt.Client, topic string, write bool) (n int, ok bool) {
	l.RLock()
	defer l.RUnlock()

	if u, found := l.Users[string(cl.Properties.Username)]; found {
		for _, filter := range u.ACL.sorted() {
			if filter.FilterMatches(topic) {
				return 0, u.ACL[filter].allows(write)
			}
		}
	}

	for n, rule := range l.ACL {
		if !rule.matches(cl) {
			continue
		}

		if len(rule.Filters) == 0 {
			return n, true
		}

		matched := false
		for _, filter := range rule.Filters.sorted() {
			if !filter.FilterMatches(topic) {
				continue
			}

			if rule.Filters[filter].allows(write) {
				return n, true
			}
			matched = true
		}

		if matched {
			return n, false
		}
	}

	return 0, true
}

// ToJSON encodes the values into a JSON string.
func (l *Ledger) ToJSON() (data []byte, err error) {
	l.RLock()
	defer l.RUnlock()
	return json.Marshal(l)
}

// ToYAML encodes the values into a YAML string.
func (l *Ledger) ToYAML() (data []byte, err error) {
	l.RLock()
	defer l.RUnlock()
	return yaml.Marshal(l)
}

// Unmarshal decodes a JSON or YAML string (such as a rule config from a file) into a struct.
func (l *Ledger) Unmarshal(data []byte) error {
	l.Lock()
	defer l.Unlock()
	if len(data) == 0 {
		return nil
	}

	if data[0] == '{' {
		return json.Unmarshal(data, l)
	}

	return yaml.Unmarshal(data, l)
}
