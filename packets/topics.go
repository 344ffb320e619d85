// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"strings"
	"unicode/utf8"
)

const (
	// SysPrefix is the prefix reserved for server topics.
	SysPrefix = "$"

	wildcardSingle = "+"
	wildcardMulti  = "#"
)

// validTopicString checks the constraints shared by topic names and filters.
func validTopicString(s string) bool {
	return len(s) > 0 && len(s) <= MaxStringLength && utf8.ValidString(s) && strings.IndexByte(s, 0x00) == -1
}

// IsValidTopicFilter returns true if the filter is a well formed subscription
// filter. Multi-level wildcards may only appear as the final whole level and
// single-level wildcards only as whole levels.
func IsValidTopicFilter(filter string) bool {
	if !validTopicString(filter) {
		return false
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, wildcardMulti) {
			if level != wildcardMulti || i != len(levels)-1 { // [MQTT-4.7.1-2]
				return false
			}
		}

		if strings.Contains(level, wildcardSingle) && level != wildcardSingle { // [MQTT-4.7.1-3]
			return false
		}
	}

	return true
}

// IsValidTopicName returns true if the name can be published to.
func IsValidTopicName(name string) bool {
	return validTopicString(name) && !strings.ContainsAny(name, wildcardSingle+wildcardMulti) // [MQTT-3.3.2-2]
}

// MatchTopic returns true if a topic name matches a subscription filter.
// A name beginning with $ never matches a filter whose first level is a wildcard.
func MatchTopic(topic, filter string) bool {
	if strings.HasPrefix(topic, SysPrefix) && (strings.HasPrefix(filter, wildcardSingle) || strings.HasPrefix(filter, wildcardMulti)) { // [MQTT-4.7.2-1]
		return false
	}

	tl := strings.Split(topic, "/")
	fl := strings.Split(filter, "/")
	for i, fp := range fl {
		if fp == wildcardMulti {
			return true // a/# matches a, a/b and a/b/c.
		}

		if i >= len(tl) {
			return false
		}

		if fp != wildcardSingle && fp != tl[i] {
			return false
		}
	}

	return len(tl) == len(fl)
}
