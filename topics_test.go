// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"testing"

	"github.com/mochi-mqtt/mqtt311/packets"
	"github.com/stretchr/testify/require"
)

func TestTopicsIndexSubscribe(t *testing.T) {
	x := NewTopicsIndex()
	require.True(t, x.Subscribe("cl1", packets.Subscription{Filter: "a/b/c", Qos: 1}))
	require.False(t, x.Subscribe("cl1", packets.Subscription{Filter: "a/b/c", Qos: 2}))
	require.True(t, x.Subscribe("cl2", packets.Subscription{Filter: "a/b/c", Qos: 0}))

	n := x.seek("a/b/c")
	require.NotNil(t, n)
	require.Equal(t, byte(2), n.subscriptions["cl1"].Qos)
	require.Len(t, n.subscriptions, 2)
}

func TestTopicsIndexUnsubscribeTrims(t *testing.T) {
	x := NewTopicsIndex()
	x.Subscribe("cl1", packets.Subscription{Filter: "a/b/c"})
	x.Subscribe("cl1", packets.Subscription{Filter: "a/d"})

	require.True(t, x.Unsubscribe("a/b/c", "cl1"))
	require.False(t, x.Unsubscribe("a/b/c", "cl1"))
	require.False(t, x.Unsubscribe("x/y", "cl1"))
	require.Nil(t, x.seek("a/b"))
	require.NotNil(t, x.seek("a/d"))

	require.True(t, x.Unsubscribe("a/d", "cl1"))
	require.Empty(t, x.root.particles)
}

func TestTopicsIndexSubscribers(t *testing.T) {
	x := NewTopicsIndex()
	x.Subscribe("cl1", packets.Subscription{Filter: "a/b/c", Qos: 0})
	x.Subscribe("cl1", packets.Subscription{Filter: "a/+/c", Qos: 2})
	x.Subscribe("cl2", packets.Subscription{Filter: "a/#", Qos: 1})
	x.Subscribe("cl3", packets.Subscription{Filter: "#", Qos: 0})
	x.Subscribe("cl4", packets.Subscription{Filter: "a/b", Qos: 0})
	x.Subscribe("cl5", packets.Subscription{Filter: "+/+/+/+", Qos: 0})

	subs := x.Subscribers("a/b/c")
	require.Len(t, subs, 3)
	require.Equal(t, byte(2), subs["cl1"].Qos)
	require.Equal(t, "a/+/c", subs["cl1"].Filter)
	require.Contains(t, subs, "cl2")
	require.Contains(t, subs, "cl3")

	subs = x.Subscribers("a")
	require.Len(t, subs, 2)
	require.Contains(t, subs, "cl2")
	require.Contains(t, subs, "cl3")

	require.Empty(t, x.Subscribers(""))
}

func TestTopicsIndexSysTopics(t *testing.T) {
	x := NewTopicsIndex()
	x.Subscribe("cl1", packets.Subscription{Filter: "#"})
	x.Subscribe("cl2", packets.Subscription{Filter: "+/uptime"})
	x.Subscribe("cl3", packets.Subscription{Filter: "$SYS/#"})
	x.Subscribe("cl4", packets.Subscription{Filter: "$SYS/+"})

	subs := x.Subscribers("$SYS/uptime")
	require.Len(t, subs, 2)
	require.Contains(t, subs, "cl3")
	require.Contains(t, subs, "cl4")
}

func TestTopicsIndexAgreesWithMatchTopic(t *testing.T) {
	filters := []string{"a/b", "a/+", "a/#", "+/b", "#", "+/+", "a/b/#", "+/#", "/a", "+/a", "a/"}
	topics := []string{"a", "a/b", "a/c", "a/b/c", "/a", "a/", "b/b", "$SYS/a"}

	x := NewTopicsIndex()
	for _, f := range filters {
		x.Subscribe(f, packets.Subscription{Filter: f})
	}

	for _, topic := range topics {
		subs := x.Subscribers(topic)
		for _, f := range filters {
			_, ok := subs[f]
			require.Equal(t, packets.MatchTopic(topic, f), ok, "topic %q filter %q", topic, f)
		}
	}
}
