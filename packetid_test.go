// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDProviderNextID(t *testing.T) {
	p := NewIDProvider()
	id, err := p.NextID()
	require.NoError(t, err)
	require.Equal(t, uint16(1), id)

	id, err = p.NextID()
	require.NoError(t, err)
	require.Equal(t, uint16(2), id)
	require.Equal(t, 2, p.InUse())
	require.True(t, p.IsInUse(1))
	require.False(t, p.IsInUse(3))
}

func TestIDProviderSkipsInUse(t *testing.T) {
	p := NewIDProvider()
	require.True(t, p.Claim(2))
	require.False(t, p.Claim(2))
	require.False(t, p.Claim(0))

	id, err := p.NextID()
	require.NoError(t, err)
	require.Equal(t, uint16(1), id)

	id, err = p.NextID()
	require.NoError(t, err)
	require.Equal(t, uint16(3), id)
}

func TestIDProviderWrapsAndSkipsZero(t *testing.T) {
	p := newIDProvider(3)
	for want := uint16(1); want <= 3; want++ {
		id, err := p.NextID()
		require.NoError(t, err)
		require.Equal(t, want, id)
	}

	p.Release(2)
	id, err := p.NextID()
	require.NoError(t, err)
	require.Equal(t, uint16(2), id)

	p.Release(1)
	id, err = p.NextID()
	require.NoError(t, err)
	require.Equal(t, uint16(1), id)
}

func TestIDProviderReleaseAllowsReuse(t *testing.T) {
	p := newIDProvider(2)
	a, _ := p.NextID()
	_, _ = p.NextID()

	_, err := p.NextID()
	require.ErrorIs(t, err, ErrPacketIDsExhausted)

	p.Release(a)
	id, err := p.NextID()
	require.NoError(t, err)
	require.Equal(t, a, id)
}

func TestIDProviderExhaustedFullRange(t *testing.T) {
	p := NewIDProvider()
	seen := make(map[uint16]struct{}, math.MaxUint16)
	for i := 0; i < math.MaxUint16; i++ {
		id, err := p.NextID()
		require.NoError(t, err)
		require.NotEqual(t, uint16(0), id)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}

	_, err := p.NextID()
	require.ErrorIs(t, err, ErrPacketIDsExhausted)
	require.Equal(t, math.MaxUint16, p.InUse())
}

func TestIDProviderConcurrent(t *testing.T) {
	p := NewIDProvider()
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[uint16]struct{}{}

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				id, err := p.NextID()
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if _, ok := seen[id]; ok {
					t.Errorf("id %d issued twice", id)
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	require.Equal(t, 4000, p.InUse())
}
