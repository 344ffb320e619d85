// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"fmt"
	"math"
	"sync"
)

// ErrPacketIDsExhausted indicates every packet id is currently in use.
var ErrPacketIDsExhausted = fmt.Errorf("%w: packet identifiers exhausted", ErrStoreInconsistency)

// IDProvider issues packet identifiers which are unique among the ids it
// currently has in use. Id 0 is never issued.
type IDProvider struct {
	sync.Mutex
	inUse  map[uint16]struct{} // ids issued and not yet released
	cursor uint16              // the last id issued
	max    uint16              // the largest id that may be issued
}

// NewIDProvider returns a provider issuing ids from 1 to 65535.
func NewIDProvider() *IDProvider {
	return newIDProvider(math.MaxUint16)
}

// newIDProvider returns a provider with a reduced id space, used in tests.
func newIDProvider(max uint16) *IDProvider {
	return &IDProvider{
		inUse: map[uint16]struct{}{},
		max:   max,
	}
}

// NextID claims and returns the next free id after the last id issued,
// wrapping back to 1 after the maximum. If no id is free after a full
// revolution, ErrPacketIDsExhausted is returned.
func (p *IDProvider) NextID() (uint16, error) {
	p.Lock()
	defer p.Unlock()

	if len(p.inUse) >= int(p.max) {
		return 0, ErrPacketIDsExhausted
	}

	id := p.cursor
	for i := 0; i < int(p.max); i++ {
		if id >= p.max {
			id = 1
		} else {
			id++
		}

		if _, ok := p.inUse[id]; !ok {
			p.inUse[id] = struct{}{}
			p.cursor = id
			return id, nil
		}
	}

	return 0, ErrPacketIDsExhausted
}

// Claim marks a specific id as in use, returning false if it already was.
func (p *IDProvider) Claim(id uint16) bool {
	p.Lock()
	defer p.Unlock()

	if id == 0 || id > p.max {
		return false
	}

	if _, ok := p.inUse[id]; ok {
		return false
	}

	p.inUse[id] = struct{}{}
	return true
}

// IsInUse returns true if the id has been issued and not released.
func (p *IDProvider) IsInUse(id uint16) bool {
	p.Lock()
	defer p.Unlock()
	_, ok := p.inUse[id]
	return ok
}

// Release makes an id available for reuse.
func (p *IDProvider) Release(id uint16) {
	p.Lock()
	defer p.Unlock()
	delete(p.inUse, id)
}

// InUse returns the number of ids currently in use.
func (p *IDProvider) InUse() int {
	p.Lock()
	defer p.Unlock()
	return len(p.inUse)
}
