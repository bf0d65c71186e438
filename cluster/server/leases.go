// Copyright 2024 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"math"
	"sort"
	"sync"

	"github.com/google/btree"
)

// Lease is a concurrency token held by a client.
type Lease struct {
	TokenID int64
	FlowID  int64
	Count   int64
	Address string
	// Acquired and Deadline are in milliseconds since the epoch. A lease
	// still held after its deadline is reclaimed.
	Acquired int64
	Deadline int64
}

func leaseLess(a, b *Lease) bool {
	if a.Deadline != b.Deadline {
		return a.Deadline < b.Deadline
	}
	return a.TokenID < b.TokenID
}

// LeaseTable holds the concurrency leases of every flow. A flow's in-use
// count and its leases change together under one lock, so the in-use count
// always equals the summed count of the flow's live leases.
type LeaseTable struct {
	mu         sync.Mutex
	nextID     int64
	byID       map[int64]*Lease
	byDeadline *btree.BTreeG[*Lease]
	byAddress  map[string]map[int64]*Lease
	inUse      map[int64]int64
}

// NewLeaseTable creates an empty table issuing token ids after firstID.
// Seeding firstID from the start time keeps ids of a restarted server apart
// from ids its clients may still hold.
func NewLeaseTable(firstID int64) *LeaseTable {
	return &LeaseTable{
		nextID:     firstID,
		byID:       make(map[int64]*Lease),
		byDeadline: btree.NewG(16, leaseLess),
		byAddress:  make(map[string]map[int64]*Lease),
		inUse:      make(map[int64]int64),
	}
}

// Acquire grants count tokens of flowID to address if the flow's in-use
// count stays within threshold. The lease expires timeoutMs after now.
func (t *LeaseTable) Acquire(flowID, count int64, threshold float64, address string, now, timeoutMs int64) (*Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if float64(t.inUse[flowID]+count) > threshold {
		return nil, false
	}
	t.nextID++
	l := &Lease{
		TokenID:  t.nextID,
		FlowID:   flowID,
		Count:    count,
		Address:  address,
		Acquired: now,
		Deadline: now + timeoutMs,
	}
	t.byID[l.TokenID] = l
	t.byDeadline.ReplaceOrInsert(l)
	if t.byAddress[address] == nil {
		t.byAddress[address] = make(map[int64]*Lease)
	}
	t.byAddress[address][l.TokenID] = l
	t.inUse[flowID] += count
	return l, true
}

// Release removes the lease tokenID. It returns false if the lease is
// unknown, e.g. already released or reclaimed.
func (t *LeaseTable) Release(tokenID int64) (*Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.byID[tokenID]
	if !ok {
		return nil, false
	}
	t.removeLocked(l)
	return l, true
}

func (t *LeaseTable) removeLocked(l *Lease) {
	delete(t.byID, l.TokenID)
	t.byDeadline.Delete(l)
	if m := t.byAddress[l.Address]; m != nil {
		delete(m, l.TokenID)
		if len(m) == 0 {
			delete(t.byAddress, l.Address)
		}
	}
	if n := t.inUse[l.FlowID] - l.Count; n > 0 {
		t.inUse[l.FlowID] = n
	} else {
		delete(t.inUse, l.FlowID)
	}
}

// ReclaimExpired removes and returns the leases whose deadline is before
// now, earliest first.
func (t *LeaseTable) ReclaimExpired(now int64) []*Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []*Lease
	t.byDeadline.AscendLessThan(&Lease{Deadline: now, TokenID: math.MinInt64}, func(l *Lease) bool {
		expired = append(expired, l)
		return true
	})
	for _, l := range expired {
		t.removeLocked(l)
	}
	return expired
}

// ReclaimAddress removes and returns the leases held by address.
func (t *LeaseTable) ReclaimAddress(address string) []*Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	var r []*Lease
	for _, l := range t.byAddress[address] {
		r = append(r, l)
	}
	sortLeases(r)
	for _, l := range r {
		t.removeLocked(l)
	}
	return r
}

// ReclaimFlow removes and returns the leases of flowID.
func (t *LeaseTable) ReclaimFlow(flowID int64) []*Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	var r []*Lease
	t.byDeadline.Ascend(func(l *Lease) bool {
		if l.FlowID == flowID {
			r = append(r, l)
		}
		return true
	})
	for _, l := range r {
		t.removeLocked(l)
	}
	return r
}

func sortLeases(ls []*Lease) {
	sort.Slice(ls, func(i, j int) bool { return leaseLess(ls[i], ls[j]) })
}

// InUse returns the tokens of flowID currently leased.
func (t *LeaseTable) InUse(flowID int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inUse[flowID]
}

// Len returns the number of live leases.
func (t *LeaseTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// Lookup returns a copy of the lease tokenID.
func (t *LeaseTable) Lookup(tokenID int64) (Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.byID[tokenID]; ok {
		return *l, true
	}
	return Lease{}, false
}

// FlowIDs returns the sorted ids of the flows with live leases.
func (t *LeaseTable) FlowIDs() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int64, 0, len(t.inUse))
	for id := range t.inUse {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
