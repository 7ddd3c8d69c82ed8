// Package gpu tracks logical VRAM reservations across the host's GPUs.
package gpu

import (
	"fmt"
	"sort"
	"sync"
)

// ErrNoCapacity is returned when the request cannot be satisfied by the
// GPUs currently visible, or when the query tool is unavailable.
var ErrNoCapacity = fmt.Errorf("insufficient gpu capacity")

// Device is one GPU as reported by the query tool, in MiB.
type Device struct {
	Index    int
	TotalMiB int
	UsedMiB  int
}

// QueryFunc reads the host's GPU inventory.
type QueryFunc func() ([]Device, error)

// Allocator reserves VRAM ahead of workload start so concurrent deployments
// cannot over-subscribe a device. Reservations are logical: the allocator
// layers them on top of the live usage reported by the query tool.
type Allocator struct {
	mu       sync.Mutex
	reserved map[int]int // gpu index -> reserved MiB
	query    QueryFunc
}

// NewAllocator creates an allocator backed by the given query function.
func NewAllocator(query QueryFunc) *Allocator {
	return &Allocator{
		reserved: make(map[int]int),
		query:    query,
	}
}

// Allocate reserves requiredMiB of VRAM and returns the GPU indices the
// workload should use plus the per-GPU reservation it made, which the
// caller keeps and hands back to Release. A single lock covers query,
// capacity computation, and reservation so concurrent callers cannot both
// observe the same free VRAM. Policy: first-fit on the lowest-index GPU
// with enough free VRAM, else greedy spill across GPUs in index order. A
// non-positive requirement returns the first usable GPU without reserving.
func (a *Allocator) Allocate(requiredMiB int) ([]int, map[int]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	devices, err := a.query()
	if err != nil || len(devices) == 0 {
		// Query failure is soft: report no capacity, not an internal error.
		return nil, nil, ErrNoCapacity
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Index < devices[j].Index })

	type candidate struct {
		index int
		free  int
	}
	var candidates []candidate
	for _, d := range devices {
		free := d.TotalMiB - d.UsedMiB - a.reserved[d.Index]
		if free <= 0 {
			continue
		}
		candidates = append(candidates, candidate{d.Index, free})
	}
	if len(candidates) == 0 {
		return nil, nil, ErrNoCapacity
	}

	if requiredMiB <= 0 {
		return []int{candidates[0].index}, map[int]int{}, nil
	}

	for _, c := range candidates {
		if c.free >= requiredMiB {
			a.reserved[c.index] += requiredMiB
			return []int{c.index}, map[int]int{c.index: requiredMiB}, nil
		}
	}

	// Greedy spill: take what each GPU has, in index order, until covered.
	remaining := requiredMiB
	taken := make(map[int]int)
	var order []int
	for _, c := range candidates {
		take := c.free
		if take > remaining {
			take = remaining
		}
		taken[c.index] = take
		order = append(order, c.index)
		remaining -= take
		if remaining == 0 {
			break
		}
	}
	if remaining > 0 {
		return nil, nil, ErrNoCapacity
	}
	for idx, amount := range taken {
		a.reserved[idx] += amount
	}
	return order, taken, nil
}

// Reserve adds a reservation directly, without consulting live capacity.
// Used when the agent recovers an already-running workload at startup.
func (a *Allocator) Reserve(usage map[int]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for idx, amount := range usage {
		if amount > 0 {
			a.reserved[idx] += amount
		}
	}
}

// Release decrements reservations and drops entries that reach zero.
func (a *Allocator) Release(usage map[int]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for idx, amount := range usage {
		a.reserved[idx] -= amount
		if a.reserved[idx] <= 0 {
			delete(a.reserved, idx)
		}
	}
}

// Reserved returns a copy of the reservation table, per GPU index.
func (a *Allocator) Reserved() map[int]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int]int, len(a.reserved))
	for idx, amount := range a.reserved {
		out[idx] = amount
	}
	return out
}
