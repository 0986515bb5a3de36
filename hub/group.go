// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hub

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/luxfi/streamrpc"
)

var (
	// ErrGroupEvicted is returned by Group.Add after the group lost its last
	// member and left the repository. Join through a fresh GetOrAdd instead.
	ErrGroupEvicted        = errors.New("hub: group evicted")
	ErrStorageTypeMismatch = errors.New("hub: group storage type mismatch")
)

// Member is a connection that can be added to a group.
type Member interface {
	ID() uuid.UUID
	// QueueWrite enqueues a frame without blocking and reports whether the
	// member still accepts writes.
	QueueWrite(frame []byte) bool
}

// GroupRepository maps names to groups. Groups are created on first use and
// removed when their last member leaves.
type GroupRepository struct {
	hub     string
	codec   streamrpc.Codec
	metrics *streamrpc.Metrics

	mu     sync.Mutex
	groups map[string]*Group
}

// NewGroupRepository returns an empty repository. Broadcast values are
// encoded with codec; a nil codec selects streamrpc.MsgpackCodec.
func NewGroupRepository(hub string, codec streamrpc.Codec, metrics *streamrpc.Metrics) *GroupRepository {
	if codec == nil {
		codec = streamrpc.MsgpackCodec{}
	}
	return &GroupRepository{
		hub:     hub,
		codec:   codec,
		metrics: metrics,
		groups:  make(map[string]*Group),
	}
}

// GetOrAdd returns the group called name, creating it if needed. Concurrent
// callers observe the same instance.
func (r *GroupRepository) GetOrAdd(name string) *Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[name]; ok && !g.evicted.Load() {
		return g
	}
	g := &Group{
		name:    name,
		repo:    r,
		members: make(map[uuid.UUID]Member),
	}
	g.snapshot.Store(&[]Member{})
	r.groups[name] = g
	return g
}

func (r *GroupRepository) TryGet(name string) (*Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[name]
	return g, ok
}

// TryRemove drops the group regardless of its members. Members keep their
// reference but the group no longer accepts new ones.
func (r *GroupRepository) TryRemove(name string) bool {
	r.mu.Lock()
	g, ok := r.groups[name]
	delete(r.groups, name)
	r.mu.Unlock()
	if ok {
		g.evicted.Store(true)
	}
	return ok
}

// Names returns the group names in lexical order.
func (r *GroupRepository) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

func (r *GroupRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

// evict removes g if it is still the group registered under its name.
func (r *GroupRepository) evict(g *Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups[g.name] == g {
		delete(r.groups, g.name)
	}
}

// memberStorage drops the entries of departing members.
type memberStorage interface {
	remove(id uuid.UUID)
}

// Group is a named set of members supporting fan-out writes. Membership
// changes take the group lock; writes read a copy-on-write snapshot.
type Group struct {
	name string
	repo *GroupRepository

	mu       sync.Mutex
	members  map[uuid.UUID]Member
	storage  memberStorage
	snapshot atomic.Pointer[[]Member]
	evicted  atomic.Bool
}

func (g *Group) Name() string { return g.name }

func (g *Group) MemberCount() int { return len(*g.snapshot.Load()) }

// Members returns the current members. The slice must not be modified.
func (g *Group) Members() []Member { return *g.snapshot.Load() }

// Contains reports whether id is a member.
func (g *Group) Contains(id uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.members[id]
	return ok
}

// Add inserts m. Adding a present member is a no-op.
func (g *Group) Add(m Member) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.evicted.Load() {
		return fmt.Errorf("%w: %s", ErrGroupEvicted, g.name)
	}
	if _, ok := g.members[m.ID()]; ok {
		return nil
	}
	g.members[m.ID()] = m
	g.publishLocked()
	return nil
}

// Remove deletes m and its storage entry. It reports whether m was a member.
// Removing the last member evicts the group from its repository.
func (g *Group) Remove(m Member) bool {
	g.mu.Lock()
	if _, ok := g.members[m.ID()]; !ok {
		g.mu.Unlock()
		return false
	}
	delete(g.members, m.ID())
	if g.storage != nil {
		g.storage.remove(m.ID())
	}
	g.publishLocked()
	empty := len(g.members) == 0
	if empty {
		g.evicted.Store(true)
	}
	g.mu.Unlock()

	if empty {
		g.repo.evict(g)
	}
	return true
}

func (g *Group) publishLocked() {
	snap := make([]Member, 0, len(g.members))
	for _, m := range g.members {
		snap = append(snap, m)
	}
	g.snapshot.Store(&snap)
}

// WriteAll sends a receiver invocation to every member. Group writes are
// fire-and-forget only; fireAndForget false fails with ErrNotSupported.
func (g *Group) WriteAll(methodID int32, value any, fireAndForget bool) error {
	return g.write(methodID, value, fireAndForget, nil)
}

// WriteExcept sends to every member except the given ids.
func (g *Group) WriteExcept(methodID int32, value any, fireAndForget bool, ids ...uuid.UUID) error {
	return g.write(methodID, value, fireAndForget, func(id uuid.UUID) bool { return !slices.Contains(ids, id) })
}

// WriteTo sends only to the members with the given ids.
func (g *Group) WriteTo(methodID int32, value any, fireAndForget bool, ids ...uuid.UUID) error {
	return g.write(methodID, value, fireAndForget, func(id uuid.UUID) bool { return slices.Contains(ids, id) })
}

// WriteRawAll is WriteAll with an already encoded value.
func (g *Group) WriteRawAll(methodID int32, payload []byte, fireAndForget bool) error {
	return g.writeRaw(methodID, payload, fireAndForget, nil)
}

func (g *Group) WriteRawExcept(methodID int32, payload []byte, fireAndForget bool, ids ...uuid.UUID) error {
	return g.writeRaw(methodID, payload, fireAndForget, func(id uuid.UUID) bool { return !slices.Contains(ids, id) })
}

func (g *Group) WriteRawTo(methodID int32, payload []byte, fireAndForget bool, ids ...uuid.UUID) error {
	return g.writeRaw(methodID, payload, fireAndForget, func(id uuid.UUID) bool { return slices.Contains(ids, id) })
}

func (g *Group) write(methodID int32, value any, fireAndForget bool, include func(uuid.UUID) bool) error {
	if !fireAndForget {
		return fmt.Errorf("%w: group writes must be fire-and-forget", streamrpc.ErrNotSupported)
	}
	payload, err := streamrpc.EncodeResult(g.repo.codec, value)
	if err != nil {
		return fmt.Errorf("encode broadcast value: %w", err)
	}
	return g.writeRaw(methodID, payload, true, include)
}

func (g *Group) writeRaw(methodID int32, payload []byte, fireAndForget bool, include func(uuid.UUID) bool) error {
	if !fireAndForget {
		return fmt.Errorf("%w: group writes must be fire-and-forget", streamrpc.ErrNotSupported)
	}
	frame := EncodeBroadcast(methodID, payload)
	var n int
	for _, m := range *g.snapshot.Load() {
		if include != nil && !include(m.ID()) {
			continue
		}
		if m.QueueWrite(frame) {
			n++
		}
	}
	g.repo.metrics.ObserveBroadcast(g.repo.hub, n)
	return nil
}

// InMemoryStorage is a per-group value store keyed by member id.
type InMemoryStorage[T any] struct {
	mu    sync.RWMutex
	items map[uuid.UUID]T
}

// GetInMemoryStorage returns the storage of g, creating it for T on first
// use. A group holds at most one storage type; asking for another type fails
// with ErrStorageTypeMismatch.
func GetInMemoryStorage[T any](g *Group) (*InMemoryStorage[T], error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.storage == nil {
		s := &InMemoryStorage[T]{items: make(map[uuid.UUID]T)}
		g.storage = s
		return s, nil
	}
	s, ok := g.storage.(*InMemoryStorage[T])
	if !ok {
		return nil, fmt.Errorf("%w: group %s holds %T", ErrStorageTypeMismatch, g.name, g.storage)
	}
	return s, nil
}

// Set stores v for id. The entry is dropped when the member leaves the group.
func (s *InMemoryStorage[T]) Set(id uuid.UUID, v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id] = v
}

func (s *InMemoryStorage[T]) Get(id uuid.UUID) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[id]
	return v, ok
}

// AllValues returns the stored values in no particular order.
func (s *InMemoryStorage[T]) AllValues() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.items))
	for _, v := range s.items {
		out = append(out, v)
	}
	return out
}

func (s *InMemoryStorage[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *InMemoryStorage[T]) remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
}
