// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hub

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/luxfi/streamrpc"
)

// maxJoinAttempts bounds retries when a joined group is evicted concurrently.
const maxJoinAttempts = 8

// Groups tracks the groups one connection joined, so that the connection
// leaves all of them when it ends.
type Groups struct {
	member Member
	repo   *GroupRepository

	mu       sync.Mutex
	joined   map[string]*Group
	disposed bool
}

func newGroups(member Member, repo *GroupRepository) *Groups {
	return &Groups{
		member: member,
		repo:   repo,
		joined: make(map[string]*Group),
	}
}

// Add joins the group called name, creating it if needed.
func (gs *Groups) Add(name string) (*Group, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.disposed {
		return nil, fmt.Errorf("%w: connection left all groups", streamrpc.ErrClosed)
	}
	if g, ok := gs.joined[name]; ok && !g.evicted.Load() {
		return g, nil
	}

	for range maxJoinAttempts {
		g := gs.repo.GetOrAdd(name)
		err := g.Add(gs.member)
		if errors.Is(err, ErrGroupEvicted) {
			continue
		}
		if err != nil {
			return nil, err
		}
		gs.joined[name] = g
		return g, nil
	}
	return nil, fmt.Errorf("join %s: %w", name, ErrGroupEvicted)
}

// Remove leaves the group called name. It reports whether the connection was
// a member.
func (gs *Groups) Remove(name string) bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	g, ok := gs.joined[name]
	if !ok {
		return false
	}
	delete(gs.joined, name)
	return g.Remove(gs.member)
}

// Get returns a joined group.
func (gs *Groups) Get(name string) (*Group, bool) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	g, ok := gs.joined[name]
	return g, ok
}

// Joined returns the names of the joined groups in lexical order.
func (gs *Groups) Joined() []string {
	gs.mu.Lock()
	names := make([]string, 0, len(gs.joined))
	for name := range gs.joined {
		names = append(names, name)
	}
	gs.mu.Unlock()
	sort.Strings(names)
	return names
}

// dispose leaves every joined group and rejects further joins.
func (gs *Groups) dispose() {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.disposed = true
	for name, g := range gs.joined {
		g.Remove(gs.member)
		delete(gs.joined, name)
	}
}
