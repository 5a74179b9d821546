// Package group runs ad hoc multi-device voice groups: creation, invitations,
// membership and teardown.
package group

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrGroupNotFound       = errors.New("group not found")
	ErrNotAMember          = errors.New("device is not a member of the group")
	ErrNoCandidateInvitees = errors.New("no other devices online")
	ErrNoPendingInvitation = errors.New("device has no pending invitation")
	ErrDeviceNotConnected  = errors.New("device is not connected")
)

// Group is a snapshot of one session. A device id appears in at most one of
// Members, Pending and Declined.
type Group struct {
	ID             string    `json:"group_id"`
	Name           string    `json:"group_name"`
	Creator        string    `json:"creator"`
	Members        []string  `json:"members"`
	Pending        []string  `json:"pending_invitations"`
	Declined       []string  `json:"declined"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func (g *Group) IsMember(deviceID string) bool  { return slices.Contains(g.Members, deviceID) }
func (g *Group) IsPending(deviceID string) bool { return slices.Contains(g.Pending, deviceID) }

// moveTo removes deviceID from every list and appends it to dst.
func (g *Group) moveTo(deviceID string, dst *[]string) {
	g.Members = remove(g.Members, deviceID)
	g.Pending = remove(g.Pending, deviceID)
	g.Declined = remove(g.Declined, deviceID)
	*dst = append(*dst, deviceID)
}

func (g *Group) drop(deviceID string) {
	g.Members = remove(g.Members, deviceID)
	g.Pending = remove(g.Pending, deviceID)
	g.Declined = remove(g.Declined, deviceID)
}

func remove(list []string, id string) []string {
	return slices.DeleteFunc(list, func(v string) bool { return v == id })
}

// Store keeps active groups keyed by id.
type Store struct {
	mu          sync.RWMutex
	groups      map[string]*Group
	idleTimeout time.Duration
	onExpire    func(Group)
}

// NewStore returns a Store whose janitor ends abandoned groups after idleTimeout.
func NewStore(idleTimeout time.Duration) *Store {
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}
	return &Store{groups: make(map[string]*Group), idleTimeout: idleTimeout}
}

func (s *Store) SetExpireHook(hook func(Group)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExpire = hook
}

// Create registers a new group with creator as its only member.
func (s *Store) Create(name, creator string) Group {
	now := time.Now().UTC()
	g := &Group{
		ID:             uuid.NewString(),
		Name:           name,
		Creator:        creator,
		Members:        []string{creator},
		CreatedAt:      now,
		LastActivityAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = g
	return clone(g)
}

func (s *Store) Get(id string) (Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return Group{}, ErrGroupNotFound
	}
	return clone(g), nil
}

// List returns every group, oldest first.
func (s *Store) List() []Group {
	s.mu.RLock()
	out := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, clone(g))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Update applies fn to the group under the store lock. If fn fails the
// group is left unchanged.
func (s *Store) Update(id string, fn func(*Group) error) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return Group{}, ErrGroupNotFound
	}
	next := clone(g)
	if err := fn(&next); err != nil {
		return clone(g), err
	}
	next.LastActivityAt = time.Now().UTC()
	*g = next
	return clone(g), nil
}

// End removes the group and returns its final state.
func (s *Store) End(id string) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return Group{}, ErrGroupNotFound
	}
	delete(s.groups, id)
	return clone(g), nil
}

// FindByMember returns the group deviceID belongs to as a member.
func (s *Store) FindByMember(deviceID string) (Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.groups {
		if g.IsMember(deviceID) {
			return clone(g), true
		}
	}
	return Group{}, false
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups)
}

func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.expireAbandoned()
			}
		}
	}()
}

// expireAbandoned ends groups where nobody but the creator is left and no
// invitation is outstanding.
func (s *Store) expireAbandoned() {
	now := time.Now().UTC()
	var expired []Group

	s.mu.Lock()
	for id, g := range s.groups {
		if len(g.Members) > 1 || len(g.Pending) > 0 {
			continue
		}
		if now.Sub(g.LastActivityAt) < s.idleTimeout {
			continue
		}
		expired = append(expired, clone(g))
		delete(s.groups, id)
	}
	hook := s.onExpire
	s.mu.Unlock()

	if hook != nil {
		for _, g := range expired {
			hook(g)
		}
	}
}

func clone(g *Group) Group {
	c := *g
	c.Members = slices.Clone(g.Members)
	c.Pending = slices.Clone(g.Pending)
	c.Declined = slices.Clone(g.Declined)
	return c
}
