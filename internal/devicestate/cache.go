package devicestate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const keyPrefix = "device_info:"

// Key returns the cache key for a device.
func Key(deviceID string) string {
	return keyPrefix + deviceID
}

// State is the last known state of a device.
type State struct {
	Volume     *int  `json:"volume,omitempty"`
	Microphone *int  `json:"microphone,omitempty"`
	Online     bool  `json:"online"`
	UpdatedAt  int64 `json:"updated_at"`
}

// Cache is a read-modify-write view over a KV. Writes are last-writer-wins
// across processes; within a process the read-modify-write is serialized.
type Cache struct {
	kv  KV
	mu  sync.Mutex
	now func() time.Time
}

func NewCache(kv KV) *Cache {
	return &Cache{kv: kv, now: time.Now}
}

func (c *Cache) Get(ctx context.Context, deviceID string) (State, bool, error) {
	raw, found, err := c.kv.Get(ctx, Key(deviceID))
	if err != nil || !found {
		return State{}, false, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, false, fmt.Errorf("decode %s: %w", Key(deviceID), err)
	}
	return st, true, nil
}

// Update reads the entry for deviceID, applies fn, stamps UpdatedAt and writes it back.
func (c *Cache) Update(ctx context.Context, deviceID string, fn func(*State)) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, found, err := c.kv.Get(ctx, Key(deviceID))
	if err != nil {
		return State{}, err
	}
	var st State
	if found {
		// Undecodable entries are overwritten.
		if err := json.Unmarshal(raw, &st); err != nil {
			st = State{}
		}
	}
	fn(&st)
	st.UpdatedAt = c.now().Unix()

	raw, err = json.Marshal(st)
	if err != nil {
		return State{}, err
	}
	if err := c.kv.Put(ctx, Key(deviceID), raw, 0); err != nil {
		return State{}, err
	}
	return st, nil
}

func (c *Cache) SetVolume(ctx context.Context, deviceID string, volume int) error {
	_, err := c.Update(ctx, deviceID, func(s *State) { s.Volume = intPtr(volume) })
	return err
}

func (c *Cache) SetMicrophone(ctx context.Context, deviceID string, mic int) error {
	_, err := c.Update(ctx, deviceID, func(s *State) { s.Microphone = intPtr(mic) })
	return err
}

// SetOnline records the online flag and reports whether it changed. The
// first flag recorded for a device always counts as a change.
func (c *Cache) SetOnline(ctx context.Context, deviceID string, online bool) (bool, error) {
	changed := false
	_, err := c.Update(ctx, deviceID, func(s *State) {
		changed = s.UpdatedAt == 0 || s.Online != online
		s.Online = online
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// Touch stamps the entry without changing any field.
func (c *Cache) Touch(ctx context.Context, deviceID string) error {
	_, err := c.Update(ctx, deviceID, func(*State) {})
	return err
}

func (c *Cache) Delete(ctx context.Context, deviceID string) error {
	return c.kv.Delete(ctx, Key(deviceID))
}

func intPtr(v int) *int { return &v }
