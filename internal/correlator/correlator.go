// Package correlator matches asynchronous device replies to the callers
// waiting on them. One Correlator is shared by every component that
// dispatches commands or ingests replies.
package correlator

import (
	"errors"
	"sync"
)

// Kind is the semantic category of the reply a waiter expects.
type Kind string

const (
	KindVolume     Kind = "volume"
	KindMicrophone Kind = "microphone"
	KindIoT        Kind = "iot"
)

var (
	ErrEmptyKey       = errors.New("device id and token are required")
	ErrDuplicateToken = errors.New("token already pending for device")
)

// Pending is one outstanding request. Done delivers the replied value at most once.
type Pending struct {
	DeviceID string
	Token    string
	Kind     Kind
	Original int

	done     chan int
	signaled bool
}

func (p *Pending) Done() <-chan int {
	return p.done
}

type Correlator struct {
	mu       sync.Mutex
	byDevice map[string][]*Pending
	total    int
	onChange func(total int)
}

func New() *Correlator {
	return &Correlator{byDevice: make(map[string][]*Pending)}
}

// SetChangeHook installs a callback receiving the pending count after every change.
func (c *Correlator) SetChangeHook(hook func(total int)) {
	c.mu.Lock()
	c.onChange = hook
	c.mu.Unlock()
}

// Register stores a new pending entry. Entries for a device are kept in
// registration order, which is the tie-break order for Signal.
func (c *Correlator) Register(deviceID, token string, kind Kind, original int) (*Pending, error) {
	if deviceID == "" || token == "" {
		return nil, ErrEmptyKey
	}
	p := &Pending{
		DeviceID: deviceID,
		Token:    token,
		Kind:     kind,
		Original: original,
		done:     make(chan int, 1),
	}

	c.mu.Lock()
	for _, existing := range c.byDevice[deviceID] {
		if existing.Token == token {
			c.mu.Unlock()
			return nil, ErrDuplicateToken
		}
	}
	c.byDevice[deviceID] = append(c.byDevice[deviceID], p)
	c.total++
	total, hook := c.total, c.onChange
	c.mu.Unlock()

	if hook != nil {
		hook(total)
	}
	return p, nil
}

// Signal resolves the first not-yet-signaled entry of deviceID whose kind
// satisfies match, and reports whether one was found.
func (c *Correlator) Signal(deviceID string, match func(Kind) bool, value int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.byDevice[deviceID] {
		if p.signaled || !match(p.Kind) {
			continue
		}
		p.resolve(value)
		return true
	}
	return false
}

// SignalToken resolves the entry registered under token, if it is still pending.
func (c *Correlator) SignalToken(deviceID, token string, value int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.byDevice[deviceID] {
		if p.Token != token {
			continue
		}
		if p.signaled {
			return false
		}
		p.resolve(value)
		return true
	}
	return false
}

// Clear removes an entry. Clearing an unknown or already cleared key is a no-op.
func (c *Correlator) Clear(deviceID, token string) {
	c.mu.Lock()
	list := c.byDevice[deviceID]
	idx := -1
	for i, p := range list {
		if p.Token == token {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	list = append(list[:idx:idx], list[idx+1:]...)
	if len(list) == 0 {
		delete(c.byDevice, deviceID)
	} else {
		c.byDevice[deviceID] = list
	}
	c.total--
	total, hook := c.total, c.onChange
	c.mu.Unlock()

	if hook != nil {
		hook(total)
	}
}

// Len returns the number of pending entries across all devices.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// PendingFor returns the tokens pending for deviceID in registration order.
func (c *Correlator) PendingFor(deviceID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.byDevice[deviceID]
	out := make([]string, 0, len(list))
	for _, p := range list {
		out = append(out, p.Token)
	}
	return out
}

func (p *Pending) resolve(value int) {
	p.signaled = true
	select {
	case p.done <- value:
	default:
	}
}

// MatchContent returns the kind predicate for a reply content category.
// A "mic" reply satisfies a "microphone" waiter; the reverse alias does not exist.
func MatchContent(content string) func(Kind) bool {
	return func(k Kind) bool {
		if content == "mic" && k == KindMicrophone {
			return true
		}
		return string(k) == content
	}
}
