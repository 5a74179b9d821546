package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode is the conversational state that decides how the next utterance
// from a device is interpreted.
type Mode int

const (
	ModeIdle Mode = iota
	ModeAwaitingGroupName
	ModeAwaitingCreateConfirmation
	ModeAwaitingJoinDecision
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeAwaitingGroupName:
		return "awaiting_group_name"
	case ModeAwaitingCreateConfirmation:
		return "awaiting_create_confirmation"
	case ModeAwaitingJoinDecision:
		return "awaiting_join_decision"
	default:
		return "unknown"
	}
}

// Transport is the send side of a device channel.
type Transport interface {
	// Send queues a JSON message for the device.
	Send(ctx context.Context, msg any) error
	// SendAudio queues a binary audio frame.
	SendAudio(ctx context.Context, frame []byte) error
	// Ping sends a transport-level ping and blocks until the matching pong or ctx ends.
	Ping(ctx context.Context) error
	Close() error
}

// Conversation is a snapshot of the per-connection dialogue fields.
type Conversation struct {
	Mode               Mode
	CandidateGroupID   string
	CandidateGroupName string
	GroupID            string
}

type Connection struct {
	ID          string
	DeviceID    string
	ClientIP    string
	ConnectedAt time.Time

	transport Transport

	mu           sync.Mutex
	lastActivity time.Time
	conv         Conversation
	voiceID      string
}

func NewConnection(deviceID, clientIP string, transport Transport) *Connection {
	now := time.Now().UTC()
	return &Connection{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		ClientIP:     clientIP,
		ConnectedAt:  now,
		transport:    transport,
		lastActivity: now,
	}
}

func (c *Connection) Send(ctx context.Context, msg any) error {
	return c.transport.Send(ctx, msg)
}

func (c *Connection) SendAudio(ctx context.Context, frame []byte) error {
	return c.transport.SendAudio(ctx, frame)
}

func (c *Connection) Ping(ctx context.Context) error {
	return c.transport.Ping(ctx)
}

func (c *Connection) Close() error {
	return c.transport.Close()
}

func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now().UTC()
	c.mu.Unlock()
}

func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Connection) Conversation() Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv
}

func (c *Connection) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv.Mode
}

// Update applies fn to the conversation fields under the connection lock.
func (c *Connection) Update(fn func(*Conversation)) Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.conv)
	return c.conv
}

// ResetConversation returns the connection to idle without touching its group membership.
func (c *Connection) ResetConversation() {
	c.Update(func(cv *Conversation) {
		cv.Mode = ModeIdle
		cv.CandidateGroupID = ""
		cv.CandidateGroupName = ""
	})
}

func (c *Connection) GroupID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv.GroupID
}

func (c *Connection) VoiceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voiceID
}

func (c *Connection) SetVoiceID(id string) {
	c.mu.Lock()
	c.voiceID = id
	c.mu.Unlock()
}
