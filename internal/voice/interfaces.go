// Package voice holds the speech provider contracts and the prompt speaker
// used to talk to devices.
package voice

import "context"

type STTEventType string

const (
	STTEventPartial   STTEventType = "partial"
	STTEventCommitted STTEventType = "committed"
	STTEventError     STTEventType = "error"
)

type STTEvent struct {
	Type      STTEventType
	Text      string
	Code      string
	Detail    string
	Retryable bool
	Timestamp int64
}

// STTSession receives raw device audio frames. Commit marks the end of an
// utterance; the provider answers with a committed event.
type STTSession interface {
	SendAudio(ctx context.Context, frame []byte) error
	Commit(ctx context.Context) error
	Close() error
}

type STTProvider interface {
	StartSession(ctx context.Context, sessionID string) (STTSession, <-chan STTEvent, error)
}

type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventFinal TTSEventType = "final"
	TTSEventError TTSEventType = "error"
)

type TTSEvent struct {
	Type      TTSEventType
	Audio     []byte
	Code      string
	Detail    string
	Retryable bool
}

type TTSStream interface {
	SendText(ctx context.Context, text string) error
	CloseInput(ctx context.Context) error
	Events() <-chan TTSEvent
	Close() error
}

type TTSProvider interface {
	StartStream(ctx context.Context, voiceID string) (TTSStream, error)
}
