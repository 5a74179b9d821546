package voice

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockProvider is the offline provider. Its STT treats audio frames as UTF-8
// text, and its TTS returns the prompt bytes as audio, which keeps device
// flows testable end to end without a speech backend.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) StartSession(_ context.Context, _ string) (STTSession, <-chan STTEvent, error) {
	events := make(chan STTEvent, 64)
	return &mockSTTSession{events: events}, events, nil
}

func (p *MockProvider) StartStream(_ context.Context, _ string) (TTSStream, error) {
	return &mockTTSStream{events: make(chan TTSEvent, 128)}, nil
}

type mockSTTSession struct {
	mu     sync.Mutex
	events chan STTEvent
	buf    strings.Builder
	closed bool
}

func (s *mockSTTSession) SendAudio(_ context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(frame) == 0 {
		return nil
	}
	s.buf.Write(frame)
	s.events <- STTEvent{Type: STTEventPartial, Text: s.buf.String(), Timestamp: time.Now().UnixMilli()}
	return nil
}

func (s *mockSTTSession) Commit(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	s.events <- STTEvent{Type: STTEventCommitted, Text: text, Timestamp: time.Now().UnixMilli()}
	return nil
}

func (s *mockSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

type mockTTSStream struct {
	mu     sync.Mutex
	events chan TTSEvent
	closed bool
}

func (s *mockTTSStream) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || strings.TrimSpace(text) == "" {
		return nil
	}
	s.events <- TTSEvent{Type: TTSEventAudio, Audio: []byte(text)}
	return nil
}

func (s *mockTTSStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.events <- TTSEvent{Type: TTSEventFinal}
	return nil
}

func (s *mockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *mockTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
