package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/carlink/internal/reliability"
)

// RealtimeConfig points at a websocket speech gateway exposing
// /v1/stt/stream and /v1/tts/stream.
type RealtimeConfig struct {
	WSBaseURL string
	APIKey    string
	Language  string
}

// RealtimeProvider implements both STTProvider and TTSProvider over websockets.
// Audio travels as binary frames; control and results as JSON text frames.
type RealtimeProvider struct {
	cfg    RealtimeConfig
	dialer *websocket.Dialer
}

func NewRealtimeProvider(cfg RealtimeConfig) *RealtimeProvider {
	cfg.WSBaseURL = strings.TrimRight(strings.TrimSpace(cfg.WSBaseURL), "/")
	if strings.TrimSpace(cfg.Language) == "" {
		cfg.Language = "zh"
	}
	return &RealtimeProvider{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

type realtimeFrame struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (p *RealtimeProvider) dial(ctx context.Context, path string, query url.Values) (*websocket.Conn, error) {
	if p.cfg.WSBaseURL == "" {
		return nil, fmt.Errorf("realtime speech url is not configured")
	}
	u, err := url.Parse(p.cfg.WSBaseURL + path)
	if err != nil {
		return nil, err
	}
	u.RawQuery = query.Encode()

	headers := http.Header{}
	if p.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	conn, _, err := p.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return conn, nil
}

func (p *RealtimeProvider) StartSession(ctx context.Context, sessionID string) (STTSession, <-chan STTEvent, error) {
	conn, err := p.dial(ctx, "/v1/stt/stream", url.Values{
		"session_id": {sessionID},
		"language":   {p.cfg.Language},
	})
	if err != nil {
		return nil, nil, err
	}
	events := make(chan STTEvent, 256)
	s := &realtimeSTTSession{conn: conn, events: events}
	go s.readLoop()
	return s, events, nil
}

func (p *RealtimeProvider) StartStream(ctx context.Context, voiceID string) (TTSStream, error) {
	if strings.TrimSpace(voiceID) == "" {
		return nil, fmt.Errorf("voice_id is required")
	}
	conn, err := p.dial(ctx, "/v1/tts/stream", url.Values{
		"voice_id": {voiceID},
		"language": {p.cfg.Language},
	})
	if err != nil {
		return nil, err
	}
	s := &realtimeTTSStream{conn: conn, events: make(chan TTSEvent, 512)}
	go s.readLoop()
	return s, nil
}

type realtimeSTTSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan STTEvent
}

func (s *realtimeSTTSession) SendAudio(_ context.Context, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *realtimeSTTSession) Commit(_ context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(realtimeFrame{Type: "commit"})
}

func (s *realtimeSTTSession) readLoop() {
	defer close(s.events)
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var f realtimeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		now := time.Now().UnixMilli()
		switch f.Type {
		case "partial":
			s.events <- STTEvent{Type: STTEventPartial, Text: f.Text, Timestamp: now}
		case "final":
			s.events <- STTEvent{Type: STTEventCommitted, Text: f.Text, Timestamp: now}
		case "", "ready":
		default:
			s.events <- STTEvent{
				Type:      STTEventError,
				Code:      f.Code,
				Detail:    f.Detail,
				Retryable: reliability.IsRetryableSpeechCode(f.Code),
				Timestamp: now,
			}
		}
	}
}

// Close tears down the socket; readLoop then closes the event channel.
func (s *realtimeSTTSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
	})
	return retErr
}

type realtimeTTSStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan TTSEvent
}

func (s *realtimeTTSStream) SendText(_ context.Context, text string) error {
	return s.writeJSON(realtimeFrame{Type: "text", Text: text})
}

func (s *realtimeTTSStream) CloseInput(_ context.Context) error {
	return s.writeJSON(realtimeFrame{Type: "flush"})
}

func (s *realtimeTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *realtimeTTSStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *realtimeTTSStream) writeJSON(f realtimeFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(f)
}

func (s *realtimeTTSStream) readLoop() {
	defer close(s.events)
	defer s.Close()
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.BinaryMessage {
			s.events <- TTSEvent{Type: TTSEventAudio, Audio: data}
			continue
		}
		var f realtimeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Type {
		case "done":
			s.events <- TTSEvent{Type: TTSEventFinal}
		case "error":
			s.events <- TTSEvent{Type: TTSEventError, Code: f.Code, Detail: f.Detail, Retryable: reliability.IsRetryableSpeechCode(f.Code)}
		}
	}
}
