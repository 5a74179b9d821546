package voice

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// NewFailoverProviderPair returns STT/TTS providers that start sessions on
// primary and switch both to fallback when primary startup fails. Fallback
// stays active until it fails itself, then primary is tried again.
func NewFailoverProviderPair(
	primarySTT STTProvider,
	primaryTTS TTSProvider,
	fallbackSTT STTProvider,
	fallbackTTS TTSProvider,
	fallbackVoiceID string,
	log zerolog.Logger,
) (STTProvider, TTSProvider) {
	state := &failoverState{log: log}
	return &failoverSTTProvider{state: state, primary: primarySTT, fallback: fallbackSTT},
		&failoverTTSProvider{
			state:           state,
			primary:         primaryTTS,
			fallback:        fallbackTTS,
			fallbackVoiceID: strings.TrimSpace(fallbackVoiceID),
		}
}

type failoverState struct {
	fallbackActive atomic.Bool
	log            zerolog.Logger
}

func (s *failoverState) activate(reason error) {
	if !s.fallbackActive.Swap(true) {
		s.log.Warn().Err(reason).Msg("speech provider switched to fallback")
	}
}

func (s *failoverState) deactivate() {
	if s.fallbackActive.Swap(false) {
		s.log.Info().Msg("speech provider back on primary")
	}
}

func (s *failoverState) active() bool {
	return s.fallbackActive.Load()
}

type failoverSTTProvider struct {
	state    *failoverState
	primary  STTProvider
	fallback STTProvider
}

func (p *failoverSTTProvider) StartSession(ctx context.Context, sessionID string) (STTSession, <-chan STTEvent, error) {
	if p.state.active() {
		session, events, fbErr := p.fallback.StartSession(ctx, sessionID)
		if fbErr == nil {
			return session, events, nil
		}
		session, events, prErr := p.primary.StartSession(ctx, sessionID)
		if prErr == nil {
			p.state.deactivate()
			return session, events, nil
		}
		return nil, nil, fmt.Errorf("stt fallback failed: %v; stt primary failed: %w", fbErr, prErr)
	}

	session, events, prErr := p.primary.StartSession(ctx, sessionID)
	if prErr == nil {
		return session, events, nil
	}
	session, events, fbErr := p.fallback.StartSession(ctx, sessionID)
	if fbErr != nil {
		return nil, nil, fmt.Errorf("stt primary failed: %v; stt fallback failed: %w", prErr, fbErr)
	}
	p.state.activate(prErr)
	return session, events, nil
}

type failoverTTSProvider struct {
	state           *failoverState
	primary         TTSProvider
	fallback        TTSProvider
	fallbackVoiceID string
}

func (p *failoverTTSProvider) StartStream(ctx context.Context, voiceID string) (TTSStream, error) {
	if p.state.active() {
		stream, fbErr := p.startFallback(ctx, voiceID)
		if fbErr == nil {
			return stream, nil
		}
		stream, prErr := p.primary.StartStream(ctx, voiceID)
		if prErr == nil {
			p.state.deactivate()
			return stream, nil
		}
		return nil, fmt.Errorf("tts fallback failed: %v; tts primary failed: %w", fbErr, prErr)
	}

	stream, prErr := p.primary.StartStream(ctx, voiceID)
	if prErr == nil {
		return stream, nil
	}
	stream, fbErr := p.startFallback(ctx, voiceID)
	if fbErr != nil {
		return nil, fmt.Errorf("tts primary failed: %v; tts fallback failed: %w", prErr, fbErr)
	}
	p.state.activate(prErr)
	return stream, nil
}

// Device voice profiles only exist on the primary backend.
func (p *failoverTTSProvider) startFallback(ctx context.Context, voiceID string) (TTSStream, error) {
	if p.fallbackVoiceID != "" {
		voiceID = p.fallbackVoiceID
	}
	return p.fallback.StartStream(ctx, voiceID)
}
