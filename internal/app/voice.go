package app

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/carlink/internal/config"
	"github.com/ent0n29/carlink/internal/voice"
)

type voiceSetup struct {
	sttProvider      voice.STTProvider
	ttsProvider      voice.TTSProvider
	resolvedProvider string
	detail           string
}

func resolveVoiceProviders(cfg config.Config, log zerolog.Logger) (voiceSetup, error) {
	voiceMode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if voiceMode == "" {
		voiceMode = "auto"
	}

	realtime := func() voiceSetup {
		p := voice.NewRealtimeProvider(voice.RealtimeConfig{
			WSBaseURL: cfg.VoiceWSURL,
			APIKey:    cfg.VoiceAPIKey,
			Language:  cfg.VoiceLanguage,
		})
		return voiceSetup{
			sttProvider:      p,
			ttsProvider:      p,
			resolvedProvider: "realtime",
			detail:           "realtime speech gateway",
		}
	}
	mock := func(detail string) voiceSetup {
		p := voice.NewMockProvider()
		return voiceSetup{
			sttProvider:      p,
			ttsProvider:      p,
			resolvedProvider: "mock",
			detail:           detail,
		}
	}

	switch voiceMode {
	case "mock":
		return mock("mock"), nil
	case "realtime":
		if strings.TrimSpace(cfg.VoiceWSURL) == "" {
			return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=realtime but VOICE_WS_URL is not set")
		}
		return realtime(), nil
	case "auto":
		if strings.TrimSpace(cfg.VoiceWSURL) == "" {
			return mock("mock (no VOICE_WS_URL)"), nil
		}
		primary := realtime()
		fallback := voice.NewMockProvider()
		stt, tts := voice.NewFailoverProviderPair(
			primary.sttProvider,
			primary.ttsProvider,
			fallback,
			fallback,
			cfg.DefaultVoiceID,
			log,
		)
		return voiceSetup{
			sttProvider:      stt,
			ttsProvider:      tts,
			resolvedProvider: "realtime",
			detail:           "realtime speech gateway (automatic mock fallback)",
		}, nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|mock|realtime)", cfg.VoiceProvider)
	}
}
