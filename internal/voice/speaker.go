package voice

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/carlink/internal/protocol"
)

// Channel is the device side a prompt is spoken on.
type Channel interface {
	Send(ctx context.Context, msg any) error
	SendAudio(ctx context.Context, frame []byte) error
}

// Speaker synthesises prompts and streams them to a device as tts frames.
type Speaker struct {
	tts          TTSProvider
	defaultVoice string
	timeout      time.Duration
	log          zerolog.Logger
}

func NewSpeaker(tts TTSProvider, defaultVoice string, log zerolog.Logger) *Speaker {
	return &Speaker{tts: tts, defaultVoice: strings.TrimSpace(defaultVoice), timeout: 15 * time.Second, log: log}
}

// Say speaks text on ch with voiceID, falling back to the default voice.
// Synthesis failures degrade to text-only frames; only channel errors are returned.
func (s *Speaker) Say(ctx context.Context, ch Channel, voiceID, text string) error {
	text = cleanSpeechText(text)
	if text == "" {
		return nil
	}
	if strings.TrimSpace(voiceID) == "" {
		voiceID = s.defaultVoice
	}

	if err := ch.Send(ctx, protocol.TTSMessage{Type: protocol.TypeTTS, State: protocol.TTSStart}); err != nil {
		return err
	}
	for _, sentence := range splitSentences(text) {
		if err := ch.Send(ctx, protocol.TTSMessage{Type: protocol.TypeTTS, State: protocol.TTSSentenceStart, Text: sentence}); err != nil {
			return err
		}
		if err := s.stream(ctx, ch, voiceID, sentence); err != nil {
			var chErr channelError
			if errors.As(err, &chErr) {
				return chErr.err
			}
			s.log.Warn().Err(err).Str("voice_id", voiceID).Msg("synthesis failed, sending text only")
		}
		if err := ch.Send(ctx, protocol.TTSMessage{Type: protocol.TypeTTS, State: protocol.TTSSentenceEnd, Text: sentence}); err != nil {
			return err
		}
	}
	return ch.Send(ctx, protocol.TTSMessage{Type: protocol.TypeTTS, State: protocol.TTSStop})
}

type channelError struct{ err error }

func (e channelError) Error() string { return e.err.Error() }

func (s *Speaker) stream(ctx context.Context, ch Channel, voiceID, sentence string) error {
	if s.tts == nil {
		return errors.New("no tts provider")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := s.tts.StartStream(ctx, voiceID)
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := stream.SendText(ctx, sentence); err != nil {
		return err
	}
	if err := stream.CloseInput(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				return nil
			}
			switch ev.Type {
			case TTSEventAudio:
				if len(ev.Audio) == 0 {
					continue
				}
				if err := ch.SendAudio(ctx, ev.Audio); err != nil {
					return channelError{err: err}
				}
			case TTSEventFinal:
				return nil
			case TTSEventError:
				return errors.New("tts " + ev.Code + ": " + ev.Detail)
			}
		}
	}
}
