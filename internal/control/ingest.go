package control

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ent0n29/carlink/internal/callback"
	"github.com/ent0n29/carlink/internal/correlator"
	"github.com/ent0n29/carlink/internal/devicestate"
	"github.com/ent0n29/carlink/internal/protocol"
)

// Reply content categories.
const (
	ContentVolume     = "volume"
	ContentMicrophone = "microphone"
	ContentMic        = "mic"
	ContentIoT        = "iot"
)

// Ingestor applies device replies and status pushes: cache first, then
// correlation, then the status callback.
type Ingestor struct {
	correlator *correlator.Correlator
	cache      *devicestate.Cache
	notifier   callback.Notifier
	replies    *prometheus.CounterVec
	log        zerolog.Logger
}

// NewIngestor builds an Ingestor. replies may be nil; it is labelled by
// content and result.
func NewIngestor(c *correlator.Correlator, cache *devicestate.Cache, notifier callback.Notifier, replies *prometheus.CounterVec, log zerolog.Logger) *Ingestor {
	if notifier == nil {
		notifier = callback.Nop{}
	}
	return &Ingestor{correlator: c, cache: cache, notifier: notifier, replies: replies, log: log}
}

// IngestReply processes one reply frame and reports whether it was
// structurally valid. A missing waiter is not a failure.
func (i *Ingestor) IngestReply(ctx context.Context, deviceID string, reply protocol.Reply) bool {
	log := i.log.With().Str("device_id", deviceID).Str("content", reply.Content).Logger()

	if deviceID == "" || reply.Type != protocol.TypeReply || reply.Content == "" || protocol.IsNull(reply.Value) {
		log.Warn().Msg("malformed reply discarded")
		i.count(reply.Content, "malformed")
		return false
	}

	value, numeric := protocol.CoerceInt(reply.Value)
	switch reply.Content {
	case ContentVolume:
		if !numeric {
			log.Warn().RawJSON("value", reply.Value).Msg("non-numeric volume reply discarded")
			i.count(reply.Content, "malformed")
			return false
		}
		i.update(ctx, deviceID, func(s *devicestate.State) { s.Volume = &value })
		i.signal(deviceID, reply, value, log)
		i.report("volume", deviceID, i.notifier.NotifyVolume(ctx, deviceID, value))

	case ContentMicrophone, ContentMic:
		trusted := numeric && (value == 0 || value == 1)
		if trusted {
			i.update(ctx, deviceID, func(s *devicestate.State) { s.Microphone = &value })
			i.signal(deviceID, reply, value, log)
		} else {
			log.Warn().RawJSON("value", reply.Value).Msg("microphone value outside 0/1 not applied")
		}
		if numeric {
			i.report("microphone", deviceID, i.notifier.NotifyMicrophone(ctx, deviceID, value))
		}

	case ContentIoT:
		if !numeric {
			i.count(reply.Content, "malformed")
			return false
		}
		i.update(ctx, deviceID, func(*devicestate.State) {})
		i.signal(deviceID, reply, value, log)

	default:
		log.Warn().Msg("unsupported reply content")
		i.count(reply.Content, "unsupported")
		return false
	}
	return true
}

// IngestStatus applies an unsolicited status push. It never touches the correlator.
func (i *Ingestor) IngestStatus(ctx context.Context, deviceID string, status protocol.Status) bool {
	volume, hasVolume := protocol.CoerceInt(status.Volume)
	mic, hasMic := protocol.CoerceInt(status.Microphone)
	if hasMic && mic != 0 && mic != 1 {
		hasMic = false
	}
	if !hasVolume && !hasMic {
		i.count("status", "malformed")
		return false
	}

	i.update(ctx, deviceID, func(s *devicestate.State) {
		if hasVolume {
			s.Volume = &volume
		}
		if hasMic {
			s.Microphone = &mic
		}
	})
	if hasVolume {
		i.report("volume", deviceID, i.notifier.NotifyVolume(ctx, deviceID, volume))
	}
	if hasMic {
		i.report("microphone", deviceID, i.notifier.NotifyMicrophone(ctx, deviceID, mic))
	}
	i.count("status", "applied")
	return true
}

// signal resolves the waiter for reply: exactly by request id when the
// device echoed one, otherwise the oldest pending entry of the same kind.
func (i *Ingestor) signal(deviceID string, reply protocol.Reply, value int, log zerolog.Logger) {
	var matched bool
	if reply.RequestID != "" {
		matched = i.correlator.SignalToken(deviceID, reply.RequestID, value)
	} else {
		matched = i.correlator.Signal(deviceID, correlator.MatchContent(reply.Content), value)
	}
	if matched {
		i.count(reply.Content, "matched")
		log.Debug().Int("value", value).Msg("reply resolved pending command")
		return
	}
	i.count(reply.Content, "unmatched")
	log.Debug().Int("value", value).Msg("reply had no pending command")
}

func (i *Ingestor) update(ctx context.Context, deviceID string, fn func(*devicestate.State)) {
	if i.cache == nil {
		return
	}
	if _, err := i.cache.Update(ctx, deviceID, fn); err != nil {
		i.log.Warn().Err(err).Str("device_id", deviceID).Msg("update device state")
	}
}

func (i *Ingestor) count(content, result string) {
	if i.replies == nil {
		return
	}
	switch content {
	case ContentVolume, ContentMicrophone, ContentMic, ContentIoT, "status":
	case "":
		content = "none"
	default:
		content = "other"
	}
	i.replies.WithLabelValues(content, result).Inc()
}

func (i *Ingestor) report(kind, deviceID string, err error) {
	if err != nil {
		i.log.Warn().Err(err).Str("device_id", deviceID).Str("callback", kind).Msg("status callback failed")
	}
}
