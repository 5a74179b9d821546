package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/carlink/internal/assistant"
	"github.com/ent0n29/carlink/internal/callback"
	"github.com/ent0n29/carlink/internal/config"
	"github.com/ent0n29/carlink/internal/control"
	"github.com/ent0n29/carlink/internal/correlator"
	"github.com/ent0n29/carlink/internal/devicestate"
	"github.com/ent0n29/carlink/internal/gateway"
	"github.com/ent0n29/carlink/internal/group"
	"github.com/ent0n29/carlink/internal/httpapi"
	"github.com/ent0n29/carlink/internal/logging"
	"github.com/ent0n29/carlink/internal/observability"
	"github.com/ent0n29/carlink/internal/registry"
	"github.com/ent0n29/carlink/internal/voice"
)

type VoiceInfo struct {
	Provider       string
	Detail         string
	DefaultVoiceID string
}

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Registry   *registry.Registry
	Dispatcher *control.Dispatcher
	Groups     *group.Coordinator
	Gateway    *gateway.Gateway
	Metrics    *observability.Metrics
	Voice      VoiceInfo
	StateMode  string

	// Cleanup closes device connections, drains background work and
	// releases the device-state backend. Call it after the HTTP server stops.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	kv, stateMode, err := devicestate.NewKV(ctx, devicestate.Options{
		Backend:     cfg.DeviceStateBackend,
		NATSURL:     cfg.NATSURL,
		NATSBucket:  cfg.NATSBucket,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("device state init failed: %w", err)
	}
	cache := devicestate.NewCache(kv)

	voiceSetup, err := resolveVoiceProviders(cfg, logging.Component("voice"))
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	cfg.VoiceProvider = voiceSetup.resolvedProvider

	var next callback.Notifier = callback.Nop{}
	if cfg.StatusCallbackBaseURL != "" {
		next = callback.NewHTTPNotifier(callback.HTTPConfig{
			BaseURL: cfg.StatusCallbackBaseURL,
			Timeout: cfg.StatusCallbackTimeout,
			Retries: cfg.StatusCallbackRetries,
		})
	}
	notifier := callback.NewAsync(next, logging.Component("callback"), metrics.StatusCallbacks, 2*cfg.StatusCallbackTimeout)

	reg := registry.New()
	reg.SetChangeHook(func(count int) {
		metrics.ActiveConnections.Set(float64(count))
	})
	corr := correlator.New()
	corr.SetChangeHook(func(total int) {
		metrics.PendingReplies.Set(float64(total))
	})

	dispatcher := control.NewDispatcher(control.Options{
		Registry:        reg,
		Correlator:      corr,
		Cache:           cache,
		Notifier:        notifier,
		Metrics:         metrics,
		Logger:          logging.Component("dispatch"),
		AckTimeout:      cfg.CommandAckTimeout,
		LivenessTimeout: cfg.LivenessTimeout,
	})
	ingestor := control.NewIngestor(corr, cache, notifier, metrics.DeviceReplies, logging.Component("ingest"))

	speaker := voice.NewSpeaker(voiceSetup.ttsProvider, cfg.DefaultVoiceID, logging.Component("speaker"))

	store := group.NewStore(cfg.GroupIdleTimeout)
	groups := group.NewCoordinator(group.Options{
		Registry: reg,
		Store:    store,
		Speaker:  speaker,
		Events:   metrics.GroupEvents,
		Logger:   logging.Component("group"),
	})
	store.SetExpireHook(groups.OnExpire)

	asst := assistant.New(assistant.Options{
		Groups:     groups,
		Dispatcher: dispatcher,
		Speaker:    speaker,
		Logger:     logging.Component("assistant"),
	})

	gw := gateway.New(gateway.Options{
		Registry:       reg,
		Cache:          cache,
		Notifier:       notifier,
		Ingestor:       ingestor,
		Groups:         groups,
		Utterances:     asst,
		STT:            voiceSetup.sttProvider,
		Metrics:        metrics,
		Logger:         logging.Component("gateway"),
		ReadTimeout:    cfg.WSReadTimeout,
		WriteTimeout:   cfg.WSWriteTimeout,
		PingInterval:   cfg.WSPingInterval,
		OutboundSize:   cfg.WSOutboundSize,
		AllowAnyOrigin: cfg.AllowAnyOrigin,
		DefaultVoiceID: cfg.DefaultVoiceID,
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Registry:        reg,
		Cache:           cache,
		Dispatcher:      dispatcher,
		Ingestor:        ingestor,
		Notifier:        notifier,
		Groups:          groups,
		Utterances:      asst,
		Gateway:         gw,
		Metrics:         metrics,
		Logger:          logging.Component("httpapi"),
		DeviceStateMode: stateMode,
	})

	janitorCtx, stopJanitor := context.WithCancel(context.WithoutCancel(ctx))
	store.StartJanitor(janitorCtx, cfg.GroupJanitorInterval)

	log := logging.Component("app")
	cleanup := func() error {
		stopJanitor()
		closeConnections(reg, log)
		gw.Wait()
		groups.Wait()
		notifier.Wait()

		var errs []string
		if err := kv.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	log.Info().
		Str("device_state_mode", stateMode).
		Str("voice_provider", voiceSetup.resolvedProvider).
		Str("voice_detail", voiceSetup.detail).
		Dur("ack_timeout", cfg.CommandAckTimeout).
		Dur("liveness_timeout", cfg.LivenessTimeout).
		Msg("gateway assembled")

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Registry:   reg,
		Dispatcher: dispatcher,
		Groups:     groups,
		Gateway:    gw,
		Metrics:    metrics,
		Voice: VoiceInfo{
			Provider:       voiceSetup.resolvedProvider,
			Detail:         voiceSetup.detail,
			DefaultVoiceID: cfg.DefaultVoiceID,
		},
		StateMode: stateMode,
		Cleanup:   cleanup,
	}, nil
}

// closeConnections hangs up every device. http.Server.Shutdown does not
// track hijacked websocket connections.
func closeConnections(reg *registry.Registry, log zerolog.Logger) {
	conns := reg.All()
	for _, c := range conns {
		if err := c.Close(); err != nil {
			log.Debug().Err(err).Str("device_id", c.DeviceID).Msg("closing device connection")
		}
	}
	if len(conns) > 0 {
		log.Info().Int("connections", len(conns)).Msg("device connections closed")
	}
}
