// Package control sends commands to devices and correlates their replies.
package control

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/carlink/internal/callback"
	"github.com/ent0n29/carlink/internal/correlator"
	"github.com/ent0n29/carlink/internal/devicestate"
	"github.com/ent0n29/carlink/internal/observability"
	"github.com/ent0n29/carlink/internal/registry"
)

const (
	DefaultAckTimeout      = 5 * time.Second
	DefaultLivenessTimeout = 1 * time.Second
)

var (
	ErrInvalidCommand = errors.New("invalid command")
	ErrDeviceOffline  = errors.New("device is not connected")
)

type Options struct {
	Registry        *registry.Registry
	Correlator      *correlator.Correlator
	Cache           *devicestate.Cache
	Notifier        callback.Notifier
	Metrics         *observability.Metrics
	Logger          zerolog.Logger
	AckTimeout      time.Duration
	LivenessTimeout time.Duration
}

// Dispatcher sends commands down device channels and waits for their acks.
type Dispatcher struct {
	registry        *registry.Registry
	correlator      *correlator.Correlator
	cache           *devicestate.Cache
	notifier        callback.Notifier
	metrics         *observability.Metrics
	log             zerolog.Logger
	ackTimeout      time.Duration
	livenessTimeout time.Duration
	now             func() time.Time
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = DefaultLivenessTimeout
	}
	if opts.Notifier == nil {
		opts.Notifier = callback.Nop{}
	}
	return &Dispatcher{
		registry:        opts.Registry,
		correlator:      opts.Correlator,
		cache:           opts.Cache,
		notifier:        opts.Notifier,
		metrics:         opts.Metrics,
		log:             opts.Logger,
		ackTimeout:      opts.AckTimeout,
		livenessTimeout: opts.LivenessTimeout,
		now:             time.Now,
	}
}

// SendAndAwait delivers cmd to deviceID and waits for the matching reply.
// It always returns one of the four outcomes and never blocks longer than
// the ack timeout plus the liveness timeout. Caller cancellation is ignored.
func (d *Dispatcher) SendAndAwait(ctx context.Context, deviceID string, cmd Command) Outcome {
	ctx = context.WithoutCancel(ctx)
	started := d.now()
	log := d.log.With().Str("device_id", deviceID).Str("kind", string(cmd.Kind)).Logger()

	out := Outcome{DeviceID: deviceID, Value: cmd.Value}
	finish := func(status Status) Outcome {
		out.Status = status
		d.metrics.ObserveDispatch(string(cmd.Kind), string(status), d.now().Sub(started))
		log.Info().
			Str("token", out.Token).
			Str("status", string(status)).
			Int("value", out.Value).
			Dur("elapsed", d.now().Sub(started)).
			Msg("dispatch finished")
		return out
	}

	conn, ok := d.registry.FindByDeviceID(deviceID)
	if !ok {
		d.reconcileOffline(ctx, deviceID)
		return finish(StatusDeviceOffline)
	}

	out.Token = cmd.token()
	pending, err := d.correlator.Register(deviceID, out.Token, cmd.Kind, cmd.Value)
	if err != nil {
		log.Error().Err(err).Msg("register pending reply")
		return finish(StatusDeviceUnreachable)
	}
	defer d.correlator.Clear(deviceID, out.Token)

	if err := conn.Send(ctx, cmd.message(out.Token, d.now())); err != nil {
		log.Warn().Err(err).Msg("send command")
		d.markOffline(ctx, deviceID)
		return finish(StatusDeviceUnreachable)
	}

	timer := time.NewTimer(d.ackTimeout)
	defer timer.Stop()

	select {
	case value := <-pending.Done():
		out.Value = value
		d.applyConfirmed(ctx, deviceID, cmd, value)
		return finish(StatusConfirmed)
	case <-timer.C:
	}

	if CheckLiveness(ctx, conn, d.livenessTimeout) {
		d.markOnline(ctx, deviceID)
		return finish(StatusSentUnconfirmed)
	}
	d.markOffline(ctx, deviceID)
	return finish(StatusDeviceUnreachable)
}

// Send delivers a message that carries no acknowledgement.
func (d *Dispatcher) Send(ctx context.Context, deviceID string, msg any) error {
	conn, ok := d.registry.FindByDeviceID(deviceID)
	if !ok {
		return ErrDeviceOffline
	}
	if err := conn.Send(ctx, msg); err != nil {
		return err
	}
	d.log.Debug().Str("device_id", deviceID).Msg("fire-and-forget command sent")
	return nil
}

// Broadcast sends msg to every connected device and returns the number reached.
func (d *Dispatcher) Broadcast(ctx context.Context, msg any) int {
	sent := 0
	for _, conn := range d.registry.All() {
		if err := conn.Send(ctx, msg); err != nil {
			d.log.Warn().Err(err).Str("device_id", conn.DeviceID).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	return sent
}

func (d *Dispatcher) applyConfirmed(ctx context.Context, deviceID string, cmd Command, value int) {
	if d.cache == nil {
		return
	}
	cameOnline := false
	_, err := d.cache.Update(ctx, deviceID, func(s *devicestate.State) {
		switch cmd.Kind {
		case correlator.KindVolume:
			s.Volume = &value
		case correlator.KindMicrophone:
			s.Microphone = &value
		}
		cameOnline = !s.Online || s.UpdatedAt == 0
		s.Online = true
	})
	if err != nil {
		d.log.Warn().Err(err).Str("device_id", deviceID).Msg("update device state after ack")
		return
	}
	if cameOnline {
		d.notifyOnline(ctx, deviceID, 1)
	}
}

// reconcileOffline flips a cached online flag for a device that has no
// connection. Devices the cache has never seen are left alone.
func (d *Dispatcher) reconcileOffline(ctx context.Context, deviceID string) {
	if d.cache == nil {
		return
	}
	st, found, err := d.cache.Get(ctx, deviceID)
	if err != nil || !found || !st.Online {
		return
	}
	if d.setOnline(ctx, deviceID, false) {
		d.notifyOnline(ctx, deviceID, 0)
	}
}

func (d *Dispatcher) markOffline(ctx context.Context, deviceID string) {
	if d.setOnline(ctx, deviceID, false) {
		d.notifyOnline(ctx, deviceID, 0)
	}
}

func (d *Dispatcher) markOnline(ctx context.Context, deviceID string) {
	if d.setOnline(ctx, deviceID, true) {
		d.notifyOnline(ctx, deviceID, 1)
	}
}

// setOnline records the flag and reports whether the device changed state.
// Without a cache there is nothing to compare against, so every outcome counts.
func (d *Dispatcher) setOnline(ctx context.Context, deviceID string, online bool) bool {
	if d.cache == nil {
		return true
	}
	changed, err := d.cache.SetOnline(ctx, deviceID, online)
	if err != nil {
		d.log.Warn().Err(err).Str("device_id", deviceID).Bool("online", online).Msg("update online flag")
		return false
	}
	return changed
}

func (d *Dispatcher) notifyOnline(ctx context.Context, deviceID string, status int) {
	if err := d.notifier.NotifyOnlineStatus(ctx, deviceID, status); err != nil {
		d.log.Warn().Err(err).Str("device_id", deviceID).Int("status", status).Msg("online status callback failed")
	}
}
