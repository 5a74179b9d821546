package callback

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Async delivers notifications off the caller's goroutine so callers never
// wait on the system of record. Calls for one device are delivered in the
// order they were made; different devices proceed independently. Failures
// are logged and counted, never returned.
type Async struct {
	next    Notifier
	log     zerolog.Logger
	results *prometheus.CounterVec
	timeout time.Duration
	wg      sync.WaitGroup

	mu     sync.Mutex
	queues map[string][]asyncCall
}

type asyncCall struct {
	ctx   context.Context
	kind  string
	value int
	fn    func(context.Context, string, int) error
}

// NewAsync wraps next. results may be nil; it is labelled by kind and result.
func NewAsync(next Notifier, log zerolog.Logger, results *prometheus.CounterVec, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Async{next: next, log: log, results: results, timeout: timeout, queues: make(map[string][]asyncCall)}
}

func (a *Async) NotifyOnlineStatus(ctx context.Context, deviceID string, status int) error {
	a.enqueue(ctx, "online_status", deviceID, status, a.next.NotifyOnlineStatus)
	return nil
}

func (a *Async) NotifyVolume(ctx context.Context, deviceID string, volume int) error {
	a.enqueue(ctx, "volume", deviceID, volume, a.next.NotifyVolume)
	return nil
}

func (a *Async) NotifyMicrophone(ctx context.Context, deviceID string, microphone int) error {
	a.enqueue(ctx, "microphone", deviceID, microphone, a.next.NotifyMicrophone)
	return nil
}

// Wait blocks until all queued notifications finish.
func (a *Async) Wait() {
	a.wg.Wait()
}

func (a *Async) enqueue(ctx context.Context, kind, deviceID string, value int, fn func(context.Context, string, int) error) {
	// Detach from the caller: the triggering request may already be answered.
	call := asyncCall{ctx: context.WithoutCancel(ctx), kind: kind, value: value, fn: fn}

	a.mu.Lock()
	defer a.mu.Unlock()
	q, running := a.queues[deviceID]
	a.queues[deviceID] = append(q, call)
	if !running {
		a.wg.Add(1)
		go a.drain(deviceID)
	}
}

// drain delivers deviceID's queue one call at a time and exits once it is empty.
func (a *Async) drain(deviceID string) {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		q := a.queues[deviceID]
		if len(q) == 0 {
			delete(a.queues, deviceID)
			a.mu.Unlock()
			return
		}
		call := q[0]
		a.queues[deviceID] = q[1:]
		a.mu.Unlock()

		a.deliver(deviceID, call)
	}
}

func (a *Async) deliver(deviceID string, call asyncCall) {
	ctx, cancel := context.WithTimeout(call.ctx, a.timeout)
	defer cancel()
	err := call.fn(ctx, deviceID, call.value)
	result := "ok"
	if err != nil {
		result = "error"
		a.log.Warn().Err(err).
			Str("kind", call.kind).
			Str("device_id", deviceID).
			Int("value", call.value).
			Msg("status callback failed")
	} else {
		a.log.Debug().Str("kind", call.kind).Str("device_id", deviceID).Int("value", call.value).Msg("status callback delivered")
	}
	if a.results != nil {
		a.results.WithLabelValues(call.kind, result).Inc()
	}
}
