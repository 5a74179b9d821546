package control

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ent0n29/carlink/internal/correlator"
	"github.com/ent0n29/carlink/internal/protocol"
	"github.com/ent0n29/carlink/internal/registry/registrytest"
)

func TestIngestReplyRejectsMalformed(t *testing.T) {
	h := newHarness(t, time.Second, time.Second)
	ctx := context.Background()

	cases := map[string]protocol.Reply{
		"wrong type":      {Type: protocol.TypeStatus, Content: "volume", Value: json.RawMessage("1")},
		"missing content": {Type: protocol.TypeReply, Value: json.RawMessage("1")},
		"missing value":   {Type: protocol.TypeReply, Content: "volume"},
		"null value":      {Type: protocol.TypeReply, Content: "volume", Value: json.RawMessage("null")},
		"text volume":     {Type: protocol.TypeReply, Content: "volume", Value: json.RawMessage(`"loud"`)},
		"unknown content": {Type: protocol.TypeReply, Content: "brightness", Value: json.RawMessage("3")},
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			assert.False(t, h.ingestor.IngestReply(ctx, "dev-1", r))
		})
	}

	_, found, err := h.cache.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIngestReplyWithoutWaiterStillUpdatesCache(t *testing.T) {
	h := newHarness(t, time.Second, time.Second)
	h.notifier.EXPECT().NotifyVolume(gomock.Any(), "dev-1", 17).Return(nil)

	assert.True(t, h.ingestor.IngestReply(context.Background(), "dev-1", reply("volume", 17.9)))

	st, _, err := h.cache.Get(context.Background(), "dev-1")
	require.NoError(t, err)
	require.NotNil(t, st.Volume)
	assert.Equal(t, 17, *st.Volume)
}

func TestIngestReplyCallbackFailureIsNotPropagated(t *testing.T) {
	h := newHarness(t, time.Second, time.Second)
	h.notifier.EXPECT().NotifyVolume(gomock.Any(), "dev-1", 3).Return(errors.New("down"))

	assert.True(t, h.ingestor.IngestReply(context.Background(), "dev-1", reply("volume", 3)))
}

func TestIngestReplyOutOfRangeMicrophone(t *testing.T) {
	h := newHarness(t, time.Second, time.Second)
	p, err := h.correlator.Register("dev-1", "m", correlator.KindMicrophone, 1)
	require.NoError(t, err)
	h.notifier.EXPECT().NotifyMicrophone(gomock.Any(), "dev-1", 5).Return(nil)

	assert.True(t, h.ingestor.IngestReply(context.Background(), "dev-1", reply("microphone", 5)))

	assert.Len(t, p.Done(), 0, "out-of-range value must not resolve the waiter")
	st, _, err := h.cache.Get(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Nil(t, st.Microphone)
}

func TestIngestReplyUsesRequestIDWhenPresent(t *testing.T) {
	h := newHarness(t, time.Second, time.Second)
	first, _ := h.correlator.Register("dev-1", "a", correlator.KindVolume, 10)
	second, _ := h.correlator.Register("dev-1", "b", correlator.KindVolume, 20)
	h.notifier.EXPECT().NotifyVolume(gomock.Any(), "dev-1", 20).Return(nil)

	r := reply("volume", 20)
	r.RequestID = "b"
	require.True(t, h.ingestor.IngestReply(context.Background(), "dev-1", r))

	assert.Len(t, first.Done(), 0)
	assert.Equal(t, 20, <-second.Done())
}

func TestIngestReplyLateReplyAfterClearIsNoop(t *testing.T) {
	h := newHarness(t, time.Second, time.Second)
	_, _ = h.correlator.Register("dev-1", "a", correlator.KindVolume, 10)
	h.correlator.Clear("dev-1", "a")
	h.correlator.Clear("dev-1", "a")
	h.notifier.EXPECT().NotifyVolume(gomock.Any(), "dev-1", 10).Return(nil)

	assert.True(t, h.ingestor.IngestReply(context.Background(), "dev-1", reply("volume", 10)))
	assert.Equal(t, 0, h.correlator.Len())
}

func TestIngestReplyCountsResults(t *testing.T) {
	h := newHarness(t, time.Second, time.Second)
	replies := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "replies"}, []string{"content", "result"})
	h.ingestor = NewIngestor(h.correlator, h.cache, h.notifier, replies, zerolog.Nop())
	h.notifier.EXPECT().NotifyVolume(gomock.Any(), "dev-1", 1).Return(nil)

	h.ingestor.IngestReply(context.Background(), "dev-1", reply("volume", 1))
	h.ingestor.IngestReply(context.Background(), "dev-1", reply("x-custom", 1))

	assert.Equal(t, 1.0, testutil.ToFloat64(replies.WithLabelValues("volume", "unmatched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(replies.WithLabelValues("other", "unsupported")))
}

func TestIngestStatusAppliesWithoutCorrelation(t *testing.T) {
	h := newHarness(t, time.Second, time.Second)
	p, _ := h.correlator.Register("dev-1", "v", correlator.KindVolume, 50)
	h.notifier.EXPECT().NotifyVolume(gomock.Any(), "dev-1", 55).Return(nil)
	h.notifier.EXPECT().NotifyMicrophone(gomock.Any(), "dev-1", 0).Return(nil)

	ok := h.ingestor.IngestStatus(context.Background(), "dev-1", protocol.Status{
		Type:       protocol.TypeStatus,
		Volume:     json.RawMessage("55"),
		Microphone: json.RawMessage("0"),
	})
	require.True(t, ok)
	assert.Len(t, p.Done(), 0)

	st, _, err := h.cache.Get(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 55, *st.Volume)
	assert.Equal(t, 0, *st.Microphone)

	assert.False(t, h.ingestor.IngestStatus(context.Background(), "dev-1", protocol.Status{Type: protocol.TypeStatus}))
}

type panickyPinger struct{}

func (panickyPinger) Ping(context.Context) error { panic("socket gone") }

func TestCheckLiveness(t *testing.T) {
	conn, tr := registrytest.Connect("dev-1")

	assert.True(t, CheckLiveness(context.Background(), conn, 50*time.Millisecond))

	tr.SetUnresponsive(true)
	started := time.Now()
	assert.False(t, CheckLiveness(context.Background(), conn, 50*time.Millisecond))
	assert.Less(t, time.Since(started), time.Second)

	_ = tr.Close()
	assert.False(t, CheckLiveness(context.Background(), conn, 50*time.Millisecond))
	assert.False(t, CheckLiveness(context.Background(), panickyPinger{}, 50*time.Millisecond))
	assert.False(t, CheckLiveness(context.Background(), nil, 50*time.Millisecond))
}
