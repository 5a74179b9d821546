package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ent0n29/carlink/internal/callback"
	"github.com/ent0n29/carlink/internal/control"
	"github.com/ent0n29/carlink/internal/correlator"
	"github.com/ent0n29/carlink/internal/devicestate"
	"github.com/ent0n29/carlink/internal/group"
	"github.com/ent0n29/carlink/internal/protocol"
	"github.com/ent0n29/carlink/internal/registry"
	"github.com/ent0n29/carlink/internal/voice"
)

type utteranceRecorder struct {
	texts chan string
}

func (u *utteranceRecorder) HandleUtterance(_ context.Context, _ *registry.Connection, text string) bool {
	u.texts <- text
	return true
}

type testEnv struct {
	srv        *httptest.Server
	gw         *Gateway
	reg        *registry.Registry
	cache      *devicestate.Cache
	dispatcher *control.Dispatcher
	utterances *utteranceRecorder
}

func newTestEnv(t *testing.T, notifier callback.Notifier) *testEnv {
	t.Helper()
	env := &testEnv{
		reg:        registry.New(),
		cache:      devicestate.NewCache(devicestate.NewMemoryKV()),
		utterances: &utteranceRecorder{texts: make(chan string, 8)},
	}
	corr := correlator.New()
	env.dispatcher = control.NewDispatcher(control.Options{
		Registry:        env.reg,
		Correlator:      corr,
		Cache:           env.cache,
		Logger:          zerolog.Nop(),
		AckTimeout:      300 * time.Millisecond,
		LivenessTimeout: 300 * time.Millisecond,
	})
	env.gw = New(Options{
		Registry:   env.reg,
		Cache:      env.cache,
		Notifier:   notifier,
		Ingestor:   control.NewIngestor(corr, env.cache, nil, nil, zerolog.Nop()),
		Groups:     group.NewCoordinator(group.Options{Registry: env.reg, Logger: zerolog.Nop()}),
		Utterances: env.utterances,
		STT:        voice.NewMockProvider(),
		Logger:     zerolog.Nop(),
	})
	env.srv = httptest.NewServer(env.gw)
	t.Cleanup(env.srv.Close)
	return env
}

func (env *testEnv) dial(t *testing.T, deviceID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(env.srv.URL, "http")
	header := http.Header{}
	header.Set("device-id", deviceID)
	ws, _, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := env.reg.FindByDeviceID(deviceID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return ws
}

// device reads frames on behalf of a test client; reading also answers pings.
type device struct {
	ws     *websocket.Conn
	frames chan map[string]any
}

func startDevice(ws *websocket.Conn) *device {
	d := &device{ws: ws, frames: make(chan map[string]any, 64)}
	go func() {
		defer close(d.frames)
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				d.frames <- m
			}
		}
	}()
	return d
}

func (d *device) next(t *testing.T, msgType string) map[string]any {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-d.frames:
			require.True(t, ok, "socket closed waiting for %s", msgType)
			if m["type"] == msgType {
				return m
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s frame", msgType)
		}
	}
}

func TestRejectsMissingDeviceID(t *testing.T) {
	env := newTestEnv(t, nil)
	res, err := http.Get(env.srv.URL + "/")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestDeviceIDFromQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/device/ws?device_id=car-7", nil)
	assert.Equal(t, "car-7", DeviceID(r))
	r.Header.Set("device-id", "car-8")
	assert.Equal(t, "car-8", DeviceID(r))
}

func TestOnlineStatusFollowsConnection(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := callback.NewMockNotifier(ctrl)
	gomock.InOrder(
		notifier.EXPECT().NotifyOnlineStatus(gomock.Any(), "dev-1", 1).Return(nil),
		notifier.EXPECT().NotifyOnlineStatus(gomock.Any(), "dev-1", 0).Return(nil),
	)
	env := newTestEnv(t, notifier)

	ws := env.dial(t, "dev-1")
	st, found, err := env.cache.Get(context.Background(), "dev-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, st.Online)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return env.reg.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	env.gw.Wait()

	st, _, err = env.cache.Get(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.False(t, st.Online)
}

func TestCommandReplyRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	ws := env.dial(t, "dev-1")
	defer ws.Close()
	d := startDevice(ws)

	outcome := make(chan control.Outcome, 1)
	go func() {
		outcome <- env.dispatcher.SendAndAwait(context.Background(), "dev-1", control.VolumeSet(42))
	}()

	cmd := d.next(t, string(protocol.TypePeripheral))
	assert.Equal(t, protocol.ActionVolumeSet, cmd["action"])
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "reply", "content": "volume", "value": 42}))

	select {
	case out := <-outcome:
		assert.Equal(t, control.StatusConfirmed, out.Status)
		assert.Equal(t, 42, out.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not finish")
	}
	st, _, err := env.cache.Get(context.Background(), "dev-1")
	require.NoError(t, err)
	require.NotNil(t, st.Volume)
	assert.Equal(t, 42, *st.Volume)
}

func TestSilentDeviceAnswersPing(t *testing.T) {
	env := newTestEnv(t, nil)
	ws := env.dial(t, "dev-1")
	defer ws.Close()
	startDevice(ws)

	out := env.dispatcher.SendAndAwait(context.Background(), "dev-1", control.IoT(control.IoTLockDoor))
	assert.Equal(t, control.StatusSentUnconfirmed, out.Status)
}

func TestListenSessionProducesUtterance(t *testing.T) {
	env := newTestEnv(t, nil)
	ws := env.dial(t, "dev-1")
	defer ws.Close()
	d := startDevice(ws)

	require.NoError(t, ws.WriteJSON(protocol.Listen{Type: protocol.TypeListen, State: protocol.ListenStart}))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("打开")))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("后备箱")))
	require.NoError(t, ws.WriteJSON(protocol.Listen{Type: protocol.TypeListen, State: protocol.ListenStop}))

	stt := d.next(t, string(protocol.TypeSTT))
	assert.Equal(t, "打开后备箱", stt["text"])
	select {
	case text := <-env.utterances.texts:
		assert.Equal(t, "打开后备箱", text)
	case <-time.After(2 * time.Second):
		t.Fatal("utterance not handled")
	}
}

func TestHelloAndInvalidMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	ws := env.dial(t, "dev-1")
	defer ws.Close()
	d := startDevice(ws)

	require.NoError(t, ws.WriteJSON(protocol.Hello{Type: protocol.TypeHello, Version: 1}))
	hello := d.next(t, string(protocol.TypeHello))
	assert.Equal(t, "websocket", hello["transport"])
	assert.NotEmpty(t, hello["session_id"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	errEvent := d.next(t, string(protocol.TypeError))
	assert.Equal(t, "invalid_device_message", errEvent["code"])
}

func TestGroupMembersHearEachOther(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.dial(t, "dev-a")
	defer a.Close()
	b := env.dial(t, "dev-b")
	defer b.Close()

	var audio sync.WaitGroup
	audio.Add(1)
	go func() {
		defer audio.Done()
		for {
			kind, data, err := b.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage && string(data) == "hello" {
				return
			}
		}
	}()

	groups := env.gw.opts.Groups
	g, _, err := groups.Create(context.Background(), "dev-a", "车队", "")
	require.NoError(t, err)
	_, err = groups.Join(context.Background(), "dev-b", g.ID)
	require.NoError(t, err)

	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte("hello")))

	done := make(chan struct{})
	go func() { audio.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("group audio not relayed")
	}
}
