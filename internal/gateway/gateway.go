// Package gateway terminates device websockets and feeds their traffic into
// the control, group and speech components.
package gateway

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/carlink/internal/callback"
	"github.com/ent0n29/carlink/internal/control"
	"github.com/ent0n29/carlink/internal/devicestate"
	"github.com/ent0n29/carlink/internal/group"
	"github.com/ent0n29/carlink/internal/observability"
	"github.com/ent0n29/carlink/internal/protocol"
	"github.com/ent0n29/carlink/internal/registry"
	"github.com/ent0n29/carlink/internal/voice"
)

// UtteranceHandler acts on recognised speech.
type UtteranceHandler interface {
	HandleUtterance(ctx context.Context, conn *registry.Connection, text string) bool
}

type Options struct {
	Registry   *registry.Registry
	Cache      *devicestate.Cache
	Notifier   callback.Notifier
	Ingestor   *control.Ingestor
	Groups     *group.Coordinator
	Utterances UtteranceHandler
	STT        voice.STTProvider
	Metrics    *observability.Metrics
	Logger     zerolog.Logger

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	OutboundSize   int
	AllowAnyOrigin bool
	DefaultVoiceID string
}

type Gateway struct {
	opts     Options
	log      zerolog.Logger
	upgrader websocket.Upgrader
	wg       sync.WaitGroup
}

func New(opts Options) *Gateway {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 120 * time.Second
	}
	if opts.Notifier == nil {
		opts.Notifier = callback.Nop{}
	}
	g := &Gateway{opts: opts, log: opts.Logger}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if opts.AllowAnyOrigin {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				// Car firmware does not send Origin.
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return false
			}
			return strings.EqualFold(u.Host, r.Host)
		},
	}
	return g
}

// Wait blocks until every connection handler has finished its cleanup.
func (g *Gateway) Wait() {
	g.wg.Wait()
}

// DeviceID extracts the device identity from the device-id header or the
// device_id query parameter.
func DeviceID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("device-id")); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("device_id"))
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ServeHTTP upgrades a device connection and runs it until the socket closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := DeviceID(r)
	if deviceID == "" {
		http.Error(w, `{"error":"device-id header or device_id query parameter is required","code":"missing_device_id"}`, http.StatusBadRequest)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.wg.Add(1)
	defer g.wg.Done()

	transport := newWSTransport(ws, g.opts.OutboundSize, g.opts.WriteTimeout, g.opts.Metrics)
	conn := registry.NewConnection(deviceID, clientIP(r), transport)
	voiceID := strings.TrimSpace(r.URL.Query().Get("voice_id"))
	if voiceID == "" {
		voiceID = g.opts.DefaultVoiceID
	}
	conn.SetVoiceID(voiceID)

	s := &deviceSession{
		gw:        g,
		conn:      conn,
		transport: transport,
		log:       g.log.With().Str("device_id", deviceID).Str("conn_id", conn.ID).Logger(),
		tasks:     make(chan func(context.Context), 32),
	}
	s.run(r.Context(), ws)
}

// deviceSession is the server side of one device websocket.
type deviceSession struct {
	gw        *Gateway
	conn      *registry.Connection
	transport *wsTransport
	log       zerolog.Logger

	tasksMu     sync.Mutex
	tasks       chan func(context.Context)
	tasksClosed bool

	sttMu     sync.Mutex
	stt       voice.STTSession
	sttCancel context.CancelFunc
}

func (s *deviceSession) run(parent context.Context, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.transport.writePump(s.gw.opts.PingInterval)
		_ = ws.Close()
	}()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for task := range s.tasks {
			task(ctx)
		}
	}()

	s.connected(ctx)

	readTimeout := s.gw.opts.ReadTimeout
	ws.SetReadLimit(2 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(payload string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		s.conn.Touch()
		s.transport.handlePong(payload)
		return nil
	})

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("device socket closed")
			}
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		s.conn.Touch()
		switch kind {
		case websocket.BinaryMessage:
			s.handleAudio(ctx, data)
		case websocket.TextMessage:
			s.handleText(ctx, data)
		}
	}

	s.gw.opts.Registry.Remove(s.conn)
	_ = s.transport.Close()
	<-writerDone
	s.stopSTT()
	s.tasksMu.Lock()
	s.tasksClosed = true
	close(s.tasks)
	s.tasksMu.Unlock()
	<-workerDone
	s.disconnected(ctx)
}

func (s *deviceSession) connected(ctx context.Context) {
	gw := s.gw
	gw.opts.Registry.Register(s.conn)
	s.log.Info().Str("client_ip", s.conn.ClientIP).Msg("device connected")
	if gw.opts.Cache == nil {
		return
	}
	changed, err := gw.opts.Cache.SetOnline(ctx, s.conn.DeviceID, true)
	if err != nil {
		s.log.Warn().Err(err).Msg("device state not updated")
		return
	}
	if changed {
		if err := gw.opts.Notifier.NotifyOnlineStatus(ctx, s.conn.DeviceID, 1); err != nil {
			s.log.Warn().Err(err).Msg("online status callback failed")
		}
	}
}

func (s *deviceSession) disconnected(ctx context.Context) {
	gw := s.gw
	s.log.Info().Msg("device disconnected")

	if gw.opts.Groups != nil {
		gw.opts.Groups.OnDisconnect(ctx, s.conn)
	}
	if _, still := gw.opts.Registry.FindByDeviceID(s.conn.DeviceID); still || gw.opts.Cache == nil {
		return
	}
	changed, err := gw.opts.Cache.SetOnline(ctx, s.conn.DeviceID, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("device state not updated")
		return
	}
	if changed {
		if err := gw.opts.Notifier.NotifyOnlineStatus(ctx, s.conn.DeviceID, 0); err != nil {
			s.log.Warn().Err(err).Msg("online status callback failed")
		}
	}
}

func (s *deviceSession) handleText(ctx context.Context, data []byte) {
	msg, err := protocol.ParseDeviceMessage(data)
	if err != nil {
		s.log.Debug().Err(err).Msg("invalid device message")
		_ = s.conn.Send(ctx, protocol.ErrorEvent{
			Type:   protocol.TypeError,
			Code:   "invalid_device_message",
			Source: "gateway",
			Detail: err.Error(),
		})
		return
	}
	if mt, ok := protocol.MessageTypeOf(msg); ok && s.gw.opts.Metrics != nil {
		s.gw.opts.Metrics.WSMessages.WithLabelValues("inbound", string(mt)).Inc()
	}

	switch m := msg.(type) {
	case protocol.Hello:
		_ = s.conn.Send(ctx, protocol.Hello{
			Type:      protocol.TypeHello,
			Version:   m.Version,
			Transport: "websocket",
			SessionID: s.conn.ID,
			AudioParams: &protocol.AudioParams{
				Format:        "opus",
				SampleRate:    16000,
				Channels:      1,
				FrameDuration: 60,
			},
		})
	case protocol.Listen:
		s.handleListen(ctx, m)
	case protocol.Abort:
		s.log.Debug().Str("reason", m.Reason).Msg("device aborted")
		s.stopSTT()
	case protocol.Reply:
		// Replies stay on the reader goroutine so they are applied in arrival order.
		if s.gw.opts.Ingestor != nil {
			s.gw.opts.Ingestor.IngestReply(ctx, s.conn.DeviceID, m)
		}
	case protocol.Status:
		if s.gw.opts.Ingestor != nil {
			s.gw.opts.Ingestor.IngestStatus(ctx, s.conn.DeviceID, m)
		}
	case protocol.GroupAction:
		s.enqueue(func(ctx context.Context) { s.handleGroupAction(ctx, m) })
	}
}

func (s *deviceSession) handleListen(ctx context.Context, m protocol.Listen) {
	switch m.State {
	case protocol.ListenStart:
		s.startSTT(ctx)
	case protocol.ListenStop:
		s.commitSTT(ctx)
	case protocol.ListenDetect:
		if text := strings.TrimSpace(m.Text); text != "" {
			s.utterance(text)
		}
	}
}

func (s *deviceSession) handleGroupAction(ctx context.Context, m protocol.GroupAction) {
	groups := s.gw.opts.Groups
	if groups == nil {
		return
	}
	var err error
	switch m.Action {
	case protocol.GroupActionAgree:
		groupID := m.GroupID
		if groupID == "" {
			groupID = s.conn.Conversation().CandidateGroupID
		}
		_, err = groups.Join(ctx, s.conn.DeviceID, groupID)
	case protocol.GroupActionRefuse:
		_, err = groups.Decline(ctx, s.conn.DeviceID, m.GroupID)
	case protocol.GroupActionExit:
		_, err = groups.Leave(ctx, s.conn.DeviceID, m.GroupID)
	default:
		s.log.Debug().Str("action", m.Action).Msg("unknown group action")
		return
	}
	if err != nil {
		s.log.Info().Err(err).Str("action", m.Action).Msg("group action rejected")
	}
}

func (s *deviceSession) handleAudio(ctx context.Context, frame []byte) {
	if s.conn.GroupID() != "" && s.gw.opts.Groups != nil {
		s.gw.opts.Groups.RelayAudio(ctx, s.conn, frame)
		return
	}
	s.sttMu.Lock()
	session := s.stt
	s.sttMu.Unlock()
	if session == nil {
		return
	}
	if err := session.SendAudio(ctx, frame); err != nil {
		s.log.Debug().Err(err).Msg("audio frame not forwarded to stt")
	}
}

func (s *deviceSession) startSTT(ctx context.Context) {
	if s.gw.opts.STT == nil {
		return
	}
	s.sttMu.Lock()
	defer s.sttMu.Unlock()
	if s.stt != nil {
		return
	}
	sttCtx, cancel := context.WithCancel(ctx)
	session, events, err := s.gw.opts.STT.StartSession(sttCtx, s.conn.ID)
	if err != nil {
		cancel()
		s.log.Warn().Err(err).Msg("stt session not started")
		_ = s.conn.Send(ctx, protocol.ErrorEvent{Type: protocol.TypeError, Code: "stt_unavailable", Source: "stt", Retryable: true, Detail: err.Error()})
		return
	}
	s.stt, s.sttCancel = session, cancel
	go s.consumeSTT(sttCtx, events)
}

func (s *deviceSession) commitSTT(ctx context.Context) {
	s.sttMu.Lock()
	session := s.stt
	s.sttMu.Unlock()
	if session == nil {
		return
	}
	if err := session.Commit(ctx); err != nil {
		s.log.Debug().Err(err).Msg("stt commit failed")
	}
}

func (s *deviceSession) stopSTT() {
	s.sttMu.Lock()
	session, cancel := s.stt, s.sttCancel
	s.stt, s.sttCancel = nil, nil
	s.sttMu.Unlock()
	if session != nil {
		_ = session.Close()
	}
	if cancel != nil {
		cancel()
	}
}

func (s *deviceSession) consumeSTT(ctx context.Context, events <-chan voice.STTEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.sttMu.Lock()
				s.stt, s.sttCancel = nil, nil
				s.sttMu.Unlock()
				return
			}
			switch ev.Type {
			case voice.STTEventCommitted:
				text := strings.TrimSpace(ev.Text)
				if text == "" {
					continue
				}
				_ = s.conn.Send(ctx, protocol.STTMessage{Type: protocol.TypeSTT, Text: text, SessionID: s.conn.ID})
				s.utterance(text)
			case voice.STTEventError:
				s.log.Warn().Str("code", ev.Code).Str("detail", ev.Detail).Msg("stt error")
				_ = s.conn.Send(ctx, protocol.ErrorEvent{Type: protocol.TypeError, Code: ev.Code, Source: "stt", Retryable: ev.Retryable, Detail: ev.Detail})
			}
		}
	}
}

func (s *deviceSession) utterance(text string) {
	handler := s.gw.opts.Utterances
	if handler == nil {
		return
	}
	s.enqueue(func(ctx context.Context) {
		if !handler.HandleUtterance(ctx, s.conn, text) {
			s.log.Debug().Str("text", text).Msg("utterance not handled")
		}
	})
}

// enqueue hands work to the session worker so slow commands never stall the
// reader. Work arriving after the session closed is dropped.
func (s *deviceSession) enqueue(task func(context.Context)) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	if s.tasksClosed {
		return
	}
	select {
	case s.tasks <- task:
	default:
		s.log.Warn().Msg("session worker saturated, dropping task")
	}
}
