package group

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/carlink/internal/protocol"
	"github.com/ent0n29/carlink/internal/registry"
	"github.com/ent0n29/carlink/internal/registry/registrytest"
	"github.com/ent0n29/carlink/internal/voice"
)

type spoken struct {
	device string
	voice  string
	text   string
}

type fakeSpeaker struct {
	mu    sync.Mutex
	lines []spoken
}

func (f *fakeSpeaker) Say(_ context.Context, ch voice.Channel, voiceID, text string) error {
	device := ""
	if conn, ok := ch.(*registry.Connection); ok {
		device = conn.DeviceID
	}
	f.mu.Lock()
	f.lines = append(f.lines, spoken{device: device, voice: voiceID, text: text})
	f.mu.Unlock()
	return nil
}

func (f *fakeSpeaker) to(device string) []spoken {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []spoken
	for _, l := range f.lines {
		if l.device == device {
			out = append(out, l)
		}
	}
	return out
}

func (f *fakeSpeaker) last(device string) string {
	lines := f.to(device)
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1].text
}

type harness struct {
	reg     *registry.Registry
	speaker *fakeSpeaker
	events  *prometheus.CounterVec
	coord   *Coordinator
	conns   map[string]*registry.Connection
	trs     map[string]*registrytest.Transport
}

func newHarness(t *testing.T, devices ...string) *harness {
	t.Helper()
	h := &harness{
		reg:     registry.New(),
		speaker: &fakeSpeaker{},
		events:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "group_events_total"}, []string{"event"}),
		conns:   map[string]*registry.Connection{},
		trs:     map[string]*registrytest.Transport{},
	}
	h.coord = NewCoordinator(Options{
		Registry: h.reg,
		Store:    NewStore(time.Minute),
		Speaker:  h.speaker,
		Events:   h.events,
		Logger:   zerolog.Nop(),
	})
	for _, id := range devices {
		h.connect(id)
	}
	return h
}

func (h *harness) connect(deviceID string) *registry.Connection {
	conn, tr := registrytest.Connect(deviceID)
	h.reg.Register(conn)
	h.conns[deviceID] = conn
	h.trs[deviceID] = tr
	return conn
}

func sentOf[T any](tr *registrytest.Transport) []T {
	var out []T
	for _, msg := range tr.Sent() {
		if m, ok := msg.(T); ok {
			out = append(out, m)
		}
	}
	return out
}

func candidateGroupIDs(tr *registrytest.Transport) []string {
	var out []string
	for _, m := range sentOf[protocol.TTSMessage](tr) {
		if m.State == protocol.TTSCandidateGroupID {
			out = append(out, m.Text)
		}
	}
	return out
}

func TestCreateWithoutOtherDevices(t *testing.T) {
	h := newHarness(t, "dev-a")

	_, invited, err := h.coord.Create(context.Background(), "dev-a", "车队", "")
	require.ErrorIs(t, err, ErrNoCandidateInvitees)
	assert.Zero(t, invited)
	assert.Zero(t, h.coord.Store().Count())
	assert.Empty(t, h.conns["dev-a"].GroupID())
	assert.Equal(t, promptNoCandidates, h.speaker.last("dev-a"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.events.WithLabelValues(EventNoCandidates)))
}

func TestCreateRequiresConnectedCreator(t *testing.T) {
	h := newHarness(t, "dev-b")

	_, _, err := h.coord.Create(context.Background(), "dev-a", "", "")
	assert.ErrorIs(t, err, ErrDeviceNotConnected)
}

func TestCreateInvitesEveryOtherDevice(t *testing.T) {
	h := newHarness(t, "dev-a", "dev-b", "dev-c", "dev-d")
	dup, _ := registrytest.Connect("dev-b")
	h.reg.Register(dup)
	h.conns["dev-a"].SetVoiceID("creator-voice")

	g, invited, err := h.coord.Create(context.Background(), "dev-a", "", "")
	require.NoError(t, err)

	assert.Equal(t, 3, invited)
	assert.Equal(t, DefaultName, g.Name)
	assert.Equal(t, []string{"dev-a"}, g.Members)
	assert.ElementsMatch(t, []string{"dev-b", "dev-c", "dev-d"}, g.Pending)

	for _, id := range []string{"dev-b", "dev-c", "dev-d"} {
		conv := h.conns[id].Conversation()
		assert.Equal(t, registry.ModeAwaitingJoinDecision, conv.Mode, id)
		assert.Equal(t, g.ID, conv.CandidateGroupID, id)

		invs := sentOf[protocol.GroupInvitation](h.trs[id])
		require.Len(t, invs, 1, id)
		assert.Equal(t, protocol.TypeGroupInvitation, invs[0].Type)
		assert.Equal(t, g.ID, invs[0].GroupID)
		assert.Equal(t, "dev-a", invs[0].Creator)
		assert.Equal(t, DefaultMessage, invs[0].Message)
		assert.NotZero(t, invs[0].Timestamp)

		lines := h.speaker.to(id)
		require.Len(t, lines, 1, id)
		assert.Equal(t, "creator-voice", lines[0].voice)
		assert.Equal(t, "您收到一个群聊邀请，群聊名称是默认群聊。请说同意或拒绝。", lines[0].text)
	}

	creator := h.conns["dev-a"].Conversation()
	assert.Equal(t, g.ID, creator.GroupID)
	assert.Equal(t, registry.ModeIdle, creator.Mode)
	assert.Equal(t, []string{g.ID}, candidateGroupIDs(h.trs["dev-a"]))
	assert.Equal(t, promptCreated(DefaultName, 3), h.speaker.last("dev-a"))
}

func TestInvitationFallsBackToInviteeVoice(t *testing.T) {
	h := newHarness(t, "dev-a", "dev-b")
	h.conns["dev-b"].SetVoiceID("own-voice")

	_, _, err := h.coord.Create(context.Background(), "dev-a", "车队", "")
	require.NoError(t, err)

	lines := h.speaker.to("dev-b")
	require.Len(t, lines, 1)
	assert.Equal(t, "own-voice", lines[0].voice)
}

func TestJoinDecisionByVoice(t *testing.T) {
	h := newHarness(t, "dev-a", "dev-b", "dev-c")
	ctx := context.Background()
	g, _, err := h.coord.Create(ctx, "dev-a", "车队", "")
	require.NoError(t, err)

	assert.True(t, h.coord.HandleUtterance(ctx, h.conns["dev-b"], "也许吧"))
	assert.Equal(t, registry.ModeAwaitingJoinDecision, h.conns["dev-b"].Mode())
	assert.Equal(t, promptInvitation("车队"), h.speaker.last("dev-b"))

	assert.True(t, h.coord.HandleUtterance(ctx, h.conns["dev-b"], "同意。"))
	assert.True(t, h.coord.HandleUtterance(ctx, h.conns["dev-c"], "拒绝"))

	got, err := h.coord.Get(g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-a", "dev-b"}, got.Members)
	assert.Empty(t, got.Pending)
	assert.Equal(t, []string{"dev-c"}, got.Declined)

	b := h.conns["dev-b"].Conversation()
	assert.Equal(t, registry.ModeIdle, b.Mode)
	assert.Equal(t, g.ID, b.GroupID)
	assert.Equal(t, []string{g.ID}, candidateGroupIDs(h.trs["dev-b"]))
	assert.Equal(t, promptJoined("车队"), h.speaker.last("dev-b"))

	c := h.conns["dev-c"].Conversation()
	assert.Equal(t, registry.ModeIdle, c.Mode)
	assert.Empty(t, c.GroupID)
	assert.Equal(t, []string{""}, candidateGroupIDs(h.trs["dev-c"]))
	assert.Equal(t, promptMemberDeclined("dev-c"), h.speaker.last("dev-a"))

	joined := sentOf[protocol.GroupEvent](h.trs["dev-a"])
	require.Len(t, joined, 1)
	assert.Equal(t, EventMemberJoined, joined[0].Event)
	assert.Equal(t, "dev-b", joined[0].DeviceID)
}

func TestJoinDecisionForVanishedGroup(t *testing.T) {
	h := newHarness(t, "dev-a", "dev-b")
	ctx := context.Background()
	g, _, err := h.coord.Create(ctx, "dev-a", "车队", "")
	require.NoError(t, err)

	_, err = h.coord.Store().End(g.ID)
	require.NoError(t, err)

	assert.True(t, h.coord.HandleUtterance(ctx, h.conns["dev-b"], "好的"))
	assert.Equal(t, registry.ModeIdle, h.conns["dev-b"].Mode())
	assert.Equal(t, promptInviteExpired, h.speaker.last("dev-b"))
}

func TestCreateDialogue(t *testing.T) {
	h := newHarness(t, "dev-a", "dev-b")
	ctx := context.Background()
	creator := h.conns["dev-a"]

	h.coord.BeginCreate(ctx, creator, "")
	assert.Equal(t, registry.ModeAwaitingGroupName, creator.Mode())
	assert.Equal(t, promptAskName, h.speaker.last("dev-a"))

	assert.True(t, h.coord.HandleUtterance(ctx, creator, "。"))
	assert.Equal(t, promptUnclearName, h.speaker.last("dev-a"))

	assert.True(t, h.coord.HandleUtterance(ctx, creator, "就叫车队吧"))
	conv := creator.Conversation()
	assert.Equal(t, registry.ModeAwaitingCreateConfirmation, conv.Mode)
	assert.Equal(t, "车队", conv.CandidateGroupName)

	assert.True(t, h.coord.HandleUtterance(ctx, creator, "嗯"))
	assert.Equal(t, registry.ModeAwaitingCreateConfirmation, creator.Mode())
	assert.Equal(t, promptConfirmCreate("车队"), h.speaker.last("dev-a"))

	assert.True(t, h.coord.HandleUtterance(ctx, creator, "确认"))
	h.coord.Wait()

	groups := h.coord.List()
	require.Len(t, groups, 1)
	assert.Equal(t, "车队", groups[0].Name)
	assert.Equal(t, []string{"dev-b"}, groups[0].Pending)
	assert.Equal(t, groups[0].ID, creator.GroupID())
}

func TestCreateDialogueCancelled(t *testing.T) {
	h := newHarness(t, "dev-a", "dev-b")
	ctx := context.Background()
	creator := h.conns["dev-a"]

	h.coord.BeginCreate(ctx, creator, "车队")
	assert.True(t, h.coord.HandleUtterance(ctx, creator, "放弃"))
	h.coord.Wait()

	assert.Equal(t, registry.ModeIdle, creator.Mode())
	assert.Zero(t, h.coord.Store().Count())
	assert.Equal(t, promptCreateCancelled("车队"), h.speaker.last("dev-a"))
}

func TestIdleUtteranceIsNotConsumed(t *testing.T) {
	h := newHarness(t, "dev-a")
	assert.False(t, h.coord.HandleUtterance(context.Background(), h.conns["dev-a"], "打开车窗"))
}

func joinedGroup(t *testing.T, h *harness) Group {
	t.Helper()
	ctx := context.Background()
	g, _, err := h.coord.Create(ctx, "dev-a", "车队", "")
	require.NoError(t, err)
	for _, conn := range h.conns {
		if conn.DeviceID == "dev-a" {
			continue
		}
		_, err := h.coord.Join(ctx, conn.DeviceID, g.ID)
		require.NoError(t, err)
	}
	return g
}

func TestMemberLeavesByVoice(t *testing.T) {
	h := newHarness(t, "dev-a", "dev-b", "dev-c")
	g := joinedGroup(t, h)
	ctx := context.Background()

	assert.True(t, h.coord.HandleUtterance(ctx, h.conns["dev-b"], "打开车窗"), "non-exit text inside a group is consumed")
	assert.Equal(t, g.ID, h.conns["dev-b"].GroupID())

	assert.True(t, h.coord.HandleUtterance(ctx, h.conns["dev-b"], "我要退出群聊"))
	assert.Empty(t, h.conns["dev-b"].GroupID())
	assert.Equal(t, promptLeft, h.speaker.last("dev-b"))

	got, err := h.coord.Get(g.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"dev-a", "dev-c"}, got.Members)
	assert.Equal(t, promptMemberLeft("dev-b"), h.speaker.last("dev-c"))
}

func TestMemberExitsByVoiceFromAnyDialogue(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T, h *harness) string
	}{
		{
			name: "awaiting join decision",
			setup: func(t *testing.T, h *harness) string {
				h.connect("dev-d")
				other, _, err := h.coord.Create(context.Background(), "dev-d", "二队", "")
				require.NoError(t, err)
				require.Equal(t, registry.ModeAwaitingJoinDecision, h.conns["dev-b"].Conversation().Mode)
				return other.ID
			},
		},
		{
			name: "awaiting group name",
			setup: func(t *testing.T, h *harness) string {
				h.coord.BeginCreate(context.Background(), h.conns["dev-b"], "")
				require.Equal(t, registry.ModeAwaitingGroupName, h.conns["dev-b"].Conversation().Mode)
				return ""
			},
		},
		{
			name: "awaiting create confirmation",
			setup: func(t *testing.T, h *harness) string {
				h.coord.BeginCreate(context.Background(), h.conns["dev-b"], "二队")
				require.Equal(t, registry.ModeAwaitingCreateConfirmation, h.conns["dev-b"].Conversation().Mode)
				return ""
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, "dev-a", "dev-b", "dev-c")
			g := joinedGroup(t, h)
			invitedTo := tc.setup(t, h)

			assert.True(t, h.coord.HandleUtterance(context.Background(), h.conns["dev-b"], "退出群聊"))

			conv := h.conns["dev-b"].Conversation()
			assert.Equal(t, registry.ModeIdle, conv.Mode)
			assert.Empty(t, conv.GroupID)
			assert.Empty(t, conv.CandidateGroupID)
			assert.Equal(t, promptLeft, h.speaker.last("dev-b"))

			got, err := h.coord.Get(g.ID)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"dev-a", "dev-c"}, got.Members)

			if invitedTo != "" {
				other, err := h.coord.Get(invitedTo)
				require.NoError(t, err)
				assert.NotContains(t, other.Pending, "dev-b")
				assert.NotContains(t, other.Members, "dev-b")
			}
		})
	}
}

func TestNegatedExitKeepsMembership(t *testing.T) {
	h := newHarness(t, "dev-a", "dev-b")
	g := joinedGroup(t, h)

	assert.True(t, h.coord.HandleUtterance(context.Background(), h.conns["dev-b"], "我不想离开"))
	assert.Equal(t, g.ID, h.conns["dev-b"].GroupID())
}

func TestCreatorLeavingEndsGroup(t *testing.T) {
	h := newHarness(t, "dev-a", "dev-b", "dev-c")
	g := joinedGroup(t, h)

	_, err := h.coord.Leave(context.Background(), "dev-a", "")
	require.NoError(t, err)

	_, err = h.coord.Get(g.ID)
	assert.ErrorIs(t, err, ErrGroupNotFound)
	for _, id := range []string{"dev-a", "dev-b", "dev-c"} {
		assert.Empty(t, h.conns[id].GroupID(), id)
	}
	for _, id := range []string{"dev-b", "dev-c"} {
		var ended bool
		for _, ev := range sentOf[protocol.GroupEvent](h.trs[id]) {
			ended = ended || ev.Event == EventEnded
		}
		assert.True(t, ended, id)
		assert.Equal(t, promptEnded("车队"), h.speaker.last(id))
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(h.events.WithLabelValues(EventEnded)))
}

func TestLeaveErrors(t *testing.T) {
	h := newHarness(t, "dev-a", "dev-b")
	ctx := context.Background()

	_, err := h.coord.Leave(ctx, "dev-b", "")
	assert.ErrorIs(t, err, ErrNotAMember)

	g, _, err := h.coord.Create(ctx, "dev-a", "车队", "")
	require.NoError(t, err)
	_, err = h.coord.Leave(ctx, "dev-b", g.ID)
	assert.ErrorIs(t, err, ErrNotAMember)
	_, err = h.coord.Leave(ctx, "dev-b", "missing")
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestJoinErrors(t *testing.T) {
	h := newHarness(t, "dev-a", "dev-b")
	ctx := context.Background()

	_, err := h.coord.Join(ctx, "dev-b", "missing")
	assert.ErrorIs(t, err, ErrGroupNotFound)
	_, err = h.coord.Join(ctx, "dev-z", "missing")
	assert.ErrorIs(t, err, ErrDeviceNotConnected)
	_, err = h.coord.Decline(ctx, "dev-b", "")
	assert.ErrorIs(t, err, ErrNoPendingInvitation)
}

func TestJoinMovesDeviceBetweenGroups(t *testing.T) {
	h := newHarness(t, "dev-a", "dev-b", "dev-c")
	ctx := context.Background()
	first := joinedGroup(t, h)

	second, _, err := h.coord.Create(ctx, "dev-c", "第二个", "")
	require.NoError(t, err)
	_, err = h.coord.Join(ctx, "dev-b", second.ID)
	require.NoError(t, err)

	got, err := h.coord.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-a"}, got.Members)
	assert.Equal(t, second.ID, h.conns["dev-b"].GroupID())
}

func TestRelayAudioReachesOtherMembers(t *testing.T) {
	h := newHarness(t, "dev-a", "dev-b", "dev-c", "dev-d")
	g, _, err := h.coord.Create(context.Background(), "dev-a", "车队", "")
	require.NoError(t, err)
	_, err = h.coord.Join(context.Background(), "dev-b", g.ID)
	require.NoError(t, err)

	n := h.coord.RelayAudio(context.Background(), h.conns["dev-a"], []byte{1, 2, 3})
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.trs["dev-b"].AudioFrames())
	assert.Zero(t, h.trs["dev-a"].AudioFrames())
	assert.Zero(t, h.trs["dev-c"].AudioFrames(), "pending invitees hear nothing")

	assert.Zero(t, h.coord.RelayAudio(context.Background(), h.conns["dev-d"], []byte{1}))
}

func TestBroadcastSkipsSender(t *testing.T) {
	h := newHarness(t, "dev-a", "dev-b", "dev-c")
	g := joinedGroup(t, h)

	n, err := h.coord.Broadcast(context.Background(), g.ID, "dev-a", "出发了")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "出发了", h.speaker.last("dev-b"))
	assert.NotEqual(t, "出发了", h.speaker.last("dev-a"))

	_, err = h.coord.Broadcast(context.Background(), "missing", "", "x")
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestDisconnectCleansUpMembershipAndInvitations(t *testing.T) {
	h := newHarness(t, "dev-a", "dev-b", "dev-c")
	ctx := context.Background()
	g, _, err := h.coord.Create(ctx, "dev-a", "车队", "")
	require.NoError(t, err)
	_, err = h.coord.Join(ctx, "dev-b", g.ID)
	require.NoError(t, err)

	h.reg.Remove(h.conns["dev-c"])
	h.coord.OnDisconnect(ctx, h.conns["dev-c"])
	got, _ := h.coord.Get(g.ID)
	assert.Empty(t, got.Pending)

	h.reg.Remove(h.conns["dev-b"])
	h.coord.OnDisconnect(ctx, h.conns["dev-b"])
	got, _ = h.coord.Get(g.ID)
	assert.Equal(t, []string{"dev-a"}, got.Members)
	assert.Empty(t, h.conns["dev-b"].GroupID())

	h.reg.Remove(h.conns["dev-a"])
	h.coord.OnDisconnect(ctx, h.conns["dev-a"])
	assert.Zero(t, h.coord.Store().Count())
}

func TestDisconnectKeepsStateWhileDeviceStillConnected(t *testing.T) {
	h := newHarness(t, "dev-a", "dev-b")
	g := joinedGroup(t, h)
	stale := h.conns["dev-b"]
	h.connect("dev-b")

	h.reg.Remove(stale)
	h.coord.OnDisconnect(context.Background(), stale)

	got, err := h.coord.Get(g.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Members, "dev-b")
}

func TestExpireHookReleasesDevices(t *testing.T) {
	h := newHarness(t, "dev-a", "dev-b")
	g, _, err := h.coord.Create(context.Background(), "dev-a", "车队", "")
	require.NoError(t, err)

	h.coord.OnExpire(g)

	assert.Empty(t, h.conns["dev-a"].GroupID())
	assert.Equal(t, registry.ModeIdle, h.conns["dev-b"].Mode())
}
