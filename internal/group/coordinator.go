package group

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ent0n29/carlink/internal/protocol"
	"github.com/ent0n29/carlink/internal/registry"
	"github.com/ent0n29/carlink/internal/voice"
)

// Group event names sent to devices and counted in metrics.
const (
	EventCreated      = "created"
	EventInvited      = "invited"
	EventMemberJoined = "member_joined"
	EventDeclined     = "declined"
	EventMemberLeft   = "member_left"
	EventEnded        = "group_ended"
	EventNoCandidates = "no_candidates"
)

// Speaker speaks a prompt on a device channel.
type Speaker interface {
	Say(ctx context.Context, ch voice.Channel, voiceID, text string) error
}

type Options struct {
	Registry *registry.Registry
	Store    *Store
	Speaker  Speaker
	// Events counts group events by name; optional.
	Events *prometheus.CounterVec
	Logger zerolog.Logger
}

// Coordinator drives the per-connection group dialogue and owns every
// membership change.
type Coordinator struct {
	registry *registry.Registry
	store    *Store
	speaker  Speaker
	events   *prometheus.CounterVec
	log      zerolog.Logger

	wg sync.WaitGroup
}

func NewCoordinator(opts Options) *Coordinator {
	store := opts.Store
	if store == nil {
		store = NewStore(0)
	}
	return &Coordinator{
		registry: opts.Registry,
		store:    store,
		speaker:  opts.Speaker,
		events:   opts.Events,
		log:      opts.Logger,
	}
}

func (c *Coordinator) Store() *Store { return c.store }

// BeginCreate starts the voice creation dialogue on conn. With a name the
// device is asked to confirm; without one it is asked for a name.
func (c *Coordinator) BeginCreate(ctx context.Context, conn *registry.Connection, name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		conn.Update(func(cv *registry.Conversation) {
			cv.Mode = registry.ModeAwaitingGroupName
			cv.CandidateGroupName = ""
		})
		c.say(ctx, conn, "", promptAskName)
		return
	}
	conn.Update(func(cv *registry.Conversation) {
		cv.Mode = registry.ModeAwaitingCreateConfirmation
		cv.CandidateGroupName = name
	})
	c.say(ctx, conn, "", promptConfirmCreate(name))
}

// HandleUtterance consumes text when conn is mid-dialogue or inside a group.
// It reports false when the text should be handled elsewhere.
func (c *Coordinator) HandleUtterance(ctx context.Context, conn *registry.Connection, text string) bool {
	conv := conn.Conversation()
	// A member can always exit, whatever dialogue is in progress.
	if conv.GroupID != "" && ExitRequested(text) {
		c.exitByVoice(ctx, conn, conv)
		return true
	}
	switch conv.Mode {
	case registry.ModeAwaitingGroupName:
		c.handleGroupName(ctx, conn, text)
		return true
	case registry.ModeAwaitingCreateConfirmation:
		if conv.CandidateGroupName == "" {
			c.handleGroupName(ctx, conn, text)
			return true
		}
		c.handleCreateConfirmation(ctx, conn, conv, text)
		return true
	case registry.ModeAwaitingJoinDecision:
		c.handleJoinDecision(ctx, conn, conv, text)
		return true
	}

	// Inside a group speech is relayed as audio; text only matters for exiting.
	return conv.GroupID != ""
}

// exitByVoice drops any open dialogue and outstanding invitation, then
// leaves the current group.
func (c *Coordinator) exitByVoice(ctx context.Context, conn *registry.Connection, conv registry.Conversation) {
	if conv.Mode == registry.ModeAwaitingJoinDecision {
		c.dropInvitation(conn.DeviceID, conv.CandidateGroupID)
	}
	conn.ResetConversation()
	if _, err := c.Leave(ctx, conn.DeviceID, conv.GroupID); err != nil {
		c.log.Warn().Err(err).Str("device_id", conn.DeviceID).Msg("voice exit from group failed")
		clearGroup(conn, conv.GroupID)
	}
}

func (c *Coordinator) dropInvitation(deviceID, groupID string) {
	if groupID == "" {
		return
	}
	_, _ = c.store.Update(groupID, func(g *Group) error {
		if !g.IsPending(deviceID) {
			return ErrNoPendingInvitation
		}
		g.drop(deviceID)
		return nil
	})
}

func (c *Coordinator) handleGroupName(ctx context.Context, conn *registry.Connection, text string) {
	name := extractGroupName(text)
	if name == "" {
		c.say(ctx, conn, "", promptUnclearName)
		return
	}
	c.BeginCreate(ctx, conn, name)
}

func (c *Coordinator) handleCreateConfirmation(ctx context.Context, conn *registry.Connection, conv registry.Conversation, text string) {
	switch {
	case matchesWord(text, cancelWords):
		conn.ResetConversation()
		c.say(ctx, conn, "", promptCreateCancelled(conv.CandidateGroupName))
	case matchesWord(text, confirmWords):
		conn.ResetConversation()
		c.CreateAsync(ctx, conn.DeviceID, conv.CandidateGroupName, "")
	default:
		c.say(ctx, conn, "", promptConfirmCreate(conv.CandidateGroupName))
	}
}

func (c *Coordinator) handleJoinDecision(ctx context.Context, conn *registry.Connection, conv registry.Conversation, text string) {
	var err error
	switch {
	case matchesWord(text, refuseWords):
		_, err = c.Decline(ctx, conn.DeviceID, conv.CandidateGroupID)
	case matchesWord(text, agreeWords):
		_, err = c.Join(ctx, conn.DeviceID, conv.CandidateGroupID)
	default:
		c.say(ctx, conn, "", promptInvitation(conv.CandidateGroupName))
		return
	}
	if errors.Is(err, ErrGroupNotFound) || errors.Is(err, ErrNoPendingInvitation) {
		conn.ResetConversation()
		c.say(ctx, conn, "", promptInviteExpired)
		return
	}
	if err != nil {
		c.log.Warn().Err(err).Str("device_id", conn.DeviceID).Msg("invitation reply failed")
	}
}

// Create opens a group owned by creatorID and invites every other connected
// device. It returns the group and the number of invitations delivered.
func (c *Coordinator) Create(ctx context.Context, creatorID, name, message string) (Group, int, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = DefaultMessage
	}

	creator, ok := c.registry.FindByDeviceID(creatorID)
	if !ok {
		return Group{}, 0, ErrDeviceNotConnected
	}
	candidates := c.candidates(creatorID)
	if len(candidates) == 0 {
		c.count(EventNoCandidates, 1)
		c.say(ctx, creator, "", promptNoCandidates)
		return Group{}, 0, ErrNoCandidateInvitees
	}

	if prev := creator.GroupID(); prev != "" {
		if _, err := c.leave(ctx, creatorID, prev, false); err != nil && !errors.Is(err, ErrGroupNotFound) {
			c.log.Debug().Err(err).Str("group_id", prev).Msg("leaving previous group")
		}
	}

	g := c.store.Create(name, creatorID)
	creator.Update(func(cv *registry.Conversation) {
		cv.Mode = registry.ModeIdle
		cv.CandidateGroupID = ""
		cv.CandidateGroupName = ""
		cv.GroupID = g.ID
	})
	c.count(EventCreated, 1)
	c.log.Info().Str("group_id", g.ID).Str("group_name", name).Str("creator", creatorID).Int("candidates", len(candidates)).Msg("group created")

	creatorVoice := creator.VoiceID()
	invited := 0
	for _, cand := range candidates {
		inv := protocol.GroupInvitation{
			Type:      protocol.TypeGroupInvitation,
			GroupID:   g.ID,
			GroupName: name,
			Creator:   creatorID,
			Message:   message,
			Timestamp: time.Now().UnixMilli(),
		}
		if err := cand.Send(ctx, inv); err != nil {
			c.log.Warn().Err(err).Str("group_id", g.ID).Str("device_id", cand.DeviceID).Msg("invitation not delivered")
			continue
		}
		if _, err := c.store.Update(g.ID, func(g *Group) error {
			g.moveTo(cand.DeviceID, &g.Pending)
			return nil
		}); err != nil {
			return Group{}, invited, err
		}
		cand.Update(func(cv *registry.Conversation) {
			cv.Mode = registry.ModeAwaitingJoinDecision
			cv.CandidateGroupID = g.ID
			cv.CandidateGroupName = name
		})

		voiceID := creatorVoice
		if voiceID == "" {
			voiceID = cand.VoiceID()
		}
		c.say(ctx, cand, voiceID, promptInvitation(name))
		invited++
	}
	c.count(EventInvited, invited)

	c.sendCandidateGroupID(ctx, creator, g.ID)
	c.say(ctx, creator, "", promptCreated(name, invited))

	latest, err := c.store.Get(g.ID)
	if err != nil {
		return Group{}, invited, err
	}
	return latest, invited, nil
}

// CreateAsync runs Create detached from the caller; the outcome is only logged.
func (c *Coordinator) CreateAsync(ctx context.Context, creatorID, name, message string) {
	ctx = context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		g, invited, err := c.Create(ctx, creatorID, name, message)
		if err != nil {
			c.log.Warn().Err(err).Str("creator", creatorID).Msg("group creation failed")
			return
		}
		c.log.Info().Str("group_id", g.ID).Int("invited", invited).Msg("group creation finished")
	}()
}

// Wait blocks until every CreateAsync task has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Join adds a connected device to groupID. Pending invitees and uninvited
// devices are both accepted.
func (c *Coordinator) Join(ctx context.Context, deviceID, groupID string) (Group, error) {
	conn, ok := c.registry.FindByDeviceID(deviceID)
	if !ok {
		return Group{}, ErrDeviceNotConnected
	}
	if groupID == "" {
		return Group{}, ErrGroupNotFound
	}
	if _, err := c.store.Get(groupID); err != nil {
		return Group{}, err
	}
	if prev := conn.GroupID(); prev != "" && prev != groupID {
		if _, err := c.leave(ctx, deviceID, prev, false); err != nil && !errors.Is(err, ErrGroupNotFound) {
			c.log.Debug().Err(err).Str("group_id", prev).Msg("leaving previous group")
		}
	}

	g, err := c.store.Update(groupID, func(g *Group) error {
		if !g.IsMember(deviceID) {
			g.moveTo(deviceID, &g.Members)
		}
		return nil
	})
	if err != nil {
		return Group{}, err
	}
	conn.Update(func(cv *registry.Conversation) {
		cv.Mode = registry.ModeIdle
		cv.CandidateGroupID = ""
		cv.CandidateGroupName = ""
		cv.GroupID = g.ID
	})
	c.count(EventMemberJoined, 1)
	c.log.Info().Str("group_id", g.ID).Str("device_id", deviceID).Int("members", len(g.Members)).Msg("device joined group")

	c.sendCandidateGroupID(ctx, conn, g.ID)
	c.say(ctx, conn, "", promptJoined(g.Name))
	c.notifyMembers(ctx, g, deviceID, EventMemberJoined, promptMemberJoined(deviceID))
	return g, nil
}

// Decline records a refused invitation and tells the creator.
func (c *Coordinator) Decline(ctx context.Context, deviceID, groupID string) (Group, error) {
	conn, connected := c.registry.FindByDeviceID(deviceID)
	if groupID == "" && connected {
		groupID = conn.Conversation().CandidateGroupID
	}
	if groupID == "" {
		return Group{}, ErrNoPendingInvitation
	}

	g, err := c.store.Update(groupID, func(g *Group) error {
		if !g.IsPending(deviceID) {
			return ErrNoPendingInvitation
		}
		g.moveTo(deviceID, &g.Declined)
		return nil
	})
	if err != nil {
		return Group{}, err
	}
	c.count(EventDeclined, 1)
	c.log.Info().Str("group_id", g.ID).Str("device_id", deviceID).Msg("invitation declined")

	if connected {
		conn.ResetConversation()
		c.sendCandidateGroupID(ctx, conn, "")
		c.say(ctx, conn, "", promptDeclined)
	}
	if creator, ok := c.registry.FindByDeviceID(g.Creator); ok {
		c.say(ctx, creator, "", promptMemberDeclined(deviceID))
	}
	return g, nil
}

// Leave removes deviceID from a group; an empty groupID means its current
// group. The group ends when its creator leaves or no member remains.
func (c *Coordinator) Leave(ctx context.Context, deviceID, groupID string) (Group, error) {
	return c.leave(ctx, deviceID, groupID, true)
}

func (c *Coordinator) leave(ctx context.Context, deviceID, groupID string, announce bool) (Group, error) {
	conn, connected := c.registry.FindByDeviceID(deviceID)
	if groupID == "" {
		if connected {
			groupID = conn.GroupID()
		}
		if groupID == "" {
			if g, ok := c.store.FindByMember(deviceID); ok {
				groupID = g.ID
			}
		}
	}
	if groupID == "" {
		return Group{}, ErrNotAMember
	}

	g, err := c.store.Update(groupID, func(g *Group) error {
		if !g.IsMember(deviceID) {
			return ErrNotAMember
		}
		g.drop(deviceID)
		return nil
	})
	if err != nil {
		if connected && errors.Is(err, ErrGroupNotFound) {
			clearGroup(conn, groupID)
		}
		return Group{}, err
	}
	c.count(EventMemberLeft, 1)
	c.log.Info().Str("group_id", g.ID).Str("device_id", deviceID).Int("members", len(g.Members)).Msg("device left group")

	if connected {
		clearGroup(conn, groupID)
		if announce {
			c.sendCandidateGroupID(ctx, conn, "")
			c.say(ctx, conn, "", promptLeft)
		}
	}

	if deviceID == g.Creator || len(g.Members) == 0 {
		return c.teardown(ctx, g.ID)
	}
	c.notifyMembers(ctx, g, deviceID, EventMemberLeft, promptMemberLeft(deviceID))
	return g, nil
}

// End tears a group down regardless of membership.
func (c *Coordinator) End(ctx context.Context, groupID string) (Group, error) {
	return c.teardown(ctx, groupID)
}

func (c *Coordinator) teardown(ctx context.Context, groupID string) (Group, error) {
	g, err := c.store.End(groupID)
	if err != nil {
		return Group{}, err
	}
	c.count(EventEnded, 1)
	c.log.Info().Str("group_id", g.ID).Str("group_name", g.Name).Msg("group ended")
	c.releaseDevices(ctx, g)
	return g, nil
}

// releaseDevices returns remaining members and invitees of an ended group to idle.
func (c *Coordinator) releaseDevices(ctx context.Context, g Group) {
	ended := protocol.GroupEvent{Type: protocol.TypeGroup, Event: EventEnded, GroupID: g.ID, GroupName: g.Name}
	for _, id := range g.Members {
		conn, ok := c.registry.FindByDeviceID(id)
		if !ok {
			continue
		}
		clearGroup(conn, g.ID)
		c.send(ctx, conn, ended)
		c.say(ctx, conn, "", promptEnded(g.Name))
	}
	for _, id := range g.Pending {
		conn, ok := c.registry.FindByDeviceID(id)
		if !ok {
			continue
		}
		clearGroup(conn, g.ID)
		c.send(ctx, conn, ended)
	}
}

// OnExpire is the store's expiry hook: devices of an abandoned group are released.
func (c *Coordinator) OnExpire(g Group) {
	c.count(EventEnded, 1)
	c.log.Info().Str("group_id", g.ID).Msg("abandoned group expired")
	c.releaseDevices(context.Background(), g)
}

// OnDisconnect cleans up after conn has been removed from the registry. A
// device that is still connected through another channel keeps its state.
func (c *Coordinator) OnDisconnect(ctx context.Context, conn *registry.Connection) {
	if _, still := c.registry.FindByDeviceID(conn.DeviceID); still {
		return
	}
	conv := conn.Conversation()
	if conv.Mode == registry.ModeAwaitingJoinDecision {
		c.dropInvitation(conn.DeviceID, conv.CandidateGroupID)
	}
	if conv.GroupID != "" {
		if _, err := c.leave(ctx, conn.DeviceID, conv.GroupID, false); err != nil && !errors.Is(err, ErrGroupNotFound) {
			c.log.Debug().Err(err).Str("device_id", conn.DeviceID).Msg("group cleanup on disconnect")
		}
	}
	clearGroup(conn, conv.GroupID)
	clearGroup(conn, conv.CandidateGroupID)
}

func (c *Coordinator) List() []Group { return c.store.List() }

func (c *Coordinator) Get(groupID string) (Group, error) { return c.store.Get(groupID) }

// Broadcast speaks text to every connected member except exceptDevice and
// returns how many members were reached.
func (c *Coordinator) Broadcast(ctx context.Context, groupID, exceptDevice, text string) (int, error) {
	g, err := c.store.Get(groupID)
	if err != nil {
		return 0, err
	}
	reached := 0
	for _, conn := range c.memberConns(g, exceptDevice) {
		if err := c.speak(ctx, conn, "", text); err != nil {
			c.log.Debug().Err(err).Str("device_id", conn.DeviceID).Msg("group broadcast failed")
			continue
		}
		reached++
	}
	return reached, nil
}

// RelayAudio forwards one audio frame from a member to the rest of its group.
func (c *Coordinator) RelayAudio(ctx context.Context, from *registry.Connection, frame []byte) int {
	groupID := from.GroupID()
	if groupID == "" || len(frame) == 0 {
		return 0
	}
	g, err := c.store.Get(groupID)
	if err != nil {
		clearGroup(from, groupID)
		return 0
	}
	relayed := 0
	for _, conn := range c.memberConns(g, from.DeviceID) {
		if err := conn.SendAudio(ctx, frame); err != nil {
			continue
		}
		relayed++
	}
	return relayed
}

func (c *Coordinator) notifyMembers(ctx context.Context, g Group, subject, event, text string) {
	msg := protocol.GroupEvent{Type: protocol.TypeGroup, Event: event, GroupID: g.ID, GroupName: g.Name, DeviceID: subject}
	for _, conn := range c.memberConns(g, subject) {
		c.send(ctx, conn, msg)
		c.say(ctx, conn, "", text)
	}
}

func (c *Coordinator) memberConns(g Group, except string) []*registry.Connection {
	out := make([]*registry.Connection, 0, len(g.Members))
	for _, id := range g.Members {
		if id == except {
			continue
		}
		if conn, ok := c.registry.FindByDeviceID(id); ok {
			out = append(out, conn)
		}
	}
	return out
}

// candidates returns one connection per device other than creatorID.
func (c *Coordinator) candidates(creatorID string) []*registry.Connection {
	seen := map[string]struct{}{creatorID: {}}
	var out []*registry.Connection
	for _, conn := range c.registry.All() {
		if _, dup := seen[conn.DeviceID]; dup {
			continue
		}
		seen[conn.DeviceID] = struct{}{}
		out = append(out, conn)
	}
	return out
}

func (c *Coordinator) sendCandidateGroupID(ctx context.Context, conn *registry.Connection, groupID string) {
	c.send(ctx, conn, protocol.TTSMessage{Type: protocol.TypeTTS, State: protocol.TTSCandidateGroupID, Text: groupID})
}

func (c *Coordinator) send(ctx context.Context, conn *registry.Connection, msg any) {
	if err := conn.Send(ctx, msg); err != nil {
		c.log.Debug().Err(err).Str("device_id", conn.DeviceID).Msg("group message not delivered")
	}
}

func (c *Coordinator) say(ctx context.Context, conn *registry.Connection, voiceID, text string) {
	if err := c.speak(ctx, conn, voiceID, text); err != nil {
		c.log.Debug().Err(err).Str("device_id", conn.DeviceID).Msg("prompt not delivered")
	}
}

func (c *Coordinator) speak(ctx context.Context, conn *registry.Connection, voiceID, text string) error {
	if c.speaker == nil {
		return nil
	}
	if voiceID == "" {
		voiceID = conn.VoiceID()
	}
	return c.speaker.Say(ctx, conn, voiceID, text)
}

func (c *Coordinator) count(event string, n int) {
	if c.events == nil || n <= 0 {
		return
	}
	c.events.WithLabelValues(event).Add(float64(n))
}

func clearGroup(conn *registry.Connection, groupID string) {
	if groupID == "" {
		return
	}
	conn.Update(func(cv *registry.Conversation) {
		if cv.GroupID == groupID {
			cv.GroupID = ""
		}
		if cv.CandidateGroupID == groupID {
			cv.Mode = registry.ModeIdle
			cv.CandidateGroupID = ""
			cv.CandidateGroupName = ""
		}
	})
}
