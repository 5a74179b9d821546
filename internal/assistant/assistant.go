// Package assistant turns a device's recognised speech into actions.
package assistant

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/carlink/internal/control"
	"github.com/ent0n29/carlink/internal/group"
	"github.com/ent0n29/carlink/internal/intent"
	"github.com/ent0n29/carlink/internal/protocol"
	"github.com/ent0n29/carlink/internal/registry"
)

const (
	volumeStep = 10

	replyUnreachable = "车辆没有响应，请稍后再试"
	replyOffline     = "设备当前不在线"
	replyNotInGroup  = "您当前不在任何群聊中"
	replyFailed      = "指令发送失败，请稍后再试"
)

type Options struct {
	Groups     *group.Coordinator
	Dispatcher *control.Dispatcher
	Speaker    group.Speaker
	Logger     zerolog.Logger
}

type Assistant struct {
	groups     *group.Coordinator
	dispatcher *control.Dispatcher
	speaker    group.Speaker
	log        zerolog.Logger
}

func New(opts Options) *Assistant {
	return &Assistant{
		groups:     opts.Groups,
		dispatcher: opts.Dispatcher,
		speaker:    opts.Speaker,
		log:        opts.Logger,
	}
}

// HandleUtterance acts on text spoken on conn. It returns false when nothing
// understood the text. Awaited commands block up to the dispatcher's bound,
// so callers must not run this on the connection's reader goroutine.
func (a *Assistant) HandleUtterance(ctx context.Context, conn *registry.Connection, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	conn.Touch()

	if a.groups != nil && a.groups.HandleUtterance(ctx, conn, text) {
		return true
	}

	in, ok := intent.Match(text)
	if !ok {
		a.log.Debug().Str("device_id", conn.DeviceID).Str("text", text).Msg("no intent matched")
		return false
	}
	a.log.Info().Str("device_id", conn.DeviceID).Str("intent", string(in.Kind)).Msg("intent matched")

	switch in.Kind {
	case intent.KindCreateGroup:
		a.groups.BeginCreate(ctx, conn, in.GroupName)
	case intent.KindExitGroup:
		if conn.GroupID() == "" {
			a.say(ctx, conn, replyNotInGroup)
			return true
		}
		if _, err := a.groups.Leave(ctx, conn.DeviceID, ""); err != nil {
			a.log.Warn().Err(err).Str("device_id", conn.DeviceID).Msg("exit group failed")
		}
	case intent.KindVolumeUp, intent.KindVolumeDown:
		a.stepVolume(ctx, conn, in)
	case intent.KindVolumeSet:
		a.await(ctx, conn, control.VolumeSet(in.Volume), in.Ack)
	case intent.KindIoT:
		a.await(ctx, conn, control.IoT(in.Code), in.Ack)
	default:
		return false
	}
	return true
}

func (a *Assistant) stepVolume(ctx context.Context, conn *registry.Connection, in intent.Intent) {
	action := protocol.ActionVolumeUp
	if in.Kind == intent.KindVolumeDown {
		action = protocol.ActionVolumeDown
	}
	step := volumeStep
	err := a.dispatcher.Send(ctx, conn.DeviceID, protocol.PeripheralCommand{
		Type:      protocol.TypePeripheral,
		Action:    action,
		Value:     &step,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		a.log.Warn().Err(err).Str("device_id", conn.DeviceID).Str("action", action).Msg("volume step not sent")
		a.say(ctx, conn, replyFailed)
		return
	}
	a.say(ctx, conn, in.Ack)
}

func (a *Assistant) await(ctx context.Context, conn *registry.Connection, cmd control.Command, ack string) {
	out := a.dispatcher.SendAndAwait(ctx, conn.DeviceID, cmd)
	switch out.Status {
	case control.StatusConfirmed, control.StatusSentUnconfirmed:
		a.say(ctx, conn, ack)
	case control.StatusDeviceOffline:
		a.say(ctx, conn, replyOffline)
	default:
		a.say(ctx, conn, replyUnreachable)
	}
}

func (a *Assistant) say(ctx context.Context, conn *registry.Connection, text string) {
	if a.speaker == nil || text == "" {
		return
	}
	if err := a.speaker.Say(ctx, conn, conn.VoiceID(), text); err != nil {
		a.log.Debug().Err(err).Str("device_id", conn.DeviceID).Msg("reply not spoken")
	}
}
