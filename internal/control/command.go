package control

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/carlink/internal/correlator"
	"github.com/ent0n29/carlink/internal/protocol"
)

// Command is an acknowledged device command.
type Command struct {
	Kind   correlator.Kind
	Action string
	Code   IoTCode
	Value  int
}

func VolumeSet(volume int) Command {
	return Command{Kind: correlator.KindVolume, Action: protocol.ActionVolumeSet, Value: volume}
}

// MicrophoneSet enables (1) or disables (0) the device microphone.
func MicrophoneSet(value int) Command {
	return Command{Kind: correlator.KindMicrophone, Action: protocol.ActionMic, Value: value}
}

func IoT(code IoTCode) Command {
	return Command{Kind: correlator.KindIoT, Code: code, Value: int(code)}
}

// Label is a short human description used in logs and spoken results.
func (c Command) Label() string {
	switch c.Kind {
	case correlator.KindVolume:
		return fmt.Sprintf("Volume %d", c.Value)
	case correlator.KindMicrophone:
		if c.Value == 1 {
			return "Microphone on"
		}
		return "Microphone off"
	case correlator.KindIoT:
		return fmt.Sprintf("Command %s", c.Code.Name())
	default:
		return string(c.Kind)
	}
}

// Validate rejects commands the device would not understand.
func (c Command) Validate() error {
	switch c.Kind {
	case correlator.KindVolume:
		if c.Value < 0 || c.Value > 100 {
			return fmt.Errorf("%w: volume must be within 0..100", ErrInvalidCommand)
		}
	case correlator.KindMicrophone:
		if c.Value != 0 && c.Value != 1 {
			return fmt.Errorf("%w: microphone must be 0 or 1", ErrInvalidCommand)
		}
	case correlator.KindIoT:
		if !c.Code.Valid() {
			return fmt.Errorf("%w: unknown iot code %d", ErrInvalidCommand, c.Code)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, c.Kind)
	}
	return nil
}

// token derives the correlation token. IoT acks historically carry only the
// command code, so the code prefixes the token to keep logs readable.
func (c Command) token() string {
	if c.Kind == correlator.KindIoT {
		return fmt.Sprintf("%d-%s", c.Code, uuid.NewString())
	}
	return uuid.NewString()
}

func (c Command) message(token string, now time.Time) any {
	if c.Kind == correlator.KindIoT {
		return protocol.IoTCommand{
			Type:      protocol.TypeIoT,
			Cmd:       int(c.Code),
			RequestID: token,
			Timestamp: now.UnixMilli(),
		}
	}
	value := c.Value
	return protocol.PeripheralCommand{
		Type:      protocol.TypePeripheral,
		Action:    c.Action,
		Value:     &value,
		RequestID: token,
		Timestamp: now.UnixMilli(),
	}
}
