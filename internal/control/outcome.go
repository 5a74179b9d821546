package control

import "fmt"

// Status is the terminal state of an awaited dispatch.
type Status string

const (
	StatusConfirmed         Status = "confirmed"
	StatusSentUnconfirmed   Status = "sent_unconfirmed"
	StatusDeviceOffline     Status = "device_offline"
	StatusDeviceUnreachable Status = "device_unreachable"
)

// Outcome is what SendAndAwait reports. Value is the replied value for
// Confirmed and the originally sent value otherwise.
type Outcome struct {
	Status   Status
	DeviceID string
	Token    string
	Value    int
}

// Delivered reports whether the device is believed to have received the command.
func (o Outcome) Delivered() bool {
	return o.Status == StatusConfirmed || o.Status == StatusSentUnconfirmed
}

// Describe renders a short user-facing sentence for the outcome of cmd.
func (o Outcome) Describe(cmd Command) string {
	label := cmd.Label()
	switch o.Status {
	case StatusConfirmed:
		return fmt.Sprintf("%s confirmed by the device.", label)
	case StatusSentUnconfirmed:
		return fmt.Sprintf("%s was sent, but the device did not confirm it in time.", label)
	case StatusDeviceOffline:
		return fmt.Sprintf("Device %s is not online.", o.DeviceID)
	case StatusDeviceUnreachable:
		return fmt.Sprintf("Device %s is not responding.", o.DeviceID)
	default:
		return label
	}
}
