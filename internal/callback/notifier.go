// Package callback reports device state changes to the external system of record.
package callback

import "context"

//go:generate mockgen -destination=mock_notifier.go -package=callback github.com/ent0n29/carlink/internal/callback Notifier

// Notifier receives device state changes. Implementations may fail; callers
// treat every call as best-effort.
type Notifier interface {
	NotifyOnlineStatus(ctx context.Context, deviceID string, status int) error
	NotifyVolume(ctx context.Context, deviceID string, volume int) error
	NotifyMicrophone(ctx context.Context, deviceID string, microphone int) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) NotifyOnlineStatus(context.Context, string, int) error { return nil }
func (Nop) NotifyVolume(context.Context, string, int) error       { return nil }
func (Nop) NotifyMicrophone(context.Context, string, int) error   { return nil }
