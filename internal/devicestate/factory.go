package devicestate

import (
	"context"
	"fmt"
	"strings"
)

type Options struct {
	Backend     string
	NATSURL     string
	NATSBucket  string
	DatabaseURL string
}

// NewKV builds the configured backend and returns it with its resolved mode.
// "auto" prefers NATS, then Postgres, then memory.
func NewKV(ctx context.Context, opts Options) (KV, string, error) {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	if backend == "" || backend == "auto" {
		switch {
		case strings.TrimSpace(opts.NATSURL) != "":
			backend = "nats"
		case strings.TrimSpace(opts.DatabaseURL) != "":
			backend = "postgres"
		default:
			backend = "memory"
		}
	}

	switch backend {
	case "memory":
		return NewMemoryKV(), backend, nil
	case "nats":
		bucket := opts.NATSBucket
		if bucket == "" {
			bucket = "device_info"
		}
		kv, err := NewNATSKV(ctx, opts.NATSURL, bucket)
		if err != nil {
			return nil, "", err
		}
		return kv, backend, nil
	case "postgres":
		kv, err := NewPostgresKV(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, "", err
		}
		return kv, backend, nil
	default:
		return nil, "", fmt.Errorf("unknown device state backend %q", opts.Backend)
	}
}
