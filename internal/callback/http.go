package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/carlink/internal/reliability"
)

const (
	pathOnlineStatus = "/setOnlineStatusCallback"
	pathVolume       = "/setVolumeCallback"
	pathMicrophone   = "/setMicrophoneCallback"
)

type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
	Retries int
}

// HTTPNotifier posts JSON callbacks keyed by the device MAC.
type HTTPNotifier struct {
	baseURL string
	client  *http.Client
	retries int
	backoff reliability.Backoff
}

func NewHTTPNotifier(cfg HTTPConfig) *HTTPNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPNotifier{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		client:  &http.Client{Timeout: timeout},
		retries: cfg.Retries,
		backoff: reliability.Backoff{Base: 200 * time.Millisecond, Cap: 2 * time.Second},
	}
}

func (n *HTTPNotifier) NotifyOnlineStatus(ctx context.Context, deviceID string, status int) error {
	return n.post(ctx, pathOnlineStatus, map[string]any{"mac": deviceID, "status": status})
}

func (n *HTTPNotifier) NotifyVolume(ctx context.Context, deviceID string, volume int) error {
	return n.post(ctx, pathVolume, map[string]any{"mac": deviceID, "volume": volume})
}

func (n *HTTPNotifier) NotifyMicrophone(ctx context.Context, deviceID string, microphone int) error {
	return n.post(ctx, pathMicrophone, map[string]any{"mac": deviceID, "microphone_status": microphone})
}

func (n *HTTPNotifier) post(ctx context.Context, path string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= n.retries; attempt++ {
		if attempt > 0 {
			if err := n.backoff.Wait(ctx, attempt-1); err != nil {
				return err
			}
		}
		retry, err := n.once(ctx, path, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return lastErr
}

func (n *HTTPNotifier) once(ctx context.Context, path string, payload []byte) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := n.client.Do(req)
	if err != nil {
		return ctx.Err() == nil && reliability.IsRetryableTransportError(err), fmt.Errorf("send callback %s: %w", path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return reliability.IsRetryableHTTPStatus(res.StatusCode),
			fmt.Errorf("callback %s status %d: %s", path, res.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))
	return false, nil
}
