package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDeviceWSURL(t *testing.T) {
	got, err := deviceWSURL("https://gw.example.com/base/", "car 1")
	if err != nil {
		t.Fatalf("deviceWSURL() error = %v", err)
	}
	want := "wss://gw.example.com/base/v1/device/ws?device_id=car+1"
	if got != want {
		t.Fatalf("deviceWSURL() = %q, want %q", got, want)
	}

	got, err = deviceWSURL("http://127.0.0.1:8080", "perf-001")
	if err != nil {
		t.Fatalf("deviceWSURL() error = %v", err)
	}
	if !strings.HasPrefix(got, "ws://127.0.0.1:8080/v1/device/ws?") {
		t.Fatalf("deviceWSURL() = %q, want ws scheme", got)
	}

	if _, err := deviceWSURL("ftp://host", "x"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	if _, err := deviceWSURL("http://", "x"); err == nil {
		t.Fatalf("expected error for missing host")
	}
}

func TestReplyForVolume(t *testing.T) {
	reply, ok := replyFor([]byte(`{"type":"peripheral","action":"volume_set","value":35,"timestamp":1}`))
	if !ok {
		t.Fatalf("expected a reply for volume_set")
	}
	if reply["content"] != "volume" || reply["value"] != 35 {
		t.Fatalf("unexpected reply: %#v", reply)
	}
	if _, has := reply["request_id"]; has {
		t.Fatalf("peripheral replies should not echo a request id: %#v", reply)
	}
}

func TestReplyForIoTEchoesRequestID(t *testing.T) {
	reply, ok := replyFor([]byte(`{"type":"iot","cmd":2,"request_id":"r-1"}`))
	if !ok {
		t.Fatalf("expected a reply for iot")
	}
	if reply["content"] != "iot" || reply["value"] != 2 || reply["request_id"] != "r-1" {
		t.Fatalf("unexpected reply: %#v", reply)
	}
}

func TestReplyForIgnoresOtherFrames(t *testing.T) {
	cases := []string{
		`{"type":"tts","state":"start"}`,
		`{"type":"peripheral","action":"get_volume","timestamp":1}`,
		`{"type":"peripheral","action":"volume_up","timestamp":1}`,
		`not json`,
	}
	for _, raw := range cases {
		if reply, ok := replyFor([]byte(raw)); ok {
			t.Fatalf("replyFor(%s) = %#v, want no reply", raw, reply)
		}
	}
}

func TestCommandForMixedAlternates(t *testing.T) {
	path, body := commandFor("mixed", "car-1", 0)
	if path != "/v1/peripheral/control" || body["action"] != "volume" {
		t.Fatalf("first mixed command = %s %#v", path, body)
	}
	path, body = commandFor("mixed", "car-1", 1)
	if path != "/v1/device/control" || body["command"] != 2 {
		t.Fatalf("second mixed command = %s %#v", path, body)
	}
	_, body = commandFor("iot", "car-1", 3)
	if body["command"] != 3 {
		t.Fatalf("fourth iot command = %#v, want unlock", body)
	}
	path, _ = commandFor("volume", "car-1", 1)
	if path != "/v1/peripheral/control" {
		t.Fatalf("volume mode path = %s", path)
	}
}

func TestSummarize(t *testing.T) {
	results := []result{
		{status: "confirmed", elapsed: 10 * time.Millisecond},
		{status: "confirmed", elapsed: 30 * time.Millisecond},
		{status: "sent_unconfirmed", elapsed: 20 * time.Millisecond},
		{status: "device_offline", elapsed: 40 * time.Millisecond},
		{err: errors.New("dial refused")},
	}
	s := summarize(results)
	if s.total != 5 || s.failures != 1 {
		t.Fatalf("total=%d failures=%d", s.total, s.failures)
	}
	if s.statuses["confirmed"] != 2 || s.statuses["transport_error"] != 1 {
		t.Fatalf("unexpected statuses: %#v", s.statuses)
	}
	if s.p50 != 20*time.Millisecond {
		t.Fatalf("p50 = %s, want 20ms", s.p50)
	}
	if s.max != 40*time.Millisecond || s.p95 != 40*time.Millisecond {
		t.Fatalf("p95=%s max=%s, want 40ms", s.p95, s.max)
	}

	var out bytes.Buffer
	printSummary(&out, s)
	if !strings.Contains(out.String(), "sent_unconfirmed") {
		t.Fatalf("summary missing status line:\n%s", out.String())
	}
}

func TestQuantileEmpty(t *testing.T) {
	if got := quantile(nil, 0.5); got != 0 {
		t.Fatalf("quantile(nil) = %s", got)
	}
}
