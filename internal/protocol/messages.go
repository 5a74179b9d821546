package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MessageType identifies websocket payload variants exchanged with car devices.
type MessageType string

const (
	// device -> server
	TypeHello  MessageType = "hello"
	TypeListen MessageType = "listen"
	TypeAbort  MessageType = "abort"
	TypeReply  MessageType = "reply"
	TypeStatus MessageType = "status"
	TypeGroup  MessageType = "group"

	// server -> device
	TypePeripheral      MessageType = "peripheral"
	TypeIoT             MessageType = "iot"
	TypeSystem          MessageType = "system"
	TypeGroupInvitation MessageType = "group_invitation"
	TypeTTS             MessageType = "tts"
	TypeSTT             MessageType = "stt"
	TypeError           MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type AudioParams struct {
	Format        string `json:"format,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	FrameDuration int    `json:"frame_duration,omitempty"`
}

type Hello struct {
	Type        MessageType  `json:"type"`
	Version     int          `json:"version,omitempty"`
	Transport   string       `json:"transport,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
}

// Listen states.
const (
	ListenStart  = "start"
	ListenStop   = "stop"
	ListenDetect = "detect"
)

type Listen struct {
	Type  MessageType `json:"type"`
	State string      `json:"state"`
	Mode  string      `json:"mode,omitempty"`
	Text  string      `json:"text,omitempty"`
}

type Abort struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason,omitempty"`
}

// Reply is a device acknowledgement. Value is kept raw so ingestion can
// coerce numbers, numeric strings and booleans alike.
type Reply struct {
	Type      MessageType     `json:"type"`
	Content   string          `json:"content"`
	Value     json.RawMessage `json:"value,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// Status is an unsolicited state push from the device.
type Status struct {
	Type       MessageType     `json:"type"`
	Volume     json.RawMessage `json:"volume,omitempty"`
	Microphone json.RawMessage `json:"microphone,omitempty"`
}

// Group actions a device may send without going through speech.
const (
	GroupActionAgree  = "agree"
	GroupActionRefuse = "refuse"
	GroupActionExit   = "exit_group"
)

type GroupAction struct {
	Type    MessageType `json:"type"`
	Action  string      `json:"action"`
	GroupID string      `json:"group_id,omitempty"`
}

// Peripheral actions.
const (
	ActionVolumeSet  = "volume_set"
	ActionMic        = "mic"
	ActionGetVolume  = "get_volume"
	ActionVolumeUp   = "volume_up"
	ActionVolumeDown = "volume_down"
)

type PeripheralCommand struct {
	Type      MessageType `json:"type"`
	Action    string      `json:"action"`
	Value     *int        `json:"value,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type IoTCommand struct {
	Type      MessageType `json:"type"`
	Cmd       int         `json:"cmd"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// System commands.
const (
	SystemReboot = "reboot"
	SystemDebug  = "debug"
)

type SystemCommand struct {
	Type    MessageType `json:"type"`
	Command string      `json:"command"`
}

type GroupInvitation struct {
	Type      MessageType `json:"type"`
	GroupID   string      `json:"group_id"`
	GroupName string      `json:"group_name"`
	Creator   string      `json:"creator"`
	Message   string      `json:"message"`
	Timestamp int64       `json:"timestamp"`
}

// GroupEvent tells a device about membership changes of its group.
type GroupEvent struct {
	Type      MessageType `json:"type"`
	Event     string      `json:"event"`
	GroupID   string      `json:"group_id"`
	GroupName string      `json:"group_name,omitempty"`
	DeviceID  string      `json:"device_id,omitempty"`
}

// TTS states.
const (
	TTSStart            = "start"
	TTSSentenceStart    = "sentence_start"
	TTSSentenceEnd      = "sentence_end"
	TTSStop             = "stop"
	TTSCandidateGroupID = "candidate_group_id"
)

type TTSMessage struct {
	Type      MessageType `json:"type"`
	State     string      `json:"state"`
	Text      string      `json:"text,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
}

type STTMessage struct {
	Type      MessageType `json:"type"`
	Text      string      `json:"text"`
	SessionID string      `json:"session_id,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseDeviceMessage decodes a text frame received from a device.
// Reply payloads are not validated here; ingestion owns that decision.
func ParseDeviceMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeHello:
		var msg Hello
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeListen:
		var msg Listen
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.State {
		case ListenStart, ListenStop, ListenDetect:
		default:
			return nil, errors.New("invalid listen state")
		}
		return msg, nil
	case TypeAbort:
		var msg Abort
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeReply:
		var msg Reply
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeStatus:
		var msg Status
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeGroup:
		var msg GroupAction
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Action == "" {
			return nil, errors.New("invalid group action")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// CoerceInt converts a loosely typed JSON scalar to an int. Fractions are
// truncated, numeric strings are parsed and booleans map to 0/1.
func CoerceInt(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return int(x), true
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.Atoi(s); err == nil {
			return n, true
		}
		return 0, false
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// IsNull reports whether a raw value is absent or JSON null.
func IsNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

func MessageTypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case Hello:
		return m.Type, true
	case Listen:
		return m.Type, true
	case Abort:
		return m.Type, true
	case Reply:
		return m.Type, true
	case Status:
		return m.Type, true
	case GroupAction:
		return m.Type, true
	case PeripheralCommand:
		return m.Type, true
	case IoTCommand:
		return m.Type, true
	case SystemCommand:
		return m.Type, true
	case GroupInvitation:
		return m.Type, true
	case GroupEvent:
		return m.Type, true
	case TTSMessage:
		return m.Type, true
	case STTMessage:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
