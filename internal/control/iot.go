package control

import (
	"sort"
	"strings"
)

// IoTCode is a vehicle command code understood by the device firmware.
type IoTCode int

const (
	IoTOpenWindows IoTCode = iota + 1
	IoTCloseWindows
	IoTStartEngine
	IoTStopEngine
	IoTOpenTrunk
	IoTCloseTrunk
	IoTUnlockDoor
	IoTLockDoor
	IoTEmergencyFlasherOn
	IoTEmergencyFlasherOff
	IoTLightOn
	IoTLightOff
	IoTRearFogLampOn
	IoTRearFogLampOff
	IoTStopLightOn
	IoTStopLightOff
	IoTLeftFrontWindowOpen
	IoTLeftFrontWindowClose
	IoTRightFrontWindowOpen
	IoTRightFrontWindowClose
	IoTLeftRearWindowOpen
	IoTLeftRearWindowClose
	IoTRightRearWindowOpen
	IoTRightRearWindowClose
)

var iotNames = map[IoTCode]string{
	IoTOpenWindows:           "open_windows",
	IoTCloseWindows:          "close_windows",
	IoTStartEngine:           "open_engine",
	IoTStopEngine:            "stop_engine",
	IoTOpenTrunk:             "open_trunk",
	IoTCloseTrunk:            "close_trunk",
	IoTUnlockDoor:            "unlock_door",
	IoTLockDoor:              "lock_door",
	IoTEmergencyFlasherOn:    "emergency_flasher_on",
	IoTEmergencyFlasherOff:   "emergency_flasher_off",
	IoTLightOn:               "light_on",
	IoTLightOff:              "light_off",
	IoTRearFogLampOn:         "rear_fog_lamp_on",
	IoTRearFogLampOff:        "rear_fog_lamp_off",
	IoTStopLightOn:           "stop_light_on",
	IoTStopLightOff:          "stop_light_off",
	IoTLeftFrontWindowOpen:   "left_front_window_open",
	IoTLeftFrontWindowClose:  "left_front_window_close",
	IoTRightFrontWindowOpen:  "right_front_window_open",
	IoTRightFrontWindowClose: "right_front_window_close",
	IoTLeftRearWindowOpen:    "left_rear_window_open",
	IoTLeftRearWindowClose:   "left_rear_window_close",
	IoTRightRearWindowOpen:   "right_rear_window_open",
	IoTRightRearWindowClose:  "right_rear_window_close",
}

var iotByName = func() map[string]IoTCode {
	out := make(map[string]IoTCode, len(iotNames))
	for code, name := range iotNames {
		out[name] = code
	}
	return out
}()

func (c IoTCode) Valid() bool {
	_, ok := iotNames[c]
	return ok
}

func (c IoTCode) Name() string {
	if name, ok := iotNames[c]; ok {
		return name
	}
	return "unknown"
}

// LookupIoT resolves a command name such as "lock_door".
func LookupIoT(name string) (IoTCode, bool) {
	code, ok := iotByName[strings.ToLower(strings.TrimSpace(name))]
	return code, ok
}

// IoTCommands lists every known code in ascending order.
func IoTCommands() []IoTCode {
	out := make([]IoTCode, 0, len(iotNames))
	for code := range iotNames {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
