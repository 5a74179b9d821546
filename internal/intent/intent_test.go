package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/carlink/internal/control"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		text string
		want Intent
	}{
		{"打开车窗", Intent{Kind: KindIoT, Code: control.IoTOpenWindows, Ack: "已经打开车窗"}},
		{"請打開後備箱。", Intent{Kind: KindIoT, Code: control.IoTOpenTrunk, Ack: "已经打开后备箱"}},
		{"关闭左前窗", Intent{Kind: KindIoT, Code: control.IoTLeftFrontWindowClose, Ack: "左前窗已关闭"}},
		{"打开停车灯", Intent{Kind: KindIoT, Code: control.IoTStopLightOn, Ack: "已经打开停车灯"}},
		{"关闭后雾灯", Intent{Kind: KindIoT, Code: control.IoTRearFogLampOff, Ack: "已经关闭后雾灯"}},
		{"Lock door", Intent{Kind: KindIoT, Code: control.IoTLockDoor, Ack: "车门已上锁"}},
		{"声音大一点", Intent{Kind: KindVolumeUp, Ack: "音量已提高"}},
		{"volume down please", Intent{Kind: KindVolumeDown, Ack: "音量已降低"}},
		{"音量调到50", Intent{Kind: KindVolumeSet, Volume: 50, Ack: "音量已设置"}},
		{"音量设为三十五", Intent{Kind: KindVolumeSet, Volume: 35, Ack: "音量已设置"}},
		{"设置音量百分之二十", Intent{Kind: KindVolumeSet, Volume: 20, Ack: "音量已设置"}},
		{"set volume 250", Intent{Kind: KindVolumeSet, Volume: 100, Ack: "音量已设置"}},
		{"我要退出群聊", Intent{Kind: KindExitGroup, Ack: "已经退出群聊"}},
		{"拉个群", Intent{Kind: KindCreateGroup}},
		{"创建一个群聊叫车队", Intent{Kind: KindCreateGroup, GroupName: "车队"}},
		{"create group named convoy", Intent{Kind: KindCreateGroup, GroupName: "convoy"}},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			got, ok := Match(tc.text)
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMatchRejects(t *testing.T) {
	for _, text := range []string{"", "。", "今天天气怎么样", "不要打开车窗", "先别开后备箱", "音量设置"} {
		_, ok := Match(text)
		assert.False(t, ok, text)
	}
}

func TestEveryIoTCommandHasAKeyword(t *testing.T) {
	seen := map[control.IoTCode]bool{}
	for _, r := range rules {
		if r.kind == KindIoT {
			seen[r.code] = true
		}
	}
	for _, code := range control.IoTCommands() {
		assert.True(t, seen[code], code.Name())
	}
}

func TestParseChineseNumber(t *testing.T) {
	cases := map[string]int{"五": 5, "十": 10, "十二": 12, "四十": 40, "九十九": 99, "一百": 100, "两": 2}
	for in, want := range cases {
		got, ok := parseChineseNumber(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
}
