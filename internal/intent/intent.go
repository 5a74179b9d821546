// Package intent maps recognised speech to device and group commands with
// keyword rules.
package intent

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ent0n29/carlink/internal/control"
)

type Kind string

const (
	KindNone        Kind = ""
	KindCreateGroup Kind = "create_group"
	KindExitGroup   Kind = "exit_group"
	KindVolumeSet   Kind = "volume_set"
	KindVolumeUp    Kind = "volume_up"
	KindVolumeDown  Kind = "volume_down"
	KindIoT         Kind = "iot"
)

// Intent is one matched command. Ack is the phrase spoken once the command
// went out.
type Intent struct {
	Kind      Kind
	Code      control.IoTCode
	Volume    int
	GroupName string
	Ack       string
}

type rule struct {
	kind     Kind
	code     control.IoTCode
	ack      string
	keywords []string
}

var rules = []rule{
	{kind: KindExitGroup, ack: "已经退出群聊", keywords: []string{"退群", "退出群", "解散群", "退出群聊", "exit group", "leave group"}},
	{kind: KindCreateGroup, keywords: []string{"创建一个群", "拉个群", "创建群", "建个群", "create group", "create a group"}},
	{kind: KindVolumeUp, ack: "音量已提高", keywords: []string{"提高音量", "增大音量", "音量调高", "声音调大", "大声点", "音量增加", "声音太小了", "大一点", "再大点", "再大一些", "声音大一点", "调大一点", "调大一些", "volume up", "louder"}},
	{kind: KindVolumeDown, ack: "音量已降低", keywords: []string{"降低音量", "减小音量", "音量调低", "声音调小", "小声点", "音量减少", "声音太大了", "小一点", "再小点", "再小一些", "音量太高", "安静点", "小点声", "调小一点", "调小一些", "volume down", "quieter"}},
	{kind: KindVolumeSet, ack: "音量已设置", keywords: []string{"音量设置", "音量调整", "音量调到", "音量设为", "设置音量", "调节音量到", "set volume", "volume to", "volume"}},

	{kind: KindIoT, code: control.IoTOpenWindows, ack: "已经打开车窗", keywords: []string{"开窗", "打开车窗", "打开窗户", "开所有车窗", "打开所有车窗", "开所有窗户", "打开所有窗户"}},
	{kind: KindIoT, code: control.IoTCloseWindows, ack: "已经关闭车窗", keywords: []string{"关窗", "关闭车窗", "关闭窗户", "关所有车窗", "关闭所有车窗", "关上车窗", "关所有窗户", "关闭所有窗户"}},
	{kind: KindIoT, code: control.IoTStartEngine, ack: "已经启动发动机", keywords: []string{"启动发动机", "启动引擎", "开引擎", "开发动机"}},
	{kind: KindIoT, code: control.IoTStopEngine, ack: "已经关闭发动机", keywords: []string{"关闭发动机", "把发动机关了", "熄火", "关引擎", "停车"}},
	{kind: KindIoT, code: control.IoTOpenTrunk, ack: "已经打开后备箱", keywords: []string{"打开后备箱", "开后备箱"}},
	{kind: KindIoT, code: control.IoTCloseTrunk, ack: "已经关上后备箱", keywords: []string{"关闭后备箱", "关后备箱", "关上后备箱"}},
	{kind: KindIoT, code: control.IoTUnlockDoor, ack: "车门已解锁", keywords: []string{"解锁", "解锁车门", "打开车门", "开门", "把车门打开", "打开所有车门", "开所有车门"}},
	{kind: KindIoT, code: control.IoTLockDoor, ack: "车门已上锁", keywords: []string{"锁门", "锁车门", "锁上所有车门", "把车门锁上", "车门上锁"}},
	{kind: KindIoT, code: control.IoTEmergencyFlasherOn, ack: "已经打开双闪", keywords: []string{"开双闪", "打开小双闪", "打开双闪", "应急灯", "紧急灯", "警示灯"}},
	{kind: KindIoT, code: control.IoTEmergencyFlasherOff, ack: "已经关闭双闪", keywords: []string{"关双闪", "关闭双闪", "关闭应急灯", "关闭紧急灯", "关闭警示灯"}},
	{kind: KindIoT, code: control.IoTLightOn, ack: "已经打开车灯", keywords: []string{"开大灯", "开车灯", "打开车灯"}},
	{kind: KindIoT, code: control.IoTLightOff, ack: "已经关闭车灯", keywords: []string{"关大灯", "关车灯", "关闭车灯"}},
	{kind: KindIoT, code: control.IoTRearFogLampOn, ack: "已经打开后雾灯", keywords: []string{"开后雾灯", "打开后雾灯", "后雾灯"}},
	{kind: KindIoT, code: control.IoTRearFogLampOff, ack: "已经关闭后雾灯", keywords: []string{"关后雾灯", "关闭后雾灯"}},
	{kind: KindIoT, code: control.IoTStopLightOn, ack: "已经打开停车灯", keywords: []string{"开停车灯", "打开停车灯", "示宽灯", "位置灯"}},
	{kind: KindIoT, code: control.IoTStopLightOff, ack: "已经关闭停车灯", keywords: []string{"关停车灯", "关闭停车灯", "关闭示宽灯", "关闭位置灯"}},
	{kind: KindIoT, code: control.IoTLeftFrontWindowOpen, ack: "左前窗已打开", keywords: []string{"打开主驾车窗", "打开左前窗", "开左前窗", "打开驾驶位窗", "开主驾窗"}},
	{kind: KindIoT, code: control.IoTLeftFrontWindowClose, ack: "左前窗已关闭", keywords: []string{"关闭左前窗", "关左前窗", "关闭驾驶位窗", "关主驾窗"}},
	{kind: KindIoT, code: control.IoTRightFrontWindowOpen, ack: "右前窗已打开", keywords: []string{"打开右前窗", "开右前窗", "打开副驾窗", "开副驾驶窗"}},
	{kind: KindIoT, code: control.IoTRightFrontWindowClose, ack: "右前窗已关闭", keywords: []string{"关闭右前窗", "关右前窗", "关闭副驾窗", "关副驾驶窗"}},
	{kind: KindIoT, code: control.IoTLeftRearWindowOpen, ack: "左后窗已打开", keywords: []string{"打开左后窗", "开左后窗", "打开后排左窗", "开后排左窗"}},
	{kind: KindIoT, code: control.IoTLeftRearWindowClose, ack: "左后窗已关闭", keywords: []string{"关闭左后窗", "关左后窗", "关闭后排左窗", "关后排左窗"}},
	{kind: KindIoT, code: control.IoTRightRearWindowOpen, ack: "右后窗已打开", keywords: []string{"打开右后窗", "开右后窗", "打开后排右窗", "开后排右窗"}},
	{kind: KindIoT, code: control.IoTRightRearWindowClose, ack: "右后窗已关闭", keywords: []string{"关闭右后窗", "关右后窗", "关闭后排右窗", "关后排右窗"}},
}

func init() {
	// English phrases are the command names with spaces, e.g. "open trunk".
	for i := range rules {
		if rules[i].kind != KindIoT {
			continue
		}
		name := strings.ReplaceAll(rules[i].code.Name(), "_", " ")
		rules[i].keywords = append(rules[i].keywords, name)
	}
}

var variants = strings.NewReplacer(
	"打開", "打开", "开启", "打开", "開", "开",
	"關閉", "关闭", "关上", "关闭", "關", "关",
	"車", "车", "燈", "灯", "後備箱", "后备箱", "門", "门", "窗戶", "窗户",
	"雙閃", "双闪", "應急燈", "应急灯", "緊急燈", "紧急灯", "霧燈", "雾灯",
	"聲音", "声音", "後", "后", "主駕", "主驾", "副駕", "副驾",
)

var negations = []string{"不要", "先不", "先别", "暂时不要", "暂时别", "取消", "不", "别"}

const punctuation = "。，,、；;！!？?：:“”\"' \t\r\n"

func normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = variants.Replace(text)
	return strings.Trim(text, punctuation)
}

// Match returns the command expressed by text. When several keywords hit,
// the longest one wins; negated keywords ("不要开窗") never match.
func Match(text string) (Intent, bool) {
	norm := normalize(text)
	if norm == "" {
		return Intent{}, false
	}

	var (
		best    *rule
		bestKey string
		bestAt  int
	)
	for i := range rules {
		for _, kw := range rules[i].keywords {
			at := strings.Index(norm, kw)
			if at < 0 || len(kw) <= len(bestKey) {
				continue
			}
			if negated(norm, at) {
				continue
			}
			best, bestKey, bestAt = &rules[i], kw, at
		}
	}
	if best == nil {
		return Intent{}, false
	}

	in := Intent{Kind: best.kind, Code: best.code, Ack: best.ack}
	switch best.kind {
	case KindVolumeSet:
		v, ok := parseVolume(norm[bestAt+len(bestKey):])
		if !ok {
			v, ok = parseVolume(norm)
		}
		if !ok {
			return Intent{}, false
		}
		in.Volume = v
	case KindCreateGroup:
		in.GroupName = groupName(norm[bestAt+len(bestKey):])
	}
	return in, true
}

func negated(text string, at int) bool {
	window := []rune(text[:at])
	if len(window) > 4 {
		window = window[len(window)-4:]
	}
	prefix := string(window)
	for _, n := range negations {
		if strings.Contains(prefix, n) {
			return true
		}
	}
	return false
}

var namePrefixes = []string{"名字叫做", "名字叫", "名称是", "名为", "叫做", "叫", "named", "called"}

func groupName(rest string) string {
	rest = strings.Trim(rest, punctuation+"聊")
	for _, p := range namePrefixes {
		if strings.HasPrefix(rest, p) {
			rest = rest[len(p):]
			break
		}
	}
	rest = strings.TrimSuffix(strings.Trim(rest, punctuation), "吧")
	rest = strings.Trim(rest, punctuation+"()（）")
	return rest
}

var (
	digitsRe  = regexp.MustCompile(`\d+`)
	zhDigitRe = regexp.MustCompile(`(百分之)?[零一二两三四五六七八九十百]+`)
)

var zhDigits = map[rune]int{'零': 0, '一': 1, '二': 2, '两': 2, '三': 3, '四': 4, '五': 5, '六': 6, '七': 7, '八': 8, '九': 9}

// parseVolume finds the first arabic or Chinese number in s and clamps it to 0..100.
func parseVolume(s string) (int, bool) {
	if m := digitsRe.FindString(s); m != "" {
		n, err := strconv.Atoi(m)
		if err != nil {
			return 0, false
		}
		return clamp(n), true
	}
	m := zhDigitRe.FindString(s)
	if m == "" {
		return 0, false
	}
	n, ok := parseChineseNumber(strings.TrimPrefix(m, "百分之"))
	if !ok {
		return 0, false
	}
	return clamp(n), true
}

func parseChineseNumber(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	if strings.Contains(s, "百") {
		return 100, true
	}
	runes := []rune(s)
	tens := strings.IndexRune(s, '十')
	if tens < 0 {
		v, ok := zhDigits[runes[0]]
		return v, ok
	}
	parts := strings.SplitN(s, "十", 2)
	t := 1
	if parts[0] != "" {
		v, ok := zhDigits[[]rune(parts[0])[0]]
		if !ok {
			return 0, false
		}
		t = v
	}
	o := 0
	if parts[1] != "" {
		v, ok := zhDigits[[]rune(parts[1])[0]]
		if !ok {
			return 0, false
		}
		o = v
	}
	return t*10 + o, true
}

func clamp(n int) int {
	switch {
	case n < 0:
		return 0
	case n > 100:
		return 100
	default:
		return n
	}
}
