package group

import (
	"fmt"
	"strings"
)

const (
	DefaultName    = "默认群聊"
	DefaultMessage = "邀请你加入群聊"
)

const (
	promptAskName       = "请给一个群聊名称"
	promptUnclearName   = "能将群聊名称描述更清晰点吗？"
	promptNoCandidates  = "当前没有其他在线设备可以邀请"
	promptDeclined      = "您已拒绝加入群聊"
	promptLeft          = "您已退出群聊"
	promptInviteExpired = "该群聊已经不存在了"
)

func promptConfirmCreate(name string) string {
	return fmt.Sprintf("您将创建一个群聊，%s。请说确认或拒绝。", name)
}

func promptCreateCancelled(name string) string {
	return fmt.Sprintf("您放弃创建群聊，%s", name)
}

func promptInvitation(name string) string {
	return fmt.Sprintf("您收到一个群聊邀请，群聊名称是%s。请说同意或拒绝。", name)
}

func promptCreated(name string, invited int) string {
	return fmt.Sprintf("群聊%s已创建，已向%d台设备发送邀请。", name, invited)
}

func promptJoined(name string) string {
	return fmt.Sprintf("您已成功加入群聊%s，现在可以与群组成员进行语音通话了", name)
}

func promptMemberJoined(deviceID string) string {
	return fmt.Sprintf("%s加入了群聊", deviceID)
}

func promptMemberDeclined(deviceID string) string {
	return fmt.Sprintf("%s拒绝了群聊邀请", deviceID)
}

func promptMemberLeft(deviceID string) string {
	return fmt.Sprintf("%s退出了群聊", deviceID)
}

func promptEnded(name string) string {
	return fmt.Sprintf("群聊%s已结束", name)
}

var (
	agreeWords   = []string{"同意", "agree", "yes", "好的", "可以", "行", "ok", "加入"}
	refuseWords  = []string{"不同意", "拒绝", "no", "refuse", "不要", "不行", "不加入", "不参加"}
	confirmWords = append([]string{"确认"}, agreeWords...)
	cancelWords  = append([]string{"放弃"}, refuseWords...)

	// Phrases match anywhere in the utterance; bare verbs only as the whole reply.
	exitPhrases   = []string{"退出群聊", "离开群聊", "结束群聊", "退出群组", "exit group", "leave group"}
	exitWords     = []string{"退出", "离开", "exit", "leave"}
	exitNegations = []string{"不", "别", "没", "n't", "not"}

	namePrefixes = []string{"群聊名称是", "群聊名字是", "群名称是", "群名是", "名称是", "名字是", "就叫", "叫做", "叫", "name it", "call it"}
)

const replyPunctuation = " \t\r\n。.，,！!？?、；;：:\"'“”‘’"

func normalizeReply(text string) string {
	return strings.ToLower(strings.Trim(text, replyPunctuation))
}

// matchesWord is an exact, case-insensitive vocabulary lookup that ignores
// surrounding punctuation.
func matchesWord(text string, words []string) bool {
	norm := normalizeReply(text)
	if norm == "" {
		return false
	}
	for _, w := range words {
		if norm == w {
			return true
		}
	}
	return false
}

// ExitRequested reports whether text asks to leave the current group.
// Negated phrases ("我不想离开群聊") do not count.
func ExitRequested(text string) bool {
	norm := normalizeReply(text)
	if norm == "" {
		return false
	}
	if matchesWord(norm, exitWords) {
		return true
	}
	for _, k := range exitPhrases {
		if at := strings.Index(norm, k); at >= 0 && !negatedBefore(norm, at) {
			return true
		}
	}
	return false
}

func negatedBefore(text string, at int) bool {
	window := []rune(text[:at])
	if len(window) > 4 {
		window = window[len(window)-4:]
	}
	prefix := string(window)
	for _, n := range exitNegations {
		if strings.Contains(prefix, n) {
			return true
		}
	}
	return false
}

func extractGroupName(text string) string {
	name := strings.Trim(text, replyPunctuation)
	lower := strings.ToLower(name)
	for _, p := range namePrefixes {
		if strings.HasPrefix(lower, p) {
			name = name[len(p):]
			break
		}
	}
	name = strings.TrimSuffix(strings.Trim(name, replyPunctuation), "吧")
	return strings.Trim(name, replyPunctuation)
}
