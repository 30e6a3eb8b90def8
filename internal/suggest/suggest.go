// Package suggest offers canned reply suggestions for the last messages of a
// conversation. It is rule based and needs no model.
package suggest

import (
	"regexp"
	"sort"
	"strings"
)

const (
	// MaxSuggestions caps Suggestions.
	MaxSuggestions = 5
	// MaxQuickReplies caps QuickReplies.
	MaxQuickReplies = 8
	// contextWindow is how many trailing messages are considered.
	contextWindow = 5
)

// Message is the part of a chat message the rules look at.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Suggestion is one proposed reply.
type Suggestion struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

type rule struct {
	match   func(content string) bool
	reason  string
	replies []Suggestion
}

var greeting = regexp.MustCompile(`^(hi|hello|hey|早上|下午|晚上|您好)`)

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

var rules = []rule{
	{
		match:  greeting.MatchString,
		reason: "问候回复",
		replies: []Suggestion{
			{Content: "您好！很高兴为您服务，有什么可以帮助您的吗？", Confidence: 0.9},
			{Content: "你好！请问有什么可以帮到您的？", Confidence: 0.85},
		},
	},
	{
		match:  func(s string) bool { return containsAny(s, "?", "？", "怎么", "如何") },
		reason: "问题回复",
		replies: []Suggestion{
			{Content: "好的，我来帮您了解一下具体情况。", Confidence: 0.8},
			{Content: "明白您的问题了，让我为您查询一下相关信息。", Confidence: 0.75},
		},
	},
	{
		match:  func(s string) bool { return containsAny(s, "谢谢", "感谢", "thank") },
		reason: "感谢回复",
		replies: []Suggestion{
			{Content: "不客气！如果还有其他问题，随时可以联系我。", Confidence: 0.95},
			{Content: "这是我应该做的，祝您生活愉快！", Confidence: 0.9},
		},
	},
	{
		match:  func(s string) bool { return containsAny(s, "再见", "拜拜", "bye") },
		reason: "告别回复",
		replies: []Suggestion{
			{Content: "再见！祝您有美好的一天！", Confidence: 0.95},
		},
	},
}

var fallback = []Suggestion{
	{Content: "收到您的内容了，我会尽快处理。", Confidence: 0.7, Reason: "通用回复"},
	{Content: "好的，我明白了。", Confidence: 0.65, Reason: "通用回复"},
}

// Suggestions proposes up to MaxSuggestions replies to the last message,
// most confident first. A message no rule recognizes gets generic replies.
func Suggestions(history []Message) []Suggestion {
	var out []Suggestion
	if last, ok := lastMessage(history); ok {
		content := strings.ToLower(last.Content)
		for _, r := range rules {
			if !r.match(content) {
				continue
			}
			for _, s := range r.replies {
				s.Reason = r.reason
				out = append(out, s)
			}
		}
	}
	if len(out) == 0 {
		out = append(out, fallback...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if len(out) > MaxSuggestions {
		out = out[:MaxSuggestions]
	}
	return out
}

// QuickReplies returns short one-tap replies, deduplicated and capped at
// MaxQuickReplies.
func QuickReplies(history []Message) []string {
	last, ok := lastMessage(history)
	if !ok {
		return []string{"您好", "请问有什么可以帮助您的？", "很高兴为您服务"}
	}
	content := strings.ToLower(last.Content)

	var replies []string
	if containsAny(content, "你好", "您好", "hi") {
		replies = append(replies, "您好！有什么可以帮助您的吗？", "你好！请问有什么问题？")
	}
	if containsAny(content, "谢谢", "感谢") {
		replies = append(replies, "不客气！", "这是我应该做的")
	}
	if containsAny(content, "?", "？") {
		replies = append(replies, "好的，我来帮您处理", "明白，请稍等")
	}
	if containsAny(content, "再见", "拜拜") {
		replies = append(replies, "再见，祝您愉快！")
	}
	replies = append(replies, "收到", "好的", "明白")

	seen := make(map[string]bool, len(replies))
	out := replies[:0]
	for _, r := range replies {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	if len(out) > MaxQuickReplies {
		out = out[:MaxQuickReplies]
	}
	return out
}

// SmartReply returns prompt when given, otherwise the first quick reply.
func SmartReply(history []Message, prompt string) string {
	if strings.TrimSpace(prompt) != "" {
		return prompt
	}
	if qr := QuickReplies(history); len(qr) > 0 {
		return qr[0]
	}
	return "好的"
}

func lastMessage(history []Message) (Message, bool) {
	if len(history) > contextWindow {
		history = history[len(history)-contextWindow:]
	}
	if len(history) == 0 {
		return Message{}, false
	}
	return history[len(history)-1], true
}
