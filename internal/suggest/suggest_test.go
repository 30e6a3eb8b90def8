package suggest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgs(contents ...string) []Message {
	out := make([]Message, len(contents))
	for i, c := range contents {
		out[i] = Message{Role: "user", Content: c}
	}
	return out
}

func TestSuggestionsByRule(t *testing.T) {
	cases := []struct {
		name   string
		last   string
		reason string
		first  float64
	}{
		{"greeting", "Hello there", "问候回复", 0.9},
		{"question", "怎么重启网关", "问题回复", 0.8},
		{"thanks", "Thank you!", "感谢回复", 0.95},
		{"goodbye", "好的，拜拜", "告别回复", 0.95},
		{"generic", "部署完成", "通用回复", 0.7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Suggestions(msgs("earlier", tc.last))
			require.NotEmpty(t, got)
			assert.Equal(t, tc.reason, got[0].Reason)
			assert.Equal(t, tc.first, got[0].Confidence)
		})
	}
}

func TestSuggestionsSortedAndCapped(t *testing.T) {
	got := Suggestions(msgs("hi, thanks! how do I log in? bye"))
	require.Len(t, got, MaxSuggestions)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Confidence, got[i].Confidence)
	}
	assert.Equal(t, 0.95, got[0].Confidence)
}

func TestSuggestionsEmptyHistory(t *testing.T) {
	got := Suggestions(nil)
	require.Len(t, got, 2)
	assert.Equal(t, "通用回复", got[0].Reason)
}

func TestQuickReplies(t *testing.T) {
	assert.Equal(t, []string{"您好", "请问有什么可以帮助您的？", "很高兴为您服务"}, QuickReplies(nil))

	got := QuickReplies(msgs("您好，谢谢？再见"))
	assert.Len(t, got, MaxQuickReplies)
	assert.Equal(t, "您好！有什么可以帮助您的吗？", got[0])

	got = QuickReplies(msgs("ok"))
	assert.Equal(t, []string{"收到", "好的", "明白"}, got)
}

func TestSmartReply(t *testing.T) {
	assert.Equal(t, "custom", SmartReply(nil, "custom"))
	assert.Equal(t, "收到", SmartReply(msgs("ok"), ""))
}
