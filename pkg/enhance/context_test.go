package enhance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/relay/pkg/config"
	"github.com/kadirpekel/relay/pkg/protocol"
)

func enhanceConfig() config.ContextEnhanceConfig {
	cfg := config.EnhanceConfig{}
	cfg.SetDefaults()
	return cfg.Context
}

func userMsg(text string) protocol.Message {
	return protocol.Message{
		Role:    "user",
		Content: protocol.BlockList{{Type: protocol.BlockText, Text: text}},
	}
}

func TestContextManager_ExtractAndEnhance(t *testing.T) {
	var prompt string
	var mu sync.Mutex
	call := func(ctx context.Context, model, p string, maxTokens int) (string, error) {
		mu.Lock()
		prompt = p
		mu.Unlock()
		assert.Equal(t, "claude-sonnet-4-5-20250929", model)
		assert.Equal(t, 250, maxTokens)
		return "Go + chi | API 网关 | 协议转换", nil
	}
	m := NewContextManager(enhanceConfig(), call)

	msgs := []protocol.Message{userMsg("build a gateway")}
	m.MaybeSchedule("session-1", msgs)

	require.Eventually(t, func() bool {
		_, ok := m.cache.Get("session-1")
		return ok
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Contains(t, prompt, "user: build a gateway")
	assert.Contains(t, prompt, "请直接输出项目上下文")
	mu.Unlock()

	out := m.Enhance("session-1", []protocol.Message{userMsg("add streaming")})
	text := out[len(out)-1].Content.Text()
	assert.Contains(t, text, "<project_context>\nGo + chi | API 网关 | 协议转换\n</project_context>")
	assert.Contains(t, text, "<user_request>\nadd streaming\n</user_request>")
}

func TestContextManager_EnhanceWithoutCacheIsNoOp(t *testing.T) {
	m := NewContextManager(enhanceConfig(), nil)
	msgs := []protocol.Message{userMsg("hello")}
	out := m.Enhance("none", msgs)
	assert.Equal(t, "hello", out[0].Content.Text())
}

func TestContextManager_EnhanceSkipsNonUserTail(t *testing.T) {
	m := NewContextManager(enhanceConfig(), nil)
	m.cache.Add("s", "ctx")
	msgs := []protocol.Message{
		userMsg("hi"),
		{Role: "assistant", Content: protocol.BlockList{{Type: protocol.BlockText, Text: "reply"}}},
	}
	out := m.Enhance("s", msgs)
	assert.Equal(t, "reply", out[1].Content.Text())
}

func TestContextManager_FailureCounted(t *testing.T) {
	call := func(ctx context.Context, model, p string, maxTokens int) (string, error) {
		return "", errors.New("upstream down")
	}
	m := NewContextManager(enhanceConfig(), call)
	m.MaybeSchedule("s", []protocol.Message{userMsg("x")})

	require.Eventually(t, func() bool {
		return m.Stats().TasksFailed == 1
	}, time.Second, 5*time.Millisecond)
	_, ok := m.cache.Get("s")
	assert.False(t, ok)
}

func TestContextManager_ResultCapped(t *testing.T) {
	cfg := enhanceConfig()
	cfg.MaxTokens = 10
	call := func(ctx context.Context, model, p string, maxTokens int) (string, error) {
		return strings.Repeat("a", 200), nil
	}
	m := NewContextManager(cfg, call)
	m.MaybeSchedule("s", []protocol.Message{userMsg("x")})

	require.Eventually(t, func() bool {
		v, ok := m.cache.Get("s")
		return ok && len(v) == 40
	}, time.Second, 5*time.Millisecond)
}

func TestContextManager_SkipsWhenCached(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	call := func(ctx context.Context, model, p string, maxTokens int) (string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return "ctx", nil
	}
	m := NewContextManager(enhanceConfig(), call)
	m.cache.Add("s", "already there")
	m.MaybeSchedule("s", []protocol.Message{userMsg("x")})

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, calls)
	mu.Unlock()
}

func TestFormatHistory(t *testing.T) {
	msgs := []protocol.Message{
		userMsg("question"),
		{Role: "assistant", Content: protocol.BlockList{
			{Type: protocol.BlockToolUse, ID: "t1", Name: "bash"},
		}},
		{Role: "user", Content: protocol.BlockList{
			{Type: protocol.BlockToolResult, ToolUseID: "t1"},
		}},
		{Role: "user", Content: protocol.BlockList{{Type: protocol.BlockText, Text: "   "}}},
	}
	out := FormatHistory(msgs, 20, 500)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 3, "blank message dropped")
	assert.Equal(t, "user: question", lines[0])
	assert.Equal(t, "assistant: [Tool: bash]", lines[1])
	assert.Equal(t, "user: [Tool Result]", lines[2])
}

func TestFormatHistory_WindowAndCap(t *testing.T) {
	var msgs []protocol.Message
	for i := 0; i < 30; i++ {
		msgs = append(msgs, userMsg(strings.Repeat("z", 600)))
	}
	out := FormatHistory(msgs, 20, 500)
	lines := strings.Split(out, "\n")
	assert.Len(t, lines, 20)
	assert.True(t, strings.HasSuffix(lines[0], "..."))
}
