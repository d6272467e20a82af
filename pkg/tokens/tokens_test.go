package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/relay/pkg/protocol"
)

func TestHeuristic_ASCII(t *testing.T) {
	// 40 ASCII chars at 4 chars/token.
	assert.Equal(t, 10, heuristic(strings.Repeat("a", 40)))
}

func TestHeuristic_CJK(t *testing.T) {
	// 30 ideographs at 1.5 chars/token.
	assert.Equal(t, 20, heuristic(strings.Repeat("码", 30)))
}

func TestHeuristic_Mixed(t *testing.T) {
	text := strings.Repeat("码", 15) + strings.Repeat("a", 20)
	// 15/1.5 + 20/4 = 10 + 5
	assert.Equal(t, 15, heuristic(text))
}

func TestHeuristic_Minimum(t *testing.T) {
	assert.Equal(t, 1, heuristic("a"))
}

func TestEstimate_Empty(t *testing.T) {
	assert.Equal(t, 0, Estimate(""))
}

func TestEstimate_MemoizedStable(t *testing.T) {
	text := strings.Repeat("the quick brown fox ", 20)
	first := Estimate(text)
	second := Estimate(text)
	assert.Equal(t, first, second)
	assert.Greater(t, first, 0)
}

func TestEstimateMessages_CountsToolBlocks(t *testing.T) {
	msgs := []protocol.Message{
		{Role: "user", Content: protocol.BlockList{{Type: protocol.BlockText, Text: strings.Repeat("a", 40)}}},
		{Role: "assistant", Content: protocol.BlockList{
			{Type: protocol.BlockToolUse, ID: "t1", Name: "f", Input: []byte(`{"path":"` + strings.Repeat("x", 30) + `"}`)},
		}},
	}
	total := EstimateMessages(msgs)
	// Two messages of overhead plus the content estimates.
	assert.GreaterOrEqual(t, total, 2*messageOverhead+Estimate(strings.Repeat("a", 40)))
}

func TestCountForBilling(t *testing.T) {
	msgs := []protocol.Message{
		{Role: "user", Content: protocol.BlockList{{Type: protocol.BlockText, Text: strings.Repeat("a", 100)}}},
	}
	n := CountForBilling(strings.Repeat("s", 20), msgs, nil)
	assert.Equal(t, 30, n)
}

func TestCountForBilling_ToolResultText(t *testing.T) {
	msgs := []protocol.Message{
		{Role: "user", Content: protocol.BlockList{{
			Type:      protocol.BlockToolResult,
			ToolUseID: "t1",
			Content:   protocol.ResultBlocks{{Type: protocol.BlockText, Text: strings.Repeat("r", 40)}},
		}}},
	}
	require.Equal(t, 10, CountForBilling("", msgs, nil))
}
