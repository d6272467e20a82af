// Package tokens estimates token counts for routing, history sizing, and
// billing. A character heuristic is the contractual floor; the tiktoken
// encoding refines it when available.
package tokens

import (
	"encoding/json"
	"hash/fnv"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/relay/pkg/protocol"
)

const (
	// CJK ideographs encode roughly 1.5 characters per token; everything
	// else averages 4.
	cjkCharsPerToken   = 1.5
	otherCharsPerToken = 4.0

	// Per-message overhead for role and separators.
	messageOverhead = 4

	memoThreshold = 100
	memoMaxSize   = 2048
)

var (
	memoMu sync.Mutex
	memo   = make(map[memoKey]int, 256)

	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

type memoKey struct {
	hash   uint64
	length int
	cjkPct int
}

// Estimate returns the estimated token count of a text. Short texts are
// computed directly; longer ones are memoized by content hash.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	if len(text) < memoThreshold {
		return estimate(text)
	}

	key := makeKey(text)
	memoMu.Lock()
	if n, ok := memo[key]; ok {
		memoMu.Unlock()
		return n
	}
	memoMu.Unlock()

	n := estimate(text)

	memoMu.Lock()
	if len(memo) >= memoMaxSize {
		// Cheap reset beats tracking recency for a bounded memo.
		memo = make(map[memoKey]int, 256)
	}
	memo[key] = n
	memoMu.Unlock()
	return n
}

func estimate(text string) int {
	if enc := loadEncoding(); enc != nil {
		if n := len(enc.Encode(text, nil, nil)); n > 0 {
			return n
		}
	}
	return heuristic(text)
}

// heuristic splits the text into CJK and non-CJK characters and applies the
// per-class densities.
func heuristic(text string) int {
	cjk, other := 0, 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	n := int(float64(cjk)/cjkCharsPerToken + float64(other)/otherCharsPerToken)
	if n < 1 {
		n = 1
	}
	return n
}

func isCJK(r rune) bool {
	return r >= 0x4E00 && r <= 0x9FFF
}

func loadEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		// Offline environments have no encoding files; the heuristic
		// covers that case.
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

func makeKey(text string) memoKey {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	cjk := 0
	total := 0
	for _, r := range text {
		total++
		if isCJK(r) {
			cjk++
		}
	}
	pct := 0
	if total > 0 {
		pct = cjk * 100 / total
	}
	return memoKey{hash: h.Sum64(), length: len(text), cjkPct: pct}
}

// EstimateMessages estimates tokens across a conversation, counting text,
// thinking, tool inputs, and tool results, plus per-message overhead.
func EstimateMessages(msgs []protocol.Message) int {
	total := 0
	for i := range msgs {
		total += messageOverhead
		for j := range msgs[i].Content {
			b := &msgs[i].Content[j]
			switch b.Type {
			case protocol.BlockToolUse:
				total += Estimate(string(b.Input))
			case protocol.BlockToolResult:
				total += Estimate(b.Content.Text())
			default:
				total += Estimate(b.PlainText())
			}
		}
	}
	return total
}

// CountForBilling implements the count_tokens endpoint contract: total
// characters of system, message text, and tool definitions divided by 4.
func CountForBilling(system string, msgs []protocol.Message, tools []protocol.Tool) int {
	chars := len(system)
	for i := range msgs {
		for j := range msgs[i].Content {
			b := &msgs[i].Content[j]
			switch b.Type {
			case protocol.BlockToolUse:
				chars += len(b.Input)
			case protocol.BlockToolResult:
				chars += len(b.Content.Text())
			default:
				chars += len(b.PlainText())
			}
		}
	}
	if len(tools) > 0 {
		if data, err := json.Marshal(tools); err == nil {
			chars += len(data)
		}
	}
	return chars / 4
}
