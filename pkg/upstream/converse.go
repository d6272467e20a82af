// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package upstream

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strings"

	stdjson "encoding/json"

	"github.com/google/uuid"

	"github.com/kadirpekel/relay/pkg/protocol"
)

// ConverseResult is a Kiro-native completion mapped to Anthropic content.
type ConverseResult struct {
	Blocks       protocol.BlockList
	StopReason   string
	InputTokens  int
	OutputTokens int
}

type kiroConverseResponse struct {
	Output struct {
		Message struct {
			Content []kiroOutputContent `json:"content"`
		} `json:"message"`
		StopReason string `json:"stopReason"`
	} `json:"output"`
	Usage struct {
		InputTokens  int `json:"inputTokens"`
		OutputTokens int `json:"outputTokens"`
	} `json:"usage"`
}

type kiroOutputContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     stdjson.RawMessage `json:"input,omitempty"`
}

// KiroStreamEvent is one frame of the converse SSE stream.
type KiroStreamEvent struct {
	AssistantResponseEvent *struct {
		Content string `json:"content"`
	} `json:"assistantResponseEvent,omitempty"`
	ToolUseEvent *struct {
		ToolUseID string          `json:"toolUseId"`
		Name      string          `json:"name"`
		Input     stdjson.RawMessage `json:"input,omitempty"`
		Stop      bool            `json:"stop,omitempty"`
	} `json:"toolUseEvent,omitempty"`
	MessageMetadataEvent *struct {
		StopReason   string `json:"stopReason,omitempty"`
		InputTokens  int    `json:"inputTokens,omitempty"`
		OutputTokens int    `json:"outputTokens,omitempty"`
	} `json:"messageMetadataEvent,omitempty"`
}

// Converse runs one non-streaming Kiro-native exchange. Tool uses in the
// output become tool_use blocks; missing ids get fresh ones.
func (c *Client) Converse(ctx context.Context, kiroReq *protocol.KiroRequest, tag Tag) (*ConverseResult, error) {
	req, err := c.newRequest(ctx, conversePath, kiroReq, tag)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if resp == nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, Classify(resp.StatusCode, raw)
	}

	var kiroResp kiroConverseResponse
	if err := json.Unmarshal(raw, &kiroResp); err != nil {
		return nil, err
	}

	result := &ConverseResult{
		StopReason:   kiroResp.Output.StopReason,
		InputTokens:  kiroResp.Usage.InputTokens,
		OutputTokens: kiroResp.Usage.OutputTokens,
	}
	switch result.StopReason {
	case "", "stop", "end_turn":
		result.StopReason = protocol.StopEndTurn
	}
	for _, item := range kiroResp.Output.Message.Content {
		switch item.Type {
		case "text":
			result.Blocks = append(result.Blocks, protocol.ContentBlock{
				Type: protocol.BlockText,
				Text: item.Text,
			})
		case "toolUse":
			id := item.ToolUseID
			if id == "" {
				id = "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
			}
			input := item.Input
			if len(input) == 0 {
				input = stdjson.RawMessage(`{}`)
			}
			result.Blocks = append(result.Blocks, protocol.ContentBlock{
				Type:  protocol.BlockToolUse,
				ID:    id,
				Name:  item.Name,
				Input: input,
			})
		}
	}
	return result, nil
}

// ConverseStream runs a streamed Kiro-native exchange, invoking handler for
// every decoded event in order. Returns a classified error on non-2xx.
func (c *Client) ConverseStream(ctx context.Context, kiroReq *protocol.KiroRequest, tag Tag, handler func(*KiroStreamEvent)) error {
	req, err := c.newRequest(ctx, conversePath, kiroReq, tag)
	if err != nil {
		return err
	}

	resp, err := c.http.HTTPClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return Classify(resp.StatusCode, raw)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxSSELineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "[DONE]" {
			break
		}
		var event KiroStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		handler(&event)
	}
	return scanner.Err()
}
