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

package stream

import (
	"context"

	"github.com/kadirpekel/relay/pkg/protocol"
	"github.com/kadirpekel/relay/pkg/upstream"
)

// Relay drives one streamed upstream exchange through the pipeline: text
// deltas pass through live, everything else is resolved from the final
// accumulated result.
func Relay(ctx context.Context, client *upstream.Client, chatReq *protocol.ChatRequest, tag upstream.Tag, p *Pipeline) error {
	if err := p.Start(); err != nil {
		return err
	}

	result, err := client.FetchStreamWith(ctx, chatReq, tag, func(chunk *protocol.ChatChunk) {
		if len(chunk.Choices) == 0 {
			return
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			_ = p.Text(content)
		}
	})
	if err != nil {
		return p.FailInternal(err.Error())
	}
	if result.Err != nil {
		if result.Err.StatusCode > 0 {
			return p.FailUpstream(result.Err)
		}
		return p.FailInternal(result.Err.Message)
	}
	return p.Finish(result)
}
