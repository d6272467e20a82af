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

// Package session derives stable session identities from requests so the
// summary and context caches can follow a conversation across stateless
// HTTP calls.
package session

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kadirpekel/relay/pkg/protocol"
)

const (
	idPrefixChars   = 200
	idPrefixMsgs    = 5
	defaultCapacity = 1000
	defaultTTL      = time.Hour
)

// Session tracks per-conversation counters shared across requests.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu        sync.Mutex
	lastSeen  time.Time
	requests  int64
	lastModel string
}

// Touch records a request against the session.
func (s *Session) Touch(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
	s.requests++
	s.lastModel = model
}

// Snapshot returns the session counters.
func (s *Session) Snapshot() (lastSeen time.Time, requests int64, lastModel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen, s.requests, s.lastModel
}

// DeriveID assigns a session id by the first matching rule: an explicit
// conversation id, then a fingerprint of client identity plus the
// conversation's opening messages, then a random id with no cache sharing.
// Identical (client, conversation prefix) pairs always map to the same id.
func DeriveID(r *http.Request, req *protocol.MessagesRequest) string {
	if cid := conversationID(r, req); cid != "" {
		sum := md5.Sum([]byte(cid))
		return "conv_" + hex.EncodeToString(sum[:])[:16]
	}

	clientID := deriveClientID(r)
	if clientID != "" || (req != nil && len(req.Messages) > 0) {
		parts := []string{"client:" + clientID}
		if req != nil {
			for i := 0; i < len(req.Messages) && i < idPrefixMsgs; i++ {
				parts = append(parts, messagePrefix(&req.Messages[i]))
			}
		}
		sum := sha256.Sum256([]byte(strings.Join(parts, " | ")))
		return hex.EncodeToString(sum[:])[:20]
	}

	return "rand_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// DeriveChatID is DeriveID for the chat-completions surface, where content
// is plain strings and there is no metadata block.
func DeriveChatID(r *http.Request, req *protocol.ChatRequest) string {
	if r != nil {
		if cid := r.Header.Get("X-Conversation-ID"); cid != "" {
			sum := md5.Sum([]byte(cid))
			return "conv_" + hex.EncodeToString(sum[:])[:16]
		}
	}

	clientID := deriveClientID(r)
	if clientID != "" || (req != nil && len(req.Messages) > 0) {
		parts := []string{"client:" + clientID}
		if req != nil {
			for i := 0; i < len(req.Messages) && i < idPrefixMsgs; i++ {
				content := req.Messages[i].Content
				runes := []rune(content)
				if len(runes) > idPrefixChars {
					content = string(runes[:idPrefixChars])
				}
				parts = append(parts, content)
			}
		}
		sum := sha256.Sum256([]byte(strings.Join(parts, " | ")))
		return hex.EncodeToString(sum[:])[:20]
	}

	return "rand_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func conversationID(r *http.Request, req *protocol.MessagesRequest) string {
	if r != nil {
		if cid := r.Header.Get("X-Conversation-ID"); cid != "" {
			return cid
		}
	}
	if req != nil && req.Metadata != nil {
		return req.Metadata.ConversationID
	}
	return ""
}

func deriveClientID(r *http.Request) string {
	if r == nil {
		return ""
	}
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func messagePrefix(msg *protocol.Message) string {
	var sb strings.Builder
	for i := range msg.Content {
		if text := msg.Content[i].PlainText(); text != "" {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(text)
			if sb.Len() >= idPrefixChars {
				break
			}
		}
	}
	runes := []rune(sb.String())
	if len(runes) > idPrefixChars {
		return string(runes[:idPrefixChars])
	}
	return sb.String()
}

// Store is a TTL-bounded LRU of sessions.
type Store struct {
	cache *expirable.LRU[string, *Session]
}

// NewStore builds a store; zero capacity or TTL select the defaults
// (1000 sessions, one hour).
func NewStore(capacity int, ttl time.Duration) *Store {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{
		cache: expirable.NewLRU[string, *Session](capacity, nil, ttl),
	}
}

// GetOrCreate returns the session for an id, creating it on first use.
func (s *Store) GetOrCreate(id string) *Session {
	if sess, ok := s.cache.Get(id); ok {
		return sess
	}
	sess := &Session{ID: id, CreatedAt: time.Now()}
	s.cache.Add(id, sess)
	return sess
}

// Get returns the session for an id, if present.
func (s *Store) Get(id string) (*Session, bool) {
	return s.cache.Get(id)
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	return s.cache.Len()
}
