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

package config

import (
	"fmt"
	"net/url"
	"time"
)

// UpstreamConfig configures the connection to the Kiro proxy.
type UpstreamConfig struct {
	// BaseURL is the Kiro proxy base (KIRO_PROXY_BASE).
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// APIKey is sent as a bearer token (KIRO_API_KEY).
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// UseNative switches to the Kiro-native converse endpoint instead of
	// the OpenAI-compatible one (USE_KIRO_NATIVE).
	UseNative *bool `yaml:"use_native,omitempty" json:"use_native,omitempty"`

	// ConnectTimeout bounds TCP connect (HTTP_CONNECT_TIMEOUT, seconds).
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty" json:"connect_timeout,omitempty"`

	// ReadTimeout bounds a full upstream exchange including the streamed
	// body (HTTP_READ_TIMEOUT, seconds). Defaults to the server request
	// timeout.
	ReadTimeout time.Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`

	// MaxConnections caps connections per upstream host
	// (HTTP_POOL_MAX_CONNECTIONS).
	MaxConnections int `yaml:"max_connections,omitempty" json:"max_connections,omitempty"`

	// MaxKeepalive caps idle pooled connections (HTTP_POOL_MAX_KEEPALIVE).
	MaxKeepalive int `yaml:"max_keepalive,omitempty" json:"max_keepalive,omitempty"`

	// KeepaliveExpiry is the idle connection lifetime
	// (HTTP_POOL_KEEPALIVE_EXPIRY, seconds).
	KeepaliveExpiry time.Duration `yaml:"keepalive_expiry,omitempty" json:"keepalive_expiry,omitempty"`

	// UseHTTP2 enables HTTP/2 to the upstream (HTTP_USE_HTTP2). Off by
	// default: the upstream balances per connection, and h2 multiplexing
	// would funnel every request through one of them.
	UseHTTP2 *bool `yaml:"use_http2,omitempty" json:"use_http2,omitempty"`

	// TLSSkipVerify disables upstream certificate verification
	// (HTTP_TLS_SKIP_VERIFY). For self-signed dev proxies only.
	TLSSkipVerify *bool `yaml:"tls_skip_verify,omitempty" json:"tls_skip_verify,omitempty"`

	// TLSCACert is a PEM CA bundle path trusted for the upstream
	// (HTTP_TLS_CA_CERT).
	TLSCACert string `yaml:"tls_ca_cert,omitempty" json:"tls_ca_cert,omitempty"`

	// MaxRetries is the retry budget for transient upstream failures on
	// non-streaming internal calls.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`

	// RetryBaseDelay is the initial backoff delay.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay,omitempty" json:"retry_base_delay,omitempty"`
}

// SetDefaults sets default values for UpstreamConfig.
func (c *UpstreamConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://127.0.0.1:8000"
	}
	if c.UseNative == nil {
		c.UseNative = BoolPtr(false)
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 300 * time.Second
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 2000
	}
	if c.MaxKeepalive == 0 {
		c.MaxKeepalive = 500
	}
	if c.KeepaliveExpiry == 0 {
		c.KeepaliveExpiry = 30 * time.Second
	}
	if c.UseHTTP2 == nil {
		c.UseHTTP2 = BoolPtr(false)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 1 * time.Second
	}
}

// Validate validates the UpstreamConfig.
func (c *UpstreamConfig) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url must be http or https, got %q", c.BaseURL)
	}
	if c.MaxKeepalive > c.MaxConnections {
		return fmt.Errorf("max_keepalive (%d) cannot exceed max_connections (%d)", c.MaxKeepalive, c.MaxConnections)
	}
	return nil
}
