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

package httpclient

import (
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// TransportOptions shape the pooled transport used for upstream calls.
type TransportOptions struct {
	ConnectTimeout  time.Duration
	MaxConnections  int
	MaxKeepalive    int
	KeepaliveExpiry time.Duration

	// EnableHTTP2 allows h2 negotiation. When false the transport pins
	// HTTP/1.1 so a load-balancing upstream sees one connection per
	// in-flight request instead of one multiplexed stream.
	EnableHTTP2 bool

	TLS TLSOptions
}

// NewTransport builds an http.Transport with explicit pool limits.
func NewTransport(opts TransportOptions) *http.Transport {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.KeepaliveExpiry == 0 {
		opts.KeepaliveExpiry = 30 * time.Second
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:       opts.MaxConnections,
		MaxIdleConns:          opts.MaxKeepalive,
		MaxIdleConnsPerHost:   opts.MaxKeepalive,
		IdleConnTimeout:       opts.KeepaliveExpiry,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	tlsCfg, err := buildTLSConfig(opts.TLS)
	if err != nil {
		slog.Warn("Ignoring TLS options, using system defaults", "error", err)
	} else if tlsCfg != nil {
		transport.TLSClientConfig = tlsCfg
	}

	if opts.EnableHTTP2 {
		transport.ForceAttemptHTTP2 = true
	} else {
		transport.ForceAttemptHTTP2 = false
		// An empty (non-nil) map disables the h2 upgrade path entirely.
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	return transport
}
