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
	"crypto/x509"
	"fmt"
	"os"
)

// TLSOptions configure upstream TLS. The zero value verifies against the
// system roots.
type TLSOptions struct {
	// SkipVerify disables certificate verification. Only for upstreams
	// behind a self-signed dev proxy.
	SkipVerify bool

	// CACert is a path to a PEM CA bundle trusted in place of the system
	// roots.
	CACert string
}

// buildTLSConfig turns TLSOptions into a tls.Config, or nil for defaults.
func buildTLSConfig(opts TLSOptions) (*tls.Config, error) {
	if !opts.SkipVerify && opts.CACert == "" {
		return nil, nil
	}

	cfg := &tls.Config{}
	if opts.CACert != "" {
		pem, err := os.ReadFile(opts.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate %s: %w", opts.CACert, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", opts.CACert)
		}
		cfg.RootCAs = pool
	}
	cfg.InsecureSkipVerify = opts.SkipVerify
	return cfg, nil
}
