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

// Package config holds the relay configuration tree.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then environment variable overrides. No config file is required; the relay
// runs from environment variables alone.
package config

import (
	"context"
	"fmt"
)

// Config is the root configuration for the relay.
type Config struct {
	Server        ServerConfig        `yaml:"server,omitempty" json:"server,omitempty"`
	Upstream      UpstreamConfig      `yaml:"upstream,omitempty" json:"upstream,omitempty"`
	Translate     TranslateConfig     `yaml:"translate,omitempty" json:"translate,omitempty"`
	Router        RouterConfig        `yaml:"router,omitempty" json:"router,omitempty"`
	History       HistoryConfig       `yaml:"history,omitempty" json:"history,omitempty"`
	Continuation  ContinuationConfig  `yaml:"continuation,omitempty" json:"continuation,omitempty"`
	Enhance       EnhanceConfig       `yaml:"enhance,omitempty" json:"enhance,omitempty"`
	Stream        StreamConfig        `yaml:"stream,omitempty" json:"stream,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty"`
	Logger        LoggerConfig        `yaml:"logger,omitempty" json:"logger,omitempty"`
}

// SetDefaults applies defaults to all sections.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Upstream.SetDefaults()
	c.Translate.SetDefaults()
	c.Router.SetDefaults()
	c.History.SetDefaults()
	c.Continuation.SetDefaults()
	c.Enhance.SetDefaults()
	c.Stream.SetDefaults()
	c.Observability.SetDefaults()
	c.Logger.SetDefaults()
}

// Validate checks all sections.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream: %w", err)
	}
	if err := c.Router.Validate(); err != nil {
		return fmt.Errorf("router: %w", err)
	}
	if err := c.History.Validate(); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if err := c.Continuation.Validate(); err != nil {
		return fmt.Errorf("continuation: %w", err)
	}
	if err := c.Enhance.Validate(); err != nil {
		return fmt.Errorf("enhance: %w", err)
	}
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}

// New returns a Config populated from defaults and environment variables.
func New() (*Config, error) {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load builds the config from the optional file at path plus environment
// overrides. An empty path means environment-only operation.
func Load(ctx context.Context, path string) (*Config, *Loader, error) {
	if path == "" {
		cfg, err := New()
		return cfg, nil, err
	}
	return LoadConfigFile(ctx, path)
}
