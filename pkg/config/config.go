// Copyright 2018-2023 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package config loads the hatracd TOML configuration. The static
// sections decode into typed structs while the per-service and
// per-middleware sections stay as raw maps, handed to the registered
// constructors untouched.
package config

import (
	"io"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Config is the root of the hatracd configuration.
type Config struct {
	Core *Core `mapstructure:"core"`
	Log  *Log  `mapstructure:"log"`
	HTTP *HTTP `mapstructure:"-"`
}

// Core holds process-wide settings.
type Core struct {
	MaxCPUs            string `mapstructure:"max_cpus"`
	TracingEnabled     bool   `mapstructure:"tracing_enabled"`
	TracingEndpoint    string `mapstructure:"tracing_endpoint"`
	TracingServiceName string `mapstructure:"tracing_service_name"`
}

// Log configures the daemon logger.
type Log struct {
	Output string `mapstructure:"output"`
	Mode   string `mapstructure:"mode"`
	Level  string `mapstructure:"level"`
}

// HTTP configures the server and the services and middlewares mounted
// on it.
type HTTP struct {
	Network  string `mapstructure:"network"`
	Address  string `mapstructure:"address"`
	CertFile string `mapstructure:"certfile"`
	KeyFile  string `mapstructure:"keyfile"`

	Services    map[string]map[string]interface{} `mapstructure:"-"`
	Middlewares map[string]map[string]interface{} `mapstructure:"-"`
}

// Load reads and parses the TOML configuration.
func Load(r io.Reader) (*Config, error) {
	var raw map[string]interface{}
	if _, err := toml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "config: error decoding toml data")
	}

	c := &Config{}
	if err := mapstructure.Decode(raw, c); err != nil {
		return nil, errors.Wrap(err, "config: error decoding configuration")
	}
	if err := c.parseHTTP(raw); err != nil {
		return nil, err
	}

	c.init()
	return c, nil
}

func (c *Config) parseHTTP(raw map[string]interface{}) error {
	c.HTTP = &HTTP{}

	h, ok := raw["http"].(map[string]interface{})
	if !ok {
		return nil
	}
	if err := mapstructure.Decode(h, c.HTTP); err != nil {
		return errors.Wrap(err, "config: error decoding http section")
	}

	var err error
	if c.HTTP.Services, err = sections(h, "services"); err != nil {
		return err
	}
	c.HTTP.Middlewares, err = sections(h, "middlewares")
	return err
}

// sections extracts a table of tables, e.g. [http.services.hatrac].
func sections(m map[string]interface{}, key string) (map[string]map[string]interface{}, error) {
	s := map[string]map[string]interface{}{}
	v, ok := m[key]
	if !ok {
		return s, nil
	}
	raw, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("config: http.%s is not a table", key)
	}
	for name, v := range raw {
		conf, ok := v.(map[string]interface{})
		if !ok {
			return nil, errors.Errorf("config: %s.%s is not a table", key, name)
		}
		s[name] = conf
	}
	return s, nil
}

func (c *Config) init() {
	if c.Core == nil {
		c.Core = &Core{}
	}
	if c.Log == nil {
		c.Log = &Log{}
	}
	if c.HTTP.Network == "" {
		c.HTTP.Network = "tcp"
	}
	if c.HTTP.Address == "" {
		c.HTTP.Address = "0.0.0.0:8080"
	}
}
