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

// hatrac-admin provisions a hatrac deployment outside the running
// daemon. It reads the same configuration file as hatracd.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/hatrac/hatrac/pkg/config"
	"github.com/hatrac/hatrac/pkg/directory"
	"github.com/hatrac/hatrac/pkg/storage/registry"
	"github.com/hatrac/hatrac/pkg/utils/cfg"

	_ "github.com/hatrac/hatrac/pkg/storage/loader"
)

var configFlag = flag.String("c", "/etc/hatrac/hatracd.toml", "set configuration file")

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	switch args[0] {
	case "deploy":
		if err := deploy(args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "hatrac-admin: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "hatrac-admin: unknown command %q\n", args[0])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: hatrac-admin [-c file] <command> [args]

commands:
  deploy [owner ...]    create the directory schema and seed the root
                        namespace owner ACL. Owners given as arguments
                        override the configured root_owners.
`)
}

// adminConfig is the slice of the hatrac service configuration the
// admin commands need.
type adminConfig struct {
	StorageBackend string           `mapstructure:"storage_backend"`
	Database       directory.Config `mapstructure:"database"`
	RootOwners     []string         `mapstructure:"root_owners"`
}

func (c *adminConfig) ApplyDefaults() {
	if c.StorageBackend == "" {
		c.StorageBackend = "filesystem"
	}
}

func serviceConfig() (*adminConfig, map[string]interface{}, error) {
	fd, err := os.Open(*configFlag)
	if err != nil {
		return nil, nil, err
	}
	defer fd.Close()

	conf, err := config.Load(fd)
	if err != nil {
		return nil, nil, err
	}

	m, ok := conf.HTTP.Services["hatrac"]
	if !ok {
		return nil, nil, fmt.Errorf("no [http.services.hatrac] section in %s", *configFlag)
	}

	c := &adminConfig{}
	if err := cfg.Decode(m, c); err != nil {
		return nil, nil, err
	}
	return c, m, nil
}

func deploy(owners []string) error {
	c, m, err := serviceConfig()
	if err != nil {
		return err
	}

	newBackend, ok := registry.NewFuncs[c.StorageBackend]
	if !ok {
		return fmt.Errorf("unknown storage backend %s", c.StorageBackend)
	}
	backend, err := newBackend(m)
	if err != nil {
		return err
	}

	dir, err := directory.New(&c.Database, backend)
	if err != nil {
		return err
	}
	defer dir.Close()

	if len(owners) == 0 {
		owners = c.RootOwners
	}

	if err := dir.Deploy(context.Background(), owners); err != nil {
		return err
	}

	fmt.Printf("schema deployed, root namespace owned by [%s]\n", strings.Join(owners, ", "))
	return nil
}
