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

// Package hatrac exposes the object store over HTTP: hierarchical
// names, immutable object versions, chunked uploads and per-resource
// ACL and metadata sub-resources.
package hatrac

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hatrac/hatrac/pkg/acl"
	"github.com/hatrac/hatrac/pkg/appctx"
	"github.com/hatrac/hatrac/pkg/client"
	"github.com/hatrac/hatrac/pkg/directory"
	"github.com/hatrac/hatrac/pkg/errtypes"
	"github.com/hatrac/hatrac/pkg/rhttp/global"
	"github.com/hatrac/hatrac/pkg/storage/registry"
	"github.com/hatrac/hatrac/pkg/utils/cfg"
	"github.com/pkg/errors"
)

func init() {
	global.Register("hatrac", New)
}

type config struct {
	Prefix string `mapstructure:"prefix"`
	// ServicePrefix is prepended to every self-reference the service
	// emits, Location headers and listing entries. It defaults to the
	// mount prefix.
	ServicePrefix  string           `mapstructure:"service_prefix"`
	StorageBackend string           `mapstructure:"storage_backend"`
	Database       directory.Config `mapstructure:"database"`
	// RootOwners seeds the owner ACL of "/" when the schema is
	// deployed on startup.
	RootOwners            []string       `mapstructure:"root_owners"`
	FirewallACLs          firewallConfig `mapstructure:"firewall_acls"`
	MaxRequestPayloadSize int64          `mapstructure:"max_request_payload_size"`
	ReadOnly              bool           `mapstructure:"read_only"`
}

// firewallConfig carries the service-wide role sets consulted before
// any per-resource ACL. An absent set admits every caller.
type firewallConfig struct {
	Create         []string `mapstructure:"create"`
	Delete         []string `mapstructure:"delete"`
	ManageACL      []string `mapstructure:"manage_acl"`
	ManageMetadata []string `mapstructure:"manage_metadata"`
}

func (c *config) ApplyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "hatrac"
	}
	if c.ServicePrefix == "" {
		c.ServicePrefix = "/" + c.Prefix
	}
	if c.StorageBackend == "" {
		c.StorageBackend = "filesystem"
	}
	if c.MaxRequestPayloadSize == 0 {
		c.MaxRequestPayloadSize = 128 << 20
	}
}

type svc struct {
	conf     *config
	dir      *directory.Directory
	router   chi.Router
	firewall map[string]acl.Set
}

// New returns a new hatrac service. The storage backend named in the
// configuration is constructed from the same map, so backend options
// live alongside the service options.
func New(ctx context.Context, m map[string]interface{}) (global.Service, error) {
	var c config
	if err := cfg.Decode(m, &c); err != nil {
		return nil, err
	}

	newBackend, ok := registry.NewFuncs[c.StorageBackend]
	if !ok {
		return nil, errors.Errorf("hatrac: unknown storage backend %s", c.StorageBackend)
	}
	backend, err := newBackend(m)
	if err != nil {
		return nil, err
	}

	dir, err := directory.New(&c.Database, backend)
	if err != nil {
		return nil, err
	}
	if err := dir.Deploy(ctx, c.RootOwners); err != nil {
		return nil, err
	}

	s := &svc{
		conf:   &c,
		dir:    dir,
		router: chi.NewRouter(),
		firewall: map[string]acl.Set{
			opCreate:         firewallSet(c.FirewallACLs.Create),
			opDelete:         firewallSet(c.FirewallACLs.Delete),
			opManageACL:      firewallSet(c.FirewallACLs.ManageACL),
			opManageMetadata: firewallSet(c.FirewallACLs.ManageMetadata),
		},
	}
	s.routerInit()
	return s, nil
}

func (s *svc) routerInit() {
	s.router.Get("/*", s.handleGet)
	s.router.Head("/*", s.handleGet)
	s.router.Put("/*", s.handlePut)
	s.router.Post("/*", s.handlePost)
	s.router.Delete("/*", s.handleDelete)
}

func (s *svc) Prefix() string {
	return s.conf.Prefix
}

func (s *svc) Unprotected() []string {
	return []string{}
}

func (s *svc) Close() error {
	return s.dir.Close()
}

func (s *svc) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := appctx.GetLogger(r.Context())
		log.Debug().Str("path", r.URL.Path).Msg("hatrac routing")

		// unset raw path, otherwise chi uses it to route and then fails to match percent encoded path segments
		r.URL.RawPath = ""
		s.router.ServeHTTP(w, r)
	})
}

// Firewall operation classes.
const (
	opCreate         = "create"
	opDelete         = "delete"
	opManageACL      = "manage_acl"
	opManageMetadata = "manage_metadata"
)

func firewallSet(roles []string) acl.Set {
	if len(roles) == 0 {
		return nil
	}
	return acl.NewSet(roles...)
}

// enforceFirewall rejects callers outside the configured role set of
// the operation class before any resource-level check runs.
func (s *svc) enforceFirewall(op string, c *client.Client) error {
	set := s.firewall[op]
	if set == nil || set.Matches(c) {
		return nil
	}
	if c.Authenticated() {
		return errtypes.PermissionDenied("client " + c.ID + " on " + op + " requests")
	}
	return errtypes.Unauthenticated("anonymous access on " + op + " requests")
}

// mutating gates every write operation: read-only deployments reject
// them wholesale.
func (s *svc) mutating(w http.ResponseWriter) bool {
	if s.conf.ReadOnly {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// selfRef turns a resource path into the URL path the service
// advertises for it.
func (s *svc) selfRef(resource string) string {
	return strings.TrimSuffix(s.conf.ServicePrefix, "/") + resource
}

// resolveVersion resolves the version a target addresses: the tagged
// one when the target carries a tag, the current one otherwise.
func (s *svc) resolveVersion(ctx context.Context, obj *directory.Name, t *target) (*directory.Version, error) {
	if t.isVersion() {
		return s.dir.ResolveVersion(ctx, obj, t.version)
	}
	return s.dir.CurrentVersion(ctx, obj)
}
