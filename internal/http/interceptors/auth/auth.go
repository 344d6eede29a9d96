// Copyright 2018-2019 CERN
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

// Package auth resolves the caller identity before the request reaches
// a service. Requests without credentials proceed as anonymous; the
// per-resource ACL checks decide later whether anonymous access is
// enough. Only requests presenting invalid credentials are rejected
// here.
package auth

import (
	"net/http"
	"strings"

	"github.com/armon/go-radix"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hatrac/hatrac/pkg/appctx"
	"github.com/hatrac/hatrac/pkg/client"
	"github.com/hatrac/hatrac/pkg/rhttp/global"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

type config struct {
	// Realm is optional, will be filled with request host if not given.
	Realm string `mapstructure:"realm"`
	// ClientHeader enables trusted header authentication for
	// deployments where a fronting proxy authenticates the caller.
	ClientHeader     string `mapstructure:"client_header"`
	AttributesHeader string `mapstructure:"attributes_header"`
	// JWTSecret enables bearer token authentication with HS256
	// signed tokens.
	JWTSecret string   `mapstructure:"jwt_secret"`
	SkipURLs  []string `mapstructure:"skip_urls"`
}

func parseConfig(m map[string]interface{}) (*config, error) {
	c := &config{}
	if err := mapstructure.Decode(m, c); err != nil {
		err = errors.Wrap(err, "error decoding conf")
		return nil, err
	}
	return c, nil
}

type claims struct {
	Attributes []string `json:"attributes,omitempty"`
	jwt.RegisteredClaims
}

// New returns a middleware that authenticates the request and stores
// the resolved client in the context. The unprotected paths bypass
// credential handling entirely.
func New(m map[string]interface{}, unprotected []string) (global.Middleware, error) {
	conf, err := parseConfig(m)
	if err != nil {
		return nil, err
	}

	skip := radix.New()
	for _, u := range unprotected {
		skip.Insert(u, true)
	}
	for _, u := range conf.SkipURLs {
		skip.Insert(u, true)
	}

	chain := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			log := appctx.GetLogger(ctx)

			// OPTION requests need to pass for preflight requests.
			if r.Method == "OPTIONS" {
				h.ServeHTTP(w, r)
				return
			}

			if skipURL(skip, r.URL.Path) {
				log.Debug().Msg("skipping auth check for: " + r.URL.Path)
				h.ServeHTTP(w, r)
				return
			}

			c, err := authenticate(conf, r)
			if err != nil {
				log.Warn().Err(err).Msg("rejected credentials")
				realm := conf.Realm
				if realm == "" {
					realm = r.Host
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="`+realm+`"`)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}

			if c.Authenticated() {
				sub := log.With().Str("client", c.ID).Logger()
				ctx = appctx.WithLogger(ctx, &sub)
				ctx = client.ContextSetClient(ctx, c)
				r = r.WithContext(ctx)
			}
			h.ServeHTTP(w, r)
		})
	}
	return chain, nil
}

func skipURL(skip *radix.Tree, url string) bool {
	_, _, ok := skip.LongestPrefix(url)
	return ok
}

// authenticate returns the caller identity or nil when no credentials
// are presented. Presented but invalid credentials are an error.
func authenticate(conf *config, r *http.Request) (*client.Client, error) {
	if conf.ClientHeader != "" {
		if id := r.Header.Get(conf.ClientHeader); id != "" {
			c := &client.Client{ID: id}
			if conf.AttributesHeader != "" {
				c.Attributes = splitAttributes(r.Header.Get(conf.AttributesHeader))
			}
			return c, nil
		}
	}

	hdr := r.Header.Get("Authorization")
	if hdr == "" {
		return nil, nil
	}
	raw, ok := strings.CutPrefix(hdr, "Bearer ")
	if !ok {
		return nil, errors.Errorf("unsupported authorization scheme: %s", strings.SplitN(hdr, " ", 2)[0])
	}
	if conf.JWTSecret == "" {
		return nil, errors.New("bearer token presented but no jwt secret is configured")
	}

	token, err := jwt.ParseWithClaims(raw, &claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(conf.JWTSecret), nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "error parsing bearer token")
	}
	cl, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid bearer token")
	}
	if cl.Subject == "" {
		return nil, errors.New("bearer token carries no subject")
	}
	return &client.Client{ID: cl.Subject, Attributes: cl.Attributes}, nil
}

func splitAttributes(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	attrs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			attrs = append(attrs, p)
		}
	}
	return attrs
}
