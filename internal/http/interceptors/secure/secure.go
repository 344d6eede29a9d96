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

// Package secure adds browser hardening headers to every response.
// Objects are user supplied content, so responses must never be
// sniffed or framed.
package secure

import (
	"net/http"

	"github.com/mitchellh/mapstructure"

	"github.com/hatrac/hatrac/pkg/rhttp/global"
)

const (
	defaultPriority = 200
)

func init() {
	global.RegisterMiddleware("secure", New)
}

type secure struct {
	ContentSecurityPolicy string `mapstructure:"content_security_policy"`
	Priority              int    `mapstructure:"priority"`
}

// New creates a new secure middleware.
func New(m map[string]interface{}) (global.Middleware, int, error) {
	s := &secure{}
	if err := mapstructure.Decode(m, s); err != nil {
		return nil, 0, err
	}

	if s.Priority == 0 {
		s.Priority = defaultPriority
	}

	if s.ContentSecurityPolicy == "" {
		s.ContentSecurityPolicy = "frame-ancestors 'none'"
	}

	return s.Handler, s.Priority, nil
}

// Handler is the middleware function.
func (m *secure) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Indicates whether the browser is allowed to render this page in a <frame>, <iframe>, <embed> or <object>.
		w.Header().Set("X-Frame-Options", "DENY")
		// Does basically the same as X-Frame-Options.
		w.Header().Set("Content-Security-Policy", m.ContentSecurityPolicy)
		// This header indicates that MIME types advertised in the Content-Type headers should not be changed and be followed.
		w.Header().Set("X-Content-Type-Options", "nosniff")
		// https://msdn.microsoft.com/en-us/library/jj542450(v=vs.85).aspx
		w.Header().Set("X-Download-Options", "noopen")
		// https://www.adobe.com/devnet/adobe-media-server/articles/cross-domain-xml-for-streaming.html
		w.Header().Set("X-Permitted-Cross-Domain-Policies", "none")
		// https://developers.google.com/webmasters/control-crawl-index/docs/robots_meta_tag
		w.Header().Set("X-Robots-Tag", "none")
		// enforce browser based XSS filters
		w.Header().Set("X-XSS-Protection", "1; mode=block")

		if r.TLS != nil {
			// Tell browsers that the website should only be accessed using HTTPS.
			w.Header().Set("Strict-Transport-Security", "max-age=31536000")
		}

		next.ServeHTTP(w, r)
	})
}
