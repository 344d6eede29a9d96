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

// Package metadata implements the per-resource metadata map and its
// codecs. The key set is closed. Digest values are raw bytes in
// memory, base64 on the wire and hex inside the stored JSON; the two
// digest fields are write-once.
package metadata

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/hatrac/hatrac/pkg/errtypes"
)

// Recognized field names.
const (
	ContentType        = "content-type"
	ContentDisposition = "content-disposition"
	ContentMD5         = "content-md5"
	ContentSHA256      = "content-sha256"
)

// digestLen maps the binary fields to their digest sizes.
var digestLen = map[string]int{
	ContentMD5:    16,
	ContentSHA256: 32,
}

var dispositionRe = regexp.MustCompile(`^filename\*=UTF-8''([^/\\]+)$`)

// Map holds a resource's metadata in canonical form: text fields
// verbatim, digest fields as raw digest bytes.
type Map map[string]string

// ValidField returns nil for a recognized field name, else BadRequest.
func ValidField(field string) error {
	switch field {
	case ContentType, ContentDisposition, ContentMD5, ContentSHA256:
		return nil
	}
	return errtypes.BadRequest("unknown metadata field " + field)
}

// WriteOnce reports whether field may only be written once.
func WriteOnce(field string) bool {
	_, ok := digestLen[field]
	return ok
}

// ParseHTTP validates one field value as received on the wire and
// returns its canonical form. Digests are accepted as base64 or hex.
func ParseHTTP(field, value string) (string, error) {
	if err := ValidField(field); err != nil {
		return "", err
	}
	value = strings.TrimSpace(value)
	switch field {
	case ContentType:
		if value == "" || strings.ContainsAny(value, "\r\n") {
			return "", errtypes.BadRequest("invalid content-type value")
		}
		return value, nil
	case ContentDisposition:
		m := dispositionRe.FindStringSubmatch(value)
		if m == nil {
			return "", errtypes.BadRequest("content-disposition must be of the form filename*=UTF-8''<name>")
		}
		name, err := url.PathUnescape(m[1])
		if err != nil || name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return "", errtypes.BadRequest("invalid content-disposition filename " + m[1])
		}
		return value, nil
	default:
		return parseDigest(field, value)
	}
}

func parseDigest(field, value string) (string, error) {
	n := digestLen[field]
	if b, err := base64.StdEncoding.DecodeString(value); err == nil && len(b) == n {
		return string(b), nil
	}
	if b, err := hex.DecodeString(value); err == nil && len(b) == n {
		return string(b), nil
	}
	return "", errtypes.BadRequest(field + " must be a base64 or hex digest of " + strconv.Itoa(n) + " bytes")
}

// FormatHTTP returns the wire form of a canonical value.
func FormatHTTP(field, value string) string {
	if WriteOnce(field) {
		return base64.StdEncoding.EncodeToString([]byte(value))
	}
	return value
}

// FromHTTP builds a canonical map from wire-form fields.
func FromHTTP(fields map[string]string) (Map, error) {
	m := make(Map, len(fields))
	for k, v := range fields {
		k = strings.ToLower(k)
		c, err := ParseHTTP(k, v)
		if err != nil {
			return nil, err
		}
		m[k] = c
	}
	return m, nil
}

// ToHTTP returns the map with all values in wire form.
func (m Map) ToHTTP() map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = FormatHTTP(k, v)
	}
	return out
}

// ToSQL encodes the map as the JSON stored in the catalog, digests
// hex-encoded.
func (m Map) ToSQL() (string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if WriteOnce(k) {
			out[k] = hex.EncodeToString([]byte(v))
		} else {
			out[k] = v
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", errors.Wrap(err, "metadata: error encoding map")
	}
	return string(b), nil
}

// FromSQL decodes a stored JSON document into canonical form.
func FromSQL(doc string) (Map, error) {
	if doc == "" {
		return Map{}, nil
	}
	var raw map[string]string
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, errors.Wrap(err, "metadata: error decoding stored map")
	}
	m := make(Map, len(raw))
	for k, v := range raw {
		if WriteOnce(k) {
			b, err := hex.DecodeString(v)
			if err != nil {
				return nil, errors.Wrapf(err, "metadata: error decoding stored %s", k)
			}
			m[k] = string(b)
		} else {
			m[k] = v
		}
	}
	return m, nil
}

// Merge applies updates onto m. Write-once fields already present
// fail with Conflict unless the new value equals the old, which is a
// no-op.
func (m Map) Merge(updates Map) error {
	for k, v := range updates {
		if err := ValidField(k); err != nil {
			return err
		}
		if old, ok := m[k]; ok && WriteOnce(k) {
			if old == v {
				continue
			}
			return errtypes.Conflict(k + " is write-once and already set")
		}
		m[k] = v
	}
	return nil
}

// Pop removes field from m, failing with NotFound when absent.
func (m Map) Pop(field string) error {
	if err := ValidField(field); err != nil {
		return err
	}
	if _, ok := m[field]; !ok {
		return errtypes.NotFound("metadata field " + field + " not set")
	}
	delete(m, field)
	return nil
}

// Copy returns an independent copy of m.
func (m Map) Copy() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Partial returns the subset of m valid for a partial content
// response: whole-entity digests and dispositions do not describe a
// byte range, only the content type survives.
func (m Map) Partial() Map {
	out := Map{}
	if v, ok := m[ContentType]; ok {
		out[ContentType] = v
	}
	return out
}
