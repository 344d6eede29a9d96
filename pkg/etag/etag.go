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

// Package etag computes the deterministic fingerprints used as entity
// tags for precondition checks: on version tags, ACL role lists,
// metadata maps and namespace listings.
package etag

import (
	"crypto/md5"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// HashValue returns the base64 encoded MD5 digest of the UTF-8 bytes
// of s.
func HashValue(s string) string {
	sum := md5.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// HashList fingerprints a list of strings independent of order and
// duplication. Elements are percent-escaped before joining so that
// the separator cannot collide with element content.
func HashList(l []string) string {
	seen := make(map[string]struct{}, len(l))
	escaped := make([]string, 0, len(l))
	for _, s := range l {
		e := url.QueryEscape(s)
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		escaped = append(escaped, e)
	}
	sort.Strings(escaped)
	return HashValue(strings.Join(escaped, ";"))
}

// HashDict fingerprints a string map independent of iteration order
// by hashing the list of concatenated key and value fingerprints.
func HashDict(d map[string]string) string {
	pairs := make([]string, 0, len(d))
	for k, v := range d {
		pairs = append(pairs, HashValue(k)+HashValue(v))
	}
	return HashList(pairs)
}
