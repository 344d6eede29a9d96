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

// Package client defines the caller identity consumed by ACL
// enforcement and the helpers to carry it in a context.
package client

import (
	"context"
)

// Client describes an authenticated caller: its primary id and the
// attribute ids (groups, affiliations) granted by the authentication
// layer. A nil Client or an empty ID means the caller is anonymous.
type Client struct {
	ID         string
	Attributes []string
}

// Authenticated reports whether c identifies a non-anonymous caller.
func (c *Client) Authenticated() bool {
	return c != nil && c.ID != ""
}

type key int

const clientKey key = iota

// ContextGetClient returns the client if set in the given context.
func ContextGetClient(ctx context.Context) (*Client, bool) {
	c, ok := ctx.Value(clientKey).(*Client)
	return c, ok
}

// ContextMustGetClient panics if client is not in context.
func ContextMustGetClient(ctx context.Context) *Client {
	c, ok := ContextGetClient(ctx)
	if !ok {
		panic("client not found in context")
	}
	return c
}

// ContextSetClient stores the client in the context.
func ContextSetClient(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, clientKey, c)
}
