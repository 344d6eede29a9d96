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

// Package storage defines the bulk-storage interface shared by the
// filesystem, s3 and overlay backends. The directory owns all
// bookkeeping; a backend only moves bytes and issues version tags.
package storage

import (
	"context"
	"io"

	"github.com/hatrac/hatrac/pkg/metadata"
)

// Aux is an opaque auxiliary blob a backend attaches to chunks or
// versions, persisted verbatim by the directory and handed back on
// later calls. S3 stores part ETags this way.
type Aux map[string]interface{}

// Chunk is one tracked part of an upload job.
type Chunk struct {
	Position int64
	Aux      Aux
}

// Slice is a half-open byte range [Start, Stop). A nil *Slice means
// the whole entity.
type Slice struct {
	Start int64
	Stop  int64
}

// Length returns the number of bytes addressed by the slice.
func (s *Slice) Length() int64 { return s.Stop - s.Start }

// Content is the result of a read. Either Body streams the bytes, or
// RedirectURL carries a location the caller should fetch instead;
// never both.
type Content struct {
	NBytes      int64
	Metadata    metadata.Map
	Body        io.ReadCloser
	RedirectURL string
}

// Backend is the byte-level storage interface. Implementations must
// be safe for concurrent use; clients and handles are created once
// and shared.
type Backend interface {
	// CreateFromFile writes nbytes from r as a new version of name
	// and returns the version tag once the bytes are durable.
	CreateFromFile(ctx context.Context, name string, r io.Reader, nbytes int64, md metadata.Map) (string, error)

	// CreateUpload starts a chunked upload job for name and returns
	// the backend's job token.
	CreateUpload(ctx context.Context, name string, nbytes int64, md metadata.Map) (string, error)

	// UploadChunkFromFile stores one chunk. The returned Aux is nil
	// unless the backend tracks chunks.
	UploadChunkFromFile(ctx context.Context, name, job string, position, chunksize int64, r io.Reader, nbytes int64, md metadata.Map) (Aux, error)

	// FinalizeUpload assembles the chunks into a new version and
	// returns its tag. chunks is nil for backends that do not track
	// chunks, else the recorded chunks in ascending position order.
	FinalizeUpload(ctx context.Context, name, job string, chunks []Chunk, md metadata.Map) (string, error)

	// CancelUpload aborts a job and discards its chunks.
	CancelUpload(ctx context.Context, name, job string) error

	// GetContentRange reads a version, optionally restricted to a
	// slice. Partial reads carry only the content type in the
	// returned metadata.
	GetContentRange(ctx context.Context, name, version string, md metadata.Map, sl *Slice, aux Aux) (*Content, error)

	// Delete discards the bytes of a version.
	Delete(ctx context.Context, name, version string, aux Aux) error

	// DeleteNamespace tidies backend state for a deleted namespace.
	// It may be a no-op.
	DeleteNamespace(ctx context.Context, name string) error

	// TracksChunks reports whether the directory must persist chunk
	// records and replay them on finalize.
	TracksChunks() bool
}
