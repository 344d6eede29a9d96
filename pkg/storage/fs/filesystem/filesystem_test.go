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

package filesystem

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatrac/hatrac/pkg/errtypes"
	"github.com/hatrac/hatrac/pkg/metadata"
	"github.com/hatrac/hatrac/pkg/storage"
)

func newTestBackend(t *testing.T) (storage.Backend, string) {
	t.Helper()
	root := t.TempDir()
	b, err := New(map[string]interface{}{"storage_path": root})
	require.NoError(t, err)
	return b, root
}

func digestsOf(payload string) metadata.Map {
	m5 := md5.Sum([]byte(payload))
	s256 := sha256.Sum256([]byte(payload))
	return metadata.Map{
		metadata.ContentMD5:    string(m5[:]),
		metadata.ContentSHA256: string(s256[:]),
	}
}

func TestCreateFromFile(t *testing.T) {
	b, root := newTestBackend(t)
	ctx := context.Background()

	payload := "the quick brown fox"
	tag, err := b.CreateFromFile(ctx, "/ns/obj", strings.NewReader(payload), int64(len(payload)), digestsOf(payload))
	require.NoError(t, err)
	assert.Len(t, tag, 26)
	assert.NotContains(t, tag, "=")

	data, err := os.ReadFile(filepath.Join(root, "ns", "obj:"+tag))
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}

func TestCreateFromFileDigestMismatch(t *testing.T) {
	b, root := newTestBackend(t)
	ctx := context.Background()

	md := digestsOf("what the client promised")
	_, err := b.CreateFromFile(ctx, "/ns/obj", strings.NewReader("what actually arrived!!!"), 24, md)
	require.Error(t, err)
	assert.True(t, errtypes.IsBadRequest(err))

	// nothing may be left visible after a failed create
	entries, err := os.ReadDir(filepath.Join(root, "ns"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "obj:"), "stray file %s", e.Name())
	}
}

func TestCreateFromFileShortBody(t *testing.T) {
	b, _ := newTestBackend(t)
	_, err := b.CreateFromFile(context.Background(), "/obj", strings.NewReader("abc"), 10, metadata.Map{})
	require.Error(t, err)
	assert.True(t, errtypes.IsBadRequest(err))
}

func TestTraversalIsConfined(t *testing.T) {
	b, root := newTestBackend(t)
	ctx := context.Background()

	tag, err := b.CreateFromFile(ctx, "/../../etc/passwd", strings.NewReader("x"), 1, metadata.Map{})
	require.NoError(t, err)

	// the path is collapsed under the storage root
	_, err = os.Stat(filepath.Join(root, "etc", "passwd:"+tag))
	assert.NoError(t, err)
}

func TestUploadRoundTrip(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	assert.False(t, b.TracksChunks())

	payload := "0123456789abcdefghij-tail"
	md := digestsOf(payload)

	job, err := b.CreateUpload(ctx, "/ns/obj", int64(len(payload)), md)
	require.NoError(t, err)
	assert.Len(t, job, 26)

	// chunks land out of order at their declared offsets
	aux, err := b.UploadChunkFromFile(ctx, "/ns/obj", job, 2, 10, strings.NewReader("-tail"), 5, nil)
	require.NoError(t, err)
	assert.Nil(t, aux)
	_, err = b.UploadChunkFromFile(ctx, "/ns/obj", job, 0, 10, strings.NewReader("0123456789"), 10, nil)
	require.NoError(t, err)
	_, err = b.UploadChunkFromFile(ctx, "/ns/obj", job, 1, 10, strings.NewReader("abcdefghij"), 10, nil)
	require.NoError(t, err)

	tag, err := b.FinalizeUpload(ctx, "/ns/obj", job, nil, md)
	require.NoError(t, err)

	c, err := b.GetContentRange(ctx, "/ns/obj", tag, md, nil, nil)
	require.NoError(t, err)
	defer c.Body.Close()
	data, err := io.ReadAll(c.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
	assert.Equal(t, int64(len(payload)), c.NBytes)
}

func TestFinalizeRehashMismatch(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	// digests promise different bytes than the chunks deliver
	md := digestsOf("expected content")
	job, err := b.CreateUpload(ctx, "/obj", 6, md)
	require.NoError(t, err)
	_, err = b.UploadChunkFromFile(ctx, "/obj", job, 0, 6, strings.NewReader("other!"), 6, nil)
	require.NoError(t, err)

	_, err = b.FinalizeUpload(ctx, "/obj", job, nil, md)
	require.Error(t, err)
	assert.True(t, errtypes.IsBadRequest(err))
}

func TestUploadChunkUnknownJob(t *testing.T) {
	b, _ := newTestBackend(t)
	_, err := b.UploadChunkFromFile(context.Background(), "/obj", "NOSUCHJOB", 0, 10, strings.NewReader("x"), 1, nil)
	require.Error(t, err)
	assert.True(t, errtypes.IsNotFound(err))
}

func TestCancelUpload(t *testing.T) {
	b, root := newTestBackend(t)
	ctx := context.Background()

	job, err := b.CreateUpload(ctx, "/obj", 10, metadata.Map{})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "obj:upload:"+job))
	require.NoError(t, err)

	require.NoError(t, b.CancelUpload(ctx, "/obj", job))
	_, err = os.Stat(filepath.Join(root, "obj:upload:"+job))
	assert.True(t, os.IsNotExist(err))

	// cancel is idempotent
	assert.NoError(t, b.CancelUpload(ctx, "/obj", job))
}

func TestGetContentRangeSlice(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	payload := "0123456789"
	md := metadata.Map{metadata.ContentType: "text/plain", metadata.ContentMD5: "bogus-not-checked-on-read"}
	tag, err := b.CreateFromFile(ctx, "/obj", strings.NewReader(payload), 10, metadata.Map{})
	require.NoError(t, err)

	c, err := b.GetContentRange(ctx, "/obj", tag, md, &storage.Slice{Start: 2, Stop: 6}, nil)
	require.NoError(t, err)
	defer c.Body.Close()
	data, err := io.ReadAll(c.Body)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(data))
	assert.Equal(t, int64(4), c.NBytes)

	// partial reads advertise the content type but no whole-entity digests
	assert.Equal(t, "text/plain", c.Metadata[metadata.ContentType])
	_, hasMD5 := c.Metadata[metadata.ContentMD5]
	assert.False(t, hasMD5)
}

func TestGetContentRangeBadSlice(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	tag, err := b.CreateFromFile(ctx, "/obj", strings.NewReader("0123456789"), 10, metadata.Map{})
	require.NoError(t, err)

	_, err = b.GetContentRange(ctx, "/obj", tag, metadata.Map{}, &storage.Slice{Start: 4, Stop: 11}, nil)
	require.Error(t, err)
	assert.True(t, errtypes.IsBadRange(err))
}

func TestGetContentRangeMissingVersion(t *testing.T) {
	b, _ := newTestBackend(t)
	_, err := b.GetContentRange(context.Background(), "/obj", "NOSUCHTAG", metadata.Map{}, nil, nil)
	require.Error(t, err)
	assert.True(t, errtypes.IsObjectVersionMissing(err))
}

func TestDelete(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	tag, err := b.CreateFromFile(ctx, "/obj", strings.NewReader("x"), 1, metadata.Map{})
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, "/obj", tag, nil))
	err = b.Delete(ctx, "/obj", tag, nil)
	require.Error(t, err)
	assert.True(t, errtypes.IsObjectVersionMissing(err))
}

func TestDeleteNamespacePrunes(t *testing.T) {
	b, root := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b", "c"), 0755))
	require.NoError(t, b.DeleteNamespace(ctx, "/a/b/c"))
	_, err := os.Stat(filepath.Join(root, "a"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(root)
	assert.NoError(t, err, "the storage root itself must survive")
}

func TestDeleteNamespaceStopsAtOccupiedParent(t *testing.T) {
	b, root := newTestBackend(t)
	ctx := context.Background()

	tag, err := b.CreateFromFile(ctx, "/x/keep", strings.NewReader("x"), 1, metadata.Map{})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "x", "y"), 0755))

	require.NoError(t, b.DeleteNamespace(ctx, "/x/y"))
	_, err = os.Stat(filepath.Join(root, "x", "y"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "x", "keep:"+tag))
	assert.NoError(t, err)
}
