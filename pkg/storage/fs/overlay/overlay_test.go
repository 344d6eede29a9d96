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

package overlay

import (
	"context"
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
	"github.com/hatrac/hatrac/pkg/storage/fs/filesystem"
)

func fsConfig(root string) map[string]interface{} {
	return map[string]interface{}{
		"storage_backend": "filesystem",
		"storage_path":    root,
	}
}

func newStack(t *testing.T) (storage.Backend, string, string) {
	t.Helper()
	upper, lower := t.TempDir(), t.TempDir()
	b, err := New(map[string]interface{}{
		"overlay_config": map[string]interface{}{
			"backends": []map[string]interface{}{fsConfig(upper), fsConfig(lower)},
		},
	})
	require.NoError(t, err)
	return b, upper, lower
}

func TestWritesLandInFirstLayer(t *testing.T) {
	b, upper, lower := newStack(t)
	ctx := context.Background()

	tag, err := b.CreateFromFile(ctx, "/ns/obj", strings.NewReader("fresh"), 5, metadata.Map{})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(upper, "ns", "obj:"+tag))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(lower, "ns", "obj:"+tag))
	assert.True(t, os.IsNotExist(err))
}

func TestReadsFallThrough(t *testing.T) {
	b, _, lower := newStack(t)
	ctx := context.Background()

	// a version that predates the overlay lives only in the lower layer
	old, err := filesystem.New(map[string]interface{}{"storage_path": lower})
	require.NoError(t, err)
	tag, err := old.CreateFromFile(ctx, "/ns/historic", strings.NewReader("legacy bytes"), 12, metadata.Map{})
	require.NoError(t, err)

	c, err := b.GetContentRange(ctx, "/ns/historic", tag, metadata.Map{}, nil, nil)
	require.NoError(t, err)
	defer c.Body.Close()
	data, err := io.ReadAll(c.Body)
	require.NoError(t, err)
	assert.Equal(t, "legacy bytes", string(data))

	_, err = b.GetContentRange(ctx, "/ns/historic", "NOSUCHTAG", metadata.Map{}, nil, nil)
	require.Error(t, err)
	assert.True(t, errtypes.IsObjectVersionMissing(err))
}

func TestDeleteReachesLowerLayers(t *testing.T) {
	b, _, lower := newStack(t)
	ctx := context.Background()

	old, err := filesystem.New(map[string]interface{}{"storage_path": lower})
	require.NoError(t, err)
	tag, err := old.CreateFromFile(ctx, "/obj", strings.NewReader("x"), 1, metadata.Map{})
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, "/obj", tag, nil))
	err = b.Delete(ctx, "/obj", tag, nil)
	require.Error(t, err)
	assert.True(t, errtypes.IsObjectVersionMissing(err))
}

func TestDeleteNamespaceFansOut(t *testing.T) {
	b, upper, lower := newStack(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(upper, "gone"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(lower, "gone"), 0755))

	require.NoError(t, b.DeleteNamespace(ctx, "/gone"))
	_, err := os.Stat(filepath.Join(upper, "gone"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(lower, "gone"))
	assert.True(t, os.IsNotExist(err))
}

func TestConfigErrors(t *testing.T) {
	_, err := New(map[string]interface{}{})
	assert.Error(t, err)

	_, err = New(map[string]interface{}{
		"overlay_config": map[string]interface{}{
			"backends": []map[string]interface{}{{"storage_backend": "bogus"}},
		},
	})
	assert.Error(t, err)
}
