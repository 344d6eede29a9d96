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

// Package overlay stacks several storage backends. New content always
// lands in the first backend; reads fall through the stack until one
// backend still holds the requested version. This lets a deployment
// migrate bulk storage without moving historic versions.
package overlay

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/hatrac/hatrac/pkg/appctx"
	"github.com/hatrac/hatrac/pkg/errtypes"
	"github.com/hatrac/hatrac/pkg/metadata"
	"github.com/hatrac/hatrac/pkg/storage"
	"github.com/hatrac/hatrac/pkg/storage/registry"
	"github.com/hatrac/hatrac/pkg/utils/cfg"
)

func init() {
	registry.Register("overlay", New)
}

type config struct {
	Overlay overlayConfig `mapstructure:"overlay_config"`
}

type overlayConfig struct {
	Backends []map[string]interface{} `mapstructure:"backends"`
}

type backend struct {
	stack []storage.Backend
}

// New returns an overlay backend from the configuration map. Each
// entry of overlay_config.backends is a full backend configuration,
// including its own storage_backend driver name.
func New(m map[string]interface{}) (storage.Backend, error) {
	c := &config{}
	if err := cfg.Decode(m, c); err != nil {
		return nil, err
	}
	if len(c.Overlay.Backends) == 0 {
		return nil, errors.New("overlay: no backends configured")
	}

	stack := make([]storage.Backend, 0, len(c.Overlay.Backends))
	for _, bm := range c.Overlay.Backends {
		name, ok := bm["storage_backend"].(string)
		if !ok {
			return nil, errors.New("overlay: backend entry without storage_backend")
		}
		f, ok := registry.NewFuncs[name]
		if !ok {
			return nil, errors.Errorf("overlay: storage backend %s not found", name)
		}
		b, err := f(bm)
		if err != nil {
			return nil, errors.Wrapf(err, "overlay: error creating backend %s", name)
		}
		stack = append(stack, b)
	}
	return &backend{stack: stack}, nil
}

func (b *backend) primary() storage.Backend { return b.stack[0] }

func (b *backend) TracksChunks() bool { return b.primary().TracksChunks() }

func (b *backend) CreateFromFile(ctx context.Context, name string, r io.Reader, nbytes int64, md metadata.Map) (string, error) {
	return b.primary().CreateFromFile(ctx, name, r, nbytes, md)
}

func (b *backend) CreateUpload(ctx context.Context, name string, nbytes int64, md metadata.Map) (string, error) {
	return b.primary().CreateUpload(ctx, name, nbytes, md)
}

func (b *backend) UploadChunkFromFile(ctx context.Context, name, job string, position, chunksize int64, r io.Reader, nbytes int64, md metadata.Map) (storage.Aux, error) {
	return b.primary().UploadChunkFromFile(ctx, name, job, position, chunksize, r, nbytes, md)
}

func (b *backend) FinalizeUpload(ctx context.Context, name, job string, chunks []storage.Chunk, md metadata.Map) (string, error) {
	return b.primary().FinalizeUpload(ctx, name, job, chunks, md)
}

func (b *backend) CancelUpload(ctx context.Context, name, job string) error {
	return b.primary().CancelUpload(ctx, name, job)
}

// GetContentRange walks the stack front to back and serves the version
// from the first backend that still has it.
func (b *backend) GetContentRange(ctx context.Context, name, version string, md metadata.Map, sl *storage.Slice, aux storage.Aux) (*storage.Content, error) {
	log := appctx.GetLogger(ctx)
	for i, be := range b.stack {
		c, err := be.GetContentRange(ctx, name, version, md, sl, aux)
		if err == nil {
			return c, nil
		}
		if !errtypes.IsObjectVersionMissing(err) {
			return nil, err
		}
		log.Debug().Str("name", name).Str("version", version).Int("layer", i).Msg("version not in layer")
	}
	return nil, errtypes.ObjectVersionMissing(name + ":" + version)
}

// Delete removes the version from every layer that has it. Only when
// no layer knew the version does the whole delete report it missing.
func (b *backend) Delete(ctx context.Context, name, version string, aux storage.Aux) error {
	found := false
	for _, be := range b.stack {
		err := be.Delete(ctx, name, version, aux)
		switch {
		case err == nil:
			found = true
		case errtypes.IsObjectVersionMissing(err):
		default:
			return err
		}
	}
	if !found {
		return errtypes.ObjectVersionMissing(name + ":" + version)
	}
	return nil
}

func (b *backend) DeleteNamespace(ctx context.Context, name string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, be := range b.stack {
		be := be
		g.Go(func() error { return be.DeleteNamespace(ctx, name) })
	}
	return g.Wait()
}
