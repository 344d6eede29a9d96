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

// Package filesystem implements the storage backend keeping each
// version in a plain file at <storage_path>/<object-path>:<tag>.
// Chunked uploads accumulate in a scratch file written at chunk
// offsets and renamed into place on finalize.
package filesystem

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base32"
	"hash"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
	"github.com/thanhpk/randstr"

	"github.com/hatrac/hatrac/pkg/appctx"
	"github.com/hatrac/hatrac/pkg/errtypes"
	"github.com/hatrac/hatrac/pkg/metadata"
	"github.com/hatrac/hatrac/pkg/storage"
	"github.com/hatrac/hatrac/pkg/storage/registry"
	"github.com/hatrac/hatrac/pkg/utils/cfg"
)

func init() {
	registry.Register("filesystem", New)
}

type config struct {
	StoragePath string `mapstructure:"storage_path"`
	BufferSize  int    `mapstructure:"buffer_size_bytes"`
}

func (c *config) ApplyDefaults() {
	if c.StoragePath == "" {
		c.StoragePath = "/var/www/hatrac"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1024 * 1024
	}
}

type backend struct {
	conf *config
	root string
}

// New returns a filesystem storage backend from the configuration map.
func New(m map[string]interface{}) (storage.Backend, error) {
	c := &config{}
	if err := cfg.Decode(m, c); err != nil {
		return nil, err
	}
	root := filepath.Clean(c.StoragePath)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrap(err, "filesystem: error creating storage path")
	}
	return &backend{conf: c, root: root}, nil
}

// tags and job tokens are 128 random bits as unpadded base32,
// 26 characters.
var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

func newTag() string {
	return b32.EncodeToString(randstr.Bytes(16))
}

// wrap maps a resource path onto the storage root. Joining against
// "/" first collapses any traversal in the name.
func (b *backend) wrap(name string) string {
	return filepath.Join(b.root, filepath.FromSlash(path.Join("/", name)))
}

func (b *backend) versionPath(name, tag string) string {
	return b.wrap(name) + ":" + tag
}

func (b *backend) uploadPath(name, job string) string {
	return b.wrap(name) + ":upload:" + job
}

func (b *backend) TracksChunks() bool { return false }

func (b *backend) CreateFromFile(ctx context.Context, name string, r io.Reader, nbytes int64, md metadata.Map) (string, error) {
	tag := newTag()
	dst := b.versionPath(name, tag)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", errors.Wrap(err, "filesystem: error creating parent directory")
	}

	t, err := renameio.NewPendingFile(dst, renameio.WithPermissions(0644))
	if err != nil {
		return "", errors.Wrap(err, "filesystem: error creating pending file")
	}
	defer t.Cleanup()

	sums := newDigests(md)
	w := io.Writer(t)
	if sums != nil {
		w = io.MultiWriter(append([]io.Writer{t}, sums.writers()...)...)
	}

	buf := make([]byte, b.conf.BufferSize)
	n, err := io.CopyBuffer(w, io.LimitReader(r, nbytes), buf)
	if err != nil {
		return "", errors.Wrap(err, "filesystem: error writing content")
	}
	if n != nbytes {
		return "", errtypes.BadRequest("content shorter than declared length")
	}
	if err := sums.verify(md); err != nil {
		return "", err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return "", errors.Wrap(err, "filesystem: error finishing content")
	}
	return tag, nil
}

func (b *backend) CreateUpload(ctx context.Context, name string, nbytes int64, md metadata.Map) (string, error) {
	job := newTag()
	scratch := b.uploadPath(name, job)
	if err := os.MkdirAll(filepath.Dir(scratch), 0755); err != nil {
		return "", errors.Wrap(err, "filesystem: error creating parent directory")
	}
	f, err := os.OpenFile(scratch, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return "", errtypes.Conflict("upload job " + job + " already present")
		}
		return "", errors.Wrap(err, "filesystem: error creating upload scratch file")
	}
	return job, f.Close()
}

func (b *backend) UploadChunkFromFile(ctx context.Context, name, job string, position, chunksize int64, r io.Reader, nbytes int64, md metadata.Map) (storage.Aux, error) {
	scratch := b.uploadPath(name, job)

	fl := flock.New(scratch + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, errors.Wrap(err, "filesystem: error locking upload")
	}
	defer func() { _ = fl.Unlock() }()

	f, err := os.OpenFile(scratch, os.O_WRONLY, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errtypes.NotFound("upload job " + job)
		}
		return nil, errors.Wrap(err, "filesystem: error opening upload scratch file")
	}
	defer f.Close()

	if _, err := f.Seek(position*chunksize, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "filesystem: error seeking to chunk offset")
	}
	buf := make([]byte, b.conf.BufferSize)
	n, err := io.CopyBuffer(f, io.LimitReader(r, nbytes), buf)
	if err != nil {
		return nil, errors.Wrap(err, "filesystem: error writing chunk")
	}
	if n != nbytes {
		return nil, errtypes.BadRequest("chunk shorter than declared length")
	}
	return nil, nil
}

func (b *backend) FinalizeUpload(ctx context.Context, name, job string, chunks []storage.Chunk, md metadata.Map) (string, error) {
	scratch := b.uploadPath(name, job)

	fl := flock.New(scratch + ".lock")
	if err := fl.Lock(); err != nil {
		return "", errors.Wrap(err, "filesystem: error locking upload")
	}
	defer func() { _ = fl.Unlock() }()

	f, err := os.OpenFile(scratch, os.O_RDWR, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errtypes.NotFound("upload job " + job)
		}
		return "", errors.Wrap(err, "filesystem: error opening upload scratch file")
	}

	// declared digests are checked against what actually reached the
	// disk, not against per-chunk bookkeeping
	if err := b.rehash(f, md); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", errors.Wrap(err, "filesystem: error syncing upload")
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(err, "filesystem: error closing upload")
	}

	tag := newTag()
	if err := os.Rename(scratch, b.versionPath(name, tag)); err != nil {
		return "", errors.Wrap(err, "filesystem: error placing version")
	}
	_ = os.Remove(scratch + ".lock")
	return tag, nil
}

func (b *backend) rehash(f *os.File, md metadata.Map) error {
	sums := newDigests(md)
	if sums == nil {
		return nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "filesystem: error rewinding upload")
	}
	buf := make([]byte, b.conf.BufferSize)
	if _, err := io.CopyBuffer(io.MultiWriter(sums.writers()...), f, buf); err != nil {
		return errors.Wrap(err, "filesystem: error rehashing upload")
	}
	return sums.verify(md)
}

func (b *backend) CancelUpload(ctx context.Context, name, job string) error {
	scratch := b.uploadPath(name, job)
	if err := os.Remove(scratch); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "filesystem: error removing upload scratch file")
	}
	_ = os.Remove(scratch + ".lock")
	return nil
}

func (b *backend) GetContentRange(ctx context.Context, name, version string, md metadata.Map, sl *storage.Slice, aux storage.Aux) (*storage.Content, error) {
	f, err := os.Open(b.versionPath(name, version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errtypes.ObjectVersionMissing(name + ":" + version)
		}
		return nil, errors.Wrap(err, "filesystem: error opening version")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "filesystem: error getting version size")
	}
	size := fi.Size()

	if sl == nil {
		return &storage.Content{NBytes: size, Metadata: md, Body: f}, nil
	}
	if sl.Start < 0 || sl.Start > sl.Stop || sl.Stop > size {
		f.Close()
		return nil, errtypes.BadRange(name + ":" + version)
	}
	return &storage.Content{
		NBytes:   sl.Length(),
		Metadata: md.Partial(),
		Body: &sectionReadCloser{
			Reader: io.NewSectionReader(f, sl.Start, sl.Length()),
			f:      f,
		},
	}, nil
}

func (b *backend) Delete(ctx context.Context, name, version string, aux storage.Aux) error {
	err := os.Remove(b.versionPath(name, version))
	if os.IsNotExist(err) {
		return errtypes.ObjectVersionMissing(name + ":" + version)
	}
	return err
}

// DeleteNamespace prunes now-empty directories from the deleted
// namespace up towards the storage root. Non-empty directories stop
// the walk; (they may still carry other objects).
func (b *backend) DeleteNamespace(ctx context.Context, name string) error {
	log := appctx.GetLogger(ctx)
	dir := b.wrap(name)
	for dir != b.root && strings.HasPrefix(dir, b.root) {
		if err := os.Remove(dir); err != nil {
			break
		}
		log.Debug().Str("dir", dir).Msg("pruned empty directory")
		dir = filepath.Dir(dir)
	}
	return nil
}

type sectionReadCloser struct {
	io.Reader
	f *os.File
}

func (s *sectionReadCloser) Close() error { return s.f.Close() }

// digests accumulates the checksums declared in the metadata while
// bytes stream to disk.
type digests struct {
	md5sum    hash.Hash
	sha256sum hash.Hash
}

func newDigests(md metadata.Map) *digests {
	d := &digests{}
	if _, ok := md[metadata.ContentMD5]; ok {
		d.md5sum = md5.New()
	}
	if _, ok := md[metadata.ContentSHA256]; ok {
		d.sha256sum = sha256.New()
	}
	if d.md5sum == nil && d.sha256sum == nil {
		return nil
	}
	return d
}

func (d *digests) writers() []io.Writer {
	var ws []io.Writer
	if d.md5sum != nil {
		ws = append(ws, d.md5sum)
	}
	if d.sha256sum != nil {
		ws = append(ws, d.sha256sum)
	}
	return ws
}

func (d *digests) verify(md metadata.Map) error {
	if d == nil {
		return nil
	}
	if d.md5sum != nil && string(d.md5sum.Sum(nil)) != md[metadata.ContentMD5] {
		return errtypes.BadRequest("content-md5 mismatch")
	}
	if d.sha256sum != nil && string(d.sha256sum.Sum(nil)) != md[metadata.ContentSHA256] {
		return errtypes.BadRequest("content-sha256 mismatch")
	}
	return nil
}
