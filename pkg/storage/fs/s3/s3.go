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

// Package s3 implements the storage backend on versioned S3 buckets.
// The S3 VersionId of a stored object doubles as the version tag, and
// chunked uploads map onto native multipart uploads whose UploadId
// doubles as the job token.
package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/armon/go-radix"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/hatrac/hatrac/pkg/errtypes"
	"github.com/hatrac/hatrac/pkg/metadata"
	"github.com/hatrac/hatrac/pkg/storage"
	"github.com/hatrac/hatrac/pkg/storage/registry"
	"github.com/hatrac/hatrac/pkg/utils/cfg"
)

func init() {
	registry.Register("s3", New)
}

type config struct {
	S3 s3Config `mapstructure:"s3_config"`
}

type s3Config struct {
	Buckets map[string]*bucketConfig `mapstructure:"buckets"`
}

type bucketConfig struct {
	BucketName             string `mapstructure:"bucket_name"`
	BucketPathPrefix       string `mapstructure:"bucket_path_prefix"`
	Endpoint               string `mapstructure:"endpoint"`
	Region                 string `mapstructure:"region"`
	AccessKey              string `mapstructure:"access_key"`
	SecretKey              string `mapstructure:"secret_key"`
	PresignedURLThreshold  int64  `mapstructure:"presigned_url_threshold"`
	PresignedURLExpiration int    `mapstructure:"presigned_url_expiration_secs"`
}

func (c *config) ApplyDefaults() {
	for _, bc := range c.S3.Buckets {
		if bc.BucketPathPrefix == "" {
			bc.BucketPathPrefix = "hatrac"
		}
		if bc.PresignedURLExpiration <= 0 {
			bc.PresignedURLExpiration = 300
		}
	}
}

type backend struct {
	routes *radix.Tree
}

type bucketClient struct {
	conf   *bucketConfig
	client *minio.Client
	core   minio.Core
}

// New returns an S3 storage backend from the configuration map. Each
// entry of s3_config.buckets binds a path prefix to a bucket; lookups
// pick the longest matching prefix.
func New(m map[string]interface{}) (storage.Backend, error) {
	c := &config{}
	if err := cfg.Decode(m, c); err != nil {
		return nil, err
	}
	if len(c.S3.Buckets) == 0 {
		return nil, errors.New("s3: no buckets configured")
	}

	routes := radix.New()
	for prefix, bc := range c.S3.Buckets {
		if bc.BucketName == "" || bc.Endpoint == "" {
			return nil, errors.Errorf("s3: bucket for prefix %q needs bucket_name and endpoint", prefix)
		}
		client, err := newClient(bc)
		if err != nil {
			return nil, err
		}
		routes.Insert(routeKey(prefix), &bucketClient{
			conf:   bc,
			client: client,
			core:   minio.Core{Client: client},
		})
	}
	return &backend{routes: routes}, nil
}

func newClient(bc *bucketConfig) (*minio.Client, error) {
	u, err := url.Parse(bc.Endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "s3: error parsing endpoint")
	}
	useSSL := u.Scheme != "http"
	client, err := minio.New(u.Host, &minio.Options{
		Region: bc.Region,
		Creds:  credentials.NewStaticV4(bc.AccessKey, bc.SecretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "s3: error setting up client")
	}
	return client, nil
}

// routeKey normalizes a configured path prefix so that /foo cannot
// match /foobar: prefixes are stored with a trailing slash and names
// are looked up with one appended.
func routeKey(prefix string) string {
	p := "/" + strings.Trim(prefix, "/")
	if p == "/" {
		return p
	}
	return p + "/"
}

func (b *backend) route(name string) (*bucketClient, error) {
	_, v, ok := b.routes.LongestPrefix(name + "/")
	if !ok {
		return nil, errors.Errorf("s3: no bucket configured for %s", name)
	}
	return v.(*bucketClient), nil
}

func (bc *bucketClient) key(name string) string {
	prefix := strings.Trim(bc.conf.BucketPathPrefix, "/")
	rel := strings.TrimPrefix(name, "/")
	if prefix == "" {
		return rel
	}
	return prefix + "/" + rel
}

func (b *backend) TracksChunks() bool { return true }

func (b *backend) CreateFromFile(ctx context.Context, name string, r io.Reader, nbytes int64, md metadata.Map) (string, error) {
	bc, err := b.route(name)
	if err != nil {
		return "", err
	}
	key := bc.key(name)

	md5sum := md5.New()
	sha256sum := sha256.New()
	body := io.TeeReader(io.LimitReader(r, nbytes), io.MultiWriter(md5sum, sha256sum))

	opts := minio.PutObjectOptions{SendContentMd5: true}
	if ct, ok := md[metadata.ContentType]; ok {
		opts.ContentType = ct
	}
	ui, err := bc.client.PutObject(ctx, bc.conf.BucketName, key, body, nbytes, opts)
	if err != nil {
		return "", errors.Wrapf(err, "s3: error storing %s in bucket %s", key, bc.conf.BucketName)
	}
	if ui.VersionID == "" {
		return "", errtypes.Conflict("bucket " + bc.conf.BucketName + " does not have versioning enabled")
	}
	if err := verifyDigests(md, md5sum.Sum(nil), sha256sum.Sum(nil)); err != nil {
		_ = bc.client.RemoveObject(ctx, bc.conf.BucketName, key, minio.RemoveObjectOptions{VersionID: ui.VersionID})
		return "", err
	}
	return ui.VersionID, nil
}

func verifyDigests(md metadata.Map, md5sum, sha256sum []byte) error {
	if want, ok := md[metadata.ContentMD5]; ok && !bytes.Equal([]byte(want), md5sum) {
		return errtypes.BadRequest("content-md5 mismatch")
	}
	if want, ok := md[metadata.ContentSHA256]; ok && !bytes.Equal([]byte(want), sha256sum) {
		return errtypes.BadRequest("content-sha256 mismatch")
	}
	return nil
}

func (b *backend) CreateUpload(ctx context.Context, name string, nbytes int64, md metadata.Map) (string, error) {
	bc, err := b.route(name)
	if err != nil {
		return "", err
	}
	opts := minio.PutObjectOptions{}
	if ct, ok := md[metadata.ContentType]; ok {
		opts.ContentType = ct
	}
	uploadID, err := bc.core.NewMultipartUpload(ctx, bc.conf.BucketName, bc.key(name), opts)
	if err != nil {
		return "", errors.Wrapf(err, "s3: error starting multipart upload for %s", name)
	}
	return uploadID, nil
}

func (b *backend) UploadChunkFromFile(ctx context.Context, name, job string, position, chunksize int64, r io.Reader, nbytes int64, md metadata.Map) (storage.Aux, error) {
	bc, err := b.route(name)
	if err != nil {
		return nil, err
	}
	opts := minio.PutObjectPartOptions{}
	if sum, ok := md[metadata.ContentMD5]; ok {
		opts.Md5Base64 = base64.StdEncoding.EncodeToString([]byte(sum))
	}
	// part numbers are 1-based in S3
	part, err := bc.core.PutObjectPart(ctx, bc.conf.BucketName, bc.key(name), job, int(position)+1, io.LimitReader(r, nbytes), nbytes, opts)
	if err != nil {
		return nil, mapUploadErr(err, job)
	}
	return storage.Aux{"etag": part.ETag}, nil
}

func (b *backend) FinalizeUpload(ctx context.Context, name, job string, chunks []storage.Chunk, md metadata.Map) (string, error) {
	bc, err := b.route(name)
	if err != nil {
		return "", err
	}
	parts := make([]minio.CompletePart, 0, len(chunks))
	for _, ch := range chunks {
		etag, ok := ch.Aux["etag"].(string)
		if !ok {
			return "", errtypes.Conflict("chunk at position " + strconv.FormatInt(ch.Position, 10) + " has no etag")
		}
		parts = append(parts, minio.CompletePart{PartNumber: int(ch.Position) + 1, ETag: etag})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	ui, err := bc.core.CompleteMultipartUpload(ctx, bc.conf.BucketName, bc.key(name), job, parts, minio.PutObjectOptions{})
	if err != nil {
		return "", mapUploadErr(err, job)
	}
	if ui.VersionID == "" {
		return "", errtypes.Conflict("bucket " + bc.conf.BucketName + " does not have versioning enabled")
	}
	return ui.VersionID, nil
}

func (b *backend) CancelUpload(ctx context.Context, name, job string) error {
	bc, err := b.route(name)
	if err != nil {
		return err
	}
	err = bc.core.AbortMultipartUpload(ctx, bc.conf.BucketName, bc.key(name), job)
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchUpload" {
		return errors.Wrapf(err, "s3: error aborting multipart upload %s", job)
	}
	return nil
}

func (b *backend) GetContentRange(ctx context.Context, name, version string, md metadata.Map, sl *storage.Slice, aux storage.Aux) (*storage.Content, error) {
	bc, err := b.route(name)
	if err != nil {
		return nil, err
	}
	key := bc.key(name)

	oi, err := bc.client.StatObject(ctx, bc.conf.BucketName, key, minio.StatObjectOptions{VersionID: version})
	if err != nil {
		return nil, mapVersionErr(err, name+":"+version)
	}
	size := oi.Size

	nbytes := size
	if sl != nil {
		if sl.Start < 0 || sl.Start > sl.Stop || sl.Stop > size {
			return nil, errtypes.BadRange(name + ":" + version)
		}
		nbytes = sl.Length()
		md = md.Partial()
	}

	// large content is served by the bucket itself; the caller turns
	// the URL into a redirect and the client reissues any Range there
	if t := bc.conf.PresignedURLThreshold; t > 0 && size >= t {
		u, err := bc.client.PresignedGetObject(ctx, bc.conf.BucketName, key,
			time.Duration(bc.conf.PresignedURLExpiration)*time.Second,
			url.Values{"versionId": []string{version}})
		if err != nil {
			return nil, errors.Wrapf(err, "s3: error presigning %s", key)
		}
		return &storage.Content{NBytes: nbytes, Metadata: md, RedirectURL: u.String()}, nil
	}

	opts := minio.GetObjectOptions{VersionID: version}
	if sl != nil {
		if err := opts.SetRange(sl.Start, sl.Stop-1); err != nil {
			return nil, errtypes.BadRange(name + ":" + version)
		}
	}
	obj, err := bc.client.GetObject(ctx, bc.conf.BucketName, key, opts)
	if err != nil {
		return nil, mapVersionErr(err, name+":"+version)
	}
	return &storage.Content{NBytes: nbytes, Metadata: md, Body: obj}, nil
}

func (b *backend) Delete(ctx context.Context, name, version string, aux storage.Aux) error {
	bc, err := b.route(name)
	if err != nil {
		return err
	}
	err = bc.client.RemoveObject(ctx, bc.conf.BucketName, bc.key(name), minio.RemoveObjectOptions{VersionID: version})
	if err != nil {
		return mapVersionErr(err, name+":"+version)
	}
	return nil
}

// DeleteNamespace is a no-op: bucket keys have no directory structure
// to prune.
func (b *backend) DeleteNamespace(ctx context.Context, name string) error {
	return nil
}

func mapVersionErr(err error, what string) error {
	if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
		return errtypes.ObjectVersionMissing(what)
	}
	return err
}

func mapUploadErr(err error, job string) error {
	if minio.ToErrorResponse(err).Code == "NoSuchUpload" {
		return errtypes.NotFound("upload job " + job)
	}
	return err
}

