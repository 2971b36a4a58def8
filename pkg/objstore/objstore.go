// Copyright 2018-2022 CERN
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

// Package objstore provides the gateway to the s3 compatible object
// store holding the user files.
package objstore

import (
	"context"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/pilotdataplatform/download/pkg/errtypes"
)

// Location is a parsed storage location URI.
type Location struct {
	Bucket string
	Key    string
}

// Filename returns the last path segment of the object key.
func (l Location) Filename() string {
	parts := strings.Split(l.Key, "/")
	return parts[len(parts)-1]
}

// ParseLocation splits a location of the form
// <scheme>://<host>/<bucket>/<object_key>. The object key may itself
// contain slashes.
func ParseLocation(location string) (Location, error) {
	idx := strings.LastIndex(location, "//")
	if idx < 0 {
		return Location{}, errtypes.BadRequest("malformed location: " + location)
	}
	parts := strings.SplitN(location[idx+2:], "/", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return Location{}, errtypes.BadRequest("malformed location: " + location)
	}
	return Location{Bucket: parts[1], Key: parts[2]}, nil
}

// Gateway is an authenticated client to the object store.
type Gateway struct {
	client *minio.Client
}

// Config holds the connection settings for the object store.
type Config struct {
	Endpoint string
	Secure   bool

	// static credentials
	AccessKey string
	SecretKey string

	// client-grants exchange against the identity provider
	STSEndpoint string
	// Temporary credentials duration in seconds.
	TokenDuration int
}

// NewStatic returns a gateway authenticated with a static access/secret
// key pair.
func NewStatic(c Config) (*Gateway, error) {
	client, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure: c.Secure,
	})
	if err != nil {
		return nil, errors.Wrap(err, "objstore: failed to setup client")
	}
	return &Gateway{client: client}, nil
}

// NewWithClientGrants returns a gateway whose credentials are obtained
// by exchanging the caller's identity token via the STS client-grants
// flow. The minio credentials provider refreshes transparently.
func NewWithClientGrants(c Config, accessToken string) (*Gateway, error) {
	duration := c.TokenDuration
	if duration == 0 {
		duration = 900
	}
	creds, err := credentials.NewSTSClientGrants(c.STSEndpoint, func() (*credentials.ClientGrantsToken, error) {
		return &credentials.ClientGrantsToken{
			Token:  strings.TrimPrefix(accessToken, "Bearer "),
			Expiry: duration,
		}, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "objstore: failed to setup client grants credentials")
	}
	client, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: c.Secure,
	})
	if err != nil {
		return nil, errors.Wrap(err, "objstore: failed to setup client")
	}
	return &Gateway{client: client}, nil
}

// FGet downloads an object to a local path, creating any missing parent
// directories.
func (g *Gateway) FGet(ctx context.Context, bucket, key, dst string) error {
	if err := g.client.FGetObject(ctx, bucket, key, dst, minio.GetObjectOptions{}); err != nil {
		if IsNoSuchKey(err) {
			return errtypes.NotFound(bucket + "/" + key)
		}
		return errors.Wrapf(err, "objstore: could not fetch object '%s' from bucket '%s'", key, bucket)
	}
	return nil
}

// Stat returns the object metadata, used for Content-Length headers.
func (g *Gateway) Stat(ctx context.Context, bucket, key string) (minio.ObjectInfo, error) {
	info, err := g.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return minio.ObjectInfo{}, errors.Wrapf(err, "objstore: could not stat object '%s' in bucket '%s'", key, bucket)
	}
	return info, nil
}

// GetStream returns a lazy readable stream over the object content.
func (g *Gateway) GetStream(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	reader, err := g.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "objstore: could not get object '%s' from bucket '%s'", key, bucket)
	}
	return reader, nil
}

// IsNoSuchKey reports whether the error is the store's missing-object
// error. Inside the staging worker this is non-fatal: the object is
// skipped with a log entry.
func IsNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := errors.Cause(err).(errtypes.IsNotFound); ok {
		return true
	}
	return minio.ToErrorResponse(errors.Cause(err)).Code == "NoSuchKey"
}
