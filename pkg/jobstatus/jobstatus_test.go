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

package jobstatus

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewWithClient(client)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(session, job, source string) Record {
	return Record{
		SessionID:   session,
		JobID:       job,
		Geid:        "geid-1",
		Source:      source,
		Action:      ActionDownload,
		Status:      StatusZipping,
		ProjectCode: "proj",
		Operator:    "admin",
	}
}

func TestKey(t *testing.T) {
	r := record("s1", "data-download-1", "/tmp/a.zip")
	assert.Equal(t, "dataaction:s1:data-download-1:data_download:proj:admin:/tmp/a.zip", r.Key())
}

func TestSetAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stored, err := s.Set(ctx, record("s1", "data-download-1", "/tmp/a.zip"))
	require.NoError(t, err)
	assert.NotEmpty(t, stored.UpdateTimestamp)

	got, err := s.Get(ctx, "s1", "data-download-1", ActionDownload, "proj", "admin")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, StatusZipping, got[0].Status)
	assert.Equal(t, "/tmp/a.zip", got[0].Source)
}

func TestGetWildcardJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Set(ctx, record("s1", "data-download-1", "/tmp/a.zip"))
	require.NoError(t, err)
	_, err = s.Set(ctx, record("s1", "data-download-2", "/tmp/b.zip"))
	require.NoError(t, err)
	_, err = s.Set(ctx, record("s2", "data-download-3", "/tmp/c.zip"))
	require.NoError(t, err)

	got, err := s.Get(ctx, "s1", "", ActionDownload, "proj", "admin")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.Get(ctx, "s1", "*", ActionDownload, "proj", "admin")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestGetNoMatch(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Get(context.Background(), "missing", "", ActionDownload, "proj", "admin")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSetIdempotence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := record("s1", "data-download-1", "/tmp/a.zip")

	first, err := s.Set(ctx, r)
	require.NoError(t, err)
	second, err := s.Set(ctx, r)
	require.NoError(t, err)

	// Same key, same content; only the timestamp may differ.
	assert.Equal(t, first.Key(), second.Key())
	first.UpdateTimestamp, second.UpdateTimestamp = "", ""
	assert.Equal(t, first, second)

	got, err := s.Get(ctx, "s1", "", ActionDownload, "proj", "admin")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestDeleteBySession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Set(ctx, record("s1", "data-download-1", "/tmp/a.zip"))
	require.NoError(t, err)
	_, err = s.Set(ctx, record("s1", "data-download-2", "/tmp/b.zip"))
	require.NoError(t, err)
	_, err = s.Set(ctx, record("s2", "data-download-3", "/tmp/c.zip"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteBySession(ctx, "s1", ActionDownload))

	got, err := s.Get(ctx, "s1", "", ActionDownload, "proj", "admin")
	require.NoError(t, err)
	assert.Empty(t, got)

	// Other sessions are untouched.
	got, err = s.Get(ctx, "s2", "", ActionDownload, "proj", "admin")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestDeleteBySessionNoMatch(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.DeleteBySession(context.Background(), "missing", ActionDownload))
}
