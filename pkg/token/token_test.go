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

package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotdataplatform/download/pkg/errtypes"
)

func downloadClaims(ttl time.Duration) DownloadClaims {
	now := time.Now()
	return DownloadClaims{
		Geid:        "geid-1",
		FullPath:    "/tmp/downloads/proj_1/a/b.txt",
		Issuer:      Issuer,
		Operator:    "admin",
		SessionID:   "session-1",
		JobID:       "data-download-1",
		ProjectCode: "proj",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

func TestDownloadRoundTrip(t *testing.T) {
	m, err := New("secret")
	require.NoError(t, err)

	claims := downloadClaims(time.Minute)
	tkn, err := m.Generate(claims)
	require.NoError(t, err)

	got, err := m.VerifyDownload(tkn)
	require.NoError(t, err)
	assert.Equal(t, claims.Geid, got.Geid)
	assert.Equal(t, claims.FullPath, got.FullPath)
	assert.Equal(t, claims.Operator, got.Operator)
	assert.Equal(t, claims.SessionID, got.SessionID)
	assert.Equal(t, claims.JobID, got.JobID)
	assert.Equal(t, claims.ProjectCode, got.ProjectCode)
	assert.Equal(t, Issuer, got.Issuer)
}

func TestVerifyExpired(t *testing.T) {
	m, err := New("secret")
	require.NoError(t, err)

	tkn, err := m.Generate(downloadClaims(-time.Minute))
	require.NoError(t, err)

	_, err = m.VerifyDownload(tkn)
	require.Error(t, err)
	assert.Equal(t, errtypes.PermissionDenied(errtypes.TemplateTokenExpired), err)
}

func TestVerifyForged(t *testing.T) {
	m, err := New("secret")
	require.NoError(t, err)

	claims := downloadClaims(time.Minute)
	claims.FullPath = ""
	tkn, err := m.Generate(claims)
	require.NoError(t, err)

	_, err = m.VerifyDownload(tkn)
	require.Error(t, err)
	assert.Equal(t, errtypes.PermissionDenied(errtypes.TemplateForgedToken), err)
}

func TestVerifyWrongKey(t *testing.T) {
	signer, err := New("secret")
	require.NoError(t, err)
	verifier, err := New("other-secret")
	require.NoError(t, err)

	tkn, err := signer.Generate(downloadClaims(time.Minute))
	require.NoError(t, err)

	_, err = verifier.VerifyDownload(tkn)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(string(err.(errtypes.PermissionDenied)), "[Invalid Token]"))
}

func TestVerifyWithSecondarySecret(t *testing.T) {
	old, err := New("old-secret")
	require.NoError(t, err)
	tkn, err := old.Generate(downloadClaims(time.Minute))
	require.NoError(t, err)

	rotated, err := New("new-secret", WithSecondarySecret("old-secret"))
	require.NoError(t, err)

	got, err := rotated.VerifyDownload(tkn)
	require.NoError(t, err)
	assert.Equal(t, "geid-1", got.Geid)
}

func TestEmptySecret(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestDatasetVersionRoundTrip(t *testing.T) {
	m, err := New("secret")
	require.NoError(t, err)

	now := time.Now()
	claims := DatasetVersionClaims{
		Location:    "minio://h/bucket/versions/v1.zip",
		DatasetGeid: "dataset-1",
		Operator:    "admin",
		SessionID:   "session-1",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	tkn, err := m.Generate(claims)
	require.NoError(t, err)

	got, err := m.VerifyDatasetVersion(tkn)
	require.NoError(t, err)
	assert.Equal(t, claims.Location, got.Location)
	assert.Equal(t, claims.DatasetGeid, got.DatasetGeid)
}
