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

// Package token mints and verifies the short-lived signed hand-off
// tokens a caller redeems to stream a prepared download.
package token

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/pilotdataplatform/download/pkg/errtypes"
)

// Issuer is the value minted into every hand-off token.
const Issuer = "SERVICE DATA DOWNLOAD"

// DownloadClaims is the claim set of a hand-off token for a staged
// download. The issuer is carried as a plain claim, not as "iss", to
// stay wire compatible with the portal.
type DownloadClaims struct {
	Geid        string `json:"geid"`
	FullPath    string `json:"full_path"`
	Issuer      string `json:"issuer"`
	Operator    string `json:"operator"`
	SessionID   string `json:"session_id"`
	JobID       string `json:"job_id"`
	ProjectCode string `json:"project_code"`
	jwt.RegisteredClaims
}

// DatasetVersionClaims is the claim set of a dataset-version token.
// These tokens are redeemed by streaming straight from the object
// store, so they carry a location instead of a staged path.
type DatasetVersionClaims struct {
	Location    string `json:"location"`
	DatasetGeid string `json:"dataset_geid,omitempty"`
	Operator    string `json:"operator,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and verifies tokens with a shared symmetric secret.
// A secondary secret can be configured to verify tokens minted before
// a key rotation cutover.
type Manager struct {
	secret    string
	secondary string
}

// Option configures the manager.
type Option func(m *Manager)

// WithSecondarySecret accepts a second verification key during rotation.
func WithSecondarySecret(secret string) Option {
	return func(m *Manager) {
		m.secondary = secret
	}
}

// New returns a token manager for the given signing secret.
func New(secret string, opts ...Option) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("token: empty signing secret")
	}
	m := &Manager{secret: secret}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Generate signs the given claims with HS256. The caller supplies iat
// and exp inside the claims.
func (m *Manager) Generate(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.secret))
	if err != nil {
		return "", errors.Wrap(err, "token: error signing claims")
	}
	return signed, nil
}

// VerifyDownload verifies a hand-off token. A structurally valid token
// without a full_path claim is treated as forged.
func (m *Manager) VerifyDownload(tkn string) (*DownloadClaims, error) {
	claims := &DownloadClaims{}
	if err := m.parse(tkn, claims); err != nil {
		return nil, err
	}
	if claims.FullPath == "" {
		return nil, errtypes.PermissionDenied(errtypes.TemplateForgedToken)
	}
	return claims, nil
}

// VerifyDatasetVersion verifies a dataset-version token. These carry a
// location claim instead of full_path.
func (m *Manager) VerifyDatasetVersion(tkn string) (*DatasetVersionClaims, error) {
	claims := &DatasetVersionClaims{}
	if err := m.parse(tkn, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (m *Manager) parse(tkn string, claims jwt.Claims) error {
	keys := []string{m.secret}
	if m.secondary != "" {
		keys = append(keys, m.secondary)
	}

	var err error
	for _, key := range keys {
		key := key
		_, err = jwt.ParseWithClaims(tkn, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(key), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err == nil {
			return nil
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return errtypes.PermissionDenied(errtypes.TemplateTokenExpired)
		}
	}
	return errtypes.PermissionDenied(fmt.Sprintf(errtypes.TemplateInvalidToken, err))
}
