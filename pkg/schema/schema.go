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

// Package schema fetches dataset schema definitions bundled into
// full-dataset archives.
package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Definition is one published schema of a dataset.
type Definition struct {
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content"`
}

// Client talks to the dataset-schema service.
type Client struct {
	baseURL string
	client  *http.Client
}

// New returns a schema client for the given base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// List returns the published (non-draft) schemas of a dataset for the
// given standard.
func (c *Client) List(ctx context.Context, datasetGeid, standard string) ([]Definition, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"dataset_geid": datasetGeid,
		"standard":     standard,
		"is_draft":     false,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/schema/list", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "schema: error listing schemas for "+datasetGeid)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("schema: list for %s returned %d", datasetGeid, resp.StatusCode)
	}

	var result struct {
		Result []Definition `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "schema: error decoding list response")
	}
	return result.Result, nil
}
