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

// Package catalog implements the client for the metadata catalogue.
// The catalogue is authoritative for all path, label and archival
// metadata; every call here is an idempotent read.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/pilotdataplatform/download/pkg/errtypes"
)

const (
	// LabelFile marks a leaf object node.
	LabelFile = "File"
	// LabelFolder marks an expandable node.
	LabelFolder = "Folder"

	// maxDepth bounds the subtree walk. The data model forbids cycles but
	// the walk is guarded anyway.
	maxDepth = 64
)

// Node is the common envelope for catalogue entities. File, Folder and
// Dataset nodes all share this shape; the labels tell them apart.
type Node struct {
	Geid        string   `json:"global_entity_id"`
	Labels      []string `json:"labels"`
	Name        string   `json:"name"`
	Code        string   `json:"code"`
	DisplayPath string   `json:"display_path"`
	Uploader    string   `json:"uploader"`
	Location    string   `json:"location"`
	Archived    bool     `json:"archived"`
	ProjectCode string   `json:"project_code"`
	DatasetCode string   `json:"dataset_code"`
}

// HasLabel reports whether the node carries the given label.
func (n *Node) HasLabel(label string) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// IsFolder reports whether the node is an expandable folder.
func (n *Node) IsFolder() bool { return n.HasLabel(LabelFolder) }

// IsFile reports whether the node is a leaf file.
func (n *Node) IsFile() bool { return n.HasLabel(LabelFile) }

// Client talks to the metadata catalogue service.
type Client struct {
	baseURL string
	client  *http.Client
	retries uint64
}

// Option configures the catalogue client.
type Option func(c *Client)

// WithHTTPClient replaces the underlying http client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// WithRetries sets how often transient transport errors are retried.
func WithRetries(n uint64) Option {
	return func(c *Client) {
		c.retries = n
	}
}

// New returns a catalogue client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		retries: 2,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GetNodeByGeid looks a single node up by its global entity id.
func (c *Client) GetNodeByGeid(ctx context.Context, geid string) (*Node, error) {
	var nodes []*Node
	url := fmt.Sprintf("%s/v1/neo4j/nodes/geid/%s", c.baseURL, geid)
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &nodes); err != nil {
		return nil, errors.Wrap(err, "catalog: error getting node "+geid)
	}
	if len(nodes) == 0 {
		return nil, errtypes.FileNotFound(geid)
	}
	return nodes[0], nil
}

// QueryFileByGeid returns the File node with the given geid, or NotFound
// when the geid does not identify a File.
func (c *Client) QueryFileByGeid(ctx context.Context, geid string) (*Node, error) {
	var nodes []*Node
	url := c.baseURL + "/v1/neo4j/nodes/File/query"
	body := map[string]interface{}{"global_entity_id": geid}
	if err := c.doJSON(ctx, http.MethodPost, url, body, &nodes); err != nil {
		return nil, errors.Wrap(err, "catalog: error querying file "+geid)
	}
	if len(nodes) == 0 {
		return nil, errtypes.FileNotFound(geid)
	}
	return nodes[0], nil
}

// Children returns the next layer of folders and files under the given
// folder node. Used by the lock coordinator for the depth-first walk.
func (c *Client) Children(ctx context.Context, geid string) ([]*Node, error) {
	var relations []struct {
		EndNode *Node `json:"end_node"`
	}
	url := c.baseURL + "/v1/neo4j/relations/query"
	body := map[string]interface{}{
		"label":        "own",
		"start_label":  LabelFolder,
		"start_params": map[string]interface{}{"global_entity_id": geid},
	}
	if err := c.doJSON(ctx, http.MethodPost, url, body, &relations); err != nil {
		return nil, errors.Wrap(err, "catalog: error getting children of "+geid)
	}
	children := make([]*Node, 0, len(relations))
	for _, rel := range relations {
		if rel.EndNode != nil {
			children = append(children, rel.EndNode)
		}
	}
	return children, nil
}

// FilesRecursive expands a folder subtree and returns its File leaves.
// Archived nodes are filtered at the query layer. The walk is iterative
// and keeps a visited set so a corrupted catalogue cannot loop it.
func (c *Client) FilesRecursive(ctx context.Context, folderGeid string) ([]*Node, error) {
	var files []*Node
	visited := map[string]struct{}{folderGeid: {}}
	queue := []string{folderGeid}

	for depth := 0; len(queue) > 0; depth++ {
		if depth > maxDepth {
			return nil, errtypes.InternalError("catalog: folder tree exceeds max depth: " + folderGeid)
		}
		var next []string
		for _, geid := range queue {
			nodes, err := c.subtreeQuery(ctx, LabelFolder, geid)
			if err != nil {
				return nil, err
			}
			for _, n := range nodes {
				if n.IsFile() {
					files = append(files, n)
					continue
				}
				if _, ok := visited[n.Geid]; ok {
					continue
				}
				visited[n.Geid] = struct{}{}
				next = append(next, n.Geid)
			}
		}
		queue = next
	}
	return files, nil
}

// DatasetFiles returns all non-archived files and folders directly
// related to a dataset node.
func (c *Client) DatasetFiles(ctx context.Context, datasetGeid string) ([]*Node, error) {
	return c.subtreeQuery(ctx, "Dataset", datasetGeid)
}

func (c *Client) subtreeQuery(ctx context.Context, startLabel, geid string) ([]*Node, error) {
	var result struct {
		Results []*Node `json:"results"`
	}
	url := c.baseURL + "/v2/neo4j/relations/query"
	body := map[string]interface{}{
		"start_label": startLabel,
		"end_labels":  []string{LabelFile, LabelFolder},
		"query": map[string]interface{}{
			"start_params": map[string]interface{}{"global_entity_id": geid},
			"end_params":   map[string]interface{}{"archived": false},
		},
	}
	if err := c.doJSON(ctx, http.MethodPost, url, body, &result); err != nil {
		return nil, errors.Wrap(err, "catalog: error expanding "+geid)
	}
	return result.Results, nil
}

// doJSON performs a JSON round trip. Transport errors are retried with
// exponential backoff, HTTP level failures are not.
func (c *Client) doJSON(ctx context.Context, method, url string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	op := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("catalog: %s returned %d", url, resp.StatusCode))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	return backoff.Retry(op, b)
}
