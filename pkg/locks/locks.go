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

// Package locks implements the coordinator for the distributed
// read-lock service. Only read locks are ever requested; a concurrent
// writer outside this service takes write locks and is serialised by
// the lock service itself.
package locks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pilotdataplatform/download/pkg/catalog"
)

// OperationRead is the only lock operation this service requests.
const OperationRead = "read"

// Lock is one acquired (resource_key, operation) pair.
type Lock struct {
	Key       string
	Operation string
}

// Resolver is the part of the catalogue client the coordinator needs to
// walk a node tree.
type Resolver interface {
	GetNodeByGeid(ctx context.Context, geid string) (*catalog.Node, error)
	Children(ctx context.Context, geid string) ([]*catalog.Node, error)
}

// Coordinator acquires and releases resource locks recursively.
type Coordinator struct {
	baseURL    string
	client     *http.Client
	resolver   Resolver
	greenLabel string
	coreLabel  string
	log        *zerolog.Logger
}

// Config holds the coordinator settings.
type Config struct {
	BaseURL        string
	GreenZoneLabel string
	CoreZoneLabel  string
}

// New returns a lock coordinator.
func New(c Config, resolver Resolver, log *zerolog.Logger) *Coordinator {
	return &Coordinator{
		baseURL:    c.BaseURL,
		client:     &http.Client{Timeout: 30 * time.Second},
		resolver:   resolver,
		greenLabel: c.GreenZoneLabel,
		coreLabel:  c.CoreZoneLabel,
		log:        log,
	}
}

// Lock acquires a lock on the given resource key.
func (c *Coordinator) Lock(ctx context.Context, key, operation string) error {
	if err := c.do(ctx, http.MethodPost, key, operation); err != nil {
		return errors.Wrapf(err, "locks: resource %s already in use", key)
	}
	return nil
}

// Unlock releases a previously acquired lock.
func (c *Coordinator) Unlock(ctx context.Context, key, operation string) error {
	if err := c.do(ctx, http.MethodDelete, key, operation); err != nil {
		return errors.Wrapf(err, "locks: error unlocking resource %s", key)
	}
	return nil
}

// RecursiveLock walks the trees rooted at the given geids depth-first
// and read-locks every non-archived node. The acquired set is returned
// together with the error: on failure the caller owns the partial set
// and MUST release it. Rolling back here would release locks that
// other in-flight jobs on the same tree still depend on.
func (c *Coordinator) RecursiveLock(ctx context.Context, code string, geids []string) ([]Lock, error) {
	locked := []Lock{}

	nodes := make([]*catalog.Node, 0, len(geids))
	for _, geid := range geids {
		n, err := c.resolver.GetNodeByGeid(ctx, geid)
		if err != nil {
			return locked, err
		}
		nodes = append(nodes, n)
	}

	// Iterative pre-order walk. A visited set guards against catalogue
	// cycles even though the data model forbids them.
	stack := make([]*catalog.Node, 0, len(nodes))
	for i := len(nodes) - 1; i >= 0; i-- {
		stack = append(stack, nodes[i])
	}
	visited := map[string]struct{}{}

	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if node.Archived {
			continue
		}
		if _, ok := visited[node.Geid]; ok {
			continue
		}
		visited[node.Geid] = struct{}{}

		// The user's home folder is named after the uploader and is
		// never locked.
		if node.DisplayPath != node.Uploader {
			key := c.ResourceKey(code, node)
			if err := c.Lock(ctx, key, OperationRead); err != nil {
				return locked, err
			}
			locked = append(locked, Lock{Key: key, Operation: OperationRead})
		}

		if node.IsFolder() {
			children, err := c.resolver.Children(ctx, node.Geid)
			if err != nil {
				return locked, err
			}
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, children[i])
			}
		}
	}

	return locked, nil
}

// ResourceKey derives the lock key for a node:
// (gr-|core-|)<code>/<display_path>, prefix chosen by the zone label.
func (c *Coordinator) ResourceKey(code string, node *catalog.Node) string {
	prefix := ""
	switch {
	case node.HasLabel(c.greenLabel):
		prefix = "gr-"
	case node.HasLabel(c.coreLabel):
		prefix = "core-"
	}
	return fmt.Sprintf("%s%s/%s", prefix, code, node.DisplayPath)
}

func (c *Coordinator) do(ctx context.Context, method, key, operation string) error {
	payload, err := json.Marshal(map[string]string{
		"resource_key": key,
		"operation":    operation,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/v2/resource/lock/", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lock service returned %d", resp.StatusCode)
	}
	return nil
}
