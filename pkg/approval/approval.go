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

// Package approval reads the entities approved under a copy/download
// request from the approval database.
package approval

import (
	"context"
	"database/sql"

	// postgres driver
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// Entity is one row of the approval_entity table.
type Entity struct {
	ID           string
	RequestID    string
	EntityGeid   string
	EntityType   string
	ReviewStatus string
	ParentGeid   sql.NullString
	CopyStatus   sql.NullString
	Name         string
}

// Entities maps entity geid to its approval record.
type Entities map[string]Entity

// Geids returns the set of approved entity identifiers.
func (e Entities) Geids() map[string]struct{} {
	geids := make(map[string]struct{}, len(e))
	for geid := range e {
		geids[geid] = struct{}{}
	}
	return geids
}

// Client queries the approval database.
type Client struct {
	db *sql.DB
}

// New opens the approval database. The DSN is a standard postgres
// connection string.
func New(dsn string) (*Client, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "approval: error opening database")
	}
	return &Client{db: db}, nil
}

// NewWithDB wraps an existing handle, used by tests.
func NewWithDB(db *sql.DB) *Client {
	return &Client{db: db}
}

// GetApprovalEntities returns all approval entities related to the
// given request id. An unknown request id yields an empty map, which
// makes the orchestrator resolve an empty file set.
func (c *Client) GetApprovalEntities(ctx context.Context, requestID string) (Entities, error) {
	const query = `SELECT id, request_id, entity_geid, entity_type, review_status, parent_geid, copy_status, name
		FROM approval_entity WHERE request_id = $1`

	rows, err := c.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, "approval: error querying entities for request "+requestID)
	}
	defer rows.Close()

	entities := Entities{}
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.RequestID, &e.EntityGeid, &e.EntityType, &e.ReviewStatus, &e.ParentGeid, &e.CopyStatus, &e.Name); err != nil {
			return nil, errors.Wrap(err, "approval: error scanning entity row")
		}
		entities[e.EntityGeid] = e
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "approval: error iterating entity rows")
	}
	return entities, nil
}

// Close releases the database handle.
func (c *Client) Close() error {
	return c.db.Close()
}
