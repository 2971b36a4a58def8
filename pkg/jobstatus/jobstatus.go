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

// Package jobstatus persists download job records in a key-value
// store. The store holds ephemeral job state only, it is never the
// source of truth for metadata.
package jobstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// Status is the state of a download job.
type Status string

// Job lifecycle: created on pre-download, terminal on
// ReadyForDownloading or Cancelled, Succeed once redeemed.
const (
	StatusInit     Status = "INIT"
	StatusZipping  Status = "ZIPPING"
	StatusReady    Status = "READY_FOR_DOWNLOADING"
	StatusCancel   Status = "CANCELLED"
	StatusSucceed  Status = "SUCCEED"
	ActionDownload        = "data_download"

	keyPrefix = "dataaction"
)

// Record is the serialised form of a download job.
type Record struct {
	SessionID       string                 `json:"session_id"`
	JobID           string                 `json:"job_id"`
	Geid            string                 `json:"geid"`
	Source          string                 `json:"source"`
	Action          string                 `json:"action"`
	Status          Status                 `json:"status"`
	ProjectCode     string                 `json:"project_code"`
	Operator        string                 `json:"operator"`
	Progress        int                    `json:"progress"`
	Payload         map[string]interface{} `json:"payload"`
	UpdateTimestamp string                 `json:"update_timestamp"`
}

// Key returns the compound store key for the record:
// dataaction:{session}:{job}:{action}:{code}:{operator}:{source}.
func (r Record) Key() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s:%s",
		keyPrefix, r.SessionID, r.JobID, r.Action, r.ProjectCode, r.Operator, r.Source)
}

// Store wraps the key-value cache holding the job records.
type Store struct {
	client *redis.Client
}

// Config holds the cache connection settings.
type Config struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// New connects to the key-value store.
func New(c Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     c.Address,
		Password: c.Password,
		DB:       c.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "jobstatus: error connecting to store")
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client, used by tests.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Set persists a job record under its compound key. The update
// timestamp is stamped here; setting an identical record twice is a
// no-op observable only by that timestamp.
func (s *Store) Set(ctx context.Context, r Record) (Record, error) {
	if r.Payload == nil {
		r.Payload = map[string]interface{}{}
	}
	r.UpdateTimestamp = strconv.FormatInt(time.Now().Unix(), 10)
	value, err := json.Marshal(r)
	if err != nil {
		return Record{}, err
	}
	if err := s.client.Set(ctx, r.Key(), value, 0).Err(); err != nil {
		return Record{}, errors.Wrap(err, "jobstatus: error persisting record "+r.Key())
	}
	return r, nil
}

// Get returns all records matching the given key segments. A "*"
// segment matches any value in that position; the trailing source
// segment is always treated as a wildcard.
func (s *Store) Get(ctx context.Context, sessionID, jobID, action, code, operator string) ([]Record, error) {
	if jobID == "" {
		jobID = "*"
	}
	pattern := fmt.Sprintf("%s:%s:%s:%s:%s:%s*", keyPrefix, sessionID, jobID, action, code, operator)
	values, err := s.scan(ctx, pattern)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(values))
	for _, v := range values {
		var r Record
		if err := json.Unmarshal(v, &r); err != nil {
			return nil, errors.Wrap(err, "jobstatus: corrupt record")
		}
		records = append(records, r)
	}
	return records, nil
}

// DeleteBySession removes every record of one session for the given
// action. The prefix is scoped to a single session id.
func (s *Store) DeleteBySession(ctx context.Context, sessionID, action string) error {
	pattern := fmt.Sprintf("%s:%s:*:%s:*", keyPrefix, sessionID, action)
	keys, err := s.keys(ctx, pattern)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "jobstatus: error deleting records")
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "jobstatus: error scanning keys")
	}
	return keys, nil
}

func (s *Store) scan(ctx context.Context, pattern string) ([][]byte, error) {
	keys, err := s.keys(ctx, pattern)
	if err != nil {
		return nil, err
	}
	values := make([][]byte, 0, len(keys))
	for _, key := range keys {
		v, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "jobstatus: error reading record "+key)
		}
		values = append(values, v)
	}
	return values, nil
}
