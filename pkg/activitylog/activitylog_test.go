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

package activitylog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDatasetEvent(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/broker/pub", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPublisher(srv.URL)
	err := p.PublishDatasetEvent(context.Background(), EventDatasetFileDownloadSucceed, "dataset-1", "admin", []string{"a.txt"})
	require.NoError(t, err)

	assert.Equal(t, EventDatasetFileDownloadSucceed, got["event_type"])
	assert.Equal(t, "dataset_actlog", got["queue"])

	payload := got["payload"].(map[string]interface{})
	assert.Equal(t, "dataset-1", payload["dataset_geid"])
	assert.Equal(t, "admin", payload["operator"])
	assert.Equal(t, "DOWNLOAD", payload["action"])
	assert.Equal(t, "Dataset", payload["resource"])

	detail := payload["detail"].(map[string]interface{})
	assert.Equal(t, []interface{}{"a.txt"}, detail["source"])

	exchange := got["exchange"].(map[string]interface{})
	assert.Equal(t, "DATASET_ACTS", exchange["name"])
	assert.Equal(t, "fanout", exchange["type"])
}

func TestPublishDatasetEventBrokerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewPublisher(srv.URL)
	err := p.PublishDatasetEvent(context.Background(), EventDatasetDownloadSucceed, "dataset-1", "admin", nil)
	require.Error(t, err)
}

func TestFileDownloadLog(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audit-logs", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAuditClient(srv.URL)
	err := a.FileDownloadLog(context.Background(), "admin", "/tmp/staging/proj_1/a.zip", "proj", nil)
	require.NoError(t, err)

	assert.Equal(t, "data_download", got["action"])
	assert.Equal(t, "admin", got["operator"])
	assert.Equal(t, "/tmp/staging/proj_1/a.zip", got["target"])
	assert.Equal(t, "file", got["resource"])
	assert.Equal(t, "a.zip", got["display_name"])
	assert.Equal(t, "proj", got["project_code"])
}
