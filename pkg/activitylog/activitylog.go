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

// Package activitylog emits structured audit events: dataset activity
// goes to the message broker, file download provenance to the
// audit-log service.
package activitylog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Event types published to the dataset activity log.
const (
	EventDatasetDownloadSucceed     = "DATASET_DOWNLOAD_SUCCEED"
	EventDatasetFileDownloadSucceed = "DATASET_FILEDOWNLOAD_SUCCEED"
)

// Publisher posts events to the activity-log broker.
type Publisher struct {
	brokerURL string
	client    *http.Client
}

// NewPublisher returns a publisher for the given broker base URL.
func NewPublisher(brokerURL string) *Publisher {
	return &Publisher{
		brokerURL: brokerURL,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// PublishDatasetEvent emits a dataset activity event to the fanout
// exchange. The source carries the affected entries, usually a list of
// file names or geids.
func (p *Publisher) PublishDatasetEvent(ctx context.Context, eventType, datasetGeid, operator string, source interface{}) error {
	event := map[string]interface{}{
		"event_type": eventType,
		"payload": map[string]interface{}{
			"dataset_geid": datasetGeid,
			"operator":     operator,
			"action":       "DOWNLOAD",
			"resource":     "Dataset",
			"detail":       map[string]interface{}{"source": source},
		},
		"queue":       "dataset_actlog",
		"routing_key": "",
		"exchange":    map[string]interface{}{"name": "DATASET_ACTS", "type": "fanout"},
	}
	return p.post(ctx, p.brokerURL+"/v1/broker/pub", event)
}

func (p *Publisher) post(ctx context.Context, url string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "activitylog: error publishing event")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("activitylog: publish returned %d", resp.StatusCode)
	}
	return nil
}

// AuditClient posts file operation logs to the provenance service.
type AuditClient struct {
	baseURL string
	client  *http.Client
}

// NewAuditClient returns an audit client for the provenance base URL.
func NewAuditClient(baseURL string) *AuditClient {
	return &AuditClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// FileDownloadLog records a redeemed download in the audit log.
func (a *AuditClient) FileDownloadLog(ctx context.Context, operator, downloadPath, projectCode string, extra map[string]interface{}) error {
	if extra == nil {
		extra = map[string]interface{}{}
	}
	payload, err := json.Marshal(map[string]interface{}{
		"action":       "data_download",
		"operator":     operator,
		"target":       downloadPath,
		"outcome":      downloadPath,
		"resource":     "file",
		"display_name": filepath.Base(downloadPath),
		"project_code": projectCode,
		"extra":        extra,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/audit-logs", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "activitylog: error posting audit log")
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("activitylog: audit log returned %d", resp.StatusCode)
	}
	return nil
}
