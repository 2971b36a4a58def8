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

package download

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pilotdataplatform/download/pkg/activitylog"
	"github.com/pilotdataplatform/download/pkg/appctx"
	"github.com/pilotdataplatform/download/pkg/downloader"
	"github.com/pilotdataplatform/download/pkg/objstore"
)

type preRequest struct {
	Files []struct {
		Geid string `json:"geid"`
	} `json:"files"`
	Operator           string `json:"operator"`
	SessionID          string `json:"session_id"`
	ProjectCode        string `json:"project_code"`
	DatasetGeid        string `json:"dataset_geid"`
	DatasetDescription string `json:"dataset_description"`
	ApprovalRequestID  string `json:"approval_request_id"`
}

// preDownload prepares an object-store download of files and folders.
// The caller's identity token, when present, is exchanged for temporary
// object-store credentials.
func (s *svc) preDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req preRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ProjectCode == "" && req.DatasetGeid == "" {
		writeError(w, http.StatusBadRequest, "either project_code or dataset_geid is required")
		return
	}

	code := req.ProjectCode
	downloadType := downloader.TypeProjectFiles
	primaryGeid := ""
	if len(req.Files) > 0 {
		primaryGeid = req.Files[0].Geid
	}
	// project_code takes precedence when both identifiers are supplied;
	// the dataset branch only runs for pure dataset requests.
	if req.ProjectCode == "" {
		dataset, err := s.catalog.GetNodeByGeid(ctx, req.DatasetGeid)
		if err != nil {
			writeClassified(w, err)
			return
		}
		code = dataset.Code
		downloadType = downloader.TypeDatasetFiles
		primaryGeid = req.DatasetGeid
	}

	var approved map[string]struct{}
	if req.ApprovalRequestID != "" && s.approvals != nil {
		entities, err := s.approvals.GetApprovalEntities(ctx, req.ApprovalRequestID)
		if err != nil {
			writeClassified(w, err)
			return
		}
		approved = entities.Geids()
	}

	gateway, err := s.requestGateway(r)
	if err != nil {
		writeClassified(w, err)
		return
	}

	geids := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		geids = append(geids, f.Geid)
	}

	job, err := downloader.New(ctx, s.deps(gateway), downloader.Request{
		Geids:         geids,
		Operator:      req.Operator,
		SessionID:     req.SessionID,
		Code:          code,
		PrimaryGeid:   primaryGeid,
		DownloadType:  downloadType,
		ApprovedGeids: approved,
	}, s.options())
	if err != nil {
		writeClassified(w, err)
		return
	}

	record, err := s.startJob(ctx, job)
	if err != nil {
		writeClassified(w, err)
		return
	}
	writeSuccess(w, record)
}

type datasetPreRequest struct {
	DatasetGeid string `json:"dataset_geid"`
	Operator    string `json:"operator"`
	SessionID   string `json:"session_id"`
}

// preDownloadDataset prepares a full-dataset download: every file of
// the dataset plus its published schema artifacts, always archived.
func (s *svc) preDownloadDataset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := appctx.GetLogger(ctx)

	var req datasetPreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DatasetGeid == "" {
		writeError(w, http.StatusBadRequest, "dataset_geid is required")
		return
	}

	dataset, err := s.catalog.GetNodeByGeid(ctx, req.DatasetGeid)
	if err != nil {
		writeClassified(w, err)
		return
	}

	nodes, err := s.catalog.DatasetFiles(ctx, req.DatasetGeid)
	if err != nil {
		writeClassified(w, err)
		return
	}
	geids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		geids = append(geids, n.Geid)
	}

	gateway, err := s.requestGateway(r)
	if err != nil {
		writeClassified(w, err)
		return
	}

	job, err := downloader.New(ctx, s.deps(gateway), downloader.Request{
		Geids:        geids,
		Operator:     req.Operator,
		SessionID:    req.SessionID,
		Code:         dataset.Code,
		PrimaryGeid:  req.DatasetGeid,
		DownloadType: downloader.TypeFullDataset,
	}, s.options())
	if err != nil {
		writeClassified(w, err)
		return
	}

	record, err := s.startJob(ctx, job)
	if err != nil {
		writeClassified(w, err)
		return
	}

	// The dataset-level event is emitted at request time carrying the
	// resolved file identifiers, falling back to the dataset itself
	// when nothing resolved.
	var source interface{} = req.DatasetGeid
	if entries := job.Entries(); len(entries) > 0 {
		fileGeids := make([]string, 0, len(entries))
		for _, e := range entries {
			fileGeids = append(fileGeids, e.Geid)
		}
		source = fileGeids
	}
	if err := s.publisher.PublishDatasetEvent(ctx, activitylog.EventDatasetDownloadSucceed, req.DatasetGeid, req.Operator, source); err != nil {
		log.Warn().Err(err).Str("dataset_geid", req.DatasetGeid).Msg("error publishing dataset download event")
	}

	writeSuccess(w, record)
}

// datasetDownload streams a dataset-version file straight from the
// object store, no staging directory involved.
func (s *svc) datasetDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := appctx.GetLogger(ctx)

	claims, err := s.tokens.VerifyDatasetVersion(chi.URLParam(r, "token"))
	if err != nil {
		writeClassified(w, err)
		return
	}

	loc, err := objstore.ParseLocation(claims.Location)
	if err != nil {
		writeClassified(w, err)
		return
	}

	info, err := s.gateway.Stat(ctx, loc.Bucket, loc.Key)
	if err != nil {
		writeClassified(w, err)
		return
	}
	stream, err := s.gateway.GetStream(ctx, loc.Bucket, loc.Key)
	if err != nil {
		writeClassified(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("Content-Disposition", "attachment; filename=\""+loc.Filename()+"\"")
	if _, err := io.Copy(w, stream); err != nil {
		log.Error().Err(err).Str("bucket", loc.Bucket).Str("key", loc.Key).Msg("error streaming object")
	}
}
