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
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/pilotdataplatform/download/pkg/appctx"
	"github.com/pilotdataplatform/download/pkg/downloader"
	"github.com/pilotdataplatform/download/pkg/errtypes"
	"github.com/pilotdataplatform/download/pkg/jobstatus"
)

// sessionID reads the caller session from the Session-Id header, with
// a query fallback kept for older portal clients.
func sessionID(r *http.Request) string {
	if s := r.Header.Get("Session-Id"); s != "" {
		return s
	}
	return r.URL.Query().Get("session_id")
}

func (s *svc) listStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := sessionID(r)
	projectCode := r.URL.Query().Get("project_code")
	operator := r.URL.Query().Get("operator")
	jobID := r.URL.Query().Get("job_id")

	records, err := s.status.Get(ctx, session, jobID, jobstatus.ActionDownload, projectCode, operator)
	if err != nil {
		writeClassified(w, err)
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusNotFound, errtypes.TemplateJobNotFound)
		return
	}
	writeSuccessTotal(w, records, len(records))
}

func (s *svc) statusByToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, err := s.tokens.VerifyDownload(chi.URLParam(r, "token"))
	if err != nil {
		writeClassified(w, err)
		return
	}

	records, err := s.status.Get(ctx, claims.SessionID, claims.JobID, jobstatus.ActionDownload, claims.ProjectCode, claims.Operator)
	if err != nil {
		writeClassified(w, err)
		return
	}
	for _, rec := range records {
		if rec.Source == claims.FullPath {
			writeSuccess(w, rec)
			return
		}
	}
	writeError(w, http.StatusNotFound, errtypes.TemplateJobNotFound)
}

// redeem streams a staged download. The matching job records move to
// SUCCEED before the stream starts; the token stays formally valid
// until its exp, one-shot semantics come from the status transition.
func (s *svc) redeem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := appctx.GetLogger(ctx)

	claims, err := s.tokens.VerifyDownload(chi.URLParam(r, "token"))
	if err != nil {
		writeClassified(w, err)
		return
	}

	if _, err := os.Stat(claims.FullPath); err != nil {
		writeError(w, http.StatusNotFound, string(errtypes.FileNotFound(claims.FullPath)))
		return
	}

	if err := s.audit.FileDownloadLog(ctx, claims.Operator, claims.FullPath, claims.ProjectCode, nil); err != nil {
		// Provenance is best effort at redemption time, the download
		// itself must not fail on it.
		log.Warn().Err(err).Msg("error posting audit log")
	}

	records, err := s.status.Get(ctx, claims.SessionID, claims.JobID, jobstatus.ActionDownload, claims.ProjectCode, claims.Operator)
	if err != nil {
		writeClassified(w, err)
		return
	}
	for _, rec := range records {
		rec.Status = jobstatus.StatusSucceed
		if _, err := s.status.Set(ctx, rec); err != nil {
			log.Warn().Err(err).Str("job_id", rec.JobID).Msg("error marking job succeeded")
		}
	}

	w.Header().Set("Content-Disposition", "attachment; filename=\""+filepath.Base(claims.FullPath)+"\"")
	http.ServeFile(w, r, claims.FullPath)
}

func (s *svc) deleteStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	session := r.Header.Get("Session-Id")
	if session == "" {
		writeError(w, http.StatusBadRequest, "Session-Id header is required")
		return
	}
	if err := s.status.DeleteBySession(ctx, session, jobstatus.ActionDownload); err != nil {
		writeClassified(w, err)
		return
	}
	writeSuccess(w, "success")
}

type legacyPreRequest struct {
	Files []struct {
		FullPath    string `json:"full_path"`
		ProjectCode string `json:"project_code"`
		Geid        string `json:"geid"`
	} `json:"files"`
	Operator    string `json:"operator"`
	SessionID   string `json:"session_id"`
	ProjectCode string `json:"project_code"`
}

// preDownloadLegacy prepares a download of files that already live on
// the local staging disk. Nothing is resolved or locked.
func (s *svc) preDownloadLegacy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req legacyPreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	lr := downloader.LocalRequest{
		Operator:    req.Operator,
		SessionID:   req.SessionID,
		ProjectCode: req.ProjectCode,
	}
	for _, f := range req.Files {
		lr.Files = append(lr.Files, downloader.LocalFile{
			FullPath:    f.FullPath,
			Geid:        f.Geid,
			ProjectCode: f.ProjectCode,
		})
	}

	job, err := downloader.NewLocal(lr, s.deps(s.gateway), s.options())
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
