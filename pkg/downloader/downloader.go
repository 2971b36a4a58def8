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

// Package downloader implements the download-job pipeline: it resolves
// the requested entities through the metadata catalogue, read-locks the
// touched trees, stages the objects into a per-job temporary folder,
// optionally assembles an archive and publishes the job status every
// step of the way.
package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/pilotdataplatform/download/pkg/activitylog"
	"github.com/pilotdataplatform/download/pkg/catalog"
	"github.com/pilotdataplatform/download/pkg/errtypes"
	"github.com/pilotdataplatform/download/pkg/jobstatus"
	"github.com/pilotdataplatform/download/pkg/locks"
	"github.com/pilotdataplatform/download/pkg/objstore"
	"github.com/pilotdataplatform/download/pkg/schema"
	"github.com/pilotdataplatform/download/pkg/token"
)

// Download types.
const (
	TypeProjectFiles = "project_files"
	TypeDatasetFiles = "dataset_files"
	TypeFullDataset  = "full_dataset"
)

// Resolver is the part of the catalogue client the orchestrator needs.
type Resolver interface {
	GetNodeByGeid(ctx context.Context, geid string) (*catalog.Node, error)
	FilesRecursive(ctx context.Context, folderGeid string) ([]*catalog.Node, error)
}

// Locker acquires and releases the distributed read locks.
type Locker interface {
	RecursiveLock(ctx context.Context, code string, geids []string) ([]locks.Lock, error)
	Unlock(ctx context.Context, key, operation string) error
}

// ObjectStore stages objects to the local filesystem.
type ObjectStore interface {
	FGet(ctx context.Context, bucket, key, dst string) error
}

// StatusStore persists the job records.
type StatusStore interface {
	Set(ctx context.Context, r jobstatus.Record) (jobstatus.Record, error)
}

// SchemaLister fetches dataset schema definitions.
type SchemaLister interface {
	List(ctx context.Context, datasetGeid, standard string) ([]schema.Definition, error)
}

// Publisher emits dataset activity events.
type Publisher interface {
	PublishDatasetEvent(ctx context.Context, eventType, datasetGeid, operator string, source interface{}) error
}

// Deps bundles the collaborators of a download job.
type Deps struct {
	Resolver  Resolver
	Locker    Locker
	Store     ObjectStore
	Status    StatusStore
	Schemas   SchemaLister
	Publisher Publisher
	Log       *zerolog.Logger
}

// Entry is one resolved leaf descriptor in files_to_zip.
type Entry struct {
	Location     string
	Bucket       string
	Key          string
	Geid         string
	ProjectCode  string
	Operator     string
	ParentFolder string
	DatasetCode  string
}

// Request describes an object-store pre-download.
type Request struct {
	Geids        []string
	Operator     string
	SessionID    string
	Code         string // project code or dataset code
	PrimaryGeid  string // caller's first requested entity (dataset geid for dataset downloads)
	DownloadType string
	// ApprovedGeids restricts the resolved set when non-nil.
	ApprovedGeids map[string]struct{}
}

// Options holds the orchestrator settings.
type Options struct {
	StagingRoot     string
	SchemaStandards []string
}

// Job is one download job. It is created by a pre-download request,
// mutated only by its own worker and terminal on READY_FOR_DOWNLOADING
// or CANCELLED.
type Job struct {
	ID string

	deps Deps
	opts Options

	operator     string
	sessionID    string
	code         string
	primaryGeid  string
	downloadType string

	// requested holds the original request entities; the worker re-walks
	// them under the lock protocol for consistency.
	requested      []string
	entries        []Entry
	containsFolder bool
	localOnly      bool
	localPaths     []string

	tmpFolder  string
	resultPath string
}

// New resolves a pre-download request into a job. Folder entities are
// expanded recursively, archived nodes are skipped and the approved
// set, when present, filters the leaves. A non full-dataset request
// resolving to an empty file set is rejected.
func New(ctx context.Context, deps Deps, req Request, opts Options) (*Job, error) {
	if len(opts.SchemaStandards) == 0 {
		opts.SchemaStandards = []string{"default", "open_minds"}
	}

	j := &Job{
		ID:           "data-download-" + strconv.FormatInt(time.Now().Unix(), 10),
		deps:         deps,
		opts:         opts,
		operator:     req.Operator,
		sessionID:    req.SessionID,
		code:         req.Code,
		primaryGeid:  req.PrimaryGeid,
		downloadType: req.DownloadType,
		requested:    req.Geids,
	}

	for _, geid := range req.Geids {
		if err := j.addFiles(ctx, geid, req.ApprovedGeids); err != nil {
			return nil, err
		}
	}

	if len(j.entries) < 1 && j.downloadType != TypeFullDataset {
		return nil, errtypes.InvalidFileAmount()
	}

	j.tmpFolder = filepath.Join(opts.StagingRoot, fmt.Sprintf("%s_%d", j.code, time.Now().UnixNano()))
	if j.needsArchive() {
		j.resultPath = j.tmpFolder + ".zip"
	} else {
		j.resultPath = j.tmpFolder + "/" + j.entries[0].Key
	}
	return j, nil
}

// LocalFile is one input of the legacy pre-download path.
type LocalFile struct {
	FullPath    string
	Geid        string
	ProjectCode string
}

// LocalRequest describes a legacy pre-download of files that already
// live on the local staging disk.
type LocalRequest struct {
	Files       []LocalFile
	Operator    string
	SessionID   string
	ProjectCode string
}

// NewLocal builds a job for the legacy path-based pre-download. There
// is nothing to resolve or lock: the inputs are staged paths, not
// catalogue entities.
func NewLocal(req LocalRequest, deps Deps, opts Options) (*Job, error) {
	if len(req.Files) < 1 {
		return nil, errtypes.InvalidFileAmount()
	}

	j := &Job{
		ID:           "data-download-" + strconv.FormatInt(time.Now().Unix(), 10),
		deps:         deps,
		opts:         opts,
		operator:     req.Operator,
		sessionID:    req.SessionID,
		code:         req.ProjectCode,
		downloadType: TypeProjectFiles,
		localOnly:    true,
	}
	for _, f := range req.Files {
		j.localPaths = append(j.localPaths, f.FullPath)
		j.entries = append(j.entries, Entry{
			Location:    f.FullPath,
			Key:         filepath.Base(f.FullPath),
			Geid:        f.Geid,
			ProjectCode: f.ProjectCode,
			Operator:    req.Operator,
		})
	}

	j.tmpFolder = filepath.Join(opts.StagingRoot, fmt.Sprintf("%s_%d", j.code, time.Now().UnixNano()))
	if len(j.entries) > 1 {
		j.resultPath = j.tmpFolder + ".zip"
	} else {
		j.resultPath = req.Files[0].FullPath
	}
	return j, nil
}

func (j *Job) addFiles(ctx context.Context, geid string, approved map[string]struct{}) error {
	node, err := j.deps.Resolver.GetNodeByGeid(ctx, geid)
	if err != nil {
		return err
	}

	var nodes []*catalog.Node
	if node.IsFolder() {
		j.deps.Log.Info().Str("geid", geid).Msg("expanding folder")
		nodes, err = j.deps.Resolver.FilesRecursive(ctx, geid)
		if err != nil {
			return err
		}
		// contains_folder only flips when the expansion yields files.
		if len(nodes) > 0 {
			j.containsFolder = true
		}
	} else {
		nodes = []*catalog.Node{node}
	}

	for _, n := range nodes {
		if approved != nil {
			if _, ok := approved[n.Geid]; !ok {
				continue
			}
		}
		if n.Archived {
			j.deps.Log.Info().Str("geid", n.Geid).Msg("archived node skipped")
			continue
		}
		loc, err := objstore.ParseLocation(n.Location)
		if err != nil {
			return err
		}
		j.entries = append(j.entries, Entry{
			Location:     n.Location,
			Bucket:       loc.Bucket,
			Key:          loc.Key,
			Geid:         n.Geid,
			ProjectCode:  n.ProjectCode,
			Operator:     j.operator,
			ParentFolder: n.Geid,
			DatasetCode:  n.DatasetCode,
		})
	}
	return nil
}

func (j *Job) needsArchive() bool {
	return len(j.entries) > 1 || j.containsFolder || j.downloadType == TypeFullDataset
}

// ResultPath is the staged file or archive the hand-off token points at.
func (j *Job) ResultPath() string { return j.resultPath }

// TmpFolder is the per-job staging folder. Paths are disjoint across
// jobs by construction (monotonic suffix).
func (j *Job) TmpFolder() string { return j.tmpFolder }

// ContainsFolder reports whether a folder expansion contributed files.
func (j *Job) ContainsFolder() bool { return j.containsFolder }

// Entries returns the resolved files_to_zip sequence.
func (j *Job) Entries() []Entry { return j.entries }

// Geid returns the geid recorded in status and claims: the first
// resolved leaf, or the primary entity when nothing resolved.
func (j *Job) Geid() string {
	if len(j.entries) > 0 {
		return j.entries[0].Geid
	}
	return j.primaryGeid
}

// Claims builds the hand-off token claims for this job.
func (j *Job) Claims(ttl time.Duration) token.DownloadClaims {
	now := time.Now()
	return token.DownloadClaims{
		Geid:        j.Geid(),
		FullPath:    j.resultPath,
		Issuer:      token.Issuer,
		Operator:    j.operator,
		SessionID:   j.sessionID,
		JobID:       j.ID,
		ProjectCode: j.code,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

// SetStatus persists the job state under its compound status key.
func (j *Job) SetStatus(ctx context.Context, status jobstatus.Status, payload map[string]interface{}) (jobstatus.Record, error) {
	return j.deps.Status.Set(ctx, jobstatus.Record{
		SessionID:   j.sessionID,
		JobID:       j.ID,
		Geid:        j.Geid(),
		Source:      j.resultPath,
		Action:      jobstatus.ActionDownload,
		Status:      status,
		ProjectCode: j.code,
		Operator:    j.operator,
		Payload:     payload,
	})
}

// Run executes the staging worker. The sequence within the job is
// strict: lock, stage, schemas, archive, publish, status. Whatever
// happens, every acquired lock is released before returning; on error
// the job moves to CANCELLED with the error message in the payload.
func (j *Job) Run(ctx context.Context, hashCode string) {
	log := j.deps.Log.With().Str("job_id", j.ID).Logger()

	var locked []locks.Lock
	defer func() {
		log.Info().Int("locks", len(locked)).Msg("releasing locks")
		for _, l := range locked {
			if err := j.deps.Locker.Unlock(ctx, l.Key, l.Operation); err != nil {
				// Lock-release failures must not prevent status updates.
				log.Warn().Err(err).Str("resource_key", l.Key).Msg("error releasing lock")
			}
		}
	}()

	err := func() error {
		if !j.localOnly {
			var lockErr error
			locked, lockErr = j.deps.Locker.RecursiveLock(ctx, j.code, j.requested)
			if lockErr != nil {
				return lockErr
			}

			for _, e := range j.entries {
				dst := filepath.Join(j.tmpFolder, filepath.FromSlash(e.Key))
				if err := j.deps.Store.FGet(ctx, e.Bucket, e.Key, dst); err != nil {
					if objstore.IsNoSuchKey(err) {
						log.Info().Str("bucket", e.Bucket).Str("key", e.Key).Msg("object not found, skipping")
						continue
					}
					return err
				}
			}
		}

		if j.downloadType == TypeFullDataset {
			if err := j.writeSchemas(ctx); err != nil {
				return err
			}
		}

		if j.needsArchive() {
			if j.localOnly {
				if err := ZipFiles(j.localPaths, j.resultPath); err != nil {
					return err
				}
			} else if err := ZipFolder(j.tmpFolder, j.tmpFolder+".zip"); err != nil {
				return err
			}
		}

		if j.downloadType == TypeDatasetFiles {
			names := make([]string, 0, len(j.entries))
			for _, e := range j.entries {
				names = append(names, datasetEntryName(e.Location))
			}
			if err := j.deps.Publisher.PublishDatasetEvent(ctx, activitylog.EventDatasetFileDownloadSucceed, j.primaryGeid, j.operator, names); err != nil {
				return err
			}
		}
		return nil
	}()

	if err != nil {
		log.Error().Err(err).Msg("download job failed")
		if _, serr := j.SetStatus(ctx, jobstatus.StatusCancel, map[string]interface{}{"error_msg": err.Error()}); serr != nil {
			log.Error().Err(serr).Msg("error persisting cancelled status")
		}
		return
	}

	if _, err := j.SetStatus(ctx, jobstatus.StatusReady, map[string]interface{}{"hash_code": hashCode}); err != nil {
		log.Error().Err(err).Msg("error persisting ready status")
	}
}

// writeSchemas saves the dataset schema definitions into the folder
// that will be zipped. Content is written indented with non-ASCII
// preserved.
func (j *Job) writeSchemas(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(j.tmpFolder, "data"), 0755); err != nil {
		return err
	}

	for _, standard := range j.opts.SchemaStandards {
		defs, err := j.deps.Schemas.List(ctx, j.primaryGeid, standard)
		if err != nil {
			return err
		}
		for _, def := range defs {
			path := filepath.Join(j.tmpFolder, schemaFilePrefix(standard)+def.Name)
			if err := writeIndentedJSON(path, def.Content); err != nil {
				return err
			}
		}
	}
	return nil
}

func schemaFilePrefix(standard string) string {
	if standard == "open_minds" {
		return "openMINDS_"
	}
	return standard + "_"
}

func writeIndentedJSON(path string, content json.RawMessage) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var v interface{}
	if err := json.Unmarshal(content, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	return enc.Encode(v)
}

// datasetEntryName derives the file name carried in dataset activity
// events: the location segments after the seventh slash, a convention
// of the source metadata.
func datasetEntryName(location string) string {
	parts := strings.Split(location, "/")
	if len(parts) <= 7 {
		return location
	}
	return strings.Join(parts[7:], "/")
}
