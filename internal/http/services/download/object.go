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
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/pilotdataplatform/download/pkg/appctx"
	"github.com/pilotdataplatform/download/pkg/catalog"
	"github.com/pilotdataplatform/download/pkg/downloader"
	"github.com/pilotdataplatform/download/pkg/errtypes"
	"github.com/pilotdataplatform/download/pkg/objstore"
)

// getObject serves a single entity without a hand-off token: files are
// streamed straight from the store, folders are staged and archived on
// the fly.
func (s *svc) getObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	geid := chi.URLParam(r, "geid")

	// The File query disambiguates: a geid that does not identify a
	// file may still name a folder.
	file, err := s.catalog.QueryFileByGeid(ctx, geid)
	if err == nil {
		s.serveFile(w, r, file)
		return
	}
	if _, ok := errors.Cause(err).(errtypes.IsNotFound); !ok {
		writeClassified(w, err)
		return
	}

	node, err := s.catalog.GetNodeByGeid(ctx, geid)
	if err != nil {
		writeClassified(w, err)
		return
	}
	if !node.IsFolder() {
		writeClassified(w, errtypes.FileNotFound(geid))
		return
	}
	s.serveFolderArchive(w, r, node)
}

func (s *svc) serveFile(w http.ResponseWriter, r *http.Request, node *catalog.Node) {
	ctx := r.Context()
	log := appctx.GetLogger(ctx)

	loc, err := objstore.ParseLocation(node.Location)
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

// serveFolderArchive stages every descendant file of the folder into a
// fresh staging directory, zips it and serves the archive. The request
// holds for the whole staging, this path is meant for small trees.
func (s *svc) serveFolderArchive(w http.ResponseWriter, r *http.Request, node *catalog.Node) {
	ctx := r.Context()
	log := appctx.GetLogger(ctx)

	files, err := s.catalog.FilesRecursive(ctx, node.Geid)
	if err != nil {
		writeClassified(w, err)
		return
	}

	code := node.ProjectCode
	if code == "" {
		code = node.Code
	}
	tmpFolder := filepath.Join(s.conf.StagingRoot, fmt.Sprintf("%s_%d", code, time.Now().UnixNano()))

	for _, f := range files {
		loc, err := objstore.ParseLocation(f.Location)
		if err != nil {
			writeClassified(w, err)
			return
		}
		dst := filepath.Join(tmpFolder, filepath.FromSlash(loc.Key))
		if err := s.gateway.FGet(ctx, loc.Bucket, loc.Key, dst); err != nil {
			if objstore.IsNoSuchKey(err) {
				log.Info().Str("bucket", loc.Bucket).Str("key", loc.Key).Msg("object not found, skipping")
				continue
			}
			writeClassified(w, err)
			return
		}
	}

	archive := tmpFolder + ".zip"
	if err := downloader.ZipFolder(tmpFolder, archive); err != nil {
		writeClassified(w, err)
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename=\""+node.Name+".zip\"")
	http.ServeFile(w, r, archive)
}
