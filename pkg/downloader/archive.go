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

package downloader

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ZipFolder assembles a flat zip archive with the content of root.
// Entry names are relative to root, so the archive unpacks to the same
// tree the staging step produced.
func ZipFolder(root, dst string) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return errors.Wrap(err, "downloader: error preparing archive root")
	}

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "downloader: error creating archive "+dst)
	}
	defer out.Close()

	w := zip.NewWriter(out)

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		name, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		header := zip.FileHeader{
			Name:     filepath.ToSlash(name),
			Modified: info.ModTime(),
			Method:   zip.Deflate,
		}
		header.SetMode(0644)

		dstFile, err := w.CreateHeader(&header)
		if err != nil {
			return err
		}
		srcFile, err := os.Open(path)
		if err != nil {
			return err
		}
		defer srcFile.Close()

		_, err = io.Copy(dstFile, srcFile)
		return err
	})
	if err != nil {
		w.Close()
		return errors.Wrap(err, "downloader: error assembling archive "+dst)
	}
	return w.Close()
}

// ZipFiles assembles a zip archive from an explicit list of local
// files. Entries are stored under their base names; used by the legacy
// pre-download path where files are already on local disk.
func ZipFiles(paths []string, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "downloader: error creating archive "+dst)
	}
	defer out.Close()

	w := zip.NewWriter(out)

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			w.Close()
			return errors.Wrap(err, "downloader: error reading archive input "+path)
		}

		header := zip.FileHeader{
			Name:     filepath.Base(path),
			Modified: info.ModTime(),
			Method:   zip.Deflate,
		}
		header.SetMode(0644)

		dstFile, err := w.CreateHeader(&header)
		if err != nil {
			w.Close()
			return err
		}
		srcFile, err := os.Open(path)
		if err != nil {
			w.Close()
			return err
		}
		if _, err := io.Copy(dstFile, srcFile); err != nil {
			srcFile.Close()
			w.Close()
			return err
		}
		srcFile.Close()
	}
	return w.Close()
}
