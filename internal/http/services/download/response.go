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
	"fmt"
	"net/http"

	"github.com/pkg/errors"

	"github.com/pilotdataplatform/download/pkg/errtypes"
)

// envelope is the common response body. code mirrors the HTTP status;
// page and num_of_pages are carried for wire compatibility with the
// portal and default to 0/1.
type envelope struct {
	Code       int         `json:"code"`
	ErrorMsg   string      `json:"error_msg"`
	Page       int         `json:"page"`
	Total      int         `json:"total"`
	NumOfPages int         `json:"num_of_pages"`
	Result     interface{} `json:"result"`
}

func writeJSON(w http.ResponseWriter, status int, e envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

func writeSuccess(w http.ResponseWriter, result interface{}) {
	writeJSON(w, http.StatusOK, envelope{
		Code:       http.StatusOK,
		Total:      1,
		NumOfPages: 1,
		Result:     result,
	})
}

func writeSuccessTotal(w http.ResponseWriter, result interface{}, total int) {
	writeJSON(w, http.StatusOK, envelope{
		Code:       http.StatusOK,
		Total:      total,
		NumOfPages: 1,
		Result:     result,
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{
		Code:       status,
		ErrorMsg:   msg,
		NumOfPages: 1,
		Result:     []interface{}{},
	})
}

// classify maps an error to the envelope status and message. Typed
// errors keep their user-facing message, everything else is wrapped in
// the internal template.
func classify(err error) (int, string) {
	cause := errors.Cause(err)
	switch cause.(type) {
	case errtypes.IsNotFound:
		return http.StatusNotFound, messageOf(cause)
	case errtypes.IsBadRequest:
		return http.StatusBadRequest, messageOf(cause)
	case errtypes.IsPermissionDenied:
		return http.StatusUnauthorized, messageOf(cause)
	case errtypes.IsInternalError:
		return http.StatusInternalServerError, fmt.Sprintf(errtypes.TemplateInternal, messageOf(cause))
	default:
		return http.StatusInternalServerError, fmt.Sprintf(errtypes.TemplateInternal, err)
	}
}

// messageOf strips the errtypes prefix: the templates inside the typed
// errors are already user facing.
func messageOf(err error) string {
	switch e := err.(type) {
	case errtypes.NotFound:
		return string(e)
	case errtypes.BadRequest:
		return string(e)
	case errtypes.PermissionDenied:
		return string(e)
	case errtypes.InternalError:
		return string(e)
	default:
		return err.Error()
	}
}

func writeClassified(w http.ResponseWriter, err error) {
	status, msg := classify(err)
	writeError(w, status, msg)
}
