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

// Package errtypes contains definitions for common errors.
// It would have been nice to call this package errors, err or error
// but errors clashes with github.com/pkg/errors, err is used for any error
// variable and error is a reserved word :)
package errtypes

import "fmt"

// NotFound is the error to use when a resource is not found.
type NotFound string

func (e NotFound) Error() string { return "error: not found: " + string(e) }

// IsNotFound implements the IsNotFound interface.
func (e NotFound) IsNotFound() {}

// BadRequest is the error to use when the request is malformed or incomplete.
type BadRequest string

func (e BadRequest) Error() string { return "error: bad request: " + string(e) }

// IsBadRequest implements the IsBadRequest interface.
func (e BadRequest) IsBadRequest() {}

// PermissionDenied is the error to use when a token or credential is rejected.
type PermissionDenied string

func (e PermissionDenied) Error() string { return "error: permission denied: " + string(e) }

// IsPermissionDenied implements the IsPermissionDenied interface.
func (e PermissionDenied) IsPermissionDenied() {}

// InternalError is the error to use when something unexpected happens.
type InternalError string

func (e InternalError) Error() string { return "internal error: " + string(e) }

// IsInternalError implements the IsInternalError interface.
func (e InternalError) IsInternalError() {}

// IsNotFound is the interface to implement
// to specify that a resource is not found.
type IsNotFound interface {
	IsNotFound()
}

// IsBadRequest is the interface to implement
// to specify that the request is invalid.
type IsBadRequest interface {
	IsBadRequest()
}

// IsPermissionDenied is the interface to implement
// to specify that an action is denied.
type IsPermissionDenied interface {
	IsPermissionDenied()
}

// IsInternalError is the interface to implement
// to specify that there was some internal error.
type IsInternalError interface {
	IsInternalError()
}

// User-facing message templates. The wording is part of the API contract
// with the portal frontend, do not reword casually.
const (
	TemplateFileNotFound      = "[File not found] %s."
	TemplateInvalidFileAmount = "[Invalid file amount] must greater than 0"
	TemplateJobNotFound       = "[Invalid Job ID] Not Found"
	TemplateForgedToken       = "[Invalid Token] System detected forged token, a report has been submitted."
	TemplateTokenExpired      = "[Invalid Token] Already expired."
	TemplateInvalidToken      = "[Invalid Token] %s"
	TemplateInternal          = "[Internal] %s"
)

// FileNotFound builds the user-facing message for a missing staged file.
func FileNotFound(path string) NotFound {
	return NotFound(fmt.Sprintf(TemplateFileNotFound, path))
}

// InvalidFileAmount is returned when a non full-dataset request resolves
// to an empty file set.
func InvalidFileAmount() BadRequest {
	return BadRequest(TemplateInvalidFileAmount)
}
