// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPStatusError is an error with a suggested HTTP response status.
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

// Errorf returns an error with the given HTTP status and message.
func Errorf(status int, tmpl string, args ...interface{}) error {
	return errorWithStatus{fmt.Errorf(tmpl, args...), status}
}

// ErrorWithStatus attaches an HTTP status to an existing error.
func ErrorWithStatus(err error, status int) error {
	return errorWithStatus{err, status}
}

type errorWithStatus struct {
	error
	Status int
}

func (ews errorWithStatus) HTTPStatus() int {
	return ews.Status
}

// ErrorResponse is the JSON body used for all error responses.
type ErrorResponse struct {
	Errors []string `json:"errors"`
}

// Error writes a JSON error response, like http.Error but JSON.
func Error(w http.ResponseWriter, error string, code int) {
	Errors(w, []string{error}, code)
}

// Errors writes a JSON error response with multiple messages.
func Errors(w http.ResponseWriter, errors []string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Errors: errors})
}

// SendError maps err to a response: HTTPStatusError's status if it
// has one, 500 otherwise.
func SendError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if hse, ok := err.(HTTPStatusError); ok {
		status = hse.HTTPStatus()
	}
	Error(w, err.Error(), status)
}

// SendJSON writes v as a JSON response body.
func SendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
