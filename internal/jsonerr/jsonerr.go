// Package jsonerr provides a small JSON error-response helper shared by
// HTTP handlers, grounded on the teacher's pkg/jsonerr.
package jsonerr

import (
	"encoding/json"
	"net/http"
)

// Response is the JSON body written for a failed request.
type Response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error writes r as the JSON body of a response with the given status,
// the same shape as http.Error but with a structured body. Callers should
// still return immediately after calling it.
func Error(w http.ResponseWriter, r *Response, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	b, _ := json.Marshal(r)
	w.Write(b)
}
