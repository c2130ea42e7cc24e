// Package httputil holds small HTTP response-checking helpers shared by
// pyenvd's outbound HTTP clients (currently just indexclient).
package httputil

import (
	"fmt"
	"io"
	"net/http"
	"slices"
)

// CheckResponse takes an http.Response and a variadic list of acceptable
// HTTP status codes. If the response's status isn't among them, it returns
// an error that includes a truncated snippet of the response body so the
// caller isn't left guessing what the server said.
func CheckResponse(resp *http.Response, acceptableCodes ...int) error {
	if slices.Contains(acceptableCodes, resp.StatusCode) {
		return nil
	}
	limitBody, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err == nil {
		return fmt.Errorf("unexpected status code: %q for %q (body starts: %q)", resp.Status, resp.Request.URL.Redacted(), limitBody)
	}
	return fmt.Errorf("unexpected status code: %q for %q", resp.Status, resp.Request.URL.Redacted())
}
