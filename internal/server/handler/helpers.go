// Package handler implements the status API endpoints: health probes, the
// pipeline status snapshot, analytics reports, and operator actions.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// maxListLimit caps list endpoints regardless of the requested limit.
const maxListLimit = 500

// writeJSON marshals v and writes it with the given status code. A marshal
// failure degrades to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseLimit extracts a bounded ?limit= parameter, defaulting to def.
func parseLimit(r *http.Request, def int) int {
	limit := def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}

// parseTime extracts an RFC 3339 query parameter; a missing parameter yields
// the zero time and no error.
func parseTime(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
