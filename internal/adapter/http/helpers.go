// Package http implements the transport layer: one chi router
// serving the wire protocol on both the loopback TCP listener and the
// Unix-domain socket, with SSE and long-poll handlers and per-IP budgets.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/service"
)

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// readJSON decodes a JSON request body with a size limit, rejecting an
// explicit non-JSON Content-Type up front.
func readJSON[T any](w http.ResponseWriter, r *http.Request, bodyLimit int64) (T, bool) {
	var v T
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		writeError(w, http.StatusBadRequest, "Content-Type must be application/json", "VALIDATION_ERROR")
		return v, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		// An absent body decodes to the zero value; several DELETE
		// endpoints accept both.
		if errors.Is(err, io.EOF) {
			return v, true
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "PAYLOAD_TOO_LARGE")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body", "VALIDATION_ERROR")
		}
		return v, false
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// requireField writes a 400 error and returns false when value is empty.
func requireField(w http.ResponseWriter, value, fieldName string) bool {
	if value == "" {
		writeError(w, http.StatusBadRequest, fieldName+" is required", "VALIDATION_ERROR")
		return false
	}
	return true
}

// queryInt parses an integer query parameter, returning def when absent
// or malformed.
func queryInt(r *http.Request, name string, def int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// queryInt64 parses an int64 query parameter.
func queryInt64(r *http.Request, name string, def int64) int64 {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}

// clientIP extracts the peer address the per-IP budgets key on. Unix
// socket peers have no IP and share a single "local" bucket.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" || r.RemoteAddr == "@" {
			return "local"
		}
		return r.RemoteAddr
	}
	return host
}

// headerPID reads the X-PID header claims attribute their owner with.
func headerPID(r *http.Request) int {
	v, err := strconv.Atoi(r.Header.Get("X-PID"))
	if err != nil {
		return 0
	}
	return v
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeDomainError maps a sentinel-wrapping error to its HTTP status and
// closed-vocabulary code. Lock-held and file-conflict rejections carry
// their structured details in the body.
func writeDomainError(w http.ResponseWriter, err error) {
	var held *service.HeldError
	if errors.As(err, &held) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     held.Error(),
			"code":      "LOCK_HELD",
			"holder":    held.Holder,
			"since":     held.Since,
			"expiresAt": held.ExpiresAt,
		})
		return
	}
	var conflict *service.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     conflict.Error(),
			"code":      "FILE_CONFLICT",
			"conflicts": conflict.Conflicts,
		})
		return
	}

	status := domain.Status(err)
	if status == http.StatusInternalServerError {
		slog.Error("unhandled domain error", "error", err)
		writeError(w, status, "internal server error", "INTERNAL")
		return
	}
	writeError(w, status, err.Error(), domain.Code(err))
}
