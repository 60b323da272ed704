package routes

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"inkprotocol/gateway/audit"
	"inkprotocol/gateway/middleware"
	"inkprotocol/native/authority"
	"inkprotocol/native/bank"
	nativecommon "inkprotocol/native/common"
	"inkprotocol/native/escrow"
	"inkprotocol/observability"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
)

var errBodyTooLarge = fmt.Errorf("request body exceeds %d bytes", maxRequestBody)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps protocol errors onto HTTP status codes and stable codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, escrow.ErrUnauthorized), errors.Is(err, authority.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, escrow.ErrTransactionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, escrow.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, escrow.ErrNotYetEligible):
		return http.StatusConflict, "not_yet_eligible"
	case errors.Is(err, escrow.ErrReentrantCall):
		return http.StatusConflict, "reentrant_call"
	case errors.Is(err, escrow.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, escrow.ErrAmountMismatch):
		return http.StatusBadRequest, "amount_mismatch"
	case errors.Is(err, escrow.ErrInsufficientFunds), errors.Is(err, bank.ErrInsufficientBalance):
		return http.StatusBadRequest, "insufficient_funds"
	case errors.Is(err, nativecommon.ErrInvalidArgument), errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, escrow.ErrCollaboratorRejected):
		return http.StatusUnprocessableEntity, "collaborator_rejected"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable, "paused"
	case errors.Is(err, audit.ErrIdempotencyMismatch):
		return http.StatusConflict, "idempotency_mismatch"
	case errors.Is(err, audit.ErrIdempotencyPending):
		return http.StatusConflict, "idempotency_pending"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge, "body_too_large"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func decodeBody(r *http.Request, out interface{}) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: invalid JSON payload: %v", errInvalidRequest, err)
	}
	return nil
}

// captureWriter records the status and body written by a handler.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}

// instrument records module metrics for every call of fn and, for mutating
// requests, appends an audit log entry.
func (s *server) instrument(module, method string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		var reqBody []byte
		mutating := r.Method != http.MethodGet && r.Method != http.MethodHead
		if mutating && s.audit != nil {
			body, err := readBody(r)
			if err != nil {
				writeError(w, err)
				return
			}
			reqBody = body
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		cw := &captureWriter{ResponseWriter: w}
		fn(cw, r)
		if cw.status == 0 {
			cw.status = http.StatusOK
		}
		observability.ModuleMetrics().Observe(module, method, cw.status, s.now().Sub(start))
		if mutating && s.audit != nil {
			s.record(r, reqBody, cw.status, cw.body.Bytes())
		}
	}
}

func (s *server) record(r *http.Request, body []byte, status int, response []byte) {
	caller := ""
	if addr, ok := middleware.CallerFromContext(r.Context()); ok {
		caller = addr.Hex()
	}
	entry := audit.Entry{
		RequestID:      middleware.RequestIDFromContext(r.Context()),
		Caller:         caller,
		Method:         r.Method,
		Path:           r.URL.Path,
		RequestBody:    append([]byte(nil), body...),
		ResponseStatus: status,
		ResponseBody:   append([]byte(nil), response...),
		Timestamp:      s.now().UTC(),
	}
	if err := s.audit.Insert(context.WithoutCancel(r.Context()), entry); err != nil {
		s.logger.Warn("audit insert failed", "path", r.URL.Path, "error", err)
	}
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return hex.EncodeToString(sum[:])
}

// idempotent replays a cached response when the request carries an
// Idempotency-Key already used by the same caller. Otherwise it reserves the
// key, runs fn and caches a successful result; a duplicate arriving while fn
// runs is refused with ErrIdempotencyPending.
func (s *server) idempotent(w http.ResponseWriter, r *http.Request, body []byte, fn func() (int, interface{}, error)) {
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" || s.audit == nil {
		status, payload, err := fn()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, status, payload)
		return
	}
	caller, _ := middleware.CallerFromContext(r.Context())
	requestHash := hashRequest(r.Method, r.URL.Path, body)
	cached, err := s.audit.ReserveIdempotency(r.Context(), caller.Hex(), key, requestHash)
	if err != nil {
		writeError(w, err)
		return
	}
	if cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		return
	}
	release := func() {
		if err := s.audit.ReleaseIdempotency(context.WithoutCancel(r.Context()), caller.Hex(), key); err != nil {
			s.logger.Warn("idempotency release failed", "key", key, "error", err)
		}
	}
	status, payload, err := fn()
	if err != nil {
		release()
		writeError(w, err)
		return
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		release()
		writeError(w, err)
		return
	}
	encoded = append(encoded, '\n')
	if err := s.audit.SaveIdempotency(context.WithoutCancel(r.Context()), caller.Hex(), key, requestHash, status, encoded); err != nil {
		s.logger.Warn("idempotency save failed", "key", key, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(encoded)
}

func timeoutContext(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), d)
}
