package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"sync"
)

// IdempotencyHeader lets clients retry a mutation safely.
const IdempotencyHeader = "Idempotency-Key"

var (
	ErrIdempotencyConflict = errors.New("request in progress")
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
)

// IdempotencyRecord is the stored outcome of a keyed request.
type IdempotencyRecord struct {
	Key            string
	RequestHash    string
	Completed      bool
	ResponseStatus int
	ResponseBody   []byte
}

// IdempotencyStore reserves keys and remembers responses.
type IdempotencyStore interface {
	// Reserve claims key for a request with hash. It returns the stored record
	// when key already completed with the same hash, ErrIdempotencyConflict
	// while another request holds the key and ErrIdempotencyMismatch when the
	// hash differs.
	Reserve(ctx context.Context, key, hash string) (*IdempotencyRecord, error)
	Complete(ctx context.Context, key string, status int, body []byte) error
	// Release drops an unfinished reservation so the client may retry.
	Release(ctx context.Context, key string) error
}

type MemoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]*IdempotencyRecord
}

func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{keys: make(map[string]*IdempotencyRecord)}
}

func (m *MemoryIdempotency) Reserve(_ context.Context, key, hash string) (*IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.keys[key]
	if !ok {
		m.keys[key] = &IdempotencyRecord{Key: key, RequestHash: hash}
		return nil, nil
	}
	if rec.RequestHash != hash {
		return nil, ErrIdempotencyMismatch
	}
	if !rec.Completed {
		return nil, ErrIdempotencyConflict
	}
	out := *rec
	return &out, nil
}

func (m *MemoryIdempotency) Complete(_ context.Context, key string, status int, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.keys[key]
	if !ok {
		return errors.New("idempotency key not reserved")
	}
	rec.Completed = true
	rec.ResponseStatus = status
	rec.ResponseBody = append([]byte(nil), body...)
	return nil
}

func (m *MemoryIdempotency) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.keys[key]; ok && !rec.Completed {
		delete(m.keys, key)
	}
	return nil
}

// requestHash binds a key to the caller, the route and the exact body.
func requestHash(r *http.Request, body []byte) string {
	h := sha256.New()
	io.WriteString(h, r.Method+" "+r.URL.Path+"\n"+r.Header.Get(CallerHeader)+"\n")
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// scopedKey namespaces a client key by caller so two callers never collide.
// Header values cannot carry a newline.
func scopedKey(r *http.Request, key string) string {
	return r.Header.Get(CallerHeader) + "\n" + key
}

// retryable reports whether a response must not be replayed: server errors and
// conflicts leave the caller free to try the same key again.
func retryable(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusConflict
}

// idempotent replays the stored response for a repeated Idempotency-Key.
// Keys are scoped per caller. Requests without the header pass through.
func (h *Handler) idempotent(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" {
			next(w, r)
			return
		}
		key = scopedKey(r, key)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			respondWithError(w, http.StatusInternalServerError, "Stream read error")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ctx := r.Context()
		existing, err := h.idem.Reserve(ctx, key, requestHash(r, body))
		switch {
		case errors.Is(err, ErrIdempotencyConflict):
			respondWithError(w, http.StatusConflict, "Request processing in progress")
			return
		case errors.Is(err, ErrIdempotencyMismatch):
			respondWithError(w, http.StatusUnprocessableEntity, "Key reuse with mismatched payload")
			return
		case err != nil:
			h.log.ErrorContext(ctx, "idempotency reserve failed", "endpoint", endpoint, "error", err)
			respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}

		if existing != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(existing.ResponseStatus)
			w.Write(existing.ResponseBody)
			return
		}

		cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next(cw, r)

		// the response is already on the wire; the store must not see the client's cancellation
		bg := context.WithoutCancel(ctx)
		if retryable(cw.status) {
			if err := h.idem.Release(bg, key); err != nil {
				h.log.WarnContext(ctx, "idempotency release failed", "endpoint", endpoint, "error", err)
			}
			return
		}
		if err := h.idem.Complete(bg, key, cw.status, cw.body.Bytes()); err != nil {
			h.log.WarnContext(ctx, "idempotency complete failed", "endpoint", endpoint, "error", err)
		}
	}
}

type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *captureWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
