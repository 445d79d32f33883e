package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edu-center/api/internal/platform/auth"
	"github.com/edu-center/api/internal/platform/httpx"
	"github.com/edu-center/api/internal/platform/requestctx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
	maxKeyLength      = 255
	anonymous         = "anonymous"
)

type clockFunc func() time.Time

// guard holds the middleware settings and runs one request through the store.
type guard struct {
	store    Store
	header   string
	ttl      time.Duration
	methods  map[string]bool
	required bool
	now      clockFunc
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*guard)

// WithHeader sets the request header carrying the key.
func WithHeader(name string) MiddlewareOption {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

// WithTTL sets how long completed responses stay replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithMethods limits deduplication to the given methods.
func WithMethods(methods ...string) MiddlewareOption {
	return func(g *guard) {
		set := make(map[string]bool, len(methods))
		for _, m := range methods {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				set[m] = true
			}
		}
		if len(set) > 0 {
			g.methods = set
		}
	}
}

// WithRequiredKey rejects guarded requests that carry no key. By default they pass through
// without deduplication.
func WithRequiredKey() MiddlewareOption {
	return func(g *guard) { g.required = true }
}

// WithClock replaces time.Now.
func WithClock(clock clockFunc) MiddlewareOption {
	return func(g *guard) {
		if clock != nil {
			g.now = clock
		}
	}
}

// Middleware replays the stored response when a mutating request repeats its idempotency key.
// Server errors are not stored, so a retry after a 5xx runs the handler again.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	g := &guard{
		store:  store,
		header: defaultHeaderName,
		ttl:    DefaultTTL,
		now:    time.Now,
		methods: map[string]bool{
			http.MethodPost:   true,
			http.MethodPut:    true,
			http.MethodPatch:  true,
			http.MethodDelete: true,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serve(w, r, next)
		})
	}
}

func (g *guard) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if !g.methods[r.Method] {
		next.ServeHTTP(w, r)
		return
	}
	ctx := r.Context()

	key := strings.TrimSpace(r.Header.Get(g.header))
	switch {
	case key == "" && g.required:
		fail(ctx, w, http.StatusBadRequest, "idempotency_key_required", "missing idempotency key header")
		return
	case key == "":
		next.ServeHTTP(w, r)
		return
	case len(key) > maxKeyLength:
		fail(ctx, w, http.StatusBadRequest, "idempotency_key_invalid", "idempotency key too long")
		return
	}

	body, err := readAndReplayBody(r)
	if err != nil {
		fail(ctx, w, http.StatusBadRequest, "invalid_body", "unable to read request body")
		return
	}

	requester := extractRequester(ctx)
	scoped := scopedKey(key, requester)
	fingerprint := requestFingerprint(r, body, requester)
	logger := requestctx.Logger(ctx).With(zap.String("idempotency_key", key), zap.String("requester", requester))

	reservation, err := g.store.Reserve(ctx, scoped, fingerprint, g.now().UTC(), g.ttl)
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		fail(ctx, w, http.StatusUnprocessableEntity, "idempotency_key_conflict", "idempotency key already used for a different request")
		return
	case err != nil:
		logger.Error("idempotency reserve failed", zap.Error(err))
		fail(ctx, w, http.StatusServiceUnavailable, "idempotency_store_error", "unable to process idempotency key")
		return
	}

	switch reservation.State {
	case ReservationStateCompleted:
		replay(w, reservation.Record)
		return
	case ReservationStatePending:
		fail(ctx, w, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
		return
	}

	buf := &bufferedWriter{header: make(http.Header)}
	next.ServeHTTP(buf, r)

	if buf.code() >= http.StatusInternalServerError {
		g.release(ctx, logger, scoped, fingerprint)
		buf.flushTo(w, logger)
		return
	}

	resp := Response{Status: buf.code(), Headers: buf.header.Clone(), Body: buf.body.Bytes()}
	if err := g.store.SaveResponse(ctx, scoped, fingerprint, resp, g.now().UTC(), g.ttl); err != nil {
		logger.Error("idempotency save failed", zap.Error(err))
		g.release(ctx, logger, scoped, fingerprint)
		fail(ctx, w, http.StatusInternalServerError, "idempotency_store_error", "unable to persist idempotency state")
		return
	}
	buf.flushTo(w, logger)
}

func (g *guard) release(ctx context.Context, logger *zap.Logger, key, fingerprint string) {
	if err := g.store.Release(ctx, key, fingerprint); err != nil {
		logger.Warn("idempotency release failed", zap.Error(err))
	}
}

// readAndReplayBody drains the body and puts an identical reader back on r.
func readAndReplayBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// requestFingerprint identifies the request a key was first used for.
func requestFingerprint(r *http.Request, body []byte, requester string) string {
	bodyHash := ""
	if len(body) > 0 {
		bodyHash = sha256Hex(body)
	}
	parts := []string{
		strings.ToUpper(r.Method),
		r.URL.Path,
		r.URL.RawQuery,
		r.Header.Get("Content-Type"),
		requester,
		bodyHash,
	}
	return sha256Hex([]byte(strings.Join(parts, "\x00")))
}

func extractRequester(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && identity.UID != "" {
		return identity.UID
	}
	return anonymous
}

// scopedKey gives every requester their own key space.
func scopedKey(key, requester string) string {
	if requester = strings.TrimSpace(requester); requester == "" {
		requester = anonymous
	}
	return requester + "|" + strings.TrimSpace(key)
}

func replay(w http.ResponseWriter, rec Record) {
	header := w.Header()
	clear(header)
	for name, values := range rec.ResponseHeaders {
		header[name] = append([]string(nil), values...)
	}
	header.Set(replayHeaderName, "true")

	status := rec.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(rec.ResponseBody)
}

func fail(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

// bufferedWriter holds the handler's response until the store has accepted it.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) code() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedWriter) flushTo(w http.ResponseWriter, logger *zap.Logger) {
	dst := w.Header()
	clear(dst)
	for name, values := range b.header {
		dst[name] = values
	}
	w.WriteHeader(b.code())
	if _, err := w.Write(b.body.Bytes()); err != nil {
		logger.Warn("idempotency flush failed", zap.Error(err))
	}
}
