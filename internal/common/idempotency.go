package common

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const idemPending = "pending"

// Idem provides an Idempotency-Key middleware backed by Redis. The first
// request with a key runs and its response is cached for TTL; repeats get the
// cached response, or 409 while the first one is still running.
type Idem struct {
	R   *redis.Client
	TTL time.Duration
}

type idemRecord struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

// idemKey scopes the client key to the method and path so the same key can be
// reused against different save slots.
func idemKey(r *http.Request, header string) string {
	sum := sha256.Sum256([]byte(r.Method + " " + r.URL.Path + " " + header))
	return "idem:" + hex.EncodeToString(sum[:])
}

// Middleware enforces idempotency semantics for write endpoints.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		key := idemKey(r, header)
		ok, err := i.R.SetNX(ctx, key, idemPending, i.TTL).Result()
		if err != nil {
			JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", map[string]any{"error": err.Error()})
			return
		}
		if !ok {
			i.replay(ctx, w, key)
			return
		}

		rec := &bodyRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// Server errors release the key so the client can retry.
		if rec.status >= http.StatusInternalServerError {
			_ = i.R.Del(context.Background(), key).Err()
			return
		}
		payload, err := json.Marshal(idemRecord{Status: rec.status, ContentType: rec.Header().Get("Content-Type"), Body: rec.body.Bytes()})
		if err != nil {
			return
		}
		_ = i.R.Set(context.Background(), key, payload, i.TTL).Err()
	})
}

func (i Idem) replay(ctx context.Context, w http.ResponseWriter, key string) {
	raw, err := i.R.Get(ctx, key).Bytes()
	if err != nil || string(raw) == idemPending {
		JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", nil)
		return
	}
	var rec idemRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", nil)
		return
	}
	if rec.ContentType != "" {
		w.Header().Set("Content-Type", rec.ContentType)
	}
	w.Header().Set("Idempotent-Replay", "true")
	w.WriteHeader(rec.Status)
	_, _ = w.Write(rec.Body)
}

type bodyRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (b *bodyRecorder) WriteHeader(code int) {
	b.status = code
	b.ResponseWriter.WriteHeader(code)
}

func (b *bodyRecorder) Write(p []byte) (int, error) {
	b.body.Write(p)
	return b.ResponseWriter.Write(p)
}
