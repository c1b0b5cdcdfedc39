package idempotency

import (
	"bytes"
	"net/http"
)

// maxCachedBody caps how large a response the middleware will retain for
// replay. Larger responses still reach the client but are not cached.
const maxCachedBody = 1 << 20

// Middleware replays responses for requests that carry an Idempotency-Key
// header. The key is scoped to method and path, so the same key on different
// routes never collides. Server errors (5xx) are not cached: a retry after a
// provider outage should reach the providers again. Replayed responses carry
// an Idempotency-Replay: true header. Requests without the header pass
// through unchanged.
func Middleware(cache *Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			key = r.Method + " " + r.URL.Path + " " + key

			if e, ok := cache.Get(key); ok {
				for k, v := range e.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set("Idempotency-Replay", "true")
				w.WriteHeader(e.StatusCode)
				_, _ = w.Write(e.Response)
				return
			}

			rec := &responseRecorder{
				ResponseWriter: w,
				body:           &bytes.Buffer{},
				statusCode:     http.StatusOK,
			}
			next.ServeHTTP(rec, r)

			if rec.statusCode >= http.StatusInternalServerError || rec.body.Len() > maxCachedBody {
				return
			}
			hdrs := make(map[string]string)
			for k, v := range rec.Header() {
				if len(v) > 0 {
					hdrs[k] = v[0]
				}
			}
			cache.Set(key, rec.body.Bytes(), rec.statusCode, hdrs)
		})
	}
}

// responseRecorder captures the response body and status code while still
// writing to the original writer.
type responseRecorder struct {
	http.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	written    bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.written {
		r.statusCode = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
