package mw

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// snapshot is a stored 2xx response.
type snapshot struct {
	status int
	header http.Header
	body   []byte
}

// recorder tees the handler's output so it can be stored after the fact.
type recorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (r *recorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *recorder) WriteString(s string) (int, error) {
	r.buf.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}

// cacheKey is the path plus query. RequestURI on the request itself is only
// set for server-side requests, so it is rebuilt from the URL.
func cacheKey(req *http.Request) string {
	return req.URL.RequestURI()
}

// Cache serves repeated GETs from store for ttl. Only 2xx responses are
// kept. "Cache-Control: no-cache" skips the lookup and refreshes the entry.
// Responses carry X-Cache: HIT or MISS.
func Cache(store *cache.Cache, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := cacheKey(c.Request)
		if c.GetHeader("Cache-Control") != "no-cache" {
			if v, ok := store.Get(key); ok {
				replay(c, v.(snapshot))
				return
			}
		}

		c.Header("X-Cache", "MISS")
		rec := &recorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		status := rec.Status()
		if status < 200 || status >= 300 {
			return
		}
		header := rec.Header().Clone()
		header.Del("X-Cache")
		store.Set(key, snapshot{status: status, header: header, body: bytes.Clone(rec.buf.Bytes())}, ttl)
	}
}

func replay(c *gin.Context, s snapshot) {
	h := c.Writer.Header()
	for k, v := range s.header {
		h[k] = append([]string(nil), v...)
	}
	h.Set("X-Cache", "HIT")
	c.Writer.WriteHeader(s.status)
	_, _ = c.Writer.Write(s.body)
	c.Abort()
}
