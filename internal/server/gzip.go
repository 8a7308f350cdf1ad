package server

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
)

var gzipWriters = sync.Pool{
	New: func() any {
		writer, err := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		if err != nil {
			panic(err)
		}
		return writer
	},
}

type gzipResponseWriter struct {
	gin.ResponseWriter
	writer *gzip.Writer
}

func (w *gzipResponseWriter) Write(data []byte) (int, error) {
	return w.writer.Write(data)
}

func (w *gzipResponseWriter) WriteString(value string) (int, error) {
	return w.writer.Write([]byte(value))
}

func (w *gzipResponseWriter) WriteHeader(code int) {
	w.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(code)
}

// gzipMiddleware compresses responses for clients that accept gzip. Full
// state sync payloads carry every thread and entry in range. Socket upgrades
// pass through untouched.
func gzipMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !acceptsGzip(c.Request) || isUpgrade(c.Request) {
			c.Next()
			return
		}
		writer := gzipWriters.Get().(*gzip.Writer)
		writer.Reset(c.Writer)
		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")
		c.Writer = &gzipResponseWriter{ResponseWriter: c.Writer, writer: writer}
		defer func() {
			_ = writer.Close()
			writer.Reset(io.Discard)
			gzipWriters.Put(writer)
		}()
		c.Next()
	}
}

func acceptsGzip(r *http.Request) bool {
	for _, encoding := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(encoding), ";")
		if strings.EqualFold(name, "gzip") {
			return true
		}
	}
	return false
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
