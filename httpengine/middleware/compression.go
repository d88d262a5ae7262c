/*
	Copyright NetFoundry Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package middleware

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/michaelquigley/pfxlog"
)

var compressibleTypes = []string{
	"text/",
	"application/json",
	"application/javascript",
	"application/xml",
	"image/svg+xml",
}

// NewCompressionHandler wraps handler so responses with a compressible content type are encoded with brotli or
// gzip, whichever the client prefers.
func NewCompressionHandler(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Header.Get("Accept-Encoding") == "" || request.Method == http.MethodHead {
			handler.ServeHTTP(writer, request)
			return
		}

		compressing := &compressionWriter{
			ResponseWriter: writer,
			request:        request,
		}

		defer func() {
			if err := compressing.Close(); err != nil {
				pfxlog.Logger().WithError(err).Debug("error closing compressed response")
			}
		}()

		handler.ServeHTTP(compressing, request)
	})
}

// compressionWriter decides on the first write, once the handler has set its headers, whether to compress.
type compressionWriter struct {
	http.ResponseWriter
	request    *http.Request
	decided    bool
	compressor io.WriteCloser
}

func (w *compressionWriter) decide(status int) {
	if w.decided {
		return
	}
	w.decided = true

	header := w.Header()
	if status < http.StatusOK || status == http.StatusNoContent || status == http.StatusNotModified {
		return
	}
	if header.Get("Content-Encoding") != "" || !isCompressible(header.Get("Content-Type")) {
		return
	}

	compressor := brotli.HTTPCompressor(w.ResponseWriter, w.request)
	if header.Get("Content-Encoding") == "" {
		return
	}

	header.Del("Content-Length")
	w.compressor = compressor
}

func (w *compressionWriter) WriteHeader(status int) {
	w.decide(status)
	w.ResponseWriter.WriteHeader(status)
}

func (w *compressionWriter) Write(data []byte) (int, error) {
	if !w.decided {
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", http.DetectContentType(data))
		}
		w.decide(http.StatusOK)
	}

	if w.compressor != nil {
		return w.compressor.Write(data)
	}
	return w.ResponseWriter.Write(data)
}

func (w *compressionWriter) Flush() {
	if flusher, ok := w.compressor.(interface{ Flush() error }); ok {
		_ = flusher.Flush()
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *compressionWriter) Close() error {
	if w.compressor == nil {
		return nil
	}
	return w.compressor.Close()
}

func isCompressible(contentType string) bool {
	contentType = strings.ToLower(contentType)
	for _, prefix := range compressibleTypes {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}
