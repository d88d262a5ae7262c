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

package httpengine

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newPayload(t *testing.T, binding string, options map[interface{}]interface{}) interface{} {
	factory := NewDefaultRegistry().Get(binding)
	require.NotNil(t, factory, "binding %s not registered", binding)

	payload, err := factory.New(options)
	require.NoError(t, err)
	return payload
}

func Test_BuiltinFactories(t *testing.T) {
	t.Run("text defaults to 200 and plain text", func(t *testing.T) {
		req := require.New(t)

		handler := newPayload(t, BindingText, map[interface{}]interface{}{"body": "hi"}).(http.Handler)
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))

		req.Equal(http.StatusOK, recorder.Code)
		req.Equal("hi", recorder.Body.String())
		req.Equal("text/plain; charset=utf-8", recorder.Header().Get("Content-Type"))
	})

	t.Run("text rejects an invalid status", func(t *testing.T) {
		req := require.New(t)

		_, err := NewDefaultRegistry().Get(BindingText).New(map[interface{}]interface{}{"status": 42})
		req.Error(err)
	})

	t.Run("redirect requires a location and a 3xx status", func(t *testing.T) {
		req := require.New(t)

		factory := NewDefaultRegistry().Get(BindingRedirect)
		_, err := factory.New(map[interface{}]interface{}{})
		req.Error(err)

		_, err = factory.New(map[interface{}]interface{}{"location": "/x", "status": 200})
		req.Error(err)

		handler := newPayload(t, BindingRedirect, map[interface{}]interface{}{"location": "/x", "status": 301}).(http.Handler)
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))
		req.Equal(http.StatusMovedPermanently, recorder.Code)
		req.Equal("/x", recorder.Header().Get("Location"))
	})

	t.Run("headers filter sets headers before calling next", func(t *testing.T) {
		req := require.New(t)

		filter := newPayload(t, BindingHeaders, map[interface{}]interface{}{
			"headers": map[interface{}]interface{}{"X-One": "1"},
		}).(Filter)

		recorder := httptest.NewRecorder()
		filter(http.NotFoundHandler()).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))
		req.Equal("1", recorder.Header().Get("X-One"))
		req.Equal(http.StatusNotFound, recorder.Code)
	})

	t.Run("rate limit answers 429 once the burst is spent", func(t *testing.T) {
		req := require.New(t)

		filter := newPayload(t, BindingRateLimit, map[interface{}]interface{}{
			"requestsPerSecond": 1,
			"burst":             2,
		}).(Filter)

		handler := filter(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
			writer.WriteHeader(http.StatusNoContent)
		}))

		var codes []int
		for i := 0; i < 3; i++ {
			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))
			codes = append(codes, recorder.Code)
		}

		req.Equal([]int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
	})

	t.Run("rate limit requires a positive rate", func(t *testing.T) {
		req := require.New(t)

		_, err := NewDefaultRegistry().Get(BindingRateLimit).New(map[interface{}]interface{}{})
		req.Error(err)
	})

	t.Run("context log is a listener", func(t *testing.T) {
		req := require.New(t)

		payload := newPayload(t, BindingContextLog, map[interface{}]interface{}{})
		_, ok := payload.(ContextListener)
		req.True(ok)
	})
}
