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
	"fmt"
	"net/http"
	"time"

	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	BindingText       = "text"
	BindingStatic     = "static"
	BindingRedirect   = "redirect"
	BindingHeaders    = "headers"
	BindingAccessLog  = "accessLog"
	BindingContextLog = "contextLog"
	BindingRateLimit  = "rateLimit"
)

func builtinFactories() []HandlerFactory {
	return []HandlerFactory{
		NewHandlerFactoryFunc(BindingText, newTextHandler),
		NewHandlerFactoryFunc(BindingStatic, newStaticFileSystem),
		NewHandlerFactoryFunc(BindingRedirect, newRedirectHandler),
		NewHandlerFactoryFunc(BindingHeaders, newHeadersFilter),
		NewHandlerFactoryFunc(BindingAccessLog, newAccessLogFilter),
		NewHandlerFactoryFunc(BindingContextLog, newContextLogListener),
		NewHandlerFactoryFunc(BindingRateLimit, newRateLimitFilter),
	}
}

// newTextHandler serves a fixed body. Options: body, contentType, status.
func newTextHandler(options map[interface{}]interface{}) (interface{}, error) {
	body, err := stringValue(options, "body", false)
	if err != nil {
		return nil, err
	}

	contentType, err := stringValue(options, "contentType", false)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}

	status, err := intValue(options, "status")
	if err != nil {
		return nil, err
	}
	if status == 0 {
		status = http.StatusOK
	}
	if status < 100 || status > 599 {
		return nil, errors.Errorf("invalid status [%d]", status)
	}

	return http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", contentType)
		writer.WriteHeader(status)
		_, _ = writer.Write([]byte(body))
	}), nil
}

// newStaticFileSystem serves a directory. Options: dir.
func newStaticFileSystem(options map[interface{}]interface{}) (interface{}, error) {
	dir, err := stringValue(options, "dir", true)
	if err != nil {
		return nil, err
	}
	return http.Dir(dir), nil
}

// newRedirectHandler redirects every request. Options: location, status.
func newRedirectHandler(options map[interface{}]interface{}) (interface{}, error) {
	location, err := stringValue(options, "location", true)
	if err != nil {
		return nil, err
	}

	status, err := intValue(options, "status")
	if err != nil {
		return nil, err
	}
	if status == 0 {
		status = http.StatusFound
	}
	if status < 300 || status > 399 {
		return nil, errors.Errorf("invalid redirect status [%d]", status)
	}

	return http.RedirectHandler(location, status), nil
}

// newHeadersFilter adds response headers. Options: headers.
func newHeadersFilter(options map[interface{}]interface{}) (interface{}, error) {
	headers, err := stringMapValue(options, "headers")
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, errors.New("headers must not be empty")
	}

	return Filter(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			for key, value := range headers {
				writer.Header().Set(key, value)
			}
			next.ServeHTTP(writer, request)
		})
	}), nil
}

// newAccessLogFilter logs every request that passes through the filter chain. Options: level (debug or info).
func newAccessLogFilter(options map[interface{}]interface{}) (interface{}, error) {
	level, err := stringValue(options, "level", false)
	if err != nil {
		return nil, err
	}
	if level != "" && level != "debug" && level != "info" {
		return nil, errors.Errorf("invalid level [%s], must be debug or info", level)
	}

	return Filter(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: writer, status: http.StatusOK}
			next.ServeHTTP(recorder, request)

			logger := pfxlog.Logger().
				WithField("host", request.Host).
				WithField("method", request.Method).
				WithField("path", request.URL.Path).
				WithField("status", recorder.status).
				WithField("duration", time.Since(start))
			if servletContext := ServletContextFromRequestContext(request.Context()); servletContext != nil {
				logger = logger.WithField("context", servletContext.Name())
			}

			if level == "info" {
				logger.Info("request served")
			} else {
				logger.Debug("request served")
			}
		})
	}), nil
}

// newRateLimitFilter answers 429 once requests exceed the limit, shared by every request through the filter.
// Options: requestsPerSecond, burst.
func newRateLimitFilter(options map[interface{}]interface{}) (interface{}, error) {
	requestsPerSecond, err := intValue(options, "requestsPerSecond")
	if err != nil {
		return nil, err
	}
	if requestsPerSecond <= 0 {
		return nil, errors.Errorf("value [%d] for requestsPerSecond too low, must be positive", requestsPerSecond)
	}

	burst, err := intValue(options, "burst")
	if err != nil {
		return nil, err
	}
	if burst <= 0 {
		burst = requestsPerSecond
	}

	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), burst)

	return Filter(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			if !limiter.Allow() {
				writer.Header().Set("Retry-After", "1")
				writer.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(writer, request)
		})
	}), nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (recorder *statusRecorder) WriteHeader(status int) {
	recorder.status = status
	recorder.ResponseWriter.WriteHeader(status)
}

// contextLogListener logs context start and stop.
type contextLogListener struct {
	name string
}

func newContextLogListener(options map[interface{}]interface{}) (interface{}, error) {
	name, err := stringValue(options, "name", false)
	if err != nil {
		return nil, err
	}
	return &contextLogListener{name: name}, nil
}

func (listener *contextLogListener) ContextInitialized(servletContext *ServletContext) {
	listener.log(servletContext).Info("context initialized")
}

func (listener *contextLogListener) ContextDestroyed(servletContext *ServletContext) {
	listener.log(servletContext).Info("context destroyed")
}

func (listener *contextLogListener) log(servletContext *ServletContext) *logrus.Entry {
	return pfxlog.Logger().
		WithField("listener", listener.name).
		WithField("context", fmt.Sprintf("%s@%s", servletContext.Name(), servletContext.Path()))
}
