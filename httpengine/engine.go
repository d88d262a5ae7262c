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
	"regexp"
	"sync"

	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/whiteboard"
	"github.com/pkg/errors"
)

var errorCodePattern = regexp.MustCompile(`^([1-5][0-9][0-9]|[1-5]xx|\*)$`)

// Engine is a whiteboard.Engine on top of net/http. It keeps the native contexts the whiteboard created and routes
// requests to them through the context demux.
type Engine struct {
	DefaultHttpHandlerProviderImpl

	mu       sync.RWMutex
	contexts map[string][]*ServletContext
}

var _ whiteboard.Engine = (*Engine)(nil)
var _ whiteboard.FilterOrderer = (*Engine)(nil)
var _ http.Handler = (*Engine)(nil)

// NewEngine creates an empty Engine.
func NewEngine() *Engine {
	return &Engine{
		contexts: map[string][]*ServletContext{},
	}
}

// CreateContext mounts a new ServletContext. Contexts sharing a path are consulted in creation order.
func (engine *Engine) CreateContext(spec whiteboard.ContextSpec) (whiteboard.NativeContext, error) {
	if spec.Path == "" || spec.Path[0] != '/' {
		return nil, errors.Errorf("context path [%s] must be absolute", spec.Path)
	}

	servletContext := newServletContext(spec)

	engine.mu.Lock()
	engine.contexts[spec.Path] = append(engine.contexts[spec.Path], servletContext)
	engine.mu.Unlock()

	return servletContext, nil
}

// DestroyContext unmounts a ServletContext and notifies its remaining listeners.
func (engine *Engine) DestroyContext(native whiteboard.NativeContext) error {
	servletContext, ok := native.(*ServletContext)
	if !ok {
		return errors.Errorf("unexpected native context type %T", native)
	}

	engine.mu.Lock()
	var remaining []*ServletContext
	for _, existing := range engine.contexts[servletContext.path] {
		if existing != servletContext {
			remaining = append(remaining, existing)
		}
	}
	if len(remaining) == 0 {
		delete(engine.contexts, servletContext.path)
	} else {
		engine.contexts[servletContext.path] = remaining
	}
	engine.mu.Unlock()

	for _, listener := range servletContext.destroy() {
		notifyListener(listener, false)
	}

	return nil
}

// Attach converts the element payload into its native form and adds it to the context.
func (engine *Engine) Attach(request whiteboard.MountRequest) (whiteboard.NativeElement, error) {
	servletContext, ok := request.Context.(*ServletContext)
	if !ok {
		return nil, errors.Errorf("unexpected native context type %T", request.Context)
	}

	m := &mapping{
		id:             request.ID,
		kind:           request.Kind,
		name:           request.Name,
		patterns:       append([]string(nil), request.Patterns...),
		servletContext: servletContext,
	}

	if request.Alias != "" {
		m.patterns = append(m.patterns, whiteboard.CanonicalPattern(request.Alias, true))
	}

	switch request.Kind {
	case whiteboard.KindServlet, whiteboard.KindResource:
		handler, err := asHandler(request.Payload, request.Kind == whiteboard.KindResource)
		if err != nil {
			return nil, err
		}
		for _, pattern := range m.patterns {
			if err := validatePattern(pattern); err != nil {
				return nil, err
			}
		}
		m.handler = handler
	case whiteboard.KindFilter:
		filter, err := asFilter(request.Payload)
		if err != nil {
			return nil, err
		}
		m.filter = filter
	case whiteboard.KindErrorPage:
		handler, err := asHandler(request.Payload, false)
		if err != nil {
			return nil, err
		}
		for _, code := range m.patterns {
			if !errorCodePattern.MatchString(code) {
				return nil, errors.Errorf("error page [%s] declares unsupported error code [%s]", request.Name, code)
			}
		}
		m.handler = handler
	case whiteboard.KindListener:
		listener, ok := request.Payload.(ContextListener)
		if !ok {
			return nil, errors.Errorf("listener [%s] payload %T does not implement ContextListener", request.Name, request.Payload)
		}
		m.listener = listener
	case whiteboard.KindApplication:
		if request.Payload != nil {
			handler, err := asHandler(request.Payload, false)
			if err != nil {
				return nil, err
			}
			m.handler = handler
		}
	default:
		return nil, errors.Errorf("unsupported element kind [%s]", request.Kind)
	}

	servletContext.add(m)

	if m.listener != nil {
		notifyListener(m, true)
	}

	return m, nil
}

// Detach removes an attached element from its context.
func (engine *Engine) Detach(native whiteboard.NativeElement) error {
	m, ok := native.(*mapping)
	if !ok {
		return errors.Errorf("unexpected native element type %T", native)
	}

	m.servletContext.remove(m)

	if m.listener != nil {
		notifyListener(m, false)
	}

	return nil
}

// OrderFilters applies the filter order the whiteboard resolved for a context.
func (engine *Engine) OrderFilters(native whiteboard.NativeContext, filters []whiteboard.NativeElement) error {
	servletContext, ok := native.(*ServletContext)
	if !ok {
		return errors.Errorf("unexpected native context type %T", native)
	}

	var ordered []*mapping
	for _, filter := range filters {
		if m, ok := filter.(*mapping); ok {
			ordered = append(ordered, m)
		}
	}

	servletContext.orderFilters(ordered)
	return nil
}

// Contexts lists the mounted contexts of path in creation order.
func (engine *Engine) Contexts(path string) []*ServletContext {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return append([]*ServletContext(nil), engine.contexts[whiteboard.NormalizePath(path)]...)
}

func notifyListener(m *mapping, initialized bool) {
	defer func() {
		if panicVal := recover(); panicVal != nil {
			pfxlog.Logger().WithField("listener", m.name).Errorf("panic caught by context listener: %v", panicVal)
		}
	}()

	if initialized {
		m.listener.ContextInitialized(m.servletContext)
	} else {
		m.listener.ContextDestroyed(m.servletContext)
	}
}

func validatePattern(pattern string) error {
	switch {
	case pattern == "":
		return errors.New("empty url pattern")
	case pattern[0] == '/':
		if idx := indexOfWildcard(pattern); idx >= 0 && idx != len(pattern)-1 {
			return errors.Errorf("url pattern [%s] may only end with a wildcard", pattern)
		}
		return nil
	case len(pattern) > 2 && pattern[0] == '*' && pattern[1] == '.':
		return nil
	}
	return errors.Errorf("url pattern [%s] must start with '/' or '*.'", pattern)
}

func indexOfWildcard(pattern string) int {
	for i, c := range pattern {
		if c == '*' {
			return i
		}
	}
	return -1
}

func asHandler(payload interface{}, resource bool) (http.Handler, error) {
	switch value := payload.(type) {
	case http.Handler:
		return value, nil
	case func(http.ResponseWriter, *http.Request):
		return http.HandlerFunc(value), nil
	case http.FileSystem:
		return http.FileServer(value), nil
	case string:
		if resource {
			return http.FileServer(http.Dir(value)), nil
		}
	}
	return nil, errors.Errorf("payload of type %T cannot serve http requests", payload)
}

func asFilter(payload interface{}) (Filter, error) {
	switch value := payload.(type) {
	case Filter:
		return value, nil
	case func(http.Handler) http.Handler:
		return value, nil
	}
	return nil, errors.Errorf("payload of type %T is not a filter", payload)
}
