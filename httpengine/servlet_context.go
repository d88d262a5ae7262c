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
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/openziti/whiteboard"
)

// Filter wraps the remainder of a filter chain. Filters attached to a ServletContext run in the order the
// whiteboard resolved for them.
type Filter func(next http.Handler) http.Handler

// ContextListener is notified when it is attached to a ServletContext and when it leaves it, either because it was
// detached or because the context was destroyed.
type ContextListener interface {
	ContextInitialized(servletContext *ServletContext)
	ContextDestroyed(servletContext *ServletContext)
}

// mapping is the native handle of one attached element.
type mapping struct {
	id             whiteboard.ElementID
	kind           whiteboard.Kind
	name           string
	patterns       []string
	handler        http.Handler
	filter         Filter
	listener       ContextListener
	servletContext *ServletContext
}

// ServletContext is the native counterpart of a whiteboard context: a path mounted set of servlets, filters, error
// pages and listeners.
type ServletContext struct {
	id           whiteboard.ContextID
	name         string
	path         string
	owner        string
	properties   map[string]string
	virtualHosts []string
	connectors   []string
	application  bool

	mu         sync.RWMutex
	servlets   []*mapping
	filters    []*mapping
	errorPages map[string]*mapping
	listeners  []*mapping
	fallback   http.Handler
	destroyed  bool
}

func newServletContext(spec whiteboard.ContextSpec) *ServletContext {
	return &ServletContext{
		id:           spec.ID,
		name:         spec.Name,
		path:         spec.Path,
		owner:        spec.Owner,
		properties:   spec.Properties,
		virtualHosts: whiteboard.KeyList(spec.Properties[whiteboard.VirtualHostsProperty]),
		connectors:   whiteboard.KeyList(spec.Properties[whiteboard.ConnectorsProperty]),
		application:  spec.Application,
		errorPages:   map[string]*mapping{},
	}
}

func (servletContext *ServletContext) ID() whiteboard.ContextID {
	return servletContext.id
}

func (servletContext *ServletContext) Name() string {
	return servletContext.name
}

func (servletContext *ServletContext) Path() string {
	return servletContext.path
}

func (servletContext *ServletContext) Owner() string {
	return servletContext.owner
}

// Property returns a context property as published when the context was created.
func (servletContext *ServletContext) Property(key string) string {
	return servletContext.properties[key]
}

// acceptsHost reports whether host (with or without port) is served by this context.
func (servletContext *ServletContext) acceptsHost(host string) bool {
	if len(servletContext.virtualHosts) == 0 {
		return true
	}

	if idx := strings.LastIndex(host, ":"); idx > 0 && !strings.HasSuffix(host, "]") {
		host = host[:idx]
	}

	for _, virtualHost := range servletContext.virtualHosts {
		if strings.EqualFold(virtualHost, host) {
			return true
		}
	}
	return false
}

// acceptsConnector reports whether the named server may route to this context.
func (servletContext *ServletContext) acceptsConnector(serverName string) bool {
	if len(servletContext.connectors) == 0 {
		return true
	}

	for _, connector := range servletContext.connectors {
		if connector == serverName {
			return true
		}
	}
	return false
}

func (servletContext *ServletContext) add(m *mapping) {
	servletContext.mu.Lock()
	defer servletContext.mu.Unlock()

	switch m.kind {
	case whiteboard.KindServlet, whiteboard.KindResource:
		servletContext.servlets = append(servletContext.servlets, m)
	case whiteboard.KindFilter:
		servletContext.filters = append(servletContext.filters, m)
	case whiteboard.KindErrorPage:
		for _, code := range m.patterns {
			servletContext.errorPages[code] = m
		}
	case whiteboard.KindListener:
		servletContext.listeners = append(servletContext.listeners, m)
	case whiteboard.KindApplication:
		servletContext.fallback = m.handler
	}
}

func (servletContext *ServletContext) remove(m *mapping) {
	servletContext.mu.Lock()
	defer servletContext.mu.Unlock()

	without := func(mappings []*mapping) []*mapping {
		var result []*mapping
		for _, existing := range mappings {
			if existing != m {
				result = append(result, existing)
			}
		}
		return result
	}

	switch m.kind {
	case whiteboard.KindServlet, whiteboard.KindResource:
		servletContext.servlets = without(servletContext.servlets)
	case whiteboard.KindFilter:
		servletContext.filters = without(servletContext.filters)
	case whiteboard.KindErrorPage:
		for _, code := range m.patterns {
			if servletContext.errorPages[code] == m {
				delete(servletContext.errorPages, code)
			}
		}
	case whiteboard.KindListener:
		servletContext.listeners = without(servletContext.listeners)
	case whiteboard.KindApplication:
		servletContext.fallback = nil
	}
}

func (servletContext *ServletContext) orderFilters(ordered []*mapping) {
	servletContext.mu.Lock()
	defer servletContext.mu.Unlock()

	position := map[*mapping]int{}
	for i, m := range ordered {
		position[m] = i
	}

	sort.SliceStable(servletContext.filters, func(i, j int) bool {
		pi, iOk := position[servletContext.filters[i]]
		pj, jOk := position[servletContext.filters[j]]
		if iOk != jOk {
			return iOk
		}
		return pi < pj
	})
}

// destroy marks the context destroyed and returns the listeners that still have to be told.
func (servletContext *ServletContext) destroy() []*mapping {
	servletContext.mu.Lock()
	defer servletContext.mu.Unlock()

	servletContext.destroyed = true
	listeners := servletContext.listeners
	servletContext.listeners = nil
	return listeners
}

// matchPattern applies servlet mapping rules to a context relative path.
func matchPattern(pattern, path string) bool {
	switch {
	case pattern == "/" || pattern == "/*":
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(path, pattern[1:])
	case strings.HasSuffix(pattern, "/*"):
		prefix := strings.TrimSuffix(pattern, "/*")
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	default:
		return path == pattern
	}
}

// servletFor returns the servlet whose best matching pattern is the most specific for path.
func (servletContext *ServletContext) servletFor(path string) *mapping {
	var best *mapping
	bestScore := -1

	for _, servlet := range servletContext.servlets {
		for _, pattern := range servlet.patterns {
			if !matchPattern(pattern, path) {
				continue
			}
			if score := whiteboard.PatternSpecificity(pattern); score > bestScore {
				best = servlet
				bestScore = score
			}
		}
	}

	return best
}

// Handles reports whether a servlet or an application fallback would serve the context relative path.
func (servletContext *ServletContext) Handles(path string) bool {
	servletContext.mu.RLock()
	defer servletContext.mu.RUnlock()
	return servletContext.servletFor(path) != nil || servletContext.fallback != nil
}

func (servletContext *ServletContext) errorPageFor(code int) http.Handler {
	if page, ok := servletContext.errorPages[strconv.Itoa(code)]; ok {
		return page.handler
	}
	if page, ok := servletContext.errorPages[strconv.Itoa(code/100)+"xx"]; ok {
		return page.handler
	}
	if page, ok := servletContext.errorPages["*"]; ok && code >= 400 {
		return page.handler
	}
	return nil
}

// ServeHTTP serves a request whose URL path is already relative to the context path.
func (servletContext *ServletContext) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	path := request.URL.Path
	if path == "" {
		path = "/"
	}

	servletContext.mu.RLock()
	var target http.Handler
	if servlet := servletContext.servletFor(path); servlet != nil {
		target = servlet.handler
	} else if servletContext.fallback != nil {
		target = servletContext.fallback
	} else {
		target = http.HandlerFunc(handler404)
	}

	var chain []Filter
	for _, filter := range servletContext.filters {
		for _, pattern := range filter.patterns {
			if matchPattern(pattern, path) {
				chain = append(chain, filter.filter)
				break
			}
		}
	}

	hasErrorPages := len(servletContext.errorPages) > 0
	servletContext.mu.RUnlock()

	for i := len(chain) - 1; i >= 0; i-- {
		target = chain[i](target)
	}

	if !hasErrorPages {
		target.ServeHTTP(writer, request)
		return
	}

	intercepting := &errorPageWriter{
		ResponseWriter: writer,
		lookup: func(code int) http.Handler {
			servletContext.mu.RLock()
			defer servletContext.mu.RUnlock()
			return servletContext.errorPageFor(code)
		},
	}

	target.ServeHTTP(intercepting, request)

	if intercepting.page != nil {
		intercepting.page.ServeHTTP(&statusWriter{ResponseWriter: writer, status: intercepting.status}, request)
	}
}

// errorPageWriter swallows a response whose status has an error page so the page can be rendered instead.
type errorPageWriter struct {
	http.ResponseWriter
	lookup      func(code int) http.Handler
	wroteHeader bool
	page        http.Handler
	status      int
}

func (w *errorPageWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true

	if page := w.lookup(code); page != nil {
		w.page = page
		w.status = code
		return
	}

	w.ResponseWriter.WriteHeader(code)
}

func (w *errorPageWriter) Write(data []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.page != nil {
		return len(data), nil
	}
	return w.ResponseWriter.Write(data)
}

// statusWriter forces the status of the intercepted response onto the error page.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.ResponseWriter.WriteHeader(w.status)
	}
}

func (w *statusWriter) Write(data []byte) (int, error) {
	w.WriteHeader(w.status)
	return w.ResponseWriter.Write(data)
}
