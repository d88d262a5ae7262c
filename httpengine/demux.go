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
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/openziti/whiteboard"
)

// ServeHTTP routes a request to the ServletContext mounted at the longest path prefix of the request path. The
// selected ServletContext is added to the request context with a key of ServletContextKey and the request path is
// made relative to it. Unmatched requests go to the default http.Handler of this Engine or its parents, a 404 by
// default.
func (engine *Engine) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	servletContext, relative := engine.selectContext(request)

	if servletContext == nil {
		if defaultHttpHandler := engine.GetDefaultHttpHandler(); defaultHttpHandler != nil {
			defaultHttpHandler.ServeHTTP(writer, request)
			return
		}

		handler404(writer, request)
		return
	}

	ctx := context.WithValue(request.Context(), ServletContextKey, servletContext)
	newRequest := request.WithContext(ctx)
	newRequest.URL = cloneURLWithPath(request.URL, relative)

	servletContext.ServeHTTP(writer, newRequest)
}

// selectContext picks the ServletContext for a request. Among the contexts mounted at the longest matching path,
// the first one (in creation order) that serves the relative path wins, otherwise the first eligible one.
func (engine *Engine) selectContext(request *http.Request) (*ServletContext, string) {
	requestPath := whiteboard.NormalizePath(request.URL.Path)
	if requestPath != "/" && strings.HasSuffix(request.URL.Path, "/") {
		requestPath += "/"
	}

	serverName := ""
	if serverContext := ServerContextFromRequestContext(request.Context()); serverContext != nil && serverContext.ServerConfig != nil {
		serverName = serverContext.ServerConfig.Name
	}

	engine.mu.RLock()
	defer engine.mu.RUnlock()

	for candidate := whiteboard.NormalizePath(requestPath); ; candidate = parentPath(candidate) {
		if contexts, ok := engine.contexts[candidate]; ok {
			var eligible []*ServletContext
			for _, servletContext := range contexts {
				if servletContext.acceptsHost(request.Host) && servletContext.acceptsConnector(serverName) {
					eligible = append(eligible, servletContext)
				}
			}

			if len(eligible) > 0 {
				relative := relativePath(candidate, requestPath)
				for _, servletContext := range eligible {
					if servletContext.Handles(relative) {
						return servletContext, relative
					}
				}
				return eligible[0], relative
			}
		}

		if candidate == "/" {
			return nil, ""
		}
	}
}

// parentPath drops the last segment: "/a/b" becomes "/a", "/a" becomes "/".
func parentPath(path string) string {
	path = strings.TrimSuffix(path, "/")
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func relativePath(contextPath, requestPath string) string {
	if contextPath == "/" {
		return requestPath
	}

	relative := strings.TrimPrefix(requestPath, contextPath)
	if relative == "" {
		return "/"
	}
	return relative
}

func cloneURLWithPath(source *url.URL, path string) *url.URL {
	result := *source
	result.Path = path
	result.RawPath = ""
	return &result
}
