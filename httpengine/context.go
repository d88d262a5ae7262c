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

import "context"

type ContextKey string

const (
	ServletContextKey = ContextKey("httpengine.ServletContext.ContextKey")
	ServerContextKey  = ContextKey("httpengine.Server.ContextKey")
)

// ServletContextFromRequestContext is a utility function to retrieve the *ServletContext the demux http.Handler
// selected for the request during downstream http.Handler processing.
func ServletContextFromRequestContext(ctx context.Context) *ServletContext {
	if val := ctx.Value(ServletContextKey); val != nil {
		if servletContext, ok := val.(*ServletContext); ok {
			return servletContext
		}
	}
	return nil
}

// ServerContextFromRequestContext is a utility function to retrieve a *ServerContext reference from the http.Request
// that provides access to configuration like BindPointConfig, ServerConfig, and InstanceConfig values.
func ServerContextFromRequestContext(ctx context.Context) *ServerContext {
	if val := ctx.Value(ServerContextKey); val != nil {
		if serverContext, ok := val.(*ServerContext); ok {
			return serverContext
		}
	}
	return nil
}
