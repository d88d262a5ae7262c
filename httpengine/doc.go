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

/*
Package httpengine serves a whiteboard over net/http.

Basics

Engine implements whiteboard.Engine. Every context the whiteboard creates becomes a ServletContext mounted at the
context path, and every element bound to it becomes a servlet, resource, filter, error page, listener or application
fallback handler inside that ServletContext. Engine is itself a http.Handler: requests are routed to the
ServletContext at the longest path prefix that accepts the request's host (virtual.hosts) and server
(connectors), the path is made relative to the context and the filter chain ordered by the whiteboard runs in front
of the most specific servlet.

Instance wires an Engine to a Whiteboard and a Deployer from configuration. The configuration is a map of
interface{}-to-interface{} values, usually loaded from YAML with LoadConfigFile, with these sections:

	whiteboard: whiteboard.Options
	identity:   optional default TLS identity
	web:        an array of ServerConfig, each listening on one or more BindPointConfig's
	contexts:   static contexts created before any unit is deployed
	units:      deployment units, an optional application plus elements

Element payloads are produced by HandlerFactory's looked up by binding in a Registry. NewDefaultRegistry provides
text, static, redirect, headers, accessLog, rateLimit and contextLog.

Servers without an identity listen on plain TCP, otherwise TLS through the openziti transport.
*/
package httpengine
