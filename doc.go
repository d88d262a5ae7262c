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
Package whiteboard resolves dynamically registered web elements onto path addressed HTTP contexts.

Basics

Owners register WebElement's: servlets, filters, resources, listeners, error pages and whole applications. Each
element carries an LDAP-style selector over context properties. The Whiteboard picks the one live context that
matches it (deeper paths first, then the most recently updated context), arbitrates conflicts on exclusive slots
(servlet patterns and names, error codes, application context paths) by rank and registration order, and asks an
Engine to attach the winners. Losers are queued and promoted when the slot frees up.

Every change is reported as an ordered Event (DEPLOYING, DEPLOYED, FAILED, UNDEPLOYED) on the EventBus. Listeners
subscribe by path prefix and are called from a goroutine per subscription, so a slow listener never blocks
registration. Register returns a Pending that settles on the element's first DEPLOYED or FAILED event.

Contexts are created explicitly with CreateContext, implicitly as an owner's default context at "/", or by binding
an application, which owns its context for as long as it stays bound. Removing a context makes it a zombie that
is destroyed once its last element leaves.

Deployer installs a Unit (an application and its elements) on a worker pool, and withdraws the whole unit when its
owner goes away mid-installation or one of its elements is rejected.

Concurrency

Work on a context path is serialized by a per path lock; unrelated paths proceed in parallel. Operations spanning
several paths take their locks in sorted order. A separate lock guards the shared tables and is never held across
Engine calls or event delivery.

The httpengine package provides an Engine on top of net/http.
*/
package whiteboard
