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

package whiteboard

import (
	"sort"
	"strings"
)

const (
	DefaultContextName = "default"

	ContextNameProperty  = "osgi.http.whiteboard.context.name"
	ContextPathProperty  = "osgi.http.whiteboard.context.path"
	VirtualHostsProperty = "virtual.hosts"
	ConnectorsProperty   = "connectors"
)

type ContextID uint64

// Context is one named, path addressable HTTP namespace. All fields are guarded by the Whiteboard.
type Context struct {
	id           ContextID
	name         string
	path         string
	owner        string
	properties   map[string]string
	generation   uint64
	zombie       bool
	application  ElementID
	ownerDefault bool
	implicit     bool
	native       NativeContext
}

// ContextInfo is an immutable copy of a context's state.
type ContextInfo struct {
	ID           ContextID
	Name         string
	Path         string
	Owner        string
	Properties   map[string]string
	Generation   uint64
	Zombie       bool
	Application  ElementID
	OwnerDefault bool
	Implicit     bool
}

func (ctx *Context) info() ContextInfo {
	return ContextInfo{
		ID:           ctx.id,
		Name:         ctx.name,
		Path:         ctx.path,
		Owner:        ctx.owner,
		Properties:   copyProperties(ctx.properties),
		Generation:   ctx.generation,
		Zombie:       ctx.zombie,
		Application:  ctx.application,
		OwnerDefault: ctx.ownerDefault,
		Implicit:     ctx.implicit,
	}
}

func (ctx *Context) key() string {
	return contextKey(ctx.path, ctx.properties)
}

// accepts reports whether reg may be bound to this context based on selection alone.
func (ctx *Context) accepts(reg *registration) bool {
	if ctx.zombie {
		return false
	}
	if reg.selector.IsEmpty() {
		return ctx.ownerDefault && ctx.owner == reg.spec.Owner
	}
	return reg.selector.Matches(ctx.properties)
}

// preferredOver picks exactly one context when several match: deeper paths first, then the more recent generation,
// then the most recently created context.
func (ctx *Context) preferredOver(other *Context) bool {
	if a, b := PathSegments(ctx.path), PathSegments(other.path); a != b {
		return a > b
	}
	if ctx.generation != other.generation {
		return ctx.generation > other.generation
	}
	return ctx.id > other.id
}

// contextKey is the (virtual hosts, connectors, path) tuple that identifies a context slot.
func contextKey(path string, properties map[string]string) string {
	return strings.Join([]string{
		strings.Join(KeyList(properties[VirtualHostsProperty]), ","),
		strings.Join(KeyList(properties[ConnectorsProperty]), ","),
		NormalizePath(path),
	}, "|")
}

func copyProperties(properties map[string]string) map[string]string {
	result := make(map[string]string, len(properties))
	for k, v := range properties {
		result[k] = v
	}
	return result
}

// ContextRegistry is the authoritative set of live contexts. It is not safe for concurrent use on its own, the
// Whiteboard guards it.
type ContextRegistry struct {
	contexts map[ContextID]*Context
	nextID   ContextID
}

func newContextRegistry() *ContextRegistry {
	return &ContextRegistry{
		contexts: map[ContextID]*Context{},
	}
}

func (registry *ContextRegistry) newContext(name, path, owner string, properties map[string]string) *Context {
	if name == "" {
		name = DefaultContextName
	}
	path = NormalizePath(path)

	props := copyProperties(properties)
	props[ContextNameProperty] = name
	props[ContextPathProperty] = path

	registry.nextID++
	return &Context{
		id:           registry.nextID,
		name:         name,
		path:         path,
		owner:        owner,
		properties:   props,
		generation:   1,
		ownerDefault: name == DefaultContextName,
	}
}

func (registry *ContextRegistry) add(ctx *Context) {
	registry.contexts[ctx.id] = ctx
}

func (registry *ContextRegistry) delete(ctx *Context) {
	delete(registry.contexts, ctx.id)
}

func (registry *ContextRegistry) get(id ContextID) *Context {
	return registry.contexts[id]
}

// findOwned returns a live context of owner with the same name and key, if any.
func (registry *ContextRegistry) findOwned(owner, name, key string) *Context {
	for _, ctx := range registry.contexts {
		if !ctx.zombie && ctx.owner == owner && ctx.name == name && ctx.key() == key {
			return ctx
		}
	}
	return nil
}

func (registry *ContextRegistry) owned(owner string) []*Context {
	var result []*Context
	for _, ctx := range registry.contexts {
		if ctx.owner == owner && ctx.application == 0 {
			result = append(result, ctx)
		}
	}
	sortContexts(result)
	return result
}

func (registry *ContextRegistry) atPath(path string) []*Context {
	var result []*Context
	for _, ctx := range registry.contexts {
		if ctx.path == path {
			result = append(result, ctx)
		}
	}
	sortContexts(result)
	return result
}

// best returns the preferred live context accepting reg, or nil.
func (registry *ContextRegistry) best(reg *registration) *Context {
	var best *Context
	for _, ctx := range registry.contexts {
		if !ctx.accepts(reg) {
			continue
		}
		if best == nil || ctx.preferredOver(best) {
			best = ctx
		}
	}
	return best
}

func (registry *ContextRegistry) all() []*Context {
	var result []*Context
	for _, ctx := range registry.contexts {
		result = append(result, ctx)
	}
	sortContexts(result)
	return result
}

func sortContexts(contexts []*Context) {
	sort.Slice(contexts, func(i, j int) bool {
		return contexts[i].id < contexts[j].id
	})
}
