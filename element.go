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
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Kind identifies what a WebElement contributes to a context.
type Kind string

const (
	KindServlet     Kind = "servlet"
	KindFilter      Kind = "filter"
	KindResource    Kind = "resource"
	KindListener    Kind = "listener"
	KindErrorPage   Kind = "errorPage"
	KindApplication Kind = "application"
)

// ParseKind converts a textual kind (as used in descriptors) to a Kind.
func ParseKind(value string) (Kind, error) {
	for _, kind := range []Kind{KindServlet, KindFilter, KindResource, KindListener, KindErrorPage, KindApplication} {
		if strings.EqualFold(value, string(kind)) {
			return kind, nil
		}
	}
	return "", errors.Errorf("unknown element kind [%s]", value)
}

// BindingState is the binding state of a registered element.
type BindingState string

const (
	// StateWaiting means no live context currently matches the element's selector.
	StateWaiting BindingState = "waiting"
	// StateQueued means the element lost a conflict and is eligible for promotion.
	StateQueued BindingState = "queued"
	// StateBound means the element is attached to a context.
	StateBound BindingState = "bound"
	// StateFailed means the engine refused the element, it is not promoted.
	StateFailed BindingState = "failed"
)

type ElementID uint64

// WebElement describes a servlet, filter, resource, listener, error page or a whole application. It is copied on
// registration, later changes by the caller have no effect.
type WebElement struct {
	Kind     Kind
	Name     string
	Patterns []string
	// Alias is an HttpService style alias. "/x" occupies the same mapping as "/x/*".
	Alias    string
	Selector string
	Rank     int
	Owner    string

	// ContextPath, ContextName and ContextProperties describe the context an Application creates when bound.
	ContextPath       string
	ContextName       string
	ContextProperties map[string]string

	// Payload is handed to the Engine untouched (a http.Handler for servlets, a middleware for filters...).
	Payload interface{}
}

// ElementRef identifies an element in events and snapshots.
type ElementRef struct {
	ID    ElementID
	Kind  Kind
	Name  string
	Owner string
}

func (ref ElementRef) String() string {
	return fmt.Sprintf("%s[%d:%s@%s]", ref.Kind, ref.ID, ref.Name, ref.Owner)
}

// ElementInfo is an immutable copy of an element's state.
type ElementInfo struct {
	ElementRef
	Patterns    []string
	Selector    string
	Rank        int
	State       BindingState
	ContextID   ContextID
	ContextPath string
	QueuedOn    ContextID
	Reason      error
}

type conflictKey struct {
	space string
	key   string
}

type slotKey struct {
	context ContextID
	space   string
	key     string
}

type registration struct {
	id       ElementID
	seq      uint64
	spec     WebElement
	selector *Selector
	keys     []conflictKey
	appKey   string

	state      BindingState
	context    *Context
	queuedOn   ContextID
	queuedPath string
	native     NativeElement
	reason     error
	pending    *Pending
	removed    bool

	// withdrawn is set while the owner is being unregistered; such elements are never bound again.
	withdrawn bool
}

func (r *registration) retired() bool {
	return r.removed || r.withdrawn
}

func (r *registration) ref() ElementRef {
	return ElementRef{ID: r.id, Kind: r.spec.Kind, Name: r.spec.Name, Owner: r.spec.Owner}
}

func (r *registration) info() ElementInfo {
	info := ElementInfo{
		ElementRef: r.ref(),
		Patterns:   append([]string(nil), r.spec.Patterns...),
		Selector:   r.selector.String(),
		Rank:       r.spec.Rank,
		State:      r.state,
		QueuedOn:   r.queuedOn,
		Reason:     r.reason,
	}
	if r.context != nil {
		info.ContextID = r.context.id
		info.ContextPath = r.context.path
	}
	return info
}

// precedes orders elements by rank (higher first), then arrival, then owner.
func (r *registration) precedes(other *registration) bool {
	if r.spec.Rank != other.spec.Rank {
		return r.spec.Rank > other.spec.Rank
	}
	if r.seq != other.seq {
		return r.seq < other.seq
	}
	return r.spec.Owner < other.spec.Owner
}

func (r *registration) exclusive() bool {
	return len(r.keys) > 0
}

func (r *registration) specificity() int {
	best := 0
	for _, pattern := range r.spec.Patterns {
		if s := PatternSpecificity(pattern); s > best {
			best = s
		}
	}
	return best
}

func newRegistration(element WebElement) (*registration, error) {
	if element.Owner == "" {
		return nil, errors.Wrap(ErrInvalidElement, "owner is required")
	}

	if _, err := ParseKind(string(element.Kind)); err != nil {
		return nil, errors.Wrap(ErrInvalidElement, err.Error())
	}

	selector, err := ParseSelector(element.Selector)
	if err != nil {
		return nil, err
	}

	reg := &registration{
		spec:     element,
		selector: selector,
		state:    StateWaiting,
	}

	seen := map[string]struct{}{}
	var patterns []string
	for _, pattern := range element.Patterns {
		pattern = strings.TrimSpace(pattern)
		if _, ok := seen[pattern]; ok || pattern == "" {
			continue
		}
		seen[pattern] = struct{}{}
		patterns = append(patterns, pattern)
	}
	reg.spec.Patterns = patterns
	reg.spec.ContextProperties = copyProperties(element.ContextProperties)

	switch element.Kind {
	case KindServlet, KindResource:
		for _, pattern := range patterns {
			reg.keys = append(reg.keys, conflictKey{space: "servlet", key: "pattern:" + CanonicalPattern(pattern, false)})
		}
		if element.Alias != "" {
			reg.keys = append(reg.keys, conflictKey{space: "servlet", key: "pattern:" + CanonicalPattern(element.Alias, true)})
		}
		if element.Kind == KindServlet && element.Name != "" {
			reg.keys = append(reg.keys, conflictKey{space: "servlet", key: "name:" + element.Name})
		}
		if len(reg.keys) == 0 {
			return nil, errors.Wrapf(ErrInvalidElement, "%s requires at least one pattern or alias", element.Kind)
		}
	case KindErrorPage:
		for _, pattern := range patterns {
			reg.keys = append(reg.keys, conflictKey{space: "error", key: pattern})
		}
		if len(reg.keys) == 0 {
			return nil, errors.Wrap(ErrInvalidElement, "error page requires at least one error code or type")
		}
	case KindFilter:
		if len(patterns) == 0 {
			return nil, errors.Wrap(ErrInvalidElement, "filter requires at least one pattern")
		}
	case KindApplication:
		reg.spec.Patterns = []string{"/*"}
		reg.spec.ContextPath = NormalizePath(element.ContextPath)
		if reg.spec.ContextName == "" {
			reg.spec.ContextName = DefaultContextName
		}
		reg.appKey = contextKey(reg.spec.ContextPath, reg.spec.ContextProperties)
		reg.keys = []conflictKey{{space: "app", key: reg.appKey}}
		if !selector.IsEmpty() {
			return nil, errors.Wrap(ErrInvalidElement, "applications create their own context and take no selector")
		}
	}

	return reg, nil
}

// ElementTable holds every registered element and the index of bound exclusive slots. It is not safe for
// concurrent use on its own, the Whiteboard guards it.
type ElementTable struct {
	elements map[ElementID]*registration
	byOwner  map[string]map[ElementID]*registration
	slots    map[slotKey]*registration
	bound    map[ContextID]map[ElementID]*registration
	nextID   ElementID

	// applications remembers the context path of each owner that registered an application, for as long as the
	// owner has elements.
	applications map[string]string
}

func newElementTable() *ElementTable {
	return &ElementTable{
		elements: map[ElementID]*registration{},
		byOwner:  map[string]map[ElementID]*registration{},
		slots:    map[slotKey]*registration{},
		bound:    map[ContextID]map[ElementID]*registration{},

		applications: map[string]string{},
	}
}

func (table *ElementTable) insert(reg *registration) {
	table.nextID++
	reg.id = table.nextID
	reg.seq = uint64(table.nextID)

	table.elements[reg.id] = reg

	owned, ok := table.byOwner[reg.spec.Owner]
	if !ok {
		owned = map[ElementID]*registration{}
		table.byOwner[reg.spec.Owner] = owned
	}
	owned[reg.id] = reg

	if reg.spec.Kind == KindApplication {
		table.applications[reg.spec.Owner] = reg.spec.ContextPath
	}
}

func (table *ElementTable) delete(reg *registration) {
	delete(table.elements, reg.id)
	if owned, ok := table.byOwner[reg.spec.Owner]; ok {
		delete(owned, reg.id)
		if len(owned) == 0 {
			delete(table.byOwner, reg.spec.Owner)
			delete(table.applications, reg.spec.Owner)
		}
	}
	reg.removed = true
}

// applicationPath returns the context path of owner's application and whether owner ever registered one.
func (table *ElementTable) applicationPath(owner string) (string, bool) {
	path, ok := table.applications[owner]
	return path, ok
}

func (table *ElementTable) get(id ElementID) *registration {
	return table.elements[id]
}

func (table *ElementTable) owned(owner string) []*registration {
	var result []*registration
	for _, reg := range table.byOwner[owner] {
		result = append(result, reg)
	}
	sortByPrecedence(result)
	return result
}

func (table *ElementTable) slotsFor(reg *registration, ctx *Context) []slotKey {
	var result []slotKey
	for _, key := range reg.keys {
		if key.space == "app" {
			result = append(result, slotKey{space: key.space, key: key.key})
		} else {
			result = append(result, slotKey{context: ctx.id, space: key.space, key: key.key})
		}
	}
	return result
}

// conflicts returns the distinct bound elements occupying any slot reg would need in ctx.
func (table *ElementTable) conflicts(reg *registration, ctx *Context) []*registration {
	seen := map[ElementID]struct{}{}
	var result []*registration

	for _, slot := range table.slotsFor(reg, ctx) {
		if holder, ok := table.slots[slot]; ok && holder != reg {
			if _, dup := seen[holder.id]; !dup {
				seen[holder.id] = struct{}{}
				result = append(result, holder)
			}
		}
	}

	sortByPrecedence(result)
	return result
}

func (table *ElementTable) boundApplication(appKey string) *registration {
	return table.slots[slotKey{space: "app", key: appKey}]
}

func (table *ElementTable) markBound(reg *registration, ctx *Context) {
	reg.state = StateBound
	reg.context = ctx
	reg.queuedOn = 0
	reg.queuedPath = ""
	reg.reason = nil

	for _, slot := range table.slotsFor(reg, ctx) {
		table.slots[slot] = reg
	}

	elements, ok := table.bound[ctx.id]
	if !ok {
		elements = map[ElementID]*registration{}
		table.bound[ctx.id] = elements
	}
	elements[reg.id] = reg
}

func (table *ElementTable) markUnbound(reg *registration, state BindingState, reason error) {
	if ctx := reg.context; ctx != nil {
		for _, slot := range table.slotsFor(reg, ctx) {
			if table.slots[slot] == reg {
				delete(table.slots, slot)
			}
		}
		if elements, ok := table.bound[ctx.id]; ok {
			delete(elements, reg.id)
			if len(elements) == 0 {
				delete(table.bound, ctx.id)
			}
		}
	}

	reg.state = state
	reg.context = nil
	reg.native = nil
	reg.reason = reason
}

func (table *ElementTable) boundTo(id ContextID) []*registration {
	var result []*registration
	for _, reg := range table.bound[id] {
		result = append(result, reg)
	}
	sortByPrecedence(result)
	return result
}

// unbound returns every element that may still be bound in precedence order. Failed elements are excluded.
func (table *ElementTable) unbound() []*registration {
	var result []*registration
	for _, reg := range table.elements {
		if reg.state == StateWaiting || reg.state == StateQueued {
			result = append(result, reg)
		}
	}
	sortByPrecedence(result)
	return result
}

// filterChain returns the filters bound to a context in execution order: rank descending, pattern specificity
// descending, arrival ascending.
func (table *ElementTable) filterChain(id ContextID) []*registration {
	var filters []*registration
	for _, reg := range table.bound[id] {
		if reg.spec.Kind == KindFilter {
			filters = append(filters, reg)
		}
	}

	sort.SliceStable(filters, func(i, j int) bool {
		a, b := filters[i], filters[j]
		if a.spec.Rank != b.spec.Rank {
			return a.spec.Rank > b.spec.Rank
		}
		if sa, sb := a.specificity(), b.specificity(); sa != sb {
			return sa > sb
		}
		return a.seq < b.seq
	})

	return filters
}

func sortByPrecedence(regs []*registration) {
	sort.SliceStable(regs, func(i, j int) bool {
		return regs[i].precedes(regs[j])
	})
}
