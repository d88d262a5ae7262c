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
	"github.com/michaelquigley/pfxlog"
	"github.com/sirupsen/logrus"
)

// NativeContext is the engine's handle for a created context. It is opaque to the Whiteboard.
type NativeContext interface{}

// NativeElement is the engine's handle for an attached element. It is opaque to the Whiteboard.
type NativeElement interface{}

// ContextSpec describes a context the engine should create.
type ContextSpec struct {
	ID          ContextID
	Name        string
	Path        string
	Owner       string
	Properties  map[string]string
	Application bool
}

// MountRequest is an already resolved, conflict free instruction to attach an element to a native context.
type MountRequest struct {
	ID          ElementID
	Kind        Kind
	Name        string
	Patterns    []string
	Alias       string
	Rank        int
	Owner       string
	Payload     interface{}
	Context     NativeContext
	ContextPath string
}

// Engine is the physical HTTP engine the Whiteboard drives. It never sees selectors or ranks.
type Engine interface {
	CreateContext(spec ContextSpec) (NativeContext, error)
	DestroyContext(ctx NativeContext) error
	Attach(request MountRequest) (NativeElement, error)
	Detach(element NativeElement) error
}

// FilterOrderer is implemented by engines that want the resolved filter order of a context after it changes.
type FilterOrderer interface {
	OrderFilters(ctx NativeContext, filters []NativeElement) error
}

// mountAdapter wraps engine failures into *MountError and logs every physical operation.
type mountAdapter struct {
	engine Engine
}

func (adapter *mountAdapter) createContext(ctx *Context) (NativeContext, error) {
	log := pfxlog.Logger().WithFields(logrus.Fields{"contextId": ctx.id, "contextPath": ctx.path, "contextName": ctx.name})

	native, err := adapter.engine.CreateContext(ContextSpec{
		ID:          ctx.id,
		Name:        ctx.name,
		Path:        ctx.path,
		Owner:       ctx.owner,
		Properties:  copyProperties(ctx.properties),
		Application: ctx.application != 0,
	})

	if err != nil {
		log.WithError(err).Error("engine failed to create context")
		return nil, &MountError{Op: "create context", Cause: err}
	}

	log.Debug("context created")
	return native, nil
}

func (adapter *mountAdapter) destroyContext(ctx *Context, native NativeContext) {
	log := pfxlog.Logger().WithFields(logrus.Fields{"contextId": ctx.id, "contextPath": ctx.path, "contextName": ctx.name})

	if native == nil {
		return
	}

	if err := adapter.engine.DestroyContext(native); err != nil {
		log.WithError(err).Error("engine failed to destroy context")
		return
	}

	log.Debug("context destroyed")
}

func (adapter *mountAdapter) attach(reg *registration, ctx *Context, native NativeContext) (NativeElement, error) {
	log := pfxlog.Logger().WithFields(logrus.Fields{"element": reg.ref().String(), "contextPath": ctx.path})

	element, err := adapter.engine.Attach(MountRequest{
		ID:          reg.id,
		Kind:        reg.spec.Kind,
		Name:        reg.spec.Name,
		Patterns:    append([]string(nil), reg.spec.Patterns...),
		Alias:       reg.spec.Alias,
		Rank:        reg.spec.Rank,
		Owner:       reg.spec.Owner,
		Payload:     reg.spec.Payload,
		Context:     native,
		ContextPath: ctx.path,
	})

	if err != nil {
		log.WithError(err).Error("engine refused element")
		return nil, &MountError{Op: "attach", Cause: err}
	}

	log.Debug("element attached")
	return element, nil
}

func (adapter *mountAdapter) detach(ref ElementRef, element NativeElement) {
	if element == nil {
		return
	}

	if err := adapter.engine.Detach(element); err != nil {
		pfxlog.Logger().WithField("element", ref.String()).WithError(err).Error("engine failed to detach element")
		return
	}

	pfxlog.Logger().WithField("element", ref.String()).Debug("element detached")
}

func (adapter *mountAdapter) orderFilters(ctx *Context, native NativeContext, filters []NativeElement) {
	orderer, ok := adapter.engine.(FilterOrderer)
	if !ok || native == nil {
		return
	}

	if err := orderer.OrderFilters(native, filters); err != nil {
		pfxlog.Logger().WithField("contextPath", ctx.path).WithError(err).Error("engine failed to reorder filters")
	}
}

// DiscardEngine accepts every instruction and does nothing. It backs dry runs and validation.
type DiscardEngine struct{}

type discarded struct {
	id   uint64
	kind string
}

func (DiscardEngine) CreateContext(spec ContextSpec) (NativeContext, error) {
	return &discarded{id: uint64(spec.ID), kind: "context"}, nil
}

func (DiscardEngine) DestroyContext(NativeContext) error {
	return nil
}

func (DiscardEngine) Attach(request MountRequest) (NativeElement, error) {
	return &discarded{id: uint64(request.ID), kind: string(request.Kind)}, nil
}

func (DiscardEngine) Detach(NativeElement) error {
	return nil
}
