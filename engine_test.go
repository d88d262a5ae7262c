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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeContext struct {
	spec      ContextSpec
	destroyed bool
}

type fakeElement struct {
	request  MountRequest
	context  *fakeContext
	detached bool
}

// recordingEngine keeps every native handle it hands out. Patterns containing "bad" are refused.
type recordingEngine struct {
	sync.Mutex
	contexts    []*fakeContext
	elements    []*fakeElement
	filterOrder map[ContextID][]ElementID

	// attachGate, when set, blocks every Attach until a value is received. attachStarted is signalled first.
	attachGate    chan struct{}
	attachStarted chan struct{}
}

func newRecordingEngine() *recordingEngine {
	return &recordingEngine{
		filterOrder: map[ContextID][]ElementID{},
	}
}

func (engine *recordingEngine) CreateContext(spec ContextSpec) (NativeContext, error) {
	engine.Lock()
	defer engine.Unlock()

	if strings.Contains(spec.Path, "bad") {
		return nil, errors.Errorf("unsupported context path %s", spec.Path)
	}

	ctx := &fakeContext{spec: spec}
	engine.contexts = append(engine.contexts, ctx)
	return ctx, nil
}

func (engine *recordingEngine) DestroyContext(native NativeContext) error {
	engine.Lock()
	defer engine.Unlock()
	native.(*fakeContext).destroyed = true
	return nil
}

func (engine *recordingEngine) Attach(request MountRequest) (NativeElement, error) {
	if engine.attachGate != nil {
		engine.attachStarted <- struct{}{}
		<-engine.attachGate
	}

	engine.Lock()
	defer engine.Unlock()

	for _, pattern := range request.Patterns {
		if strings.Contains(pattern, "bad") {
			return nil, errors.Errorf("malformed pattern %s", pattern)
		}
	}

	element := &fakeElement{request: request, context: request.Context.(*fakeContext)}
	engine.elements = append(engine.elements, element)
	return element, nil
}

func (engine *recordingEngine) Detach(native NativeElement) error {
	engine.Lock()
	defer engine.Unlock()
	native.(*fakeElement).detached = true
	return nil
}

func (engine *recordingEngine) OrderFilters(native NativeContext, filters []NativeElement) error {
	engine.Lock()
	defer engine.Unlock()

	var ids []ElementID
	for _, filter := range filters {
		ids = append(ids, filter.(*fakeElement).request.ID)
	}
	engine.filterOrder[native.(*fakeContext).spec.ID] = ids
	return nil
}

// servedBy returns the payload of the live servlet mapped to pattern in a live context at path.
func (engine *recordingEngine) servedBy(path, pattern string) interface{} {
	engine.Lock()
	defer engine.Unlock()

	for _, element := range engine.elements {
		if element.detached || element.context.destroyed || element.context.spec.Path != path {
			continue
		}
		if element.request.Kind != KindServlet {
			continue
		}
		for _, p := range element.request.Patterns {
			if p == pattern {
				return element.request.Payload
			}
		}
	}
	return nil
}

func (engine *recordingEngine) liveContexts() int {
	engine.Lock()
	defer engine.Unlock()

	count := 0
	for _, ctx := range engine.contexts {
		if !ctx.destroyed {
			count++
		}
	}
	return count
}

type eventRecorder struct {
	sync.Mutex
	events []Event
}

func (recorder *eventRecorder) listener(event Event) error {
	recorder.Lock()
	defer recorder.Unlock()
	recorder.events = append(recorder.events, event)
	return nil
}

func (recorder *eventRecorder) all() []Event {
	recorder.Lock()
	defer recorder.Unlock()
	return append([]Event(nil), recorder.events...)
}

func (recorder *eventRecorder) matching(eventType EventType, id ElementID) []Event {
	var result []Event
	for _, event := range recorder.all() {
		if event.Type == eventType && (id == 0 || event.Element.ID == id) {
			result = append(result, event)
		}
	}
	return result
}

func (recorder *eventRecorder) waitFor(t *testing.T, eventType EventType, id ElementID, count int) {
	require.Eventually(t, func() bool {
		return len(recorder.matching(eventType, id)) >= count
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s events of element %d", count, eventType, id)
}

func newTestWhiteboard(t *testing.T, options *Options) (*Whiteboard, *recordingEngine, *eventRecorder) {
	engine := newRecordingEngine()
	w, err := NewWhiteboard(options, engine)
	require.NoError(t, err)

	recorder := &eventRecorder{}
	_, err = w.Subscribe("/", recorder.listener)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = w.Close()
	})

	return w, engine, recorder
}

func servlet(owner, name string, rank int, patterns ...string) *WebElement {
	return &WebElement{
		Kind:     KindServlet,
		Name:     name,
		Patterns: patterns,
		Rank:     rank,
		Owner:    owner,
		Payload:  name,
	}
}

func application(owner, path string, rank int) *WebElement {
	return &WebElement{
		Kind:        KindApplication,
		Name:        owner,
		Rank:        rank,
		Owner:       owner,
		ContextPath: path,
	}
}
