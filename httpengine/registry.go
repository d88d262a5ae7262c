/*
	Copyright NetFoundry, Inc.

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
	"fmt"

	"github.com/sirupsen/logrus"
)

// HandlerFactory turns the options of a configured element into the payload the Engine attaches: a http.Handler or
// http.FileSystem for servlets, resources, error pages and applications, a Filter for filters and a ContextListener
// for listeners.
type HandlerFactory interface {
	Binding() string
	New(options map[interface{}]interface{}) (interface{}, error)
}

// HandlerFactoryFunc adapts a function to a HandlerFactory.
type HandlerFactoryFunc struct {
	binding string
	f       func(options map[interface{}]interface{}) (interface{}, error)
}

func NewHandlerFactoryFunc(binding string, f func(options map[interface{}]interface{}) (interface{}, error)) *HandlerFactoryFunc {
	return &HandlerFactoryFunc{binding: binding, f: f}
}

func (factory *HandlerFactoryFunc) Binding() string {
	return factory.binding
}

func (factory *HandlerFactoryFunc) New(options map[interface{}]interface{}) (interface{}, error) {
	if options == nil {
		options = map[interface{}]interface{}{}
	}
	return factory.f(options)
}

// Registry describes a registry of binding to HandlerFactory registrations
type Registry interface {
	Add(factory HandlerFactory) error
	Get(binding string) HandlerFactory
}

// RegistryMap is a basic Registry implementation backed by a simple mapping of binding (string) to HandlerFactory instances
type RegistryMap struct {
	factories map[string]HandlerFactory
}

// NewRegistryMap creates a new, empty RegistryMap
func NewRegistryMap() *RegistryMap {
	return &RegistryMap{
		factories: map[string]HandlerFactory{},
	}
}

// NewDefaultRegistry creates a RegistryMap holding the built-in factories
func NewDefaultRegistry() *RegistryMap {
	registry := NewRegistryMap()
	for _, factory := range builtinFactories() {
		if err := registry.Add(factory); err != nil {
			panic(err)
		}
	}
	return registry
}

// Add adds a factory to the registry. Errors if a previous factory with the same binding is registered.
func (registry RegistryMap) Add(factory HandlerFactory) error {
	logrus.Debugf("adding handler factory with binding: %v", factory.Binding())
	if _, ok := registry.factories[factory.Binding()]; ok {
		return fmt.Errorf("binding [%s] already registered", factory.Binding())
	}

	registry.factories[factory.Binding()] = factory

	return nil
}

// Get retrieves a factory based on a binding or nil if no factory for the binding is registered
func (registry RegistryMap) Get(binding string) HandlerFactory {
	return registry.factories[binding]
}
