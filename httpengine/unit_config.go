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
	"fmt"

	"github.com/openziti/whiteboard"
	"github.com/pkg/errors"
)

// ElementConfig describes one element of a unit. The payload is produced by the HandlerFactory registered for
// Binding, with Options passed through uninterpreted.
type ElementConfig struct {
	Kind     whiteboard.Kind
	Name     string
	Patterns []string
	Alias    string
	Selector string
	Rank     int

	ContextPath       string
	ContextName       string
	ContextProperties map[string]string

	Binding string
	Options map[interface{}]interface{}
}

// Parse the configuration map for an ElementConfig. Application elements use path, name and properties to describe
// the context they create; other elements may name a context instead of giving a selector.
func (config *ElementConfig) Parse(configMap map[interface{}]interface{}, application bool) error {
	var err error

	if application {
		config.Kind = whiteboard.KindApplication

		if config.ContextPath, err = stringValue(configMap, "path", true); err != nil {
			return err
		}
		if config.ContextName, err = stringValue(configMap, "name", false); err != nil {
			return err
		}
		if config.ContextProperties, err = stringMapValue(configMap, "properties"); err != nil {
			return err
		}
		config.Name = config.ContextName
		if config.Name == "" {
			config.Name = whiteboard.DefaultContextName
		}
	} else {
		kind, err := stringValue(configMap, "kind", true)
		if err != nil {
			return err
		}
		if config.Kind, err = whiteboard.ParseKind(kind); err != nil {
			return err
		}
		if config.Kind == whiteboard.KindApplication {
			return errors.New("applications must be declared in the application section of a unit")
		}

		if config.Name, err = stringValue(configMap, "name", false); err != nil {
			return err
		}
		if config.Patterns, err = stringListValue(configMap, "patterns"); err != nil {
			return err
		}
		if config.Alias, err = stringValue(configMap, "alias", false); err != nil {
			return err
		}
		if config.Selector, err = stringValue(configMap, "selector", false); err != nil {
			return err
		}

		contextName, err := stringValue(configMap, "context", false)
		if err != nil {
			return err
		}
		if contextName != "" {
			if config.Selector != "" {
				return errors.New("only one of context and selector may be given")
			}
			config.Selector = contextSelector(contextName)
		}
	}

	if config.Rank, err = intValue(configMap, "rank"); err != nil {
		return err
	}

	if config.Binding, err = stringValue(configMap, "binding", !application); err != nil {
		return err
	}

	if optionsInterface, ok := configMap["options"]; ok {
		if optionsMap, ok := optionsInterface.(map[interface{}]interface{}); ok {
			config.Options = optionsMap //leave to factories to interpret further
		} else {
			return errors.New("options if declared must be a map")
		}
	}

	return nil
}

// Validate checks the element's selector syntax and that its binding is registered.
func (config *ElementConfig) Validate(registry Registry) error {
	if _, err := whiteboard.ParseSelector(config.Selector); err != nil {
		return err
	}

	if config.Binding != "" && registry.Get(config.Binding) == nil {
		return fmt.Errorf("invalid binding %s", config.Binding)
	}

	return nil
}

// Build creates the WebElement, producing its payload with the registered factory.
func (config *ElementConfig) Build(owner string, registry Registry) (*whiteboard.WebElement, error) {
	element := &whiteboard.WebElement{
		Kind:              config.Kind,
		Name:              config.Name,
		Patterns:          config.Patterns,
		Alias:             config.Alias,
		Selector:          config.Selector,
		Rank:              config.Rank,
		Owner:             owner,
		ContextPath:       config.ContextPath,
		ContextName:       config.ContextName,
		ContextProperties: config.ContextProperties,
	}

	if config.Binding == "" {
		return element, nil
	}

	factory := registry.Get(config.Binding)
	if factory == nil {
		return nil, fmt.Errorf("binding [%s] has no associated factory registered", config.Binding)
	}

	payload, err := factory.New(config.Options)
	if err != nil {
		return nil, errors.Wrapf(err, "error building %s [%s] with binding %s", config.Kind, config.Name, config.Binding)
	}
	element.Payload = payload

	return element, nil
}

// UnitConfig is a deployment unit: an optional application and the elements installed with it, all owned by Owner.
type UnitConfig struct {
	Owner       string
	Application *ElementConfig
	Elements    []*ElementConfig
}

// Parse the configuration map for a UnitConfig.
func (config *UnitConfig) Parse(configMap map[interface{}]interface{}) error {
	var err error
	if config.Owner, err = stringValue(configMap, "owner", true); err != nil {
		return err
	}

	if applicationInterface, ok := configMap["application"]; ok {
		applicationMap, ok := applicationInterface.(map[interface{}]interface{})
		if !ok {
			return errors.New("application must be a map")
		}
		config.Application = &ElementConfig{}
		if err := config.Application.Parse(applicationMap, true); err != nil {
			return errors.Wrap(err, "error parsing application")
		}
	}

	return forEachMap(configMap, "elements", func(i int, elementMap map[interface{}]interface{}) error {
		element := &ElementConfig{}
		if err := element.Parse(elementMap, false); err != nil {
			return err
		}
		config.Elements = append(config.Elements, element)
		return nil
	})
}

// Validate this configuration object.
func (config *UnitConfig) Validate(registry Registry) error {
	if config.Owner == "" {
		return errors.New("owner must not be empty")
	}

	if config.Application == nil && len(config.Elements) == 0 {
		return errors.New("a unit must declare an application or at least one element")
	}

	if config.Application != nil {
		if err := config.Application.Validate(registry); err != nil {
			return errors.Wrap(err, "invalid application")
		}
	}

	for i, element := range config.Elements {
		if err := element.Validate(registry); err != nil {
			return errors.Wrapf(err, "invalid element at index [%d]", i)
		}
	}

	return nil
}

// Build creates the whiteboard.Unit described by this configuration.
func (config *UnitConfig) Build(registry Registry) (whiteboard.Unit, error) {
	unit := whiteboard.Unit{Owner: config.Owner}

	if config.Application != nil {
		application, err := config.Application.Build(config.Owner, registry)
		if err != nil {
			return unit, err
		}
		unit.Application = application
	}

	for _, elementConfig := range config.Elements {
		element, err := elementConfig.Build(config.Owner, registry)
		if err != nil {
			return unit, err
		}
		unit.Elements = append(unit.Elements, element)
	}

	return unit, nil
}
