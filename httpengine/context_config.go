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
	"strings"

	"github.com/openziti/whiteboard"
	"github.com/pkg/errors"
)

// ContextConfig is a context created when the Instance is built, before any unit is deployed. Elements reach it
// through selectors on its name or properties.
type ContextConfig struct {
	Name       string
	Path       string
	Owner      string
	Properties map[string]string
}

// Parse the configuration map for a ContextConfig.
func (config *ContextConfig) Parse(configMap map[interface{}]interface{}) error {
	var err error

	if config.Name, err = stringValue(configMap, "name", true); err != nil {
		return err
	}

	if config.Path, err = stringValue(configMap, "path", true); err != nil {
		return err
	}

	if config.Owner, err = stringValue(configMap, "owner", false); err != nil {
		return err
	}

	if config.Properties, err = stringMapValue(configMap, "properties"); err != nil {
		return err
	}

	return nil
}

// Validate this configuration object.
func (config *ContextConfig) Validate() error {
	if config.Name == "" {
		return errors.New("name must not be empty")
	}

	if config.Path == "" || config.Path[0] != '/' {
		return errors.Errorf("path [%s] must be absolute", config.Path)
	}

	return nil
}

func stringValue(configMap map[interface{}]interface{}, key string, required bool) (string, error) {
	interfaceVal, ok := configMap[key]
	if !ok {
		if required {
			return "", fmt.Errorf("%s is required", key)
		}
		return "", nil
	}

	value, ok := interfaceVal.(string)
	if !ok {
		return "", fmt.Errorf("%s is required to be a string", key)
	}
	return value, nil
}

func intValue(configMap map[interface{}]interface{}, key string) (int, error) {
	interfaceVal, ok := configMap[key]
	if !ok {
		return 0, nil
	}

	value, ok := interfaceVal.(int)
	if !ok {
		return 0, fmt.Errorf("%s is required to be an integer", key)
	}
	return value, nil
}

// stringListValue accepts a single string or an array of strings.
func stringListValue(configMap map[interface{}]interface{}, key string) ([]string, error) {
	interfaceVal, ok := configMap[key]
	if !ok {
		return nil, nil
	}

	switch value := interfaceVal.(type) {
	case string:
		return []string{value}, nil
	case []interface{}:
		var result []string
		for i, entry := range value {
			str, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entry at index [%d] is not a string", key, i)
			}
			result = append(result, str)
		}
		return result, nil
	}

	return nil, fmt.Errorf("%s must be a string or an array of strings", key)
}

// stringMapValue reads a map of scalars, the values are formatted as strings.
func stringMapValue(configMap map[interface{}]interface{}, key string) (map[string]string, error) {
	interfaceVal, ok := configMap[key]
	if !ok {
		return nil, nil
	}

	mapVal, ok := interfaceVal.(map[interface{}]interface{})
	if !ok {
		return nil, fmt.Errorf("%s must be a map", key)
	}

	result := map[string]string{}
	for k, v := range mapVal {
		switch value := v.(type) {
		case []interface{}:
			var entries []string
			for _, entry := range value {
				entries = append(entries, fmt.Sprint(entry))
			}
			result[fmt.Sprint(k)] = strings.Join(entries, ",")
		default:
			result[fmt.Sprint(k)] = fmt.Sprint(value)
		}
	}
	return result, nil
}

// contextSelector builds a selector matching a context by name.
func contextSelector(name string) string {
	return fmt.Sprintf("(%s=%s)", whiteboard.ContextNameProperty, name)
}
