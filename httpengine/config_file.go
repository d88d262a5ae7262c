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
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadConfigFile reads a YAML configuration file into the map form InstanceConfig.Parse expects.
func LoadConfigFile(path string) (map[interface{}]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read config file [%s]", path)
	}

	configMap, err := ParseConfig(data)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse config file [%s]", path)
	}
	return configMap, nil
}

// ParseConfig decodes YAML into nested map[interface{}]interface{} values.
func ParseConfig(data []byte) (map[interface{}]interface{}, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	if raw == nil {
		return map[interface{}]interface{}{}, nil
	}

	configMap, ok := normalize(raw).(map[interface{}]interface{})
	if !ok {
		return nil, fmt.Errorf("configuration root must be a map, got %T", raw)
	}
	return configMap, nil
}

// normalize converts the map[string]interface{} values yaml.v3 produces into map[interface{}]interface{}.
func normalize(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		result := make(map[interface{}]interface{}, len(typed))
		for k, v := range typed {
			result[k] = normalize(v)
		}
		return result
	case map[interface{}]interface{}:
		result := make(map[interface{}]interface{}, len(typed))
		for k, v := range typed {
			result[k] = normalize(v)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(typed))
		for i, v := range typed {
			result[i] = normalize(v)
		}
		return result
	}
	return value
}
