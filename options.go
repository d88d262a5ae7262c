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
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultEventBufferSize    = 1024
	DefaultInstallerPoolSize  = 3
	DefaultInstallerQueueSize = 64
	DefaultAwaitTimeout       = time.Second * 30

	PolicyFirstDeployingWins = "first"
	PolicyRankPreemption     = "rank"
)

// Options is the configuration of a Whiteboard and its Deployer. It follows the same Default/Parse/Validate life
// cycle as the web server options.
type Options struct {
	EventBufferSize        int
	InstallerPoolSize      int
	InstallerQueueSize     int
	ImplicitDefaultContext bool
	ApplicationPolicy      string
	AwaitTimeout           time.Duration
}

// DefaultOptions returns Options with every value defaulted.
func DefaultOptions() *Options {
	options := &Options{}
	options.Default()
	return options
}

// Default provides defaults for all values
func (options *Options) Default() {
	options.EventBufferSize = DefaultEventBufferSize
	options.InstallerPoolSize = DefaultInstallerPoolSize
	options.InstallerQueueSize = DefaultInstallerQueueSize
	options.ImplicitDefaultContext = true
	options.ApplicationPolicy = PolicyFirstDeployingWins
	options.AwaitTimeout = DefaultAwaitTimeout
}

// Parse parses a configuration map, usually the "whiteboard" section of a configuration file. Absent keys keep
// their current value.
func (options *Options) Parse(config map[interface{}]interface{}) error {
	intValues := map[string]*int{
		"eventBufferSize":    &options.EventBufferSize,
		"installerPoolSize":  &options.InstallerPoolSize,
		"installerQueueSize": &options.InstallerQueueSize,
	}

	for key, target := range intValues {
		if interfaceVal, ok := config[key]; ok {
			if value, ok := interfaceVal.(int); ok {
				*target = value
			} else {
				return fmt.Errorf("could not use value for %s, not an integer", key)
			}
		}
	}

	if interfaceVal, ok := config["implicitDefaultContext"]; ok {
		if value, ok := interfaceVal.(bool); ok {
			options.ImplicitDefaultContext = value
		} else {
			return errors.New("could not use value for implicitDefaultContext, not a boolean")
		}
	}

	if interfaceVal, ok := config["applicationPolicy"]; ok {
		if value, ok := interfaceVal.(string); ok {
			options.ApplicationPolicy = value
		} else {
			return errors.New("could not use value for applicationPolicy, not a string")
		}
	}

	if interfaceVal, ok := config["awaitTimeout"]; ok {
		if awaitTimeoutStr, ok := interfaceVal.(string); ok {
			if awaitTimeout, err := time.ParseDuration(awaitTimeoutStr); err == nil {
				options.AwaitTimeout = awaitTimeout
			} else {
				return fmt.Errorf("could not parse awaitTimeout %s as a duration (e.g. 1m): %v", awaitTimeoutStr, err)
			}
		} else {
			return errors.New("could not use value for awaitTimeout, not a string")
		}
	}

	return nil
}

// Validate validates all settings and return nil or an error
func (options *Options) Validate() error {
	if options.EventBufferSize <= 0 {
		return fmt.Errorf("value [%d] for eventBufferSize too low, must be positive", options.EventBufferSize)
	}

	if options.InstallerPoolSize <= 0 {
		return fmt.Errorf("value [%d] for installerPoolSize too low, must be positive", options.InstallerPoolSize)
	}

	if options.InstallerQueueSize <= 0 {
		return fmt.Errorf("value [%d] for installerQueueSize too low, must be positive", options.InstallerQueueSize)
	}

	if options.AwaitTimeout <= 0 {
		return fmt.Errorf("value [%s] for awaitTimeout too low, must be positive", options.AwaitTimeout.String())
	}

	if _, err := PolicyByName(options.ApplicationPolicy); err != nil {
		return err
	}

	return nil
}
