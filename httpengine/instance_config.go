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
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/identity"
	"github.com/openziti/whiteboard"
)

const (
	MinTLSVersion = tls.VersionTLS12
	MaxTLSVersion = tls.VersionTLS13

	DefaultHttpWriteTimeout = time.Second * 10
	DefaultHttpReadTimeout  = time.Second * 5
	DefaultHttpIdleTimeout  = time.Second * 5
)

// TlsVersionMap is a map of configuration strings to TLS version identifiers
var TlsVersionMap = map[string]int{
	"TLS1.0": tls.VersionTLS10,
	"TLS1.1": tls.VersionTLS11,
	"TLS1.2": tls.VersionTLS12,
	"TLS1.3": tls.VersionTLS13,
}

// ReverseTlsVersionMap is a map of TLS version identifiers to configuration strings
var ReverseTlsVersionMap = map[int]string{
	tls.VersionTLS10: "TLS1.0",
	tls.VersionTLS11: "TLS1.1",
	tls.VersionTLS12: "TLS1.2",
	tls.VersionTLS13: "TLS1.3",
}

// InstanceConfig is the root configuration of an Instance: the whiteboard options, the servers exposing the engine,
// the static contexts created at start up and the deployment units installed once the servers run.
type InstanceConfig struct {
	SourceConfig map[interface{}]interface{}

	ServerConfigs     []*ServerConfig
	Contexts          []*ContextConfig
	Units             []*UnitConfig
	WhiteboardOptions *whiteboard.Options
	Section           string

	DefaultIdentity        identity.Identity
	DefaultIdentitySection string

	//used for loading/validation logic, use DefaultIdentity.GetConfig() for runtime
	defaultIdentityConfig *identity.Config

	enabled bool
}

// Parse parses a configuration map. Only the web section's shape is mandatory; a configuration without servers can
// still be validated and dry run.
func (config *InstanceConfig) Parse(configMap map[interface{}]interface{}) error {
	config.SourceConfig = configMap

	if config.Section == "" {
		return errors.New("web section not specified for configuration")
	}

	//default identity config is the root identity, optional
	if config.DefaultIdentity == nil && config.DefaultIdentitySection != "" {
		if identityInterface, ok := configMap[config.DefaultIdentitySection]; ok {
			if identityMap, ok := identityInterface.(map[interface{}]interface{}); ok {
				if identityConfig, err := parseIdentityConfig(identityMap, config.DefaultIdentitySection); err == nil {
					config.defaultIdentityConfig = identityConfig
				} else {
					return fmt.Errorf("error parsing root identity section [%s] : %v", config.DefaultIdentitySection, err)
				}
			} else {
				return fmt.Errorf("root identity section [%s] must be a map", config.DefaultIdentitySection)
			}
		}
	} else if config.DefaultIdentity != nil {
		config.defaultIdentityConfig = config.DefaultIdentity.GetConfig()
	}

	config.WhiteboardOptions = whiteboard.DefaultOptions()
	if optionsInterface, ok := configMap[DefaultWhiteboardSection]; ok {
		if optionsMap, ok := optionsInterface.(map[interface{}]interface{}); ok {
			if err := config.WhiteboardOptions.Parse(optionsMap); err != nil {
				return fmt.Errorf("error parsing %s section: %v", DefaultWhiteboardSection, err)
			}
		} else {
			return fmt.Errorf("%s section must be a map", DefaultWhiteboardSection)
		}
	}

	if err := forEachMap(configMap, config.Section, func(i int, sectionMap map[interface{}]interface{}) error {
		serverConfig := &ServerConfig{
			DefaultIdentity: config.DefaultIdentity,
		}
		if err := serverConfig.Parse(sectionMap, config.Section); err != nil {
			return err
		}
		config.ServerConfigs = append(config.ServerConfigs, serverConfig)
		return nil
	}); err != nil {
		return err
	}

	if err := forEachMap(configMap, DefaultContextsSection, func(i int, contextMap map[interface{}]interface{}) error {
		contextConfig := &ContextConfig{}
		if err := contextConfig.Parse(contextMap); err != nil {
			return err
		}
		config.Contexts = append(config.Contexts, contextConfig)
		return nil
	}); err != nil {
		return err
	}

	return forEachMap(configMap, DefaultUnitsSection, func(i int, unitMap map[interface{}]interface{}) error {
		unitConfig := &UnitConfig{}
		if err := unitConfig.Parse(unitMap); err != nil {
			return err
		}
		config.Units = append(config.Units, unitConfig)
		return nil
	})
}

// forEachMap treats section like an array of maps. A missing section is not an error.
func forEachMap(configMap map[interface{}]interface{}, section string, f func(int, map[interface{}]interface{}) error) error {
	sectionVal, ok := configMap[section]
	if !ok {
		return nil
	}

	sectionArrayVals, ok := sectionVal.([]interface{})
	if !ok {
		return fmt.Errorf("%s section must be an array", section)
	}

	for i, sectionArrayVal := range sectionArrayVals {
		sectionMap, ok := sectionArrayVal.(map[interface{}]interface{})
		if !ok {
			return fmt.Errorf("error parsing %s configuration at index [%d]: not a map", section, i)
		}
		if err := f(i, sectionMap); err != nil {
			return fmt.Errorf("error parsing %s configuration at index [%d]: %v", section, i, err)
		}
	}

	return nil
}

// Validate loads the default identity, if one is configured, and validates every section. Unit handler bindings are
// checked against registry.
func (config *InstanceConfig) Validate(registry Registry) error {
	if config.DefaultIdentity == nil && config.defaultIdentityConfig != nil {
		//validate default identity by loading
		if defaultIdentity, err := identity.LoadIdentity(*config.defaultIdentityConfig); err == nil {
			config.DefaultIdentity = defaultIdentity

			if err := config.DefaultIdentity.WatchFiles(); err != nil {
				pfxlog.Logger().Warnf("could not enable file watching on default identity: %v", err)
			}
		} else {
			return fmt.Errorf("could not load default identity: %v", err)
		}

		//add default loaded identity to each web
		for _, serverConfig := range config.ServerConfigs {
			serverConfig.DefaultIdentity = config.DefaultIdentity
		}
	}

	if config.WhiteboardOptions == nil {
		config.WhiteboardOptions = whiteboard.DefaultOptions()
	}
	if err := config.WhiteboardOptions.Validate(); err != nil {
		return fmt.Errorf("invalid %s section: %v", DefaultWhiteboardSection, err)
	}

	var errs []error
	names := map[string]struct{}{}
	for i, serverConfig := range config.ServerConfigs {
		//validate attributes
		if err := serverConfig.Validate(); err != nil {
			return fmt.Errorf("could not validate server at %s[%d]: %v", config.Section, i, err)
		}

		if _, ok := names[serverConfig.Name]; ok {
			return fmt.Errorf("could not validate server at %s[%d]: duplicate name [%s]", config.Section, i, serverConfig.Name)
		}
		names[serverConfig.Name] = struct{}{}

		if serverConfig.Identity == nil {
			continue
		}
		for _, bp := range serverConfig.BindPoints {
			if ve := serverConfig.Identity.ValidFor(bp.Host()); ve != nil {
				errs = append(errs, ve)
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	for i, contextConfig := range config.Contexts {
		if err := contextConfig.Validate(); err != nil {
			return fmt.Errorf("invalid context at %s[%d]: %v", DefaultContextsSection, i, err)
		}
	}

	owners := map[string]struct{}{}
	for i, unitConfig := range config.Units {
		if err := unitConfig.Validate(registry); err != nil {
			return fmt.Errorf("invalid unit at %s[%d]: %v", DefaultUnitsSection, i, err)
		}
		if _, ok := owners[unitConfig.Owner]; ok {
			return fmt.Errorf("invalid unit at %s[%d]: duplicate owner [%s]", DefaultUnitsSection, i, unitConfig.Owner)
		}
		owners[unitConfig.Owner] = struct{}{}
	}

	//enabled only after validation passes
	config.enabled = true

	return nil
}

// Enabled returns true/false on whether this configuration should be considered "enabled". Set to true after
// Validate passes.
func (config *InstanceConfig) Enabled() bool {
	return config.enabled
}

// Options is the shared options for a ServerConfig.
type Options struct {
	TimeoutOptions
	TlsVersionOptions
}

// Default provides defaults for all necessary values
func (options *Options) Default() {
	options.TimeoutOptions.Default()
	options.TlsVersionOptions.Default()
}

// Parse parses a configuration map
func (options *Options) Parse(optionsMap map[interface{}]interface{}) error {
	if err := options.TimeoutOptions.Parse(optionsMap); err != nil {
		return fmt.Errorf("error parsing options: %v", err)
	}

	if err := options.TlsVersionOptions.Parse(optionsMap); err != nil {
		return fmt.Errorf("error parsing options: %v", err)
	}

	return nil
}

// TimeoutOptions represents http timeout options
type TimeoutOptions struct {
	ReadTimeout  time.Duration
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
}

// Default defaults all HTTP timeout options
func (timeoutOptions *TimeoutOptions) Default() {
	timeoutOptions.WriteTimeout = DefaultHttpWriteTimeout
	timeoutOptions.ReadTimeout = DefaultHttpReadTimeout
	timeoutOptions.IdleTimeout = DefaultHttpIdleTimeout
}

// Parse parses a config map
func (timeoutOptions *TimeoutOptions) Parse(config map[interface{}]interface{}) error {
	durations := []struct {
		key    string
		target *time.Duration
	}{
		{"readTimeout", &timeoutOptions.ReadTimeout},
		{"idleTimeout", &timeoutOptions.IdleTimeout},
		{"writeTimeout", &timeoutOptions.WriteTimeout},
	}

	for _, duration := range durations {
		interfaceVal, ok := config[duration.key]
		if !ok {
			continue
		}

		durationStr, ok := interfaceVal.(string)
		if !ok {
			return fmt.Errorf("could not use value for %s, not a string", duration.key)
		}

		value, err := time.ParseDuration(durationStr)
		if err != nil {
			return fmt.Errorf("could not parse %s %s as a duration (e.g. 1m): %v", duration.key, durationStr, err)
		}
		*duration.target = value
	}

	return nil
}

// Validate validates all settings and return nil or an error
func (timeoutOptions *TimeoutOptions) Validate() error {
	if timeoutOptions.WriteTimeout <= 0 {
		return fmt.Errorf("value [%s] for writeTimeout too low, must be positive", timeoutOptions.WriteTimeout.String())
	}

	if timeoutOptions.ReadTimeout <= 0 {
		return fmt.Errorf("value [%s] for readTimeout too low, must be positive", timeoutOptions.ReadTimeout.String())
	}

	if timeoutOptions.IdleTimeout <= 0 {
		return fmt.Errorf("value [%s] for idleTimeout too low, must be positive", timeoutOptions.IdleTimeout.String())
	}

	return nil
}

// TlsVersionOptions represents TLS version options
type TlsVersionOptions struct {
	MinTLSVersion    int
	minTLSVersionStr string

	MaxTLSVersion    int
	maxTLSVersionStr string
}

// Default defaults TLS versions
func (tlsVersionOptions *TlsVersionOptions) Default() {
	tlsVersionOptions.MinTLSVersion = MinTLSVersion
	tlsVersionOptions.minTLSVersionStr = ReverseTlsVersionMap[MinTLSVersion]
	tlsVersionOptions.MaxTLSVersion = MaxTLSVersion
	tlsVersionOptions.maxTLSVersionStr = ReverseTlsVersionMap[MaxTLSVersion]
}

// Parse parses a config map
func (tlsVersionOptions *TlsVersionOptions) Parse(config map[interface{}]interface{}) error {
	if interfaceVal, ok := config["minTLSVersion"]; ok {
		var ok bool
		if tlsVersionOptions.minTLSVersionStr, ok = interfaceVal.(string); ok {
			if minTLSVersion, ok := TlsVersionMap[tlsVersionOptions.minTLSVersionStr]; ok {
				tlsVersionOptions.MinTLSVersion = minTLSVersion
			} else {
				return fmt.Errorf("could not use value for minTLSVersion, invalid value [%s]", tlsVersionOptions.minTLSVersionStr)
			}
		} else {
			return errors.New("could not use value for minTLSVersion, not an string")
		}
	}

	if interfaceVal, ok := config["maxTLSVersion"]; ok {
		var ok bool
		if tlsVersionOptions.maxTLSVersionStr, ok = interfaceVal.(string); ok {
			if maxTLSVersion, ok := TlsVersionMap[tlsVersionOptions.maxTLSVersionStr]; ok {
				tlsVersionOptions.MaxTLSVersion = maxTLSVersion
			} else {
				return fmt.Errorf("could not use value for maxTLSVersion, invalid value [%s]", tlsVersionOptions.maxTLSVersionStr)
			}
		} else {
			return errors.New("could not use value for maxTLSVersion, not an string")
		}
	}

	return nil
}

// Validate validates the configuration values and returns nil or error
func (tlsVersionOptions *TlsVersionOptions) Validate() error {
	if tlsVersionOptions.MinTLSVersion > tlsVersionOptions.MaxTLSVersion {
		return fmt.Errorf("minTLSVersion [%s] must be less than or equal to maxTLSVersion [%s]", tlsVersionOptions.minTLSVersionStr, tlsVersionOptions.maxTLSVersionStr)
	}

	return nil
}

func parseIdentityConfig(identityMap map[interface{}]interface{}, pathContext string) (*identity.Config, error) {
	idConfig, err := identity.NewConfigFromMap(identityMap)
	if err != nil {
		return nil, fmt.Errorf("error parsing identity: %v", err)
	}

	if err = idConfig.ValidateWithPathContext(pathContext); err != nil {
		return nil, fmt.Errorf("error parsing identity: %v", err)
	}

	return idConfig, nil
}
