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
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/whiteboard"
	"github.com/pkg/errors"
)

const (
	DefaultIdentitySection   = "identity"
	DefaultConfigSection     = "web"
	DefaultWhiteboardSection = "whiteboard"
	DefaultContextsSection   = "contexts"
	DefaultUnitsSection      = "units"

	shutdownTimeout = time.Second * 15
)

// Instance ties the pieces of a running web whiteboard together: the Whiteboard that resolves elements, the Engine
// that serves them, the Deployer that installs configured units and the Server's that expose the Engine.
type Instance struct {
	DefaultHttpHandlerProviderImpl
	Config   *InstanceConfig
	Registry Registry

	Engine     *Engine
	Whiteboard *whiteboard.Whiteboard
	Deployer   *whiteboard.Deployer

	mu      sync.Mutex
	servers []*Server
	units   []*whiteboard.UnitHandle
}

// NewInstance creates an Instance that resolves handler bindings with registry.
func NewInstance(registry Registry) *Instance {
	return &Instance{
		Registry: registry,
		Config: &InstanceConfig{
			DefaultIdentitySection: DefaultIdentitySection,
			Section:                DefaultConfigSection,
		},
	}
}

// GetConfig returns the associated InstanceConfig
func (i *Instance) GetConfig() *InstanceConfig {
	return i.Config
}

// Enabled returns true once a configuration was loaded and validated
func (i *Instance) Enabled() bool {
	return i.Config.Enabled()
}

// LoadConfig parses and validates a configuration map
func (i *Instance) LoadConfig(cfgmap map[interface{}]interface{}) error {
	if err := i.Config.Parse(cfgmap); err != nil {
		return err
	}

	//validate sets enabled flag to true on success
	if err := i.Config.Validate(i.Registry); err != nil {
		return err
	}

	return nil
}

// Build assembles the Whiteboard, Engine, Deployer, static contexts and Server's from configuration and prepares to
// have Start() called.
func (i *Instance) Build() error {
	if !i.Config.Enabled() {
		return errors.New("configuration has not been loaded and validated")
	}

	i.Engine = NewEngine()
	i.Engine.SetParent(i)

	var err error
	if i.Whiteboard, err = whiteboard.NewWhiteboard(i.Config.WhiteboardOptions, i.Engine); err != nil {
		return errors.Wrap(err, "error creating whiteboard")
	}

	if i.Deployer, err = whiteboard.NewDeployer(i.Whiteboard); err != nil {
		return errors.Wrap(err, "error creating deployer")
	}

	for _, contextConfig := range i.Config.Contexts {
		info, err := i.Whiteboard.CreateContext(contextConfig.Name, contextConfig.Path, contextConfig.Owner, contextConfig.Properties)
		if err != nil {
			return errors.Wrapf(err, "error creating context [%s] at [%s]", contextConfig.Name, contextConfig.Path)
		}
		pfxlog.Logger().WithField("context", info.ID).Infof("created static context [%s] at [%s]", info.Name, info.Path)
	}

	for _, serverConfig := range i.Config.ServerConfigs {
		server, err := NewServer(i, serverConfig)
		if err != nil {
			return errors.Wrapf(err, "error building server %s", serverConfig.Name)
		}
		i.servers = append(i.servers, server)
	}

	return nil
}

// Start deploys the configured units and starts every Server built by Build().
func (i *Instance) Start() error {
	for _, unitConfig := range i.Config.Units {
		unit, err := unitConfig.Build(i.Registry)
		if err != nil {
			return errors.Wrapf(err, "error building unit for owner [%s]", unitConfig.Owner)
		}

		handle, err := i.Deployer.Deploy(unit)
		if err != nil {
			return errors.Wrapf(err, "error deploying unit for owner [%s]", unitConfig.Owner)
		}

		i.mu.Lock()
		i.units = append(i.units, handle)
		i.mu.Unlock()

		go func(handle *whiteboard.UnitHandle) {
			_ = i.awaitUnit(handle)
		}(handle)
	}

	for _, server := range i.servers {
		s := server //avoid closure scoping issues
		go func() {
			if err := s.Start(); err != nil {
				pfxlog.Logger().Errorf("error starting server %s: %v", s.ServerConfig.Name, err)
			}
		}()
	}

	return nil
}

// awaitUnit waits up to the whiteboard's awaitTimeout for every element of a unit to be deployed and logs the
// outcome. Elements still waiting for a context when the timeout expires stay registered.
func (i *Instance) awaitUnit(handle *whiteboard.UnitHandle) error {
	ctx, cancel := context.WithTimeout(context.Background(), i.Whiteboard.Options().AwaitTimeout)
	defer cancel()

	log := pfxlog.Logger().WithField("owner", handle.Owner())

	events, err := handle.Await(ctx)
	if err != nil {
		log.WithError(err).Warn("unit not fully deployed")
		return err
	}

	log.Infof("unit deployed with %d elements", len(events))
	return nil
}

// Run builds and starts the Instance
func (i *Instance) Run() error {
	if err := i.Build(); err != nil {
		return err
	}
	return i.Start()
}

// Units returns the handles of the units deployed by Start().
func (i *Instance) Units() []*whiteboard.UnitHandle {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*whiteboard.UnitHandle(nil), i.units...)
}

// Shutdown stops all running Server's, withdraws the deployed units and closes the Whiteboard.
func (i *Instance) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, server := range i.servers {
		localServer := server
		wg.Add(1)
		go func() {
			defer wg.Done()
			localServer.Shutdown(ctx)
		}()
	}
	wg.Wait()

	if i.Deployer != nil {
		for _, handle := range i.Units() {
			i.Deployer.Undeploy(handle.Owner())
		}
		i.Deployer.Shutdown()
	}

	if i.Whiteboard != nil {
		if err := i.Whiteboard.Close(); err != nil {
			pfxlog.Logger().WithError(err).Error("error closing whiteboard")
		}
	}
}

// DefaultHttpHandlerProvider is implemented by the components that can supply the handler used when no context
// matches a request. The lookup goes Engine > Instance.
type DefaultHttpHandlerProvider interface {
	GetDefaultHttpHandler() http.Handler
	SetDefaultHttpHandler(handler http.Handler)
	SetParent(parent DefaultHttpHandlerProvider)
}

type DefaultHttpHandlerProviderImpl struct {
	Parent      DefaultHttpHandlerProvider
	HttpHandler http.Handler
}

var _ DefaultHttpHandlerProvider = &DefaultHttpHandlerProviderImpl{}

func handler404(rw http.ResponseWriter, _ *http.Request) {
	rw.WriteHeader(http.StatusNotFound)
	_, _ = rw.Write([]byte{})
}

func (d *DefaultHttpHandlerProviderImpl) GetDefaultHttpHandler() http.Handler {
	if d.HttpHandler == nil && d.Parent != nil {
		if handler := d.Parent.GetDefaultHttpHandler(); handler != nil {
			return handler
		}
		return http.HandlerFunc(handler404)
	}

	return d.HttpHandler
}

func (d *DefaultHttpHandlerProviderImpl) SetDefaultHttpHandler(handler http.Handler) {
	d.HttpHandler = handler
}

func (d *DefaultHttpHandlerProviderImpl) SetParent(parent DefaultHttpHandlerProvider) {
	d.Parent = parent
}
