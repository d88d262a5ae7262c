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
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"

	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/foundation/v2/debugz"
	transporttls "github.com/openziti/transport/v2/tls"
	"github.com/openziti/whiteboard/httpengine/middleware"
	"golang.org/x/sync/errgroup"
)

const (
	NewAddressHeader = "whiteboard-new-address"
)

// ServerContext is stored in every request context served by a Server. The demux uses the server name to honor the
// connectors property of a context.
type ServerContext struct {
	BindPoint    *BindPointConfig
	ServerConfig *ServerConfig
	Config       *InstanceConfig
}

type namedHttpServer struct {
	*http.Server
	BindPointConfig *BindPointConfig
	ServerConfig    *ServerConfig
	InstanceConfig  *InstanceConfig
}

func (s namedHttpServer) NewBaseContext(_ net.Listener) context.Context {
	serverContext := &ServerContext{
		BindPoint:    s.BindPointConfig,
		ServerConfig: s.ServerConfig,
		Config:       s.InstanceConfig,
	}

	ctx := context.Background()
	ctx = context.WithValue(ctx, ServerContextKey, serverContext)

	return ctx
}

// Server represents all the http.Server's necessary to expose the Engine for a single ServerConfig, one per bind point.
type Server struct {
	HttpServers    []*namedHttpServer
	logWriter      *io.PipeWriter
	OnHandlerPanic func(writer http.ResponseWriter, request *http.Request, panicVal interface{})
	ServerConfig   *ServerConfig
}

// NewServer creates a new Server from a ServerConfig. Every bind point routes to the Instance's Engine.
func NewServer(instance *Instance, serverConfig *ServerConfig) (*Server, error) {
	if instance.Engine == nil {
		return nil, fmt.Errorf("instance has no engine, call Build first")
	}

	logWriter := pfxlog.Logger().Writer()

	var tlsConfig *tls.Config
	if serverConfig.Identity != nil {
		tlsConfig = serverConfig.Identity.ServerTLSConfig()
		tlsConfig.ClientAuth = tls.RequestClientCert
		tlsConfig.MinVersion = uint16(serverConfig.Options.MinTLSVersion)
		tlsConfig.MaxVersion = uint16(serverConfig.Options.MaxTLSVersion)
	}

	server := &Server{
		logWriter:    logWriter,
		HttpServers:  []*namedHttpServer{},
		ServerConfig: serverConfig,
	}

	for _, bindPoint := range serverConfig.BindPoints {
		namedServer := &namedHttpServer{
			ServerConfig:    serverConfig,
			BindPointConfig: bindPoint,
			InstanceConfig:  instance.GetConfig(),
			Server: &http.Server{
				Addr:         bindPoint.InterfaceAddress,
				WriteTimeout: serverConfig.Options.WriteTimeout,
				ReadTimeout:  serverConfig.Options.ReadTimeout,
				IdleTimeout:  serverConfig.Options.IdleTimeout,
				Handler:      server.wrapHandler(bindPoint, tlsConfig != nil, instance.Engine),
				TLSConfig:    tlsConfig,
				ErrorLog:     log.New(logWriter, "", 0),
			},
		}

		namedServer.BaseContext = namedServer.NewBaseContext

		server.HttpServers = append(server.HttpServers, namedServer)
	}

	return server, nil
}

func (server *Server) wrapHandler(point *BindPointConfig, secure bool, handler http.Handler) http.Handler {
	//innermost/bottom -> outermost/top
	handler = server.wrapSetNewAddressHeader(point, secure, handler)
	handler = server.wrapPanicRecovery(handler)
	handler = middleware.NewCompressionHandler(handler)
	return handler
}

// wrapPanicRecovery wraps a http.Handler with another http.Handler that provides recovery.
func (server *Server) wrapPanicRecovery(handler http.Handler) http.Handler {
	wrappedHandler := http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		defer func() {
			if panicVal := recover(); panicVal != nil {
				if server.OnHandlerPanic != nil {
					server.OnHandlerPanic(writer, request, panicVal)
					return
				}
				pfxlog.Logger().Errorf("panic caught by server handler: %v\n%v", panicVal, debugz.GenerateLocalStack())
				writer.WriteHeader(http.StatusInternalServerError)
			}
		}()

		handler.ServeHTTP(writer, request)
	})

	return wrappedHandler
}

// wrapSetNewAddressHeader advertises the bind point's new address, when configured, on every response. Both the old
// and the new address must be valid while clients move over.
func (server *Server) wrapSetNewAddressHeader(point *BindPointConfig, secure bool, handler http.Handler) http.Handler {
	if point.NewAddress == "" {
		return handler
	}

	scheme := "http://"
	if secure {
		scheme = "https://"
	}
	address := scheme + point.NewAddress

	wrappedHandler := http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set(NewAddressHeader, address)
		handler.ServeHTTP(writer, request)
	})

	return wrappedHandler
}

// Start the server and all underlying http.Server's. Blocks until every http.Server stops.
func (server *Server) Start() error {
	logger := pfxlog.Logger()

	group := errgroup.Group{}

	for _, httpServer := range server.HttpServers {
		localServer := httpServer
		group.Go(func() error {
			listener, err := localServer.listen()
			if err != nil {
				return fmt.Errorf("error listening: %w", err)
			}

			logger.Infof("serving %s for server %s", localServer.Addr, localServer.ServerConfig.Name)

			if err = localServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("error serving: %w", err)
			}
			return nil
		})
	}

	return group.Wait()
}

func (s *namedHttpServer) listen() (net.Listener, error) {
	if s.TLSConfig == nil {
		return net.Listen("tcp", s.Addr)
	}

	cfg := s.TLSConfig
	// make sure to listen to the expected protocols
	cfg.NextProtos = append(cfg.NextProtos, "h2", "http/1.1", "")
	return transporttls.ListenTLS(s.Addr, s.ServerConfig.Name, cfg)
}

// Shutdown stops the server and all underlying http.Server's
func (server *Server) Shutdown(ctx context.Context) {
	_ = server.logWriter.Close()

	for _, httpServer := range server.HttpServers {
		if err := httpServer.Shutdown(ctx); err != nil {
			pfxlog.Logger().WithError(err).Warnf("error shutting down %s for server %s", httpServer.Addr, server.ServerConfig.Name)
		}
	}
}
