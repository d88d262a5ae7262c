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
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/openziti/whiteboard"
	"github.com/stretchr/testify/require"
)

const testConfig = `
whiteboard:
  applicationPolicy: rank
  awaitTimeout: 5s

web:
  - name: public
    bindPoints:
      - interface: 127.0.0.1:18080
        address: localhost:18080
        newAddress: www.example.com:443
    options:
      readTimeout: 2s

contexts:
  - name: shop
    path: /shop
    owner: admin
    properties:
      virtual.hosts: [example.com]

units:
  - owner: app-a
    application:
      path: /app
      binding: text
      options:
        body: A
    elements:
      - kind: servlet
        name: hello
        patterns: /hello
        binding: text
        options:
          body: hello from A
      - kind: filter
        name: headers
        patterns: ["/*"]
        binding: headers
        options:
          headers:
            X-Unit: a
  - owner: shop-items
    elements:
      - kind: servlet
        name: items
        patterns: ["/items/*"]
        context: shop
        binding: text
        options:
          body: items
`

func newTestInstance(t *testing.T, config string) *Instance {
	req := require.New(t)

	configMap, err := ParseConfig([]byte(config))
	req.NoError(err)

	instance := NewInstance(NewDefaultRegistry())
	req.NoError(instance.LoadConfig(configMap))
	req.True(instance.Enabled())
	req.NoError(instance.Build())
	t.Cleanup(instance.Shutdown)

	return instance
}

func Test_InstanceConfig(t *testing.T) {
	t.Run("a full configuration parses", func(t *testing.T) {
		req := require.New(t)

		configMap, err := ParseConfig([]byte(testConfig))
		req.NoError(err)

		config := NewInstance(NewDefaultRegistry()).GetConfig()
		req.NoError(config.Parse(configMap))
		req.NoError(config.Validate(NewDefaultRegistry()))

		req.Equal(whiteboard.PolicyRankPreemption, config.WhiteboardOptions.ApplicationPolicy)
		req.Equal(5*time.Second, config.WhiteboardOptions.AwaitTimeout)

		req.Len(config.ServerConfigs, 1)
		req.Equal("public", config.ServerConfigs[0].Name)
		req.Equal(2*time.Second, config.ServerConfigs[0].Options.ReadTimeout)
		req.Equal(DefaultHttpWriteTimeout, config.ServerConfigs[0].Options.WriteTimeout)
		req.Nil(config.ServerConfigs[0].Identity)

		req.Len(config.Contexts, 1)
		req.Equal("example.com", config.Contexts[0].Properties[whiteboard.VirtualHostsProperty])

		req.Len(config.Units, 2)
		req.Equal(whiteboard.KindApplication, config.Units[0].Application.Kind)
		req.Equal([]string{"/hello"}, config.Units[0].Elements[0].Patterns)
		req.Equal(contextSelector("shop"), config.Units[1].Elements[0].Selector)
	})

	invalid := map[string]string{
		"server without name": `
web:
  - bindPoints:
      - interface: 127.0.0.1:8080
        address: localhost:8080
`,
		"bind point with a bad port": `
web:
  - name: public
    bindPoints:
      - interface: 127.0.0.1:99999
        address: localhost:8080
`,
		"unknown binding": `
units:
  - owner: a
    elements:
      - kind: servlet
        patterns: /x
        binding: nothing
`,
		"unknown kind": `
units:
  - owner: a
    elements:
      - kind: gadget
        binding: text
`,
		"context and selector": `
units:
  - owner: a
    elements:
      - kind: servlet
        patterns: /x
        context: shop
        selector: (a=b)
        binding: text
`,
		"malformed selector": `
units:
  - owner: a
    elements:
      - kind: servlet
        patterns: /x
        selector: (a=b
        binding: text
`,
		"duplicate unit owner": `
units:
  - owner: a
    elements:
      - {kind: servlet, patterns: /x, binding: text}
  - owner: a
    elements:
      - {kind: servlet, patterns: /y, binding: text}
`,
		"unknown application policy": `
whiteboard:
  applicationPolicy: loudest
`,
		"relative context path": `
contexts:
  - name: shop
    path: shop
`,
	}

	for name, config := range invalid {
		config := config
		t.Run(name+" is rejected", func(t *testing.T) {
			req := require.New(t)

			configMap, err := ParseConfig([]byte(config))
			req.NoError(err)

			instance := NewInstance(NewDefaultRegistry())
			req.Error(instance.LoadConfig(configMap))
			req.False(instance.Enabled())
		})
	}

	t.Run("build requires a validated configuration", func(t *testing.T) {
		req := require.New(t)
		req.Error(NewInstance(NewDefaultRegistry()).Build())
	})
}

func Test_InstanceServesUnits(t *testing.T) {
	req := require.New(t)

	instance := newTestInstance(t, testConfig)
	req.NoError(instance.Start())

	units := instance.Units()
	req.Len(units, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, unit := range units {
		events, err := unit.Await(ctx)
		req.NoError(err)
		for _, event := range events {
			req.Equal(whiteboard.EventDeployed, event.Type)
		}
	}

	server := httptest.NewServer(instance.Engine)
	defer server.Close()

	response, err := http.Get(server.URL + "/app/hello")
	req.NoError(err)
	req.Equal("a", response.Header.Get("X-Unit"))
	req.Equal("hello from A", readAll(t, response))

	response, err = http.Get(server.URL + "/app/anything")
	req.NoError(err)
	req.Equal("A", readAll(t, response))

	request, err := http.NewRequest(http.MethodGet, server.URL+"/shop/items/1", nil)
	req.NoError(err)
	request.Host = "example.com"
	response, err = http.DefaultClient.Do(request)
	req.NoError(err)
	req.Equal("items", readAll(t, response))

	response, err = http.Get(server.URL + "/shop/items/1")
	req.NoError(err)
	req.Equal(http.StatusNotFound, response.StatusCode)
	_ = readAll(t, response)

	req.Equal(3, instance.Deployer.Undeploy("app-a"))

	response, err = http.Get(server.URL + "/app/hello")
	req.NoError(err)
	req.Equal(http.StatusNotFound, response.StatusCode)
	_ = readAll(t, response)
}

const orphanUnit = `
  - owner: orphan
    elements:
      - kind: servlet
        name: orphan
        patterns: ["/orphan"]
        context: nowhere
        binding: text
`

func Test_InstanceAwaitsUnits(t *testing.T) {
	req := require.New(t)

	config := strings.Replace(testConfig, "awaitTimeout: 5s", "awaitTimeout: 50ms", 1) + orphanUnit
	instance := newTestInstance(t, config)
	req.Equal(50*time.Millisecond, instance.Whiteboard.Options().AwaitTimeout)
	req.NoError(instance.Start())

	units := map[string]*whiteboard.UnitHandle{}
	for _, unit := range instance.Units() {
		units[unit.Owner()] = unit
	}
	req.Len(units, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := units["app-a"].Await(ctx)
	req.NoError(err)

	req.NoError(instance.awaitUnit(units["app-a"]))
	req.ErrorIs(instance.awaitUnit(units["orphan"]), whiteboard.ErrAwaitTimeout)
}

func Test_ServerHandler(t *testing.T) {
	instance := newTestInstance(t, testConfig)
	req := require.New(t)

	req.Len(instance.servers, 1)
	req.Len(instance.servers[0].HttpServers, 1)
	handler := instance.servers[0].HttpServers[0].Handler

	_, err := instance.Whiteboard.Register(&whiteboard.WebElement{
		Kind:     whiteboard.KindServlet,
		Name:     "greeting",
		Patterns: []string{"/greeting"},
		Owner:    "test",
		Payload: http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
			writer.Header().Set("Content-Type", "text/plain")
			_, _ = writer.Write([]byte("hello, compressed world"))
		}),
	})
	req.NoError(err)

	_, err = instance.Whiteboard.Register(&whiteboard.WebElement{
		Kind:     whiteboard.KindServlet,
		Name:     "panic",
		Patterns: []string{"/panic"},
		Owner:    "test",
		Payload: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}),
	})
	req.NoError(err)

	t.Run("responses carry the new address and are compressed", func(t *testing.T) {
		req := require.New(t)

		request := httptest.NewRequest(http.MethodGet, "/greeting", nil)
		request.Header.Set("Accept-Encoding", "br")
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)

		req.Equal(http.StatusOK, recorder.Code)
		req.Equal("http://www.example.com:443", recorder.Header().Get(NewAddressHeader))
		req.Equal("br", recorder.Header().Get("Content-Encoding"))

		body, err := io.ReadAll(brotli.NewReader(recorder.Body))
		req.NoError(err)
		req.Equal("hello, compressed world", string(body))
	})

	t.Run("handler panics become a 500", func(t *testing.T) {
		req := require.New(t)

		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/panic", nil))
		req.Equal(http.StatusInternalServerError, recorder.Code)
	})
}
