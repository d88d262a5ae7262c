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
	"sync"
	"testing"

	"github.com/openziti/whiteboard"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*whiteboard.Whiteboard, *Engine) {
	engine := NewEngine()
	w, err := whiteboard.NewWhiteboard(nil, engine)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = w.Close()
	})
	return w, engine
}

func text(body string) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		_, _ = writer.Write([]byte(body))
	})
}

func get(handler http.Handler, host, path string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodGet, path, nil)
	if host != "" {
		request.Host = host
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func register(t *testing.T, w *whiteboard.Whiteboard, element whiteboard.WebElement) *whiteboard.Pending {
	pending, err := w.Register(&element)
	require.NoError(t, err)
	return pending
}

func Test_ContextDemux(t *testing.T) {
	t.Run("the longest context path wins and the path is made relative", func(t *testing.T) {
		w, engine := newTestEngine(t)
		req := require.New(t)

		_, err := w.CreateContext("shop", "/shop", "admin", nil)
		req.NoError(err)

		var seenPath string
		register(t, w, whiteboard.WebElement{
			Kind:     whiteboard.KindServlet,
			Name:     "cart",
			Patterns: []string{"/cart/*"},
			Selector: contextSelector("shop"),
			Owner:    "shop-owner",
			Payload: http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
				seenPath = request.URL.Path
				req.Equal("shop", ServletContextFromRequestContext(request.Context()).Name())
				_, _ = writer.Write([]byte("cart"))
			}),
		})
		register(t, w, whiteboard.WebElement{
			Kind:     whiteboard.KindServlet,
			Name:     "root",
			Patterns: []string{"/*"},
			Owner:    "root-owner",
			Payload:  text("root"),
		})

		response := get(engine, "", "/shop/cart/items")
		req.Equal(http.StatusOK, response.Code)
		req.Equal("cart", response.Body.String())
		req.Equal("/cart/items", seenPath)

		response = get(engine, "", "/other")
		req.Equal("root", response.Body.String())
	})

	t.Run("virtual hosts restrict a context", func(t *testing.T) {
		w, engine := newTestEngine(t)
		req := require.New(t)

		_, err := w.CreateContext("vhost", "/", "admin", map[string]string{
			whiteboard.VirtualHostsProperty: "example.com",
		})
		req.NoError(err)

		register(t, w, whiteboard.WebElement{
			Kind:     whiteboard.KindServlet,
			Name:     "hello",
			Patterns: []string{"/hello"},
			Selector: contextSelector("vhost"),
			Owner:    "owner",
			Payload:  text("hello"),
		})

		req.Equal("hello", get(engine, "example.com:8080", "/hello").Body.String())
		req.Equal(http.StatusNotFound, get(engine, "other.com", "/hello").Code)
	})

	t.Run("connectors restrict a context to named servers", func(t *testing.T) {
		w, engine := newTestEngine(t)
		req := require.New(t)

		_, err := w.CreateContext("admin", "/admin", "admin", map[string]string{
			whiteboard.ConnectorsProperty: "internal",
		})
		req.NoError(err)

		register(t, w, whiteboard.WebElement{
			Kind:     whiteboard.KindServlet,
			Name:     "status",
			Patterns: []string{"/status"},
			Selector: contextSelector("admin"),
			Owner:    "owner",
			Payload:  text("ok"),
		})

		serve := func(serverName string) *httptest.ResponseRecorder {
			request := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
			request = request.WithContext(context.WithValue(request.Context(), ServerContextKey, &ServerContext{
				ServerConfig: &ServerConfig{Name: serverName},
			}))
			recorder := httptest.NewRecorder()
			engine.ServeHTTP(recorder, request)
			return recorder
		}

		req.Equal("ok", serve("internal").Body.String())
		req.Equal(http.StatusNotFound, serve("public").Code)
	})

	t.Run("unmatched requests use the default handler", func(t *testing.T) {
		_, engine := newTestEngine(t)
		req := require.New(t)

		req.Equal(http.StatusNotFound, get(engine, "", "/nothing").Code)

		engine.SetDefaultHttpHandler(text("fallback"))
		req.Equal("fallback", get(engine, "", "/nothing").Body.String())
	})

	t.Run("the default handler is inherited from the parent", func(t *testing.T) {
		_, engine := newTestEngine(t)
		req := require.New(t)

		parent := &DefaultHttpHandlerProviderImpl{}
		parent.SetDefaultHttpHandler(text("parent"))
		engine.SetParent(parent)

		req.Equal("parent", get(engine, "", "/nothing").Body.String())
	})
}

func Test_ServletContext(t *testing.T) {
	t.Run("error pages replace responses with matching status", func(t *testing.T) {
		w, engine := newTestEngine(t)
		req := require.New(t)

		register(t, w, whiteboard.WebElement{
			Kind:     whiteboard.KindServlet,
			Name:     "missing",
			Patterns: []string{"/missing"},
			Owner:    "owner",
			Payload: http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(http.StatusNotFound)
				_, _ = writer.Write([]byte("raw"))
			}),
		})
		register(t, w, whiteboard.WebElement{
			Kind:     whiteboard.KindServlet,
			Name:     "broken",
			Patterns: []string{"/broken"},
			Owner:    "owner",
			Payload: http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(http.StatusBadGateway)
			}),
		})
		register(t, w, whiteboard.WebElement{
			Kind:     whiteboard.KindErrorPage,
			Name:     "not-found",
			Patterns: []string{"404"},
			Owner:    "owner",
			Payload:  text("custom 404"),
		})
		register(t, w, whiteboard.WebElement{
			Kind:     whiteboard.KindErrorPage,
			Name:     "server-errors",
			Patterns: []string{"5xx"},
			Owner:    "owner",
			Payload:  text("custom 5xx"),
		})

		response := get(engine, "", "/missing")
		req.Equal(http.StatusNotFound, response.Code)
		req.Equal("custom 404", response.Body.String())

		response = get(engine, "", "/broken")
		req.Equal(http.StatusBadGateway, response.Code)
		req.Equal("custom 5xx", response.Body.String())
	})

	t.Run("an unsupported error code is refused by the engine", func(t *testing.T) {
		w, _ := newTestEngine(t)
		req := require.New(t)

		pending := register(t, w, whiteboard.WebElement{
			Kind:     whiteboard.KindErrorPage,
			Name:     "bogus",
			Patterns: []string{"teapot"},
			Owner:    "owner",
			Payload:  text("nope"),
		})

		event, err := pending.AwaitTimeout(whiteboard.DefaultAwaitTimeout)
		req.Error(err)
		req.True(whiteboard.IsMountError(err))
		req.Equal(whiteboard.EventFailed, event.Type)
	})

	t.Run("filters run in the resolved order", func(t *testing.T) {
		w, engine := newTestEngine(t)
		req := require.New(t)

		header := func(name string) Filter {
			return func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
					writer.Header().Add("X-Order", name)
					next.ServeHTTP(writer, request)
				})
			}
		}

		register(t, w, whiteboard.WebElement{
			Kind:     whiteboard.KindServlet,
			Name:     "target",
			Patterns: []string{"/*"},
			Owner:    "owner",
			Payload:  text("target"),
		})
		register(t, w, whiteboard.WebElement{Kind: whiteboard.KindFilter, Name: "low", Patterns: []string{"/*"}, Rank: 1, Owner: "owner", Payload: header("low")})
		register(t, w, whiteboard.WebElement{Kind: whiteboard.KindFilter, Name: "high", Patterns: []string{"/*"}, Rank: 10, Owner: "owner", Payload: header("high")})
		register(t, w, whiteboard.WebElement{Kind: whiteboard.KindFilter, Name: "other", Patterns: []string{"/other/*"}, Rank: 20, Owner: "owner", Payload: header("other")})

		response := get(engine, "", "/page")
		req.Equal("target", response.Body.String())
		req.Equal([]string{"high", "low"}, response.Header().Values("X-Order"))
	})

	t.Run("listeners are told when they leave a removed context", func(t *testing.T) {
		w, engine := newTestEngine(t)
		req := require.New(t)

		listener := &recordingListener{}
		info, err := w.CreateContext("events", "/events", "admin", nil)
		req.NoError(err)

		register(t, w, whiteboard.WebElement{
			Kind:     whiteboard.KindListener,
			Name:     "listener",
			Selector: contextSelector("events"),
			Owner:    "owner",
			Payload:  listener,
		})

		req.Equal([]string{"initialized:events"}, listener.calls())

		req.NoError(w.RemoveContext(info.ID))
		req.Len(engine.Contexts("/events"), 1)

		req.Equal(1, w.UnregisterOwner("owner"))
		req.Equal([]string{"initialized:events", "destroyed:events"}, listener.calls())
		req.Empty(engine.Contexts("/events"))
	})
}

func Test_ApplicationSwitch(t *testing.T) {
	w, engine := newTestEngine(t)
	req := require.New(t)

	register(t, w, whiteboard.WebElement{
		Kind:        whiteboard.KindApplication,
		Owner:       "bundle-a",
		ContextPath: "/app",
		Payload:     text("A"),
	})
	register(t, w, whiteboard.WebElement{
		Kind:        whiteboard.KindApplication,
		Owner:       "bundle-b",
		ContextPath: "/app",
		Payload:     text("B"),
	})

	req.Equal("A", get(engine, "", "/app/index.html").Body.String())

	req.Equal(1, w.UnregisterOwner("bundle-a"))

	req.Equal("B", get(engine, "", "/app/index.html").Body.String())
	req.Len(engine.Contexts("/app"), 1)
}

type recordingListener struct {
	mu      sync.Mutex
	records []string
}

func (listener *recordingListener) ContextInitialized(servletContext *ServletContext) {
	listener.record("initialized:" + servletContext.Name())
}

func (listener *recordingListener) ContextDestroyed(servletContext *ServletContext) {
	listener.record("destroyed:" + servletContext.Name())
}

func (listener *recordingListener) record(value string) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.records = append(listener.records, value)
}

func (listener *recordingListener) calls() []string {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	return append([]string(nil), listener.records...)
}

func readAll(t *testing.T, response *http.Response) string {
	defer func() {
		_ = response.Body.Close()
	}()
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	return string(body)
}
