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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Deployer(t *testing.T) {
	t.Run("a unit installs its application and elements", func(t *testing.T) {
		req := require.New(t)
		w, engine, _ := newTestWhiteboard(t, nil)

		deployer, err := NewDeployer(w)
		req.NoError(err)
		defer deployer.Shutdown()

		handle, err := deployer.Deploy(Unit{
			Owner:       "wab-a",
			Application: application("ignored", "/war-bundle", 0),
			Elements:    []*WebElement{servlet("ignored", "hello", 0, "/hello")},
		})
		req.NoError(err)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		events, err := handle.Await(ctx)
		req.NoError(err)
		req.Len(events, 2)
		for _, event := range events {
			req.Equal(EventDeployed, event.Type)
			req.Equal("wab-a", event.Owner)
			req.Equal("/war-bundle", event.ContextPath)
		}
		req.Equal("hello", engine.servedBy("/war-bundle", "/hello"))

		req.Equal(2, deployer.Undeploy("wab-a"))
		req.Empty(w.Elements())
	})

	t.Run("two units on the same path resolve to one winner", func(t *testing.T) {
		req := require.New(t)
		w, _, _ := newTestWhiteboard(t, nil)

		deployer, err := NewDeployer(w)
		req.NoError(err)
		defer deployer.Shutdown()

		var handles []*UnitHandle
		for _, owner := range []string{"wab-a", "wab-b"} {
			handle, err := deployer.Deploy(Unit{Owner: owner, Application: application(owner, "/war-bundle", 0)})
			req.NoError(err)
			handles = append(handles, handle)
		}

		deployed := 0
		for _, handle := range handles {
			_, err := handle.Await(context.Background())
			if err == nil {
				deployed++
			} else {
				req.ErrorIs(err, ErrConflictLoss)
			}
		}
		req.Equal(1, deployed)
		assertSingleHolder(t, w)
	})

	t.Run("undeploying during installation withdraws the unit", func(t *testing.T) {
		req := require.New(t)
		w, engine, recorder := newTestWhiteboard(t, nil)
		engine.attachGate = make(chan struct{})
		engine.attachStarted = make(chan struct{}, 1)

		deployer, err := NewDeployer(w)
		req.NoError(err)
		defer deployer.Shutdown()

		handle, err := deployer.Deploy(Unit{
			Owner: "wab-a",
			Elements: []*WebElement{
				servlet("wab-a", "one", 0, "/one"),
				servlet("wab-a", "two", 0, "/two"),
				servlet("wab-a", "three", 0, "/three"),
			},
		})
		req.NoError(err)

		<-engine.attachStarted

		undeployed := make(chan int, 1)
		go func() {
			undeployed <- deployer.Undeploy("wab-a")
		}()

		req.Eventually(handle.vanished.Load, time.Second, time.Millisecond)
		close(engine.attachGate)

		_, err = handle.Await(context.Background())
		req.ErrorIs(err, ErrOwnerVanished)
		<-undeployed

		req.Empty(w.Elements())
		req.Len(handle.Pending(), 1)
		req.Empty(recorder.matching(EventFailed, 0))
	})

	t.Run("a rejected element withdraws the unit", func(t *testing.T) {
		req := require.New(t)
		w, _, _ := newTestWhiteboard(t, nil)

		deployer, err := NewDeployer(w)
		req.NoError(err)
		defer deployer.Shutdown()

		broken := servlet("wab-a", "broken", 0, "/broken")
		broken.Selector = "(unterminated"

		handle, err := deployer.Deploy(Unit{
			Owner:    "wab-a",
			Elements: []*WebElement{servlet("wab-a", "ok", 0, "/ok"), broken},
		})
		req.NoError(err)

		<-handle.Done()
		var syntaxErr *SelectorSyntaxError
		req.ErrorAs(handle.Err(), &syntaxErr)
		req.Empty(w.Elements())
	})
}
