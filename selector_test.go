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
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func Test_ParseSelector(t *testing.T) {
	props := map[string]string{
		ContextNameProperty: "default",
		ContextPathProperty: "/war-bundle",
		"virtual.hosts":     "example.com",
		"weight":            "12",
	}

	t.Run("an empty selector parses to the empty selector and matches nothing directly", func(t *testing.T) {
		req := require.New(t)
		selector, err := ParseSelector("   ")
		req.NoError(err)
		req.True(selector.IsEmpty())
		req.False(selector.Matches(props))
	})

	t.Run("a simple equality matches", func(t *testing.T) {
		req := require.New(t)
		selector, err := ParseSelector("(osgi.http.whiteboard.context.path=/war-bundle)")
		req.NoError(err)
		req.True(selector.Matches(props))
		req.False(selector.Matches(map[string]string{ContextPathProperty: "/other"}))
	})

	t.Run("an absent key never matches a positive clause", func(t *testing.T) {
		req := require.New(t)
		selector := MustParseSelector("(connectors=default)")
		req.False(selector.Matches(props))
	})

	t.Run("keys are case insensitive", func(t *testing.T) {
		req := require.New(t)
		selector := MustParseSelector("(OSGI.HTTP.WHITEBOARD.CONTEXT.NAME=default)")
		req.True(selector.Matches(props))
	})

	t.Run("or, and and not nest", func(t *testing.T) {
		req := require.New(t)
		selector := MustParseSelector("(&(|(osgi.http.whiteboard.context.name=other)(osgi.http.whiteboard.context.path=/war-bundle))(!(connectors=*)))")
		req.True(selector.Matches(props))

		withConnectors := map[string]string{ContextPathProperty: "/war-bundle", "connectors": "secure"}
		req.False(selector.Matches(withConnectors))
	})

	t.Run("presence and substrings", func(t *testing.T) {
		req := require.New(t)
		req.True(MustParseSelector("(virtual.hosts=*)").Matches(props))
		req.True(MustParseSelector("(osgi.http.whiteboard.context.path=/war*)").Matches(props))
		req.True(MustParseSelector("(osgi.http.whiteboard.context.path=*-bun*)").Matches(props))
		req.False(MustParseSelector("(osgi.http.whiteboard.context.path=*-bundles)").Matches(props))
	})

	t.Run("escaped wildcards are literals", func(t *testing.T) {
		req := require.New(t)
		selector := MustParseSelector(`(name=a\*b)`)
		req.True(selector.Matches(map[string]string{"name": "a*b"}))
		req.False(selector.Matches(map[string]string{"name": "axxb"}))
	})

	t.Run("numeric comparisons", func(t *testing.T) {
		req := require.New(t)
		req.True(MustParseSelector("(weight>=10)").Matches(props))
		req.False(MustParseSelector("(weight<=10)").Matches(props))
	})

	t.Run("malformed selectors return a SelectorSyntaxError", func(t *testing.T) {
		for _, text := range []string{
			"(",
			"osgi.http.whiteboard.context.name=default",
			"(=default)",
			"(&)",
			"(name=a(b)",
			"(name=default))",
			"(name>5)",
			"(!(a=b)(c=d))",
		} {
			selector, err := ParseSelector(text)

			req := require.New(t)
			req.Nil(selector, text)
			req.Error(err, text)

			var syntaxErr *SelectorSyntaxError
			req.True(errors.As(err, &syntaxErr), text)
			req.Equal(text, syntaxErr.Selector)
		}
	})
}
