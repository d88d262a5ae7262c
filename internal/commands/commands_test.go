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

package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const validateConfig = `
contexts:
  - name: shop
    path: /shop
    owner: admin

units:
  - owner: first
    application:
      path: /app
      binding: text
      options:
        body: first
  - owner: second
    application:
      path: /app
      binding: text
      options:
        body: second
  - owner: items
    elements:
      - kind: servlet
        name: items
        patterns: ["/items/*"]
        context: shop
        binding: text
`

func execute(t *testing.T, config string, args ...string) (string, error) {
	configFile := filepath.Join(t.TempDir(), "whiteboard.yml")
	require.NoError(t, os.WriteFile(configFile, []byte(config), 0o600))

	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(append(args, "--config", configFile))

	err := cmd.Execute()
	return out.String(), err
}

func Test_Validate(t *testing.T) {
	t.Run("a dry run reports bound and queued elements", func(t *testing.T) {
		req := require.New(t)

		out, err := execute(t, validateConfig, "validate")
		req.NoError(err)

		req.Contains(out, "is valid")
		req.Contains(out, "context shop")
		req.Contains(out, "application[1:default@first]")
		req.Regexp(`bound\s+application\[1:default@first\]\s+-> /app`, out)
		req.Regexp(`queued\s+application\[2:default@second\]`, out)
		req.Regexp(`bound\s+servlet\[3:items@items\]\s+-> /shop`, out)
	})

	t.Run("without a dry run only the configuration is checked", func(t *testing.T) {
		req := require.New(t)

		out, err := execute(t, validateConfig, "validate", "--dry-run=false")
		req.NoError(err)
		req.Contains(out, "is valid")
		req.NotContains(out, "application[")
	})

	t.Run("an invalid configuration is an error", func(t *testing.T) {
		req := require.New(t)

		_, err := execute(t, "units:\n  - owner: a\n", "validate")
		req.Error(err)
	})

	t.Run("a missing configuration file is an error", func(t *testing.T) {
		req := require.New(t)

		cmd := NewRootCommand()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetArgs([]string{"validate", "--config", filepath.Join(t.TempDir(), "missing.yml")})
		req.Error(cmd.Execute())
	})
}

func Test_Version(t *testing.T) {
	req := require.New(t)

	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetArgs([]string{"version", "--details"})

	req.NoError(cmd.Execute())
	req.Contains(out.String(), "whiteboard "+Version)
	req.Contains(out.String(), "Go Version")
}
