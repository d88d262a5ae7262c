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
	"fmt"
	"io"
	"time"

	"github.com/openziti/whiteboard"
	"github.com/openziti/whiteboard/httpengine"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newValidateCommand(options *rootOptions) *cobra.Command {
	dryRun := true

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and resolve its units without serving them",
		Long: `Validate parses and validates the configuration file. Unless --dry-run=false is given, the
configured contexts and units are then resolved against an engine that serves nothing, and the
resulting binding of every element is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			instance, err := loadInstanceConfig(options.configFile)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "configuration [%s] is valid\n", options.configFile)

			if !dryRun {
				return nil
			}

			return resolve(out, instance)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", dryRun, "resolve contexts and units against a discarding engine")

	return cmd
}

// resolve deploys the configured contexts and units on a Whiteboard backed by a DiscardEngine and reports where
// every element ended up. Failed elements and rejected units are an error.
func resolve(out io.Writer, instance *httpengine.Instance) error {
	config := instance.GetConfig()

	w, err := whiteboard.NewWhiteboard(config.WhiteboardOptions, whiteboard.DiscardEngine{})
	if err != nil {
		return err
	}
	defer func() {
		_ = w.Close()
	}()

	deployer, err := whiteboard.NewDeployer(w)
	if err != nil {
		return err
	}
	defer deployer.Shutdown()

	for _, contextConfig := range config.Contexts {
		if _, err := w.CreateContext(contextConfig.Name, contextConfig.Path, contextConfig.Owner, contextConfig.Properties); err != nil {
			return errors.Wrapf(err, "context [%s] at [%s]", contextConfig.Name, contextConfig.Path)
		}
	}

	failures := 0

	for _, unitConfig := range config.Units {
		unit, err := unitConfig.Build(instance.Registry)
		if err != nil {
			return err
		}

		handle, err := deployer.Deploy(unit)
		if err != nil {
			return err
		}

		select {
		case <-handle.Done():
		case <-time.After(w.Options().AwaitTimeout):
			_, _ = fmt.Fprintf(out, "unit [%s] not installed within %s\n", unitConfig.Owner, w.Options().AwaitTimeout)
			failures++
			continue
		}

		if err := handle.Err(); err != nil {
			_, _ = fmt.Fprintf(out, "unit [%s] rejected: %v\n", unitConfig.Owner, err)
			failures++
		}
	}

	for _, info := range w.Contexts() {
		_, _ = fmt.Fprintf(out, "context %-20s %-24s owner=%s\n", info.Name, info.Path, info.Owner)
	}

	for _, info := range w.Elements() {
		line := fmt.Sprintf("%-8s %-40s", info.State, info.ElementRef.String())
		switch info.State {
		case whiteboard.StateBound:
			line += " -> " + info.ContextPath
		case whiteboard.StateFailed:
			line += fmt.Sprintf(" : %v", info.Reason)
			failures++
		case whiteboard.StateQueued:
			line += fmt.Sprintf(" (queued on context %d)", info.QueuedOn)
		}
		_, _ = fmt.Fprintln(out, line)
	}

	if failures > 0 {
		return errors.Errorf("%d failures while resolving units", failures)
	}

	return nil
}
