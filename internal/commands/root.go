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
	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/whiteboard/httpengine"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const DefaultConfigFile = "whiteboard.yml"

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

type rootOptions struct {
	configFile string
	verbose    bool
}

// NewRootCommand builds the whiteboard command tree.
func NewRootCommand() *cobra.Command {
	options := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "whiteboard",
		Short: "Serve dynamically registered web elements",
		Long: `whiteboard resolves web applications, servlets, filters, resources, listeners and error pages
onto path addressed HTTP contexts and serves them.

Contexts and deployment units are declared in a YAML configuration file.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := logrus.InfoLevel
			if options.verbose {
				level = logrus.DebugLevel
			}
			pfxlog.GlobalInit(level, pfxlog.DefaultOptions().SetTrimPrefix("github.com/openziti/"))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&options.configFile, "config", "c", DefaultConfigFile, "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&options.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newRunCommand(options))
	rootCmd.AddCommand(newValidateCommand(options))
	rootCmd.AddCommand(newVersionCommand())

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "%s" .Version}}
`)

	return rootCmd
}

// Execute runs the whiteboard command tree.
func Execute() error {
	return NewRootCommand().Execute()
}

// loadInstanceConfig reads, parses and validates the configuration file into a new Instance.
func loadInstanceConfig(configFile string) (*httpengine.Instance, error) {
	configMap, err := httpengine.LoadConfigFile(configFile)
	if err != nil {
		return nil, err
	}

	instance := httpengine.NewInstance(httpengine.NewDefaultRegistry())
	if err := instance.LoadConfig(configMap); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration [%s]", configFile)
	}

	return instance, nil
}
