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
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/whiteboard"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRunCommand(options *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the configured servers and deploy the configured units",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, options.configFile)
		},
	}
}

// run serves until ctx is cancelled.
func run(ctx context.Context, configFile string) error {
	log := pfxlog.Logger().WithField("config", configFile)

	instance, err := loadInstanceConfig(configFile)
	if err != nil {
		return err
	}

	if err := instance.Build(); err != nil {
		return err
	}
	defer instance.Shutdown()

	subscription, err := instance.Whiteboard.Subscribe("/", logEvent)
	if err != nil {
		return errors.Wrap(err, "unable to subscribe to lifecycle events")
	}
	defer subscription.Close()

	if err := instance.Start(); err != nil {
		return err
	}

	log.Infof("whiteboard %s running, %d contexts configured, %d units deployed", Version, len(instance.Config.Contexts), len(instance.Units()))

	<-ctx.Done()
	log.Info("shutting down")

	return nil
}

func logEvent(event whiteboard.Event) error {
	log := pfxlog.Logger().WithFields(logrus.Fields{
		"element":     event.Element.String(),
		"contextPath": event.ContextPath,
	})

	switch event.Type {
	case whiteboard.EventFailed:
		log.WithError(event.Reason).Warn(event.Type)
	case whiteboard.EventOverflow:
		log.Warnf("%d lifecycle events dropped", event.Dropped)
	default:
		log.Info(event.Type)
	}

	return nil
}
