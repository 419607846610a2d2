package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/webitel/quark/config"
)

const (
	ServiceName = "quark"
)

// Run is the process entry point: it parses the CLI, loads configuration,
// and runs the chosen subcommand (mirroring the teacher's cmd.Run shape).
func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Virtual-actor runtime silo host",
		Commands: []*cli.Command{
			siloCmd(),
			topCmd(),
		},
	}

	return app.Run(os.Args)
}

func siloCmd() *cli.Command {
	return &cli.Command{
		Name:    "silo",
		Aliases: []string{"s"},
		Usage:   "Run a silo process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			fs := pflag.NewFlagSet("quark", pflag.ContinueOnError)

			loader, err := config.NewLoader(c.String("config_file"), fs)
			if err != nil {
				return err
			}
			loader.WatchAndReload(func(config.Config) {
				slog.Info("CONFIG_RELOADED")
			})

			cfg := loader.Current()
			app := NewApp(&cfg)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("SHUTTING_DOWN")
			return app.Stop(context.Background())
		},
	}
}
