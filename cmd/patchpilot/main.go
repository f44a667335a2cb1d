// Command patchpilot runs the coding-assistant workflow against a git
// repository, either one turn at a time or as an HTTP service.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"patchpilot/pkg/version"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "patchpilot",
		Usage:   "Chat with a codebase and let a model edit it, one checkpoint at a time",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (default: <workspace>/.patchpilot/config.toml)",
				EnvVars: []string{"PATCHPILOT_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "workspace",
				Aliases: []string{"w"},
				Usage:   "Repository `DIR` to work in",
				Value:   ".",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override log.level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			turnCommand(),
			checkpointsCommand(),
			restoreCommand(),
			acceptCommand(),
			rejectCommand(),
			threadCommand(),
			secretsCommand(),
			versionCommand(),
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print build information",
		Action: func(c *cli.Context) error {
			info := version.Get()
			fmt.Fprintf(c.App.Writer, "patchpilot %s\n  commit: %s\n  built:  %s\n", info.Version, info.Commit, info.Date)
			return nil
		},
	}
}
