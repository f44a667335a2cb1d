package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"patchpilot/pkg/api"
	"patchpilot/pkg/proto"
	"patchpilot/pkg/workflow"
)

const shutdownTimeout = 10 * time.Second

var threadFlag = &cli.StringFlag{
	Name:     "thread",
	Aliases:  []string{"t"},
	Usage:    "Thread `ID`",
	Required: true,
}

// withRuntime runs fn against a freshly assembled engine.
func withRuntime(fn func(c *cli.Context, rt *runtime) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		rt, err := setup(c)
		if err != nil {
			return err
		}
		defer func() {
			if err := rt.Close(); err != nil {
				rt.logger.Warn("shutdown: %v", err)
			}
		}()
		return fn(c, rt)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen `ADDR` (overrides server.addr)"},
		},
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			addr := rt.cfg.Server.Addr
			if a := c.String("addr"); a != "" {
				addr = a
			}
			server := api.NewServer(rt.engine, api.Options{
				Metrics:            rt.recorder.Handler(),
				MaxConcurrentTurns: rt.cfg.Server.MaxConcurrentTurns,
			}, rt.logger.WithComponent("api"))

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.Start(addr)
			})
			g.Go(func() error {
				<-gctx.Done()
				rt.logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return g.Wait()
		}),
	}
}

func turnCommand() *cli.Command {
	return &cli.Command{
		Name:      "turn",
		Usage:     "Send one message to a thread and print the reply",
		ArgsUsage: "PROMPT...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "thread", Aliases: []string{"t"}, Usage: "Thread `ID` (default: start a new thread)"},
			&cli.StringSliceFlag{Name: "file", Aliases: []string{"f"}, Usage: "Include `PATH` in the context"},
		},
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			prompt := strings.Join(c.Args().Slice(), " ")
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			events, err := rt.engine.StreamTurn(ctx, workflow.TurnRequest{
				ThreadID:      c.String("thread"),
				Prompt:        prompt,
				SelectedFiles: c.StringSlice("file"),
			})
			if err != nil {
				return err
			}
			return printTurn(newPrinter(c.App.Writer), events)
		}),
	}
}

// printTurn renders events until the stream closes and reports a failed turn
// as an error.
func printTurn(p *printer, events <-chan proto.Event) error {
	var failure string
	finished := false
	for ev := range events {
		p.Event(ev)
		switch ev.Kind {
		case proto.EventTurnFailed:
			failure = ev.Error
			finished = true
		case proto.EventTurnComplete:
			finished = true
		}
	}
	switch {
	case failure != "":
		return cli.Exit("", 1)
	case !finished:
		return errors.New("turn interrupted")
	}
	return nil
}

func checkpointsCommand() *cli.Command {
	return &cli.Command{
		Name:  "checkpoints",
		Usage: "List a thread's checkpoints",
		Flags: []cli.Flag{threadFlag},
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			records, err := rt.engine.Checkpoints(c.Context, c.String("thread"))
			if err != nil {
				return err
			}
			newPrinter(c.App.Writer).Checkpoints(records)
			return nil
		}),
	}
}

func restoreCommand() *cli.Command {
	return &cli.Command{
		Name:      "restore",
		Usage:     "Reset the working tree and thread to a checkpoint",
		ArgsUsage: "COMMIT",
		Flags:     []cli.Flag{threadFlag},
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			commit := c.Args().First()
			if commit == "" {
				return cli.Exit("restore needs a commit id", 2)
			}
			state, err := rt.engine.Restore(c.Context, c.String("thread"), commit)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "restored thread %s to %s (%d messages)\n", state.ThreadID, shortCommit(commit), len(state.Messages))
			return nil
		}),
	}
}

func acceptCommand() *cli.Command {
	return &cli.Command{
		Name:  "accept",
		Usage: "Squash-merge a thread's changes into the branch it started from",
		Flags: []cli.Flag{threadFlag},
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			res, err := rt.engine.Accept(c.Context, c.String("thread"))
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "merged %d commit(s) into %s as %s\n\n%s\n",
				len(res.Commits), res.ParentBranch, shortCommit(res.CommitID), res.Message)
			return nil
		}),
	}
}

func rejectCommand() *cli.Command {
	return &cli.Command{
		Name:  "reject",
		Usage: "Discard a thread's changes and return to the branch it started from",
		Flags: []cli.Flag{threadFlag},
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			if err := rt.engine.Reject(c.Context, c.String("thread")); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "rejected thread %s\n", c.String("thread"))
			return nil
		}),
	}
}

func threadCommand() *cli.Command {
	return &cli.Command{
		Name:  "thread",
		Usage: "Print a thread's state as YAML",
		Flags: []cli.Flag{threadFlag},
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			state, err := rt.engine.Thread(c.Context, c.String("thread"))
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(c.App.Writer)
			enc.SetIndent(2)
			if err := enc.Encode(state); err != nil {
				return err
			}
			return enc.Close()
		}),
	}
}
