// lookoutctl runs the incident workflow over report files from the command
// line and inspects dedup keys.
//
// Usage:
//
//	lookoutctl process [--db=<path>] [--parallel=N] [--jsonl] [file...]
//	lookoutctl key --location=<loc> --crime=<crime> [--at=<rfc3339>] [--granularity=day]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/log"
	v "github.com/linnemanlabs/go-core/version"
	"github.com/spf13/cobra"

	"github.com/linnemanlabs/lookout/internal/incident"
	"github.com/linnemanlabs/lookout/internal/llm/claude"
)

const appName = "lookout"
const component = "ctl"
const envPrefix = "LOOKOUT_"

// generators is the full generator surface the workflow can call.
type generators interface {
	incident.Translator
	incident.Evaluator
	incident.Extractor
	incident.ActionProposer
}

// app carries the dependencies commands build on. Tests swap the factories.
type app struct {
	logCfg        log.Config
	logger        log.Logger
	newGenerators func(apiKey, model string, maxRetries int) (generators, error)
}

func newApp() *app {
	return &app{
		logger: log.Nop(),
		newGenerators: func(apiKey, model string, maxRetries int) (generators, error) {
			if apiKey == "" {
				return nil, fmt.Errorf("claude api key is required (--claude-api-key or LOOKOUT_CLAUDE_API_KEY)")
			}
			return claude.New(apiKey, model, maxRetries), nil
		},
	}
}

func newRootCmd(a *app, stdout, stderr io.Writer) *cobra.Command {
	// go-core configs register on the stdlib flag package
	goFlags := flag.NewFlagSet("lookoutctl", flag.ContinueOnError)
	a.logCfg.RegisterFlags(goFlags)

	root := &cobra.Command{
		Use:           "lookoutctl",
		Short:         "Run the lookout incident workflow from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			fillFromEnv(cmd, goFlags)
			if err := a.logCfg.Validate(); err != nil {
				return fmt.Errorf("log config: %w", err)
			}
			lg, err := log.New(a.logCfg.ToOptions(appName))
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			a.logger = lg.With("component", component)
			cmd.SetContext(log.WithContext(cmd.Context(), a.logger))
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().AddGoFlagSet(goFlags)

	vi := v.Get()
	root.Version = vi.Version

	root.AddCommand(newProcessCmd(a))
	root.AddCommand(newKeyCmd())
	return root
}

// fillFromEnv sets flags in fs from LOOKOUT_* env vars unless they were given
// on the command line. cobra parses through pflag, so changed flags are first
// marked as set on fs for cfg.FillFromEnv to see them.
func fillFromEnv(cmd *cobra.Command, fs *flag.FlagSet) {
	fs.VisitAll(func(f *flag.Flag) {
		if cmd.Flags().Changed(f.Name) {
			_ = fs.Set(f.Name, f.Value.String())
		}
	})
	cfg.FillFromEnv(fs, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(cmd.ErrOrStderr(), format+"\n", args...)
	})
}

func main() {
	v.AppName = appName
	v.Component = component

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(newApp(), os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
