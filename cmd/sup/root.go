package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	sup "github.com/coalmine/sup"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// options collects every flag the CLI accepts, kept as a plain struct
// so runSupfile stays easy to drive from tests without going through
// cobra's global flag state.
type options struct {
	supfilePath   string
	envFlags      []string
	only          string
	except        string
	sshConfig     string
	knownHosts    string
	debug         bool
	disablePrefix bool
	disableColor  bool
}

func newRootCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sup NETWORK COMMAND_OR_TARGET",
		Short:         "Run commands over SSH against a network of hosts, in parallel",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return sup.ErrUsage
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			supfileBytes, err := os.ReadFile(opts.supfilePath)
			if err != nil {
				return &sup.ConfigError{Reason: fmt.Sprintf("reading %s: %s", opts.supfilePath, err)}
			}
			code, err := runSupfile(cmd.OutOrStdout(), cmd.ErrOrStderr(), *opts, args, supfileBytes)
			if err != nil {
				cmd.SilenceUsage = true
			}
			exitCode = code
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.supfilePath, "file", "f", "./Supfile", "custom path to Supfile")
	cmd.Flags().StringArrayVarP(&opts.envFlags, "env", "e", nil, "set environment variables, K=V, repeatable")
	cmd.Flags().StringVar(&opts.only, "only", "", "filter hosts by regexp, keep matches")
	cmd.Flags().StringVar(&opts.except, "except", "", "filter hosts by regexp, drop matches")
	cmd.Flags().StringVar(&opts.sshConfig, "ssh-config", "", "path to an ssh_config file (default ~/.ssh/config)")
	cmd.Flags().StringVar(&opts.knownHosts, "known-hosts", "", "path to a known_hosts file (default ~/.ssh/known_hosts)")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "D", false, "enable debug logging")
	cmd.Flags().BoolVar(&opts.disablePrefix, "disable-prefix", false, "don't prefix output with hostnames")
	cmd.Flags().BoolVar(&opts.disableColor, "disable-color", false, "don't color output")

	cmd.SetVersionTemplate("sup {{.Version}}\n")
	cmd.Version = sup.Version

	return cmd
}

// exitCode is set by RunE and read by main after cmd.Execute returns,
// since cobra's own error path doesn't carry sup's distinct exit codes.
var exitCode = sup.ExitSuccess

// runSupfile is the CLI's testable core: parse config, build a plan,
// run it. It never reads flags itself so tests can drive it directly.
func runSupfile(stdout, stderr io.Writer, opts options, args []string, supfileBytes []byte) (int, error) {
	log.Logger = sup.NewLogger(stderr, opts.debug)

	sf, err := sup.NewSupfile(supfileBytes)
	if err != nil {
		return sup.ExitConfigError, err
	}
	if sf == nil {
		return sup.ExitConfigError, &sup.ConfigError{Reason: "empty Supfile"}
	}

	plan, err := sup.BuildPlan(sf, sup.PlanOptions{
		NetworkName: args[0],
		CommandName: args[1],
		Only:        opts.only,
		Except:      opts.except,
		CLIEnv:      sup.ParseEnvFlag(opts.envFlags),
		SSHConfig:   opts.sshConfig,
		KnownHosts:  opts.knownHosts,
	}, time.Now())
	if err != nil {
		return sup.ExitConfigError, err
	}

	log.Info().Str("network", plan.Network).Int("hosts", len(plan.Hosts)).Msg("starting run")

	engine := sup.NewEngine(plan)
	engine.Stdout = stdout
	engine.Stderr = stderr
	engine.DisablePrefix = opts.disablePrefix
	engine.DisableColor = opts.disableColor
	engine.ForwardStdin = os.Stdin

	return engine.Execute(context.Background())
}
