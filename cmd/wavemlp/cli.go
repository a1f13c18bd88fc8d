// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/wavemlp/models/wavemlp"
	"github.com/gomlx/wavemlp/pkg/ml/setup"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// globalFlags shared by all subcommands.
type globalFlags struct {
	settings string
	backend  string
	color    string
	seed     int64
}

func newCLI() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "wavemlp",
		Short: "Inspect, benchmark and run WaveMLP vision models",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return setColorProfile(flags.color)
		},
	}
	rootCmd.PersistentFlags().StringVar(&flags.settings, "set", "",
		"Set context hyperparameters, e.g.: \"wavemlp_variant=M;wavemlp_num_classes=10\". "+
			"Use \"file:<path>\" to read them from a file. Known hyperparameters: "+defaultSettings())
	rootCmd.PersistentFlags().StringVar(&flags.backend, "backend", "",
		"Backend configuration, e.g. \"xla:cuda\". If empty, $GOMLX_BACKEND or the default backend is used.")
	rootCmd.PersistentFlags().Int64Var(&flags.seed, "seed", setup.DefaultSeed, "Seed of the random number generator.")
	rootCmd.PersistentFlags().StringVar(&flags.color, "color", "auto", "Colored output: \"auto\", \"always\" or \"never\".")

	// klog flags, like -v=1.
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)

	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(
		newInfoCmd(flags),
		newBenchCmd(flags),
		newPredictCmd(flags),
		newLossCmd(flags),
	)
	return rootCmd
}

func defaultSettings() string {
	ctx := context.New()
	wavemlp.SetDefaultParams(ctx)
	return commandline.SprintContextSettings(ctx)
}

// environment is the backend, context and model configured from the global flags.
type environment struct {
	backend backends.Backend
	ctx     *context.Context
	model   *wavemlp.Model
}

// initSetup creates the backend and context, it can be replaced in tests.
var initSetup = setup.Init

func (f *globalFlags) setupConfig() setup.Config {
	return setup.Config{Seed: f.seed, Backend: f.backend, Deterministic: true}
}

// newEnvironment creates the backend, the context with the hyperparameters from --set, and
// the model. If a pretrained checkpoint is configured, it is loaded and checked against the model.
//
// On error the backend is finalized.
func (f *globalFlags) newEnvironment() (env *environment, err error) {
	backend, ctx, err := initSetup(f.setupConfig())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			backend.Finalize()
		}
	}()
	wavemlp.SetDefaultParams(ctx)
	paramsSet, err := commandline.ParseContextSettings(ctx, f.settings)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse --set=%q", f.settings)
	}
	klog.V(1).Infof("hyperparameters: %s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	cfg, err := wavemlp.ConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}
	model, err := wavemlp.New(cfg)
	if err != nil {
		return nil, err
	}
	if err = model.Init(backend, ctx); err != nil {
		return nil, err
	}
	return &environment{backend: backend, ctx: ctx, model: model}, nil
}

// setColorProfile of the tables. "auto" uses the profile detected from the terminal.
func setColorProfile(mode string) error {
	switch mode {
	case "auto":
		lipgloss.SetColorProfile(termenv.EnvColorProfile())
	case "always":
		lipgloss.SetColorProfile(termenv.ANSI256)
	case "never":
		lipgloss.SetColorProfile(termenv.Ascii)
	default:
		return errors.Errorf("invalid --color=%q, valid values are \"auto\", \"always\" or \"never\"", mode)
	}
	return nil
}

var (
	headerStyle  = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle  = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).PaddingLeft(1).PaddingRight(1)
)

// newTable returns a table with alternating row styles: the first column is left-aligned, the others right-aligned.
func newTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			var s lipgloss.Style
			switch {
			case row < 0:
				return headerStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Left)
			}
			return s.Align(lipgloss.Right)
		})
}
