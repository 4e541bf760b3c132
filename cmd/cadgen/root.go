package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/app"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/config"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/models"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/session"
)

// cli carries flag values and test hooks for one command tree.
type cli struct {
	out        io.Writer
	configPath string
	sessionID  string
	runID      string
	verbose    bool

	// configure adjusts the loaded configuration before the app is built.
	configure func(*config.Config)
	appOpts   []app.Option
}

// output is printed as JSON after every successful invocation.
type output struct {
	RunID       string                `json:"run_id"`
	SessionID   string                `json:"session_id"`
	Params      map[string][3]float64 `json:"params"`
	NumOfParams int                   `json:"num_of_params"`
	Mesh        string                `json:"mesh"`
	OutOfRange  []string              `json:"out_of_range,omitempty"`
}

// input is the classified positional argument.
type input struct {
	prompt  string
	sliders map[string]string
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "cadgen <prompt | slider-json>",
		Short: "Synthesize parametric CAD objects from a name",
		Long: `cadgen turns an object name into a parametric program and a mesh.

A plain argument (or a JSON string) is an object name: the Disassembler,
Code Writer and Assembler run, the full program is executed and a session
is opened on it.

A JSON object is a slider update for an existing session:

  cadgen --session <id> '{"body_radius": 150}'`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseInput(args[0])
			if err != nil {
				return err
			}
			if in.sliders != nil {
				if c.sessionID == "" {
					return errors.New("slider updates require --session")
				}
				return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					gen, err := a.Sessions.Modify(ctx, c.sessionID, in.sliders)
					if err != nil {
						return err
					}
					return c.print(gen)
				})
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runID, err := a.Orchestrator.Generate(ctx, in.prompt, c.logEvents(a.Logger))
				if err != nil {
					return runError(runID, err)
				}
				return c.open(ctx, a, runID)
			})
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to a YAML configuration file")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	root.Flags().StringVarP(&c.sessionID, "session", "s", "", "session to apply a slider update to")

	root.AddCommand(newEditCmd(c), newResumeCmd(c))
	return root
}

func newEditCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit --run <id> <change request>",
		Short: "Apply a change request to a run's full program",
		Long: `Runs the Parameter Manipulator over the full program of --run. The edited
program is stored as a new run and a session is opened on it.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runID, err := a.Orchestrator.Edit(ctx, c.runID, args[0], c.logEvents(a.Logger))
				if err != nil {
					return runError(runID, err)
				}
				return c.open(ctx, a, runID)
			})
		},
	}
	cmd.Flags().StringVarP(&c.runID, "run", "r", "", "run to edit")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func newResumeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue a failed run from its stored artifacts",
		Long: `Picks a run up where it stopped. Stored part specs and part programs are
reused, so only the missing Code Writer calls and the Assembler run again.
A session is opened on the resulting full program.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runID, err := a.Orchestrator.Resume(ctx, args[0], c.logEvents(a.Logger))
				if err != nil {
					return runError(runID, err)
				}
				return c.open(ctx, a, runID)
			})
		},
	}
}

// parseInput classifies arg. A JSON object is a slider update, a JSON string
// is a prompt, and anything else is taken verbatim as a prompt.
func parseInput(arg string) (input, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(arg), &v); err == nil {
		switch t := v.(type) {
		case map[string]interface{}:
			sliders, err := session.SliderStrings(t)
			if err != nil {
				return input{}, err
			}
			return input{sliders: sliders}, nil
		case string:
			return input{prompt: t}, nil
		}
	}
	return input{prompt: arg}, nil
}

func (c *cli) withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	// Sessions must outlive the process.
	if cfg.Sessions.Backend == config.SessionMemory {
		cfg.Sessions.Backend = config.SessionFile
	}
	if c.configure != nil {
		c.configure(cfg)
	}

	logger, err := config.NewLogger(cfg.LogLevel, c.verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()
	for _, w := range cfg.Warnings {
		logger.Debug("configuration warning", zap.String("warning", w))
	}

	a, err := app.New(ctx, cfg, logger, c.appOpts...)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func (c *cli) open(ctx context.Context, a *app.App, runID string) error {
	gen, err := a.Sessions.Generate(ctx, runID)
	if err != nil {
		return runError(runID, err)
	}
	return c.print(gen)
}

func (c *cli) print(gen *session.Generation) error {
	out := output{
		RunID:       gen.Session.RunID,
		SessionID:   gen.Session.ID,
		Params:      gen.Schema.Wire(),
		NumOfParams: len(gen.Schema),
		Mesh:        gen.MeshPath,
		OutOfRange:  gen.OutOfRange,
	}
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (c *cli) logEvents(logger *zap.Logger) func(models.PipelineEvent) {
	return func(ev models.PipelineEvent) {
		logger.Info("pipeline event",
			zap.String("run_id", ev.RunID),
			zap.String("stage", string(ev.Stage)),
			zap.String("status", string(ev.Status)),
			zap.String("part", ev.Part),
		)
	}
}

func runError(runID string, err error) error {
	if runID == "" {
		return err
	}
	return fmt.Errorf("run %s: %w", runID, err)
}
