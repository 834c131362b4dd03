package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/martinemde/patchpilot/agentloop"
	"github.com/martinemde/patchpilot/config"
	"github.com/martinemde/patchpilot/workspace"
)

type runFlags struct {
	dir      string
	request  string
	mode     string
	strategy string
	tier     string
	exclude  []string
	write    bool
	wait     bool
	quiet    bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one request against a project directory",
		Example: `  # Preview a change
  patchpilot run --dir ./theme --request "Make the add to cart button blue"

  # Apply it
  patchpilot run --dir ./theme --request "Make the add to cart button blue" --write`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := f.options()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			return runRequest(cmd.Context(), cmd, cfg, f, opts)
		},
	}
	cmd.Flags().StringVar(&f.dir, "dir", ".", "project directory")
	cmd.Flags().StringVarP(&f.request, "request", "r", "", "what to change (required)")
	cmd.Flags().StringVar(&f.mode, "mode", "code", "ask, code, plan or debug")
	cmd.Flags().StringVar(&f.strategy, "strategy", "", "minimal, hybrid or maximal; classified from the request when empty")
	cmd.Flags().StringVar(&f.tier, "tier", "", "fast, standard or deep; classified from the request when empty")
	cmd.Flags().StringSliceVar(&f.exclude, "exclude", nil, "glob patterns of files to leave out, e.g. assets/**/*.min.js")
	cmd.Flags().BoolVar(&f.write, "write", false, "write the changes back to the directory")
	cmd.Flags().BoolVar(&f.wait, "wait", true, "wait for a checkpointed run to continue in the background")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "do not print progress")
	_ = cmd.MarkFlagRequired("request")
	return cmd
}

func (f *runFlags) options() (agentloop.Options, error) {
	if strings.TrimSpace(f.request) == "" {
		return agentloop.Options{}, errors.New("--request must not be empty")
	}
	mode, err := agentloop.ParseMode(f.mode)
	if err != nil {
		return agentloop.Options{}, err
	}
	strategy, err := agentloop.ParseStrategy(f.strategy)
	if err != nil {
		return agentloop.Options{}, err
	}
	tier, err := agentloop.ParseTier(f.tier)
	if err != nil {
		return agentloop.Options{}, err
	}
	return agentloop.Options{Mode: mode, Strategy: strategy, Tier: tier}, nil
}

func runRequest(ctx context.Context, cmd *cobra.Command, cfg *config.Config, f *runFlags, opts agentloop.Options) error {
	fsys := afero.NewOsFs()
	dir, err := filepath.Abs(f.dir)
	if err != nil {
		return err
	}
	files, err := loadProject(fsys, dir, f.exclude)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no text files found in %s", dir)
	}

	a, err := newApp(ctx, cfg, cmd.ErrOrStderr(), projectSource(fsys, dir, f.exclude))
	if err != nil {
		return err
	}
	defer a.close()

	if !f.quiet {
		opts.Callbacks = progressCallbacks(cmd.ErrOrStderr())
	}
	res, err := a.runner.Run(ctx, agentloop.Request{
		ProjectID: dir,
		Request:   f.request,
		Files:     files,
		Options:   opts,
	})
	if err != nil {
		return err
	}
	printResult(cmd.OutOrStdout(), res)

	changes := res.Changes
	if res.Checkpointed && res.JobID != "" && f.wait {
		fmt.Fprintf(cmd.ErrOrStderr(), "Continuing execution %s in the background...\n", res.ExecutionID)
		a.drain(ctx)
		if changes, err = printStored(ctx, cmd.OutOrStdout(), a, res.ExecutionID); err != nil {
			return err
		}
	}
	return applyChanges(cmd, fsys, dir, f.write, changes)
}

// projectSource reloads the directory for continuation jobs.
func projectSource(fsys afero.Fs, dir string, exclude []string) agentloop.FileSource {
	return func(_ context.Context, projectID string) ([]workspace.FileSnapshot, error) {
		if projectID != dir {
			return nil, fmt.Errorf("unknown project %s", projectID)
		}
		return loadProject(fsys, dir, exclude)
	}
}

func applyChanges(cmd *cobra.Command, fsys afero.Fs, dir string, write bool, changes []workspace.CodeChange) error {
	if len(changes) == 0 {
		return nil
	}
	if !write {
		fmt.Fprintln(cmd.ErrOrStderr(), "Changes were not written; pass --write to apply them.")
		return nil
	}
	if err := writeChanges(fsys, dir, changes); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d file(s) to %s.\n", len(changes), dir)
	return nil
}

func progressCallbacks(w io.Writer) agentloop.Callbacks {
	return agentloop.Callbacks{
		Progress: func(p agentloop.Progress) {
			if p.Iteration > 0 {
				fmt.Fprintf(w, "[%s #%d] %s\n", p.Phase, p.Iteration, p.Label)
				return
			}
			fmt.Fprintf(w, "[%s] %s\n", p.Phase, p.Label)
		},
	}
}
