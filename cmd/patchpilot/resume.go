package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/martinemde/patchpilot/agentloop"
	"github.com/martinemde/patchpilot/checkpoint"
)

func newResumeCmd(g *globalFlags) *cobra.Command {
	var (
		id      string
		dir     string
		exclude []string
		write   bool
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a checkpointed execution from the configured store",
		Long: "Resume continues an execution that saved a checkpoint. The store backend must be " +
			"persistent (sqlite, file or s3) for a checkpoint to outlive the process that wrote it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			fsys := afero.NewOsFs()
			root, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			files, err := loadProject(fsys, root, exclude)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, cfg, cmd.ErrOrStderr(), projectSource(fsys, root, exclude))
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.runner.Resume(ctx, agentloop.Request{
				ExecutionID: id,
				ProjectID:   root,
				Files:       files,
				Options:     agentloop.Options{Callbacks: progressCallbacks(cmd.ErrOrStderr())},
			})
			if errors.Is(err, checkpoint.ErrNoCheckpoint) {
				return fmt.Errorf("execution %s has no saved checkpoint", id)
			}
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return applyChanges(cmd, fsys, root, write, res.Changes)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "execution id (required)")
	cmd.Flags().StringVar(&dir, "dir", ".", "project directory")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "glob patterns of files to leave out")
	cmd.Flags().BoolVar(&write, "write", false, "write the changes back to the directory")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
