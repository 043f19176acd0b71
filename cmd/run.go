package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/ipaas-org/ci-runner/model"
	"github.com/spf13/cobra"
)

func (c *CLI) newRunCmd() *cobra.Command {
	var (
		workspace string
		branch    string
		number    int64
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once against a workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, l, err := c.load()
			if err != nil {
				return err
			}
			if workspace != "" {
				cfg.Pipeline.Workspace = workspace
			}

			if number == 0 {
				if number, err = buildNumber(os.LookupEnv); err != nil {
					return err
				}
			}
			if number == 0 && cfg.Database.Driver == "memory" {
				l.Warn("memory run store: build numbers restart at 1, set --number, BUILD_NUMBER or database.driver=mongo")
			}

			ctx := cmd.Context()
			ctrl, cleanup, err := newController(ctx, cfg, c.userAgent(cfg), l)
			if err != nil {
				return err
			}
			defer cleanup()

			run, runErr := ctrl.Run(ctx, model.RunRequest{
				Pipeline:  cfg.Pipeline.Name,
				Workspace: cfg.Pipeline.Workspace,
				Branch:    branch,
				Number:    number,
			})
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(model.NewRunResponse(run, runErr)); err != nil {
					return err
				}
			} else if run != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "run %s #%d %s\n", run.ID, run.Descriptor.Number, run.Status)
				for _, image := range run.Images {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", image)
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "checked out repository, overrides pipeline.workspace")
	cmd.Flags().StringVar(&branch, "branch", "", "branch name, read from the workspace when empty")
	cmd.Flags().Int64VarP(&number, "number", "n", 0, "build number, BUILD_NUMBER or the run store counter when 0")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run summary as json")
	return cmd
}

var ErrInvalidBuildNumber = errors.New("BUILD_NUMBER must be a positive integer")

// buildNumber reads the number the CI server assigned to this build, 0 when
// there is none.
func buildNumber(lookup func(string) (string, bool)) (int64, error) {
	raw, ok := lookup("BUILD_NUMBER")
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidBuildNumber, raw)
	}
	return n, nil
}
