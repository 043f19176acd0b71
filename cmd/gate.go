package cmd

import (
	"errors"
	"fmt"

	"github.com/ipaas-org/ci-runner/config"
	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/providers/qualitygate"
	"github.com/spf13/cobra"
)

var ErrGateNotPassed = errors.New("quality gate not passed")

func (c *CLI) newGateCmd() *cobra.Command {
	var req qualitygate.GateRequest
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Wait for the quality gate verdict of an analysis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, l, err := c.load()
			if err != nil {
				return err
			}
			gate, err := newGate(cfg, c.userAgent(cfg), l)
			if err != nil {
				return err
			}
			if req.ProjectKey == "" {
				req.ProjectKey = cfg.Analysis.ProjectKey
			}

			verdict, err := gate.Await(cmd.Context(), req)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", verdict.Source, verdict.Status, verdict.Details)
			return gateResult(cfg, verdict, err)
		},
	}
	cmd.Flags().StringVar(&req.ProjectKey, "project", "", "project key, analysis.projectKey when empty")
	cmd.Flags().StringVar(&req.TaskID, "task-id", "", "compute engine task of the analysis")
	cmd.Flags().StringVar(&req.Commit, "commit", "", "analysed commit sha")
	cmd.Flags().StringVar(&req.Branch, "branch", "", "analysed branch")
	return cmd
}

// gateResult maps a verdict to the command outcome. Only OK and WARN pass,
// a timeout passes only when configured to warn.
func gateResult(cfg *config.Config, verdict model.Verdict, err error) error {
	if errors.Is(err, qualitygate.ErrGateTimeout) && cfg.QualityGate.OnTimeout == config.OnTimeoutWarn {
		return nil
	}
	if err != nil {
		return err
	}
	switch verdict.Status {
	case model.VerdictOK, model.VerdictWarn:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrGateNotPassed, verdict.Status)
}
