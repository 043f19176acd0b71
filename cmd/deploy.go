package cmd

import (
	"errors"
	"fmt"

	"github.com/ipaas-org/ci-runner/pkg/imagetag"
	"github.com/ipaas-org/ci-runner/providers/deployers"
	"github.com/spf13/cobra"
)

var ErrNoDeployTarget = errors.New("deploy.target is none")

func (c *CLI) newDeployCmd() *cobra.Command {
	var image string
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy an already pushed image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ref, err := imagetag.ParseReference(image)
			if err != nil {
				return err
			}
			cfg, l, err := c.load()
			if err != nil {
				return err
			}
			deployer, err := newDeployer(cfg, l)
			if err != nil {
				return err
			}
			if deployer == nil {
				return ErrNoDeployTarget
			}

			result, err := deployer.Deploy(cmd.Context(), deployers.Request{Image: ref, Workspace: cfg.Pipeline.Workspace})
			if result != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", result.Target, result.State, result.Message)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&image, "image", "i", "", "image reference, repository:tag")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}
