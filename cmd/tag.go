package cmd

import (
	"fmt"
	"time"

	"github.com/ipaas-org/ci-runner/pkg/imagetag"
	"github.com/spf13/cobra"
)

func (c *CLI) newTagCmd() *cobra.Command {
	var (
		build int64
		at    string
	)
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Print the image tag of a build",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t := time.Now()
			if at != "" {
				var err error
				if t, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--time: %w", err)
				}
			}
			tag, err := imagetag.Generate(t, build)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tag)
			return err
		},
	}
	cmd.Flags().Int64VarP(&build, "build", "b", 0, "build number")
	cmd.Flags().StringVar(&at, "time", "", "build time in RFC3339, now when empty")
	_ = cmd.MarkFlagRequired("build")
	return cmd
}
