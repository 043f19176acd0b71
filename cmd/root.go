// Package cmd implements the ci-runner command line.
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/ipaas-org/ci-runner/config"
	"github.com/ipaas-org/ci-runner/pkg/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// set at build time with -ldflags "-X github.com/ipaas-org/ci-runner/cmd.Version=..."
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

type CLI struct {
	configPath string
	logLevel   string
	rootCmd    *cobra.Command
}

func New() *CLI {
	c := &CLI{}
	rootCmd := &cobra.Command{
		Use:           "ci-runner",
		Short:         "Build, check, push and deploy the contact app",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf("{{.Name}} version {{.Version}} (commit: %s, date: %s)\n", Commit, Date))
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", config.DefaultPath, "path of the configuration file")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(c.newRunCmd())
	rootCmd.AddCommand(c.newTagCmd())
	rootCmd.AddCommand(c.newGateCmd())
	rootCmd.AddCommand(c.newDeployCmd())
	rootCmd.AddCommand(c.newServeCmd())
	rootCmd.AddCommand(c.newVersionCmd())
	c.rootCmd = rootCmd
	return c
}

func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

func (c *CLI) SetOutput(out, err io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
}

// load reads the configuration and builds the logger it describes.
func (c *CLI) load() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.NewConfig(c.configPath)
	if err != nil {
		return nil, nil, err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	l := logger.NewLogger(cfg.Log.Level, cfg.Log.Type)
	l.Debug("initialized logger")
	return cfg, l, nil
}

func (c *CLI) userAgent(cfg *config.Config) string {
	return fmt.Sprintf("ipaas-%s-%s", cfg.App.Name, cfg.App.Version)
}
