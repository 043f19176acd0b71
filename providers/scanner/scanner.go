// Package scanner runs the sonar-scanner CLI and reads the task it reports.
package scanner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrScannerFailed = errors.New("sonar-scanner failed")
	ErrNoReportTask  = errors.New("report-task.txt has no ceTaskId")
)

type Settings struct {
	Binary         string
	HostURL        string
	Token          string
	ProjectKey     string
	Organization   string
	Sources        string
	Tests          string
	Exclusions     string
	CoverageReport string
	PylintReport   string
	XUnitReport    string
	ReportTaskPath string
	Timeout        time.Duration
}

// ReportTask is what the scanner leaves behind for the quality gate.
type ReportTask struct {
	ProjectKey   string
	ServerURL    string
	CETaskID     string
	CETaskURL    string
	DashboardURL string
}

type Scanner struct {
	l        *logrus.Logger
	settings Settings
}

func NewScanner(s Settings, l *logrus.Logger) *Scanner {
	if s.Binary == "" {
		s.Binary = "sonar-scanner"
	}
	if s.ReportTaskPath == "" {
		s.ReportTaskPath = filepath.Join(".scannerwork", "report-task.txt")
	}
	return &Scanner{l: l, settings: s}
}

// Args returns the scanner command line. The token is passed through the
// SONAR_TOKEN environment variable so it never shows up here.
func (s *Scanner) Args() []string {
	props := []struct{ key, value string }{
		{"sonar.projectKey", s.settings.ProjectKey},
		{"sonar.organization", s.settings.Organization},
		{"sonar.sources", s.settings.Sources},
		{"sonar.tests", s.settings.Tests},
		{"sonar.exclusions", s.settings.Exclusions},
		{"sonar.python.coverage.reportPaths", s.settings.CoverageReport},
		{"sonar.python.pylint.reportPaths", s.settings.PylintReport},
		{"sonar.python.xunit.reportPath", s.settings.XUnitReport},
		{"sonar.host.url", s.settings.HostURL},
	}
	args := make([]string, 0, len(props))
	for _, p := range props {
		if p.value != "" {
			args = append(args, fmt.Sprintf("-D%s=%s", p.key, p.value))
		}
	}
	return args
}

// Scan runs the scanner in workspace and parses the report task it writes.
func (s *Scanner) Scan(ctx context.Context, workspace string) (*ReportTask, error) {
	if s.settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.settings.Timeout)
		defer cancel()
	}

	reportPath := s.settings.ReportTaskPath
	if !filepath.IsAbs(reportPath) {
		reportPath = filepath.Join(workspace, reportPath)
	}
	// a stale report would hand the gate an old task
	if err := os.Remove(reportPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	args := s.Args()
	s.l.Infof("running %s %s", s.settings.Binary, strings.Join(args, " "))

	entry := s.l.WithField("step", "analysis")
	out := entry.WriterLevel(logrus.DebugLevel)
	defer out.Close()

	cmd := exec.CommandContext(ctx, s.settings.Binary, args...) //nolint:gosec // binary comes from configuration
	cmd.Dir = workspace
	cmd.Env = os.Environ()
	if s.settings.Token != "" {
		cmd.Env = append(cmd.Env, "SONAR_TOKEN="+s.settings.Token)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrScannerFailed, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w", ErrScannerFailed, err)
	}

	f, err := os.Open(reportPath)
	if err != nil {
		return nil, fmt.Errorf("opening report task: %w", err)
	}
	defer f.Close()

	task, err := ParseReportTask(f)
	if err != nil {
		return nil, err
	}
	s.l.Infof("analysis submitted as task %s, dashboard %s", task.CETaskID, task.DashboardURL)
	return task, nil
}

// ParseReportTask reads the key=value lines of report-task.txt.
func ParseReportTask(r io.Reader) (*ReportTask, error) {
	task := new(ReportTask)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "projectKey":
			task.ProjectKey = value
		case "serverUrl":
			task.ServerURL = value
		case "ceTaskId":
			task.CETaskID = value
		case "ceTaskUrl":
			task.CETaskURL = value
		case "dashboardUrl":
			task.DashboardURL = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if task.CETaskID == "" {
		return nil, ErrNoReportTask
	}
	return task, nil
}
