package batch

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
)

// Schedule is a recurring run submission
type Schedule struct {
	Name               string       `toml:"name"`
	Cron               string       `toml:"cron"`
	RepoURL            string       `toml:"repo_url"`
	Branch             string       `toml:"branch"`
	AppDir             string       `toml:"app_dir"`
	UIDir              string       `toml:"ui_dir"`
	Suite              domain.Suite `toml:"suite"`
	CreateGitHubIssues bool         `toml:"create_github_issues"`
	CommitResults      bool         `toml:"commit_results"`
}

// ScheduleFile is the TOML document holding all schedules
type ScheduleFile struct {
	Schedules []Schedule `toml:"schedule"`
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five field cron expression or a descriptor like @daily
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Params returns the run parameters submitted on each tick
func (s Schedule) Params() domain.RunParams {
	p := domain.RunParams{
		RepoURL:            s.RepoURL,
		Branch:             s.Branch,
		AppDir:             s.AppDir,
		UIDir:              s.UIDir,
		Suite:              s.Suite,
		CreateGitHubIssues: s.CreateGitHubIssues,
		CommitResults:      s.CommitResults,
	}
	p.Normalize()
	return p
}

// Validate checks if the schedule is valid
func (s Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if s.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(s.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return s.Params().Validate()
}

// LoadScheduleFile loads schedules from a TOML file. A missing file yields
// no schedules.
func LoadScheduleFile(path string) (*ScheduleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ScheduleFile{}, nil
		}
		return nil, err
	}

	var f ScheduleFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for i, s := range f.Schedules {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("schedule %d: %w", i, err)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("schedule %d: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
	}

	return &f, nil
}
