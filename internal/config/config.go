package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Queue         QueueConfig         `toml:"queue"`
	Pipeline      PipelineConfig      `toml:"pipeline"`
	Worker        WorkerConfig        `toml:"worker"`
	Claude        ClaudeConfig        `toml:"claude"`
	Playwright    PlaywrightConfig    `toml:"playwright"`
	GitHub        GitHubConfig        `toml:"github"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Logging       LoggingConfig       `toml:"logging"`
	Schedules     SchedulesConfig     `toml:"schedules"`
}

// GeneralConfig holds storage locations
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	ArtifactsDir string `toml:"artifacts_dir"`
	WorkDir      string `toml:"work_dir"`
}

// QueueConfig controls dispatch
type QueueConfig struct {
	MaxConcurrentRuns int `toml:"max_concurrent_runs"`
	PollIntervalSecs  int `toml:"poll_interval_secs"`
}

// PipelineConfig controls pipeline behavior
type PipelineConfig struct {
	IssueConfidenceThreshold int `toml:"issue_confidence_threshold"`
	StepTimeoutSecs          int `toml:"step_timeout_secs"`
	HeartbeatIntervalSecs    int `toml:"heartbeat_interval_secs"`
	StaleAfterSecs           int `toml:"stale_after_secs"`
}

// WorkerConfig controls how the supervisor launches workers
type WorkerConfig struct {
	Command         string   `toml:"command"`
	Args            []string `toml:"args"`
	LogLines        int      `toml:"log_lines"`
	StopTimeoutSecs int      `toml:"stop_timeout_secs"`
	StartupGraceMs  int      `toml:"startup_grace_ms"`
	DockerImage     string   `toml:"docker_image"`
	DockerHost      string   `toml:"docker_host"`
}

// ClaudeConfig holds settings for the MCP server used for code comprehension
type ClaudeConfig struct {
	MCPCommand  string   `toml:"mcp_command"`
	MCPArgs     []string `toml:"mcp_args"`
	TimeoutSecs int      `toml:"timeout_secs"`
	// APIKey seeds the stored Anthropic key on first start
	APIKey string `toml:"api_key"`
}

// PlaywrightConfig controls test execution. StartCommand and BaseURL
// override what analysis detects; leave them empty to use detection.
type PlaywrightConfig struct {
	StartCommand     string `toml:"start_command"`
	BaseURL          string `toml:"base_url"`
	InstallDeps      bool   `toml:"install_deps"`
	Project          string `toml:"project"`
	ReadyTimeoutSecs int    `toml:"ready_timeout_secs"`
	SuiteTimeoutSecs int    `toml:"suite_timeout_secs"`
}

// GitHubConfig holds issue tracker settings
type GitHubConfig struct {
	APIURL string `toml:"api_url"`
	Token  string `toml:"token"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// LoggingConfig controls the zap logger
type LoggingConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// SchedulesConfig points at the scheduled runs file
type SchedulesConfig struct {
	File string `toml:"file"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".uiqa")
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(base, "uiqa.db"),
			ArtifactsDir: filepath.Join(base, "artifacts"),
			WorkDir:      filepath.Join(base, "work"),
		},
		Queue: QueueConfig{
			MaxConcurrentRuns: 2,
			PollIntervalSecs:  2,
		},
		Pipeline: PipelineConfig{
			IssueConfidenceThreshold: 50,
			StepTimeoutSecs:          1800,
			HeartbeatIntervalSecs:    15,
			StaleAfterSecs:           120,
		},
		Worker: WorkerConfig{
			Args:            []string{"worker"},
			LogLines:        500,
			StopTimeoutSecs: 10,
			StartupGraceMs:  1000,
			DockerImage:     "ghcr.io/hochfrequenz/uiqa-worker:latest",
		},
		Claude: ClaudeConfig{
			MCPCommand:  "npx",
			MCPArgs:     []string{"-y", "@anthropic-ai/claude-code", "mcp", "serve"},
			TimeoutSecs: 900,
		},
		Playwright: PlaywrightConfig{
			InstallDeps:      true,
			ReadyTimeoutSecs: 90,
		},
		GitHub: GitHubConfig{
			APIURL: "https://api.github.com",
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults,
// then applies UIQA_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.ArtifactsDir = ExpandPath(cfg.General.ArtifactsDir)
	cfg.General.WorkDir = ExpandPath(cfg.General.WorkDir)
	cfg.Logging.File = ExpandPath(cfg.Logging.File)
	cfg.Schedules.File = ExpandPath(cfg.Schedules.File)

	return cfg, nil
}

// envBindings maps config keys to their environment variable suffix
var envBindings = map[string]string{
	"database_path":              "DATABASE_PATH",
	"artifacts_dir":              "ARTIFACTS_DIR",
	"work_dir":                   "WORK_DIR",
	"max_concurrent_runs":        "MAX_CONCURRENT_RUNS",
	"issue_confidence_threshold": "ISSUE_CONFIDENCE_THRESHOLD",
	"docker_image":               "DOCKER_IMAGE",
	"github_token":               "GITHUB_TOKEN",
	"anthropic_api_key":          "ANTHROPIC_API_KEY",
	"github_api_url":             "GITHUB_API_URL",
	"slack_webhook":              "SLACK_WEBHOOK",
	"web_host":                   "WEB_HOST",
	"web_port":                   "WEB_PORT",
	"log_level":                  "LOG_LEVEL",
	"log_file":                   "LOG_FILE",
	"schedules_file":             "SCHEDULES_FILE",
}

// ApplyEnv overrides cfg with any UIQA_* environment variables that are set
func ApplyEnv(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix("UIQA")
	for key, env := range envBindings {
		if err := v.BindEnv(key, "UIQA_"+env); err != nil {
			return fmt.Errorf("binding %s: %w", key, err)
		}
	}

	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}

	setString("database_path", &cfg.General.DatabasePath)
	setString("artifacts_dir", &cfg.General.ArtifactsDir)
	setString("work_dir", &cfg.General.WorkDir)
	setInt("max_concurrent_runs", &cfg.Queue.MaxConcurrentRuns)
	setInt("issue_confidence_threshold", &cfg.Pipeline.IssueConfidenceThreshold)
	setString("docker_image", &cfg.Worker.DockerImage)
	setString("github_token", &cfg.GitHub.Token)
	setString("anthropic_api_key", &cfg.Claude.APIKey)
	setString("github_api_url", &cfg.GitHub.APIURL)
	setString("slack_webhook", &cfg.Notifications.SlackWebhook)
	setString("web_host", &cfg.Web.Host)
	setInt("web_port", &cfg.Web.Port)
	setString("log_level", &cfg.Logging.Level)
	setString("log_file", &cfg.Logging.File)
	setString("schedules_file", &cfg.Schedules.File)
	return nil
}

// Save writes the configuration as TOML
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// PollInterval returns the queue poll interval
func (c *Config) PollInterval() time.Duration {
	return Seconds(c.Queue.PollIntervalSecs, 2)
}

// StepTimeout bounds a single collaborator call
func (c *Config) StepTimeout() time.Duration {
	return Seconds(c.Pipeline.StepTimeoutSecs, 1800)
}

// HeartbeatInterval is how often an executing run refreshes its heartbeat
func (c *Config) HeartbeatInterval() time.Duration {
	return Seconds(c.Pipeline.HeartbeatIntervalSecs, 15)
}

// StaleAfter is the heartbeat age after which a claimed run counts as orphaned
func (c *Config) StaleAfter() time.Duration {
	return Seconds(c.Pipeline.StaleAfterSecs, 120)
}

// StopTimeout is the grace period between terminate and kill
func (c *Config) StopTimeout() time.Duration {
	return Seconds(c.Worker.StopTimeoutSecs, 10)
}

// StartupGrace is how long a freshly started worker must survive
func (c *Config) StartupGrace() time.Duration {
	if c.Worker.StartupGraceMs < 0 {
		return 0
	}
	return time.Duration(c.Worker.StartupGraceMs) * time.Millisecond
}

// Seconds converts a *_secs setting, using fallback when it is not positive
func Seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "uiqa", "config.toml")
}
