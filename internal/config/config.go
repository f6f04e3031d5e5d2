package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/semmidev/sitekeeper/internal/domain"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Backup     BackupConfig     `mapstructure:"backup"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
	Timezone string `mapstructure:"timezone"`
}

type DatabaseConfig struct {
	// Path is the SQLite database file holding both the site content and
	// the backup metadata.
	Path string `mapstructure:"path"`
}

type BackupConfig struct {
	LocalPath     string         `mapstructure:"local_path"`
	Tables        []string       `mapstructure:"tables"`
	CompressLevel int            `mapstructure:"compress_level"`
	StaleAfter    time.Duration  `mapstructure:"stale_after"`
	UploadTargets []UploadTarget `mapstructure:"upload_targets"`
}

type UploadTarget struct {
	Type    string `mapstructure:"type"`
	Enabled bool   `mapstructure:"enabled"`

	// Google Drive
	CredentialsFile string `mapstructure:"credentials_file"`
	FolderID        string `mapstructure:"folder_id"`

	// AWS S3
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
	Endpoint  string `mapstructure:"endpoint"`
}

// ScheduleConfig seeds the schedule record the first time the database is
// opened. Later changes go through the schedule commands or the API.
type ScheduleConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Frequency     string `mapstructure:"frequency"`
	TimeOfDay     string `mapstructure:"time_of_day"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PIDFile      string        `mapstructure:"pidfile"`
}

type SupervisorConfig struct {
	CheckInterval  time.Duration `mapstructure:"check_interval"`
	Manager        string        `mapstructure:"manager"`
	PIDFile        string        `mapstructure:"pidfile"`
	ProcessName    string        `mapstructure:"process_name"`
	StartCommand   []string      `mapstructure:"start_command"`
	StatusCommand  []string      `mapstructure:"status_command"`
	RestartCommand []string      `mapstructure:"restart_command"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// Tokens maps an actor name to its bearer token.
	Tokens map[string]string `mapstructure:"tokens"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	// APIEndpoint points at a self-hosted Bot API server, e.g.
	// "http://localhost:8081/bot%s/%s". Empty uses api.telegram.org.
	APIEndpoint string `mapstructure:"api_endpoint"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("SITEKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "sitekeeper")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.timezone", "Local")
	v.SetDefault("database.path", "data/site.db")
	v.SetDefault("backup.local_path", "data/backups")
	v.SetDefault("backup.compress_level", 6)
	v.SetDefault("backup.stale_after", 6*time.Hour)
	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.frequency", string(domain.FrequencyDaily))
	v.SetDefault("schedule.time_of_day", "02:00")
	v.SetDefault("schedule.retention_days", 7)
	v.SetDefault("scheduler.poll_interval", time.Minute)
	v.SetDefault("scheduler.pidfile", "data/scheduler.pid")
	v.SetDefault("supervisor.check_interval", 5*time.Minute)
	v.SetDefault("supervisor.manager", "pidfile")
	v.SetDefault("supervisor.pidfile", "data/scheduler.pid")
	v.SetDefault("supervisor.process_name", "sitekeeper")
	v.SetDefault("http.addr", ":8080")
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Backup.LocalPath == "" {
		return fmt.Errorf("backup.local_path is required")
	}

	if len(c.Backup.Tables) == 0 {
		return fmt.Errorf("backup.tables must list at least one table")
	}

	seen := make(map[string]bool, len(c.Backup.Tables))
	for i, table := range c.Backup.Tables {
		if table == "" {
			return fmt.Errorf("backup.tables[%d]: name is required", i)
		}
		if seen[table] {
			return fmt.Errorf("backup.tables[%d]: duplicate table %q", i, table)
		}
		seen[table] = true
	}

	if c.Backup.StaleAfter <= 0 {
		return fmt.Errorf("backup.stale_after must be positive")
	}

	seed := c.Schedule.Seed()
	if err := seed.Validate(); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}

	if c.Scheduler.PollInterval < time.Second {
		return fmt.Errorf("scheduler.poll_interval must be at least 1s")
	}

	if c.Supervisor.CheckInterval < time.Second {
		return fmt.Errorf("supervisor.check_interval must be at least 1s")
	}

	switch c.Supervisor.Manager {
	case "pidfile":
		if c.Supervisor.PIDFile == "" {
			return fmt.Errorf("supervisor.pidfile is required for the pidfile manager")
		}
	case "command":
		if len(c.Supervisor.StatusCommand) == 0 || len(c.Supervisor.RestartCommand) == 0 {
			return fmt.Errorf("supervisor.status_command and supervisor.restart_command are required for the command manager")
		}
	default:
		return fmt.Errorf("supervisor.manager: unknown manager %q", c.Supervisor.Manager)
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	for i, target := range c.Backup.UploadTargets {
		if target.Type == "" {
			return fmt.Errorf("backup.upload_targets[%d]: type is required", i)
		}
	}

	if c.Notify.Telegram.Enabled && (c.Notify.Telegram.BotToken == "" || c.Notify.Telegram.ChatID == "") {
		return fmt.Errorf("notify.telegram: bot_token and chat_id are required when enabled")
	}

	return nil
}

// Location resolves app.timezone; schedule times of day are interpreted in it.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app.timezone: %w", err)
	}
	return loc, nil
}

func (c *Config) GetEnabledUploadTargets() []UploadTarget {
	var enabled []UploadTarget
	for _, target := range c.Backup.UploadTargets {
		if target.Enabled {
			enabled = append(enabled, target)
		}
	}
	return enabled
}

func (s ScheduleConfig) Seed() *domain.BackupSchedule {
	return &domain.BackupSchedule{
		Enabled:       s.Enabled,
		Frequency:     domain.Frequency(strings.ToUpper(s.Frequency)),
		TimeOfDay:     s.TimeOfDay,
		RetentionDays: s.RetentionDays,
	}
}
