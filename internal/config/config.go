package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no config file is given explicitly. Its absence
// is not an error.
const DefaultPath = "config/config.yaml"

type Config struct {
	Server   ServerConfig           `yaml:"server"`
	Database DatabaseConfig         `yaml:"database"`
	Log      LogConfig              `yaml:"log"`
	Paths    PathsConfig            `yaml:"paths"`
	Worker   WorkerConfig           `yaml:"worker"`
	Retry    RetryConfig            `yaml:"retry"`
	Limits   map[string]LimitConfig `yaml:"limits" validate:"dive"`
	Engine   EngineConfig           `yaml:"engine"`
	Delivery DeliveryConfig         `yaml:"delivery"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`
	// gin mode: debug/release/test
	Mode string `yaml:"mode" validate:"omitempty,oneof=debug release test"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite mysql"`
	// sqlite
	Path string `yaml:"path"`
	// mysql
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	Charset  string `yaml:"charset"`

	MaxOpenConns int  `yaml:"max_open_conns" validate:"gte=0"`
	Debug        bool `yaml:"debug"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type PathsConfig struct {
	Outputs string `yaml:"outputs" validate:"required"`
	// <prompts>/<type>.md overrides the built-in template
	Prompts string `yaml:"prompts"`
}

type WorkerConfig struct {
	ID            string        `yaml:"id"`
	MaxConcurrent int           `yaml:"max_concurrent" validate:"min=1"`
	PollInterval  time.Duration `yaml:"poll_interval" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	StaleSlack    time.Duration `yaml:"stale_slack" validate:"gte=0"`
	GracePeriod   time.Duration `yaml:"grace_period" validate:"gt=0"`
	MaxAttempts   int           `yaml:"max_attempts" validate:"min=1"`
}

type RetryConfig struct {
	BaseDelay      time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay       time.Duration `yaml:"max_delay" validate:"gtfield=BaseDelay"`
	JitterFraction float64       `yaml:"jitter_fraction" validate:"gte=0,lte=1"`
}

type LimitConfig struct {
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxTurns int           `yaml:"max_turns" validate:"min=1"`
}

type EngineConfig struct {
	Kind     string         `yaml:"kind" validate:"oneof=cli workflow"`
	CLI      CLIConfig      `yaml:"cli"`
	Workflow WorkflowConfig `yaml:"workflow"`
}

type CLIConfig struct {
	Binary    string   `yaml:"binary"`
	ExtraArgs []string `yaml:"extra_args"`
	// KEY=VALUE pairs added to the child environment
	Env []string `yaml:"env"`
	// variables removed from the child environment
	UnsetEnv []string `yaml:"unset_env"`
}

// WorkflowConfig points at a blocking HTTP workflow API.
type WorkflowConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	ResponseMode string        `yaml:"response_mode"`
	PromptKey    string        `yaml:"prompt_key"`
	OutputKey    string        `yaml:"output_key"`
	User         string        `yaml:"user"`
	Timeout      time.Duration `yaml:"timeout"`
}

type DeliveryConfig struct {
	Channels map[string]ChannelConfig `yaml:"channels" validate:"dive"`
}

// ChannelConfig runs Command with Args for each delivery. The
// placeholders {file}, {dir}, {task_id}, {folder}, {to}, {subject} and
// {body} are substituted in Args.
type ChannelConfig struct {
	Command string        `yaml:"command" validate:"required"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns a configuration that runs locally against SQLite.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8000, Mode: "release"},
		Database: DatabaseConfig{
			Driver:  "sqlite",
			Path:    "data/deepagent.db",
			Port:    3306,
			Charset: "utf8mb4",
		},
		Log:   LogConfig{Level: "info", Format: "text"},
		Paths: PathsConfig{Outputs: "outputs", Prompts: "prompts"},
		Worker: WorkerConfig{
			MaxConcurrent: 1,
			PollInterval:  5 * time.Second,
			SweepInterval: time.Minute,
			StaleSlack:    time.Minute,
			GracePeriod:   5 * time.Second,
			MaxAttempts:   3,
		},
		Retry: RetryConfig{
			BaseDelay:      60 * time.Second,
			MaxDelay:       900 * time.Second,
			JitterFraction: 0.1,
		},
		Limits: map[string]LimitConfig{
			"research": {Timeout: 30 * time.Minute, MaxTurns: 100},
			"analysis": {Timeout: 20 * time.Minute, MaxTurns: 50},
			"document": {Timeout: 15 * time.Minute, MaxTurns: 30},
		},
		Engine: EngineConfig{
			Kind: "cli",
			CLI:  CLIConfig{Binary: "claude", UnsetEnv: []string{"CLAUDECODE"}},
			Workflow: WorkflowConfig{
				ResponseMode: "blocking",
				PromptKey:    "query",
				User:         "deepagent",
			},
		},
		Delivery: DeliveryConfig{Channels: map[string]ChannelConfig{}},
	}
}

// LoadConfig reads path over Default, applies .env and DEEPAGENT_*
// overrides, and validates the result. An empty path means DefaultPath,
// which may be missing.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	optional := path == ""
	if optional {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case optional && errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, t := range []string{"research", "analysis", "document"} {
		if _, ok := c.Limits[t]; !ok {
			return fmt.Errorf("invalid config: limits.%s missing", t)
		}
	}
	if c.Engine.Kind == "workflow" && c.Engine.Workflow.BaseURL == "" {
		return fmt.Errorf("invalid config: engine.workflow.base_url required")
	}
	return nil
}

// fillDefaults backfills zero fields left by a partial YAML document.
func (c *Config) fillDefaults() {
	def := Default()
	if c.Limits == nil {
		c.Limits = map[string]LimitConfig{}
	}
	for name, d := range def.Limits {
		l := c.Limits[name]
		if l.Timeout == 0 {
			l.Timeout = d.Timeout
		}
		if l.MaxTurns == 0 {
			l.MaxTurns = d.MaxTurns
		}
		c.Limits[name] = l
	}
	for name, ch := range c.Delivery.Channels {
		if ch.Timeout == 0 {
			ch.Timeout = 5 * time.Minute
			c.Delivery.Channels[name] = ch
		}
	}
	if c.Engine.Workflow.PromptKey == "" {
		c.Engine.Workflow.PromptKey = def.Engine.Workflow.PromptKey
	}
	if c.Engine.Workflow.ResponseMode == "" {
		c.Engine.Workflow.ResponseMode = def.Engine.Workflow.ResponseMode
	}
	if c.Worker.ID == "" {
		host, _ := os.Hostname()
		c.Worker.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"DEEPAGENT_DB_DRIVER":        &c.Database.Driver,
		"DEEPAGENT_DB_PATH":          &c.Database.Path,
		"DEEPAGENT_DB_HOST":          &c.Database.Host,
		"DEEPAGENT_DB_USER":          &c.Database.User,
		"DEEPAGENT_DB_PASSWORD":      &c.Database.Password,
		"DEEPAGENT_DB_NAME":          &c.Database.DBName,
		"DEEPAGENT_OUTPUTS_PATH":     &c.Paths.Outputs,
		"DEEPAGENT_PROMPTS_PATH":     &c.Paths.Prompts,
		"DEEPAGENT_LOG_LEVEL":        &c.Log.Level,
		"DEEPAGENT_ENGINE":           &c.Engine.Kind,
		"DEEPAGENT_CLAUDE_BINARY":    &c.Engine.CLI.Binary,
		"DEEPAGENT_WORKFLOW_URL":     &c.Engine.Workflow.BaseURL,
		"DEEPAGENT_WORKFLOW_API_KEY": &c.Engine.Workflow.APIKey,
		"DEEPAGENT_WORKER_ID":        &c.Worker.ID,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"DEEPAGENT_PORT":           &c.Server.Port,
		"DEEPAGENT_DB_PORT":        &c.Database.Port,
		"DEEPAGENT_MAX_CONCURRENT": &c.Worker.MaxConcurrent,
		"DEEPAGENT_MAX_ATTEMPTS":   &c.Worker.MaxAttempts,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv("DEEPAGENT_POLL_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DEEPAGENT_POLL_INTERVAL: %w", err)
		}
		c.Worker.PollInterval = d
	}
	return nil
}
