package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Lark      LarkConfig      `mapstructure:"lark"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Etherscan EtherscanConfig `mapstructure:"etherscan"`
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
}

// LarkConfig holds Lark API configuration
type LarkConfig struct {
	AppID          string        `mapstructure:"app_id"`
	AppSecret      string        `mapstructure:"app_secret"`
	InboxChatID    string        `mapstructure:"inbox_chat_id"`
	ApprovalChatID string        `mapstructure:"approval_chat_id"`
	APITimeout     time.Duration `mapstructure:"api_timeout"`
}

// OpenAIConfig holds OpenAI API configuration
type OpenAIConfig struct {
	APIKey              string        `mapstructure:"api_key"`
	Model               string        `mapstructure:"model"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

// EtherscanConfig holds payment lookup configuration
type EtherscanConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// TrackingConfig holds the tracking ledger configuration
type TrackingConfig struct {
	LedgerPath string `mapstructure:"ledger_path"`
}

// WatcherConfig holds source polling intervals
type WatcherConfig struct {
	InboxInterval    time.Duration `mapstructure:"inbox_interval"`
	ApprovalInterval time.Duration `mapstructure:"approval_interval"`
	PaymentInterval  time.Duration `mapstructure:"payment_interval"`
	QueueSize        int           `mapstructure:"queue_size"`
}

// SchedulerConfig holds the reminder sweep configuration
type SchedulerConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ExecutorConfig holds action delivery configuration
type ExecutorConfig struct {
	Workers        int           `mapstructure:"workers"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
}

// PolicyConfig holds the wait and reminder policy
type PolicyConfig struct {
	ValidationBusinessDays   int           `mapstructure:"validation_business_days"`
	ValidationMaxReminders   int           `mapstructure:"validation_max_reminders"`
	ApprovalReminderInterval time.Duration `mapstructure:"approval_reminder_interval"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Override with environment variables
	bindEnvVars()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	// Database defaults
	viper.SetDefault("database.path", "data/invoices.db")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	viper.SetDefault("database.migrations_dir", "migrations")

	// Lark defaults
	viper.SetDefault("lark.api_timeout", 30*time.Second)

	// OpenAI defaults
	viper.SetDefault("openai.model", "gpt-4o")
	viper.SetDefault("openai.confidence_threshold", 0.6)
	viper.SetDefault("openai.timeout", 60*time.Second)

	// Etherscan defaults
	viper.SetDefault("etherscan.base_url", "https://api.etherscan.io")

	// Tracking defaults
	viper.SetDefault("tracking.ledger_path", "data/invoice_ledger.xlsx")

	// Watcher defaults
	viper.SetDefault("watcher.inbox_interval", time.Minute)
	viper.SetDefault("watcher.approval_interval", 30*time.Second)
	viper.SetDefault("watcher.payment_interval", time.Minute)
	viper.SetDefault("watcher.queue_size", 256)

	// Scheduler defaults
	viper.SetDefault("scheduler.sweep_interval", 30*time.Second)

	// Executor defaults
	viper.SetDefault("executor.workers", 4)
	viper.SetDefault("executor.max_attempts", 5)
	viper.SetDefault("executor.initial_backoff", 2*time.Second)

	// Policy defaults
	viper.SetDefault("policy.validation_business_days", 3)
	viper.SetDefault("policy.validation_max_reminders", 1)
	viper.SetDefault("policy.approval_reminder_interval", 24*time.Hour)

	// Logger defaults
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.output_path", "stdout")
	viper.SetDefault("logger.format", "json")
}

// bindEnvVars binds environment variables to configuration
func bindEnvVars() {
	// Sensitive credentials from environment
	viper.BindEnv("lark.app_id", "LARK_APP_ID")
	viper.BindEnv("lark.app_secret", "LARK_APP_SECRET")
	viper.BindEnv("lark.inbox_chat_id", "LARK_INBOX_CHAT_ID")
	viper.BindEnv("lark.approval_chat_id", "LARK_APPROVAL_CHAT_ID")
	viper.BindEnv("openai.api_key", "OPENAI_API_KEY")
	viper.BindEnv("etherscan.api_key", "ETHERSCAN_API_KEY")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate Lark credentials
	if c.Lark.AppID == "" {
		return fmt.Errorf("lark.app_id is required")
	}
	if c.Lark.AppSecret == "" {
		return fmt.Errorf("lark.app_secret is required")
	}
	if c.Lark.InboxChatID == "" {
		return fmt.Errorf("lark.inbox_chat_id is required")
	}
	if c.Lark.ApprovalChatID == "" {
		return fmt.Errorf("lark.approval_chat_id is required")
	}

	// Validate OpenAI credentials
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.api_key is required")
	}

	// Validate payment lookup
	if c.Etherscan.APIKey == "" {
		return fmt.Errorf("etherscan.api_key is required")
	}

	// Validate policy bounds
	if c.Policy.ValidationBusinessDays <= 0 {
		return fmt.Errorf("policy.validation_business_days must be positive")
	}
	if c.Policy.ApprovalReminderInterval <= 0 {
		return fmt.Errorf("policy.approval_reminder_interval must be positive")
	}

	return nil
}
