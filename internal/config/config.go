package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Models    ModelsConfig    `koanf:"models"`
	Policy    PolicyConfig    `koanf:"policy"`
	Caps      CapsConfig      `koanf:"caps"`
	Skills    SkillsConfig    `koanf:"skills"`
	Memory    MemoryConfig    `koanf:"memory"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Gateway   GatewayConfig   `koanf:"gateway"`
}

type ServerConfig struct {
	LogLevel string `koanf:"log_level"`
	DataDir  string `koanf:"data_dir"`
	Version  string `koanf:"version"`
}

type DatabaseConfig struct {
	Path         string `koanf:"path"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	QueryTimeout string `koanf:"query_timeout"`
}

type ModelsConfig struct {
	Provider       string `koanf:"provider"`
	Model          string `koanf:"model"`
	EmbeddingModel string `koanf:"embedding_model"`
	APIKey         string `koanf:"api_key"`
	BaseURL        string `koanf:"base_url"`
	RequestTimeout string `koanf:"request_timeout"`
	FormatTimeout  string `koanf:"format_timeout"`
}

type PolicyConfig struct {
	RulesPath       string   `koanf:"rules_path"`
	DangerousTokens []string `koanf:"dangerous_tokens"`
}

type CapsConfig struct {
	MaxProposalsPerHour int    `koanf:"max_proposals_per_hour"`
	MinAvailableRAMMB   int    `koanf:"min_available_ram_mb"`
	MaxConcurrentTools  int    `koanf:"max_concurrent_tools"`
	ReservedCoreRAMMB   int    `koanf:"reserved_core_ram_mb"`
	MaxContainers       int    `koanf:"max_containers"`
	MeminfoPath         string `koanf:"meminfo_path"`
}

type SkillsConfig struct {
	Dirs           []string `koanf:"dirs"`
	DefaultTimeout string   `koanf:"default_timeout"`
	MaxOutputChars int      `koanf:"max_output_chars"`
}

type MemoryConfig struct {
	FactsTTL       string `koanf:"facts_ttl"`
	HistoryTTL     string `koanf:"history_ttl"`
	SystemStateTTL string `koanf:"system_state_ttl"`
	HistoryLimit   int    `koanf:"history_limit"`
	VectorDir      string `koanf:"vector_dir"`
}

type SchedulerConfig struct {
	TickInterval    string `koanf:"tick_interval"`
	ErrorBackoff    string `koanf:"error_backoff"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
	MissionGrace    string `koanf:"mission_grace"`
	LockPath        string `koanf:"lock_path"`
}

type GatewayConfig struct {
	Host            string `koanf:"host"`
	Port            int    `koanf:"port"`
	APIKey          string `koanf:"api_key"`
	DevMode         bool   `koanf:"dev_mode"`
	RatePerMinute   int    `koanf:"rate_per_minute"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

const (
	DefaultServerLogLevel  = "info"
	DefaultServerVersion   = "0.4.0"
	DefaultDatabaseMaxOpen = 10
	DefaultDatabaseMaxIdle = 2
	DefaultDatabaseTimeout = "5s"

	DefaultModelProvider       = "openai"
	DefaultModel               = "gpt-4o-mini"
	DefaultEmbeddingModel      = "text-embedding-3-small"
	DefaultModelRequestTimeout = "30s"
	DefaultModelFormatTimeout  = "10s"

	DefaultCapsMaxProposalsPerHour = 10
	DefaultCapsMinAvailableRAMMB   = 200
	DefaultCapsMaxConcurrentTools  = 2
	DefaultCapsReservedCoreRAMMB   = 512
	DefaultCapsMaxContainers       = 5

	DefaultSkillTimeout        = "30s"
	DefaultSkillMaxOutputChars = 2000

	DefaultMemoryFactsTTL       = "5m"
	DefaultMemoryHistoryTTL     = "1m"
	DefaultMemorySystemStateTTL = "1m"
	DefaultMemoryHistoryLimit   = 5

	DefaultSchedulerTickInterval    = "1s"
	DefaultSchedulerErrorBackoff    = "5s"
	DefaultSchedulerShutdownTimeout = "30s"
	DefaultSchedulerMissionGrace    = "10s"

	DefaultGatewayHost            = "0.0.0.0"
	DefaultGatewayPort            = 8080
	DefaultGatewayRatePerMinute   = 60
	DefaultGatewayReadTimeout     = "10s"
	DefaultGatewayWriteTimeout    = "30s"
	DefaultGatewayShutdownTimeout = "5s"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	dataDir := defaultDataDir()

	defaults := map[string]interface{}{
		"server.log_level":             DefaultServerLogLevel,
		"server.data_dir":              dataDir,
		"server.version":               DefaultServerVersion,
		"database.path":                filepath.Join(dataDir, "jarbas.db"),
		"database.max_open_conns":      DefaultDatabaseMaxOpen,
		"database.max_idle_conns":      DefaultDatabaseMaxIdle,
		"database.query_timeout":       DefaultDatabaseTimeout,
		"models.provider":              DefaultModelProvider,
		"models.model":                 DefaultModel,
		"models.embedding_model":       DefaultEmbeddingModel,
		"models.request_timeout":       DefaultModelRequestTimeout,
		"models.format_timeout":        DefaultModelFormatTimeout,
		"policy.rules_path":            filepath.Join(dataDir, "allowlist.json"),
		"policy.dangerous_tokens":      []string{"systemctl", "rm -rf", "kill", "docker stop", "docker rm"},
		"caps.max_proposals_per_hour":  DefaultCapsMaxProposalsPerHour,
		"caps.min_available_ram_mb":    DefaultCapsMinAvailableRAMMB,
		"caps.max_concurrent_tools":    DefaultCapsMaxConcurrentTools,
		"caps.reserved_core_ram_mb":    DefaultCapsReservedCoreRAMMB,
		"caps.max_containers":          DefaultCapsMaxContainers,
		"caps.meminfo_path":            "/proc/meminfo",
		"skills.dirs":                  []string{filepath.Join(dataDir, "skills")},
		"skills.default_timeout":       DefaultSkillTimeout,
		"skills.max_output_chars":      DefaultSkillMaxOutputChars,
		"memory.facts_ttl":             DefaultMemoryFactsTTL,
		"memory.history_ttl":           DefaultMemoryHistoryTTL,
		"memory.system_state_ttl":      DefaultMemorySystemStateTTL,
		"memory.history_limit":         DefaultMemoryHistoryLimit,
		"memory.vector_dir":            filepath.Join(dataDir, "vectors"),
		"scheduler.tick_interval":      DefaultSchedulerTickInterval,
		"scheduler.error_backoff":      DefaultSchedulerErrorBackoff,
		"scheduler.shutdown_timeout":   DefaultSchedulerShutdownTimeout,
		"scheduler.mission_grace":      DefaultSchedulerMissionGrace,
		"scheduler.lock_path":          filepath.Join(dataDir, "scheduler.lock"),
		"gateway.host":                 DefaultGatewayHost,
		"gateway.port":                 DefaultGatewayPort,
		"gateway.rate_per_minute":      DefaultGatewayRatePerMinute,
		"gateway.read_timeout":         DefaultGatewayReadTimeout,
		"gateway.write_timeout":        DefaultGatewayWriteTimeout,
		"gateway.shutdown_timeout":     DefaultGatewayShutdownTimeout,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		globalPath := filepath.Join(dataDir, "config.yaml")
		if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
			slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
		}
	}

	k.Load(env.Provider("JARBAS_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "JARBAS_")), "_", ".", -1)
	}), nil)

	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Standard env vars fill gaps left by config.
	if cfg.Models.APIKey == "" {
		switch cfg.Models.Provider {
		case "anthropic":
			cfg.Models.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		default:
			cfg.Models.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if cfg.Gateway.APIKey == "" {
		cfg.Gateway.APIKey = os.Getenv("GATEWAY_API_KEY")
	}

	return &cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".jarbas"
	}
	return filepath.Join(home, ".jarbas")
}
