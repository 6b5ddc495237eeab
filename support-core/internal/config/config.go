package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ILLUVRSE/supportops/support-core/internal/models"
)

type ModelConfig struct {
	Endpoint     string `yaml:"endpoint"`
	APIKey       string `yaml:"apiKey"`
	APIVersion   string `yaml:"apiVersion"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"systemPrompt"`
}

type TimeoutConfig struct {
	Emergency      time.Duration `yaml:"emergency"`
	Infrastructure time.Duration `yaml:"infrastructure"`
	MetaMonitor    time.Duration `yaml:"metaMonitor"`
	Implementation time.Duration `yaml:"implementation"`
	Standard       time.Duration `yaml:"standard"`
	HealthCheck    time.Duration `yaml:"healthCheck"`
}

// ByClass maps the configured timeouts onto operation classes.
func (t TimeoutConfig) ByClass() map[models.OperationClass]time.Duration {
	return map[models.OperationClass]time.Duration{
		models.OperationEmergency:      t.Emergency,
		models.OperationInfrastructure: t.Infrastructure,
		models.OperationMetaMonitor:    t.MetaMonitor,
		models.OperationImplementation: t.Implementation,
		models.OperationStandard:       t.Standard,
	}
}

type ComplianceConfig struct {
	Enabled       bool     `yaml:"enabled"`
	RulesFile     string   `yaml:"rulesFile"`
	AllowedModels []string `yaml:"allowedModels"`
}

type BreakerConfig struct {
	FailureThreshold    uint32        `yaml:"failureThreshold"`
	OpenTimeout         time.Duration `yaml:"openTimeout"`
	HalfOpenMaxRequests uint32        `yaml:"halfOpenMaxRequests"`
}

type FlagsConfig struct {
	Backend  string          `yaml:"backend"`
	Defaults map[string]bool `yaml:"defaults"`
}

type ApprovalConfig struct {
	PolicyFile   string `yaml:"policyFile"`
	StoreBackend string `yaml:"storeBackend"`
	S3Bucket     string `yaml:"s3Bucket"`
	S3Prefix     string `yaml:"s3Prefix"`
}

type AuditConfig struct {
	Dir          string   `yaml:"dir"`
	KafkaBrokers []string `yaml:"kafkaBrokers"`
	KafkaTopic   string   `yaml:"kafkaTopic"`
	S3Bucket     string   `yaml:"s3Bucket"`
	S3Prefix     string   `yaml:"s3Prefix"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type AuthConfig struct {
	JWTSecret       string `yaml:"jwtSecret"`
	Issuer          string `yaml:"issuer"`
	AllowDebugActor bool   `yaml:"allowDebugActor"`
}

type Config struct {
	Addr                string           `yaml:"addr"`
	DatabaseURL         string           `yaml:"databaseUrl"`
	Model               ModelConfig      `yaml:"model"`
	Timeouts            TimeoutConfig    `yaml:"timeouts"`
	HealthCheckInterval time.Duration    `yaml:"healthCheckInterval"`
	Compliance          ComplianceConfig `yaml:"compliance"`
	Breaker             BreakerConfig    `yaml:"breaker"`
	Flags               FlagsConfig      `yaml:"flags"`
	Approval            ApprovalConfig   `yaml:"approval"`
	Audit               AuditConfig      `yaml:"audit"`
	Logging             LoggingConfig    `yaml:"logging"`
	Auth                AuthConfig       `yaml:"auth"`
}

const (
	defaultAddr       = ":8071"
	defaultModel      = "claude-sonnet-4-5"
	defaultPolicyFile = "config/approval-policy.yaml"
)

func Default() Config {
	return Config{
		Addr: defaultAddr,
		Model: ModelConfig{
			Model: defaultModel,
		},
		Timeouts: TimeoutConfig{
			Emergency:      models.EmergencyCeiling,
			Infrastructure: models.CriticalCeiling,
			MetaMonitor:    models.CriticalCeiling,
			Implementation: models.ImplementationTarget,
			Standard:       models.StandardDefaultBudget,
			HealthCheck:    5 * time.Second,
		},
		HealthCheckInterval: time.Minute,
		Compliance:          ComplianceConfig{Enabled: true},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			OpenTimeout:         30 * time.Second,
			HalfOpenMaxRequests: 1,
		},
		Flags: FlagsConfig{
			Backend:  "memory",
			Defaults: map[string]bool{"direct_model_access": true},
		},
		Approval: ApprovalConfig{
			PolicyFile:   defaultPolicyFile,
			StoreBackend: "fs",
		},
		Logging: LoggingConfig{Level: "info", JSON: true},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// SUPPORT_CORE_* environment overrides, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("SUPPORT_CORE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = getEnv("SUPPORT_CORE_ADDR", cfg.Addr)
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("SUPPORT_CORE_DATABASE_URL"), os.Getenv("DATABASE_URL"), cfg.DatabaseURL)

	cfg.Model.Endpoint = getEnv("SUPPORT_CORE_MODEL_ENDPOINT", cfg.Model.Endpoint)
	cfg.Model.APIKey = firstNonEmpty(os.Getenv("SUPPORT_CORE_MODEL_API_KEY"), os.Getenv("ANTHROPIC_API_KEY"), cfg.Model.APIKey)
	cfg.Model.Model = getEnv("SUPPORT_CORE_MODEL", cfg.Model.Model)

	cfg.Timeouts.Emergency = getDuration("SUPPORT_CORE_TIMEOUT_EMERGENCY", cfg.Timeouts.Emergency)
	cfg.Timeouts.Infrastructure = getDuration("SUPPORT_CORE_TIMEOUT_INFRASTRUCTURE", cfg.Timeouts.Infrastructure)
	cfg.Timeouts.MetaMonitor = getDuration("SUPPORT_CORE_TIMEOUT_META_MONITOR", cfg.Timeouts.MetaMonitor)
	cfg.Timeouts.Implementation = getDuration("SUPPORT_CORE_TIMEOUT_IMPLEMENTATION", cfg.Timeouts.Implementation)
	cfg.Timeouts.Standard = getDuration("SUPPORT_CORE_TIMEOUT_STANDARD", cfg.Timeouts.Standard)
	cfg.Timeouts.HealthCheck = getDuration("SUPPORT_CORE_TIMEOUT_HEALTH_CHECK", cfg.Timeouts.HealthCheck)
	cfg.HealthCheckInterval = getDuration("SUPPORT_CORE_HEALTH_CHECK_INTERVAL", cfg.HealthCheckInterval)

	cfg.Compliance.Enabled = getBool("SUPPORT_CORE_COMPLIANCE_ENABLED", cfg.Compliance.Enabled)
	cfg.Compliance.RulesFile = getEnv("SUPPORT_CORE_COMPLIANCE_RULES", cfg.Compliance.RulesFile)
	cfg.Compliance.AllowedModels = getList("SUPPORT_CORE_ALLOWED_MODELS", cfg.Compliance.AllowedModels)

	cfg.Breaker.FailureThreshold = uint32(getInt("SUPPORT_CORE_BREAKER_FAILURES", int(cfg.Breaker.FailureThreshold)))
	cfg.Breaker.OpenTimeout = getDuration("SUPPORT_CORE_BREAKER_OPEN_TIMEOUT", cfg.Breaker.OpenTimeout)

	cfg.Flags.Backend = getEnv("SUPPORT_CORE_FLAGS_BACKEND", cfg.Flags.Backend)

	cfg.Approval.PolicyFile = getEnv("SUPPORT_CORE_APPROVAL_POLICY", cfg.Approval.PolicyFile)
	cfg.Approval.StoreBackend = getEnv("SUPPORT_CORE_PROPOSAL_STORE", cfg.Approval.StoreBackend)
	cfg.Approval.S3Bucket = getEnv("SUPPORT_CORE_PROPOSAL_S3_BUCKET", cfg.Approval.S3Bucket)
	cfg.Approval.S3Prefix = getEnv("SUPPORT_CORE_PROPOSAL_S3_PREFIX", cfg.Approval.S3Prefix)

	cfg.Audit.Dir = getEnv("SUPPORT_CORE_AUDIT_DIR", cfg.Audit.Dir)
	cfg.Audit.KafkaBrokers = getList("SUPPORT_CORE_AUDIT_KAFKA_BROKERS", cfg.Audit.KafkaBrokers)
	cfg.Audit.KafkaTopic = getEnv("SUPPORT_CORE_AUDIT_KAFKA_TOPIC", cfg.Audit.KafkaTopic)
	cfg.Audit.S3Bucket = getEnv("SUPPORT_CORE_AUDIT_S3_BUCKET", cfg.Audit.S3Bucket)
	cfg.Audit.S3Prefix = getEnv("SUPPORT_CORE_AUDIT_S3_PREFIX", cfg.Audit.S3Prefix)

	cfg.Logging.Level = getEnv("SUPPORT_CORE_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.JSON = getBool("SUPPORT_CORE_LOG_JSON", cfg.Logging.JSON)

	cfg.Auth.JWTSecret = getEnv("SUPPORT_CORE_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.Issuer = getEnv("SUPPORT_CORE_JWT_ISSUER", cfg.Auth.Issuer)
	cfg.Auth.AllowDebugActor = getBool("SUPPORT_CORE_ALLOW_DEBUG_ACTOR", cfg.Auth.AllowDebugActor)
}

// Validate rejects configurations that would break the latency tiers or
// leave a backend half-configured.
func (c Config) Validate() error {
	if c.Model.Model == "" {
		return fmt.Errorf("model id required")
	}
	for class, d := range c.Timeouts.ByClass() {
		if d <= 0 {
			return fmt.Errorf("timeout for %s must be positive", class)
		}
		if ceiling, ok := models.TimeoutCeiling(class); ok && d > ceiling {
			return fmt.Errorf("timeout for %s is %s, above the %s ceiling", class, d, ceiling)
		}
	}
	if c.Timeouts.HealthCheck <= 0 {
		return fmt.Errorf("health check timeout must be positive")
	}
	switch c.Flags.Backend {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL required for postgres flag backend")
		}
	default:
		return fmt.Errorf("unknown flag backend %q", c.Flags.Backend)
	}
	switch c.Approval.StoreBackend {
	case "fs":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL required for postgres proposal store")
		}
	case "s3":
		if c.Approval.S3Bucket == "" {
			return fmt.Errorf("proposal s3 bucket required")
		}
	default:
		return fmt.Errorf("unknown proposal store %q", c.Approval.StoreBackend)
	}
	if c.Approval.PolicyFile == "" {
		return fmt.Errorf("approval policy file required")
	}
	if len(c.Audit.KafkaBrokers) > 0 && c.Audit.KafkaTopic == "" {
		return fmt.Errorf("audit kafka topic required when brokers are set")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getDuration accepts Go duration strings or a bare millisecond count.
func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
