package domain

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server" json:"server"`

	// Tier determines infrastructure defaults
	Tier Tier `yaml:"tier" json:"tier"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository" json:"repository"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	EventBus   EventBusConfig   `yaml:"eventBus" json:"eventBus"`

	// Core pipeline configuration
	LLM      LLMConfig      `yaml:"llm" json:"llm"`
	Scoring  ScoringConfig  `yaml:"scoring" json:"scoring"`
	Behavior BehaviorConfig `yaml:"behavior" json:"behavior"`

	// Observability
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	ReadTimeout  int    `yaml:"readTimeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `yaml:"writeTimeout" json:"writeTimeout"` // seconds
}

// LLMConfig holds completion API settings for the agent pipeline.
type LLMConfig struct {
	// Enabled toggles model-backed steps. When false, every AI step runs its
	// deterministic fallback and reports source "fallback".
	Enabled bool `yaml:"enabled" json:"enabled"`

	BaseURL     string  `yaml:"baseUrl" json:"baseUrl"`
	Model       string  `yaml:"model" json:"model"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"maxTokens" json:"maxTokens"`

	// Per-request timeout in seconds
	TimeoutSecs int `yaml:"timeoutSecs" json:"timeoutSecs"`

	// Backoff delays between retries, in milliseconds. The client retries
	// exactly len(RetryDelaysMs) times before propagating the error.
	RetryDelaysMs []int `yaml:"retryDelaysMs" json:"retryDelaysMs"`

	// APIKey is read from the environment, never from the config file.
	APIKey string `yaml:"-" json:"-"`
}

// ScoringConfig is part of the risk scorer's public contract: the score scale,
// tier cut points, and per-flag-type weights all live here, not in code.
type ScoringConfig struct {
	// ScaleMax is the top of the score scale (scores are clamped to [0, ScaleMax])
	ScaleMax float64 `yaml:"scaleMax" json:"scaleMax"`

	// DefaultSeverity is the severity score assigned when a rule's parsed form
	// is a fallback (no model output available)
	DefaultSeverity int `yaml:"defaultSeverity" json:"defaultSeverity"`

	// Severity tier cut points. A score equal to a cut point takes the higher
	// tier (conservative tie-break).
	MediumCut   float64 `yaml:"mediumCut" json:"mediumCut"`
	HighCut     float64 `yaml:"highCut" json:"highCut"`
	CriticalCut float64 `yaml:"criticalCut" json:"criticalCut"`

	// FlagWeights maps behavioral flag types to aggregation weights
	FlagWeights map[string]float64 `yaml:"flagWeights" json:"flagWeights"`
}

// BehaviorConfig holds thresholds for the behavioral heuristics.
type BehaviorConfig struct {
	// VelocityThreshold is the transaction count in the window at which the
	// velocity flag raises
	VelocityThreshold int `yaml:"velocityThreshold" json:"velocityThreshold"`

	// WindowSecs is the sliding window for velocity and structuring checks
	WindowSecs int `yaml:"windowSecs" json:"windowSecs"`

	// ReportingThresholds maps currency codes to the regulatory reporting
	// threshold used by the structuring heuristic
	ReportingThresholds map[string]float64 `yaml:"reportingThresholds" json:"reportingThresholds"`

	// StructuringMinCount is the minimum number of just-under-threshold
	// transactions that constitutes a structuring pattern
	StructuringMinCount int `yaml:"structuringMinCount" json:"structuringMinCount"`

	// StructuringRatio defines "just under": amounts in
	// [ratio*threshold, threshold) count toward the pattern
	StructuringRatio float64 `yaml:"structuringRatio" json:"structuringRatio"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	ServiceName string `yaml:"serviceName" json:"serviceName"`
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		LLM: LLMConfig{
			Enabled:       true,
			BaseURL:       "https://api.groq.com/openai/v1/chat/completions",
			Model:         "llama-3.3-70b-versatile",
			Temperature:   0.1,
			MaxTokens:     1024,
			TimeoutSecs:   30,
			RetryDelaysMs: []int{1000, 2000, 4000},
		},
		Scoring: ScoringConfig{
			ScaleMax:        100,
			DefaultSeverity: 50,
			MediumCut:       30,
			HighCut:         60,
			CriticalCut:     85,
			FlagWeights: map[string]float64{
				FlagVelocity:    0.8,
				FlagStructuring: 1.0,
				FlagGeoAnomaly:  0.6,
			},
		},
		Behavior: BehaviorConfig{
			VelocityThreshold: 10,
			WindowSecs:        3600,
			ReportingThresholds: map[string]float64{
				"USD": 10000,
				"EUR": 10000,
				"HKD": 8000,
			},
			StructuringMinCount: 3,
			StructuringRatio:    0.9,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
