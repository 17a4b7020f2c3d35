// Package config loads the voice call server configuration from an optional
// .env file, an optional YAML file and CALL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/square-key-labs/strawgo-call/src/audio/vad"
	"github.com/square-key-labs/strawgo-call/src/auth"
	"github.com/square-key-labs/strawgo-call/src/call"
	"github.com/square-key-labs/strawgo-call/src/services/deepgram"
	"github.com/square-key-labs/strawgo-call/src/services/gemini"
	"github.com/square-key-labs/strawgo-call/src/storage"
)

const (
	EnvConfigFile = "CALL_CONFIG_FILE"

	EnvHTTPAddr      = "CALL_HTTP_ADDR"
	EnvWebSocketPath = "CALL_WS_PATH"
	EnvSampleRate    = "CALL_SAMPLE_RATE"

	EnvVADThreshold  = "CALL_VAD_THRESHOLD"
	EnvVADMultiplier = "CALL_VAD_MULTIPLIER"
	EnvVADAlpha      = "CALL_VAD_ALPHA"
	EnvVADMinSpeech  = "CALL_VAD_MIN_SPEECH"
	EnvVADMinSilence = "CALL_VAD_MIN_SILENCE"
	EnvVADFrameSize  = "CALL_VAD_FRAME_SAMPLES"

	EnvRingCount    = "CALL_RING_COUNT"
	EnvRingGap      = "CALL_RING_GAP"
	EnvAssetDir     = "CALL_ASSET_DIR"
	EnvRingFile     = "CALL_RING_FILE"
	EnvGreetingFile = "CALL_GREETING_FILE"

	EnvAgentURL     = "CALL_AGENT_URL"
	EnvAgentTimeout = "CALL_AGENT_TIMEOUT"

	EnvStorageDriver = "CALL_STORAGE_DRIVER"
	EnvBucket        = "CALL_BUCKET"
	EnvStorageRoot   = "CALL_STORAGE_ROOT"
	EnvAWSRegion     = "AWS_REGION"
	EnvS3Endpoint    = "CALL_S3_ENDPOINT"

	EnvDBDriver = "CALL_DB_DRIVER"
	EnvDBDSN    = "CALL_DB_DSN"

	EnvJWTSecret   = "CALL_JWT_SECRET"
	EnvJWTIssuer   = "CALL_JWT_ISSUER"
	EnvJWTAudience = "CALL_JWT_AUDIENCE"

	EnvGeminiAPIKey   = "GEMINI_API_KEY"
	EnvGeminiModel    = "CALL_GEMINI_MODEL"
	EnvGoogleProject  = "GOOGLE_CLOUD_PROJECT"
	EnvGoogleLocation = "GOOGLE_CLOUD_LOCATION"

	EnvDeepgramAPIKey = "DEEPGRAM_API_KEY"
	EnvDeepgramModel  = "CALL_DEEPGRAM_MODEL"

	EnvICEServers = "CALL_ICE_SERVERS"
	EnvLogLevel   = "LOG_LEVEL"
)

const (
	DefaultHTTPAddr      = ":8080"
	DefaultWebSocketPath = "/call"
	DefaultSampleRate    = 16000
	DefaultAssetDir      = "assets"
	DefaultRingFile      = "ring.mp3"
	DefaultGreetingFile  = "greeting.mp3"
	DefaultAgentTimeout  = 30 * time.Second
	DefaultStorageDriver = "fs"
	DefaultStorageRoot   = "data/blobs"
	DefaultDBDriver      = "sqlite"
	DefaultDBDSN         = "data/calls.db"
	DefaultICEServer     = "stun:stun.l.google.com:19302"
	DefaultLogLevel      = "INFO"
)

// Config is the server configuration.
type Config struct {
	HTTPAddr      string
	WebSocketPath string
	SampleRate    int

	VADThreshold  float64
	VADMultiplier float64
	VADAlpha      float64
	VADMinSpeech  time.Duration
	VADMinSilence time.Duration
	VADFrameSize  int

	RingCount    int
	RingGap      time.Duration
	AssetDir     string
	RingFile     string
	GreetingFile string

	AgentURL     string
	AgentTimeout time.Duration

	StorageDriver string
	Bucket        string
	StorageRoot   string
	AWSRegion     string
	S3Endpoint    string

	DBDriver string
	DBDSN    string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	GeminiAPIKey   string
	GeminiModel    string
	GoogleProject  string
	GoogleLocation string

	DeepgramAPIKey string
	DeepgramModel  string

	ICEServers []string
	LogLevel   string
}

type fileConfig struct {
	HTTPAddr      string `yaml:"http_addr"`
	WebSocketPath string `yaml:"ws_path"`
	SampleRate    int    `yaml:"sample_rate"`

	VAD struct {
		Threshold    float64 `yaml:"threshold"`
		Multiplier   float64 `yaml:"multiplier"`
		Alpha        float64 `yaml:"alpha"`
		MinSpeech    string  `yaml:"min_speech"`
		MinSilence   string  `yaml:"min_silence"`
		FrameSamples int     `yaml:"frame_samples"`
	} `yaml:"vad"`

	Cues struct {
		RingCount *int   `yaml:"ring_count"`
		RingGap   string `yaml:"ring_gap"`
		Dir       string `yaml:"dir"`
		Ring      string `yaml:"ring"`
		Greeting  string `yaml:"greeting"`
	} `yaml:"cues"`

	Agent struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"agent"`

	Storage struct {
		Driver   string `yaml:"driver"`
		Bucket   string `yaml:"bucket"`
		Root     string `yaml:"root"`
		Region   string `yaml:"region"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"storage"`

	DB struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"db"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		Issuer    string `yaml:"issuer"`
		Audience  string `yaml:"audience"`
	} `yaml:"auth"`

	Gemini struct {
		APIKey   string `yaml:"api_key"`
		Model    string `yaml:"model"`
		Project  string `yaml:"project"`
		Location string `yaml:"location"`
	} `yaml:"gemini"`

	Deepgram struct {
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	} `yaml:"deepgram"`

	ICEServers []string `yaml:"ice_servers"`
	LogLevel   string   `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	vp := vad.DefaultVADParams()
	cc := call.DefaultConfig()
	return Config{
		HTTPAddr:      DefaultHTTPAddr,
		WebSocketPath: DefaultWebSocketPath,
		SampleRate:    DefaultSampleRate,
		VADThreshold:  vp.BaseThreshold,
		VADMultiplier: vp.Multiplier,
		VADAlpha:      vp.Alpha,
		VADMinSpeech:  vp.MinSpeech,
		VADMinSilence: vp.MinSilence,
		VADFrameSize:  vp.FrameSamples,
		RingCount:     cc.RingCount,
		RingGap:       cc.RingGap,
		AssetDir:      DefaultAssetDir,
		RingFile:      DefaultRingFile,
		GreetingFile:  DefaultGreetingFile,
		AgentTimeout:  DefaultAgentTimeout,
		StorageDriver: DefaultStorageDriver,
		Bucket:        call.DefaultBucket,
		StorageRoot:   DefaultStorageRoot,
		DBDriver:      DefaultDBDriver,
		DBDSN:         DefaultDBDSN,
		GeminiModel:   gemini.DefaultModel,
		DeepgramModel: deepgram.DefaultModel,
		ICEServers:    []string{DefaultICEServer},
		LogLevel:      DefaultLogLevel,
	}
}

// Load reads .env (if present), then the YAML file at path or $CALL_CONFIG_FILE
// (if any), then environment overrides, and validates the result.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	if path == "" {
		path = envString(EnvConfigFile)
	}
	if path != "" {
		fc, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := applyYAML(&cfg, fc); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return fc, nil
}

func applyYAML(cfg *Config, fc fileConfig) error {
	setString(&cfg.HTTPAddr, fc.HTTPAddr)
	setString(&cfg.WebSocketPath, fc.WebSocketPath)
	if fc.SampleRate != 0 {
		cfg.SampleRate = fc.SampleRate
	}

	if fc.VAD.Threshold != 0 {
		cfg.VADThreshold = fc.VAD.Threshold
	}
	if fc.VAD.Multiplier != 0 {
		cfg.VADMultiplier = fc.VAD.Multiplier
	}
	if fc.VAD.Alpha != 0 {
		cfg.VADAlpha = fc.VAD.Alpha
	}
	if fc.VAD.FrameSamples != 0 {
		cfg.VADFrameSize = fc.VAD.FrameSamples
	}

	var err error
	if cfg.VADMinSpeech, err = parseDuration(fc.VAD.MinSpeech, cfg.VADMinSpeech, "vad.min_speech"); err != nil {
		return err
	}
	if cfg.VADMinSilence, err = parseDuration(fc.VAD.MinSilence, cfg.VADMinSilence, "vad.min_silence"); err != nil {
		return err
	}

	if fc.Cues.RingCount != nil {
		cfg.RingCount = *fc.Cues.RingCount
	}
	if cfg.RingGap, err = parseDuration(fc.Cues.RingGap, cfg.RingGap, "cues.ring_gap"); err != nil {
		return err
	}
	setString(&cfg.AssetDir, fc.Cues.Dir)
	setString(&cfg.RingFile, fc.Cues.Ring)
	setString(&cfg.GreetingFile, fc.Cues.Greeting)

	setString(&cfg.AgentURL, fc.Agent.URL)
	if cfg.AgentTimeout, err = parseDuration(fc.Agent.Timeout, cfg.AgentTimeout, "agent.timeout"); err != nil {
		return err
	}

	setString(&cfg.StorageDriver, strings.ToLower(fc.Storage.Driver))
	setString(&cfg.Bucket, fc.Storage.Bucket)
	setString(&cfg.StorageRoot, fc.Storage.Root)
	setString(&cfg.AWSRegion, fc.Storage.Region)
	setString(&cfg.S3Endpoint, fc.Storage.Endpoint)

	setString(&cfg.DBDriver, strings.ToLower(fc.DB.Driver))
	setString(&cfg.DBDSN, fc.DB.DSN)

	setString(&cfg.JWTSecret, fc.Auth.JWTSecret)
	setString(&cfg.JWTIssuer, fc.Auth.Issuer)
	setString(&cfg.JWTAudience, fc.Auth.Audience)

	setString(&cfg.GeminiAPIKey, fc.Gemini.APIKey)
	setString(&cfg.GeminiModel, fc.Gemini.Model)
	setString(&cfg.GoogleProject, fc.Gemini.Project)
	setString(&cfg.GoogleLocation, fc.Gemini.Location)
	setString(&cfg.DeepgramAPIKey, fc.Deepgram.APIKey)
	setString(&cfg.DeepgramModel, fc.Deepgram.Model)

	if len(fc.ICEServers) > 0 {
		cfg.ICEServers = fc.ICEServers
	}
	setString(&cfg.LogLevel, fc.LogLevel)
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.HTTPAddr, envString(EnvHTTPAddr))
	setString(&cfg.WebSocketPath, envString(EnvWebSocketPath))

	var err error
	if cfg.SampleRate, err = envInt(EnvSampleRate, cfg.SampleRate); err != nil {
		return err
	}
	if cfg.VADThreshold, err = envFloat(EnvVADThreshold, cfg.VADThreshold); err != nil {
		return err
	}
	if cfg.VADMultiplier, err = envFloat(EnvVADMultiplier, cfg.VADMultiplier); err != nil {
		return err
	}
	if cfg.VADAlpha, err = envFloat(EnvVADAlpha, cfg.VADAlpha); err != nil {
		return err
	}
	if cfg.VADMinSpeech, err = parseDuration(envString(EnvVADMinSpeech), cfg.VADMinSpeech, EnvVADMinSpeech); err != nil {
		return err
	}
	if cfg.VADMinSilence, err = parseDuration(envString(EnvVADMinSilence), cfg.VADMinSilence, EnvVADMinSilence); err != nil {
		return err
	}
	if cfg.VADFrameSize, err = envInt(EnvVADFrameSize, cfg.VADFrameSize); err != nil {
		return err
	}

	if cfg.RingCount, err = envInt(EnvRingCount, cfg.RingCount); err != nil {
		return err
	}
	if cfg.RingGap, err = parseDuration(envString(EnvRingGap), cfg.RingGap, EnvRingGap); err != nil {
		return err
	}
	setString(&cfg.AssetDir, envString(EnvAssetDir))
	setString(&cfg.RingFile, envString(EnvRingFile))
	setString(&cfg.GreetingFile, envString(EnvGreetingFile))

	setString(&cfg.AgentURL, envString(EnvAgentURL))
	if cfg.AgentTimeout, err = parseDuration(envString(EnvAgentTimeout), cfg.AgentTimeout, EnvAgentTimeout); err != nil {
		return err
	}

	setString(&cfg.StorageDriver, strings.ToLower(envString(EnvStorageDriver)))
	setString(&cfg.Bucket, envString(EnvBucket))
	setString(&cfg.StorageRoot, envString(EnvStorageRoot))
	setString(&cfg.AWSRegion, envString(EnvAWSRegion))
	setString(&cfg.S3Endpoint, envString(EnvS3Endpoint))

	setString(&cfg.DBDriver, strings.ToLower(envString(EnvDBDriver)))
	setString(&cfg.DBDSN, envString(EnvDBDSN))

	setString(&cfg.JWTSecret, envString(EnvJWTSecret))
	setString(&cfg.JWTIssuer, envString(EnvJWTIssuer))
	setString(&cfg.JWTAudience, envString(EnvJWTAudience))

	setString(&cfg.GeminiAPIKey, envString(EnvGeminiAPIKey))
	setString(&cfg.GeminiModel, envString(EnvGeminiModel))
	setString(&cfg.GoogleProject, envString(EnvGoogleProject))
	setString(&cfg.GoogleLocation, envString(EnvGoogleLocation))
	setString(&cfg.DeepgramAPIKey, envString(EnvDeepgramAPIKey))
	setString(&cfg.DeepgramModel, envString(EnvDeepgramModel))

	if raw := envString(EnvICEServers); raw != "" {
		cfg.ICEServers = splitList(raw)
	}
	setString(&cfg.LogLevel, envString(EnvLogLevel))
	return nil
}

// Validate checks the configuration for values the server cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("http addr is required")
	}
	if !strings.HasPrefix(c.WebSocketPath, "/") {
		return fmt.Errorf("websocket path must start with /: %q", c.WebSocketPath)
	}
	if c.SampleRate < 8000 || c.SampleRate > 48000 {
		return fmt.Errorf("sample rate out of range: %d", c.SampleRate)
	}

	if c.VADThreshold <= 0 || c.VADThreshold >= 1 {
		return fmt.Errorf("vad threshold must be in (0,1): %v", c.VADThreshold)
	}
	if c.VADMultiplier < 1 {
		return fmt.Errorf("vad multiplier must be >= 1: %v", c.VADMultiplier)
	}
	if c.VADAlpha <= 0 || c.VADAlpha >= 1 {
		return fmt.Errorf("vad alpha must be in (0,1): %v", c.VADAlpha)
	}
	if c.VADFrameSize <= 0 {
		return fmt.Errorf("vad frame samples must be > 0")
	}
	if c.VADMinSilence <= 0 {
		return fmt.Errorf("vad min silence must be > 0")
	}
	if c.RingCount < 0 {
		return fmt.Errorf("ring count must be >= 0")
	}

	if c.AgentURL != "" {
		u, err := url.Parse(c.AgentURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("agent url must be an absolute http(s) url: %q", c.AgentURL)
		}
	}
	if c.AgentTimeout <= 0 {
		return fmt.Errorf("agent timeout must be > 0")
	}

	switch c.StorageDriver {
	case "none":
	case "fs":
		if strings.TrimSpace(c.StorageRoot) == "" {
			return fmt.Errorf("storage root is required for the fs driver")
		}
	case "s3":
		if strings.TrimSpace(c.AWSRegion) == "" {
			return fmt.Errorf("%s is required for the s3 driver", EnvAWSRegion)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}
	if c.StorageDriver != "none" && strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("bucket is required")
	}

	switch c.DBDriver {
	case "memory", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.DBDSN) == "" {
			return fmt.Errorf("db dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported db driver %q", c.DBDriver)
	}

	if (c.JWTIssuer != "" || c.JWTAudience != "") && c.JWTSecret == "" {
		return fmt.Errorf("jwt issuer/audience set without a secret")
	}
	return nil
}

// VAD returns the detector parameters.
func (c Config) VAD() vad.VADParams {
	p := vad.DefaultVADParams()
	p.BaseThreshold = c.VADThreshold
	p.Multiplier = c.VADMultiplier
	p.Alpha = c.VADAlpha
	p.MinSpeech = c.VADMinSpeech
	p.MinSilence = c.VADMinSilence
	p.FrameSamples = c.VADFrameSize
	return p
}

// Call returns the per-call settings. Cue files become asset: URLs.
func (c Config) Call() call.Config {
	cc := call.DefaultConfig()
	cc.SampleRate = c.SampleRate
	cc.Bucket = c.Bucket
	cc.RingCount = c.RingCount
	cc.RingGap = c.RingGap
	cc.AssetDir = c.AssetDir
	cc.AgentTimeout = c.AgentTimeout
	if c.RingFile != "" {
		cc.RingURL = "asset:" + c.RingFile
	}
	if c.GreetingFile != "" {
		cc.GreetingURL = "asset:" + c.GreetingFile
	}
	return cc
}

// JWT returns the auth settings. Enabled is false without a secret.
func (c Config) JWT() (auth.JWTConfig, bool) {
	return auth.JWTConfig{
		Secret:   c.JWTSecret,
		Issuer:   c.JWTIssuer,
		Audience: c.JWTAudience,
	}, c.JWTSecret != ""
}

func (c Config) Gemini() gemini.Config {
	return gemini.Config{
		APIKey:   c.GeminiAPIKey,
		Model:    c.GeminiModel,
		Project:  c.GoogleProject,
		Location: c.GoogleLocation,
	}
}

func (c Config) Deepgram() deepgram.Config {
	return deepgram.Config{APIKey: c.DeepgramAPIKey, Model: c.DeepgramModel}
}

func (c Config) S3() storage.S3Config {
	return storage.S3Config{Region: c.AWSRegion, Endpoint: c.S3Endpoint}
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envInt(key string, fallback int) (int, error) {
	raw := envString(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	raw := envString(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func parseDuration(raw string, fallback time.Duration, field string) (time.Duration, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", field, value, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("%s must be >= 0", field)
	}
	return parsed, nil
}

func setString(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
