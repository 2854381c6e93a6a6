// Package config reads client and service settings from the environment,
// optionally overlaid on a YAML file named by ADCHECK_CONFIG.
//
// Precedence: built-in defaults, then the file, then the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"adcheck/domain"
)

const (
	defaultBaseURL       = "http://127.0.0.1:8080"
	defaultHTTPTimeout   = 10 * time.Second
	defaultPollInterval  = 2 * time.Second
	defaultTextMaxPolls  = 60
	defaultImageMaxPolls = 90
)

// Budget bounds how long a job may stay in Processing.
type Budget struct {
	PollInterval time.Duration
	MaxPolls     int
}

// Timeout is the processing budget: MaxPolls × PollInterval.
func (b Budget) Timeout() time.Duration {
	return time.Duration(b.MaxPolls) * b.PollInterval
}

func (b Budget) validate(name string) error {
	if b.PollInterval <= 0 {
		return fmt.Errorf("%s poll interval must be positive", name)
	}
	if b.MaxPolls <= 0 {
		return fmt.Errorf("%s max polls must be positive", name)
	}
	return nil
}

// Timing holds one budget per input kind. Image jobs get a longer one because
// the service extracts text before checking it.
type Timing struct {
	Text  Budget
	Image Budget
}

func DefaultTiming() Timing {
	return Timing{
		Text:  Budget{PollInterval: defaultPollInterval, MaxPolls: defaultTextMaxPolls},
		Image: Budget{PollInterval: defaultPollInterval, MaxPolls: defaultImageMaxPolls},
	}
}

func (t Timing) For(kind domain.InputKind) Budget {
	if kind == domain.InputKindImage {
		return t.Image
	}
	return t.Text
}

type Client struct {
	BaseURL     string
	HTTPTimeout time.Duration
	Timing      Timing
}

type Service struct {
	Port          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StreamKey     string
	StreamGroup   string
	StreamMaxLen  int64
	MaxConcurrent int
	RulesFile     string
	JobTTL        time.Duration
	ConsumerName  string
}

type budgetFile struct {
	PollIntervalMs int `yaml:"pollIntervalMs"`
	MaxPolls       int `yaml:"maxPolls"`
}

type fileConfig struct {
	Client struct {
		BaseURL            string     `yaml:"baseURL"`
		HTTPTimeoutSeconds int        `yaml:"httpTimeoutSeconds"`
		Text               budgetFile `yaml:"text"`
		Image              budgetFile `yaml:"image"`
	} `yaml:"client"`
	Service struct {
		Port          string `yaml:"port"`
		RedisAddr     string `yaml:"redisAddr"`
		RedisDB       int    `yaml:"redisDB"`
		StreamKey     string `yaml:"streamKey"`
		StreamGroup   string `yaml:"streamGroup"`
		StreamMaxLen  int64  `yaml:"streamMaxLen"`
		MaxConcurrent int    `yaml:"maxConcurrent"`
		RulesFile     string `yaml:"rulesFile"`
		JobTTLSeconds int    `yaml:"jobTTLSeconds"`
	} `yaml:"service"`
}

func loadFile() (*fileConfig, error) {
	path := strings.TrimSpace(os.Getenv("ADCHECK_CONFIG"))
	if path == "" {
		return &fileConfig{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &fc, nil
}

func LoadClient() (Client, error) {
	fc, err := loadFile()
	if err != nil {
		return Client{}, err
	}
	c := Client{
		BaseURL:     defaultBaseURL,
		HTTPTimeout: defaultHTTPTimeout,
		Timing:      DefaultTiming(),
	}
	if v := strings.TrimSpace(fc.Client.BaseURL); v != "" {
		c.BaseURL = v
	}
	if fc.Client.HTTPTimeoutSeconds > 0 {
		c.HTTPTimeout = time.Duration(fc.Client.HTTPTimeoutSeconds) * time.Second
	}
	overlayBudget(&c.Timing.Text, fc.Client.Text)
	overlayBudget(&c.Timing.Image, fc.Client.Image)

	c.BaseURL = readEnvDefault("ADCHECK_BASE_URL", c.BaseURL)
	c.HTTPTimeout = time.Duration(readEnvIntDefault("ADCHECK_HTTP_TIMEOUT_SECONDS", int(c.HTTPTimeout/time.Second))) * time.Second
	c.Timing.Text.PollInterval = readEnvMillisDefault("ADCHECK_TEXT_POLL_MS", c.Timing.Text.PollInterval)
	c.Timing.Text.MaxPolls = readEnvIntDefault("ADCHECK_TEXT_MAX_POLLS", c.Timing.Text.MaxPolls)
	c.Timing.Image.PollInterval = readEnvMillisDefault("ADCHECK_IMAGE_POLL_MS", c.Timing.Image.PollInterval)
	c.Timing.Image.MaxPolls = readEnvIntDefault("ADCHECK_IMAGE_MAX_POLLS", c.Timing.Image.MaxPolls)

	if err := errors.Join(c.Timing.Text.validate("text"), c.Timing.Image.validate("image")); err != nil {
		return Client{}, err
	}
	return c, nil
}

func overlayBudget(b *Budget, f budgetFile) {
	if f.PollIntervalMs > 0 {
		b.PollInterval = time.Duration(f.PollIntervalMs) * time.Millisecond
	}
	if f.MaxPolls > 0 {
		b.MaxPolls = f.MaxPolls
	}
}

func LoadService() (Service, error) {
	fc, err := loadFile()
	if err != nil {
		return Service{}, err
	}
	s := Service{
		Port:          "8080",
		StreamKey:     "adc:stream:check_jobs",
		StreamGroup:   "check_workers",
		StreamMaxLen:  10000,
		MaxConcurrent: 2,
		JobTTL:        7 * 24 * time.Hour,
	}
	fs := fc.Service
	s.Port = firstNonEmpty(fs.Port, s.Port)
	s.RedisAddr = firstNonEmpty(fs.RedisAddr, s.RedisAddr)
	s.StreamKey = firstNonEmpty(fs.StreamKey, s.StreamKey)
	s.StreamGroup = firstNonEmpty(fs.StreamGroup, s.StreamGroup)
	s.RulesFile = firstNonEmpty(fs.RulesFile, s.RulesFile)
	if fs.RedisDB > 0 {
		s.RedisDB = fs.RedisDB
	}
	if fs.StreamMaxLen > 0 {
		s.StreamMaxLen = fs.StreamMaxLen
	}
	if fs.MaxConcurrent > 0 {
		s.MaxConcurrent = fs.MaxConcurrent
	}
	if fs.JobTTLSeconds > 0 {
		s.JobTTL = time.Duration(fs.JobTTLSeconds) * time.Second
	}

	s.Port = readEnvDefault("PORT", s.Port)
	s.RedisAddr = readEnvDefault("REDIS_ADDR", s.RedisAddr)
	s.RedisPassword = strings.TrimSpace(os.Getenv("REDIS_PASSWORD"))
	s.RedisDB = readEnvNonNegativeDefault("REDIS_DB", s.RedisDB)
	s.StreamKey = readEnvDefault("CHECK_STREAM_KEY", s.StreamKey)
	s.StreamGroup = readEnvDefault("CHECK_STREAM_GROUP", s.StreamGroup)
	s.StreamMaxLen = int64(readEnvIntDefault("CHECK_STREAM_MAXLEN", int(s.StreamMaxLen)))
	s.MaxConcurrent = readEnvIntDefault("CHECK_MAX_CONCURRENT", s.MaxConcurrent)
	s.RulesFile = readEnvDefault("CHECK_RULES_FILE", s.RulesFile)
	s.JobTTL = time.Duration(readEnvIntDefault("CHECK_JOB_TTL_SECONDS", int(s.JobTTL/time.Second))) * time.Second

	s.ConsumerName = readEnvDefault("WORKER_CONSUMER_NAME", readEnvDefault("HOSTNAME", "worker-1"))
	return s, nil
}

func firstNonEmpty(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func readEnvNonNegativeDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

func readEnvMillisDefault(key string, defaultVal time.Duration) time.Duration {
	ms := readEnvIntDefault(key, int(defaultVal/time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}
