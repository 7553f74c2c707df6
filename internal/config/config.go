package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	LLM        LLMConfig
	Extraction ExtractionConfig
	Interview  InterviewConfig
	Worker     WorkerConfig
}

type ServerConfig struct {
	Port int
	// AllowedOrigins is a comma-separated CORS allow list.
	AllowedOrigins string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type LLMConfig struct {
	Provider          string // ollama, openai or none
	BaseURL           string
	Model             string
	APIKey            string
	RequestsPerSecond float64
}

type ExtractionConfig struct {
	Timeout string
}

type InterviewConfig struct {
	Responder    string // template or llm
	Mode         string // linear or conditional
	ReplyTimeout string
}

type WorkerConfig struct {
	PollInterval string
	Concurrency  int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		LLM: LLMConfig{
			Provider:          "ollama",
			BaseURL:           "http://localhost:11434",
			Model:             "llama3.1:8b",
			RequestsPerSecond: 2,
		},
		Extraction: ExtractionConfig{
			Timeout: "20s",
		},
		Interview: InterviewConfig{
			Responder:    "template",
			Mode:         "linear",
			ReplyTimeout: "8s",
		},
		Worker: WorkerConfig{
			PollInterval: "500ms",
			Concurrency:  2,
		},
	}
}

// Load reads configuration from $XDG_CONFIG_HOME/kindred/config.json, then
// applies KINDRED_* environment overrides. The LLM API key comes from the
// environment or the secrets file, never from the config file.
func Load() (Config, error) {
	return loadWith(NewFileBackend(ConfigFilePath()), NewFileSecrets())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.LLM.APIKey == "" && secrets != nil {
		key, err := secrets.Get(SecretLLMAPIKey)
		switch {
		case err == nil:
			cfg.LLM.APIKey = key
		case !errors.Is(err, ErrNoSecret):
			return Config{}, fmt.Errorf("reading llm api key: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	switch strings.ToLower(c.LLM.Provider) {
	case "ollama", "none":
	case "openai":
		if c.LLM.APIKey == "" && !strings.Contains(c.LLM.BaseURL, "localhost") {
			errs = append(errs, errors.New("llm.provider openai needs an API key: set KINDRED_LLM_API_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q: want ollama, openai or none", c.LLM.Provider))
	}
	switch c.Interview.Mode {
	case "linear", "conditional":
	default:
		errs = append(errs, fmt.Errorf("interview.mode %q: want linear or conditional", c.Interview.Mode))
	}
	switch c.Interview.Responder {
	case "template", "llm":
	default:
		errs = append(errs, fmt.Errorf("interview.responder %q: want template or llm", c.Interview.Responder))
	}
	for key, v := range map[string]string{
		"extraction.timeout":      c.Extraction.Timeout,
		"interview.reply_timeout": c.Interview.ReplyTimeout,
		"worker.poll_interval":    c.Worker.PollInterval,
	} {
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s %q: want a positive duration like 20s", key, v))
		}
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("worker.concurrency %d: want at least 1", c.Worker.Concurrency))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d: out of range", c.Server.Port))
	}
	return errors.Join(errs...)
}

// Duration parses a validated duration setting. Invalid values, which
// validate rejects, fall back to zero.
func Duration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}

// Origins splits Server.AllowedOrigins.
func (c Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.Server.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
