// Package config loads relay settings with viper.
//
// Precedence, highest first: command-line flags bound by the caller,
// RELAY_* environment variables, the optional config file, defaults.  A few
// conventional variables (PORT, DATABASE_URL, OPENAI_API_KEY) are honoured
// as fallbacks when the RELAY_* form is unset.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "RELAY"

// Patient store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config holds everything the server needs at startup.
type Config struct {
	Addr           string
	ServerURL      string
	AllowedOrigins []string

	LogLevel  string
	LogFormat string

	PatientStore  string
	PatientsSeed  string
	DatabaseURL   string
	NotifyChannel string
	MongoURI      string
	MongoDatabase string

	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	AnalysisWorkers int
	AnalysisQueue   int
	AnalysisTimeout time.Duration
	ArchiveTimeout  time.Duration
	SendBuffer      int

	SessionTTL   time.Duration
	ReapInterval time.Duration
}

// defaults lists every key with its default value.
var defaults = map[string]any{
	"addr":             ":3001",
	"server_url":       "http://localhost:3001",
	"allowed_origins":  "http://localhost:3000",
	"log_level":        "info",
	"log_format":       "prod",
	"patient_store":    StoreMemory,
	"patients_seed":    "",
	"database_url":     "",
	"notify_channel":   "agent_analysis",
	"mongo_uri":        "mongodb://localhost:27017",
	"mongo_database":   "oncoroom",
	"openai_api_key":   "",
	"openai_model":     "gpt-4o-mini",
	"openai_base_url":  "",
	"analysis_workers": 4,
	"analysis_queue":   256,
	"analysis_timeout": "30s",
	"archive_timeout":  "5s",
	"send_buffer":      64,
	"session_ttl":      "0s",
	"reap_interval":    "1m",
}

// Keys returns the configuration keys in no particular order.
func Keys() []string {
	out := make([]string, 0, len(defaults))
	for k := range defaults {
		out = append(out, k)
	}
	return out
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file and decodes v into a Config.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := Config{
		Addr:            v.GetString("addr"),
		ServerURL:       strings.TrimRight(v.GetString("server_url"), "/"),
		AllowedOrigins:  splitList(v.GetString("allowed_origins")),
		LogLevel:        v.GetString("log_level"),
		LogFormat:       v.GetString("log_format"),
		PatientStore:    strings.ToLower(v.GetString("patient_store")),
		PatientsSeed:    v.GetString("patients_seed"),
		DatabaseURL:     v.GetString("database_url"),
		NotifyChannel:   v.GetString("notify_channel"),
		MongoURI:        v.GetString("mongo_uri"),
		MongoDatabase:   v.GetString("mongo_database"),
		OpenAIAPIKey:    v.GetString("openai_api_key"),
		OpenAIModel:     v.GetString("openai_model"),
		OpenAIBaseURL:   v.GetString("openai_base_url"),
		AnalysisWorkers: v.GetInt("analysis_workers"),
		AnalysisQueue:   v.GetInt("analysis_queue"),
		AnalysisTimeout: v.GetDuration("analysis_timeout"),
		ArchiveTimeout:  v.GetDuration("archive_timeout"),
		SendBuffer:      v.GetInt("send_buffer"),
		SessionTTL:      v.GetDuration("session_ttl"),
		ReapInterval:    v.GetDuration("reap_interval"),
	}

	if cfg.OpenAIAPIKey == "" {
		cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.Addr == defaults["addr"] {
		if port := os.Getenv("PORT"); port != "" {
			cfg.Addr = ":" + port
		}
	}
	return cfg, cfg.Validate()
}

// Validate reports configuration that cannot work.
func (c Config) Validate() error {
	var errs []error
	switch c.PatientStore {
	case StoreMemory, StoreMongo:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("patient_store=postgres requires database_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown patient_store %q", c.PatientStore))
	}
	if c.PatientStore == StoreMongo && c.MongoURI == "" {
		errs = append(errs, errors.New("patient_store=mongo requires mongo_uri"))
	}
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.AnalysisWorkers <= 0 {
		errs = append(errs, errors.New("analysis_workers must be positive"))
	}
	if c.AnalysisQueue <= 0 {
		errs = append(errs, errors.New("analysis_queue must be positive"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("send_buffer must be positive"))
	}
	if c.AnalysisTimeout < 0 || c.SessionTTL < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.SessionTTL > 0 && c.ReapInterval <= 0 {
		errs = append(errs, errors.New("reap_interval must be positive when session_ttl is set"))
	}
	return errors.Join(errs...)
}

// AllowsOrigin reports whether a browser origin may open a socket.  An
// empty origin (non-browser client) is always allowed.
func (c Config) AllowsOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if o == "*" || strings.EqualFold(strings.TrimRight(o, "/"), strings.TrimRight(origin, "/")) {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
