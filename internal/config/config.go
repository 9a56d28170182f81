package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	ASR         ASRConfig       `yaml:"asr"`
	Capture     CaptureConfig   `yaml:"capture"`
	History     HistoryConfig   `yaml:"history"`
	Notify      NotifyConfig    `yaml:"notify"`
	Output      OutputConfig    `yaml:"output"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	// MaxPayload caps one bus message in bytes. A whole recording travels in
	// one request, so it must cover capture.max_duration_ms of base64 WAV.
	// External servers need the same max_payload in their own config.
	MaxPayload int `yaml:"max_payload"`
}

// ASRConfig selects the recognition backend and carries the credentials the
// dictation client forwards with each request.
type ASRConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Mode        string `yaml:"mode"` // doubao, exec, mock
	Endpoint    string `yaml:"endpoint"`
	AppID       string `yaml:"app_id"`
	AccessToken string `yaml:"access_token"`
	ResourceID  string `yaml:"resource_id"`
	Command     string `yaml:"command"`
	Subject     string `yaml:"subject"`
	QueueGroup  string `yaml:"queue_group"`
	TimeoutMS   int    `yaml:"timeout_ms"`
}

type CaptureConfig struct {
	SampleRate      int `yaml:"sample_rate"`
	Channels        int `yaml:"channels"`
	ChunkMS         int `yaml:"chunk_ms"`
	LevelIntervalMS int `yaml:"level_interval_ms"`
	MaxDurationMS   int `yaml:"max_duration_ms"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEntries    int    `yaml:"max_entries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
}

type OutputConfig struct {
	Stdout    bool   `yaml:"stdout"`
	Clipboard bool   `yaml:"clipboard"`
	Publish   bool   `yaml:"publish"`
	Subject   string `yaml:"subject"`
}

// DefaultMaxPayload fits five minutes of 16 kHz mono WAV (about 12.8 MB once
// base64 encoded) plus the request envelope.
const DefaultMaxPayload = 16 << 20

// maxPendingLimit is the NATS server's default max_pending; max_payload may
// not exceed it.
const maxPendingLimit = 64 << 20

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			MaxPayload:     DefaultMaxPayload,
		},
		ASR: ASRConfig{
			Enabled:    true,
			Mode:       "doubao",
			Endpoint:   "https://openspeech.bytedance.com/api/v3/auc/bigmodel/recognize/flash",
			ResourceID: "volc.bigasr.auc_turbo",
			Subject:    "asr.transcribe",
			QueueGroup: "asr-workers",
			TimeoutMS:  60000,
		},
		Capture: CaptureConfig{
			SampleRate:      16000,
			Channels:        1,
			ChunkMS:         100,
			LevelIntervalMS: 50,
			MaxDurationMS:   5 * 60 * 1000,
		},
		History: HistoryConfig{
			Path:          "./data/loqa-history.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxEntries:    10000,
		},
		Notify: NotifyConfig{
			Enabled: true,
		},
		Output: OutputConfig{
			Stdout:    true,
			Clipboard: false,
			Publish:   false,
			Subject:   "voice.text.final",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.MaxPayload, "LOQA_BUS_MAX_PAYLOAD")
	overrideBool(&cfg.ASR.Enabled, "LOQA_ASR_ENABLED")
	overrideString(&cfg.ASR.Mode, "LOQA_ASR_MODE")
	overrideString(&cfg.ASR.Endpoint, "LOQA_ASR_ENDPOINT")
	overrideString(&cfg.ASR.AppID, "LOQA_ASR_APP_ID")
	overrideString(&cfg.ASR.AccessToken, "LOQA_ASR_ACCESS_TOKEN")
	overrideString(&cfg.ASR.ResourceID, "LOQA_ASR_RESOURCE_ID")
	overrideString(&cfg.ASR.Command, "LOQA_ASR_COMMAND")
	overrideString(&cfg.ASR.Subject, "LOQA_ASR_SUBJECT")
	overrideString(&cfg.ASR.QueueGroup, "LOQA_ASR_QUEUE_GROUP")
	overrideInt(&cfg.ASR.TimeoutMS, "LOQA_ASR_TIMEOUT_MS")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.ChunkMS, "LOQA_CAPTURE_CHUNK_MS")
	overrideInt(&cfg.Capture.LevelIntervalMS, "LOQA_CAPTURE_LEVEL_INTERVAL_MS")
	overrideInt(&cfg.Capture.MaxDurationMS, "LOQA_CAPTURE_MAX_DURATION_MS")
	overrideString(&cfg.History.Path, "LOQA_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "LOQA_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "LOQA_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxEntries, "LOQA_HISTORY_MAX_ENTRIES")
	overrideBool(&cfg.History.VacuumOnStart, "LOQA_HISTORY_VACUUM_ON_START")
	overrideBool(&cfg.Notify.Enabled, "LOQA_NOTIFY_ENABLED")
	overrideBool(&cfg.Output.Stdout, "LOQA_OUTPUT_STDOUT")
	overrideBool(&cfg.Output.Clipboard, "LOQA_OUTPUT_CLIPBOARD")
	overrideBool(&cfg.Output.Publish, "LOQA_OUTPUT_PUBLISH")
	overrideString(&cfg.Output.Subject, "LOQA_OUTPUT_SUBJECT")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.Embedded && (cfg.Bus.MaxPayload <= 0 || cfg.Bus.MaxPayload > maxPendingLimit) {
		return fmt.Errorf("bus.max_payload must be between 1 and %d when embedded mode is enabled", maxPendingLimit)
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.ASR.Enabled {
		switch cfg.ASR.Mode {
		case "doubao", "exec", "mock":
		default:
			return errors.New("asr.mode must be one of doubao|exec|mock")
		}
		if cfg.ASR.Mode == "doubao" && cfg.ASR.Endpoint == "" {
			return errors.New("asr.endpoint must be set when mode=doubao")
		}
		if cfg.ASR.Mode == "exec" && cfg.ASR.Command == "" {
			return errors.New("asr.command must be set when mode=exec")
		}
		if cfg.ASR.TimeoutMS <= 0 {
			return errors.New("asr.timeout_ms must be positive")
		}
	}
	if cfg.ASR.Subject == "" {
		return errors.New("asr.subject must not be empty")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.ChunkMS <= 0 {
		return errors.New("capture.chunk_ms must be positive")
	}
	if cfg.Capture.MaxDurationMS <= 0 {
		return errors.New("capture.max_duration_ms must be positive")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionMode != "ephemeral" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty unless retention_mode=ephemeral")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.Output.Publish && cfg.Output.Subject == "" {
		return errors.New("output.subject must be set when output.publish is enabled")
	}
	return nil
}
