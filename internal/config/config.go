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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// CaptureConfig describes the audio input the session opens. An empty
// DeviceID selects the system default capture device.
type CaptureConfig struct {
	DeviceID   string `yaml:"device_id"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	FrameSize  int    `yaml:"frame_size"`
}

// PipelineConfig tunes the capture-to-inference chain.
type PipelineConfig struct {
	ChunkSeconds  float64 `yaml:"chunk_seconds"`
	QueueDepth    int     `yaml:"queue_depth"`
	Workers       int     `yaml:"workers"` // 0 = sized by model preset
	WatchdogMS    int     `yaml:"watchdog_ms"`
	StopTimeoutMS int     `yaml:"stop_timeout_ms"`
}

type STTConfig struct {
	Mode     string `yaml:"mode"` // mock, exec
	Command  string `yaml:"command"`
	ModelDir string `yaml:"model_dir"`
	Preset   string `yaml:"preset"`
	Language string `yaml:"language"`
}

type TTSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type TranscriptConfig struct {
	ExportPath string `yaml:"export_path"`
	Mirror     bool   `yaml:"mirror"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Capture     CaptureConfig    `yaml:"capture"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	STT         STTConfig        `yaml:"stt"`
	TTS         TTSConfig        `yaml:"tts"`
	Transcript  TranscriptConfig `yaml:"transcript"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

var presets = map[string]bool{
	"tiny": true, "base": true, "small": true, "medium": true, "large": true,
}

// Presets lists the recognized model presets, cheapest first.
func Presets() []string {
	return []string{"tiny", "base", "small", "medium", "large"}
}

func IsPreset(name string) bool { return presets[name] }

func Default() Config {
	return Config{
		RuntimeName: "dicta-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			SampleRate: 16000,
			Channels:   1,
			FrameSize:  1024,
		},
		Pipeline: PipelineConfig{
			ChunkSeconds:  3,
			QueueDepth:    8,
			WatchdogMS:    45000,
			StopTimeoutMS: 10000,
		},
		STT: STTConfig{
			Mode:   "mock",
			Preset: "base",
		},
		TTS: TTSConfig{
			Enabled:    false,
			Mode:       "mock",
			SampleRate: 22050,
			Channels:   1,
		},
		Transcript: TranscriptConfig{
			ExportPath: "./transcription.txt",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/dicta-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
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
	overrideString(&cfg.RuntimeName, "DICTA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "DICTA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "DICTA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "DICTA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "DICTA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "DICTA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "DICTA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "DICTA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "DICTA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "DICTA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "DICTA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "DICTA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "DICTA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "DICTA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "DICTA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Capture.DeviceID, "DICTA_CAPTURE_DEVICE_ID")
	overrideInt(&cfg.Capture.SampleRate, "DICTA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "DICTA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FrameSize, "DICTA_CAPTURE_FRAME_SIZE")
	overrideFloat(&cfg.Pipeline.ChunkSeconds, "DICTA_PIPELINE_CHUNK_SECONDS")
	overrideInt(&cfg.Pipeline.QueueDepth, "DICTA_PIPELINE_QUEUE_DEPTH")
	overrideInt(&cfg.Pipeline.Workers, "DICTA_PIPELINE_WORKERS")
	overrideInt(&cfg.Pipeline.WatchdogMS, "DICTA_PIPELINE_WATCHDOG_MS")
	overrideInt(&cfg.Pipeline.StopTimeoutMS, "DICTA_PIPELINE_STOP_TIMEOUT_MS")
	overrideString(&cfg.STT.Mode, "DICTA_STT_MODE")
	overrideString(&cfg.STT.Command, "DICTA_STT_COMMAND")
	overrideString(&cfg.STT.ModelDir, "DICTA_STT_MODEL_DIR")
	overrideString(&cfg.STT.Preset, "DICTA_STT_PRESET")
	overrideString(&cfg.STT.Language, "DICTA_STT_LANGUAGE")
	overrideBool(&cfg.TTS.Enabled, "DICTA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "DICTA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "DICTA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "DICTA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "DICTA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "DICTA_TTS_CHANNELS")
	overrideString(&cfg.Transcript.ExportPath, "DICTA_TRANSCRIPT_EXPORT_PATH")
	overrideBool(&cfg.Transcript.Mirror, "DICTA_TRANSCRIPT_MIRROR")
	overrideString(&cfg.EventStore.Path, "DICTA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "DICTA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "DICTA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "DICTA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "DICTA_EVENT_STORE_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.FrameSize <= 0 {
		return errors.New("capture.frame_size must be positive")
	}
	if cfg.Pipeline.ChunkSeconds <= 0 {
		return errors.New("pipeline.chunk_seconds must be positive")
	}
	if cfg.Pipeline.QueueDepth <= 0 {
		return errors.New("pipeline.queue_depth must be positive")
	}
	if cfg.Pipeline.Workers < 0 {
		return errors.New("pipeline.workers must be >= 0")
	}
	if cfg.Pipeline.WatchdogMS <= 0 {
		return errors.New("pipeline.watchdog_ms must be positive")
	}
	if cfg.Pipeline.StopTimeoutMS <= 0 {
		return errors.New("pipeline.stop_timeout_ms must be positive")
	}
	switch cfg.STT.Mode {
	case "mock", "exec":
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if !IsPreset(cfg.STT.Preset) {
		return fmt.Errorf("stt.preset must be one of %s", strings.Join(Presets(), "|"))
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	if cfg.Transcript.ExportPath == "" {
		return errors.New("transcript.export_path must not be empty")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}
