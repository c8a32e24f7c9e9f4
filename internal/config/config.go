package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
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
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Device      DeviceConfig     `yaml:"device"`
	Capture     CaptureConfig    `yaml:"capture"`
	Segmenter   SegmenterConfig  `yaml:"segmenter"`
	STT         STTConfig        `yaml:"stt"`
	Classifier  ClassifierConfig `yaml:"classifier"`
	Store       StoreConfig      `yaml:"store"`
	Retention   RetentionConfig  `yaml:"retention"`
	Alert       AlertConfig      `yaml:"alert"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// DeviceConfig identifies this listener. ID ends up on every stored record.
type DeviceConfig struct {
	ID                string `yaml:"id"`
	VenueID           string `yaml:"venue_id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type CaptureConfig struct {
	Mode       string `yaml:"mode"` // pulse, stdin
	Input      string `yaml:"input"`
	Fallback   string `yaml:"fallback"`
	SampleRate int    `yaml:"sample_rate"`
	ChunkBytes int    `yaml:"chunk_bytes"`
	RetryDelay int    `yaml:"retry_delay_ms"`
}

type SegmenterConfig struct {
	VolumeThreshold  float64 `yaml:"volume_threshold"`
	FrameDurationMS  int     `yaml:"frame_duration_ms"`
	SilenceThreshold int     `yaml:"silence_threshold_ms"`
	MinSpeech        int     `yaml:"min_speech_ms"`
	MaxRecording     int     `yaml:"max_recording_ms"`
	FlushOnStop      bool    `yaml:"flush_on_stop"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, openai
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Model     string `yaml:"model"`
	Language  string `yaml:"language"`
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	Attempts  int    `yaml:"attempts"`
	TimeoutMS int    `yaml:"timeout_ms"`
	MockText  string `yaml:"mock_text"`
}

// ClassifierConfig carries the single canonical threshold set used by the
// announcement classifier.
type ClassifierConfig struct {
	AcceptAll             bool    `yaml:"accept_all"`
	MinWords              int     `yaml:"min_words"`
	ShortWords            int     `yaml:"short_words"`
	ShortPenalty          float64 `yaml:"short_penalty"`
	ModerateThreshold     float64 `yaml:"moderate_threshold"`
	HighThreshold         float64 `yaml:"high_threshold"`
	VocabularyWeight      float64 `yaml:"vocabulary_weight"`
	FormalWeight          float64 `yaml:"formal_weight"`
	PublicServiceWeight   float64 `yaml:"public_service_weight"`
	TimeWeight            float64 `yaml:"time_weight"`
	LocationWeight        float64 `yaml:"location_weight"`
	StrongOpenerBonus     float64 `yaml:"strong_opener_bonus"`
	WeakOpenerBonus       float64 `yaml:"weak_opener_bonus"`
	PassiveBonus          float64 `yaml:"passive_bonus"`
	ConversationalPenalty float64 `yaml:"conversational_penalty"`
	FormalMinimum         int     `yaml:"formal_minimum"`
	PublicServiceMinimum  int     `yaml:"public_service_minimum"`
	ConfidenceFloor       float64 `yaml:"confidence_floor"`
	ConfidenceCeiling     float64 `yaml:"confidence_ceiling"`
	ConfidenceScoreAtCeil float64 `yaml:"confidence_score_at_ceiling"`
}

type StoreConfig struct {
	Driver         string `yaml:"driver"` // sqlite, postgres, ephemeral
	Path           string `yaml:"path"`
	DSN            string `yaml:"dsn"`
	Table          string `yaml:"table"`
	InsertAttempts int    `yaml:"insert_attempts"`
	InsertBackoff  int    `yaml:"insert_backoff_ms"`
	VacuumOnStart  bool   `yaml:"vacuum_on_start"`
}

type RetentionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Window   int    `yaml:"window_ms"`
	Interval int    `yaml:"interval_ms"`
	Marker   string `yaml:"marker"`
}

type AlertConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BaseURL       string `yaml:"base_url"`
	TimeoutMS     int    `yaml:"timeout_ms"`
	MaxMessageLen int    `yaml:"max_message_len"`
}

func Default() Config {
	return Config{
		RuntimeName: "herald",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Device: DeviceConfig{
			ID:                "live_audio_device",
			VenueID:           "1",
			HeartbeatInterval: 5000,
			HeartbeatTimeout:  15000,
		},
		Capture: CaptureConfig{
			Mode:       "pulse",
			Input:      "default",
			Fallback:   "default",
			SampleRate: 16000,
			ChunkBytes: 2048,
			RetryDelay: 1000,
		},
		Segmenter: SegmenterConfig{
			VolumeThreshold:  500,
			FrameDurationMS:  30,
			SilenceThreshold: 2000,
			MinSpeech:        2000,
			MaxRecording:     45000,
		},
		STT: STTConfig{
			Mode:      "mock",
			Model:     "whisper-1",
			Language:  "en",
			Attempts:  2,
			TimeoutMS: 60000,
		},
		Classifier: DefaultClassifier(),
		Store: StoreConfig{
			Driver:         "sqlite",
			Path:           "./data/herald.db",
			Table:          "transcriptions",
			InsertAttempts: 3,
			InsertBackoff:  2000,
		},
		Retention: RetentionConfig{
			Enabled:  true,
			Window:   10 * 60 * 1000,
			Interval: 60 * 1000,
			Marker:   "[redacted]",
		},
		Alert: AlertConfig{
			Enabled:       false,
			BaseURL:       "http://localhost:3000",
			TimeoutMS:     3000,
			MaxMessageLen: 200,
		},
	}
}

// DefaultClassifier returns the canonical heuristic thresholds.
func DefaultClassifier() ClassifierConfig {
	return ClassifierConfig{
		MinWords:              6,
		ShortWords:            8,
		ShortPenalty:          1,
		ModerateThreshold:     4,
		HighThreshold:         6,
		VocabularyWeight:      2,
		FormalWeight:          1.5,
		PublicServiceWeight:   1.5,
		TimeWeight:            0.8,
		LocationWeight:        1.0,
		StrongOpenerBonus:     2,
		WeakOpenerBonus:       1,
		PassiveBonus:          1,
		ConversationalPenalty: 2,
		FormalMinimum:         2,
		PublicServiceMinimum:  1,
		ConfidenceFloor:       0.1,
		ConfidenceCeiling:     0.9,
		ConfidenceScoreAtCeil: 10,
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
	overrideString(&cfg.RuntimeName, "HERALD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "HERALD_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "HERALD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "HERALD_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "HERALD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "HERALD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "HERALD_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "HERALD_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "HERALD_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "HERALD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "HERALD_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "HERALD_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "HERALD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "HERALD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "HERALD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "HERALD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "HERALD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "HERALD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Device.ID, "HERALD_DEVICE_ID")
	overrideString(&cfg.Device.VenueID, "HERALD_DEVICE_VENUE_ID")
	overrideInt(&cfg.Device.HeartbeatInterval, "HERALD_DEVICE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Device.HeartbeatTimeout, "HERALD_DEVICE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Capture.Mode, "HERALD_CAPTURE_MODE")
	overrideString(&cfg.Capture.Input, "HERALD_CAPTURE_INPUT")
	overrideString(&cfg.Capture.Fallback, "HERALD_CAPTURE_FALLBACK")
	overrideInt(&cfg.Capture.SampleRate, "HERALD_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.ChunkBytes, "HERALD_CAPTURE_CHUNK_BYTES")
	overrideInt(&cfg.Capture.RetryDelay, "HERALD_CAPTURE_RETRY_DELAY_MS")
	overrideFloat(&cfg.Segmenter.VolumeThreshold, "HERALD_SEGMENTER_VOLUME_THRESHOLD")
	overrideInt(&cfg.Segmenter.FrameDurationMS, "HERALD_SEGMENTER_FRAME_DURATION_MS")
	overrideInt(&cfg.Segmenter.SilenceThreshold, "HERALD_SEGMENTER_SILENCE_THRESHOLD_MS")
	overrideInt(&cfg.Segmenter.MinSpeech, "HERALD_SEGMENTER_MIN_SPEECH_MS")
	overrideInt(&cfg.Segmenter.MaxRecording, "HERALD_SEGMENTER_MAX_RECORDING_MS")
	overrideBool(&cfg.Segmenter.FlushOnStop, "HERALD_SEGMENTER_FLUSH_ON_STOP")
	overrideString(&cfg.STT.Mode, "HERALD_STT_MODE")
	overrideString(&cfg.STT.Command, "HERALD_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "HERALD_STT_MODEL_PATH")
	overrideString(&cfg.STT.Model, "HERALD_STT_MODEL")
	overrideString(&cfg.STT.Language, "HERALD_STT_LANGUAGE")
	overrideString(&cfg.STT.Endpoint, "HERALD_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "HERALD_STT_API_KEY")
	overrideInt(&cfg.STT.Attempts, "HERALD_STT_ATTEMPTS")
	overrideInt(&cfg.STT.TimeoutMS, "HERALD_STT_TIMEOUT_MS")
	overrideString(&cfg.STT.MockText, "HERALD_STT_MOCK_TEXT")
	overrideBool(&cfg.Classifier.AcceptAll, "HERALD_CLASSIFIER_ACCEPT_ALL")
	overrideInt(&cfg.Classifier.MinWords, "HERALD_CLASSIFIER_MIN_WORDS")
	overrideFloat(&cfg.Classifier.ModerateThreshold, "HERALD_CLASSIFIER_MODERATE_THRESHOLD")
	overrideFloat(&cfg.Classifier.HighThreshold, "HERALD_CLASSIFIER_HIGH_THRESHOLD")
	overrideString(&cfg.Store.Driver, "HERALD_STORE_DRIVER")
	overrideString(&cfg.Store.Path, "HERALD_STORE_PATH")
	overrideString(&cfg.Store.DSN, "HERALD_STORE_DSN")
	overrideString(&cfg.Store.Table, "HERALD_STORE_TABLE")
	overrideInt(&cfg.Store.InsertAttempts, "HERALD_STORE_INSERT_ATTEMPTS")
	overrideInt(&cfg.Store.InsertBackoff, "HERALD_STORE_INSERT_BACKOFF_MS")
	overrideBool(&cfg.Store.VacuumOnStart, "HERALD_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Retention.Enabled, "HERALD_RETENTION_ENABLED")
	overrideInt(&cfg.Retention.Window, "HERALD_RETENTION_WINDOW_MS")
	overrideInt(&cfg.Retention.Interval, "HERALD_RETENTION_INTERVAL_MS")
	overrideString(&cfg.Retention.Marker, "HERALD_RETENTION_MARKER")
	overrideBool(&cfg.Alert.Enabled, "HERALD_ALERT_ENABLED")
	overrideString(&cfg.Alert.BaseURL, "HERALD_ALERT_BASE_URL")
	overrideInt(&cfg.Alert.TimeoutMS, "HERALD_ALERT_TIMEOUT_MS")
	overrideInt(&cfg.Alert.MaxMessageLen, "HERALD_ALERT_MAX_MESSAGE_LEN")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if strings.TrimSpace(cfg.Device.ID) == "" {
		return errors.New("device.id must not be empty")
	}
	if cfg.Device.HeartbeatInterval <= 0 {
		return errors.New("device.heartbeat_interval_ms must be positive")
	}
	if cfg.Device.HeartbeatTimeout <= cfg.Device.HeartbeatInterval {
		return errors.New("device.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	switch cfg.Capture.Mode {
	case "pulse", "stdin":
	default:
		return errors.New("capture.mode must be one of pulse|stdin")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.ChunkBytes <= 0 || cfg.Capture.ChunkBytes%2 != 0 {
		return errors.New("capture.chunk_bytes must be a positive even number")
	}
	if cfg.Capture.RetryDelay < 0 {
		return errors.New("capture.retry_delay_ms must be >= 0")
	}
	if cfg.Segmenter.FrameDurationMS <= 0 {
		return errors.New("segmenter.frame_duration_ms must be positive")
	}
	if cfg.Segmenter.VolumeThreshold < 0 {
		return errors.New("segmenter.volume_threshold must be >= 0")
	}
	if cfg.Segmenter.SilenceThreshold <= 0 {
		return errors.New("segmenter.silence_threshold_ms must be positive")
	}
	if cfg.Segmenter.MinSpeech < 0 {
		return errors.New("segmenter.min_speech_ms must be >= 0")
	}
	if cfg.Segmenter.MaxRecording <= cfg.Segmenter.MinSpeech {
		return errors.New("segmenter.max_recording_ms must be greater than min_speech_ms")
	}
	switch cfg.STT.Mode {
	case "mock", "exec", "openai":
	default:
		return errors.New("stt.mode must be one of mock|exec|openai")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.Mode == "openai" && cfg.STT.APIKey == "" && cfg.STT.Endpoint == "" {
		return errors.New("stt.api_key or stt.endpoint must be set when mode=openai")
	}
	if cfg.STT.Attempts <= 0 {
		return errors.New("stt.attempts must be >= 1")
	}
	if err := validateClassifier(cfg.Classifier); err != nil {
		return err
	}
	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			return errors.New("store.path must not be empty when driver=sqlite")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			return errors.New("store.dsn must be set when driver=postgres")
		}
	case "ephemeral":
	default:
		return errors.New("store.driver must be one of sqlite|postgres|ephemeral")
	}
	if !tableName.MatchString(cfg.Store.Table) {
		return errors.New("store.table must be a plain SQL identifier")
	}
	if cfg.Store.InsertAttempts <= 0 {
		return errors.New("store.insert_attempts must be >= 1")
	}
	if cfg.Store.InsertBackoff < 0 {
		return errors.New("store.insert_backoff_ms must be >= 0")
	}
	if cfg.Retention.Enabled {
		if cfg.Retention.Window <= 0 {
			return errors.New("retention.window_ms must be positive")
		}
		if cfg.Retention.Interval <= 0 {
			return errors.New("retention.interval_ms must be positive")
		}
		if cfg.Retention.Marker == "" {
			return errors.New("retention.marker must not be empty")
		}
	}
	if cfg.Alert.Enabled {
		if cfg.Alert.BaseURL == "" {
			return errors.New("alert.base_url must be set when alerts are enabled")
		}
		if cfg.Alert.TimeoutMS <= 0 {
			return errors.New("alert.timeout_ms must be positive")
		}
	}
	if cfg.Alert.MaxMessageLen <= 0 {
		return errors.New("alert.max_message_len must be positive")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}

func validateClassifier(c ClassifierConfig) error {
	if c.MinWords < 1 {
		return errors.New("classifier.min_words must be >= 1")
	}
	if c.ShortWords < c.MinWords {
		return errors.New("classifier.short_words must be >= min_words")
	}
	if c.ModerateThreshold <= 0 || c.HighThreshold <= c.ModerateThreshold {
		return errors.New("classifier.high_threshold must be greater than a positive moderate_threshold")
	}
	if c.ConfidenceFloor < 0 || c.ConfidenceCeiling > 1 || c.ConfidenceFloor >= c.ConfidenceCeiling {
		return errors.New("classifier confidence bounds must satisfy 0 <= floor < ceiling <= 1")
	}
	if c.ConfidenceScoreAtCeil <= 0 {
		return errors.New("classifier.confidence_score_at_ceiling must be positive")
	}
	return nil
}
