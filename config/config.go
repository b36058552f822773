package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the read-only tunable snapshot a stream manager captures once
// at startup. Mid-flight changes only apply to streams started afterwards.
type Settings struct {
	InitialDataWaitTimeout   time.Duration
	InitialDataCheckInterval time.Duration
	NoDataTimeoutChecks      int
	NoDataCheckInterval      time.Duration
	ConnectionTimeout        time.Duration
	StreamTimeout            time.Duration
	ChannelShutdownDelay     time.Duration
	MaxStreamsPerEngine      int
	ChunkSize                int
	BufferTTL                time.Duration
	BufferMaxChunks          int
	ClientHeartbeatInterval  time.Duration
	ClientStaleAfter         time.Duration
	MaxClientsPerStream      int

	ListenAddr        string
	OrchestratorURL   string
	EngineRefreshSpec string
	Engines           []StaticEngine
}

// StaticEngine seeds the registry when no orchestrator URL is configured.
type StaticEngine struct {
	ID        string `yaml:"id"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Forwarded bool   `yaml:"forwarded"`
}

type fileSettings struct {
	InitialDataWaitTimeout   float64        `yaml:"initial_data_wait_timeout"`
	InitialDataCheckInterval float64        `yaml:"initial_data_check_interval"`
	NoDataTimeoutChecks      int            `yaml:"no_data_timeout_checks"`
	NoDataCheckInterval      float64        `yaml:"no_data_check_interval"`
	ConnectionTimeout        float64        `yaml:"connection_timeout"`
	StreamTimeout            float64        `yaml:"stream_timeout"`
	ChannelShutdownDelay     float64        `yaml:"channel_shutdown_delay"`
	MaxStreamsPerEngine      int            `yaml:"max_streams_per_engine"`
	ChunkSizeMB              int            `yaml:"chunk_size_mb"`
	BufferTTLSeconds         float64        `yaml:"buffer_ttl_seconds"`
	BufferMB                 int            `yaml:"buffer_mb"`
	ClientHeartbeatInterval  float64        `yaml:"client_heartbeat_interval"`
	ClientStaleAfter         float64        `yaml:"client_stale_after"`
	MaxClientsPerStream      int            `yaml:"max_clients_per_stream"`
	ListenAddr               string         `yaml:"listen_addr"`
	OrchestratorURL          string         `yaml:"orchestrator_url"`
	EngineRefreshSpec        string         `yaml:"engine_refresh_cron"`
	Engines                  []StaticEngine `yaml:"engines"`
}

// NewDefaultSettings returns the built-in defaults.
func NewDefaultSettings() *Settings {
	return &Settings{
		InitialDataWaitTimeout:   10 * time.Second,
		InitialDataCheckInterval: 200 * time.Millisecond,
		NoDataTimeoutChecks:      60,
		NoDataCheckInterval:      time.Second,
		ConnectionTimeout:        10 * time.Second,
		StreamTimeout:            60 * time.Second,
		ChannelShutdownDelay:     5 * time.Second,
		MaxStreamsPerEngine:      3,
		ChunkSize:                1024 * 1024,
		BufferTTL:                60 * time.Second,
		BufferMaxChunks:          100,
		ClientHeartbeatInterval:  10 * time.Second,
		ClientStaleAfter:         60 * time.Second,
		MaxClientsPerStream:      0,
		ListenAddr:               ":8080",
		EngineRefreshSpec:        "@every 30s",
	}
}

// LoadSettings builds a snapshot from defaults, then the optional YAML file,
// then environment variables, in increasing precedence.
func LoadSettings(path string) (*Settings, error) {
	s := NewDefaultSettings()

	if path != "" {
		if err := s.applyFile(path); err != nil {
			return nil, err
		}
	}
	s.applyEnv()
	s.clamp()
	return s, nil
}

func (s *Settings) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading settings file: %w", err)
	}

	var fs fileSettings
	if err := yaml.Unmarshal(raw, &fs); err != nil {
		return fmt.Errorf("parsing settings file: %w", err)
	}

	applySeconds(&s.InitialDataWaitTimeout, fs.InitialDataWaitTimeout)
	applySeconds(&s.InitialDataCheckInterval, fs.InitialDataCheckInterval)
	applySeconds(&s.NoDataCheckInterval, fs.NoDataCheckInterval)
	applySeconds(&s.ConnectionTimeout, fs.ConnectionTimeout)
	applySeconds(&s.StreamTimeout, fs.StreamTimeout)
	applySeconds(&s.ChannelShutdownDelay, fs.ChannelShutdownDelay)
	applySeconds(&s.BufferTTL, fs.BufferTTLSeconds)
	applySeconds(&s.ClientHeartbeatInterval, fs.ClientHeartbeatInterval)
	applySeconds(&s.ClientStaleAfter, fs.ClientStaleAfter)

	if fs.NoDataTimeoutChecks > 0 {
		s.NoDataTimeoutChecks = fs.NoDataTimeoutChecks
	}
	if fs.MaxStreamsPerEngine > 0 {
		s.MaxStreamsPerEngine = fs.MaxStreamsPerEngine
	}
	if fs.ChunkSizeMB > 0 {
		s.ChunkSize = fs.ChunkSizeMB * 1024 * 1024
	}
	if fs.BufferMB > 0 {
		s.BufferMaxChunks = maxInt(1, fs.BufferMB*1024*1024/s.ChunkSize)
	}
	if fs.MaxClientsPerStream > 0 {
		s.MaxClientsPerStream = fs.MaxClientsPerStream
	}
	if fs.ListenAddr != "" {
		s.ListenAddr = fs.ListenAddr
	}
	if fs.OrchestratorURL != "" {
		s.OrchestratorURL = fs.OrchestratorURL
	}
	if fs.EngineRefreshSpec != "" {
		s.EngineRefreshSpec = fs.EngineRefreshSpec
	}
	if len(fs.Engines) > 0 {
		s.Engines = fs.Engines
	}
	return nil
}

func (s *Settings) applyEnv() {
	applyEnvSeconds(&s.InitialDataWaitTimeout, "INITIAL_DATA_WAIT_TIMEOUT")
	applyEnvSeconds(&s.InitialDataCheckInterval, "INITIAL_DATA_CHECK_INTERVAL")
	applyEnvInt(&s.NoDataTimeoutChecks, "NO_DATA_TIMEOUT_CHECKS")
	applyEnvSeconds(&s.NoDataCheckInterval, "NO_DATA_CHECK_INTERVAL")
	applyEnvSeconds(&s.ConnectionTimeout, "CONNECTION_TIMEOUT")
	applyEnvSeconds(&s.StreamTimeout, "STREAM_TIMEOUT")
	applyEnvSeconds(&s.ChannelShutdownDelay, "CHANNEL_SHUTDOWN_DELAY")
	applyEnvInt(&s.MaxStreamsPerEngine, "MAX_STREAMS_PER_ENGINE")
	applyEnvSeconds(&s.BufferTTL, "BUFFER_TTL_SECONDS")
	applyEnvSeconds(&s.ClientHeartbeatInterval, "CLIENT_HEARTBEAT_INTERVAL")
	applyEnvSeconds(&s.ClientStaleAfter, "CLIENT_STALE_AFTER")
	applyEnvInt(&s.MaxClientsPerStream, "MAX_CLIENTS_PER_STREAM")

	if raw, ok := os.LookupEnv("CHUNK_SIZE_MB"); ok {
		if mb, err := strconv.Atoi(raw); err == nil && mb > 0 {
			s.ChunkSize = mb * 1024 * 1024
		}
	}
	if raw, ok := os.LookupEnv("BUFFER_MB"); ok {
		if mb, err := strconv.Atoi(raw); err == nil && mb > 0 {
			s.BufferMaxChunks = maxInt(1, mb*1024*1024/s.ChunkSize)
		}
	}
	if raw, ok := os.LookupEnv("LISTEN_ADDR"); ok && raw != "" {
		s.ListenAddr = raw
	}
	if raw, ok := os.LookupEnv("ORCHESTRATOR_URL"); ok && raw != "" {
		s.OrchestratorURL = raw
	}
	if raw, ok := os.LookupEnv("ENGINE_REFRESH_CRON"); ok && raw != "" {
		s.EngineRefreshSpec = raw
	}
}

// clamp enforces the documented ranges for each tunable.
func (s *Settings) clamp() {
	s.InitialDataWaitTimeout = clampDuration(s.InitialDataWaitTimeout, time.Second, 60*time.Second)
	s.InitialDataCheckInterval = clampDuration(s.InitialDataCheckInterval, 100*time.Millisecond, 2*time.Second)
	s.MaxStreamsPerEngine = clampInt(s.MaxStreamsPerEngine, 1, 20)
	if s.NoDataTimeoutChecks < 1 {
		s.NoDataTimeoutChecks = 1
	}
	if s.NoDataCheckInterval <= 0 {
		s.NoDataCheckInterval = time.Second
	}
	if s.BufferMaxChunks < 1 {
		s.BufferMaxChunks = 1
	}
	if s.ChunkSize < 188 {
		s.ChunkSize = 188
	}
}

func applySeconds(dst *time.Duration, secs float64) {
	if secs > 0 {
		*dst = time.Duration(secs * float64(time.Second))
	}
}

func applyEnvSeconds(dst *time.Duration, name string) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
		*dst = time.Duration(secs * float64(time.Second))
	}
}

func applyEnvInt(dst *int, name string) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		*dst = n
	}
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func clampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
