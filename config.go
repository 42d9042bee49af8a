package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	defaultDataDir             = "data"
	defaultListen              = "0.0.0.0:3336"
	defaultUpstreamUserAgent   = "sv2proxy/1.0"
	defaultUpstreamPassword    = "x"
	defaultCertificateFile     = "server-noise-static-public.cert"
	defaultSecretKeyFile       = "server-noise-static-secret.key"
	defaultHandshakeTimeout    = 2 * time.Second
	defaultDownstreamReadTO    = 10 * time.Minute
	defaultDownstreamWriteTO   = 30 * time.Second
	defaultUpstreamConnectTO   = 10 * time.Second
	defaultUpstreamResponseTO  = 30 * time.Second
	defaultUpstreamDiffWait    = 2 * time.Second
	defaultShutdownTimeout     = 5 * time.Second
	defaultExtranonceSlotBytes = 2
	maxExtranonceSlotBytes     = 4
	defaultMaxConns            = 10000
	// Roughly two seconds of reconnect storm for a full proxy.
	defaultMaxAcceptsPerSecond = 500
	defaultMaxAcceptBurst      = 1000
)

var errConfiguration = errors.New("configuration error")

type Config struct {
	// Listen is the V2 listener address, e.g. "0.0.0.0:3336".
	Listen string
	// Upstream is the V1 pool, "stratum+tcp://host:port" or "host:port".
	Upstream string
	// UpstreamUser is used when a channel opens with an empty user identity.
	UpstreamUser      string
	UpstreamPassword  string
	UpstreamUserAgent string

	// Insecure selects the plain (unencrypted) V2 transport.
	Insecure        bool
	CertificateFile string
	SecretKeyFile   string

	HandshakeTimeout        time.Duration
	DownstreamReadTimeout   time.Duration
	DownstreamWriteTimeout  time.Duration
	UpstreamConnectTimeout  time.Duration
	UpstreamResponseTimeout time.Duration
	// UpstreamDifficultyWait bounds how long a new session waits for the
	// pool's first set_difficulty before falling back to difficulty 1.
	UpstreamDifficultyWait time.Duration
	ShutdownTimeout        time.Duration

	UpstreamVersionRolling bool
	// ShareUpstreamSessions multiplexes channels with the same user onto one
	// upstream connection, each with its own extranonce2 slot.
	ShareUpstreamSessions bool
	ExtranonceSlotBytes   int

	MaxConns              int
	MaxAcceptsPerSecond   int
	MaxAcceptBurst        int
	ReconnectBanThreshold int
	ReconnectBanWindow    time.Duration
	ReconnectBanDuration  time.Duration

	// ProxyProtocol expects a PROXY v1 header on every downstream connection.
	ProxyProtocol bool
	// ProxyProtocolUpstream forwards the miner's addresses to the pool.
	// Only valid when each channel has its own upstream connection.
	ProxyProtocolUpstream bool

	StatusListen string
	ShareJournal string
	DataDir      string

	LogLevel  string
	LogStdout bool

	TCPReadBuffer  int
	TCPWriteBuffer int
	UseSIMDSHA256  bool
}

// fileConfig mirrors config.toml. Pointer fields distinguish "unset" from
// an explicit zero so defaults survive partial files.
type fileConfig struct {
	Listen            string `toml:"listen,omitempty"`
	Upstream          string `toml:"upstream,omitempty"`
	UpstreamUser      string `toml:"upstream_user,omitempty"`
	UpstreamUserAgent string `toml:"upstream_user_agent,omitempty"`
	// Password is read from secrets.toml when present.
	UpstreamPassword *string `toml:"upstream_password,omitempty"`

	Insecure        *bool  `toml:"insecure,omitempty"`
	CertificateFile string `toml:"certificate_file,omitempty"`
	SecretKeyFile   string `toml:"secret_key_file,omitempty"`

	HandshakeTimeoutSec        *float64 `toml:"handshake_timeout_seconds,omitempty"`
	DownstreamReadTimeoutSec   *float64 `toml:"downstream_read_timeout_seconds,omitempty"`
	DownstreamWriteTimeoutSec  *float64 `toml:"downstream_write_timeout_seconds,omitempty"`
	UpstreamConnectTimeoutSec  *float64 `toml:"upstream_connect_timeout_seconds,omitempty"`
	UpstreamResponseTimeoutSec *float64 `toml:"upstream_response_timeout_seconds,omitempty"`
	UpstreamDifficultyWaitSec  *float64 `toml:"upstream_difficulty_wait_seconds,omitempty"`
	ShutdownTimeoutSec         *float64 `toml:"shutdown_timeout_seconds,omitempty"`

	UpstreamVersionRolling *bool `toml:"upstream_version_rolling,omitempty"`
	ShareUpstreamSessions  *bool `toml:"share_upstream_sessions,omitempty"`
	ExtranonceSlotBytes    *int  `toml:"extranonce_slot_bytes,omitempty"`

	MaxConns                    *int `toml:"max_conns,omitempty"`
	MaxAcceptsPerSecond         *int `toml:"max_accepts_per_second,omitempty"`
	MaxAcceptBurst              *int `toml:"max_accept_burst,omitempty"`
	ReconnectBanThreshold       *int `toml:"reconnect_ban_threshold,omitempty"`
	ReconnectBanWindowSeconds   *int `toml:"reconnect_ban_window_seconds,omitempty"`
	ReconnectBanDurationSeconds *int `toml:"reconnect_ban_duration_seconds,omitempty"`

	ProxyProtocol         *bool `toml:"proxy_protocol,omitempty"`
	ProxyProtocolUpstream *bool `toml:"proxy_protocol_upstream,omitempty"`

	StatusListen *string `toml:"status_listen,omitempty"`
	ShareJournal *string `toml:"share_journal,omitempty"`
	DataDir      string  `toml:"data_dir,omitempty"`

	LogLevel  string `toml:"log_level,omitempty"`
	LogStdout *bool  `toml:"log_stdout,omitempty"`

	TCPReadBuffer  *int  `toml:"tcp_read_buffer,omitempty"`
	TCPWriteBuffer *int  `toml:"tcp_write_buffer,omitempty"`
	UseSIMDSHA256  *bool `toml:"use_simd_sha256,omitempty"`
}

// secretsConfig keeps credentials out of config.toml so the main file can
// be shared or checked in.
type secretsConfig struct {
	UpstreamUser     string `toml:"upstream_user,omitempty"`
	UpstreamPassword string `toml:"upstream_password,omitempty"`
}

func defaultConfig() Config {
	return Config{
		Listen:                  defaultListen,
		UpstreamPassword:        defaultUpstreamPassword,
		UpstreamUserAgent:       defaultUpstreamUserAgent,
		CertificateFile:         defaultCertificateFile,
		SecretKeyFile:           defaultSecretKeyFile,
		HandshakeTimeout:        defaultHandshakeTimeout,
		DownstreamReadTimeout:   defaultDownstreamReadTO,
		DownstreamWriteTimeout:  defaultDownstreamWriteTO,
		UpstreamConnectTimeout:  defaultUpstreamConnectTO,
		UpstreamResponseTimeout: defaultUpstreamResponseTO,
		UpstreamDifficultyWait:  defaultUpstreamDiffWait,
		ShutdownTimeout:         defaultShutdownTimeout,
		UpstreamVersionRolling:  true,
		ShareUpstreamSessions:   true,
		ExtranonceSlotBytes:     defaultExtranonceSlotBytes,
		MaxConns:                defaultMaxConns,
		MaxAcceptsPerSecond:     defaultMaxAcceptsPerSecond,
		MaxAcceptBurst:          defaultMaxAcceptBurst,
		ReconnectBanThreshold:   0,
		ReconnectBanWindow:      time.Minute,
		ReconnectBanDuration:    5 * time.Minute,
		DataDir:                 defaultDataDir,
		LogLevel:                "info",
		UseSIMDSHA256:           true,
	}
}

func defaultConfigPath() string {
	return filepath.Join(defaultDataDir, "config", "config.toml")
}

// loadConfig builds the effective config from defaults, config.toml and
// the optional secrets overlay. A missing config file is created with the
// defaults so operators have something to edit.
func loadConfig(configPath, secretsPath string) (Config, error) {
	cfg := defaultConfig()

	if configPath == "" {
		configPath = defaultConfigPath()
	}
	if fc, ok, err := loadConfigFile(configPath); err != nil {
		return cfg, fmt.Errorf("%w: %w", errConfiguration, err)
	} else if ok {
		applyFileConfig(&cfg, *fc)
	} else {
		if err := rewriteConfigFile(configPath, cfg); err != nil {
			return cfg, fmt.Errorf("%w: write default config: %w", errConfiguration, err)
		}
		logger.Info("created default config file", "component", "config", "kind", "create", "path", configPath)
	}

	if secretsPath == "" {
		secretsPath = filepath.Join(cfg.DataDir, "config", "secrets.toml")
	}
	if sc, ok, err := loadSecretsFile(secretsPath); err != nil {
		return cfg, fmt.Errorf("%w: %w", errConfiguration, err)
	} else if ok {
		applySecretsConfig(&cfg, *sc)
	}
	return cfg, nil
}

func loadConfigFile(path string) (*fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg fileConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, true, nil
}

func loadSecretsFile(path string) (*secretsConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	var sc secretsConfig
	if err := toml.Unmarshal(data, &sc); err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return &sc, true, nil
}

func secondsToDuration(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.Listen != "" {
		cfg.Listen = fc.Listen
	}
	if fc.Upstream != "" {
		cfg.Upstream = fc.Upstream
	}
	if fc.UpstreamUser != "" {
		cfg.UpstreamUser = fc.UpstreamUser
	}
	if fc.UpstreamUserAgent != "" {
		cfg.UpstreamUserAgent = fc.UpstreamUserAgent
	}
	if fc.UpstreamPassword != nil {
		cfg.UpstreamPassword = *fc.UpstreamPassword
	}
	if fc.Insecure != nil {
		cfg.Insecure = *fc.Insecure
	}
	if fc.CertificateFile != "" {
		cfg.CertificateFile = fc.CertificateFile
	}
	if fc.SecretKeyFile != "" {
		cfg.SecretKeyFile = fc.SecretKeyFile
	}

	durations := []struct {
		src *float64
		dst *time.Duration
	}{
		{fc.HandshakeTimeoutSec, &cfg.HandshakeTimeout},
		{fc.DownstreamReadTimeoutSec, &cfg.DownstreamReadTimeout},
		{fc.DownstreamWriteTimeoutSec, &cfg.DownstreamWriteTimeout},
		{fc.UpstreamConnectTimeoutSec, &cfg.UpstreamConnectTimeout},
		{fc.UpstreamResponseTimeoutSec, &cfg.UpstreamResponseTimeout},
		{fc.UpstreamDifficultyWaitSec, &cfg.UpstreamDifficultyWait},
		{fc.ShutdownTimeoutSec, &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.src != nil {
			*d.dst = secondsToDuration(*d.src)
		}
	}

	if fc.UpstreamVersionRolling != nil {
		cfg.UpstreamVersionRolling = *fc.UpstreamVersionRolling
	}
	if fc.ShareUpstreamSessions != nil {
		cfg.ShareUpstreamSessions = *fc.ShareUpstreamSessions
	}
	if fc.ExtranonceSlotBytes != nil {
		cfg.ExtranonceSlotBytes = *fc.ExtranonceSlotBytes
	}
	if fc.MaxConns != nil {
		cfg.MaxConns = *fc.MaxConns
	}
	if fc.MaxAcceptsPerSecond != nil {
		cfg.MaxAcceptsPerSecond = *fc.MaxAcceptsPerSecond
	}
	if fc.MaxAcceptBurst != nil {
		cfg.MaxAcceptBurst = *fc.MaxAcceptBurst
	}
	if fc.ReconnectBanThreshold != nil {
		cfg.ReconnectBanThreshold = *fc.ReconnectBanThreshold
	}
	if fc.ReconnectBanWindowSeconds != nil {
		cfg.ReconnectBanWindow = time.Duration(*fc.ReconnectBanWindowSeconds) * time.Second
	}
	if fc.ReconnectBanDurationSeconds != nil {
		cfg.ReconnectBanDuration = time.Duration(*fc.ReconnectBanDurationSeconds) * time.Second
	}
	if fc.ProxyProtocol != nil {
		cfg.ProxyProtocol = *fc.ProxyProtocol
	}
	if fc.ProxyProtocolUpstream != nil {
		cfg.ProxyProtocolUpstream = *fc.ProxyProtocolUpstream
	}
	if fc.StatusListen != nil {
		cfg.StatusListen = strings.TrimSpace(*fc.StatusListen)
	}
	if fc.ShareJournal != nil {
		cfg.ShareJournal = strings.TrimSpace(*fc.ShareJournal)
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.LogStdout != nil {
		cfg.LogStdout = *fc.LogStdout
	}
	if fc.TCPReadBuffer != nil {
		cfg.TCPReadBuffer = *fc.TCPReadBuffer
	}
	if fc.TCPWriteBuffer != nil {
		cfg.TCPWriteBuffer = *fc.TCPWriteBuffer
	}
	if fc.UseSIMDSHA256 != nil {
		cfg.UseSIMDSHA256 = *fc.UseSIMDSHA256
	}
}

func applySecretsConfig(cfg *Config, sc secretsConfig) {
	if sc.UpstreamUser != "" {
		cfg.UpstreamUser = sc.UpstreamUser
	}
	if sc.UpstreamPassword != "" {
		cfg.UpstreamPassword = sc.UpstreamPassword
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("listen is required")
	}
	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		return fmt.Errorf("listen %q: %w", cfg.Listen, err)
	}
	if strings.TrimSpace(cfg.Upstream) == "" {
		return fmt.Errorf("upstream is required")
	}
	if _, _, err := net.SplitHostPort(normalizeUpstreamAddress(cfg.Upstream)); err != nil {
		return fmt.Errorf("upstream %q: %w", cfg.Upstream, err)
	}
	if !cfg.Insecure {
		if strings.TrimSpace(cfg.CertificateFile) == "" {
			return fmt.Errorf("certificate_file is required unless insecure = true")
		}
		if strings.TrimSpace(cfg.SecretKeyFile) == "" {
			return fmt.Errorf("secret_key_file is required unless insecure = true")
		}
	}
	positive := []struct {
		name string
		val  time.Duration
	}{
		{"handshake_timeout_seconds", cfg.HandshakeTimeout},
		{"downstream_read_timeout_seconds", cfg.DownstreamReadTimeout},
		{"downstream_write_timeout_seconds", cfg.DownstreamWriteTimeout},
		{"upstream_connect_timeout_seconds", cfg.UpstreamConnectTimeout},
		{"upstream_response_timeout_seconds", cfg.UpstreamResponseTimeout},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", p.name, p.val)
		}
	}
	if cfg.UpstreamDifficultyWait < 0 {
		return fmt.Errorf("upstream_difficulty_wait_seconds cannot be negative")
	}
	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout_seconds cannot be negative")
	}
	if cfg.ExtranonceSlotBytes < 1 || cfg.ExtranonceSlotBytes > maxExtranonceSlotBytes {
		return fmt.Errorf("extranonce_slot_bytes must be between 1 and %d, got %d", maxExtranonceSlotBytes, cfg.ExtranonceSlotBytes)
	}
	if cfg.MaxConns < 0 {
		return fmt.Errorf("max_conns cannot be negative")
	}
	if cfg.MaxAcceptsPerSecond < 0 {
		return fmt.Errorf("max_accepts_per_second cannot be negative")
	}
	if cfg.MaxAcceptBurst < 0 {
		return fmt.Errorf("max_accept_burst cannot be negative")
	}
	if cfg.ReconnectBanThreshold < 0 {
		return fmt.Errorf("reconnect_ban_threshold cannot be negative")
	}
	if cfg.ReconnectBanThreshold > 0 && (cfg.ReconnectBanWindow <= 0 || cfg.ReconnectBanDuration <= 0) {
		return fmt.Errorf("reconnect_ban_window_seconds and reconnect_ban_duration_seconds must be > 0 when reconnect_ban_threshold is set")
	}
	if cfg.ProxyProtocolUpstream && cfg.ShareUpstreamSessions {
		return fmt.Errorf("proxy_protocol_upstream requires share_upstream_sessions = false")
	}
	if cfg.TCPReadBuffer < 0 {
		return fmt.Errorf("tcp_read_buffer cannot be negative")
	}
	if cfg.TCPWriteBuffer < 0 {
		return fmt.Errorf("tcp_write_buffer cannot be negative")
	}
	if _, err := parseLogLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// resolveDataPath anchors relative paths under data_dir.
func (cfg Config) resolveDataPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cfg.DataDir, p)
}

func (cfg Config) upstreamConfig() upstreamConfig {
	return upstreamConfig{
		Address:         normalizeUpstreamAddress(cfg.Upstream),
		User:            cfg.UpstreamUser,
		Password:        cfg.UpstreamPassword,
		UserAgent:       cfg.UpstreamUserAgent,
		ConnectTimeout:  cfg.UpstreamConnectTimeout,
		ResponseTimeout: cfg.UpstreamResponseTimeout,
		DifficultyWait:  cfg.UpstreamDifficultyWait,
		VersionRolling:  cfg.UpstreamVersionRolling,
		SlotBytes:       cfg.ExtranonceSlotBytes,
		TCPReadBuffer:   cfg.TCPReadBuffer,
		TCPWriteBuffer:  cfg.TCPWriteBuffer,
	}
}

func (cfg Config) downstreamConfig() downstreamConfig {
	return downstreamConfig{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadTimeout:      cfg.DownstreamReadTimeout,
		WriteTimeout:     cfg.DownstreamWriteTimeout,
		Insecure:         cfg.Insecure,
	}
}
