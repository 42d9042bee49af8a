package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml"
)

const exampleUpstream = "stratum+tcp://pool.example.com:3333"

var secretsConfigExample = []byte(`# Credentials for the upstream V1 pool. Values here override config.toml.
upstream_user = "YOUR_POOL_USER.worker"
upstream_password = "x"
`)

func ensureExampleFiles(dataDir string) {
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	examplesDir := filepath.Join(dataDir, "config", "examples")
	if err := os.MkdirAll(examplesDir, 0o755); err != nil {
		logger.Warn("create examples directory failed", "component", "config", "kind", "examples", "dir", examplesDir, "error", err)
		return
	}

	ensureExampleFile(filepath.Join(examplesDir, "config.toml.example"), exampleConfigBytes())
	ensureExampleFile(filepath.Join(examplesDir, "secrets.toml.example"), secretsConfigExample)
}

func ensureExampleFile(path string, contents []byte) {
	if len(contents) == 0 {
		return
	}
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		logger.Warn("write example config failed", "component", "config", "kind", "examples", "path", path, "error", err)
	}
}

func exampleHeader(text string) []byte {
	return []byte(fmt.Sprintf("# Generated %s example (copy to a real config and edit as needed)\n\n", text))
}

func exampleConfigBytes() []byte {
	cfg := defaultConfig()
	cfg.Upstream = exampleUpstream
	cfg.StatusListen = "127.0.0.1:9336"
	cfg.ShareJournal = "state/shares.db"
	data, err := toml.Marshal(buildBaseFileConfig(cfg))
	if err != nil {
		logger.Warn("encode config example failed", "component", "config", "kind", "examples", "error", err)
		return nil
	}
	return append(exampleHeader("base config"), data...)
}

// buildBaseFileConfig renders every option explicitly. Credentials stay in
// secrets.toml.
func buildBaseFileConfig(cfg Config) fileConfig {
	seconds := func(v float64) *float64 { return &v }
	intPtr := func(v int) *int { return &v }
	boolPtr := func(v bool) *bool { return &v }
	strPtr := func(v string) *string { return &v }

	return fileConfig{
		Listen:                      cfg.Listen,
		Upstream:                    cfg.Upstream,
		UpstreamUserAgent:           cfg.UpstreamUserAgent,
		Insecure:                    boolPtr(cfg.Insecure),
		CertificateFile:             cfg.CertificateFile,
		SecretKeyFile:               cfg.SecretKeyFile,
		HandshakeTimeoutSec:         seconds(cfg.HandshakeTimeout.Seconds()),
		DownstreamReadTimeoutSec:    seconds(cfg.DownstreamReadTimeout.Seconds()),
		DownstreamWriteTimeoutSec:   seconds(cfg.DownstreamWriteTimeout.Seconds()),
		UpstreamConnectTimeoutSec:   seconds(cfg.UpstreamConnectTimeout.Seconds()),
		UpstreamResponseTimeoutSec:  seconds(cfg.UpstreamResponseTimeout.Seconds()),
		UpstreamDifficultyWaitSec:   seconds(cfg.UpstreamDifficultyWait.Seconds()),
		ShutdownTimeoutSec:          seconds(cfg.ShutdownTimeout.Seconds()),
		UpstreamVersionRolling:      boolPtr(cfg.UpstreamVersionRolling),
		ShareUpstreamSessions:       boolPtr(cfg.ShareUpstreamSessions),
		ExtranonceSlotBytes:         intPtr(cfg.ExtranonceSlotBytes),
		MaxConns:                    intPtr(cfg.MaxConns),
		MaxAcceptsPerSecond:         intPtr(cfg.MaxAcceptsPerSecond),
		MaxAcceptBurst:              intPtr(cfg.MaxAcceptBurst),
		ReconnectBanThreshold:       intPtr(cfg.ReconnectBanThreshold),
		ReconnectBanWindowSeconds:   intPtr(int(cfg.ReconnectBanWindow.Seconds())),
		ReconnectBanDurationSeconds: intPtr(int(cfg.ReconnectBanDuration.Seconds())),
		ProxyProtocol:               boolPtr(cfg.ProxyProtocol),
		ProxyProtocolUpstream:       boolPtr(cfg.ProxyProtocolUpstream),
		StatusListen:                strPtr(cfg.StatusListen),
		ShareJournal:                strPtr(cfg.ShareJournal),
		DataDir:                     cfg.DataDir,
		LogLevel:                    cfg.LogLevel,
		LogStdout:                   boolPtr(cfg.LogStdout),
		TCPReadBuffer:               intPtr(cfg.TCPReadBuffer),
		TCPWriteBuffer:              intPtr(cfg.TCPWriteBuffer),
		UseSIMDSHA256:               boolPtr(cfg.UseSIMDSHA256),
	}
}

// rewriteConfigFile replaces path atomically, keeping the previous file as
// path.bak.
func rewriteConfigFile(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	data, err := toml.Marshal(buildBaseFileConfig(cfg))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmpFile.Name()
	removeTemp := true
	defer func() {
		if tmpFile != nil {
			_ = tmpFile.Close()
		}
		if removeTemp {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	tmpFile = nil

	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}

	bakPath := path + ".bak"
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(bakPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", bakPath, err)
		}
		if err := os.Rename(path, bakPath); err != nil {
			return fmt.Errorf("rename %s to %s: %w", path, bakPath, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmpName, path, err)
	}
	removeTemp = false
	return nil
}
