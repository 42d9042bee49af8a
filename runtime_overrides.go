package main

import (
	"fmt"
	"net"
	"strings"
)

// runtimeOverrides carries command-line flags that win over config.toml.
// Pointer fields are nil when the flag was not given.
type runtimeOverrides struct {
	bind         string
	listen       string
	upstream     string
	upstreamUser string
	statusListen string
	dataDir      string
	logLevel     string
	insecure     *bool
	shareUp      *bool
	stdout       *bool
	maxConns     int
}

func applyRuntimeOverrides(cfg *Config, overrides runtimeOverrides) error {
	if strings.TrimSpace(overrides.dataDir) != "" {
		cfg.DataDir = strings.TrimSpace(overrides.dataDir)
	}
	if overrides.maxConns >= 0 {
		cfg.MaxConns = overrides.maxConns
	}

	if overrides.bind != "" {
		cfg.Listen = rebindAddr(cfg.Listen, overrides.bind)
		if cfg.StatusListen != "" {
			cfg.StatusListen = rebindAddr(cfg.StatusListen, overrides.bind)
		}
	}

	// Explicit listener overrides win over global bind rewrites.
	if strings.TrimSpace(overrides.listen) != "" {
		cfg.Listen = strings.TrimSpace(overrides.listen)
	}
	if strings.TrimSpace(overrides.statusListen) != "" {
		cfg.StatusListen = strings.TrimSpace(overrides.statusListen)
	}
	if strings.TrimSpace(overrides.upstream) != "" {
		cfg.Upstream = strings.TrimSpace(overrides.upstream)
	}
	if strings.TrimSpace(overrides.upstreamUser) != "" {
		cfg.UpstreamUser = strings.TrimSpace(overrides.upstreamUser)
	}
	if overrides.logLevel != "" {
		if _, err := parseLogLevel(overrides.logLevel); err != nil {
			return fmt.Errorf("-log-level: %w", err)
		}
		cfg.LogLevel = overrides.logLevel
	}
	if overrides.insecure != nil {
		cfg.Insecure = *overrides.insecure
	}
	if overrides.shareUp != nil {
		cfg.ShareUpstreamSessions = *overrides.shareUp
	}
	if overrides.stdout != nil {
		cfg.LogStdout = *overrides.stdout
	}
	return nil
}

func rebindAddr(addr, host string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(host, strings.TrimPrefix(addr, ":"))
	}
	return net.JoinHostPort(host, port)
}
