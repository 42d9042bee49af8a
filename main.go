package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	debugpkg "runtime/debug"
	pprof "runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hako/durafmt"
)

// Set at link time with -ldflags "-X main.buildTime=... -X main.buildVersion=...".
var (
	buildTime    = "unknown"
	buildVersion = "dev"
)

const certExpiryWarning = 7 * 24 * time.Hour

const usageText = `usage: sv2proxy [command] [flags]

commands:
  serve          run the proxy (default when no command is given)
  gen-ca-key     generate a certificate authority key pair
  gen-noise-key  generate a server static key pair
  sign-key       certify a server static public key
  verify-cert    check a certificate against an authority key
  probe          connect to a V2 listener and report what it offers
  noise-proxy    terminate Noise and relay plaintext to another server
  version        print build information
`

func main() {
	// Top-level panic handler: ensure any unexpected panic is captured to
	// panic.log with a stack trace so operators can inspect it.
	defer func() {
		if r := recover(); r != nil {
			path := "panic.log"
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				ts := time.Now().UTC().Format(time.RFC3339)
				fmt.Fprintf(f, "[%s] panic: %v\nbuild_time=%s version=%s\n%s\n\n",
					ts, r, buildTime, buildVersion, debugpkg.Stack())
				_ = f.Close()
			}
			logger.Stop()
			os.Exit(2)
		}
	}()

	debugpkg.SetGCPercent(200)
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches a subcommand and returns the process exit code. A leading
// flag or no arguments at all means serve.
func run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	kt := keytool{out: stdout, now: time.Now}

	var err error
	switch cmd {
	case "serve":
		return serveMain(args)
	case "gen-ca-key":
		err = kt.genCAKey(args)
	case "gen-noise-key":
		err = kt.genNoiseKey(args)
	case "sign-key":
		err = kt.signKey(args)
	case "verify-cert":
		err = kt.verifyCert(args)
	case "probe":
		err = runProbe(args, stdout)
	case "noise-proxy":
		err = runNoiseRelay(args, stdout)
	case "version":
		fmt.Fprintf(stdout, "sv2proxy %s (built %s)\n", buildVersion, buildTime)
	case "help":
		fmt.Fprint(stdout, usageText)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usageText)
		return 2
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func serveMain(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configFlag := fs.String("config", "", "path to config.toml (default data/config/config.toml)")
	secretsFlag := fs.String("secrets", "", "path to secrets.toml (default <data_dir>/config/secrets.toml)")
	bindFlag := fs.String("bind", "", "bind IP for all listeners")
	listenFlag := fs.String("listen", "", "override V2 listen address (e.g. :3336)")
	upstreamFlag := fs.String("upstream", "", "override upstream V1 pool (stratum+tcp://host:port)")
	upstreamUserFlag := fs.String("upstream-user", "", "override fallback upstream user")
	statusFlag := fs.String("status", "", "override status HTTP listen address (e.g. 127.0.0.1:8080)")
	dataDirFlag := fs.String("data-dir", "", "override data directory")
	logLevelFlag := fs.String("log-level", "", "override log level (debug, info, warn, error)")
	logDirFlag := fs.String("log-dir", "", "override log directory")
	maxConnsFlag := fs.Int("max-conns", -1, "override max concurrent downstream connections (-1 keeps config)")
	rewriteConfigFlag := fs.Bool("rewrite-config", false, "rewrite config on startup")
	profileFlag := fs.Bool("profile", false, "60s CPU profile")
	insecureFlag := optionalBool(fs, "insecure", "override plaintext V2 transport (true/false)")
	shareFlag := optionalBool(fs, "share-upstream", "override upstream session sharing (true/false)")
	stdoutFlag := optionalBool(fs, "stdout", "override mirroring logs to stdout (true/false)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "serve: unexpected arguments %q\n", fs.Args())
		return 2
	}

	overrides := runtimeOverrides{
		bind:         *bindFlag,
		listen:       *listenFlag,
		upstream:     *upstreamFlag,
		upstreamUser: *upstreamUserFlag,
		statusListen: *statusFlag,
		dataDir:      *dataDirFlag,
		logLevel:     *logLevelFlag,
		insecure:     *insecureFlag,
		shareUp:      *shareFlag,
		stdout:       *stdoutFlag,
		maxConns:     *maxConnsFlag,
	}

	cfgPath := strings.TrimSpace(*configFlag)
	if cfgPath == "" {
		cfgPath = defaultConfigPath()
	}
	cfg, err := loadConfig(cfgPath, strings.TrimSpace(*secretsFlag))
	if err != nil {
		fatal("config", err, "path", cfgPath)
	}
	if err := applyRuntimeOverrides(&cfg, overrides); err != nil {
		fatal("config", fmt.Errorf("%w: %w", errConfiguration, err))
	}
	if err := validateConfig(cfg); err != nil {
		fatal("config", fmt.Errorf("%w: %w", errConfiguration, err), "path", cfgPath)
	}
	level, _ := parseLogLevel(cfg.LogLevel)
	logDir := strings.TrimSpace(*logDirFlag)
	logPath, err := initNamedLogOutput(cfg, logDir, "proxy.log")
	if err != nil {
		fatal("log file", err)
	}
	errorLogPath, err := initNamedLogOutput(cfg, logDir, "errors.log")
	if err != nil {
		fatal("error log file", err)
	}
	var debugLogPath string
	if level == logLevelDebug || debugEnabled() {
		debugLogPath, err = initNamedLogOutput(cfg, logDir, "debug.log")
		if err != nil {
			fatal("debug log file", err)
		}
	}
	configureFileLogging(logPath, errorLogPath, debugLogPath, cfg.LogStdout)
	setLogLevel(level)
	defer logger.Stop()

	var netLogPath string
	if debugEnabled() {
		netLogPath, err = initNamedLogOutput(cfg, logDir, "net-debug.log")
		if err != nil {
			fatal("net log file", err)
		}
		setNetLogWriter(newRollingFileWriter(netLogPath))
	}
	logger.Info("log outputs configured",
		"component", "startup",
		"kind", "logging",
		"proxy_log", logPath,
		"errors_log", errorLogPath,
		"debug_log", debugLogPath,
		"net_debug_log", netLogPath,
		"stdout", cfg.LogStdout,
		"level", level,
	)

	if *rewriteConfigFlag {
		if err := rewriteConfigFile(cfgPath, cfg); err != nil {
			logger.Warn("rewrite config file", "path", cfgPath, "error", err)
		}
	}

	if *profileFlag {
		startCPUProfile("default.pgo", 60*time.Second)
	}

	ensureExampleFiles(cfg.DataDir)
	setSha256Implementation(cfg.UseSIMDSHA256)

	dcfg := cfg.downstreamConfig()
	if cfg.Insecure {
		logger.Warn("plaintext V2 transport enabled; downstream traffic is not encrypted", "component", "startup", "kind", "security")
	} else {
		static, cert, err := loadServerIdentity(cfg.CertificateFile, cfg.SecretKeyFile, time.Now())
		if err != nil {
			fatal("server identity", err, "certificate_file", cfg.CertificateFile, "secret_key_file", cfg.SecretKeyFile)
		}
		dcfg.Static = static
		dcfg.Certificate = cert
	}

	metrics := NewProxyMetrics()
	metrics.SetBestSharesFile(filepath.Join(cfg.DataDir, "state", "best_shares.json"))

	var journal *shareJournal
	if cfg.ShareJournal != "" {
		journalPath := cfg.resolveDataPath(cfg.ShareJournal)
		journal, err = openShareJournal(journalPath)
		if err != nil {
			fatal("share journal", err, "path", journalPath)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := newProxyServer(cfg, dcfg, metrics, journal)
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		fatal("listen", err, "addr", cfg.Listen)
	}
	startStatusServer(ctx, cfg.StatusListen, &StatusServer{
		started:   time.Now(),
		upstream:  cfg.Upstream,
		metrics:   metrics,
		registry:  srv.registry,
		arena:     srv.arena,
		journal:   journal,
		reconnect: srv.reconnect,
	})

	logger.Info("starting proxy",
		"component", "startup",
		"kind", "lifecycle",
		"version", buildVersion,
		"listen", cfg.Listen,
		"upstream", cfg.Upstream,
		"transport", transportName(cfg.Insecure),
		"share_upstream_sessions", cfg.ShareUpstreamSessions,
		"extranonce_slot_bytes", cfg.ExtranonceSlotBytes,
		"status_listen", cfg.StatusListen,
		"share_journal", cfg.ShareJournal,
	)

	srv.serve(ctx, ln)

	logger.Info("draining connections", "component", "shutdown", "kind", "lifecycle", "timeout", cfg.ShutdownTimeout, "downstreams", srv.registry.Count())
	drained := srv.shutdown(cfg.ShutdownTimeout)
	if journal != nil {
		if err := journal.Close(); err != nil {
			logger.Warn("close share journal", "component", "shutdown", "kind", "journal", "error", err)
		}
	}
	logger.Info("proxy stopped", "component", "shutdown", "kind", "lifecycle", "drained", drained)
	return 0
}

// loadServerIdentity reads the certificate and static secret and checks that
// they belong together and that the certificate is inside its window.
func loadServerIdentity(certPath, secretPath string, now time.Time) (noiseStaticKeyPair, noiseCertificate, error) {
	var static noiseStaticKeyPair
	cert, err := loadCertificate(certPath)
	if err != nil {
		return static, cert, fmt.Errorf("%w: %w", errConfiguration, err)
	}
	secret, err := loadNoiseSecretKey(secretPath)
	if err != nil {
		return static, cert, fmt.Errorf("%w: %w", errConfiguration, err)
	}
	if err := validateStaticSecretKey(cert, secret); err != nil {
		return static, cert, fmt.Errorf("%w: %w", errConfiguration, err)
	}
	if err := cert.Header.checkWindow(now); err != nil {
		return static, cert, fmt.Errorf("%w: certificate: %w", errConfiguration, err)
	}
	static.Secret = secret
	static.Public = cert.PublicKey

	remaining := cert.Header.notValidAfter().Sub(now)
	attrs := []any{
		"component", "startup",
		"kind", "certificate",
		"server_key", encodeBase58Key(cert.PublicKey[:]),
		"authority", encodeBase58Key(cert.Authority),
		"not_valid_after", cert.Header.notValidAfter().Format(time.RFC3339),
		"remaining", durafmt.Parse(remaining.Truncate(time.Minute)).LimitFirstN(2).String(),
	}
	if remaining < certExpiryWarning {
		logger.Warn("server certificate expires soon", attrs...)
	} else {
		logger.Info("server certificate loaded", attrs...)
	}
	return static, cert, nil
}

func transportName(insecure bool) string {
	if insecure {
		return sv2TransportModePlain
	}
	return sv2TransportModeNoiseNX
}

// optionalBool registers a boolean flag that stays nil unless given, so it
// only overrides config.toml when present on the command line.
func optionalBool(fs *flag.FlagSet, name, usage string) **bool {
	var out *bool
	fs.Func(name, usage, func(v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		out = &b
		return nil
	})
	return &out
}

// startCPUProfile captures a one-shot CPU profile usable for PGO builds.
func startCPUProfile(path string, d time.Duration) {
	f, err := os.Create(path)
	if err != nil {
		logger.Warn("profile open failed", "component", "startup", "kind", "profile", "error", err)
		return
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		logger.Warn("profile start failed", "component", "startup", "kind", "profile", "error", err)
		_ = f.Close()
		return
	}
	logger.Info("cpu profiling started", "component", "startup", "kind", "profile", "duration", d, "path", path)
	go func() {
		time.Sleep(d)
		pprof.StopCPUProfile()
		_ = f.Close()
		logger.Info("cpu profiling finished", "component", "startup", "kind", "profile", "path", path)
	}()
}

func disableTCPNagle(conn net.Conn) {
	if tcp := findTCPConn(conn); tcp != nil {
		if err := tcp.SetNoDelay(true); err != nil {
			logger.Debug("set tcp no-delay failed (ignored)", "error", err)
		}
	}
}

func setTCPBuffers(conn net.Conn, readBytes, writeBytes int) {
	if readBytes <= 0 && writeBytes <= 0 {
		return
	}
	if tcp := findTCPConn(conn); tcp != nil {
		if readBytes > 0 {
			if err := tcp.SetReadBuffer(readBytes); err != nil {
				logger.Debug("set tcp read buffer failed", "error", err, "bytes", readBytes)
			}
		}
		if writeBytes > 0 {
			if err := tcp.SetWriteBuffer(writeBytes); err != nil {
				logger.Debug("set tcp write buffer failed", "error", err, "bytes", writeBytes)
			}
		}
	}
}

func findTCPConn(conn net.Conn) *net.TCPConn {
	type netConnGetter interface {
		NetConn() net.Conn
	}

	for i := 0; i < 4 && conn != nil; i++ {
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			return tcpConn
		}
		getter, ok := conn.(netConnGetter)
		if !ok {
			return nil
		}
		next := getter.NetConn()
		if next == nil || next == conn {
			return nil
		}
		conn = next
	}
	return nil
}

func initNamedLogOutput(cfg Config, logDirOverride, baseName string) (string, error) {
	if strings.TrimSpace(logDirOverride) != "" {
		logDir := strings.TrimSpace(logDirOverride)
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return "", err
		}
		return filepath.Join(logDir, baseName), nil
	}
	dir := cfg.DataDir
	if dir == "" {
		dir = defaultDataDir
	}
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(logDir, baseName), nil
}
