package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Karpatsky/TidePool/internal/config"
	"github.com/Karpatsky/TidePool/internal/pool"
	"github.com/Karpatsky/TidePool/internal/store"
	"github.com/Karpatsky/TidePool/internal/web"

	"github.com/bytedance/sonic"
	"github.com/hako/durafmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "policy" {
		err = runPolicy(os.Args[2:])
	} else {
		err = run()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := configPathFromArgs(os.Args[1:])
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	flag.String("config", configPath, "path to a TOML config file")
	flag.StringVar(&cfg.BitcoinRPCHost, "rpc-host", cfg.BitcoinRPCHost, "bitcoind RPC host")
	flag.IntVar(&cfg.BitcoinRPCPort, "rpc-port", cfg.BitcoinRPCPort, "bitcoind RPC port")
	flag.StringVar(&cfg.BitcoinRPCUser, "rpc-user", cfg.BitcoinRPCUser, "bitcoind RPC username")
	flag.StringVar(&cfg.BitcoinRPCPassword, "rpc-password", cfg.BitcoinRPCPassword, "bitcoind RPC password")
	flag.IntVar(&cfg.StratumPort, "stratum-port", cfg.StratumPort, "stratum server listen port")
	flag.Float64Var(&cfg.StartDifficulty, "start-difficulty", cfg.StartDifficulty, "initial stratum difficulty for new miners (vardiff adjusts from here)")
	flag.StringVar(&cfg.StoreBackend, "store", cfg.StoreBackend, "worker store backend (bolt, sqlite, memory)")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for persistent data")
	flag.DurationVar(&cfg.Vardiff.TargetTime, "target-time", cfg.Vardiff.TargetTime, "desired time between shares")
	flag.DurationVar(&cfg.Vardiff.RetargetTime, "retarget-time", cfg.Vardiff.RetargetTime, "minimum time between retarget checks")
	flag.Float64Var(&cfg.Vardiff.VariancePercent, "variance", cfg.Vardiff.VariancePercent, "tolerance around the target time, in percent")
	flag.Float64Var(&cfg.Vardiff.MinDifficulty, "min-difficulty", cfg.Vardiff.MinDifficulty, "lowest difficulty vardiff assigns")
	flag.Float64Var(&cfg.Vardiff.MaxDifficulty, "max-difficulty", cfg.Vardiff.MaxDifficulty, "highest difficulty vardiff assigns")
	flag.BoolVar(&cfg.Vardiff.BoundByNetwork, "bound-by-network", cfg.Vardiff.BoundByNetwork, "never raise difficulty above the network difficulty")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "tidepool - stratum server with per-worker variable difficulty\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n  tidepool [-config tidepool.toml] [flags]\n")
		fmt.Fprintf(os.Stderr, "  tidepool policy -worker <name> [-difficulty D] [-vardiff=false] [-server URL]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  BITCOIN_RPC_HOST      Override -rpc-host\n")
		fmt.Fprintf(os.Stderr, "  BITCOIN_RPC_USER      Override -rpc-user\n")
		fmt.Fprintf(os.Stderr, "  BITCOIN_RPC_PASSWORD  Override -rpc-password\n")
		fmt.Fprintf(os.Stderr, "  TIDEPOOL_DATA_DIR     Override -data-dir\n")
		fmt.Fprintf(os.Stderr, "  TIDEPOOL_STORE        Override -store\n")
		fmt.Fprintf(os.Stderr, "  TIDEPOOL_STRATUM_PORT Override -stratum-port\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL             Override -log-level\n")
	}

	flag.Parse()

	if err := applyEnv(cfg); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting tidepool",
		zap.String("config", configPath),
		zap.String("bitcoin_rpc", cfg.BitcoinRPCURL()),
		zap.String("target_time", durafmt.Parse(cfg.Vardiff.TargetTime).String()),
		zap.String("retarget_time", durafmt.Parse(cfg.Vardiff.RetargetTime).String()),
	)

	p := pool.New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		p.Stop()
		return fmt.Errorf("start pool: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	p.Stop()
	return nil
}

// applyEnv lets environment variables override flags (for containerized deployments).
func applyEnv(cfg *config.Config) error {
	if v := os.Getenv("BITCOIN_RPC_HOST"); v != "" {
		cfg.BitcoinRPCHost = v
	}
	if v := os.Getenv("BITCOIN_RPC_USER"); v != "" {
		cfg.BitcoinRPCUser = v
	}
	if v := os.Getenv("BITCOIN_RPC_PASSWORD"); v != "" {
		cfg.BitcoinRPCPassword = v
	}
	if v := os.Getenv("TIDEPOOL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TIDEPOOL_STORE"); v != "" {
		cfg.StoreBackend = v
	}
	if v := os.Getenv("TIDEPOOL_STRATUM_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TIDEPOOL_STRATUM_PORT: %w", err)
		}
		cfg.StratumPort = port
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

// configPathFromArgs finds -config before flag parsing so the file can
// supply the flag defaults.
func configPathFromArgs(args []string) string {
	for i, a := range args {
		switch {
		case a == "-config" || a == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case len(a) > 8 && a[:8] == "-config=":
			return a[8:]
		case len(a) > 9 && a[:9] == "--config=":
			return a[9:]
		}
	}
	if v := os.Getenv("TIDEPOOL_CONFIG"); v != "" {
		return v
	}
	return ""
}

// runPolicy pins a worker's difficulty or opts it in or out of vardiff.
//
// With -server the change goes through the running pool's API and applies
// on the worker's next share. Without it the store is opened directly, which
// requires the pool to be stopped (bolt holds an exclusive file lock).
func runPolicy(args []string) error {
	fs := flag.NewFlagSet("policy", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("TIDEPOOL_CONFIG"), "path to a TOML config file")
	server := fs.String("server", os.Getenv("TIDEPOOL_SERVER"), "base URL of a running pool, e.g. http://127.0.0.1:3333")
	worker := fs.String("worker", "", "worker name (required)")
	difficulty := fs.Float64("difficulty", 0, "stored difficulty for the worker")
	enabled := fs.Bool("vardiff", true, "whether vardiff retargets this worker")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *worker == "" {
		fs.Usage()
		return fmt.Errorf("-worker is required")
	}
	if *difficulty < 0 {
		return fmt.Errorf("-difficulty must not be negative")
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := applyEnv(cfg); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer logger.Sync()

	req := web.PolicyRequest{Worker: *worker, Vardiff: enabled, Difficulty: *difficulty}
	if *server != "" {
		ctx, cancel := context.WithTimeout(context.Background(), policyTimeout)
		defer cancel()
		if err := postPolicy(ctx, *server, req); err != nil {
			return err
		}
	} else if err := storePolicy(cfg, req, logger); err != nil {
		return err
	}

	logger.Info("worker policy updated",
		zap.String("worker", *worker),
		zap.Bool("vardiff", *enabled),
		zap.Float64("difficulty", *difficulty),
		zap.Bool("live", *server != ""),
	)
	if !*enabled && *difficulty > 0 && !cfg.Vardiff.AllowExternalDifficulty {
		logger.Warn("allow_external_difficulty is off: the pinned difficulty is cleared when the pool restarts")
	}
	return nil
}

const policyTimeout = 10 * time.Second

// postPolicy sends req to a running pool.
func postPolicy(ctx context.Context, baseURL string, req web.PolicyRequest) error {
	body, err := sonic.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	url := strings.TrimRight(baseURL, "/") + "/api/workers/policy"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post policy: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("post policy: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}

// storePolicy writes req straight to the configured store.
func storePolicy(cfg *config.Config, req web.PolicyRequest, logger *zap.Logger) error {
	path := filepath.Join(cfg.DataDir, "workers.db")
	if cfg.StoreBackend == store.BackendSQLite {
		path = filepath.Join(cfg.DataDir, "workers.sqlite")
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(cfg.StoreBackend, path, logger)
	if err != nil {
		return fmt.Errorf("open worker store (is the pool running? use -server): %w", err)
	}
	defer st.Close()

	if err := st.SetWorkerPolicy(req.Worker, req.VardiffEnabled(), req.Difficulty); err != nil {
		return fmt.Errorf("set policy: %w", err)
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return cfg.Build()
}
