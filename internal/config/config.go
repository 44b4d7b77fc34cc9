// Package config is the gateway's environment-variable configuration table,
// grounded on the teacher's config/config.go: go-simpler.org/env struct tags,
// an xdg-located .env override file, and lol log-level wiring on load.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/adrg/xdg"
	"go-simpler.org/env"

	"zapgate.dev/internal/chk"
	"zapgate.dev/internal/log"
	"zapgate.dev/internal/lol"
)

// C is zapgate's configuration (SPEC_FULL.md §6). Values are read from the
// environment, or from an xdg-located .env file if present, which overrides
// compiled-in defaults but not a same-named variable already set in the
// process environment.
type C struct {
	AppName string `env:"ZAPGATE_APP_NAME" default:"zapgate"`
	Config  string `env:"ZAPGATE_CONFIG_DIR" usage:"directory holding the .env override file"`
	DataDir string `env:"ZAPGATE_DATA_DIR" usage:"storage location for the badger store"`

	RelayURLs []string `env:"ZAPGATE_RELAY_URLS" usage:"comma-separated relay websocket URLs to subscribe to"`
	SignerKey string   `env:"ZAPGATE_SIGNER_KEY" usage:"hex-encoded secp256k1 secret key the gateway signs outgoing events with"`

	AnthropicAPIKey string `env:"ZAPGATE_ANTHROPIC_API_KEY" usage:"API key for the AI backend; empty runs in fallback mode"`
	OracleModel     string `env:"ZAPGATE_ORACLE_MODEL" default:"claude-3-5-haiku-latest"`
	OracleMaxTokens int64  `env:"ZAPGATE_ORACLE_MAX_TOKENS" default:"1024"`
	SystemHint      string `env:"ZAPGATE_SYSTEM_HINT" usage:"standing system-prompt instruction sent with every generation"`

	BotName string `env:"ZAPGATE_BOT_NAME" default:"ZapAI"`

	ResponseDelayMs int `env:"ZAPGATE_RESPONSE_DELAY_MS" default:"2000"`

	RateLimitMaxTokens  float64 `env:"ZAPGATE_RATE_LIMIT_MAX_TOKENS" default:"50"`
	RateLimitRefillRate float64 `env:"ZAPGATE_RATE_LIMIT_REFILL_RATE" default:"5"`

	BreakerFailureThreshold uint32 `env:"ZAPGATE_BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerSuccessThreshold uint32 `env:"ZAPGATE_BREAKER_SUCCESS_THRESHOLD" default:"1"`
	BreakerTimeoutMs        int    `env:"ZAPGATE_BREAKER_TIMEOUT_MS" default:"55000"`
	BreakerResetTimeoutMs   int    `env:"ZAPGATE_BREAKER_RESET_TIMEOUT_MS" default:"30000"`

	MaxQueueSize   int `env:"ZAPGATE_MAX_QUEUE_SIZE" default:"10000"`
	MaxConcurrent  int `env:"ZAPGATE_MAX_CONCURRENT" default:"10"`
	RetryAttempts  int `env:"ZAPGATE_RETRY_ATTEMPTS" default:"3"`
	QueueTimeoutMs int `env:"ZAPGATE_QUEUE_TIMEOUT_MS" default:"60000"`

	DMCost     int64 `env:"ZAPGATE_DM_COST" default:"20"`
	PublicCost int64 `env:"ZAPGATE_PUBLIC_COST" default:"50"`

	LogLevel string `env:"ZAPGATE_LOG_LEVEL" default:"info" usage:"debug level: fatal error warn info debug trace"`
	Pprof    bool   `env:"ZAPGATE_PPROF" default:"false" usage:"enable pprof on 127.0.0.1:6060"`
}

// New loads configuration from the process environment, then from an
// xdg-located .env file if one exists, matching the teacher's precedence
// (file overrides compiled defaults, process env wins over the file).
func New() (cfg *C, err error) {
	cfg = &C{}
	if err = env.Load(cfg, &env.Options{SliceSep: ","}); chk.T(err) {
		return
	}
	if cfg.Config == "" {
		cfg.Config = filepath.Join(xdg.ConfigHome, cfg.AppName)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(xdg.DataHome, cfg.AppName)
	}
	envPath := filepath.Join(cfg.Config, ".env")
	if fileExists(envPath) {
		src, rerr := readDotEnv(envPath)
		if chk.E(rerr) {
			return cfg, rerr
		}
		if err = env.Load(cfg, &env.Options{SliceSep: ",", Source: src}); chk.E(err) {
			return
		}
		lol.SetLogLevel(cfg.LogLevel)
		log.I.F("loaded configuration from %s", envPath)
	} else {
		lol.SetLogLevel(cfg.LogLevel)
	}
	return
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// readDotEnv parses a simple KEY=VALUE, one per line .env file into a
// go-simpler.org/env Source. Blank lines and lines starting with # are
// skipped; values are not quote-aware beyond trimming surrounding quotes.
func readDotEnv(path string) (env.Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		v = strings.Trim(v, `"'`)
		out[k] = v
	}
	if err = scanner.Err(); err != nil {
		return nil, err
	}
	return dotEnvSource(out), nil
}

// dotEnvSource adapts a parsed key/value map to go-simpler.org/env's Source
// interface (LookupEnv(key) (string, bool)). A variable set in the process
// environment is returned in preference to the file's value.
type dotEnvSource map[string]string

func (d dotEnvSource) LookupEnv(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok {
		return v, true
	}
	v, ok := d[key]
	return v, ok
}

// HelpRequested reports whether the first CLI argument asked for help,
// mirroring the teacher's config.HelpRequested.
func HelpRequested() bool {
	if len(os.Args) > 1 {
		switch strings.ToLower(os.Args[1]) {
		case "help", "-h", "--h", "-help", "--help", "?":
			return true
		}
	}
	return false
}

// GetEnv reports whether the first CLI argument requested the current
// configuration be printed as KEY=VALUE lines.
func GetEnv() bool {
	if len(os.Args) > 1 {
		return strings.ToLower(os.Args[1]) == "env"
	}
	return false
}

// PrintEnv renders cfg as KEY=VALUE lines, sorted, matching the teacher's
// `env` CLI subcommand output.
func PrintEnv(cfg *C, w io.Writer) {
	kvs := envKV(*cfg)
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	for _, kv := range kvs {
		fmt.Fprintf(w, "%s=%s\n", kv.Key, kv.Value)
	}
}

type kv struct{ Key, Value string }

func envKV(cfg C) []kv {
	return []kv{
		{"ZAPGATE_APP_NAME", cfg.AppName},
		{"ZAPGATE_CONFIG_DIR", cfg.Config},
		{"ZAPGATE_DATA_DIR", cfg.DataDir},
		{"ZAPGATE_RELAY_URLS", strings.Join(cfg.RelayURLs, ",")},
		{"ZAPGATE_ORACLE_MODEL", cfg.OracleModel},
		{"ZAPGATE_BOT_NAME", cfg.BotName},
		{"ZAPGATE_RESPONSE_DELAY_MS", fmt.Sprint(cfg.ResponseDelayMs)},
		{"ZAPGATE_MAX_CONCURRENT", fmt.Sprint(cfg.MaxConcurrent)},
		{"ZAPGATE_MAX_QUEUE_SIZE", fmt.Sprint(cfg.MaxQueueSize)},
		{"ZAPGATE_DM_COST", fmt.Sprint(cfg.DMCost)},
		{"ZAPGATE_PUBLIC_COST", fmt.Sprint(cfg.PublicCost)},
		{"ZAPGATE_LOG_LEVEL", cfg.LogLevel},
		{"ZAPGATE_PPROF", fmt.Sprint(cfg.Pprof)},
	}
}
