// Command zapgated is the gateway process entrypoint: load configuration,
// set up logging, construct the gateway, and run until interrupted.
// Grounded on the teacher's main.go bootstrap sequence (config.New ->
// log level -> optional pprof -> construct the single top-level object ->
// register an interrupt handler -> run).
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/pkg/profile"

	"zapgate.dev/internal/breaker"
	"zapgate.dev/internal/chk"
	"zapgate.dev/internal/config"
	"zapgate.dev/internal/gateway"
	"zapgate.dev/internal/interrupt"
	"zapgate.dev/internal/log"
	"zapgate.dev/internal/processor"
	"zapgate.dev/internal/ratelimit"
	"zapgate.dev/internal/workqueue"
	"zapgate.dev/internal/xcontext"
)

func main() {
	var err error
	var cfg *config.C
	if cfg, err = config.New(); chk.T(err) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %s\n\n", err)
			os.Exit(1)
		}
	}
	if config.GetEnv() {
		config.PrintEnv(cfg, os.Stdout)
		os.Exit(0)
	}
	if config.HelpRequested() {
		config.PrintEnv(cfg, os.Stderr)
		os.Exit(0)
	}

	log.I.F("starting %s (%s)", cfg.AppName, cfg.BotName)
	log.I.Ln("log level", cfg.LogLevel)

	if cfg.Pprof {
		defer profile.Start(profile.MemProfile).Stop()
		go func() {
			chk.E(http.ListenAndServe("127.0.0.1:6060", nil))
		}()
	}

	if cfg.SignerKey == "" {
		log.F.Ln("ZAPGATE_SIGNER_KEY is required")
	}
	if len(cfg.RelayURLs) == 0 {
		log.F.Ln("ZAPGATE_RELAY_URLS must list at least one relay")
	}

	ctx, cancel := xcontext.Cancel(xcontext.Bg())

	gw, err := gateway.New(ctx, gateway.Config{
		DataDir:   cfg.DataDir,
		SignerKey: cfg.SignerKey,
		RelayURLs: cfg.RelayURLs,

		AnthropicAPIKey: cfg.AnthropicAPIKey,
		OracleModel:     cfg.OracleModel,
		OracleMaxTokens: cfg.OracleMaxTokens,
		SystemHint:      cfg.SystemHint,

		RateLimit: ratelimit.Config{
			Capacity:       cfg.RateLimitMaxTokens,
			RefillPerSec:   cfg.RateLimitRefillRate,
			IdleExpiration: ratelimit.DefaultConfig.IdleExpiration,
		},
		Breaker: breaker.Config{
			Name:             "oracle",
			FailureThreshold: cfg.BreakerFailureThreshold,
			OpenTimeout:      millisToDuration(cfg.BreakerResetTimeoutMs),
			HalfOpenProbes:   cfg.BreakerSuccessThreshold,
		},
		Queue: workqueue.Config{
			Capacity:       cfg.MaxQueueSize,
			Workers:        cfg.MaxConcurrent,
			MaxAttempts:    cfg.RetryAttempts,
			RetryDelay:     workqueue.DefaultConfig.RetryDelay,
			DefaultTimeout: millisToDuration(cfg.QueueTimeoutMs),
		},
		Costs: processor.Costs{
			DirectMessage: cfg.DMCost,
			PublicNote:    cfg.PublicCost,
		},
		ResponseDelay:            millisToDuration(cfg.ResponseDelayMs),
		OracleTimeout:            millisToDuration(cfg.BreakerTimeoutMs),
		MaxConsecutiveRelayFails: 5,
	})
	if chk.E(err) {
		log.F.F("failed to construct gateway: %v", err)
	}

	log.I.F("identity %s", gw.PubKeyHex())

	interrupt.AddHandler(cancel)
	go interrupt.Listen()

	if err = gw.Run(ctx); chk.E(err) {
		log.F.F("gateway terminated: %v", err)
	}
}

func millisToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
