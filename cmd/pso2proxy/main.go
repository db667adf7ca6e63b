// pso2proxy relays PSO2 clients to a ship, decrypting and recording every
// packet on the way.
//
// Each session is written to a PPAC capture, indexed into SQLite and
// published as events to the inspection API and, optionally, MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/api"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/cli"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/config"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/db"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/events"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/proxy"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/scheduler"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/telemetry"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/util"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/worker"
)

const (
	AppName    = "pso2proxy"
	AppVersion = "0.4.0"
	Banner     = `
  ___  ___  ___ ___
 | _ \/ __|/ _ \_  )_ __ _ _ _____ ___  _
 |  _/\__ \ (_) / /| '_ \ '_/ _ \ \ / || |
 |_|  |___/\___/___| .__/_| \___/_\_\\_, |
                   |_|               |__/  v%s
 PSO2 capture proxy, protocol %d
`
)

func main() {
	var configDir string
	var setup, noConsole bool

	root := &cobra.Command{
		Use:           AppName,
		Short:         "Relay and record PSO2 game traffic",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configDir, setup, !noConsole)
		},
	}
	root.Flags().StringVarP(&configDir, "config", "c", config.DefaultConfigDir, "configuration directory")
	root.Flags().BoolVar(&setup, "setup", false, "run the interactive setup wizard first")
	root.Flags().BoolVar(&noConsole, "no-console", false, "do not read commands from stdin")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configDir string, setup, console bool) error {
	fmt.Printf(Banner, AppVersion, worker.ProtocolVersion)
	fmt.Println()

	// defaults until the config is read
	if err := util.InitLogger(AppName, util.DefaultLogConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting pso2proxy")

	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := util.InitLogger(AppName, cfg.GetLogging()); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	if setup {
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			return fmt.Errorf("setup wizard failed: %w", err)
		}
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return errors.New("configuration validation failed, fix the errors above or run with --setup")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	var index *db.CaptureIndex
	if path := cfg.GetDatabase().Path; path != "" {
		index, err = db.NewCaptureIndex(path)
		if err != nil {
			return fmt.Errorf("failed to open capture index: %w", err)
		}
		index.Subscribe(eventBus)
	}

	relay, err := proxy.New(cfg.GetProxy(), eventBus)
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}
	if err := relay.Start(ctx); err != nil {
		return fmt.Errorf("failed to start proxy: %w", err)
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetMQTT().Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg.GetMQTT(), eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	sched := scheduler.NewScheduler(cfg.GetProxy().CaptureDir, cfg.GetRetention(), eventBus)

	var wg sync.WaitGroup

	if cfg.GetAPI().Enabled {
		apiServer := api.NewServer(cfg, index, relay)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.GetAPI().Port).Msg("starting inspection API")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	// the console goroutine may stay blocked on stdin, so it is not waited for
	if console {
		c := cli.NewConsole(cfg, relay, index, cancel, os.Stdin, os.Stdout)
		go c.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("shutdown requested from console")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()
	relay.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("shutdown timed out after 15 seconds, forcing exit")
	}

	// session close events are still in flight until the bus drains
	eventBus.Stop()
	if index != nil {
		if err := index.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close capture index")
		}
	}

	log.Info().Msg("pso2proxy stopped")
	return nil
}

// startWithRetry retries startFn on bind errors at a fixed 3 second interval.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
