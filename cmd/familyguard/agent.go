package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/blocker"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/config"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/enforce"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/metrics"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/policy"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/policy/opa"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/storage"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/storage/redis"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/systemd"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the enforcement agent",
	Long:  `Run the usage tracking and enforcement agent for the configured child until interrupted.`,
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting FamilyGuard agent")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("redis_host", cfg.Storage.Redis.Host).
		Int("redis_port", cfg.Storage.Redis.Port).
		Msg("Storage initialized")

	evaluator, reloader, err := newEvaluator(cfg.Policy, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	logger.Info().Str("engine", cfg.Policy.Engine).Msg("Policy engine initialized")

	bridge := blocker.NewNative(blocker.NativeConfig{
		Capabilities: cfg.Enforcement.Capabilities,
		SelfPackage:  cfg.Agent.SelfPackage,
		Close: blocker.CloseConfig{
			CloseDelay: config.ParseDuration(cfg.Enforcement.CloseDelay, blocker.DefaultCloseDelay),
			HomeDelay:  config.ParseDuration(cfg.Enforcement.HomeDelay, blocker.DefaultHomeDelay),
			Cooldown:   config.ParseDuration(cfg.Enforcement.Cooldown, blocker.DefaultCooldown),
		},
	}, blocker.NewLogActuator(logger), logger)

	agent := enforce.NewAgent(store, bridge, evaluator, enforce.AgentConfigFrom(cfg), logger)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		// Use systemd socket-activated listener if available
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent.Start(ctx, cfg.Agent.ChildID, cfg.Agent.FamilyID)
	if agent.Running() == "" {
		logger.Warn().Msg("No child profile configured, enforcement is idle")
	}

	status := agent.PermissionStatus(ctx)
	logger.Info().
		Bool("accessibility", status.Accessibility).
		Bool("overlay", status.Overlay).
		Bool("battery_optimization", status.BatteryOptimization).
		Bool("device_owner", status.DeviceOwner).
		Str("method", string(blocker.ResolveMethod(status))).
		Msg("Enforcement capabilities")
	requestMissingPermissions(ctx, bridge, status, logger)

	go systemd.RunWatchdog(ctx, clockwork.NewRealClock(), logger)

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	logger.Info().Msg("FamilyGuard agent startup complete")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		if reloader == nil {
			logger.Info().Msg("SIGHUP received, native policy has nothing to reload")
			continue
		}

		logger.Info().Msg("SIGHUP received, reloading policies...")
		_ = systemd.NotifyReloading()
		if err := reloader.Reload(); err != nil {
			logger.Error().Err(err).Msg("Failed to reload policies")
		} else {
			logger.Info().Msg("Policies reloaded successfully")
			if engine := agent.Engine(); engine != nil {
				if err := engine.Reevaluate(ctx); err != nil {
					logger.Warn().Err(err).Msg("Failed to re-evaluate with reloaded policy")
				}
			}
		}
		_ = systemd.NotifyReady()
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	agent.Stop(ctx)
	cancel()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("FamilyGuard agent stopped")

	return nil
}

// requestMissingPermissions opens the settings screen of the first capability
// the bridge still lacks.
func requestMissingPermissions(ctx context.Context, launcher blocker.SettingsLauncher, status blocker.PermissionStatus, logger zerolog.Logger) {
	var err error
	switch {
	case status.DeviceOwner:
		return
	case !status.Accessibility:
		err = launcher.OpenAccessibilitySettings(ctx)
	case !status.Overlay:
		err = launcher.RequestOverlayPermission(ctx)
	case !status.BatteryOptimization:
		err = launcher.RequestBatteryOptimizationExemption(ctx)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to open permission settings")
	}
}

// newEvaluator builds the configured policy evaluator. The reloader is nil
// for the native rules.
func newEvaluator(cfg config.PolicyConfig, logger zerolog.Logger) (policy.Evaluator, *opa.Engine, error) {
	switch cfg.Engine {
	case "", "native":
		return policy.Native{}, nil, nil
	case "opa":
		engine, err := opa.NewEngine(cfg.OPAPolicyDir, logger)
		if err != nil {
			return nil, nil, err
		}
		return engine, engine, nil
	default:
		return nil, nil, fmt.Errorf("unsupported policy engine: %s", cfg.Engine)
	}
}

func openStorage(cfg config.StorageConfig, logger zerolog.Logger) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "redis"
	}

	switch storageType {
	case "redis":
		return redis.Open(cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (only 'redis' is supported)", storageType)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// quietLogger is used by one-shot commands
func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
}
