package blocker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/config"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/policy"
)

// GlobalKey is the rule key used for the device-wide entry
const GlobalKey = "*"

// NativeConfig configures the reference bridge
type NativeConfig struct {
	Capabilities config.CapabilitiesConfig
	SelfPackage  string
	Close        CloseConfig
	// Permissions reads the granted capabilities from the platform. When nil the
	// configured Capabilities are reported.
	Permissions func(ctx context.Context) (PermissionStatus, error)
}

// Native is the reference enforcement bridge. It keeps the active rules,
// checks every foreground change against them and drives the actuator.
type Native struct {
	caps        config.CapabilitiesConfig
	permissions func(ctx context.Context) (PermissionStatus, error)
	selfPackage string
	actuator    Actuator
	closer      *CloseMachine
	logger      zerolog.Logger

	mu         sync.Mutex
	rules      map[string]policy.Entry
	method     Method
	foreground string
	overlay    string
}

// NewNative creates the reference bridge
func NewNative(cfg NativeConfig, actuator Actuator, logger zerolog.Logger) *Native {
	logger = logger.With().Str("component", "native-bridge").Logger()
	return &Native{
		caps:        cfg.Capabilities,
		permissions: cfg.Permissions,
		selfPackage: cfg.SelfPackage,
		actuator:    actuator,
		closer:      NewCloseMachine(cfg.Close, actuator, logger),
		logger:      logger,
		rules:       make(map[string]policy.Entry),
		method:      MethodUnknown,
	}
}

// ResolveMethod picks the strongest granted capability
func ResolveMethod(status PermissionStatus) Method {
	switch {
	case status.DeviceOwner:
		return MethodDeviceOwner
	case status.Accessibility:
		return MethodAccessibility
	case status.Overlay:
		return MethodOverlay
	default:
		return MethodNone
	}
}

// ApplyRules replaces the active rules and re-checks the visible app
func (n *Native) ApplyRules(ctx context.Context, payload policy.Payload) (Method, error) {
	rules := make(map[string]policy.Entry, len(payload.Apps)+1)
	for pkg, entry := range payload.Apps {
		pkg = strings.TrimSpace(pkg)
		if pkg == "" || pkg == n.selfPackage || !entry.Active {
			continue
		}
		rules[pkg] = entry
	}
	if payload.Global.Active {
		rules[GlobalKey] = payload.Global
	}

	status, err := n.PermissionStatus(ctx)
	if err != nil {
		n.logger.Error().Err(err).Msg("Failed to read permission status")
		return "", fmt.Errorf("failed to resolve enforcement method: %w", err)
	}
	method := ResolveMethod(status)

	n.mu.Lock()
	n.rules = rules
	n.method = method
	n.mu.Unlock()

	n.logger.Info().
		Int("rules", len(rules)).
		Str("method", string(method)).
		Msg("Enforcement rules applied")

	n.enforce()
	return method, nil
}

// ClearRules drops every rule, hides the overlay and cancels pending closes
func (n *Native) ClearRules(_ context.Context) error {
	n.mu.Lock()
	n.rules = make(map[string]policy.Entry)
	n.mu.Unlock()

	n.closer.Reset()
	n.enforce()

	n.logger.Info().Msg("Enforcement rules cleared")
	return nil
}

// PermissionStatus reports the granted capabilities
func (n *Native) PermissionStatus(ctx context.Context) (PermissionStatus, error) {
	if n.permissions != nil {
		return n.permissions(ctx)
	}
	return PermissionStatus{
		Accessibility:       n.caps.Accessibility,
		Overlay:             n.caps.Overlay,
		BatteryOptimization: n.caps.BatteryOptimization,
		DeviceOwner:         n.caps.DeviceOwner,
	}, nil
}

// ForegroundChanged is called whenever the visible app changes
func (n *Native) ForegroundChanged(pkg string) {
	n.mu.Lock()
	previous := n.foreground
	n.foreground = pkg
	n.mu.Unlock()

	if previous != "" && previous != pkg {
		n.closer.Cancel(previous)
	}
	n.enforce()
}

// Method returns the method used by the last ApplyRules
func (n *Native) Method() Method {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.method
}

// Closer exposes the forced-close state machine
func (n *Native) Closer() *CloseMachine {
	return n.closer
}

// matchLocked returns the rule for pkg. The global rule matches any app except
// this agent's own package.
func (n *Native) matchLocked(pkg string) (policy.Entry, bool) {
	if pkg == "" || pkg == n.selfPackage {
		return policy.Entry{}, false
	}
	if entry, ok := n.rules[pkg]; ok {
		return entry, true
	}
	if entry, ok := n.rules[GlobalKey]; ok {
		return entry, true
	}
	return policy.Entry{}, false
}

// enforce renders the overlay for the visible app if it is blocked and
// schedules a forced close when the method allows it
func (n *Native) enforce() {
	n.mu.Lock()
	pkg := n.foreground
	entry, blocked := n.matchLocked(pkg)
	method := n.method
	shown := n.overlay
	if method == MethodNone {
		blocked = false
	}
	if blocked {
		n.overlay = pkg
	} else {
		n.overlay = ""
	}
	n.mu.Unlock()

	if !blocked {
		if shown != "" {
			if err := n.actuator.HideOverlay(); err != nil {
				n.logger.Warn().Err(err).Msg("Failed to hide overlay")
			}
		}
		return
	}

	if err := n.actuator.ShowOverlay(pkg, entry); err != nil {
		n.logger.Warn().Err(err).Str("package", pkg).Msg("Failed to show overlay")
	}

	// Overlay-only enforcement cannot navigate away
	if method == MethodOverlay {
		return
	}
	n.closer.Trigger(pkg)
}

// OpenAccessibilitySettings implements SettingsLauncher
func (n *Native) OpenAccessibilitySettings(ctx context.Context) error {
	return n.openSettings(ctx, SettingsAccessibility)
}

// RequestOverlayPermission implements SettingsLauncher
func (n *Native) RequestOverlayPermission(ctx context.Context) error {
	return n.openSettings(ctx, SettingsOverlay)
}

// RequestBatteryOptimizationExemption implements SettingsLauncher
func (n *Native) RequestBatteryOptimizationExemption(ctx context.Context) error {
	return n.openSettings(ctx, SettingsBatteryOptimization)
}

func (n *Native) openSettings(ctx context.Context, screen Settings) error {
	if err := n.actuator.OpenSettings(ctx, screen); err != nil {
		return fmt.Errorf("failed to open %s settings: %w", screen, err)
	}
	return nil
}

var (
	_ Bridge            = (*Native)(nil)
	_ SettingsLauncher  = (*Native)(nil)
	_ ForegroundWatcher = (*Native)(nil)
)
