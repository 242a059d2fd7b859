// Package blocker defines the native enforcement bridge and a reference
// implementation that renders block overlays and force-closes blocked apps.
package blocker

import (
	"context"

	"github.com/zoulfiq4r/FamilyGuardMobile/internal/policy"
)

// Method is the capability used to enforce a payload
type Method string

const (
	MethodDeviceOwner   Method = "deviceOwner"
	MethodAccessibility Method = "accessibility"
	MethodOverlay       Method = "overlay"
	MethodNone          Method = "none"
	MethodUnknown       Method = "unknown"
)

// PermissionStatus reports which enforcement capabilities are granted
type PermissionStatus struct {
	Accessibility       bool `json:"accessibility"`
	Overlay             bool `json:"overlay"`
	BatteryOptimization bool `json:"batteryOptimization"`
	DeviceOwner         bool `json:"deviceOwner"`
}

// Bridge pushes blocking decisions to the platform
type Bridge interface {
	ApplyRules(ctx context.Context, payload policy.Payload) (Method, error)
	ClearRules(ctx context.Context) error
	PermissionStatus(ctx context.Context) (PermissionStatus, error)
}

// SettingsLauncher opens the OS screens that grant enforcement capabilities
type SettingsLauncher interface {
	OpenAccessibilitySettings(ctx context.Context) error
	RequestOverlayPermission(ctx context.Context) error
	RequestBatteryOptimizationExemption(ctx context.Context) error
}

// ForegroundWatcher is implemented by bridges that enforce on app switches
type ForegroundWatcher interface {
	ForegroundChanged(pkg string)
}

// Settings names an OS settings screen
type Settings string

const (
	SettingsAccessibility       Settings = "accessibility"
	SettingsOverlay             Settings = "overlay"
	SettingsBatteryOptimization Settings = "batteryOptimization"
)

// Actuator is the platform surface driven by the reference bridge
type Actuator interface {
	ShowOverlay(pkg string, entry policy.Entry) error
	HideOverlay() error
	PressBack() error
	PressHome() error
	OpenSettings(ctx context.Context, screen Settings) error
}
