// Package store defines the persisted record types and store interfaces the
// control plane consumes: user records (settings, running apps) and the
// installed-App catalog with developer API key validation.
//
// The production implementation lives in the postgres subpackage; the
// in-memory [MemStore] backs tests and DSN-less development runs.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a user or App record does not exist.
var ErrNotFound = errors.New("store: not found")

// User is the persisted user record consumed by the core.
type User struct {
	// Email is the stable user identity; also the session id.
	Email string

	// AugmentosSettings is the device settings blob (brightness, dashboard
	// height, ...). Keys are diffed on core_status_update.
	AugmentosSettings map[string]any

	// RunningApps is the persistent set of packages considered running for
	// this user; consulted on session start and kept honest by the App
	// manager.
	RunningApps []string

	// AppSettings maps package name to the user's per-App setting overrides.
	AppSettings map[string]map[string]any
}

// AppSetting is one setting an App declares, with its default value.
type AppSetting struct {
	Key          string `json:"key"`
	DefaultValue any    `json:"defaultValue"`
}

// App is the persisted App record consumed by the core.
type App struct {
	PackageName string
	Name        string

	// PublicURL is the base URL the session_request webhook is POSTed to.
	PublicURL string

	// IsSystemApp selects the cluster-internal callback URL on launch.
	IsSystemApp bool

	// Settings are the App's declared settings with defaults; user
	// overrides in User.AppSettings win.
	Settings []AppSetting
}

// UserStore persists user records.
type UserStore interface {
	// GetUser returns the record for email, or [ErrNotFound].
	GetUser(ctx context.Context, email string) (User, error)

	// AddRunningApp records packageName in the user's running set.
	// Adding an already-present package is a no-op.
	AddRunningApp(ctx context.Context, email, packageName string) error

	// RemoveRunningApp removes packageName from the user's running set.
	// Removing an absent package is a no-op.
	RemoveRunningApp(ctx context.Context, email, packageName string) error

	// UpdateSettings merges changed into the user's device settings blob.
	UpdateSettings(ctx context.Context, email string, changed map[string]any) error
}

// AppStore serves the installed-App catalog and delegated API key checks.
type AppStore interface {
	// GetApp returns the record for packageName, or [ErrNotFound].
	GetApp(ctx context.Context, packageName string) (App, error)

	// ListInstalled returns the Apps installed for the user.
	ListInstalled(ctx context.Context, email string) ([]App, error)

	// ValidateAPIKey reports whether apiKey is the current key for
	// packageName. This is the developer-service contract; implementations
	// may call out or compare a stored hash.
	ValidateAPIKey(ctx context.Context, packageName, apiKey string) (bool, error)
}

// EffectiveSettings computes the settings sent to an App in connection_ack:
// the App's declared defaults overridden by the user's per-App values.
func EffectiveSettings(u User, a App) []AppSetting {
	overrides := u.AppSettings[a.PackageName]
	out := make([]AppSetting, 0, len(a.Settings))
	for _, s := range a.Settings {
		if v, ok := overrides[s.Key]; ok {
			out = append(out, AppSetting{Key: s.Key, DefaultValue: v})
			continue
		}
		out = append(out, s)
	}
	return out
}
