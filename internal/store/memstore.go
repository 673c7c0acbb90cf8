package store

import (
	"context"
	"slices"
	"sync"
)

// MemStore is an in-memory [UserStore] and [AppStore]. It backs tests and
// DSN-less development runs. All methods are safe for concurrent use.
type MemStore struct {
	mu      sync.RWMutex
	users   map[string]User
	apps    map[string]App
	apiKeys map[string]string   // package → current key
	install map[string][]string // email → installed packages
}

// NewMemStore creates an empty [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		users:   make(map[string]User),
		apps:    make(map[string]App),
		apiKeys: make(map[string]string),
		install: make(map[string][]string),
	}
}

// PutUser inserts or replaces a user record.
func (m *MemStore) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.Email] = cloneUser(u)
}

// PutApp inserts or replaces an App record with its current API key and
// installs it for the given users.
func (m *MemStore) PutApp(a App, apiKey string, installedFor ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[a.PackageName] = a
	m.apiKeys[a.PackageName] = apiKey
	for _, email := range installedFor {
		if !slices.Contains(m.install[email], a.PackageName) {
			m.install[email] = append(m.install[email], a.PackageName)
		}
	}
}

// GetUser implements [UserStore].
func (m *MemStore) GetUser(_ context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[email]
	if !ok {
		return User{}, ErrNotFound
	}
	return cloneUser(u), nil
}

// AddRunningApp implements [UserStore].
func (m *MemStore) AddRunningApp(_ context.Context, email, packageName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(u.RunningApps, packageName) {
		u.RunningApps = append(u.RunningApps, packageName)
		m.users[email] = u
	}
	return nil
}

// RemoveRunningApp implements [UserStore].
func (m *MemStore) RemoveRunningApp(_ context.Context, email, packageName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return ErrNotFound
	}
	if i := slices.Index(u.RunningApps, packageName); i >= 0 {
		u.RunningApps = slices.Delete(u.RunningApps, i, i+1)
		m.users[email] = u
	}
	return nil
}

// UpdateSettings implements [UserStore].
func (m *MemStore) UpdateSettings(_ context.Context, email string, changed map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return ErrNotFound
	}
	if u.AugmentosSettings == nil {
		u.AugmentosSettings = make(map[string]any, len(changed))
	}
	for k, v := range changed {
		u.AugmentosSettings[k] = v
	}
	m.users[email] = u
	return nil
}

// GetApp implements [AppStore].
func (m *MemStore) GetApp(_ context.Context, packageName string) (App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.apps[packageName]
	if !ok {
		return App{}, ErrNotFound
	}
	return a, nil
}

// ListInstalled implements [AppStore].
func (m *MemStore) ListInstalled(_ context.Context, email string) ([]App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pkgs := m.install[email]
	out := make([]App, 0, len(pkgs))
	for _, pkg := range pkgs {
		if a, ok := m.apps[pkg]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// ValidateAPIKey implements [AppStore].
func (m *MemStore) ValidateAPIKey(_ context.Context, packageName, apiKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	current, ok := m.apiKeys[packageName]
	if !ok {
		return false, ErrNotFound
	}
	return apiKey != "" && current == apiKey, nil
}

func cloneUser(u User) User {
	c := u
	c.RunningApps = slices.Clone(u.RunningApps)
	if u.AugmentosSettings != nil {
		c.AugmentosSettings = make(map[string]any, len(u.AugmentosSettings))
		for k, v := range u.AugmentosSettings {
			c.AugmentosSettings[k] = v
		}
	}
	if u.AppSettings != nil {
		c.AppSettings = make(map[string]map[string]any, len(u.AppSettings))
		for pkg, s := range u.AppSettings {
			inner := make(map[string]any, len(s))
			for k, v := range s {
				inner[k] = v
			}
			c.AppSettings[pkg] = inner
		}
	}
	return c
}
