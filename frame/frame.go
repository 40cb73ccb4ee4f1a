// Package frame manages named foreign frames. Each Replace tears down the
// frame currently holding the name and boots nothing: it hands back a
// fresh window with the configured sandbox and entry document, ready for
// hooks to be registered before the app starts.
package frame

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/navexport/foreign"
	"github.com/hazyhaar/navexport/horosafe"
)

// ErrClosed is returned by Replace once the manager is closed.
var ErrClosed = errors.New("frame: manager closed")

// unloadTimeout bounds the beforeunload dispatch on a window being torn down.
const unloadTimeout = 2 * time.Second

// Config configures a Manager.
type Config struct {
	// EntryURL is the foreign app's entry document.
	EntryURL string

	// Sandbox applied to every frame. Default: foreign.DefaultSandbox.
	Sandbox *foreign.Sandbox

	// Client, MaxBody and UserAgent are passed to every window.
	Client    *http.Client
	MaxBody   int64
	UserAgent string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Sandbox == nil {
		sb := foreign.DefaultSandbox
		c.Sandbox = &sb
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Frame is one instantiation of the foreign app under a name.
type Frame struct {
	ID      string
	Src     string
	Sandbox foreign.Sandbox
	Window  *foreign.Window
	Created time.Time
}

// Manager owns the live frames by name.
type Manager struct {
	cfg    Config
	mu     sync.Mutex
	frames map[string]*Frame
	closed bool
}

// NewManager creates a frame manager.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg, frames: make(map[string]*Frame)}
}

// Replace destroys the frame named id, if any, and installs a fresh one in
// its place. The returned window has not been booted.
func (m *Manager) Replace(ctx context.Context, id string) (*Frame, error) {
	if err := horosafe.ValidateIdentifier(id); err != nil {
		return nil, fmt.Errorf("frame: id: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w, err := foreign.New(foreign.Options{
		EntryURL:  m.cfg.EntryURL,
		Sandbox:   *m.cfg.Sandbox,
		Client:    m.cfg.Client,
		MaxBody:   m.cfg.MaxBody,
		UserAgent: m.cfg.UserAgent,
		Logger:    m.cfg.Logger.With("frame", id),
	})
	if err != nil {
		return nil, fmt.Errorf("frame: new window: %w", err)
	}
	f := &Frame{
		ID:      id,
		Src:     m.cfg.EntryURL,
		Sandbox: *m.cfg.Sandbox,
		Window:  w,
		Created: time.Now(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		w.Close()
		return nil, ErrClosed
	}
	old := m.frames[id]
	m.frames[id] = f
	m.mu.Unlock()

	if old != nil {
		m.teardown(ctx, old)
	}
	m.cfg.Logger.Debug("frame: replaced", "frame", id, "window", w.ID())
	return f, nil
}

// Get returns the live frame named id.
func (m *Manager) Get(id string) (*Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.frames[id]
	return f, ok
}

// IDs returns the names of the live frames, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.frames))
	for id := range m.frames {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove destroys f. Its name is released unless a newer frame already
// holds it.
func (m *Manager) Remove(ctx context.Context, f *Frame) {
	m.mu.Lock()
	if cur, ok := m.frames[f.ID]; ok && cur == f {
		delete(m.frames, f.ID)
	}
	m.mu.Unlock()
	m.teardown(ctx, f)
}

// Close destroys every frame. Replace fails afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	frames := m.frames
	m.frames = make(map[string]*Frame)
	m.mu.Unlock()

	for _, f := range frames {
		m.teardown(context.Background(), f)
	}
	return nil
}

// teardown gives the app its beforeunload, then destroys the window even
// when the app asks to stay.
func (m *Manager) teardown(ctx context.Context, f *Frame) {
	log := m.cfg.Logger.With("frame", f.ID, "window", f.Window.ID())

	if f.Window.Ready() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unloadTimeout)
		allowed, err := f.Window.Unload(uctx)
		cancel()
		switch {
		case err != nil:
			log.Debug("frame: beforeunload failed", "error", err)
		case !allowed:
			log.Warn("frame: app blocked navigation, destroying anyway")
		}
	}
	f.Window.Close()
}
