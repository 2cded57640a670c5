// Package session bootstraps and refreshes the client's backend session.
//
// Bootstrap restores a cached session when the backend still knows it and
// creates a new one otherwise. Concurrent bootstrap calls share a single
// in-flight attempt, so at most one creation request is issued.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/xlcopilot/internal/gateway"
)

// DefaultRefreshInterval is how often Run re-fetches the session.
const DefaultRefreshInterval = 30 * time.Second

// State is the controller's lifecycle state.
type State string

const (
	Uninitialized State = "uninitialized"
	Restoring     State = "restoring"
	Creating      State = "creating"
	Ready         State = "ready"
	Refreshing    State = "refreshing"
	Failed        State = "failed"
)

// Gateway is the subset of the backend client the controller needs.
type Gateway interface {
	CreateSession(ctx context.Context) (string, error)
	GetSession(ctx context.Context, id string) (gateway.Session, error)
}

// Cache persists the last known session identifier and the file state that
// belongs to that session.
type Cache interface {
	LoadSessionID() (string, error)
	SaveSessionID(id string) error
	ClearSessionID() error
	ClearCurrentFile() error
	ClearLastAnalysis() error
}

// Store is the subset of the state container the controller mutates.
// ClearSession also drops the current file and analyses.
type Store interface {
	Session() *gateway.Session
	SetSession(gateway.Session)
	ClearSession()
	SetError(msg string)
	Error() string
}

const bootstrapErrorPrefix = "Failed to initialize session: "

// ErrBootstrapFailed wraps the gateway error that left the controller in Failed.
var ErrBootstrapFailed = errors.New("session bootstrap failed")

// Controller drives the session lifecycle.
type Controller struct {
	gw       Gateway
	cache    Cache
	store    Store
	interval time.Duration
	logger   *slog.Logger

	group singleflight.Group

	// installMu serializes Clear with installing a refreshed session.
	installMu sync.Mutex

	mu       sync.Mutex
	state    State
	gen      uint64 // bumped by Clear and by every restore or create attempt
	lastErr  error
	onChange func(State)
}

// NewController creates a Controller. If interval is <= 0, it defaults to 30s.
func NewController(gw Gateway, cache Cache, store Store, interval time.Duration) *Controller {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Controller{
		gw:       gw,
		cache:    cache,
		store:    store,
		interval: interval,
		logger:   slog.Default(),
		state:    Uninitialized,
	}
}

// OnStateChange registers fn to receive every state transition.
func (c *Controller) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent bootstrap or refresh failure.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Controller) setState(s State, err error) {
	c.mu.Lock()
	c.state = s
	if s == Restoring || s == Creating {
		c.gen++
	}
	if err != nil {
		c.lastErr = err
	}
	fn := c.onChange
	c.mu.Unlock()

	if fn != nil {
		fn(s)
	}
}

// beginRefresh moves Ready to Refreshing and returns the generation the
// refresh belongs to.
func (c *Controller) beginRefresh() (uint64, bool) {
	c.mu.Lock()
	if c.state != Ready {
		c.mu.Unlock()
		return 0, false
	}
	c.state = Refreshing
	gen := c.gen
	fn := c.onChange
	c.mu.Unlock()

	if fn != nil {
		fn(Refreshing)
	}
	return gen, true
}

func (c *Controller) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// ready enters Ready and withdraws an earlier bootstrap failure message.
func (c *Controller) ready() {
	c.setState(Ready, nil)
	if strings.HasPrefix(c.store.Error(), bootstrapErrorPrefix) {
		c.store.SetError("")
	}
}

// dropSessionData forgets the file and analysis state tied to the previous
// session, in memory and in the durable cache.
func (c *Controller) dropSessionData() error {
	c.store.ClearSession()
	return errors.Join(c.cache.ClearCurrentFile(), c.cache.ClearLastAnalysis())
}

// Bootstrap makes sure the store holds a session. Callers arriving while an
// attempt is in flight wait for and share its result.
func (c *Controller) Bootstrap(ctx context.Context) (gateway.Session, error) {
	v, err, _ := c.group.Do("bootstrap", func() (any, error) {
		return c.bootstrap(ctx)
	})
	if err != nil {
		return gateway.Session{}, err
	}
	return v.(gateway.Session), nil
}

func (c *Controller) bootstrap(ctx context.Context) (gateway.Session, error) {
	if s := c.store.Session(); s != nil {
		c.ready()
		return *s, nil
	}

	cachedID, err := c.cache.LoadSessionID()
	if err != nil {
		c.logger.Warn("reading cached session id failed, starting fresh", "error", err)
		cachedID = ""
	}

	if cachedID != "" {
		c.setState(Restoring, nil)
		sess, err := c.gw.GetSession(ctx, cachedID)
		if err == nil {
			c.store.SetSession(sess)
			c.ready()
			c.logger.Info("session restored", "session_id", sess.ID)
			return sess, nil
		}
		c.logger.Info("cached session unavailable, creating a new one", "session_id", cachedID, "error", err)
		if err := c.cache.ClearSessionID(); err != nil {
			c.logger.Warn("clearing cached session id failed", "error", err)
		}
	}

	// Files and analyses left from an unknown session cannot be used with a new one.
	if err := c.dropSessionData(); err != nil {
		c.logger.Warn("clearing cached file state failed", "error", err)
	}

	c.setState(Creating, nil)
	sess, cerr := c.create(ctx)
	if cerr != nil {
		err := fmt.Errorf("%w: %w", ErrBootstrapFailed, cerr)
		c.setState(Failed, err)
		c.store.SetError(bootstrapErrorPrefix + gateway.UserMessage(cerr))
		return gateway.Session{}, err
	}

	c.store.SetSession(sess)
	if err := c.cache.SaveSessionID(sess.ID); err != nil {
		c.logger.Warn("caching session id failed", "session_id", sess.ID, "error", err)
	}
	c.ready()
	c.logger.Info("session created", "session_id", sess.ID)
	return sess, nil
}

func (c *Controller) create(ctx context.Context) (gateway.Session, error) {
	id, err := c.gw.CreateSession(ctx)
	if err != nil {
		return gateway.Session{}, err
	}
	sess, err := c.gw.GetSession(ctx, id)
	if err != nil {
		return gateway.Session{}, err
	}
	return sess, nil
}

// Refresh re-fetches the current session once. A failure leaves the
// in-memory session untouched and is returned as a non-fatal error. A
// response that arrives after Clear, or after a new bootstrap attempt, is
// dropped and does not change the state.
func (c *Controller) Refresh(ctx context.Context) error {
	current := c.store.Session()
	if current == nil || current.ID == "" {
		return nil
	}
	gen, ok := c.beginRefresh()
	if !ok {
		return nil
	}

	sess, err := c.gw.GetSession(ctx, current.ID)

	c.installMu.Lock()
	defer c.installMu.Unlock()
	if c.generation() != gen {
		c.logger.Debug("dropping superseded session refresh", "session_id", current.ID)
		return nil
	}
	if err != nil {
		c.setState(Ready, err)
		c.logger.Warn("session refresh failed, keeping last known session", "session_id", current.ID, "error", err)
		return fmt.Errorf("refreshing session %s: %w", current.ID, err)
	}
	c.store.SetSession(sess)
	c.setState(Ready, nil)
	return nil
}

// Run refreshes the session every interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// Clear forgets the session together with its file and analyses, in memory
// and in the durable cache.
func (c *Controller) Clear() error {
	c.installMu.Lock()
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()
	c.store.ClearSession()
	c.setState(Uninitialized, nil)
	c.installMu.Unlock()

	if err := errors.Join(c.cache.ClearSessionID(), c.cache.ClearCurrentFile(), c.cache.ClearLastAnalysis()); err != nil {
		return fmt.Errorf("clearing cached session: %w", err)
	}
	return nil
}
