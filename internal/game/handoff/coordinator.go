// Package handoff drives the match start: it validates the host's start
// request, triggers the gameplay scene load, and converts lobby sessions into
// gameplay actors exactly once when the scene reports it has loaded.
package handoff

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/matchlobby/internal/game/character"
	"github.com/cory-johannsen/matchlobby/internal/game/session"
)

var (
	// ErrNotHost is returned when a connection other than the host requests the start.
	ErrNotHost = fmt.Errorf("only the host may start the match: %w", session.ErrAuthorizationDenied)
	// ErrNotAllReady is returned when the start is requested before every session is ready.
	ErrNotAllReady = errors.New("not all players are ready")
	// ErrAlreadyStarted is returned when the start was already accepted.
	ErrAlreadyStarted = errors.New("match already started")
	// ErrDependencyMissing aborts a handoff that has no registry, catalog or spawner.
	ErrDependencyMissing = errors.New("handoff dependency missing")
	// ErrUnresolvable is reported for a snapshot entry with no usable catalog descriptor.
	ErrUnresolvable = errors.New("character descriptor unresolvable")
)

// SceneLoader asks the transport layer to load a scene on every connection.
// Completion is reported later, per connection, through OnSceneLoadComplete.
type SceneLoader interface {
	LoadScene(name string) error
}

// Selection is one snapshot entry: a connection and the character it picked.
type Selection struct {
	Conn           session.ConnectionID
	CharacterIndex int
}

// Result summarizes a handoff.
type Result struct {
	Snapshot  []Selection
	Despawned int
	Spawned   []Actor
	// Skipped lists snapshot entries that produced no actor.
	Skipped []Selection
	// Err joins every per-entry failure, or holds ErrDependencyMissing when
	// the whole handoff was aborted.
	Err error
}

// Config holds the coordinator's static settings.
type Config struct {
	// Scene is the gameplay scene loaded at start.
	Scene string
	// Layout places spawned actors.
	Layout Layout
	// IsHost reports whether a connection is the designated host.
	IsHost func(session.ConnectionID) bool
}

// Coordinator runs the start and handoff sequences. Its methods must be
// called from the lobby's authority goroutine.
type Coordinator struct {
	registry *session.Registry
	catalog  *character.Catalog
	loader   SceneLoader
	spawner  Spawner
	cfg      Config
	logger   *zap.Logger

	started bool
	latch   Latch
}

// NewCoordinator creates a Coordinator.
//
// Precondition: loader and logger must be non-nil; cfg.Scene must be non-empty.
// A nil registry, catalog or spawner is tolerated until the handoff, which
// then aborts with ErrDependencyMissing.
func NewCoordinator(registry *session.Registry, catalog *character.Catalog, loader SceneLoader, spawner Spawner, cfg Config, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		registry: registry,
		catalog:  catalog,
		loader:   loader,
		spawner:  spawner,
		cfg:      cfg,
		logger:   logger,
	}
}

// Started reports whether a start request has been accepted.
func (c *Coordinator) Started() bool { return c.started }

// HandedOff reports whether the handoff has run.
func (c *Coordinator) HandedOff() bool { return c.latch.Fired() }

// RequestStart validates a start request from caller and, on success, resets
// every session's ready flag before asking the loader for the gameplay scene.
//
// Postcondition: On any error no session state has changed, except that a
// LoadScene failure happens after the ready flags were reset.
func (c *Coordinator) RequestStart(caller session.ConnectionID) error {
	if c.cfg.IsHost == nil || !c.cfg.IsHost(caller) {
		c.logger.Warn("rejecting start request from non-host", zap.Uint64("conn", uint64(caller)))
		return ErrNotHost
	}
	if c.started {
		return ErrAlreadyStarted
	}
	if c.registry == nil {
		return fmt.Errorf("start: session registry: %w", ErrDependencyMissing)
	}
	if !c.registry.AllReady() {
		c.logger.Info("cannot start: not all players ready",
			zap.Int("players", c.registry.Len()),
		)
		return ErrNotAllReady
	}

	sessions := c.registry.Sessions()
	for _, s := range sessions {
		s.ResetReady()
	}

	c.logger.Info("loading gameplay scene",
		zap.String("scene", c.cfg.Scene),
		zap.Int("players", len(sessions)),
	)
	if err := c.loader.LoadScene(c.cfg.Scene); err != nil {
		return fmt.Errorf("loading scene %q: %w", c.cfg.Scene, err)
	}
	c.started = true
	return nil
}

// OnSceneLoadComplete handles one connection's scene-load completion signal.
// The first signal for the gameplay scene after an accepted start runs the
// handoff; every other signal is ignored.
//
// Postcondition: ran is true for exactly one call per Coordinator.
func (c *Coordinator) OnSceneLoadComplete(conn session.ConnectionID, scene string) (res Result, ran bool) {
	if !c.started || scene != c.cfg.Scene {
		c.logger.Debug("ignoring scene load completion",
			zap.Uint64("conn", uint64(conn)),
			zap.String("scene", scene),
			zap.Bool("started", c.started),
		)
		return Result{}, false
	}
	if !c.latch.Fire() {
		c.logger.Debug("scene load completion after handoff", zap.Uint64("conn", uint64(conn)))
		return Result{}, false
	}
	c.logger.Info("scene load complete, handing off players",
		zap.Uint64("conn", uint64(conn)),
		zap.String("scene", scene),
	)
	return c.handoff(), true
}

func (c *Coordinator) handoff() Result {
	var missing []string
	if c.registry == nil {
		missing = append(missing, "session registry")
	}
	if c.catalog == nil {
		missing = append(missing, "character catalog")
	}
	if c.spawner == nil {
		missing = append(missing, "spawner")
	}
	if len(missing) > 0 {
		err := fmt.Errorf("%w: %v", ErrDependencyMissing, missing)
		c.logger.Error("aborting handoff", zap.Error(err))
		return Result{Err: err}
	}

	var res Result

	// Snapshot before any despawn: despawning unregisters and shrinks the registry.
	sessions := c.registry.Sessions()
	res.Snapshot = make([]Selection, 0, len(sessions))
	for _, s := range sessions {
		res.Snapshot = append(res.Snapshot, Selection{Conn: s.ID(), CharacterIndex: s.CharacterIndex()})
		c.logger.Debug("captured selection",
			zap.Uint64("conn", uint64(s.ID())),
			zap.Int("character_index", s.CharacterIndex()),
		)
	}

	for _, sel := range res.Snapshot {
		s, ok := c.registry.Get(sel.Conn)
		if !ok {
			c.logger.Warn("lobby session gone before despawn", zap.Uint64("conn", uint64(sel.Conn)))
			continue
		}
		if s.Despawn() {
			res.Despawned++
		}
	}

	var errs []error
	slot := 0
	for _, sel := range res.Snapshot {
		desc, err := c.resolve(sel)
		if err != nil {
			errs = append(errs, err)
			res.Skipped = append(res.Skipped, sel)
			continue
		}
		actor := Actor{
			ID:             uuid.NewString(),
			Owner:          sel.Conn,
			CharacterIndex: sel.CharacterIndex,
			Descriptor:     desc,
			Spawn:          c.cfg.Layout.Position(slot),
		}
		if err := c.spawner.Spawn(actor); err != nil {
			c.logger.Error("spawning actor",
				zap.Uint64("conn", uint64(sel.Conn)),
				zap.String("character", desc.ID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("spawning actor for connection %d: %w", sel.Conn, err))
			res.Skipped = append(res.Skipped, sel)
			continue
		}
		slot++
		res.Spawned = append(res.Spawned, actor)
		c.logger.Info("spawned actor",
			zap.Uint64("conn", uint64(sel.Conn)),
			zap.String("actor", actor.ID),
			zap.String("character", desc.ID),
			zap.Float64("x", actor.Spawn.Position.X),
			zap.Float64("z", actor.Spawn.Position.Z),
		)
	}
	res.Err = errors.Join(errs...)

	c.logger.Info("handoff complete",
		zap.Int("snapshot", len(res.Snapshot)),
		zap.Int("despawned", res.Despawned),
		zap.Int("spawned", len(res.Spawned)),
		zap.Int("skipped", len(res.Skipped)),
	)
	return res
}

// resolve looks up sel's descriptor, falling back to index 0 when the
// selected slot is empty.
func (c *Coordinator) resolve(sel Selection) (*character.Descriptor, error) {
	desc, ok := c.catalog.Get(sel.CharacterIndex)
	if !ok {
		c.logger.Warn("missing character descriptor, defaulting to index 0",
			zap.Uint64("conn", uint64(sel.Conn)),
			zap.Int("character_index", sel.CharacterIndex),
		)
		desc, ok = c.catalog.Get(0)
		if !ok {
			c.logger.Warn("no default character descriptor, skipping player", zap.Uint64("conn", uint64(sel.Conn)))
			return nil, fmt.Errorf("connection %d index %d: %w", sel.Conn, sel.CharacterIndex, ErrUnresolvable)
		}
	}
	if !desc.Spawnable() {
		c.logger.Error("character descriptor has no prefab",
			zap.Uint64("conn", uint64(sel.Conn)),
			zap.String("character", desc.ID),
		)
		return nil, fmt.Errorf("connection %d character %q not spawnable: %w", sel.Conn, desc.ID, ErrUnresolvable)
	}
	return desc, nil
}
