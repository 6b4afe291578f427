// Package lobby hosts one match lobby: it admits connections, serializes every
// player request through a single authority goroutine, replicates lobby state
// to connected clients, and hands players off to gameplay when the match starts.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/matchlobby/internal/game/character"
	"github.com/cory-johannsen/matchlobby/internal/game/handoff"
	"github.com/cory-johannsen/matchlobby/internal/game/session"
)

var (
	// ErrClosed is returned for requests submitted after Run has returned.
	ErrClosed = errors.New("lobby closed")
	// ErrOwnerGone is returned when an actor is spawned for a connection that already left.
	ErrOwnerGone = errors.New("owning connection gone")
)

// RequestKind identifies a request processed by the authority goroutine.
type RequestKind int

const (
	// KindJoin admits a new connection.
	KindJoin RequestKind = iota + 1
	// KindLeave removes a connection and despawns its session.
	KindLeave
	// KindSetName requests a display name change.
	KindSetName
	// KindToggleReady flips a session's ready flag.
	KindToggleReady
	// KindSetCharacter selects a catalog index.
	KindSetCharacter
	// KindStartGame is the host's request to start the match.
	KindStartGame
	// KindSceneLoaded reports that a client finished loading a scene.
	KindSceneLoaded
)

// Request is a single unit of work for the authority goroutine.
type Request struct {
	Kind RequestKind
	// Conn is the connection that issued the request.
	Conn session.ConnectionID
	// Target is the session a mutation addresses.
	Target session.ConnectionID
	Name   string
	Index  int
	Scene  string

	outbox *session.Outbox
}

// Phase is the lobby's coarse lifecycle stage.
type Phase int32

const (
	// PhaseLobby accepts joins and pre-match mutations.
	PhaseLobby Phase = iota
	// PhaseLoading follows an accepted start; clients are loading the gameplay scene.
	PhaseLoading
	// PhaseInGame follows the handoff.
	PhaseInGame
)

func (p Phase) String() string {
	switch p {
	case PhaseLobby:
		return "lobby"
	case PhaseLoading:
		return "loading"
	case PhaseInGame:
		return "in_game"
	default:
		return "unknown"
	}
}

// Config holds the lobby's settings.
type Config struct {
	MaxPlayers    int
	GameplayScene string
	// RequestBuffer is the capacity of the authority goroutine's request queue.
	RequestBuffer int
	// SendBuffer is the per-connection outbound frame capacity.
	SendBuffer int
	Layout     handoff.Layout
}

// Lobby owns the registry, the event bus and the handoff coordinator. All
// state below the requests channel is touched only by the goroutine in Run.
type Lobby struct {
	id      string
	cfg     Config
	logger  *zap.Logger
	catalog *character.Catalog

	bus      *session.Bus
	registry *session.Registry
	roster   *handoff.Roster
	coord    *handoff.Coordinator
	eventSub *session.Subscription

	requests chan Request
	done     chan struct{}
	closeMu  sync.RWMutex
	closed   bool
	nextID   atomic.Uint64
	phase    atomic.Int32

	hookMu     sync.Mutex
	phaseHooks []func(Phase)

	peers map[session.ConnectionID]*session.Outbox
	host  session.ConnectionID
	// slow holds connections whose outbox overflowed, pending removal.
	slow []session.ConnectionID
}

// New creates a Lobby whose registry is opened from scope.
//
// Precondition: catalog and logger must be non-nil; cfg.MaxPlayers >= 1.
// Postcondition: Returns session.ErrRegistryExists if scope already has an open lobby.
func New(scope *session.Scope, catalog *character.Catalog, cfg Config, logger *zap.Logger) (*Lobby, error) {
	if cfg.GameplayScene == "" {
		return nil, errors.New("lobby: gameplay scene must not be empty")
	}
	if cfg.RequestBuffer <= 0 {
		cfg.RequestBuffer = 256
	}

	bus := session.NewBus()
	registry, err := scope.NewRegistry(cfg.MaxPlayers, bus)
	if err != nil {
		return nil, fmt.Errorf("opening session registry: %w", err)
	}

	l := &Lobby{
		id:       uuid.NewString(),
		cfg:      cfg,
		catalog:  catalog,
		bus:      bus,
		registry: registry,
		roster:   handoff.NewRoster(),
		requests: make(chan Request, cfg.RequestBuffer),
		done:     make(chan struct{}),
		peers:    make(map[session.ConnectionID]*session.Outbox),
	}
	l.logger = logger.With(zap.String("lobby", l.id))
	l.coord = handoff.NewCoordinator(registry, catalog, l, handoff.SpawnerFunc(l.spawn), handoff.Config{
		Scene:  cfg.GameplayScene,
		Layout: cfg.Layout,
		IsHost: l.isHost,
	}, l.logger)
	l.eventSub = bus.Subscribe(l.broadcastEvent)
	return l, nil
}

// ID returns the lobby's unique identifier.
func (l *Lobby) ID() string { return l.id }

// Phase returns the current lifecycle stage. Safe for concurrent use.
func (l *Lobby) Phase() Phase { return Phase(l.phase.Load()) }

// Roster returns the gameplay actors spawned by the handoff.
func (l *Lobby) Roster() *handoff.Roster { return l.roster }

// OnPhaseChange registers fn to be called from the authority goroutine on
// every phase transition.
func (l *Lobby) OnPhaseChange(fn func(Phase)) {
	l.hookMu.Lock()
	defer l.hookMu.Unlock()
	l.phaseHooks = append(l.phaseHooks, fn)
}

// Connect allocates a connection ID and an outbox and queues the join.
// Admission is decided by the authority goroutine; a refused connection
// receives a rejected frame and its outbox is closed.
func (l *Lobby) Connect() (session.ConnectionID, *session.Outbox, error) {
	id := session.ConnectionID(l.nextID.Add(1))
	out := session.NewOutbox(id, l.cfg.SendBuffer)
	if err := l.enqueue(Request{Kind: KindJoin, Conn: id, Target: id, outbox: out}); err != nil {
		_ = out.Close()
		return 0, nil, err
	}
	return id, out, nil
}

// Disconnect queues the removal of conn.
func (l *Lobby) Disconnect(conn session.ConnectionID) error {
	return l.enqueue(Request{Kind: KindLeave, Conn: conn, Target: conn})
}

// SetDisplayName queues a display-name change of target's session on behalf of caller.
func (l *Lobby) SetDisplayName(caller, target session.ConnectionID, name string) error {
	return l.enqueue(Request{Kind: KindSetName, Conn: caller, Target: target, Name: name})
}

// ToggleReady queues a ready toggle of target's session on behalf of caller.
func (l *Lobby) ToggleReady(caller, target session.ConnectionID) error {
	return l.enqueue(Request{Kind: KindToggleReady, Conn: caller, Target: target})
}

// SetCharacter queues a character selection for target's session on behalf of caller.
func (l *Lobby) SetCharacter(caller, target session.ConnectionID, index int) error {
	return l.enqueue(Request{Kind: KindSetCharacter, Conn: caller, Target: target, Index: index})
}

// RequestStartGame queues a start request from caller.
func (l *Lobby) RequestStartGame(caller session.ConnectionID) error {
	return l.enqueue(Request{Kind: KindStartGame, Conn: caller, Target: caller})
}

// SceneLoadComplete queues conn's report that scene finished loading.
func (l *Lobby) SceneLoadComplete(conn session.ConnectionID, scene string) error {
	return l.enqueue(Request{Kind: KindSceneLoaded, Conn: conn, Target: conn, Scene: scene})
}

// Dispatch decodes a client frame from conn and queues the request.
//
// Postcondition: Returns an error wrapping ErrMalformedMessage for undecodable frames.
func (l *Lobby) Dispatch(conn session.ConnectionID, frame []byte) error {
	req, err := decodeRequest(conn, frame)
	if err != nil {
		return err
	}
	return l.enqueue(req)
}

func (l *Lobby) enqueue(req Request) error {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.requests <- req:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// Run is the authority loop. It applies queued requests in arrival order
// until ctx is cancelled, then disconnects every connection and closes the
// registry.
func (l *Lobby) Run(ctx context.Context) error {
	l.logger.Info("lobby running",
		zap.Int("max_players", l.cfg.MaxPlayers),
		zap.String("scene", l.cfg.GameplayScene),
	)
	defer l.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-l.requests:
			l.apply(req)
		}
	}
}

func (l *Lobby) shutdown() {
	close(l.done)
	l.closeMu.Lock()
	l.closed = true
	l.closeMu.Unlock()

	// No sender can be mid-enqueue now; refuse whatever joins were still queued.
drain:
	for {
		select {
		case req := <-l.requests:
			if req.Kind == KindJoin {
				_ = req.outbox.Close()
			}
		default:
			break drain
		}
	}

	for id, out := range l.peers {
		_ = out.Close()
		delete(l.peers, id)
	}
	l.eventSub.Release()
	l.registry.Close()
	l.logger.Info("lobby stopped")
}

func (l *Lobby) apply(req Request) {
	switch req.Kind {
	case KindJoin:
		l.join(req)
	case KindLeave:
		l.leave(req.Conn)
	case KindSetName, KindToggleReady, KindSetCharacter:
		l.mutate(req)
	case KindStartGame:
		l.startGame(req.Conn)
	case KindSceneLoaded:
		l.sceneLoaded(req.Conn, req.Scene)
	default:
		l.logger.Warn("unknown request kind", zap.Int("kind", int(req.Kind)))
	}
	l.evictSlow()
}

// evictSlow removes every connection that overflowed its outbox. Removal
// broadcasts more frames, which may overflow further outboxes.
func (l *Lobby) evictSlow() {
	for len(l.slow) > 0 {
		conn := l.slow[0]
		l.slow = l.slow[1:]
		l.leave(conn)
	}
}

func (l *Lobby) join(req Request) {
	s := session.NewPlayerSession(req.Conn, l.catalog.Size(), l.bus)
	if phase := l.Phase(); phase != PhaseLobby {
		l.refuse(s, req.outbox, fmt.Sprintf("match already %s", phase))
		return
	}
	if err := l.registry.Register(s); err != nil {
		l.refuse(s, req.outbox, err.Error())
		return
	}
	if err := s.Activate(); err != nil {
		l.logger.Error("activating session", zap.Uint64("conn", uint64(req.Conn)), zap.Error(err))
	}
	l.peers[req.Conn] = req.outbox
	if l.host == 0 {
		l.host = req.Conn
	}

	l.logger.Info("player joined",
		zap.Uint64("conn", uint64(req.Conn)),
		zap.Int("players", l.registry.Len()),
		zap.Bool("host", l.host == req.Conn),
	)
	l.send(req.Conn, ServerMessage{
		Type:         MsgWelcome,
		LobbyID:      l.id,
		ConnectionID: req.Conn,
		HostID:       l.host,
		CatalogSize:  l.catalog.Size(),
		MaxPlayers:   l.registry.MaxPlayers(),
		Players:      l.registry.Views(),
	})
}

func (l *Lobby) refuse(s *session.PlayerSession, out *session.Outbox, reason string) {
	l.logger.Info("join refused", zap.Uint64("conn", uint64(s.ID())), zap.String("reason", reason))
	s.Despawn()
	if err := out.Push(encode(ServerMessage{Type: MsgRejected, ConnectionID: s.ID(), Reason: reason})); err != nil {
		l.logger.Debug("sending rejection", zap.Uint64("conn", uint64(s.ID())), zap.Error(err))
	}
	_ = out.Close()
}

func (l *Lobby) leave(conn session.ConnectionID) {
	out, connected := l.peers[conn]
	if connected {
		delete(l.peers, conn)
		_ = out.Close()
	}
	if s, ok := l.registry.Get(conn); ok {
		s.Despawn()
	}
	if l.roster.Remove(conn) {
		l.logger.Info("removed actor of departed player", zap.Uint64("conn", uint64(conn)))
	}
	if connected {
		l.logger.Info("player left", zap.Uint64("conn", uint64(conn)), zap.Int("players", len(l.peers)))
	}
	if conn == l.host {
		l.reassignHost()
	}
}

// reassignHost promotes the earliest remaining session while the lobby is
// still open. After the start the host role has no further use.
func (l *Lobby) reassignHost() {
	l.host = 0
	if l.Phase() != PhaseLobby {
		return
	}
	sessions := l.registry.Sessions()
	if len(sessions) == 0 {
		return
	}
	l.host = sessions[0].ID()
	l.logger.Info("host reassigned", zap.Uint64("host", uint64(l.host)))
	l.broadcast(ServerMessage{Type: MsgHostChanged, HostID: l.host})
}

func (l *Lobby) isHost(conn session.ConnectionID) bool {
	return conn != 0 && conn == l.host
}

func (l *Lobby) mutate(req Request) {
	s, ok := l.registry.Get(req.Target)
	if !ok {
		l.logger.Debug("request for unknown session",
			zap.Uint64("conn", uint64(req.Conn)),
			zap.Uint64("target", uint64(req.Target)),
		)
		return
	}
	var err error
	switch req.Kind {
	case KindSetName:
		err = s.RequestDisplayName(req.Conn, req.Name)
	case KindToggleReady:
		err = s.RequestToggleReady(req.Conn)
	case KindSetCharacter:
		err = s.RequestSetCharacter(req.Conn, req.Index)
	}
	// Invalid requests are silent no-ops for the client.
	if err != nil {
		l.logger.Debug("request ignored",
			zap.Uint64("conn", uint64(req.Conn)),
			zap.Uint64("target", uint64(req.Target)),
			zap.Error(err),
		)
	}
}

func (l *Lobby) startGame(caller session.ConnectionID) {
	if err := l.coord.RequestStart(caller); err != nil {
		l.logger.Debug("start request ignored", zap.Uint64("conn", uint64(caller)), zap.Error(err))
		return
	}
	l.setPhase(PhaseLoading)
}

func (l *Lobby) sceneLoaded(conn session.ConnectionID, scene string) {
	res, ran := l.coord.OnSceneLoadComplete(conn, scene)
	if !ran {
		return
	}
	if res.Err != nil {
		l.logger.Warn("handoff finished with errors", zap.Error(res.Err))
	}
	l.setPhase(PhaseInGame)
}

func (l *Lobby) setPhase(p Phase) {
	if Phase(l.phase.Swap(int32(p))) == p {
		return
	}
	l.logger.Info("lobby phase changed", zap.Stringer("phase", p))
	l.hookMu.Lock()
	hooks := slices.Clone(l.phaseHooks)
	l.hookMu.Unlock()
	for _, fn := range hooks {
		fn(p)
	}
}

// LoadScene tells every connected client to load name.
func (l *Lobby) LoadScene(name string) error {
	l.broadcast(ServerMessage{Type: MsgLoadScene, Scene: name})
	return nil
}

func (l *Lobby) spawn(a handoff.Actor) error {
	if _, ok := l.peers[a.Owner]; !ok {
		return fmt.Errorf("connection %d: %w", a.Owner, ErrOwnerGone)
	}
	if err := l.roster.Spawn(a); err != nil {
		return err
	}
	l.broadcast(ServerMessage{Type: MsgActorSpawned, Actor: &a})
	return nil
}

// broadcastEvent replicates lobby events to every connection. The despawns
// performed by the handoff are not announced as departures.
func (l *Lobby) broadcastEvent(e session.Event) {
	if l.coord.HandedOff() {
		return
	}
	msg := ServerMessage{Type: MsgPlayerUpdated, Player: &e.Player, Change: e.Kind.String()}
	switch e.Kind {
	case session.EventJoined:
		msg.Type = MsgPlayerJoined
		msg.Change = ""
	case session.EventLeft:
		msg.Type = MsgPlayerLeft
		msg.ConnectionID = e.Player.ConnectionID
		msg.Change = ""
	}
	l.broadcast(msg)
}

func (l *Lobby) broadcast(msg ServerMessage) {
	frame := encode(msg)
	for id, out := range l.peers {
		l.push(id, out, msg.Type, frame)
	}
}

func (l *Lobby) send(conn session.ConnectionID, msg ServerMessage) {
	out, ok := l.peers[conn]
	if !ok {
		return
	}
	l.push(conn, out, msg.Type, encode(msg))
}

// push queues frame for conn. A connection that cannot keep up is scheduled
// for removal: a client that missed a delta cannot recover its view.
func (l *Lobby) push(conn session.ConnectionID, out *session.Outbox, msgType string, frame []byte) {
	err := out.Push(frame)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrOutboxFull):
		l.logger.Warn("outbox overflowed, disconnecting",
			zap.Uint64("conn", uint64(conn)),
			zap.String("type", msgType),
		)
		l.slow = append(l.slow, conn)
	default:
		l.logger.Debug("frame not queued", zap.Uint64("conn", uint64(conn)), zap.String("type", msgType), zap.Error(err))
	}
}
