package lobby

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cory-johannsen/matchlobby/internal/game/handoff"
	"github.com/cory-johannsen/matchlobby/internal/game/session"
)

// Client → server message types.
const (
	MsgSetName      = "set_name"
	MsgToggleReady  = "toggle_ready"
	MsgSetCharacter = "set_character"
	MsgStartGame    = "start_game"
	MsgSceneLoaded  = "scene_loaded"
)

// Server → client message types.
const (
	MsgWelcome       = "welcome"
	MsgPlayerJoined  = "player_joined"
	MsgPlayerLeft    = "player_left"
	MsgPlayerUpdated = "player_updated"
	MsgHostChanged   = "host_changed"
	MsgLoadScene     = "load_scene"
	MsgActorSpawned  = "actor_spawned"
	MsgRejected      = "rejected"
)

// ErrMalformedMessage is returned for frames that cannot be decoded into a request.
var ErrMalformedMessage = errors.New("malformed client message")

// ClientMessage is an inbound JSON frame.
type ClientMessage struct {
	Type string `json:"type"`
	// Target addresses another connection's session. Omitted means the sender's own.
	Target *uint64 `json:"target,omitempty"`
	Name   string  `json:"name,omitempty"`
	Index  *int    `json:"index,omitempty"`
	Scene  string  `json:"scene,omitempty"`
}

// ServerMessage is an outbound JSON frame.
type ServerMessage struct {
	Type         string               `json:"type"`
	LobbyID      string               `json:"lobby_id,omitempty"`
	ConnectionID session.ConnectionID `json:"connection_id,omitempty"`
	HostID       session.ConnectionID `json:"host_id,omitempty"`
	CatalogSize  int                  `json:"catalog_size,omitempty"`
	MaxPlayers   int                  `json:"max_players,omitempty"`
	Players      []session.View       `json:"players,omitempty"`
	Player       *session.View        `json:"player,omitempty"`
	Change       string               `json:"change,omitempty"`
	Scene        string               `json:"scene,omitempty"`
	Actor        *handoff.Actor       `json:"actor,omitempty"`
	Reason       string               `json:"reason,omitempty"`
}

// decodeRequest converts a client frame from conn into a Request.
func decodeRequest(conn session.ConnectionID, data []byte) (Request, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	req := Request{Conn: conn, Target: conn}
	if msg.Target != nil {
		req.Target = session.ConnectionID(*msg.Target)
	}
	switch msg.Type {
	case MsgSetName:
		req.Kind = KindSetName
		req.Name = msg.Name
	case MsgToggleReady:
		req.Kind = KindToggleReady
	case MsgSetCharacter:
		if msg.Index == nil {
			return Request{}, fmt.Errorf("%w: %s without index", ErrMalformedMessage, msg.Type)
		}
		req.Kind = KindSetCharacter
		req.Index = *msg.Index
	case MsgStartGame:
		req.Kind = KindStartGame
	case MsgSceneLoaded:
		req.Kind = KindSceneLoaded
		req.Scene = msg.Scene
	default:
		return Request{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	}
	return req, nil
}

func encode(msg ServerMessage) []byte {
	// ServerMessage holds only plain values; Marshal cannot fail.
	b, _ := json.Marshal(msg)
	return b
}
