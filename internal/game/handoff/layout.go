package handoff

// Vec3 is a gameplay-space position.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// SpawnPoint is where an actor is placed and which way it faces.
type SpawnPoint struct {
	Position Vec3    `json:"position"`
	Yaw      float64 `json:"yaw"`
}

// Layout assigns spawn points deterministically by spawn slot.
type Layout struct {
	// Points are used cyclically. When empty, actors are lined up along X.
	Points []SpawnPoint
	// Spacing is the X distance between fallback positions.
	Spacing float64
}

// Position returns the spawn point for the slot-th actor spawned in a handoff.
//
// Precondition: slot must be >= 0.
func (l Layout) Position(slot int) SpawnPoint {
	if len(l.Points) > 0 {
		return l.Points[slot%len(l.Points)]
	}
	return SpawnPoint{Position: Vec3{X: l.Spacing * float64(slot)}}
}
