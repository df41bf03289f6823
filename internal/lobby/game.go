// Package lobby implements the session layer: canonical lobby state, the
// reconciliation protocol between local intent and service snapshots, and the
// bridge from membership changes to the peer mesh.
package lobby

import (
	"warfront/client/internal/coord"
)

// Slot is one fixed seat in the local game table, driven entirely from lobby
// snapshots. AI occupants carry the unassigned sentinel instead of a user id.
type Slot struct {
	State         coord.SlotState
	UserID        int64
	DisplayName   string
	Ready         bool
	HasMap        bool
	Side          int
	Color         int
	Team          int
	StartPosition int
}

// Occupied reports whether the seat holds a participant.
func (s Slot) Occupied() bool { return s.State.IsOccupied() }

// LocalGame is the engine-facing view of the lobby: a fixed slot table plus
// the in-progress flag that freezes membership once the match starts.
type LocalGame struct {
	slots      []Slot
	inProgress bool
}

// NewLocalGame allocates an all-open slot table.
func NewLocalGame(maxPlayers int) *LocalGame {
	if maxPlayers <= 0 {
		maxPlayers = 1
	}
	game := &LocalGame{slots: make([]Slot, maxPlayers)}
	for i := range game.slots {
		game.slots[i] = Slot{State: coord.SlotOpen, UserID: coord.UnassignedUserID}
	}
	return game
}

// InProgress reports whether the match has started.
func (g *LocalGame) InProgress() bool {
	return g != nil && g.inProgress
}

// SetInProgress flips the match flag. While set, snapshot membership is
// frozen by the session.
func (g *LocalGame) SetInProgress(active bool) {
	if g != nil {
		g.inProgress = active
	}
}

// SlotCount returns the table size.
func (g *LocalGame) SlotCount() int {
	if g == nil {
		return 0
	}
	return len(g.slots)
}

// Slot returns a copy of the seat at index.
func (g *LocalGame) Slot(index int) (Slot, bool) {
	if g == nil || index < 0 || index >= len(g.slots) {
		return Slot{}, false
	}
	return g.slots[index], true
}

// UserAtSlot resolves a slot index to its human occupant's user id.
func (g *LocalGame) UserAtSlot(index int) (int64, bool) {
	slot, ok := g.Slot(index)
	if !ok || slot.State != coord.SlotHuman || slot.UserID == coord.UnassignedUserID {
		return coord.UnassignedUserID, false
	}
	return slot.UserID, true
}

// SlotOfUser resolves a user id to its slot index.
func (g *LocalGame) SlotOfUser(userID int64) (int, bool) {
	if g == nil || userID == coord.UnassignedUserID {
		return -1, false
	}
	for i, slot := range g.slots {
		if slot.State == coord.SlotHuman && slot.UserID == userID {
			return i, true
		}
	}
	return -1, false
}

// SyncSlots drives every seat from the snapshot member list. AI seats are
// always ready and always have the map; human seats take both flags from the
// member record; open and closed seats are cleared.
func (g *LocalGame) SyncSlots(members []coord.Member) {
	if g == nil {
		return
	}
	seen := make([]bool, len(g.slots))
	for _, member := range members {
		index := member.SlotIndex
		if index < 0 || index >= len(g.slots) {
			continue
		}
		seen[index] = true
		slot := Slot{
			State:         member.SlotState,
			UserID:        coord.UnassignedUserID,
			Side:          member.Side,
			Color:         member.Color,
			Team:          member.Team,
			StartPosition: member.StartingPosition,
		}
		switch {
		case member.SlotState.IsAI():
			slot.Ready = true
			slot.HasMap = true
		case member.SlotState == coord.SlotHuman:
			slot.UserID = member.UserID
			slot.DisplayName = member.DisplayName
			slot.Ready = member.IsReady
			slot.HasMap = member.HasMap
		}
		g.slots[index] = slot
	}
	//1.- Seats absent from the snapshot fall back to open.
	for i := range g.slots {
		if !seen[i] {
			g.slots[i] = Slot{State: coord.SlotOpen, UserID: coord.UnassignedUserID}
		}
	}
}

// AllHumansReady reports whether every human occupant confirmed readiness.
func (g *LocalGame) AllHumansReady() bool {
	if g == nil {
		return false
	}
	for _, slot := range g.slots {
		if slot.State == coord.SlotHuman && !slot.Ready {
			return false
		}
	}
	return true
}
