package lobby

import (
	"testing"

	"warfront/client/internal/coord"
)

func TestSyncSlotsDrivesSeatsFromMembers(t *testing.T) {
	game := NewLocalGame(4)
	game.SyncSlots([]coord.Member{
		{UserID: 200, DisplayName: "host", SlotState: coord.SlotHuman, SlotIndex: 0, IsReady: true, HasMap: true},
		{UserID: coord.UnassignedUserID, SlotState: coord.SlotAIMedium, SlotIndex: 1},
		{UserID: coord.UnassignedUserID, SlotState: coord.SlotClosed, SlotIndex: 2},
	})

	host, ok := game.Slot(0)
	if !ok || host.UserID != 200 || !host.Ready || !host.HasMap {
		t.Fatalf("host slot = %+v", host)
	}
	//1.- AI seats are always ready and always have the map, with the sentinel id.
	ai, _ := game.Slot(1)
	if ai.UserID != coord.UnassignedUserID || !ai.Ready || !ai.HasMap {
		t.Fatalf("ai slot = %+v", ai)
	}
	closed, _ := game.Slot(2)
	if closed.State != coord.SlotClosed || closed.Occupied() && closed.State != coord.SlotClosed {
		t.Fatalf("closed slot = %+v", closed)
	}
	open, _ := game.Slot(3)
	if open.State != coord.SlotOpen {
		t.Fatalf("untouched slot = %+v", open)
	}
}

func TestSyncSlotsClearsVacatedSeats(t *testing.T) {
	game := NewLocalGame(2)
	game.SyncSlots([]coord.Member{
		{UserID: 200, SlotState: coord.SlotHuman, SlotIndex: 0},
		{UserID: 100, SlotState: coord.SlotHuman, SlotIndex: 1},
	})
	game.SyncSlots([]coord.Member{
		{UserID: 200, SlotState: coord.SlotHuman, SlotIndex: 0},
	})
	if _, ok := game.UserAtSlot(1); ok {
		t.Fatal("vacated seat still resolves to a user")
	}
	slot, _ := game.Slot(1)
	if slot.State != coord.SlotOpen {
		t.Fatalf("vacated slot state = %v", slot.State)
	}
}

func TestSlotUserResolution(t *testing.T) {
	game := NewLocalGame(3)
	game.SyncSlots([]coord.Member{
		{UserID: 100, SlotState: coord.SlotHuman, SlotIndex: 2},
		{UserID: coord.UnassignedUserID, SlotState: coord.SlotAIEasy, SlotIndex: 0},
	})

	if id, ok := game.UserAtSlot(2); !ok || id != 100 {
		t.Fatalf("UserAtSlot(2) = %d, %v", id, ok)
	}
	if _, ok := game.UserAtSlot(0); ok {
		t.Fatal("AI seat resolved to a user id")
	}
	if index, ok := game.SlotOfUser(100); !ok || index != 2 {
		t.Fatalf("SlotOfUser(100) = %d, %v", index, ok)
	}
	if _, ok := game.SlotOfUser(coord.UnassignedUserID); ok {
		t.Fatal("sentinel id resolved to a slot")
	}
}

func TestAllHumansReady(t *testing.T) {
	game := NewLocalGame(2)
	game.SyncSlots([]coord.Member{
		{UserID: 200, SlotState: coord.SlotHuman, SlotIndex: 0, IsReady: true},
		{UserID: 100, SlotState: coord.SlotHuman, SlotIndex: 1},
	})
	if game.AllHumansReady() {
		t.Fatal("unready human reported ready")
	}
	game.SyncSlots([]coord.Member{
		{UserID: 200, SlotState: coord.SlotHuman, SlotIndex: 0, IsReady: true},
		{UserID: 100, SlotState: coord.SlotHuman, SlotIndex: 1, IsReady: true},
	})
	if !game.AllHumansReady() {
		t.Fatal("ready roster reported unready")
	}
}
