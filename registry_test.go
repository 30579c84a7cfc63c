package main

import "testing"

func newTestRegistry() *Registry {
	return NewRegistry(&Config{})
}

func TestCreateRoomAssignsHost(t *testing.T) {
	reg := newTestRegistry()

	room, playerID, err := reg.CreateRoom("Alice", "conn-1")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if len(room.Code) != roomCodeLength {
		t.Fatalf("room code length = %d, want %d", len(room.Code), roomCodeLength)
	}
	if room.HostID != playerID {
		t.Fatalf("HostID = %q, want %q", room.HostID, playerID)
	}
	if !room.Players[playerID].IsHost {
		t.Fatal("expected first player to be host")
	}
}

func TestCreateRoomRequiresNickname(t *testing.T) {
	reg := newTestRegistry()
	if _, _, err := reg.CreateRoom("  ", "conn-1"); err == nil {
		t.Fatal("expected error for blank nickname")
	}
}

func TestJoinRoomFreshAndFull(t *testing.T) {
	reg := newTestRegistry()
	room, _, err := reg.CreateRoom("Alice", "conn-1")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	_, pid, isRejoin, err := reg.JoinRoom(room.Code, "Bob", "conn-2")
	if err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if isRejoin {
		t.Fatal("expected fresh join, got rejoin")
	}
	if pid == "" {
		t.Fatal("expected non-empty player id")
	}

	room.mu.Lock()
	room.Settings.MaxPlayers = 2
	room.mu.Unlock()

	if _, _, _, err := reg.JoinRoom(room.Code, "Carl", "conn-3"); err == nil {
		t.Fatal("expected room-full error")
	}
}

func TestJoinRoomRejoinByNickname(t *testing.T) {
	reg := newTestRegistry()
	room, aliceID, err := reg.CreateRoom("Alice", "conn-1")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	reg.HandleDisconnect("conn-1")

	_, pid, isRejoin, err := reg.JoinRoom(room.Code, "alice", "conn-1b")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !isRejoin {
		t.Fatal("expected rejoin to be detected by case-insensitive nickname match")
	}
	if pid != aliceID {
		t.Fatalf("rejoin player id = %q, want %q", pid, aliceID)
	}

	if _, _, ok := reg.GetPlayerByConnection("conn-1b"); !ok {
		t.Fatal("expected new connection to resolve to the rejoined player")
	}
}

func TestJoinRoomRejectsUnknownCode(t *testing.T) {
	reg := newTestRegistry()
	if _, _, _, err := reg.JoinRoom("ZZZZ", "Nobody", "conn-1"); err == nil {
		t.Fatal("expected error for unknown room code")
	}
}

func TestHandleDisconnectPausesOnHostDropMidGame(t *testing.T) {
	reg := newTestRegistry()
	room, _, err := reg.CreateRoom("Alice", "conn-1")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	room.mu.Lock()
	room.State.Status = StatusPlaying
	room.mu.Unlock()

	_, _, justPaused := reg.HandleDisconnect("conn-1")
	if !justPaused {
		t.Fatal("expected host disconnect mid-game to pause the room")
	}

	room.mu.Lock()
	paused := room.State.IsPaused
	reason := room.State.PauseReason
	room.mu.Unlock()

	if !paused || reason != PauseHostDisconnected {
		t.Fatalf("room not paused correctly: paused=%v reason=%v", paused, reason)
	}
}

func TestRemovePlayerPromotesNextHost(t *testing.T) {
	reg := newTestRegistry()
	room, _, err := reg.CreateRoom("Alice", "conn-1")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, _, _, err := reg.JoinRoom(room.Code, "Bob", "conn-2"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	_, removed, newHostID, roomDeleted := reg.RemovePlayer("conn-1")
	if roomDeleted {
		t.Fatal("room should survive with one player left")
	}
	if !removed.IsHost {
		t.Fatal("expected removed player to have been host")
	}
	if newHostID == "" {
		t.Fatal("expected a new host to be promoted")
	}

	room.mu.Lock()
	isHost := room.Players[newHostID].IsHost
	room.mu.Unlock()
	if !isHost {
		t.Fatal("promoted player not marked as host")
	}
}

func TestRemovePlayerDeletesEmptyRoom(t *testing.T) {
	reg := newTestRegistry()
	room, _, err := reg.CreateRoom("Alice", "conn-1")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	_, _, _, roomDeleted := reg.RemovePlayer("conn-1")
	if !roomDeleted {
		t.Fatal("expected room to be deleted once last player leaves")
	}
	if _, ok := reg.GetRoom(room.Code); ok {
		t.Fatal("deleted room still resolvable by code")
	}
}

func TestStats(t *testing.T) {
	reg := newTestRegistry()
	room, _, err := reg.CreateRoom("Alice", "conn-1")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, _, _, err := reg.JoinRoom(room.Code, "Bob", "conn-2"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	stats := reg.Stats()
	if stats.Rooms != 1 || stats.Players != 2 {
		t.Fatalf("Stats() = %+v, want 1 room and 2 players", stats)
	}
}
