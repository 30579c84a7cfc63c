package main

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"
)

// Registry owns three mutually consistent indices: room code -> Room,
// player id -> room code, and connection id -> player id. reg.mu guards only
// these indices; a Room's own fields are guarded by Room.mu (see room.go).
type Registry struct {
	mu sync.Mutex

	rooms      map[string]*Room
	playerRoom map[string]string
	connPlayer map[string]string

	cfg *Config
}

func NewRegistry(cfg *Config) *Registry {
	return &Registry{
		rooms:      make(map[string]*Room),
		playerRoom: make(map[string]string),
		connPlayer: make(map[string]string),
		cfg:        cfg,
	}
}

// newRoomCode draws from roomCodeAlphabet via rejection sampling so every
// character is uniformly distributed, the same approach the teacher used
// for its game ids.
func newRoomCode() string {
	out := make([]byte, 0, roomCodeLength)
	buf := make([]byte, roomCodeLength)
	limit := 256 - (256 % len(roomCodeAlphabet))

	for len(out) < roomCodeLength {
		if _, err := rand.Read(buf); err != nil {
			panic("musicroom: crypto/rand failure: " + err.Error())
		}
		for _, c := range buf {
			if int(c) >= limit {
				continue
			}
			out = append(out, roomCodeAlphabet[int(c)%len(roomCodeAlphabet)])
			if len(out) == roomCodeLength {
				break
			}
		}
	}

	return string(out)
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// CreateRoom allocates a fresh room code, seats the caller as its host, and
// registers the three indices.
func (reg *Registry) CreateRoom(nickname, connID string) (*Room, string, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return nil, "", newAppError(ErrCodeValidation, "nickname is required")
	}

	playerID := newPlayerID()

	reg.mu.Lock()
	var code string
	for {
		code = newRoomCode()
		if _, exists := reg.rooms[code]; !exists {
			break
		}
	}

	room := newRoom(code)
	room.Players[playerID] = &Player{
		ID:           playerID,
		Nickname:     nickname,
		Pace:         startPace,
		IsHost:       true,
		IsConnected:  true,
		ConnectionID: connID,
	}
	room.PlayerOrder = append(room.PlayerOrder, playerID)
	room.HostID = playerID

	reg.rooms[code] = room
	reg.playerRoom[playerID] = code
	reg.connPlayer[connID] = playerID
	reg.mu.Unlock()

	return room, playerID, nil
}

// JoinRoom seats a new player in the lobby, or rebinds an existing player's
// nickname to a new connection (rejoin after disconnect). The second return
// value is true for a rejoin.
func (reg *Registry) JoinRoom(code, nickname, connID string) (*Room, string, bool, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return nil, "", false, newAppError(ErrCodeValidation, "nickname is required")
	}

	reg.mu.Lock()
	room, ok := reg.rooms[code]
	reg.mu.Unlock()
	if !ok {
		return nil, "", false, newAppError(ErrCodeValidation, "room not found")
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	for _, p := range room.orderedPlayers() {
		if strings.EqualFold(p.Nickname, nickname) {
			oldConn := p.ConnectionID
			p.ConnectionID = connID
			p.IsConnected = true

			reg.mu.Lock()
			if oldConn != "" {
				delete(reg.connPlayer, oldConn)
			}
			reg.connPlayer[connID] = p.ID
			reg.mu.Unlock()

			return room, p.ID, true, nil
		}
	}

	if room.State.Status != StatusLobby {
		return nil, "", false, newAppError(ErrCodeState, "game already in progress")
	}
	if len(room.Players) >= room.Settings.MaxPlayers {
		return nil, "", false, newAppError(ErrCodeState, "room is full")
	}

	playerID := newPlayerID()
	room.Players[playerID] = &Player{
		ID:           playerID,
		Nickname:     nickname,
		Pace:         startPace,
		IsConnected:  true,
		ConnectionID: connID,
	}
	room.PlayerOrder = append(room.PlayerOrder, playerID)

	reg.mu.Lock()
	reg.playerRoom[playerID] = code
	reg.connPlayer[connID] = playerID
	reg.mu.Unlock()

	return room, playerID, false, nil
}

// HandleDisconnect marks a player disconnected without removing them from
// the room. If the disconnecting player is the host and a round is in
// progress, the room is paused and its timers cancelled; justPaused reports
// whether that transition happened here.
func (reg *Registry) HandleDisconnect(connID string) (room *Room, player *Player, justPaused bool) {
	reg.mu.Lock()
	playerID, ok := reg.connPlayer[connID]
	if !ok {
		reg.mu.Unlock()
		return nil, nil, false
	}
	delete(reg.connPlayer, connID)
	code, ok := reg.playerRoom[playerID]
	reg.mu.Unlock()
	if !ok {
		return nil, nil, false
	}

	reg.mu.Lock()
	room, ok = reg.rooms[code]
	reg.mu.Unlock()
	if !ok {
		return nil, nil, false
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	p, ok := room.Players[playerID]
	if !ok {
		return room, nil, false
	}
	p.IsConnected = false
	p.ConnectionID = ""

	if p.IsHost && room.State.Status == StatusPlaying && !room.State.IsPaused {
		room.State.IsPaused = true
		room.State.PauseReason = PauseHostDisconnected
		cancelRoomTimers(room)
		justPaused = true
	}

	return room, p, justPaused
}

// RemovePlayer fully removes a player (explicit leaveRoom). If the leaver
// was host, the next player in join order is promoted. roomDeleted reports
// whether the room is now empty and was dropped from the registry.
func (reg *Registry) RemovePlayer(connID string) (room *Room, removedPlayer *Player, newHostID string, roomDeleted bool) {
	reg.mu.Lock()
	playerID, ok := reg.connPlayer[connID]
	if !ok {
		reg.mu.Unlock()
		return nil, nil, "", false
	}
	code := reg.playerRoom[playerID]
	room, ok = reg.rooms[code]
	reg.mu.Unlock()
	if !ok {
		return nil, nil, "", false
	}

	room.mu.Lock()
	p, exists := room.Players[playerID]
	if exists {
		delete(room.Players, playerID)
		room.PlayerOrder = removeID(room.PlayerOrder, playerID)
		if p.IsHost && len(room.PlayerOrder) > 0 {
			newHostID = room.PlayerOrder[0]
			room.HostID = newHostID
			room.Players[newHostID].IsHost = true
		}
	}
	empty := len(room.Players) == 0
	if empty {
		cancelRoomTimers(room)
	}
	room.mu.Unlock()

	reg.mu.Lock()
	delete(reg.connPlayer, connID)
	delete(reg.playerRoom, playerID)
	if empty {
		delete(reg.rooms, code)
	}
	reg.mu.Unlock()

	return room, p, newHostID, empty
}

func (reg *Registry) GetRoom(code string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[strings.ToUpper(code)]
	return r, ok
}

func (reg *Registry) GetRoomByConnection(connID string) (*Room, bool) {
	reg.mu.Lock()
	playerID, ok := reg.connPlayer[connID]
	if !ok {
		reg.mu.Unlock()
		return nil, false
	}
	code, ok := reg.playerRoom[playerID]
	reg.mu.Unlock()
	if !ok {
		return nil, false
	}
	return reg.GetRoom(code)
}

func (reg *Registry) GetPlayerByConnection(connID string) (*Room, *Player, bool) {
	room, ok := reg.GetRoomByConnection(connID)
	if !ok {
		return nil, nil, false
	}

	reg.mu.Lock()
	playerID := reg.connPlayer[connID]
	reg.mu.Unlock()

	room.mu.Lock()
	defer room.mu.Unlock()
	p, ok := room.Players[playerID]
	return room, p, ok
}

func (reg *Registry) SetMusicAuth(code string, auth *MusicAuth) (*Room, error) {
	room, ok := reg.GetRoom(code)
	if !ok {
		return nil, newAppError(ErrCodeValidation, "room not found")
	}
	room.mu.Lock()
	room.MusicAuth = auth
	room.mu.Unlock()
	return room, nil
}

func (reg *Registry) SetPlaylist(code string, info *PlaylistInfo) (*Room, error) {
	room, ok := reg.GetRoom(code)
	if !ok {
		return nil, newAppError(ErrCodeValidation, "room not found")
	}
	room.mu.Lock()
	room.Playlist = info
	room.UsedTracks = make(map[string]bool)
	room.mu.Unlock()
	return room, nil
}

// serializeRoom takes the room lock and produces its wire representation.
func serializeRoom(room *Room) SerializedRoom {
	room.mu.Lock()
	defer room.mu.Unlock()
	return serializeRoomLocked(room)
}

// serializeRoomLocked assumes the caller already holds room.mu.
func serializeRoomLocked(room *Room) SerializedRoom {
	players := make([]SerializedPlayer, 0, len(room.PlayerOrder))
	for _, id := range room.PlayerOrder {
		if p, ok := room.Players[id]; ok {
			players = append(players, toSerializedPlayer(p))
		}
	}

	var playlist *SerializedPlaylist
	if room.Playlist != nil {
		playlist = &SerializedPlaylist{
			ID:         room.Playlist.ID,
			Name:       room.Playlist.Name,
			CoverURL:   room.Playlist.CoverURL,
			TrackCount: room.Playlist.TrackCount,
		}
	}

	return SerializedRoom{
		Code:    room.Code,
		HostID:  room.HostID,
		Players: players,
		GameState: SerializedGameState{
			Status:       room.State.Status,
			CurrentRound: room.State.CurrentRound,
			IsPaused:     room.State.IsPaused,
			WinnerID:     room.State.WinnerID,
		},
		HasMusicAuth: room.MusicAuth != nil,
		Playlist:     playlist,
		Settings: SerializedSettings{
			MaxPlayers:       room.Settings.MaxPlayers,
			RoundDurationMs:  room.Settings.RoundDuration.Milliseconds(),
			RevealDurationMs: room.Settings.RevealDuration.Milliseconds(),
		},
	}
}

type RegistryStats struct {
	Rooms   int `json:"rooms"`
	Players int `json:"players"`
}

func (reg *Registry) Stats() RegistryStats {
	reg.mu.Lock()
	codes := make([]string, 0, len(reg.rooms))
	for code := range reg.rooms {
		codes = append(codes, code)
	}
	roomCount := len(reg.rooms)
	reg.mu.Unlock()

	players := 0
	for _, code := range codes {
		reg.mu.Lock()
		room, ok := reg.rooms[code]
		reg.mu.Unlock()
		if !ok {
			continue
		}
		room.mu.Lock()
		players += len(room.Players)
		room.mu.Unlock()
	}

	return RegistryStats{Rooms: roomCount, Players: players}
}

// sweep removes rooms with no connected players older than the configured
// room timeout.
func (reg *Registry) sweep() {
	reg.mu.Lock()
	codes := make([]string, 0, len(reg.rooms))
	for c := range reg.rooms {
		codes = append(codes, c)
	}
	reg.mu.Unlock()

	cutoff := time.Now().Add(-reg.roomTimeout())

	for _, code := range codes {
		reg.mu.Lock()
		room, ok := reg.rooms[code]
		reg.mu.Unlock()
		if !ok {
			continue
		}

		room.mu.Lock()
		anyConnected := false
		for _, p := range room.Players {
			if p.IsConnected {
				anyConnected = true
				break
			}
		}
		stale := !anyConnected && room.CreatedAt.Before(cutoff)
		var playerIDs []string
		if stale {
			for id := range room.Players {
				playerIDs = append(playerIDs, id)
			}
			cancelRoomTimers(room)
		}
		room.mu.Unlock()

		if !stale {
			continue
		}

		reg.mu.Lock()
		delete(reg.rooms, code)
		for _, id := range playerIDs {
			delete(reg.playerRoom, id)
		}
		reg.mu.Unlock()

		logf(reg.cfg, "SWEEP: removed stale room %s", code)
	}
}

func (reg *Registry) roomTimeout() time.Duration {
	if reg.cfg != nil && reg.cfg.roomTimeout > 0 {
		return reg.cfg.roomTimeout
	}
	return staleRoomAge
}

// StartSweeper runs sweep on a ticker until the process exits.
func (reg *Registry) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			reg.sweep()
		}
	}()
}
