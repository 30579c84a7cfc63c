/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type GameStatus string

const (
	StatusLobby            GameStatus = "LOBBY"
	StatusStarting         GameStatus = "STARTING"
	StatusPlaying          GameStatus = "PLAYING"
	StatusRoundReveal      GameStatus = "ROUND_REVEAL"
	StatusEliminationCheck GameStatus = "ELIMINATION_CHECK"
	StatusGameOver         GameStatus = "GAME_OVER"
)

type ScoreClass string

const (
	ScoreBoth ScoreClass = "BOTH"
	ScoreOne  ScoreClass = "ONE"
	ScoreNone ScoreClass = "NONE"
)

type PauseReason string

const (
	PauseNone             PauseReason = ""
	PauseHostDisconnected PauseReason = "host_disconnected"
)

const (
	roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	roomCodeLength   = 4

	defaultMaxPlayers     = 10
	defaultRoundDuration  = 60 * time.Second
	defaultRevealDuration = 8 * time.Second
	loadPlaylistCooldown  = 5 * time.Second

	startPace = 10
	minPace   = 0
	maxPace   = 10

	staleRoomAge = 24 * time.Hour
)

// RoomSettings holds the per-room tunables fixed by the spec; nothing in the
// protocol currently lets a host change them, but keeping them on the room
// (rather than as package constants) is what lets serializeRoom report them.
type RoomSettings struct {
	MaxPlayers     int
	RoundDuration  time.Duration
	RevealDuration time.Duration
}

func defaultRoomSettings() RoomSettings {
	return RoomSettings{
		MaxPlayers:     defaultMaxPlayers,
		RoundDuration:  defaultRoundDuration,
		RevealDuration: defaultRevealDuration,
	}
}

type Artist struct {
	ID   string
	Name string
}

type Track struct {
	ID         string
	URI        string
	Name       string
	Artists    []Artist
	Album      string
	CoverURL   string
	DurationMs int64
	PreviewURL string
}

type MusicAuth struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UserID       string
}

type PlaylistInfo struct {
	ID         string
	Name       string
	CoverURL   string
	TrackCount int
}

type Answer struct {
	SongTitle   string
	Artist      string
	SubmittedAt time.Time
}

type Player struct {
	ID           string
	Nickname     string
	Pace         int
	IsHost       bool
	IsEliminated bool
	IsConnected  bool
	HasSubmitted bool

	CurrentAnswer *Answer
	LastResult    ScoreClass

	ConnectionID string

	// EliminatedRound is 0 until the player is eliminated; it breaks final
	// standings ties (later elimination round ranks higher).
	EliminatedRound int
}

type GameState struct {
	Status       GameStatus
	CurrentRound int
	CurrentTrack *Track
	RoundStartMs int64
	RoundEndMs   int64
	IsPaused     bool
	PauseReason  PauseReason
	WinnerID     string
}

func newGameState() GameState {
	return GameState{Status: StatusLobby}
}

// Room is the authoritative state for one game. Room.mu guards every mutable
// field below; the Registry's own mutex only ever guards the three indices,
// never a room's internals (see the Registry type in registry.go).
type Room struct {
	mu sync.Mutex

	Code        string
	HostID      string
	PlayerOrder []string
	Players     map[string]*Player

	State GameState

	MusicAuth *MusicAuth
	Playlist  *PlaylistInfo

	UsedTracks map[string]bool

	CreatedAt time.Time
	Settings  RoomSettings

	roundTimer  *time.Timer
	revealTimer *time.Timer

	// refreshMu serializes ensureValidToken calls for this room so that a
	// round-start fetch and a concurrent loadPlaylist can't both kick off a
	// refresh against the same refresh token.
	refreshMu sync.Mutex

	loadLimiter *rate.Limiter
}

func newRoom(code string) *Room {
	return &Room{
		Code:        code,
		Players:     make(map[string]*Player),
		State:       newGameState(),
		UsedTracks:  make(map[string]bool),
		CreatedAt:   time.Now(),
		Settings:    defaultRoomSettings(),
		loadLimiter: rate.NewLimiter(rate.Every(loadPlaylistCooldown), 1),
	}
}

// orderedPlayers returns players in insertion order. Caller must hold r.mu.
func (r *Room) orderedPlayers() []*Player {
	out := make([]*Player, 0, len(r.PlayerOrder))
	for _, id := range r.PlayerOrder {
		if p, ok := r.Players[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// ensureValidTokenSerialized runs ensureValidToken under the room's refresh
// lock, released before and reacquired after by the caller's room lock per
// the Music Gateway suspension-point rule.
func (r *Room) ensureValidTokenSerialized(ctx context.Context, g *MusicGateway, auth *MusicAuth) (*MusicAuth, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	return g.ensureValidToken(ctx, auth)
}

func cancelRoomTimers(r *Room) {
	if r.roundTimer != nil {
		r.roundTimer.Stop()
		r.roundTimer = nil
	}
	if r.revealTimer != nil {
		r.revealTimer.Stop()
		r.revealTimer = nil
	}
}

func newPlayerID() string     { return uuid.NewString() }
func newConnectionID() string { return uuid.NewString() }
