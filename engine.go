package main

import (
	"context"
	"sort"
	"time"
)

const (
	gameStartCountdown = 5 * time.Second
	eliminationDelay   = 3 * time.Second
)

// Broadcaster is the outbound half of the Dispatcher that the Engine needs:
// pushing an event to everyone in a room, or to one connection directly
// (used for host-only playback commands).
type Broadcaster interface {
	Broadcast(roomCode string, event any)
	SendToConnection(connID string, event any)
}

// Engine drives round/reveal/elimination transitions for every room. It
// never holds a room's lock across a Music Gateway call: state needed for
// the call is copied out under lock, the call runs unlocked, and the result
// is applied under a fresh lock after re-validating the room hasn't moved on.
type Engine struct {
	registry *Registry
	gateway  *MusicGateway
	bus      Broadcaster
	cfg      *Config
}

func NewEngine(registry *Registry, gateway *MusicGateway, bus Broadcaster, cfg *Config) *Engine {
	return &Engine{registry: registry, gateway: gateway, bus: bus, cfg: cfg}
}

func activePlayersLocked(room *Room) []*Player {
	out := make([]*Player, 0, len(room.PlayerOrder))
	for _, id := range room.PlayerOrder {
		p := room.Players[id]
		if p.IsConnected && !p.IsEliminated {
			out = append(out, p)
		}
	}
	return out
}

// StartGame validates preconditions, resets per-game player state, and
// schedules the first round after a countdown.
func (e *Engine) StartGame(code string) error {
	room, ok := e.registry.GetRoom(code)
	if !ok {
		return newAppError(ErrCodeValidation, "room not found")
	}

	room.mu.Lock()
	if room.State.Status != StatusLobby {
		room.mu.Unlock()
		return newAppError(ErrCodeState, "game already started")
	}

	connected := 0
	for _, p := range room.Players {
		if p.IsConnected {
			connected++
		}
	}
	if connected < 2 {
		room.mu.Unlock()
		return newAppError(ErrCodeState, "need at least 2 connected players")
	}
	if room.MusicAuth == nil {
		room.mu.Unlock()
		return newAppError(ErrCodeState, "music account not connected")
	}
	if room.Playlist == nil {
		room.mu.Unlock()
		return newAppError(ErrCodeState, "no playlist loaded")
	}

	for _, p := range room.Players {
		p.Pace = startPace
		p.IsEliminated = false
		p.EliminatedRound = 0
		p.HasSubmitted = false
		p.CurrentAnswer = nil
		p.LastResult = ""
	}
	room.UsedTracks = make(map[string]bool)
	room.State.Status = StatusStarting
	room.State.WinnerID = ""
	room.State.CurrentRound = 0
	room.mu.Unlock()

	e.bus.Broadcast(code, GameStartingEvent{Type: evtGameStarting, StartsIn: gameStartCountdown.Milliseconds()})

	time.AfterFunc(gameStartCountdown, func() {
		e.startNextRound(code)
	})

	return nil
}

// startNextRound fetches a fresh track and arms the round timer. It is the
// re-entry point after the start countdown, after a reveal, and after
// resuming a paused game.
func (e *Engine) startNextRound(code string) {
	room, ok := e.registry.GetRoom(code)
	if !ok {
		return
	}

	room.mu.Lock()
	if room.State.IsPaused {
		room.mu.Unlock()
		return
	}
	switch room.State.Status {
	case StatusStarting, StatusPlaying, StatusRoundReveal, StatusEliminationCheck:
	default:
		room.mu.Unlock()
		return
	}

	active := activePlayersLocked(room)
	if len(active) <= 1 {
		var winner string
		if len(active) == 1 {
			winner = active[0].ID
		}
		room.mu.Unlock()
		e.endGame(code, winner)
		return
	}

	auth := room.MusicAuth
	playlistID := room.Playlist.ID
	totalTracks := room.Playlist.TrackCount
	used := make(map[string]bool, len(room.UsedTracks))
	for k, v := range room.UsedTracks {
		used[k] = v
	}
	room.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), musicRequestTimeout)
	defer cancel()

	freshAuth, err := room.ensureValidTokenSerialized(ctx, e.gateway, auth)
	if err != nil {
		logf(e.cfg, "ENGINE: room %s: token refresh failed: %v", code, err)
		e.endGame(code, "")
		return
	}

	track, err := e.gateway.RandomTrack(ctx, freshAuth, playlistID, totalTracks, used)
	if err != nil {
		logf(e.cfg, "ENGINE: room %s: track fetch failed: %v", code, err)
		e.endGame(code, "")
		return
	}
	if track == nil {
		used = make(map[string]bool)
		track, err = e.gateway.RandomTrack(ctx, freshAuth, playlistID, totalTracks, used)
		if err != nil || track == nil {
			e.endGame(code, "")
			return
		}
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.State.Status == StatusLobby || room.State.Status == StatusGameOver || room.State.IsPaused {
		return
	}

	if freshAuth != auth {
		room.MusicAuth = freshAuth
	}
	if len(used) == 0 {
		room.UsedTracks = make(map[string]bool)
	}
	room.UsedTracks[track.ID] = true

	for _, p := range room.Players {
		p.HasSubmitted = false
		p.CurrentAnswer = nil
		p.LastResult = ""
	}

	room.State.CurrentRound++
	room.State.Status = StatusPlaying
	room.State.CurrentTrack = track
	now := time.Now()
	room.State.RoundStartMs = now.UnixMilli()
	room.State.RoundEndMs = now.Add(room.Settings.RoundDuration).UnixMilli()

	roundNumber := room.State.CurrentRound
	durationMs := room.Settings.RoundDuration.Milliseconds()
	trackURI := track.URI
	hostConn := ""
	if hp, ok := room.Players[room.HostID]; ok {
		hostConn = hp.ConnectionID
	}

	cancelRoomTimers(room)
	room.roundTimer = time.AfterFunc(room.Settings.RoundDuration, func() {
		e.onRoundTimerFired(code, roundNumber)
	})

	e.bus.Broadcast(code, RoundStartedEvent{Type: evtRoundStarted, RoundNumber: roundNumber, DurationMs: durationMs, TrackURI: trackURI})
	if hostConn != "" {
		e.bus.SendToConnection(hostConn, PlaybackCommandEvent{Type: evtPlaybackCommand, Command: "play", TrackURI: trackURI})
	}
}

func (e *Engine) onRoundTimerFired(code string, expectedRound int) {
	room, ok := e.registry.GetRoom(code)
	if !ok {
		return
	}

	room.mu.Lock()
	stale := room.State.Status != StatusPlaying || room.State.CurrentRound != expectedRound
	room.mu.Unlock()
	if stale {
		return
	}

	e.endRound(code)
}

// SubmitAnswer records a player's guess. If every connected, non-eliminated
// player has now answered, the round ends immediately instead of waiting
// for the timer.
func (e *Engine) SubmitAnswer(connID, songTitle, artist string) error {
	room, player, ok := e.registry.GetPlayerByConnection(connID)
	if !ok {
		return newAppError(ErrCodeValidation, "unknown player")
	}

	room.mu.Lock()
	if player.IsEliminated || room.State.Status != StatusPlaying {
		room.mu.Unlock()
		return newAppError(ErrCodeState, "cannot submit now")
	}

	player.CurrentAnswer = &Answer{SongTitle: songTitle, Artist: artist, SubmittedAt: time.Now()}
	player.HasSubmitted = true

	everyoneSubmitted := true
	for _, p := range room.Players {
		if p.IsEliminated || !p.IsConnected {
			continue
		}
		if !p.HasSubmitted {
			everyoneSubmitted = false
			break
		}
	}
	if everyoneSubmitted {
		cancelRoomTimers(room)
	}

	playerID, nickname := player.ID, player.Nickname
	room.mu.Unlock()

	e.bus.Broadcast(room.Code, PlayerSubmittedEvent{Type: evtPlayerSubmitted, PlayerID: playerID, Nickname: nickname})

	if everyoneSubmitted {
		e.endRound(room.Code)
	}
	return nil
}

// endRound scores every non-eliminated player's answer (a player who did not
// submit, connected or not, scores NONE), applies pace deltas, and
// arms a reveal timer leading either to the next round or, every sixth
// round, to an elimination check.
func (e *Engine) endRound(code string) {
	room, ok := e.registry.GetRoom(code)
	if !ok {
		return
	}

	room.mu.Lock()
	if room.State.Status != StatusPlaying {
		room.mu.Unlock()
		return
	}
	cancelRoomTimers(room)

	track := room.State.CurrentTrack
	hostConn := ""
	if hp, ok := room.Players[room.HostID]; ok {
		hostConn = hp.ConnectionID
	}
	room.State.Status = StatusRoundReveal

	var results []RoundResult
	for _, id := range room.PlayerOrder {
		p := room.Players[id]
		if p.IsEliminated {
			continue
		}

		var scoring Scoring
		if p.HasSubmitted && p.CurrentAnswer != nil {
			scoring = scoreAnswer(p.CurrentAnswer.SongTitle, p.CurrentAnswer.Artist, track.Name, track.Artists)
		} else {
			scoring = Scoring{Result: ScoreNone}
		}

		p.LastResult = scoring.Result
		p.Pace = clampPace(p.Pace + paceDelta(scoring.Result))

		entry := RoundResult{PlayerID: p.ID, Nickname: p.Nickname, Result: scoring.Result, Pace: p.Pace}
		if p.HasSubmitted {
			songOK, artistOK := scoring.SongCorrect, scoring.ArtistCorrect
			entry.SongCorrect = &songOK
			entry.ArtistCorrect = &artistOK
		}
		results = append(results, entry)
	}

	round := room.State.CurrentRound
	runElimination := eliminationRound(round)
	revealDuration := room.Settings.RevealDuration

	room.revealTimer = time.AfterFunc(revealDuration, func() {
		if runElimination {
			e.checkEliminations(code)
		} else {
			e.startNextRound(code)
		}
	})

	sTrack := serializeTrack(track)
	room.mu.Unlock()

	if hostConn != "" {
		e.bus.SendToConnection(hostConn, PlaybackCommandEvent{Type: evtPlaybackCommand, Command: "stop"})
	}
	e.bus.Broadcast(code, RoundEndedEvent{Type: evtRoundEnded, Track: sTrack, Results: results, NextRoundIn: revealDuration.Milliseconds()})
}

// checkEliminations applies the round's elimination threshold against the
// pace leader and schedules either the next round or the game's end.
func (e *Engine) checkEliminations(code string) {
	room, ok := e.registry.GetRoom(code)
	if !ok {
		return
	}

	room.mu.Lock()
	if room.State.Status != StatusRoundReveal {
		room.mu.Unlock()
		return
	}
	room.State.Status = StatusEliminationCheck

	round := room.State.CurrentRound
	threshold := eliminationThreshold(round)

	active := activePlayersLocked(room)
	leaderPace := 0
	for _, p := range active {
		if p.Pace > leaderPace {
			leaderPace = p.Pace
		}
	}

	var eliminated, survivors []string
	for _, p := range active {
		if leaderPace-p.Pace >= threshold {
			p.IsEliminated = true
			p.EliminatedRound = round
			eliminated = append(eliminated, p.ID)
		} else {
			survivors = append(survivors, p.ID)
		}
	}
	room.mu.Unlock()

	e.bus.Broadcast(code, EliminationCheckEvent{
		Type:       evtEliminationCheck,
		Round:      round,
		Threshold:  threshold,
		LeaderPace: leaderPace,
		Eliminated: eliminated,
		Survivors:  survivors,
	})

	room.mu.Lock()
	cancelRoomTimers(room)
	if len(survivors) <= 1 {
		var winner string
		if len(survivors) == 1 {
			winner = survivors[0]
		}
		room.revealTimer = time.AfterFunc(eliminationDelay, func() {
			e.endGame(code, winner)
		})
	} else {
		room.revealTimer = time.AfterFunc(eliminationDelay, func() {
			e.startNextRound(code)
		})
	}
	room.mu.Unlock()
}

func finalStandingsLocked(room *Room, winnerID string) []StandingEntry {
	players := room.orderedPlayers()
	sort.SliceStable(players, func(i, j int) bool {
		a, b := players[i], players[j]
		if a.ID == winnerID {
			return true
		}
		if b.ID == winnerID {
			return false
		}
		if a.IsEliminated != b.IsEliminated {
			return !a.IsEliminated
		}
		if a.IsEliminated && a.EliminatedRound != b.EliminatedRound {
			return a.EliminatedRound > b.EliminatedRound
		}
		return a.Pace > b.Pace
	})

	out := make([]StandingEntry, 0, len(players))
	for _, p := range players {
		out = append(out, StandingEntry{PlayerID: p.ID, Nickname: p.Nickname, Pace: p.Pace, IsEliminated: p.IsEliminated})
	}
	return out
}

func (e *Engine) endGame(code, winnerID string) {
	room, ok := e.registry.GetRoom(code)
	if !ok {
		return
	}

	room.mu.Lock()
	if room.State.Status == StatusGameOver {
		room.mu.Unlock()
		return
	}
	cancelRoomTimers(room)
	room.State.Status = StatusGameOver
	room.State.WinnerID = winnerID

	hostConn := ""
	if hp, ok := room.Players[room.HostID]; ok {
		hostConn = hp.ConnectionID
	}

	standings := finalStandingsLocked(room, winnerID)
	winnerNickname := ""
	if winnerID != "" {
		if p, ok := room.Players[winnerID]; ok {
			winnerNickname = p.Nickname
		}
	}
	room.mu.Unlock()

	if hostConn != "" {
		e.bus.SendToConnection(hostConn, PlaybackCommandEvent{Type: evtPlaybackCommand, Command: "stop"})
	}
	e.bus.Broadcast(code, GameOverEvent{Type: evtGameOver, WinnerID: winnerID, WinnerNickname: winnerNickname, FinalStandings: standings})
}

// RestartGame returns a finished or in-progress room to the lobby, callable
// only by the host.
func (e *Engine) RestartGame(connID string) error {
	room, player, ok := e.registry.GetPlayerByConnection(connID)
	if !ok {
		return newAppError(ErrCodeValidation, "unknown player")
	}
	if !player.IsHost {
		return newAppError(ErrCodeAuthorization, "host only")
	}

	room.mu.Lock()
	cancelRoomTimers(room)
	room.State = newGameState()
	for _, p := range room.Players {
		p.Pace = startPace
		p.IsEliminated = false
		p.EliminatedRound = 0
		p.HasSubmitted = false
		p.CurrentAnswer = nil
		p.LastResult = ""
	}
	room.UsedTracks = make(map[string]bool)
	serialized := serializeRoomLocked(room)
	code := room.Code
	room.mu.Unlock()

	e.bus.Broadcast(code, RoomUpdatedEvent{Type: evtRoomUpdated, Room: serialized})
	return nil
}

// ResumeGame clears a host-disconnect pause and, if a round was in progress,
// starts a fresh round (the interrupted track is not resumed).
func (e *Engine) ResumeGame(code string) {
	room, ok := e.registry.GetRoom(code)
	if !ok {
		return
	}

	room.mu.Lock()
	if !room.State.IsPaused {
		room.mu.Unlock()
		return
	}
	room.State.IsPaused = false
	room.State.PauseReason = PauseNone
	wasPlaying := room.State.Status == StatusPlaying
	room.mu.Unlock()

	e.bus.Broadcast(code, GameResumedEvent{Type: evtGameResumed})

	if wasPlaying {
		e.startNextRound(code)
	}
}
