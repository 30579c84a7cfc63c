package main

// Message type discriminators, shared by inbound ClientMessage.Type and
// every outbound event struct's Type field.
const (
	msgCreateRoom    = "createRoom"
	msgJoinRoom      = "joinRoom"
	msgLeaveRoom     = "leaveRoom"
	msgStartGame     = "startGame"
	msgSubmitAnswer  = "submitAnswer"
	msgRestartGame   = "restartGame"
	msgSetMusicAuth  = "setMusicAuth"
	msgLoadPlaylist  = "loadPlaylist"
	msgPlaybackReady = "playbackReady"
	msgPlaybackEnded = "playbackEnded"

	evtRoomJoined         = "roomJoined"
	evtRoomUpdated        = "roomUpdated"
	evtPlayerJoined       = "playerJoined"
	evtPlayerLeft         = "playerLeft"
	evtPlayerReconnected  = "playerReconnected"
	evtGameStarting       = "gameStarting"
	evtRoundStarted       = "roundStarted"
	evtPlayerSubmitted    = "playerSubmitted"
	evtRoundEnded         = "roundEnded"
	evtEliminationCheck   = "eliminationCheck"
	evtGameOver           = "gameOver"
	evtGamePaused         = "gamePaused"
	evtGameResumed        = "gameResumed"
	evtMusicConnected     = "musicConnected"
	evtPlaylistLoaded     = "playlistLoaded"
	evtPlaybackCommand    = "playbackCommand"
	evtError              = "error"
)

// ClientMessage is the single inbound envelope for every client->server
// message, discriminated by Type; unused fields are simply left zero.
type ClientMessage struct {
	Type         string `json:"type"`
	Nickname     string `json:"nickname,omitempty"`
	RoomCode     string `json:"roomCode,omitempty"`
	SongTitle    string `json:"songTitle,omitempty"`
	Artist       string `json:"artist,omitempty"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int    `json:"expiresIn,omitempty"`
	PlaylistID   string `json:"playlistId,omitempty"`
}

// --- RPC-style acknowledgments, unicast in reply to the triggering message ---

type CreateRoomAck struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	RoomCode string `json:"roomCode,omitempty"`
	PlayerID string `json:"playerId,omitempty"`
	Error    string `json:"error,omitempty"`
}

type JoinRoomAck struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	PlayerID string `json:"playerId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// --- wire representations of server-side state ---

type SerializedPlayer struct {
	ID           string     `json:"id"`
	Nickname     string     `json:"nickname"`
	Pace         int        `json:"pace"`
	IsHost       bool       `json:"isHost"`
	IsEliminated bool       `json:"isEliminated"`
	IsConnected  bool       `json:"isConnected"`
	HasSubmitted bool       `json:"hasSubmitted"`
}

type SerializedPlaylist struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CoverURL   string `json:"coverUrl"`
	TrackCount int    `json:"trackCount"`
}

type SerializedGameState struct {
	Status       GameStatus `json:"status"`
	CurrentRound int        `json:"currentRound"`
	IsPaused     bool       `json:"isPaused"`
	WinnerID     string     `json:"winnerId,omitempty"`
}

type SerializedSettings struct {
	MaxPlayers       int   `json:"maxPlayers"`
	RoundDurationMs  int64 `json:"roundDurationMs"`
	RevealDurationMs int64 `json:"revealDurationMs"`
}

type SerializedRoom struct {
	Code         string              `json:"code"`
	HostID       string              `json:"hostId"`
	Players      []SerializedPlayer  `json:"players"`
	GameState    SerializedGameState `json:"gameState"`
	HasMusicAuth bool                `json:"hasMusicAuth"`
	Playlist     *SerializedPlaylist `json:"playlist,omitempty"`
	Settings     SerializedSettings  `json:"settings"`
}

type SerializedTrack struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Artists    []string `json:"artists"`
	Album      string   `json:"album"`
	CoverURL   string   `json:"coverUrl"`
	DurationMs int64    `json:"durationMs"`
	PreviewURL string   `json:"previewUrl,omitempty"`
}

// --- broadcast / unicast events ---

type RoomJoinedEvent struct {
	Type     string         `json:"type"`
	Room     SerializedRoom `json:"room"`
	PlayerID string         `json:"playerId"`
}

type RoomUpdatedEvent struct {
	Type string         `json:"type"`
	Room SerializedRoom `json:"room"`
}

type PlayerJoinedEvent struct {
	Type   string           `json:"type"`
	Player SerializedPlayer `json:"player"`
}

type PlayerLeftEvent struct {
	Type     string `json:"type"`
	PlayerID string `json:"playerId"`
	Nickname string `json:"nickname"`
}

type PlayerReconnectedEvent struct {
	Type     string `json:"type"`
	PlayerID string `json:"playerId"`
	Nickname string `json:"nickname"`
}

type GameStartingEvent struct {
	Type     string `json:"type"`
	StartsIn int64  `json:"startsIn"`
}

type RoundStartedEvent struct {
	Type        string `json:"type"`
	RoundNumber int    `json:"roundNumber"`
	DurationMs  int64  `json:"durationMs"`
	TrackURI    string `json:"trackUri"`
}

type PlayerSubmittedEvent struct {
	Type     string `json:"type"`
	PlayerID string `json:"playerId"`
	Nickname string `json:"nickname"`
}

type RoundResult struct {
	PlayerID      string     `json:"playerId"`
	Nickname      string     `json:"nickname"`
	Result        ScoreClass `json:"result"`
	SongCorrect   *bool      `json:"songCorrect,omitempty"`
	ArtistCorrect *bool      `json:"artistCorrect,omitempty"`
	Pace          int        `json:"pace"`
}

type RoundEndedEvent struct {
	Type        string          `json:"type"`
	Track       SerializedTrack `json:"track"`
	Results     []RoundResult   `json:"results"`
	NextRoundIn int64           `json:"nextRoundIn"`
}

type EliminationCheckEvent struct {
	Type       string   `json:"type"`
	Round      int      `json:"round"`
	Threshold  int      `json:"threshold"`
	LeaderPace int      `json:"leaderPace"`
	Eliminated []string `json:"eliminated"`
	Survivors  []string `json:"survivors"`
}

type StandingEntry struct {
	PlayerID     string `json:"playerId"`
	Nickname     string `json:"nickname"`
	Pace         int    `json:"pace"`
	IsEliminated bool   `json:"isEliminated"`
}

type GameOverEvent struct {
	Type           string          `json:"type"`
	WinnerID       string          `json:"winnerId,omitempty"`
	WinnerNickname string          `json:"winnerNickname,omitempty"`
	FinalStandings []StandingEntry `json:"finalStandings"`
}

type GamePausedEvent struct {
	Type   string      `json:"type"`
	Reason PauseReason `json:"reason"`
}

type GameResumedEvent struct {
	Type string `json:"type"`
}

type MusicConnectedEvent struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type PlaylistLoadedEvent struct {
	Type       string              `json:"type"`
	Playlist   SerializedPlaylist  `json:"playlist"`
	TrackCount int                 `json:"trackCount"`
}

type PlaybackCommandEvent struct {
	Type       string `json:"type"`
	Command    string `json:"command"`
	TrackURI   string `json:"trackUri,omitempty"`
	PositionMs int64  `json:"positionMs,omitempty"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func toSerializedPlayer(p *Player) SerializedPlayer {
	return SerializedPlayer{
		ID:           p.ID,
		Nickname:     p.Nickname,
		Pace:         p.Pace,
		IsHost:       p.IsHost,
		IsEliminated: p.IsEliminated,
		IsConnected:  p.IsConnected,
		HasSubmitted: p.HasSubmitted,
	}
}

func serializeTrack(t *Track) SerializedTrack {
	names := make([]string, 0, len(t.Artists))
	for _, a := range t.Artists {
		names = append(names, a.Name)
	}
	return SerializedTrack{
		ID:         t.ID,
		Name:       t.Name,
		Artists:    names,
		Album:      t.Album,
		CoverURL:   t.CoverURL,
		DurationMs: t.DurationMs,
		PreviewURL: t.PreviewURL,
	}
}
