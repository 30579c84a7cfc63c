package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one websocket connection. send is buffered so a slow reader
// doesn't block the broadcaster; an overflowing client is dropped rather
// than letting one stuck connection stall a room.
type Client struct {
	conn   *websocket.Conn
	send   chan any
	connID string
}

// Dispatcher owns the websocket surface: upgrading connections, routing
// inbound ClientMessages to the Registry/Engine, and fanning outbound events
// back out to room-scoped groups of clients. It implements Broadcaster for
// the Engine.
type Dispatcher struct {
	registry *Registry
	engine   *Engine
	gateway  *MusicGateway
	cfg      *Config

	mu     sync.Mutex
	rooms  map[string]map[*Client]bool
	byConn map[string]*Client
}

func NewDispatcher(cfg *Config, registry *Registry, gateway *MusicGateway) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		registry: registry,
		gateway:  gateway,
		rooms:    make(map[string]map[*Client]bool),
		byConn:   make(map[string]*Client),
	}
	d.engine = NewEngine(registry, gateway, d, cfg)
	return d
}

func (d *Dispatcher) Broadcast(roomCode string, event any) {
	d.mu.Lock()
	clients := make([]*Client, 0, len(d.rooms[roomCode]))
	for c := range d.rooms[roomCode] {
		clients = append(clients, c)
	}
	d.mu.Unlock()

	for _, c := range clients {
		d.sendTo(c, event)
	}
}

func (d *Dispatcher) SendToConnection(connID string, event any) {
	d.mu.Lock()
	c, ok := d.byConn[connID]
	d.mu.Unlock()
	if !ok {
		return
	}
	d.sendTo(c, event)
}

func (d *Dispatcher) sendTo(c *Client, event any) {
	select {
	case c.send <- event:
	default:
		logf(d.cfg, "WS: send buffer full for connection %s, dropping", c.connID)
		d.dropClient(c)
	}
}

func (d *Dispatcher) dropClient(c *Client) {
	d.mu.Lock()
	if _, ok := d.byConn[c.connID]; ok {
		delete(d.byConn, c.connID)
		close(c.send)
	}
	for code, clients := range d.rooms {
		if clients[c] {
			delete(clients, c)
			if len(clients) == 0 {
				delete(d.rooms, code)
			}
		}
	}
	d.mu.Unlock()
}

func (d *Dispatcher) subscribe(code string, c *Client) {
	d.mu.Lock()
	if d.rooms[code] == nil {
		d.rooms[code] = make(map[*Client]bool)
	}
	d.rooms[code][c] = true
	d.mu.Unlock()
}

func (d *Dispatcher) unsubscribe(code string, c *Client) {
	d.mu.Lock()
	if clients, ok := d.rooms[code]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(d.rooms, code)
		}
	}
	d.mu.Unlock()
}

// ServeWS upgrades the connection and blocks for its lifetime.
func (d *Dispatcher) ServeWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logf(d.cfg, "WS: upgrade error: %v", err)
		return
	}

	client := &Client{conn: conn, send: make(chan any, 16), connID: newConnectionID()}

	d.mu.Lock()
	d.byConn[client.connID] = client
	d.mu.Unlock()

	go client.writePump()
	d.readPump(client)
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (d *Dispatcher) readPump(c *Client) {
	defer func() {
		d.handleDisconnect(c)
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		d.dispatch(c, msg)
	}
}

// dispatch routes one inbound message. A panic in any handler is recovered
// here so one malformed message can't take down the room's goroutine.
func (d *Dispatcher) dispatch(c *Client, msg ClientMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("WS: panic handling %q: %v", msg.Type, r)
		}
	}()

	switch msg.Type {
	case msgCreateRoom:
		d.handleCreateRoom(c, msg)
	case msgJoinRoom:
		d.handleJoinRoom(c, msg)
	case msgLeaveRoom:
		d.handleLeaveRoom(c)
	case msgStartGame:
		d.requireHost(c, func(room *Room) { d.replyErr(c, d.engine.StartGame(room.Code)) })
	case msgSubmitAnswer:
		d.replyErr(c, d.engine.SubmitAnswer(c.connID, msg.SongTitle, msg.Artist))
	case msgRestartGame:
		d.replyErr(c, d.engine.RestartGame(c.connID))
	case msgSetMusicAuth:
		d.handleSetMusicAuth(c, msg)
	case msgLoadPlaylist:
		d.handleLoadPlaylist(c, msg)
	case msgPlaybackReady, msgPlaybackEnded:
		// informational only; nothing to do server-side.
	default:
		d.sendError(c, "unknown message type", "")
	}
}

func (d *Dispatcher) requireHost(c *Client, fn func(room *Room)) {
	room, player, ok := d.registry.GetPlayerByConnection(c.connID)
	if !ok {
		d.sendError(c, "not in a room", string(ErrCodeState))
		return
	}
	if !player.IsHost {
		d.sendError(c, "host only", string(ErrCodeAuthorization))
		return
	}
	fn(room)
}

func (d *Dispatcher) replyErr(c *Client, err error) {
	if err != nil {
		d.sendError(c, err.Error(), appErrorCode(err))
	}
}

func (d *Dispatcher) sendError(c *Client, message, code string) {
	d.sendTo(c, ErrorEvent{Type: evtError, Message: message, Code: code})
}

func (d *Dispatcher) handleCreateRoom(c *Client, msg ClientMessage) {
	room, playerID, err := d.registry.CreateRoom(msg.Nickname, c.connID)
	if err != nil {
		d.sendTo(c, CreateRoomAck{Type: msgCreateRoom, Success: false, Error: err.Error()})
		return
	}

	d.subscribe(room.Code, c)
	d.sendTo(c, CreateRoomAck{Type: msgCreateRoom, Success: true, RoomCode: room.Code, PlayerID: playerID})
	d.sendTo(c, RoomJoinedEvent{Type: evtRoomJoined, Room: serializeRoom(room), PlayerID: playerID})
}

func (d *Dispatcher) handleJoinRoom(c *Client, msg ClientMessage) {
	room, playerID, isRejoin, err := d.registry.JoinRoom(msg.RoomCode, msg.Nickname, c.connID)
	if err != nil {
		d.sendTo(c, JoinRoomAck{Type: msgJoinRoom, Success: false, Error: err.Error()})
		return
	}

	d.subscribe(room.Code, c)
	d.sendTo(c, JoinRoomAck{Type: msgJoinRoom, Success: true, PlayerID: playerID})
	d.sendTo(c, RoomJoinedEvent{Type: evtRoomJoined, Room: serializeRoom(room), PlayerID: playerID})

	room.mu.Lock()
	player := room.Players[playerID]
	nickname := player.Nickname
	resumeHost := isRejoin && player.IsHost && room.State.IsPaused
	room.mu.Unlock()

	if isRejoin {
		d.Broadcast(room.Code, PlayerReconnectedEvent{Type: evtPlayerReconnected, PlayerID: playerID, Nickname: nickname})
		if resumeHost {
			d.engine.ResumeGame(room.Code)
		}
	} else {
		d.Broadcast(room.Code, PlayerJoinedEvent{Type: evtPlayerJoined, Player: toSerializedPlayer(player)})
	}
	d.Broadcast(room.Code, RoomUpdatedEvent{Type: evtRoomUpdated, Room: serializeRoom(room)})
}

func (d *Dispatcher) handleLeaveRoom(c *Client) {
	room, removed, _, roomDeleted := d.registry.RemovePlayer(c.connID)
	if room == nil || removed == nil {
		return
	}

	d.unsubscribe(room.Code, c)
	d.Broadcast(room.Code, PlayerLeftEvent{Type: evtPlayerLeft, PlayerID: removed.ID, Nickname: removed.Nickname})
	if !roomDeleted {
		d.Broadcast(room.Code, RoomUpdatedEvent{Type: evtRoomUpdated, Room: serializeRoom(room)})
	}
}

func (d *Dispatcher) handleDisconnect(c *Client) {
	room, player, justPaused := d.registry.HandleDisconnect(c.connID)
	d.dropClient(c)
	if room == nil || player == nil {
		return
	}

	if justPaused {
		d.Broadcast(room.Code, GamePausedEvent{Type: evtGamePaused, Reason: PauseHostDisconnected})
	}
	d.Broadcast(room.Code, RoomUpdatedEvent{Type: evtRoomUpdated, Room: serializeRoom(room)})
}

func (d *Dispatcher) handleSetMusicAuth(c *Client, msg ClientMessage) {
	room, player, ok := d.registry.GetPlayerByConnection(c.connID)
	if !ok {
		d.sendError(c, "not in a room", string(ErrCodeState))
		return
	}
	if !player.IsHost {
		d.sendError(c, "host only", string(ErrCodeAuthorization))
		return
	}

	auth := &MusicAuth{
		AccessToken:  msg.AccessToken,
		RefreshToken: msg.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(msg.ExpiresIn) * time.Second),
	}

	ctx, cancel := context.WithTimeout(context.Background(), musicRequestTimeout)
	defer cancel()

	userID, err := d.gateway.CurrentUser(ctx, auth)
	if err != nil {
		d.replyErr(c, err)
		return
	}
	auth.UserID = userID

	if _, err := d.registry.SetMusicAuth(room.Code, auth); err != nil {
		d.replyErr(c, err)
		return
	}

	d.sendTo(c, MusicConnectedEvent{Type: evtMusicConnected, UserID: userID})
}

func (d *Dispatcher) handleLoadPlaylist(c *Client, msg ClientMessage) {
	room, player, ok := d.registry.GetPlayerByConnection(c.connID)
	if !ok {
		d.sendError(c, "not in a room", string(ErrCodeState))
		return
	}
	if !player.IsHost {
		d.sendError(c, "host only", string(ErrCodeAuthorization))
		return
	}

	room.mu.Lock()
	limiter := room.loadLimiter
	auth := room.MusicAuth
	room.mu.Unlock()

	if auth == nil {
		d.sendError(c, "connect a music account first", string(ErrCodeState))
		return
	}
	if !limiter.Allow() {
		d.sendError(c, "please wait before loading another playlist", string(ErrCodeRate))
		return
	}

	playlistID, ok := ParsePlaylistID(msg.PlaylistID)
	if !ok {
		d.sendError(c, "invalid playlist id", string(ErrCodeValidation))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), musicRequestTimeout)
	defer cancel()

	freshAuth, err := room.ensureValidTokenSerialized(ctx, d.gateway, auth)
	if err != nil {
		d.replyErr(c, err)
		return
	}

	info, err := d.gateway.PlaylistMeta(ctx, freshAuth, playlistID)
	if err != nil {
		d.replyErr(c, err)
		return
	}

	room.mu.Lock()
	if freshAuth != auth {
		room.MusicAuth = freshAuth
	}
	room.Playlist = info
	room.UsedTracks = make(map[string]bool)
	room.mu.Unlock()

	d.sendTo(c, PlaylistLoadedEvent{
		Type:       evtPlaylistLoaded,
		Playlist:   SerializedPlaylist{ID: info.ID, Name: info.Name, CoverURL: info.CoverURL, TrackCount: info.TrackCount},
		TrackCount: info.TrackCount,
	})
}
