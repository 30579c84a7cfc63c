package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
)

// oauthState is round-tripped through the music service's authorize/callback
// flow as the opaque "state" query parameter, base64url-encoded JSON, so the
// callback can recover which room initiated the request.
type oauthState struct {
	RoomCode  string `json:"roomCode"`
	Timestamp int64  `json:"timestamp"`
}

func encodeState(roomCode string) string {
	b, _ := json.Marshal(oauthState{RoomCode: roomCode, Timestamp: time.Now().Unix()})
	return base64.URLEncoding.EncodeToString(b)
}

func decodeState(s string) (oauthState, error) {
	var st oauthState
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(b, &st)
	return st, err
}

func gatewayContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), musicRequestTimeout)
}

// serveMusicAuth redirects the host's browser to the music service's
// authorization page for GET /api/music/auth?roomCode=XXXX.
func (d *Dispatcher) serveMusicAuth() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomCode := r.URL.Query().Get("roomCode")
		if roomCode == "" {
			http.Error(w, "roomCode is required", http.StatusBadRequest)
			return
		}
		if _, ok := d.registry.GetRoom(roomCode); !ok {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		http.Redirect(w, r, d.gateway.AuthURL(encodeState(roomCode)), http.StatusFound)
	}
}

// serveMusicCallback handles the music service's redirect back after the
// user grants (or denies) access, then redirects the browser to the room
// page carrying the tokens in the URL fragment so the client can send them
// to the server over the setMusicAuth websocket message.
func (d *Dispatcher) serveMusicCallback() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		q := r.URL.Query()

		state, err := decodeState(q.Get("state"))
		if err != nil || state.RoomCode == "" {
			http.Error(w, "invalid state", http.StatusBadRequest)
			return
		}

		if errParam := q.Get("error"); errParam != "" {
			http.Redirect(w, r, d.roomPageURL(state.RoomCode)+"?musicError="+url.QueryEscape(errParam), http.StatusFound)
			return
		}

		ctx, cancel := gatewayContext()
		defer cancel()

		auth, err := d.gateway.Exchange(ctx, q.Get("code"))
		if err != nil {
			logf(d.cfg, "OAUTH: exchange failed for room %s: %v", state.RoomCode, err)
			http.Redirect(w, r, d.roomPageURL(state.RoomCode)+"?musicError=exchange_failed", http.StatusFound)
			return
		}

		fragment := url.Values{}
		fragment.Set("accessToken", auth.AccessToken)
		fragment.Set("refreshToken", auth.RefreshToken)
		fragment.Set("expiresIn", strconv.Itoa(int(time.Until(auth.ExpiresAt).Seconds())))

		http.Redirect(w, r, d.roomPageURL(state.RoomCode)+"#"+fragment.Encode(), http.StatusFound)
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// serveMusicRefresh lets a client refresh its tokens directly over HTTP,
// independent of any room (used by the host's client before reconnecting).
func (d *Dispatcher) serveMusicRefresh() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
			http.Error(w, "refreshToken is required", http.StatusBadRequest)
			return
		}

		ctx, cancel := gatewayContext()
		defer cancel()

		fresh, err := d.gateway.refresh(ctx, &MusicAuth{RefreshToken: req.RefreshToken})
		if err != nil {
			writeGatewayErrorResponse(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(refreshResponse{
			AccessToken:  fresh.AccessToken,
			RefreshToken: fresh.RefreshToken,
			ExpiresIn:    int64(time.Until(fresh.ExpiresAt).Seconds()),
		})
	}
}

func writeGatewayErrorResponse(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	if _, ok := err.(*RateLimitError); ok {
		status = http.StatusTooManyRequests
	}
	http.Error(w, err.Error(), status)
}

func (d *Dispatcher) roomPageURL(roomCode string) string {
	return d.cfg.baseURL() + "/room/" + roomCode
}
