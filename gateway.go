package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultAccountsURL = "https://accounts.spotify.com"
	defaultAPIURL      = "https://api.spotify.com/v1"

	musicRequestTimeout    = 10 * time.Second
	tokenRefreshWindow     = 5 * time.Minute
	maxRandomTrackAttempts = 10
	maxGatewayBodySnippet  = 512
)

var musicScopes = []string{
	"streaming",
	"user-read-email",
	"user-read-private",
	"user-read-playback-state",
	"user-modify-playback-state",
	"playlist-read-private",
	"playlist-read-collaborative",
}

// MusicGateway is the only component that talks to the external music
// service. Every outbound call runs on a bounded-timeout http.Client and
// never holds a Room's lock for the duration of the call.
type MusicGateway struct {
	clientID     string
	clientSecret string
	redirectURI  string
	accountsURL  string
	apiURL       string
	httpClient   *http.Client
}

func NewMusicGateway(cfg *Config) *MusicGateway {
	return &MusicGateway{
		clientID:     cfg.musicClientID,
		clientSecret: cfg.musicClientSecret,
		redirectURI:  cfg.musicRedirectURI,
		accountsURL:  strings.TrimSuffix(cfg.musicAccountsURL, "/"),
		apiURL:       strings.TrimSuffix(cfg.musicAPIURL, "/"),
		httpClient:   &http.Client{Timeout: musicRequestTimeout},
	}
}

func (g *MusicGateway) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     g.clientID,
		ClientSecret: g.clientSecret,
		RedirectURL:  g.redirectURI,
		Scopes:       musicScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  g.accountsURL + "/authorize",
			TokenURL: g.accountsURL + "/api/token",
		},
	}
}

// AuthURL builds the redirect target for GET /api/music/auth.
func (g *MusicGateway) AuthURL(state string) string {
	return g.oauthConfig().AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens and then resolves the
// authenticating user's id with a follow-up CurrentUser request.
func (g *MusicGateway) Exchange(ctx context.Context, code string) (*MusicAuth, error) {
	tok, err := g.oauthConfig().Exchange(ctx, code)
	if err != nil {
		return nil, &GatewayError{Err: err}
	}

	auth := &MusicAuth{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}

	userID, err := g.CurrentUser(ctx, auth)
	if err != nil {
		return nil, err
	}
	auth.UserID = userID

	return auth, nil
}

// refresh exchanges a refresh token for a new access token, retaining the
// prior refresh token when the response omits one and carrying the user id
// forward unchanged.
func (g *MusicGateway) refresh(ctx context.Context, auth *MusicAuth) (*MusicAuth, error) {
	src := g.oauthConfig().TokenSource(ctx, &oauth2.Token{RefreshToken: auth.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, &GatewayError{Err: err}
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = auth.RefreshToken
	}

	return &MusicAuth{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    tok.Expiry,
		UserID:       auth.UserID,
	}, nil
}

// ensureValidToken refreshes auth if it expires within the refresh window,
// otherwise returns it unchanged.
func (g *MusicGateway) ensureValidToken(ctx context.Context, auth *MusicAuth) (*MusicAuth, error) {
	if time.Until(auth.ExpiresAt) > tokenRefreshWindow {
		return auth, nil
	}
	return g.refresh(ctx, auth)
}

// RateLimitError is returned when the music service answers 429; callers can
// surface RetryAfter to the client instead of a bare failure.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by music service, retry after %s", e.RetryAfter)
}

// GatewayError wraps a non-2xx response from the music service. It unwraps
// to the underlying transport error when one caused the failure instead of a
// bad status code.
type GatewayError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("music gateway error: %v", e.Err)
	}
	return fmt.Sprintf("music gateway error: status %d: %s", e.StatusCode, e.Body)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func (g *MusicGateway) doJSON(ctx context.Context, method, url string, auth *MusicAuth, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+auth.AccessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		// Network faults propagate as the underlying error, unwrapped.
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Second
		if h := resp.Header.Get("Retry-After"); h != "" {
			if secs, parseErr := strconv.Atoi(h); parseErr == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitError{RetryAfter: retryAfter}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxGatewayBodySnippet))
		return &GatewayError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type currentUserResponse struct {
	ID string `json:"id"`
}

func (g *MusicGateway) CurrentUser(ctx context.Context, auth *MusicAuth) (string, error) {
	var resp currentUserResponse
	if err := g.doJSON(ctx, http.MethodGet, g.apiURL+"/me", auth, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

type playlistImage struct {
	URL string `json:"url"`
}

type playlistTracksSummary struct {
	Total int `json:"total"`
}

type playlistResponse struct {
	ID     string                `json:"id"`
	Name   string                `json:"name"`
	Images []playlistImage       `json:"images"`
	Tracks playlistTracksSummary `json:"tracks"`
}

func (g *MusicGateway) PlaylistMeta(ctx context.Context, auth *MusicAuth, playlistID string) (*PlaylistInfo, error) {
	var resp playlistResponse
	url := fmt.Sprintf("%s/playlists/%s", g.apiURL, playlistID)
	if err := g.doJSON(ctx, http.MethodGet, url, auth, &resp); err != nil {
		return nil, err
	}

	cover := ""
	if len(resp.Images) > 0 {
		cover = resp.Images[0].URL
	}

	return &PlaylistInfo{
		ID:         resp.ID,
		Name:       resp.Name,
		CoverURL:   cover,
		TrackCount: resp.Tracks.Total,
	}, nil
}

type playlistTrackArtist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type playlistTrackAlbum struct {
	Name   string          `json:"name"`
	Images []playlistImage `json:"images"`
}

type playlistTrackItem struct {
	ID         string                `json:"id"`
	URI        string                `json:"uri"`
	Name       string                `json:"name"`
	Artists    []playlistTrackArtist `json:"artists"`
	Album      playlistTrackAlbum    `json:"album"`
	DurationMs int64                 `json:"duration_ms"`
	PreviewURL string                `json:"preview_url"`
	IsLocal    bool                  `json:"is_local"`
}

type playlistItemsResponse struct {
	Items []struct {
		Track *playlistTrackItem `json:"track"`
	} `json:"items"`
}

func (g *MusicGateway) fetchTrackAtOffset(ctx context.Context, auth *MusicAuth, playlistID string, offset int) (*Track, bool, error) {
	var resp playlistItemsResponse
	url := fmt.Sprintf("%s/playlists/%s/tracks?offset=%d&limit=1", g.apiURL, playlistID, offset)
	if err := g.doJSON(ctx, http.MethodGet, url, auth, &resp); err != nil {
		return nil, false, err
	}
	if len(resp.Items) == 0 || resp.Items[0].Track == nil {
		return nil, false, nil
	}

	item := resp.Items[0].Track
	if item.IsLocal {
		return nil, true, nil
	}

	artists := make([]Artist, 0, len(item.Artists))
	for _, a := range item.Artists {
		artists = append(artists, Artist{ID: a.ID, Name: a.Name})
	}

	cover := ""
	if len(item.Album.Images) > 0 {
		cover = item.Album.Images[0].URL
	}

	return &Track{
		ID:         item.ID,
		URI:        item.URI,
		Name:       item.Name,
		Artists:    artists,
		Album:      item.Album.Name,
		CoverURL:   cover,
		DurationMs: item.DurationMs,
		PreviewURL: item.PreviewURL,
	}, false, nil
}

// RandomTrack fetches a track at a random offset within the playlist,
// retrying on local-file tracks and already-used tracks up to
// maxRandomTrackAttempts times. Returns (nil, nil) if nothing new turns up
// or the used set already covers the whole playlist.
func (g *MusicGateway) RandomTrack(ctx context.Context, auth *MusicAuth, playlistID string, totalTracks int, used map[string]bool) (*Track, error) {
	if totalTracks <= 0 || len(used) >= totalTracks {
		return nil, nil
	}

	for attempt := 0; attempt < maxRandomTrackAttempts; attempt++ {
		offset := rand.IntN(totalTracks)
		track, isLocal, err := g.fetchTrackAtOffset(ctx, auth, playlistID, offset)
		if err != nil {
			return nil, err
		}
		if track == nil || isLocal || used[track.ID] {
			continue
		}
		return track, nil
	}

	return nil, nil
}

var (
	barePlaylistIDRe = regexp.MustCompile(`^[A-Za-z0-9]{22}$`)
	urlPlaylistIDRe  = regexp.MustCompile(`playlist/([A-Za-z0-9]{22})`)
	uriPlaylistIDRe  = regexp.MustCompile(`^[a-zA-Z0-9_.-]+:playlist:([A-Za-z0-9]{22})$`)
)

// ParsePlaylistID accepts a bare id, a share URL, or a URI and returns the
// 22-character playlist id in each case.
func ParsePlaylistID(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if barePlaylistIDRe.MatchString(s) {
		return s, true
	}
	if m := urlPlaylistIDRe.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	if m := uriPlaylistIDRe.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	return "", false
}
