package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestGateway(t *testing.T, mux *http.ServeMux) (*MusicGateway, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &MusicGateway{
		clientID:     "client-id",
		clientSecret: "client-secret",
		redirectURI:  "http://localhost/callback",
		accountsURL:  srv.URL,
		apiURL:       srv.URL,
		httpClient:   srv.Client(),
	}, srv
}

func TestCurrentUser(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-token" {
			t.Errorf("unexpected Authorization header: %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"user-123"}`))
	})

	gw, _ := newTestGateway(t, mux)
	userID, err := gw.CurrentUser(context.Background(), &MusicAuth{AccessToken: "access-token"})
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("userID = %q, want %q", userID, "user-123")
	}
}

func TestCurrentUserRateLimited(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	gw, _ := newTestGateway(t, mux)
	_, err := gw.CurrentUser(context.Background(), &MusicAuth{AccessToken: "x"})
	if err == nil {
		t.Fatal("expected rate limit error")
	}
	rle, ok := err.(*RateLimitError)
	if !ok {
		t.Fatalf("expected *RateLimitError, got %T", err)
	}
	if rle.RetryAfter != 2*time.Second {
		t.Fatalf("RetryAfter = %v, want 2s", rle.RetryAfter)
	}
}

func TestCurrentUserGatewayError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	})

	gw, _ := newTestGateway(t, mux)
	_, err := gw.CurrentUser(context.Background(), &MusicAuth{AccessToken: "x"})
	if err == nil {
		t.Fatal("expected gateway error")
	}
	ge, ok := err.(*GatewayError)
	if !ok {
		t.Fatalf("expected *GatewayError, got %T", err)
	}
	if ge.StatusCode != http.StatusForbidden {
		t.Fatalf("StatusCode = %d, want %d", ge.StatusCode, http.StatusForbidden)
	}
}

func TestPlaylistMeta(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/playlists/abc123", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"abc123","name":"Road Trip","images":[{"url":"http://cover"}],"tracks":{"total":42}}`))
	})

	gw, _ := newTestGateway(t, mux)
	info, err := gw.PlaylistMeta(context.Background(), &MusicAuth{AccessToken: "x"}, "abc123")
	if err != nil {
		t.Fatalf("PlaylistMeta: %v", err)
	}
	if info.Name != "Road Trip" || info.TrackCount != 42 || info.CoverURL != "http://cover" {
		t.Fatalf("unexpected playlist info: %+v", info)
	}
}

func TestRandomTrackSkipsLocal(t *testing.T) {
	// Only offset 1 ever returns a usable track; offset 0 is local-only.
	// With maxRandomTrackAttempts retries the odds of never landing on
	// offset 1 are negligible, so this is deterministic in practice.
	mux := http.NewServeMux()
	mux.HandleFunc("/playlists/abc123/tracks", func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		w.Header().Set("Content-Type", "application/json")
		switch offset {
		case "0":
			w.Write([]byte(`{"items":[{"track":{"id":"local-1","is_local":true}}]}`))
		default:
			w.Write([]byte(`{"items":[{"track":{"id":"fresh-1","uri":"spotify:track:fresh-1","name":"Fresh","artists":[{"id":"a1","name":"Artist"}]}}]}`))
		}
	})

	gw, _ := newTestGateway(t, mux)

	track, err := gw.RandomTrack(context.Background(), &MusicAuth{AccessToken: "x"}, "abc123", 2, map[string]bool{})
	if err != nil {
		t.Fatalf("RandomTrack: %v", err)
	}
	if track == nil {
		t.Fatal("expected a track, got nil after retries")
	}
	if track.ID == "local-1" {
		t.Fatalf("RandomTrack returned the local-only track: %+v", track)
	}
}

func TestRandomTrackExhausted(t *testing.T) {
	gw, _ := newTestGateway(t, http.NewServeMux())
	used := map[string]bool{"a": true, "b": true}

	track, err := gw.RandomTrack(context.Background(), &MusicAuth{AccessToken: "x"}, "abc123", 2, used)
	if err != nil {
		t.Fatalf("RandomTrack: %v", err)
	}
	if track != nil {
		t.Fatalf("expected nil track when used set covers the whole playlist, got %+v", track)
	}
}

func TestEnsureValidTokenSkipsRefreshWhenFresh(t *testing.T) {
	gw, _ := newTestGateway(t, http.NewServeMux())
	auth := &MusicAuth{AccessToken: "still-good", ExpiresAt: time.Now().Add(time.Hour)}

	got, err := gw.ensureValidToken(context.Background(), auth)
	if err != nil {
		t.Fatalf("ensureValidToken: %v", err)
	}
	if got != auth {
		t.Fatal("expected the same auth pointer when token is not near expiry")
	}
}

func TestParsePlaylistID(t *testing.T) {
	const id = "37i9dQZF1DXcBWIGoYBM5M"

	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{id, id, true},
		{"https://open.spotify.com/playlist/" + id + "?si=abc", id, true},
		{"spotify:playlist:" + id, id, true},
		{"not-a-valid-id", "", false},
		{"", "", false},
	}

	for _, c := range cases {
		got, ok := ParsePlaylistID(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("ParsePlaylistID(%q) = (%q, %v), want (%q, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}
