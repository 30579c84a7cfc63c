/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const (
	logDate string        = `2006-01-02T15:04:05.000-07:00`
	timeout time.Duration = 10 * time.Second
)

func securityHeaders(cfg *Config, w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if cfg.scheme() == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

func realIP(r *http.Request) string {
	host, port, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

func serveVersion(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		_, err := w.Write([]byte("musicroom v" + releaseVersion + "\n"))
		if err != nil {
			logf(cfg, "SERVE: failed writing version response to %s: %v", realIP(r), err)
			return
		}

		logf(cfg, "SERVE: version page to %s in %s", realIP(r), time.Since(startTime).Round(time.Microsecond))
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Rooms   int    `json:"rooms"`
	Players int    `json:"players"`
}

func serveHealthCheck(cfg *Config, registry *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		stats := registry.Stats()

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok", Rooms: stats.Rooms, Players: stats.Players})
	}
}

// serveRoomQR renders a PNG QR code pointing at a room's join URL, the same
// "share this code" convenience the teacher's celebrity game exposes.
func serveRoomQR(cfg *Config, registry *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := strings.ToUpper(ps.ByName("code"))

		if _, ok := registry.GetRoom(code); !ok {
			http.NotFound(w, r)
			return
		}

		png, err := qrcode.Encode(cfg.baseURL()+"/room/"+code, qrcode.Medium, 320)
		if err != nil {
			logf(cfg, "SERVE: QR generation failed for room %s: %v", code, err)
			http.Error(w, "failed to generate QR code", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		securityHeaders(cfg, w)
		_, _ = w.Write(png)
	}
}

func ServePage(ctx context.Context, cfg *Config, args []string) error {
	var err error

	timeZone := os.Getenv("TZ")
	if timeZone != "" {
		time.Local, err = time.LoadLocation(timeZone)
		if err != nil {
			return err
		}
	}

	logf(cfg, "START: musicroom v%s", releaseVersion)

	registry := NewRegistry(cfg)
	registry.StartSweeper(cfg.sweepInterval)

	gateway := NewMusicGateway(cfg)
	dispatcher := NewDispatcher(cfg, registry, gateway)

	mux := httprouter.New()

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           mux,
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		// WriteTimeout is left at zero: the websocket endpoint holds
		// connections open for the life of a game, far past any fixed
		// request deadline.
	}

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)

		_, _ = io.WriteString(w, newPage("Server Error", "An error has occurred. Please try again."))
	}

	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	mux.GET(cfg.prefix+"/health", serveHealthCheck(cfg, registry))
	mux.GET(cfg.prefix+"/version", serveVersion(cfg))

	mux.GET(cfg.prefix+"/ws", dispatcher.ServeWS)

	mux.GET(cfg.prefix+"/api/room/:code/qr", serveRoomQR(cfg, registry))

	mux.GET(cfg.prefix+"/api/music/auth", dispatcher.serveMusicAuth())
	mux.GET(cfg.prefix+"/api/music/callback", dispatcher.serveMusicCallback())
	mux.POST(cfg.prefix+"/api/music/refresh", dispatcher.serveMusicRefresh())

	go func() {
		var err error
		if cfg.tlsKey != "" && cfg.tlsCert != "" {
			logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)
			err = srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
		} else {
			logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("%s | ERROR: %v\n", time.Now().Format(logDate), err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	return nil
}
