/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind    string
	port    int
	prefix  string
	tlsCert string
	tlsKey  string
	verbose bool
	version bool

	roomTimeout   time.Duration
	sweepInterval time.Duration

	musicClientID     string
	musicClientSecret string
	musicRedirectURI  string
	musicAccountsURL  string
	musicAPIURL       string
	serverURL         string

	// baseURL *url.URL
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.musicClientID == "" || c.musicClientSecret == "" {
		return errors.New("--music-client-id and --music-client-secret are required")
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func (c *Config) baseURL() string {
	if c.serverURL != "" {
		return strings.TrimSuffix(c.serverURL, "/")
	}
	return c.scheme() + "://" + c.bind
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("MUSICROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "musicroom...",
		Short:         "Authoritative real-time server for a music-guessing elimination party game.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: MUSICROOM_BIND)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: MUSICROOM_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: MUSICROOM_PREFIX)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: MUSICROOM_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: MUSICROOM_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: MUSICROOM_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: MUSICROOM_VERSION)")

	fs.DurationVar(&cfg.roomTimeout, "room-timeout", staleRoomAge, "age before an idle room with no connected players is swept (env: MUSICROOM_ROOM_TIMEOUT)")
	fs.DurationVar(&cfg.sweepInterval, "sweep-interval", time.Hour, "how often the stale-room sweeper runs (env: MUSICROOM_SWEEP_INTERVAL)")

	fs.StringVar(&cfg.musicClientID, "music-client-id", "", "OAuth client id for the external music service (env: MUSICROOM_MUSIC_CLIENT_ID)")
	fs.StringVar(&cfg.musicClientSecret, "music-client-secret", "", "OAuth client secret for the external music service (env: MUSICROOM_MUSIC_CLIENT_SECRET)")
	fs.StringVar(&cfg.musicRedirectURI, "music-redirect-uri", "", "OAuth redirect URI registered with the external music service (env: MUSICROOM_MUSIC_REDIRECT_URI)")
	fs.StringVar(&cfg.musicAccountsURL, "music-accounts-url", defaultAccountsURL, "base URL of the music service's accounts/authorization host (env: MUSICROOM_MUSIC_ACCOUNTS_URL)")
	fs.StringVar(&cfg.musicAPIURL, "music-api-url", defaultAPIURL, "base URL of the music service's API host (env: MUSICROOM_MUSIC_API_URL)")
	fs.StringVar(&cfg.serverURL, "server-url", "", "externally visible base URL of this server, used for OAuth redirects and QR codes (env: MUSICROOM_SERVER_URL)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("musicroom v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
