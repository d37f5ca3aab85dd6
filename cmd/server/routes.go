package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"hls-restreamer/internal/channel"
	"hls-restreamer/internal/platform/logger"
	"hls-restreamer/internal/platform/metrics"
	"hls-restreamer/internal/realtime"
	"hls-restreamer/internal/relay"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

type app struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	channels *channel.Registry
	relay    *relay.Manager
	hub      *realtime.Hub
	handler  *realtime.Handler
	auth     realtime.Authenticator
	hlsRoot  string

	corsOrigins []string
	rateLimit   int
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(a.log))
	r.Use(metrics.RequestMiddleware(a.metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		a.metrics.Handler(func() {
			a.metrics.SetCatalogChannels(a.channels.Len())
			a.metrics.SetRealtimeClients(a.hub.ClientCount())
		}).ServeHTTP(w, r)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.limit())
		r.Handle("/ws", realtime.NewServer(a.hub, a.handler, a.auth, a.log))
	})
	r.Group(func(r chi.Router) {
		r.Use(a.limit())
		r.Use(realtime.RequireAuth(a.auth))
		r.Get("/status", a.status)
		r.Get("/channels", a.listChannels)
		r.Get("/channels/{id}", a.getChannel)
	})

	r.Handle("/hls/*", http.StripPrefix("/hls/", hlsFileServer(a.hlsRoot)))
	return r
}

// limit throttles per client IP. Players polling /hls are not limited.
func (a *app) limit() func(http.Handler) http.Handler {
	if a.rateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.LimitByIP(a.rateLimit, time.Minute)
}

func (a *app) status(w http.ResponseWriter, r *http.Request) {
	identity, _ := realtime.IdentityFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"user":                   identity.Username,
		"admin":                  identity.Admin,
		"selectionRequiresAdmin": a.handler.SelectionRequiresAdmin(),
		"relay":                  a.relay.Status(),
		"clients":                a.hub.ClientCount(),
		"channels":               a.channels.Len(),
	})
}

// listChannels handles GET /channels?playlistName=&group=.
func (a *app) listChannels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, a.channels.Filter(channel.Filter{
		PlaylistName: q.Get("playlistName"),
		Group:        q.Get("group"),
	}))
}

func (a *app) getChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.channels.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, realtime.ErrorPayload{Message: channel.ErrNotFound.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// hlsFileServer serves relay output. Playlists must not be cached; segments
// are immutable once listed.
func hlsFileServer(root string) http.Handler {
	fs := http.FileServer(http.Dir(root))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ".m3u8"):
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			w.Header().Set("Cache-Control", "no-cache")
		case strings.HasSuffix(r.URL.Path, ".ts"):
			w.Header().Set("Content-Type", "video/mp2t")
		}
		fs.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
