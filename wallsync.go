// Package wallsync hosts shared drawing walls: ephemeral sessions addressed
// by short codes, live relay of strokes between members, and bounded JSON
// snapshots of walls persisted to a catalog on disk.
package wallsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/wallsync/wallsync/internal"
	"github.com/wallsync/wallsync/persist"
	"github.com/wallsync/wallsync/transport"
	"github.com/wallsync/wallsync/wall"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Version is the commit this server was built from, set at link time.
var Version string

type Opts struct {
	BindAddr string
	// DataDir is where snapshot files live.
	DataDir string
	// GracePeriod before an empty wall is evicted; 0 means the default (1h).
	GracePeriod time.Duration
	Debug       bool

	SentryDSN    string
	OTLPURL      string
	OTLPUsername string
	OTLPPassword string
}

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// Setup wires the engine: registry, snapshot store, hub and event handler.
// The returned handler's Run loop is not started.
func Setup(opts Opts) (*wall.Handler, *transport.Hub, *persist.Store) {
	if opts.Debug {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	pool := internal.NewWorkerPool(2)
	pool.Start()
	store := persist.NewStore(opts.DataDir, pool)
	reg := wall.NewRegistry(opts.GracePeriod)
	hub := transport.NewHub()
	h := wall.NewHandler(reg, store, hub)

	numSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wallsync",
		Subsystem: "wall",
		Name:      "num_live_sessions",
		Help:      "Number of live wall sessions",
	})
	strokesRelayed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wallsync",
		Subsystem: "wall",
		Name:      "num_strokes_relayed",
		Help:      "Number of stroke events relayed to wall members",
	})
	savesOK := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wallsync",
		Subsystem: "persist",
		Name:      "num_saves_ok",
		Help:      "Number of snapshots saved",
	})
	savesFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wallsync",
		Subsystem: "persist",
		Name:      "num_saves_failed",
		Help:      "Number of snapshot saves that failed",
	})
	prometheus.MustRegister(numSessions, strokesRelayed, savesOK, savesFailed)
	reg.SetMetrics(numSessions)
	h.Relay().SetMetrics(strokesRelayed)
	store.Writer().SetMetrics(savesOK, savesFailed)

	return h, hub, store
}

// RunWallsyncServer is the main entry point to the server.
func RunWallsyncServer(opts Opts) {
	if opts.SentryDSN != "" {
		logger.Info().Msg("initialising sentry")
		if err := sentry.Init(sentry.ClientOptions{Dsn: opts.SentryDSN, Release: Version}); err != nil {
			logger.Fatal().Err(err).Msg("failed to initialise sentry")
		}
	}
	if opts.OTLPURL != "" {
		logger.Info().Str("otlp", opts.OTLPURL).Msg("configuring OTLP tracing")
		if err := internal.ConfigureOTLP(opts.OTLPURL, opts.OTLPUsername, opts.OTLPPassword, Version); err != nil {
			logger.Fatal().Err(err).Msg("failed to configure OTLP")
		}
	}

	h, hub, store := Setup(opts)
	go h.Run(context.Background())

	// HTTP path routing
	r := mux.NewRouter()
	r.Handle("/ws", transport.ServeWS(hub, h))
	r.Handle("/api/walls", allowCORS(listWallsHandler(store))).Methods("GET")
	r.Handle("/api/walls/{id}", allowCORS(getWallHandler(store))).Methods("GET")
	r.Handle("/api/walls/{id}/thumbnail", allowCORS(thumbnailHandler(store))).Methods("GET")
	r.Handle("/metrics", promhttp.Handler())

	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				if r.URL.Path == "/metrics" {
					return
				}
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: r,
	}

	// Block forever
	logger.Info().Msgf("listening on %s", opts.BindAddr)
	if err := http.ListenAndServe(opts.BindAddr, srv); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}

func listWallsHandler(store *persist.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		metas := store.List(req.Context())
		respondJSON(w, 200, struct {
			Success   bool           `json:"success"`
			Snapshots []persist.Meta `json:"snapshots"`
		}{true, metas})
	}
}

func getWallHandler(store *persist.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]
		full := req.URL.Query().Get("full") == "1"
		snap, meta, err := store.Get(req.Context(), id, full)
		if errors.Is(err, persist.ErrNotFound) {
			respondError(w, 404, "Wall not found")
			return
		} else if err != nil {
			respondError(w, 500, "Server error")
			return
		}
		var snapshot interface{} = meta
		if snap != nil {
			snapshot = snap
		}
		respondJSON(w, 200, struct {
			Success  bool        `json:"success"`
			Snapshot interface{} `json:"snapshot"`
		}{true, snapshot})
	}
}

func thumbnailHandler(store *persist.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]
		img, err := store.Thumbnail(req.Context(), id)
		if errors.Is(err, persist.ErrNotFound) {
			respondError(w, 404, "Thumbnail not found")
			return
		} else if err != nil {
			respondError(w, 500, "Server error")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(200)
		w.Write(img)
	}
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	b, err := json.Marshal(body)
	if err != nil {
		respondError(w, 500, "Server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	herr := internal.HandlerError{StatusCode: status, Err: errors.New(msg)}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(herr.JSON())
}
