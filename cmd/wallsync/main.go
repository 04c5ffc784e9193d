package main

import (
	"flag"
	"os"
	"time"

	wallsync "github.com/wallsync/wallsync"
)

var (
	flagBindAddr = flag.String("port", ":8008", "Bind address")
	flagDataDir  = flag.String("data", "./data/walls", "Directory for saved wall snapshots")
	flagGrace    = flag.Duration("grace", time.Hour, "How long an empty wall survives before eviction")
	flagDebug    = flag.Bool("debug", false, "Enable trace logging")
)

// env overrides, mostly for container deployments where flags are awkward
func envOr(name, val string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return val
}

func main() {
	flag.Parse()
	wallsync.RunWallsyncServer(wallsync.Opts{
		BindAddr:     envOr("WALLSYNC_BIND_ADDR", *flagBindAddr),
		DataDir:      envOr("WALLSYNC_DATA_DIR", *flagDataDir),
		GracePeriod:  *flagGrace,
		Debug:        *flagDebug || os.Getenv("WALLSYNC_DEBUG") == "1",
		SentryDSN:    os.Getenv("WALLSYNC_SENTRY_DSN"),
		OTLPURL:      os.Getenv("WALLSYNC_OTLP_URL"),
		OTLPUsername: os.Getenv("WALLSYNC_OTLP_USERNAME"),
		OTLPPassword: os.Getenv("WALLSYNC_OTLP_PASSWORD"),
	})
}
