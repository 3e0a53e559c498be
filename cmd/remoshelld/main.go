// Command remoshelld is the remote-shell daemon described in spec.md §4.11:
// it loads (or generates) this host's long-lived identity, opens the trust
// store and session manager, and accepts Noise-authenticated peer
// connections on a TCP listener while serving the local admin IPC socket
// for co-located tooling (cmd/remoshellctl).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/moukrea/remoshell-sub001/internal/adminipc"
	"github.com/moukrea/remoshell-sub001/internal/fileops"
	"github.com/moukrea/remoshell-sub001/internal/identity"
	"github.com/moukrea/remoshell-sub001/internal/ptysession"
	"github.com/moukrea/remoshell-sub001/internal/router"
	"github.com/moukrea/remoshell-sub001/internal/trust"
)

var (
	flagListenAddr      string
	flagIdentityFile    string
	flagTrustFile       string
	flagAllowPaths      string
	flagRequireApproval bool
	flagAdminSocket     string
	flagPIDFile         string
	flagHostname        string
	flagLogLevel        string
)

func defaultFromEnv(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

func main() {
	defaultIdentityFile := defaultFromEnv("REMOSHELLD_IDENTITY_FILE", filepath.Join(defaultStateDir(), "identity.key"))
	defaultTrustFile := defaultFromEnv("REMOSHELLD_TRUST_FILE", filepath.Join(defaultStateDir(), "trust.json"))

	flag.StringVar(&flagListenAddr, "listen", defaultFromEnv("REMOSHELLD_LISTEN", ":4717"), "address to accept peer connections on (env: REMOSHELLD_LISTEN)")
	flag.StringVar(&flagIdentityFile, "identity-file", defaultIdentityFile, "path to the persisted device identity secret key (env: REMOSHELLD_IDENTITY_FILE)")
	flag.StringVar(&flagTrustFile, "trust-file", defaultTrustFile, "path to the persisted trust store (env: REMOSHELLD_TRUST_FILE)")
	flag.StringVar(&flagAllowPaths, "allow-paths", defaultFromEnv("REMOSHELLD_ALLOW_PATHS", ""), "comma-separated list of directories file operations may touch (env: REMOSHELLD_ALLOW_PATHS)")
	flag.BoolVar(&flagRequireApproval, "require-approval", defaultFromEnv("REMOSHELLD_REQUIRE_APPROVAL", "true") == "true", "queue unknown devices for approval instead of rejecting them outright (env: REMOSHELLD_REQUIRE_APPROVAL)")
	flag.StringVar(&flagAdminSocket, "admin-socket", defaultFromEnv("REMOSHELLD_ADMIN_SOCKET", adminipc.SocketPath()), "path to the admin IPC unix socket (env: REMOSHELLD_ADMIN_SOCKET)")
	flag.StringVar(&flagPIDFile, "pid-file", defaultFromEnv("REMOSHELLD_PID_FILE", adminipc.PIDFilePath()), "accepted but not used: the daemon PID file is always written at the XDG data-home location (env: REMOSHELLD_PID_FILE)")
	flag.StringVar(&flagHostname, "hostname", defaultFromEnv("REMOSHELLD_HOSTNAME", hostnameOrUnknown()), "hostname reported to peers (env: REMOSHELLD_HOSTNAME)")
	flag.StringVar(&flagLogLevel, "log-level", defaultFromEnv("REMOSHELLD_LOG_LEVEL", "info"), "zerolog level: debug, info, warn, error (env: REMOSHELLD_LOG_LEVEL)")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if lvl, err := zerolog.ParseLevel(flagLogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("[daemon] fatal error")
	}
}

func defaultStateDir() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, adminipc.AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}
	return filepath.Join(home, ".local", "share", adminipc.AppName)
}

func hostnameOrUnknown() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(flagIdentityFile), 0700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	cred, err := loadOrGenerateIdentity(flagIdentityFile)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	log.Info().Str("fingerprint", cred.Fingerprint()).Msg("[daemon] device identity ready")

	store, err := trust.Open(flagTrustFile, trust.DefaultSweepInterval)
	if err != nil {
		return fmt.Errorf("open trust store: %w", err)
	}
	defer store.Close()

	sessions := ptysession.New(ptysession.DefaultReapInterval)
	defer sessions.Shutdown()

	allow, err := fileops.NewAllowSet(splitAllowPaths(flagAllowPaths))
	if err != nil {
		return fmt.Errorf("build allow-set: %w", err)
	}

	if err := adminipc.WritePIDFile(); err != nil {
		if errors.Is(err, adminipc.ErrAlreadyRunning) {
			return err
		}
		log.Warn().Err(err).Msg("[daemon] failed to write PID file")
	}
	defer adminipc.RemovePIDFile()

	startTime := time.Now()
	adminSrv, err := adminipc.Bind(flagAdminSocket, adminipc.Handlers{
		StartTime: startTime,
		ListSessions: func() []adminipc.SessionInfo {
			infos := sessions.List()
			out := make([]adminipc.SessionInfo, 0, len(infos))
			for _, i := range infos {
				out = append(out, adminipc.SessionInfo{
					ID: i.ID, PID: i.PID, Cols: i.Cols, Rows: i.Rows,
					Running: i.Running, Subscribers: i.Subscribers,
				})
			}
			return out
		},
		KillSession: func(id string, signal int) error {
			_, err := sessions.Kill(id, uint32(signal))
			if err == nil {
				sessions.Remove(id)
			}
			return err
		},
		DeviceCount: func() int { return len(store.List()) },
		Stop:        stop,
	})
	if err != nil {
		return fmt.Errorf("bind admin socket: %w", err)
	}
	defer adminSrv.Close()
	go adminSrv.Serve()
	log.Info().Str("socket", flagAdminSocket).Msg("[daemon] admin IPC listening")

	r := router.New(router.Options{
		Credential:       cred,
		Trust:            store,
		Sessions:         sessions,
		AllowPaths:       func(string) *fileops.AllowSet { return allow },
		RequireApproval:  flagRequireApproval,
		HandshakeTimeout: router.DefaultHandshakeTimeout,
		Hostname:         flagHostname,
	})

	ln, err := net.Listen("tcp", flagListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", flagListenAddr, err)
	}
	log.Info().Str("addr", flagListenAddr).Msg("[daemon] accepting peer connections")

	serveErr := make(chan error, 1)
	go func() { serveErr <- r.Serve(ctx, ln) }()

	select {
	case <-ctx.Done():
		log.Info().Msg("[daemon] shutting down...")
		ln.Close()
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("[daemon] listener failed")
		}
	}

	log.Info().Msg("[daemon] shutdown complete")
	return nil
}

func splitAllowPaths(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadOrGenerateIdentity reads the persisted secret key at path, or
// generates and persists a new one if absent, matching the
// generate-once-then-load idiom spec.md §4.1 implies for a long-lived
// device identity.
func loadOrGenerateIdentity(path string) (*identity.Credential, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return identity.Load(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	cred, err := identity.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := os.WriteFile(path, cred.SecretKeyBytes(), 0600); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	log.Warn().Str("path", path).Msg("[daemon] generated a new device identity")
	return cred, nil
}
