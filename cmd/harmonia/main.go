package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/nix-community/harmonia-sub001/config"
	"github.com/nix-community/harmonia-sub001/daemon"
	"github.com/nix-community/harmonia-sub001/downloadcounter"
	"github.com/nix-community/harmonia-sub001/kvstore"
	"github.com/nix-community/harmonia-sub001/metrics"
	"github.com/nix-community/harmonia-sub001/routes"
	"github.com/nix-community/harmonia-sub001/store"
	"github.com/nix-community/harmonia-sub001/storedb"
)

var Version = "dev"

const appName = "harmonia"

type Globals struct {
	Verbose bool `help:"Enable debug logging" short:"v"`
}

type CLI struct {
	Globals
	Serve   ServeCmd   `cmd:"" help:"Start the binary cache server"`
	Daemon  DaemonCmd  `cmd:"" help:"Start the store daemon"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

type VersionCmd struct{}

func (cmd *VersionCmd) Run(globals *Globals) error {
	fmt.Printf("%s", Version)
	return nil
}

func newLogger(globals *Globals) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if globals.Verbose {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

type ServeCmd struct {
	CounterPath string `help:"Path to the download counter database (empty disables counting)" env:"HARMONIA_COUNTER_PATH"`
}

func (cmd *ServeCmd) Run(globals *Globals) error {
	log := newLogger(globals)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Workers > 0 {
		runtime.GOMAXPROCS(cfg.Workers)
	}

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}

	st := store.New(cfg.VirtualNixStore, cfg.RealNixStore)
	client := daemon.NewClient(cfg.DaemonSocket, daemon.DefaultPoolConfig(), log)
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var downloads chan downloadcounter.DownloadEvent
	if cmd.CounterPath != "" {
		kv, closer, err := kvstore.New(ctx, fmt.Sprintf("file:%s?mode=rwc", cmd.CounterPath))
		if err != nil {
			return fmt.Errorf("failed to open download counter store: %w", err)
		}
		defer closer()
		var shutdownCounter func()
		downloads, shutdownCounter = downloadcounter.NewBufferedCounter(ctx, log, kv, m, 1024)
		defer shutdownCounter()
	}

	handler := routes.New(log, client, st, cfg.Keys, routes.Config{
		Name:     appName,
		Version:  Version,
		Priority: cfg.Priority,
		LogDir:   cfg.LogDir(),
	}, downloads, m)

	listener, err := listen(cfg.Bind)
	if err != nil {
		return err
	}
	if cfg.MaxConnectionRate > 0 {
		listener = netutil.LimitListener(listener, cfg.MaxConnectionRate)
	}

	server := &http.Server{Handler: handler}
	for _, key := range cfg.Keys {
		log.Info("loaded signing key", slog.String("publicKey", key.PublicKey()))
	}
	log.Info("starting binary cache server",
		slog.String("bind", cfg.Bind),
		slog.String("virtualStore", st.VirtualDir()),
		slog.String("realStore", st.RealDir()),
		slog.String("daemonSocket", cfg.DaemonSocket))

	var g errgroup.Group
	g.Go(func() error {
		var err error
		if cfg.TLSCertPath != "" {
			err = server.ServeTLS(listener, cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = server.Serve(listener)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func listen(bind string) (net.Listener, error) {
	if socketPath, ok := strings.CutPrefix(bind, "unix:"); ok {
		_ = os.Remove(socketPath)
		return net.Listen("unix", socketPath)
	}
	return net.Listen("tcp", bind)
}

type DaemonCmd struct {
	Socket   string `help:"Path to the daemon socket" default:"/nix/var/nix/daemon-socket/socket" env:"HARMONIA_DAEMON_SOCKET"`
	StoreDir string `help:"Nix store directory" default:"/nix/store" env:"NIX_STORE_DIR"`
	DBPath   string `help:"Path to the store database" default:"/nix/var/nix/db/db.sqlite" env:"HARMONIA_DB_PATH"`
}

func (cmd *DaemonCmd) Run(globals *Globals) error {
	log := newLogger(globals)

	db, err := storedb.Open(cmd.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := os.MkdirAll(filepath.Dir(cmd.Socket), 0o755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	server := daemon.NewServer(daemon.NewStoreHandler(cmd.StoreDir, db), log)
	if err := server.Listen(cmd.Socket); err != nil {
		return err
	}
	log.Info("daemon listening", slog.String("socket", cmd.Socket), slog.String("storeDir", cmd.StoreDir))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var g errgroup.Group
	g.Go(server.Serve)
	g.Go(func() error {
		<-ctx.Done()
		server.Shutdown()
		return nil
	})
	return g.Wait()
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name(appName),
		kong.Description("A Nix binary cache server"),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}
