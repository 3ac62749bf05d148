// Command boardd serves the shared board: a memory-mapped bit array
// mutated over HTTP and observed in real time over Server-Sent Events.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/onemillionboard/board/internal/bitboard"
	"github.com/onemillionboard/board/internal/config"
	"github.com/onemillionboard/board/internal/fs"
	"github.com/onemillionboard/board/internal/httpapi"
)

const shutdownDrain = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "boardd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := newLogger(cfg.Dev)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	sugar := logger.Sugar()

	// A second instance pointed at the same bitmap file fails fast here
	// rather than corrupting the aggregate counters silently: the
	// concurrency model in internal/bitboard assumes a single owning
	// process.
	realFS := fs.NewReal()

	lock, err := realFS.Lock(cfg.BitmapPath)
	if err != nil {
		return fmt.Errorf("acquiring exclusive lock on %s: %w", cfg.BitmapPath, err)
	}
	defer lock.Close() //nolint:errcheck

	mutationLog, err := bitboard.OpenLog(cfg.LogPath, sugar)
	if err != nil {
		return fmt.Errorf("opening mutation log: %w", err)
	}

	bm, err := bitboard.Open(cfg.BitmapPath, bitboard.Options{
		TotalBits: cfg.TotalBits,
		Logger:    sugar,
		Log:       mutationLog,
	})
	if err != nil {
		return fmt.Errorf("opening board: %w", err)
	}
	defer bm.Close() //nolint:errcheck

	server := httpapi.NewServer(bm, sugar)

	ln, err := listener(cfg.ListenPort)
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}

	httpServer := &http.Server{Handler: server}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()

	sugar.Infow("board server started", "port", cfg.ListenPort, "total_bits", cfg.TotalBits, "bitmap", cfg.BitmapPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-serveErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve: %w", err)
			}

			return nil

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				sugar.Infow("reopening mutation log")

				if err := mutationLog.Reopen(); err != nil {
					sugar.Warnw("mutation log reopen failed", "error", err)
				}

			default:
				sugar.Infow("shutting down", "signal", sig.String())
				server.Stop()

				ctx, cancel := context.WithTimeout(context.Background(), shutdownDrain)
				shutdownErr := httpServer.Shutdown(ctx)
				cancel()

				if shutdownErr != nil {
					sugar.Warnw("graceful shutdown did not complete in time", "error", shutdownErr)
				}

				return nil
			}
		}
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}

// listenFDsEnv is the systemd-style socket-activation convention: when
// set, fd 3 is an already-bound, already-listening socket inherited from
// the parent process, and takes priority over binding a fresh port.
const listenFDsEnv = "LISTEN_FDS"

func listener(port int) (net.Listener, error) {
	if v := os.Getenv(listenFDsEnv); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 {
			f := os.NewFile(uintptr(3), "listen-fd")

			ln, err := net.FileListener(f)
			if err != nil {
				return nil, fmt.Errorf("inherited listener fd 3: %w", err)
			}

			return ln, nil
		}
	}

	return net.Listen("tcp", ":"+strconv.Itoa(port))
}
