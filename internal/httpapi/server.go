// Package httpapi is the thin HTTP/SSE adapter over internal/bitboard: it
// translates requests into calls against the core package's exported
// interface and never reaches into a Chunk or Segment directly.
package httpapi

import (
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/onemillionboard/board/internal/bitboard"
)

// Server holds the dependencies shared by every handler.
type Server struct {
	bm     *bitboard.SharedBitmap
	logger *zap.SugaredLogger
	mux    *http.ServeMux

	stopOnce sync.Once
	stopping chan struct{}
}

// NewServer builds the HTTP handler for the board.
func NewServer(bm *bitboard.SharedBitmap, logger *zap.SugaredLogger) *Server {
	s := &Server{
		bm:       bm,
		logger:   logger,
		stopping: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /updates", s.handleUpdates)
	mux.HandleFunc("POST /toggle/{idx}", s.handleToggle)
	mux.HandleFunc("POST /set_byte/{idx}/{value}", s.handleSetByte)
	mux.HandleFunc("GET /image.png", s.handleImage)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux = mux

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Stopping returns a channel closed once Stop has run, so in-flight SSE
// handlers can observe the process-wide shutdown flag and end their
// streams cleanly instead of being cut off mid-write.
func (s *Server) Stopping() <-chan struct{} {
	return s.stopping
}

// Stop signals every in-flight SSE handler to terminate its stream. Safe
// to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopping)
	})
}
