// Package gateway is the HTTP side of the server: health and stats
// endpoints for operators and a WebSocket bridge that carries the regular
// client protocol inside WebSocket messages.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"courier/server"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

type Gateway struct {
	srv      *server.Server
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func New(srv *server.Server, logger *slog.Logger) *Gateway {
	return &Gateway{
		srv: srv,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", g.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/ws", g.handleWebSocket).Methods(http.MethodGet)
	return r
}

// ListenAndServe serves the router on addr until ctx is done.
func (g *Gateway) ListenAndServe(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           g.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.log.Info("admin listening", "addr", addr)
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "OK")
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := g.srv.Stats()
	if err != nil {
		g.log.Error("stats", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("websocket upgrade", "err", err)
		return
	}
	g.srv.HandleConn(newWSStream(conn), "ws:"+r.RemoteAddr)
}
