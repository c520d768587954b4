package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"courier/config"
	"courier/db"
	"courier/gateway"
	"courier/handler"
	"courier/server"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	store, err := db.Open(cfg.Store, cfg.SQLiteDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	h := handler.New(store,
		handler.WithCost(cfg.HashCost),
		handler.WithLogger(logger.With("component", "handler")),
	)

	srv := server.New(h, &server.ServerConfig{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, logger.With("component", "server"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})
	if cfg.AdminAddr != "" {
		gw := gateway.New(srv, logger.With("component", "gateway"))
		g.Go(func() error {
			return gw.ListenAndServe(ctx, cfg.AdminAddr)
		})
	}
	if cfg.ControlSocket != "" {
		g.Go(func() error {
			return startControlSocket(ctx, cfg.ControlSocket, srv, stop, logger)
		})
	}

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// startControlSocket serves "stats" and "shutdown" commands on a unix
// socket until ctx is done.
func startControlSocket(ctx context.Context, path string, srv *server.Server, shutdown func(), logger *slog.Logger) error {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		logger.Warn("control socket unavailable", "path", path, "err", err)
		return nil
	}
	defer os.Remove(path)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	logger.Info("control socket listening", "path", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}
		go handleControlCommand(srv, conn, shutdown, logger)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn, shutdown func(), logger *slog.Logger) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	switch strings.TrimSpace(line) {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		logger.Info("shutdown requested over control socket")
		shutdown()

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
