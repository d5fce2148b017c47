package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/linechat/internal/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run loads configuration, starts the chat listener and the optional
// WebSocket gateway, and blocks until SIGINT or SIGTERM.
func run(args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	envFile := fs.String("env", ".env", "dotenv file to load before reading the environment")
	addr := fs.String("addr", "", "listen address, overrides CHAT_ADDRESS")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := server.LoadConfig(*envFile)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Address = *addr
	}
	log := server.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	chat := server.NewChatServer(cfg, log)
	if err := chat.Start(cfg.Address); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var httpServer *http.Server
	gatewayErr := make(chan error, 1)
	if cfg.WebSocketAddress != "" {
		httpServer = server.CreateServer(cfg.WebSocketAddress, server.SetupRoutes(server.NewGateway(chat, log)))
		go func() { gatewayErr <- server.StartServer(httpServer, log) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case runErr = <-gatewayErr:
		if runErr != nil {
			runErr = fmt.Errorf("gateway: %w", runErr)
		}
	}

	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if httpServer != nil {
		if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log); err != nil {
			errs = append(errs, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := chat.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
