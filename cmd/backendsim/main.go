// Command backendsim runs a mock logic/chat/fight backend for local
// development and end-to-end runs against the gateway.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/mrkingu/knight-hero-server-sub001/internal/backend"
	"github.com/mrkingu/knight-hero-server-sub001/internal/logging"
)

func main() {
	addr := os.Getenv("BACKEND_ADDR")
	if addr == "" {
		addr = ":9001"
	}
	serviceName := os.Getenv("BACKEND_SERVICE")
	if serviceName == "" {
		serviceName = "logic"
	}

	logger := logging.New(logging.Config{
		Level:   envOr("LOG_LEVEL", "info"),
		Format:  envOr("LOG_FORMAT", "json"),
		Service: "knight-backendsim",
	})

	svc := backend.NewService(serviceName, logger)
	srv := backend.NewServer(addr, svc, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Backend start failed")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Int64("handled", svc.Handled()).Msg("Backend shutting down")
	srv.Stop()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
