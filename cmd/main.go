package main

import (
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/drillhub/internal/config"
	"github.com/drillhub/internal/server"
)

func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		log.Fatal("CONFIG_PATH not set")
	}

	var c server.Config
	if err := config.Load(path, &c); err != nil {
		log.Fatalf("Load config %q failed: %v", path, err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

	s, err := server.Init(c)
	if err != nil {
		log.Fatalf("Init server failed: %v", err)
	}

	go s.Start()
	slog.Info("drillhub started", "config", path)

	<-shutdown
	s.Shutdown()
}
