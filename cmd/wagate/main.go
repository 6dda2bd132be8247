package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/leadflowhq/wagate/internal/config"
	"github.com/leadflowhq/wagate/internal/media"
	"github.com/leadflowhq/wagate/internal/notify"
	"github.com/leadflowhq/wagate/internal/server"
	"github.com/leadflowhq/wagate/internal/session"
	"github.com/leadflowhq/wagate/internal/storage"
)

func main() {
	configPath := flag.String("config", "wagate.toml", "Path to config file")
	httpAddr := flag.String("http", "", "HTTP/WebSocket listen address (overrides config)")
	flag.Parse()

	// Optional .env for local development
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[Main] Failed to load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.ListenAddr = *httpAddr
	}

	db, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("[Main] Failed to open database: %v", err)
	}
	writer := storage.NewWriter(db)

	mediaStore := media.NewStore(cfg.MediaDir, cfg.PublicBaseURL)

	mqttPub := notify.NewMQTTPublisher()
	mqttPub.Configure(notify.MQTTSettings(cfg.MQTTSettings()))

	dispatcher := notify.NewDispatcher(cfg.WebhookURL, cfg.WebhookTimeout())
	dispatcher.SetMQTT(mqttPub)

	stopWatch, err := cfg.Watch(func() {
		log.Println("[Main] Config reloaded")
		mqttPub.Configure(notify.MQTTSettings(cfg.MQTTSettings()))
	})
	if err != nil {
		log.Printf("[Main] Config watcher disabled: %v", err)
	} else {
		defer stopWatch()
	}

	pacer := session.NewPacer(cfg.StartupDelay())
	registry := session.NewRegistry(session.Options{
		BaseDir:           cfg.SessionsDir,
		DedupTTL:          cfg.DedupTTL(),
		MaxCachedMessages: cfg.MaxCachedMessages,
		Sink:              dispatcher,
		Writer:            writer,
		Media:             mediaStore,
	}, pacer)
	registry.RestoreAll()

	srv := server.New(cfg.ListenAddr, registry, cfg.MediaDir)
	dispatcher.SetBroadcaster(srv.Broadcast)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("[Main] Received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Fatalf("[Main] Server error: %v", err)
	}

	srv.Stop()
	registry.CloseAll()
	mqttPub.Stop()
	log.Println("[Main] Stopped")
}
