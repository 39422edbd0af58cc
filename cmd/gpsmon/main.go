package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/shaunagostinho/nexstar-gpsmon/internal/gps"
	"github.com/shaunagostinho/nexstar-gpsmon/internal/logger"
	"github.com/shaunagostinho/nexstar-gpsmon/internal/mount"
	"github.com/shaunagostinho/nexstar-gpsmon/internal/server"
	"github.com/shaunagostinho/nexstar-gpsmon/web"
)

func main() {
	configPath := flag.String("config", server.DefaultPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated hand controller and GPS")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	boot, err := logger.New(logger.Config{})
	if err != nil {
		panic(err)
	}

	// Load config
	cfg := server.LoadConfig(*configPath, boot)

	if *demo {
		cfg.GPS.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		boot.Fatal("logger setup failed", zap.Error(err))
	}
	defer log.Sync()
	log.Info("gpsmon starting", zap.String("source", cfg.GPS.Type), zap.String("config", *configPath))

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", zap.Stringer("signal", sig))
		cancel()
	}()

	// Hand controller link and GPS device
	link, device, err := newDevice(cfg.GPS, log)
	if err != nil {
		log.Fatal("gps setup failed", zap.Error(err))
	}

	mnt := mount.New(link)

	mon, err := gps.New(cfg.MonitorSettings(log), device, mnt)
	if err != nil {
		log.Fatal("monitor setup failed", zap.Error(err))
	}

	journal := logger.NewJournal(cfg.Journal, log)
	defer journal.Close()
	detach := journal.Attach(mon)
	defer detach()

	// Connect in the background; the API is up regardless
	if link != nil {
		go func() {
			if !connectWithRetry(ctx, log, link, 10) {
				return
			}
			if cfg.Monitor.AutoStart {
				mon.Start(ctx)
			}
			supervise(ctx, log, mon, link)
		}()
	}

	srv := server.New(cfg, mon, mnt, journal, web.FS, log)
	if err := srv.Run(ctx); err != nil {
		log.Error("server exited", zap.Error(err))
	}

	mon.Stop()
	if link != nil {
		link.Close()
	}
	log.Info("gpsmon stopped")
}
