package main

import (
	"log"
	"os"

	"methodgen-accelerator/internal/audiocache"
	"methodgen-accelerator/internal/clock"
	"methodgen-accelerator/internal/config"
	"methodgen-accelerator/internal/database"
	"methodgen-accelerator/internal/jobstore"
	"methodgen-accelerator/internal/server"
	"methodgen-accelerator/internal/synth"
)

func main() {
	cfg, err := config.Load("config.json")
	if err != nil {
		log.Printf("Note: config.json invalid, using defaults: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.Level())
	defer cleanup()

	db, err := database.Init(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to init db: %v", err)
	}
	defer db.Close()

	jobs, err := jobstore.NewSQLStore(db)
	if err != nil {
		log.Fatalf("Failed to init job store: %v", err)
	}

	clk := clock.SystemUTC{}
	cache, err := audiocache.New(db, clk, logger)
	if err != nil {
		log.Fatalf("Failed to init audio cache: %v", err)
	}

	speech := synth.NewClient(cfg.SynthesisURL, cfg.SynthesisKey, cfg.Headers)

	srv := server.New(cfg, logger, jobs, cache, speech, clk, clock.SystemTimer{})
	defer srv.StopWatchers()

	if err := srv.Start(); err != nil {
		log.Fatal(err)
	}
}
