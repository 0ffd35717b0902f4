// cmd/chaos/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"cardkiosk/internal/cards"
	"cardkiosk/internal/chaos"
	"cardkiosk/internal/clients"
	"cardkiosk/internal/snapshot"
)

func main() {
	duration := flag.Duration("duration", 5*time.Second, "observation window per experiment")
	interval := flag.Duration("interval", 500*time.Millisecond, "metric sample interval")
	scans := flag.Int("scans", 20, "cards scanned per experiment")
	concurrency := flag.Int("concurrency", 100, "simultaneous pickups in the race experiment")
	report := flag.String("report", "", "write the JSON results to this file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	dir, err := os.MkdirTemp("", "cardkiosk-chaos-*")
	if err != nil {
		logger.Error("failed to create temp dir", "error", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	// in-process remote authority acknowledging every write
	authority := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer authority.Close()

	ctx := context.Background()
	file, err := snapshot.NewFile(filepath.Join(dir, "kiosk-state.json"))
	if err != nil {
		logger.Error("failed to open snapshot", "error", err)
		os.Exit(1)
	}
	store, err := cards.OpenStore(ctx, file, cards.WithStoreLogger(logger))
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	faults := chaos.NewFaultInjector(clients.NewRemoteClient(clients.RemoteConfig{
		BaseURL: authority.URL,
		Timeout: 2 * time.Second,
		Logger:  logger,
	}))
	kiosk := chaos.Kiosk{
		Service: cards.NewService(store, cards.WithRemote(faults), cards.WithLogger(logger)),
		Faults:  faults,
	}

	engine := chaos.NewEngine(chaos.WithSampleInterval(*interval), chaos.WithPause(time.Second))
	engine.RegisterExperiments(kiosk, chaos.Options{
		Prefix:      "GAMEDAY",
		Scans:       *scans,
		Concurrency: *concurrency,
		Duration:    *duration,
	})

	gameDay := chaos.GameDay{
		Name:      "Card kiosk game day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
	}
	runErr := engine.ExecuteGameDay(ctx, gameDay)

	if *report != "" {
		data, err := json.MarshalIndent(engine.Results(), "", "  ")
		if err == nil {
			err = os.WriteFile(*report, data, 0o644)
		}
		if err != nil {
			logger.Error("failed to write report", "error", err)
		}
	}

	if runErr != nil {
		logger.Error("chaos game day failed", "error", runErr)
		os.RemoveAll(dir)
		os.Exit(1)
	}
}
