package main

import (
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/mindmirror/mindlink/authority"
)

// Runs the simulated authority with a random-walk state value, standing
// in for the real scoring service during development.
func main() {
	addr := flag.String("addr", "0.0.0.0:8080", "listen address")
	interval := flag.Duration("interval", 5*time.Second, "state broadcast interval")
	flag.Parse()

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))

	server := authority.NewServer(*addr)

	go func() {
		value := 0.1
		phases := []string{"dormant", "emergent", "coherent", "resonant", "lucid"}
		ticker := time.NewTicker(*interval)
		for range ticker.C {
			value += (rand.Float64() - 0.45) * 0.1
			if value < 0 {
				value = 0
			}
			if value > 1 {
				value = 1
			}
			phase := phases[min(int(value*float64(len(phases))), len(phases)-1)]
			server.SetState(value, phase)
			slog.Debug("Broadcast state", "value", value, "phase", phase)
		}
	}()

	if err := server.Start(); err != nil {
		slog.Error("Authority server failed", "error", err)
		os.Exit(1)
	}
}
