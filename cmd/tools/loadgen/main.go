// loadgen simulates browsing visitors against a running collector using the
// tracker client library.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"sitepulse/pkg/event"
	"sitepulse/pkg/tracker"
	"sitepulse/pkg/transport"
)

var paths = []string{"/", "/pricing", "/docs", "/docs/install", "/blog", "/about"}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (iPad; CPU OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15",
}

type loadConfig struct {
	Endpoint  string
	Domain    string
	Visitors  int
	Duration  time.Duration
	ThinkTime time.Duration
	UseBeacon bool
	LogLevel  slog.Level
}

type loadStats struct {
	pageLoads   atomic.Int64
	navigations atomic.Int64
	clicks      atomic.Int64
}

func main() {
	endpoint := flag.String("url", "http://localhost:3000/api/event", "Ingestion endpoint")
	domain := flag.String("domain", "example.com", "Registered project domain")
	visitors := flag.Int("c", 10, "Number of concurrent visitors")
	duration := flag.Duration("d", 30*time.Second, "Duration of the run")
	think := flag.Duration("think", 500*time.Millisecond, "Pause between visitor actions")
	beacon := flag.Bool("beacon", true, "Queue events through the beacon endpoint")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	cfg := loadConfig{
		Endpoint:  *endpoint,
		Domain:    *domain,
		Visitors:  *visitors,
		Duration:  *duration,
		ThinkTime: *think,
		UseBeacon: *beacon,
		LogLevel:  slog.LevelInfo,
	}
	if *verbose {
		cfg.LogLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	tr, err := transport.New(transport.Config{
		Endpoint:  cfg.Endpoint,
		QueueSize: cfg.Visitors * 16,
		UserAgent: "sitepulse-loadgen",
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg.UseBeacon {
		tr.Start()
	}

	fmt.Printf("Simulating %d visitors against %s for %v\n", cfg.Visitors, cfg.Endpoint, cfg.Duration)

	stats := &loadStats{}
	started := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < cfg.Visitors; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runVisitor(ctx, id, cfg, tr, stats, logger)
		}(i)
	}
	wg.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := tr.Close(closeCtx); err != nil {
		logger.Warn("Transport did not drain before timeout", slog.Any("error", err))
	}

	printSummary(stats, tr, time.Since(started))
}

func runVisitor(ctx context.Context, id int, cfg loadConfig, sender transport.Sender, stats *loadStats, logger *slog.Logger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	t, err := tracker.New(tracker.Config{
		Domain: cfg.Domain,
		Sender: sender,
		Logger: logger.With(slog.Int("visitor", id)),
	})
	if err != nil {
		logger.Error("Failed to create tracker", slog.Any("error", err))
		return
	}

	for ctx.Err() == nil {
		page := tracker.Page{
			URL:        fmt.Sprintf("https://%s%s", cfg.Domain, paths[rng.Intn(len(paths))]),
			Visibility: tracker.VisibilityVisible,
			Screen:     event.Screen{Width: 1280, Height: 800},
			Language:   "en-US",
			UserAgent:  userAgents[rng.Intn(len(userAgents))],
		}
		if rng.Intn(3) == 0 {
			page.URL += "?utm_source=newsletter&utm_medium=email"
		}

		pageCtx, pageCancel := context.WithCancel(ctx)
		if err := t.Start(pageCtx, page); err != nil {
			pageCancel()
			logger.Error("Failed to start page", slog.Any("error", err))
			return
		}
		stats.pageLoads.Add(1)

		t.CapturePerformance(tracker.NavigationTiming{
			Duration:         float64(400 + rng.Intn(1600)),
			DOMContentLoaded: float64(200 + rng.Intn(800)),
			DOMInteractive:   float64(150 + rng.Intn(400)),
		})

		for step := 0; step < 3 && ctx.Err() == nil; step++ {
			sleep(ctx, cfg.ThinkTime)
			t.RecordActivity(tracker.ActivityScroll)
			if t.Navigate(tracker.NavigationPush, tracker.Location{Path: paths[rng.Intn(len(paths))]}) {
				stats.navigations.Add(1)
			}
		}

		if rng.Intn(4) == 0 {
			t.HandleClick(tracker.Link{Href: "https://partner.example.net/", Text: "Partner"})
			stats.clicks.Add(1)
		}
		pageCancel()
		sleep(ctx, cfg.ThinkTime)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func printSummary(stats *loadStats, tr *transport.Transport, elapsed time.Duration) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\n=== Load Summary ===")
	fmt.Fprintf(w, "Elapsed:\t%v\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Page loads:\t%d\n", stats.pageLoads.Load())
	fmt.Fprintf(w, "Navigations:\t%d\n", stats.navigations.Load())
	fmt.Fprintf(w, "Outbound clicks:\t%d\n", stats.clicks.Load())
	fmt.Fprintf(w, "Events delivered:\t%d\n", tr.Sent())
	fmt.Fprintf(w, "Events dropped:\t%d\n", tr.Dropped())
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Fprintf(w, "Delivered/sec:\t%.1f\n", float64(tr.Sent())/secs)
	}
	w.Flush()
}
