package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aduston/pianolog/internal/config"
	"github.com/aduston/pianolog/internal/detector"
	"github.com/aduston/pianolog/internal/midi"
	"github.com/aduston/pianolog/internal/store"
	"github.com/aduston/pianolog/internal/tracker"
	"github.com/aduston/pianolog/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	user := flag.String("user", "", "Set the practicing user at startup")
	promptEach := flag.Bool("prompt-each-session", false, "Ask who is playing at the piano before every session")
	mockMode := flag.Bool("mock", false, "Use a simulated piano instead of real MIDI hardware")
	showSessions := flag.Bool("show-sessions", false, "Print recent sessions and exit")
	showSummary := flag.Bool("show-summary", false, "Print the 7-day practice summary and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	if *showSessions || *showSummary {
		if err := runReport(cfg, *showSessions, *showSummary); err != nil {
			log.Fatalf("Report failed: %v", err)
		}
		return
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	if err := st.SeedUsers(triggerUsers(cfg)); err != nil {
		log.Fatalf("Failed to seed users: %v", err)
	}

	var transport midi.Transport
	if *mockMode {
		log.Println("Starting in mock mode (simulated piano)")
		mock := midi.NewMockTransport()
		transport = mock
		// The configured keyword targets real hardware; point the
		// selection policy at the simulated port instead.
		cfg.Device.Keyword = mock.Name()
	} else {
		rt, err := midi.NewRTMIDITransport()
		if err != nil {
			log.Fatalf("Failed to initialize MIDI driver: %v", err)
		}
		defer rt.Close()
		transport = rt
	}

	monitor := midi.NewMonitor(cfg.Device, transport)
	if !*mockMode {
		if watcher, err := midi.NewHotplugWatcher(); err != nil {
			log.Printf("USB hotplug events unavailable: %v", err)
		} else {
			monitor.SetHotplug(watcher)
		}
		if cfg.Device.EnableUSBReset {
			monitor.SetPower(midi.NewUhubctlPower(cfg.Device.USBHubs, cfg.Device.USBPort))
		}
	}

	det, err := detector.New(cfg.Detector)
	if err != nil {
		log.Fatalf("Failed to create detector: %v", err)
	}

	trk := tracker.New(cfg, det, monitor, st, *promptEach)
	trk.SetPrompter(tracker.NewPrompter(transport, cfg.Device.Keyword))
	if *user != "" {
		if err := trk.SetUser(*user); err != nil {
			log.Fatalf("Failed to set user: %v", err)
		}
	}

	broadcaster := ws.NewBroadcaster(trk.Status, cfg.Server.BroadcastThrottle, cfg.Server.SnapshotInterval)
	trk.SetBroadcaster(broadcaster)

	server := ws.NewServer(cfg, st, broadcaster, trk, monitor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go monitor.Run(ctx)

	trackerDone := make(chan struct{})
	go func() {
		trk.Run(ctx)
		close(trackerDone)
	}()

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		// Let the tracker record any session still in progress.
		select {
		case <-trackerDone:
		case <-time.After(5 * time.Second):
			log.Println("Tracker did not stop in time")
		}
		broadcaster.Stop()
		st.Close()
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func triggerUsers(cfg *config.Config) map[uint8]string {
	users := make(map[uint8]string, len(cfg.Users))
	for note, name := range cfg.Users {
		if note < 0 || note > 127 {
			log.Printf("Ignoring user %q: trigger note %d out of MIDI range", name, note)
			continue
		}
		users[uint8(note)] = name
	}
	return users
}

func runReport(cfg *config.Config, sessions, summary bool) error {
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	if sessions {
		recent, err := st.RecentSessions(20)
		if err != nil {
			return err
		}
		fmt.Println("Recent practice sessions:")
		if len(recent) == 0 {
			fmt.Println("  (none)")
		}
		for _, s := range recent {
			start := time.Unix(s.StartTimestamp, 0)
			fmt.Printf("  %s  %-12s %5.1f min  %5d notes\n",
				start.Format("2006-01-02 15:04"), s.UserID,
				float64(s.DurationSeconds)/60, s.NoteCount)
		}
	}

	if summary {
		days, err := st.DailySummaries("", 7)
		if err != nil {
			return err
		}
		fmt.Println("Daily summary (last 7 days):")
		if len(days) == 0 {
			fmt.Println("  (none)")
		}
		for _, d := range days {
			fmt.Printf("  %s  %-12s %2d sessions  %5.1f min  %6d notes\n",
				d.SessionDate, d.UserID, d.SessionCount,
				float64(d.TotalSeconds)/60, d.TotalNotes)
		}
	}
	return nil
}
