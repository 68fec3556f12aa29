package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/annel0/worldstream/internal/eventbus"
	"github.com/annel0/worldstream/internal/presenter"
	"github.com/annel0/worldstream/internal/streaming"
	wsync "github.com/annel0/worldstream/internal/sync"
)

const (
	defaultNATSURL = "nats://127.0.0.1:4222"
	timeFormat     = "2006-01-02T15:04:05Z"
)

func main() {
	var (
		natsURL    = flag.String("nats", defaultNATSURL, "NATS server URL")
		stream     = flag.String("stream", "WORLDSTREAM", "JetStream stream name")
		command    = flag.String("cmd", "tail", "Command: tail, stats, types")
		eventTypes = flag.String("types", "", "Event types filter (comma-separated)")
		sources    = flag.String("sources", "", "Event sources filter (comma-separated)")
		since      = flag.String("since", "", "Replay stored events since (e.g. 1h, 30m or "+timeFormat+")")
		limit      = flag.Int("limit", 100, "Maximum number of events")
		follow     = flag.Bool("follow", false, "Follow new events (like tail -f)")
		window     = flag.Duration("window", 10*time.Second, "Collection window for stats")
	)
	flag.Parse()

	if *command == "types" {
		showTypes()
		return
	}

	bus, err := eventbus.NewJetStreamBus(*natsURL, *stream, 0)
	if err != nil {
		log.Fatalf("❌ Failed to connect to NATS: %v", err)
	}
	defer bus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start, err := parseSinceTime(*since, time.Now())
	if err != nil {
		log.Fatalf("❌ Invalid since time: %v", err)
	}
	filter := eventbus.Filter{Types: parseStringList(*eventTypes), Sources: parseStringList(*sources)}

	switch *command {
	case "tail":
		if err := tailEvents(ctx, bus, filter, start, *limit, *follow); err != nil {
			log.Fatalf("❌ Tail failed: %v", err)
		}
	case "stats":
		if err := showStats(ctx, bus, filter, start, *window); err != nil {
			log.Fatalf("❌ Stats failed: %v", err)
		}
	default:
		fmt.Printf("❌ Unknown command: %s\n", *command)
		fmt.Println("Available commands: tail, stats, types")
		os.Exit(1)
	}
}

// subscribe подписывается на новые события или, если задан start, воспроизводит стрим с этого момента
func subscribe(ctx context.Context, bus *eventbus.JetStreamBus, f eventbus.Filter, start time.Time, h eventbus.Handler) (eventbus.Subscription, error) {
	if start.IsZero() {
		return bus.Subscribe(ctx, f, h)
	}
	return bus.SubscribeSince(ctx, start, f, h)
}

// tailEvents выводит события до лимита или, в режиме follow, до сигнала
func tailEvents(ctx context.Context, bus *eventbus.JetStreamBus, f eventbus.Filter, start time.Time, limit int, follow bool) error {
	fmt.Printf("🎬 Tailing events (limit: %d, follow: %v)\n", limit, follow)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu    sync.Mutex
		count int
	)
	sub, err := subscribe(ctx, bus, f, start, func(_ context.Context, ev *eventbus.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		if !follow && count >= limit {
			return
		}
		fmt.Println(formatEvent(ev))
		count++
		if !follow && count >= limit {
			cancel()
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	mu.Lock()
	fmt.Printf("\n📊 Total events: %d\n", count)
	mu.Unlock()
	return nil
}

// showStats собирает события в течение окна и выводит количество по типам
func showStats(ctx context.Context, bus *eventbus.JetStreamBus, f eventbus.Filter, start time.Time, window time.Duration) error {
	fmt.Printf("📊 Event statistics (window: %v)\n", window)

	var (
		mu     sync.Mutex
		counts = make(map[string]int)
		total  int
	)
	sub, err := subscribe(ctx, bus, f, start, func(_ context.Context, ev *eventbus.Envelope) {
		mu.Lock()
		counts[ev.EventType]++
		total++
		mu.Unlock()
	})
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-time.After(window):
	}
	sub.Unsubscribe()

	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("Total events: %d\n", total)
	fmt.Println("\nBy event type:")
	for _, line := range statsLines(counts) {
		fmt.Println("  " + line)
	}
	return nil
}

func statsLines(counts map[string]int) []string {
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)
	lines := make([]string, 0, len(types))
	for _, t := range types {
		lines = append(lines, fmt.Sprintf("%s: %d events", t, counts[t]))
	}
	return lines
}

// showTypes выводит типы событий, которые публикует стример
func showTypes() {
	fmt.Println("📋 Available event types")
	for _, t := range []streaming.EventType{
		streaming.EventLoad, streaming.EventUnload, streaming.EventLODChange,
		streaming.EventHibernate, streaming.EventWake,
		streaming.EventEntityAdd, streaming.EventEntityRemove, streaming.EventEntityUpdate,
	} {
		fmt.Printf("  %s (subject %s)\n", presenter.EventTypeFor(t), eventbus.Subject(presenter.EventTypeFor(t)))
	}
	fmt.Printf("  %s (subject %s)\n", wsync.EventSyncBatch, eventbus.Subject(wsync.EventSyncBatch))
}

// formatEvent выводит событие в читаемом формате
func formatEvent(ev *eventbus.Envelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s [%s] %s",
		ev.Timestamp.Format("15:04:05.000"), ev.Source, ev.EventType, ev.ID)

	switch {
	case strings.HasPrefix(ev.EventType, "chunk."):
		var ce streaming.ChunkEvent
		if err := ev.Decode(&ce); err != nil {
			fmt.Fprintf(&b, "\n  ⚠️ %v", err)
			break
		}
		fmt.Fprintf(&b, "\n  Chunk: %s LOD: %d", ce.ChunkID, ce.LOD)
		if ce.Type == streaming.EventLODChange {
			fmt.Fprintf(&b, " (was %d)", ce.PrevLOD)
		}
		if len(ce.EntityIDs) > 0 {
			fmt.Fprintf(&b, " Entities: %s", strings.Join(ce.EntityIDs, ","))
		}
	case ev.EventType == wsync.EventSyncBatch:
		fmt.Fprintf(&b, "\n  Changes: %s Compression: %s Bytes: %d",
			ev.Metadata["changes"], ev.Metadata["compression"], len(ev.Payload))
	}
	return b.String()
}

// parseStringList парсит строку с разделителями-запятыми
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseSinceTime парсит относительное время типа "1h", "30m" или абсолютное.
// Пустая строка означает только новые события (нулевое время).
func parseSinceTime(since string, from time.Time) (time.Time, error) {
	if since == "" {
		return time.Time{}, nil
	}

	duration, err := time.ParseDuration(since)
	if err != nil {
		// Пробуем парсить как абсолютное время
		return time.Parse(timeFormat, since)
	}

	return from.Add(-duration), nil
}
