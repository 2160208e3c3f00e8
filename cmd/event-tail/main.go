package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/poolhall-waitlist/internal/config"
	"github.com/poolhall-waitlist/internal/domain"
	"github.com/poolhall-waitlist/internal/kafka"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	brokers := flag.String("brokers", "", "Kafka brokers (comma-separated), overrides config")
	topic := flag.String("topic", "", "Kafka topic, overrides config")
	group := flag.String("group", "", "Consumer group, overrides config")
	fromBeginning := flag.Bool("from-beginning", false, "Start from the oldest retained event")
	tableID := flag.Int("table", 0, "Only show events for this table")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}
	if *brokers != "" {
		cfg.Kafka.Brokers = strings.Split(*brokers, ",")
	}
	if *topic != "" {
		cfg.Kafka.Topic = *topic
	}
	if *group != "" {
		cfg.Kafka.GroupID = *group
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  Pool hall matchmaking events")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Brokers:          %s\n", strings.Join(cfg.Kafka.Brokers, ","))
	fmt.Printf("  Topic:            %s\n", cfg.Kafka.Topic)
	fmt.Printf("  Group:            %s\n", cfg.Kafka.GroupID)
	fmt.Printf("  From beginning:   %t\n", *fromBeginning)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	var seen int64
	handler := kafka.EventHandlerFunc(func(_ context.Context, event domain.MatchEvent) error {
		if *tableID != 0 && event.TableID != *tableID {
			return nil
		}
		atomic.AddInt64(&seen, 1)
		fmt.Println(formatEvent(event))
		return nil
	})

	consumer, err := kafka.NewConsumer(&cfg.Kafka, handler, *fromBeginning, logger)
	if err != nil {
		logger.Error("failed to create consumer", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := consumer.Start(ctx); err != nil {
		logger.Error("failed to start consumer", "error", err)
		_ = consumer.Stop()
		os.Exit(1)
	}

	<-ctx.Done()
	fmt.Println("\nShutting down...")
	if err := consumer.Stop(); err != nil {
		logger.Error("failed to stop consumer", "error", err)
	}
	fmt.Printf("✓ Completed. Events: %d\n", atomic.LoadInt64(&seen))
}

func formatEvent(e domain.MatchEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %-22s", e.Timestamp.Local().Format(time.TimeOnly), e.Type)
	if e.TableID != 0 {
		fmt.Fprintf(&b, " table=%d", e.TableID)
	}
	if e.UserID != "" {
		fmt.Fprintf(&b, " user=%s", e.UserID)
	}
	if e.OtherUserID != "" {
		fmt.Fprintf(&b, " other=%s", e.OtherUserID)
	}
	for k, v := range e.Metadata {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	return b.String()
}
