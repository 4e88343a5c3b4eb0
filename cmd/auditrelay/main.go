// Standalone runner for the audit relay, for deployments that ship sync
// events to Kafka from a separate process than the API.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Arthur-destb38/Appli-V2/internal/config"
	"github.com/Arthur-destb38/Appli-V2/internal/relay"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	producer := relay.NewKafkaProducer(cfg.KafkaBrokers)
	defer producer.Close()

	auditRelay := relay.New(pool, producer, cfg.AuditTopic, cfg.RelayPollInterval, cfg.RelayBatchSize)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go auditRelay.Start(ctx)
	log.Printf("audit relay started (topic=%s, interval=%s)", cfg.AuditTopic, cfg.RelayPollInterval)

	<-shutdownCh
	cancel()
	auditRelay.Wait()
}
