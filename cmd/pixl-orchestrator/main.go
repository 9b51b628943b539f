// Command pixl-orchestrator is the batch driver (C9): parse one ingest
// file, admit it into the ledger, publish to the imaging queue in
// study-date order, then poll until the extract's export count stabilises.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/SAFEHR-data/PIXL-sub000/go/ratelimit"
	"github.com/SAFEHR-data/PIXL-sub000/go/sklog"
	"github.com/SAFEHR-data/PIXL-sub000/ingest"
	"github.com/SAFEHR-data/PIXL-sub000/ledger"
	"github.com/SAFEHR-data/PIXL-sub000/message"
	"github.com/SAFEHR-data/PIXL-sub000/orchestrator"
	"github.com/SAFEHR-data/PIXL-sub000/queue"

	"github.com/jackc/pgx/v4/pgxpool"
)

var (
	gcpProject     = flag.String("gcp_project", "", "GCP project hosting the Pub/Sub topics.")
	csvPath        = flag.String("csv", "", "Path to a CSV ingest file. Mutually exclusive with -columnar_dir.")
	columnarDir    = flag.String("columnar_dir", "", "Path to a columnar ingest directory (public/ + private/). Mutually exclusive with -csv.")
	projectName    = flag.String("project_name", "", "Project name for a columnar ingest (CSV ingest carries its own project_name column).")
	omopESDatetime = flag.String("omop_es_datetime", "", "RFC3339 timestamp the OMOP ES extract ran, stamped onto every message.")
	extractSlug    = flag.String("extract_slug", "", "Slug identifying this batch's Extract row in the ledger.")
	postgresDSN    = flag.String("postgres_dsn", "", "Postgres connection string for the ledger.")
	numRetries     = flag.Int("num_retries", 60, "Maximum stability-loop iterations before giving up.")
	retrySeconds   = flag.Int("retry_seconds", 10, "Seconds slept between stability-loop iterations (CLI_RETRY_SECONDS).")
	queueDrainSecs = flag.Int("queue_drain_timeout_seconds", 300, "Maximum seconds to wait for the imaging queue to drain before each stability check.")
)

func main() {
	flag.Parse()

	if (*csvPath == "") == (*columnarDir == "") {
		sklog.Fatal("pixl-orchestrator: exactly one of -csv or -columnar_dir must be set")
	}
	if *extractSlug == "" {
		sklog.Fatal("pixl-orchestrator: -extract_slug is required")
	}

	omopTimestamp := time.Now().UTC()
	if *omopESDatetime != "" {
		parsed, err := time.Parse(time.RFC3339, *omopESDatetime)
		if err != nil {
			sklog.Fatalf("pixl-orchestrator: parsing -omop_es_datetime: %s", err)
		}
		omopTimestamp = parsed
	}

	var items []message.Message
	var err error
	if *csvPath != "" {
		f, openErr := os.Open(*csvPath)
		if openErr != nil {
			sklog.Fatalf("pixl-orchestrator: opening %s: %s", *csvPath, openErr)
		}
		defer f.Close() //nolint:errcheck
		items, err = ingest.ParseCSV(f, omopTimestamp)
	} else {
		items, err = ingest.ParseColumnar(*columnarDir, *projectName, omopTimestamp)
	}
	if err != nil {
		sklog.Fatalf("pixl-orchestrator: parsing ingest: %s", err)
	}
	sklog.Infof("pixl-orchestrator: parsed %d work items for extract %s", len(items), *extractSlug)

	ctx := context.Background()

	pool, err := pgxpool.Connect(ctx, *postgresDSN)
	if err != nil {
		sklog.Fatalf("pixl-orchestrator: connecting to postgres: %s", err)
	}
	store := ledger.NewPostgresStore(pool)

	client, err := pubsub.NewClient(ctx, *gcpProject)
	if err != nil {
		sklog.Fatalf("pixl-orchestrator: creating pubsub client: %s", err)
	}
	limiter := ratelimit.NewLimiter(2.0, 4)
	broker := queue.New(client, limiter)

	driver := &orchestrator.Driver{
		Ledger:       store,
		Publish:      orchestrator.PublishToQueues(broker),
		WaitForDrain: orchestrator.WaitForQueueDrain(broker, time.Second),
		Config: orchestrator.Config{
			NumRetries:        *numRetries,
			RetrySleep:        time.Duration(*retrySeconds) * time.Second,
			QueueDrainTimeout: time.Duration(*queueDrainSecs) * time.Second,
		},
	}

	if err := driver.Run(ctx, *extractSlug, items); err != nil {
		sklog.Fatalf("pixl-orchestrator: run failed: %s", err)
	}
	sklog.Infof("pixl-orchestrator: extract %s complete", *extractSlug)
}
