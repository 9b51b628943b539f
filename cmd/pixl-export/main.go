// Command pixl-export runs the uploader dispatch service (C8): it consumes
// from the export queue, resolves each project's configured sink, fetches
// the anonymised archive, and delivers it under the ledger's double-export
// guard.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SAFEHR-data/PIXL-sub000/config"
	"github.com/SAFEHR-data/PIXL-sub000/go/ratelimit"
	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
	"github.com/SAFEHR-data/PIXL-sub000/go/sklog"
	"github.com/SAFEHR-data/PIXL-sub000/hasher"
	"github.com/SAFEHR-data/PIXL-sub000/ledger"
	"github.com/SAFEHR-data/PIXL-sub000/message"
	"github.com/SAFEHR-data/PIXL-sub000/queue"
	"github.com/SAFEHR-data/PIXL-sub000/uploader"
)

var (
	gcpProject         = flag.String("gcp_project", "", "GCP project hosting the Pub/Sub topics.")
	exportSubscription = flag.String("export_subscription", "export-sub", "Subscription name for the export queue.")
	maxInFlight        = flag.Int("max_in_flight", 8, "Maximum concurrently-processed messages.")
	projectConfigDir   = flag.String("project_config_dir", "/etc/pixl/projects", "Directory of <slug>.yaml project config files.")
	anonNodeURL        = flag.String("anon_node_url", "http://localhost:8043", "Base URL of the anonymisation node archive exposing each study's zip.")
	postgresDSN        = flag.String("postgres_dsn", "", "Postgres connection string for the ledger.")
	defaultRate        = flag.Float64("default_rate", 2.0, "Default token-bucket rate for the export queue.")
	defaultCapacity    = flag.Int("default_capacity", 4, "Default token-bucket capacity for the export queue.")
	promAddr           = flag.String("prom_addr", ":20112", "Address for the Prometheus metrics endpoint.")
)

type sinkCache struct {
	mu   sync.Mutex
	byProject map[string]uploader.Sink
	dir  string
}

func (c *sinkCache) sinkFor(slug string) (uploader.Sink, *config.Project, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(c.dir, slug+".yaml"))
	if err != nil {
		return nil, nil, skerr.Wrap(err)
	}
	project, err := config.Load(data)
	if err != nil {
		return nil, nil, skerr.Wrap(err)
	}
	if sink, ok := c.byProject[slug]; ok {
		return sink, project, nil
	}
	sink, err := uploader.NewSink(project.Destination.DICOM, uploader.SinkConfig{})
	if err != nil {
		return nil, nil, skerr.Wrap(err)
	}
	c.byProject[slug] = sink
	return sink, project, nil
}

func main() {
	flag.Parse()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		sklog.Fatal(http.ListenAndServe(*promAddr, mux))
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	client, err := pubsub.NewClient(ctx, *gcpProject)
	if err != nil {
		sklog.Fatalf("pixl-export: creating pubsub client: %s", err)
	}
	limiter := ratelimit.NewLimiter(*defaultRate, *defaultCapacity)
	broker := queue.New(client, limiter)

	pool, err := pgxpool.Connect(ctx, *postgresDSN)
	if err != nil {
		sklog.Fatalf("pixl-export: connecting to postgres: %s", err)
	}
	store := ledger.NewPostgresStore(pool)

	sinks := &sinkCache{byProject: make(map[string]uploader.Sink), dir: *projectConfigDir}
	httpClient := &http.Client{Timeout: 2 * time.Minute}

	dispatcher := &uploader.Dispatcher{
		Ledger: store,
		FetchArchive: func(ctx context.Context, pseudoStudyUID string) ([]byte, error) {
			resp, err := httpClient.Get(*anonNodeURL + "/archives/" + pseudoStudyUID + ".zip")
			if err != nil {
				return nil, skerr.Wrap(err)
			}
			defer resp.Body.Close() //nolint:errcheck
			buf := make([]byte, 0, 1<<20)
			chunk := make([]byte, 32*1024)
			for {
				n, readErr := resp.Body.Read(chunk)
				if n > 0 {
					buf = append(buf, chunk[:n]...)
				}
				if readErr != nil {
					break
				}
			}
			return buf, nil
		},
	}

	keyFn := func(m message.Message) ratelimit.Key { return ratelimit.Primary }

	handle := func(ctx context.Context, m message.Message) error {
		sink, project, err := sinks.sinkFor(m.ProjectName)
		if err != nil {
			sklog.Errorf("pixl-export: resolving project %q: %s", m.ProjectName, err)
			return nil
		}

		pseudoUID, err := store.AssignPseudoStudyUID(ctx, m.ProjectName, m.MRN, m.AccessionNumber, hasher.NewLocalStudyUID)
		if err != nil {
			sklog.Errorf("pixl-export: resolving pseudo study uid for mrn=%s accession=%s: %s", m.MRN, m.AccessionNumber, err)
			return nil
		}

		layout := uploader.ExportLayout{ProjectSlug: project.Slug, ExtractTimeSlug: m.ExtractGeneratedTimestamp.UTC().Format("20060102T150405Z")}
		if err := dispatcher.UploadDICOM(ctx, sink, m.ProjectName, layout, pseudoUID); err != nil {
			if err == ledger.ErrAlreadyExported {
				return nil
			}
			sklog.Errorf("pixl-export: upload failed for pseudo_study_uid=%s: %s", pseudoUID, err)
			return nil
		}
		return nil
	}

	if err := broker.Consume(ctx, queue.TopicExport, *exportSubscription, *maxInFlight, keyFn, handle); err != nil {
		sklog.Errorf("pixl-export: consume loop stopped: %s", err)
	}
}
