// Command pixl-imaging runs the imaging fetcher service (C6): it consumes
// admitted work items from the primary and secondary imaging queues, drives
// the local-probe / query / C-MOVE state machine against the raw archive,
// and stamps each landed study with its owning project's slug.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SAFEHR-data/PIXL-sub000/go/ratelimit"
	"github.com/SAFEHR-data/PIXL-sub000/go/sklog"
	"github.com/SAFEHR-data/PIXL-sub000/imagingfetcher"
	"github.com/SAFEHR-data/PIXL-sub000/message"
	"github.com/SAFEHR-data/PIXL-sub000/queue"
	"github.com/SAFEHR-data/PIXL-sub000/rawarchive"
)

var (
	gcpProject         = flag.String("gcp_project", "", "GCP project hosting the Pub/Sub topics.")
	primarySubscription = flag.String("primary_subscription", "imaging-primary-sub", "Subscription name for the primary imaging queue.")
	secondarySubscription = flag.String("secondary_subscription", "imaging-secondary-sub", "Subscription name for the secondary imaging queue.")
	maxInFlight        = flag.Int("max_in_flight", 8, "Maximum concurrently-processed messages per queue.")
	rawArchiveURL      = flag.String("raw_archive_url", "http://localhost:8042", "Base URL of the local raw-store REST API.")
	rawArchiveAET      = flag.String("raw_archive_aet", "PIXLRAW", "AE title of the raw store, used as the C-MOVE destination.")
	rawArchiveUser     = flag.String("raw_archive_user", "orthanc", "Raw store basic-auth username.")
	rawArchivePassword = flag.String("raw_archive_password", "", "Raw store basic-auth password.")
	primaryModality    = flag.String("primary_modality", "PRIMARYAE", "Remote modality name for the primary archive.")
	secondaryModality  = flag.String("secondary_modality", "SECONDARYAE", "Remote modality name for the secondary archive.")
	defaultRate        = flag.Float64("default_rate", 2.0, "Default token-bucket rate (messages/second) per queue/key.")
	defaultCapacity    = flag.Int("default_capacity", 4, "Default token-bucket capacity per queue/key.")
	controlAddr        = flag.String("control_addr", ":8091", "Address for the token-bucket-refresh-rate control endpoint.")
	promAddr           = flag.String("prom_addr", ":20110", "Address for the Prometheus metrics endpoint.")
)

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
		sklog.Fatalf("pixl-imaging: creating pubsub client: %s", err)
	}

	limiter := ratelimit.NewLimiter(*defaultRate, *defaultCapacity)
	broker := queue.New(client, limiter)

	go func() {
		sklog.Infof("pixl-imaging: control endpoint listening on %s", *controlAddr)
		sklog.Fatal(http.ListenAndServe(*controlAddr, queue.ControlRouter(limiter)))
	}()

	raw := rawarchive.New(*rawArchiveURL, *rawArchiveAET, *rawArchiveUser, *rawArchivePassword, 30*time.Second)
	fetcher := &imagingfetcher.Fetcher{
		Raw:    raw,
		Config: imagingfetcher.DefaultConfig(*primaryModality, *secondaryModality),
	}

	keyFn := func(m message.Message) ratelimit.Key { return ratelimit.Primary }

	handle := func(ctx context.Context, m message.Message) error {
		result, err := fetcher.Fetch(ctx, m.ProjectName, m)
		if err != nil {
			sklog.Errorf("pixl-imaging: fetch failed for mrn=%s accession=%s: %s", m.MRN, m.AccessionNumber, err)
			return nil // fatal taxonomy: log and terminate the message, don't requeue
		}
		sklog.Infof("pixl-imaging: fetched mrn=%s accession=%s from %s", m.MRN, m.AccessionNumber, result.Source)
		return nil
	}

	go func() {
		if err := broker.Consume(ctx, queue.TopicImagingPrimary, *primarySubscription, *maxInFlight, keyFn, handle); err != nil {
			sklog.Errorf("pixl-imaging: primary consume loop stopped: %s", err)
		}
	}()
	secondaryKeyFn := func(m message.Message) ratelimit.Key { return ratelimit.Secondary }
	if err := broker.Consume(ctx, queue.TopicImagingSecondary, *secondarySubscription, *maxInFlight, secondaryKeyFn, handle); err != nil {
		sklog.Errorf("pixl-imaging: secondary consume loop stopped: %s", err)
	}
}
