// Command pixl-anon runs the anonymiser service (C7): an HTTP callback
// target for the anonymisation node's stable-study notification, which
// resolves the owning project from the study's stamped private tag, runs
// the tag engine over every instance, and hands the result to the
// uploader dispatch.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SAFEHR-data/PIXL-sub000/anonymiser"
	"github.com/SAFEHR-data/PIXL-sub000/config"
	"github.com/SAFEHR-data/PIXL-sub000/go/dicomdataset"
	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
	"github.com/SAFEHR-data/PIXL-sub000/go/sklog"
	"github.com/SAFEHR-data/PIXL-sub000/go/workerpool"
	"github.com/SAFEHR-data/PIXL-sub000/hasher"
	"github.com/SAFEHR-data/PIXL-sub000/ledger"
	"github.com/SAFEHR-data/PIXL-sub000/tagengine"
)

var (
	projectConfigDir = flag.String("project_config_dir", "/etc/pixl/projects", "Directory of <slug>.yaml project config files.")
	hasherURL        = flag.String("hasher_url", "http://localhost:8090", "Base URL of the hasher oracle.")
	postgresDSN      = flag.String("postgres_dsn", "", "Postgres connection string for the ledger.")
	fallbackProject  = flag.String("fallback_project", "", "Project slug to use when a study arrives with no stamped project tag (standalone use only).")
	workers          = flag.Int("workers", 4, "Worker pool size for per-instance tag engine application.")
	addr             = flag.String("addr", ":8092", "Address for the stable-study callback endpoint.")
	promAddr         = flag.String("prom_addr", ":20111", "Address for the Prometheus metrics endpoint.")
)

// projectCache lazily loads and caches <slug>.yaml project configs plus
// their merged tag scheme, keyed by (slug, manufacturer) since manufacturer
// overrides change which scheme applies.
type projectCache struct {
	dir string
	mu  sync.Mutex
	byKey map[string]anonymiser.ResolvedProject
}

func newProjectCache(dir string) *projectCache {
	return &projectCache{dir: dir, byKey: make(map[string]anonymiser.ResolvedProject)}
}

func (c *projectCache) resolve(ctx context.Context, slug, manufacturer string) (anonymiser.ResolvedProject, error) {
	key := slug + "|" + manufacturer
	c.mu.Lock()
	defer c.mu.Unlock()
	if rp, ok := c.byKey[key]; ok {
		return rp, nil
	}

	data, err := os.ReadFile(filepath.Join(c.dir, slug+".yaml"))
	if err != nil {
		return anonymiser.ResolvedProject{}, skerr.Wrap(err)
	}
	project, err := config.Load(data)
	if err != nil {
		return anonymiser.ResolvedProject{}, skerr.Wrap(err)
	}
	scheme, err := tagengine.BuildScheme(project.TagOperationFiles, manufacturer)
	if err != nil {
		return anonymiser.ResolvedProject{}, skerr.Wrap(err)
	}

	rp := anonymiser.ResolvedProject{Project: project, Scheme: scheme}
	c.byKey[key] = rp
	return rp, nil
}

// stableStudyNotification is the payload the anonymisation node's stable
// study callback is expected to POST. The wire serialisation of the actual
// DICOM instances named by ResourceID crosses the embedded-node boundary
// this system does not own; loadInstances below documents that boundary
// rather than fabricating one.
type stableStudyNotification struct {
	ResourceID      string `json:"resource_id"`
	ProjectSlug     string `json:"project_slug"`
	ExtractSlug     string `json:"extract_slug"`
	MRN             string `json:"mrn"`
	AccessionNumber string `json:"accession_number"`
}

func loadInstances(ctx context.Context, resourceID string) ([]*dicomdataset.Dataset, error) {
	return nil, skerr.Fmt("pixl-anon: DICOM instance retrieval for resource %q crosses the embedded anonymisation node boundary, which this module does not implement", resourceID)
}

func main() {
	flag.Parse()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		sklog.Fatal(http.ListenAndServe(*promAddr, mux))
	}()

	pool, err := pgxpool.Connect(context.Background(), *postgresDSN)
	if err != nil {
		sklog.Fatalf("pixl-anon: connecting to postgres: %s", err)
	}
	store := ledger.NewPostgresStore(pool)

	engine := &tagengine.Engine{
		Hasher: hasher.New(*hasherURL, 5*time.Second),
		Ledger: store,
	}
	cache := newProjectCache(*projectConfigDir)
	handler := &anonymiser.Handler{
		Engine:              engine,
		Resolve:             cache.resolve,
		NewPool:             func() *workerpool.Pool { return workerpool.New(*workers) },
		FallbackProjectSlug: *fallbackProject,
	}

	r := chi.NewRouter()
	r.Post("/stable-study", func(w http.ResponseWriter, req *http.Request) {
		var notif stableStudyNotification
		if err := json.NewDecoder(req.Body).Decode(&notif); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		instances, err := loadInstances(req.Context(), notif.ResourceID)
		if err != nil {
			sklog.Errorf("pixl-anon: %s", err)
			http.Error(w, err.Error(), http.StatusNotImplemented)
			return
		}

		study := anonymiser.Study{
			ExtractSlug: notif.ExtractSlug,
			Identifiers: tagengine.Identifiers{MRN: notif.MRN, AccessionNumber: notif.AccessionNumber},
			Instances:   instances,
		}
		result, err := handler.HandleStableStudy(req.Context(), notif.ProjectSlug, study)
		if err != nil {
			sklog.Warningf("pixl-anon: discarding study resource=%s: %s", notif.ResourceID, err)
			w.WriteHeader(http.StatusOK) // discarded studies are not a callback-level failure
			return
		}
		sklog.Infof("pixl-anon: anonymised study resource=%s pseudo_study_uid=%s kept=%d skipped=%d",
			notif.ResourceID, result.PseudoStudyUID, result.KeptInstances, result.SkippedCount)
		w.WriteHeader(http.StatusOK)
	})

	sklog.Infof("pixl-anon: listening on %s", *addr)
	sklog.Fatal(http.ListenAndServe(*addr, r))
}
