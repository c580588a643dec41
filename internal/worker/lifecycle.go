package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/offlinehub/edgeworker/internal/config"
	"github.com/offlinehub/edgeworker/internal/metrics"
	"github.com/offlinehub/edgeworker/internal/worker/bucket"
)

// Installer populates a fresh precache bucket from the manifest. Install is
// atomic: any unreachable asset fails the whole pass and the partial bucket
// is dropped.
type Installer struct {
	store   bucket.Store
	client  originClient
	origin  *url.URL
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewInstaller wires the install lifecycle to its store and origin client.
func NewInstaller(store bucket.Store, client originClient, origin *url.URL, logger *slog.Logger, rec *metrics.Recorder) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		store:   store,
		client:  client,
		origin:  origin,
		logger:  logger.With(slog.String("agent", "lifecycle")),
		metrics: rec,
	}
}

// Install fetches every manifest asset into the named bucket. The bucket only
// becomes eligible for activation when this returns nil.
func (i *Installer) Install(ctx context.Context, bucketName string, manifest config.Manifest) error {
	started := time.Now()
	for _, asset := range manifest.Assets {
		if err := i.installOne(ctx, bucketName, asset); err != nil {
			if dropErr := i.store.DropBucket(ctx, bucketName); dropErr != nil {
				i.logger.Warn("partial bucket drop failed",
					slog.String("bucket", bucketName),
					slog.Any("error", dropErr))
			}
			i.metrics.ObserveInstall(metrics.InstallFailed, time.Since(started))
			return fmt.Errorf("worker: install %s: %w", asset, err)
		}
	}
	i.metrics.ObserveInstall(metrics.InstallSucceeded, time.Since(started))
	i.logger.Info("precache bucket installed",
		slog.String("bucket", bucketName),
		slog.Int("assets", len(manifest.Assets)),
		slog.Duration("elapsed", time.Since(started)))
	return nil
}

func (i *Installer) installOne(ctx context.Context, bucketName, asset string) error {
	target := i.origin.ResolveReference(&url.URL{Path: asset})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return fmt.Errorf("origin returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBody+1))
	if err != nil {
		return err
	}
	if len(body) > maxSnapshotBody {
		return fmt.Errorf("asset exceeds %d byte snapshot bound", maxSnapshotBody)
	}

	snap := bucket.Snapshot{
		Status:   resp.StatusCode,
		Headers:  snapshotHeaders(resp.Header),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}
	return i.store.Put(ctx, bucketName, bucket.Key(http.MethodGet, target.String()), snap)
}

// Activate drops every bucket except the current one. Lookups already hitting
// the current bucket are unaffected; stale generations just disappear.
func (i *Installer) Activate(ctx context.Context, current string) error {
	names, err := i.store.Buckets(ctx)
	if err != nil {
		return fmt.Errorf("worker: list buckets: %w", err)
	}
	for _, name := range names {
		if name == current {
			continue
		}
		if err := i.store.DropBucket(ctx, name); err != nil {
			return fmt.Errorf("worker: drop bucket %s: %w", name, err)
		}
		i.logger.Info("stale bucket dropped", slog.String("bucket", name))
	}
	return nil
}

// Coordinator sequences install and activation and swaps the worker's active
// bucket. Each successful install gets a fresh generation suffix so reloads
// triggered by manifest edits never reuse a bucket name.
type Coordinator struct {
	installer *Installer
	worker    *Worker
	logger    *slog.Logger
	version   int

	mu         sync.Mutex
	generation int
}

// NewCoordinator ties the install lifecycle to the fetch worker.
func NewCoordinator(installer *Installer, worker *Worker, logger *slog.Logger, version int) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		installer: installer,
		worker:    worker,
		logger:    logger.With(slog.String("agent", "lifecycle")),
		version:   version,
	}
}

// InstallAndActivate runs one full lifecycle pass: install into a fresh
// bucket, point the worker at it, then garbage-collect stale buckets. On
// install failure the previously active bucket keeps serving.
func (c *Coordinator) InstallAndActivate(ctx context.Context, manifest config.Manifest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	name := fmt.Sprintf("precache-v%d.%d", c.version, c.generation)

	if err := c.installer.Install(ctx, name, manifest); err != nil {
		return err
	}
	c.worker.setBucket(name)
	if err := c.installer.Activate(ctx, name); err != nil {
		// The new bucket is live; stale ones get another chance next pass.
		c.logger.Warn("bucket activation cleanup failed", slog.Any("error", err))
	}
	c.logger.Info("precache bucket activated", slog.String("bucket", name))
	return nil
}

// ServeHealth reports liveness plus which bucket is serving.
func (c *Coordinator) ServeHealth(w http.ResponseWriter, r *http.Request) {
	active := c.worker.ActiveBucket()
	status := "ok"
	code := http.StatusOK
	if strings.TrimSpace(active) == "" {
		status = "installing"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": status,
		"bucket": active,
	})
}
