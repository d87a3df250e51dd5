package listener

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/metrics"
	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/tracker"
)

const defaultPollInterval = 2 * time.Second

// ArtifactObserver watches the storage directory the test configuration
// points conserver at, and emits one artifact confirmation per work item
// found there. It combines an fsnotify watch with periodic rescans: the
// watch catches files promptly, the rescan catches files written before the
// watch was established or on filesystems where notifications are unreliable.
type ArtifactObserver struct {
	// Directory conserver persists processed vCons into.
	Dir     string
	Tracker *tracker.Tracker
	Metrics *metrics.Metrics
	// Rescan cadence; defaults to defaultPollInterval.
	PollInterval time.Duration

	mu        sync.Mutex
	seenPaths map[string]bool
	seenIds   map[string]bool
}

func NewArtifactObserver(dir string, t *tracker.Tracker, m *metrics.Metrics) *ArtifactObserver {
	return &ArtifactObserver{
		Dir:          dir,
		Tracker:      t,
		Metrics:      m,
		PollInterval: defaultPollInterval,
		seenPaths:    make(map[string]bool),
		seenIds:      make(map[string]bool),
	}
}

// Run observes until ctx is cancelled. A final rescan runs on the way out so
// artifacts persisted at the very end of the grace window are still counted.
func (srv *ArtifactObserver) Run(ctx context.Context) error {
	if err := os.MkdirAll(srv.Dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating artifact directory %s", srv.Dir)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating artifact watcher")
	}
	defer watcher.Close()
	if err := watcher.Add(srv.Dir); err != nil {
		return errors.Wrapf(err, "watching artifact directory %s", srv.Dir)
	}

	interval := srv.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	srv.Scan()
	for {
		select {
		case <-ctx.Done():
			srv.Scan()
			return ctx.Err()
		case <-ticker.C:
			srv.Scan()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				srv.observeFile(ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("artifact watcher error")
		}
	}
}

// Scan walks the artifact directory once. Safe to call repeatedly; each
// identifier is confirmed at most once no matter how often its file is seen.
func (srv *ArtifactObserver) Scan() {
	matches, err := filepath.Glob(filepath.Join(srv.Dir, "*.json"))
	if err != nil {
		log.WithError(err).Warn("scanning artifact directory")
		return
	}
	for _, path := range matches {
		srv.observeFile(path)
	}
}

func (srv *ArtifactObserver) observeFile(path string) {
	if !strings.HasSuffix(path, ".json") {
		return
	}
	srv.mu.Lock()
	already := srv.seenPaths[path]
	srv.mu.Unlock()
	if already {
		return
	}

	id := identifierFromFilename(path)
	if id == "" {
		var err error
		id, err = identifierFromFileContent(path)
		if err != nil {
			// Likely a partial write; a later event or rescan retries it.
			log.WithError(err).Debugf("could not read artifact %s yet", path)
			return
		}
	}

	srv.mu.Lock()
	srv.seenPaths[path] = true
	duplicate := srv.seenIds[id]
	if id != "" {
		srv.seenIds[id] = true
	}
	srv.mu.Unlock()
	if duplicate {
		return
	}

	if srv.Metrics != nil {
		srv.Metrics.ArtifactsObserved.Inc()
	}
	if !srv.Tracker.RecordConfirmation(tracker.ConfirmationEvent{
		Kind:       tracker.ConfirmationArtifact,
		WorkItemId: id,
		ObservedAt: time.Now(),
	}) {
		if srv.Metrics != nil {
			srv.Metrics.ConfirmationsOrphaned.Inc()
		}
		log.Warnf("orphaned artifact %s for work item %q", filepath.Base(path), id)
	}
}

// identifierFromFilename handles storage stages that put the vCon uuid in
// the filename, either bare (<uuid>.json) or prefixed (vcon_<uuid>_<ts>.json).
func identifierFromFilename(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), ".json")
	base = strings.TrimPrefix(base, "vcon_")
	parts := strings.Split(base, "_")
	if len(parts) > 0 && looksLikeUuid(parts[0]) {
		return parts[0]
	}
	return ""
}

// identifierFromFileContent handles storage stages that use opaque filenames
// by reading the uuid field of the persisted vCon itself.
func identifierFromFileContent(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.WithStack(err)
	}
	var doc struct {
		Uuid string `json:"uuid"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", errors.Wrapf(err, "decoding artifact %s", path)
	}
	return doc.Uuid, nil
}

func looksLikeUuid(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, r := range s {
		switch i {
		case 8, 13, 18, 23:
			if r != '-' {
				return false
			}
		default:
			isHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
			if !isHex {
				return false
			}
		}
	}
	return true
}
