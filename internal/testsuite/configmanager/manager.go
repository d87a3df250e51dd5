// Package configmanager owns the remote configuration lifecycle: snapshot
// the running conserver config, apply the test config, and put the original
// back when the run ends, however it ends.
package configmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/vcon-dev/conserver-testsuite/internal/common/harnesserrors"
	"github.com/vcon-dev/conserver-testsuite/pkg/client"
)

// Snapshot is a verbatim copy of the remote configuration captured before
// any mutation. The on-disk copy is written before Apply runs and is never
// deleted by the harness: if restore fails, the file is the recovery path.
type Snapshot struct {
	Config     map[string]interface{}
	CapturedAt time.Time
	// Path of the durable copy on disk.
	Path string
}

type Manager struct {
	Client *client.Client
	// Directory snapshots are persisted into.
	BackupDir string
}

func New(c *client.Client, backupDir string) *Manager {
	return &Manager{Client: c, BackupDir: backupDir}
}

// Snapshot fetches the current remote configuration and persists it to disk.
// An unreachable remote here is fatal to the run: nothing has been mutated
// yet, so aborting is always safe.
func (m *Manager) Snapshot(ctx context.Context) (*Snapshot, error) {
	config, err := m.Client.GetConfig(ctx)
	if err != nil {
		return nil, errors.WithStack(&harnesserrors.ErrFatalSetup{
			URL:     "conserver /config",
			Message: "could not snapshot remote configuration",
			Cause:   err,
		})
	}
	snapshot := &Snapshot{
		Config:     config,
		CapturedAt: time.Now(),
	}
	if err := m.persist(snapshot); err != nil {
		return nil, err
	}
	log.Infof("backed up conserver configuration to %s", snapshot.Path)
	return snapshot, nil
}

func (m *Manager) persist(snapshot *Snapshot) error {
	if err := os.MkdirAll(m.BackupDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating backup directory %s", m.BackupDir)
	}
	data, err := yaml.Marshal(snapshot.Config)
	if err != nil {
		return errors.Wrap(err, "encoding configuration snapshot")
	}
	path := filepath.Join(m.BackupDir, fmt.Sprintf("conserver_config_backup_%d.yml", snapshot.CapturedAt.Unix()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing configuration snapshot to %s", path)
	}
	snapshot.Path = path
	return nil
}

// Apply pushes the generated test configuration. Idempotent: the document is
// rebuilt from scratch on every call, so re-applying the same spec yields an
// identical configuration with no duplicated chain stages.
func (m *Manager) Apply(ctx context.Context, spec *TestConfigSpec) error {
	doc := BuildConfigDocument(spec)
	if err := m.Client.ReplaceConfig(ctx, doc); err != nil {
		return errors.WithMessage(err, "applying test configuration")
	}
	log.Infof("applied test configuration (chain %q, webhook %s)", spec.ChainName, spec.WebhookUrl)
	return nil
}

// Restore pushes the snapshot back verbatim. The orchestrator calls this
// exactly once per run on every exit path; a failure here is reported in the
// summary but never propagated further, since the persisted snapshot file
// remains available for manual recovery.
func (m *Manager) Restore(ctx context.Context, snapshot *Snapshot) error {
	if err := m.Client.ReplaceConfig(ctx, snapshot.Config); err != nil {
		return errors.WithMessagef(err, "restoring configuration from snapshot %s", snapshot.Path)
	}
	log.Info("restored original conserver configuration")
	return nil
}

// LoadSnapshot reads a previously persisted snapshot, for manual recovery.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading snapshot %s", path)
	}
	var raw map[interface{}]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "decoding snapshot %s", path)
	}
	config, ok := normalize(raw).(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("snapshot %s is not a configuration document", path)
	}
	return &Snapshot{Config: config, Path: path}, nil
}

// normalize rewrites yaml.v2's map[interface{}]interface{} trees into
// map[string]interface{} so the document can be re-encoded as JSON.
func normalize(v interface{}) interface{} {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			out[fmt.Sprintf("%v", key)] = normalize(value)
		}
		return out
	case []interface{}:
		for i := range v {
			v[i] = normalize(v[i])
		}
		return v
	default:
		return v
	}
}

// ClearArtifacts removes stale artifact files from dir so file counting
// starts from a clean slate. Returns the number of files removed.
func ClearArtifacts(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, errors.WithStack(err)
	}
	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			return removed, errors.Wrapf(err, "removing stale artifact %s", path)
		}
		removed++
	}
	return removed, nil
}
