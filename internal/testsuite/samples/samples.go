// Package samples supplies vCon payloads for dispatch.
package samples

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/vcon-dev/conserver-testsuite/internal/common/harnesserrors"
)

// Source yields one payload per dispatched work item.
type Source interface {
	Next() ([]byte, error)
}

// DirSource picks a random sample file from a directory on each call.
// Files are read once and cached; the payload handed out is always a copy,
// so callers may tag it in place.
type DirSource struct {
	// Source of randomness for sample selection. Tests can substitute a
	// deterministic reader.
	Random io.Reader

	payloads [][]byte
	mu       sync.Mutex
}

// NewDirSource loads every *.vcon and *.json file under dir.
func NewDirSource(dir string, random io.Reader) (*DirSource, error) {
	var paths []string
	for _, pattern := range []string{"*.vcon", "*.json"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		paths = append(paths, matches...)
	}
	if len(paths) == 0 {
		return nil, errors.WithStack(&harnesserrors.ErrInvalidArgument{
			Name:    "SampleDir",
			Value:   dir,
			Message: "no sample vCon files found",
		})
	}
	payloads := make([][]byte, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading sample %s", path)
		}
		payloads = append(payloads, data)
	}
	return &DirSource{Random: random, payloads: payloads}, nil
}

func (s *DirSource) Next() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf [8]byte
	if _, err := io.ReadFull(s.Random, buf[:]); err != nil {
		return nil, errors.WithStack(err)
	}
	i := binary.BigEndian.Uint64(buf[:]) % uint64(len(s.payloads))
	payload := make([]byte, len(s.payloads[i]))
	copy(payload, s.payloads[i])
	return payload, nil
}

// StaticSource always returns a copy of the same payload. Used in tests and
// when the operator supplies a single sample file.
type StaticSource struct {
	Payload []byte
}

func (s *StaticSource) Next() ([]byte, error) {
	payload := make([]byte, len(s.Payload))
	copy(payload, s.Payload)
	return payload, nil
}
