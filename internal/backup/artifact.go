package backup

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/juju/errors"

	"github.com/loykin/hotbackup/internal/metrics"
)

// Artifact is one file in the backups directory. The listing and the file's
// mtime are the only record of a backup: there is no manifest.
type Artifact struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// scan returns the regular files directly inside dir, newest first. Ties on
// mtime are broken by name, descending. Files that vanish while scanning are
// skipped.
func scan(dir string) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Annotatef(err, "listing %s", dir)
	}
	out := make([]Artifact, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, errors.Annotatef(err, "stat %s", e.Name())
		}
		out = append(out, Artifact{
			Path:    filepath.Join(dir, e.Name()),
			Name:    e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

// List returns the artifacts in dir, newest first.
func List(dir string) ([]Artifact, error) {
	return scan(dir)
}

// Rotate keeps the keep most recently modified regular files directly inside
// dir and deletes the rest. It returns the deleted paths. Files deleted by
// someone else in the meantime are skipped silently, so a second call with
// the same keep deletes nothing.
func Rotate(dir string, keep int) ([]string, error) {
	if keep < 0 {
		return nil, errors.Errorf("keep_latest must be >= 0, got %d", keep)
	}
	arts, err := scan(dir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(arts) <= keep {
		return nil, nil
	}
	var removed []string
	for _, a := range arts[keep:] {
		if err := os.Remove(a.Path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return removed, errors.Annotatef(err, "removing old backup %s", a.Name)
		}
		removed = append(removed, a.Path)
	}
	metrics.AddRotated(len(removed))
	return removed, nil
}
