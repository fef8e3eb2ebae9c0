package backup

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	jujufs "github.com/juju/utils/v4/fs"
)

const stagingPrefix = "hotbackup-staging-"

// workspace is the staging directory of one run. It is only ever removed by
// the run that created it.
type workspace struct {
	dir     string
	created bool
}

// newWorkspace claims root/hotbackup-staging-<stamp>. The directory must not
// exist: a leftover from another run yields ErrStagingExists.
func newWorkspace(root, stamp string) (*workspace, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Annotate(err, "creating staging root")
	}
	dir := filepath.Join(root, stagingPrefix+stamp)
	if err := os.Mkdir(dir, 0o700); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, errors.Annotatef(ErrStagingExists, "%s", dir)
		}
		return nil, errors.Annotate(err, "creating staging directory")
	}
	return &workspace{dir: dir, created: true}, nil
}

// fill copies every entry of src into the workspace.
func (w *workspace) fill(src string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return errors.Annotatef(err, "reading data directory %s", src)
	}
	for _, e := range entries {
		if err := jujufs.Copy(filepath.Join(src, e.Name()), filepath.Join(w.dir, e.Name())); err != nil {
			return errors.Annotatef(err, "copying %s", e.Name())
		}
	}
	return nil
}

func (w *workspace) removeDir() error {
	if w == nil || !w.created {
		return nil
	}
	if err := os.RemoveAll(w.dir); err != nil {
		return errors.Annotate(err, "error removing staging directory")
	}
	w.created = false
	return nil
}

// cleanUp runs every cleanup step, logs each failure and reports how many
// failed.
func (w *workspace) cleanUp() error {
	var failed int
	funcs := []func() error{
		w.removeDir,
	}
	for _, cleanupFunc := range funcs {
		if err := cleanupFunc(); err != nil {
			slog.Error("Staging cleanup failed", "dir", w.dir, "error", err)
			failed++
		}
	}
	if failed > 0 {
		return errors.Errorf("%d errors during cleanup (see logs)", failed)
	}
	return nil
}

// removeStale deletes staging directories left behind by crashed runs.
func removeStale(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Annotate(err, "listing staging root")
	}
	var removed []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), stagingPrefix) {
			continue
		}
		p := filepath.Join(root, e.Name())
		if err := os.RemoveAll(p); err != nil {
			return removed, errors.Annotatef(err, "removing stale staging %s", p)
		}
		slog.Warn("Removed stale staging directory", "dir", p)
		removed = append(removed, p)
	}
	return removed, nil
}
