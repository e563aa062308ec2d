package worker

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/user/stratoq"
	"github.com/user/stratoq/pkg/resultfile"
)

// ResultFileServer serves result files TaskRunners have written over
// HTTP GET, and periodically reaps stale temp files.
type ResultFileServer struct {
	dir    string
	logger stratoq.Logger
}

func NewResultFileServer(dir string, logger stratoq.Logger) *ResultFileServer {
	return &ResultFileServer{dir: dir, logger: logger}
}

// URLFor returns the path segment GET /<result-file> expects for a bundle's
// ready file, derived the same way resultfile.Path names it.
func (s *ResultFileServer) URLFor(coordinatorID string, queryID, bundleID int64) string {
	base := resultfile.Path("", coordinatorID, queryID, bundleID)
	return filepath.Base(base) + resultfile.ReadySuffix
}

// ServeHTTP streams the requested result file, 404ing if it was already
// reclaimed or was never produced: the coordinator must never fetch a file
// the worker no longer vouches for.
func (s *ResultFileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	if name == "" || strings.Contains(name, "..") || strings.Contains(name, string(os.PathSeparator)) {
		http.NotFound(w, r)
		return
	}
	path := filepath.Join(s.dir, name)
	f, err := os.Open(path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, name, time.Time{}, f)
}

// Delete removes a bundle's ready result file on successful coordinator
// acknowledgement.
func (s *ResultFileServer) Delete(coordinatorID string, queryID, bundleID int64) {
	base := resultfile.Path(s.dir, coordinatorID, queryID, bundleID)
	if err := os.Remove(base + resultfile.ReadySuffix); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("worker: failed to delete result file", "path", base, "error", err)
	}
}

// DeleteForQuery removes every result file this worker holds for one query
// of one coordinator, writing-state and ready alike, used when a
// delete-files notice arrives and the in-memory bundle bookkeeping may
// already be gone.
func (s *ResultFileServer) DeleteForQuery(coordinatorID string, queryID int64) {
	// resultfile.Path(..., 0) ends in the bundle ordinal; trim it so the
	// prefix covers every bundle of the query.
	base := filepath.Base(resultfile.Path("", coordinatorID, queryID, 0))
	s.deleteByPrefix(strings.TrimSuffix(base, "0"))
}

// DeleteForCoordinator removes every result file belonging to a coordinator,
// used when its startup epoch changes and all files from the previous run
// are void.
func (s *ResultFileServer) DeleteForCoordinator(coordinatorID string) {
	s.deleteByPrefix(coordinatorID + "-")
}

func (s *ResultFileServer) deleteByPrefix(prefix string) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("worker: failed to list result dir", "dir", s.dir, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("worker: failed to delete result file", "path", path, "error", err)
		}
	}
}

// SweepStaleWriting removes .writing files older than maxAge regardless of
// query state, guarding against a crashed TaskRunner leaking a partial file
// forever.
func (s *ResultFileServer) SweepStaleWriting(maxAge time.Duration) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("worker: failed to list result dir for sweep", "dir", s.dir, "error", err)
		return
	}
	now := time.Now()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), resultfile.WritingSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= maxAge {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("worker: failed to sweep stale writing file", "path", path, "error", err)
		}
	}
}

// SweepExpiredReady removes ready result files older than maxAge regardless
// of whether the coordinator ever acknowledged them, bounding how long an
// unreclaimed file can occupy disk.
func (s *ResultFileServer) SweepExpiredReady(maxAge time.Duration) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("worker: failed to list result dir for sweep", "dir", s.dir, "error", err)
		return
	}
	now := time.Now()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), resultfile.ReadySuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= maxAge {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("worker: failed to sweep expired result file", "path", path, "error", err)
			continue
		}
		workerGCReclaimedTotal.Inc()
	}
}
