package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Artifact serving lets bootstrap clients pull runner binaries from the
// manager instead of shipping images to every host. Checksums are
// computed once per file and cached by (size, mtime).
type artifactInfo struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Sha256 string `json:"sha256"`
}

type artifactServer struct {
	dir string
	log *log.Logger

	mu    sync.Mutex
	cache map[string]cachedSum
}

type cachedSum struct {
	size  int64
	mtime int64
	sum   string
}

func registerArtifactRoutes(mux *http.ServeMux, dir string, logger *log.Logger) {
	s := &artifactServer{dir: dir, log: logger, cache: map[string]cachedSum{}}
	mux.HandleFunc("/v1/artifacts", s.handleList)
	mux.HandleFunc("/v1/artifacts/", s.handleGet)
	logger.Printf("serving artifacts from %s", dir)
}

func (s *artifactServer) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		http.Error(w, "artifact dir unavailable", http.StatusInternalServerError)
		return
	}
	out := []artifactInfo{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		sum, err := s.checksum(e.Name(), info.Size(), info.ModTime().UnixNano())
		if err != nil {
			s.log.Printf("checksum %s: %v", e.Name(), err)
			continue
		}
		out = append(out, artifactInfo{Name: e.Name(), Size: info.Size(), Sha256: sum})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *artifactServer) handleGet(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/v1/artifacts/")
	if name == "" || name != filepath.Base(name) {
		http.Error(w, "bad artifact name", http.StatusBadRequest)
		return
	}
	path := filepath.Join(s.dir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	sum, err := s.checksum(name, info.Size(), info.ModTime().UnixNano())
	if err == nil {
		w.Header().Set("X-Checksum-Sha256", sum)
	}
	http.ServeFile(w, r, path)
}

func (s *artifactServer) checksum(name string, size, mtime int64) (string, error) {
	s.mu.Lock()
	if c, ok := s.cache[name]; ok && c.size == size && c.mtime == mtime {
		s.mu.Unlock()
		return c.sum, nil
	}
	s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	sum := hex.EncodeToString(h.Sum(nil))

	s.mu.Lock()
	s.cache[name] = cachedSum{size: size, mtime: mtime, sum: sum}
	s.mu.Unlock()
	return sum, nil
}
