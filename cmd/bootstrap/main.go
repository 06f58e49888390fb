// Command bootstrap provisions a runner host: it pulls the binaries the
// manager serves, verifies their checksums and marks them executable.
// Rerunning is cheap; up-to-date files are skipped.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type artifactInfo struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Sha256 string `json:"sha256"`
}

func main() {
	var (
		managerURL = flag.String("manager", "http://127.0.0.1:8090", "manager http base url")
		outDir     = flag.String("out", "./bin", "destination directory")
		only       = flag.String("only", "", "fetch a single artifact by name")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bootstrap] ", log.LstdFlags)

	base := strings.TrimRight(*managerURL, "/")
	client := &http.Client{Timeout: 5 * time.Minute}

	list, err := fetchList(client, base)
	if err != nil {
		logger.Fatalf("list artifacts: %v", err)
	}
	if len(list) == 0 {
		logger.Fatalf("manager at %s serves no artifacts", base)
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		logger.Fatalf("create %s: %v", *outDir, err)
	}

	fetched, skipped := 0, 0
	for _, a := range list {
		if *only != "" && a.Name != *only {
			continue
		}
		dest := filepath.Join(*outDir, a.Name)
		if localMatches(dest, a.Sha256) {
			skipped++
			continue
		}
		if err := download(client, base, a, dest); err != nil {
			logger.Fatalf("fetch %s: %v", a.Name, err)
		}
		logger.Printf("fetched %s (%d bytes, sha256 %s)", a.Name, a.Size, a.Sha256[:12])
		fetched++
	}
	if *only != "" && fetched+skipped == 0 {
		logger.Fatalf("artifact %q not served by the manager", *only)
	}
	logger.Printf("done: %d fetched, %d up to date", fetched, skipped)
}

func fetchList(client *http.Client, base string) ([]artifactInfo, error) {
	resp, err := client.Get(base + "/v1/artifacts")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %s", resp.Status)
	}
	var out []artifactInfo
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func localMatches(path, wantSum string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	return hex.EncodeToString(h.Sum(nil)) == wantSum
}

func download(client *http.Client, base string, a artifactInfo, dest string) error {
	resp, err := client.Get(base + "/v1/artifacts/" + a.Name)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+a.Name+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != a.Sha256 {
		return fmt.Errorf("checksum mismatch: got %s, want %s", got, a.Sha256)
	}
	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
