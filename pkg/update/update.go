// Package update fetches and stages daemon release archives. Staging is
// the whole job: the archive is downloaded, verified, and unpacked next
// to the running install, but nothing swaps binaries in place. The
// operator (or the installer) applies a staged update.
package update

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tmhk/dock/pkg/config"
	"github.com/tmhk/dock/pkg/telemetry"
)

// maxArchiveSize bounds the download; a release archive is a few MB.
const maxArchiveSize = 100 << 20

// maxFileSize bounds a single unpacked file against zip bombs.
const maxFileSize = 50 << 20

// manifestFile records what was staged and from where.
const manifestFile = "staged.json"

// Staged describes a successfully staged update.
type Staged struct {
	// Ref identifies the fetched archive: the server's ETag when it
	// sends one, otherwise a checksum prefix.
	Ref string `json:"ref"`

	// Branch is the release channel the archive came from.
	Branch string `json:"branch"`

	// URL is the fetched archive URL.
	URL string `json:"url"`

	// SHA256 is the hex digest of the archive bytes.
	SHA256 string `json:"sha256"`

	// Dir is where the archive was unpacked.
	Dir string `json:"dir"`

	// Files is the number of files written.
	Files int `json:"files"`

	// FetchedAt is when the download completed.
	FetchedAt time.Time `json:"fetched_at"`
}

// Updater downloads and stages release archives.
type Updater struct {
	cfg    *config.Config
	client *http.Client
	logger *telemetry.Logger
}

// NewUpdater creates an updater. A nil client uses a default with a
// download-appropriate timeout.
func NewUpdater(cfg *config.Config, client *http.Client, logger *telemetry.Logger) *Updater {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Updater{
		cfg:    cfg,
		client: client,
		logger: logger.NewComponentLogger("update"),
	}
}

// archiveURL builds the branch archive URL.
func (u *Updater) archiveURL() string {
	return strings.TrimSuffix(u.cfg.Update.BaseURL, "/") + "/" + u.cfg.Update.Branch + ".zip"
}

// Stage downloads the configured branch archive and unpacks it into the
// staging directory. A previous staging for the same ref is replaced.
func (u *Updater) Stage(ctx context.Context) (*Staged, error) {
	if u.cfg.Update.BaseURL == "" {
		return nil, fmt.Errorf("no update base URL configured")
	}

	url := u.archiveURL()
	u.logger.WithField("url", url).Info("fetching release archive")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed: server returned %s", resp.Status)
	}

	archive, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveSize+1))
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	if len(archive) > maxArchiveSize {
		return nil, fmt.Errorf("archive exceeds %d bytes", maxArchiveSize)
	}

	sum := sha256.Sum256(archive)
	digest := hex.EncodeToString(sum[:])

	ref := sanitizeRef(resp.Header.Get("ETag"))
	if ref == "" {
		ref = digest[:12]
	}

	dir := filepath.Join(u.cfg.StagingDir(), ref)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to clear staging dir: %w", err)
	}

	files, err := unpack(archive, dir)
	if err != nil {
		return nil, err
	}

	staged := &Staged{
		Ref:       ref,
		Branch:    u.cfg.Update.Branch,
		URL:       url,
		SHA256:    digest,
		Dir:       dir,
		Files:     files,
		FetchedAt: time.Now().UTC(),
	}

	if err := writeManifest(dir, staged); err != nil {
		return nil, err
	}

	u.logger.WithFields(map[string]any{
		"ref":    staged.Ref,
		"sha256": staged.SHA256,
		"files":  staged.Files,
	}).Info("update staged")

	return staged, nil
}

// Staged lists previously staged updates, newest first by fetch time.
func (u *Updater) Staged() ([]*Staged, error) {
	entries, err := os.ReadDir(u.cfg.StagingDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read staging dir: %w", err)
	}

	var out []*Staged
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(u.cfg.StagingDir(), entry.Name(), manifestFile))
		if err != nil {
			continue
		}
		var s Staged
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		out = append(out, &s)
	}
	return out, nil
}

// unpack writes a zip archive's files under dir. Branch archives carry
// a single top-level directory; it is stripped so the staged tree
// mirrors the install layout.
func unpack(archive []byte, dir string) (int, error) {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return 0, fmt.Errorf("archive is not a zip: %w", err)
	}

	prefix := commonPrefix(reader.File)

	files := 0
	for _, f := range reader.File {
		name := strings.TrimPrefix(f.Name, prefix)
		if name == "" || strings.HasSuffix(name, "/") {
			continue
		}

		target := filepath.Join(dir, filepath.FromSlash(name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return 0, fmt.Errorf("archive entry %q escapes the staging dir", f.Name)
		}
		if f.UncompressedSize64 > maxFileSize {
			return 0, fmt.Errorf("archive entry %q exceeds %d bytes", f.Name, int64(maxFileSize))
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return 0, fmt.Errorf("failed to create directory: %w", err)
		}

		src, err := f.Open()
		if err != nil {
			return 0, fmt.Errorf("failed to open archive entry %q: %w", f.Name, err)
		}
		data, err := io.ReadAll(io.LimitReader(src, maxFileSize))
		src.Close()
		if err != nil {
			return 0, fmt.Errorf("failed to read archive entry %q: %w", f.Name, err)
		}

		if err := os.WriteFile(target, data, f.Mode().Perm()|0600); err != nil {
			return 0, fmt.Errorf("failed to write %q: %w", target, err)
		}
		files++
	}

	if files == 0 {
		return 0, fmt.Errorf("archive contained no files")
	}
	return files, nil
}

// commonPrefix returns the single top-level directory shared by every
// entry, or empty when there is none.
func commonPrefix(files []*zip.File) string {
	var prefix string
	for _, f := range files {
		top, _, found := strings.Cut(f.Name, "/")
		if !found {
			return ""
		}
		if prefix == "" {
			prefix = top
		} else if top != prefix {
			return ""
		}
	}
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// sanitizeRef reduces an ETag to something safe to use as a directory
// name.
func sanitizeRef(etag string) string {
	var b strings.Builder
	for _, r := range strings.Trim(etag, `W/"`) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func writeManifest(dir string, staged *Staged) error {
	data, err := json.MarshalIndent(staged, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode staging manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write staging manifest: %w", err)
	}
	return nil
}
