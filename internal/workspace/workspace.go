package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidVideoID is returned for IDs that cannot name a directory
var ErrInvalidVideoID = errors.New("invalid video id")

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// Workspace lays out local files per video:
//
//	{root}/{videoID}/source-{n}{ext}  an uploaded original
//	{root}/{videoID}/work/            per-attempt outputs
//
// Every upload gets its own source file, so a rejected upload never touches
// the file a queued job reads.
type Workspace struct {
	root string
}

// New creates the root directory if needed
func New(root string) (*Workspace, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "vodpipeline")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Workspace{root: root}, nil
}

// Root returns the workspace root
func (w *Workspace) Root() string {
	return w.root
}

// Dir returns the directory holding everything of a video
func (w *Workspace) Dir(videoID string) (string, error) {
	if !validID.MatchString(videoID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVideoID, videoID)
	}
	return filepath.Join(w.root, videoID), nil
}

// NewSourcePath returns a fresh path for an original of the video. The
// extension of fileName is preserved so tools can sniff the container.
func (w *Workspace) NewSourcePath(videoID, fileName string) (string, error) {
	dir, err := w.Dir(videoID)
	if err != nil {
		return "", err
	}
	name := "source-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12] + sourceExt(fileName)
	return filepath.Join(dir, name), nil
}

// WorkDir returns the per-attempt output directory
func (w *Workspace) WorkDir(videoID string) (string, error) {
	dir, err := w.Dir(videoID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "work"), nil
}

// Prepare returns an empty work directory for a new attempt
func (w *Workspace) Prepare(videoID string) (string, error) {
	dir, err := w.WorkDir(videoID)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to reset work dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}
	return dir, nil
}

// Save writes an original of a video under a path of its own and returns
// the path and size
func (w *Workspace) Save(videoID, fileName string, r io.Reader) (string, int64, error) {
	path, err := w.NewSourcePath(videoID, fileName)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create video dir: %w", err)
	}

	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create source file: %w", err)
	}

	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("failed to write source file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("failed to store source file: %w", err)
	}
	return path, n, nil
}

// CleanupWork removes the work directory and keeps the original, so a
// later attempt can start from it. Removing a missing directory succeeds.
func (w *Workspace) CleanupWork(videoID string) error {
	dir, err := w.WorkDir(videoID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove work dir: %w", err)
	}
	return nil
}

// Discard removes a saved original that no job will read
func (w *Workspace) Discard(videoID, sourcePath string) error {
	dir, err := w.Dir(videoID)
	if err != nil {
		return err
	}
	if filepath.Dir(sourcePath) != dir {
		return fmt.Errorf("source %q is outside of %s", sourcePath, dir)
	}
	if err := os.Remove(sourcePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove source file: %w", err)
	}
	return nil
}

// CleanupJob removes the files of one finished job: its original and the
// work directory. The video directory goes too once nothing else is in it.
func (w *Workspace) CleanupJob(videoID, sourcePath string) error {
	if err := w.CleanupWork(videoID); err != nil {
		return err
	}
	if sourcePath != "" {
		if err := w.Discard(videoID, sourcePath); err != nil {
			return err
		}
	}
	dir, _ := w.Dir(videoID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read video dir: %w", err)
	}
	if len(entries) == 0 {
		// a concurrent upload may have raced in; leave the dir then
		_ = os.Remove(dir)
	}
	return nil
}

// Cleanup removes every local file of a video. It is safe to call any
// number of times.
func (w *Workspace) Cleanup(videoID string) error {
	dir, err := w.Dir(videoID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove video dir: %w", err)
	}
	return nil
}

func sourceExt(fileName string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(fileName)))
	if len(ext) < 2 || len(ext) > 6 || strings.ContainsAny(ext, `/\ `) {
		return ""
	}
	return ext
}
