package transcoder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/config"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/logging"
)

// fakeStore records uploads in memory
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  func(key string) bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (s *fakeStore) Put(_ context.Context, bucket, key string, data []byte, _ string) error {
	if s.failOn != nil && s.failOn(key) {
		return errors.New("storage unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = append([]byte(nil), data...)
	return nil
}

func (s *fakeStore) PutFile(ctx context.Context, bucket, key, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return s.Put(ctx, bucket, key, data, "")
}

func (s *fakeStore) PublicURL(bucket, key string) string {
	return "http://cdn.test/" + bucket + "/" + key
}

func (s *fakeStore) object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+key]
	return data, ok
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// writeScript writes an executable shell script standing in for ffmpeg or
// ffprobe
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func newTestEngine(t *testing.T, ffmpegPath, ffprobePath string, store ObjectStore) *Engine {
	t.Helper()
	return NewEngine(
		config.TranscoderConfig{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath},
		config.StorageConfig{VideoBucket: "videos", ThumbnailBucket: "thumbnails"},
		store,
		logging.NewNopLogger(),
	)
}
