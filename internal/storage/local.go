// Package storage persists recording audio on the local filesystem so failed
// tasks can be reprocessed without resubmitting audio data.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const maxPatientNameLen = 50

// LocalStore stores recording audio files on the local filesystem.
type LocalStore struct {
	audioDir string
}

// NewLocalStore creates a local filesystem audio store rooted at audioDir.
func NewLocalStore(audioDir string) *LocalStore {
	return &LocalStore{audioDir: audioDir}
}

// SaveRecording writes audio under a name derived from the patient and the
// current time, returning the absolute path. The 8-char random suffix keeps
// concurrent saves for the same patient from colliding.
func (s *LocalStore) SaveRecording(ctx context.Context, patientName string, audio []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	suffix, err := randomSuffix()
	if err != nil {
		return "", fmt.Errorf("random suffix: %w", err)
	}
	now := time.Now()
	name := fmt.Sprintf("recording_%s_%s_%s_%s.mp3",
		SanitizePatientName(patientName),
		now.Format("02-01-06"),
		now.Format("15-04-05"),
		suffix)

	path := filepath.Join(s.audioDir, name)
	if err := s.write(path, audio); err != nil {
		return "", err
	}
	return path, nil
}

// write performs an atomic temp-file-plus-rename write.
func (s *LocalStore) write(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".audio-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Load reads a previously saved recording back, for reprocessing.
func (s *LocalStore) Load(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Exists reports whether the given audio path is still on disk.
func (s *LocalStore) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Dir returns the audio directory path.
func (s *LocalStore) Dir() string { return s.audioDir }

// SanitizePatientName strips everything outside [A-Za-z0-9 _-] and caps the
// result at 50 characters. An empty result becomes "unknown".
func SanitizePatientName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == ' ', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if len(out) > maxPatientNameLen {
		out = out[:maxPatientNameLen]
	}
	if out == "" {
		return "unknown"
	}
	return out
}

func randomSuffix() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
