package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest name written next to the config.
const ChecksumFile = ".checksums"

// ErrNoChecksums is returned when a directory carries no manifest.
var ErrNoChecksums = errors.New("checksums file not found (run 'inputd config lock')")

// ChecksumManifest maps config file names to their BLAKE3 hashes.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// LockReport describes a written (or dry-run) manifest.
type LockReport struct {
	ChecksumPath string
	Written      bool
	Hashes       map[string]string
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// LockFiles hashes the given files (which must share a directory) and writes
// the manifest into that directory unless dryRun is set.
func LockFiles(paths []string, dryRun bool) (*LockReport, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no files to lock")
	}
	dir := filepath.Dir(paths[0])

	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(paths)),
	}
	for _, p := range paths {
		if filepath.Dir(p) != dir {
			return nil, fmt.Errorf("%s is not in %s", p, dir)
		}
		hash, err := ComputeBlake3Hash(p)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", filepath.Base(p), err)
		}
		manifest.Hashes[filepath.Base(p)] = hash
	}

	report := &LockReport{
		ChecksumPath: filepath.Join(dir, ChecksumFile),
		Hashes:       manifest.Hashes,
	}
	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}

	// Restrictive permissions: the manifest pins what may be loaded.
	if err := os.WriteFile(report.ChecksumPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true

	return report, nil
}

// LoadChecksums reads the manifest from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoChecksums
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}

	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}

	return &manifest, nil
}

// VerifyChecksums checks every file listed in the directory's manifest. A
// missing manifest is an error only when required is set.
func VerifyChecksums(configDir string, required bool) error {
	manifest, err := LoadChecksums(configDir)
	if errors.Is(err, ErrNoChecksums) && !required {
		return nil
	}
	if err != nil {
		return err
	}

	names := make([]string, 0, len(manifest.Hashes))
	for name := range manifest.Hashes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := VerifyFileHash(filepath.Join(configDir, name), manifest.Hashes[name]); err != nil {
			return fmt.Errorf("config verification failed: %w\n"+
				"If you edited this file intentionally, run: inputd config lock", err)
		}
	}
	return nil
}
