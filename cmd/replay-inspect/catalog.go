package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"snowbiome/server/internal/replay"
)

// catalogEntry captures a replay header alongside the bundle directory.
type catalogEntry struct {
	Dir    string        `json:"dir"`
	Header replay.Header `json:"header"`
	Live   bool          `json:"live"`
}

// listBundles returns the header of every bundle directly below root, oldest
// session first.
func listBundles(root string) ([]catalogEntry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var entries []catalogEntry
	//1.- A bundle is any directory holding a header; anything else is skipped.
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(root, d.Name())
		header, err := replay.ReadHeader(filepath.Join(dir, "header.json"))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%s: %w", dir, err)
		}
		entry := catalogEntry{Dir: dir, Header: header, Live: true}
		var manifest replay.Manifest
		if payload, err := os.ReadFile(filepath.Join(dir, header.FilePointer)); err == nil && json.Unmarshal(payload, &manifest) == nil {
			entry.Live = manifest.ClosedAt.IsZero()
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Header.StartedAt.Equal(entries[j].Header.StartedAt) {
			return entries[i].Dir < entries[j].Dir
		}
		return entries[i].Header.StartedAt.Before(entries[j].Header.StartedAt)
	})
	return entries, nil
}

func marshalIndented(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
