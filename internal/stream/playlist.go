package stream

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// videoExtensions are the container formats considered when expanding a
// folder. A path given directly as a file is accepted regardless.
var videoExtensions = map[string]bool{
	".mp4":  true,
	".avi":  true,
	".mkv":  true,
	".mov":  true,
	".wmv":  true,
	".webm": true,
}

// ResolveSources expands a video path into an ordered playlist: a file
// becomes a single-entry list, a folder becomes its video files sorted by
// name.
func ResolveSources(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("video path is empty")
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat video path: %w", err)
	}

	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read video folder: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if videoExtensions[ext] {
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no video files found in %s", path)
	}

	sort.Strings(files)
	return files, nil
}
