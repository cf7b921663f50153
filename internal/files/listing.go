package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Kind classifies a directory entry for the client.
type Kind string

const (
	KindDirectory Kind = "directory"
	KindVideo     Kind = "video"
	KindFile      Kind = "file"
	// KindError marks an entry that could not be inspected.
	KindError Kind = "error"
)

var videoExts = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".avi":  true,
	".webm": true,
	".m4v":  true,
}

// statConcurrency bounds the stat calls in flight for one listing.
const statConcurrency = 16

// IsVideo reports whether name has a video file extension, ignoring case.
func IsVideo(name string) bool {
	return videoExts[strings.ToLower(filepath.Ext(name))]
}

// Classify returns the kind of the entry at path. Symlinks are followed.
func Classify(path string) Kind {
	info, err := os.Stat(path)
	if err != nil {
		return KindError
	}
	if info.IsDir() {
		return KindDirectory
	}
	if IsVideo(path) {
		return KindVideo
	}
	return KindFile
}

// List classifies every entry of dir, keyed by entry name.
// Entries that cannot be inspected are reported as KindError rather than failing the listing.
func List(dir string) (map[string]Kind, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory %q: %w", dir, err)
	}

	var (
		mu      sync.Mutex
		listing = make(map[string]Kind, len(entries))
		group   errgroup.Group
	)
	group.SetLimit(statConcurrency)
	for _, e := range entries {
		name := e.Name()
		group.Go(func() error {
			kind := Classify(filepath.Join(dir, name))
			mu.Lock()
			listing[name] = kind
			mu.Unlock()
			return nil
		})
	}
	group.Wait()
	return listing, nil
}
