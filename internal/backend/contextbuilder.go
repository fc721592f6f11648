package backend

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"dist":         true,
}

// FileIndexBuilder lists the files under the work dir and inlines the current
// contents of the files a task is expected to write. It never modifies anything.
type FileIndexBuilder struct {
	MaxFiles     int   // Cap on listed paths (default 500)
	MaxFileBytes int64 // Files larger than this are listed but not inlined (default 64KiB)
}

// NewFileIndexBuilder returns a builder with default limits.
func NewFileIndexBuilder() *FileIndexBuilder {
	return &FileIndexBuilder{MaxFiles: 500, MaxFileBytes: 64 * 1024}
}

// Build renders the index for req.WorkDir.
func (b *FileIndexBuilder) Build(ctx context.Context, req Request, writesFiles []string) (string, error) {
	if req.WorkDir == "" {
		return "", nil
	}
	root, err := filepath.Abs(req.WorkDir)
	if err != nil {
		return "", fmt.Errorf("resolving work dir: %w", err)
	}

	var paths []string
	truncated := false
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && (skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if len(paths) >= b.MaxFiles {
			truncated = true
			return filepath.SkipAll
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("indexing %s: %w", root, err)
	}
	sort.Strings(paths)

	var out strings.Builder
	out.WriteString("Files:\n")
	for _, p := range paths {
		out.WriteString("  ")
		out.WriteString(p)
		out.WriteString("\n")
	}
	if truncated {
		fmt.Fprintf(&out, "  ... (listing capped at %d files)\n", b.MaxFiles)
	}

	for _, name := range writesFiles {
		full, err := resolveInside(root, name)
		if err != nil {
			return "", err
		}
		info, err := os.Stat(full)
		if os.IsNotExist(err) {
			fmt.Fprintf(&out, "\n%s (new file)\n", name)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", name, err)
		}
		if info.Size() > b.MaxFileBytes {
			fmt.Fprintf(&out, "\n%s (%d bytes, too large to inline)\n", name, info.Size())
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", name, err)
		}
		fmt.Fprintf(&out, "\n=== %s ===\n%s\n", name, data)
	}
	return out.String(), nil
}
