package bundle

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
)

// Guards applied while extracting uploaded archives. Individual plans
// additionally cap the total bundle size at publish time.
const (
	// MaxZipEntries bounds the number of files in one archive.
	MaxZipEntries = 500

	// MaxZipFileBytes bounds one extracted file.
	MaxZipFileBytes = 25 << 20

	// MaxZipTotalBytes bounds the extracted archive as a whole. Also
	// guards against zip bombs whose compressed form is tiny.
	MaxZipTotalBytes = 200 << 20
)

// ExtractZip decodes an uploaded ZIP archive into bundle files.
// Directory entries and archive metadata files are skipped; entry paths
// are normalized to forward slashes relative to the bundle root. A
// shared top-level directory (as produced by GitHub zipballs) is
// stripped.
func ExtractZip(data []byte) ([]File, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid zip archive: %w", err)
	}

	if len(reader.File) > MaxZipEntries {
		return nil, fmt.Errorf("archive has %d entries, limit is %d", len(reader.File), MaxZipEntries)
	}

	var files []File
	var total int64
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		name, ok := cleanEntryPath(entry.Name)
		if !ok {
			return nil, fmt.Errorf("archive entry %q escapes the bundle root", entry.Name)
		}
		if skipEntry(name) {
			continue
		}
		if entry.UncompressedSize64 > MaxZipFileBytes {
			return nil, fmt.Errorf("archive entry %q exceeds the %d byte file limit", name, int64(MaxZipFileBytes))
		}

		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("open archive entry %q: %w", name, err)
		}
		// LimitReader guards against lying size headers.
		content, err := io.ReadAll(io.LimitReader(rc, MaxZipFileBytes+1))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read archive entry %q: %w", name, err)
		}
		if len(content) > MaxZipFileBytes {
			return nil, fmt.Errorf("archive entry %q exceeds the %d byte file limit", name, int64(MaxZipFileBytes))
		}

		total += int64(len(content))
		if total > MaxZipTotalBytes {
			return nil, fmt.Errorf("archive exceeds the %d byte total limit", int64(MaxZipTotalBytes))
		}
		files = append(files, File{Path: name, Data: content})
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("archive contains no files")
	}
	return stripCommonRoot(files), nil
}

// cleanEntryPath normalizes an archive entry name and rejects absolute
// paths and traversal outside the bundle root.
func cleanEntryPath(name string) (string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return "", false
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

// skipEntry drops archive noise that should never land in a bundle.
func skipEntry(name string) bool {
	base := path.Base(name)
	if base == ".DS_Store" || base == "Thumbs.db" {
		return true
	}
	return strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(name, ".git/")
}

// stripCommonRoot removes a single directory prefix shared by every
// file, which GitHub zipballs always carry ("{repo}-{ref}/...").
func stripCommonRoot(files []File) []File {
	if len(files) == 0 {
		return files
	}
	first := files[0].Path
	slash := strings.Index(first, "/")
	if slash < 0 {
		return files
	}
	prefix := first[:slash+1]
	for _, f := range files {
		if !strings.HasPrefix(f.Path, prefix) || len(f.Path) == len(prefix) {
			return files
		}
	}
	stripped := make([]File, len(files))
	for i, f := range files {
		stripped[i] = File{Path: f.Path[len(prefix):], Data: f.Data}
	}
	return stripped
}
