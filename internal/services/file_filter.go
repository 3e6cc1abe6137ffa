package services

import (
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"cleanreport/internal/models"
)

// Allowed extension sets. Photos go through the media-group path, videos and
// documents through their own delivery paths.
var (
	PhotoExtensions    = []string{"jpg", "jpeg", "png", "bmp", "gif"}
	VideoExtensions    = []string{"mp4"}
	DocumentExtensions = []string{"pdf"}
)

// OS artifacts that show up in synced Disk folders and must never reach the
// report.
var tempFileNames = map[string]bool{
	"thumbs.db":   true,
	".ds_store":   true,
	"desktop.ini": true,
	".picasa.ini": true,
}

// FileFilter drops folder entries that cannot be part of a report: missing
// name or download URL, oversized, wrong extension, or temporary-file names.
// Purely structural, no network calls.
type FileFilter struct {
	maxSizeMB float64
	allowed   map[string]bool
}

// NewFileFilter builds a filter for one extension set and a size ceiling in
// megabytes.
func NewFileFilter(maxSizeMB int, extensions []string) *FileFilter {
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}
	return &FileFilter{maxSizeMB: float64(maxSizeMB), allowed: allowed}
}

// Valid reports whether a single file passes all checks.
func (f *FileFilter) Valid(file models.RemoteFile) bool {
	name := strings.ToLower(file.Name)
	switch {
	case file.Name == "":
		log.Debug().Int("fileID", file.ID).Msg("Skipping file without a name")
		return false
	case file.DownloadURL == "":
		log.Debug().Str("name", file.Name).Msg("Skipping file without a download URL")
		return false
	case !validDownloadURL(file.DownloadURL):
		log.Debug().Str("name", file.Name).Str("url", file.DownloadURL).Msg("Skipping file with a malformed download URL")
		return false
	case strings.HasPrefix(file.Name, "~") || strings.HasSuffix(name, ".tmp") || tempFileNames[name]:
		log.Debug().Str("name", file.Name).Msg("Skipping temporary file")
		return false
	case file.SizeMB() > f.maxSizeMB:
		log.Warn().Str("name", file.Name).Float64("sizeMB", file.SizeMB()).Float64("maxMB", f.maxSizeMB).Msg("Skipping oversized file")
		return false
	case !f.allowed[file.Ext()]:
		log.Debug().Str("name", file.Name).Str("ext", file.Ext()).Msg("Skipping file with disallowed extension")
		return false
	}
	return true
}

// Filter returns the files that pass Valid, preserving order. Filtering an
// already-filtered list is a no-op.
func (f *FileFilter) Filter(files []models.RemoteFile) []models.RemoteFile {
	valid := make([]models.RemoteFile, 0, len(files))
	for _, file := range files {
		if f.Valid(file) {
			valid = append(valid, file)
		}
	}
	log.Debug().Int("in", len(files)).Int("out", len(valid)).Msg("Filtered folder files")
	return valid
}

func validDownloadURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}
