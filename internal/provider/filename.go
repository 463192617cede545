package provider

import (
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// invalidExtensions are placeholders some sources report instead of a usable
// extension; they get corrected from the content type or the source URL.
var invalidExtensions = map[string]bool{
	"":               true,
	".unknown":       true,
	".unknown_video": true,
	".unknown_audio": true,
}

// SanitizeFilename strips path components and NUL bytes from a candidate
// name. An empty result falls back to a generated name.
func SanitizeFilename(candidate string) string {
	candidate = strings.ReplaceAll(candidate, "\x00", "")
	candidate = strings.ReplaceAll(candidate, "\\", "/")
	name := strings.TrimSpace(path.Base(candidate))
	if name == "" || name == "." || name == "/" {
		return fmt.Sprintf("download-%s", uuid.NewString())
	}
	return name
}

// GuessFilename resolves an output filename from the Content-Disposition
// header, then the URL path, then a generated fallback.
func GuessFilename(header http.Header, rawURL string) string {
	if disposition := header.Get("Content-Disposition"); disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if filename := params["filename"]; filename != "" {
				return SanitizeFilename(filename)
			}
		}
	}
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Path != "" {
		if unescaped, err := url.PathUnescape(path.Base(parsed.Path)); err == nil {
			name := SanitizeFilename(unescaped)
			if name != "" {
				return name
			}
		}
	}
	return fmt.Sprintf("download-%s", uuid.NewString())
}

// FixExtension corrects an ambiguous or missing extension using the response
// content type first and the original URL's extension second.
func FixExtension(filename, contentType, sourceURL string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if !invalidExtensions[ext] {
		return filename
	}

	var originalExt string
	if parsed, err := url.Parse(sourceURL); err == nil {
		originalExt = filepath.Ext(parsed.Path)
	}
	if originalExt != "" && !invalidExtensions[strings.ToLower(originalExt)] {
		return replaceExtension(filename, originalExt)
	}

	if contentType != "" {
		mediaType := strings.TrimSpace(strings.Split(contentType, ";")[0])
		if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
			return replaceExtension(filename, exts[0])
		}
	}
	return filename
}

func replaceExtension(filename, newExt string) string {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	return base + newExt
}

// EnsureUniquePath appends _1, _2, ... to the base name until the path does
// not collide with an existing file. It returns the final name and full path.
func EnsureUniquePath(dir, filename string) (string, string) {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	candidate := filename
	for counter := 1; ; counter++ {
		full := filepath.Join(dir, candidate)
		if _, err := os.Stat(full); os.IsNotExist(err) {
			return candidate, full
		}
		candidate = fmt.Sprintf("%s_%d%s", base, counter, ext)
	}
}
