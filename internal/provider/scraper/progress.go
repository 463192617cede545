package scraper

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	reRatio   = regexp.MustCompile(`(\d+)\s*/\s*(\d+)`)
	rePercent = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)
)

// mediaExtensions are the output types counted by the file-arrival heuristic.
var mediaExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".avif": true, ".bmp": true, ".tiff": true,
	".mp4": true, ".webm": true, ".mkv": true, ".mov": true, ".avi": true,
	".mp3": true, ".m4a": true, ".ogg": true, ".flac": true, ".wav": true,
	".zip": true, ".cbz": true, ".rar": true, ".7z": true, ".tar": true,
	".pdf": true, ".txt": true, ".json": true,
}

// tracker derives percent progress from scraper stdout using three
// independent heuristics: explicit current/total ratios, bare percent tokens,
// and the arrival of new files inside the job's private working directory.
type tracker struct {
	workDir string

	expectedItems  int
	completedItems int
	seenFiles      map[string]bool
}

func newTracker(workDir string) *tracker {
	return &tracker{workDir: workDir, seenFiles: make(map[string]bool)}
}

func (t *tracker) setExpected(total int) {
	if total > 0 {
		t.expectedItems = total
	}
}

// handle parses one output line and returns a display message plus the
// current percent (nil when unknown).
func (t *tracker) handle(line string) (string, *float64) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}

	if msg, percent, claimed := t.handlePath(line); claimed {
		return msg, percent
	}

	if m := reRatio.FindStringSubmatch(line); m != nil {
		current, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		if total > 0 {
			percent := float64(current) / float64(total) * 100
			if percent > 100 {
				percent = 100
			}
			return fmt.Sprintf("%d/%d (%.1f%%)", current, total, percent), &percent
		}
	}
	if m := rePercent.FindStringSubmatch(line); m != nil {
		if percent, err := strconv.ParseFloat(m[1], 64); err == nil && percent >= 0 {
			if percent > 100 {
				percent = 100
			}
			return fmt.Sprintf("%.1f%%", percent), &percent
		}
	}
	return "", nil
}

// handlePath counts a newly observed output path with a recognized media or
// archive extension. The claimed result is true for every absolute path that
// resolves inside the working directory, counted or not, so the ratio and
// percent heuristics never run against digits embedded in a path. Paths
// outside the working directory and non-path lines are left to them.
func (t *tracker) handlePath(line string) (string, *float64, bool) {
	if t.workDir == "" {
		return "", nil, false
	}
	candidate := strings.TrimPrefix(line, "# ")
	if !filepath.IsAbs(candidate) {
		return "", nil, false
	}
	candidate = filepath.Clean(candidate)
	prefix := filepath.Clean(t.workDir) + string(filepath.Separator)
	if !strings.HasPrefix(candidate, prefix) {
		return "", nil, false
	}

	basename := filepath.Base(candidate)
	if basename == "" || t.seenFiles[basename] {
		return "", nil, true
	}
	if !mediaExtensions[strings.ToLower(filepath.Ext(basename))] {
		return "", nil, true
	}

	t.seenFiles[basename] = true
	t.completedItems++

	if t.expectedItems > 0 {
		if t.completedItems > t.expectedItems {
			t.expectedItems = t.completedItems
		}
		percent := float64(t.completedItems) / float64(t.expectedItems) * 100
		if percent > 100 {
			percent = 100
		}
		return fmt.Sprintf("%s (%d/%d)", basename, t.completedItems, t.expectedItems), &percent, true
	}
	return fmt.Sprintf("%s (%d files)", basename, t.completedItems), nil, true
}
