package localtool

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	rePercent = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)%`)
	reOf      = regexp.MustCompile(`\bof\s+~?\s*([0-9.]+)\s*([KMGT]?i?B)`)
	reSpeed   = regexp.MustCompile(`\bat\s+([0-9.]+)\s*([KMGT]?i?B)/s`)
	reETA     = regexp.MustCompile(`\bETA\s+([0-9:]+)`)
	reDest    = regexp.MustCompile(`^\[download\] Destination:\s+(.+)$`)
	reMerger  = regexp.MustCompile(`^\[Merger\] Merging formats into "(.+)"$`)
	reAlready = regexp.MustCompile(`^\[download\]\s+(.+) has already been downloaded`)
)

// cookieWarningMarkers flag tool output that indicates stored credentials or
// cookies are no longer accepted. These raise a warning side-channel instead
// of failing the job; the tool may still recover on retry.
var cookieWarningMarkers = []string{
	"cookies are no longer valid",
	"sign in to confirm you're not a bot",
	"sign in to confirm you’re not a bot",
	"use --cookies",
	"cookies for the authentication",
	"please sign in",
}

// lineUpdate is one parsed tool output line bridged back to the job task.
type lineUpdate struct {
	percent       *float64
	totalBytes    int64
	speed         *float64
	etaSec        *int
	destination   string
	cookieWarning string
	message       string
}

func parseLine(line string) lineUpdate {
	update := lineUpdate{}
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return update
	}
	update.message = trimmed

	lowered := strings.ToLower(trimmed)
	for _, marker := range cookieWarningMarkers {
		if strings.Contains(lowered, marker) {
			update.cookieWarning = trimmed
			return update
		}
	}

	if m := reDest.FindStringSubmatch(trimmed); m != nil {
		update.destination = strings.TrimSpace(m[1])
		return update
	}
	if m := reMerger.FindStringSubmatch(trimmed); m != nil {
		update.destination = strings.TrimSpace(m[1])
		return update
	}
	if m := reAlready.FindStringSubmatch(trimmed); m != nil {
		update.destination = strings.TrimSpace(m[1])
		percent := 100.0
		update.percent = &percent
		return update
	}

	if !strings.HasPrefix(trimmed, "[download]") {
		return update
	}
	if m := rePercent.FindStringSubmatch(trimmed); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			update.percent = &v
		}
	}
	if m := reOf.FindStringSubmatch(trimmed); m != nil {
		update.totalBytes = parseByteSize(m[1], m[2])
	}
	if m := reSpeed.FindStringSubmatch(trimmed); m != nil {
		if bytesPerSec := parseByteSize(m[1], m[2]); bytesPerSec > 0 {
			v := float64(bytesPerSec)
			update.speed = &v
		}
	}
	if m := reETA.FindStringSubmatch(trimmed); m != nil {
		if sec, ok := parseClock(m[1]); ok {
			update.etaSec = &sec
		}
	}
	return update
}

func parseByteSize(value, unit string) int64 {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || v <= 0 {
		return 0
	}
	mult := 1.0
	switch strings.ToUpper(strings.TrimSuffix(strings.TrimSuffix(unit, "B"), "i")) {
	case "K":
		mult = 1024
	case "M":
		mult = 1024 * 1024
	case "G":
		mult = 1024 * 1024 * 1024
	case "T":
		mult = 1024 * 1024 * 1024 * 1024
	}
	return int64(v * mult)
}

// parseClock converts "mm:ss" or "hh:mm:ss" to seconds.
func parseClock(raw string) (int, bool) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	total := 0
	for _, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil || v < 0 {
			return 0, false
		}
		total = total*60 + v
	}
	return total, true
}
