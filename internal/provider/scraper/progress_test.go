package scraper

import (
	"path/filepath"
	"testing"
)

func TestTrackerRatioLine(t *testing.T) {
	track := newTracker(t.TempDir())
	msg, percent := track.handle("downloading 3 / 12")
	if msg != "3/12 (25.0%)" {
		t.Fatalf("msg = %q", msg)
	}
	if percent == nil || *percent != 25 {
		t.Fatalf("percent = %v", percent)
	}
}

func TestTrackerPercentLine(t *testing.T) {
	track := newTracker(t.TempDir())
	msg, percent := track.handle("progress: 62.5%")
	if msg != "62.5%" {
		t.Fatalf("msg = %q", msg)
	}
	if percent == nil || *percent != 62.5 {
		t.Fatalf("percent = %v", percent)
	}

	_, percent = track.handle("progress: 140%")
	if percent == nil || *percent != 100 {
		t.Fatalf("overshoot percent = %v", percent)
	}
}

func TestTrackerFileArrival(t *testing.T) {
	workDir := t.TempDir()
	track := newTracker(workDir)
	track.setExpected(4)

	msg, percent := track.handle(filepath.Join(workDir, "a.jpg"))
	if msg != "a.jpg (1/4)" {
		t.Fatalf("msg = %q", msg)
	}
	if percent == nil || *percent != 25 {
		t.Fatalf("percent = %v", percent)
	}

	// Same basename is counted once, and the repeated path line must not
	// leak into the ratio heuristic either.
	if msg, dup := track.handle(filepath.Join(workDir, "a.jpg")); msg != "" || dup != nil {
		t.Fatalf("duplicate counted: %q %v", msg, dup)
	}

	msg, percent = track.handle("# " + filepath.Join(workDir, "sub", "b.mp4"))
	if msg != "b.mp4 (2/4)" {
		t.Fatalf("msg = %q", msg)
	}
	if percent == nil || *percent != 50 {
		t.Fatalf("percent = %v", percent)
	}
}

func TestTrackerFileArrivalWithoutEstimate(t *testing.T) {
	workDir := t.TempDir()
	track := newTracker(workDir)

	msg, percent := track.handle(filepath.Join(workDir, "pic.png"))
	if msg != "pic.png (1 files)" {
		t.Fatalf("msg = %q", msg)
	}
	if percent != nil {
		t.Fatalf("percent = %v, want nil without an estimate", percent)
	}
}

func TestTrackerCompletedBeyondEstimateGrowsTotal(t *testing.T) {
	workDir := t.TempDir()
	track := newTracker(workDir)
	track.setExpected(1)

	track.handle(filepath.Join(workDir, "a.jpg"))
	msg, percent := track.handle(filepath.Join(workDir, "b.jpg"))
	if msg != "b.jpg (2/2)" {
		t.Fatalf("msg = %q", msg)
	}
	if percent == nil || *percent != 100 {
		t.Fatalf("percent = %v", percent)
	}
}

func TestTrackerIgnoresOutsidePaths(t *testing.T) {
	track := newTracker(t.TempDir())
	if msg, _ := track.handle("/etc/passwd"); msg != "" {
		t.Fatalf("outside path counted: %q", msg)
	}
	if msg, _ := track.handle("no progress info here"); msg != "" {
		t.Fatalf("plain line produced message: %q", msg)
	}
}

func TestTrackerIgnoresUnknownExtensions(t *testing.T) {
	workDir := t.TempDir()
	track := newTracker(workDir)
	if msg, percent := track.handle(filepath.Join(workDir, "data.sqlite")); msg != "" || percent != nil {
		t.Fatalf("unknown extension counted: %q %v", msg, percent)
	}
}
