package provider

import "time"

// Meter recomputes speed, ETA and percent from elapsed wall time and bytes
// transferred. TotalBytes of zero means the total is unknown, which yields a
// nil percent and ETA.
type Meter struct {
	TotalBytes int64

	started    time.Time
	downloaded int64
}

func NewMeter(totalBytes int64) *Meter {
	return &Meter{TotalBytes: totalBytes, started: time.Now()}
}

func (m *Meter) Add(n int64) {
	m.downloaded += n
}

func (m *Meter) Downloaded() int64 {
	return m.downloaded
}

func (m *Meter) Progress() Progress {
	elapsed := time.Since(m.started).Seconds()
	if elapsed <= 0 {
		elapsed = 1e-6
	}
	speed := float64(m.downloaded) / elapsed
	size := m.downloaded

	p := Progress{Speed: &speed, Size: &size}
	if m.TotalBytes > 0 {
		percent := float64(m.downloaded) / float64(m.TotalBytes) * 100
		if percent > 100 {
			percent = 100
		}
		p.Percent = &percent
		if speed > 0 {
			remaining := m.TotalBytes - m.downloaded
			if remaining < 0 {
				remaining = 0
			}
			eta := int(float64(remaining) / speed)
			p.ETA = &eta
		}
	}
	return p
}
