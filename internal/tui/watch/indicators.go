package watch

import (
	"strings"
	"time"
)

const (
	meterSlots  = 8
	meterWindow = 15 * time.Second
)

// Heartbeat advances on every UI tick. A glyph that stops turning means
// the dashboard itself is stuck, not the rig.
type Heartbeat struct {
	frames []string
	index  int
}

func NewHeartbeat() Heartbeat {
	return Heartbeat{frames: []string{"◐", "◓", "◑", "◒"}}
}

func (h *Heartbeat) Beat() {
	h.index = (h.index + 1) % len(h.frames)
}

func (h Heartbeat) Current() string {
	return h.frames[h.index]
}

type sighting struct {
	at       time.Time
	relevant bool
}

// DetectionMeter shows the most recent detections, newest on the left.
// Watch-listed hits are drawn differently from ignored labels, and
// sightings older than meterWindow fall off.
type DetectionMeter struct {
	seen []sighting
	now  func() time.Time
}

func NewDetectionMeter() DetectionMeter {
	return DetectionMeter{now: time.Now}
}

// Observe records one detection at time at.
func (d *DetectionMeter) Observe(at time.Time, relevant bool) {
	if at.IsZero() {
		at = d.now()
	}
	d.seen = append([]sighting{{at: at, relevant: relevant}}, d.seen...)
	if len(d.seen) > meterSlots {
		d.seen = d.seen[:meterSlots]
	}
}

// Expire drops sightings outside the window.
func (d *DetectionMeter) Expire() {
	cutoff := d.now().Add(-meterWindow)
	kept := d.seen[:0]
	for _, s := range d.seen {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	d.seen = kept
}

// Hits is the number of watch-listed detections still in the window.
func (d DetectionMeter) Hits() int {
	n := 0
	for _, s := range d.seen {
		if s.relevant {
			n++
		}
	}
	return n
}

func (d DetectionMeter) Render(theme Theme) string {
	var b strings.Builder
	for i := range meterSlots {
		switch {
		case i >= len(d.seen):
			b.WriteString(theme.MeterIdle.Render("·"))
		case d.seen[i].relevant:
			b.WriteString(theme.MeterHit.Render("▲"))
		default:
			b.WriteString(theme.MeterSeen.Render("●"))
		}
	}
	return b.String()
}
