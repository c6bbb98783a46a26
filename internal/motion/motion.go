// Package motion defines the values that flow through the safety loop:
// detection events, the watch list, motion intents and orchestrator states.
package motion

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidIntent is returned when an intent fails range validation.
var ErrInvalidIntent = errors.New("invalid motion intent")

// Kind is the tagged variant of a MotionIntent.
type Kind string

const (
	KindStop    Kind = "stop"
	KindForward Kind = "forward"
	KindReverse Kind = "reverse"
)

// Origin records who asked for a motion.
type Origin string

const (
	OriginAutomatic Origin = "automatic"
	OriginManual    Origin = "manual"
)

// Intent is a logical motion request, distinct from its wire form.
// Speed is ignored for Stop; Duration is only meaningful for Reverse.
type Intent struct {
	Kind     Kind          `json:"kind"`
	Speed    int           `json:"speed,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Origin   Origin        `json:"origin"`
}

// Stop returns a Stop intent.
func Stop(origin Origin) Intent {
	return Intent{Kind: KindStop, Origin: origin}
}

// Forward returns a Forward intent.
func Forward(speed int, origin Origin) Intent {
	return Intent{Kind: KindForward, Speed: speed, Origin: origin}
}

// Reverse returns a Reverse intent.
func Reverse(speed int, d time.Duration, origin Origin) Intent {
	return Intent{Kind: KindReverse, Speed: speed, Duration: d, Origin: origin}
}

func (i Intent) String() string {
	switch i.Kind {
	case KindForward:
		return fmt.Sprintf("forward(%d)/%s", i.Speed, i.Origin)
	case KindReverse:
		return fmt.Sprintf("reverse(%d,%s)/%s", i.Speed, i.Duration, i.Origin)
	default:
		return fmt.Sprintf("%s/%s", i.Kind, i.Origin)
	}
}

// Limits bound the values an actuator accepts.
type Limits struct {
	SpeedMin           int
	SpeedMax           int
	MaxReverseDuration time.Duration
}

// Validate checks the intent against l. A zero MaxReverseDuration disables the upper bound.
func (i Intent) Validate(l Limits) error {
	switch i.Kind {
	case KindStop:
		return nil
	case KindForward, KindReverse:
		if i.Speed < l.SpeedMin || i.Speed > l.SpeedMax {
			return fmt.Errorf("%w: speed %d outside [%d, %d]", ErrInvalidIntent, i.Speed, l.SpeedMin, l.SpeedMax)
		}
		if i.Kind == KindForward {
			return nil
		}
		if i.Duration <= 0 {
			return fmt.Errorf("%w: reverse duration must be positive", ErrInvalidIntent)
		}
		if l.MaxReverseDuration > 0 && i.Duration > l.MaxReverseDuration {
			return fmt.Errorf("%w: reverse duration %s exceeds %s", ErrInvalidIntent, i.Duration, l.MaxReverseDuration)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidIntent, i.Kind)
	}
}

// DetectionEvent is one decoded detector observation.
type DetectionEvent struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Validate rejects events that could not have come from a sane detector.
func (e DetectionEvent) Validate() error {
	if strings.TrimSpace(e.Label) == "" {
		return errors.New("detection label is empty")
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("detection confidence %v outside [0, 1]", e.Confidence)
	}
	return nil
}

// WatchList is an immutable set of labels. Matching is case-insensitive.
type WatchList struct {
	labels map[string]struct{}
}

// NewWatchList builds a watch list, trimming and lower-casing labels.
func NewWatchList(labels ...string) WatchList {
	set := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" {
			continue
		}
		set[l] = struct{}{}
	}
	return WatchList{labels: set}
}

// Contains reports whether label is watched.
func (w WatchList) Contains(label string) bool {
	_, ok := w.labels[strings.ToLower(strings.TrimSpace(label))]
	return ok
}

// Len returns the number of labels.
func (w WatchList) Len() int { return len(w.labels) }

// Labels returns the labels sorted.
func (w WatchList) Labels() []string {
	out := make([]string, 0, len(w.labels))
	for l := range w.labels {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// String renders the comma separated form.
func (w WatchList) String() string {
	return strings.Join(w.Labels(), ",")
}
