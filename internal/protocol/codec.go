// Package protocol converts motion intents to the actuator's line protocol
// and decodes messages from the detector event stream.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/shunter/internal/motion"
)

// ErrIgnored marks a well-formed stream message that is not a detection.
var ErrIgnored = errors.New("not a detection event")

// EncodeCommand serializes an intent to its newline-terminated ASCII line.
// The intent is not range checked here; callers validate against their limits.
func EncodeCommand(in motion.Intent) ([]byte, error) {
	switch in.Kind {
	case motion.KindStop:
		return []byte(VerbStop + "\n"), nil
	case motion.KindForward:
		return []byte(fmt.Sprintf("%s:%d\n", VerbForward, in.Speed)), nil
	case motion.KindReverse:
		if in.Duration <= 0 {
			return nil, fmt.Errorf("%w: reverse duration must be positive", motion.ErrInvalidIntent)
		}
		return []byte(fmt.Sprintf("%s:%d:%s\n", VerbReverse, in.Speed, FormatSeconds(in.Duration))), nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", motion.ErrInvalidIntent, in.Kind)
	}
}

// FormatSeconds renders d as decimal seconds with no trailing zeros ("1.5", "2").
func FormatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// ParseCommand is the inverse of EncodeCommand. The trailing newline is optional.
// Parsed intents carry no origin.
func ParseCommand(line string) (motion.Intent, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.Split(line, ":")

	switch parts[0] {
	case VerbStop:
		if len(parts) != 1 {
			return motion.Intent{}, fmt.Errorf("malformed STOP line %q", line)
		}
		return motion.Intent{Kind: motion.KindStop}, nil
	case VerbForward:
		if len(parts) != 2 {
			return motion.Intent{}, fmt.Errorf("malformed FWD line %q", line)
		}
		speed, err := strconv.Atoi(parts[1])
		if err != nil {
			return motion.Intent{}, fmt.Errorf("parse FWD speed: %w", err)
		}
		return motion.Intent{Kind: motion.KindForward, Speed: speed}, nil
	case VerbReverse:
		if len(parts) != 3 {
			return motion.Intent{}, fmt.Errorf("malformed REV line %q", line)
		}
		speed, err := strconv.Atoi(parts[1])
		if err != nil {
			return motion.Intent{}, fmt.Errorf("parse REV speed: %w", err)
		}
		secs, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return motion.Intent{}, fmt.Errorf("parse REV duration: %w", err)
		}
		return motion.Intent{Kind: motion.KindReverse, Speed: speed, Duration: seconds(secs)}, nil
	default:
		return motion.Intent{}, fmt.Errorf("unknown verb in %q", line)
	}
}

// DecodeEvent decodes one detector stream message.
// Non-detection types return ErrIgnored. Anything else that fails is malformed.
func DecodeEvent(data []byte) (motion.DetectionEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return motion.DetectionEvent{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return motion.DetectionEvent{}, errors.New("envelope missing type")
	}
	if env.Type != EventTypeDetection {
		return motion.DetectionEvent{}, fmt.Errorf("%w: type %q", ErrIgnored, env.Type)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return motion.DetectionEvent{}, errors.New("detection missing payload")
	}

	var p DetectionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return motion.DetectionEvent{}, fmt.Errorf("decode detection payload: %w", err)
	}
	if p.Label == nil {
		return motion.DetectionEvent{}, errors.New("detection missing label")
	}
	if p.Confidence == nil {
		return motion.DetectionEvent{}, errors.New("detection missing confidence")
	}

	ev := motion.DetectionEvent{Label: *p.Label, Confidence: *p.Confidence}
	if p.Timestamp != nil {
		sec, frac := math.Modf(*p.Timestamp)
		ev.Timestamp = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	if err := ev.Validate(); err != nil {
		return motion.DetectionEvent{}, err
	}
	return ev, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
