package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/shunter/internal/motion"
)

func TestEncodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		intent  motion.Intent
		want    string
		wantErr bool
	}{
		{"stop", motion.Stop(motion.OriginAutomatic), "STOP\n", false},
		{"forward", motion.Forward(110, motion.OriginManual), "FWD:110\n", false},
		{"reverse fractional", motion.Reverse(80, 1500*time.Millisecond, motion.OriginAutomatic), "REV:80:1.5\n", false},
		{"reverse whole seconds", motion.Reverse(80, 2*time.Second, motion.OriginManual), "REV:80:2\n", false},
		{"reverse zero", motion.Reverse(80, 0, motion.OriginManual), "", true},
		{"unknown", motion.Intent{Kind: "brake"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeCommand(tt.intent)
			if tt.wantErr {
				assert.True(t, errors.Is(err, motion.ErrInvalidIntent))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestParseCommand(t *testing.T) {
	in, err := ParseCommand("REV:80:1.5\n")
	require.NoError(t, err)
	assert.Equal(t, motion.KindReverse, in.Kind)
	assert.Equal(t, 80, in.Speed)
	assert.Equal(t, 1500*time.Millisecond, in.Duration)

	in, err = ParseCommand("FWD:110")
	require.NoError(t, err)
	assert.Equal(t, motion.Intent{Kind: motion.KindForward, Speed: 110}, in)

	in, err = ParseCommand("STOP\r\n")
	require.NoError(t, err)
	assert.Equal(t, motion.KindStop, in.Kind)

	for _, bad := range []string{"", "GO", "STOP:1", "FWD", "FWD:x", "REV:1", "REV:a:1", "REV:1:b"} {
		_, err := ParseCommand(bad)
		assert.Error(t, err, bad)
	}
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		ignored bool
		wantErr bool
		checkFn func(t *testing.T, ev motion.DetectionEvent)
	}{
		{
			name: "valid detection",
			data: `{"type":"detection","payload":{"label":"person","confidence":0.92,"timestamp":1760000000.25}}`,
			checkFn: func(t *testing.T, ev motion.DetectionEvent) {
				assert.Equal(t, "person", ev.Label)
				assert.InDelta(t, 0.92, ev.Confidence, 1e-9)
				assert.Equal(t, int64(1760000000), ev.Timestamp.Unix())
				assert.Equal(t, 250*time.Millisecond, time.Duration(ev.Timestamp.Nanosecond()))
			},
		},
		{
			name: "missing timestamp is tolerated",
			data: `{"type":"detection","payload":{"label":"dog","confidence":0.5}}`,
			checkFn: func(t *testing.T, ev motion.DetectionEvent) {
				assert.True(t, ev.Timestamp.IsZero())
			},
		},
		{name: "heartbeat ignored", data: `{"type":"heartbeat","payload":{}}`, ignored: true, wantErr: true},
		{name: "not json", data: `{type`, wantErr: true},
		{name: "no type", data: `{"payload":{}}`, wantErr: true},
		{name: "null payload", data: `{"type":"detection","payload":null}`, wantErr: true},
		{name: "missing label", data: `{"type":"detection","payload":{"confidence":0.5}}`, wantErr: true},
		{name: "missing confidence", data: `{"type":"detection","payload":{"label":"person"}}`, wantErr: true},
		{name: "confidence out of range", data: `{"type":"detection","payload":{"label":"person","confidence":3}}`, wantErr: true},
		{name: "label wrong type", data: `{"type":"detection","payload":{"label":7,"confidence":0.3}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeEvent([]byte(tt.data))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.ignored, errors.Is(err, ErrIgnored))
				return
			}
			require.NoError(t, err)
			if tt.checkFn != nil {
				tt.checkFn(t, ev)
			}
		})
	}
}
