package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/shunter/internal/api"
	"github.com/mattjoyce/shunter/internal/apiclient"
	"github.com/mattjoyce/shunter/internal/backoff"
	"github.com/mattjoyce/shunter/internal/dispatch"
	"github.com/mattjoyce/shunter/internal/events"
	"github.com/mattjoyce/shunter/internal/ingest"
	"github.com/mattjoyce/shunter/internal/journal"
	"github.com/mattjoyce/shunter/internal/log"
	"github.com/mattjoyce/shunter/internal/manual"
	"github.com/mattjoyce/shunter/internal/motion"
	"github.com/mattjoyce/shunter/internal/safety"
	"github.com/mattjoyce/shunter/internal/signals"
	"github.com/mattjoyce/shunter/internal/storage"
)

// recordingLink stands in for the serial port.
type recordingLink struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, strings.TrimSpace(string(p)))
	return len(p), nil
}

func (l *recordingLink) Reset() error { return nil }

func (l *recordingLink) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// fakeDetector serves /events and pushes whatever is sent on frames.
type fakeDetector struct {
	frames chan string
	srv    *httptest.Server
}

func newFakeDetector(t *testing.T) *fakeDetector {
	d := &fakeDetector{frames: make(chan string, 16)}
	d.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case f := <-d.frames:
				fmt.Fprint(w, f)
				w.(http.Flusher).Flush()
			}
		}
	}))
	t.Cleanup(d.srv.Close)
	return d
}

func (d *fakeDetector) detect(label string, conf float64) {
	d.frames <- fmt.Sprintf("event: detection\ndata: {\"type\":\"detection\",\"payload\":{\"label\":%q,\"confidence\":%v,\"timestamp\":%d}}\n\n",
		label, conf, time.Now().Unix())
}

type rig struct {
	link    *recordingLink
	machine *safety.Machine
	journal *journal.Journal
	hub     *events.Hub
	client  *apiclient.Client
}

func startRig(t *testing.T, det *fakeDetector) *rig {
	t.Helper()
	log.SetupWriter(io.Discard, "error", "text")

	ctx, cancel := context.WithCancel(context.Background())

	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "shunter.db"))
	require.NoError(t, err)

	r := &rig{
		link: &recordingLink{},
		hub:  events.NewHub(256),
	}
	q := signals.NewQueue(64)
	disp := dispatch.New(r.link, q, dispatch.Config{WriteTimeout: time.Second}, nil)

	watch := motion.NewWatchList("person")
	r.machine = safety.New(safety.Config{
		WatchList:            watch,
		StopToReverseDelay:   50 * time.Millisecond,
		ReverseSpeed:         80,
		ReverseDuration:      50 * time.Millisecond,
		DispatchRetryBudget:  2,
		DispatchRetryBackoff: 10 * time.Millisecond,
	}, q, disp, r.hub, nil)

	in := ingest.New(ingest.Config{
		URL:     det.srv.URL + "/events",
		Backoff: backoff.Policy{Base: 10 * time.Millisecond, Max: 100 * time.Millisecond},
	}, watch, q, nil, ingest.WithObserver(func(ev motion.DetectionEvent, relevant bool) {
		r.hub.Publish(events.TypeDetection, map[string]any{
			"label":      ev.Label,
			"confidence": ev.Confidence,
			"timestamp":  ev.Timestamp,
			"relevant":   relevant,
		})
	}))

	r.journal = journal.New(db, nil)
	gw := manual.New(q, motion.Limits{SpeedMin: 0, SpeedMax: 255, MaxReverseDuration: 30 * time.Second}, nil)
	srv := api.New(api.Config{RequestTimeout: 2 * time.Second}, api.Deps{
		Status:  r.machine,
		Manual:  gw,
		History: r.journal,
		Events:  r.hub,
	}, nil)
	httpSrv := httptest.NewServer(srv.Handler())
	r.client = apiclient.New(httpSrv.URL, "")

	var wg sync.WaitGroup
	run := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}
	run(func() { _ = disp.Run(ctx) })
	run(func() { _ = r.machine.Run(ctx) })
	run(func() { _ = in.Run(ctx) })
	run(func() { r.journal.Follow(ctx, r.hub) })

	t.Cleanup(func() {
		httpSrv.Close()
		cancel()
		wg.Wait()
		_ = db.Close()
	})

	require.Eventually(t, func() bool { return r.machine.Status().StreamConnected }, 2*time.Second, 10*time.Millisecond)
	return r
}

func (r *rig) waitState(t *testing.T, want motion.State) {
	t.Helper()
	require.Eventually(t, func() bool { return r.machine.Status().State == want },
		3*time.Second, 5*time.Millisecond, "never reached %s (at %s)", want, r.machine.Status().State)
}

func TestIrrelevantDetectionSendsNothing(t *testing.T) {
	det := newFakeDetector(t)
	r := startRig(t, det)

	det.detect("dog", 0.8)

	require.Eventually(t, func() bool {
		dets, err := r.journal.RecentDetections(context.Background(), 5)
		return err == nil && len(dets) == 1
	}, 2*time.Second, 10*time.Millisecond)

	dets, err := r.journal.RecentDetections(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "dog", dets[0].Label)
	assert.False(t, dets[0].Relevant)

	assert.Empty(t, r.link.Lines())
	assert.Equal(t, motion.StateMonitoring, r.machine.Status().State)
}

func TestPersonTriggersStopThenReverse(t *testing.T) {
	det := newFakeDetector(t)
	r := startRig(t, det)

	det.detect("person", 0.91)

	require.Eventually(t, func() bool { return len(r.link.Lines()) >= 2 }, 3*time.Second, 5*time.Millisecond)
	r.waitState(t, motion.StateMonitoring)
	assert.Equal(t, []string{"STOP", "REV:80:0.05"}, r.link.Lines()[:2])

	require.Eventually(t, func() bool {
		trs, err := r.journal.RecentTransitions(context.Background(), 10)
		return err == nil && len(trs) == 4
	}, 2*time.Second, 10*time.Millisecond)

	trs, err := r.journal.RecentTransitions(context.Background(), 10)
	require.NoError(t, err)
	var path []string
	for i := len(trs) - 1; i >= 0; i-- {
		path = append(path, trs[i].To)
	}
	assert.Equal(t, []string{"STOPPING", "STOPPED_WAIT", "REVERSING", "MONITORING"}, path)

	st, err := r.client.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.LastDetection)
	assert.Equal(t, "person", st.LastDetection.Label)
}

func TestManualOverrideThroughAPI(t *testing.T) {
	det := newFakeDetector(t)
	r := startRig(t, det)
	ctx := context.Background()

	resp, err := r.client.Forward(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "FWD:100", resp.Command)
	assert.Equal(t, motion.StateManualActive, resp.State)

	det.detect("person", 0.95)
	require.Eventually(t, func() bool { return r.machine.Status().LastDetection != nil }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, motion.StateManualActive, r.machine.Status().State, "operator keeps control")

	_, err = r.client.Forward(ctx, 999)
	require.Error(t, err)
	assert.True(t, apiclient.IsStatus(err, http.StatusBadRequest))

	resp, err = r.client.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "STOP", resp.Command)
	r.waitState(t, motion.StateMonitoring)

	assert.Equal(t, []string{"FWD:100", "STOP"}, r.link.Lines())

	require.Eventually(t, func() bool {
		cmds, err := r.journal.RecentCommands(ctx, 10)
		return err == nil && len(cmds) == 2
	}, 2*time.Second, 10*time.Millisecond)
	cmds, err := r.journal.RecentCommands(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "manual", cmds[0].Origin)

	_, err = r.client.Reset(ctx)
	assert.True(t, apiclient.IsStatus(err, http.StatusConflict), "reset outside FAULT is refused")
}

func TestEventStreamCarriesTransitions(t *testing.T) {
	det := newFakeDetector(t)
	r := startRig(t, det)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	body, err := r.client.Events(ctx, "")
	require.NoError(t, err)
	defer body.Close()

	det.detect("person", 0.9)

	dec := make(chan string, 32)
	go func() {
		defer close(dec)
		buf := make([]byte, 4096)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				select {
				case dec <- string(buf[:n]):
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	var seen strings.Builder
	for chunk := range dec {
		seen.WriteString(chunk)
		if strings.Contains(seen.String(), `"to":"REVERSING"`) {
			break
		}
	}
	assert.Contains(t, seen.String(), "event: state.changed")
	assert.Contains(t, seen.String(), "event: command.dispatched")

	var payload map[string]any
	for _, line := range strings.Split(seen.String(), "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok && strings.Contains(data, `"to":"REVERSING"`) {
			require.NoError(t, json.Unmarshal([]byte(data), &payload))
		}
	}
	assert.Equal(t, safety.CauseDelayElapsed, payload["cause"])
}
