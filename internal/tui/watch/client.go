package watch

import (
	"context"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/shunter/internal/api"
	"github.com/mattjoyce/shunter/internal/apiclient"
	"github.com/mattjoyce/shunter/internal/events"
	"github.com/mattjoyce/shunter/internal/sse"
)

// --- Message types ---

type eventMsg events.Event

type statusMsg api.StatusResponse

type commandMsg struct {
	action string
	resp   api.CommandResponse
	err    error
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{ lastID string }

type reconnectMsg struct{ lastID string }

const requestTimeout = 5 * time.Second

// --- Commands ---

// subscribeToEvents reads /events into ch until the stream ends, then
// reports the last id seen so the reconnect can resume from it.
func subscribeToEvents(c *apiclient.Client, lastID string, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		body, err := c.Events(context.Background(), lastID)
		if err != nil {
			return sseDisconnectedMsg{lastID: lastID}
		}
		defer body.Close()

		r := sse.NewReader(body)
		for {
			f, err := r.Next()
			if err != nil {
				return sseDisconnectedMsg{lastID: r.LastID()}
			}
			id, _ := strconv.ParseInt(f.ID, 10, 64)
			ch <- events.Event{
				ID:   id,
				Type: f.Event,
				At:   time.Now(),
				Data: []byte(f.Data),
			}
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchStatus(c *apiclient.Client) tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	st, err := c.Status(ctx)
	if err != nil {
		return errMsg(err)
	}
	return statusMsg(st)
}

func sendCommand(c *apiclient.Client, action string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		var (
			resp api.CommandResponse
			err  error
		)
		switch action {
		case "reset":
			resp, err = c.Reset(ctx)
		default:
			resp, err = c.Stop(ctx)
		}
		return commandMsg{action: action, resp: resp, err: err}
	}
}
