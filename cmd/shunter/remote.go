package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/shunter/internal/api"
	"github.com/mattjoyce/shunter/internal/apiclient"
	"github.com/mattjoyce/shunter/internal/motion"
	"github.com/mattjoyce/shunter/internal/tui/watch"
)

// envToken supplies --token when the flag is absent.
const envToken = "SHUNTER_TOKEN"

// remoteTimeout bounds one CLI round trip, including the serial write a
// manual command waits for.
const remoteTimeout = 15 * time.Second

type remoteFlags struct {
	apiURL string
	token  string
}

func addRemoteFlags(fs *flag.FlagSet) *remoteFlags {
	rf := &remoteFlags{}
	fs.StringVar(&rf.apiURL, "api", apiclient.DefaultURL, "Orchestrator API URL")
	fs.StringVar(&rf.token, "token", os.Getenv(envToken), "API bearer token (or "+envToken+" env var)")
	return rf
}

func (rf *remoteFlags) client() *apiclient.Client {
	return apiclient.New(rf.apiURL, rf.token)
}

func runCmdNoun(args []string) int {
	if len(args) < 1 {
		printCmdNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printCmdNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	if hasHelpFlag(args[1:]) {
		printCmdNounHelp(os.Stdout)
		return 0
	}
	fs := flag.NewFlagSet(action, flag.ContinueOnError)
	rf := addRemoteFlags(fs)
	speed := fs.Int("speed", -1, "Speed (forward, reverse)")
	duration := fs.Duration("duration", 0, "Reverse duration, e.g. 1.5s (reverse)")
	jsonOut := fs.Bool("json", false, "Output the API response as JSON")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
	defer cancel()
	c := rf.client()

	var resp api.CommandResponse
	var err error
	switch action {
	case "stop":
		resp, err = c.Stop(ctx)
	case "forward":
		if *speed < 0 {
			fmt.Fprintln(os.Stderr, "Usage: shunter cmd forward --speed N")
			return 1
		}
		resp, err = c.Forward(ctx, *speed)
	case "reverse":
		if *speed < 0 || *duration <= 0 {
			fmt.Fprintln(os.Stderr, "Usage: shunter cmd reverse --speed N --duration D")
			return 1
		}
		resp, err = c.Reverse(ctx, *speed, *duration)
	case "reset":
		resp, err = c.Reset(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown cmd action: %s\n", action)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", action, err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	if resp.Command != "" {
		fmt.Printf("sent %s (seq %d), state %s\n", resp.Command, resp.Seq, resp.State)
	} else {
		fmt.Printf("ok, state %s\n", resp.State)
	}
	return 0
}

func printCmdNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: shunter cmd <stop|forward|reverse|reset> [--api URL] [--token TOKEN] [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  stop                           Stop now; always accepted unless in FAULT")
	fmt.Fprintln(w, "  forward --speed N              Drive forward")
	fmt.Fprintln(w, "  reverse --speed N --duration D Reverse for D (e.g. 1.5s)")
	fmt.Fprintln(w, "  reset                          Leave FAULT and resume monitoring")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "The command returns once the line has been written to the controller.")
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	rf := addRemoteFlags(fs)
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
	defer cancel()

	st, err := rf.client().Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		printStatus(st)
	}

	if st.State == motion.StateFault {
		return 2
	}
	return 0
}

func printStatus(st api.StatusResponse) {
	fmt.Printf("state:      %s (%s, %.0fs)\n", st.State, st.Cause, st.SecondsInState)
	fmt.Printf("health:     %s\n", st.Health)
	det := "stopped"
	if st.Detector.Running {
		det = fmt.Sprintf("running pid=%d", st.Detector.Pid)
	}
	if st.Detector.Fatal {
		det = "fatal"
	}
	fmt.Printf("detector:   %s, restarts=%d, stream_connected=%t\n", det, st.Detector.Restarts, st.StreamConnected)
	fmt.Printf("watch list: %s\n", strings.Join(st.WatchList, ", "))
	if p := st.Pipeline; p != nil {
		port := p.ActuatorPort
		if port == "" {
			port = "(auto-detect)"
		}
		fmt.Printf("actuator:   %s, sent=%d failed=%d queued=%d\n", port, p.CommandsSent, p.CommandsFailed, p.CommandsQueued)
		fmt.Printf("stream:     connects=%d forwarded=%d malformed=%d backlog=%d\n", p.Ingest.Connects, p.Ingest.Forwarded, p.Ingest.Malformed, p.SignalBacklog)
	}
	if st.LastCommand != "" {
		fmt.Printf("last cmd:   %s\n", st.LastCommand)
	}
	if st.LastError != "" {
		fmt.Printf("last error: %s\n", st.LastError)
	}
	if len(st.RecentCommands) > 0 {
		fmt.Println("recent commands:")
		for _, c := range st.RecentCommands {
			fmt.Printf("  %s  #%-4d %-14s %-9s %s\n", c.CreatedAt.Local().Format("15:04:05"), c.Seq, c.Wire, c.Origin, c.Status)
		}
	}
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	rf := addRemoteFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	p := tea.NewProgram(watch.New(rf.apiURL, rf.token), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
