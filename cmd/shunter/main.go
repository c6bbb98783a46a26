package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "config":
		return runConfigNoun(args)
	case "cmd":
		return runCmdNoun(args)
	case "ports":
		return runPortsNoun(args)

	// --- ROOT ACTIONS ---
	case "start":
		if hasHelpFlag(args) {
			printStartHelp()
			return 0
		}
		return runStart(args)
	case "status":
		if hasHelpFlag(args) {
			printStatusHelp()
			return 0
		}
		return runStatus(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "doctor":
		return runConfigCheck(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: shunter version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("shunter %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`shunter - detection-driven safety controller for a shunting rig

Usage:
  shunter <command> [action] [flags]

Service:
  start               Run the orchestrator in the foreground
  status              Show rig state from a running instance
  watch               Live terminal dashboard

Manual override (requires a running instance):
  cmd stop            Stop immediately
  cmd forward         Drive forward (--speed N)
  cmd reverse         Reverse for a bounded time (--speed N --duration S)
  cmd reset           Leave FAULT and resume monitoring

Configuration:
  config check        Validate config against this host
  config lock         Record the config hash in .checksums
  config show [path]  Print resolved config (secrets redacted)
  ports list          List serial ports and which match the actuator hints

Other:
  version             Print version metadata
  help                Show this help

Use "shunter <command> --help" for details.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" {
			return true
		}
	}
	return false
}

func printStartHelp() {
	fmt.Println("Usage: shunter start [--config PATH]")
	fmt.Println("Run the detector supervisor, event ingestor, safety loop and API in the foreground.")
	fmt.Println("On SIGINT/SIGTERM a final STOP is written before the serial link closes.")
}

func printStatusHelp() {
	fmt.Println("Usage: shunter status [--api URL] [--token TOKEN] [--json]")
	fmt.Println("Show the state, detector health and recent commands of a running instance.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Rig is monitoring or under manual control")
	fmt.Println("  1  API unreachable or request failed")
	fmt.Println("  2  Rig is in FAULT")
}

func printWatchHelp() {
	fmt.Println("Usage: shunter watch [--api URL] [--token TOKEN]")
	fmt.Println()
	fmt.Println("Live dashboard: state badge, detector health, command log and event stream.")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  s, space         Manual STOP")
	fmt.Println("  r                Reset (only while in FAULT)")
	fmt.Println("  ↑/↓, k/j         Scroll commands")
}
