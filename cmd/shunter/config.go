package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/shunter/internal/actuator"
	"github.com/mattjoyce/shunter/internal/config"
	"github.com/mattjoyce/shunter/internal/doctor"
	"gopkg.in/yaml.v3"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: shunter config <check|lock|show> [flags]")
	fmt.Fprintln(w, "Validate, lock, and inspect the rig configuration.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: shunter config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration, integrity, detector command and serial port on this host.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Valid")
	fmt.Println("  1  Invalid")
	fmt.Println("  2  Valid with warnings (--strict only)")
}

func printConfigLockHelp() {
	fmt.Println("Usage: shunter config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Record the config file's BLAKE3 hash in .checksums next to it.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: shunter config show [--config PATH] [--json] [path]")
	fmt.Println("Show the resolved configuration, or one node of it (e.g. safety.watch_list).")
	fmt.Println("Bearer tokens are redacted.")
}

// loadConfigForTool parses a config without validating it, so diagnostics
// can still report on a broken file.
func loadConfigForTool(configPath string) (*config.Config, error) {
	path, err := config.Discover(configPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := config.Discover(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	report, err := config.Lock(path, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if verbose || verboseShort {
		fmt.Printf("  HASH %s: %s\n", report.ConfigPath, report.Hash)
		if report.Written {
			fmt.Printf("  WROTE .checksums: %s\n", report.ChecksumPath)
		} else {
			fmt.Printf("  DRY-RUN .checksums: %s (not written)\n", report.ChecksumPath)
		}
	}
	if dryRun {
		fmt.Printf("Dry run completed for %s (no files written)\n", report.ConfigPath)
	} else {
		fmt.Printf("Successfully locked configuration: %s\n", report.ConfigPath)
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	result, err := cfg.Redacted().GetPath(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	data, err := yaml.Marshal(result)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

func runPortsNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: shunter ports list [--config PATH] [--all]")
		fmt.Println("List serial ports. Ports matching actuator.port_hints are marked with '*'.")
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	if args[0] != "list" {
		fmt.Fprintf(os.Stderr, "Unknown ports action: %s\n", args[0])
		return 1
	}
	return runPortsList(args[1:], actuator.SystemPorts)
}

func runPortsList(args []string, lister actuator.Lister) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file (for port hints)")
	all := fs.Bool("all", false, "Include ports that match no hint")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	hints := actuator.DefaultHints
	if cfg, err := loadConfigForTool(*configPath); err == nil && len(cfg.Actuator.PortHints) > 0 {
		hints = cfg.Actuator.PortHints
	}

	var ports []actuator.PortInfo
	var err error
	if *all {
		ports, err = lister()
	} else {
		ports, err = actuator.Candidates(lister, hints)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Port enumeration failed: %v\n", err)
		return 1
	}
	if len(ports) == 0 {
		fmt.Printf("No serial ports match hints %v\n", hints)
		return 1
	}

	for _, p := range ports {
		mark := " "
		if p.Matches(hints) {
			mark = "*"
		}
		if p.IsUSB {
			fmt.Printf("%s %-20s usb %s:%s %s\n", mark, p.Name, p.VID, p.PID, p.Product)
		} else {
			fmt.Printf("%s %s\n", mark, p.Name)
		}
	}
	return 0
}
