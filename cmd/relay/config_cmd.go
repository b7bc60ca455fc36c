package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/relay/internal/config"
	"github.com/mattjoyce/relay/internal/storage"
)

const redacted = "<redacted>"

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "lock":
		return runConfigLock(actionArgs)
	case "show":
		return runConfigShow(actionArgs)
	case "help", "--help", "-h":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: relay config <check|lock|show> [--config PATH]")
}

func configFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return fs, fs.String("config", "", "Path to configuration file or directory")
}

func runConfigCheck(args []string) int {
	fs, configPath := configFlags("config check")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}

	fmt.Printf("Configuration valid: %s\n", path)
	fmt.Printf("  service:  %s/%s\n", cfg.Service.Name, cfg.Service.Tag)
	if cfg.Listener.Enabled {
		fmt.Printf("  listener: %s\n", cfg.Listener.Listen)
	} else {
		fmt.Println("  listener: disabled")
	}
	if cfg.Journal.Path != "" {
		fs, err := storage.InspectFilesystem(cfg.Journal.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Journal path unusable: %v\n", err)
			return 1
		}
		if fs.Network {
			fmt.Fprintf(os.Stderr, "Journal path %s is on network filesystem %s\n", cfg.Journal.Path, fs.Type)
			return 1
		}
		fmt.Printf("  journal:  %s (%s, retention %s)\n", cfg.Journal.Path, fs.Type, cfg.Journal.Retention)
	}
	fmt.Printf("  clients:  %d\n", len(cfg.Clients))
	return 0
}

func runConfigLock(args []string) int {
	fs, configPath := configFlags("config lock")
	dryRun := fs.Bool("dry-run", false, "Print hashes without writing .checksums")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	report, err := config.Lock(path, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	for _, m := range report.Manifests {
		verb := "Wrote"
		if !m.Written {
			verb = "Would write"
		}
		fmt.Printf("%s %s\n", verb, m.ChecksumPath)
		for name, hash := range m.Hashes {
			fmt.Printf("  %s  %s\n", hash, name)
		}
	}
	return 0
}

func runConfigShow(args []string) int {
	fs, configPath := configFlags("config show")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	data, err := yaml.Marshal(redact(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

// redact returns a copy of cfg with secrets and tokens masked.
func redact(cfg *config.Config) *config.Config {
	out := *cfg
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&out.Listener.Secret)
	mask(&out.Listener.Token)
	out.Listener.Tokens = append([]config.TokenConfig(nil), cfg.Listener.Tokens...)
	for i := range out.Listener.Tokens {
		mask(&out.Listener.Tokens[i].Token)
	}
	out.Clients = append([]config.ClientConfig(nil), cfg.Clients...)
	for i := range out.Clients {
		mask(&out.Clients[i].Secret)
		mask(&out.Clients[i].Token)
	}
	return &out
}
