package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/inputd/internal/config"
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
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: inputd config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show, get")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: inputd config check [--config PATH] [--strict] [--json]")
	fmt.Println("Validate configuration syntax, policy and integrity.")
	fmt.Println("--strict fails when no .checksums manifest is present.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: inputd config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Authorize the current configuration by writing its BLAKE3 hashes to .checksums.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: inputd config show [path] [--config PATH] [--json]")
	fmt.Println("Show the resolved configuration or one node of it (e.g. policy, window:editor).")
}

func printConfigGetHelp() {
	fmt.Println("Usage: inputd config get <path> [--config PATH] [--json]")
	fmt.Println("Read a single value from the resolved configuration.")
}

type checkResult struct {
	Path      string   `json:"path"`
	Valid     bool     `json:"valid"`
	Integrity string   `json:"integrity"`
	Windows   int      `json:"windows"`
	Errors    []string `json:"errors,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	strict := fs.Bool("strict", false, "Require a checksums manifest")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigTarget(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	result := checkResult{Path: path, Integrity: "unlocked"}
	data, err := os.ReadFile(path)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	} else if cfg, err := config.Parse(data); err != nil {
		result.Errors = append(result.Errors, err.Error())
	} else {
		result.Windows = len(cfg.Policy.Windows)
		if cfg.API.Enabled && cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			result.Warnings = append(result.Warnings, "api is enabled but no api_key or tokens are configured")
		}
		if cfg.Channels.Listen == "" {
			result.Warnings = append(result.Warnings, "channels.listen is empty; no remote consumer can attach")
		}
	}

	switch err := config.VerifyChecksums(filepath.Dir(path), true); {
	case err == nil:
		result.Integrity = "verified"
	case errors.Is(err, config.ErrNoChecksums):
		if *strict {
			result.Errors = append(result.Errors, err.Error())
		} else {
			result.Warnings = append(result.Warnings, err.Error())
		}
	default:
		result.Integrity = "mismatch"
		result.Errors = append(result.Errors, err.Error())
	}

	result.Valid = len(result.Errors) == 0

	if *jsonOut {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Printf("Config: %s\n", result.Path)
		fmt.Printf("Windows: %d\n", result.Windows)
		fmt.Printf("Integrity: %s\n", result.Integrity)
		for _, w := range result.Warnings {
			fmt.Printf("WARN  %s\n", w)
		}
		for _, e := range result.Errors {
			fmt.Printf("ERROR %s\n", e)
		}
		if result.Valid {
			fmt.Println("Status: Configuration check PASSED.")
		} else {
			fmt.Println("Status: Configuration check FAILED.")
		}
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	var verbose bool
	fs.BoolVar(&verbose, "verbose", false, "Print every hashed file")
	fs.BoolVar(&verbose, "v", false, "Print every hashed file (shorthand)")
	dryRun := fs.Bool("dry-run", false, "Compute hashes without writing .checksums")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigTarget(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	// Refuse to pin a file that would not load.
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := config.Parse(data); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock invalid config: %v\n", err)
		return 1
	}

	report, err := config.LockFiles([]string{path}, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}

	if verbose {
		names := make([]string, 0, len(report.Hashes))
		for name := range report.Hashes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("HASH %s: %s\n", name, report.Hashes[name])
		}
	}

	if !report.Written {
		fmt.Printf("DRY-RUN %s: not written\n", config.ChecksumFile)
		fmt.Println("Dry run completed.")
		return 0
	}
	fmt.Printf("Wrote %s (%d file(s))\n", report.ChecksumPath, len(report.Hashes))
	return 0
}

func runConfigShow(args []string) int {
	positional, flags := splitPositionals(args, map[string]bool{"--config": true, "-config": true})
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	positional = append(positional, fs.Args()...)

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	var result any = cfg
	if len(positional) > 0 {
		res, err := cfg.GetPath(positional[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		result = res
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(result)
		fmt.Print(string(data))
	}
	return 0
}

func runConfigGet(args []string) int {
	positional, flags := splitPositionals(args, map[string]bool{"--config": true, "-config": true})
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	positional = append(positional, fs.Args()...)

	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: inputd config get <path> [--json]")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	val, err := cfg.GetPath(positional[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(val, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("%v\n", val)
	}
	return 0
}

func resolveConfigTarget(configPath string) (string, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return "", err
		}
		configPath = discovered
	}
	return config.ResolvePath(configPath)
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	path, err := resolveConfigTarget(configPath)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// splitPositionals separates leading positional arguments from flags so
// "show policy --json" and "show --json policy" both parse.
func splitPositionals(args []string, takesValue map[string]bool) ([]string, []string) {
	var positional, flags []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if len(arg) > 1 && arg[0] == '-' {
			flags = append(flags, arg)
			if takesValue[arg] && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
			continue
		}
		positional = append(positional, arg)
	}
	return positional, flags
}
