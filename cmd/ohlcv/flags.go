package main

import (
	"errors"
	"fmt"
	"strconv"
)

// GlobalFlags are accepted anywhere on the command line.
type GlobalFlags struct {
	ConfigPath string
	EnvFile    string
	LogLevel   string
	Storage    string
	Checkpoint string
}

// CollectFlags represents flags for the collect command
type CollectFlags struct {
	Symbol     string
	Resolution string
	Days       int
	All        bool
	Missing    bool
	Resume     bool
	Reset      bool
	Status     bool
	Force      bool
	Holes      bool
	Help       bool
}

// RetryFlags represents flags for the retry command
type RetryFlags struct {
	Symbol     string
	Resolution string
	AllFailed  bool
	Help       bool
}

// GapsFlags represents flags for the gaps command
type GapsFlags struct {
	Symbol     string
	Resolution string
	Days       int
	Holes      bool
	JSON       bool
	Help       bool
}

// ExportFlags represents flags for the export command
type ExportFlags struct {
	Symbol     string
	Resolution string
	Out        string
	Days       int
	Help       bool
}

// CheckFlags represents flags for the check command
type CheckFlags struct {
	Symbol     string
	Resolution string
	Days       int
	JSON       bool
	Help       bool
}

// StatusFlags represents flags for the status command
type StatusFlags struct {
	JSON bool
	Help bool
}

// ResetFlags represents flags for the reset command
type ResetFlags struct {
	Help bool
}

// flagValue returns the argument following args[i].
func flagValue(args []string, i int) (string, error) {
	if i+1 >= len(args) {
		return "", fmt.Errorf("%s requires a value", args[i])
	}
	return args[i+1], nil
}

func daysValue(args []string, i int) (int, error) {
	val, err := flagValue(args, i)
	if err != nil {
		return 0, err
	}
	days, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid days value: %w", err)
	}
	if days <= 0 {
		return 0, fmt.Errorf("--days must be greater than 0")
	}
	return days, nil
}

// parseGlobalFlags pulls the global flags out of args and returns the rest in
// their original order.
func parseGlobalFlags(args []string) (*GlobalFlags, []string, error) {
	flags := &GlobalFlags{ConfigPath: ConfigFile, EnvFile: ".env"}
	rest := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		var dst *string
		switch args[i] {
		case "--config", "-c":
			dst = &flags.ConfigPath
		case "--env-file":
			dst = &flags.EnvFile
		case "--log-level":
			dst = &flags.LogLevel
		case "--storage":
			dst = &flags.Storage
		case "--checkpoint":
			dst = &flags.Checkpoint
		default:
			rest = append(rest, args[i])
			continue
		}
		val, err := flagValue(args, i)
		if err != nil {
			return nil, nil, err
		}
		*dst = val
		i++
	}

	return flags, rest, nil
}

// parseCollectFlags parses command line arguments for the collect command
func parseCollectFlags(args []string) (*CollectFlags, error) {
	flags := &CollectFlags{}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--symbol", "-s":
			flags.Symbol, err = flagValue(args, i)
			i++
		case "--resolution", "-r":
			flags.Resolution, err = flagValue(args, i)
			i++
		case "--days", "-d":
			flags.Days, err = daysValue(args, i)
			i++
		case "--all", "-a":
			flags.All = true
		case "--missing", "-m":
			flags.Missing = true
		case "--resume":
			flags.Resume = true
		case "--reset":
			flags.Reset = true
		case "--status":
			flags.Status = true
		case "--force", "-f":
			flags.Force = true
		case "--holes":
			flags.Holes = true
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	if flags.Help {
		return flags, nil
	}
	if flags.Reset && flags.Status {
		return nil, errors.New("--reset and --status cannot be combined")
	}
	if flags.All && flags.Symbol != "" {
		return nil, errors.New("--all and --symbol cannot be combined")
	}
	if flags.Resolution != "" && flags.Symbol == "" {
		return nil, errors.New("--resolution requires --symbol")
	}
	if flags.Force && flags.Missing {
		return nil, errors.New("--force and --missing cannot be combined")
	}

	return flags, nil
}

// parseRetryFlags parses command line arguments for the retry command
func parseRetryFlags(args []string) (*RetryFlags, error) {
	flags := &RetryFlags{}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--symbol", "-s":
			flags.Symbol, err = flagValue(args, i)
			i++
		case "--resolution", "-r":
			flags.Resolution, err = flagValue(args, i)
			i++
		case "--all-failed":
			flags.AllFailed = true
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	if flags.Help {
		return flags, nil
	}
	if flags.AllFailed == (flags.Symbol != "") {
		return nil, errors.New("specify either --symbol or --all-failed")
	}
	if flags.Resolution != "" && flags.Symbol == "" {
		return nil, errors.New("--resolution requires --symbol")
	}

	return flags, nil
}

// parseGapsFlags parses command line arguments for the gaps command
func parseGapsFlags(args []string) (*GapsFlags, error) {
	flags := &GapsFlags{}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--symbol", "-s":
			flags.Symbol, err = flagValue(args, i)
			i++
		case "--resolution", "-r":
			flags.Resolution, err = flagValue(args, i)
			i++
		case "--days", "-d":
			flags.Days, err = daysValue(args, i)
			i++
		case "--holes":
			flags.Holes = true
		case "--json":
			flags.JSON = true
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	if !flags.Help && flags.Resolution != "" && flags.Symbol == "" {
		return nil, errors.New("--resolution requires --symbol")
	}
	return flags, nil
}

// parseCheckFlags parses command line arguments for the check command
func parseCheckFlags(args []string) (*CheckFlags, error) {
	flags := &CheckFlags{}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--symbol", "-s":
			flags.Symbol, err = flagValue(args, i)
			i++
		case "--resolution", "-r":
			flags.Resolution, err = flagValue(args, i)
			i++
		case "--days", "-d":
			flags.Days, err = daysValue(args, i)
			i++
		case "--json":
			flags.JSON = true
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	if !flags.Help && flags.Resolution != "" && flags.Symbol == "" {
		return nil, errors.New("--resolution requires --symbol")
	}
	return flags, nil
}

// parseExportFlags parses command line arguments for the export command
func parseExportFlags(args []string) (*ExportFlags, error) {
	flags := &ExportFlags{}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--symbol", "-s":
			flags.Symbol, err = flagValue(args, i)
			i++
		case "--resolution", "-r":
			flags.Resolution, err = flagValue(args, i)
			i++
		case "--out", "-o":
			flags.Out, err = flagValue(args, i)
			i++
		case "--days", "-d":
			flags.Days, err = daysValue(args, i)
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	if flags.Help {
		return flags, nil
	}
	if flags.Symbol == "" {
		return nil, errors.New("--symbol is required")
	}
	if flags.Resolution == "" {
		return nil, errors.New("--resolution is required")
	}

	return flags, nil
}

// parseStatusFlags parses command line arguments for the status command
func parseStatusFlags(args []string) (*StatusFlags, error) {
	flags := &StatusFlags{}
	for _, arg := range args {
		switch arg {
		case "--json":
			flags.JSON = true
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}
	return flags, nil
}

// parseResetFlags parses command line arguments for the reset command
func parseResetFlags(args []string) (*ResetFlags, error) {
	flags := &ResetFlags{}
	for _, arg := range args {
		switch arg {
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}
	return flags, nil
}
