package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-runsync/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel   *string
	DryRun     *bool
	Metrics    *bool
	ConfigPath *string

	// Shared: Sync / UploadRun / Monitor
	TarDirectory      *string
	LogDir            *string
	MinAge            *int
	MinSize           *int
	MaxSize           *int
	Exclude           *string
	Backend           *string
	LocalRoot         *string
	TransferMode      *string
	Project           *string
	SyncInterval      *int
	RunDuration       *string
	IntervalsToWait   *int
	Novaseq           *bool
	CompressionFormat *string
	CompressionLevel  *string

	// Sync specific
	SyncDir     *string
	Destination *string
	LogFile     *string
	Prefix      *string
	Include     *string
	Finish      *bool

	// UploadRun specific
	RunDir           *string
	NumLanes         *int
	UploadThumbnails *bool
	SampleSheetDelay *bool
	Retries          *int

	// Monitor specific
	Directory        *string
	StreamingWorkers *int
	Once             *bool
	Daemon           *bool
	MetricsAddr      *string

	// Init specific
	Force *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.DryRun = fs.Bool("dry-run", false, "Show what would be done without making any changes.")
	f.Metrics = fs.Bool("metrics", false, "Enable archive and byte counting metrics.")
	f.ConfigPath = fs.String("config", "", "Path to a YAML configuration file. Defaults apply when omitted.")
}

func registerRemoteFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Backend = fs.String("backend", "", "Remote store backend: 'local' or 's3'.")
	f.LocalRoot = fs.String("local-root", "", "Root directory of the 'local' backend.")
	f.TransferMode = fs.String("transfer-mode", "", "How archives are uploaded: 'store' or 'exec'.")
}

func registerSyncFlags(fs *flag.FlagSet, f *cliFlags) {
	f.SyncDir = fs.String("sync-dir", "", "Directory to synchronize. (Required)")
	f.Destination = fs.String("destination", "", "Remote destination as 'project:/folder'. (Required)")
	f.LogFile = fs.String("log-file", "", "Path of the upload log for this directory. (Required)")
	f.Prefix = fs.String("prefix", "", "File name prefix of the created archives. (Required)")
	f.TarDirectory = fs.String("tar-directory", "", "Local directory for archives before upload.")
	f.MinSize = fs.Int("min-size", 0, "Minimum total size in MB before anything is archived.")
	f.MaxSize = fs.Int("max-size", 75, "Maximum archive size in MB.")
	f.MinAge = fs.Int("min-age", 0, "Minimum age in seconds of a file before it is archived.")
	f.Include = fs.String("include", "", "Comma-separated list of regular expressions; only matching paths are synced.")
	f.Exclude = fs.String("exclude", "", "Comma-separated list of regular expressions; matching paths are skipped.")
	f.Finish = fs.Bool("finish", false, "Final pass: ignore age and size gates and fail on any archive not uploaded.")
	f.CompressionFormat = fs.String("compression-format", "", "Archive format: 'tar.gz' or 'tar.zst'.")
	f.CompressionLevel = fs.String("compression-level", "", "Compression level: 'default', 'fastest', 'better', 'best'.")
	registerRemoteFlags(fs, f)
}

func registerRunFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Project = fs.String("project", "", "Remote project receiving the run. (Required)")
	f.TarDirectory = fs.String("tar-directory", "", "Local directory for archives before upload.")
	f.LogDir = fs.String("log-dir", "", "Directory holding the upload logs.")
	f.MinAge = fs.Int("min-age", 0, "Minimum age in seconds of a file before it is archived.")
	f.MinSize = fs.Int("min-size", 0, "Minimum total size in MB before an intermediate archive is built.")
	f.MaxSize = fs.Int("max-size", 0, "Maximum archive size in MB.")
	f.SyncInterval = fs.Int("sync-interval", 0, "Seconds between two sync passes.")
	f.RunDuration = fs.String("run-duration", "", "Expected run duration, e.g. '24h', '2d'.")
	f.IntervalsToWait = fs.Int("intervals-to-wait", 0, "Number of run durations to wait before giving up.")
	f.Novaseq = fs.Bool("novaseq", false, "Also accept CopyComplete.txt as a completion marker.")
	f.Exclude = fs.String("exclude", "", "Comma-separated list of regular expressions; matching paths are skipped.")
	registerRemoteFlags(fs, f)
}

func registerUploadRunFlags(fs *flag.FlagSet, f *cliFlags) {
	f.RunDir = fs.String("run-dir", "", "Run folder to upload. (Required)")
	f.NumLanes = fs.Int("num-lanes", 0, "Upload per lane (2 or 8) instead of the whole run (0).")
	f.UploadThumbnails = fs.Bool("upload-thumbnails", false, "Also upload the Images directory.")
	f.SampleSheetDelay = fs.Bool("samplesheet-delay", false, "Upload SampleSheet.csv only after the run completed.")
	f.Retries = fs.Int("retries", 0, "How often a failed sync pass is retried.")
	registerRunFlags(fs, f)
}

func registerMonitorFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Directory = fs.String("directory", "", "Directory containing run folders. (Required)")
	f.StreamingWorkers = fs.Int("streaming-workers", 0, "Number of runs synced concurrently.")
	f.Once = fs.Bool("once", false, "Poll a single time and exit.")
	f.Daemon = fs.Bool("daemon", false, "Poll forever on a schedule instead of stopping when all runs are done.")
	f.MetricsAddr = fs.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. ':9090'.")
	registerRunFlags(fs, f)
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Force = fs.Bool("force", false, "Overwrite an existing configuration file.")
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and flag map.
func Parse(args []string) (Command, map[string]interface{}, error) {
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	f := &cliFlags{}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}

	var desc string
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	registerGlobalFlags(fs, f)

	switch command {
	case Sync:
		registerSyncFlags(fs, f)
		desc = "Archive and upload new or changed files of one directory."
	case UploadRun:
		registerUploadRunFlags(fs, f)
		desc = "Incrementally upload one run folder until it completes."
	case Monitor:
		registerMonitorFlags(fs, f)
		desc = "Watch a directory of run folders and sync every active run."
	case Init:
		registerInitFlags(fs, f)
		desc = "Write a configuration file with default values."
	case Version:
		return command, nil, nil
	default:
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}

	fs.Usage = func() {
		printSubcommandUsage(command, desc, fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}
	if fs.NArg() > 0 {
		return command, nil, fmt.Errorf("unexpected arguments for %s: %v", command, fs.Args())
	}

	flagMap, err := flagsToMap(fs, f)
	return command, flagMap, err
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) (map[string]interface{}, error) {
	// Only flags explicitly set by the user override the configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "dry-run", f.DryRun)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)
	addIfUsed(flagMap, usedFlags, "config", f.ConfigPath)

	addIfUsed(flagMap, usedFlags, "tar-directory", f.TarDirectory)
	addIfUsed(flagMap, usedFlags, "log-dir", f.LogDir)
	addIfUsed(flagMap, usedFlags, "min-age", f.MinAge)
	addIfUsed(flagMap, usedFlags, "min-size", f.MinSize)
	addIfUsed(flagMap, usedFlags, "max-size", f.MaxSize)
	addIfUsed(flagMap, usedFlags, "backend", f.Backend)
	addIfUsed(flagMap, usedFlags, "local-root", f.LocalRoot)
	addIfUsed(flagMap, usedFlags, "transfer-mode", f.TransferMode)
	addIfUsed(flagMap, usedFlags, "project", f.Project)
	addIfUsed(flagMap, usedFlags, "sync-interval", f.SyncInterval)
	addIfUsed(flagMap, usedFlags, "run-duration", f.RunDuration)
	addIfUsed(flagMap, usedFlags, "intervals-to-wait", f.IntervalsToWait)
	addIfUsed(flagMap, usedFlags, "novaseq", f.Novaseq)
	addIfUsed(flagMap, usedFlags, "compression-format", f.CompressionFormat)
	addIfUsed(flagMap, usedFlags, "compression-level", f.CompressionLevel)

	addIfUsed(flagMap, usedFlags, "sync-dir", f.SyncDir)
	addIfUsed(flagMap, usedFlags, "destination", f.Destination)
	addIfUsed(flagMap, usedFlags, "log-file", f.LogFile)
	addIfUsed(flagMap, usedFlags, "prefix", f.Prefix)
	addIfUsed(flagMap, usedFlags, "finish", f.Finish)

	addIfUsed(flagMap, usedFlags, "run-dir", f.RunDir)
	addIfUsed(flagMap, usedFlags, "num-lanes", f.NumLanes)
	addIfUsed(flagMap, usedFlags, "upload-thumbnails", f.UploadThumbnails)
	addIfUsed(flagMap, usedFlags, "samplesheet-delay", f.SampleSheetDelay)
	addIfUsed(flagMap, usedFlags, "retries", f.Retries)

	addIfUsed(flagMap, usedFlags, "directory", f.Directory)
	addIfUsed(flagMap, usedFlags, "streaming-workers", f.StreamingWorkers)
	addIfUsed(flagMap, usedFlags, "once", f.Once)
	addIfUsed(flagMap, usedFlags, "daemon", f.Daemon)
	addIfUsed(flagMap, usedFlags, "metrics-addr", f.MetricsAddr)

	addIfUsed(flagMap, usedFlags, "force", f.Force)

	// Handle flags that require parsing.
	addParsedIfUsed(flagMap, usedFlags, "include", f.Include, ParsePatternList)
	addParsedIfUsed(flagMap, usedFlags, "exclude", f.Exclude, ParsePatternList)

	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Incremental, resumable upload of growing run folders.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  sync        Archive and upload new or changed files of one directory\n")
	fmt.Fprintf(fs.Output(), "  upload-run  Upload one run folder until it completes\n")
	fmt.Fprintf(fs.Output(), "  monitor     Watch a directory of run folders\n")
	fmt.Fprintf(fs.Output(), "  init        Write a default configuration file\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Incremental, resumable upload of growing run folders.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParsePatternList parses a comma-separated list of regular expressions.
// Quotes group items containing commas and are removed. Backslashes are kept
// literally so regex escapes like `\d` survive.
func ParsePatternList(s string) []string {
	return parseListInternal(s, false, false)
}

// ParseCmdList parses a comma-separated list of command arguments.
// It preserves quotes and handles backslash escapes.
func ParseCmdList(s string) []string {
	return parseListInternal(s, true, true)
}

// parseListInternal is the core implementation for parsing a comma-separated list. It supports
// both single (') and double (") quotes to allow items to contain commas or spaces.
// - `keepQuotes`: Preserves quote characters in the output.
// - `handleEscapes`: Treats backslashes as escape characters.
func parseListInternal(s string, keepQuotes, handleEscapes bool) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	var isEscaped bool
	for _, r := range s {
		if isEscaped {
			current.WriteRune(r)
			isEscaped = false
			continue
		}

		switch {
		case r == '\\' && handleEscapes:
			isEscaped = true
			current.WriteRune(r)
		case r == '\'' || r == '"':
			if quoteChar == 0 {
				quoteChar = r
				if keepQuotes {
					current.WriteRune(r)
				}
			} else if quoteChar == r {
				quoteChar = 0
				if keepQuotes {
					current.WriteRune(r)
				}
			} else {
				current.WriteRune(r)
			}
		case r == ',' && quoteChar == 0:
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem()
	return list
}
