package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/paulschiretz/pgl-runsync/pkg/buildinfo"
	"github.com/paulschiretz/pgl-runsync/pkg/flagparse"
	"github.com/paulschiretz/pgl-runsync/pkg/pathcompression"
	"github.com/paulschiretz/pgl-runsync/pkg/plog"
	"github.com/paulschiretz/pgl-runsync/pkg/remote"
	"github.com/paulschiretz/pgl-runsync/pkg/runfolder"
	"github.com/paulschiretz/pgl-runsync/pkg/transfer"
	"github.com/paulschiretz/pgl-runsync/pkg/util"
)

// ConfigFileName is the conventional name of the configuration file.
const ConfigFileName = "pgl-runsync.config.yaml"

type RemoteS3Config struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // Empty for AWS, set for MinIO and other S3 compatible stores.
	// Credentials may reference the environment, e.g. "${AWS_SECRET_ACCESS_KEY}".
	AccessKeyID     string `yaml:"accessKeyID"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	UsePathStyle    bool   `yaml:"usePathStyle"`
}

type RemoteConfig struct {
	Backend   string         `yaml:"backend"`
	Project   string         `yaml:"project"`
	LocalRoot string         `yaml:"localRoot"`
	S3        RemoteS3Config `yaml:"s3"`
}

type TransferConfig struct {
	Mode string `yaml:"mode"`
	// Command is the argument vector of the external uploader used in 'exec' mode.
	// Placeholders: {project}, {folder}, {file}, {threads}.
	// SECURITY: The command is executed as provided. Ensure it is from a trusted source.
	Command       []string `yaml:"command"`
	UploadThreads int      `yaml:"uploadThreads"`
}

type PathsConfig struct {
	LogDir string `yaml:"logDir"`
	TmpDir string `yaml:"tmpDir"`
}

type EngineConfig struct {
	Metrics      bool `yaml:"metrics"`
	BufferSizeKB int  `yaml:"bufferSizeKB"`
}

// SyncConfig holds the defaults of the single-directory sync command.
type SyncConfig struct {
	MinAgeSeconds     int      `yaml:"minAgeSeconds"`
	MinSizeMB         int      `yaml:"minSizeMB"`
	MaxSizeMB         int      `yaml:"maxSizeMB"`
	Include           []string `yaml:"include"`
	Exclude           []string `yaml:"exclude"`
	CompressionFormat string   `yaml:"compressionFormat"`
	CompressionLevel  string   `yaml:"compressionLevel"`
}

// RunConfig holds the settings for uploading instrument run folders.
type RunConfig struct {
	MinAgeSeconds       int      `yaml:"minAgeSeconds"`
	MinSizeMB           int      `yaml:"minSizeMB"`
	MaxSizeMB           int      `yaml:"maxSizeMB"`
	SyncIntervalSeconds int      `yaml:"syncIntervalSeconds"`
	Retries             int      `yaml:"retries"`
	RetryWaitSeconds    int      `yaml:"retryWaitSeconds"`
	RunLength           string   `yaml:"runLength"`
	SeqIntervals        int      `yaml:"seqIntervals"`
	NumLanes            int      `yaml:"numLanes"`
	Novaseq             bool     `yaml:"novaseq"`
	UploadThumbnails    bool     `yaml:"uploadThumbnails"`
	SampleSheetDelay    bool     `yaml:"sampleSheetDelay"`
	Exclude             []string `yaml:"exclude"`
}

type MonitorConfig struct {
	Directory        string `yaml:"directory"`
	StreamingWorkers int    `yaml:"streamingWorkers"`
	Daemon           bool   `yaml:"daemon"`
	MetricsAddr      string `yaml:"metricsAddr"`
}

// RuntimeConfig carries per-invocation values that never appear in the config file.
type RuntimeConfig struct {
	DryRun      bool
	Finish      bool
	Once        bool
	SyncDir     string
	Destination string
	LogFile     string
	Prefix      string
	RunDir      string
}

type Config struct {
	Version  string         `yaml:"version"`
	LogLevel string         `yaml:"logLevel"`
	Runtime  RuntimeConfig  `yaml:"-"` // Never added to config file
	Remote   RemoteConfig   `yaml:"remote"`
	Transfer TransferConfig `yaml:"transfer"`
	Paths    PathsConfig    `yaml:"paths"`
	Engine   EngineConfig   `yaml:"engine"`
	Sync     SyncConfig     `yaml:"sync"`
	Run      RunConfig      `yaml:"run"`
	Monitor  MonitorConfig  `yaml:"monitor"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		LogLevel: "info",
		Remote: RemoteConfig{
			Backend: "local",
			Project: "", // Intentionally empty to force user configuration.
		},
		Transfer: TransferConfig{
			Mode:          "store",
			Command:       []string{},
			UploadThreads: 8,
		},
		Paths: PathsConfig{
			LogDir: "/var/lib/pgl-runsync/logs",
			TmpDir: "/var/lib/pgl-runsync/tmp",
		},
		Engine: EngineConfig{
			Metrics:      true,
			BufferSizeKB: 256, // Keep it between 64KB-4MB
		},
		Sync: SyncConfig{
			MinAgeSeconds:     0,
			MinSizeMB:         0,
			MaxSizeMB:         75,
			Include:           []string{},
			Exclude:           []string{},
			CompressionFormat: "tar.gz",
			CompressionLevel:  "default",
		},
		Run: RunConfig{
			MinAgeSeconds:       1000,
			MinSizeMB:           1024,
			MaxSizeMB:           10000,
			SyncIntervalSeconds: 1800,
			Retries:             3,
			RetryWaitSeconds:    10,
			RunLength:           "24h",
			SeqIntervals:        2,
			NumLanes:            0, // 0 uploads the whole run as a single unit.
			Exclude:             []string{},
		},
		Monitor: MonitorConfig{
			StreamingWorkers: 1,
		},
	}
}

// Load reads the YAML file at configPath over the defaults. Environment
// references are expanded first and quoted numbers are accepted as numbers.
// An empty path or a missing file yields the defaults.
func Load(configPath string) (Config, error) {
	if configPath == "" {
		return NewDefault(), nil
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			plog.Warn("Config file not found, using defaults", "path", configPath)
			return NewDefault(), nil
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", configPath, err)
	}

	plog.Info("Loading configuration", "path", configPath)
	config := NewDefault()

	var root yaml.Node
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &root); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}
	if root.Kind == 0 {
		// Empty document.
		return config, nil
	}
	coerceNumbers(&root)
	if err := root.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}

	if config.Version != buildinfo.Version {
		config.Version = buildinfo.Version
	}
	return config, nil
}

// coerceNumbers retags quoted scalars that hold an integer or a float so
// they decode into numeric fields. String fields still receive the text.
func coerceNumbers(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!str" {
		if _, err := strconv.ParseInt(n.Value, 10, 64); err == nil {
			n.Tag = "!!int"
			n.Style = 0
		} else if _, err := strconv.ParseFloat(n.Value, 64); err == nil && strings.ContainsAny(n.Value, ".eE") {
			n.Tag = "!!float"
			n.Style = 0
		}
		return
	}
	for _, c := range n.Content {
		coerceNumbers(c)
	}
}

// Generate writes configToGenerate to configPath.
func Generate(configPath string, configToGenerate Config) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(configToGenerate); err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(configPath, buf.Bytes(), util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", configPath)
	return nil
}

// Validate checks the configuration for logical errors and inconsistencies
// and normalizes paths. Required runtime values depend on the command.
func (c *Config) Validate(command flagparse.Command) error {
	var err error

	switch command {
	case flagparse.Sync:
		if c.Runtime.SyncDir == "" {
			return fmt.Errorf("sync directory cannot be empty")
		}
		if c.Runtime.Destination == "" {
			return fmt.Errorf("destination cannot be empty")
		}
		if c.Runtime.LogFile == "" {
			return fmt.Errorf("log file cannot be empty")
		}
		if c.Runtime.Prefix == "" {
			return fmt.Errorf("prefix cannot be empty")
		}
		if strings.ContainsAny(c.Runtime.Prefix, `\/`) {
			return fmt.Errorf("prefix cannot contain path separators ('/' or '\\')")
		}
		if c.Runtime.SyncDir, err = cleanPath(c.Runtime.SyncDir); err != nil {
			return fmt.Errorf("could not expand sync directory: %w", err)
		}
		if c.Runtime.LogFile, err = cleanPath(c.Runtime.LogFile); err != nil {
			return fmt.Errorf("could not expand log file path: %w", err)
		}
		if err := validateSizes("sync", c.Sync.MinSizeMB, c.Sync.MaxSizeMB, c.Sync.MinAgeSeconds); err != nil {
			return err
		}
		if err := validateRegexPatterns("sync.include", c.Sync.Include); err != nil {
			return err
		}
		if err := validateRegexPatterns("sync.exclude", c.Sync.Exclude); err != nil {
			return err
		}

	case flagparse.UploadRun, flagparse.Monitor:
		if c.Remote.Project == "" {
			return fmt.Errorf("remote.project cannot be empty")
		}
		if command == flagparse.UploadRun {
			if c.Runtime.RunDir == "" {
				return fmt.Errorf("run directory cannot be empty")
			}
			if c.Runtime.RunDir, err = cleanPath(c.Runtime.RunDir); err != nil {
				return fmt.Errorf("could not expand run directory: %w", err)
			}
		} else {
			if c.Monitor.Directory == "" {
				return fmt.Errorf("monitor.directory cannot be empty")
			}
			if c.Monitor.Directory, err = cleanPath(c.Monitor.Directory); err != nil {
				return fmt.Errorf("could not expand monitor directory: %w", err)
			}
			if c.Monitor.StreamingWorkers < 1 {
				return fmt.Errorf("monitor.streamingWorkers must be at least 1")
			}
		}
		if c.Paths.LogDir == "" {
			return fmt.Errorf("paths.logDir cannot be empty")
		}
		if c.Paths.LogDir, err = cleanPath(c.Paths.LogDir); err != nil {
			return fmt.Errorf("could not expand log directory: %w", err)
		}
		if err := validateSizes("run", c.Run.MinSizeMB, c.Run.MaxSizeMB, c.Run.MinAgeSeconds); err != nil {
			return err
		}
		if c.Run.SyncIntervalSeconds <= 0 {
			return fmt.Errorf("run.syncIntervalSeconds must be greater than 0")
		}
		if c.Run.Retries < 0 {
			return fmt.Errorf("run.retries cannot be negative")
		}
		if c.Run.RetryWaitSeconds < 0 {
			return fmt.Errorf("run.retryWaitSeconds cannot be negative")
		}
		if c.Run.SeqIntervals < 1 {
			return fmt.Errorf("run.seqIntervals must be at least 1")
		}
		if c.Run.RunLength == "" {
			return fmt.Errorf("run.runLength cannot be empty")
		}
		if c.Run.NumLanes != 0 && c.Run.NumLanes != 2 && c.Run.NumLanes != 8 {
			return fmt.Errorf("run.numLanes must be 0, 2 or 8, got %d", c.Run.NumLanes)
		}
		if err := validateRegexPatterns("run.exclude", c.Run.Exclude); err != nil {
			return err
		}
	}

	if _, err := remote.ParseBackend(c.Remote.Backend); err != nil {
		return err
	}
	if _, err := transfer.ParseMode(c.Transfer.Mode); err != nil {
		return err
	}
	if command == flagparse.Sync {
		if _, err := pathcompression.ParseFormat(c.Sync.CompressionFormat); err != nil {
			return err
		}
		if _, err := pathcompression.ParseLevel(c.Sync.CompressionLevel); err != nil {
			return err
		}
	}
	if command == flagparse.UploadRun || command == flagparse.Monitor {
		runLength, err := runfolder.ParseDuration(c.Run.RunLength)
		if err != nil {
			return fmt.Errorf("invalid run.runLength: %w", err)
		}
		if c.Run.SeqIntervals > 0 && runLength > time.Duration(math.MaxInt64)/time.Duration(c.Run.SeqIntervals) {
			return fmt.Errorf("run.runLength %s x run.seqIntervals %d is too large", c.Run.RunLength, c.Run.SeqIntervals)
		}
	}

	if c.Paths.TmpDir == "" {
		return fmt.Errorf("paths.tmpDir cannot be empty")
	}
	if c.Paths.TmpDir, err = cleanPath(c.Paths.TmpDir); err != nil {
		return fmt.Errorf("could not expand tmp directory: %w", err)
	}

	if c.Engine.BufferSizeKB <= 0 {
		return fmt.Errorf("engine.bufferSizeKB must be greater than 0")
	}
	if c.Transfer.UploadThreads < 1 {
		return fmt.Errorf("transfer.uploadThreads must be at least 1")
	}
	if c.Transfer.Mode == "exec" && len(c.Transfer.Command) == 0 {
		return fmt.Errorf("transfer.command cannot be empty when transfer.mode is 'exec'")
	}
	if c.Remote.Backend == "local" && c.Remote.LocalRoot == "" {
		return fmt.Errorf("remote.localRoot cannot be empty when remote.backend is 'local'")
	}
	if c.Remote.LocalRoot != "" {
		if c.Remote.LocalRoot, err = cleanPath(c.Remote.LocalRoot); err != nil {
			return fmt.Errorf("could not expand local root: %w", err)
		}
	}
	return nil
}

// LogSummary prints a user-friendly summary of the configuration.
func (c *Config) LogSummary(command flagparse.Command) {
	logArgs := []interface{}{
		"command", command.String(),
		"log_level", c.LogLevel,
		"dry_run", c.Runtime.DryRun,
		"backend", c.Remote.Backend,
		"transfer", c.Transfer.Mode,
		"tmp_dir", c.Paths.TmpDir,
		"metrics", c.Engine.Metrics,
	}
	switch command {
	case flagparse.Sync:
		logArgs = append(logArgs,
			"sync_dir", c.Runtime.SyncDir,
			"destination", c.Runtime.Destination,
			"log_file", c.Runtime.LogFile,
			"prefix", c.Runtime.Prefix,
			"finish", c.Runtime.Finish,
			"batch", fmt.Sprintf("min:%dMB max:%dMB age:%ds", c.Sync.MinSizeMB, c.Sync.MaxSizeMB, c.Sync.MinAgeSeconds),
			"compression", fmt.Sprintf("f:%s l:%s", c.Sync.CompressionFormat, c.Sync.CompressionLevel),
		)
		if len(c.Sync.Include) > 0 {
			logArgs = append(logArgs, "include", strings.Join(c.Sync.Include, ", "))
		}
		if len(c.Sync.Exclude) > 0 {
			logArgs = append(logArgs, "exclude", strings.Join(c.Sync.Exclude, ", "))
		}
	case flagparse.UploadRun, flagparse.Monitor:
		logArgs = append(logArgs,
			"project", c.Remote.Project,
			"log_dir", c.Paths.LogDir,
			"batch", fmt.Sprintf("min:%dMB max:%dMB age:%ds", c.Run.MinSizeMB, c.Run.MaxSizeMB, c.Run.MinAgeSeconds),
			"interval", fmt.Sprintf("%ds", c.Run.SyncIntervalSeconds),
			"run_length", fmt.Sprintf("%s x%d", c.Run.RunLength, c.Run.SeqIntervals),
			"lanes", c.Run.NumLanes,
			"novaseq", c.Run.Novaseq,
		)
		if command == flagparse.UploadRun {
			logArgs = append(logArgs, "run_dir", c.Runtime.RunDir)
		} else {
			logArgs = append(logArgs, "directory", c.Monitor.Directory, "streaming_workers", c.Monitor.StreamingWorkers, "daemon", c.Monitor.Daemon)
		}
		if len(c.Run.Exclude) > 0 {
			logArgs = append(logArgs, "exclude", strings.Join(c.Run.Exclude, ", "))
		}
	}
	plog.Info("Configuration loaded", logArgs...)
}

func cleanPath(p string) (string, error) {
	expanded, err := util.ExpandPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Abs(filepath.Clean(expanded))
}

func validateSizes(section string, minMB, maxMB, minAgeSeconds int) error {
	if minMB < 0 {
		return fmt.Errorf("%s.minSizeMB cannot be negative", section)
	}
	if maxMB <= minMB {
		return fmt.Errorf("%s.maxSizeMB (%d) must be greater than %s.minSizeMB (%d)", section, maxMB, section, minMB)
	}
	if minAgeSeconds < 0 {
		return fmt.Errorf("%s.minAgeSeconds cannot be negative", section)
	}
	return nil
}

// validateRegexPatterns checks if a list of strings are valid regular expressions.
func validateRegexPatterns(fieldName string, patterns []string) error {
	var errs []error
	for _, pattern := range patterns {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Errorf("invalid pattern for %s: %q - %w", fieldName, pattern, err))
		}
	}
	return errors.Join(errs...)
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. It iterates over the setFlags map, which contains only the flags
// explicitly provided by the user on the command line.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "log-level":
			merged.LogLevel = value.(string)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "metrics":
			merged.Engine.Metrics = value.(bool)
		case "config", "force":
			// Consumed by the command itself.
		case "backend":
			merged.Remote.Backend = value.(string)
		case "local-root":
			merged.Remote.LocalRoot = value.(string)
		case "project":
			merged.Remote.Project = value.(string)
		case "transfer-mode":
			merged.Transfer.Mode = value.(string)
		case "tar-directory":
			merged.Paths.TmpDir = value.(string)
		case "log-dir":
			merged.Paths.LogDir = value.(string)
		case "compression-format":
			merged.Sync.CompressionFormat = value.(string)
		case "compression-level":
			merged.Sync.CompressionLevel = value.(string)
		case "min-age", "min-size", "max-size", "exclude":
			if command == flagparse.Sync {
				mergeSyncBatchFlag(&merged.Sync, name, value)
			} else {
				mergeRunBatchFlag(&merged.Run, name, value)
			}
		case "include":
			merged.Sync.Include = value.([]string)
		case "sync-dir":
			merged.Runtime.SyncDir = value.(string)
		case "destination":
			merged.Runtime.Destination = value.(string)
		case "log-file":
			merged.Runtime.LogFile = value.(string)
		case "prefix":
			merged.Runtime.Prefix = value.(string)
		case "finish":
			merged.Runtime.Finish = value.(bool)
		case "run-dir":
			merged.Runtime.RunDir = value.(string)
		case "sync-interval":
			merged.Run.SyncIntervalSeconds = value.(int)
		case "run-duration":
			merged.Run.RunLength = value.(string)
		case "intervals-to-wait":
			merged.Run.SeqIntervals = value.(int)
		case "novaseq":
			merged.Run.Novaseq = value.(bool)
		case "num-lanes":
			merged.Run.NumLanes = value.(int)
		case "upload-thumbnails":
			merged.Run.UploadThumbnails = value.(bool)
		case "samplesheet-delay":
			merged.Run.SampleSheetDelay = value.(bool)
		case "retries":
			merged.Run.Retries = value.(int)
		case "directory":
			merged.Monitor.Directory = value.(string)
		case "streaming-workers":
			merged.Monitor.StreamingWorkers = value.(int)
		case "daemon":
			merged.Monitor.Daemon = value.(bool)
		case "metrics-addr":
			merged.Monitor.MetricsAddr = value.(string)
		case "once":
			merged.Runtime.Once = value.(bool)
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}

func mergeSyncBatchFlag(s *SyncConfig, name string, value any) {
	switch name {
	case "min-age":
		s.MinAgeSeconds = value.(int)
	case "min-size":
		s.MinSizeMB = value.(int)
	case "max-size":
		s.MaxSizeMB = value.(int)
	case "exclude":
		s.Exclude = value.([]string)
	}
}

func mergeRunBatchFlag(r *RunConfig, name string, value any) {
	switch name {
	case "min-age":
		r.MinAgeSeconds = value.(int)
	case "min-size":
		r.MinSizeMB = value.(int)
	case "max-size":
		r.MaxSizeMB = value.(int)
	case "exclude":
		r.Exclude = value.([]string)
	}
}
