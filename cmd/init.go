package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-runsync/pkg/buildinfo"
	"github.com/paulschiretz/pgl-runsync/pkg/config"
	"github.com/paulschiretz/pgl-runsync/pkg/flagparse"
	"github.com/paulschiretz/pgl-runsync/pkg/lockfile"
	"github.com/paulschiretz/pgl-runsync/pkg/plog"
	"github.com/paulschiretz/pgl-runsync/pkg/util"
)

// RunInit writes the defaults, merged with any flags given, to the file named
// by -config. An existing file is only replaced after confirmation on in, or
// with -force.
func RunInit(ctx context.Context, flagMap map[string]interface{}, in io.Reader, out io.Writer) error {
	configPath, _ := flagMap["config"].(string)
	if configPath == "" {
		return fmt.Errorf("the -config flag is required for the init operation")
	}
	path, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("could not determine absolute config path for %s: %w", configPath, err)
	}
	force, _ := flagMap["force"].(bool)

	if _, err := os.Stat(path); err == nil && !force {
		fmt.Fprintf(out, "WARNING: %s already exists and will be replaced by the defaults.\n", path)
		if !Confirm(in, out, "Overwrite it?", false) {
			plog.Info(buildinfo.Name + " init canceled, configuration left unchanged.")
			return nil
		}
	}

	cfg := config.MergeConfigWithFlags(flagparse.Init, config.NewDefault(), flagMap)
	if cfg.Runtime.DryRun {
		plog.Info("[DRY RUN] Would write configuration file", "path", path)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	lock, err := lockfile.Acquire(ctx, path, buildinfo.Name+"-init")
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", path, err)
	}
	defer lock.Release()

	if err := config.Generate(path, cfg); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}
	return nil
}

// Confirm asks a yes/no question on out and reads one line from in. An empty
// answer or EOF selects the default.
func Confirm(in io.Reader, out io.Writer, prompt string, defaultYes bool) bool {
	choices := "[y/N]"
	if defaultYes {
		choices = "[Y/n]"
	}
	fmt.Fprintf(out, "%s %s: ", prompt, choices)

	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return defaultYes
	case "y", "yes":
		return true
	default:
		return false
	}
}
