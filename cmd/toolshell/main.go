package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/CZERTAINLY/Toolshell/internal/log"
	"github.com/CZERTAINLY/Toolshell/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/toolshell on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	console        *log.Console

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "toolshell")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is toolshell.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initToolshell

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(httpCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("toolshell failed", "err", err)
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:          "toolshell",
	Short:        "Runs external tools and streams their output to a front end",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a toolshell",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("toolshell: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		fmt.Printf("toolshell: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initToolshell(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("TOOLSHELLCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "toolshell.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
		configPath = filepath.Join(userConfigPath, "toolshell.yaml")
		if err := storeDefault(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid config", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		verbose := true
		config.Service.Verbose = &verbose
	}

	// initialize logging
	size := log.DefaultConsoleSize
	if config.Service.ConsoleSize != nil {
		size = *config.Service.ConsoleSize
	}
	console = log.NewConsole(size, slog.LevelDebug)
	slog.SetDefault(log.NewWriter(logWriter(cmd), config.Verbose(), console))

	slog.Debug("toolshell run", "configPath", configPath)
	slog.Debug("toolshell run", "config", config)
	return nil
}

// logWriter returns the configured log destination. The serve command owns
// stdout for the protocol, so it always logs to stderr.
func logWriter(cmd *cobra.Command) io.Writer {
	dest := model.LogStderr
	if config.Service.Log != nil {
		dest = *config.Service.Log
	}
	switch {
	case dest == model.LogDiscard:
		return io.Discard
	case dest == model.LogStdout && cmd != serveCmd:
		return os.Stdout
	default:
		return os.Stderr
	}
}

func storeDefault(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
