package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/CZERTAINLY/renderq/internal/log"
	"github.com/CZERTAINLY/renderq/internal/model"
	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/renderq on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "renderq")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is renderq.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	runCmd.Flags().StringVarP(&flagOutput, "output", "o", "//render/", "output target of jobs given as arguments")
	runCmd.Flags().StringVarP(&flagFrames, "frames", "f", "", "frame range of jobs given as arguments, START:END or FRAME")
	runCmd.Flags().IntVarP(&flagConcurrency, "jobs", "j", 0, "maximum of concurrently running jobs, overrides scheduler.max_concurrent")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse the config, setup logging
	rootCmd.PersistentPreRunE = initRenderq

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("renderq failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "renderq",
	Short:        "Batch render queue for Blender",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run [input.blend...]",
	Short: "run renders the configured jobs and the inputs given as arguments",
	RunE:  doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a renderq",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("renderq: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("renderq: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initRenderq(cmd *cobra.Command, _ []string) error {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	if envConfig, ok := os.LookupEnv("RENDERQCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "renderq.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		config = model.DefaultConfig()
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
			for _, line := range model.ValidationErrors(err) {
				slog.Error(line)
			}
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}

	if engine, ok := os.LookupEnv("RENDERQ_ENGINE"); ok && engine != "" {
		config.Engine.Path = engine
	}

	// --verbose has a precedence over config file
	level := log.ParseLevel(config.Log.Level)
	if flagVerbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(log.New(os.Stderr, config.Log.Format, level))

	slog.Debug("renderq run", "configPath", configPath)
	slog.Debug("renderq run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
