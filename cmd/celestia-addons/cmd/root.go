package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"

	"go-celestia-addons/internal/api"
	"go-celestia-addons/internal/config"
	"go-celestia-addons/internal/database"
	"go-celestia-addons/internal/downloader"
	"go-celestia-addons/internal/models"
	"go-celestia-addons/internal/resource"
)

var (
	cfgFile        string
	logApiFlag     bool
	logLevel       string
	logFormat      string
	addonDirFlag   string
	scriptDirFlag  string
	languageFlag   string
	apiTimeoutFlag int
)

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport is http.DefaultTransport, or a LoggingTransport wrapping it with --log-api.
var globalHttpTransport http.RoundTripper

var rootCmd = &cobra.Command{
	Use:   "celestia-addons",
	Short: "Download and manage Celestia add-ons",
	Long: `celestia-addons installs add-ons from celestia.mobi into a Celestia
data directory, lists and removes installed add-ons, and checks them for updates.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadGlobalConfig,
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	defer closeLoggingTransport()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		closeLoggingTransport()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to api.log (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Logging format (text, json)")
	rootCmd.PersistentFlags().StringVar(&addonDirFlag, "addon-dir", "", "Add-on root directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&scriptDirFlag, "script-dir", "", "Script add-on root directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&languageFlag, "lang", "", "Language code sent to the API (overrides config)")
	rootCmd.PersistentFlags().IntVar(&apiTimeoutFlag, "api-timeout", -1, "Timeout for API requests in seconds (overrides config, -1 uses config default)")
}

// initLogging configures logrus based on persistent flags
func initLogging() {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.WithError(err).Warnf("Invalid log level '%s', using default 'info'", logLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	switch logFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		log.Warnf("Invalid log format '%s', using default 'text'", logFormat)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.Debugf("Logging configured: Level=%s, Format=%s", log.GetLevel(), logFormat)
}

// loadGlobalConfig loads the config file, applies flag overrides and sets up
// the shared HTTP transport. A missing config file is not fatal; commands
// check the fields they need.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	initLogging()

	var err error
	globalConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		log.WithError(err).Warnf("Failed to load configuration from %s", cfgFile)
	}

	flags := cmd.Flags()
	if flags.Changed("log-api") {
		globalConfig.LogApiRequests = logApiFlag
	}
	if flags.Changed("addon-dir") && addonDirFlag != "" {
		globalConfig.AddonDirectory = addonDirFlag
	}
	if flags.Changed("script-dir") && scriptDirFlag != "" {
		globalConfig.ScriptDirectory = scriptDirFlag
	}
	if flags.Changed("lang") && languageFlag != "" {
		globalConfig.Language = languageFlag
	}
	if flags.Changed("api-timeout") {
		if apiTimeoutFlag > 0 {
			globalConfig.ApiClientTimeoutSec = apiTimeoutFlag
		} else {
			log.Warnf("--api-timeout flag provided with invalid value %d, using config value: %d sec", apiTimeoutFlag, globalConfig.ApiClientTimeoutSec)
		}
	}
	// Derived paths follow the (possibly overridden) add-on directory.
	globalConfig = config.ApplyDefaults(globalConfig)

	globalHttpTransport = http.DefaultTransport
	if globalConfig.LogApiRequests {
		logFilePath := "api.log"
		if globalConfig.AddonDirectory != "" {
			if _, statErr := os.Stat(filepath.Dir(globalConfig.AddonDirectory)); statErr == nil {
				logFilePath = filepath.Join(filepath.Dir(globalConfig.AddonDirectory), logFilePath)
			}
		}
		lt, ltErr := api.NewLoggingTransport(http.DefaultTransport, logFilePath)
		if ltErr != nil {
			log.WithError(ltErr).Error("Failed to initialize API logging transport, logging disabled.")
		} else {
			log.Infof("API logging to file: %s", logFilePath)
			globalHttpTransport = lt
		}
	}
	return nil
}

func closeLoggingTransport() {
	lt, ok := globalHttpTransport.(*api.LoggingTransport)
	if !ok || lt == nil {
		return
	}
	if err := lt.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		log.WithError(err).Error("Error closing API log file")
	}
	globalHttpTransport = nil
}

// newApiClient returns a celestia.mobi client using the shared transport.
func newApiClient() *api.Client {
	return api.NewClient(globalConfig.ApiBaseUrl, &http.Client{
		Timeout:   time.Duration(globalConfig.ApiClientTimeoutSec) * time.Second,
		Transport: globalHttpTransport,
	})
}

// newDownloader returns a downloader for archives. Archives can be large,
// so the API timeout is not applied.
func newDownloader() *downloader.Downloader {
	return downloader.NewDownloader(&http.Client{Transport: globalHttpTransport}, globalConfig.StagingDirectory)
}

func requireRoots() error {
	if globalConfig.AddonDirectory == "" || globalConfig.ScriptDirectory == "" {
		return errors.New("AddonDirectory and ScriptDirectory must be configured (config file or --addon-dir/--script-dir)")
	}
	return nil
}

func openHistory() (*database.DB, *database.History, error) {
	if globalConfig.DatabasePath == "" {
		return nil, nil, errors.New("DatabasePath is not configured")
	}
	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening database: %w", err)
	}
	return db, database.NewHistory(db), nil
}

// newResourceManager builds the manager for the configured roots. history may be nil.
func newResourceManager(history resource.HistoryStore) (*resource.Manager, error) {
	if err := requireRoots(); err != nil {
		return nil, err
	}
	tag, err := language.Parse(globalConfig.Language)
	if err != nil {
		log.WithError(err).Warnf("Unknown language %q, sorting with English rules", globalConfig.Language)
		tag = language.English
	}
	return resource.NewManager(globalConfig.AddonDirectory, globalConfig.ScriptDirectory, newDownloader(), resource.Options{
		History:      history,
		ProgressStep: globalConfig.ProgressStep,
		Language:     tag,
	})
}
