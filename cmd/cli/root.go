// Package cli provides the command-line interface for netprobe.
// This package implements the Cobra-based command tree: one-shot scans,
// the API server with its scheduler, and API key hashing.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/anstrom/netprobe/internal/config"
	"github.com/anstrom/netprobe/internal/logging"
)

const envPrefix = "NETPROBE"

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "netprobe",
	Short: "Active network reconnaissance",
	Long: `netprobe checks whether hosts answer ICMP echo, which TCP ports accept a
SYN, and which neighbours on the local segment answer ARP. Raw sockets and
packet capture require root or CAP_NET_RAW.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	bindFlags(rootCmd.PersistentFlags(), map[string]string{"verbose": "verbose"})
}

// bindFlags ties configuration keys to flags of the same command so that a
// flag given on the command line wins over the file and the environment.
func bindFlags(flags *pflag.FlagSet, bindings map[string]string) {
	for key, name := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind %s flag: %v\n", name, err)
		}
	}
}

// initConfig points viper at the config file and the environment.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// configPath returns the file config.Load should read.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return "config.yaml"
}

// loadConfig reads the YAML file, applies environment and flag overrides
// tracked by viper, validates the result and installs the configured logger.
func loadConfig() (*config.Config, error) {
	cfg, err := readConfig(configPath())
	if err != nil {
		return nil, err
	}

	initLogging(cfg)
	return cfg, nil
}

// readConfig loads path with overrides applied. serve calls it again on SIGHUP.
func readConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverrides copies every key viper has a value for, from NETPROBE_*
// variables or bound flags, over the loaded configuration.
func applyOverrides(cfg *config.Config) {
	if viper.IsSet("scanning.timeout") {
		cfg.Scanning.Timeout = viper.GetDuration("scanning.timeout")
	}
	if viper.IsSet("scanning.workers") {
		cfg.Scanning.Workers = viper.GetInt("scanning.workers")
	}
	if viper.IsSet("scanning.interface") {
		cfg.Scanning.Interface = viper.GetString("scanning.interface")
	}
	if viper.IsSet("scanning.default_scan_type") {
		cfg.Scanning.DefaultScanType = viper.GetString("scanning.default_scan_type")
	}
	if viper.IsSet("logging.level") {
		cfg.Logging.Level = logging.LogLevel(viper.GetString("logging.level"))
	}
	if viper.IsSet("logging.format") {
		cfg.Logging.Format = logging.LogFormat(viper.GetString("logging.format"))
	}
	if viper.IsSet("database.enabled") {
		cfg.Database.Enabled = viper.GetBool("database.enabled")
	}
	if viper.IsSet("database.host") {
		cfg.Database.Host = viper.GetString("database.host")
	}
	if viper.IsSet("database.port") {
		cfg.Database.Port = viper.GetInt("database.port")
	}
	if viper.IsSet("database.database") {
		cfg.Database.Database = viper.GetString("database.database")
	}
	if viper.IsSet("database.username") {
		cfg.Database.Username = viper.GetString("database.username")
	}
	if viper.IsSet("database.password") {
		cfg.Database.Password = viper.GetString("database.password")
	}
	if viper.IsSet("api.host") {
		cfg.API.Host = viper.GetString("api.host")
	}
	if viper.IsSet("api.port") {
		cfg.API.Port = viper.GetInt("api.port")
	}
	if viper.IsSet("api.auth_enabled") {
		cfg.API.AuthEnabled = viper.GetBool("api.auth_enabled")
	}
}

// initLogging installs the configured logger as the process default.
func initLogging(cfg *config.Config) {
	logConfig := cfg.Logging
	if verbose {
		logConfig.Level = logging.LevelDebug
	}

	logger, err := logging.New(logConfig)
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)

	if verbose {
		logging.Debug("Structured logging initialized",
			"level", logConfig.Level,
			"format", logConfig.Format)
	}
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}

