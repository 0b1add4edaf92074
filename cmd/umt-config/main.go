package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/mslinn/umtest/pkg/config"
	"github.com/mslinn/umtest/pkg/logging"
)

var version = "dev" // Set by -ldflags during build

func main() {
	var (
		showVersion bool
		showHelp    bool
		configPath  string
		logOpts     logging.Options
	)

	pflag.BoolVarP(&showVersion, "version", "V", false, "Show version and exit")
	pflag.BoolVarP(&showHelp, "help", "h", false, "Show this help message")
	pflag.StringVar(&configPath, "config", "", "Path to config file (default: ~/.umtest.yaml)")
	logOpts.AddFlags(pflag.CommandLine)
	pflag.CommandLine.SetInterspersed(false)
	pflag.Parse()

	if showVersion {
		fmt.Printf("umt-config version %s\n", version)
		os.Exit(0)
	}
	if showHelp {
		printHelp()
		os.Exit(0)
	}

	logger, closer, err := logging.Setup("umt-config", logOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	args := pflag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Error: subcommand required\n\n")
		printUsage()
		os.Exit(1)
	}

	if configPath != "" {
		os.Setenv("UMT_CONFIG", configPath)
	}
	logger.Debug("using config file", "path", config.GetConfigPath())

	switch args[0] {
	case "init":
		handleInit(args[1:])
	case "set":
		handleSet(args[1:])
	case "get":
		handleGet(args[1:])
	case "show":
		handleShow()
	case "path":
		fmt.Println(config.GetConfigPath())
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown subcommand '%s'\n\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func handleInit(args []string) {
	var force bool
	flags := pflag.NewFlagSet("init", pflag.ExitOnError)
	flags.BoolVarP(&force, "force", "f", false, "Overwrite existing config file")
	flags.Parse(args)

	configPath := config.GetConfigPath()
	if _, err := os.Stat(configPath); err == nil && !force {
		fmt.Fprintf(os.Stderr, "Error: config file already exists at %s\n", configPath)
		fmt.Fprintf(os.Stderr, "Use --force to overwrite\n")
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if err := cfg.Save(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to save config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Created config file at %s\n", configPath)
	fmt.Println("\nDefault configuration:")
	printValues(cfg)
	fmt.Println("\nEdit the file or use 'umt-config set' to customize.")
}

func handleSet(args []string) {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: 'set' requires KEY and VALUE arguments\n\n")
		fmt.Fprintf(os.Stderr, "Usage: umt-config set KEY VALUE\n\n")
		printKeys(os.Stderr)
		os.Exit(1)
	}
	key, value := args[0], args[1]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		fmt.Fprintf(os.Stderr, "Try running 'umt-config init' first\n")
		os.Exit(1)
	}
	if err := cfg.Set(key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Valid keys: %s\n", strings.Join(config.Keys(), ", "))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	configPath := config.GetConfigPath()
	if err := cfg.Save(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to save config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Set %s = %v\n", key, value)
}

func handleGet(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: 'get' requires KEY argument\n\n")
		fmt.Fprintf(os.Stderr, "Usage: umt-config get KEY\n")
		fmt.Fprintf(os.Stderr, "\nValid keys: %s\n", strings.Join(config.Keys(), ", "))
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		os.Exit(1)
	}
	value, err := cfg.Get(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Valid keys: %s\n", strings.Join(config.Keys(), ", "))
		os.Exit(1)
	}
	fmt.Println(value)
}

func handleShow() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration from: %s\n\n", config.GetConfigPath())
	printValues(cfg)

	fmt.Println("\nEnvironment variable overrides:")
	for _, env := range []struct{ name, key string }{
		{"UMT_DB", "database"},
		{"UMT_LOG_DIR", "log_dir"},
		{"UMT_SSH_USER", "ssh_user"},
		{config.NodeTypeEnv, "node_type"},
	} {
		if v := os.Getenv(env.name); v != "" {
			fmt.Printf("  %s=%s (overrides %s)\n", env.name, v, env.key)
		}
	}

	if profile, err := cfg.RequireNodeType(); err != nil {
		fmt.Printf("\nWarning: %v\n", err)
	} else {
		fmt.Printf("\nNode type: %s (%s), hosts: %s\n", profile.Type, profile.Description, cfg.GetHostTemplate())
	}
}

func printValues(cfg *config.Config) {
	for _, key := range config.Keys() {
		value, _ := cfg.Get(key)
		fmt.Printf("  %-16s %s\n", key+":", value)
	}
}

func printKeys(w io.Writer) {
	fmt.Fprintf(w, "Valid keys:\n")
	for _, key := range config.Keys() {
		fmt.Fprintf(w, "  %-16s %s\n", key, config.Describe(key))
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: umt-config [OPTIONS] SUBCOMMAND\n\n")
	fmt.Fprintf(os.Stderr, "Manage umt configuration\n\n")
	fmt.Fprintf(os.Stderr, "Subcommands:\n")
	fmt.Fprintf(os.Stderr, "  init          Create default config file\n")
	fmt.Fprintf(os.Stderr, "  set KEY VAL   Set configuration value\n")
	fmt.Fprintf(os.Stderr, "  get KEY       Get configuration value\n")
	fmt.Fprintf(os.Stderr, "  show          Show all configuration\n")
	fmt.Fprintf(os.Stderr, "  path          Show config file path\n\n")
	pflag.PrintDefaults()
}

func printHelp() {
	fmt.Printf("umt-config - Manage umt configuration\n\n")
	fmt.Printf("Version: %s\n\n", version)

	fmt.Printf("DESCRIPTION:\n")
	fmt.Printf("  Manages configuration for the umt tools. Configuration is stored in\n")
	fmt.Printf("  ~/.umtest.yaml by default and can be overridden with environment variables.\n\n")

	fmt.Printf("USAGE:\n")
	fmt.Printf("  umt-config [OPTIONS] SUBCOMMAND\n\n")

	fmt.Printf("SUBCOMMANDS:\n")
	fmt.Printf("  init          Create default configuration file\n")
	fmt.Printf("  set KEY VAL   Set a configuration value\n")
	fmt.Printf("  get KEY       Get a configuration value\n")
	fmt.Printf("  show          Display all configuration values\n")
	fmt.Printf("  path          Show the config file path\n\n")

	fmt.Printf("CONFIGURATION KEYS:\n")
	for _, key := range config.Keys() {
		fmt.Printf("  %-16s %s\n", key, config.Describe(key))
	}

	fmt.Printf("\nENVIRONMENT VARIABLES:\n")
	fmt.Printf("  UMT_CONFIG      Path to config file\n")
	fmt.Printf("  UMT_DB          Override database path\n")
	fmt.Printf("  UMT_LOG_DIR     Override log directory\n")
	fmt.Printf("  UMT_SSH_USER    Override SSH user\n")
	fmt.Printf("  %s    Node type: %s\n\n", config.NodeTypeEnv, strings.Join(config.NodeTypes(), ", "))

	fmt.Printf("OPTIONS:\n")
	pflag.PrintDefaults()

	fmt.Printf("\nEXAMPLES:\n")
	fmt.Printf("  umt-config init\n")
	fmt.Printf("  umt-config set ssh_key ~/.ssh/testbed_ed25519\n")
	fmt.Printf("  umt-config set command_timeout 10m\n")
	fmt.Printf("  umt-config get database\n")
	fmt.Printf("  umt-config show\n")
}
