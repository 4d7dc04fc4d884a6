package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/lelantusuite/lelantuswallet/internal/cfgutil"
	"github.com/lelantusuite/lelantuswallet/lelantusdb"
)

const (
	defaultConfigFilename = "lelantuswallet.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "lelantuswallet.log"

	// walletDbName is the file name of the wallet database inside the
	// network directory.
	walletDbName = "wallet.db"

	// groupDbName is the directory name of the anonymity group database
	// inside the network directory.
	groupDbName = "lelantusdb"
)

var (
	defaultAppDataDir = btcutil.AppDataDir("lelantuswallet", false)
	defaultConfigFile = filepath.Join(defaultAppDataDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultAppDataDir, defaultLogDirname)
)

// config defines the configuration options for the wallet.
//
// See loadConfig for details on the configuration load process.
type config struct {
	// General application behavior
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDataDir  string `short:"A" long:"appdata" description:"Application data directory for wallet config, databases and logs"`
	TestNet3    bool   `long:"testnet" description:"Use the test network (default mainnet)"`
	SimNet      bool   `long:"simnet" description:"Use the simulation test network (default mainnet)"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LogDir      string `long:"logdir" description:"Directory to log output"`

	// Wallet creation
	Create     bool   `long:"create" description:"Create the new wallet and exit"`
	CreateTemp bool   `long:"createtemp" description:"Create a temporary simulation wallet in the data directory indicated; must call with --appdata"`
	Mnemonic   string `long:"mnemonic" description:"Wallet mnemonic to use instead of prompting for one"`

	// Anonymity group database
	GroupSize      uint32 `long:"groupsize" description:"Number of coins an anonymity group holds before the next group opens"`
	StartGroupSize uint32 `long:"startgroupsize" description:"Number of coins that close the first group of a property"`

	// One-shot operations
	GenerateMints uint32              `long:"generatemints" description:"Generate this many mints for --property and --amount, then exit"`
	Property      uint64              `long:"property" description:"Property id the operation applies to"`
	Amount        *cfgutil.AmountFlag `long:"amount" description:"Amount of each generated mint"`
	ListMints     bool                `long:"listmints" description:"List the wallet's mints and exit"`
	UnusedOnly    bool                `long:"unusedonly" description:"Restrict --listmints to unspent mints"`
	ShowGroup     bool                `long:"showgroup" description:"Show the open anonymity group of --property and exit"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultAppDataDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//      1) Start with a default config with sane settings
//      2) Pre-parse the command line to check for an alternative config file
//      3) Load configuration file overwriting defaults with any specified
//         options
//      4) Parse CLI options and overwrite/add any specified options
//
// The above results in the wallet functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		ConfigFile:     defaultConfigFile,
		AppDataDir:     defaultAppDataDir,
		DebugLevel:     defaultLogLevel,
		LogDir:         defaultLogDir,
		GroupSize:      lelantusdb.DefaultGroupSize,
		StartGroupSize: lelantusdb.DefaultStartGroupSize,
		Amount:         cfgutil.NewAmountFlag(0),
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	configFilePath := preCfg.ConfigFile
	if configFilePath != defaultConfigFile {
		configFilePath = cleanAndExpandPath(configFilePath)
	}
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	numNets := 0
	if cfg.TestNet3 {
		activeNet = &testNet3Params
		numNets++
	}
	if cfg.SimNet {
		activeNet = &simNetParams
		numNets++
	}
	if numNets > 1 {
		str := "%s: The testnet and simnet params can't be used " +
			"together -- choose one"
		err := fmt.Errorf(str, "loadConfig")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Expand environment variables and leading ~ for filepaths.
	cfg.AppDataDir = cleanAndExpandPath(cfg.AppDataDir)

	// Append the network type to the log directory so it is "namespaced"
	// per network.
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, activeNet.Params.Name)

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", "loadConfig", err.Error())
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// The group database rejects sizings it cannot honor, so catch the
	// obvious mistakes before anything is opened.
	if cfg.GroupSize == 0 || cfg.StartGroupSize == 0 ||
		cfg.StartGroupSize > cfg.GroupSize {
		str := "%s: Invalid group sizing %d/%d: both sizes must be " +
			"positive and the start size can't exceed the group size"
		err := fmt.Errorf(str, "loadConfig", cfg.GroupSize,
			cfg.StartGroupSize)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// At most one one-shot operation can run per invocation.
	numOps := 0
	if cfg.GenerateMints > 0 {
		numOps++
	}
	if cfg.ListMints {
		numOps++
	}
	if cfg.ShowGroup {
		numOps++
	}
	if numOps > 1 {
		str := "%s: The generatemints, listmints and showgroup options " +
			"can't be used together -- choose one"
		err := fmt.Errorf(str, "loadConfig")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Ensure the wallet exists or create it when the create flag is set.
	netDir := networkDir(cfg.AppDataDir, activeNet.Params)
	dbPath := filepath.Join(netDir, walletDbName)

	if cfg.CreateTemp && cfg.Create {
		err := fmt.Errorf("The flags --create and --createtemp can not " +
			"be specified together.  Use --help for more information")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	dbFileExists, err := cfgutil.FileExists(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	if cfg.CreateTemp {
		tempWalletExists := false

		if dbFileExists {
			str := fmt.Sprintf("The wallet already exists.  Loading this " +
				"wallet instead")
			fmt.Fprintln(os.Stdout, str)
			tempWalletExists = true
		}

		if !tempWalletExists {
			// Perform the initial wallet creation wizard.
			if err := createSimulationWallet(&cfg); err != nil {
				fmt.Fprintln(os.Stderr, "Unable to create wallet:", err)
				return nil, nil, err
			}
		}
	} else if cfg.Create {
		// Error if the create flag is set and the wallet already
		// exists.
		if dbFileExists {
			err := fmt.Errorf("The wallet database file `%v` "+
				"already exists", dbPath)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}

		// Ensure the data directory for the network exists.
		if err := checkCreateDir(netDir); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}

		// Perform the initial wallet creation wizard.
		if err := createWallet(&cfg); err != nil {
			fmt.Fprintln(os.Stderr, "Unable to create wallet:", err)
			return nil, nil, err
		}

		// Created successfully, so exit now with success.
		os.Exit(0)
	} else if !dbFileExists {
		err := fmt.Errorf("The wallet does not exist.  Run with the " +
			"--create option to initialize and create it")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
