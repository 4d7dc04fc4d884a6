package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lelantusuite/lelantuswallet/internal/prompt"
	"github.com/lelantusuite/lelantuswallet/internal/zero"
	"github.com/lelantusuite/lelantuswallet/wallet"
	"github.com/lelantusuite/lelantuswallet/walletdb"
	_ "github.com/lelantusuite/lelantuswallet/walletdb/bdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/tyler-smith/go-bip39"
)

// networkDir returns the directory name of a network directory to hold wallet
// files.
func networkDir(dataDir string, chainParams *chaincfg.Params) string {
	netname := chainParams.Name

	// For now, we must always name the testnet data directory as "testnet"
	// and not "testnet3" or any other version, as the chaincfg testnet3
	// paramaters will likely be switched to being named "testnet3" in the
	// future.  This is done to future proof that change, and an upgrade
	// plan to move the testnet3 data directory can be worked out later.
	if chainParams.Net == wire.TestNet3 {
		netname = "testnet"
	}

	return filepath.Join(dataDir, netname)
}

// createWallet prompts the user for information needed to generate a new
// wallet and generates the wallet accordingly.  The new wallet will reside at
// the provided path.  When a mnemonic was given on the command line the
// prompts are skipped and the wallet is created from it directly.
func createWallet(cfg *config) error {
	netDir := networkDir(cfg.AppDataDir, activeNet.Params)
	dbPath := filepath.Join(netDir, walletDbName)

	// Ascertain the wallet generation mnemonic.  This will either be an
	// automatically generated value the user has already confirmed or a
	// value the user has entered which has already been validated.
	mnemonic := cfg.Mnemonic
	if mnemonic == "" {
		reader := bufio.NewReader(os.Stdin)

		var err error
		mnemonic, err = prompt.Mnemonic(reader)
		if err != nil {
			return err
		}
	} else if !bip39.IsMnemonicValid(mnemonic) {
		return fmt.Errorf("invalid mnemonic specified")
	}

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return err
	}
	defer zero.Bytes(seed)

	fmt.Println("Creating the wallet...")

	// Create the wallet database backed by bolt db.
	db, err := walletdb.Create("bdb", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	// Create the wallet.
	err = wallet.Create(db, seed, activeNet.Params, clock.NewDefaultClock())
	if err != nil {
		return err
	}

	fmt.Println("The wallet has been created successfully.")
	return nil
}

// createSimulationWallet is intended to be called from the rpcclient
// and used to create a wallet for actors involved in simulations.
func createSimulationWallet(cfg *config) error {
	netDir := networkDir(cfg.AppDataDir, activeNet.Params)
	if err := checkCreateDir(netDir); err != nil {
		return err
	}

	// Simulation wallets run on a throwaway mnemonic.
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return err
	}
	seed := bip39.NewSeed(mnemonic, "")
	defer zero.Bytes(seed)

	// Create the wallet.
	dbPath := filepath.Join(netDir, walletDbName)
	fmt.Println("Creating the wallet...")

	// Create the wallet database backed by bolt db.
	db, err := walletdb.Create("bdb", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	err = wallet.Create(db, seed, activeNet.Params, clock.NewDefaultClock())
	if err != nil {
		return err
	}

	fmt.Printf("The wallet has been created successfully with mnemonic:\n%v\n",
		mnemonic)
	return nil
}

// checkCreateDir checks that the path exists and is a directory.
// If path does not exist, it is created.
func checkCreateDir(path string) error {
	if fi, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			// Attempt data directory creation
			if err = os.MkdirAll(path, 0700); err != nil {
				return fmt.Errorf("cannot create directory: %s", err)
			}
		} else {
			return fmt.Errorf("error checking directory: %s", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("path '%s' is not a directory", path)
		}
	}

	return nil
}
