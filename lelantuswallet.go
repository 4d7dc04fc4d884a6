package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/lelantusuite/lelantuswallet/internal/prompt"
	"github.com/lelantusuite/lelantuswallet/internal/zero"
	"github.com/lelantusuite/lelantuswallet/lelantusdb"
	"github.com/lelantusuite/lelantuswallet/wallet"
	"github.com/lelantusuite/lelantuswallet/walletdb"
	_ "github.com/lelantusuite/lelantuswallet/walletdb/bdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/tyler-smith/go-bip39"
)

var cfg *config

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := walletMain(); err != nil {
		os.Exit(1)
	}
}

// walletMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func walletMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Show version at startup.
	log.Infof("Version %s", version())

	netDir := networkDir(cfg.AppDataDir, activeNet.Params)

	db, err := walletdb.Open("bdb", filepath.Join(netDir, walletDbName))
	if err != nil {
		log.Errorf("Failed to open wallet database: %v", err)
		return err
	}
	addInterruptHandler(func() {
		log.Info("Closing wallet database...")
		db.Close()
	})

	groupDB, err := lelantusdb.Open(filepath.Join(netDir, groupDbName),
		cfg.GroupSize, cfg.StartGroupSize)
	if err != nil {
		log.Errorf("Failed to open anonymity group database: %v", err)
		simulateInterrupt()
		<-interruptHandlersDone
		return err
	}
	addInterruptHandler(func() {
		log.Info("Closing anonymity group database...")
		if err := groupDB.Close(); err != nil {
			log.Errorf("Failed to close anonymity group database: %v", err)
		}
	})

	w, err := wallet.Open(db, activeNet.Params, groupDB, clock.NewDefaultClock())
	if err != nil {
		log.Errorf("Failed to open wallet: %v", err)
		simulateInterrupt()
		<-interruptHandlersDone
		return err
	}

	opErr := runOperation(w)
	if opErr != nil {
		log.Errorf("%v", opErr)
	}

	// Tear down through the interrupt handlers so the databases are
	// closed exactly once whether the run finished or was signaled.
	simulateInterrupt()
	<-interruptHandlersDone
	log.Info("Shutdown complete")
	return opErr
}

// runOperation dispatches the one-shot operation selected by the config,
// defaulting to a status report when none was requested.
func runOperation(w *wallet.Wallet) error {
	switch {
	case cfg.GenerateMints > 0:
		return generateMints(w)
	case cfg.ListMints:
		return listMints(w)
	case cfg.ShowGroup:
		return showGroup(w)
	}
	return showStatus(w)
}

// unlockWallet derives the wallet keys from the configured or prompted
// mnemonic.  The caller is responsible for locking the wallet again.
func unlockWallet(w *wallet.Wallet) error {
	mnemonic := cfg.Mnemonic
	if mnemonic == "" {
		var err error
		mnemonic, err = prompt.Unlock(bufio.NewReader(os.Stdin))
		if err != nil {
			return err
		}
	}

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return err
	}
	defer zero.Bytes(seed)

	return w.Unlock(seed)
}

// generateMints derives new mints for the configured property and amount
// and prints their ids and public coins.
func generateMints(w *wallet.Wallet) error {
	amount := uint64(cfg.Amount.Amount)
	if amount == 0 {
		return fmt.Errorf("generatemints requires a positive --amount")
	}

	if err := unlockWallet(w); err != nil {
		return err
	}
	defer w.Lock()

	for i := uint32(0); i < cfg.GenerateMints; i++ {
		id, key, err := w.GenerateMint(cfg.Property, amount)
		if err != nil {
			return err
		}
		fmt.Printf("mint %v coin %x\n", id, key.PublicCoin().Bytes())
		key.Zero()
	}
	return nil
}

// listMints prints the wallet's recorded mints, oldest placement first.
func listMints(w *wallet.Wallet) error {
	details, err := w.ListMints(cfg.UnusedOnly, false)
	if err != nil {
		return err
	}

	for _, detail := range details {
		status := "unconfirmed"
		if detail.Mint.ChainState.Confirmed() {
			status = fmt.Sprintf("block %d group %d index %d",
				detail.Mint.ChainState.Block,
				detail.Mint.ChainState.Group,
				detail.Mint.ChainState.Index)
		}
		if detail.Mint.IsSpent() {
			status += " spent"
		}
		fmt.Printf("mint %v property %d amount %d %s\n", detail.Id,
			detail.Mint.Property, detail.Mint.Amount, status)
	}
	fmt.Printf("%d mints\n", len(details))
	return nil
}

// showGroup prints the coins of the open anonymity group of the configured
// property.
func showGroup(w *wallet.Wallet) error {
	group, count, err := w.GroupDB.GetLastGroup(cfg.Property)
	if err != nil {
		return err
	}
	fmt.Printf("property %d group %d holds %d coins\n", cfg.Property,
		group, count)

	coins, err := w.GroupDB.GetAnonymityGroup(cfg.Property, group, int(count))
	if err != nil {
		return err
	}
	for _, coin := range coins {
		fmt.Printf("%x\n", coin.Bytes())
	}
	return nil
}

// showStatus reports a short summary of the wallet state.
func showStatus(w *wallet.Wallet) error {
	details, err := w.ListMints(false, false)
	if err != nil {
		return err
	}

	var unspent int
	for _, detail := range details {
		if !detail.Mint.IsSpent() {
			unspent++
		}
	}
	log.Infof("Wallet tracks %d mints (%d unspent), %d pooled seeds ready",
		len(details), unspent, len(w.Manager.MintPoolEntries()))
	return nil
}
