// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

// parbank is the coin issuer daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/parnet/par/bank"
	"github.com/parnet/par/bank/config"
	"github.com/parnet/par/core/crypto/blindrsa"
)

type cliConfig struct {
	ConfigFile string
	GenOnly    bool
	KeyBits    int
}

func newRootCommand() *cobra.Command {
	var cfg cliConfig

	cmd := &cobra.Command{
		Use:   "parbank",
		Short: "par coin issuer daemon",
		Long: `parbank is the bank side of the par payment system.  It listens on a UDP
front door for authenticated mint and redeem requests, blind-signs coins
against the current validity interval, and tracks redeemed coins so no coin
is ever spent twice.

Accounts, pre-provisioned validity intervals and the spent coin log live in
the configured ledger backend (boltdb or PostgreSQL).`,
		Example: `  # Start the bank with a custom configuration file
  parbank -f /etc/parnet/bank.toml

  # Generate missing value tier signing keys and exit
  parbank -f /etc/parnet/bank.toml --generate-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "parbank.toml",
		"path to the bank configuration file (TOML format)")
	cmd.Flags().BoolVarP(&cfg.GenOnly, "generate-only", "g", false,
		"generate missing value tier signing keys and exit")
	cmd.Flags().IntVar(&cfg.KeyBits, "key-bits", 2048,
		"modulus size for generated signing keys")

	cmd.AddCommand(newProvisionCommand())
	return cmd
}

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func run(cliCfg cliConfig) error {
	// Set the umask to something "paranoid".
	syscall.Umask(0077)

	cfg, err := config.LoadFile(cliCfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cliCfg.ConfigFile, err)
	}

	if cliCfg.GenOnly {
		return generateKeys(cfg, cliCfg.KeyBits)
	}

	d, err := bank.NewDaemon(cfg)
	if err != nil {
		return fmt.Errorf("failed to spawn bank instance: %v", err)
	}
	defer d.Shutdown()

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-haltCh
		d.Shutdown()
	}()

	d.Wait()
	return nil
}

// generateKeys creates a signing key for every configured value tier whose
// PEM file does not exist yet.
func generateKeys(cfg *config.Config, bits int) error {
	for tier, f := range cfg.Keys {
		if _, err := os.Stat(f); err == nil {
			fmt.Printf("tier %v: key %v exists, skipping\n", tier, f)
			continue
		}
		key, err := blindrsa.GenerateKey(bits)
		if err != nil {
			return err
		}
		if err = key.ToPEMFile(f); err != nil {
			return err
		}
		fmt.Printf("tier %v: wrote %v\n", tier, f)
	}
	return nil
}
