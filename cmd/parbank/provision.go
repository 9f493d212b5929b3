// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/parnet/par/bank/ledger"
	"github.com/parnet/par/bank/ledger/boltledger"
	"github.com/parnet/par/core/epoch"
)

// Provisioning is an offline administrative task: the subcommands open the
// bolt ledger directly and must not run while the daemon holds it.
func newProvisionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "offline ledger provisioning",
	}
	cmd.AddCommand(newProvisionAccountCommand(), newProvisionEpochsCommand())
	return cmd
}

func newProvisionAccountCommand() *cobra.Command {
	var ledgerFile string
	var balance uint32

	cmd := &cobra.Command{
		Use:   "account",
		Short: "create an account with a fresh id and authentication key",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := boltledger.New(ledgerFile)
			if err != nil {
				return err
			}
			defer l.Close()

			var acct ledger.AccountID
			if _, err = rand.Read(acct[:]); err != nil {
				return err
			}
			authKey := make([]byte, 32)
			if _, err = rand.Read(authKey); err != nil {
				return err
			}
			if err = l.CreateAccount(context.Background(), acct, authKey, balance); err != nil {
				return err
			}

			fmt.Printf("account: %s\n", hex.EncodeToString(acct[:]))
			fmt.Printf("authkey: %s\n", hex.EncodeToString(authKey))
			fmt.Printf("balance: %d\n", balance)
			return nil
		},
	}

	cmd.Flags().StringVar(&ledgerFile, "ledger", "bank.db", "bolt ledger database path")
	cmd.Flags().Uint32Var(&balance, "balance", 0, "initial account balance")
	return cmd
}

func newProvisionEpochsCommand() *cobra.Command {
	var ledgerFile string
	var firstID uint32
	var count int
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "epochs",
		Short: "append a run of gapless validity intervals",
		Long: `Appends count back-to-back validity intervals to the epoch table, starting
at the given id.  The first interval becomes valid immediately; each interval
spoils exactly when the next becomes valid.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := boltledger.New(ledgerFile)
			if err != nil {
				return err
			}
			defer l.Close()

			ctx := context.Background()
			validAfter := time.Now().Add(-time.Second)
			for i := 0; i < count; i++ {
				iv := epoch.Interval{
					ID:         firstID + uint32(i),
					ValidAfter: validAfter,
					SpoilsOn:   validAfter.Add(duration),
				}
				if err = l.AddInterval(ctx, iv); err != nil {
					return err
				}
				validAfter = iv.SpoilsOn
			}
			fmt.Printf("provisioned intervals %d through %d\n", firstID, firstID+uint32(count)-1)
			return nil
		},
	}

	cmd.Flags().StringVar(&ledgerFile, "ledger", "bank.db", "bolt ledger database path")
	cmd.Flags().Uint32Var(&firstID, "first-id", 0, "id of the first interval")
	cmd.Flags().IntVar(&count, "count", 24, "number of intervals to append")
	cmd.Flags().DurationVar(&duration, "duration", time.Hour, "length of each interval")
	return cmd
}
