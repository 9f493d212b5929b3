// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

package commands

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parnet/par/core/coin"
)

const testKeySize = 96

func testToken(t *testing.T, c *Commands, id uint32) RequestToken {
	tok := RequestToken{
		ID:          id,
		Blinded:     make([]byte, c.KeySize()),
		IdentitySig: make([]byte, c.KeySize()),
	}
	_, err := rand.Read(tok.Blinded)
	require.NoError(t, err)
	_, err = rand.Read(tok.IdentitySig)
	require.NoError(t, err)
	return tok
}

func testCoin(t *testing.T) *coin.Coin {
	var receipt [coin.ReceiptSize]byte
	_, err := rand.Read(receipt[:])
	require.NoError(t, err)
	sig := make([]byte, testKeySize)
	_, err = rand.Read(sig)
	require.NoError(t, err)
	return coin.New(coin.DefaultValue, receipt, sig, 42)
}

func TestSetupRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	c := NewCommands(testKeySize)

	cmd := &Setup{Version: ProtocolVersion}
	got, err := c.FromBytes(cmd.ToBytes())
	require.NoError(err)
	require.Equal(cmd, got)
}

func TestSetupReplyRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	c := NewCommands(testKeySize)

	cmd := &SetupReply{
		Cmds:    c,
		Version: ProtocolVersion,
		Tokens:  []RequestToken{testToken(t, c, 1), testToken(t, c, 2)},
	}
	got, err := c.FromBytes(cmd.ToBytes())
	require.NoError(err)
	require.Equal(cmd, got)
}

func TestPaymentRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	c := NewCommands(testKeySize)

	cmd := &Payment{
		Cmds:        c,
		ReadTokens:  2560,
		WriteTokens: 1280,
		RequestID:   7,
		Entries: []PaymentEntry{
			{TokenID: 3, Coin: testCoin(t)},
			{TokenID: 9, Coin: testCoin(t)},
		},
	}
	got, err := c.FromBytes(cmd.ToBytes())
	require.NoError(err)
	require.Equal(cmd, got)
}

func TestReceiptRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	c := NewCommands(testKeySize)

	cmd := &Receipt{
		Cmds:      c,
		RequestID: 7,
		Tokens:    []RequestToken{testToken(t, c, 11)},
	}
	got, err := c.FromBytes(cmd.ToBytes())
	require.NoError(err)
	require.Equal(cmd, got)
}

func TestMintRelayRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	c := NewCommands(testKeySize)

	cmd := &MintRelay{RequestID: 99, Payload: []byte("opaque datagram")}
	got, err := c.FromBytes(cmd.ToBytes())
	require.NoError(err)
	require.Equal(cmd, got)
}

func TestUnknownTypeRejected(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	c := NewCommands(testKeySize)

	_, err := c.FromBytes([]byte{0xff, 0x00})
	require.Error(err)

	_, err = c.FromBytes(nil)
	require.Error(err)
}

func TestPaymentCoinLimitEnforced(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	c := NewCommands(testKeySize)

	cmd := &Payment{Cmds: c, RequestID: 1}
	for i := 0; i <= MaxCoinsPerPayment; i++ {
		cmd.Entries = append(cmd.Entries, PaymentEntry{TokenID: uint32(i), Coin: testCoin(t)})
	}
	_, err := c.FromBytes(cmd.ToBytes())
	require.Error(err)
}

func TestTruncatedPaymentRejected(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	c := NewCommands(testKeySize)

	cmd := &Payment{
		Cmds:      c,
		RequestID: 1,
		Entries:   []PaymentEntry{{TokenID: 1, Coin: testCoin(t)}},
	}
	b := cmd.ToBytes()
	_, err := c.FromBytes(b[:len(b)-1])
	require.Error(err)
}
