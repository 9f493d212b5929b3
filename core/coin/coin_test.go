// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

package coin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parnet/par/core/crypto/blindrsa"
	"github.com/parnet/par/core/par"
)

const testKeyBits = 768

func mintTestCoin(t *testing.T, issuer *blindrsa.PrivateKey, interval uint32) *Coin {
	req, err := NewMintRequest(&issuer.PublicKey, interval, DefaultValue)
	require.NoError(t, err)

	blindSig, err := issuer.RawDecrypt(req.Blinded, false)
	require.NoError(t, err)

	c, err := req.Finalize(blindSig)
	require.NoError(t, err)
	return c
}

func TestMintRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	issuer, err := blindrsa.GenerateKey(testKeyBits)
	require.NoError(err)

	c := mintTestCoin(t, issuer, 42)
	require.NoError(c.Validate(42, &issuer.PublicKey))
	require.Len(c.Signature, issuer.Size())
}

func TestFreshnessWindow(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	issuer, err := blindrsa.GenerateKey(testKeyBits)
	require.NoError(err)

	c := mintTestCoin(t, issuer, 10)
	for cur := uint32(5); cur <= 15; cur++ {
		err := c.Validate(cur, &issuer.PublicKey)
		switch {
		case cur >= 9 && cur <= 11:
			require.NoError(err, "cur=%d", cur)
		default:
			var ic *par.InvalidCoinError
			require.ErrorAs(err, &ic, "cur=%d", cur)
			if cur < 9 {
				require.Equal(par.ReasonFutureInterval, ic.Reason)
			} else {
				require.Equal(par.ReasonStaleInterval, ic.Reason)
			}
		}
	}
}

func TestValidateRejectsForgery(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	issuer, err := blindrsa.GenerateKey(testKeyBits)
	require.NoError(err)
	other, err := blindrsa.GenerateKey(testKeyBits)
	require.NoError(err)

	c := mintTestCoin(t, issuer, 3)

	// Wrong issuer key.
	var ic *par.InvalidCoinError
	require.ErrorAs(c.Validate(3, &other.PublicKey), &ic)
	require.Equal(par.ReasonBadSignature, ic.Reason)

	// Tampered signature.
	c.Signature[0] ^= 0x01
	require.ErrorAs(c.Validate(3, &issuer.PublicKey), &ic)
	require.Equal(par.ReasonBadSignature, ic.Reason)
	c.Signature[0] ^= 0x01

	// Tampered interval.
	c.Interval++
	require.ErrorAs(c.Validate(3, &issuer.PublicKey), &ic)
	require.Equal(par.ReasonBadSignature, ic.Reason)
}

func TestSerializeParse(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	issuer, err := blindrsa.GenerateKey(testKeyBits)
	require.NoError(err)

	c := mintTestCoin(t, issuer, 9)
	b := c.ToBytes()
	require.Len(b, SerializedSize(issuer.Size()))

	c2, err := FromBytes(b, DefaultValue)
	require.NoError(err)
	require.Equal(c.Receipt, c2.Receipt)
	require.Equal(c.Interval, c2.Interval)
	require.Equal(c.Signature, c2.Signature)
	require.NoError(c2.Validate(9, &issuer.PublicKey))

	_, err = FromBytes(b[:headerSize], DefaultValue)
	require.ErrorIs(err, ErrShortBuffer)
	_, err = FromBytes(nil, DefaultValue)
	require.ErrorIs(err, ErrShortBuffer)
}

func TestFingerprintDependsOnSignature(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	issuer, err := blindrsa.GenerateKey(testKeyBits)
	require.NoError(err)

	a := mintTestCoin(t, issuer, 1)
	b := mintTestCoin(t, issuer, 1)
	require.NotEqual(a.Fingerprint(), b.Fingerprint())
	require.Equal(a.Fingerprint(), a.Fingerprint())
}

func TestMintRequestConsumeOnce(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	issuer, err := blindrsa.GenerateKey(testKeyBits)
	require.NoError(err)

	req, err := NewMintRequest(&issuer.PublicKey, 5, DefaultValue)
	require.NoError(err)
	blindSig, err := issuer.RawDecrypt(req.Blinded, false)
	require.NoError(err)

	_, err = req.Finalize(blindSig)
	require.NoError(err)
	_, err = req.Finalize(blindSig)
	require.True(errors.Is(err, ErrConsumed))
}
