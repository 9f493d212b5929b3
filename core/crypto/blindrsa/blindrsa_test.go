// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

package blindrsa

import (
	"bytes"
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

const testKeyBits = 768

func TestSignVerify(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	k, err := GenerateKey(testKeyBits)
	require.NoError(err)

	msg := []byte("pay the relay")
	sig, err := k.Sign(msg)
	require.NoError(err)
	require.True(k.Verify(msg, sig))
	require.False(k.Verify([]byte("pay the relay twice"), sig))

	sig[0] ^= 0x01
	require.False(k.Verify(msg, sig))
}

func TestBlindSignatureRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	k, err := GenerateKey(testKeyBits)
	require.NoError(err)
	pub := &k.PublicKey

	msg := make([]byte, 36)
	_, err = rand.Read(msg)
	require.NoError(err)

	r, err := pub.BlindingFactor()
	require.NoError(err)

	blinded, err := pub.Blind(msg, r)
	require.NoError(err)
	require.Len(blinded, pub.Size())
	require.False(bytes.Contains(blinded, msg), "blinded message leaks plaintext")

	// The issuer signs the blinded message with the raw private operation.
	blindSig, err := k.RawDecrypt(blinded, false)
	require.NoError(err)

	sig, err := pub.Unblind(blindSig, r)
	require.NoError(err)
	require.Len(sig, pub.Size())

	// Verifying the unblinded signature recovers the message modulo
	// leading zero padding from the fixed-width encoding.
	recovered, err := pub.RawEncrypt(sig, false)
	require.NoError(err)
	require.True(bytes.HasSuffix(recovered, msg))
}

func TestUnblindWithWrongFactorFails(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	k, err := GenerateKey(testKeyBits)
	require.NoError(err)
	pub := &k.PublicKey

	msg := []byte{0xde, 0xad, 0xbe, 0xef}
	r, err := pub.BlindingFactor()
	require.NoError(err)
	wrong, err := pub.BlindingFactor()
	require.NoError(err)

	blinded, err := pub.Blind(msg, r)
	require.NoError(err)
	blindSig, err := k.RawDecrypt(blinded, false)
	require.NoError(err)

	sig, err := pub.Unblind(blindSig, wrong)
	require.NoError(err)
	recovered, err := pub.RawEncrypt(sig, false)
	require.NoError(err)
	require.False(bytes.HasSuffix(recovered, msg))
}

func TestRawOpRejectsOversizedMessage(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	k, err := GenerateKey(testKeyBits)
	require.NoError(err)

	huge := make([]byte, k.Size()+1)
	for i := range huge {
		huge[i] = 0xff
	}
	_, err = k.RawEncrypt(huge, false)
	require.ErrorIs(err, ErrMessageTooLong)
	_, err = k.RawDecrypt(huge, false)
	require.ErrorIs(err, ErrMessageTooLong)
	_, err = k.Blind(huge, big.NewInt(1))
	require.ErrorIs(err, ErrMessageTooLong)
}

func TestPEMRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	k, err := GenerateKey(testKeyBits)
	require.NoError(err)

	f := t.TempDir() + "/identity.pem"
	require.NoError(k.ToPEMFile(f))

	k2, err := FromPEMFile(f)
	require.NoError(err)
	require.Equal(0, k.n.Cmp(k2.n))

	pub, err := PublicFromPEM(k.PublicToPEM())
	require.NoError(err)
	require.Equal(0, k.n.Cmp(pub.n))
}
