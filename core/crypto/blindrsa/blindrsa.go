// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package blindrsa implements the RSA key wrapper used by the payment
// protocol: ordinary hash-then-sign signatures for identity authentication,
// and the textbook RSA primitives required by the multiplicative blind
// signature scheme.  Padding is incompatible with the blinding homomorphism,
// so every blind signature operation uses the raw primitive.
package blindrsa

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
)

var (
	// ErrMessageTooLong is returned when a raw RSA operation is attempted
	// on a message that does not fit under the modulus.
	ErrMessageTooLong = errors.New("blindrsa: message too long for modulus")

	// ErrNotCoprime is returned when a supplied blinding factor shares a
	// factor with the modulus.
	ErrNotCoprime = errors.New("blindrsa: blinding factor not coprime with modulus")

	one = big.NewInt(1)
)

// PublicKey is an RSA public key with the blind signature helpers attached.
type PublicKey struct {
	pk *rsa.PublicKey
	n  *big.Int
	e  *big.Int
}

// PrivateKey is an RSA private key with the blind signature helpers attached.
type PrivateKey struct {
	PublicKey
	sk *rsa.PrivateKey
}

// NewPublicKey wraps an rsa.PublicKey.
func NewPublicKey(pk *rsa.PublicKey) *PublicKey {
	return &PublicKey{
		pk: pk,
		n:  pk.N,
		e:  big.NewInt(int64(pk.E)),
	}
}

// NewPrivateKey wraps an rsa.PrivateKey.
func NewPrivateKey(sk *rsa.PrivateKey) *PrivateKey {
	return &PrivateKey{
		PublicKey: *NewPublicKey(&sk.PublicKey),
		sk:        sk,
	}
}

// GenerateKey creates a fresh key pair with a modulus of the given bit size.
func GenerateKey(bits int) (*PrivateKey, error) {
	sk, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return NewPrivateKey(sk), nil
}

// Size returns the modulus size in bytes.  All fixed-width values produced
// by this package (signatures, blinded messages) have exactly this length.
func (k *PublicKey) Size() int {
	return (k.n.BitLen() + 7) / 8
}

// Public returns the wrapped rsa.PublicKey.
func (k *PublicKey) Public() *rsa.PublicKey {
	return k.pk
}

// Verify checks a hash-then-sign signature over msg.
func (k *PublicKey) Verify(msg, sig []byte) bool {
	digest := sha256.Sum256(msg)
	return rsa.VerifyPKCS1v15(k.pk, crypto.SHA256, digest[:], sig) == nil
}

// Sign produces a hash-then-sign signature over msg.
func (k *PrivateKey) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return rsa.SignPKCS1v15(rand.Reader, k.sk, crypto.SHA256, digest[:])
}

// RawEncrypt applies the RSA public operation to b.  With usePadding set it
// uses PKCS#1 v1.5 encryption padding; without it the textbook primitive is
// applied, which is what every blind signature operation requires.
func (k *PublicKey) RawEncrypt(b []byte, usePadding bool) ([]byte, error) {
	if usePadding {
		return rsa.EncryptPKCS1v15(rand.Reader, k.pk, b)
	}
	m := new(big.Int).SetBytes(b)
	if m.Cmp(k.n) >= 0 {
		return nil, ErrMessageTooLong
	}
	c := new(big.Int).Exp(m, k.e, k.n)
	return k.fill(c), nil
}

// RawDecrypt applies the RSA private operation to b.  With usePadding set it
// uses PKCS#1 v1.5 decryption; without it the textbook primitive is applied.
// The unpadded form doubles as the issuer's blind signing operation.
func (k *PrivateKey) RawDecrypt(b []byte, usePadding bool) ([]byte, error) {
	if usePadding {
		return rsa.DecryptPKCS1v15(rand.Reader, k.sk, b)
	}
	c := new(big.Int).SetBytes(b)
	if c.Cmp(k.n) >= 0 {
		return nil, ErrMessageTooLong
	}
	m := new(big.Int).Exp(c, k.sk.D, k.n)
	return k.fill(m), nil
}

// BlindingFactor returns a fresh random factor r with gcd(r, n) == 1.
func (k *PublicKey) BlindingFactor() (*big.Int, error) {
	gcd := new(big.Int)
	for {
		r, err := rand.Int(rand.Reader, k.n)
		if err != nil {
			return nil, err
		}
		if r.Sign() == 0 {
			continue
		}
		if gcd.GCD(nil, nil, r, k.n).Cmp(one) == 0 {
			return r, nil
		}
	}
}

// Blind masks msg with the factor r, producing msg * r^e mod n as a
// fixed-width byte string suitable for submission to the issuer.
func (k *PublicKey) Blind(msg []byte, r *big.Int) ([]byte, error) {
	m := new(big.Int).SetBytes(msg)
	if m.Cmp(k.n) >= 0 {
		return nil, ErrMessageTooLong
	}
	blinded := new(big.Int).Exp(r, k.e, k.n)
	blinded.Mul(blinded, m)
	blinded.Mod(blinded, k.n)
	return k.fill(blinded), nil
}

// Unblind removes the factor r from a blind signature, producing the
// issuer's signature over the original message.
func (k *PublicKey) Unblind(blindSig []byte, r *big.Int) ([]byte, error) {
	rInv := new(big.Int).ModInverse(r, k.n)
	if rInv == nil {
		return nil, ErrNotCoprime
	}
	s := new(big.Int).SetBytes(blindSig)
	if s.Cmp(k.n) >= 0 {
		return nil, ErrMessageTooLong
	}
	s.Mul(s, rInv)
	s.Mod(s, k.n)
	return k.fill(s), nil
}

func (k *PublicKey) fill(v *big.Int) []byte {
	out := make([]byte, k.Size())
	return v.FillBytes(out)
}

const (
	privatePEMType = "RSA PRIVATE KEY"
	publicPEMType  = "RSA PUBLIC KEY"
)

// ToPEMFile writes the private key to f in PKCS#1 PEM form.
func (k *PrivateKey) ToPEMFile(f string) error {
	blk := &pem.Block{
		Type:  privatePEMType,
		Bytes: x509.MarshalPKCS1PrivateKey(k.sk),
	}
	return os.WriteFile(f, pem.EncodeToMemory(blk), 0600)
}

// FromPEMFile loads a PKCS#1 PEM private key from f.
func FromPEMFile(f string) (*PrivateKey, error) {
	buf, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	blk, _ := pem.Decode(buf)
	if blk == nil || blk.Type != privatePEMType {
		return nil, fmt.Errorf("blindrsa: no %s block in %s", privatePEMType, f)
	}
	sk, err := x509.ParsePKCS1PrivateKey(blk.Bytes)
	if err != nil {
		return nil, err
	}
	return NewPrivateKey(sk), nil
}

// PublicFromPEM parses a PKCS#1 PEM public key.
func PublicFromPEM(buf []byte) (*PublicKey, error) {
	blk, _ := pem.Decode(buf)
	if blk == nil || blk.Type != publicPEMType {
		return nil, fmt.Errorf("blindrsa: no %s block", publicPEMType)
	}
	pk, err := x509.ParsePKCS1PublicKey(blk.Bytes)
	if err != nil {
		return nil, err
	}
	return NewPublicKey(pk), nil
}

// PublicToPEM serializes the public key in PKCS#1 PEM form.
func (k *PublicKey) PublicToPEM() []byte {
	blk := &pem.Block{
		Type:  publicPEMType,
		Bytes: x509.MarshalPKCS1PublicKey(k.pk),
	}
	return pem.EncodeToMemory(blk)
}
