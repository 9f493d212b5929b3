// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package bank implements the coin issuer: the mint and redeem flows, the
// sharded double spend set, and the UDP front door the client bank agents
// talk to.
package bank

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/parnet/par/bank/ledger"
	"github.com/parnet/par/core/coin"
	"github.com/parnet/par/core/par"
)

// ProtocolVersion is the bank wire protocol version.
const ProtocolVersion = 0

// Request type codes carried in the envelope.
const (
	ReqMint    = 0x01
	ReqDeposit = 0x02
	ReqEpoch   = 0x03
)

// Redeem outcome codes, one ASCII byte per coin in response order.
const (
	CodeAccepted     = '0'
	CodeInvalid      = '1'
	CodeAlreadySpent = '2'
)

const macSize = sha256.Size

// envelopeOverhead = account ‖ type ‖ requestID ‖ mac
const envelopeOverhead = ledger.AccountIDSize + 1 + 4 + macSize

// Envelope is the authenticated wrapper around every bank request and
// response.  The MAC covers account‖type‖requestID‖payload under the
// account's authentication key.
type Envelope struct {
	Account   ledger.AccountID
	Type      byte
	RequestID uint32
	Payload   []byte

	mac []byte
}

// SealEnvelope builds and authenticates an envelope.
func SealEnvelope(acct ledger.AccountID, typ byte, requestID uint32, payload, authKey []byte) []byte {
	out := make([]byte, envelopeOverhead, envelopeOverhead+len(payload))
	copy(out, acct[:])
	out[ledger.AccountIDSize] = typ
	binary.BigEndian.PutUint32(out[ledger.AccountIDSize+1:], requestID)

	m := hmac.New(sha256.New, authKey)
	m.Write(out[:ledger.AccountIDSize+5])
	m.Write(payload)
	copy(out[ledger.AccountIDSize+5:], m.Sum(nil))

	return append(out, payload...)
}

// OpenEnvelope parses an envelope without verifying its MAC; the key is only
// known after the account is looked up.
func OpenEnvelope(b []byte) (*Envelope, error) {
	if len(b) < envelopeOverhead {
		return nil, par.Violation("bank: truncated envelope")
	}
	e := new(Envelope)
	copy(e.Account[:], b[:ledger.AccountIDSize])
	e.Type = b[ledger.AccountIDSize]
	e.RequestID = binary.BigEndian.Uint32(b[ledger.AccountIDSize+1:])
	e.mac = append([]byte(nil), b[ledger.AccountIDSize+5:envelopeOverhead]...)
	e.Payload = append([]byte(nil), b[envelopeOverhead:]...)
	return e, nil
}

// VerifyMAC checks the envelope's MAC under authKey.
func (e *Envelope) VerifyMAC(authKey []byte) bool {
	hdr := make([]byte, ledger.AccountIDSize+5)
	copy(hdr, e.Account[:])
	hdr[ledger.AccountIDSize] = e.Type
	binary.BigEndian.PutUint32(hdr[ledger.AccountIDSize+1:], e.RequestID)

	m := hmac.New(sha256.New, authKey)
	m.Write(hdr)
	m.Write(e.Payload)
	return hmac.Equal(m.Sum(nil), e.mac)
}

// MintRequestMsg is the §6 mint request:
// protocolVersion u8 ‖ count u16 ‖ value u32 ‖ blindedMessage[count].
type MintRequestMsg struct {
	Value   uint32
	Blinded [][]byte
}

// ToBytes serializes the mint request; every blinded message must be keySize
// bytes long.
func (m *MintRequestMsg) ToBytes() []byte {
	sz := 0
	for _, b := range m.Blinded {
		sz += len(b)
	}
	out := make([]byte, 7, 7+sz)
	out[0] = ProtocolVersion
	binary.BigEndian.PutUint16(out[1:3], uint16(len(m.Blinded)))
	binary.BigEndian.PutUint32(out[3:7], m.Value)
	for _, b := range m.Blinded {
		out = append(out, b...)
	}
	return out
}

// ParseMintRequest deserializes a mint request for a deployment keySize.
func ParseMintRequest(b []byte, keySize int) (*MintRequestMsg, error) {
	if len(b) < 7 {
		return nil, par.Violation("bank: truncated mint request")
	}
	if b[0] != ProtocolVersion {
		return nil, par.Violation("bank: unsupported protocol version %d", b[0])
	}
	count := int(binary.BigEndian.Uint16(b[1:3]))
	m := &MintRequestMsg{Value: binary.BigEndian.Uint32(b[3:7])}
	b = b[7:]
	if len(b) != count*keySize {
		return nil, par.Violation("bank: mint request body length %d, want %d", len(b), count*keySize)
	}
	m.Blinded = make([][]byte, count)
	for i := 0; i < count; i++ {
		m.Blinded[i] = append([]byte(nil), b[i*keySize:(i+1)*keySize]...)
	}
	return m, nil
}

// MintResponseMsg is the §6 mint response.  StatusOK carries the blind
// signatures, StatusInsufficientBalance only the current balance.
type MintResponseMsg struct {
	Status     byte
	Balance    uint32
	Signatures [][]byte
}

// Mint response status codes.
const (
	StatusOK                  = 0
	StatusInsufficientBalance = 1
)

// ToBytes serializes the mint response.
func (m *MintResponseMsg) ToBytes() []byte {
	if m.Status != StatusOK {
		out := make([]byte, 5)
		out[0] = m.Status
		binary.BigEndian.PutUint32(out[1:5], m.Balance)
		return out
	}
	sz := 0
	for _, s := range m.Signatures {
		sz += len(s)
	}
	out := make([]byte, 7, 7+sz)
	out[0] = StatusOK
	binary.BigEndian.PutUint32(out[1:5], m.Balance)
	binary.BigEndian.PutUint16(out[5:7], uint16(len(m.Signatures)))
	for _, s := range m.Signatures {
		out = append(out, s...)
	}
	return out
}

// ParseMintResponse deserializes a mint response.
func ParseMintResponse(b []byte, keySize int) (*MintResponseMsg, error) {
	if len(b) < 5 {
		return nil, par.Violation("bank: truncated mint response")
	}
	m := &MintResponseMsg{
		Status:  b[0],
		Balance: binary.BigEndian.Uint32(b[1:5]),
	}
	switch m.Status {
	case StatusInsufficientBalance:
		if len(b) != 5 {
			return nil, par.Violation("bank: malformed mint failure response")
		}
		return m, nil
	case StatusOK:
	default:
		return nil, par.Violation("bank: unknown mint status %d", m.Status)
	}
	if len(b) < 7 {
		return nil, par.Violation("bank: truncated mint response")
	}
	count := int(binary.BigEndian.Uint16(b[5:7]))
	b = b[7:]
	if len(b) != count*keySize {
		return nil, par.Violation("bank: mint response body length %d, want %d", len(b), count*keySize)
	}
	m.Signatures = make([][]byte, count)
	for i := 0; i < count; i++ {
		m.Signatures[i] = append([]byte(nil), b[i*keySize:(i+1)*keySize]...)
	}
	return m, nil
}

// DepositRequestMsg is the §6 redeem request: count u16 ‖ coin[count].
type DepositRequestMsg struct {
	Coins []*coin.Coin
}

// ToBytes serializes the deposit request.
func (m *DepositRequestMsg) ToBytes() []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(len(m.Coins)))
	for _, c := range m.Coins {
		out = append(out, c.ToBytes()...)
	}
	return out
}

// ParseDepositRequest deserializes a deposit request for a deployment
// keySize.  All coins are the default denomination.
func ParseDepositRequest(b []byte, keySize int) (*DepositRequestMsg, error) {
	if len(b) < 2 {
		return nil, par.Violation("bank: truncated deposit request")
	}
	count := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	coinSize := coin.SerializedSize(keySize)
	if len(b) != count*coinSize {
		return nil, par.Violation("bank: deposit request body length %d, want %d", len(b), count*coinSize)
	}
	m := &DepositRequestMsg{Coins: make([]*coin.Coin, count)}
	for i := 0; i < count; i++ {
		c, err := coin.FromBytes(b[i*coinSize:(i+1)*coinSize], coin.DefaultValue)
		if err != nil {
			return nil, par.Violation("bank: bad coin %d: %v", i, err)
		}
		m.Coins[i] = c
	}
	return m, nil
}

// DepositResponseMsg is the §6 redeem response: one outcome code per coin in
// request order, then the new balance and the issuer's epoch view.
type DepositResponseMsg struct {
	Codes           []byte
	Balance         uint32
	IntervalID      uint32
	SecsUntilExpiry uint32
	SecsUntilNext   uint32
}

// ToBytes serializes the deposit response.  The code vector carries no
// count, the requester knows how many coins it deposited.
func (m *DepositResponseMsg) ToBytes() []byte {
	out := make([]byte, len(m.Codes)+16)
	copy(out, m.Codes)
	tail := out[len(m.Codes):]
	binary.BigEndian.PutUint32(tail[0:4], m.Balance)
	binary.BigEndian.PutUint32(tail[4:8], m.IntervalID)
	binary.BigEndian.PutUint32(tail[8:12], m.SecsUntilExpiry)
	binary.BigEndian.PutUint32(tail[12:16], m.SecsUntilNext)
	return out
}

// EpochResponseMsg answers an epoch query (an empty-payload ReqEpoch).
// Expiries are relative so the client does not need a synchronized clock.
type EpochResponseMsg struct {
	IntervalID      uint32
	SecsUntilExpiry uint32
	NextIntervalID  uint32
	SecsUntilNext   uint32
}

// ToBytes serializes the epoch response.
func (m *EpochResponseMsg) ToBytes() []byte {
	out := make([]byte, 16)
	binary.BigEndian.PutUint32(out[0:4], m.IntervalID)
	binary.BigEndian.PutUint32(out[4:8], m.SecsUntilExpiry)
	binary.BigEndian.PutUint32(out[8:12], m.NextIntervalID)
	binary.BigEndian.PutUint32(out[12:16], m.SecsUntilNext)
	return out
}

// ParseEpochResponse deserializes an epoch response.
func ParseEpochResponse(b []byte) (*EpochResponseMsg, error) {
	if len(b) != 16 {
		return nil, par.Violation("bank: epoch response length %d, want 16", len(b))
	}
	return &EpochResponseMsg{
		IntervalID:      binary.BigEndian.Uint32(b[0:4]),
		SecsUntilExpiry: binary.BigEndian.Uint32(b[4:8]),
		NextIntervalID:  binary.BigEndian.Uint32(b[8:12]),
		SecsUntilNext:   binary.BigEndian.Uint32(b[12:16]),
	}, nil
}

// ParseDepositResponse deserializes a deposit response for a deposit of
// count coins.
func ParseDepositResponse(b []byte, count int) (*DepositResponseMsg, error) {
	if len(b) != count+16 {
		return nil, par.Violation("bank: deposit response length %d, want %d", len(b), count+16)
	}
	m := &DepositResponseMsg{Codes: append([]byte(nil), b[:count]...)}
	tail := b[count:]
	m.Balance = binary.BigEndian.Uint32(tail[0:4])
	m.IntervalID = binary.BigEndian.Uint32(tail[4:8])
	m.SecsUntilExpiry = binary.BigEndian.Uint32(tail[8:12])
	m.SecsUntilNext = binary.BigEndian.Uint32(tail[12:16])
	return m, nil
}
