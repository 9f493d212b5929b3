// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package commands implements the circuit payment protocol messages.  The
// message set is closed: every type code is matched exhaustively and an
// unknown code is a protocol violation, never a silent drop.
package commands

import (
	"encoding/binary"

	"github.com/parnet/par/core/coin"
	"github.com/parnet/par/core/par"
)

// Message type codes.
const (
	TypeSetup      = 0x01
	TypeSetupReply = 0x02
	TypePayment    = 0x03
	TypeReceipt    = 0x04
	TypeMintRelay  = 0x05
)

// ProtocolVersion is the circuit payment protocol version.
const ProtocolVersion = 1

// MaxCoinsPerPayment bounds the coins carried by a single payment message.
// Exceeding it is a programming error on the sender, rejected synchronously.
const MaxCoinsPerPayment = 32

// Command is the common interface exposed by all payment message structures.
// The serialized form starts with the type code byte.
type Command interface {
	// ToBytes serializes the command and returns the resulting slice.
	ToBytes() []byte
}

// Commands encapsulates the command parsers so they can share the
// deployment's RSA modulus size.
type Commands struct {
	keySize int
}

// NewCommands returns a Commands for a deployment keySize.
func NewCommands(keySize int) *Commands {
	return &Commands{keySize: keySize}
}

// KeySize returns the deployment's modulus size in bytes.
func (c *Commands) KeySize() int {
	return c.keySize
}

// RequestToken is one relay-supplied blinded mint request: the payer must
// submit Blinded to the issuer to obtain a coin payable to the relay, and
// IdentitySig proves the token really originated from the relay.
type RequestToken struct {
	ID          uint32
	Blinded     []byte
	IdentitySig []byte
}

func (c *Commands) tokenSize() int {
	return 4 + 2*c.keySize
}

func (c *Commands) tokenToBytes(t *RequestToken, out []byte) []byte {
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], t.ID)
	out = append(out, id[:]...)
	out = append(out, t.Blinded...)
	return append(out, t.IdentitySig...)
}

func (c *Commands) tokenFromBytes(b []byte) (RequestToken, error) {
	var t RequestToken
	if len(b) != c.tokenSize() {
		return t, par.Violation("commands: request token length %d, want %d", len(b), c.tokenSize())
	}
	t.ID = binary.BigEndian.Uint32(b[:4])
	t.Blinded = append([]byte(nil), b[4:4+c.keySize]...)
	t.IdentitySig = append([]byte(nil), b[4+c.keySize:]...)
	return t, nil
}

func (c *Commands) tokensToBytes(tokens []RequestToken, out []byte) []byte {
	out = append(out, byte(len(tokens)))
	for i := range tokens {
		out = c.tokenToBytes(&tokens[i], out)
	}
	return out
}

func (c *Commands) tokensFromBytes(b []byte) ([]RequestToken, []byte, error) {
	if len(b) < 1 {
		return nil, nil, par.Violation("commands: truncated token vector")
	}
	count := int(b[0])
	b = b[1:]
	if len(b) < count*c.tokenSize() {
		return nil, nil, par.Violation("commands: truncated token vector")
	}
	tokens := make([]RequestToken, count)
	for i := 0; i < count; i++ {
		var err error
		if tokens[i], err = c.tokenFromBytes(b[:c.tokenSize()]); err != nil {
			return nil, nil, err
		}
		b = b[c.tokenSize():]
	}
	return tokens, b, nil
}

// Setup opens the payment relationship with a relay hop.
type Setup struct {
	Version uint8
}

// ToBytes serializes the Setup.
func (cmd *Setup) ToBytes() []byte {
	return []byte{TypeSetup, cmd.Version}
}

// SetupReply answers a Setup with an initial batch of request tokens.
type SetupReply struct {
	Cmds *Commands

	Version uint8
	Tokens  []RequestToken
}

// ToBytes serializes the SetupReply.
func (cmd *SetupReply) ToBytes() []byte {
	out := make([]byte, 2, 2+1+len(cmd.Tokens)*cmd.Cmds.tokenSize())
	out[0] = TypeSetupReply
	out[1] = cmd.Version
	return cmd.Cmds.tokensToBytes(cmd.Tokens, out)
}

// PaymentEntry pays one coin into one outstanding relay mint request.
type PaymentEntry struct {
	TokenID uint32
	Coin    *coin.Coin
}

// Payment settles token bucket credit with a relay hop.
type Payment struct {
	Cmds *Commands

	ReadTokens  uint32
	WriteTokens uint32
	RequestID   uint32
	Entries     []PaymentEntry
}

// ToBytes serializes the Payment.
func (cmd *Payment) ToBytes() []byte {
	coinSize := coin.SerializedSize(cmd.Cmds.keySize)
	out := make([]byte, 13, 13+1+len(cmd.Entries)*(4+coinSize))
	out[0] = TypePayment
	binary.BigEndian.PutUint32(out[1:5], cmd.ReadTokens)
	binary.BigEndian.PutUint32(out[5:9], cmd.WriteTokens)
	binary.BigEndian.PutUint32(out[9:13], cmd.RequestID)
	out = append(out, byte(len(cmd.Entries)))
	for _, e := range cmd.Entries {
		var id [4]byte
		binary.BigEndian.PutUint32(id[:], e.TokenID)
		out = append(out, id[:]...)
		out = append(out, e.Coin.ToBytes()...)
	}
	return out
}

// Receipt acknowledges a Payment and replenishes the payer's token pool.
type Receipt struct {
	Cmds *Commands

	RequestID uint32
	Tokens    []RequestToken
}

// ToBytes serializes the Receipt.
func (cmd *Receipt) ToBytes() []byte {
	out := make([]byte, 5, 5+1+len(cmd.Tokens)*cmd.Cmds.tokenSize())
	out[0] = TypeReceipt
	binary.BigEndian.PutUint32(out[1:5], cmd.RequestID)
	return cmd.Cmds.tokensToBytes(cmd.Tokens, out)
}

// MintRelay tunnels an opaque bank datagram through the circuit so the
// origin can reach the issuer without revealing its address.  The exit hop
// proxies the payload to the bank over UDP and returns the answer in another
// MintRelay with the same request id.
type MintRelay struct {
	RequestID uint32
	Payload   []byte
}

// ToBytes serializes the MintRelay.
func (cmd *MintRelay) ToBytes() []byte {
	out := make([]byte, 5, 5+len(cmd.Payload))
	out[0] = TypeMintRelay
	binary.BigEndian.PutUint32(out[1:5], cmd.RequestID)
	return append(out, cmd.Payload...)
}

// FromBytes de-serializes the command in the buffer b, returning a Command
// or an error.
func (c *Commands) FromBytes(b []byte) (Command, error) {
	if len(b) < 1 {
		return nil, par.Violation("commands: empty command")
	}
	id := b[0]
	b = b[1:]
	switch id {
	case TypeSetup:
		return setupFromBytes(b)
	case TypeSetupReply:
		return c.setupReplyFromBytes(b)
	case TypePayment:
		return c.paymentFromBytes(b)
	case TypeReceipt:
		return c.receiptFromBytes(b)
	case TypeMintRelay:
		return mintRelayFromBytes(b)
	default:
		return nil, par.Violation("commands: unknown type code 0x%02x", id)
	}
}

func setupFromBytes(b []byte) (Command, error) {
	if len(b) != 1 {
		return nil, par.Violation("commands: malformed setup")
	}
	return &Setup{Version: b[0]}, nil
}

func (c *Commands) setupReplyFromBytes(b []byte) (Command, error) {
	if len(b) < 1 {
		return nil, par.Violation("commands: malformed setup reply")
	}
	cmd := &SetupReply{Cmds: c, Version: b[0]}
	var rest []byte
	var err error
	if cmd.Tokens, rest, err = c.tokensFromBytes(b[1:]); err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, par.Violation("commands: trailing bytes after setup reply")
	}
	return cmd, nil
}

func (c *Commands) paymentFromBytes(b []byte) (Command, error) {
	if len(b) < 13 {
		return nil, par.Violation("commands: malformed payment")
	}
	cmd := &Payment{
		Cmds:        c,
		ReadTokens:  binary.BigEndian.Uint32(b[0:4]),
		WriteTokens: binary.BigEndian.Uint32(b[4:8]),
		RequestID:   binary.BigEndian.Uint32(b[8:12]),
	}
	count := int(b[12])
	if count > MaxCoinsPerPayment {
		return nil, par.Violation("commands: payment carries %d coins, limit %d", count, MaxCoinsPerPayment)
	}
	b = b[13:]
	coinSize := coin.SerializedSize(c.keySize)
	if len(b) != count*(4+coinSize) {
		return nil, par.Violation("commands: payment body length %d, want %d", len(b), count*(4+coinSize))
	}
	cmd.Entries = make([]PaymentEntry, count)
	for i := 0; i < count; i++ {
		cmd.Entries[i].TokenID = binary.BigEndian.Uint32(b[:4])
		cn, err := coin.FromBytes(b[4:4+coinSize], coin.DefaultValue)
		if err != nil {
			return nil, par.Violation("commands: bad coin in payment: %v", err)
		}
		cmd.Entries[i].Coin = cn
		b = b[4+coinSize:]
	}
	return cmd, nil
}

func (c *Commands) receiptFromBytes(b []byte) (Command, error) {
	if len(b) < 5 {
		return nil, par.Violation("commands: malformed receipt")
	}
	cmd := &Receipt{Cmds: c, RequestID: binary.BigEndian.Uint32(b[0:4])}
	var rest []byte
	var err error
	if cmd.Tokens, rest, err = c.tokensFromBytes(b[4:]); err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, par.Violation("commands: trailing bytes after receipt")
	}
	return cmd, nil
}

func mintRelayFromBytes(b []byte) (Command, error) {
	if len(b) < 4 {
		return nil, par.Violation("commands: malformed mint relay")
	}
	return &MintRelay{
		RequestID: binary.BigEndian.Uint32(b[0:4]),
		Payload:   append([]byte(nil), b[4:]...),
	}, nil
}
