// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"encoding/base64"
	"encoding/binary"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/parnet/par/circuit/commands"
	"github.com/parnet/par/core/log"
	"github.com/parnet/par/core/par"
)

const (
	// DefaultChunkSize is the writable width of one transport cell.
	DefaultChunkSize = 498

	// padByte fills the tail of the last chunk of a message.
	padByte = 0x00

	// frameOverhead is the length prefix in front of every message.
	frameOverhead = 2
)

// armor is the text-safe encoding for the transport's line oriented control
// channel: base64 with padding characters and newlines stripped.
var armor = base64.RawStdEncoding

// Handler consumes a parsed command arriving from a hop.  A non-nil error
// closes the circuit.
type Handler func(hop int, cmd commands.Command) error

// MessageRelay serializes typed payment messages into fixed-size armored
// chunks, forwards them hop by hop, and reassembles and dispatches inbound
// fragments by message type.
type MessageRelay struct {
	sync.Mutex

	log       *logging.Logger
	transport Transport
	cmds      *commands.Commands
	chunkSize int

	handlers map[byte]Handler
	buffers  map[int][]byte
	sendMus  map[int]*sync.Mutex
}

// NewMessageRelay constructs a MessageRelay.  chunkSize must match the
// transport's writable cell width; 0 selects DefaultChunkSize.
func NewMessageRelay(transport Transport, cmds *commands.Commands, chunkSize int, logBackend *log.Backend) *MessageRelay {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &MessageRelay{
		log:       logBackend.GetLogger("circuit/relay"),
		transport: transport,
		cmds:      cmds,
		chunkSize: chunkSize,
		handlers:  make(map[byte]Handler),
		buffers:   make(map[int][]byte),
		sendMus:   make(map[int]*sync.Mutex),
	}
}

// RegisterHandler binds the handler for a message type code.
func (r *MessageRelay) RegisterHandler(typeCode byte, h Handler) {
	r.Lock()
	defer r.Unlock()
	r.handlers[typeCode] = h
}

// Send serializes cmd and forwards it toward hop, one armored chunk per
// transport write.  Safe for concurrent use, sends toward the same hop are
// serialized.
func (r *MessageRelay) Send(hop int, cmd commands.Command) error {
	body := cmd.ToBytes()
	if len(body) > 0xffff {
		return par.Violation("relay: message length %d exceeds frame limit", len(body))
	}

	frame := make([]byte, frameOverhead, frameOverhead+len(body))
	binary.BigEndian.PutUint16(frame, uint16(len(body)))
	frame = append(frame, body...)

	// The peer reassembles by byte count alone, chunks of concurrent
	// messages toward the same hop must never interleave.
	mu := r.hopSendMutex(hop)
	mu.Lock()
	defer mu.Unlock()

	for off := 0; off < len(frame); off += r.chunkSize {
		end := off + r.chunkSize
		chunk := make([]byte, r.chunkSize)
		for i := range chunk {
			chunk[i] = padByte
		}
		if end > len(frame) {
			end = len(frame)
		}
		copy(chunk, frame[off:end])

		out := make([]byte, armor.EncodedLen(len(chunk)))
		armor.Encode(out, chunk)
		if err := r.transport.SendBytes(hop, out); err != nil {
			return err
		}
	}
	return nil
}

func (r *MessageRelay) hopSendMutex(hop int) *sync.Mutex {
	r.Lock()
	defer r.Unlock()
	mu := r.sendMus[hop]
	if mu == nil {
		mu = new(sync.Mutex)
		r.sendMus[hop] = mu
	}
	return mu
}

// Ingest accumulates an armored chunk arriving from hop and dispatches the
// message once the declared length worth of bytes is buffered.  Any framing
// or dispatch failure closes the circuit.
func (r *MessageRelay) Ingest(hop int, armored []byte) {
	if err := r.ingest(hop, armored); err != nil {
		r.log.Warningf("Closing circuit on hop %d traffic: %v", hop, err)
		r.transport.CloseCircuit(ReasonProtocolViolation)
	}
}

func (r *MessageRelay) ingest(hop int, armored []byte) error {
	chunk := make([]byte, armor.DecodedLen(len(armored)))
	if _, err := armor.Decode(chunk, armored); err != nil {
		return par.Violation("relay: bad armor from hop %d: %v", hop, err)
	}

	r.Lock()
	buf := append(r.buffers[hop], chunk...)

	if len(buf) < frameOverhead {
		r.buffers[hop] = buf
		r.Unlock()
		return nil
	}
	msgLen := int(binary.BigEndian.Uint16(buf))
	if len(buf)-frameOverhead < msgLen {
		r.buffers[hop] = buf
		r.Unlock()
		return nil
	}

	// One logical message per transport write: whatever is buffered past
	// the declared length is chunk padding, drop it.
	body := buf[frameOverhead : frameOverhead+msgLen]
	delete(r.buffers, hop)
	r.Unlock()

	cmd, err := r.cmds.FromBytes(body)
	if err != nil {
		return err
	}

	r.Lock()
	h := r.handlers[body[0]]
	r.Unlock()
	if h == nil {
		return par.Violation("relay: no handler for type 0x%02x", body[0])
	}
	return h(hop, cmd)
}
