// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

package bank

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/parnet/par/bank/ledger"
	"github.com/parnet/par/core/log"
	"github.com/parnet/par/core/par"
	"github.com/parnet/par/core/worker"
	"github.com/parnet/par/internal/instrument"
)

const (
	// maxDatagramSize bounds a bank request datagram.
	maxDatagramSize = 65507

	// responseCacheTTL is how long a response is retained to absorb
	// client retransmits.  A retransmitted mint must not debit twice.
	responseCacheTTL = 2 * time.Minute
)

// ServerConfig tunes the bank's UDP front door.
type ServerConfig struct {
	// Addr is the UDP listen address.
	Addr string

	// NumWorkers bounds the RSA worker pool; the heavy signing work never
	// runs on the read loop.
	NumWorkers int

	// QueueDepth bounds the pending request queue; excess datagrams are
	// dropped, UDP clients retransmit.
	QueueDepth int
}

func (cfg *ServerConfig) applyDefaults() {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
}

type request struct {
	raw  []byte
	addr *net.UDPAddr
}

type cachedResponse struct {
	raw      []byte
	deadline time.Time
}

type replayKey struct {
	acct      ledger.AccountID
	requestID uint32
}

// Server is the bank's UDP front door.  The read loop only copies datagrams;
// envelope verification and the RSA work happen on the bounded worker pool.
type Server struct {
	worker.Worker

	log    *logging.Logger
	issuer *Issuer
	conn   *net.UDPConn
	reqCh  chan request

	replayLock sync.Mutex
	replays    map[replayKey]cachedResponse
}

// NewServer binds the listen socket and starts the read loop and workers.
func NewServer(cfg ServerConfig, issuer *Issuer, logBackend *log.Backend) (*Server, error) {
	cfg.applyDefaults()

	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		log:     logBackend.GetLogger("bank/server"),
		issuer:  issuer,
		conn:    conn,
		reqCh:   make(chan request, cfg.QueueDepth),
		replays: make(map[replayKey]cachedResponse),
	}
	s.Go(s.readLoop)
	for i := 0; i < cfg.NumWorkers; i++ {
		s.Go(s.requestWorker)
	}
	s.Go(s.sweepWorker)
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Shutdown stops the server and closes the socket.
func (s *Server) Shutdown() {
	s.conn.Close()
	s.Halt()
}

func (s *Server) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.HaltCh():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warningf("Read failed: %v", err)
			continue
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		select {
		case s.reqCh <- request{raw: raw, addr: addr}:
		default:
			instrument.RequestDropped()
			s.log.Debugf("Dropping request from %v: queue full", addr)
		}
	}
}

func (s *Server) requestWorker() {
	for {
		select {
		case <-s.HaltCh():
			return
		case req := <-s.reqCh:
			if resp := s.handle(req.raw); resp != nil {
				if _, err := s.conn.WriteToUDP(resp, req.addr); err != nil {
					s.log.Warningf("Write to %v failed: %v", req.addr, err)
				}
			}
		}
	}
}

// handle processes one datagram and returns the response to send, or nil to
// stay silent.  Unauthenticated garbage gets no reply at all, a UDP listener
// that answers forged requests is a reflection amplifier.
func (s *Server) handle(raw []byte) []byte {
	ctx := context.Background()

	env, err := OpenEnvelope(raw)
	if err != nil {
		s.log.Debugf("Dropping malformed envelope: %v", err)
		return nil
	}

	authKey, err := s.issuer.accounts.AuthKey(ctx, env.Account)
	if err != nil {
		s.log.Debugf("Dropping request for unknown account: %v", err)
		return nil
	}
	if !env.VerifyMAC(authKey) {
		s.log.Debugf("Dropping request with bad MAC")
		return nil
	}

	key := replayKey{acct: env.Account, requestID: env.RequestID}
	if resp, hit := s.cachedResponse(key); hit {
		return resp
	}

	var payload []byte
	switch env.Type {
	case ReqMint:
		payload, err = s.handleMint(ctx, env)
	case ReqDeposit:
		payload, err = s.handleDeposit(ctx, env)
	case ReqEpoch:
		var resp *EpochResponseMsg
		if resp, err = s.issuer.EpochInfo(); err == nil {
			payload = resp.ToBytes()
		}
	default:
		err = par.Violation("bank: unknown request type 0x%02x", env.Type)
	}
	if err != nil {
		s.log.Warningf("Request %d from account failed: %v", env.RequestID, err)
		return nil
	}

	resp := SealEnvelope(env.Account, env.Type, env.RequestID, payload, authKey)
	s.cacheResponse(key, resp)
	return resp
}

func (s *Server) handleMint(ctx context.Context, env *Envelope) ([]byte, error) {
	req, err := ParseMintRequest(env.Payload, s.issuer.KeySize())
	if err != nil {
		return nil, err
	}
	resp, err := s.issuer.Mint(ctx, env.Account, req)
	if err != nil {
		return nil, err
	}
	return resp.ToBytes(), nil
}

func (s *Server) handleDeposit(ctx context.Context, env *Envelope) ([]byte, error) {
	req, err := ParseDepositRequest(env.Payload, s.issuer.KeySize())
	if err != nil {
		return nil, err
	}
	resp, err := s.issuer.Redeem(ctx, env.Account, req)
	if err != nil {
		return nil, err
	}
	return resp.ToBytes(), nil
}

func (s *Server) cachedResponse(k replayKey) ([]byte, bool) {
	s.replayLock.Lock()
	defer s.replayLock.Unlock()
	c, ok := s.replays[k]
	if !ok || time.Now().After(c.deadline) {
		return nil, false
	}
	return c.raw, true
}

func (s *Server) cacheResponse(k replayKey, raw []byte) {
	s.replayLock.Lock()
	defer s.replayLock.Unlock()
	s.replays[k] = cachedResponse{raw: raw, deadline: time.Now().Add(responseCacheTTL)}
}

func (s *Server) sweepWorker() {
	t := time.NewTicker(responseCacheTTL)
	defer t.Stop()
	for {
		select {
		case <-s.HaltCh():
			return
		case now := <-t.C:
			s.replayLock.Lock()
			for k, c := range s.replays {
				if now.After(c.deadline) {
					delete(s.replays, k)
				}
			}
			s.replayLock.Unlock()
		}
	}
}
