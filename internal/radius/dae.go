// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package radius

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// SecretSource resolves the shared secret for an inbound packet by the
// sender's IP, falling back to the master secret for unknown senders.
type SecretSource interface {
	SecretForAddr(ctx context.Context, ip string) (string, error)
}

// SessionStore is the slice of the accounting store the DAE server uses.
type SessionStore interface {
	FindActiveSession(ctx context.Context, username, acctSessionID string) (int64, error)
	CloseSession(ctx context.Context, id int64, cause string) error
}

// AttributeWriter upserts reply attributes carried by CoA-Requests.
type AttributeWriter interface {
	UpsertReplyAttribute(ctx context.Context, username, attribute, op, value string) error
}

// ErrNoSession is returned by SessionStore implementations when no active
// session matches.
var ErrNoSession = errors.New("no matching active session")

// recognizedCoAAttrs maps the CoA-Request attributes the server accepts to
// the reply-table attribute names it writes.
var recognizedCoAAttrs = map[byte]string{
	AttrSessionTimeout: "Session-Timeout",
	AttrIdleTimeout:    "Idle-Timeout",
	AttrFilterID:       "Filter-Id",
}

// Server is the inbound Dynamic Authorization endpoint (UDP). It accepts
// Disconnect-Request and CoA-Request packets; anything else is dropped.
type Server struct {
	addr     string
	secrets  SecretSource
	sessions SessionStore
	attrs    AttributeWriter
	logger   *slog.Logger

	// OnPacket observes handled packets by code for metrics. May be nil.
	OnPacket func(code byte)
	// OnDropped observes silently dropped packets. May be nil.
	OnDropped func(reason string)
}

// NewServer builds the DAE server.
func NewServer(addr string, secrets SecretSource, sessions SessionStore, attrs AttributeWriter, logger *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		secrets:  secrets,
		sessions: sessions,
		attrs:    attrs,
		logger:   logger.With("component", "dae"),
	}
}

// Run binds the UDP socket and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", s.addr)
	if err != nil {
		return fmt.Errorf("bind dae socket %s: %w", s.addr, err)
	}
	defer pc.Close()
	s.logger.Info("dae server listening", "addr", pc.LocalAddr().String())

	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	buf := make([]byte, maxPacketLen)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read dae socket: %w", err)
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		go s.handle(ctx, pc, from, pkt)
	}
}

func (s *Server) handle(ctx context.Context, pc net.PacketConn, from net.Addr, data []byte) {
	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pkt, err := Parse(data)
	if err != nil {
		s.drop("malformed", "from", from.String(), "error", err)
		return
	}
	if pkt.Code != CodeDisconnectRequest && pkt.Code != CodeCoARequest {
		s.drop("unexpected-code", "from", from.String(), "code", pkt.Code)
		return
	}

	secret, err := s.secrets.SecretForAddr(hctx, addrIP(from))
	if err != nil {
		s.drop("secret-lookup", "from", from.String(), "error", err)
		return
	}
	// RFC 5176 §3: requests that fail authenticator verification are
	// silently discarded.
	if err := pkt.VerifyAuthenticator(secret); err != nil {
		s.drop("bad-authenticator", "from", from.String())
		return
	}

	var reply *Packet
	switch pkt.Code {
	case CodeDisconnectRequest:
		reply = s.handleDisconnect(hctx, pkt)
	case CodeCoARequest:
		reply = s.handleCoA(hctx, pkt)
	}

	reply.Identifier = pkt.Identifier
	reply.Authenticate(secret)
	if _, err := pc.WriteTo(reply.Encode(), from); err != nil {
		s.logger.Warn("failed to send dae reply", "to", from.String(), "error", err)
		return
	}
	if s.OnPacket != nil {
		s.OnPacket(reply.Code)
	}
}

// handleDisconnect terminates a single matching active session.
func (s *Server) handleDisconnect(ctx context.Context, pkt *Packet) *Packet {
	username, ok := pkt.GetString(AttrUserName)
	if !ok || username == "" {
		return nak(CodeDisconnectNAK, CauseMissingAttribute)
	}
	acctSessionID, _ := pkt.GetString(AttrAcctSessionID)

	id, err := s.sessions.FindActiveSession(ctx, username, acctSessionID)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return nak(CodeDisconnectNAK, CauseSessionContextNotFound)
		}
		s.logger.Error("session lookup failed", "user", username, "error", err)
		return nak(CodeDisconnectNAK, CauseInvalidRequest)
	}

	if err := s.sessions.CloseSession(ctx, id, "admin-reset"); err != nil {
		s.logger.Error("failed to close session", "user", username, "session", id, "error", err)
		return nak(CodeDisconnectNAK, CauseInvalidRequest)
	}

	s.logger.Info("session disconnected via dae", "user", username, "session", id)
	return &Packet{Code: CodeDisconnectACK}
}

// handleCoA upserts recognized attributes into the reply table for the user.
func (s *Server) handleCoA(ctx context.Context, pkt *Packet) *Packet {
	username, ok := pkt.GetString(AttrUserName)
	if !ok || username == "" {
		return nak(CodeCoANAK, CauseMissingAttribute)
	}

	wrote := 0
	for _, attr := range pkt.Attributes {
		name, recognized := recognizedCoAAttrs[attr.Type]
		if !recognized {
			continue
		}
		value := string(attr.Value)
		if len(attr.Value) == 4 && attr.Type != AttrFilterID {
			if v, ok := pkt.GetUint32(attr.Type); ok {
				value = strconv.FormatUint(uint64(v), 10)
			}
		}
		if err := s.attrs.UpsertReplyAttribute(ctx, username, name, ":=", value); err != nil {
			s.logger.Error("failed to upsert coa attribute", "user", username, "attribute", name, "error", err)
			return nak(CodeCoANAK, CauseInvalidRequest)
		}
		wrote++
	}

	s.logger.Info("coa request applied", "user", username, "attributes", wrote)
	return &Packet{Code: CodeCoAACK}
}

func nak(code byte, cause uint32) *Packet {
	p := &Packet{Code: code}
	p.AddUint32(AttrErrorCause, cause)
	return p
}

func (s *Server) drop(reason string, args ...any) {
	s.logger.Debug("dropping dae packet", append([]any{"reason", reason}, args...)...)
	if s.OnDropped != nil {
		s.OnDropped(reason)
	}
}

func addrIP(a net.Addr) string {
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}
