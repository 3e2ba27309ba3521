// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package radius

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// DisconnectRequest carries the attributes for one CoA-Disconnect. Username
// is required plus one of NASIdentifier or NASIPAddress; the rest are
// included when known.
type DisconnectRequest struct {
	Username         string
	NASIdentifier    string
	NASIPAddress     net.IP
	FramedIPAddress  net.IP
	CalledStationID  string
	CallingStationID string
	AcctSessionID    string
}

// NAKError is a negative acknowledgement from the NAS.
type NAKError struct {
	Code       byte
	ErrorCause uint32
}

// Error implements the error interface.
func (e *NAKError) Error() string {
	if e.ErrorCause != 0 {
		return fmt.Sprintf("radius NAK (code %d, error-cause %d)", e.Code, e.ErrorCause)
	}
	return fmt.Sprintf("radius NAK (code %d)", e.Code)
}

// Client sends Disconnect and CoA packets to router NAS endpoints.
type Client struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient builds a CoA client with the per-call response timeout. Retries
// live in the disconnect worker, not here.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{timeout: timeout, logger: logger.With("component", "coa")}
}

// Disconnect sends a Disconnect-Request to addr (host:port) and interprets
// the response. A Disconnect-ACK returns nil; a NAK returns *NAKError; a
// missing response returns a timeout error.
func (c *Client) Disconnect(ctx context.Context, addr, secret string, req DisconnectRequest) error {
	if req.Username == "" {
		return fmt.Errorf("disconnect request requires a username")
	}
	if req.NASIdentifier == "" && req.NASIPAddress == nil {
		return fmt.Errorf("disconnect request requires nas-identifier or nas-ip-address")
	}

	pkt := &Packet{Code: CodeDisconnectRequest, Identifier: randomIdentifier()}
	pkt.AddString(AttrUserName, req.Username)
	if req.NASIdentifier != "" {
		pkt.AddString(AttrNASIdentifier, req.NASIdentifier)
	}
	if req.NASIPAddress != nil {
		pkt.AddIP(AttrNASIPAddress, req.NASIPAddress)
	}
	if req.FramedIPAddress != nil {
		pkt.AddIP(AttrFramedIPAddress, req.FramedIPAddress)
	}
	if req.CalledStationID != "" {
		pkt.AddString(AttrCalledStationID, req.CalledStationID)
	}
	if req.CallingStationID != "" {
		pkt.AddString(AttrCallingStationID, req.CallingStationID)
	}
	if req.AcctSessionID != "" {
		pkt.AddString(AttrAcctSessionID, req.AcctSessionID)
	}
	pkt.Authenticate(secret)

	resp, err := c.exchange(ctx, addr, pkt)
	if err != nil {
		return err
	}
	return interpret(resp, CodeDisconnectACK, CodeDisconnectNAK)
}

// Update sends a CoA-Request carrying the given attributes for a user, used
// for mid-session authorization changes.
func (c *Client) Update(ctx context.Context, addr, secret, username string, attrs []Attribute) error {
	if username == "" {
		return fmt.Errorf("coa request requires a username")
	}

	pkt := &Packet{Code: CodeCoARequest, Identifier: randomIdentifier()}
	pkt.AddString(AttrUserName, username)
	pkt.Attributes = append(pkt.Attributes, attrs...)
	pkt.Authenticate(secret)

	resp, err := c.exchange(ctx, addr, pkt)
	if err != nil {
		return err
	}
	return interpret(resp, CodeCoAACK, CodeCoANAK)
}

// exchange performs one request/response round trip. No retransmission at
// this layer.
func (c *Client) exchange(ctx context.Context, addr string, pkt *Packet) (*Packet, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial nas %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(pkt.Encode()); err != nil {
		return nil, fmt.Errorf("send to nas %s: %w", addr, err)
	}

	buf := make([]byte, maxPacketLen)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("await nas response from %s: %w", addr, err)
		}
		resp, err := Parse(buf[:n])
		if err != nil {
			c.logger.Debug("dropping malformed nas response", "addr", addr, "error", err)
			continue
		}
		if resp.Identifier != pkt.Identifier {
			c.logger.Debug("dropping response with stale identifier", "addr", addr, "id", resp.Identifier)
			continue
		}
		return resp, nil
	}
}

func interpret(resp *Packet, ackCode, nakCode byte) error {
	switch resp.Code {
	case ackCode:
		return nil
	case nakCode:
		nak := &NAKError{Code: resp.Code}
		if cause, ok := resp.GetUint32(AttrErrorCause); ok {
			nak.ErrorCause = cause
		}
		return nak
	default:
		return fmt.Errorf("unexpected radius response code %d", resp.Code)
	}
}

func randomIdentifier() byte {
	var b [1]byte
	_, _ = rand.Read(b[:])
	return b[0]
}
