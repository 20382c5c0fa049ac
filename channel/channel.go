// Package channel opens mutually authenticated TLS channels between
// components that hold admission certificates from the same policy root.
//
// Both ends present their admission certificate. A peer is accepted only if
// its certificate chains to the policy root and carries a policy-signed
// predicate claim about its own key whose predicate dominates the locally
// required one.
package channel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/certifier/claims"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/internal/wire"
	"github.com/teranos/certifier/keys"
	"github.com/teranos/certifier/logger"
	"github.com/teranos/certifier/trust"
	"github.com/teranos/certifier/vse"
)

// DefaultHandshakeTimeout bounds a TLS handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// Options configure a Gate.
type Options struct {
	// RequiredPredicate must be dominated by the peer's certified predicate
	RequiredPredicate string
	HandshakeTimeout  time.Duration
	// MaxMessageBytes bounds a single channel message
	MaxMessageBytes int
	Now             func() time.Time
}

// Handler is handed each authenticated channel. The gate closes the channel
// when the handler returns.
type Handler func(ctx context.Context, ch *Channel) error

// Gate establishes channels on behalf of an Active trust context.
type Gate struct {
	tc     *trust.Context
	opts   Options
	logger *zap.SugaredLogger
}

// NewGate returns a gate for tc. The context's state is checked each time a
// channel is opened, not here.
func NewGate(tc *trust.Context, opts Options, log *zap.SugaredLogger) (*Gate, error) {
	if tc == nil {
		return nil, errors.NewValidationf("channel gate requires a trust context")
	}
	if opts.RequiredPredicate == "" {
		opts.RequiredPredicate = vse.VerbIsTrustedForAuthentication
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = wire.DefaultMaxFrameSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Gate{tc: tc, opts: opts, logger: log}, nil
}

// Channel is an authenticated connection to a peer.
type Channel struct {
	// PeerID is the key id of the peer's certified key
	PeerID   string
	PeerCert *x509.Certificate
	// Predicate is what the policy key certified the peer for
	Predicate string

	conn *tls.Conn
	max  int
}

// Read returns the next message from the peer.
func (ch *Channel) Read() ([]byte, error) {
	return wire.ReadFrame(ch.conn, ch.max)
}

// Write sends one message to the peer.
func (ch *Channel) Write(msg []byte) error {
	return wire.WriteFrame(ch.conn, msg, ch.max)
}

// SetDeadline bounds subsequent reads and writes.
func (ch *Channel) SetDeadline(t time.Time) error {
	return ch.conn.SetDeadline(t)
}

// RemoteAddr returns the peer's network address.
func (ch *Channel) RemoteAddr() net.Addr { return ch.conn.RemoteAddr() }

// peerIdentity is what verifyPeer learned about an accepted peer.
type peerIdentity struct {
	id        string
	predicate string
}

// tlsConfig builds the configuration for one handshake. The accepted peer
// identity is recorded in *peer.
func (g *Gate) tlsConfig(server bool, peer *peerIdentity) (*tls.Config, error) {
	if g.tc.State() != trust.StateActive {
		return nil, errors.NewChannelAuthf("trust context is %s, not active", g.tc.State())
	}
	cert, err := g.tc.TLSCertificate()
	if err != nil {
		return nil, err
	}
	roots, err := g.tc.RootPool()
	if err != nil {
		return nil, errors.MarkAs(err, errors.ErrChannelAuth, "policy root")
	}
	policyKey := g.tc.PolicyKey()

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		// Chains are verified against the policy root in VerifyConnection;
		// admission certificates carry no host names
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			id, err := g.verifyPeer(cs.PeerCertificates, roots, policyKey)
			if err != nil {
				return err
			}
			*peer = *id
			return nil
		},
	}
	if server {
		cfg.ClientAuth = tls.RequireAnyClientCert
	}
	return cfg, nil
}

// verifyPeer accepts a peer certificate chain that verifies to roots and
// whose predicate claim extension reads "policyKey says (K verb)" for the
// certificate key K with verb dominating the required predicate.
func (g *Gate) verifyPeer(chain []*x509.Certificate, roots *x509.CertPool, policyKey *vse.Key) (*peerIdentity, error) {
	if len(chain) == 0 {
		return nil, errors.NewChannelAuthf("peer presented no certificate")
	}
	leaf := chain[0]
	now := g.opts.Now()

	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, errors.MarkAs(err, errors.ErrChannelAuth, "peer certificate does not chain to the policy root")
	}

	ext, ok := keys.PredicateClaim(leaf)
	if !ok {
		return nil, errors.NewChannelAuthf("peer certificate carries no predicate claim")
	}
	sc, err := claims.UnmarshalSignedClaim(ext)
	if err != nil {
		return nil, errors.MarkAs(err, errors.ErrChannelAuth, "malformed predicate claim")
	}
	clause, err := claims.VerifyAssertion(sc, policyKey, now)
	if err != nil {
		return nil, errors.MarkAs(err, errors.ErrChannelAuth, "predicate claim rejected")
	}

	certKey, err := keys.KeyFromCertificate(leaf, "peer-key")
	if err != nil {
		return nil, errors.MarkAs(err, errors.ErrChannelAuth, "peer certificate key")
	}
	inner := clause.Clause
	if clause.Verb != vse.VerbSays || !clause.Subject.IsKey() || !clause.Subject.Key.SameKey(policyKey) ||
		inner == nil || inner.Shape() != vse.ShapeUnary || !inner.Subject.IsKey() || !inner.Subject.Key.SameKey(certKey) {
		return nil, errors.NewChannelAuthf("predicate claim does not describe the certificate key")
	}
	if !g.tc.Index().Dominates(inner.Verb, g.opts.RequiredPredicate) {
		return nil, errors.NewChannelAuthf("peer predicate %q does not dominate required %q", inner.Verb, g.opts.RequiredPredicate)
	}
	return &peerIdentity{id: keys.ID(certKey), predicate: inner.Verb}, nil
}

// handshake runs the TLS handshake on raw and returns the channel.
func (g *Gate) handshake(ctx context.Context, raw net.Conn, server bool) (*Channel, error) {
	var peer peerIdentity
	cfg, err := g.tlsConfig(server, &peer)
	if err != nil {
		return nil, err
	}

	var conn *tls.Conn
	if server {
		conn = tls.Server(raw, cfg)
	} else {
		conn = tls.Client(raw, cfg)
	}

	hctx, cancel := context.WithTimeout(ctx, g.opts.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		return nil, errors.MarkAs(err, errors.ErrChannelAuth, "tls handshake failed")
	}

	state := conn.ConnectionState()
	return &Channel{
		PeerID:    peer.id,
		PeerCert:  state.PeerCertificates[0],
		Predicate: peer.predicate,
		conn:      conn,
		max:       g.opts.MaxMessageBytes,
	}, nil
}

// Serve accepts connections on ln one at a time: each connection is
// authenticated and handed to h, and the channel is closed, before the next
// accept. A connection that fails authentication or whose handler fails is
// logged and dropped, and failed accepts are retried with a growing delay.
// Serve returns when ctx is cancelled or ln is closed.
func (g *Gate) Serve(ctx context.Context, ln net.Listener, h Handler) error {
	if g.tc.State() != trust.StateActive {
		return errors.NewChannelAuthf("trust context is %s, not active", g.tc.State())
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	g.logger.Infow("Channel gate listening",
		logger.FieldAddress, ln.Addr().String(),
		logger.FieldPredicate, g.opts.RequiredPredicate,
	)
	var delay time.Duration
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			delay = acceptBackoff(delay)
			g.logger.Warnw("Accept failed", logger.FieldError, err, "retry_in", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		delay = 0
		g.serveConn(ctx, raw, h)
	}
}

// acceptBackoff doubles the delay after a failed accept, from 5ms up to 1s.
func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	if next := 2 * prev; next < time.Second {
		return next
	}
	return time.Second
}

func (g *Gate) serveConn(ctx context.Context, raw net.Conn, h Handler) {
	defer raw.Close()
	log := g.logger.With(logger.FieldAddress, raw.RemoteAddr().String())

	ch, err := g.handshake(ctx, raw, true)
	if err != nil {
		log.Warnw("Rejected peer", logger.FieldError, err, logger.FieldErrorType, "channel_auth")
		return
	}
	defer ch.conn.Close()

	log = log.With(logger.FieldPeerID, ch.PeerID, logger.FieldPredicate, ch.Predicate)
	log.Infow("Peer authenticated", logger.FieldSubject, ch.PeerCert.Subject.CommonName)
	if err := h(logger.WithPeerID(ctx, ch.PeerID), ch); err != nil {
		log.Warnw("Channel handler failed", logger.FieldError, err)
	}
}

// Dial opens one channel to addr and runs h on it. There is no retry.
func (g *Gate) Dial(ctx context.Context, addr string, h Handler) error {
	if g.tc.State() != trust.StateActive {
		return errors.NewChannelAuthf("trust context is %s, not active", g.tc.State())
	}

	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, g.opts.HandshakeTimeout)
	raw, err := d.DialContext(dctx, "tcp", addr)
	cancel()
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s", addr)
	}
	defer raw.Close()

	ch, err := g.handshake(ctx, raw, false)
	if err != nil {
		return err
	}
	defer ch.conn.Close()

	g.logger.Infow("Connected to peer",
		logger.FieldAddress, addr,
		logger.FieldPeerID, ch.PeerID,
		logger.FieldPredicate, ch.Predicate,
	)
	return h(logger.WithPeerID(ctx, ch.PeerID), ch)
}
