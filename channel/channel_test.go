package channel

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/certifier/dominance"
	"github.com/teranos/certifier/enclave"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/keys"
	"github.com/teranos/certifier/store"
	"github.com/teranos/certifier/trust"
	"github.com/teranos/certifier/vse"

	"github.com/teranos/certifier/internal/testing/authoritytest"
)

const learnedPredicate = "is-trusted-for-channel"

var algs = store.Algorithms{
	PublicKey: keys.AlgEd25519,
	Symmetric: trust.SymmetricAES128,
	Hash:      trust.HashSHA256,
	HMAC:      trust.HMACSHA256,
}

func simulated(t *testing.T, id string) *enclave.Simulated {
	t.Helper()
	sim, err := enclave.GenerateSimulated(id)
	require.NoError(t, err)
	return sim
}

func startAuthority(t *testing.T, sims ...*enclave.Simulated) *authoritytest.Authority {
	t.Helper()
	return authoritytest.Start(t, authoritytest.Config{
		Enclaves: sims,
		Edges:    []dominance.Edge{{Root: vse.VerbIsTrustedForAuthentication, Child: learnedPredicate}},
	})
}

func activeContext(t *testing.T, a *authoritytest.Authority, sim *enclave.Simulated) *trust.Context {
	t.Helper()
	tc, err := trust.New(sim, trust.Options{StorePath: authoritytest.StorePath(t)}, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(tc.ClearSensitiveData)
	require.NoError(t, tc.InitPolicyKey(a.Material.PolicyCert))
	require.NoError(t, tc.ColdInit(algs))
	require.NoError(t, tc.CertifyMe(context.Background(), a.Host, a.Port))
	return tc
}

func gate(t *testing.T, tc *trust.Context, opts Options) *Gate {
	t.Helper()
	g, err := NewGate(tc, opts, zap.NewNop().Sugar())
	require.NoError(t, err)
	return g
}

type accepted struct {
	peerID string
	msg    []byte
}

// echoServer serves g and reports every channel it handles.
func echoServer(t *testing.T, g *Gate) (string, <-chan accepted) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	got := make(chan accepted, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.Serve(ctx, ln, func(ctx context.Context, ch *Channel) error {
			msg, err := ch.Read()
			if err != nil {
				return err
			}
			got <- accepted{peerID: ch.PeerID, msg: msg}
			return ch.Write([]byte("Hi from your secret server"))
		})
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return ln.Addr().String(), got
}

func exchange(ctx context.Context, g *Gate, addr string) (string, []byte, error) {
	var peer string
	var reply []byte
	err := g.Dial(ctx, addr, func(ctx context.Context, ch *Channel) error {
		peer = ch.PeerID
		if err := ch.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
			return err
		}
		if err := ch.Write([]byte("Hi from your secret client")); err != nil {
			return err
		}
		var err error
		reply, err = ch.Read()
		return err
	})
	return peer, reply, err
}

func TestMutualChannel(t *testing.T) {
	serverSim, clientSim := simulated(t, "server"), simulated(t, "client")
	a := startAuthority(t, serverSim, clientSim)
	server := activeContext(t, a, serverSim)
	client := activeContext(t, a, clientSim)

	addr, got := echoServer(t, gate(t, server, Options{}))

	peer, reply, err := exchange(context.Background(), gate(t, client, Options{}), addr)
	require.NoError(t, err)
	assert.Equal(t, "Hi from your secret server", string(reply))
	assert.Equal(t, keys.ID(server.PublicKey()), peer)

	select {
	case a := <-got:
		assert.Equal(t, "Hi from your secret client", string(a.msg))
		assert.Equal(t, keys.ID(client.PublicKey()), a.peerID)
	case <-time.After(5 * time.Second):
		t.Fatal("server handler never ran")
	}
}

func TestRequiredPredicateUsesLearnedFacts(t *testing.T) {
	serverSim, clientSim := simulated(t, "server"), simulated(t, "client")
	a := startAuthority(t, serverSim, clientSim)
	server := activeContext(t, a, serverSim)
	client := activeContext(t, a, clientSim)

	// is-trusted-for-authentication dominates the learned predicate
	addr, _ := echoServer(t, gate(t, server, Options{RequiredPredicate: learnedPredicate}))
	_, _, err := exchange(context.Background(), gate(t, client, Options{RequiredPredicate: learnedPredicate}), addr)
	assert.NoError(t, err)
}

func TestClientRejectsUndominatedPredicate(t *testing.T) {
	serverSim, clientSim := simulated(t, "server"), simulated(t, "client")
	a := startAuthority(t, serverSim, clientSim)
	server := activeContext(t, a, serverSim)
	client := activeContext(t, a, clientSim)

	addr, got := echoServer(t, gate(t, server, Options{}))
	_, _, err := exchange(context.Background(), gate(t, client, Options{RequiredPredicate: "is-trusted-for-crap"}), addr)
	assert.True(t, errors.IsChannelAuthError(err), "got %v", err)

	select {
	case <-got:
		t.Fatal("server handled a channel the client rejected")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientRejectsExpiredCertificate(t *testing.T) {
	serverSim, clientSim := simulated(t, "server"), simulated(t, "client")
	a := startAuthority(t, serverSim, clientSim)
	server := activeContext(t, a, serverSim)
	client := activeContext(t, a, clientSim)

	addr, _ := echoServer(t, gate(t, server, Options{}))
	later := func() time.Time { return time.Now().Add(2 * 365 * 24 * time.Hour) }
	_, _, err := exchange(context.Background(), gate(t, client, Options{Now: later}), addr)
	assert.True(t, errors.IsChannelAuthError(err), "got %v", err)
}

func TestServerRejectsForeignRootAndKeepsServing(t *testing.T) {
	serverSim, clientSim, strangerSim := simulated(t, "server"), simulated(t, "client"), simulated(t, "stranger")
	a := startAuthority(t, serverSim, clientSim)
	other := startAuthority(t, strangerSim)
	server := activeContext(t, a, serverSim)
	client := activeContext(t, a, clientSim)
	stranger := activeContext(t, other, strangerSim)

	addr, got := echoServer(t, gate(t, server, Options{}))

	_, _, err := exchange(context.Background(), gate(t, stranger, Options{}), addr)
	assert.Error(t, err)

	_, reply, err := exchange(context.Background(), gate(t, client, Options{}), addr)
	require.NoError(t, err, "the server keeps accepting after a rejected peer")
	assert.Equal(t, "Hi from your secret server", string(reply))

	select {
	case a := <-got:
		assert.Equal(t, keys.ID(client.PublicKey()), a.peerID, "only the legitimate client reached the handler")
	case <-time.After(5 * time.Second):
		t.Fatal("server handler never ran")
	}
}

func TestRequiresActiveContext(t *testing.T) {
	sim, other := simulated(t, "app"), simulated(t, "other")
	a := startAuthority(t, sim, other)
	tc, err := trust.New(sim, trust.Options{StorePath: authoritytest.StorePath(t)}, nil)
	require.NoError(t, err)
	defer tc.ClearSensitiveData()
	require.NoError(t, tc.InitPolicyKey(a.Material.PolicyCert))
	require.NoError(t, tc.ColdInit(algs))

	g := gate(t, tc, Options{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	noop := func(context.Context, *Channel) error { return nil }
	assert.True(t, errors.IsChannelAuthError(g.Serve(context.Background(), ln, noop)))
	assert.True(t, errors.IsChannelAuthError(g.Dial(context.Background(), ln.Addr().String(), noop)))

	active := activeContext(t, a, other)
	active.ClearSensitiveData()
	assert.True(t, errors.IsChannelAuthError(gate(t, active, Options{}).Dial(context.Background(), ln.Addr().String(), noop)))
}

func TestDialMakesOneAttempt(t *testing.T) {
	sim := simulated(t, "client")
	a := startAuthority(t, sim)
	client := activeContext(t, a, sim)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	err = gate(t, client, Options{HandshakeTimeout: time.Second}).Dial(context.Background(), addr, func(context.Context, *Channel) error {
		t.Fatal("handler must not run")
		return nil
	})
	assert.Error(t, err)
}

func TestMessageSizeLimit(t *testing.T) {
	serverSim, clientSim := simulated(t, "server"), simulated(t, "client")
	a := startAuthority(t, serverSim, clientSim)
	server := activeContext(t, a, serverSim)
	client := activeContext(t, a, clientSim)

	addr, _ := echoServer(t, gate(t, server, Options{}))
	err := gate(t, client, Options{MaxMessageBytes: 8}).Dial(context.Background(), addr, func(ctx context.Context, ch *Channel) error {
		return ch.Write([]byte("this message is longer than eight bytes"))
	})
	assert.True(t, errors.IsValidationError(err), "got %v", err)
}

func TestNewGateRequiresContext(t *testing.T) {
	_, err := NewGate(nil, Options{}, nil)
	assert.True(t, errors.IsValidationError(err))
}

// failingListener fails every accept until it is closed.
type failingListener struct {
	net.Listener
	accepts atomic.Int64
	closed  chan struct{}
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.accepts.Add(1)
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
		return nil, errors.New("accept: too many open files")
	}
}

func (l *failingListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func TestServeBacksOffOnAcceptErrors(t *testing.T) {
	sim := simulated(t, "server")
	a := startAuthority(t, sim)
	server := activeContext(t, a, sim)

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer inner.Close()
	ln := &failingListener{Listener: inner, closed: make(chan struct{})}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	noop := func(context.Context, *Channel) error { return nil }
	require.NoError(t, gate(t, server, Options{}).Serve(ctx, ln, noop))

	// 5+10+20+40+80ms fits in the window, so expect a handful of attempts
	assert.LessOrEqual(t, ln.accepts.Load(), int64(10))
	assert.GreaterOrEqual(t, ln.accepts.Load(), int64(2))
}

func TestAcceptBackoff(t *testing.T) {
	var d time.Duration
	var got []time.Duration
	for range 10 {
		d = acceptBackoff(d)
		got = append(got, d)
	}
	assert.Equal(t, 5*time.Millisecond, got[0])
	assert.Equal(t, 10*time.Millisecond, got[1])
	assert.Equal(t, time.Second, got[9], "capped")
}
