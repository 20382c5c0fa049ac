// Package authoritytest runs an in-process policy authority for tests of
// the packages that talk to one.
package authoritytest

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/certifier/authority"
	"github.com/teranos/certifier/claims"
	"github.com/teranos/certifier/dominance"
	"github.com/teranos/certifier/enclave"
	"github.com/teranos/certifier/keys"
	"github.com/teranos/certifier/policy"
	"github.com/teranos/certifier/vse"

	certtesting "github.com/teranos/certifier/internal/testing"
)

// Config selects what the authority trusts.
type Config struct {
	// Enclaves have their platform keys trusted for attestation and, unless
	// SkipMeasurements is set, their measurements trusted
	Enclaves         []*enclave.Simulated
	SkipMeasurements bool
	// Edges are added to the dominance facts the authority hands out
	Edges []dominance.Edge
}

// Authority is a running policy authority.
type Authority struct {
	Material *authority.Material
	Ledger   *authority.Ledger
	Host     string
	Port     int
}

// Addr returns host:port.
func (a *Authority) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Statement signs "policyKey says (subject verb)" valid around now.
func Statement(t *testing.T, policyKey *vse.Key, subject *vse.Entity, verb string) *claims.SignedClaim {
	t.Helper()
	pol, err := vse.NewKeyEntity(policyKey)
	require.NoError(t, err)
	inner, err := vse.NewUnaryClause(subject, verb)
	require.NoError(t, err)
	stmt, err := vse.NewIndirectClause(pol, vse.VerbSays, inner)
	require.NoError(t, err)
	sc, err := claims.SignClause(stmt, "policy", time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour), policyKey)
	require.NoError(t, err)
	return sc
}

// Start runs an authority on 127.0.0.1 until the test ends.
func Start(t *testing.T, cfg Config) *Authority {
	t.Helper()
	material, err := authority.NewMaterial(keys.AlgEd25519, "test-policy", 24*time.Hour)
	require.NoError(t, err)

	var statements []*claims.SignedClaim
	for _, sim := range cfg.Enclaves {
		platform, err := vse.NewKeyEntity(sim.PlatformKey())
		require.NoError(t, err)
		statements = append(statements, Statement(t, material.PolicyKey, platform, vse.VerbIsTrustedForAttestation))
		if cfg.SkipMeasurements {
			continue
		}
		m, err := sim.Measurement()
		require.NoError(t, err)
		ment, err := vse.NewMeasurementEntity(m)
		require.NoError(t, err)
		statements = append(statements, Statement(t, material.PolicyKey, ment, vse.VerbIsTrusted))
	}
	pool, err := policy.NewPool(material.PolicyKey, statements)
	require.NoError(t, err)

	idx := dominance.NewDefault()
	require.NoError(t, idx.Merge(cfg.Edges))

	ledger := authority.NewLedger(certtesting.CreateTestDB(t))
	svc, err := authority.NewService(authority.Config{
		PolicyKey:  material.PolicyKey,
		PolicyCert: material.PolicyCert,
		Policy:     pool,
		Index:      idx,
		Ledger:     ledger,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)

	host, port := Serve(t, func(ctx context.Context, ln net.Listener) error {
		return authority.NewServer(svc, authority.ServerOptions{}, zap.NewNop().Sugar()).Serve(ctx, ln)
	})
	return &Authority{Material: material, Ledger: ledger, Host: host, Port: port}
}

// Serve runs fn on a fresh 127.0.0.1 listener until the test ends and
// returns the listener's host and port.
func Serve(t *testing.T, fn func(context.Context, net.Listener) error) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		ln.Close()
		<-done
	})
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// StorePath returns a fresh store location in a test temp dir.
func StorePath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "store.bin")
}
