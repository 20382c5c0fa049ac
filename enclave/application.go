package enclave

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/certifier/claims"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/evidence"
	"github.com/teranos/certifier/internal/wire"
	"github.com/teranos/certifier/logger"
	"github.com/teranos/certifier/vse"
)

// Functions a parent serves.
const (
	FuncGetCerts = "getcerts"
	FuncSeal     = "seal"
	FuncUnseal   = "unseal"
	FuncAttest   = "attest"
)

// Response statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// appMessage is both the request and the response between an application
// enclave and its parent. Requests leave Status empty.
type appMessage struct {
	Function string
	Status   string
	Args     [][]byte
}

const (
	appFieldFunction = 1
	appFieldArg      = 2
	appFieldStatus   = 3

	maxAppArgs = 32
)

func (m *appMessage) marshal() []byte {
	var b []byte
	b = wire.AppendString(b, appFieldFunction, m.Function)
	for _, a := range m.Args {
		b = wire.AppendMessage(b, appFieldArg, a)
	}
	b = wire.AppendString(b, appFieldStatus, m.Status)
	return b
}

func unmarshalAppMessage(data []byte) (*appMessage, error) {
	m := &appMessage{}
	err := wire.Walk(data, func(f wire.Field) error {
		if err := wire.ExpectBytes(f); err != nil {
			return err
		}
		switch f.Num {
		case appFieldFunction:
			m.Function = f.String()
		case appFieldStatus:
			m.Status = f.String()
		case appFieldArg:
			if len(m.Args) >= maxAppArgs {
				return errors.NewValidationf("parent message exceeds %d arguments", maxAppArgs)
			}
			m.Args = append(m.Args, f.CopyBytes())
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode parent message")
	}
	return m, nil
}

// ApplicationConfig connects an application enclave to its parent.
type ApplicationConfig struct {
	ID string
	// Reader carries the parent's responses, Writer our requests
	Reader io.Reader
	Writer io.Writer
	// MaxFrameBytes bounds one message; zero means the wire default
	MaxFrameBytes int
	Now           func() time.Time
}

// Application forwards seal, unseal and attest to a parent enclave. Certs
// obtained from the parent are cached after the first request.
type Application struct {
	cfg ApplicationConfig

	mu    sync.Mutex
	certs []*claims.SignedClaim
}

var _ Enclave = (*Application)(nil)

// NewApplication returns an application enclave talking to its parent over
// cfg.Reader and cfg.Writer.
func NewApplication(cfg ApplicationConfig) (*Application, error) {
	if cfg.Reader == nil || cfg.Writer == nil {
		return nil, errors.NewValidationf("application enclave requires pipes to its parent")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Application{cfg: cfg}, nil
}

func (a *Application) Type() string { return TypeApplication }

func (a *Application) ID() string { return a.cfg.ID }

// Measurement is known only to the parent, which reports it in attestations.
func (a *Application) Measurement() ([]byte, error) {
	return nil, errors.NewAttestationf("application enclave cannot report its own measurement")
}

// call sends one request and waits for the matching response. The mutex
// keeps request and response pairs from interleaving.
func (a *Application) call(function string, args ...[]byte) ([][]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	req := &appMessage{Function: function, Args: args}
	if err := wire.WriteFrame(a.cfg.Writer, req.marshal(), a.cfg.MaxFrameBytes); err != nil {
		return nil, errors.MarkAs(err, errors.ErrIO, "failed to reach parent enclave")
	}
	frame, err := wire.ReadFrame(a.cfg.Reader, a.cfg.MaxFrameBytes)
	if err != nil {
		return nil, errors.MarkAs(err, errors.ErrIO, "no response from parent enclave")
	}
	rsp, err := unmarshalAppMessage(frame)
	if err != nil {
		return nil, err
	}
	if rsp.Function != function {
		return nil, errors.NewAttestationf("parent answered %q to a %q request", rsp.Function, function)
	}
	if rsp.Status != StatusSucceeded {
		return nil, errors.NewAttestationf("parent enclave refused %s", function)
	}
	return rsp.Args, nil
}

func (a *Application) one(function string, arg []byte) ([]byte, error) {
	out, err := a.call(function, arg)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, errors.NewAttestationf("parent returned %d results to %s", len(out), function)
	}
	return out[0], nil
}

// Seal asks the parent to seal plaintext. The parent binds the blob to this
// child, so enclaveType and enclaveID must name it.
func (a *Application) Seal(enclaveType, enclaveID string, plaintext []byte) ([]byte, error) {
	if err := a.checkBinding(enclaveType, enclaveID); err != nil {
		return nil, err
	}
	return a.one(FuncSeal, plaintext)
}

func (a *Application) Unseal(enclaveType, enclaveID string, sealed []byte) ([]byte, error) {
	if err := a.checkBinding(enclaveType, enclaveID); err != nil {
		return nil, err
	}
	return a.one(FuncUnseal, sealed)
}

func (a *Application) checkBinding(enclaveType, enclaveID string) error {
	if enclaveType != TypeApplication || enclaveID != a.cfg.ID {
		return errors.NewValidationf("application enclave %q cannot seal for %s/%s", a.cfg.ID, enclaveType, enclaveID)
	}
	return nil
}

func (a *Application) Attest(claim []byte) ([]byte, error) {
	if len(claim) == 0 {
		return nil, errors.NewValidationf("nothing to attest")
	}
	return a.one(FuncAttest, claim)
}

// Certs returns the endorsements the parent vouches with, ending in
// "platformKey says attestKey is-trusted-for-attestation".
func (a *Application) Certs() ([]*claims.SignedClaim, error) {
	a.mu.Lock()
	cached := a.certs
	a.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	raw, err := a.call(FuncGetCerts)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.NewAttestationf("parent enclave returned no certificates")
	}
	certs := make([]*claims.SignedClaim, 0, len(raw))
	for _, r := range raw {
		sc, err := claims.UnmarshalSignedClaim(r)
		if err != nil {
			return nil, errors.MarkAs(err, errors.ErrAttestation, "malformed parent certificate")
		}
		certs = append(certs, sc)
	}

	a.mu.Lock()
	a.certs = certs
	a.mu.Unlock()
	return certs, nil
}

// attestKey extracts the key the last endorsement trusts for attestation.
func (a *Application) attestKey() (*vse.Key, error) {
	certs, err := a.Certs()
	if err != nil {
		return nil, err
	}
	last := certs[len(certs)-1]
	clause, err := claims.VerifyAssertion(last, last.SigningKey, a.cfg.Now())
	if err != nil {
		return nil, errors.MarkAs(err, errors.ErrAttestation, "parent endorsement")
	}
	inner := clause.Clause
	if clause.Verb != vse.VerbSays || inner == nil || inner.Verb != vse.VerbIsTrustedForAttestation || !inner.Subject.IsKey() {
		return nil, errors.NewAttestationf("parent endorsement does not name an attestation key")
	}
	return inner.Subject.Key, nil
}

// Verify checks a parent attestation locally against the endorsed
// attestation key.
func (a *Application) Verify(expectedUserData, assertion []byte) ([]byte, error) {
	key, err := a.attestKey()
	if err != nil {
		return nil, err
	}
	sc, err := claims.UnmarshalSignedClaim(assertion)
	if err != nil {
		return nil, errors.MarkAs(err, errors.ErrAttestation, "malformed assertion")
	}
	signer, report, err := evidence.VerifyReport(sc, expectedUserData, a.cfg.Now())
	if err != nil {
		return nil, err
	}
	if !signer.SameKey(key) {
		return nil, errors.NewAttestationf("assertion is not signed by the parent's attestation key")
	}
	return report.Measurement, nil
}

// Evidence forwards the parent's endorsements with the attestation, the
// same package a simulated platform submits.
func (a *Application) Evidence(userData, assertion []byte) (string, *evidence.Package, error) {
	certs, err := a.Certs()
	if err != nil {
		return "", nil, err
	}
	pkg := &evidence.Package{ProverType: evidence.ProverVse}
	for _, c := range certs {
		raw, err := c.Marshal()
		if err != nil {
			return "", nil, err
		}
		pkg.Items = append(pkg.Items, evidence.Item{Type: evidence.ItemSignedClaim, Serialized: raw})
	}
	att := &evidence.Attestation{UserData: userData, Assertion: assertion}
	pkg.Items = append(pkg.Items, evidence.Item{Type: evidence.ItemVseAttestation, Serialized: att.Marshal()})
	return evidence.PackagePlatformOnly, pkg, nil
}

// Parent serves one hosted application enclave from the host's
// capabilities. Sealed blobs are bound to the child's id.
type Parent struct {
	host    Enclave
	childID string
	certs   [][]byte
	max     int
	logger  *zap.SugaredLogger
}

// NewParent serves childID from host. certs are returned to getcerts and
// must end with the endorsement of the host's attestation key.
func NewParent(host Enclave, childID string, certs []*claims.SignedClaim, maxFrameBytes int, log *zap.SugaredLogger) (*Parent, error) {
	if host == nil {
		return nil, errors.NewValidationf("parent requires a host enclave")
	}
	if len(certs) == 0 {
		return nil, errors.NewValidationf("parent requires at least one endorsement")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	p := &Parent{host: host, childID: childID, max: maxFrameBytes, logger: log}
	for _, c := range certs {
		raw, err := c.Marshal()
		if err != nil {
			return nil, err
		}
		p.certs = append(p.certs, raw)
	}
	return p, nil
}

// Serve answers requests read from r on w until r reaches EOF or ctx is
// cancelled. Requests the host cannot satisfy get a failed status.
func (p *Parent) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	if c, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}
	for {
		frame, err := wire.ReadFrame(r, p.max)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return errors.MarkAs(err, errors.ErrIO, "failed to read child request")
		}
		req, err := unmarshalAppMessage(frame)
		if err != nil {
			return err
		}
		rsp := p.handle(req)
		if err := wire.WriteFrame(w, rsp.marshal(), p.max); err != nil {
			return errors.MarkAs(err, errors.ErrIO, "failed to answer child")
		}
	}
}

func (p *Parent) handle(req *appMessage) *appMessage {
	rsp := &appMessage{Function: req.Function, Status: StatusFailed}
	arg := func() ([]byte, bool) {
		if len(req.Args) != 1 {
			return nil, false
		}
		return req.Args[0], true
	}

	var out [][]byte
	var err error
	switch req.Function {
	case FuncGetCerts:
		out = p.certs
	case FuncSeal, FuncUnseal, FuncAttest:
		in, ok := arg()
		if !ok {
			err = errors.NewValidationf("%s takes one argument, got %d", req.Function, len(req.Args))
			break
		}
		var res []byte
		switch req.Function {
		case FuncSeal:
			res, err = p.host.Seal(TypeApplication, p.childID, in)
		case FuncUnseal:
			res, err = p.host.Unseal(TypeApplication, p.childID, in)
		default:
			res, err = p.host.Attest(in)
		}
		out = [][]byte{res}
	default:
		err = errors.NewValidationf("unknown function %q", req.Function)
	}

	if err != nil {
		p.logger.Warnw("Child request failed",
			logger.FieldOperation, req.Function,
			logger.FieldEnclaveID, p.childID,
			logger.FieldError, err,
		)
		return rsp
	}
	rsp.Status = StatusSucceeded
	rsp.Args = out
	return rsp
}
