// Package trust holds the trust context of one running component: the
// policy root it trusts, its own identity key pair, the credential the policy
// authority granted it, and the lifecycle that gets it from nothing to a
// channel-usable identity.
//
// A Context is created once per component, passed by reference to whatever
// needs it, and scrubbed on every exit path:
//
//	tc, err := trust.New(enc, opts, logger)
//	defer tc.ClearSensitiveData()
//	tc.InitPolicyKey(policyCert)
//	tc.ColdInit(algs)
//	tc.CertifyMe(ctx, host, port)
package trust

import (
	"bytes"
	"crypto/x509"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/certifier/claims"
	"github.com/teranos/certifier/dominance"
	"github.com/teranos/certifier/enclave"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/keys"
	"github.com/teranos/certifier/logger"
	"github.com/teranos/certifier/proof"
	"github.com/teranos/certifier/store"
	"github.com/teranos/certifier/vse"
)

// DefaultCertifyTimeout bounds the authority round trip in CertifyMe.
const DefaultCertifyTimeout = 30 * time.Second

// Options configure a Context.
type Options struct {
	// Purpose is requested from the authority: authentication (admission
	// certificate) or attestation (platform rule)
	Purpose string
	// StorePath is where the sealed store is persisted
	StorePath      string
	CertifyTimeout time.Duration
	// MaxFrameBytes bounds authority messages; zero means the wire default
	MaxFrameBytes int
	Now           func() time.Time
}

// Context is the trust state of one component.
type Context struct {
	mu     sync.Mutex
	enc    enclave.Enclave
	opts   Options
	logger *zap.SugaredLogger

	state State
	index *dominance.Index

	policyKey  *vse.Key
	policyCert []byte
	policyRoot *x509.Certificate

	privateKey   *vse.Key
	symmetricKey []byte
	algorithms   store.Algorithms

	admissionCert []byte
	admissionLeaf *x509.Certificate
	platformRule  *claims.SignedClaim
}

// New returns an uninitialized context backed by enc.
func New(enc enclave.Enclave, opts Options, log *zap.SugaredLogger) (*Context, error) {
	if enc == nil {
		return nil, errors.NewValidationf("trust context requires an enclave")
	}
	if opts.Purpose == "" {
		opts.Purpose = proof.PurposeAuthentication
	}
	if _, err := proof.ConclusionVerb(opts.Purpose); err != nil {
		return nil, err
	}
	if opts.StorePath == "" {
		return nil, errors.NewValidationf("trust context requires a store path")
	}
	if opts.CertifyTimeout <= 0 {
		opts.CertifyTimeout = DefaultCertifyTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Context{
		enc:   enc,
		opts:  opts,
		state: StateUninitialized,
		index: dominance.NewDefault(),
		logger: log.With(
			logger.FieldEnclaveType, enc.Type(),
			logger.FieldEnclaveID, enc.ID(),
		),
	}, nil
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Index returns the dominance index the context reasons with.
func (c *Context) Index() *dominance.Index { return c.index }

// Enclave returns the enclave the context was built on.
func (c *Context) Enclave() enclave.Enclave { return c.enc }

// PolicyKey returns the trusted policy public key, or nil before
// InitPolicyKey.
func (c *Context) PolicyKey() *vse.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.policyKey == nil {
		return nil
	}
	return c.policyKey.Public()
}

// PublicKey returns the public half of the identity key, or nil before it
// exists.
func (c *Context) PublicKey() *vse.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.privateKey == nil {
		return nil
	}
	return c.privateKey.Public()
}

// AdmissionCert returns the DER admission certificate granted by the
// authority, if any.
func (c *Context) AdmissionCert() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.admissionCert...)
}

// PlatformRule returns the platform rule granted for the attestation
// purpose, if any.
func (c *Context) PlatformRule() *claims.SignedClaim {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.platformRule
}

func (c *Context) transition(to State) {
	c.logger.Infow("Trust state changed",
		logger.FieldState, to.String(),
		"from", c.state.String(),
	)
	c.state = to
}

func (c *Context) require(op string, ok bool) error {
	if c.state == StateScrubbed {
		return errors.NewInvalidStatef("%s: context has been scrubbed", op)
	}
	if !ok {
		return errors.NewInvalidStatef("%s is not allowed in state %s", op, c.state)
	}
	return nil
}

// InitPolicyKey parses the policy root certificate and records its key as
// the trust root.
func (c *Context) InitPolicyKey(certDER []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require("init policy key", c.state == StateUninitialized); err != nil {
		return err
	}

	root, err := keys.ParseCertificate(certDER)
	if err != nil {
		return err
	}
	key, err := keys.KeyFromCertificate(root, "policy-key")
	if err != nil {
		return errors.Mark(errors.Wrap(err, "policy certificate carries an unusable key"), errors.ErrValidation)
	}

	c.policyKey = key
	c.policyCert = append([]byte(nil), certDER...)
	c.policyRoot = root
	c.logger.Debugw("Policy key loaded", logger.FieldKeyID, keys.ID(key), logger.FieldSubject, root.Subject.CommonName)
	c.transition(StatePolicyKeyLoaded)
	return nil
}

// ColdInit generates a fresh identity key pair and protection key and starts
// an empty store. Nothing is persisted until CertifyMe succeeds.
func (c *Context) ColdInit(algs store.Algorithms) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require("cold init", c.state == StatePolicyKeyLoaded); err != nil {
		return err
	}
	if err := ValidateAlgorithms(algs); err != nil {
		return err
	}

	key, err := keys.Generate(algs.PublicKey, "auth-key")
	if err != nil {
		return err
	}
	sym, err := randomBytes(symmetricKeySizes[algs.Symmetric])
	if err != nil {
		key.Zeroize()
		return err
	}

	c.privateKey = key
	c.symmetricKey = sym
	c.algorithms = algs
	c.admissionCert, c.admissionLeaf, c.platformRule = nil, nil, nil
	c.logger.Infow("Identity key generated",
		logger.FieldKeyID, keys.ID(key),
		"public_key_alg", algs.PublicKey,
		"symmetric_alg", algs.Symmetric,
	)
	c.transition(StateColdInitialized)
	return nil
}

// WarmRestart loads the sealed store written by an earlier CertifyMe. A
// missing, unreadable or foreign store is an IO error and is not retried.
func (c *Context) WarmRestart() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require("warm restart", c.state == StatePolicyKeyLoaded); err != nil {
		return err
	}

	s, err := store.Load(c.opts.StorePath, c.enc, c.enc.Type(), c.enc.ID())
	if err != nil {
		return err
	}
	// The store is only usable under the policy root it was built for
	if !bytes.Equal(s.PolicyCert, c.policyCert) {
		s.Zeroize()
		return errors.NewValidationf("stored policy certificate does not match the loaded policy key")
	}
	if s.PrivateKey == nil || !s.PrivateKey.IsPrivate() {
		s.Zeroize()
		return errors.MarkIO(errors.New("no identity key"), "store is incomplete")
	}
	if err := c.index.Merge(s.Facts); err != nil {
		s.Zeroize()
		return errors.Wrap(err, "stored dominance facts")
	}

	c.privateKey = s.PrivateKey
	c.symmetricKey = s.SymmetricKey
	c.algorithms = s.Algorithms
	c.admissionCert = s.AdmissionCert
	c.platformRule = s.PlatformRule
	c.admissionLeaf = nil
	if len(s.AdmissionCert) > 0 {
		// Resume re-validates; a bad stored cert only means re-certifying
		c.admissionLeaf, _ = keys.ParseCertificate(s.AdmissionCert)
	}
	c.logger.Infow("Store loaded",
		logger.FieldFile, c.opts.StorePath,
		logger.FieldKeyID, keys.ID(s.PrivateKey),
	)
	c.transition(StateWarmRestarted)
	return nil
}

// Resume activates a warm restarted context with the credential persisted
// in its store, without contacting the authority. It fails with
// ErrInvalidState when no credential for the configured purpose is stored
// and with the verification error when the stored one is no longer good;
// callers fall back to CertifyMe in both cases.
func (c *Context) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require("resume", c.state == StateWarmRestarted); err != nil {
		return err
	}

	switch c.opts.Purpose {
	case proof.PurposeAuthentication:
		if len(c.admissionCert) == 0 {
			return errors.NewInvalidStatef("no stored admission certificate")
		}
		leaf, err := c.verifyAdmissionCert(c.admissionCert)
		if err != nil {
			return err
		}
		c.admissionLeaf = leaf
	case proof.PurposeAttestation:
		if c.platformRule == nil {
			return errors.NewInvalidStatef("no stored platform rule")
		}
		if err := c.verifyPlatformRule(c.platformRule); err != nil {
			return err
		}
	}

	c.transition(StateCertified)
	c.transition(StateActive)
	return nil
}

// ClearSensitiveData zeroizes the identity key, the protection key and the
// store snapshot. It is valid in every state and idempotent.
func (c *Context) ClearSensitiveData() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateScrubbed {
		return
	}
	if c.privateKey != nil {
		c.privateKey.Zeroize()
		c.privateKey = nil
	}
	zero(c.symmetricKey)
	c.symmetricKey = nil
	c.admissionLeaf = nil
	c.admissionCert = nil
	c.platformRule = nil
	c.transition(StateScrubbed)
}

// snapshot builds the store to persist. The caller holds c.mu.
func (c *Context) snapshot() *store.Store {
	return &store.Store{
		PolicyCert:    c.policyCert,
		PrivateKey:    c.privateKey,
		SymmetricKey:  c.symmetricKey,
		Algorithms:    c.algorithms,
		AdmissionCert: c.admissionCert,
		PlatformRule:  c.platformRule,
		Facts:         c.index.Edges(),
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
