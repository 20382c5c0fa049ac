package trust

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"net"
	"strconv"

	"github.com/teranos/certifier/authority"
	"github.com/teranos/certifier/claims"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/evidence"
	"github.com/teranos/certifier/keys"
	"github.com/teranos/certifier/logger"
	"github.com/teranos/certifier/proof"
	"github.com/teranos/certifier/vse"
)

// CertifyMe submits attested evidence for the identity key to the policy
// authority at host:port and installs the credential it grants. The round
// trip is bounded by Options.CertifyTimeout and by ctx.
//
// A refusal is an attestation error; an artifact that does not verify
// under the policy root is a signature error; an expired deadline is a
// timeout error. On success the store is persisted and the context is
// Active.
func (c *Context) CertifyMe(ctx context.Context, host string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require("certify", c.state.initialized()); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.CertifyTimeout)
	defer cancel()

	req, err := c.buildRequest()
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	log := c.logger.With(logger.FieldAddress, addr, logger.FieldPurpose, c.opts.Purpose)
	log.Infow("Requesting certification", logger.FieldEvidenceType, req.SubmittedEvidenceType)

	resp, err := authority.Certify(ctx, addr, req, c.opts.MaxFrameBytes)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded && !errors.IsTimeoutError(err) {
			err = errors.MarkAs(err, errors.ErrTimeout, "certification timed out")
		}
		return err
	}
	if !resp.Succeeded() {
		log.Warnw("Certification refused", "reason", resp.Reason)
		return errors.WithDetail(errors.NewAttestationf("policy authority refused certification"), resp.Reason)
	}

	var leaf *x509.Certificate
	var rule *claims.SignedClaim
	switch c.opts.Purpose {
	case proof.PurposeAuthentication:
		if leaf, err = c.verifyAdmissionCert(resp.Artifact); err != nil {
			return err
		}
	case proof.PurposeAttestation:
		if rule, err = claims.UnmarshalSignedClaim(resp.Artifact); err != nil {
			return errors.Mark(errors.Wrap(err, "malformed platform rule"), errors.ErrSignature)
		}
		if err := c.verifyPlatformRule(rule); err != nil {
			return err
		}
	}

	// The credential is installed only once the facts merged
	if err := c.index.Merge(resp.Facts); err != nil {
		return errors.Wrap(err, "authority dominance facts")
	}
	if leaf != nil {
		c.admissionCert = append([]byte(nil), resp.Artifact...)
		c.admissionLeaf = leaf
		log.Infow("Admission certificate installed",
			logger.FieldSubject, leaf.Subject.CommonName,
			logger.FieldSerial, leaf.SerialNumber.String(),
			logger.FieldNotAfter, leaf.NotAfter,
		)
	}
	if rule != nil {
		c.platformRule = rule
		log.Infow("Platform rule installed")
	}

	c.transition(StateCertified)

	if err := c.snapshot().Save(c.opts.StorePath, c.enc, c.enc.Type(), c.enc.ID()); err != nil {
		return err
	}
	c.transition(StateActive)
	return nil
}

// buildRequest attests user data binding the identity key and policy key.
func (c *Context) buildRequest() (*authority.TrustRequest, error) {
	ud := &evidence.UserData{
		EnclaveType: c.enc.Type(),
		EnclaveKey:  c.privateKey.Public(),
		PolicyKey:   c.policyKey.Public(),
		Time:        c.opts.Now(),
	}
	raw, err := ud.Marshal()
	if err != nil {
		return nil, err
	}
	assertion, err := c.enc.Attest(raw)
	if err != nil {
		return nil, errors.MarkAs(err, errors.ErrAttestation, "enclave failed to attest")
	}
	packageType, pkg, err := c.enc.Evidence(raw, assertion)
	if err != nil {
		return nil, errors.MarkAs(err, errors.ErrAttestation, "enclave failed to package evidence")
	}
	return &authority.TrustRequest{
		RequestingEnclaveTag:  c.enc.ID(),
		ProvidingEnclaveTag:   "policy-authority",
		SubmittedEvidenceType: packageType,
		Purpose:               c.opts.Purpose,
		Support:               pkg,
		ProtocolVersion:       authority.ProtocolVersion,
	}, nil
}

// verifyAdmissionCert checks that der chains to the policy root, certifies
// the identity key and is currently valid.
func (c *Context) verifyAdmissionCert(der []byte) (*x509.Certificate, error) {
	leaf, err := keys.ParseCertificate(der)
	if err != nil {
		return nil, errors.Mark(err, errors.ErrSignature)
	}
	if err := leaf.CheckSignatureFrom(c.policyRoot); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "admission certificate is not signed by the policy key"), errors.ErrSignature)
	}
	certKey, err := keys.KeyFromCertificate(leaf, "auth-key")
	if err != nil {
		return nil, errors.Mark(err, errors.ErrSignature)
	}
	if !certKey.SameKey(c.privateKey) {
		return nil, errors.NewSignaturef("admission certificate does not certify this identity key")
	}
	if err := keys.CheckCertValidity(leaf, c.opts.Now()); err != nil {
		return nil, err
	}
	return leaf, nil
}

// verifyPlatformRule checks "policyKey says (identityKey is-trusted-for-attestation)".
func (c *Context) verifyPlatformRule(sc *claims.SignedClaim) error {
	clause, err := claims.VerifyAssertion(sc, c.policyKey, c.opts.Now())
	if err != nil {
		return err
	}
	inner := clause.Clause
	fromPolicy := clause.Verb == vse.VerbSays && clause.Subject.IsKey() && clause.Subject.Key.SameKey(c.policyKey)
	if !fromPolicy || inner == nil || inner.Verb != vse.VerbIsTrustedForAttestation ||
		!inner.Subject.IsKey() || !inner.Subject.Key.SameKey(c.privateKey) {
		return errors.NewSignaturef("platform rule does not grant this identity key attestation trust")
	}
	return nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Wrap(err, "failed to read random bytes")
	}
	return b, nil
}
