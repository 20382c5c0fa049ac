// Package authority implements the policy authority: it checks the evidence
// a component submits, proves the component holds the requested predicate
// and grants it an admission certificate or a platform rule.
package authority

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/certifier/dominance"
	"github.com/teranos/certifier/enclave"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/keys"
	"github.com/teranos/certifier/logger"
	"github.com/teranos/certifier/proof"
	"github.com/teranos/certifier/vse"
)

// Defaults for Config fields left zero.
const (
	DefaultCertDuration       = 365 * 24 * time.Hour
	DefaultProtocolConstraint = "^1.0.0"
)

// Config wires a Service.
type Config struct {
	// PolicyKey must hold the private half
	PolicyKey  *vse.Key
	PolicyCert []byte
	// Policy supplies the measurement and platform statements on file
	Policy proof.PolicySource
	// Index holds the dominance facts returned to certified components
	Index  *dominance.Index
	Ledger *Ledger
	// Quotes verifies SGX quotes; nil refuses gramine evidence
	Quotes             enclave.QuoteVerifier
	CertDuration       time.Duration
	ProtocolConstraint string
	Now                func() time.Time
}

// Service evaluates trust requests. It is safe for concurrent use.
type Service struct {
	cfg        Config
	policyCert *x509.Certificate
	constraint *semver.Constraints
	verifier   *proof.Verifier
	logger     *zap.SugaredLogger
}

// NewService validates cfg and returns a service.
func NewService(cfg Config, log *zap.SugaredLogger) (*Service, error) {
	if cfg.PolicyKey == nil || !cfg.PolicyKey.IsPrivate() {
		return nil, errors.NewValidationf("authority requires the private policy key")
	}
	cert, err := keys.ParseCertificate(cfg.PolicyCert)
	if err != nil {
		return nil, errors.Wrap(err, "policy certificate")
	}
	certKey, err := keys.KeyFromCertificate(cert, "policy-key")
	if err != nil {
		return nil, err
	}
	if !certKey.SameKey(cfg.PolicyKey) {
		return nil, errors.NewValidationf("policy certificate does not belong to the policy key")
	}
	if cfg.Ledger == nil {
		return nil, errors.NewValidationf("authority requires an issuance ledger")
	}
	if cfg.Index == nil {
		cfg.Index = dominance.NewDefault()
	}
	if cfg.CertDuration <= 0 {
		cfg.CertDuration = DefaultCertDuration
	}
	if cfg.ProtocolConstraint == "" {
		cfg.ProtocolConstraint = DefaultProtocolConstraint
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	constraint, err := semver.NewConstraint(cfg.ProtocolConstraint)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid protocol constraint %q", cfg.ProtocolConstraint), errors.ErrValidation)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Service{
		cfg:        cfg,
		policyCert: cert,
		constraint: constraint,
		verifier: &proof.Verifier{
			PolicyKey: cfg.PolicyKey.Public(),
			Index:     cfg.Index,
			Policy:    cfg.Policy,
			Quotes:    cfg.Quotes,
			Now:       cfg.Now,
		},
		logger: log,
	}, nil
}

// Handle evaluates req. Refusals are reported in the response; the returned
// response is never nil.
func (s *Service) Handle(ctx context.Context, req *TrustRequest) *TrustResponse {
	requestID := uuid.New().String()
	log := s.logger.With(
		logger.FieldRequestID, requestID,
		logger.FieldEvidenceType, req.SubmittedEvidenceType,
		logger.FieldPurpose, req.Purpose,
	)
	start := s.cfg.Now()

	resp := &TrustResponse{
		Status:               StatusFailed,
		RequestingEnclaveTag: req.RequestingEnclaveTag,
		ProvidingEnclaveTag:  req.ProvidingEnclaveTag,
	}

	artifact, subject, err := s.evaluate(ctx, requestID, req)
	if err != nil {
		resp.Reason = err.Error()
		log.Warnw("Trust request refused",
			logger.FieldError, err,
			logger.FieldErrorType, errorType(err),
		)
		return resp
	}

	resp.Status = StatusSucceeded
	resp.Artifact = artifact
	resp.Facts = s.cfg.Index.Edges()
	log.Infow("Trust request granted",
		logger.FieldSubject, subject,
		logger.FieldDurationMS, s.cfg.Now().Sub(start).Milliseconds(),
	)
	return resp
}

func (s *Service) evaluate(ctx context.Context, requestID string, req *TrustRequest) ([]byte, string, error) {
	if err := s.checkVersion(req.ProtocolVersion); err != nil {
		return nil, "", err
	}
	purpose := req.Purpose
	if purpose == "" {
		purpose = proof.PurposeAuthentication
	}

	res, err := s.verifier.Validate(req.SubmittedEvidenceType, req.Support, purpose)
	if err != nil {
		return nil, "", err
	}

	now := s.cfg.Now()
	notAfter := now.Add(s.cfg.CertDuration)
	subject := AdmissionCommonName(res.Measurement)
	rec := Issuance{
		RequestTag:   req.RequestingEnclaveTag,
		Subject:      subject,
		KeyID:        keys.ID(res.EnclaveKey),
		Measurement:  hex.EncodeToString(res.Measurement),
		Purpose:      purpose,
		EvidenceType: req.SubmittedEvidenceType,
		NotAfter:     notAfter,
	}
	if rec.RequestTag == "" {
		rec.RequestTag = requestID
	}

	var artifact []byte
	serial, err := s.cfg.Ledger.Issue(ctx, rec, func(serial int64) error {
		var err error
		switch purpose {
		case proof.PurposeAuthentication:
			artifact, err = issueAdmissionCert(s.cfg.PolicyKey, s.policyCert, res.EnclaveKey, res.Measurement, serial, now, notAfter)
		case proof.PurposeAttestation:
			artifact, err = issuePlatformRule(s.cfg.PolicyKey, res.EnclaveKey, now, notAfter)
		}
		return err
	})
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to issue artifact")
	}
	s.logger.Debugw("Issuance recorded", logger.FieldRequestID, requestID, logger.FieldSerial, serial)
	return artifact, subject, nil
}

func (s *Service) checkVersion(v string) error {
	if v == "" {
		return errors.NewValidationf("request carries no protocol version")
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "invalid protocol version %q", v), errors.ErrValidation)
	}
	if !s.constraint.Check(ver) {
		return errors.NewValidationf("protocol version %s does not satisfy %s", v, s.cfg.ProtocolConstraint)
	}
	return nil
}

// PolicyKey returns the public policy key.
func (s *Service) PolicyKey() *vse.Key { return s.cfg.PolicyKey.Public() }

func errorType(err error) string {
	if c := errors.Category(err); c != nil {
		return c.Error()
	}
	return "internal"
}
