package proof

import (
	"time"

	"github.com/teranos/certifier/claims"
	"github.com/teranos/certifier/dominance"
	"github.com/teranos/certifier/enclave"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/evidence"
	"github.com/teranos/certifier/vse"
)

// PolicySource supplies policy-signed statements the authority holds on file.
// Both lookups return nil when nothing matches.
type PolicySource interface {
	// ForMeasurement returns "policyKey says (M is-trusted)".
	ForMeasurement(measurement []byte) *claims.SignedClaim
	// ForPlatformKey returns "policyKey says (K is-trusted-for-attestation)".
	ForPlatformKey(key *vse.Key) *claims.SignedClaim
}

// Verifier turns an evidence package into a verified proof.
type Verifier struct {
	PolicyKey *vse.Key
	Index     *dominance.Index
	Policy    PolicySource
	Quotes    enclave.QuoteVerifier
	Now       func() time.Time
}

// Result describes an accepted evidence package.
type Result struct {
	EnclaveKey  *vse.Key
	Measurement []byte
	UserData    *evidence.UserData
	Conclusion  *vse.Clause
	Proof       *Proof
	Proved      *Statements
}

// Subject is the component an evidence package speaks for.
type Subject struct {
	EnclaveKey  *vse.Key
	Measurement []byte
	UserData    *evidence.UserData
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Validate checks pkg and proves the requesting key holds the predicate for
// purpose. Every refusal is an attestation error unless a more specific
// category (signature, time validity) applies.
func (v *Verifier) Validate(packageType string, pkg *evidence.Package, purpose string) (*Result, error) {
	if v.PolicyKey == nil || v.Index == nil {
		return nil, errors.AssertionFailedf("verifier is missing its policy key or index")
	}
	proved, subject, err := v.InitProvedStatements(pkg)
	if err != nil {
		return nil, err
	}

	switch packageType {
	case evidence.PackageFullVse:
		// The package carries its own policy statements
	case evidence.PackagePlatformOnly, evidence.PackageAugmentedPlatform, evidence.PackageGramine:
		if err := v.addPolicyStatements(proved, subject); err != nil {
			return nil, err
		}
	default:
		return nil, errors.NewAttestationf("unknown evidence package type %q", packageType)
	}

	conclusion, p, err := Construct(v.Index, v.PolicyKey, subject.EnclaveKey, subject.Measurement, purpose, proved)
	if err != nil {
		return nil, err
	}
	if !VerifyProof(v.Index, conclusion, p, proved.Clone()) {
		return nil, errors.NewAttestationf("proof of %s does not verify", conclusion)
	}
	return &Result{
		EnclaveKey:  subject.EnclaveKey,
		Measurement: subject.Measurement,
		UserData:    subject.UserData,
		Conclusion:  conclusion,
		Proof:       p,
		Proved:      proved,
	}, nil
}

// InitProvedStatements verifies every item of pkg and returns the statements
// they establish, starting from the policy key axiom. Exactly one item must
// be an attestation; it identifies the subject.
func (v *Verifier) InitProvedStatements(pkg *evidence.Package) (*Statements, *Subject, error) {
	if pkg == nil {
		return nil, nil, errors.NewAttestationf("no evidence submitted")
	}
	if pkg.ProverType != evidence.ProverVse {
		return nil, nil, errors.NewAttestationf("prover type %q is not %s", pkg.ProverType, evidence.ProverVse)
	}
	proved, err := InitAxiom(v.PolicyKey)
	if err != nil {
		return nil, nil, err
	}

	now := v.now()
	var subject *Subject
	for i, it := range pkg.Items {
		var (
			stmt *vse.Clause
			s    *Subject
			err  error
		)
		switch it.Type {
		case evidence.ItemSignedClaim:
			stmt, err = signedClaimStatement(it.Serialized, now)
		case evidence.ItemVseAttestation:
			stmt, s, err = v.vseAttestationStatement(it.Serialized, now)
		case evidence.ItemGramineAttestation:
			stmt, s, err = v.gramineStatement(it.Serialized)
		default:
			err = errors.NewAttestationf("unknown evidence item type %q", it.Type)
		}
		if err != nil {
			return nil, nil, errors.Wrapf(err, "evidence item %d (%s)", i, it.Type)
		}
		if s != nil {
			if subject != nil {
				return nil, nil, errors.NewAttestationf("evidence carries more than one attestation")
			}
			subject = s
		}
		proved.Add(stmt)
	}
	if subject == nil {
		return nil, nil, errors.NewAttestationf("evidence carries no attestation")
	}
	return proved, subject, nil
}

// signedClaimStatement accepts "K says X" signed by K.
func signedClaimStatement(data []byte, now time.Time) (*vse.Clause, error) {
	sc, err := claims.UnmarshalSignedClaim(data)
	if err != nil {
		return nil, errors.MarkAs(err, errors.ErrAttestation, "malformed signed claim")
	}
	if sc.SigningKey == nil {
		return nil, errors.NewAttestationf("signed claim has no signing key")
	}
	clause, err := claims.VerifyAssertion(sc, sc.SigningKey, now)
	if err != nil {
		return nil, err
	}
	speaker, err := vse.NewKeyEntity(sc.SigningKey)
	if err != nil {
		return nil, err
	}
	if clause.Shape() != vse.ShapeIndirect || clause.Verb != vse.VerbSays || !clause.Subject.Equal(speaker) {
		return nil, errors.NewAttestationf("signed claim %s is not a statement by its signer", clause)
	}
	return clause, nil
}

func (v *Verifier) vseAttestationStatement(data []byte, now time.Time) (*vse.Clause, *Subject, error) {
	att, err := evidence.UnmarshalAttestation(data)
	if err != nil {
		return nil, nil, errors.MarkAs(err, errors.ErrAttestation, "malformed attestation")
	}
	assertion, err := claims.UnmarshalSignedClaim(att.Assertion)
	if err != nil {
		return nil, nil, errors.MarkAs(err, errors.ErrAttestation, "malformed attestation assertion")
	}
	attestKey, report, err := evidence.VerifyReport(assertion, att.UserData, now)
	if err != nil {
		return nil, nil, err
	}
	subject, err := v.subject(att.UserData, report.Measurement)
	if err != nil {
		return nil, nil, err
	}
	stmt, err := speaksForStatement(attestKey, subject)
	return stmt, subject, err
}

func (v *Verifier) gramineStatement(data []byte) (*vse.Clause, *Subject, error) {
	att, err := evidence.UnmarshalAttestation(data)
	if err != nil {
		return nil, nil, errors.MarkAs(err, errors.ErrAttestation, "malformed attestation")
	}
	platformKey, q, err := enclave.VerifyQuote(att.Assertion, att.UserData, v.Quotes)
	if err != nil {
		return nil, nil, err
	}
	subject, err := v.subject(att.UserData, q.MrEnclave[:])
	if err != nil {
		return nil, nil, err
	}
	stmt, err := speaksForStatement(platformKey, subject)
	return stmt, subject, err
}

func (v *Verifier) subject(rawUserData, measurement []byte) (*Subject, error) {
	ud, err := evidence.UnmarshalUserData(rawUserData)
	if err != nil {
		return nil, errors.MarkAs(err, errors.ErrAttestation, "malformed user data")
	}
	if ud.PolicyKey != nil && !ud.PolicyKey.SameKey(v.PolicyKey) {
		return nil, errors.NewAttestationf("attestation names a different policy key")
	}
	return &Subject{
		EnclaveKey:  ud.EnclaveKey,
		Measurement: append([]byte(nil), measurement...),
		UserData:    ud,
	}, nil
}

// speaksForStatement builds "attester says (enclaveKey speaks-for M)".
func speaksForStatement(attester *vse.Key, s *Subject) (*vse.Clause, error) {
	attesterEnt, err := vse.NewKeyEntity(attester)
	if err != nil {
		return nil, err
	}
	enclaveEnt, err := vse.NewKeyEntity(s.EnclaveKey)
	if err != nil {
		return nil, err
	}
	m, err := vse.NewMeasurementEntity(s.Measurement)
	if err != nil {
		return nil, err
	}
	speaksFor, err := vse.NewSimpleClause(enclaveEnt, vse.VerbSpeaksFor, m)
	if err != nil {
		return nil, err
	}
	return vse.NewIndirectClause(attesterEnt, vse.VerbSays, speaksFor)
}

// addPolicyStatements adds the policy statements on file for the subject's
// measurement and for every key speaking in the evidence.
func (v *Verifier) addPolicyStatements(proved *Statements, s *Subject) error {
	if v.Policy == nil {
		return errors.NewAttestationf("no policy statements configured")
	}
	now := v.now()
	add := func(sc *claims.SignedClaim) error {
		if sc == nil {
			return nil
		}
		clause, err := claims.VerifyAssertion(sc, v.PolicyKey, now)
		if err != nil {
			return errors.Wrap(err, "policy statement")
		}
		proved.Add(clause)
		return nil
	}

	if err := add(v.Policy.ForMeasurement(s.Measurement)); err != nil {
		return err
	}
	for _, c := range proved.All() {
		if c.Shape() != vse.ShapeIndirect || c.Verb != vse.VerbSays || !c.Subject.IsKey() {
			continue
		}
		if c.Subject.Key.SameKey(v.PolicyKey) {
			continue
		}
		if err := add(v.Policy.ForPlatformKey(c.Subject.Key)); err != nil {
			return err
		}
	}
	return nil
}
