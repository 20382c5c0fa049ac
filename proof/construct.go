package proof

import (
	"github.com/teranos/certifier/dominance"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/vse"
)

// Purposes a component can be certified for.
const (
	PurposeAuthentication = "authentication"
	PurposeAttestation    = "attestation"
)

// ConclusionVerb maps a purpose to the predicate the proof must establish.
func ConclusionVerb(purpose string) (string, error) {
	switch purpose {
	case PurposeAuthentication:
		return vse.VerbIsTrustedForAuthentication, nil
	case PurposeAttestation:
		return vse.VerbIsTrustedForAttestation, nil
	}
	return "", errors.NewValidationf("unknown purpose %q", purpose)
}

// Construct builds a proof that enclaveKey holds the predicate selected by
// purpose, using only statements in proved. The chain it looks for is:
//
//	policyKey says (M is-trusted)                 R3 -> M is-trusted
//	K1 says (K2 is-trusted-for-attestation)       R5, repeated from policyKey
//	attester says (enclaveKey speaks-for M)       R6 -> enclaveKey speaks-for M
//	M is-trusted, enclaveKey speaks-for M         R1 or R7
//
// The returned proof is not verified; pass it to VerifyProof.
func Construct(idx *dominance.Index, policyKey, enclaveKey *vse.Key, measurement []byte, purpose string, proved *Statements) (*vse.Clause, *Proof, error) {
	verb, err := ConclusionVerb(purpose)
	if err != nil {
		return nil, nil, err
	}
	policy, err := vse.NewKeyEntity(policyKey)
	if err != nil {
		return nil, nil, err
	}
	enclaveEnt, err := vse.NewKeyEntity(enclaveKey)
	if err != nil {
		return nil, nil, err
	}
	m, err := vse.NewMeasurementEntity(measurement)
	if err != nil {
		return nil, nil, err
	}

	axiom, _ := vse.NewUnaryClause(policy, vse.VerbIsTrusted)
	if !proved.Contains(axiom) {
		return nil, nil, errors.NewAttestationf("policy key axiom is not among the proved statements")
	}

	p := &Proof{}

	// M is-trusted
	measurementTrusted, _ := vse.NewUnaryClause(m, vse.VerbIsTrusted)
	policySaysMeasurement, _ := vse.NewIndirectClause(policy, vse.VerbSays, measurementTrusted)
	if !proved.Contains(policySaysMeasurement) {
		return nil, nil, errors.NewAttestationf("measurement %s is not trusted by policy", m)
	}
	p.Add(RuleTrustedSpeaker, axiom, policySaysMeasurement, measurementTrusted)

	// Who vouches for the enclave key
	speaksFor, _ := vse.NewSimpleClause(enclaveEnt, vse.VerbSpeaksFor, m)
	attesterSays := proved.Find(func(c *vse.Clause) bool {
		return c.Shape() == vse.ShapeIndirect && c.Verb == vse.VerbSays &&
			c.Subject.IsKey() && c.Clause.Equal(speaksFor)
	})
	if attesterSays == nil {
		return nil, nil, errors.NewAttestationf("no statement binds the enclave key to measurement %s", m)
	}

	// Delegate trust from the policy key along "K1 says (K2 verb)" statements
	// until the attester holds a predicate.
	trusted := map[string]*vse.Clause{fingerprint(policyKey): axiom}
	attester := attesterSays.Subject
	for trusted[fingerprint(attester.Key)] == nil {
		progressed := false
		for _, c := range proved.All() {
			if c.Shape() != vse.ShapeIndirect || c.Verb != vse.VerbSays || !c.Subject.IsKey() {
				continue
			}
			held := trusted[fingerprint(c.Subject.Key)]
			inner := c.Clause
			if held == nil || inner.Shape() != vse.ShapeUnary || !inner.Subject.IsKey() {
				continue
			}
			if trusted[fingerprint(inner.Subject.Key)] != nil || !idx.Dominates(held.Verb, inner.Verb) {
				continue
			}
			if !idx.Dominates(vse.VerbIsTrusted, held.Verb) {
				continue
			}
			p.Add(RuleDelegatedTrust, held, c, inner)
			trusted[fingerprint(inner.Subject.Key)] = inner
			progressed = true
		}
		if !progressed {
			return nil, nil, errors.NewAttestationf("no delegation chain from the policy key reaches attester %s", attester)
		}
	}
	p.Add(RuleDelegatedSpeaksFor, trusted[fingerprint(attester.Key)], attesterSays, speaksFor)

	conclusion, _ := vse.NewUnaryClause(enclaveEnt, verb)
	rule := RuleMeasurementForAuthentication
	if verb == vse.VerbIsTrustedForAttestation {
		rule = RuleMeasurementForAttestation
	}
	p.Add(rule, measurementTrusted, speaksFor, conclusion)

	return conclusion, p, nil
}

// fingerprint returns a map key identifying k by its public half.
func fingerprint(k *vse.Key) string {
	return k.Fingerprint()
}
