// Package proof implements the certifier rules and checks proofs built from
// them.
//
// A proof is a list of steps. Each step names a rule, two premises and a
// conclusion; a step contributes its conclusion once both premises are
// already proved and the rule admits the conclusion.
package proof

import (
	"fmt"

	"github.com/teranos/certifier/dominance"
	"github.com/teranos/certifier/vse"
)

// Rule numbers the certifier inference rules.
type Rule int

const (
	// RuleMeasurementForAuthentication: "M is-trusted" and "K speaks-for M"
	// give "K is-trusted-for-authentication".
	RuleMeasurementForAuthentication Rule = 1
	// RuleReserved2 is not used and never admits a conclusion.
	RuleReserved2 Rule = 2
	// RuleTrustedSpeaker: "K is-trusted" and "K says X" give X.
	RuleTrustedSpeaker Rule = 3
	// RuleReserved4 is not used and never admits a conclusion.
	RuleReserved4 Rule = 4
	// RuleDelegatedTrust: "K1 is-trustedXXX" and "K1 says K2 is-trustedYYY"
	// give "K2 is-trustedYYY" when XXX dominates YYY.
	RuleDelegatedTrust Rule = 5
	// RuleDelegatedSpeaksFor: "K1 is-trustedXXX" and "K1 says K2 speaks-for M"
	// give "K2 speaks-for M" when XXX dominates is-trusted-for-attestation.
	RuleDelegatedSpeaksFor Rule = 6
	// RuleMeasurementForAttestation: "M is-trusted" and "K speaks-for M"
	// give "K is-trusted-for-attestation".
	RuleMeasurementForAttestation Rule = 7
)

func (r Rule) String() string {
	return fmt.Sprintf("R%d", int(r))
}

// VerifyRule reports whether rule admits conclusion from s1 and s2.
func VerifyRule(idx *dominance.Index, rule Rule, s1, s2, conclusion *vse.Clause) bool {
	if s1 == nil || s2 == nil || conclusion == nil || s1.Subject == nil || s2.Subject == nil {
		return false
	}

	switch rule {
	case RuleMeasurementForAuthentication:
		return measurementRule(s1, s2, conclusion, vse.VerbIsTrustedForAuthentication)
	case RuleMeasurementForAttestation:
		return measurementRule(s1, s2, conclusion, vse.VerbIsTrustedForAttestation)

	case RuleTrustedSpeaker:
		if s1.Shape() != vse.ShapeUnary || !s1.Subject.IsKey() || s1.Verb != vse.VerbIsTrusted {
			return false
		}
		if !isSaysBy(s2, s1.Subject) {
			return false
		}
		return s2.Clause.Equal(conclusion)

	case RuleDelegatedTrust:
		if !isDelegatedTrustPremise(idx, s1) || !isSaysBy(s2, s1.Subject) {
			return false
		}
		inner := s2.Clause
		if inner.Shape() != vse.ShapeUnary || !inner.Subject.IsKey() {
			return false
		}
		if !idx.Dominates(s1.Verb, inner.Verb) {
			return false
		}
		return inner.Equal(conclusion)

	case RuleDelegatedSpeaksFor:
		if !isDelegatedTrustPremise(idx, s1) || !isSaysBy(s2, s1.Subject) {
			return false
		}
		inner := s2.Clause
		if inner.Shape() != vse.ShapeSimple || inner.Verb != vse.VerbSpeaksFor {
			return false
		}
		if !inner.Subject.IsKey() || !inner.Object.IsMeasurement() {
			return false
		}
		if !idx.Dominates(s1.Verb, vse.VerbIsTrustedForAttestation) {
			return false
		}
		return inner.Equal(conclusion)
	}

	return false
}

// measurementRule checks "M is-trusted", "K speaks-for M" => "K verb".
func measurementRule(s1, s2, conclusion *vse.Clause, verb string) bool {
	if s1.Shape() != vse.ShapeUnary || !s1.Subject.IsMeasurement() || s1.Verb != vse.VerbIsTrusted {
		return false
	}
	if s2.Shape() != vse.ShapeSimple || !s2.Subject.IsKey() || s2.Verb != vse.VerbSpeaksFor {
		return false
	}
	if !s2.Object.Equal(s1.Subject) {
		return false
	}
	return conclusion.Shape() == vse.ShapeUnary &&
		conclusion.Verb == verb &&
		conclusion.Subject.Equal(s2.Subject)
}

// isDelegatedTrustPremise checks "K1 XXX" with XXX dominated by is-trusted.
func isDelegatedTrustPremise(idx *dominance.Index, s1 *vse.Clause) bool {
	return s1.Shape() == vse.ShapeUnary &&
		s1.Subject.IsKey() &&
		idx.Dominates(vse.VerbIsTrusted, s1.Verb)
}

// isSaysBy checks that c is "speaker says (inner)".
func isSaysBy(c *vse.Clause, speaker *vse.Entity) bool {
	return c.Shape() == vse.ShapeIndirect &&
		c.Verb == vse.VerbSays &&
		c.Subject.Equal(speaker)
}
