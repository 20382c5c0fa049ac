package authority

import (
	"io"

	"github.com/teranos/certifier/dominance"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/evidence"
	"github.com/teranos/certifier/internal/wire"
	"github.com/teranos/certifier/version"
)

// ProtocolVersion is the version this build speaks.
const ProtocolVersion = version.Protocol

// Response statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// TrustRequest asks the authority to certify the requesting component.
type TrustRequest struct {
	RequestingEnclaveTag  string
	ProvidingEnclaveTag   string
	SubmittedEvidenceType string
	Purpose               string
	Support               *evidence.Package
	ProtocolVersion       string
}

// TrustResponse carries the artifact on success: a DER admission
// certificate for authentication or a serialized platform rule for
// attestation.
type TrustResponse struct {
	Status               string
	RequestingEnclaveTag string
	ProvidingEnclaveTag  string
	Artifact             []byte
	Facts                []dominance.Edge
	Reason               string
}

// Succeeded reports whether the authority granted the request.
func (r *TrustResponse) Succeeded() bool {
	return r != nil && r.Status == StatusSucceeded
}

const (
	reqFieldRequesting = 1
	reqFieldProviding  = 2
	reqFieldEvidence   = 3
	reqFieldPurpose    = 4
	reqFieldSupport    = 5
	reqFieldVersion    = 6

	respFieldStatus     = 1
	respFieldRequesting = 2
	respFieldProviding  = 3
	respFieldArtifact   = 4
	respFieldFact       = 5
	respFieldReason     = 6

	factFieldRoot  = 1
	factFieldChild = 2
)

// Marshal encodes the request.
func (r *TrustRequest) Marshal() []byte {
	var b []byte
	b = wire.AppendString(b, reqFieldRequesting, r.RequestingEnclaveTag)
	b = wire.AppendString(b, reqFieldProviding, r.ProvidingEnclaveTag)
	b = wire.AppendString(b, reqFieldEvidence, r.SubmittedEvidenceType)
	b = wire.AppendString(b, reqFieldPurpose, r.Purpose)
	if r.Support != nil {
		b = wire.AppendMessage(b, reqFieldSupport, r.Support.Marshal())
	}
	b = wire.AppendString(b, reqFieldVersion, r.ProtocolVersion)
	return b
}

// UnmarshalTrustRequest decodes a request.
func UnmarshalTrustRequest(data []byte) (*TrustRequest, error) {
	r := &TrustRequest{}
	err := wire.Walk(data, func(f wire.Field) error {
		if err := wire.ExpectBytes(f); err != nil {
			return err
		}
		switch f.Num {
		case reqFieldRequesting:
			r.RequestingEnclaveTag = f.String()
		case reqFieldProviding:
			r.ProvidingEnclaveTag = f.String()
		case reqFieldEvidence:
			r.SubmittedEvidenceType = f.String()
		case reqFieldPurpose:
			r.Purpose = f.String()
		case reqFieldSupport:
			p, err := evidence.UnmarshalPackage(f.Bytes)
			if err != nil {
				return err
			}
			r.Support = p
		case reqFieldVersion:
			r.ProtocolVersion = f.String()
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode trust request")
	}
	return r, nil
}

// Marshal encodes the response.
func (r *TrustResponse) Marshal() []byte {
	var b []byte
	b = wire.AppendString(b, respFieldStatus, r.Status)
	b = wire.AppendString(b, respFieldRequesting, r.RequestingEnclaveTag)
	b = wire.AppendString(b, respFieldProviding, r.ProvidingEnclaveTag)
	b = wire.AppendBytes(b, respFieldArtifact, r.Artifact)
	for _, e := range r.Facts {
		var f []byte
		f = wire.AppendString(f, factFieldRoot, e.Root)
		f = wire.AppendString(f, factFieldChild, e.Child)
		b = wire.AppendMessage(b, respFieldFact, f)
	}
	b = wire.AppendString(b, respFieldReason, r.Reason)
	return b
}

// UnmarshalTrustResponse decodes a response.
func UnmarshalTrustResponse(data []byte) (*TrustResponse, error) {
	r := &TrustResponse{}
	err := wire.Walk(data, func(f wire.Field) error {
		if err := wire.ExpectBytes(f); err != nil {
			return err
		}
		switch f.Num {
		case respFieldStatus:
			r.Status = f.String()
		case respFieldRequesting:
			r.RequestingEnclaveTag = f.String()
		case respFieldProviding:
			r.ProvidingEnclaveTag = f.String()
		case respFieldArtifact:
			r.Artifact = f.CopyBytes()
		case respFieldFact:
			var e dominance.Edge
			err := wire.Walk(f.Bytes, func(g wire.Field) error {
				if err := wire.ExpectBytes(g); err != nil {
					return err
				}
				switch g.Num {
				case factFieldRoot:
					e.Root = g.String()
				case factFieldChild:
					e.Child = g.String()
				}
				return nil
			})
			if err != nil {
				return err
			}
			r.Facts = append(r.Facts, e)
		case respFieldReason:
			r.Reason = f.String()
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode trust response")
	}
	return r, nil
}

// WriteRequest writes r as one frame.
func WriteRequest(w io.Writer, r *TrustRequest, maxFrame int) error {
	return wire.WriteFrame(w, r.Marshal(), maxFrame)
}

// ReadRequest reads one request frame.
func ReadRequest(rd io.Reader, maxFrame int) (*TrustRequest, error) {
	data, err := wire.ReadFrame(rd, maxFrame)
	if err != nil {
		return nil, err
	}
	return UnmarshalTrustRequest(data)
}

// WriteResponse writes r as one frame.
func WriteResponse(w io.Writer, r *TrustResponse, maxFrame int) error {
	return wire.WriteFrame(w, r.Marshal(), maxFrame)
}

// ReadResponse reads one response frame.
func ReadResponse(rd io.Reader, maxFrame int) (*TrustResponse, error) {
	data, err := wire.ReadFrame(rd, maxFrame)
	if err != nil {
		return nil, err
	}
	return UnmarshalTrustResponse(data)
}
