package enclave

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"

	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/vse"
)

// SGX quote layout. The 48-byte header is followed by the 384-byte report
// body; a signature section of variable length follows the body.
const (
	quoteHeaderSize  = 48
	reportBodySize   = 384
	QuoteMinSize     = quoteHeaderSize + reportBodySize
	MaxQuoteSize     = 64 << 10
	reportDataSize   = 64
	mrSize           = 32
	offsetMrEnclave  = quoteHeaderSize + 64
	offsetMrSigner   = quoteHeaderSize + 128
	offsetIsvProdID  = quoteHeaderSize + 256
	offsetIsvSvn     = quoteHeaderSize + 258
	offsetReportData = quoteHeaderSize + 320
	QuoteVersionEPID = 2
	QuoteVersionDCAP = 3
)

// Quote is the parsed fixed part of an SGX quote.
type Quote struct {
	Version    uint16
	SignType   uint16
	QeSvn      uint16
	PceSvn     uint16
	MrEnclave  [mrSize]byte
	MrSigner   [mrSize]byte
	IsvProdID  uint16
	IsvSvn     uint16
	ReportData [reportDataSize]byte
	// Raw is the complete quote including the signature section
	Raw []byte
}

// ParseQuote decodes the header and report body of an SGX quote. Only
// version 2 (EPID) and version 3 (DCAP) quotes are accepted.
func ParseQuote(b []byte) (*Quote, error) {
	if len(b) < QuoteMinSize {
		return nil, errors.NewAttestationf("quote of %d bytes is shorter than %d", len(b), QuoteMinSize)
	}
	if len(b) > MaxQuoteSize {
		return nil, errors.NewAttestationf("quote of %d bytes exceeds %d", len(b), MaxQuoteSize)
	}

	q := &Quote{
		Version:  binary.LittleEndian.Uint16(b[0:2]),
		SignType: binary.LittleEndian.Uint16(b[2:4]),
		QeSvn:    binary.LittleEndian.Uint16(b[8:10]),
		PceSvn:   binary.LittleEndian.Uint16(b[10:12]),
	}
	if q.Version != QuoteVersionEPID && q.Version != QuoteVersionDCAP {
		return nil, errors.NewAttestationf("unsupported quote version %d", q.Version)
	}

	copy(q.MrEnclave[:], b[offsetMrEnclave:offsetMrEnclave+mrSize])
	copy(q.MrSigner[:], b[offsetMrSigner:offsetMrSigner+mrSize])
	q.IsvProdID = binary.LittleEndian.Uint16(b[offsetIsvProdID:])
	q.IsvSvn = binary.LittleEndian.Uint16(b[offsetIsvSvn:])
	copy(q.ReportData[:], b[offsetReportData:offsetReportData+reportDataSize])
	q.Raw = append([]byte(nil), b...)
	return q, nil
}

// BuildQuoteBody lays out a quote header and report body. It exists for
// platforms that synthesize quotes in tests and tooling; real quotes come
// from the platform.
func BuildQuoteBody(version uint16, mrEnclave, mrSigner [mrSize]byte, reportData [reportDataSize]byte) []byte {
	b := make([]byte, QuoteMinSize)
	binary.LittleEndian.PutUint16(b[0:2], version)
	copy(b[offsetMrEnclave:], mrEnclave[:])
	copy(b[offsetMrSigner:], mrSigner[:])
	copy(b[offsetReportData:], reportData[:])
	return b
}

// QuoteVerifier checks the signature section of a quote against the
// platform vendor's roots and returns the platform key that signed it.
type QuoteVerifier interface {
	VerifyQuote(q *Quote) (*vse.Key, error)
}

// VerifyQuote parses raw, checks that its report data binds SHA-256(userData)
// and asks v to authenticate it.
func VerifyQuote(raw, userData []byte, v QuoteVerifier) (*vse.Key, *Quote, error) {
	q, err := ParseQuote(raw)
	if err != nil {
		return nil, nil, err
	}
	sum := sha256.Sum256(userData)
	if subtle.ConstantTimeCompare(q.ReportData[:sha256.Size], sum[:]) != 1 {
		return nil, nil, errors.NewAttestationf("quote report data does not bind the submitted user data")
	}
	if v == nil {
		return nil, nil, errors.NewAttestationf("no quote verifier configured")
	}
	platformKey, err := v.VerifyQuote(q)
	if err != nil {
		return nil, nil, errors.MarkAs(err, errors.ErrAttestation, "quote verification failed")
	}
	if platformKey == nil {
		return nil, nil, errors.NewAttestationf("quote verifier returned no platform key")
	}
	return platformKey, q, nil
}
