package enclave

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/internal/httpclient"
	"github.com/teranos/certifier/vse"
)

// maxVerifierResponse bounds the body read from a quote verification service.
const maxVerifierResponse = 64 << 10

// RemoteQuoteVerifier authenticates quotes with an HTTP quote verification
// service. The service receives
//
//	POST <url>  {"quote": "<base64 quote>"}
//
// and answers 200 with {"platform_key": "<base64 serialized key>"} for an
// authentic quote, or a non-200 status with {"reason": "..."}.
type RemoteQuoteVerifier struct {
	url    string
	client *httpclient.Client
}

var _ QuoteVerifier = (*RemoteQuoteVerifier)(nil)

// NewRemoteQuoteVerifier returns a verifier for the service at rawURL.
// allowPrivate permits a service on loopback or a private network.
func NewRemoteQuoteVerifier(rawURL string, timeout time.Duration, allowPrivate bool) (*RemoteQuoteVerifier, error) {
	client := httpclient.New(timeout, httpclient.Options{AllowPrivate: allowPrivate})
	if _, err := client.ParseURL(rawURL); err != nil {
		return nil, errors.Wrap(err, "quote verifier URL")
	}
	return &RemoteQuoteVerifier{url: rawURL, client: client}, nil
}

type quoteVerifyRequest struct {
	Quote string `json:"quote"`
}

type quoteVerifyResponse struct {
	PlatformKey string `json:"platform_key"`
	Reason      string `json:"reason"`
}

// VerifyQuote sends q.Raw to the service and returns the platform key it
// vouches for.
func (r *RemoteQuoteVerifier) VerifyQuote(q *Quote) (*vse.Key, error) {
	body, err := json.Marshal(quoteVerifyRequest{Quote: base64.StdEncoding.EncodeToString(q.Raw)})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode quote")
	}
	req, err := http.NewRequest(http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build verification request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.MarkIO(err, "quote verification service unreachable")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxVerifierResponse))
	if err != nil {
		return nil, errors.MarkIO(err, "failed to read verification response")
	}
	var out quoteVerifyResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.NewAttestationf("malformed verification response (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.WithDetail(
			errors.NewAttestationf("quote rejected by verification service (status %d)", resp.StatusCode), out.Reason)
	}

	raw, err := base64.StdEncoding.DecodeString(out.PlatformKey)
	if err != nil || len(raw) == 0 {
		return nil, errors.NewAttestationf("verification response carries no platform key")
	}
	key, err := vse.UnmarshalKey(raw)
	if err != nil {
		return nil, errors.MarkAs(err, errors.ErrAttestation, "platform key from verification service")
	}
	return key.Public(), nil
}
