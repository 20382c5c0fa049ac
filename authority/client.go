package authority

import (
	"context"
	"net"
	"time"

	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/internal/wire"
)

// Certify sends req to the authority at addr and returns its response. The
// exchange is bounded by ctx; an expired deadline is reported as a timeout.
func Certify(ctx context.Context, addr string, req *TrustRequest, maxFrame int) (*TrustResponse, error) {
	if maxFrame <= 0 {
		maxFrame = wire.DefaultMaxFrameSize
	}
	if req.ProtocolVersion == "" {
		req.ProtocolVersion = ProtocolVersion
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, timeoutOr(ctx, err, "failed to reach policy authority at "+addr)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, errors.Wrap(err, "failed to set deadline")
		}
	}
	// Unblock reads if ctx is cancelled without a deadline
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := WriteRequest(conn, req, maxFrame); err != nil {
		return nil, timeoutOr(ctx, err, "failed to send trust request")
	}
	resp, err := ReadResponse(conn, maxFrame)
	if err != nil {
		return nil, timeoutOr(ctx, err, "failed to read trust response")
	}
	return resp, nil
}

func timeoutOr(ctx context.Context, err error, msg string) error {
	var ne net.Error
	if ctx.Err() != nil || (errors.As(err, &ne) && ne.Timeout()) {
		return errors.MarkAs(err, errors.ErrTimeout, msg)
	}
	return errors.Wrap(err, msg)
}
