package nntp

import (
	"context"
	"errors"
	"io"
	"net/textproto"
	"time"

	"github.com/mfloren/nzbstream/internal/domain"
)

// Conn is one authenticated session to a news server. Methods must not be
// called concurrently; the pool hands out exclusive leases to enforce this.
type Conn interface {
	// Stat checks whether an article exists without fetching its body.
	// Returns nil if it exists, domain.ErrArticleMissing if not.
	Stat(ctx context.Context, messageID string) error

	// Date returns the server's clock. Used as a cheap reachability probe.
	Date(ctx context.Context) (time.Time, error)

	// Head fetches an article's headers.
	Head(ctx context.Context, messageID string) (textproto.MIMEHeader, error)

	// Body streams an article's raw (still yEnc-encoded) body. The caller
	// must Close the reader; Close drains any unread remainder so the
	// session is usable again.
	Body(ctx context.Context, messageID string) (io.ReadCloser, error)

	// WaitUntilReady blocks until no response is in flight, i.e. the
	// session is safe to hand to another caller.
	WaitUntilReady(ctx context.Context) error

	Close() error
}

// DialFunc connects and authenticates a session against one provider.
type DialFunc func(ctx context.Context, p domain.ProviderRecord) (Conn, error)

// mapResponseError translates a textproto response error into one of the
// domain error kinds. Anything non-textproto passes through untouched.
func mapResponseError(err error) error {
	if err == nil {
		return nil
	}

	var te *textproto.Error
	if errors.As(err, &te) {
		switch te.Code {
		case 420, 423, 430:
			return domain.ErrArticleMissing
		case 480, 481, 482, 502:
			return domain.ErrCannotAuthenticate
		default:
			return &ProtocolError{Code: te.Code, Msg: te.Msg}
		}
	}

	return err
}

// ProtocolError is a well-formed but unexpected NNTP response. The pooled
// client treats it as transient: replace the connection, retry once.
type ProtocolError struct {
	Code int
	Msg  string
}

func (e *ProtocolError) Error() string {
	return "nntp protocol error: " + e.Msg
}

func (e *ProtocolError) Is(target error) bool {
	return target == domain.ErrProtocol
}
