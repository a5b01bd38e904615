package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	cebinding "github.com/cloudevents/sdk-go/v2/binding"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"

	aeerrors "github.com/randalmurphal/authevents/pkg/authevents/errors"
)

// DefaultMaxBodyBytes caps request bodies read by a Receiver.
const DefaultMaxBodyBytes = 1 << 20

// ErrBodyTooLarge is returned when a request exceeds MaxBodyBytes.
var ErrBodyTooLarge = errors.New("webhook body too large")

// Receiver verifies and decodes deliveries on the subscriber side.
type Receiver struct {
	Secret string

	// Tolerance is the accepted timestamp skew. Default: DefaultTolerance
	Tolerance time.Duration

	// MaxBodyBytes caps the body. Default: DefaultMaxBodyBytes
	MaxBodyBytes int64

	Logger *slog.Logger
}

// NewReceiver creates a receiver for secret with default limits.
func NewReceiver(secret string) *Receiver {
	return &Receiver{Secret: secret}
}

// VerifyRequest reads and authenticates the body. The request body is
// replaced so later readers see the same bytes.
func (rc *Receiver) VerifyRequest(r *http.Request) ([]byte, error) {
	limit := rc.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read webhook body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if err := VerifyHeader(r.Header.Get(HeaderSignature), rc.Secret, body, rc.Tolerance); err != nil {
		return nil, err
	}
	return body, nil
}

// Decode verifies r and parses the payload in either delivery format.
func (rc *Receiver) Decode(r *http.Request) (Payload, error) {
	body, err := rc.VerifyRequest(r)
	if err != nil {
		return Payload{}, err
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == ContentTypeCloudEvents {
		r.Body = io.NopCloser(bytes.NewReader(body))
		ce, err := cebinding.ToEvent(r.Context(), cehttp.NewMessageFromHttpRequest(r))
		if err != nil {
			return Payload{}, fmt.Errorf("decode cloudevent: %w", err)
		}
		return FromCloudEvent(ce)
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("decode webhook payload: %w", err)
	}
	return p, nil
}

type payloadKey struct{}

// PayloadFromContext returns the payload stored by Receiver.Middleware.
func PayloadFromContext(ctx context.Context) (Payload, bool) {
	p, ok := ctx.Value(payloadKey{}).(Payload)
	return p, ok
}

// Middleware rejects unsigned or stale requests and exposes the decoded
// payload to next through PayloadFromContext.
func (rc *Receiver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := rc.Decode(r)
		if err != nil {
			status := http.StatusBadRequest
			switch {
			case errors.Is(err, aeerrors.ErrInvalidSignature):
				status = http.StatusUnauthorized
			case errors.Is(err, ErrBodyTooLarge):
				status = http.StatusRequestEntityTooLarge
			}
			if rc.Logger != nil {
				rc.Logger.Warn("webhook rejected",
					slog.String("remote_addr", r.RemoteAddr),
					slog.Int("status", status),
					slog.String("error", err.Error()),
				)
			}
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), payloadKey{}, p)))
	})
}

// HandlerFunc adapts fn into a verified webhook endpoint. fn errors become 500s
// so the sender retries.
func (rc *Receiver) HandlerFunc(fn func(ctx context.Context, p Payload) error) http.Handler {
	return rc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := PayloadFromContext(r.Context())
		if err := fn(r.Context(), p); err != nil {
			if rc.Logger != nil {
				rc.Logger.Error("webhook handler failed",
					slog.String("event_id", p.ID),
					slog.String("error", err.Error()),
				)
			}
			http.Error(w, "handler error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
}
