package event

import (
	"context"
	"fmt"
)

// Transform rewrites events before they are validated and stored.
// fn receives a copy it may modify and return.
func Transform(fn func(ctx context.Context, evt *Event) (*Event, error)) Middleware {
	return func(next EmitFunc) EmitFunc {
		return func(ctx context.Context, evt *Event) (*Receipt, error) {
			out, err := fn(ctx, evt.Clone())
			if err != nil {
				return nil, err
			}
			if out == nil {
				return nil, fmt.Errorf("transform returned no event for %s", evt.Type)
			}
			return next(ctx, out)
		}
	}
}

// Reject refuses events for which fn returns an error.
func Reject(fn func(ctx context.Context, evt *Event) error) Middleware {
	return func(next EmitFunc) EmitFunc {
		return func(ctx context.Context, evt *Event) (*Receipt, error) {
			if err := fn(ctx, evt); err != nil {
				return nil, err
			}
			return next(ctx, evt)
		}
	}
}

// Observe calls fn after the rest of the pipeline, with its outcome.
func Observe(fn func(ctx context.Context, evt *Event, receipt *Receipt, err error)) Middleware {
	return func(next EmitFunc) EmitFunc {
		return func(ctx context.Context, evt *Event) (*Receipt, error) {
			receipt, err := next(ctx, evt)
			fn(ctx, evt, receipt, err)
			return receipt, err
		}
	}
}

// StaticMetadata adds fixed metadata entries without overwriting existing keys.
func StaticMetadata(kv map[string]string) Middleware {
	return Transform(func(_ context.Context, evt *Event) (*Event, error) {
		if evt.Metadata == nil {
			evt.Metadata = make(map[string]string, len(kv))
		}
		for k, v := range kv {
			if _, ok := evt.Metadata[k]; !ok {
				evt.Metadata[k] = v
			}
		}
		return evt, nil
	})
}
