package benchmarks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/randalmurphal/authevents/pkg/authevents/event"
	"github.com/randalmurphal/authevents/pkg/authevents/store"
)

func newBus(b *testing.B, handlers int, withStore bool) *event.Bus {
	b.Helper()
	cfg := event.BusConfig{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if withStore {
		cfg.Store = store.NewMemoryStore()
	}
	bus := event.NewBus(cfg)
	for i := range handlers {
		_, err := bus.On("user.*", event.HandlerFunc(func(context.Context, *event.Event) error { return nil }),
			event.WithHandlerName(fmt.Sprintf("h%d", i)))
		if err != nil {
			b.Fatal(err)
		}
	}
	return bus
}

// BenchmarkBus_Emit_1 dispatches to one handler without a store.
func BenchmarkBus_Emit_1(b *testing.B) {
	bus := newBus(b, 1, false)
	ctx := context.Background()
	payload := map[string]any{"user_id": "u1"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = bus.Emit(ctx, "user.login", "password", payload)
	}
}

// BenchmarkBus_Emit_10 dispatches to ten handlers without a store.
func BenchmarkBus_Emit_10(b *testing.B) {
	bus := newBus(b, 10, false)
	ctx := context.Background()
	payload := map[string]any{"user_id": "u1"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = bus.Emit(ctx, "user.login", "password", payload)
	}
}

// BenchmarkBus_Emit_Stored includes the memory append.
func BenchmarkBus_Emit_Stored(b *testing.B) {
	bus := newBus(b, 1, true)
	ctx := context.Background()
	payload := map[string]any{"user_id": "u1"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = bus.Emit(ctx, "user.login", "password", payload, event.WithStream("user-u1"))
	}
}

// BenchmarkBus_Emit_Validated adds schema validation.
func BenchmarkBus_Emit_Validated(b *testing.B) {
	schemas := event.NewSchemaRegistry()
	schemas.MustRegister(&event.Schema{
		Name:    "user.login",
		Version: 1,
		Fields: []event.FieldSpec{
			{Name: "user_id", Type: event.TypeString, Required: true},
			{Name: "email", Type: event.TypeString, Required: true, Rule: "email"},
		},
	})
	bus := event.NewBus(event.BusConfig{
		Schemas: schemas,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx := context.Background()
	payload := map[string]any{"user_id": "u1", "email": "a@example.com"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = bus.Emit(ctx, "user.login", "password", payload)
	}
}

// BenchmarkMatchType measures wildcard pattern matching.
func BenchmarkMatchType(b *testing.B) {
	patterns := []string{"session.*", "mfa.*", "user.*", "*"}
	for i := 0; i < b.N; i++ {
		_ = event.MatchAny(patterns, "user.password_changed")
	}
}
