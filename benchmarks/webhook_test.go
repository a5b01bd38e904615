package benchmarks

import (
	"strconv"
	"testing"
	"time"

	"github.com/randalmurphal/authevents/pkg/authevents/ratelimit"
	"github.com/randalmurphal/authevents/pkg/authevents/webhook"
)

var body = []byte(`{"id":"evt_1","event":"user.login","timestamp":"2026-03-01T12:00:00Z","data":{"user_id":"u1"},"version":"1"}`)

const benchSecret = "whsec_benchmark_secret"

// BenchmarkSign measures HMAC-SHA256 signing of a typical payload.
func BenchmarkSign(b *testing.B) {
	ts := time.Now()
	for i := 0; i < b.N; i++ {
		_ = webhook.Sign(benchSecret, body, ts)
	}
}

// BenchmarkVerifyHeader measures header parsing plus constant-time compare.
func BenchmarkVerifyHeader(b *testing.B) {
	header := webhook.SignatureHeader(benchSecret, body, time.Now())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := webhook.VerifyHeader(header, benchSecret, body, time.Hour); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkLimiter_Allow measures one endpoint's bucket under load.
func BenchmarkLimiter_Allow(b *testing.B) {
	l := ratelimit.NewLimiter(ratelimit.Limit{Rate: 1e9, Burst: 1 << 20})
	for i := 0; i < b.N; i++ {
		_, _ = l.Allow("crm", nil)
	}
}

// BenchmarkLimiter_Allow_Parallel spreads load over 64 endpoints.
func BenchmarkLimiter_Allow_Parallel(b *testing.B) {
	l := ratelimit.NewLimiter(ratelimit.DefaultLimit)
	ids := make([]string, 64)
	for i := range ids {
		ids[i] = "ep-" + strconv.Itoa(i)
	}
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = l.Allow(ids[i%len(ids)], nil)
			i++
		}
	})
}
