package retry

import (
	"testing"
	"time"
)

// BenchmarkPolicy_Fixed measures the per-reconnect cost of the
// default policy.
func BenchmarkPolicy_Fixed(b *testing.B) {
	p := Fixed(5 * time.Second)
	for i := 0; i < b.N; i++ {
		_ = p.Delay(i + 1)
	}
}

// BenchmarkPolicy_JitteredExponential measures the worst-case path.
func BenchmarkPolicy_JitteredExponential(b *testing.B) {
	p := &Policy{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, Jitter: true}
	for i := 0; i < b.N; i++ {
		_ = p.Delay(i%20 + 1)
	}
}
