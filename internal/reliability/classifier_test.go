package reliability

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestClassifyServiceCode(t *testing.T) {
	cases := []struct {
		code int
		want Action
	}{
		{401, ActionReauthenticate},
		{403, ActionReauthenticate},
		{429, ActionReconnect},
		{503, ActionReconnect},
		{400, ActionFail},
		{500, ActionFail},
	}
	for _, tc := range cases {
		if got := ClassifyServiceCode(tc.code); got != tc.want {
			t.Fatalf("ClassifyServiceCode(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestBackoffWithoutJitterDoubles(t *testing.T) {
	b := &Backoff{Base: time.Second, Max: 30 * time.Second}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Fatalf("Next() #%d = %v, want %v", i, got, w*time.Second)
		}
	}
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("Next() after Reset = %v, want 1s", got)
	}
}

func TestBackoffNonDecreasingAndCapped(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		b := &Backoff{
			Base:   time.Second,
			Max:    30 * time.Second,
			Jitter: time.Second,
			Rand: func() float64 {
				return rapid.Float64Range(0, 0.999999).Draw(rt, "jitter")
			},
		}
		var prev time.Duration
		for i := 0; i < 12; i++ {
			d := b.Next()
			if d < prev {
				rt.Fatalf("delay %d = %v decreased from %v", i, d, prev)
			}
			if d > 30*time.Second {
				rt.Fatalf("delay %d = %v exceeds cap", i, d)
			}
			if i == 0 && (d < time.Second || d >= 2*time.Second) {
				rt.Fatalf("first delay = %v, want in [1s, 2s)", d)
			}
			prev = d
		}
	})
}
