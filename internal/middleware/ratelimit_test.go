package middleware

import (
	"net/http"
	"testing"
)

func TestRateLimiterDisabled(t *testing.T) {
	r := authRouter(RateLimiter(0, 0))
	for i := 0; i < 50; i++ {
		if w := probe(r, nil); w.Code != http.StatusOK {
			t.Fatalf("request %d rejected with limiter disabled: %d", i, w.Code)
		}
	}
}

func TestRateLimiterBurstThenReject(t *testing.T) {
	// 1 rps with burst 3: the first three immediate requests pass, the
	// fourth is rejected.
	r := authRouter(RateLimiter(1, 3))
	headers := map[string]string{"Authorization": "Bearer client-a"}
	for i := 0; i < 3; i++ {
		if w := probe(r, headers); w.Code != http.StatusOK {
			t.Fatalf("request %d rejected within burst: %d", i, w.Code)
		}
	}
	if w := probe(r, headers); w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 past burst", w.Code)
	}
}

func TestRateLimiterIsolatesClients(t *testing.T) {
	r := authRouter(RateLimiter(1, 1))
	if w := probe(r, map[string]string{"Authorization": "Bearer client-a"}); w.Code != http.StatusOK {
		t.Fatalf("client-a first request rejected: %d", w.Code)
	}
	if w := probe(r, map[string]string{"Authorization": "Bearer client-a"}); w.Code != http.StatusTooManyRequests {
		t.Fatalf("client-a second request not limited: %d", w.Code)
	}
	// A different key gets its own bucket.
	if w := probe(r, map[string]string{"Authorization": "Bearer client-b"}); w.Code != http.StatusOK {
		t.Fatalf("client-b blocked by client-a's bucket: %d", w.Code)
	}
}
