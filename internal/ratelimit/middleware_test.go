// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package ratelimit

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"remote addr port stripped", "203.0.113.7:54321", "", "", "203.0.113.7"},
		{"ipv6 remote addr", "[2001:db8::1]:443", "", "", "2001:db8::1"},
		{"forwarded chain first hop", "10.0.0.1:1234", "198.51.100.9, 10.0.0.1", "", "198.51.100.9"},
		{"real ip", "10.0.0.1:1234", "", "198.51.100.9", "198.51.100.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/records", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			if got := ClientIP(r); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIPKeyFuncIgnoresSourcePort(t *testing.T) {
	l, _ := testLimiter(nil)
	keyFn := IPKeyFunc(ClassAPI)

	// Every connection from one address shares one counter, so the
	// limit holds no matter how often the ephemeral port changes.
	for i := 0; i < 100; i++ {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/records", nil)
		r.RemoteAddr = fmt.Sprintf("203.0.113.7:%d", 40000+i)
		class, key := keyFn(r)
		if d := l.Check(class, key); !d.Allowed {
			t.Fatalf("request %d denied before the limit", i)
		}
	}

	r := httptest.NewRequest(http.MethodGet, "/api/v1/records", nil)
	r.RemoteAddr = "203.0.113.7:55555"
	class, key := keyFn(r)
	if d := l.Check(class, key); d.Allowed {
		t.Error("over-limit request from a fresh connection allowed")
	}
}

func TestRecordFailureSharesCounterAcrossPorts(t *testing.T) {
	l, _ := testLimiter(nil)

	// Five failed logins from one address exhaust the auth budget even
	// when each arrives on its own connection.
	for i := 0; i < 5; i++ {
		r := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		r.RemoteAddr = fmt.Sprintf("198.51.100.23:%d", 50000+i)
		l.RecordFailure(ClassAuth, ClientIP(r))
	}

	r := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	r.RemoteAddr = "198.51.100.23:59999"
	if d := l.Check(ClassAuth, ClientIP(r)); d.Allowed {
		t.Error("auth check allowed after max failures from the same address")
	}
}
