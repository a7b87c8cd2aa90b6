// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates that HTTP metrics are labelled by route pattern, not raw path.
// Scope: Unit Test
// Expected: Two requests to different session ids land in one series.
// Test Case ID: MET-01
func TestInstrument_RoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Instrument)
	r.Delete("/api/v1/auth/sessions/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	series := httpRequestsTotal.WithLabelValues(http.MethodDelete, "/api/v1/auth/sessions/{sessionID}", "404")
	before := testutil.ToFloat64(series)

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/auth/sessions/"+id, nil))
		require.Equal(t, http.StatusNotFound, w.Code)
	}

	assert.Equal(t, before+2, testutil.ToFloat64(series))
	assert.Equal(t, float64(0), testutil.ToFloat64(httpInFlight))
}

// TestPurpose: Validates that auth counters are safe to use disabled or nil.
// Scope: Unit Test
// Expected: No panic from a nil receiver or a no-op meter.
// Test Case ID: MET-02
func TestAuthMetrics_NilAndNoop(t *testing.T) {
	ctx := context.Background()

	var nilMetrics *AuthMetrics
	assert.NotPanics(t, func() {
		nilMetrics.RecordLogin(ctx, "password", "success")
		nilMetrics.RecordRefresh(ctx, "failure")
		nilMetrics.RecordRevoked(ctx, 2, "logout")
		nilMetrics.RecordSwept(ctx, 3, "refresh_token")
		nilMetrics.ObserveLoginDuration(ctx, time.Second)
	})

	m, err := New(ctx, Config{Enabled: false}, "taskhub")
	require.NoError(t, err)
	am, err := NewAuthMetrics(m)
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		am.RecordLogin(ctx, "google", "success")
		am.RecordRevoked(ctx, 0, "supersede")
		am.ObserveLoginDuration(ctx, 10*time.Millisecond)
	})
}
