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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AuthMetrics counts authentication outcomes. A nil *AuthMetrics records
// nothing.
type AuthMetrics struct {
	logins      metric.Int64Counter
	refreshes   metric.Int64Counter
	revocations metric.Int64Counter
	swept       metric.Int64Counter
	loginTime   metric.Float64Histogram
}

// NewAuthMetrics creates the auth counters on m
func NewAuthMetrics(m *Meter) (*AuthMetrics, error) {
	logins, err := m.CreateCounter("taskhub.auth.logins", "Login attempts by method and result")
	if err != nil {
		return nil, err
	}
	refreshes, err := m.CreateCounter("taskhub.auth.refreshes", "Refresh token rotations by result")
	if err != nil {
		return nil, err
	}
	revocations, err := m.CreateCounter("taskhub.auth.revocations", "Refresh tokens revoked by reason")
	if err != nil {
		return nil, err
	}
	swept, err := m.CreateCounter("taskhub.auth.swept", "Expired or revoked records removed by cleanup")
	if err != nil {
		return nil, err
	}
	loginTime, err := m.CreateHistogram("taskhub.auth.login.duration", "Password login latency including hashing", "s")
	if err != nil {
		return nil, err
	}

	return &AuthMetrics{
		logins:      logins,
		refreshes:   refreshes,
		revocations: revocations,
		swept:       swept,
		loginTime:   loginTime,
	}, nil
}

// RecordLogin counts a login attempt. method is "password" or a provider
// name.
func (a *AuthMetrics) RecordLogin(ctx context.Context, method, result string) {
	if a == nil {
		return
	}
	a.logins.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("result", result),
	))
}

// RecordRefresh counts a rotation attempt
func (a *AuthMetrics) RecordRefresh(ctx context.Context, result string) {
	if a == nil {
		return
	}
	a.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRevoked counts revoked refresh tokens
func (a *AuthMetrics) RecordRevoked(ctx context.Context, n int64, reason string) {
	if a == nil || n <= 0 {
		return
	}
	a.revocations.Add(ctx, n, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSwept counts records removed by a cleanup run
func (a *AuthMetrics) RecordSwept(ctx context.Context, n int64, kind string) {
	if a == nil || n <= 0 {
		return
	}
	a.swept.Add(ctx, n, metric.WithAttributes(attribute.String("kind", kind)))
}

// ObserveLoginDuration records how long a password login took
func (a *AuthMetrics) ObserveLoginDuration(ctx context.Context, d time.Duration) {
	if a == nil {
		return
	}
	a.loginTime.Record(ctx, d.Seconds())
}
