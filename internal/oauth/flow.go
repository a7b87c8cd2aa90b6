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

package oauth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opentrusty/taskhub/internal/id"
	"github.com/opentrusty/taskhub/internal/identity"
	"github.com/opentrusty/taskhub/internal/token"
	"golang.org/x/oauth2"
)

// DefaultLinkTTL is how long a started authorization may take to complete.
const DefaultLinkTTL = 10 * time.Minute

// Completion is the outcome of a finished authorization.
type Completion struct {
	User         *identity.User
	Provider     string
	RedirectPath string

	// Linked is set when the provider was attached to an already
	// signed-in user rather than used to sign in.
	Linked bool
}

// Flow drives the authorization code flow against registered providers.
type Flow struct {
	providers  map[string]Provider
	links      PendingLinkRepository
	reconciler *Reconciler
	ttl        time.Duration
	now        func() time.Time
}

// NewFlow creates a new flow over the given providers
func NewFlow(links PendingLinkRepository, reconciler *Reconciler, providers ...Provider) *Flow {
	f := &Flow{
		providers:  make(map[string]Provider, len(providers)),
		links:      links,
		reconciler: reconciler,
		ttl:        DefaultLinkTTL,
		now:        time.Now,
	}
	for _, p := range providers {
		f.providers[p.Name()] = p
	}
	return f
}

// WithLinkTTL sets how long a started authorization stays valid.
func (f *Flow) WithLinkTTL(d time.Duration) *Flow {
	if d > 0 {
		f.ttl = d
	}
	return f
}

// Provider returns the registered provider with the given name
func (f *Flow) Provider(name string) (Provider, error) {
	p, ok := f.providers[name]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return p, nil
}

// Begin starts an authorization with provider and returns the URL to send
// the browser to. When userID is set the provider is linked to that user on
// completion instead of signing in.
func (f *Flow) Begin(ctx context.Context, provider, userID, redirectPath string) (string, error) {
	p, err := f.Provider(provider)
	if err != nil {
		return "", err
	}

	state, err := token.GenerateRandomToken(32)
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()

	now := f.now()
	link := &PendingLink{
		ID:           id.NewULID(),
		StateHash:    token.HashToken(state),
		Provider:     provider,
		UserID:       userID,
		RedirectPath: SafeRedirectPath(redirectPath),
		CodeVerifier: verifier,
		ExpiresAt:    now.Add(f.ttl),
		CreatedAt:    now,
	}
	if err := f.links.Create(ctx, link); err != nil {
		return "", fmt.Errorf("failed to store pending link: %w", err)
	}

	return p.AuthCodeURL(state, verifier), nil
}

// Complete finishes an authorization. Each state value can be completed
// once.
func (f *Flow) Complete(ctx context.Context, provider, state, code string) (*Completion, error) {
	p, err := f.Provider(provider)
	if err != nil {
		return nil, err
	}
	if state == "" {
		return nil, ErrStateInvalid
	}

	link, err := f.links.Consume(ctx, token.HashToken(state))
	if err != nil {
		return nil, err
	}
	if link.Provider != provider || !f.now().Before(link.ExpiresAt) {
		return nil, ErrStateInvalid
	}

	profile, err := p.FetchProfile(ctx, code, link.CodeVerifier)
	if err != nil {
		return nil, err
	}

	out := &Completion{Provider: provider, RedirectPath: link.RedirectPath}
	if link.UserID != "" {
		out.User, err = f.reconciler.Link(ctx, link.UserID, provider, *profile)
		out.Linked = true
	} else {
		out.User, err = f.reconciler.Reconcile(ctx, provider, *profile)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SafeRedirectPath keeps only same-site absolute paths.
func SafeRedirectPath(path string) string {
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") || strings.Contains(path, `\`) {
		return "/"
	}
	return path
}
