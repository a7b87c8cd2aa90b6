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
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"
)

// GoogleProviderName is the route and link key of the Google provider.
const GoogleProviderName = "google"

// GoogleConfig holds the OAuth client registration with Google.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// GoogleProvider signs users in with Google. The profile is taken from the
// ID token after validating it against the client ID.
type GoogleProvider struct {
	config   *oauth2.Config
	clientID string
	validate func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)
}

// NewGoogleProvider creates a Google provider
func NewGoogleProvider(cfg GoogleConfig) *GoogleProvider {
	return &GoogleProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"openid", "email", "profile"},
		},
		clientID: cfg.ClientID,
		validate: idtoken.Validate,
	}
}

// Name implements Provider
func (p *GoogleProvider) Name() string {
	return GoogleProviderName
}

// AuthCodeURL implements Provider. The code challenge is derived from
// codeVerifier with S256.
func (p *GoogleProvider) AuthCodeURL(state, codeVerifier string) string {
	return p.config.AuthCodeURL(state,
		oauth2.AccessTypeOnline,
		oauth2.S256ChallengeOption(codeVerifier),
	)
}

// FetchProfile implements Provider
func (p *GoogleProvider) FetchProfile(ctx context.Context, code, codeVerifier string) (*Profile, error) {
	tok, err := p.config.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	normalized, err := NormalizeAccessToken(tok)
	if err != nil {
		return nil, err
	}
	if normalized.IDToken == "" {
		return nil, errors.New("google response has no id_token")
	}

	return p.profileFromIDToken(ctx, normalized.IDToken)
}

func (p *GoogleProvider) profileFromIDToken(ctx context.Context, idToken string) (*Profile, error) {
	payload, err := p.validate(ctx, idToken, p.clientID)
	if err != nil {
		return nil, fmt.Errorf("invalid id token: %w", err)
	}

	email, _ := payload.Claims["email"].(string)
	if email == "" {
		return nil, ErrEmailRequired
	}
	if verified, ok := payload.Claims["email_verified"].(bool); ok && !verified {
		return nil, fmt.Errorf("google email %q is not verified", email)
	}
	name, _ := payload.Claims["name"].(string)

	return &Profile{
		Email:          email,
		Name:           name,
		ProviderUserID: payload.Subject,
	}, nil
}
