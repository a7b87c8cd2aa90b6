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
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// AccessToken is the provider token reduced to the fields the login flow
// reads.
type AccessToken struct {
	AccessToken string
	IDToken     string
	TokenType   string
	Expiry      time.Time
}

// NormalizeAccessToken accepts the token shapes provider SDKs hand back: a
// bare string, an *oauth2.Token or oauth2.Token, or a decoded JSON object
// carrying access_token either at the top level or under "token".
func NormalizeAccessToken(raw any) (AccessToken, error) {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return AccessToken{}, fmt.Errorf("%w: empty string", ErrUnsupportedToken)
		}
		return AccessToken{AccessToken: v}, nil
	case *oauth2.Token:
		if v == nil {
			return AccessToken{}, fmt.Errorf("%w: nil token", ErrUnsupportedToken)
		}
		return fromOAuth2(*v)
	case oauth2.Token:
		return fromOAuth2(v)
	case map[string]any:
		return fromMap(v)
	default:
		return AccessToken{}, fmt.Errorf("%w: %T", ErrUnsupportedToken, raw)
	}
}

func fromOAuth2(t oauth2.Token) (AccessToken, error) {
	if t.AccessToken == "" {
		return AccessToken{}, fmt.Errorf("%w: missing access_token", ErrUnsupportedToken)
	}
	out := AccessToken{
		AccessToken: t.AccessToken,
		TokenType:   t.TokenType,
		Expiry:      t.Expiry,
	}
	if idToken, ok := t.Extra("id_token").(string); ok {
		out.IDToken = idToken
	}
	return out, nil
}

func fromMap(m map[string]any) (AccessToken, error) {
	if access, ok := m["access_token"].(string); ok && access != "" {
		out := AccessToken{AccessToken: access}
		out.IDToken, _ = m["id_token"].(string)
		out.TokenType, _ = m["token_type"].(string)
		return out, nil
	}

	if nested, ok := m["token"].(map[string]any); ok {
		out, err := fromMap(nested)
		if err != nil {
			return AccessToken{}, err
		}
		if out.IDToken == "" {
			out.IDToken, _ = m["id_token"].(string)
		}
		return out, nil
	}

	return AccessToken{}, fmt.Errorf("%w: missing access_token", ErrUnsupportedToken)
}
