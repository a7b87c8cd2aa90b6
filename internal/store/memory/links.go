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

package memory

import (
	"context"
	"time"

	"github.com/opentrusty/taskhub/internal/oauth"
)

// PendingLinkRepository implements oauth.PendingLinkRepository
type PendingLinkRepository struct{ s *Store }

// Create stores a pending OAuth link keyed by its state hash
func (r *PendingLinkRepository) Create(ctx context.Context, link *oauth.PendingLink) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.links[link.StateHash]; ok {
		return oauth.ErrStateInvalid
	}
	c := *link
	r.s.links[link.StateHash] = &c
	return nil
}

// Consume removes and returns the link for stateHash
func (r *PendingLinkRepository) Consume(ctx context.Context, stateHash string) (*oauth.PendingLink, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	link, ok := r.s.links[stateHash]
	if !ok {
		return nil, oauth.ErrStateInvalid
	}
	delete(r.s.links, stateHash)
	return link, nil
}

// DeleteExpired removes links that expired before the given time
func (r *PendingLinkRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for k, link := range r.s.links {
		if link.ExpiresAt.Before(before) {
			delete(r.s.links, k)
			n++
		}
	}
	return n, nil
}
