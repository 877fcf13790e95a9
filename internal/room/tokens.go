package room

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/igorpdm/Manoel-Filmes/internal/domain"
)

const tokenBytes = 32

func mintToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateUserToken returns the room token for externalID, minting a fresh
// one on first call. Idempotent per externalID: a rejoining user gets the
// same token back.
func (r *Room) GenerateUserToken(externalID, displayName string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for token, m := range r.tokens {
		if m.ExternalID == externalID {
			if displayName != "" {
				m.DisplayName = displayName
			}
			return token, nil
		}
	}

	if r.maxClients > 0 && len(r.tokens) >= r.maxClients {
		return "", ErrRoomFull
	}

	token, err := mintToken()
	if err != nil {
		return "", err
	}
	r.tokens[token] = &domain.Member{
		ExternalID:  externalID,
		DisplayName: displayName,
		IsHost:      len(r.tokens) == 0,
	}
	return token, nil
}

// grantHostToken mints the initial host-bound token at room creation.
func (r *Room) grantHostToken(externalID, displayName string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, err := mintToken()
	if err != nil {
		return "", err
	}
	r.tokens[token] = &domain.Member{
		ExternalID:  externalID,
		DisplayName: displayName,
		IsHost:      true,
	}
	return token, nil
}

// ValidateToken resolves a token to a member snapshot.
func (r *Room) ValidateToken(token string) (domain.Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.tokens[token]
	if !ok {
		return domain.Member{}, false
	}
	return *m, true
}

// IsHostToken reports whether the token belongs to the current host.
func (r *Room) IsHostToken(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.tokens[token]
	return ok && m.IsHost
}

// MarkConnected flags the token's member as attached to a live socket.
// The first attach stamps ConnectedAt, which drives host-transfer ordering.
func (r *Room) MarkConnected(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.tokens[token]
	if !ok {
		return
	}
	m.Connected = true
	if m.ConnectedAt == 0 {
		m.ConnectedAt = r.nowMs()
	}
}

// MarkDisconnected clears the connected flag. The member stays in the map
// so the same token can rejoin.
func (r *Room) MarkDisconnected(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.tokens[token]; ok {
		m.Connected = false
	}
}

// SetMemberPing records the latest reported round-trip latency.
func (r *Room) SetMemberPing(token string, pingMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.tokens[token]; ok {
		m.LastPingMs = pingMs
	}
}

// Members returns snapshots of all minted members.
func (r *Room) Members() []domain.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Member, 0, len(r.tokens))
	for _, m := range r.tokens {
		out = append(out, *m)
	}
	return out
}

// ConnectedMembers returns snapshots of members attached to live sockets.
func (r *Room) ConnectedMembers() []domain.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Member, 0, len(r.tokens))
	for _, m := range r.tokens {
		if m.Connected {
			out = append(out, *m)
		}
	}
	return out
}

// MemberCount returns the number of minted tokens.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
