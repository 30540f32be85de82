package chatsync

import (
	"encoding/json"
	"strings"
)

// IdentityResolver exposes the signed-in user's id. ok is false while
// unauthenticated.
type IdentityResolver interface {
	CurrentUserID() (id string, ok bool)
}

// IdentityFunc adapts a plain function to IdentityResolver.
type IdentityFunc func() (string, bool)

func (f IdentityFunc) CurrentUserID() (string, bool) { return f() }

// StaticIdentity always resolves to the same id. The empty string means
// unauthenticated.
type StaticIdentity string

func (s StaticIdentity) CurrentUserID() (string, bool) {
	id := strings.TrimSpace(string(s))
	return id, id != ""
}

// StoredIdentity decodes the persisted user_info blob on every call, so a
// login or logout performed elsewhere is picked up without rewiring.
type StoredIdentity struct {
	Load func() string
}

func (s StoredIdentity) CurrentUserID() (string, bool) {
	if s.Load == nil {
		return "", false
	}
	raw := strings.TrimSpace(s.Load())
	if raw == "" {
		return "", false
	}
	var info struct {
		ID FlexID `json:"id"`
	}
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return "", false
	}
	if info.ID == "" {
		return "", false
	}
	return string(info.ID), true
}
