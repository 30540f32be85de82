package chatsync

import (
	"sort"
	"strconv"
	"sync"
)

// TypingTracker holds "is typing" flags per conversation and user. Flags never
// expire; only an explicit stop clears them.
type TypingTracker struct {
	mu    sync.RWMutex
	state map[string]map[string]bool
}

// NewTypingTracker creates an empty tracker.
func NewTypingTracker() *TypingTracker {
	return &TypingTracker{state: make(map[string]map[string]bool)}
}

// SetTyping overwrites the flag for userID in conversationID.
func (t *TypingTracker) SetTyping(conversationID, userID string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.state[conversationID]
	if !ok {
		users = make(map[string]bool)
		t.state[conversationID] = users
	}
	users[userID] = isTyping
}

func (t *TypingTracker) IsTyping(conversationID, userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state[conversationID][userID]
}

// TypingUsers returns the sorted ids currently flagged as typing.
func (t *TypingTracker) TypingUsers(conversationID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	users := make([]string, 0, len(t.state[conversationID]))
	for id, typing := range t.state[conversationID] {
		if typing {
			users = append(users, id)
		}
	}
	sort.Strings(users)
	return users
}

// Snapshot returns a deep copy of the whole map.
func (t *TypingTracker) Snapshot() map[string]map[string]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]map[string]bool, len(t.state))
	for conv, users := range t.state {
		cp := make(map[string]bool, len(users))
		for id, v := range users {
			cp[id] = v
		}
		out[conv] = cp
	}
	return out
}

func (t *TypingTracker) Reset() {
	t.mu.Lock()
	t.state = make(map[string]map[string]bool)
	t.mu.Unlock()
}

// PairKey builds the symmetric key for two user ids: numeric min/max when
// both are integers, lexical otherwise, joined by "_".
func PairKey(a, b string) string {
	lo, hi := a, b
	ai, errA := strconv.ParseInt(a, 10, 64)
	bi, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		if ai > bi {
			lo, hi = b, a
		}
	} else if a > b {
		lo, hi = b, a
	}
	return lo + "_" + hi
}

// ConversationKey is the id given to REST-origin records, which carry the two
// participants and the listing but no conversation id.
func ConversationKey(userA, userB, itemID string) string {
	key := PairKey(userA, userB)
	if itemID == "" {
		return key
	}
	return key + "_" + itemID
}
