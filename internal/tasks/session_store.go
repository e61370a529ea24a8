package tasks

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

type sessionKey struct {
	workerID string
	cwd      string
}

// sessionStore retains the most recent session id per (workerId, cwd),
// bounded by an LRU so a long-running Coordinator process does not
// accumulate session records without limit (§3 Session continuation
// record; resolved Open Question, capacity chosen to exceed any
// plausible live task backlog).
type sessionStore struct {
	cache *lru.Cache[sessionKey, string]
}

func newSessionStore(capacity int) *sessionStore {
	c, err := lru.New[sessionKey, string](capacity)
	if err != nil {
		// Only non-nil for a non-positive capacity, which is a
		// programmer error at call sites in this package.
		panic(err)
	}
	return &sessionStore{cache: c}
}

func (s *sessionStore) put(workerID, cwd, sessionID string) {
	if sessionID == "" {
		return
	}
	s.cache.Add(sessionKey{workerID, cwd}, sessionID)
}

func (s *sessionStore) get(workerID, cwd string) (string, bool) {
	return s.cache.Get(sessionKey{workerID, cwd})
}
