// Package presence tracks which users are currently online.
//
// Liveness comes only from explicit status events; the tracker never
// infers offline state from silence. Tracker is not goroutine-safe, the
// owner serializes access.
package presence

import "sort"

type Tracker struct {
	online map[string]struct{}
}

func New() *Tracker {
	return &Tracker{online: make(map[string]struct{})}
}

// SetOnline reports whether the call changed anything.
func (t *Tracker) SetOnline(userID string) bool {
	if _, ok := t.online[userID]; ok {
		return false
	}
	t.online[userID] = struct{}{}
	return true
}

// SetOffline reports whether the call changed anything.
func (t *Tracker) SetOffline(userID string) bool {
	if _, ok := t.online[userID]; !ok {
		return false
	}
	delete(t.online, userID)
	return true
}

func (t *Tracker) IsOnline(userID string) bool {
	_, ok := t.online[userID]
	return ok
}

// Online returns the online user ids in sorted order.
func (t *Tracker) Online() []string {
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Tracker) Reset() {
	t.online = make(map[string]struct{})
}
