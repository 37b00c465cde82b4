package server

import (
	"sort"
	"strings"
	"time"
)

// Registry owns every Session of one server instance. It keeps sessions in
// connection order and indexes authorized sessions by exact name. Like the
// sessions themselves it is confined to the event loop and has no locking.
type Registry struct {
	order  []*Session
	byID   map[uint64]*Session
	byName map[string]*Session
	nextID uint64
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uint64]*Session),
		byName: make(map[string]*Session),
		nextID: 1,
	}
}

// Add registers a new unauthorized session for conn
func (r *Registry) Add(conn *SafeConn, transport string, maxLine int, now time.Time) *Session {
	sess := newSession(r.nextID, conn, transport, maxLine, now)
	r.nextID++
	r.order = append(r.order, sess)
	r.byID[sess.ID] = sess
	return sess
}

// Remove drops sess from the registry. It reports false if the session was
// not present.
func (r *Registry) Remove(sess *Session) bool {
	if _, ok := r.byID[sess.ID]; !ok {
		return false
	}
	delete(r.byID, sess.ID)
	if sess.Authorized && r.byName[sess.Name] == sess {
		delete(r.byName, sess.Name)
	}
	for i, s := range r.order {
		if s == sess {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Authorize logs sess in under name and indexes it. The caller is
// responsible for evicting any previous holder of the name first.
func (r *Registry) Authorize(sess *Session, name string, now time.Time) {
	sess.authorize(name, now)
	r.byName[name] = sess
}

// Get returns the session with the given ID
func (r *Registry) Get(id uint64) (*Session, bool) {
	sess, ok := r.byID[id]
	return sess, ok
}

// Len counts every registered session, authorized or not
func (r *Registry) Len() int {
	return len(r.order)
}

// CountAuthorized counts logged-in sessions
func (r *Registry) CountAuthorized() int {
	return len(r.byName)
}

// ByName returns the authorized session holding exactly name
func (r *Registry) ByName(name string) *Session {
	return r.byName[name]
}

// Lookup resolves a TELL/BCI target case-insensitively. An exact-case match
// wins; otherwise the earliest connected session whose name folds to target
// is returned.
func (r *Registry) Lookup(target string) *Session {
	if sess := r.byName[target]; sess != nil {
		return sess
	}
	for _, sess := range r.order {
		if sess.Authorized && strings.EqualFold(sess.Name, target) {
			return sess
		}
	}
	return nil
}

// All returns a snapshot of every session in connection order
func (r *Registry) All() []*Session {
	out := make([]*Session, len(r.order))
	copy(out, r.order)
	return out
}

// Authorized returns a snapshot of the logged-in sessions in connection
// order. Callers may disconnect sessions while iterating it.
func (r *Registry) Authorized() []*Session {
	out := make([]*Session, 0, len(r.byName))
	for _, sess := range r.order {
		if sess.Authorized {
			out = append(out, sess)
		}
	}
	return out
}

// Roster returns the sorted names of all logged-in sessions
func (r *Registry) Roster() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
