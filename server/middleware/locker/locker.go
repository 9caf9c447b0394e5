// Package locker provides a non-blocking on/off gate used two ways in this
// repository: as an HTTP middleware that returns 423 (Locked) while engaged,
// and — the same type, no adapter needed — as the encoder/timer shutdown
// flag described in spec.md §5 ("a single shutdown flag gates timer
// rearm"). Both uses only need Lock/Unlock/Locked with no blocking, which
// is exactly what this type already did for gating HTTP access to a device
// under exclusive use.
package locker

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Locker behaves like a sync.Mutex without the blocking: callers poll
// Locked() instead of waiting on it.
type Locker struct {
	isLocked bool

	// DoNotProtect lists URL path substrings the HTTP Check middleware
	// exempts from the lock (always includes "lock" itself).
	DoNotProtect []string
}

// New returns a Locker with DoNotProtect prepopulated with "lock".
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock"}}
}

// Lock engages the gate. For the shutdown-flag use, this is the "set the
// shutdown flag" step of the unbind order in spec.md §4.7.
func (l *Locker) Lock() {
	l.isLocked = true
}

// Unlock disengages the gate.
func (l *Locker) Unlock() {
	l.isLocked = false
}

// Locked reports whether the gate is currently engaged.
func (l *Locker) Locked() bool {
	return l.isLocked
}

// Check is an HTTP middleware that returns 423 Locked while Locked() is
// true, except for paths matching DoNotProtect.
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() {
			protected := true
			url := r.URL.Path
			for _, str := range l.DoNotProtect {
				if strings.Contains(url, str) {
					protected = false
				}
			}
			if protected {
				w.WriteHeader(http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// boolT mirrors generichttp.BoolT without importing it, so this package
// imports only the standard library.
type boolT struct {
	Bool bool `json:"bool"`
}

// HTTPSet calls Lock or Unlock based on a JSON {"bool": ...} request body.
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	var b boolT
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet writes Locked() as JSON {"bool": ...}.
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(boolT{Bool: l.Locked()})
}
