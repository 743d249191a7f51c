// Package users holds per-operator state: stored credentials and the
// lesson-URL action preference. State lives in memory only; nothing here is
// ever persisted.
package users

import (
	"errors"
	"fmt"
	"sync"
)

// UrlAction selects what happens when an operator pastes a lesson URL.
type UrlAction int

const (
	// ActionDefault enrolls when credentials are stored, notifies otherwise.
	ActionDefault UrlAction = iota
	ActionNotify
	ActionEnroll
)

func (a UrlAction) String() string {
	switch a {
	case ActionNotify:
		return "Notify"
	case ActionEnroll:
		return "Enroll"
	default:
		return "Default"
	}
}

// ParseUrlAction accepts the numeric wire form: 0, 1, or 2.
func ParseUrlAction(s string) (UrlAction, error) {
	switch s {
	case "0":
		return ActionDefault, nil
	case "1":
		return ActionNotify, nil
	case "2":
		return ActionEnroll, nil
	}
	return 0, errors.New("Use one of following: 0: Default, 1: Notify, 2: Enroll")
}

// Credentials is an operator's login pair. The password is deliberately
// unexported and excluded from all printed forms; use Password() at the
// single point where it is sent to the identity provider.
type Credentials struct {
	Username string
	password string
}

func NewCredentials(username, password string) (Credentials, error) {
	if username == "" {
		return Credentials{}, errors.New("You need to supply a non empty username")
	}
	if password == "" {
		return Credentials{}, errors.New("You need to supply a non-empty password!")
	}
	return Credentials{Username: username, password: password}, nil
}

func (c Credentials) Password() string { return c.password }

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username: %s, Password: ***}", c.Username)
}

// GoString keeps %#v from dumping the unexported password field.
func (c Credentials) GoString() string { return c.String() }

// State is one operator's settings snapshot.
type State struct {
	Credentials *Credentials
	UrlAction   UrlAction
}

// Directory is the in-memory operator registry, keyed by chat user ID.
type Directory struct {
	mu    sync.Mutex
	users map[int64]*State
}

func NewDirectory() *Directory {
	return &Directory{users: make(map[int64]*State)}
}

// Snapshot returns a copy of the operator's state, creating the default
// entry on first contact. Jobs work off snapshots so a later /logout never
// mutates a running job's credentials.
func (d *Directory) Snapshot(id int64) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.ensureLocked(id)
	out := State{UrlAction: st.UrlAction}
	if st.Credentials != nil {
		c := *st.Credentials
		out.Credentials = &c
	}
	return out
}

// SetCredentials stores the pair and reports whether an earlier pair was
// replaced.
func (d *Directory) SetCredentials(id int64, c Credentials) (updated bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.ensureLocked(id)
	updated = st.Credentials != nil
	st.Credentials = &c
	return updated
}

// ClearCredentials removes the stored pair and reports whether one existed.
func (d *Directory) ClearCredentials(id int64) (existed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.ensureLocked(id)
	existed = st.Credentials != nil
	st.Credentials = nil
	return existed
}

func (d *Directory) SetUrlAction(id int64, a UrlAction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureLocked(id).UrlAction = a
}

func (d *Directory) ensureLocked(id int64) *State {
	st := d.users[id]
	if st == nil {
		st = &State{}
		d.users[id] = st
	}
	return st
}
