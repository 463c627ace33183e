// Package subscription tracks which apps are subscribed to which driver
// groups (spec §4.8 "Send-subscribe"/"Unsubscribe"), independent of any
// single driver or app adapter so the manager can answer "who subscribes
// to driver X" and "what did app Y subscribe to" without asking the nodes
// themselves.
package subscription

import (
	"sync"

	"github.com/neurogate/gateway/internal/gatewayerr"
)

// Sub is one active app/driver/group subscription.
type Sub struct {
	Driver  string
	App     string
	Group   string
	Params  string
	AppAddr string // bus address the driver notifies on fan-out/NODE_DELETED
}

func key(driver, app, group string) string {
	return driver + "\x00" + app + "\x00" + group
}

// Table is the manager's live subscription set, keyed by (driver, app,
// group).
type Table struct {
	mu   sync.Mutex
	subs map[string]Sub
}

// New builds an empty Table.
func New() *Table {
	return &Table{subs: make(map[string]Sub)}
}

// Sub records driver/app/group as subscribed, after calling exists to
// re-check the group is still live (the manager's own preflight happens
// before the dual SUBSCRIBE_GROUP round trip; exists guards against the
// group having been deleted out from under that round trip).
func (t *Table) Sub(driver, app, group, params, appAddr string, exists func(driver, group string) bool) error {
	if !exists(driver, group) {
		return gatewayerr.New(gatewayerr.GroupNotExist)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[key(driver, app, group)] = Sub{Driver: driver, App: app, Group: group, Params: params, AppAddr: appAddr}
	return nil
}

// Unsub removes one subscription; a no-op if it doesn't exist.
func (t *Table) Unsub(driver, app, group string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, key(driver, app, group))
}

// SubsForDriver returns every subscription currently held against driver.
func (t *Table) SubsForDriver(driver string) []Sub {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Sub
	for _, s := range t.subs {
		if s.Driver == driver {
			out = append(out, s)
		}
	}
	return out
}

// UnsubAll removes and returns every subscription app currently holds,
// for the app-deletion cascade (spec §4.8).
func (t *Table) UnsubAll(app string) []Sub {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Sub
	for k, s := range t.subs {
		if s.App == app {
			out = append(out, s)
			delete(t.subs, k)
		}
	}
	return out
}

// UpdateDriverName rewrites every subscription's Driver field after a
// rename, preserving the app/group pairing under the driver's new key.
func (t *Table) UpdateDriverName(oldName, newName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, s := range t.subs {
		if s.Driver != oldName {
			continue
		}
		delete(t.subs, k)
		s.Driver = newName
		t.subs[key(s.Driver, s.App, s.Group)] = s
	}
}

// UpdateAppName rewrites every subscription's App and AppAddr fields
// after a rename (Base.Rebind makes the app's bus address track its new
// name, so AppAddr must move with it).
func (t *Table) UpdateAppName(oldName, newName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, s := range t.subs {
		if s.App != oldName {
			continue
		}
		delete(t.subs, k)
		s.App = newName
		s.AppAddr = newName
		t.subs[key(s.Driver, s.App, s.Group)] = s
	}
}
