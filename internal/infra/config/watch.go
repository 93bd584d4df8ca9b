package config

import (
	"reflect"

	"github.com/fsnotify/fsnotify"

	"github.com/mfloren/nzbstream/internal/domain"
)

// Change is one configuration change notification: the set of keys that
// differ plus the full new provider snapshot.
type Change struct {
	Keys      map[string]struct{}
	Providers []domain.ProviderRecord
}

// AnyKey reports whether any of the given keys is in the change set.
func (c Change) AnyKey(keys ...string) bool {
	for _, k := range keys {
		if _, ok := c.Keys[k]; ok {
			return true
		}
	}
	return false
}

// Subscribe returns a channel of change notifications. Slow subscribers
// miss intermediate changes but always get the latest eventually.
func (m *Manager) Subscribe() <-chan Change {
	ch := make(chan Change, 4)

	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	return ch
}

// WatchFile starts re-reading the config file on write and publishing the
// diff to subscribers. viper handles the fsnotify plumbing.
func (m *Manager) WatchFile() {
	m.v.OnConfigChange(func(fsnotify.Event) {
		var next Config
		if err := m.v.Unmarshal(&next); err != nil {
			return
		}
		if err := next.validate(); err != nil {
			return
		}

		m.mu.Lock()
		prev := m.current
		m.current = next
		m.mu.Unlock()

		keys := diffUsenetKeys(prev.Usenet, next.Usenet)
		if len(keys) == 0 {
			return
		}

		m.publish(Change{Keys: keys, Providers: next.Usenet.ProviderRecords()})
	})
	m.v.WatchConfig()
}

// NotifyProviders injects a provider-list change that did not come from
// the config file, e.g. a settings-store update through the API.
func (m *Manager) NotifyProviders(providers []domain.ProviderRecord) {
	m.publish(Change{
		Keys:      map[string]struct{}{"usenet.providers": {}},
		Providers: providers,
	})
}

func (m *Manager) publish(change Change) {
	m.mu.Lock()
	subs := make([]chan Change, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- change:
		default:
			// Make room: drop the oldest pending change, keep the newest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- change:
			default:
			}
		}
	}
}

// diffUsenetKeys compares two usenet sections field by field and returns
// the changed key set.
func diffUsenetKeys(prev, next UsenetConfig) map[string]struct{} {
	keys := make(map[string]struct{})

	if prev.Host != next.Host {
		keys["usenet.host"] = struct{}{}
	}
	if prev.Port != next.Port {
		keys["usenet.port"] = struct{}{}
	}
	if prev.UseSSL != next.UseSSL {
		keys["usenet.use-ssl"] = struct{}{}
	}
	if prev.User != next.User {
		keys["usenet.user"] = struct{}{}
	}
	if prev.Pass != next.Pass {
		keys["usenet.pass"] = struct{}{}
	}
	if prev.Connections != next.Connections {
		keys["usenet.connections"] = struct{}{}
	}
	if !reflect.DeepEqual(prev.Providers, next.Providers) {
		keys["usenet.providers"] = struct{}{}
	}

	return keys
}
