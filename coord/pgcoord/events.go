package pgcoord

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"go-hrfsring/coord"
	"go-hrfsring/database"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// notification is the payload sent over the events channel.
type notification struct {
	Type string `json:"t"`
	Path string `json:"p"`
}

const (
	notifyCreated  = "created"
	notifyDeleted  = "deleted"
	notifyChanged  = "changed"
	notifyChildren = "children"
)

func (s *Service) notify(ctx context.Context, q *database.Queries, kind, path string) error {
	var payload, err = json.Marshal(notification{Type: kind, Path: path})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	return q.Notify(ctx, s.channel, string(payload))
}

// dispatch fires the watches matching one notification. A nil payload means
// the listener reconnected and may have missed notifications, so every
// watch fires and its owner re-reads.
func (s *Service) dispatch(extra *string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if extra == nil {
		for path := range s.dataWatches {
			s.fireLocked(s.dataWatches, path, coord.Event{Type: coord.EventNodeDataChanged, Path: path})
		}
		for path := range s.childWatches {
			s.fireLocked(s.childWatches, path, coord.Event{Type: coord.EventNodeChildrenChanged, Path: path})
		}
		return
	}

	var n notification
	if err := json.Unmarshal([]byte(*extra), &n); err != nil {
		s.options.logger.Warn("ignoring malformed notification", "payload", *extra, "error", err)
		return
	}

	switch n.Type {
	case notifyCreated:
		s.fireLocked(s.dataWatches, n.Path, coord.Event{Type: coord.EventNodeCreated, Path: n.Path})
	case notifyChanged:
		s.fireLocked(s.dataWatches, n.Path, coord.Event{Type: coord.EventNodeDataChanged, Path: n.Path})
	case notifyDeleted:
		var ev = coord.Event{Type: coord.EventNodeDeleted, Path: n.Path}
		s.fireLocked(s.dataWatches, n.Path, ev)
		s.fireLocked(s.childWatches, n.Path, ev)
	case notifyChildren:
		s.fireLocked(s.childWatches, n.Path, coord.Event{Type: coord.EventNodeChildrenChanged, Path: n.Path})
	}
}

type watch struct {
	ch      chan coord.Event
	session string
}

// addWatch registers a single-shot watch and returns a function that drops
// it again if the registering call fails.
func (s *Service) addWatch(table map[string][]watch, path, sessionID string) (<-chan coord.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var w = watch{ch: make(chan coord.Event, 1), session: sessionID}
	table[path] = append(table[path], w)

	return w.ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		var kept = table[path][:0]
		for _, other := range table[path] {
			if other.ch != w.ch {
				kept = append(kept, other)
			}
		}
		if len(kept) == 0 {
			delete(table, path)
		} else {
			table[path] = kept
		}
	}
}

func (s *Service) fireLocked(table map[string][]watch, path string, ev coord.Event) {
	for _, w := range table[path] {
		w.ch <- ev
		close(w.ch)
	}
	delete(table, path)
}

// dropWatchesLocked ends the watches of a dead session with EventNotWatching.
func (s *Service) dropWatchesLocked(sessionID string, reason error) {
	var state = coord.StateOf(reason)
	for _, table := range []map[string][]watch{s.dataWatches, s.childWatches} {
		for path, watches := range table {
			var kept = watches[:0]
			for _, w := range watches {
				if w.session == sessionID {
					w.ch <- coord.Event{Type: coord.EventNotWatching, Path: path, State: state, Err: reason}
					close(w.ch)
					continue
				}
				kept = append(kept, w)
			}
			if len(kept) == 0 {
				delete(table, path)
			} else {
				table[path] = kept
			}
		}
	}
}
