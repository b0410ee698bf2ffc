package etcdcoord

import (
	"context"

	etcd "go.etcd.io/etcd/client/v3"

	"go-hrfsring/coord"
)

// watchNode fires on creation, deletion or data change of path.
func (s *Session) watchNode(path string, rev int64) <-chan coord.Event {
	var key = nodeKey(path)
	return s.watch(path, key, rev, coord.EventNodeDataChanged, func(ev *etcd.Event) (coord.EventType, bool) {
		switch {
		case ev.Type == etcd.EventTypeDelete:
			return coord.EventNodeDeleted, true
		case ev.IsCreate():
			return coord.EventNodeCreated, true
		default:
			return coord.EventNodeDataChanged, true
		}
	})
}

// watchChildren fires when a direct child is created or deleted, or when
// the node itself is deleted. The watched prefix also covers siblings that
// share the name as prefix, those events are skipped.
func (s *Session) watchChildren(path string, rev int64) <-chan coord.Event {
	var (
		key    = nodeKey(path)
		prefix = childPrefix(path)
	)
	return s.watch(path, key, rev, coord.EventNodeChildrenChanged, func(ev *etcd.Event) (coord.EventType, bool) {
		var changed = string(ev.Kv.Key)
		if changed == key {
			return coord.EventNodeDeleted, ev.Type == etcd.EventTypeDelete
		}
		if _, ok := directChild(prefix, changed); !ok {
			return 0, false
		}
		return coord.EventNodeChildrenChanged, ev.Type == etcd.EventTypeDelete || ev.IsCreate()
	}, etcd.WithPrefix())
}

// watch delivers the first matching event of key as a single-shot watch.
// When the session ends first, EventNotWatching is delivered. A broken or
// compacted watch stream delivers fallback so the owner re-reads.
func (s *Session) watch(
	path, key string,
	rev int64,
	fallback coord.EventType,
	match func(ev *etcd.Event) (coord.EventType, bool),
	opts ...etcd.OpOption,
) <-chan coord.Event {
	var (
		events      = make(chan coord.Event, 1)
		ctx, cancel = context.WithCancel(etcd.WithRequireLeader(s.ctx))
		watchCh     = s.service.client.Watch(ctx, key, append([]etcd.OpOption{etcd.WithRev(rev)}, opts...)...)
	)

	go func() {
		defer close(events)
		defer cancel()
		events <- s.awaitEvent(ctx, path, watchCh, fallback, match)
	}()
	return events
}

func (s *Session) awaitEvent(
	ctx context.Context,
	path string,
	watchCh etcd.WatchChan,
	fallback coord.EventType,
	match func(ev *etcd.Event) (coord.EventType, bool),
) coord.Event {
	for {
		select {
		case <-ctx.Done():
			return s.notWatching(path)
		case resp, ok := <-watchCh:
			if !ok || resp.Err() != nil {
				if s.Err() != nil {
					return s.notWatching(path)
				}
				s.service.options.logger.Warn("watch interrupted, forcing a re-read",
					"path", path, "session", s.id, "error", resp.Err())
				return coord.Event{Type: fallback, Path: path}
			}
			for _, ev := range resp.Events {
				if t, ok := match(ev); ok {
					return coord.Event{Type: t, Path: path}
				}
			}
		}
	}
}

func (s *Session) notWatching(path string) coord.Event {
	var err = s.Err()
	if err == nil {
		err = coord.ErrClosed
	}
	return coord.Event{Type: coord.EventNotWatching, Path: path, State: coord.StateOf(err), Err: err}
}
