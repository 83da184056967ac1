package daemon

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/theirongolddev/envsync/internal/remote"
	"github.com/theirongolddev/envsync/internal/retry"
)

// feedBackoff paces reconnects to the remote change feed.
var feedBackoff = retry.Options{InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2}

// watchLocal triggers a sync when the database or its WAL changes. Changes
// made while a sync is running are the sync's own writes and are ignored.
func (s *Service) watchLocal(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Printf("local watch disabled: %v", err)
		return
	}
	defer func() { _ = w.Close() }()

	dir, base := filepath.Split(s.cfg.DBPath)
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		s.log.Printf("local watch disabled: %v", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), base) || s.syncing.Load() {
				continue
			}
			s.trigger(TriggerLocalChange)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.Printf("local watch: %v", err)
		}
	}
}

// watchRemote follows the remote change feed, reconnecting with backoff.
// Notifications published by this device's own pushes still trigger a sync;
// it finds the cursor current and returns without writes.
func (s *Service) watchRemote(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		ch, err := s.cfg.Feed(ctx)
		if err != nil {
			failures++
			d := feedBackoff.Delay(failures)
			s.log.Printf("remote feed: %v (retrying in %s)", err, d)
			if retry.Wait(ctx, d) != nil {
				return
			}
			continue
		}
		failures = 0
		s.follow(ctx, ch)
		if retry.Wait(ctx, feedBackoff.Delay(1)) != nil {
			return
		}
	}
}

func (s *Service) follow(ctx context.Context, ch <-chan remote.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			s.emit(Event{Type: "remote_change", Notification: &n})
			s.trigger(TriggerRemoteChange)
		}
	}
}
