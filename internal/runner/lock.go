package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Lock is a cross-process lock on the output CSV, held for the life of a
// run. Stale locks older than TTL are broken; a heartbeat keeps a live
// lock's mtime fresh.
type Lock struct {
	path string
	ttl  time.Duration
	stop chan struct{}
}

func AcquireLock(path string, ttl time.Duration) (*Lock, error) {
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			payload, _ := json.Marshal(map[string]any{"pid": os.Getpid(), "time": time.Now().Unix()})
			_, _ = f.Write(append(payload, '\n'))
			_ = f.Close()
			l := &Lock{path: path, ttl: ttl, stop: make(chan struct{})}
			go l.heartbeat()
			return l, nil
		}
		fi, statErr := os.Stat(path)
		if statErr != nil {
			continue
		}
		if time.Since(fi.ModTime()) >= ttl {
			_ = os.Remove(path)
			continue
		}
		return nil, fmt.Errorf("output lock %s: %w", path, ErrLocked)
	}
}

var ErrLocked = errors.New("another writer is active")

func (l *Lock) heartbeat() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			now := time.Now()
			_ = os.Chtimes(l.path, now, now)
		}
	}
}

func (l *Lock) Release() {
	close(l.stop)
	_ = os.Remove(l.path)
}
