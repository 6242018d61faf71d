package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "lendbot/pkg/logx"
)

// Watch runs one watcher session over the config file and hands each valid,
// changed config to onChange. Invalid files are logged and skipped, so a bad
// edit never takes down the running service.
//
// Only a subset of settings takes effect at runtime (logging); connection and
// storage settings require a restart. Watch returns nil when ctx is done and
// a non-nil error when the watcher breaks (some editors replace the file in
// ways that invalidate the watch); callers restart it with backoff.
func Watch(ctx context.Context, path string, log logx.Logger, onChange func(*Config)) error {
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch init: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}

	var (
		mu       sync.Mutex
		timer    *time.Timer
		lastHash uint64
	)
	if cfg, err := Parse(path); err == nil {
		lastHash = hashConfig(cfg)
	}

	// debounce to avoid partial writes
	reload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			cfg, err := Parse(path)
			if err == nil {
				cfg.applyEnv()
				err = cfg.Validate()
			}
			if err != nil {
				log.Warn("config reload rejected", logx.String("path", path), logx.Err(err))
				return
			}
			h := hashConfig(cfg)
			mu.Lock()
			unchanged := h != 0 && h == lastHash
			if !unchanged {
				lastHash = h
			}
			mu.Unlock()
			if unchanged {
				return
			}
			log.Info("config reloaded", logx.String("path", path))
			onChange(cfg)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watch: event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) != 0 {
				reload()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return errors.New("config watch: error channel closed")
			}
			if werr != nil {
				log.Warn("config watch error", logx.Err(werr), logx.String("dir", dir))
			}
		}
	}
}

// hashConfig lets Watch skip redundant reloads when an editor rewrites the
// file without content changes.
func hashConfig(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
