package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher reloads the config file when it changes on disk, with
// debouncing so editors that write in several steps trigger one reload.
type ConfigWatcher struct {
	watcher      *fsnotify.Watcher
	path         string
	onReload     func(*Config)
	debounceTime time.Duration
	stopChan     chan struct{}
}

func NewConfigWatcher(path string, onReload func(*Config)) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory; the file itself may be replaced by rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	return &ConfigWatcher{
		watcher:      watcher,
		path:         path,
		onReload:     onReload,
		debounceTime: 500 * time.Millisecond,
		stopChan:     make(chan struct{}),
	}, nil
}

func (cw *ConfigWatcher) Start() {
	go cw.loop()
}

func (cw *ConfigWatcher) loop() {
	var timer *time.Timer
	for {
		select {
		case <-cw.stopChan:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(cw.debounceTime, func() {
				log.Info("config file changed, reloading", "path", cw.path)
				cw.onReload(LoadConfig())
			})
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("config watcher error", "error", err)
		}
	}
}

func (cw *ConfigWatcher) Stop() {
	close(cw.stopChan)
	cw.watcher.Close()
}
