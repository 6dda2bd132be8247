package config

import (
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 100 * time.Millisecond

// fileWatcher watches a directory and invokes handler when a file accepted by
// filter changes. Events are debounced because editors tend to emit several
// writes per save.
type fileWatcher struct {
	watcher  *fsnotify.Watcher
	stopChan chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

func newFileWatcher(dir string, filter func(name string) bool, handler func()) (*fileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	fw := &fileWatcher{
		watcher:  watcher,
		stopChan: make(chan struct{}),
	}

	go func() {
		for {
			select {
			case <-fw.stopChan:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filter != nil && !filter(event.Name) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				fw.mu.Lock()
				if fw.timer != nil {
					fw.timer.Stop()
				}
				fw.timer = time.AfterFunc(debounceDelay, handler)
				fw.mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[Config] Watcher error: %v", err)
			}
		}
	}()

	return fw, nil
}

func (fw *fileWatcher) stop() {
	close(fw.stopChan)
	fw.watcher.Close()
}
