package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const reloadDelay = 250 * time.Millisecond

// Watch reloads the config whenever its file changes and then calls
// onReload, if set. The returned function stops watching.
func (c *UserConfig) Watch(onReload func()) (func() error, error) {
	c.mu.RLock()
	iniPath := filepath.Clean(c.IniPath)
	c.mu.RUnlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// editors often replace the file instead of writing to it, which drops a
	// watch on the file itself, so watch the folder instead
	err = watcher.Add(filepath.Dir(iniPath))
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}

	var mu sync.Mutex
	var pending *time.Timer

	reload := func() {
		log.Info().Msgf("config changed, reloading: %s", iniPath)
		if err := c.LoadConfig(); err != nil {
			log.Error().Err(err).Msg("error reloading config")
			return
		}
		if onReload != nil {
			onReload()
		}
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != iniPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				// a save usually arrives as several events, only act once
				// it has settled
				mu.Lock()
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(reloadDelay, reload)
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Msgf("config watcher error: %s", err)
			}
		}
	}()

	return func() error {
		mu.Lock()
		if pending != nil {
			pending.Stop()
		}
		mu.Unlock()
		return watcher.Close()
	}, nil
}
