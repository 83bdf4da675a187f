package rates

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch reloads path into src whenever the file is written or replaced, until
// ctx is cancelled. A file that fails to parse leaves the previous table in
// place.
func Watch(ctx context.Context, path string, src *Source) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Editors commonly replace the file, so watch the directory and filter.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	log.Info().Str("path", path).Msg("watching rates file")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			table, err := LoadFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("keeping previous rates table")
				continue
			}
			src.Store(table)
			log.Info().
				Str("path", path).
				Int("roles", table.Len()).
				Msg("rates table reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("rates watcher error")
		}
	}
}
