package assets

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"raycastlab/tuner/internal/logging"
)

// Watch reloads a model whenever its file under the asset directory is
// written or recreated. It blocks until ctx is cancelled.
func (l *Library) Watch(ctx context.Context) error {
	if l == nil || strings.TrimSpace(l.dir) == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	//1.- Watch the directory and the draco sub-directory when it exists.
	if err := watcher.Add(l.dir); err != nil {
		return err
	}
	_ = watcher.Add(filepath.Join(l.dir, "draco"))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			//2.- Map the file name back onto a model kind and reload it.
			kind, err := ParseKind(strings.TrimSuffix(filepath.Base(event.Name), ".gltf"))
			if err != nil || filepath.Ext(event.Name) != ".gltf" {
				continue
			}
			if err := l.reload(kind); err != nil {
				l.log.Warn("model reload failed", logging.String("kind", string(kind)), logging.Error(err))
				continue
			}
			l.log.Info("model reloaded", logging.String("kind", string(kind)), logging.String("path", event.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.Warn("asset watcher error", logging.Error(err))
		}
	}
}
