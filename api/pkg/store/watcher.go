package store

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/fleetml/fleet/api/pkg/types"
)

// Watcher hot-reloads model configs from a directory of JSON files, one
// config per file. Creating or rewriting a file upserts into the store,
// removing it deletes the model whose ID the file carried.
type Watcher struct {
	dir   string
	store ConfigStore

	// loaded maps file path to the model ID it declared, so a deleted file
	// can be mapped back to its model.
	loaded map[string]string
}

func NewWatcher(dir string, store ConfigStore) *Watcher {
	return &Watcher{
		dir:    dir,
		store:  store,
		loaded: make(map[string]string),
	}
}

// Run scans the directory once, then watches it until the context ends.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.scan(ctx); err != nil {
		return err
	}

	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer notifier.Close()
	if err := notifier.Add(w.dir); err != nil {
		return err
	}

	log.Info().Str("dir", w.dir).Msg("config directory watcher started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-notifier.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)
		case err, ok := <-notifier.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Str("dir", w.dir).Msg("config watcher error")
		}
	}
}

func (w *Watcher) scan(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !isConfigFile(entry.Name()) {
			continue
		}
		w.upsert(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if !isConfigFile(event.Name) {
		return
	}
	switch {
	case event.Op.Has(fsnotify.Create), event.Op.Has(fsnotify.Write):
		w.upsert(ctx, event.Name)
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		w.remove(ctx, event.Name)
	}
}

func (w *Watcher) upsert(ctx context.Context, path string) {
	payload, err := os.ReadFile(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("could not read config file")
		return
	}

	config, err := decodeConfig(payload)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("invalid model config file, ignored")
		return
	}
	if err := w.store.SaveModel(ctx, config); err != nil {
		log.Error().Err(err).Str("path", path).Str("model_id", config.ID).Msg("could not store model config")
		return
	}
	w.loaded[path] = config.ID
	log.Info().Str("path", path).Str("model_id", config.ID).Msg("model config loaded from file")
}

func (w *Watcher) remove(ctx context.Context, path string) {
	modelID, ok := w.loaded[path]
	if !ok {
		return
	}
	delete(w.loaded, path)
	if err := w.store.DeleteModel(ctx, modelID); err != nil {
		log.Error().Err(err).Str("model_id", modelID).Msg("could not delete model for removed config file")
		return
	}
	log.Info().Str("path", path).Str("model_id", modelID).Msg("model config removed with its file")
}

// decodeConfig is strict: unknown fields are a config error, not noise to
// swallow.
func decodeConfig(payload []byte) (*types.ModelConfig, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	var config types.ModelConfig
	if err := decoder.Decode(&config); err != nil {
		return nil, err
	}
	if config.ID == "" {
		return nil, types.NewValidationError("model config file has no id")
	}
	return &config, nil
}

func isConfigFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(filepath.Base(name), ".")
}
