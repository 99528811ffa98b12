package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Watcher serves the inventory from a local YAML or JSON file and reloads it when the file changes.
type Watcher struct {
	// FilePath is the path to the file to watch.
	FilePath string

	// Log is the logger to be used in the File source.
	Log     logr.Logger
	decoder Decoder
	dataMu  sync.RWMutex // protects data
	data    []byte       // data from file
	watcher *fsnotify.Watcher
	notify  chan struct{}
}

// NewWatcher creates a new file watcher.
func NewWatcher(l logr.Logger, f string, vendors []string) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(f); err != nil {
		watcher.Close()
		return nil, err
	}

	w := &Watcher{
		FilePath: f,
		Log:      l,
		decoder:  Decoder{Vendors: vendors},
		watcher:  watcher,
		notify:   make(chan struct{}, 1),
	}
	w.data, err = os.ReadFile(filepath.Clean(f))
	if err != nil {
		watcher.Close()
		return nil, err
	}

	return w, nil
}

// Nodes implements Source from the last content read from the file.
func (w *Watcher) Nodes(ctx context.Context) ([]Node, error) {
	tracer := otel.Tracer(tracerName)
	_, span := tracer.Start(ctx, "discovery.file.Nodes")
	defer span.End()

	w.dataMu.RLock()
	d := w.data
	w.dataMu.RUnlock()

	j, err := yaml.YAMLToJSON(d)
	if err != nil {
		err := fmt.Errorf("%w: %w", errFormat, err)
		w.Log.Error(err, "failed to unmarshal file data")
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}
	nodes, err := w.decoder.Decode(j)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}
	span.SetAttributes(attribute.Int("discovery.nodes", len(nodes)))
	span.SetStatus(codes.Ok, "")

	return nodes, nil
}

// Notify receives a value after the file content was reloaded.
func (w *Watcher) Notify() <-chan struct{} {
	return w.notify
}

// Start watches the file for changes and updates the in memory data on changes.
// Start is a blocking method. Use a context cancellation to exit.
func (w *Watcher) Start(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			w.Log.Info("stopping watcher")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.Log.Info("file changed, updating cache")
			d, err := os.ReadFile(filepath.Clean(w.FilePath))
			if err != nil {
				w.Log.Error(err, "failed to read file", "file", w.FilePath)
				break
			}
			w.dataMu.Lock()
			w.data = d
			w.dataMu.Unlock()
			select {
			case w.notify <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.Log.Info("error watching file", "err", err)
		}
	}
}
