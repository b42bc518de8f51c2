package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileType tells channel files from message files.
type FileType int

const (
	// TypeChannel is a channels/{type}--{id}.json file.
	TypeChannel FileType = iota
	// TypeMessage is a messages/{id}.json file.
	TypeMessage
)

// String returns a human-readable representation of the file type.
func (ft FileType) String() string {
	switch ft {
	case TypeChannel:
		return "channel"
	case TypeMessage:
		return "message"
	default:
		return "unknown"
	}
}

// FileEvent is a change to one spool file.
type FileEvent struct {
	// Path is the absolute path to the file that changed.
	Path string
	Type FileType
	Op   EventOp
}

// eventBuffer is how many spool events may wait for the daemon before the
// watcher blocks.
const eventBuffer = 100

// FileWatcher watches the channel and message directories for changes.
type FileWatcher struct {
	fs     *fsnotify.Watcher
	events chan FileEvent
	errs   chan error
	quit   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	stopped bool
	// dirs maps each watched absolute directory to the kind of file it holds.
	dirs map[string]FileType
}

// NewFileWatcher creates a new FileWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewFileWatcher() (*FileWatcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		fs:     fs,
		events: make(chan FileEvent, eventBuffer),
		errs:   make(chan error, 10),
		quit:   make(chan struct{}),
	}, nil
}

// Start begins watching both directories for *.json file events.
func (fw *FileWatcher) Start(channelsDir, messagesDir string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	switch {
	case fw.running:
		return fmt.Errorf("watcher already running")
	case fw.stopped:
		return fmt.Errorf("watcher already stopped")
	}

	dirs := make(map[string]FileType, 2)
	for _, d := range []struct {
		path string
		typ  FileType
	}{{channelsDir, TypeChannel}, {messagesDir, TypeMessage}} {
		abs, err := filepath.Abs(d.path)
		if err != nil {
			return fmt.Errorf("failed to resolve %s directory: %w", d.typ, err)
		}
		if err := fw.fs.Add(abs); err != nil {
			for added := range dirs {
				_ = fw.fs.Remove(added)
			}
			return fmt.Errorf("failed to watch %s directory %s: %w", d.typ, abs, err)
		}
		dirs[abs] = d.typ
	}
	fw.dirs = dirs

	fw.running = true
	fw.wg.Add(1)
	go fw.loop()

	return nil
}

// Stop stops watching and blocks until the event loop has exited. The
// Events and Errors channels are closed afterwards.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if fw.stopped {
		fw.mu.Unlock()
		return nil
	}
	fw.running = false
	fw.stopped = true
	fw.mu.Unlock()

	close(fw.quit)
	err := fw.fs.Close()
	fw.wg.Wait()

	close(fw.events)
	close(fw.errs)

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Events returns the spool file changes.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns errors reported by the file system watcher.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errs
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func (fw *FileWatcher) loop() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.quit:
			return

		case ev, ok := <-fw.fs.Events:
			if !ok {
				return
			}
			if fe, keep := fw.convertEvent(ev); keep && !forward(fw.events, fe, fw.quit) {
				return
			}

		case err, ok := <-fw.fs.Errors:
			if !ok || !forward(fw.errs, err, fw.quit) {
				return
			}
		}
	}
}

// forward sends v on out unless quit closes first.
func forward[T any](out chan<- T, v T, quit <-chan struct{}) bool {
	select {
	case out <- v:
		return true
	case <-quit:
		return false
	}
}

// convertEvent converts an fsnotify event to a FileEvent, reporting false for
// events to ignore: non-JSON files, dotfiles such as in-flight temp files,
// and attribute-only changes.
func (fw *FileWatcher) convertEvent(ev fsnotify.Event) (FileEvent, bool) {
	name := filepath.Base(ev.Name)
	if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
		return FileEvent{}, false
	}

	abs, err := filepath.Abs(ev.Name)
	if err != nil {
		return FileEvent{}, false
	}
	typ, ok := fw.dirs[filepath.Dir(abs)]
	if !ok {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case ev.Has(fsnotify.Create):
		op = OpCreate
	case ev.Has(fsnotify.Write):
		op = OpModify
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		// A rename away is a delete; the new name arrives as a create.
		op = OpDelete
	default:
		return FileEvent{}, false
	}

	return FileEvent{Path: abs, Type: typ, Op: op}, true
}
