// Package watcher turns a text file on disk into an editor surface: writes
// made by other programs are reported as text changes, and SetText rewrites
// the file.
package watcher

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"editlog/internal/logging"
	"editlog/internal/security"
)

// FileEditor watches a single file. It implements session.Editor.
type FileEditor struct {
	path      string
	fsWatcher *fsnotify.Watcher
	onChange  func(string)
	log       *logging.Logger

	// text and hash describe the content this editor last saw or wrote;
	// events that find the same content are not reported.
	mu   sync.Mutex
	text string
	hash [32]byte

	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	stopped bool
}

// NewFileEditor creates an editor for path. onChange receives the file's
// text after every external modification.
func NewFileEditor(path string, onChange func(string), logger *logging.Logger) (*FileEditor, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	return &FileEditor{
		path:      abs,
		fsWatcher: fsw,
		onChange:  onChange,
		log:       logging.OrDefault(logger).WithComponent("watcher"),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

// Path returns the absolute path of the watched file.
func (e *FileEditor) Path() string {
	return e.path
}

// Errors returns the channel of watch errors.
func (e *FileEditor) Errors() <-chan error {
	return e.errors
}

// Start loads the current content and begins watching. A missing file
// reads as empty text. The file's directory is watched so that editors
// saving by rename are followed.
func (e *FileEditor) Start() error {
	text, hash, err := readFile(e.path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.text, e.hash = text, hash
	e.mu.Unlock()

	if err := e.fsWatcher.Add(filepath.Dir(e.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(e.path), err)
	}

	e.wg.Add(1)
	go e.eventLoop()
	return nil
}

// Stop ends watching.
func (e *FileEditor) Stop() error {
	if e.stopped {
		return nil
	}
	e.stopped = true
	close(e.done)
	e.wg.Wait()
	return e.fsWatcher.Close()
}

// Text returns the last known content of the file.
func (e *FileEditor) Text() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.text
}

// SetText replaces the file content atomically. The resulting file event is
// not reported as a change.
func (e *FileEditor) SetText(text string) error {
	data := []byte(text)

	e.mu.Lock()
	prevText, prevHash := e.text, e.hash
	e.text, e.hash = text, sha256.Sum256(data)
	e.mu.Unlock()

	perm := security.PermPublicFile
	if info, err := os.Stat(e.path); err == nil {
		perm = info.Mode().Perm()
	}
	if err := security.WriteSecureFile(e.path, data, perm); err != nil {
		e.mu.Lock()
		e.text, e.hash = prevText, prevHash
		e.mu.Unlock()
		return fmt.Errorf("write %s: %w", e.path, err)
	}
	return nil
}

func (e *FileEditor) eventLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.done:
			return

		case event, ok := <-e.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != e.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			e.reload()

		case err, ok := <-e.fsWatcher.Errors:
			if !ok {
				return
			}
			e.report(err)
		}
	}
}

// reload reads the file and reports it when its content is new.
func (e *FileEditor) reload() {
	text, hash, err := readFile(e.path)
	if err != nil {
		e.report(err)
		return
	}

	e.mu.Lock()
	if hash == e.hash {
		e.mu.Unlock()
		return
	}
	e.text, e.hash = text, hash
	e.mu.Unlock()

	e.log.Debug("file changed", "path", e.path, "bytes", len(text))
	if e.onChange != nil {
		e.onChange(text)
	}
}

func (e *FileEditor) report(err error) {
	select {
	case e.errors <- err:
	default:
		e.log.Warn("watch error dropped", "error", err)
	}
}

// readFile returns the file's text and hash; a missing file is empty.
func readFile(path string) (string, [32]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", sha256.Sum256(nil), nil
	}
	if err != nil {
		return "", [32]byte{}, err
	}
	defer f.Close()

	h := sha256.New()
	data, err := io.ReadAll(io.TeeReader(f, h))
	if err != nil {
		return "", [32]byte{}, fmt.Errorf("read %s: %w", path, err)
	}

	var hash [32]byte
	copy(hash[:], h.Sum(nil))
	return string(data), hash, nil
}

// HashFile computes the SHA-256 of a file.
func HashFile(path string) ([32]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return [32]byte{}, 0, err
	}

	var hash [32]byte
	copy(hash[:], h.Sum(nil))
	return hash, size, nil
}
