// Package storage maps the logical piece stream onto the content's file
// layout and performs the actual disk writes.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/TatuMon/btleech/internal/metainfo"
)

// fileSpan is one file's absolute byte range within the content.
type fileSpan struct {
	path   string
	start  int64
	length int64
}

// Mapper translates absolute content offsets into (file, intra-file
// offset, length) writes, pre-allocating files sparsely on first touch.
type Mapper struct {
	root        string
	pieceLength int64
	spans       []fileSpan

	mu      sync.Mutex
	handles map[string]*os.File
}

// New builds a Mapper rooted at root (the current working directory, per
// spec, or a caller-supplied download directory), with files laid out per
// m's Files list.
func New(root string, m *metainfo.Metainfo) *Mapper {
	spans := make([]fileSpan, len(m.Files))
	var cursor int64
	for i, f := range m.Files {
		spans[i] = fileSpan{
			path:   filepath.Join(append([]string{root}, f.Path...)...),
			start:  cursor,
			length: f.Length,
		}
		cursor += f.Length
	}

	return &Mapper{
		root:        root,
		pieceLength: m.PieceLength,
		spans:       spans,
		handles:     make(map[string]*os.File),
	}
}

// WritePiece places data at absolute offset index*pieceLength, splitting
// it across every file span it intersects.
func (m *Mapper) WritePiece(index int, data []byte) error {
	offset := int64(index) * m.pieceLength
	remaining := int64(len(data))
	dataOff := int64(0)

	for _, span := range m.spans {
		if remaining <= 0 {
			break
		}

		spanEnd := span.start + span.length
		if offset >= spanEnd || offset+remaining <= span.start {
			continue
		}

		writeOffset := offset - span.start
		if writeOffset < 0 {
			writeOffset = 0
		}

		available := span.length - writeOffset
		toWrite := remaining
		if toWrite > available {
			toWrite = available
		}

		f, err := m.open(span)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", span.path, err)
		}

		if _, err := f.WriteAt(data[dataOff:dataOff+toWrite], writeOffset); err != nil {
			return fmt.Errorf("failed to write %s at offset %d: %w", span.path, writeOffset, err)
		}

		dataOff += toWrite
		remaining -= toWrite
		offset += toWrite
	}

	return nil
}

// open returns the handle for span's file, creating and sparsely
// pre-allocating it on first touch.
func (m *Mapper) open(span fileSpan) (*os.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.handles[span.path]; ok {
		return f, nil
	}

	if dir := filepath.Dir(span.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create parent directories: %w", err)
		}
	}

	_, statErr := os.Stat(span.path)
	needsAllocation := os.IsNotExist(statErr)

	f, err := os.OpenFile(span.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	if needsAllocation && span.length > 0 {
		if _, err := f.WriteAt([]byte{0}, span.length-1); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to pre-allocate: %w", err)
		}
	}

	m.handles[span.path] = f
	return f, nil
}

// Close releases every open file handle.
func (m *Mapper) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, f := range m.handles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.handles = make(map[string]*os.File)
	return firstErr
}
