package fasttransfre

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	transfererrors "github.com/AkaakuHub/fast-transfre/fasttransfre/errors"
)

// Source abstracts random-access reads over the file being sent. The sender
// never buffers the whole file; it reads one sub-chunk range at a time.
type Source interface {
	Name() string
	Size() int64
	ReadRange(offset, length int64) ([]byte, error)
}

// FileSource reads sub-chunk ranges from a file on disk
type FileSource struct {
	name string
	size int64
	file *os.File
}

// OpenFileSource opens path for ranged reads
func OpenFileSource(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, transfererrors.ErrSourceRead.WithCause(err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, transfererrors.ErrSourceRead.WithCause(err)
	}
	return &FileSource{
		name: filepath.Base(path),
		size: info.Size(),
		file: file,
	}, nil
}

func (s *FileSource) Name() string { return s.name }
func (s *FileSource) Size() int64  { return s.size }

// ReadRange reads exactly [offset, offset+length) from the file
func (s *FileSource) ReadRange(offset, length int64) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := s.file.ReadAt(buf, offset); err != nil {
		return nil, transfererrors.ErrSourceRead.
			WithDetail("offset", offset).
			WithDetail("length", length).
			WithCause(err)
	}
	return buf, nil
}

// Close releases the underlying file
func (s *FileSource) Close() error {
	return s.file.Close()
}

// BytesSource serves a byte slice, mainly for tests and loopback runs
type BytesSource struct {
	name string
	data []byte
}

// NewBytesSource wraps data as a Source
func NewBytesSource(name string, data []byte) *BytesSource {
	return &BytesSource{name: name, data: data}
}

func (s *BytesSource) Name() string { return s.name }
func (s *BytesSource) Size() int64  { return int64(len(s.data)) }

func (s *BytesSource) ReadRange(offset, length int64) ([]byte, error) {
	if offset < 0 || offset+length > int64(len(s.data)) {
		return nil, transfererrors.ErrSourceRead.WithCause(
			fmt.Errorf("range [%d, %d) outside %d bytes", offset, offset+length, len(s.data)))
	}
	return append([]byte(nil), s.data[offset:offset+length]...), nil
}

// Sink receives verified bytes in flat-index order. Open is called once with
// the announced name and size before the first write.
type Sink interface {
	Open(name string, size int64) error
	WriteAt(p []byte, offset int64) (int, error)
	Close() error
}

// FileSink writes the assembled file under a directory, using the announced
// file name.
type FileSink struct {
	dir  string
	file *os.File
}

// NewFileSink creates a sink that writes into dir
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

func (s *FileSink) Open(name string, size int64) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return transfererrors.ErrSinkWrite.WithCause(err)
	}
	file, err := os.Create(filepath.Join(s.dir, filepath.Base(name)))
	if err != nil {
		return transfererrors.ErrSinkWrite.WithCause(err)
	}
	if size > 0 {
		if err := file.Truncate(size); err != nil {
			file.Close()
			return transfererrors.ErrSinkWrite.WithCause(err)
		}
	}
	s.file = file
	return nil
}

func (s *FileSink) WriteAt(p []byte, offset int64) (int, error) {
	n, err := s.file.WriteAt(p, offset)
	if err != nil {
		return n, transfererrors.ErrSinkWrite.WithDetail("offset", offset).WithCause(err)
	}
	return n, nil
}

// Path returns the output path once Open has been called
func (s *FileSink) Path() string {
	if s.file == nil {
		return ""
	}
	return s.file.Name()
}

func (s *FileSink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// BufferSink assembles the file in memory
type BufferSink struct {
	name string
	buf  []byte
}

// NewBufferSink constructs an empty in-memory sink
func NewBufferSink() *BufferSink {
	return &BufferSink{}
}

func (s *BufferSink) Open(name string, size int64) error {
	s.name = name
	s.buf = make([]byte, size)
	return nil
}

func (s *BufferSink) WriteAt(p []byte, offset int64) (int, error) {
	if offset < 0 || offset+int64(len(p)) > int64(len(s.buf)) {
		return 0, transfererrors.ErrSinkWrite.WithCause(io.ErrShortWrite)
	}
	copy(s.buf[offset:], p)
	return len(p), nil
}

func (s *BufferSink) Close() error { return nil }

// Name returns the announced file name
func (s *BufferSink) Name() string { return s.name }

// Bytes returns the assembled buffer
func (s *BufferSink) Bytes() []byte { return s.buf }

// Equal reports whether the assembled buffer matches data
func (s *BufferSink) Equal(data []byte) bool { return bytes.Equal(s.buf, data) }
