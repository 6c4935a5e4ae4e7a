package sim

import (
	"io"
	"os"
	"sync"
)

// Storage is the block store behind a simulated stick.
type Storage interface {
	// BlockSize returns the size of a storage block in bytes.
	BlockSize() uint32

	// BlockCount returns the total number of blocks.
	BlockCount() uint64

	// Read reads blocks starting at lba into buf.
	// Returns number of blocks read or error.
	Read(lba uint64, blocks uint32, buf []byte) (uint32, error)

	// Write writes blocks from buf starting at lba.
	// Returns number of blocks written or error.
	Write(lba uint64, blocks uint32, buf []byte) (uint32, error)

	// IsReadOnly returns true if storage is read-only.
	IsReadOnly() bool
}

// MemoryStorage implements Storage using an in-memory buffer.
type MemoryStorage struct {
	data      []byte
	blockSize uint32
	readOnly  bool
	mutex     sync.RWMutex
}

// NewMemoryStorage creates an in-memory store of blocks blocks.
func NewMemoryStorage(blocks uint64, blockSize uint32) *MemoryStorage {
	return &MemoryStorage{
		data:      make([]byte, blocks*uint64(blockSize)),
		blockSize: blockSize,
	}
}

// BlockSize returns the block size.
func (m *MemoryStorage) BlockSize() uint32 {
	return m.blockSize
}

// BlockCount returns the number of blocks.
func (m *MemoryStorage) BlockCount() uint64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return uint64(len(m.data)) / uint64(m.blockSize)
}

// Read reads blocks from memory.
func (m *MemoryStorage) Read(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	offset := lba * uint64(m.blockSize)
	length := uint64(blocks) * uint64(m.blockSize)

	if offset+length > uint64(len(m.data)) {
		return 0, io.EOF
	}

	if uint64(len(buf)) < length {
		return 0, io.ErrShortBuffer
	}

	copy(buf, m.data[offset:offset+length])
	return blocks, nil
}

// Write writes blocks to memory.
func (m *MemoryStorage) Write(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.readOnly {
		return 0, os.ErrPermission
	}

	offset := lba * uint64(m.blockSize)
	length := uint64(blocks) * uint64(m.blockSize)

	if offset+length > uint64(len(m.data)) {
		return 0, io.EOF
	}

	if uint64(len(buf)) < length {
		return 0, io.ErrShortBuffer
	}

	copy(m.data[offset:offset+length], buf)
	return blocks, nil
}

// IsReadOnly returns whether the storage is read-only.
func (m *MemoryStorage) IsReadOnly() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.readOnly
}

// SetReadOnly sets the read-only flag.
func (m *MemoryStorage) SetReadOnly(readOnly bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.readOnly = readOnly
}

// Bytes returns a copy of the backing store.
func (m *MemoryStorage) Bytes() []byte {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]byte(nil), m.data...)
}

// FileStorage implements Storage on top of a disk image file.
type FileStorage struct {
	file      *os.File
	blockSize uint32
	size      uint64
	readOnly  bool
	mutex     sync.RWMutex
}

// NewFileStorage opens the image at path.
// If readOnly is true, the file is opened in read-only mode.
func NewFileStorage(path string, blockSize uint32, readOnly bool) (*FileStorage, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}

	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &FileStorage{
		file:      file,
		blockSize: blockSize,
		size:      uint64(stat.Size()),
		readOnly:  readOnly,
	}, nil
}

// BlockSize returns the block size.
func (f *FileStorage) BlockSize() uint32 {
	return f.blockSize
}

// BlockCount returns the number of whole blocks in the image.
func (f *FileStorage) BlockCount() uint64 {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return f.size / uint64(f.blockSize)
}

// Read reads blocks from the image.
func (f *FileStorage) Read(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	offset := lba * uint64(f.blockSize)
	length := uint64(blocks) * uint64(f.blockSize)

	if offset+length > f.size {
		return 0, io.EOF
	}

	if uint64(len(buf)) < length {
		return 0, io.ErrShortBuffer
	}

	n, err := f.file.ReadAt(buf[:length], int64(offset))
	if err != nil && err != io.EOF {
		return 0, err
	}

	return uint32(n) / f.blockSize, nil
}

// Write writes blocks to the image.
func (f *FileStorage) Write(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.readOnly {
		return 0, os.ErrPermission
	}

	offset := lba * uint64(f.blockSize)
	length := uint64(blocks) * uint64(f.blockSize)

	if offset+length > f.size {
		return 0, io.EOF
	}

	if uint64(len(buf)) < length {
		return 0, io.ErrShortBuffer
	}

	n, err := f.file.WriteAt(buf[:length], int64(offset))
	if err != nil {
		return 0, err
	}

	return uint32(n) / f.blockSize, nil
}

// IsReadOnly returns whether the image was opened read-only.
func (f *FileStorage) IsReadOnly() bool {
	return f.readOnly
}

// Close syncs and closes the image.
func (f *FileStorage) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file == nil {
		return nil
	}
	var err error
	if !f.readOnly {
		err = f.file.Sync()
	}
	if cerr := f.file.Close(); err == nil {
		err = cerr
	}
	f.file = nil
	return err
}
