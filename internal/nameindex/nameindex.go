// Package nameindex implements an append-only, persisted bidirectional
// mapping between short local name strings and small positive
// integers. Two independent indices exist side by side in a bundle
// store, one for namespace URIs and one for local names, and a
// [codec.QName] is a pair of ids, one from each.
//
// On disk the index is a platform-neutral sequence of (integer, UTF-8
// string) pairs: a flat, append-only file of length-framed records,
// read once at open and replayed into memory, because every id ever
// issued must be visible for the life of the process. Ids are
// injective and monotonic and never reused.
package nameindex

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// record layout: varint id, varint byte-length, that many UTF-8 bytes.

// Index is a single name<->id table backed by one append-only file.
// Zero is never issued as an id.
type Index struct {
	mu     sync.Mutex
	file   *os.File
	toID   map[string]uint32
	toName map[uint32]string
	next   uint32
}

// Open loads an existing index file (if any) and prepares it for
// further appends. The directory containing path must already exist.
func Open(path string) (*Index, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("nameindex: open %s: %w", path, err)
	}

	idx := &Index{
		file:   f,
		toID:   make(map[string]uint32),
		toName: make(map[uint32]string),
		next:   1, // 0 is never issued
	}
	if err := idx.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) replay() error {
	if _, err := idx.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("nameindex: seek: %w", err)
	}
	r := bufio.NewReader(idx.file)

	for {
		id, err := binary.ReadUvarint(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("nameindex: corrupt index: %w", err)
		}
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return fmt.Errorf("nameindex: corrupt index: %w", err)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("nameindex: corrupt index: %w", err)
		}

		name := string(buf)
		idx.toID[name] = uint32(id)
		idx.toName[uint32(id)] = name
		if uint32(id) >= idx.next {
			idx.next = uint32(id) + 1
		}
	}

	if _, err := idx.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("nameindex: seek: %w", err)
	}
	return nil
}

// IDFor returns the integer assigned to name, allocating and
// persisting a fresh one if name has never been seen. The allocation
// is fsync'd before returning so a crash cannot un-assign an id that a
// caller has already encoded into a bundle.
func (idx *Index) IDFor(name string) (uint32, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if id, ok := idx.toID[name]; ok {
		return id, nil
	}

	id := idx.next
	idx.next++

	var buf []byte
	buf = binary.AppendUvarint(buf, uint64(id))
	buf = binary.AppendUvarint(buf, uint64(len(name)))
	buf = append(buf, name...)

	if _, err := idx.file.Write(buf); err != nil {
		return 0, fmt.Errorf("nameindex: append: %w", err)
	}
	if err := idx.file.Sync(); err != nil {
		return 0, fmt.Errorf("nameindex: sync: %w", err)
	}

	idx.toID[name] = id
	idx.toName[id] = name
	return id, nil
}

// NameFor returns the name assigned to id, if any.
func (idx *Index) NameFor(id uint32) (string, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	name, ok := idx.toName[id]
	return name, ok
}

// Len returns the number of names currently indexed.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.toID)
}

// Close releases the underlying file handle.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.file.Close()
}
