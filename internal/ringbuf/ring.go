//go:build linux

package ringbuf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"unsafe"
)

// cursorWords is the number of bytes occupied by the head and tail cursors
// at the start of the segment.
const cursorWords = 16

// ErrCorruption is returned by Drain when the cursor pair is in a state the
// consumer cannot reach honestly (head/tail outside the data region). It
// indicates the producer wrote past the contract; the caller must discard
// whatever was drained and leave tail untouched.
var ErrCorruption = errors.New("ringbuf: impossible cursor state")

// Ring is a lock-free single-producer/single-consumer channel backed by a
// POSIX named shared-memory segment. The producer (an external kernel
// probe) owns head; the consumer (this process) owns tail. Both cursors are
// 64-bit words holding a producer/consumer offset modulo the data region
// size, loaded with acquire and stored with release semantics via
// sync/atomic so the two sides never observe a torn cursor.
//
// Ring never interprets the data region's contents; it moves opaque bytes.
type Ring struct {
	file     *os.File
	mem      []byte // full mmap: cursorWords header + data region
	dataSize uint64 // len(mem) - cursorWords
}

// shmPath resolves a POSIX shared-memory object name (e.g. "/bpf_shm") to
// its backing file under /dev/shm, the same convention glibc's shm_open
// uses on Linux.
func shmPath(name string) string {
	return filepath.Join("/dev/shm", filepath.Base(name))
}

// Attach opens or creates the named shared-memory segment with exactly
// size bytes (SHM_SIZE per the wire contract). If the segment does not yet
// exist, it is created and both cursors are zeroed. If it already exists,
// its size must match exactly and its cursors are left untouched —
// resetting them on attach would silently discard a live producer's
// progress.
//
// Mapping failures are fatal to the caller; Attach never retries.
func Attach(name string, size int) (*Ring, error) {
	if size <= cursorWords {
		return nil, fmt.Errorf("ringbuf: size %d too small for cursor header", size)
	}

	path := shmPath(name)

	existed := false
	if fi, err := os.Stat(path); err == nil {
		existed = true
		if fi.Size() != 0 && fi.Size() != int64(size) {
			return nil, fmt.Errorf("ringbuf: existing segment %q has size %d, want %d", name, fi.Size(), size)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("ringbuf: stat %q: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: open %q: %w", path, err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("ringbuf: truncate %q to %d: %w", path, size, err)
	}

	mem, err := syscall.Mmap(int(f.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ringbuf: mmap %q: %w", path, err)
	}

	r := &Ring{
		file:     f,
		mem:      mem,
		dataSize: uint64(size - cursorWords),
	}

	if !existed {
		r.storeHead(0)
		r.storeTail(0)
	}

	return r, nil
}

// Close unmaps the segment and closes its backing file descriptor. The
// shared-memory object itself is left in place for other attachers.
func (r *Ring) Close() error {
	err := syscall.Munmap(r.mem)
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func (r *Ring) headPtr() *uint64 { return (*uint64)(unsafe.Pointer(&r.mem[0])) }
func (r *Ring) tailPtr() *uint64 { return (*uint64)(unsafe.Pointer(&r.mem[8])) }
func (r *Ring) data() []byte     { return r.mem[cursorWords:] }

// loadHead reads the producer's cursor with acquire ordering.
func (r *Ring) loadHead() uint64 { return atomic.LoadUint64(r.headPtr()) }

// loadTail reads the consumer's own cursor. Only the consumer writes it, so
// a plain atomic load suffices.
func (r *Ring) loadTail() uint64 { return atomic.LoadUint64(r.tailPtr()) }

// storeHead writes the producer cursor with release ordering. The consumer
// calls it only from Attach, to zero head on a newly created segment;
// otherwise head is written by producers (real probes over the shared-memory
// contract, or Producer in tests).
func (r *Ring) storeHead(v uint64) { atomic.StoreUint64(r.headPtr(), v) }

// storeTail publishes the consumer cursor with release ordering so a
// concurrent producer observes freed space promptly.
func (r *Ring) storeTail(v uint64) { atomic.StoreUint64(r.tailPtr(), v) }

// Occupancy returns (head − tail) mod dataSize, the number of unread bytes
// currently available to the consumer.
func (r *Ring) Occupancy() (uint64, error) {
	head := r.loadHead()
	tail := r.loadTail()
	if head >= r.dataSize || tail >= r.dataSize {
		return 0, ErrCorruption
	}
	return (head + r.dataSize - tail) % r.dataSize, nil
}

// Drain copies whatever is currently available between tail and head into a
// freshly allocated buffer, advancing tail by the copied length, and
// returns it. It never blocks and never reads more than min(occupancy,
// maxBytes) bytes. A zero-length, nil-error result means the ring is
// currently empty.
//
// Drain performs up to two copies to handle a wrap across the end of the
// data region, mirroring the producer's split-write convention.
func (r *Ring) Drain(maxBytes int) ([]byte, error) {
	occupancy, err := r.Occupancy()
	if err != nil {
		return nil, err
	}
	if occupancy == 0 {
		return nil, nil
	}

	n := occupancy
	if uint64(maxBytes) < n {
		n = uint64(maxBytes)
	}
	if n == 0 {
		return nil, nil
	}

	tail := r.loadTail()
	data := r.data()
	out := make([]byte, n)

	if tail+n <= r.dataSize {
		copy(out, data[tail:tail+n])
	} else {
		firstLen := r.dataSize - tail
		copy(out[:firstLen], data[tail:])
		copy(out[firstLen:], data[:n-firstLen])
	}

	newTail := (tail + n) % r.dataSize
	r.storeTail(newTail)

	return out, nil
}

// Rewind moves tail backward by n bytes (mod dataSize), undoing part of a
// prior Drain's advance. The parser calls this when it finds trailing bytes
// at the end of a drained slice that do not form a whole record, so they
// are re-delivered on the next Drain instead of being lost.
func (r *Ring) Rewind(n int) {
	if n <= 0 {
		return
	}
	tail := r.loadTail()
	newTail := (tail + r.dataSize - uint64(n)%r.dataSize) % r.dataSize
	r.storeTail(newTail)
}
