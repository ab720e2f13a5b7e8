package commitlog

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/slabdb/slabdb/errs"
)

// headerFileSize is 1 selector byte (padded to 8) plus the two preambles.
const headerFileSize = 8 + 2*preambleSize

// header is the commit log's header file: a selector byte choosing which
// of the two preambles is live, flanked by an OS file lock standing in
// for spec.md §4.8/§5's "inter-process robust mutex" — an advisory
// unix.Flock is released by the kernel the instant a holder process dies,
// which is exactly the "dead owner" recovery the spec calls for, without
// needing a hand-rolled robust-mutex protocol (no example in the pack
// implements one).
type header struct {
	f    *os.File
	sync bool
}

func openHeader(path string, sync bool) (*header, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "commitlog.openHeader", "open header file", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.IoError, "commitlog.openHeader", "stat header file", err)
	}
	if info.Size() == 0 {
		buf := make([]byte, headerFileSize)
		pa := encodePreamble(Preamble{})
		copy(buf[8:8+preambleSize], pa[:])
		copy(buf[8+preambleSize:], pa[:])
		if _, err := f.WriteAt(buf, 0); err != nil {
			f.Close()
			return nil, errs.Wrap(errs.IoError, "commitlog.openHeader", "initialize header file", err)
		}
		if sync {
			if err := f.Sync(); err != nil {
				f.Close()
				return nil, errs.Wrap(errs.IoError, "commitlog.openHeader", "sync new header file", err)
			}
		}
	}
	return &header{f: f, sync: sync}, nil
}

func (h *header) Close() error { return h.f.Close() }

// lock acquires the header's advisory file lock, serializing writers
// (spec.md §4.8 write protocol step 1, §5's writer-lock shared resource).
func (h *header) lock() error {
	if err := unix.Flock(int(h.f.Fd()), unix.LOCK_EX); err != nil {
		return errs.Wrap(errs.IoError, "commitlog.header.lock", "flock header file", err)
	}
	return nil
}

func (h *header) unlock() error {
	if err := unix.Flock(int(h.f.Fd()), unix.LOCK_UN); err != nil {
		return errs.Wrap(errs.IoError, "commitlog.header.unlock", "unflock header file", err)
	}
	return nil
}

// live returns the currently-selected preamble and which slot (A=true)
// it occupies.
func (h *header) live() (Preamble, bool, error) {
	buf := make([]byte, headerFileSize)
	if _, err := h.f.ReadAt(buf, 0); err != nil {
		return Preamble{}, false, errs.Wrap(errs.IoError, "commitlog.header.live", "read header", err)
	}
	useA := buf[0] == 0
	if useA {
		return decodePreamble(buf[8 : 8+preambleSize]), true, nil
	}
	return decodePreamble(buf[8+preambleSize:]), false, nil
}

// writeShadow writes p into the non-live preamble slot without flipping
// the selector (write protocol steps 2-4).
func (h *header) writeShadow(p Preamble, liveIsA bool) error {
	enc := encodePreamble(p)
	offset := int64(8)
	if liveIsA {
		offset += preambleSize // shadow is B
	}
	if _, err := h.f.WriteAt(enc[:], offset); err != nil {
		return errs.Wrap(errs.IoError, "commitlog.header.writeShadow", "write shadow preamble", err)
	}
	if !h.sync {
		return nil
	}
	return h.f.Sync()
}

// flip toggles the selector byte, publishing the shadow preamble as live
// (write protocol step 5 — the sole atomic publish point).
func (h *header) flip(liveIsA bool) error {
	var b [1]byte
	if liveIsA {
		b[0] = 1 // was A, now B is live
	}
	if _, err := h.f.WriteAt(b[:], 0); err != nil {
		return errs.Wrap(errs.IoError, "commitlog.header.flip", "flip selector byte", err)
	}
	if !h.sync {
		return nil
	}
	return h.f.Sync()
}
