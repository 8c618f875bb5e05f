// Package ninep implements a 9P2000.L subset over a single virtio queue:
// wire marshalling, a FID table, and a dispatcher delegating each operation
// to a pluggable FS.
package ninep

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/rv-hype/fpgaemu/virtio"
	"github.com/rv-hype/fpgaemu/virtio/virtq"
)

var le = binary.LittleEndian

// QID is a 9P file identifier: type byte, version, and a unique path.
type QID struct {
	Type    byte
	Version uint32
	Path    uint64
}

// Stat is the subset of Linux stat(2) fields Tgetattr answers with; the
// request's mask is echoed back unmodified since every field here is always
// considered valid.
type Stat struct {
	Qid               QID
	Mode              uint32
	UID, GID          uint32
	Nlink             uint64
	Rdev              uint64
	Size              uint64
	Blksize, Blocks   uint64
	AtimeSec, AtimeNs uint64
	MtimeSec, MtimeNs uint64
	CtimeSec, CtimeNs uint64
}

// StatFS answers Tstatfs.
type StatFS struct {
	Bsize               uint32
	Blocks, Bfree       uint64
	Bavail              uint64
	Files, Ffree        uint64
}

// Lock describes a POSIX record lock for Tlock/Tgetlock.
type Lock struct {
	Type     byte
	Flags    uint32
	Start    uint64
	Length   uint64
	ProcID   uint32
	ClientID string
}

// FS is the filesystem a Device serves over 9P. File handles are opaque
// values minted and interpreted only by the FS implementation.
type FS interface {
	Statfs() (StatFS, error)
	Attach(uid uint32, uname, aname string) (file any, qid QID, err error)
	Walk(file any, names []string) (newFile any, qids []QID, err error)

	// Open completes synchronously or asynchronously; done must be called
	// exactly once either way. A real backend (e.g. a disk-backed fs_open
	// with I/O latency) can defer done to its own goroutine.
	Open(file any, flags uint32, done func(qid QID, ioUnit uint32, err error))

	Create(dir any, name string, flags, mode, gid uint32) (QID, error)
	Symlink(dir any, name, target string, gid uint32) (QID, error)
	Mknod(dir any, name string, mode, major, minor, gid uint32) (QID, error)
	Readlink(file any) (string, error)
	GetAttr(file any) (Stat, error)
	SetAttr(file any, mask uint32, mode, uid, gid uint32, size, atimeSec, atimeNs, mtimeSec, mtimeNs uint64) error
	Readdir(file any, offset uint64, count uint32) ([]byte, error)
	Lock(file any, lock Lock) (int8, error)
	GetLock(file any, lock *Lock) error
	Link(dir, file any, name string) error
	Mkdir(dir any, name string, mode, gid uint32) (QID, error)
	Renameat(dir any, name string, newDir any, newName string) error
	Unlinkat(dir any, name string) error
	Read(file any, offset uint64, count uint32) ([]byte, error)
	Write(file any, offset uint64, data []byte) (int, error)
	Delete(file any)
}

// 9P2000.L request op codes this subset dispatches (same subset a jor1k/
// TinyEMU-style guest driver exercises).
const (
	opStatfs    = 8
	opLopen     = 12
	opLcreate   = 14
	opSymlink   = 16
	opMknod     = 18
	opReadlink  = 22
	opGetattr   = 24
	opSetattr   = 26
	opXattrwalk = 30
	opReaddir   = 40
	opFsync     = 50
	opLock      = 52
	opGetlock   = 54
	opLink      = 70
	opMkdir     = 72
	opRenameat  = 74
	opUnlinkat  = 76
	opVersion   = 100
	opAttach    = 104
	opFlush     = 108
	opWalk      = 110
	opRead      = 116
	opWrite     = 118
	opClunk     = 120

	opRlerror = 6
)

const (
	errProto  = uint32(unix.EPROTO)
	errNotSup = uint32(unix.EOPNOTSUPP)
)

// featureMountTag is VIRTIO_9P_F_MOUNT_TAG: the device's config space
// carries a mount tag string the guest should use by default.
const featureMountTag = uint64(1) << 0

const defaultMsize = 8192

// Device is a virtio 9P transport serving FS over a single request queue.
type Device struct {
	FS       FS
	MountTag string

	queue       *virtq.Queue
	resumeQueue func(int)

	msize uint32

	mu            sync.Mutex
	reqInProgress bool

	fidsMu sync.Mutex
	fids   map[uint32]any
}

func NewDevice(fs FS, mountTag string) *Device {
	return &Device{FS: fs, MountTag: mountTag, msize: defaultMsize, fids: make(map[uint32]any)}
}

func (d *Device) DeviceID() virtio.DeviceID { return virtio.NinepDeviceID }

func (d *Device) Features() uint64 { return featureMountTag }

func (d *Device) Bind(queues []*virtq.Queue, _ func() error, resumeQueue func(int)) {
	d.queue = queues[0]
	d.resumeQueue = resumeQueue
}

func (d *Device) Recv(q *virtq.Queue, queueIdx int, descIdx uint16, readSize, writeSize uint32) error {
	if queueIdx != 0 {
		return nil
	}

	d.mu.Lock()
	if d.reqInProgress {
		d.mu.Unlock()
		return virtq.ErrBusy
	}
	d.reqInProgress = true
	d.mu.Unlock()

	r := &reader{q: q, descIdx: descIdx}
	_ = r.u32() // total message size, not needed: GetDescRWSize already gave us readSize
	id := r.u8()
	tag := r.u16()

	if r.err != nil {
		d.sendError(q, descIdx, 0, errProto)
		d.clearInProgress()
		return nil
	}

	d.dispatch(q, descIdx, id, tag, r)
	return nil
}

func (d *Device) dispatch(q *virtq.Queue, descIdx uint16, id uint8, tag uint16, r *reader) {
	switch id {
	case opStatfs:
		st, err := d.FS.Statfs()
		if err != nil {
			d.fail(q, descIdx, tag, err)
			return
		}

		w := new(writer)
		w.u32(0)
		w.u32(st.Bsize)
		w.u64(st.Blocks)
		w.u64(st.Bfree)
		w.u64(st.Bavail)
		w.u64(st.Files)
		w.u64(st.Ffree)
		w.u32(0)   // fsid
		w.u32(256) // max filename length
		d.reply(q, descIdx, id, tag, w.buf)

	case opLopen:
		fid, flags := r.u32(), r.u32()
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		f, ok := d.getFID(fid)
		if !ok {
			d.fidNotFound(q, descIdx, tag)
			return
		}

		d.FS.Open(f, flags, func(qid QID, ioUnit uint32, err error) {
			if err != nil {
				d.sendError(q, descIdx, tag, errnoOf(err))
			} else {
				w := new(writer)
				w.qid(qid)
				w.u32(ioUnit)
				d.reply(q, descIdx, id, tag, w.buf)
			}

			d.clearInProgress()
		})
		return // clearInProgress deferred to the Open callback

	case opLcreate:
		fid := r.u32()
		name := r.str()
		flags, mode, gid := r.u32(), r.u32(), r.u32()
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		f, ok := d.getFID(fid)
		if !ok {
			d.fail(q, descIdx, tag, errNumber(errProto))
			return
		}

		qid, err := d.FS.Create(f, name, flags, mode, gid)
		if err != nil {
			d.fail(q, descIdx, tag, err)
			return
		}

		w := new(writer)
		w.qid(qid)
		w.u32(d.msize - 24)
		d.reply(q, descIdx, id, tag, w.buf)

	case opSymlink:
		fid := r.u32()
		name, target := r.str(), r.str()
		gid := r.u32()
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		f, ok := d.getFID(fid)
		if !ok {
			d.fail(q, descIdx, tag, errNumber(errProto))
			return
		}

		qid, err := d.FS.Symlink(f, name, target, gid)
		if err != nil {
			d.fail(q, descIdx, tag, err)
			return
		}

		w := new(writer)
		w.qid(qid)
		d.reply(q, descIdx, id, tag, w.buf)

	case opMknod:
		fid := r.u32()
		name := r.str()
		mode, major, minor, gid := r.u32(), r.u32(), r.u32(), r.u32()
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		f, ok := d.getFID(fid)
		if !ok {
			d.fail(q, descIdx, tag, errNumber(errProto))
			return
		}

		qid, err := d.FS.Mknod(f, name, mode, major, minor, gid)
		if err != nil {
			d.fail(q, descIdx, tag, err)
			return
		}

		w := new(writer)
		w.qid(qid)
		d.reply(q, descIdx, id, tag, w.buf)

	case opReadlink:
		fid := r.u32()
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		f, ok := d.getFID(fid)
		if !ok {
			d.fail(q, descIdx, tag, errNumber(errProto))
			return
		}

		target, err := d.FS.Readlink(f)
		if err != nil {
			d.fail(q, descIdx, tag, err)
			return
		}

		w := new(writer)
		w.str(target)
		d.reply(q, descIdx, id, tag, w.buf)

	case opGetattr:
		fid := r.u32()
		mask := r.u64()
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		f, ok := d.getFID(fid)
		if !ok {
			d.fidNotFound(q, descIdx, tag)
			return
		}

		st, err := d.FS.GetAttr(f)
		if err != nil {
			d.fail(q, descIdx, tag, err)
			return
		}

		w := new(writer)
		w.u64(mask)
		w.qid(st.Qid)
		w.u32(st.Mode)
		w.u32(st.UID)
		w.u32(st.GID)
		w.u64(st.Nlink)
		w.u64(st.Rdev)
		w.u64(st.Size)
		w.u64(st.Blksize)
		w.u64(st.Blocks)
		w.u64(st.AtimeSec)
		w.u64(st.AtimeNs)
		w.u64(st.MtimeSec)
		w.u64(st.MtimeNs)
		w.u64(st.CtimeSec)
		w.u64(st.CtimeNs)
		w.u64(0)
		w.u64(0)
		w.u64(0)
		w.u64(0)
		d.reply(q, descIdx, id, tag, w.buf)

	case opSetattr:
		fid := r.u32()
		mask, mode, uid, gid := r.u32(), r.u32(), r.u32(), r.u32()
		size, atimeSec, atimeNs, mtimeSec, mtimeNs := r.u64(), r.u64(), r.u64(), r.u64(), r.u64()
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		f, ok := d.getFID(fid)
		if !ok {
			d.fidNotFound(q, descIdx, tag)
			return
		}

		if err := d.FS.SetAttr(f, mask, mode, uid, gid, size, atimeSec, atimeNs, mtimeSec, mtimeNs); err != nil {
			d.fail(q, descIdx, tag, err)
			return
		}

		d.reply(q, descIdx, id, tag, nil)

	case opXattrwalk:
		// Not implemented upstream either: no xattr namespace is modeled.
		d.fail(q, descIdx, tag, errNumber(errNotSup))

	case opReaddir:
		fid := r.u32()
		offset := r.u64()
		count := r.u32()
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		f, ok := d.getFID(fid)
		if !ok {
			d.fidNotFound(q, descIdx, tag)
			return
		}

		entries, err := d.FS.Readdir(f, offset, count)
		if err != nil {
			d.fail(q, descIdx, tag, err)
			return
		}

		w := new(writer)
		w.u32(uint32(len(entries)))
		w.buf = append(w.buf, entries...)
		d.reply(q, descIdx, id, tag, w.buf)

	case opFsync:
		_ = r.u32() // fid; fsync is a no-op since there's nothing buffered to flush
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		d.reply(q, descIdx, id, tag, nil)

	case opLock:
		fid := r.u32()
		var lock Lock
		lock.Type = r.u8()
		lock.Flags = r.u32()
		lock.Start, lock.Length = r.u64(), r.u64()
		lock.ProcID = r.u32()
		lock.ClientID = r.str()
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		f, ok := d.getFID(fid)
		if !ok {
			d.fail(q, descIdx, tag, errNumber(errProto))
			return
		}

		status, err := d.FS.Lock(f, lock)
		if err != nil {
			d.fail(q, descIdx, tag, err)
			return
		}

		w := new(writer)
		w.u8(byte(status))
		d.reply(q, descIdx, id, tag, w.buf)

	case opGetlock:
		fid := r.u32()
		var lock Lock
		lock.Type = r.u8()
		lock.Start, lock.Length = r.u64(), r.u64()
		lock.ProcID = r.u32()
		lock.ClientID = r.str()
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		f, ok := d.getFID(fid)
		if !ok {
			d.fail(q, descIdx, tag, errNumber(errProto))
			return
		}

		if err := d.FS.GetLock(f, &lock); err != nil {
			d.fail(q, descIdx, tag, err)
			return
		}

		w := new(writer)
		w.u8(lock.Type)
		w.u64(lock.Start)
		w.u64(lock.Length)
		w.u32(lock.ProcID)
		w.str(lock.ClientID)
		d.reply(q, descIdx, id, tag, w.buf)

	case opLink:
		dfid, fid := r.u32(), r.u32()
		name := r.str()
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		df, ok1 := d.getFID(dfid)
		f, ok2 := d.getFID(fid)
		if !ok1 || !ok2 {
			d.fail(q, descIdx, tag, errNumber(errProto))
			return
		}

		if err := d.FS.Link(df, f, name); err != nil {
			d.fail(q, descIdx, tag, err)
			return
		}

		d.reply(q, descIdx, id, tag, nil)

	case opMkdir:
		fid := r.u32()
		name := r.str()
		mode, gid := r.u32(), r.u32()
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		f, ok := d.getFID(fid)
		if !ok {
			d.fidNotFound(q, descIdx, tag)
			return
		}

		qid, err := d.FS.Mkdir(f, name, mode, gid)
		if err != nil {
			d.fail(q, descIdx, tag, err)
			return
		}

		w := new(writer)
		w.qid(qid)
		d.reply(q, descIdx, id, tag, w.buf)

	case opRenameat:
		fid := r.u32()
		name := r.str()
		newFid := r.u32()
		newName := r.str()
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		f, ok1 := d.getFID(fid)
		newF, ok2 := d.getFID(newFid)
		if !ok1 || !ok2 {
			d.fail(q, descIdx, tag, errNumber(errProto))
			return
		}

		if err := d.FS.Renameat(f, name, newF, newName); err != nil {
			d.fail(q, descIdx, tag, err)
			return
		}

		d.reply(q, descIdx, id, tag, nil)

	case opUnlinkat:
		fid := r.u32()
		name := r.str()
		_ = r.u32() // flags: not interpreted
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		f, ok := d.getFID(fid)
		if !ok {
			d.fail(q, descIdx, tag, errNumber(errProto))
			return
		}

		if err := d.FS.Unlinkat(f, name); err != nil {
			d.fail(q, descIdx, tag, err)
			return
		}

		d.reply(q, descIdx, id, tag, nil)

	case opVersion:
		msize := r.u32()
		_ = r.str() // requested protocol version string, always answered with 9P2000.L
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		d.msize = msize

		w := new(writer)
		w.u32(d.msize)
		w.str("9P2000.L")
		d.reply(q, descIdx, id, tag, w.buf)

	case opAttach:
		fid := r.u32()
		_ = r.u32() // afid: no authentication fid is modeled
		uname := r.str()
		aname := r.str()
		uid := r.u32()
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		f, qid, err := d.FS.Attach(uid, uname, aname)
		if err != nil {
			d.fail(q, descIdx, tag, err)
			return
		}

		d.setFID(fid, f)

		w := new(writer)
		w.qid(qid)
		d.reply(q, descIdx, id, tag, w.buf)

	case opFlush:
		_ = r.u16() // oldtag: requests always complete inline, so there's nothing to cancel
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		d.reply(q, descIdx, id, tag, nil)

	case opWalk:
		fid, newFid := r.u32(), r.u32()
		nwname := r.u16()
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		names := make([]string, nwname)
		for i := range names {
			names[i] = r.str()
		}

		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		f, ok := d.getFID(fid)
		if !ok {
			d.fidNotFound(q, descIdx, tag)
			return
		}

		newF, qids, err := d.FS.Walk(f, names)
		if err != nil {
			d.fail(q, descIdx, tag, err)
			return
		}

		d.setFID(newFid, newF)

		w := new(writer)
		w.u16(uint16(len(qids)))
		for _, qid := range qids {
			w.qid(qid)
		}
		d.reply(q, descIdx, id, tag, w.buf)

	case opRead:
		fid := r.u32()
		offset := r.u64()
		count := r.u32()
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		f, ok := d.getFID(fid)
		if !ok {
			d.fidNotFound(q, descIdx, tag)
			return
		}

		data, err := d.FS.Read(f, offset, count)
		if err != nil {
			d.fail(q, descIdx, tag, err)
			return
		}

		w := new(writer)
		w.u32(uint32(len(data)))
		w.buf = append(w.buf, data...)
		d.reply(q, descIdx, id, tag, w.buf)

	case opWrite:
		fid := r.u32()
		offset := r.u64()
		count := r.u32()
		data := r.bytes(int(count))
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		f, ok := d.getFID(fid)
		if !ok {
			d.fidNotFound(q, descIdx, tag)
			return
		}

		n, err := d.FS.Write(f, offset, data)
		if err != nil {
			d.fail(q, descIdx, tag, err)
			return
		}

		w := new(writer)
		w.u32(uint32(n))
		d.reply(q, descIdx, id, tag, w.buf)

	case opClunk:
		fid := r.u32()
		if r.err != nil {
			d.protoError(q, descIdx, tag)
			return
		}

		d.deleteFID(fid)
		d.reply(q, descIdx, id, tag, nil)

	default:
		slog.Warn("virtio 9p: unsupported op", "op", id)
		d.fail(q, descIdx, tag, errNumber(errProto))
	}

	d.clearInProgress()
}

func (d *Device) reply(q *virtq.Queue, descIdx uint16, id uint8, tag uint16, payload []byte) {
	msg := make([]byte, 7+len(payload))
	le.PutUint32(msg[0:], uint32(len(msg)))
	msg[4] = id + 1
	le.PutUint16(msg[5:], tag)
	copy(msg[7:], payload)

	if err := q.MemcpyToFromQueue(msg, descIdx, 0, true); err != nil {
		slog.Error("virtio 9p: scatter reply failed", "err", err)
		return
	}

	if err := q.ConsumeDesc(descIdx, uint32(len(msg))); err != nil {
		slog.Error("virtio 9p: consume desc failed", "err", err)
	}
}

func (d *Device) sendError(q *virtq.Queue, descIdx uint16, tag uint16, errno uint32) {
	w := new(writer)
	w.u32(errno)
	d.reply(q, descIdx, opRlerror, tag, w.buf)
}

func (d *Device) fail(q *virtq.Queue, descIdx uint16, tag uint16, err error) {
	d.sendError(q, descIdx, tag, errnoOf(err))
}

func (d *Device) protoError(q *virtq.Queue, descIdx uint16, tag uint16) {
	d.sendError(q, descIdx, tag, errProto)
}

func (d *Device) fidNotFound(q *virtq.Queue, descIdx uint16, tag uint16) {
	d.sendError(q, descIdx, tag, errProto)
}

func (d *Device) clearInProgress() {
	d.mu.Lock()
	d.reqInProgress = false
	d.mu.Unlock()

	d.resumeQueue(0)
}

func (d *Device) getFID(fid uint32) (any, bool) {
	d.fidsMu.Lock()
	defer d.fidsMu.Unlock()
	f, ok := d.fids[fid]
	return f, ok
}

func (d *Device) setFID(fid uint32, f any) {
	d.fidsMu.Lock()
	old, existed := d.fids[fid]
	d.fids[fid] = f
	d.fidsMu.Unlock()

	if existed && d.FS != nil {
		d.FS.Delete(old)
	}
}

func (d *Device) deleteFID(fid uint32) {
	d.fidsMu.Lock()
	old, existed := d.fids[fid]
	delete(d.fids, fid)
	d.fidsMu.Unlock()

	if existed && d.FS != nil {
		d.FS.Delete(old)
	}
}

// config space: a 2-byte length-prefixed mount tag, per VIRTIO_9P_F_MOUNT_TAG.
func (d *Device) ReadConfig(p []byte, off int) error {
	tag := d.MountTag
	cfg := make([]byte, 2+len(tag))
	le.PutUint16(cfg, uint16(len(tag)))
	copy(cfg[2:], tag)

	if off >= len(cfg) {
		return nil
	}

	copy(p, cfg[off:])
	return nil
}

func (d *Device) WriteConfig([]byte, int) error { return nil }

// errnoOf maps an FS error to the number a Rlerror wants. A *numberedError
// (as errNumber builds) carries its own code through; any other error is
// reported as EPROTO since an FS implementation's own error type doesn't
// speak Linux errno.
func errnoOf(err error) uint32 {
	if ne, ok := err.(*numberedError); ok {
		return ne.errno
	}

	return errProto
}

type numberedError struct {
	errno uint32
}

func (e *numberedError) Error() string { return "9p error" }

func errNumber(errno uint32) error { return &numberedError{errno: errno} }

type reader struct {
	q       *virtq.Queue
	descIdx uint16
	off     uint32
	err     error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil || n < 0 {
		return nil
	}

	buf := make([]byte, n)
	if err := r.q.MemcpyToFromQueue(buf, r.descIdx, r.off, false); err != nil {
		r.err = err
		return nil
	}

	r.off += uint32(n)
	return buf
}

func (r *reader) u8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return le.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return le.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return le.Uint64(b)
}

func (r *reader) str() string {
	n := r.u16()
	if r.err != nil {
		return ""
	}

	b := r.bytes(int(n))
	if b == nil {
		return ""
	}

	return string(b)
}

type writer struct{ buf []byte }

func (w *writer) u8(v byte) { w.buf = append(w.buf, v) }

func (w *writer) u16(v uint16) {
	var b [2]byte
	le.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	le.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	le.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) str(s string) {
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) qid(q QID) {
	w.buf = append(w.buf, q.Type)
	w.u32(q.Version)
	w.u64(q.Path)
}
