package ninep

import (
	"sort"
	"sync"
)

// memNode is one file or directory in a MemFS tree.
type memNode struct {
	name     string
	isDir    bool
	mode     uint32
	qidPath  uint64
	data     []byte
	target   string // symlink target
	children map[string]*memNode
}

// MemFS is an in-memory 9P filesystem, useful as a default backend and in
// tests. It does not persist anything to disk.
type MemFS struct {
	mu      sync.Mutex
	root    *memNode
	nextQid uint64
}

func NewMemFS() *MemFS {
	fs := &MemFS{nextQid: 1}
	fs.root = &memNode{name: "/", isDir: true, mode: 0755, qidPath: fs.allocQid(), children: map[string]*memNode{}}
	return fs
}

func (fs *MemFS) allocQid() uint64 {
	q := fs.nextQid
	fs.nextQid++
	return q
}

func qidFor(n *memNode) QID {
	if n.isDir {
		return QID{Type: 0x80, Path: n.qidPath}
	}
	return QID{Type: 0, Path: n.qidPath}
}

func node(f any) *memNode { return f.(*memNode) }

func (fs *MemFS) Statfs() (StatFS, error) {
	return StatFS{Bsize: 4096, Blocks: 1 << 20, Bfree: 1 << 19, Bavail: 1 << 19, Files: 1 << 16, Ffree: 1 << 15}, nil
}

func (fs *MemFS) Attach(_ uint32, _, _ string) (any, QID, error) {
	return fs.root, qidFor(fs.root), nil
}

func (fs *MemFS) Walk(file any, names []string) (any, []QID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := node(file)
	qids := make([]QID, 0, len(names))

	for _, name := range names {
		if !n.isDir {
			return nil, qids, errNumber(errProto)
		}

		child, ok := n.children[name]
		if !ok {
			return nil, qids, errNumber(errProto)
		}

		n = child
		qids = append(qids, qidFor(n))
	}

	return n, qids, nil
}

func (fs *MemFS) Open(file any, _ uint32, done func(QID, uint32, error)) {
	done(qidFor(node(file)), 8192, nil)
}

func (fs *MemFS) Create(dir any, name string, _, mode, _ uint32) (QID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d := node(dir)
	if !d.isDir {
		return QID{}, errNumber(errProto)
	}

	n := &memNode{name: name, mode: mode, qidPath: fs.allocQid()}
	d.children[name] = n
	return qidFor(n), nil
}

func (fs *MemFS) Symlink(dir any, name, target string, _ uint32) (QID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d := node(dir)
	if !d.isDir {
		return QID{}, errNumber(errProto)
	}

	n := &memNode{name: name, target: target, qidPath: fs.allocQid()}
	d.children[name] = n
	return QID{Type: 0x02, Path: n.qidPath}, nil
}

func (fs *MemFS) Mknod(dir any, name string, mode, _, _, _ uint32) (QID, error) {
	return fs.Create(dir, name, 0, mode, 0)
}

func (fs *MemFS) Readlink(file any) (string, error) {
	n := node(file)
	if n.target == "" {
		return "", errNumber(errProto)
	}
	return n.target, nil
}

func (fs *MemFS) GetAttr(file any) (Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := node(file)
	mode := n.mode
	if n.isDir {
		mode |= 1 << 31 // S_IFDIR marker bit, not interpreted by this device
	}

	return Stat{
		Qid:     qidFor(n),
		Mode:    mode,
		Nlink:   1,
		Size:    uint64(len(n.data)),
		Blksize: 4096,
		Blocks:  uint64(len(n.data)+4095) / 4096,
	}, nil
}

func (fs *MemFS) SetAttr(file any, mask uint32, mode, _, _ uint32, size, _, _, _, _ uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := node(file)

	const (
		maskMode = 1 << 0
		maskSize = 1 << 3
	)

	if mask&maskMode != 0 {
		n.mode = mode
	}

	if mask&maskSize != 0 {
		if int(size) <= len(n.data) {
			n.data = n.data[:size]
		} else {
			grown := make([]byte, size)
			copy(grown, n.data)
			n.data = grown
		}
	}

	return nil
}

func (fs *MemFS) Readdir(file any, offset uint64, count uint32) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d := node(file)
	if !d.isDir {
		return nil, errNumber(errProto)
	}

	names := make([]string, 0, len(d.children))
	for name := range d.children {
		names = append(names, name)
	}
	sort.Strings(names)

	w := new(writer)
	for i, name := range names {
		if uint64(i) < offset {
			continue
		}

		entry := new(writer)
		entry.qid(qidFor(d.children[name]))
		entry.u64(uint64(i) + 1)
		entry.u8(0) // d_type: unknown
		entry.str(name)

		if uint32(len(w.buf)+len(entry.buf)) > count {
			break
		}

		w.buf = append(w.buf, entry.buf...)
	}

	return w.buf, nil
}

func (fs *MemFS) Lock(any, Lock) (int8, error) { return 0, nil }

func (fs *MemFS) GetLock(any, *Lock) error { return nil }

func (fs *MemFS) Link(any, any, string) error { return errNumber(errNotSup) }

func (fs *MemFS) Mkdir(dir any, name string, mode, _ uint32) (QID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d := node(dir)
	if !d.isDir {
		return QID{}, errNumber(errProto)
	}

	n := &memNode{name: name, isDir: true, mode: mode, qidPath: fs.allocQid(), children: map[string]*memNode{}}
	d.children[name] = n
	return qidFor(n), nil
}

func (fs *MemFS) Renameat(dir any, name string, newDir any, newName string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d, nd := node(dir), node(newDir)
	n, ok := d.children[name]
	if !ok {
		return errNumber(errProto)
	}

	delete(d.children, name)
	n.name = newName
	nd.children[newName] = n
	return nil
}

func (fs *MemFS) Unlinkat(dir any, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d := node(dir)
	if _, ok := d.children[name]; !ok {
		return errNumber(errProto)
	}

	delete(d.children, name)
	return nil
}

func (fs *MemFS) Read(file any, offset uint64, count uint32) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := node(file)
	if offset >= uint64(len(n.data)) {
		return nil, nil
	}

	end := offset + uint64(count)
	if end > uint64(len(n.data)) {
		end = uint64(len(n.data))
	}

	return append([]byte(nil), n.data[offset:end]...), nil
}

func (fs *MemFS) Write(file any, offset uint64, data []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := node(file)
	end := offset + uint64(len(data))
	if end > uint64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}

	copy(n.data[offset:end], data)
	return len(data), nil
}

func (fs *MemFS) Delete(any) {}
