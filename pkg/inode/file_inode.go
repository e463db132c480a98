package inode

import (
	"context"
	"sync"
	"time"

	"github.com/buildbarn/bb-storage/pkg/filesystem/path"
	"github.com/scmfs/scmfs/pkg/overlay"
	"github.com/scmfs/scmfs/pkg/store"
)

// FileInode is a regular file. Unmodified files serve reads straight
// from their backing blob; the first write materializes the file into
// the overlay, after which the blob is no longer consulted.
type FileInode struct {
	inodeNumber InodeNumber
	imap        *InodeMap
	loc         location

	lock         sync.Mutex
	sourceBlob   store.ID
	materialized bool
	loaded       bool
	data         []byte
	dirty        bool
	mode         uint32
	mtime        time.Time
}

var _ Inode = (*FileInode)(nil)

func newFileInode(imap *InodeMap, number InodeNumber, parent *TreeInode, name path.Component, sourceBlob store.ID, mode uint32) *FileInode {
	f := &FileInode{
		inodeNumber: number,
		imap:        imap,
		loc:         location{parent: parent, name: name},
		sourceBlob:  sourceBlob,
		mode:        mode,
		mtime:       imap.now(),
	}
	imap.registerInode(f)
	return f
}

// newOverlayFileInode constructs a file that was materialized by a
// previous run. Its contents live in the overlay and are loaded on
// first use.
func newOverlayFileInode(imap *InodeMap, number InodeNumber, parent *TreeInode, name path.Component, mode uint32) *FileInode {
	f := &FileInode{
		inodeNumber:  number,
		imap:         imap,
		loc:          location{parent: parent, name: name},
		materialized: true,
		mode:         mode,
		mtime:        imap.now(),
	}
	imap.registerInode(f)
	return f
}

func newMaterializedFileInode(imap *InodeMap, number InodeNumber, parent *TreeInode, name path.Component, mode uint32) *FileInode {
	f := &FileInode{
		inodeNumber:  number,
		imap:         imap,
		loc:          location{parent: parent, name: name},
		materialized: true,
		loaded:       true,
		dirty:        true,
		mode:         mode & 0o7777,
		mtime:        imap.now(),
	}
	imap.registerInode(f)
	return f
}

// InodeNumber returns the inode's stable identifier.
func (f *FileInode) InodeNumber() InodeNumber {
	return f.inodeNumber
}

// FileType returns FileTypeRegularFile.
func (f *FileInode) FileType() FileType {
	return FileTypeRegularFile
}

// Path returns the mount relative path of the file.
func (f *FileInode) Path() string {
	f.imap.locationLock.Lock()
	defer f.imap.locationLock.Unlock()
	if f.loc.parent == nil {
		return f.loc.name.String()
	}
	parent := f.loc.parent.pathLocked()
	if parent == "" {
		return f.loc.name.String()
	}
	return parent + "/" + f.loc.name.String()
}

// ensureLoadedLocked brings the file contents into memory, either from
// the overlay (materialized files) or from the backing blob.
func (f *FileInode) ensureLoadedLocked(ctx context.Context) Status {
	if f.loaded {
		return StatusOK
	}
	if f.materialized {
		if ov := f.imap.Overlay(); ov != nil {
			data, found, err := ov.LoadFileData(uint64(f.inodeNumber))
			if err != nil {
				return StatusFromError(err)
			}
			if found {
				f.data = data
			}
		}
		f.loaded = true
		return StatusOK
	}
	if f.sourceBlob.IsZero() {
		f.loaded = true
		return StatusOK
	}
	data, err := f.imap.Store().GetBlob(ctx, f.sourceBlob)
	if err != nil {
		return StatusFromError(err)
	}
	f.data = data
	f.loaded = true
	return StatusOK
}

// GetAttr returns the file's attributes. Size requires knowing the
// contents' length, so cold files fetch their blob here.
func (f *FileInode) GetAttr(ctx context.Context) (Attr, Status) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if s := f.ensureLoadedLocked(ctx); s != StatusOK {
		return Attr{}, s
	}
	return f.attrLocked(), StatusOK
}

func (f *FileInode) attrLocked() Attr {
	return Attr{
		InodeNumber: f.inodeNumber,
		FileType:    FileTypeRegularFile,
		Mode:        f.mode,
		SizeBytes:   uint64(len(f.data)),
		Mtime:       f.mtime,
		LinkCount:   1,
	}
}

// SetAttr updates mode, size (truncate/extend) or mtime.
func (f *FileInode) SetAttr(ctx context.Context, request *SetAttrRequest) (Attr, Status) {
	if s := f.materialize(ctx); s != StatusOK {
		return Attr{}, s
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if request.SizeBytes != nil {
		size := *request.SizeBytes
		if size <= uint64(len(f.data)) {
			f.data = f.data[:size]
		} else {
			f.data = append(f.data, make([]byte, size-uint64(len(f.data)))...)
		}
		f.dirty = true
		f.mtime = f.imap.now()
	}
	if request.Mode != nil {
		f.mode = *request.Mode & 0o7777
		f.dirty = true
	}
	if request.Mtime != nil {
		f.mtime = *request.Mtime
		f.dirty = true
	}
	return f.attrLocked(), StatusOK
}

// Read copies file contents at the given offset into buf.
func (f *FileInode) Read(ctx context.Context, buf []byte, offset uint64) (int, Status) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if s := f.ensureLoadedLocked(ctx); s != StatusOK {
		return 0, s
	}
	if offset >= uint64(len(f.data)) {
		return 0, StatusOK
	}
	return copy(buf, f.data[offset:]), StatusOK
}

// Write stores data at the given offset, materializing the file on
// first touch. Dirty contents live in memory until Flush.
func (f *FileInode) Write(ctx context.Context, data []byte, offset uint64) (int, Status) {
	if s := f.materialize(ctx); s != StatusOK {
		return 0, s
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	end := offset + uint64(len(data))
	if end > uint64(len(f.data)) {
		f.data = append(f.data, make([]byte, end-uint64(len(f.data)))...)
	}
	copy(f.data[offset:end], data)
	f.dirty = true
	f.mtime = f.imap.now()
	return len(data), StatusOK
}

// materialize loads the current contents, switches the file over to
// overlay backing and materializes the ancestor directory chain.
func (f *FileInode) materialize(ctx context.Context) Status {
	f.lock.Lock()
	if s := f.ensureLoadedLocked(ctx); s != StatusOK {
		f.lock.Unlock()
		return s
	}
	alreadyMaterialized := f.materialized
	f.materialized = true
	f.sourceBlob = store.ID{}
	f.lock.Unlock()
	if alreadyMaterialized {
		return StatusOK
	}

	// Materialize the ancestor chain and detach this entry from its
	// source object in the parent.
	f.imap.locationLock.Lock()
	parent := f.loc.parent
	name := f.loc.name
	f.imap.locationLock.Unlock()
	if parent != nil {
		if s := parent.materializeUp(ctx); s != StatusOK {
			return s
		}
		if s := parent.clearChildSource(name); s != StatusOK {
			return s
		}
	}
	return StatusOK
}

// IsModified returns whether the file diverged from its backing blob.
func (f *FileInode) IsModified() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.materialized
}

// Flush persists dirty contents and metadata to the overlay.
func (f *FileInode) Flush(ctx context.Context) Status {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.materialized || !f.dirty {
		return StatusOK
	}
	ov := f.imap.Overlay()
	if ov == nil {
		f.dirty = false
		return StatusOK
	}
	if err := ov.SaveFileData(uint64(f.inodeNumber), f.data); err != nil {
		return StatusFromError(err)
	}
	if err := ov.SaveInode(uint64(f.inodeNumber), &overlay.InodeRecord{
		FileType:      uint8(FileTypeRegularFile),
		Mode:          f.mode,
		MtimeUnixNano: f.mtime.UnixNano(),
	}); err != nil {
		return StatusFromError(err)
	}
	f.dirty = false
	return StatusOK
}

// SymlinkInode is a symbolic link. Its target is stored either in a
// backing blob (unmodified links) or in the overlay inode record
// (locally created links).
type SymlinkInode struct {
	inodeNumber InodeNumber
	imap        *InodeMap
	loc         location

	lock       sync.Mutex
	sourceBlob store.ID
	loaded     bool
	target     string
	dirty      bool
	mtime      time.Time
}

var _ Inode = (*SymlinkInode)(nil)

func newSymlinkInode(imap *InodeMap, number InodeNumber, parent *TreeInode, name path.Component, sourceBlob store.ID) *SymlinkInode {
	l := &SymlinkInode{
		inodeNumber: number,
		imap:        imap,
		loc:         location{parent: parent, name: name},
		sourceBlob:  sourceBlob,
		mtime:       imap.now(),
	}
	imap.registerInode(l)
	return l
}

func newMaterializedSymlinkInode(imap *InodeMap, number InodeNumber, parent *TreeInode, name path.Component, target string) *SymlinkInode {
	l := &SymlinkInode{
		inodeNumber: number,
		imap:        imap,
		loc:         location{parent: parent, name: name},
		loaded:      true,
		target:      target,
		dirty:       true,
		mtime:       imap.now(),
	}
	imap.registerInode(l)
	return l
}

// InodeNumber returns the inode's stable identifier.
func (l *SymlinkInode) InodeNumber() InodeNumber {
	return l.inodeNumber
}

// FileType returns FileTypeSymlink.
func (l *SymlinkInode) FileType() FileType {
	return FileTypeSymlink
}

// Path returns the mount relative path of the symlink.
func (l *SymlinkInode) Path() string {
	l.imap.locationLock.Lock()
	defer l.imap.locationLock.Unlock()
	if l.loc.parent == nil {
		return l.loc.name.String()
	}
	parent := l.loc.parent.pathLocked()
	if parent == "" {
		return l.loc.name.String()
	}
	return parent + "/" + l.loc.name.String()
}

// Readlink returns the link target.
func (l *SymlinkInode) Readlink(ctx context.Context) (string, Status) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if !l.loaded {
		if ov := l.imap.Overlay(); ov != nil {
			record, found, err := ov.LoadInode(uint64(l.inodeNumber))
			if err != nil {
				return "", StatusFromError(err)
			}
			if found && record.SymlinkTarget != "" {
				l.target = record.SymlinkTarget
				l.loaded = true
				return l.target, StatusOK
			}
		}
		data, err := l.imap.Store().GetBlob(ctx, l.sourceBlob)
		if err != nil {
			return "", StatusFromError(err)
		}
		l.target = string(data)
		l.loaded = true
	}
	return l.target, StatusOK
}

// GetAttr returns the symlink's attributes.
func (l *SymlinkInode) GetAttr(ctx context.Context) (Attr, Status) {
	target, s := l.Readlink(ctx)
	if s != StatusOK {
		return Attr{}, s
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	return Attr{
		InodeNumber: l.inodeNumber,
		FileType:    FileTypeSymlink,
		Mode:        0o777,
		SizeBytes:   uint64(len(target)),
		Mtime:       l.mtime,
		LinkCount:   1,
	}, StatusOK
}

// SetAttr rejects all attribute changes; symlinks are immutable apart
// from being replaced.
func (l *SymlinkInode) SetAttr(ctx context.Context, request *SetAttrRequest) (Attr, Status) {
	return Attr{}, StatusErrPerm
}

// IsModified returns whether the symlink was created locally instead of
// being backed by a source control blob.
func (l *SymlinkInode) IsModified() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.sourceBlob.IsZero()
}

// Flush persists a locally created symlink to the overlay.
func (l *SymlinkInode) Flush(ctx context.Context) Status {
	l.lock.Lock()
	defer l.lock.Unlock()
	if !l.dirty {
		return StatusOK
	}
	ov := l.imap.Overlay()
	if ov == nil {
		l.dirty = false
		return StatusOK
	}
	if err := ov.SaveInode(uint64(l.inodeNumber), &overlay.InodeRecord{
		FileType:      uint8(FileTypeSymlink),
		Mode:          0o777,
		MtimeUnixNano: l.mtime.UnixNano(),
		SymlinkTarget: l.target,
	}); err != nil {
		return StatusFromError(err)
	}
	l.dirty = false
	return StatusOK
}
