package inode

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/buildbarn/bb-storage/pkg/filesystem/path"
	"github.com/scmfs/scmfs/pkg/overlay"
	"github.com/scmfs/scmfs/pkg/store"
)

// directorySizeBytes is the size reported for directories. The real
// entry count is not known without hydrating the directory, which
// getattr must not force.
const directorySizeBytes = 4096

// DirEntry is one child of a TreeInode. Entries start out backed purely
// by a source control object (SourceID); an inode number is assigned
// the first time the entry is reported to the kernel, and an inode
// object is constructed the first time the entry is actually used.
type DirEntry struct {
	FileType    FileType
	Mode        uint32
	SourceID    store.ID
	InodeNumber InodeNumber
	child       Inode
}

// DirListEntry is one row of a ReadDir result.
type DirListEntry struct {
	Name        path.Component
	InodeNumber InodeNumber
	FileType    FileType
	Mode        uint32
}

// TreeInode is a directory in the working copy. Unmodified directories
// are hydrated lazily from their backing tree object; locally modified
// (materialized) directories are hydrated from the overlay instead.
type TreeInode struct {
	inodeNumber InodeNumber
	imap        *InodeMap
	loc         location

	// lock guards the fields below. Operations that span several
	// directories take ancestor locks before descendant locks; see
	// Rename for the cross-directory ordering rules.
	lock         sync.Mutex
	sourceTree   store.ID
	hydrated     bool
	materialized bool
	entries      map[path.Component]*DirEntry
	mode         uint32
	mtime        time.Time
}

var _ Inode = (*TreeInode)(nil)

func newTreeInode(imap *InodeMap, number InodeNumber, parent *TreeInode, name path.Component, sourceTree store.ID, mode uint32) *TreeInode {
	t := &TreeInode{
		inodeNumber: number,
		imap:        imap,
		loc:         location{parent: parent, name: name},
		sourceTree:  sourceTree,
		mode:        mode,
		mtime:       imap.now(),
	}
	imap.registerInode(t)
	return t
}

// NewRootTreeInode constructs the root directory of a mount, backed by
// the root tree of the checked out commit. If the root was materialized
// by a previous run, hydration will pick up the overlay state instead.
func NewRootTreeInode(imap *InodeMap, sourceTree store.ID) *TreeInode {
	return newTreeInode(imap, RootInodeNumber, nil, path.Component{}, sourceTree, 0o755)
}

// InodeNumber returns the inode's stable identifier.
func (t *TreeInode) InodeNumber() InodeNumber {
	return t.inodeNumber
}

// FileType returns FileTypeDirectory.
func (t *TreeInode) FileType() FileType {
	return FileTypeDirectory
}

// Path returns the mount relative path of the directory.
func (t *TreeInode) Path() string {
	t.imap.locationLock.Lock()
	defer t.imap.locationLock.Unlock()
	return t.pathLocked()
}

func (t *TreeInode) pathLocked() string {
	if t.loc.parent == nil {
		return ""
	}
	parent := t.loc.parent.pathLocked()
	if parent == "" {
		return t.loc.name.String()
	}
	return parent + "/" + t.loc.name.String()
}

// GetAttr returns the directory's attributes.
func (t *TreeInode) GetAttr(ctx context.Context) (Attr, Status) {
	t.lock.Lock()
	defer t.lock.Unlock()
	return Attr{
		InodeNumber: t.inodeNumber,
		FileType:    FileTypeDirectory,
		Mode:        t.mode,
		SizeBytes:   directorySizeBytes,
		Mtime:       t.mtime,
		LinkCount:   2,
	}, StatusOK
}

// SetAttr updates the directory's mode or mtime. Directories have no
// size to truncate.
func (t *TreeInode) SetAttr(ctx context.Context, request *SetAttrRequest) (Attr, Status) {
	if request.SizeBytes != nil {
		return Attr{}, StatusErrIsDir
	}
	if s := t.materializeUp(ctx); s != StatusOK {
		return Attr{}, s
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if request.Mode != nil {
		t.mode = *request.Mode & 0o7777
	}
	if request.Mtime != nil {
		t.mtime = *request.Mtime
	}
	if s := t.persistLocked(); s != StatusOK {
		return Attr{}, s
	}
	return Attr{
		InodeNumber: t.inodeNumber,
		FileType:    FileTypeDirectory,
		Mode:        t.mode,
		SizeBytes:   directorySizeBytes,
		Mtime:       t.mtime,
		LinkCount:   2,
	}, StatusOK
}

// Flush persists the directory to the overlay if it is materialized.
func (t *TreeInode) Flush(ctx context.Context) Status {
	t.lock.Lock()
	defer t.lock.Unlock()
	if !t.materialized {
		return StatusOK
	}
	return t.persistLocked()
}

func entryFileTypeFromTree(e *store.TreeEntry) (FileType, uint32) {
	switch e.Type {
	case store.EntryTypeTree:
		return FileTypeDirectory, 0o755
	case store.EntryTypeSymlink:
		return FileTypeSymlink, 0o777
	default:
		if e.Executable {
			return FileTypeRegularFile, 0o755
		}
		return FileTypeRegularFile, 0o644
	}
}

// hydrateLocked populates the entry map, either from the overlay (if a
// previous run materialized this directory) or from the backing tree
// object. The inode lock is held across the store fetch; concurrent
// operations against one cold directory serialize on it.
func (t *TreeInode) hydrateLocked(ctx context.Context) Status {
	if t.hydrated {
		return StatusOK
	}
	if ov := t.imap.Overlay(); ov != nil {
		records, found, err := ov.LoadDirectory(uint64(t.inodeNumber))
		if err != nil {
			return StatusFromError(err)
		}
		if found {
			entries := make(map[path.Component]*DirEntry, len(records))
			for _, r := range records {
				name, ok := path.NewComponent(r.Name)
				if !ok {
					return StatusErrIO
				}
				e := &DirEntry{
					FileType:    FileType(r.FileType),
					Mode:        r.Mode,
					InodeNumber: InodeNumber(r.InodeNumber),
				}
				if len(r.SourceID) == store.IDSizeBytes {
					copy(e.SourceID[:], r.SourceID)
				}
				entries[name] = e
			}
			t.entries = entries
			t.materialized = true
			t.hydrated = true
			return StatusOK
		}
	}
	if t.sourceTree.IsZero() {
		t.entries = map[path.Component]*DirEntry{}
		t.hydrated = true
		return StatusOK
	}
	tree, err := t.imap.Store().GetTree(ctx, t.sourceTree)
	if err != nil {
		return StatusFromError(err)
	}
	entries := make(map[path.Component]*DirEntry, len(tree.Entries))
	for i := range tree.Entries {
		e := &tree.Entries[i]
		name, ok := path.NewComponent(e.Name)
		if !ok {
			return StatusErrIO
		}
		fileType, mode := entryFileTypeFromTree(e)
		entries[name] = &DirEntry{
			FileType: fileType,
			Mode:     mode,
			SourceID: e.ID,
		}
	}
	t.entries = entries
	t.hydrated = true
	return StatusOK
}

// loadChildLocked constructs (or returns) the inode object of an entry.
func (t *TreeInode) loadChildLocked(name path.Component, e *DirEntry) Inode {
	if e.child != nil {
		return e.child
	}
	if e.InodeNumber == 0 {
		e.InodeNumber = t.imap.AllocateInodeNumber()
	}
	switch e.FileType {
	case FileTypeDirectory:
		e.child = newTreeInode(t.imap, e.InodeNumber, t, name, e.SourceID, e.Mode)
	case FileTypeSymlink:
		e.child = newSymlinkInode(t.imap, e.InodeNumber, t, name, e.SourceID)
	default:
		if e.SourceID.IsZero() {
			// Materialized by a previous run; the contents are
			// in the overlay.
			e.child = newOverlayFileInode(t.imap, e.InodeNumber, t, name, e.Mode)
		} else {
			e.child = newFileInode(t.imap, e.InodeNumber, t, name, e.SourceID, e.Mode)
		}
	}
	return e.child
}

// Lookup resolves a child by name, constructing its inode if necessary.
func (t *TreeInode) Lookup(ctx context.Context, name path.Component) (Inode, Status) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if s := t.hydrateLocked(ctx); s != StatusOK {
		return nil, s
	}
	e, ok := t.entries[name]
	if !ok {
		return nil, StatusErrNoEnt
	}
	return t.loadChildLocked(name, e), StatusOK
}

// ReadDir returns the directory's entries sorted by name, starting at
// the provided index. Inode numbers are assigned to entries as they are
// listed, so that the numbers the kernel observes stay stable.
func (t *TreeInode) ReadDir(ctx context.Context, firstIndex uint64) ([]DirListEntry, Status) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if s := t.hydrateLocked(ctx); s != StatusOK {
		return nil, s
	}
	names := make([]path.Component, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return names[i].String() < names[j].String()
	})
	if firstIndex > uint64(len(names)) {
		return nil, StatusOK
	}
	listing := make([]DirListEntry, 0, uint64(len(names))-firstIndex)
	for _, name := range names[firstIndex:] {
		e := t.entries[name]
		if e.InodeNumber == 0 {
			e.InodeNumber = t.imap.AllocateInodeNumber()
		}
		listing = append(listing, DirListEntry{
			Name:        name,
			InodeNumber: e.InodeNumber,
			FileType:    e.FileType,
			Mode:        e.Mode,
		})
	}
	return listing, StatusOK
}

// persistLocked writes the directory's entry list and metadata to the
// overlay. Only materialized directories are persisted.
func (t *TreeInode) persistLocked() Status {
	ov := t.imap.Overlay()
	if ov == nil || !t.materialized {
		return StatusOK
	}
	records := make([]overlay.DirEntryRecord, 0, len(t.entries))
	for name, e := range t.entries {
		r := overlay.DirEntryRecord{
			Name:        name.String(),
			InodeNumber: uint64(e.InodeNumber),
			FileType:    uint8(e.FileType),
			Mode:        e.Mode,
		}
		if !e.SourceID.IsZero() {
			r.SourceID = append([]byte(nil), e.SourceID[:]...)
		}
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Name < records[j].Name
	})
	if err := ov.SaveDirectory(uint64(t.inodeNumber), records); err != nil {
		return StatusFromError(err)
	}
	if err := ov.SaveInode(uint64(t.inodeNumber), &overlay.InodeRecord{
		FileType:      uint8(FileTypeDirectory),
		Mode:          t.mode,
		MtimeUnixNano: t.mtime.UnixNano(),
	}); err != nil {
		return StatusFromError(err)
	}
	return StatusOK
}

// materializeUp materializes this directory and every ancestor, root
// first. Locks are taken one directory at a time in root-to-leaf
// order, which is the same order the lookup path uses.
func (t *TreeInode) materializeUp(ctx context.Context) Status {
	// Collect the ancestor chain under the location lock.
	t.imap.locationLock.Lock()
	var chain []*TreeInode
	for d := t; d != nil; d = d.loc.parent {
		chain = append(chain, d)
	}
	t.imap.locationLock.Unlock()

	// Materialize from the root downwards.
	for i := len(chain) - 1; i >= 0; i-- {
		d := chain[i]
		if s := d.materialize(ctx); s != StatusOK {
			return s
		}
		if i < len(chain)-1 {
			// The parent no longer fully describes this
			// child through a source object.
			parent := chain[i+1]
			t.imap.locationLock.Lock()
			name := d.loc.name
			t.imap.locationLock.Unlock()
			if s := parent.clearChildSource(name); s != StatusOK {
				return s
			}
		}
	}
	return StatusOK
}

func (t *TreeInode) materialize(ctx context.Context) Status {
	t.lock.Lock()
	defer t.lock.Unlock()
	if s := t.hydrateLocked(ctx); s != StatusOK {
		return s
	}
	if t.materialized {
		return StatusOK
	}
	t.materialized = true
	return t.persistLocked()
}

func (t *TreeInode) clearChildSource(name path.Component) Status {
	t.lock.Lock()
	defer t.lock.Unlock()
	if e, ok := t.entries[name]; ok && !e.SourceID.IsZero() {
		e.SourceID = store.ID{}
		return t.persistLocked()
	}
	return StatusOK
}

// CreateFile creates an empty regular file.
func (t *TreeInode) CreateFile(ctx context.Context, name path.Component, mode uint32) (*FileInode, Status) {
	if s := t.materializeUp(ctx); s != StatusOK {
		return nil, s
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.entries[name]; ok {
		return nil, StatusErrExist
	}
	number := t.imap.AllocateInodeNumber()
	file := newMaterializedFileInode(t.imap, number, t, name, mode)
	t.entries[name] = &DirEntry{
		FileType:    FileTypeRegularFile,
		Mode:        mode & 0o7777,
		InodeNumber: number,
		child:       file,
	}
	t.mtime = t.imap.now()
	if s := t.persistLocked(); s != StatusOK {
		return nil, s
	}
	if s := file.Flush(ctx); s != StatusOK {
		return nil, s
	}
	return file, StatusOK
}

// Mkdir creates an empty subdirectory.
func (t *TreeInode) Mkdir(ctx context.Context, name path.Component, mode uint32) (*TreeInode, Status) {
	if s := t.materializeUp(ctx); s != StatusOK {
		return nil, s
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.entries[name]; ok {
		return nil, StatusErrExist
	}
	number := t.imap.AllocateInodeNumber()
	child := newTreeInode(t.imap, number, t, name, store.ID{}, mode&0o7777)
	child.lock.Lock()
	child.hydrated = true
	child.entries = map[path.Component]*DirEntry{}
	child.materialized = true
	s := child.persistLocked()
	child.lock.Unlock()
	if s != StatusOK {
		return nil, s
	}
	t.entries[name] = &DirEntry{
		FileType:    FileTypeDirectory,
		Mode:        mode & 0o7777,
		InodeNumber: number,
		child:       child,
	}
	t.mtime = t.imap.now()
	if s := t.persistLocked(); s != StatusOK {
		return nil, s
	}
	return child, StatusOK
}

// Symlink creates a symbolic link to target.
func (t *TreeInode) Symlink(ctx context.Context, target string, name path.Component) (*SymlinkInode, Status) {
	if s := t.materializeUp(ctx); s != StatusOK {
		return nil, s
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.entries[name]; ok {
		return nil, StatusErrExist
	}
	number := t.imap.AllocateInodeNumber()
	link := newMaterializedSymlinkInode(t.imap, number, t, name, target)
	t.entries[name] = &DirEntry{
		FileType:    FileTypeSymlink,
		Mode:        0o777,
		InodeNumber: number,
		child:       link,
	}
	t.mtime = t.imap.now()
	if s := t.persistLocked(); s != StatusOK {
		return nil, s
	}
	if s := link.Flush(ctx); s != StatusOK {
		return nil, s
	}
	return link, StatusOK
}

func (t *TreeInode) removeEntryLocked(name path.Component, e *DirEntry) Status {
	delete(t.entries, name)
	t.mtime = t.imap.now()
	if e.child != nil {
		t.imap.detachChild(e.child)
		t.imap.dropInode(e.InodeNumber)
	}
	if ov := t.imap.Overlay(); ov != nil && e.InodeNumber != 0 {
		if err := ov.RemoveInode(uint64(e.InodeNumber)); err != nil {
			return StatusFromError(err)
		}
	}
	return t.persistLocked()
}

// Unlink removes a file or symlink entry.
func (t *TreeInode) Unlink(ctx context.Context, name path.Component) Status {
	if s := t.materializeUp(ctx); s != StatusOK {
		return s
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	e, ok := t.entries[name]
	if !ok {
		return StatusErrNoEnt
	}
	if e.FileType == FileTypeDirectory {
		return StatusErrIsDir
	}
	return t.removeEntryLocked(name, e)
}

// Rmdir removes an empty subdirectory.
func (t *TreeInode) Rmdir(ctx context.Context, name path.Component) Status {
	if s := t.materializeUp(ctx); s != StatusOK {
		return s
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	e, ok := t.entries[name]
	if !ok {
		return StatusErrNoEnt
	}
	if e.FileType != FileTypeDirectory {
		return StatusErrNotDir
	}
	child, _ := t.loadChildLocked(name, e).(*TreeInode)
	if child == nil {
		return StatusErrIO
	}
	child.lock.Lock()
	s := child.hydrateLocked(ctx)
	empty := len(child.entries) == 0
	child.lock.Unlock()
	if s != StatusOK {
		return s
	}
	if !empty {
		return StatusErrNotEmpty
	}
	return t.removeEntryLocked(name, e)
}

// isAncestorOfLocked reports whether other sits in the subtree below t
// (or is t itself). The caller holds the map's locationLock.
func (t *TreeInode) isAncestorOfLocked(other *TreeInode) bool {
	for d := other; d != nil; d = d.loc.parent {
		if d == t {
			return true
		}
	}
	return false
}

// Rename moves an entry from this directory to newParent.
//
// Multi-directory operations take ancestor locks before descendant
// locks, the same order the Rmdir, checkout and diff walks use. A
// cross-directory rename therefore locks the ancestor side first when
// the two directories are related, and falls back to inode number
// order when they are not; unrelated pairs cannot form a cycle with
// any ancestor chain. Cross-directory renames serialize on a mount
// wide lock so that the ancestry consulted for this ordering cannot
// change before both locks are held.
func (t *TreeInode) Rename(ctx context.Context, oldName path.Component, newParent *TreeInode, newName path.Component) Status {
	if s := t.materializeUp(ctx); s != StatusOK {
		return s
	}
	if s := newParent.materializeUp(ctx); s != StatusOK {
		return s
	}

	if t == newParent {
		t.lock.Lock()
		defer t.lock.Unlock()
		return t.renameLocked(ctx, oldName, newParent, newName)
	}

	t.imap.crossRenameLock.Lock()
	defer t.imap.crossRenameLock.Unlock()

	t.imap.locationLock.Lock()
	// A directory must never be moved underneath itself. Walking the
	// loaded parent chain is sufficient: a directory can only have
	// loaded descendants once it has been loaded itself.
	loop := false
	for d := newParent; d != nil; d = d.loc.parent {
		if d.loc.parent == t && d.loc.name == oldName {
			loop = true
			break
		}
	}
	first, second := t, newParent
	switch {
	case t.isAncestorOfLocked(newParent):
	case newParent.isAncestorOfLocked(t):
		first, second = newParent, t
	case newParent.inodeNumber < t.inodeNumber:
		first, second = newParent, t
	}
	t.imap.locationLock.Unlock()
	if loop {
		return StatusErrInval
	}

	first.lock.Lock()
	defer first.lock.Unlock()
	second.lock.Lock()
	defer second.lock.Unlock()
	return t.renameLocked(ctx, oldName, newParent, newName)
}

func (t *TreeInode) renameLocked(ctx context.Context, oldName path.Component, newParent *TreeInode, newName path.Component) Status {
	if s := t.hydrateLocked(ctx); s != StatusOK {
		return s
	}
	if s := newParent.hydrateLocked(ctx); s != StatusOK {
		return s
	}
	e, ok := t.entries[oldName]
	if !ok {
		return StatusErrNoEnt
	}
	if existing, ok := newParent.entries[newName]; ok {
		// Overwriting is only allowed for leaves, matching the
		// rename(2) rules for non-directories.
		if existing.FileType == FileTypeDirectory {
			return StatusErrIsDir
		}
		if e.FileType == FileTypeDirectory {
			return StatusErrNotDir
		}
		if s := newParent.removeEntryLocked(newName, existing); s != StatusOK {
			return s
		}
	}

	delete(t.entries, oldName)
	newParent.entries[newName] = e
	t.mtime = t.imap.now()
	newParent.mtime = t.mtime
	if e.child != nil {
		t.imap.locationLock.Lock()
		switch c := e.child.(type) {
		case *TreeInode:
			c.loc = location{parent: newParent, name: newName}
		case *FileInode:
			c.loc = location{parent: newParent, name: newName}
		case *SymlinkInode:
			c.loc = location{parent: newParent, name: newName}
		}
		t.imap.locationLock.Unlock()
	}
	if s := t.persistLocked(); s != StatusOK {
		return s
	}
	if t != newParent {
		if s := newParent.persistLocked(); s != StatusOK {
			return s
		}
	}
	return StatusOK
}

// UnloadUnreferenced drops loaded child inodes the kernel no longer
// references, recursively. It returns the number of inodes unloaded.
// Checkout runs this first so that it only needs to patch the subtrees
// that are actually pinned by the kernel; everything else is recreated
// lazily from the new commit's objects.
func (t *TreeInode) UnloadUnreferenced(ctx context.Context) int {
	t.lock.Lock()
	defer t.lock.Unlock()
	unloaded := 0
	for _, e := range t.entries {
		if e.child == nil {
			continue
		}
		if child, ok := e.child.(*TreeInode); ok {
			unloaded += child.UnloadUnreferenced(ctx)
		}
		if t.imap.IsKernelReferenced(e.InodeNumber) {
			continue
		}
		if e.child.Flush(ctx) != StatusOK {
			continue
		}
		t.imap.detachChild(e.child)
		t.imap.dropInode(e.InodeNumber)
		e.child = nil
		unloaded++
	}
	return unloaded
}
