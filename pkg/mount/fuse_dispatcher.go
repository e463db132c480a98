package mount

import (
	"context"
	"sort"

	"github.com/buildbarn/bb-storage/pkg/filesystem/path"
	"github.com/scmfs/scmfs/pkg/fschannel"
	"github.com/scmfs/scmfs/pkg/inode"
)

// FuseDispatcher translates channel requests to operations on the
// mount's inode tree. It also serves the synthetic control directory,
// which exists only here: checkout, diff and the journal never see it.
type FuseDispatcher struct {
	mount *Mount
}

var _ fschannel.Dispatcher = (*FuseDispatcher)(nil)

func (d *FuseDispatcher) imap() *inode.InodeMap {
	return d.mount.inodeMap
}

func (d *FuseDispatcher) isControlNumber(number inode.InodeNumber) bool {
	cd := d.mount.control
	if cd == nil {
		return false
	}
	if number == cd.number {
		return true
	}
	return cd.symlinkByNumber(number) != nil
}

func (d *FuseDispatcher) resolveInode(number inode.InodeNumber) (inode.Inode, inode.Status) {
	return d.imap().LookupInode(number)
}

func (d *FuseDispatcher) resolveTree(number inode.InodeNumber) (*inode.TreeInode, inode.Status) {
	i, s := d.imap().LookupInode(number)
	if s != inode.StatusOK {
		return nil, s
	}
	t, ok := i.(*inode.TreeInode)
	if !ok {
		return nil, inode.StatusErrNotDir
	}
	return t, inode.StatusOK
}

func joinWorkingCopyPath(dirPath string, name path.Component) string {
	if dirPath == "" {
		return name.String()
	}
	return dirPath + "/" + name.String()
}

func (d *FuseDispatcher) recordChange(parent *inode.TreeInode, name path.Component) {
	d.mount.journal.RecordChanges(joinWorkingCopyPath(parent.Path(), name))
}

// Retain registers kernel lookup counts. The channel calls it after a
// lookup style reply has been delivered.
func (d *FuseDispatcher) Retain(number inode.InodeNumber, count uint64) {
	d.imap().AcquireFsRefs(number, count)
}

// Forget releases kernel lookup counts.
func (d *FuseDispatcher) Forget(number inode.InodeNumber, count uint64) {
	d.imap().ReleaseFsRefs(number, count)
}

func (d *FuseDispatcher) Lookup(ctx context.Context, rc *fschannel.RequestContext, parent inode.InodeNumber, name path.Component) (inode.Attr, inode.Status) {
	cd := d.mount.control
	if parent == inode.RootInodeNumber && name.String() == ControlDirName {
		return cd.attr(), inode.StatusOK
	}
	if parent == cd.number {
		l := cd.lookup(name)
		if l == nil {
			return inode.Attr{}, inode.StatusErrNoEnt
		}
		return cd.symlinkAttr(l), inode.StatusOK
	}
	t, s := d.resolveTree(parent)
	if s != inode.StatusOK {
		return inode.Attr{}, s
	}
	child, s := t.Lookup(ctx, name)
	if s != inode.StatusOK {
		return inode.Attr{}, s
	}
	return child.GetAttr(ctx)
}

func (d *FuseDispatcher) GetAttr(ctx context.Context, rc *fschannel.RequestContext, number inode.InodeNumber) (inode.Attr, inode.Status) {
	cd := d.mount.control
	if number == cd.number {
		return cd.attr(), inode.StatusOK
	}
	if l := cd.symlinkByNumber(number); l != nil {
		return cd.symlinkAttr(l), inode.StatusOK
	}
	i, s := d.resolveInode(number)
	if s != inode.StatusOK {
		return inode.Attr{}, s
	}
	return i.GetAttr(ctx)
}

func (d *FuseDispatcher) SetAttr(ctx context.Context, rc *fschannel.RequestContext, number inode.InodeNumber, request *inode.SetAttrRequest) (inode.Attr, inode.Status) {
	if d.isControlNumber(number) {
		return inode.Attr{}, inode.StatusErrPerm
	}
	i, s := d.resolveInode(number)
	if s != inode.StatusOK {
		return inode.Attr{}, s
	}
	attr, s := i.SetAttr(ctx, request)
	if s == inode.StatusOK && request.SizeBytes != nil {
		d.mount.journal.RecordChanges(i.Path())
	}
	return attr, s
}

func (d *FuseDispatcher) Readlink(ctx context.Context, rc *fschannel.RequestContext, number inode.InodeNumber) (string, inode.Status) {
	if l := d.mount.control.symlinkByNumber(number); l != nil {
		return l.target, inode.StatusOK
	}
	i, s := d.resolveInode(number)
	if s != inode.StatusOK {
		return "", s
	}
	symlink, ok := i.(*inode.SymlinkInode)
	if !ok {
		return "", inode.StatusErrInval
	}
	return symlink.Readlink(ctx)
}

func (d *FuseDispatcher) Create(ctx context.Context, rc *fschannel.RequestContext, parent inode.InodeNumber, name path.Component, mode uint32) (inode.Attr, inode.Status) {
	t, s := d.resolveTree(parent)
	if s != inode.StatusOK {
		return inode.Attr{}, s
	}
	f, s := t.CreateFile(ctx, name, mode)
	if s != inode.StatusOK {
		return inode.Attr{}, s
	}
	d.recordChange(t, name)
	return f.GetAttr(ctx)
}

func (d *FuseDispatcher) Mkdir(ctx context.Context, rc *fschannel.RequestContext, parent inode.InodeNumber, name path.Component, mode uint32) (inode.Attr, inode.Status) {
	t, s := d.resolveTree(parent)
	if s != inode.StatusOK {
		return inode.Attr{}, s
	}
	child, s := t.Mkdir(ctx, name, mode)
	if s != inode.StatusOK {
		return inode.Attr{}, s
	}
	d.recordChange(t, name)
	return child.GetAttr(ctx)
}

func (d *FuseDispatcher) Symlink(ctx context.Context, rc *fschannel.RequestContext, parent inode.InodeNumber, target string, name path.Component) (inode.Attr, inode.Status) {
	t, s := d.resolveTree(parent)
	if s != inode.StatusOK {
		return inode.Attr{}, s
	}
	l, s := t.Symlink(ctx, target, name)
	if s != inode.StatusOK {
		return inode.Attr{}, s
	}
	d.recordChange(t, name)
	return l.GetAttr(ctx)
}

func (d *FuseDispatcher) Unlink(ctx context.Context, rc *fschannel.RequestContext, parent inode.InodeNumber, name path.Component) inode.Status {
	if parent == inode.RootInodeNumber && name.String() == ControlDirName {
		return inode.StatusErrPerm
	}
	t, s := d.resolveTree(parent)
	if s != inode.StatusOK {
		return s
	}
	if s := t.Unlink(ctx, name); s != inode.StatusOK {
		return s
	}
	d.recordChange(t, name)
	return inode.StatusOK
}

func (d *FuseDispatcher) Rmdir(ctx context.Context, rc *fschannel.RequestContext, parent inode.InodeNumber, name path.Component) inode.Status {
	if parent == inode.RootInodeNumber && name.String() == ControlDirName {
		return inode.StatusErrPerm
	}
	t, s := d.resolveTree(parent)
	if s != inode.StatusOK {
		return s
	}
	if s := t.Rmdir(ctx, name); s != inode.StatusOK {
		return s
	}
	d.recordChange(t, name)
	return inode.StatusOK
}

func (d *FuseDispatcher) Rename(ctx context.Context, rc *fschannel.RequestContext, oldParent inode.InodeNumber, oldName path.Component, newParent inode.InodeNumber, newName path.Component) inode.Status {
	if d.isControlNumber(oldParent) || d.isControlNumber(newParent) {
		return inode.StatusErrPerm
	}
	if oldParent == inode.RootInodeNumber && oldName.String() == ControlDirName {
		return inode.StatusErrPerm
	}
	if newParent == inode.RootInodeNumber && newName.String() == ControlDirName {
		return inode.StatusErrPerm
	}
	// Checkout holds this lock exclusively while it patches the
	// tree; renames during that window wait.
	d.mount.renameLock.RLock()
	defer d.mount.renameLock.RUnlock()
	oldTree, s := d.resolveTree(oldParent)
	if s != inode.StatusOK {
		return s
	}
	newTree, s := d.resolveTree(newParent)
	if s != inode.StatusOK {
		return s
	}
	if s := oldTree.Rename(ctx, oldName, newTree, newName); s != inode.StatusOK {
		return s
	}
	d.mount.journal.RecordChanges(
		joinWorkingCopyPath(oldTree.Path(), oldName),
		joinWorkingCopyPath(newTree.Path(), newName))
	return inode.StatusOK
}

func (d *FuseDispatcher) Open(ctx context.Context, rc *fschannel.RequestContext, number inode.InodeNumber, writable, truncate bool) inode.Status {
	if d.isControlNumber(number) {
		if writable {
			return inode.StatusErrPerm
		}
		return inode.StatusOK
	}
	i, s := d.resolveInode(number)
	if s != inode.StatusOK {
		return s
	}
	f, ok := i.(*inode.FileInode)
	if !ok {
		if _, isDir := i.(*inode.TreeInode); isDir {
			return inode.StatusErrIsDir
		}
		return inode.StatusErrInval
	}
	if truncate {
		var size uint64
		if _, s := f.SetAttr(ctx, &inode.SetAttrRequest{SizeBytes: &size}); s != inode.StatusOK {
			return s
		}
		d.mount.journal.RecordChanges(f.Path())
	}
	return inode.StatusOK
}

func (d *FuseDispatcher) Read(ctx context.Context, rc *fschannel.RequestContext, number inode.InodeNumber, buf []byte, offset uint64) (int, inode.Status) {
	i, s := d.resolveInode(number)
	if s != inode.StatusOK {
		return 0, s
	}
	f, ok := i.(*inode.FileInode)
	if !ok {
		return 0, inode.StatusErrInval
	}
	return f.Read(ctx, buf, offset)
}

func (d *FuseDispatcher) Write(ctx context.Context, rc *fschannel.RequestContext, number inode.InodeNumber, data []byte, offset uint64) (int, inode.Status) {
	i, s := d.resolveInode(number)
	if s != inode.StatusOK {
		return 0, s
	}
	f, ok := i.(*inode.FileInode)
	if !ok {
		return 0, inode.StatusErrInval
	}
	n, s := f.Write(ctx, data, offset)
	if s == inode.StatusOK {
		d.mount.journal.RecordChanges(f.Path())
		if d.mount.options.WriteThrough {
			if fs := f.Flush(ctx); fs != inode.StatusOK {
				return n, fs
			}
		}
	}
	return n, s
}

func (d *FuseDispatcher) Flush(ctx context.Context, rc *fschannel.RequestContext, number inode.InodeNumber) inode.Status {
	if d.isControlNumber(number) {
		return inode.StatusOK
	}
	i, s := d.resolveInode(number)
	if s != inode.StatusOK {
		return s
	}
	return i.Flush(ctx)
}

func (d *FuseDispatcher) Fsync(ctx context.Context, rc *fschannel.RequestContext, number inode.InodeNumber) inode.Status {
	return d.Flush(ctx, rc, number)
}

func (d *FuseDispatcher) Release(rc *fschannel.RequestContext, number inode.InodeNumber) {}

func (d *FuseDispatcher) OpenDir(ctx context.Context, rc *fschannel.RequestContext, number inode.InodeNumber) inode.Status {
	if number == d.mount.control.number {
		return inode.StatusOK
	}
	_, s := d.resolveTree(number)
	return s
}

// readDirAll returns the full listing of a directory, with the control
// directory spliced into the root in sorted position so that resumed
// reads observe a stable order.
func (d *FuseDispatcher) readDirAll(ctx context.Context, number inode.InodeNumber) ([]inode.DirListEntry, inode.Status) {
	cd := d.mount.control
	if number == cd.number {
		listing := make([]inode.DirListEntry, 0, len(cd.symlinks))
		for i := range cd.symlinks {
			listing = append(listing, inode.DirListEntry{
				Name:        cd.symlinks[i].name,
				InodeNumber: cd.symlinks[i].number,
				FileType:    inode.FileTypeSymlink,
				Mode:        0o777,
			})
		}
		return listing, inode.StatusOK
	}
	t, s := d.resolveTree(number)
	if s != inode.StatusOK {
		return nil, s
	}
	listing, s := t.ReadDir(ctx, 0)
	if s != inode.StatusOK {
		return nil, s
	}
	if number == inode.RootInodeNumber {
		listing = append(listing, inode.DirListEntry{
			Name:        path.MustNewComponent(ControlDirName),
			InodeNumber: cd.number,
			FileType:    inode.FileTypeDirectory,
			Mode:        0o555,
		})
		sort.Slice(listing, func(i, j int) bool {
			return listing[i].Name.String() < listing[j].Name.String()
		})
	}
	return listing, inode.StatusOK
}

func (d *FuseDispatcher) ReadDir(ctx context.Context, rc *fschannel.RequestContext, number inode.InodeNumber, firstIndex uint64) ([]inode.DirListEntry, inode.Status) {
	listing, s := d.readDirAll(ctx, number)
	if s != inode.StatusOK {
		return nil, s
	}
	if firstIndex >= uint64(len(listing)) {
		return nil, inode.StatusOK
	}
	return listing[firstIndex:], inode.StatusOK
}

func (d *FuseDispatcher) ReadDirPlus(ctx context.Context, rc *fschannel.RequestContext, number inode.InodeNumber, firstIndex uint64) ([]fschannel.DirEntryFull, inode.Status) {
	listing, s := d.ReadDir(ctx, rc, number, firstIndex)
	if s != inode.StatusOK {
		return nil, s
	}
	cd := d.mount.control
	var t *inode.TreeInode
	if number != cd.number {
		if t, s = d.resolveTree(number); s != inode.StatusOK {
			return nil, s
		}
	}
	full := make([]fschannel.DirEntryFull, 0, len(listing))
	for _, e := range listing {
		var attr inode.Attr
		switch {
		case e.InodeNumber == cd.number:
			attr = cd.attr()
		case number == cd.number:
			attr = cd.symlinkAttr(cd.lookup(e.Name))
		default:
			child, s := t.Lookup(ctx, e.Name)
			if s != inode.StatusOK {
				return nil, s
			}
			if attr, s = child.GetAttr(ctx); s != inode.StatusOK {
				return nil, s
			}
		}
		full = append(full, fschannel.DirEntryFull{Name: e.Name, Attr: attr})
	}
	return full, inode.StatusOK
}

func (d *FuseDispatcher) ReleaseDir(rc *fschannel.RequestContext, number inode.InodeNumber) {}

func (d *FuseDispatcher) Access(ctx context.Context, rc *fschannel.RequestContext, number inode.InodeNumber, mask uint32) inode.Status {
	// Permission checks are delegated to the kernel through the
	// default_permissions mount option.
	return inode.StatusOK
}

func (d *FuseDispatcher) StatFs(rc *fschannel.RequestContext) (uint32, uint32) {
	return 4096, 255
}

func (d *FuseDispatcher) Destroy() {}
