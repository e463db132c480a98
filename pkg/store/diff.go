package store

import (
	"context"
	"strings"

	"github.com/buildbarn/bb-storage/pkg/util"
)

// DiffEntry describes one difference between two trees. From is nil for
// added entries, To is nil for removed entries.
type DiffEntry struct {
	Path string
	From *TreeEntry
	To   *TreeEntry
}

// DiffTrees recursively computes the differences between two trees. The
// callback is invoked once per added, removed or modified entry, in
// depth first order. Subtrees whose IDs are equal are skipped without
// being fetched, which makes diffing two largely identical commits
// cheap.
//
// Either fromID or toID may be the zero ID, in which case the
// corresponding side is treated as an empty tree.
func DiffTrees(ctx context.Context, s Store, fromID, toID ID, report func(DiffEntry) error) error {
	return diffTrees(ctx, s, "", fromID, toID, report)
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func getTreeOrEmpty(ctx context.Context, s Store, id ID, p string) (*Tree, error) {
	if id.IsZero() {
		return &Tree{}, nil
	}
	tree, err := s.GetTree(ctx, id)
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to fetch tree for %#v", p)
	}
	return tree, nil
}

// reportRecursively emits one DiffEntry for every entry reachable
// through a tree, used when an entire subtree is added or removed.
func reportRecursively(ctx context.Context, s Store, prefix string, entry *TreeEntry, removed bool, report func(DiffEntry) error) error {
	p := joinPath(prefix, entry.Name)
	if entry.Type != EntryTypeTree {
		d := DiffEntry{Path: p}
		if removed {
			d.From = entry
		} else {
			d.To = entry
		}
		return report(d)
	}
	tree, err := getTreeOrEmpty(ctx, s, entry.ID, p)
	if err != nil {
		return err
	}
	for i := range tree.Entries {
		if err := reportRecursively(ctx, s, p, &tree.Entries[i], removed, report); err != nil {
			return err
		}
	}
	return nil
}

func diffTrees(ctx context.Context, s Store, prefix string, fromID, toID ID, report func(DiffEntry) error) error {
	if fromID == toID {
		return nil
	}
	fromTree, err := getTreeOrEmpty(ctx, s, fromID, prefix)
	if err != nil {
		return err
	}
	toTree, err := getTreeOrEmpty(ctx, s, toID, prefix)
	if err != nil {
		return err
	}

	// Merge the two sorted entry lists.
	fromEntries, toEntries := fromTree.Entries, toTree.Entries
	for len(fromEntries) > 0 || len(toEntries) > 0 {
		cmp := 0
		switch {
		case len(toEntries) == 0:
			cmp = -1
		case len(fromEntries) == 0:
			cmp = 1
		default:
			cmp = strings.Compare(fromEntries[0].Name, toEntries[0].Name)
		}
		switch {
		case cmp < 0:
			if err := reportRecursively(ctx, s, prefix, &fromEntries[0], true, report); err != nil {
				return err
			}
			fromEntries = fromEntries[1:]
		case cmp > 0:
			if err := reportRecursively(ctx, s, prefix, &toEntries[0], false, report); err != nil {
				return err
			}
			toEntries = toEntries[1:]
		default:
			from, to := &fromEntries[0], &toEntries[0]
			p := joinPath(prefix, from.Name)
			if from.Type == EntryTypeTree && to.Type == EntryTypeTree {
				if err := diffTrees(ctx, s, p, from.ID, to.ID, report); err != nil {
					return err
				}
			} else if from.Type != to.Type {
				// Entry changed kind. Report the removal
				// of the old entry and the addition of the
				// new one.
				if err := reportRecursively(ctx, s, prefix, from, true, report); err != nil {
					return err
				}
				if err := reportRecursively(ctx, s, prefix, to, false, report); err != nil {
					return err
				}
			} else if from.ID != to.ID || from.Executable != to.Executable {
				if err := report(DiffEntry{Path: p, From: from, To: to}); err != nil {
					return err
				}
			}
			fromEntries = fromEntries[1:]
			toEntries = toEntries[1:]
		}
	}
	return nil
}
