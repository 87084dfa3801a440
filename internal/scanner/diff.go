package scanner

import "github.com/coffersTech/techlog/internal/model"

// Changes lists the difference between two snapshots of the same root.
type Changes struct {
	Added   []model.LogFile
	Removed []model.LogFile
	Changed []model.LogFile // Present in both with a different size or mtime
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// Diff compares two snapshots by relative path. A nil prev means every file
// in next is new.
func Diff(prev, next *Snapshot) Changes {
	var c Changes

	old := make(map[string]model.LogFile)
	if prev != nil {
		for _, f := range prev.Files {
			old[f.Rel] = f
		}
	}

	if next != nil {
		for _, f := range next.Files {
			before, ok := old[f.Rel]
			if !ok {
				c.Added = append(c.Added, f)
				continue
			}
			delete(old, f.Rel)
			if before.Size != f.Size || !before.ModTime.Equal(f.ModTime) {
				c.Changed = append(c.Changed, f)
			}
		}
	}

	for _, f := range old {
		c.Removed = append(c.Removed, f)
	}
	SortFiles(c.Removed)

	return c
}
