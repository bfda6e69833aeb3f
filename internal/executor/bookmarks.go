package executor

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cschleiden/go-workflowapp/core"
)

var ErrBookmarkExists = errors.New("bookmark already exists")

type bookmarkRecord struct {
	bookmark core.Bookmark
	owner    *activityInstance
	callback string
	options  core.BookmarkOptions
}

// bookmarkManager indexes the bookmarks of an instance by scope and name, or by id for anonymous bookmarks.
type bookmarkManager struct {
	nextID    int64
	bookmarks map[core.Bookmark]*bookmarkRecord
}

func newBookmarkManager() *bookmarkManager {
	return &bookmarkManager{
		bookmarks: map[core.Bookmark]*bookmarkRecord{},
	}
}

func (bm *bookmarkManager) add(owner *activityInstance, name, scope, callback string, opts core.BookmarkOptions) (*bookmarkRecord, error) {
	b := core.Bookmark{Name: name, Scope: scope}
	if name == "" {
		bm.nextID++
		b.ID = bm.nextID
	}

	if _, ok := bm.bookmarks[b]; ok {
		return nil, fmt.Errorf("%w: %s", ErrBookmarkExists, b)
	}

	r := &bookmarkRecord{
		bookmark: b,
		owner:    owner,
		callback: callback,
		options:  opts,
	}

	bm.bookmarks[b] = r

	return r, nil
}

func (bm *bookmarkManager) find(b core.Bookmark) *bookmarkRecord {
	// Named bookmarks are addressed by scope and name only.
	if b.IsNamed() {
		b.ID = 0
	}

	return bm.bookmarks[b]
}

func (bm *bookmarkManager) remove(r *bookmarkRecord) {
	delete(bm.bookmarks, r.bookmark)
}

func (bm *bookmarkManager) ownedBy(owner *activityInstance) []*bookmarkRecord {
	var rs []*bookmarkRecord
	for _, r := range bm.bookmarks {
		if r.owner == owner {
			rs = append(rs, r)
		}
	}

	sortRecords(rs)

	return rs
}

// all returns every record ordered by scope, name and id.
func (bm *bookmarkManager) all() []*bookmarkRecord {
	rs := make([]*bookmarkRecord, 0, len(bm.bookmarks))
	for _, r := range bm.bookmarks {
		rs = append(rs, r)
	}

	sortRecords(rs)

	return rs
}

func sortRecords(rs []*bookmarkRecord) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i].bookmark, rs[j].bookmark
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}

		if a.Name != b.Name {
			return a.Name < b.Name
		}

		return a.ID < b.ID
	})
}
