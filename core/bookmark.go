package core

import (
	"fmt"
	"strconv"
)

// Bookmark is the token for a point in a workflow at which execution waits for external input.
//
// Named bookmarks can be resumed by name by the host. Anonymous bookmarks have an empty name and a
// positive ID and can only be resumed by handing the token back.
type Bookmark struct {
	Name  string `json:"name,omitempty"`
	ID    int64  `json:"id,omitempty"`
	Scope string `json:"scope,omitempty"`
}

// NewBookmark returns a token for the named bookmark in the default scope.
func NewBookmark(name string) Bookmark {
	return Bookmark{Name: name}
}

// NewScopedBookmark returns a token for the named bookmark in the given scope.
func NewScopedBookmark(name, scope string) Bookmark {
	return Bookmark{Name: name, Scope: scope}
}

func (b Bookmark) IsNamed() bool {
	return b.Name != ""
}

func (b Bookmark) String() string {
	name := b.Name
	if !b.IsNamed() {
		name = "#" + strconv.FormatInt(b.ID, 10)
	}

	if b.Scope == "" {
		return name
	}

	return fmt.Sprintf("%s/%s", b.Scope, name)
}

// BookmarkOptions controls how a bookmark behaves once it has been resumed.
type BookmarkOptions int

const (
	// BookmarkOptionsNone creates a single-fire, blocking bookmark.
	BookmarkOptionsNone BookmarkOptions = 0

	// MultipleResume keeps the bookmark registered after it was resumed.
	MultipleResume BookmarkOptions = 1

	// NonBlocking bookmarks do not keep their owning activity from completing.
	NonBlocking BookmarkOptions = 2
)

func (o BookmarkOptions) Has(flag BookmarkOptions) bool {
	return o&flag == flag
}

// BookmarkInfo describes a registered bookmark to the host.
type BookmarkInfo struct {
	Name             string `json:"name"`
	Scope            string `json:"scope,omitempty"`
	OwnerDisplayName string `json:"owner,omitempty"`
}

// BookmarkResumptionResult is the outcome of an attempt to resume a bookmark.
type BookmarkResumptionResult int

const (
	ResumptionSuccess BookmarkResumptionResult = iota
	ResumptionNotFound
	ResumptionNotReady
)

func (r BookmarkResumptionResult) String() string {
	switch r {
	case ResumptionSuccess:
		return "Success"
	case ResumptionNotFound:
		return "NotFound"
	case ResumptionNotReady:
		return "NotReady"
	}

	return fmt.Sprintf("BookmarkResumptionResult(%d)", int(r))
}
