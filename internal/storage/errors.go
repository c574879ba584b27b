package storage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrNoSuchFeed   = fmt.Errorf("feed %w", ErrNotFound)
	ErrNoSuchFilter = fmt.Errorf("filter %w", ErrNotFound)
	ErrNoSuchNews   = fmt.Errorf("news %w", ErrNotFound)

	ErrInUse       = errors.New("still in use")
	ErrFeedInUse   = fmt.Errorf("feed %w", ErrInUse)
	ErrFilterInUse = fmt.Errorf("filter %w", ErrInUse)

	// ErrInvalid marks a rejected field value. The store is unchanged.
	ErrInvalid = errors.New("invalid value")

	ErrReadOnly = errors.New("database is read-only")
)

// NotFoundError names the missing row. It matches the kind-specific
// sentinel and ErrNotFound.
type NotFoundError struct {
	Kind string
	ID   uint32
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return true
	case ErrNoSuchFeed:
		return e.Kind == kindFeed
	case ErrNoSuchFilter:
		return e.Kind == kindFilter
	case ErrNoSuchNews:
		return e.Kind == kindNews
	}
	return false
}

// InUseError lists what still references the row being deleted.
type InUseError struct {
	Kind  string
	ID    uint32
	Users []uint32
}

func (e *InUseError) Error() string {
	ids := make([]string, len(e.Users))
	for i, id := range e.Users {
		ids[i] = fmt.Sprint(id)
	}
	by := "feeds"
	if e.Kind == kindFeed {
		by = "filters"
	}
	return fmt.Sprintf("%s %d is still used by %s %s", e.Kind, e.ID, by, strings.Join(ids, ", "))
}

func (e *InUseError) Is(target error) bool {
	switch target {
	case ErrInUse:
		return true
	case ErrFeedInUse:
		return e.Kind == kindFeed
	case ErrFilterInUse:
		return e.Kind == kindFilter
	}
	return false
}

// IsNotFound reports whether err is any not-found error from the store.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
