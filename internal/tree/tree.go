// Package tree implements traversal and ordering over the feed forest.
//
// Nodes are identified by uint32 ids; Root (0) is the virtual parent of
// every top-level feed. Callers supply the edges through Source, which the
// storage layer implements and tests can fake with a map.
package tree

import (
	"context"
	"errors"
	"fmt"
)

// Root is the virtual parent of all top-level nodes.
const Root uint32 = 0

// ErrCycle is returned when a re-parent would make a node its own ancestor.
var ErrCycle = errors.New("feed cannot be its own ancestor")

// Source exposes the parent/child relation.
type Source interface {
	// Children returns the direct children of id in rank order.
	Children(ctx context.Context, id uint32) ([]uint32, error)
	// Parent returns the parent of id, or Root for a top-level node.
	Parent(ctx context.Context, id uint32) (uint32, error)
}

// SkipSubtree may be returned by a WalkChildren visitor to prune the
// subtree below the node it was called for.
var SkipSubtree = errors.New("skip subtree")

// WalkChildren visits start and its descendants depth-first in pre-order.
// When keep is non-nil and returns false for a descendant, that node and
// its whole subtree are skipped. keep is never called for start itself.
func WalkChildren(ctx context.Context, src Source, start uint32, keep func(uint32) bool, includeSelf bool, visit func(uint32) error) error {
	if includeSelf && start != Root {
		if err := visit(start); err != nil {
			if errors.Is(err, SkipSubtree) {
				return nil
			}
			return err
		}
	}
	return walkBelow(ctx, src, start, keep, visit)
}

func walkBelow(ctx context.Context, src Source, id uint32, keep func(uint32) bool, visit func(uint32) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	children, err := src.Children(ctx, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if keep != nil && !keep(child) {
			continue
		}
		if err := visit(child); err != nil {
			if errors.Is(err, SkipSubtree) {
				continue
			}
			return err
		}
		if err := walkBelow(ctx, src, child, keep, visit); err != nil {
			return err
		}
	}
	return nil
}

// Descendants collects WalkChildren output into a slice.
func Descendants(ctx context.Context, src Source, start uint32, keep func(uint32) bool, includeSelf bool) ([]uint32, error) {
	var ids []uint32
	err := WalkChildren(ctx, src, start, keep, includeSelf, func(id uint32) error {
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// maxDepth guards WalkParents against a corrupted store that already
// contains a cycle.
const maxDepth = 1 << 16

// WalkParents visits the ancestors of start from nearest to most distant.
func WalkParents(ctx context.Context, src Source, start uint32, includeSelf bool, visit func(uint32) error) error {
	if includeSelf && start != Root {
		if err := visit(start); err != nil {
			return err
		}
	}
	id := start
	for depth := 0; ; depth++ {
		if depth > maxDepth {
			return fmt.Errorf("walking parents of %d: %w", start, ErrCycle)
		}
		parent, err := src.Parent(ctx, id)
		if err != nil {
			return err
		}
		if parent == Root {
			return nil
		}
		if err := visit(parent); err != nil {
			return err
		}
		id = parent
	}
}

// Ancestors collects WalkParents output.
func Ancestors(ctx context.Context, src Source, start uint32, includeSelf bool) ([]uint32, error) {
	var ids []uint32
	err := WalkParents(ctx, src, start, includeSelf, func(id uint32) error {
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// CheckParent reports ErrCycle if newParent is id itself or one of its
// descendants. Root is always an acceptable parent.
func CheckParent(ctx context.Context, src Source, id, newParent uint32) error {
	if newParent == Root {
		return nil
	}
	if newParent == id {
		return ErrCycle
	}
	// Walking up from newParent is cheaper than enumerating the subtree.
	return WalkParents(ctx, src, newParent, false, func(ancestor uint32) error {
		if ancestor == id {
			return ErrCycle
		}
		return nil
	})
}

// Order returns every node in depth-first, rank-ordered visitation order.
// Position i+1 is the contiguous rank for Order()[i].
func Order(ctx context.Context, src Source) ([]uint32, error) {
	return Descendants(ctx, src, Root, nil, false)
}

// Rollup sums direct per-node counts into every ancestor in one bottom-up
// pass. Nodes absent from direct count as zero.
func Rollup(ctx context.Context, src Source, direct map[uint32]int) (map[uint32]int, error) {
	totals := make(map[uint32]int)
	var sum func(id uint32) (int, error)
	sum = func(id uint32) (int, error) {
		children, err := src.Children(ctx, id)
		if err != nil {
			return 0, err
		}
		total := direct[id]
		for _, child := range children {
			n, err := sum(child)
			if err != nil {
				return 0, err
			}
			total += n
		}
		if id != Root {
			totals[id] = total
		}
		return total, nil
	}
	if _, err := sum(Root); err != nil {
		return nil, err
	}
	return totals, nil
}
