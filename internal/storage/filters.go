package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/pders01/feedtree/internal/debuglog"
	"github.com/pders01/feedtree/internal/rules"
)

// Filter is the shared in-memory instance of a filter row together with
// its compiled rule.
type Filter struct {
	store   *Store
	id      uint32
	mu      sync.RWMutex
	data    FilterData
	rule    *rules.Rule
	deleted bool
}

func (f *Filter) ID() uint32 { return f.id }

func (f *Filter) Snapshot() FilterData {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.data
}

func (f *Filter) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.data.Name
}

func (f *Filter) Conditions() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.data.Conditions
}

func (f *Filter) Actions() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.data.Actions
}

func (f *Filter) DisplayName() string {
	return f.Snapshot().DisplayName()
}

func (f *Filter) String() string {
	if name := f.Name(); name != "" {
		return "Filter:" + strconv.FormatUint(uint64(f.ID()), 10) + ":" + name
	}
	return "Filter:" + strconv.FormatUint(uint64(f.ID()), 10)
}

// compileRule builds the rule for stored text. Broken text does not stop
// the database from loading: it is logged and the affected part never
// matches or does nothing.
func compileRule(d FilterData) *rules.Rule {
	cond, err := rules.LoadCondition(d.Conditions)
	if err != nil {
		debuglog.Warnf("Filter %d has invalid conditions %q: %v", d.ID, d.Conditions, err)
	}
	actions, err := rules.LoadActions(d.Actions)
	if err != nil {
		debuglog.Warnf("Filter %d has invalid actions %q: %v", d.ID, d.Actions, err)
	}
	return &rules.Rule{Condition: cond, Actions: actions}
}

func (s *Store) newFilter(d FilterData) *Filter {
	return &Filter{store: s, id: d.ID, data: d, rule: compileRule(d)}
}

// checkMoveTargets verifies every move_to_feed action names an existing
// feed.
func (s *Store) checkMoveTargets(sc *scope, actions rules.ActionList) error {
	for _, target := range actions.MoveTargets() {
		if _, err := s.loadFeed(sc, sc.tx, target); err != nil {
			if IsNotFound(err) {
				return invalid("move_to_feed:%d names a feed that does not exist", target)
			}
			return err
		}
	}
	return nil
}

func (s *Store) AddFilter(ctx context.Context, name, conditions, actions string) (*Filter, error) {
	conditions, err := rules.NormalizeCondition(conditions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	actions, err = rules.NormalizeActions(actions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	list, err := rules.ParseActions(actions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var filt *Filter
	err = s.update(ctx, func(_ context.Context, sc *scope) error {
		if err := s.checkMoveTargets(sc, list); err != nil {
			return err
		}
		d := FilterData{
			Name:       strings.TrimSpace(name),
			Created:    s.unixNow(),
			Conditions: conditions,
			Actions:    actions,
		}
		d.ID = s.newID(sc.tx, filtersBucket)
		if err := putJSON(sc.tx, filtersBucket, d.ID, d); err != nil {
			return err
		}
		filt = s.newFilter(d)
		s.filters.put(d.ID, filt)
		sc.onRollback(func() {
			filt.mu.Lock()
			filt.deleted = true
			filt.mu.Unlock()
			s.filters.remove(d.ID)
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("adding filter: %w", err)
	}
	debuglog.Infof("Added %s", filt)
	return filt, nil
}

func (s *Store) loadFilter(sc *scope, tx *bolt.Tx, id uint32) (*Filter, error) {
	if f, ok := s.filters.get(id); ok {
		return f, nil
	}
	var d FilterData
	found, err := getJSON(tx, filtersBucket, id, &d)
	if err != nil {
		return nil, fmt.Errorf("decoding filter %d: %w", id, err)
	}
	if !found {
		return nil, &NotFoundError{Kind: kindFilter, ID: id}
	}
	f := s.filters.adopt(id, s.newFilter(d))
	if sc != nil {
		sc.onRollback(func() { s.filters.remove(id) })
	}
	return f, nil
}

func (s *Store) GetFilter(ctx context.Context, id uint32) (*Filter, error) {
	var filt *Filter
	err := s.view(ctx, func(tx *bolt.Tx) (err error) {
		filt, err = s.loadFilter(scopeFrom(ctx), tx, id)
		return err
	})
	return filt, err
}

// GetFilters returns every filter ordered by display name.
func (s *Store) GetFilters(ctx context.Context) ([]*Filter, error) {
	var filters []*Filter
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(filtersBucket).ForEach(func(k, _ []byte) error {
			f, err := s.loadFilter(scopeFrom(ctx), tx, btoi(k))
			if err != nil {
				return err
			}
			filters = append(filters, f)
			return nil
		})
	})
	sort.SliceStable(filters, func(i, j int) bool {
		ni, nj := strings.ToLower(filters[i].DisplayName()), strings.ToLower(filters[j].DisplayName())
		if ni != nj {
			return ni < nj
		}
		return filters[i].ID() < filters[j].ID()
	})
	return filters, err
}

func (f *Filter) update(ctx context.Context, mutate func(sc *scope, d *FilterData) error) error {
	return f.store.update(ctx, func(_ context.Context, sc *scope) error {
		f.mu.RLock()
		deleted := f.deleted
		prev, prevRule := f.data, f.rule
		f.mu.RUnlock()
		if deleted {
			return &NotFoundError{Kind: kindFilter, ID: f.ID()}
		}

		// The stored row is the base: an evicted instance may be stale.
		var next FilterData
		found, err := getJSON(sc.tx, filtersBucket, f.ID(), &next)
		if err != nil {
			return err
		}
		if !found {
			return &NotFoundError{Kind: kindFilter, ID: f.ID()}
		}
		if err := mutate(sc, &next); err != nil {
			return err
		}
		if err := putJSON(sc.tx, filtersBucket, next.ID, next); err != nil {
			return err
		}
		rule := prevRule
		if next.Conditions != prev.Conditions || next.Actions != prev.Actions {
			rule = compileRule(next)
		}
		f.mu.Lock()
		f.data, f.rule = next, rule
		f.mu.Unlock()
		sc.onRollback(func() {
			f.mu.Lock()
			f.data, f.rule = prev, prevRule
			f.mu.Unlock()
		})
		return nil
	})
}

func (f *Filter) SetName(ctx context.Context, name string) error {
	return f.update(ctx, func(_ *scope, d *FilterData) error {
		d.Name = strings.TrimSpace(name)
		return nil
	})
}

// SetConditions normalizes and stores a condition expression.
func (f *Filter) SetConditions(ctx context.Context, conditions string) error {
	normalized, err := rules.NormalizeCondition(conditions)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return f.update(ctx, func(_ *scope, d *FilterData) error {
		d.Conditions = normalized
		return nil
	})
}

// SetActions normalizes and stores an action list. move_to_feed targets
// must exist.
func (f *Filter) SetActions(ctx context.Context, actions string) error {
	normalized, err := rules.NormalizeActions(actions)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	list, err := rules.ParseActions(normalized)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return f.update(ctx, func(sc *scope, d *FilterData) error {
		if err := f.store.checkMoveTargets(sc, list); err != nil {
			return err
		}
		d.Actions = normalized
		return nil
	})
}

// Rule returns the compiled rule.
func (f *Filter) Rule() *rules.Rule {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rule
}

// Process runs the filter against news. Every change its actions make is
// applied atomically.
func (f *Filter) Process(ctx context.Context, news *News) (rules.Outcome, error) {
	rule := f.Rule()
	if !rule.Condition.Match(news.RuleView()) {
		debuglog.Debugf("%s does not match %s", news, f)
		return rules.Continue, nil
	}
	debuglog.Debugf("%s matches %s", news, f)

	outcome := rules.Continue
	err := f.store.Atomic(ctx, func(ctx context.Context) error {
		var err error
		outcome, err = rule.Apply(ctx, news)
		return err
	})
	if err != nil {
		return rules.Continue, fmt.Errorf("%s on %s: %w", f, news, err)
	}
	return outcome, nil
}

// Feeds returns the feeds this filter is attached to.
func (f *Filter) Feeds(ctx context.Context) ([]*Feed, error) {
	s := f.store
	var feeds []*Feed
	err := s.view(ctx, func(tx *bolt.Tx) error {
		for _, id := range childrenOf(tx, filterFeedsBucket, f.ID()) {
			feed, err := s.loadFeed(scopeFrom(ctx), tx, id)
			if err != nil {
				return err
			}
			feeds = append(feeds, feed)
		}
		return nil
	})
	sortByRank(feeds)
	return feeds, err
}

// Delete removes the filter. It fails with an InUseError while any feed
// still has it attached.
func (f *Filter) Delete(ctx context.Context) error {
	s := f.store
	err := s.update(ctx, func(_ context.Context, sc *scope) error {
		if _, err := s.loadFilter(sc, sc.tx, f.ID()); err != nil {
			return err
		}
		if users := childrenOf(sc.tx, filterFeedsBucket, f.ID()); len(users) > 0 {
			return &InUseError{Kind: kindFilter, ID: f.ID(), Users: users}
		}
		debuglog.Infof("Deleting %s", f)
		if err := sc.tx.Bucket(filtersBucket).Delete(itob(f.ID())); err != nil {
			return err
		}
		f.mu.Lock()
		f.deleted = true
		f.mu.Unlock()
		s.filters.remove(f.ID())
		sc.onRollback(func() {
			f.mu.Lock()
			f.deleted = false
			f.mu.Unlock()
			s.filters.put(f.ID(), f)
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", f, err)
	}
	return nil
}

func (f *Filter) Map() map[string]any {
	d := f.Snapshot()
	return map[string]any{
		"type":         "filter",
		"id":           d.ID,
		"name":         d.Name,
		"display_name": d.DisplayName(),
		"conditions":   d.Conditions,
		"actions":      d.Actions,
	}
}
