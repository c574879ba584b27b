package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pders01/feedtree/internal/debuglog"
	"github.com/pders01/feedtree/internal/validation"
)

var (
	feedsBucket   = []byte("feeds")
	filtersBucket = []byte("filters")
	newsBucket    = []byte("news")

	// feed id | filter id -> order rank
	feedFiltersBucket = []byte("feed_filters")
	// filter id | feed id -> nil
	filterFeedsBucket = []byte("filter_feeds")
	// parent id | child id -> nil, parent 0 for roots
	feedsByParentBucket = []byte("feeds_by_parent")
	// feed id | news id -> nil
	newsByFeedBucket     = []byte("news_by_feed")
	newsByOriginalBucket = []byte("news_by_original")
	// guid 0x00 news id -> nil
	newsByGUIDBucket = []byte("news_by_guid")

	allBuckets = [][]byte{
		feedsBucket, filtersBucket, newsBucket,
		feedFiltersBucket, filterFeedsBucket, feedsByParentBucket,
		newsByFeedBucket, newsByOriginalBucket, newsByGUIDBucket,
	}
)

// Options configures Open.
type Options struct {
	Timeout  time.Duration
	ReadOnly bool

	FeedCache   int
	FilterCache int
	NewsCache   int

	// URLs validates rss and web URLs. Nil uses the secure default.
	URLs *validation.FeedURLValidator
}

// DefaultOptions mirrors the [cache] defaults in config.
func DefaultOptions() Options {
	return Options{
		Timeout:     time.Second,
		FeedCache:   2000,
		FilterCache: 1000,
		NewsCache:   20000,
	}
}

// Store is the bbolt-backed home of feeds, filters and news. Entities are
// handed out from per-kind identity maps, so two lookups of the same id
// return the same pointer.
type Store struct {
	db       *bolt.DB
	readOnly bool
	urls     *validation.FeedURLValidator

	feeds   *identityMap[*Feed]
	filters *identityMap[*Filter]
	news    *identityMap[*News]

	now    func() time.Time
	randID func() uint32
}

func Open(dbPath string, opts Options) (*Store, error) {
	defaults := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.FeedCache <= 0 {
		opts.FeedCache = defaults.FeedCache
	}
	if opts.FilterCache <= 0 {
		opts.FilterCache = defaults.FilterCache
	}
	if opts.NewsCache <= 0 {
		opts.NewsCache = defaults.NewsCache
	}
	if opts.URLs == nil {
		opts.URLs = validation.NewFeedURLValidator()
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: opts.Timeout, ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if opts.ReadOnly {
		err = db.View(func(tx *bolt.Tx) error {
			for _, bucket := range allBuckets {
				if tx.Bucket(bucket) == nil {
					return fmt.Errorf("missing bucket %s", bucket)
				}
			}
			return nil
		})
	} else {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, bucket := range allBuckets {
				if _, createErr := tx.CreateBucketIfNotExists(bucket); createErr != nil {
					return createErr
				}
			}
			return nil
		})
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	s := &Store{
		db:       db,
		readOnly: opts.ReadOnly,
		urls:     opts.URLs,
		now:      time.Now,
		randID:   rand.Uint32,
	}
	if s.feeds, err = newIdentityMap[*Feed](opts.FeedCache); err != nil {
		return nil, err
	}
	if s.filters, err = newIdentityMap[*Filter](opts.FilterCache); err != nil {
		return nil, err
	}
	if s.news, err = newIdentityMap[*News](opts.NewsCache); err != nil {
		return nil, err
	}
	debuglog.Infof("Opened database %s (read-only=%v)", dbPath, opts.ReadOnly)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ReadOnly reports whether the store was opened in demo mode.
func (s *Store) ReadOnly() bool {
	return s.readOnly
}

type scopeKey struct{}

// scope is one outermost write transaction plus the in-memory effects to
// revert if it rolls back.
type scope struct {
	tx          *bolt.Tx
	undo        []func()
	afterCommit []func()
}

func (sc *scope) onRollback(fn func()) {
	sc.undo = append(sc.undo, fn)
}

func scopeFrom(ctx context.Context) *scope {
	sc, _ := ctx.Value(scopeKey{}).(*scope)
	return sc
}

// Atomic runs fn inside a write transaction. If ctx already carries one,
// fn joins it and only the outermost call commits. Any error rolls back
// every write made in the scope and reverts the cached entities it touched.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if scopeFrom(ctx) != nil {
		return fn(ctx)
	}
	if s.readOnly {
		return ErrReadOnly
	}

	sc := &scope{}
	defer func() {
		if r := recover(); r != nil {
			sc.revert()
			panic(r)
		}
	}()

	err = s.db.Update(func(tx *bolt.Tx) error {
		sc.tx = tx
		return fn(context.WithValue(ctx, scopeKey{}, sc))
	})
	if err != nil {
		sc.revert()
		return err
	}
	for _, hook := range sc.afterCommit {
		hook()
	}
	return nil
}

func (sc *scope) revert() {
	for i := len(sc.undo) - 1; i >= 0; i-- {
		sc.undo[i]()
	}
}

// AfterCommit runs fn once the surrounding scope commits, or immediately
// when ctx carries no scope.
func AfterCommit(ctx context.Context, fn func()) {
	if sc := scopeFrom(ctx); sc != nil {
		sc.afterCommit = append(sc.afterCommit, fn)
		return
	}
	fn()
}

func (s *Store) update(ctx context.Context, fn func(ctx context.Context, sc *scope) error) error {
	return s.Atomic(ctx, func(ctx context.Context) error {
		return fn(ctx, scopeFrom(ctx))
	})
}

// view reads through the scope's transaction when there is one, so reads
// inside Atomic see uncommitted writes.
func (s *Store) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if sc := scopeFrom(ctx); sc != nil {
		return fn(sc.tx)
	}
	return s.db.View(fn)
}

// newID draws random ids until one is free in bucket. Zero is reserved
// for "no parent".
func (s *Store) newID(tx *bolt.Tx, bucket []byte) uint32 {
	b := tx.Bucket(bucket)
	for {
		id := s.randID()
		if id == 0 {
			continue
		}
		if b.Get(itob(id)) == nil {
			return id
		}
		debuglog.Debugf("id %d collided in %s, drawing again", id, bucket)
	}
}

func (s *Store) unixNow() int64 {
	return s.now().Unix()
}

func itob(id uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return b
}

func btoi(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

func pairKey(a, b uint32) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint32(k, a)
	binary.BigEndian.PutUint32(k[4:], b)
	return k
}

func guidKey(guid string, newsID uint32) []byte {
	k := make([]byte, 0, len(guid)+5)
	k = append(k, guid...)
	k = append(k, 0)
	return append(k, itob(newsID)...)
}

// childrenOf lists the second half of every pair key under prefix a.
func childrenOf(tx *bolt.Tx, bucket []byte, a uint32) []uint32 {
	var ids []uint32
	prefix := itob(a)
	c := tx.Bucket(bucket).Cursor()
	for k, _ := c.Seek(prefix); k != nil && len(k) == 8 && btoi(k[:4]) == a; k, _ = c.Next() {
		ids = append(ids, btoi(k[4:]))
	}
	return ids
}

func putJSON(tx *bolt.Tx, bucket []byte, id uint32, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(itob(id), data)
}

func getJSON(tx *bolt.Tx, bucket []byte, id uint32, v any) (bool, error) {
	data := tx.Bucket(bucket).Get(itob(id))
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

// Counts returns the number of feeds, filters and news rows, including
// rows written by an enclosing atomic scope.
func (s *Store) Counts(ctx context.Context) (feeds, filters, news int, err error) {
	err = s.view(ctx, func(tx *bolt.Tx) error {
		feeds = keyCount(tx.Bucket(feedsBucket))
		filters = keyCount(tx.Bucket(filtersBucket))
		news = keyCount(tx.Bucket(newsBucket))
		return nil
	})
	return feeds, filters, news, err
}

// keyCount walks the cursor; Stats only sees committed pages.
func keyCount(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}
