package runova

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeStore is an in-memory RemoteStore for tests. It applies the same
// merge, increment and server-timestamp semantics the hosted backend
// documents, and lets tests push subscription snapshots explicitly.
type fakeStore struct {
	mu   sync.Mutex
	docs map[string]Document

	getErr   error
	writeErr error
	batchErr error

	subs []*fakeSub
}

type fakeSub struct {
	collection string
	query      Query
	ch         chan []Document
	once       sync.Once
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]Document)}
}

// put seeds a document; the id is taken from the path.
func (fs *fakeStore) put(path string, fields map[string]any) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	doc := cloneDoc(fields)
	doc["id"] = docID(path)
	fs.docs[path] = doc
}

func (fs *fakeStore) get(path string) (Document, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, ok := fs.docs[path]
	if !ok {
		return nil, false
	}
	return cloneDoc(d), true
}

func docID(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func cloneDoc(d map[string]any) Document {
	out := make(Document, len(d))
	for k, v := range d {
		switch m := v.(type) {
		case map[string]int:
			cp := make(map[string]int, len(m))
			for kk, vv := range m {
				cp[kk] = vv
			}
			out[k] = cp
		case map[string]any:
			cp := make(map[string]any, len(m))
			for kk, vv := range m {
				cp[kk] = vv
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

func (fs *fakeStore) Get(ctx context.Context, path string) (Document, error) {
	fs.mu.Lock()
	err := fs.getErr
	fs.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d, ok := fs.get(path)
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (fs *fakeStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.evalLocked(collection, q), nil
}

func (fs *fakeStore) Subscribe(ctx context.Context, collection string, q Query) (*Subscription, error) {
	sub := &fakeSub{
		collection: collection,
		query:      q,
		ch:         make(chan []Document, 16),
	}
	fs.mu.Lock()
	fs.subs = append(fs.subs, sub)
	fs.mu.Unlock()
	return &Subscription{
		ch: sub.ch,
		cancel: func() {
			sub.once.Do(func() { close(sub.ch) })
		},
	}, nil
}

func (fs *fakeStore) Write(ctx context.Context, path string, fields map[string]any, mode WriteMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.writeErr != nil {
		return fs.writeErr
	}
	fs.applyLocked(path, fields, mode)
	return nil
}

func (fs *fakeStore) Batch(ctx context.Context, ops []WriteOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.batchErr != nil {
		return fs.batchErr
	}
	for _, op := range ops {
		fs.applyLocked(op.Path, op.Fields, op.Mode)
	}
	return nil
}

func (fs *fakeStore) applyLocked(path string, fields map[string]any, mode WriteMode) {
	doc := fs.docs[path]
	if doc == nil || mode == WriteSet {
		doc = Document{}
	}
	for k, v := range fields {
		v = resolveSentinel(v)
		parent, child, nested := strings.Cut(k, ".")
		switch mode {
		case WriteIncrement:
			if nested {
				m := intMapAt(doc, parent)
				m[child] += toInt(v)
				doc[parent] = m
			} else {
				doc[k] = toInt(doc[k]) + toInt(v)
			}
		default:
			if nested {
				m := intMapAt(doc, parent)
				m[child] = toInt(v)
				doc[parent] = m
			} else {
				doc[k] = v
			}
		}
	}
	doc["id"] = docID(path)
	fs.docs[path] = doc
}

func resolveSentinel(v any) any {
	if s, ok := v.(string); ok && s == ServerTimestamp {
		return time.Now().UTC().Format(time.RFC3339Nano)
	}
	return v
}

func intMapAt(doc Document, key string) map[string]int {
	return Document(doc).IntMap(key)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func (fs *fakeStore) evalLocked(collection string, q Query) []Document {
	prefix := collection + "/"
	var out []Document
	for path, d := range fs.docs {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		if !matchesQuery(d, q) {
			continue
		}
		out = append(out, cloneDoc(d))
	}
	if q.OrderBy != "" {
		sort.Slice(out, func(i, j int) bool {
			a, b := out[i].Time(q.OrderBy), out[j].Time(q.OrderBy)
			if q.Descending {
				return a.After(b)
			}
			return a.Before(b)
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func matchesQuery(d Document, q Query) bool {
	if q.Field == "" {
		return true
	}
	switch q.Op {
	case OpEqual:
		return d.Str(q.Field, "") == q.Value
	case OpArrayContains:
		want, _ := q.Value.(string)
		for _, s := range d.StrSlice(q.Field) {
			if s == want {
				return true
			}
		}
		return false
	}
	return false
}

// push delivers the current evaluated result set to every subscription on
// the collection.
func (fs *fakeStore) push(collection string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, sub := range fs.subs {
		if sub.collection != collection {
			continue
		}
		sub.ch <- fs.evalLocked(collection, sub.query)
	}
}

// pushRaw delivers a crafted snapshot verbatim, bypassing query evaluation.
func (fs *fakeStore) pushRaw(collection string, docs []Document) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, sub := range fs.subs {
		if sub.collection == collection {
			sub.ch <- docs
		}
	}
}

func (fs *fakeStore) setBatchErr(err error) {
	fs.mu.Lock()
	fs.batchErr = err
	fs.mu.Unlock()
}

func (fs *fakeStore) setWriteErr(err error) {
	fs.mu.Lock()
	fs.writeErr = err
	fs.mu.Unlock()
}

// messagePaths returns the stored message paths for a conversation.
func (fs *fakeStore) messagePaths(conversationID string) []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []string
	for path, d := range fs.docs {
		if strings.HasPrefix(path, CollMessages+"/") && d.Str("conversationId", "") == conversationID {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

// awaitSnapshot reads a stream channel until a snapshot satisfies cond.
func awaitSnapshot[T any](t *testing.T, ch <-chan T, cond func(T) bool) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				t.Fatal("stream closed before the expected snapshot")
			}
			if cond(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}
