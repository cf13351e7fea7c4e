package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/your-org/vodarchive/internal/bilibili"
	"github.com/your-org/vodarchive/internal/recordings"
	"github.com/your-org/vodarchive/pkg/storage/objectstore"
)

type fakeStore struct {
	mu sync.Mutex

	existing  map[string]bool
	existsErr map[string]error
	createErr error
	// partErr fails the given part number on the destination side.
	partErr map[int]error
	// partErrOnce fails the next upload of the given part number only.
	partErrOnce map[int]error
	completeE   error

	created   []string
	uploaded  map[int]int64
	completed map[string][]objectstore.Part
	aborted   []string
	closed    bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		existing:    map[string]bool{},
		existsErr:   map[string]error{},
		partErr:     map[int]error{},
		partErrOnce: map[int]error{},
		uploaded:    map[int]int64{},
		completed:   map[string][]objectstore.Part{},
	}
}

func (s *fakeStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.existsErr[key]; err != nil {
		return false, err
	}
	return s.existing[key], nil
}

func (s *fakeStore) CreateMultipart(ctx context.Context, key string, opts objectstore.MultipartOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	s.created = append(s.created, key)
	return fmt.Sprintf("upload-%d", len(s.created)), nil
}

func (s *fakeStore) UploadPart(ctx context.Context, key, uploadID string, number int, r io.Reader, size int64) (objectstore.Part, error) {
	s.mu.Lock()
	err := s.partErr[number]
	if once, ok := s.partErrOnce[number]; ok {
		delete(s.partErrOnce, number)
		err = once
	}
	s.mu.Unlock()
	if err != nil {
		return objectstore.Part{}, err
	}

	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return objectstore.Part{}, err
	}
	if n != size {
		return objectstore.Part{}, fmt.Errorf("part %d: got %d bytes, want %d", number, n, size)
	}

	s.mu.Lock()
	s.uploaded[number]++
	s.mu.Unlock()
	return objectstore.Part{Number: number, ETag: fmt.Sprintf("etag-%d", number), Size: n}, nil
}

func (s *fakeStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []objectstore.Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeE != nil {
		return s.completeE
	}
	s.completed[key] = parts
	s.existing[key] = true
	return nil
}

func (s *fakeStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = append(s.aborted, key)
	return nil
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStore) abortedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.aborted...)
}

// fakeFetcher serves zero-filled ranges of any requested size.
type fakeFetcher struct {
	mu sync.Mutex
	// failures is how many leading fetches of a part fail, each after
	// reporting a little more than half the range.
	failures map[int64]int
	calls    map[int64]int
	// stall makes bodies block until the fetch context is done.
	stall bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{failures: map[int64]int{}, calls: map[int64]int{}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, start, end int64, onBytes func(int64)) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls[start]++
	fail := f.failures[start] > 0
	if fail {
		f.failures[start]--
	}
	stall := f.stall
	f.mu.Unlock()

	size := end - start + 1
	if fail {
		if onBytes != nil {
			onBytes(size/2 + 1)
		}
		return nil, &bilibili.FetchError{StatusCode: 503, Start: start, End: end, Err: errors.New("source hiccup")}
	}
	if stall {
		if onBytes != nil {
			onBytes(1)
		}
		return stalledBody{ctx: ctx}, nil
	}
	if onBytes != nil {
		onBytes(size / 2)
		onBytes(size)
	}
	return io.NopCloser(bytes.NewReader(make([]byte, size))), nil
}

type stalledBody struct {
	ctx context.Context
}

func (b stalledBody) Read([]byte) (int, error) {
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func (b stalledBody) Close() error { return nil }

func (f *fakeFetcher) callsFor(start int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[start]
}

type fakeSource struct {
	mu         sync.Mutex
	meta       *bilibili.VideoMeta
	metaErr    error
	keysErr    error
	keysCalls  int
	streams    map[int64]*bilibili.AudioStream
	resolveErr map[int64]error
}

func (s *fakeSource) SigningKeys(ctx context.Context) (bilibili.Keys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keysCalls++
	if s.keysErr != nil {
		return bilibili.Keys{}, s.keysErr
	}
	return bilibili.Keys{Img: "img", Sub: "sub"}, nil
}

func (s *fakeSource) ResolveVideoMeta(ctx context.Context, videoID string) (*bilibili.VideoMeta, error) {
	if s.metaErr != nil {
		return nil, s.metaErr
	}
	return s.meta, nil
}

func (s *fakeSource) ResolveAudioURL(ctx context.Context, videoID string, streamID int64, keys bilibili.Keys) (*bilibili.AudioStream, error) {
	if err := s.resolveErr[streamID]; err != nil {
		return nil, err
	}
	stream, ok := s.streams[streamID]
	if !ok {
		return nil, bilibili.ErrNoAudioStream
	}
	return stream, nil
}

type fakeKeySaver struct {
	mu    sync.Mutex
	err   error
	calls int
	keys  []string
}

func (k *fakeKeySaver) SaveObjectKeys(ctx context.Context, recordingID string, keys []string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls++
	k.keys = append([]string(nil), keys...)
	return k.err
}

type fakeRecordings struct {
	recs map[string]recordings.Recording
}

func (f *fakeRecordings) Lookup(ctx context.Context, id string) (recordings.Recording, error) {
	rec, ok := f.recs[id]
	if !ok {
		return recordings.Recording{}, recordings.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRecordings) SaveObjectKeys(ctx context.Context, id string, keys []string) error {
	return nil
}

// recorder collects events; chunk events arrive from several goroutines.
type recorder struct {
	mu     sync.Mutex
	events []Event
	hook   func(Event)
}

func (r *recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (r *recorder) names() []EventName {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventName, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Name)
	}
	return out
}

func (r *recorder) count(name EventName) int {
	n := 0
	for _, got := range r.names() {
		if got == name {
			n++
		}
	}
	return n
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}
	}
	return r.events[len(r.events)-1]
}

func (r *recorder) find(name EventName) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

var testPublished = time.Date(2024, 3, 1, 18, 30, 0, 0, time.UTC)

func testPages(ids ...int64) []bilibili.Page {
	pages := make([]bilibili.Page, 0, len(ids))
	for i, id := range ids {
		pages = append(pages, bilibili.Page{StreamID: id, Number: i + 1})
	}
	return pages
}
