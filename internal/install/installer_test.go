package install

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelrelay/internal/lock"
	"pixelrelay/internal/models"
	"pixelrelay/internal/services/shopify"
)

const appURL = "https://relay.example.com"

// fakeShop keeps script tags in memory and can be told to fail calls.
type fakeShop struct {
	mu     sync.Mutex
	tags   []shopify.ScriptTag
	nextID int64
	clock  time.Time

	failDeletes int // number of upcoming deletes that fail
	failCreate  error
	creates     int
}

func newFakeShop(tags ...shopify.ScriptTag) *fakeShop {
	f := &fakeShop{nextID: 1000, clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	f.tags = append(f.tags, tags...)
	return f
}

func (f *fakeShop) ListScriptTags(context.Context) ([]shopify.ScriptTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]shopify.ScriptTag(nil), f.tags...), nil
}

func (f *fakeShop) CreateScriptTag(_ context.Context, src string) (*shopify.ScriptTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.failCreate != nil {
		return nil, f.failCreate
	}
	f.nextID++
	f.clock = f.clock.Add(time.Minute)
	tag := shopify.ScriptTag{ID: f.nextID, Event: "onload", Src: src, CreatedAt: f.clock}
	f.tags = append(f.tags, tag)
	return &tag, nil
}

func (f *fakeShop) DeleteScriptTag(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDeletes > 0 {
		f.failDeletes--
		return &shopify.APIError{Status: 500, Body: "boom"}
	}
	for i, tag := range f.tags {
		if tag.ID == id {
			f.tags = append(f.tags[:i], f.tags[i+1:]...)
			return nil
		}
	}
	return shopify.ErrNotFound
}

func (f *fakeShop) relayTags() []shopify.ScriptTag {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []shopify.ScriptTag
	for _, tag := range f.tags {
		if strings.HasPrefix(tag.Src, appURL+"/pixel.js") {
			out = append(out, tag)
		}
	}
	return out
}

type memRecorder struct {
	mu   sync.Mutex
	rows []models.Installation
}

func (r *memRecorder) RecordInstallation(_ context.Context, inst *models.Installation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, *inst)
	return nil
}

func newInstaller(rec Recorder) *Installer {
	in := New(Options{AppURL: appURL, Recorder: rec, Attempts: 3, Backoff: time.Millisecond})
	in.sleep = func(context.Context, time.Duration) error { return nil }
	return in
}

func TestInstall_ReplacesStaleTags(t *testing.T) {
	shop := newFakeShop(
		shopify.ScriptTag{ID: 1, Src: appURL + "/pixel.js?tid=spfy-old"},
		shopify.ScriptTag{ID: 2, Src: appURL + "/pixel.js"},
		shopify.ScriptTag{ID: 3, Src: "https://other.app/widget.js"},
	)
	rec := &memRecorder{}

	res, err := newInstaller(rec).Install(context.Background(), "example.myshopify.com", shop)
	require.NoError(t, err)

	assert.Equal(t, "spfy-ZXhhbXBsZS5teXNob3BpZnkuY29t", res.TrackingID)
	assert.Equal(t, appURL+"/pixel.js?tid=spfy-ZXhhbXBsZS5teXNob3BpZnkuY29t", res.ScriptSrc)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 2, res.Deleted)

	relay := shop.relayTags()
	require.Len(t, relay, 1)
	assert.Equal(t, res.ScriptSrc, relay[0].Src)
	assert.Equal(t, "onload", relay[0].Event)

	// foreign tags are untouched
	all, _ := shop.ListScriptTags(context.Background())
	assert.Len(t, all, 2)

	require.Len(t, rec.rows, 1)
	assert.Equal(t, models.InstallationStatusSucceeded, rec.rows[0].Status)
	assert.Equal(t, relay[0].ID, rec.rows[0].ScriptTagID)
}

func TestInstall_TwiceLeavesOne(t *testing.T) {
	shop := newFakeShop()
	in := newInstaller(nil)

	for i := 0; i < 2; i++ {
		_, err := in.Install(context.Background(), "example", shop)
		require.NoError(t, err)
	}

	relay := shop.relayTags()
	require.Len(t, relay, 1)
	assert.Equal(t, 2, shop.creates)
}

func TestInstall_TransientDeleteFailureIsRetried(t *testing.T) {
	shop := newFakeShop(shopify.ScriptTag{ID: 1, Src: appURL + "/pixel.js?tid=spfy-old"})
	shop.failDeletes = 1

	res, err := newInstaller(nil).Install(context.Background(), "example.myshopify.com", shop)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, shop.creates, "create must not run while stale tags remain")
	require.Len(t, shop.relayTags(), 1)
}

func TestInstall_PersistentDeleteFailure(t *testing.T) {
	shop := newFakeShop(shopify.ScriptTag{ID: 1, Src: appURL + "/pixel.js?tid=spfy-old"})
	shop.failDeletes = 100
	rec := &memRecorder{}

	res, err := newInstaller(rec).Install(context.Background(), "example.myshopify.com", shop)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStaleTagsRemain)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 0, shop.creates)

	require.Len(t, rec.rows, 1)
	assert.Equal(t, models.InstallationStatusFailed, rec.rows[0].Status)
	assert.NotEmpty(t, rec.rows[0].Error)
}

func TestInstall_CreateFailureIsReturned(t *testing.T) {
	shop := newFakeShop()
	shop.failCreate = &shopify.APIError{Status: 422, Body: "invalid src"}

	_, err := newInstaller(nil).Install(context.Background(), "example.myshopify.com", shop)
	var apiErr *shopify.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 422, apiErr.Status)
	assert.Equal(t, 3, shop.creates)
}

func TestInstall_LockHeld(t *testing.T) {
	locker := lock.NewLocalLocker()
	release, err := locker.Acquire(context.Background(), "install:example.myshopify.com", time.Minute)
	require.NoError(t, err)
	defer release()

	in := New(Options{AppURL: appURL, Locker: locker})
	_, err = in.Install(context.Background(), "example.myshopify.com", newFakeShop())
	assert.ErrorIs(t, err, lock.ErrLocked)
}

func TestInstall_ConcurrentRunsLeaveOne(t *testing.T) {
	shop := newFakeShop()
	in := newInstaller(nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in.Install(context.Background(), "example.myshopify.com", shop)
		}()
	}
	wg.Wait()

	assert.Len(t, shop.relayTags(), 1)
}

func TestReconcile_KeepsNewest(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	shop := newFakeShop(
		shopify.ScriptTag{ID: 1, Src: appURL + "/pixel.js?tid=a", CreatedAt: base},
		shopify.ScriptTag{ID: 2, Src: appURL + "/pixel.js?tid=b", CreatedAt: base.Add(time.Hour)},
		shopify.ScriptTag{ID: 3, Src: appURL + "/pixel.js?tid=c", CreatedAt: base.Add(time.Minute)},
		shopify.ScriptTag{ID: 4, Src: "https://other.app/widget.js"},
	)

	res, err := newInstaller(nil).Reconcile(context.Background(), "example.myshopify.com", shop)
	require.NoError(t, err)
	require.NotNil(t, res.Kept)
	assert.Equal(t, int64(2), res.Kept.ID)
	assert.Equal(t, 2, res.Deleted)

	relay := shop.relayTags()
	require.Len(t, relay, 1)
	assert.Equal(t, int64(2), relay[0].ID)
}

func TestReconcile_NothingToDo(t *testing.T) {
	res, err := newInstaller(nil).Reconcile(context.Background(), "example.myshopify.com", newFakeShop())
	require.NoError(t, err)
	assert.Nil(t, res.Kept)
	assert.Zero(t, res.Deleted)
}

func TestNew_DerivesLockTTLFromAttempts(t *testing.T) {
	in := New(Options{AppURL: appURL, Attempts: 3, Backoff: time.Second})
	// three passes plus 1s and 2s of backoff
	assert.Equal(t, 3*attemptBudget+3*time.Second, in.lockTTL)

	in = New(Options{AppURL: appURL, Attempts: 3, LockTTL: 10 * time.Minute})
	assert.Equal(t, 10*time.Minute, in.lockTTL)
}

// stallingShop blocks listing until the caller's context ends.
type stallingShop struct {
	*fakeShop
	deadline time.Time
}

func (s *stallingShop) ListScriptTags(ctx context.Context) ([]shopify.ScriptTag, error) {
	s.deadline, _ = ctx.Deadline()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestInstall_RunEndsWithLock(t *testing.T) {
	shop := &stallingShop{fakeShop: newFakeShop()}
	in := New(Options{AppURL: appURL, Attempts: 3, LockTTL: 50 * time.Millisecond})
	in.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	start := time.Now()
	_, err := in.Install(context.Background(), "example.myshopify.com", shop)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, shop.deadline.IsZero())
	assert.Equal(t, 0, shop.creates)

	// the lock is free again for the next run
	_, err = in.Install(context.Background(), "example.myshopify.com", newFakeShop())
	assert.NoError(t, err)
}
