// Package install (re)registers the relay script tag on a shop.
package install

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"pixelrelay/internal/lock"
	"pixelrelay/internal/logger"
	"pixelrelay/internal/metrics"
	"pixelrelay/internal/models"
	"pixelrelay/internal/services/shopify"
	"pixelrelay/internal/tracking"
)

// attemptBudget covers one list, delete, list, create pass under the admin
// client's 30s per-call timeout, with room for a few deletes.
const attemptBudget = 3 * time.Minute

// ErrStaleTagsRemain means relay tags were still listed after the delete pass.
var ErrStaleTagsRemain = errors.New("install: relay script tags remain after delete")

// ScriptTagAPI is the slice of the admin API the installer drives.
type ScriptTagAPI interface {
	ListScriptTags(ctx context.Context) ([]shopify.ScriptTag, error)
	CreateScriptTag(ctx context.Context, src string) (*shopify.ScriptTag, error)
	DeleteScriptTag(ctx context.Context, id int64) error
}

// Recorder persists install runs.
type Recorder interface {
	RecordInstallation(ctx context.Context, inst *models.Installation) error
}

type Options struct {
	AppURL   string
	Locker   lock.Locker
	Recorder Recorder
	Attempts int
	Backoff  time.Duration
	// LockTTL is how long a run holds the shop lock. A run is cancelled when
	// it expires. Zero derives it from Attempts and Backoff.
	LockTTL time.Duration
	Logger  *logger.Logger
}

type Installer struct {
	appURL   string
	locker   lock.Locker
	recorder Recorder
	attempts int
	backoff  time.Duration
	lockTTL  time.Duration
	logger   *logger.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// Result describes a finished install run.
type Result struct {
	Shop       string             `json:"shop"`
	TrackingID string             `json:"tracking_id"`
	ScriptSrc  string             `json:"script_src"`
	ScriptTag  *shopify.ScriptTag `json:"script_tag,omitempty"`
	Attempts   int                `json:"attempts"`
	Deleted    int                `json:"deleted"`
	// Tags is the post-condition listing of relay tags.
	Tags []shopify.ScriptTag `json:"tags"`
}

// ReconcileResult describes a dedupe pass.
type ReconcileResult struct {
	Shop    string             `json:"shop"`
	Kept    *shopify.ScriptTag `json:"kept,omitempty"`
	Deleted int                `json:"deleted"`
}

func New(opts Options) *Installer {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = lockTTLFor(opts.Attempts, opts.Backoff)
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocalLocker()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Installer{
		appURL:   opts.AppURL,
		locker:   opts.Locker,
		recorder: opts.Recorder,
		attempts: opts.Attempts,
		backoff:  opts.Backoff,
		lockTTL:  opts.LockTTL,
		logger:   opts.Logger,
		sleep:    sleepCtx,
	}
}

// Install replaces every relay script tag on shop with exactly one pointing
// at the shop's tracking URL. The delete, verify and create steps are retried
// together; the error of the last attempt is returned.
func (i *Installer) Install(ctx context.Context, shop string, api ScriptTagAPI) (*Result, error) {
	shop = shopify.NormalizeShop(shop)
	res := &Result{
		Shop:       shop,
		TrackingID: tracking.ID(shop),
		ScriptSrc:  tracking.ScriptURL(i.appURL, shop),
	}

	release, err := i.locker.Acquire(ctx, "install:"+shop, i.lockTTL)
	if err != nil {
		metrics.InstallRuns.WithLabelValues("locked").Inc()
		return res, fmt.Errorf("locking install for %s: %w", shop, err)
	}
	defer release()

	// never outlive the lock
	ctx, cancel := context.WithTimeout(ctx, i.lockTTL)
	defer cancel()

	i.logger.Info("Installing relay script for %s (tid=%s)", shop, res.TrackingID)

	var lastErr error
	for attempt := 1; attempt <= i.attempts; attempt++ {
		res.Attempts = attempt

		tag, deleted, err := i.replace(ctx, api, res.ScriptSrc)
		res.Deleted += deleted
		if err == nil {
			res.ScriptTag = tag
			lastErr = nil
			break
		}

		lastErr = err
		i.logger.Warn("Install attempt %d/%d for %s failed: %v", attempt, i.attempts, shop, err)
		if attempt < i.attempts {
			if err := i.sleep(ctx, i.backoff*time.Duration(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	if lastErr != nil {
		metrics.InstallRuns.WithLabelValues("failed").Inc()
		i.record(ctx, res, lastErr)
		return res, fmt.Errorf("installing relay script for %s after %d attempts: %w", shop, res.Attempts, lastErr)
	}

	kept, extra, err := i.dedupe(ctx, api, res.ScriptTag.ID)
	res.Deleted += extra
	if err != nil {
		i.logger.Warn("Post-install check for %s failed: %v", shop, err)
	}
	res.Tags = kept

	metrics.InstallRuns.WithLabelValues("succeeded").Inc()
	i.record(ctx, res, nil)
	i.logger.Info("Relay script installed for %s: tag %d after %d attempt(s), %d stale removed",
		shop, res.ScriptTag.ID, res.Attempts, res.Deleted)
	return res, nil
}

// Reconcile deletes all relay script tags on shop except the newest.
func (i *Installer) Reconcile(ctx context.Context, shop string, api ScriptTagAPI) (*ReconcileResult, error) {
	shop = shopify.NormalizeShop(shop)

	release, err := i.locker.Acquire(ctx, "install:"+shop, i.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("locking reconcile for %s: %w", shop, err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, i.lockTTL)
	defer cancel()

	tags, err := api.ListScriptTags(ctx)
	if err != nil {
		return nil, err
	}

	matching := i.matching(tags)
	res := &ReconcileResult{Shop: shop}
	if len(matching) == 0 {
		return res, nil
	}

	sort.SliceStable(matching, func(a, b int) bool {
		if !matching[a].CreatedAt.Equal(matching[b].CreatedAt) {
			return matching[a].CreatedAt.After(matching[b].CreatedAt)
		}
		return matching[a].ID > matching[b].ID
	})
	keep := matching[0]
	res.Kept = &keep

	for _, tag := range matching[1:] {
		if err := api.DeleteScriptTag(ctx, tag.ID); err != nil && !errors.Is(err, shopify.ErrNotFound) {
			return res, err
		}
		res.Deleted++
		metrics.ScriptTagsDeleted.Inc()
	}

	i.logger.Info("Reconciled %s: kept tag %d, deleted %d", shop, keep.ID, res.Deleted)
	return res, nil
}

// replace is one attempt: delete all relay tags, confirm none are left, create one.
func (i *Installer) replace(ctx context.Context, api ScriptTagAPI, src string) (*shopify.ScriptTag, int, error) {
	tags, err := api.ListScriptTags(ctx)
	if err != nil {
		return nil, 0, err
	}

	deleted := 0
	for _, tag := range i.matching(tags) {
		err := api.DeleteScriptTag(ctx, tag.ID)
		switch {
		case err == nil:
			deleted++
			metrics.ScriptTagsDeleted.Inc()
			i.logger.Debug("Deleted stale script tag %d (%s)", tag.ID, tag.Src)
		case errors.Is(err, shopify.ErrNotFound):
			// already gone
		default:
			i.logger.Warn("Failed to delete script tag %d: %v", tag.ID, err)
		}
	}

	remaining, err := api.ListScriptTags(ctx)
	if err != nil {
		return nil, deleted, err
	}
	if n := len(i.matching(remaining)); n > 0 {
		return nil, deleted, fmt.Errorf("%w: %d left", ErrStaleTagsRemain, n)
	}

	tag, err := api.CreateScriptTag(ctx, src)
	if err != nil {
		return nil, deleted, err
	}
	return tag, deleted, nil
}

// dedupe removes relay tags other than keepID and returns what is left.
func (i *Installer) dedupe(ctx context.Context, api ScriptTagAPI, keepID int64) ([]shopify.ScriptTag, int, error) {
	tags, err := api.ListScriptTags(ctx)
	if err != nil {
		return nil, 0, err
	}

	var kept []shopify.ScriptTag
	deleted := 0
	for _, tag := range i.matching(tags) {
		if tag.ID == keepID {
			kept = append(kept, tag)
			continue
		}
		if err := api.DeleteScriptTag(ctx, tag.ID); err != nil && !errors.Is(err, shopify.ErrNotFound) {
			kept = append(kept, tag)
			return kept, deleted, err
		}
		deleted++
		metrics.ScriptTagsDeleted.Inc()
		i.logger.Warn("Removed duplicate relay script tag %d", tag.ID)
	}
	return kept, deleted, nil
}

func (i *Installer) matching(tags []shopify.ScriptTag) []shopify.ScriptTag {
	var out []shopify.ScriptTag
	for _, tag := range tags {
		if tracking.IsRelayScript(i.appURL, tag.Src) {
			out = append(out, tag)
		}
	}
	return out
}

func (i *Installer) record(ctx context.Context, res *Result, runErr error) {
	if i.recorder == nil {
		return
	}

	inst := &models.Installation{
		Shop:         res.Shop,
		TrackingID:   res.TrackingID,
		ScriptSrc:    res.ScriptSrc,
		Status:       models.InstallationStatusSucceeded,
		Attempts:     res.Attempts,
		DeletedCount: res.Deleted,
	}
	if res.ScriptTag != nil {
		inst.ScriptTagID = res.ScriptTag.ID
	}
	if runErr != nil {
		inst.Status = models.InstallationStatusFailed
		inst.Error = runErr.Error()
	}

	// a cancelled request should not lose the audit row
	if err := i.recorder.RecordInstallation(context.WithoutCancel(ctx), inst); err != nil {
		i.logger.Error("Failed to record installation for %s: %v", res.Shop, err)
	}
}

// lockTTLFor is the worst case of attempts passes plus the linear backoff
// between them.
func lockTTLFor(attempts int, backoff time.Duration) time.Duration {
	waits := attempts * (attempts - 1) / 2
	return time.Duration(attempts)*attemptBudget + time.Duration(waits)*backoff
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
