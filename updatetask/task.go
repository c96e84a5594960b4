// Package updatetask synchronizes a managed resource store with its manifest.
//
// One pass of a task fetches the manifest, records a new DOWNLOADING version
// when the manifest version changed, fetches every resource of that version
// that has no payload yet, and finally publishes it as the CURRENT version.
// A pass that fails leaves the partially filled DOWNLOADING version in place,
// so the next pass only fetches what is still missing.
package updatetask

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/always-cache/localserver/manifest"
	rawheaders "github.com/always-cache/localserver/pkg/raw-headers"
	"github.com/always-cache/localserver/resourcestore"
	"github.com/always-cache/localserver/sqlstore"
	"github.com/always-cache/localserver/webcachedb"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Options struct {
	// Fetcher to use, an HTTPFetcher with default settings if nil.
	Fetcher Fetcher
	// Registry enforcing one task per store, DefaultRegistry if nil.
	Registry *Registry
	// Logger to use. Logging is disabled if nil.
	Logger *zerolog.Logger
	// PrunePayloads deletes payloads no longer referenced after a new
	// version was published.
	PrunePayloads bool
}

// Result is the outcome of a task.
type Result struct {
	TaskID  string
	Success bool
	// Err is the cause of a failure.
	Err error
	// Message is the error message recorded in the store.
	Message string
	// Version is the CURRENT version after the task, empty if none.
	Version string
}

// Task is one update of a store. A task runs at most once.
type Task struct {
	id       string
	store    *resourcestore.Store
	fetcher  Fetcher
	registry *Registry
	prune    bool
	log      zerolog.Logger

	started atomic.Bool
	aborted atomic.Bool
	done    chan struct{}

	mutex     *sync.Mutex
	result    Result
	finished  bool
	listeners []func(Result)
}

// New creates a task updating store. The task works on its own clone of the store.
func New(store *resourcestore.Store, opts Options) *Task {
	t := &Task{
		id:       uuid.NewString(),
		fetcher:  opts.Fetcher,
		registry: opts.Registry,
		prune:    opts.PrunePayloads,
		done:     make(chan struct{}),
		mutex:    &sync.Mutex{},
		log:      zerolog.Nop(),
	}
	if t.fetcher == nil {
		t.fetcher = NewHTTPFetcher(HTTPFetcherConfig{})
	}
	if t.registry == nil {
		t.registry = DefaultRegistry
	}
	if opts.Logger != nil {
		t.log = opts.Logger.With().
			Str("task", t.id).
			Str("origin", store.Origin().URL()).
			Str("store", store.Name()).
			Logger()
	}
	t.store = store.WithLogger(t.log)
	return t
}

func (t *Task) ID() string {
	return t.id
}

// ServerID returns the id of the store being updated.
func (t *Task) ServerID() int64 {
	return t.store.ID()
}

// Start runs the task in a new goroutine. It returns ErrAlreadyRunning,
// without touching the store, when another task updates the same store.
func (t *Task) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	if !t.registry.acquire(t.store.ID(), t) {
		t.decline()
		return ErrAlreadyRunning
	}
	go func() {
		defer t.registry.release(t.store.ID(), t)
		t.finish(t.run(ctx))
	}()
	return nil
}

// Run performs the task synchronously and reports whether it succeeded.
func (t *Task) Run(ctx context.Context) bool {
	if !t.started.CompareAndSwap(false, true) {
		return false
	}
	if !t.registry.acquire(t.store.ID(), t) {
		t.decline()
		return false
	}
	defer t.registry.release(t.store.ID(), t)
	result := t.run(ctx)
	t.finish(result)
	return result.Success
}

// Abort asks the task to stop. A fetch in progress completes first, and
// nothing fetched after the abort is linked to the version.
func (t *Task) Abort() {
	if t.aborted.CompareAndSwap(false, true) {
		t.log.Debug().Msg("Abort requested")
	}
}

// Done is closed when the task finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Await waits for the task to finish.
func (t *Task) Await(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the outcome of a finished task.
func (t *Task) Result() Result {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.result
}

// AddListener registers fn to be called once with the result. If the task
// already finished, fn is called right away.
func (t *Task) AddListener(fn func(Result)) {
	t.mutex.Lock()
	if !t.finished {
		t.listeners = append(t.listeners, fn)
		t.mutex.Unlock()
		return
	}
	result := t.result
	t.mutex.Unlock()
	fn(result)
}

func (t *Task) decline() {
	t.log.Debug().Msg("Another task is updating this store")
	t.finish(Result{TaskID: t.id, Err: ErrAlreadyRunning, Message: ErrAlreadyRunning.Error()})
}

func (t *Task) finish(result Result) {
	t.mutex.Lock()
	t.result = result
	t.finished = true
	listeners := t.listeners
	t.listeners = nil
	t.mutex.Unlock()

	close(t.done)
	for _, fn := range listeners {
		fn(result)
	}
}

func (t *Task) run(ctx context.Context) Result {
	start := time.Now()
	t.log.Info().Msg("Starting update")
	result := Result{TaskID: t.id}

	err := t.pass(ctx)
	// the outcome is recorded even when ctx was cancelled mid-update
	ctx = context.WithoutCancel(ctx)
	if err == nil {
		err = t.store.SetUpdateStatus(ctx, webcachedb.UpdateOK, "")
	}
	if err != nil {
		result.Err = err
		result.Message = errorMessage(err)
		if errors.Is(err, sqlstore.ErrCorrupt) {
			t.markCorrupt(err)
		}
		if statusErr := t.store.SetUpdateStatus(ctx, webcachedb.UpdateFailed, result.Message); statusErr != nil {
			t.log.Error().Err(statusErr).Msg("Could not record failure")
		}
		t.log.Error().Err(err).Str("message", result.Message).Dur("took", time.Since(start)).Msg("Update failed")
	} else {
		result.Success = true
		t.log.Info().Dur("took", time.Since(start)).Msg("Update finished")
	}

	if version, err := t.store.VersionString(ctx, webcachedb.VersionCurrent); err == nil {
		result.Version = version
	}
	return result
}

// pass runs the update, again as long as the manifest url changes meanwhile.
func (t *Task) pass(ctx context.Context) error {
	if t.aborted.Load() {
		return ErrAborted
	}
	if err := t.store.SetUpdateStatus(ctx, webcachedb.UpdateChecking, ""); err != nil {
		return err
	}

	for {
		identity, err := t.store.Identity(ctx)
		if err != nil {
			return err
		}

		err = t.updateManifest(ctx, identity)
		if err == nil {
			err = t.downloadVersion(ctx)
		}

		if ctx.Err() != nil || t.aborted.Load() {
			return err
		}
		manifestURL, urlErr := t.store.ManifestURL(ctx)
		if urlErr != nil {
			if err != nil {
				return err
			}
			return urlErr
		}
		if manifestURL == identity.ManifestURL {
			return err
		}
		t.log.Debug().Str("manifest", manifestURL).Msg("Manifest url changed, updating again")
	}
}

func (t *Task) fetch(ctx context.Context, req *Request) (*Response, error) {
	t.log.Trace().Str("url", req.URL).Str("ifModifiedSince", req.IfModifiedSince).Msg("Fetching")
	res, err := t.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, &HTTPError{URL: req.URL, Err: err}
	}
	t.log.Trace().Str("url", req.URL).Int("status", res.StatusCode).Int("size", len(res.Body)).Msg("Fetched")
	return res, nil
}

// updateManifest fetches the manifest and records it as the DOWNLOADING
// version if it is neither the CURRENT nor the DOWNLOADING one.
func (t *Task) updateManifest(ctx context.Context, identity resourcestore.Identity) error {
	if identity.ManifestURL == "" {
		return ErrMissingManifestURL
	}
	info, err := t.store.UpdateInfo(ctx)
	if err != nil {
		return err
	}

	res, err := t.fetch(ctx, &Request{
		URL:             identity.ManifestURL,
		IfModifiedSince: info.ManifestDateHeader,
		RequiredCookie:  identity.RequiredCookie,
	})
	if err != nil {
		return err
	}

	actualURL := identity.ManifestURL
	if res.Redirected(identity.ManifestURL) {
		if !identity.Origin.IsSameOriginAsURL(res.FinalURL) {
			return &RedirectError{URL: identity.ManifestURL, Location: res.FinalURL}
		}
		actualURL = res.FinalURL
	}

	switch res.StatusCode {
	case http.StatusNotModified:
		t.log.Debug().Msg("Manifest not modified")
		return t.store.SetUpdateStatus(ctx, webcachedb.UpdateChecking, "")
	case http.StatusOK:
	default:
		return &HTTPError{URL: identity.ManifestURL, Status: res.StatusCode}
	}

	parsed, err := manifest.Parse(actualURL, res.Body)
	if err != nil {
		return err
	}
	m, err := parsed.Resolve(identity.Origin)
	if err != nil {
		return err
	}

	current, err := t.store.VersionString(ctx, webcachedb.VersionCurrent)
	if err != nil {
		return err
	}
	downloading, err := t.store.VersionString(ctx, webcachedb.VersionDownloading)
	if err != nil {
		return err
	}

	switch m.Version {
	case current:
		t.log.Debug().Str("version", m.Version).Msg("Manifest version is already current")
		if downloading != "" {
			return t.store.DeleteVersion(ctx, webcachedb.VersionDownloading)
		}
		return nil
	case downloading:
		t.log.Debug().Str("version", m.Version).Msg("Manifest version is already downloading")
		return nil
	}

	t.log.Info().Str("version", m.Version).Int("entries", len(m.Entries)).Msg("Received new manifest version")
	if _, err := t.store.AddManifestAsDownloadingVersion(ctx, m); err != nil {
		return err
	}
	return t.store.SetManifestDate(ctx, res.Header.Get(rawheaders.LastModified))
}

// downloadVersion fetches the missing resources of the DOWNLOADING version
// and publishes it.
func (t *Task) downloadVersion(ctx context.Context) error {
	version, err := t.store.Version(ctx, webcachedb.VersionDownloading)
	if errors.Is(err, webcachedb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	db := t.store.DB()

	entries, err := db.FindEntriesHavingNoResponse(ctx, version.ID)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		urls := make([]string, 0, len(entries))
		seen := make(map[string]bool, len(entries))
		for _, e := range entries {
			if url := e.FetchURL(); !seen[url] {
				seen[url] = true
				urls = append(urls, url)
			}
		}

		if err := t.store.SetUpdateStatus(ctx, webcachedb.UpdateDownloading, ""); err != nil {
			return err
		}
		t.log.Debug().Str("version", version.VersionString).Int("urls", len(urls)).Msg("Downloading version")

		for _, url := range urls {
			if t.aborted.Load() {
				return ErrAborted
			}
			exists, err := t.store.StillExistsInDB(ctx)
			if err != nil {
				return err
			}
			if !exists {
				return resourcestore.ErrRemoved
			}
			if err := t.processURL(ctx, version, url); err != nil {
				return err
			}
		}
	}

	if t.aborted.Load() {
		return ErrAborted
	}
	if err := t.store.SetDownloadingVersionAsCurrent(ctx); err != nil {
		return err
	}
	t.log.Info().Str("version", version.VersionString).Msg("Published new version")

	if t.prune {
		if _, err := db.DeleteUnreferencedPayloads(ctx, t.store.ID()); err != nil {
			t.log.Warn().Err(err).Msg("Could not delete unreferenced payloads")
		}
	}
	return nil
}

// processURL fetches one url and links the payload to every entry of the
// version fetched from it.
func (t *Task) processURL(ctx context.Context, version *webcachedb.Version, url string) error {
	db := t.store.DB()

	prior, err := db.FindMostRecentPayload(ctx, version.ServerID, url)
	if err != nil && !errors.Is(err, webcachedb.ErrNotFound) {
		return err
	}
	var ifModifiedSince string
	if prior != nil {
		ifModifiedSince, _ = rawheaders.Get(prior.Headers, rawheaders.LastModified)
	}

	res, err := t.fetch(ctx, &Request{
		URL:             url,
		IfModifiedSince: ifModifiedSince,
		RequiredCookie:  t.store.RequiredCookie(),
	})
	if err != nil {
		return err
	}
	var redirectURL string
	if res.Redirected(url) {
		redirectURL = res.FinalURL
	}

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		if prior == nil {
			return &HTTPError{URL: url, Status: res.StatusCode}
		}
	default:
		return &HTTPError{URL: url, Status: res.StatusCode}
	}

	tx, err := db.Begin(ctx, "ProcessURL")
	if err != nil {
		return err
	}
	defer tx.Rollback()
	txdb := db.WithTx(tx)

	var payloadID int64
	if res.StatusCode == http.StatusNotModified {
		payloadID = prior.ID
		t.log.Trace().Str("url", url).Int64("payload", payloadID).Msg("Reusing unmodified payload")
	} else {
		payloadID, err = txdb.InsertPayload(ctx, version.ServerID, url, &webcachedb.Payload{
			CreationDate: time.Now(),
			StatusLine:   rawheaders.StatusLine(res.StatusCode),
			StatusCode:   res.StatusCode,
			Headers:      rawheaders.Serialize(res.Header),
			Body:         res.Body,
		})
		if err != nil {
			return err
		}
	}

	if t.aborted.Load() {
		return ErrAborted
	}
	n, err := txdb.UpdateEntriesWithNewPayload(ctx, version.ID, url, payloadID, redirectURL)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to store %s: %w", url, err)
	}
	t.log.Trace().Str("url", url).Int64("entries", n).Msg("Stored resource")
	return nil
}

// markCorrupt records the store as corrupt without blocking the task.
func (t *Task) markCorrupt(cause error) {
	store := t.store
	go func() {
		if err := store.MarkCorrupt(cause); err != nil {
			store.Logger().Error().Err(err).Msg("Could not mark store as corrupt")
		}
	}()
}
