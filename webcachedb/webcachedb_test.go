package webcachedb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/localserver/manifest"
	rawheaders "github.com/always-cache/localserver/pkg/raw-headers"
	secorigin "github.com/always-cache/localserver/pkg/security-origin"
	"github.com/always-cache/localserver/sqlstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testOrigin   = "http://cc_tests"
	testManifest = "http://cc_tests/manifest.json"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	store, err := sqlstore.Open(filepath.Join(t.TempDir(), "localserver.db"), sqlstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	db, err := Open(context.Background(), store, nil)
	require.NoError(t, err)
	return db
}

func insertTestServer(t *testing.T, db *DB, name string) *Server {
	t.Helper()
	s := &Server{SecurityOriginURL: testOrigin, Name: name, Enabled: true, ManifestURL: testManifest}
	_, err := db.InsertServer(context.Background(), s)
	require.NoError(t, err)
	return s
}

func resolvedManifest(t *testing.T, body string) *manifest.Manifest {
	t.Helper()
	origin, err := secorigin.FromURL(testManifest)
	require.NoError(t, err)
	m, err := manifest.Parse(testManifest, []byte(body))
	require.NoError(t, err)
	r, err := m.Resolve(origin)
	require.NoError(t, err)
	return r
}

func okPayload(body string) *Payload {
	return &Payload{
		CreationDate: time.Now(),
		StatusLine:   rawheaders.StatusLine(200),
		StatusCode:   200,
		Headers:      "Content-Type: text/plain\r\n\r\n",
		Body:         []byte(body),
	}
}

// resolveAll fetches nothing, it just stores a payload for every missing url.
func resolveAll(t *testing.T, db *DB, serverID, versionID int64) {
	t.Helper()
	ctx := context.Background()
	entries, err := db.FindEntriesHavingNoResponse(ctx, versionID)
	require.NoError(t, err)
	for _, e := range entries {
		id, err := db.InsertPayload(ctx, serverID, e.FetchURL(), okPayload(e.URL))
		require.NoError(t, err)
		_, err = db.UpdateEntriesWithNewPayload(ctx, versionID, e.FetchURL(), id, "")
		require.NoError(t, err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	_, err := Open(context.Background(), db.Store(), nil)
	require.NoError(t, err)
}

func TestServers(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	s := insertTestServer(t, db, "app")
	assert.NotZero(t, s.ID)

	// unique on origin, name and cookie
	_, err := db.InsertServer(ctx, &Server{SecurityOriginURL: testOrigin, Name: "app"})
	require.Error(t, err)
	_, err = db.InsertServer(ctx, &Server{SecurityOriginURL: testOrigin, Name: "app", RequiredCookie: "user=1"})
	require.NoError(t, err)

	found, err := db.FindServer(ctx, testOrigin, "app", "")
	require.NoError(t, err)
	assert.Equal(t, s.ID, found.ID)
	assert.True(t, found.Enabled)
	assert.Equal(t, testManifest, found.ManifestURL)

	_, err = db.FindServer(ctx, testOrigin, "nope", "")
	assert.True(t, errors.Is(err, ErrNotFound))

	forOrigin, err := db.FindServersForOrigin(ctx, testOrigin)
	require.NoError(t, err)
	assert.Len(t, forOrigin, 2)

	require.NoError(t, db.SetEnabled(ctx, s.ID, false))
	found, err = db.FindServerByID(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, found.Enabled)
	assert.True(t, errors.Is(db.SetEnabled(ctx, 4242, true), ErrNotFound))
}

func TestUpdateInfo(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := insertTestServer(t, db, "app")

	checked := time.UnixMilli(time.Now().UnixMilli())
	info := UpdateInfo{
		Status:             UpdateFailed,
		LastCheckTime:      checked,
		ManifestDateHeader: "Wed, 21 Oct 2015 07:28:00 GMT",
		ErrorMessage:       "Internal error",
	}
	require.NoError(t, db.SetUpdateInfo(ctx, s.ID, info))
	got, err := db.GetUpdateInfo(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, UpdateFailed, got.Status)
	assert.True(t, checked.Equal(got.LastCheckTime))
	assert.Equal(t, info.ManifestDateHeader, got.ManifestDateHeader)
	assert.Equal(t, "Internal error", got.ErrorMessage)
	assert.Equal(t, "FAILED", got.Status.String())

	// same url keeps the date, a new url clears it
	require.NoError(t, db.SetManifestURL(ctx, s.ID, testManifest))
	got, _ = db.GetUpdateInfo(ctx, s.ID)
	assert.Equal(t, info.ManifestDateHeader, got.ManifestDateHeader)
	require.NoError(t, db.SetManifestURL(ctx, s.ID, testOrigin+"/other.json"))
	got, _ = db.GetUpdateInfo(ctx, s.ID)
	assert.Empty(t, got.ManifestDateHeader)
}

func TestAddManifestReplacesDownloadingVersion(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := insertTestServer(t, db, "app")

	v1, err := db.AddManifestAsDownloadingVersion(ctx, s.ID,
		resolvedManifest(t, `{"version": "v1", "entries": [{"url": "a.js"}, {"url": "b.js"}]}`), false)
	require.NoError(t, err)
	v2, err := db.AddManifestAsDownloadingVersion(ctx, s.ID,
		resolvedManifest(t, `{"version": "v2", "entries": [{"url": "c.js"}]}`), false)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	versions, err := db.FindVersions(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "v2", versions[0].VersionString)
	assert.Equal(t, VersionDownloading, versions[0].ReadyState)

	old, err := db.FindEntries(ctx, v1)
	require.NoError(t, err)
	assert.Empty(t, old)
	entries, err := db.FindEntriesHavingNoResponse(ctx, v2)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, testOrigin+"/c.js", entries[0].URL)
}

func TestAddManifestRequiresResolvedUrls(t *testing.T) {
	db := openTestDB(t)
	s := insertTestServer(t, db, "app")
	m, err := manifest.Parse(testManifest, []byte(`{"version": "v1", "entries": []}`))
	require.NoError(t, err)
	_, err = db.AddManifestAsDownloadingVersion(context.Background(), s.ID, m, false)
	assert.True(t, errors.Is(err, ErrNotResolved))
}

func TestSharedSrcIsFetchedOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := insertTestServer(t, db, "app")

	versionID, err := db.AddManifestAsDownloadingVersion(ctx, s.ID, resolvedManifest(t, `{"version": "v1", "entries": [
		{"url": "one.html", "src": "shared.html"},
		{"url": "two.html", "src": "shared.html"},
		{"url": "shared.html"}
	]}`), false)
	require.NoError(t, err)

	payloadID, err := db.InsertPayload(ctx, s.ID, testOrigin+"/shared.html", okPayload("shared"))
	require.NoError(t, err)
	n, err := db.UpdateEntriesWithNewPayload(ctx, versionID, testOrigin+"/shared.html", payloadID, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	entries, err := db.FindEntries(ctx, versionID)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, payloadID, e.PayloadID, e.URL)
	}
}

func TestRedirectRewritesSrc(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := insertTestServer(t, db, "app")

	versionID, err := db.AddManifestAsDownloadingVersion(ctx, s.ID,
		resolvedManifest(t, `{"version": "v1", "entries": [{"url": "old.js"}]}`), false)
	require.NoError(t, err)
	payloadID, err := db.InsertPayload(ctx, s.ID, testOrigin+"/old.js", okPayload("moved"))
	require.NoError(t, err)
	_, err = db.UpdateEntriesWithNewPayload(ctx, versionID, testOrigin+"/old.js", payloadID, testOrigin+"/new.js")
	require.NoError(t, err)

	entries, err := db.FindEntries(ctx, versionID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, testOrigin+"/old.js", entries[0].URL)
	assert.Equal(t, testOrigin+"/new.js", entries[0].Src)
	assert.Equal(t, payloadID, entries[0].PayloadID)
}

func TestRedirectEntriesAreResolvedImmediately(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := insertTestServer(t, db, "app")

	versionID, err := db.AddManifestAsDownloadingVersion(ctx, s.ID, resolvedManifest(t,
		`{"version": "v1", "entries": [{"url": "go", "redirect": "http://elsewhere/target"}]}`), false)
	require.NoError(t, err)
	missing, err := db.FindEntriesHavingNoResponse(ctx, versionID)
	require.NoError(t, err)
	assert.Empty(t, missing)

	entries, err := db.FindEntries(ctx, versionID)
	require.NoError(t, err)
	p, err := db.FindPayload(ctx, entries[0].PayloadID)
	require.NoError(t, err)
	assert.Equal(t, 302, p.StatusCode)
	location, ok := rawheaders.Get(p.Headers, rawheaders.Location)
	assert.True(t, ok)
	assert.Equal(t, "http://elsewhere/target", location)
}

func TestSetDownloadingVersionAsCurrent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := insertTestServer(t, db, "app")

	assert.True(t, errors.Is(db.SetDownloadingVersionAsCurrent(ctx, s.ID), ErrNotFound))

	v1, err := db.AddManifestAsDownloadingVersion(ctx, s.ID,
		resolvedManifest(t, `{"version": "v1", "entries": [{"url": "a.js"}, {"url": "b.js"}]}`), false)
	require.NoError(t, err)

	err = db.SetDownloadingVersionAsCurrent(ctx, s.ID)
	assert.True(t, errors.Is(err, ErrUnresolvedEntries))
	_, err = db.FindVersion(ctx, s.ID, VersionCurrent)
	assert.True(t, errors.Is(err, ErrNotFound), "nothing may be published")

	resolveAll(t, db, s.ID, v1)
	require.NoError(t, db.SetDownloadingVersionAsCurrent(ctx, s.ID))
	current, err := db.FindVersion(ctx, s.ID, VersionCurrent)
	require.NoError(t, err)
	assert.Equal(t, v1, current.ID)

	v2, err := db.AddManifestAsDownloadingVersion(ctx, s.ID,
		resolvedManifest(t, `{"version": "v2", "entries": [{"url": "c.js"}]}`), false)
	require.NoError(t, err)
	resolveAll(t, db, s.ID, v2)
	require.NoError(t, db.SetDownloadingVersionAsCurrent(ctx, s.ID))

	versions, err := db.FindVersions(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "v2", versions[0].VersionString)
	assert.Equal(t, VersionCurrent, versions[0].ReadyState)

	// payloads of v1 are kept until collected
	_, err = db.FindMostRecentPayload(ctx, s.ID, testOrigin+"/a.js")
	require.NoError(t, err)
	n, err := db.DeleteUnreferencedPayloads(ctx, s.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	_, err = db.FindMostRecentPayload(ctx, s.ID, testOrigin+"/a.js")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = db.FindMostRecentPayload(ctx, s.ID, testOrigin+"/c.js")
	assert.NoError(t, err)
}

func TestReuseCurrentPayloads(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := insertTestServer(t, db, "app")

	v1, err := db.AddManifestAsDownloadingVersion(ctx, s.ID,
		resolvedManifest(t, `{"version": "v1", "entries": [{"url": "a.js"}, {"url": "b.js", "src": "b1.js"}]}`), true)
	require.NoError(t, err)
	resolveAll(t, db, s.ID, v1)
	require.NoError(t, db.SetDownloadingVersionAsCurrent(ctx, s.ID))

	v2, err := db.AddManifestAsDownloadingVersion(ctx, s.ID,
		resolvedManifest(t, `{"version": "v2", "entries": [{"url": "a.js"}, {"url": "b.js", "src": "b2.js"}]}`), true)
	require.NoError(t, err)
	missing, err := db.FindEntriesHavingNoResponse(ctx, v2)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, testOrigin+"/b2.js", missing[0].Src)
}

func TestFindMostRecentPayload(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := insertTestServer(t, db, "app")
	url := testOrigin + "/a.js"

	older := okPayload("old")
	older.CreationDate = time.Now().Add(-time.Hour)
	_, err := db.InsertPayload(ctx, s.ID, url, older)
	require.NoError(t, err)
	newer := okPayload("new")
	newID, err := db.InsertPayload(ctx, s.ID, url, newer)
	require.NoError(t, err)

	p, err := db.FindMostRecentPayload(ctx, s.ID, url)
	require.NoError(t, err)
	assert.Equal(t, newID, p.ID)
	assert.Nil(t, p.Body)

	full, err := db.FindPayload(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, "new", string(full.Body))
}

func TestResolveEntry(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := insertTestServer(t, db, "app")

	versionID, err := db.AddManifestAsDownloadingVersion(ctx, s.ID, resolvedManifest(t, `{"version": "v1", "entries": [
		{"url": "page.html", "ignoreQuery": true},
		{"url": "exact.html"}
	]}`), false)
	require.NoError(t, err)

	// nothing is served before promotion
	_, err = db.ResolveEntry(ctx, testOrigin, testOrigin+"/exact.html", nil)
	assert.True(t, errors.Is(err, ErrNotFound))

	resolveAll(t, db, s.ID, versionID)
	require.NoError(t, db.SetDownloadingVersionAsCurrent(ctx, s.ID))

	r, err := db.ResolveEntry(ctx, testOrigin, testOrigin+"/exact.html", nil)
	require.NoError(t, err)
	assert.Equal(t, s.ID, r.ServerID)
	assert.Equal(t, "v1", r.Version)

	r, err = db.ResolveEntry(ctx, testOrigin, testOrigin+"/page.html?q=1", nil)
	require.NoError(t, err)
	assert.Equal(t, testOrigin+"/page.html", r.Entry.URL)

	_, err = db.ResolveEntry(ctx, testOrigin, testOrigin+"/exact.html?q=1", nil)
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, db.SetEnabled(ctx, s.ID, false))
	_, err = db.ResolveEntry(ctx, testOrigin, testOrigin+"/exact.html", nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestResolveEntryMatchQuery(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := insertTestServer(t, db, "app")

	versionID, err := db.AddManifestAsDownloadingVersion(ctx, s.ID, resolvedManifest(t, `{
		"betaManifestVersion": 2,
		"version": "v1",
		"entries": [
			{"url": "page.html", "src": "page-en.html", "matchQuery": {"hasAll": "lang=en"}},
			{"url": "page.html", "src": "page-default.html", "matchQuery": {"hasNone": "lang"}}
		]
	}`), false)
	require.NoError(t, err)
	resolveAll(t, db, s.ID, versionID)
	require.NoError(t, db.SetDownloadingVersionAsCurrent(ctx, s.ID))

	entries, err := db.FindEntries(ctx, versionID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, &manifest.QueryMatch{HasAll: "lang=en"}, entries[0].MatchQuery)

	r, err := db.ResolveEntry(ctx, testOrigin, testOrigin+"/page.html?lang=en&x=1", nil)
	require.NoError(t, err)
	assert.Equal(t, testOrigin+"/page-en.html", r.Entry.Src)

	r, err = db.ResolveEntry(ctx, testOrigin, testOrigin+"/page.html", nil)
	require.NoError(t, err)
	assert.Equal(t, testOrigin+"/page-default.html", r.Entry.Src)

	_, err = db.ResolveEntry(ctx, testOrigin, testOrigin+"/page.html?lang=fr", nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCookieMatches(t *testing.T) {
	cookies := map[string]string{"user": "alice"}
	assert.True(t, CookieMatches("", nil))
	assert.True(t, CookieMatches("user", cookies))
	assert.True(t, CookieMatches("user=alice", cookies))
	assert.False(t, CookieMatches("user=bob", cookies))
	assert.False(t, CookieMatches("session", cookies))
}

func TestDeleteServerCascades(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := insertTestServer(t, db, "app")
	other := insertTestServer(t, db, "other")

	for _, server := range []*Server{s, other} {
		versionID, err := db.AddManifestAsDownloadingVersion(ctx, server.ID,
			resolvedManifest(t, `{"version": "v1", "entries": [{"url": "a.js"}]}`), false)
		require.NoError(t, err)
		resolveAll(t, db, server.ID, versionID)
	}

	require.NoError(t, db.DeleteServer(ctx, s.ID))
	_, err := db.FindServerByID(ctx, s.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	versions, err := db.FindVersions(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, versions)
	_, err = db.FindMostRecentPayload(ctx, s.ID, testOrigin+"/a.js")
	assert.True(t, errors.Is(err, ErrNotFound))

	versions, err = db.FindVersions(ctx, other.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestNestedInCallerTransaction(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := insertTestServer(t, db, "app")

	tx, err := db.Begin(ctx, "caller")
	require.NoError(t, err)
	_, err = db.WithTx(tx).AddManifestAsDownloadingVersion(ctx, s.ID,
		resolvedManifest(t, `{"version": "v1", "entries": [{"url": "a.js"}]}`), false)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	versions, err := db.FindVersions(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, versions, "rolled back with the caller")
}

func TestReadersNeverSeeTwoCurrentVersions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := insertTestServer(t, db, "app")

	first, err := db.AddManifestAsDownloadingVersion(ctx, s.ID,
		resolvedManifest(t, `{"version": "v0", "entries": [{"url": "a.js"}]}`), false)
	require.NoError(t, err)
	resolveAll(t, db, s.ID, first)
	require.NoError(t, db.SetDownloadingVersionAsCurrent(ctx, s.ID))

	var stop atomic.Bool
	var violations atomic.Int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			versions, err := db.FindVersions(ctx, s.ID)
			if err != nil {
				continue
			}
			current := 0
			for _, v := range versions {
				if v.ReadyState == VersionCurrent {
					current++
				}
			}
			if current != 1 {
				violations.Add(1)
			}
		}
	}()

	for i := 1; i <= 10; i++ {
		versionID, err := db.AddManifestAsDownloadingVersion(ctx, s.ID,
			resolvedManifest(t, fmt.Sprintf(`{"version": "v%d", "entries": [{"url": "a.js"}]}`, i)), false)
		require.NoError(t, err)
		resolveAll(t, db, s.ID, versionID)
		require.NoError(t, db.SetDownloadingVersionAsCurrent(ctx, s.ID))
	}
	stop.Store(true)
	wg.Wait()
	assert.Zero(t, violations.Load())
}
