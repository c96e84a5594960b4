package resourcestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/always-cache/localserver/manifest"
	secorigin "github.com/always-cache/localserver/pkg/security-origin"
	"github.com/always-cache/localserver/sqlstore"
	"github.com/always-cache/localserver/webcachedb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOrigin = secorigin.Origin{Scheme: "http", Host: "cc_tests", Port: "80"}

func openTestDB(t *testing.T) *webcachedb.DB {
	t.Helper()
	store, err := sqlstore.Open(filepath.Join(t.TempDir(), "localserver.db"), sqlstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	db, err := webcachedb.Open(context.Background(), store, nil)
	require.NoError(t, err)
	return db
}

func TestCreateOrOpen(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	s, err := CreateOrOpen(ctx, db, testOrigin, "app", "", Options{})
	require.NoError(t, err)
	again, err := CreateOrOpen(ctx, db, testOrigin, "app", "", Options{})
	require.NoError(t, err)
	assert.Equal(t, s.ID(), again.ID())

	withCookie, err := CreateOrOpen(ctx, db, testOrigin, "app", "user=1", Options{})
	require.NoError(t, err)
	assert.NotEqual(t, s.ID(), withCookie.ID())

	id, ok, err := ExistsInDB(ctx, db, testOrigin, "app", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, s.ID(), id)
	_, ok, err = ExistsInDB(ctx, db, testOrigin, "nope", "")
	require.NoError(t, err)
	assert.False(t, ok)

	opened, err := Open(ctx, db, s.ID(), Options{})
	require.NoError(t, err)
	assert.Equal(t, testOrigin, opened.Origin())
	assert.Equal(t, "app", opened.Name())

	enabled, err := s.Enabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestSetManifestURL(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s, err := CreateOrOpen(ctx, db, testOrigin, "app", "", Options{})
	require.NoError(t, err)

	err = s.SetManifestURL(ctx, "http://elsewhere/manifest.json")
	assert.True(t, errors.Is(err, ErrNotSameOrigin))
	err = s.SetManifestURL(ctx, "https://cc_tests/manifest.json")
	assert.True(t, errors.Is(err, ErrNotSameOrigin))

	require.NoError(t, s.SetManifestURL(ctx, "HTTP://CC_Tests:80/manifest.json"))
	got, err := s.ManifestURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://cc_tests/manifest.json", got)

	identity, err := s.Identity(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.ID(), identity.ServerID)
	assert.Equal(t, got, identity.ManifestURL)

	// the identity is a snapshot
	require.NoError(t, s.SetManifestURL(ctx, "http://cc_tests/other.json"))
	assert.Equal(t, got, identity.ManifestURL)
}

func TestVersions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s, err := CreateOrOpen(ctx, db, testOrigin, "app", "", Options{})
	require.NoError(t, err)

	has, err := s.HasVersion(ctx, webcachedb.VersionCurrent)
	require.NoError(t, err)
	assert.False(t, has)
	version, err := s.VersionString(ctx, webcachedb.VersionCurrent)
	require.NoError(t, err)
	assert.Empty(t, version)

	m, err := manifest.Parse("http://cc_tests/manifest.json", []byte(`{"version": "v1", "entries": [{"url": "a", "redirect": "b"}]}`))
	require.NoError(t, err)
	m, err = m.Resolve(testOrigin)
	require.NoError(t, err)
	_, err = s.AddManifestAsDownloadingVersion(ctx, m)
	require.NoError(t, err)
	version, err = s.VersionString(ctx, webcachedb.VersionDownloading)
	require.NoError(t, err)
	assert.Equal(t, "v1", version)

	require.NoError(t, s.SetDownloadingVersionAsCurrent(ctx))
	has, err = s.HasVersion(ctx, webcachedb.VersionCurrent)
	require.NoError(t, err)
	assert.True(t, has)
	has, err = s.HasVersion(ctx, webcachedb.VersionDownloading)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRemove(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s, err := CreateOrOpen(ctx, db, testOrigin, "app", "", Options{})
	require.NoError(t, err)
	clone := s.Clone()

	require.NoError(t, s.Remove(ctx))
	exists, err := clone.StillExistsInDB(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = clone.ManifestURL(ctx)
	assert.True(t, errors.Is(err, ErrRemoved))
	assert.True(t, errors.Is(clone.SetEnabled(ctx, false), ErrRemoved))
}

func TestMarkCorruptPersists(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), RegistryFileName)

	reports := make(chan CorruptStore, 2)
	registry, err := LoadRegistry(path, func(cs CorruptStore) { reports <- cs }, nil)
	require.NoError(t, err)
	opts := Options{Registry: registry}

	s, err := CreateOrOpen(ctx, db, testOrigin, "app", "", opts)
	require.NoError(t, err)
	require.NoError(t, s.MarkCorrupt(errors.New("disk image is malformed")))
	require.NoError(t, s.MarkCorrupt(errors.New("again")))

	_, err = Open(ctx, db, s.ID(), opts)
	assert.True(t, errors.Is(err, ErrCorruptStore))
	_, err = CreateOrOpen(ctx, db, testOrigin, "app", "", opts)
	assert.True(t, errors.Is(err, ErrCorruptStore))
	// other stores are unaffected
	_, err = CreateOrOpen(ctx, db, testOrigin, "other", "", opts)
	assert.NoError(t, err)

	select {
	case cs := <-reports:
		assert.Equal(t, "app", cs.Name)
		assert.Equal(t, "disk image is malformed", cs.Cause)
	case <-time.After(time.Second):
		t.Fatal("report hook not called")
	}
	select {
	case <-reports:
		t.Fatal("report hook called twice")
	case <-time.After(100 * time.Millisecond):
	}

	// a new process sees the flag
	_, err = os.Stat(path)
	require.NoError(t, err)
	reloaded, err := LoadRegistry(path, nil, nil)
	require.NoError(t, err)
	assert.True(t, reloaded.IsCorrupt(testOrigin.URL(), "app"))
	require.Len(t, reloaded.List(), 1)

	require.NoError(t, reloaded.Clear(testOrigin.URL(), "app"))
	reloaded, err = LoadRegistry(path, nil, nil)
	require.NoError(t, err)
	assert.False(t, reloaded.IsCorrupt(testOrigin.URL(), "app"))
}

func TestMarkCorruptUnwritableRegistry(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	notADir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(notADir, nil, 0644))

	reports := make(chan CorruptStore, 2)
	registry, err := LoadRegistry(filepath.Join(notADir, RegistryFileName), func(cs CorruptStore) { reports <- cs }, nil)
	require.NoError(t, err)
	opts := Options{Registry: registry}
	s, err := CreateOrOpen(ctx, db, testOrigin, "app", "", opts)
	require.NoError(t, err)

	assert.Error(t, s.MarkCorrupt(errors.New("disk image is malformed")))
	assert.True(t, registry.IsCorrupt(testOrigin.URL(), "app"))
	_, err = Open(ctx, db, s.ID(), opts)
	assert.True(t, errors.Is(err, ErrCorruptStore))

	select {
	case cs := <-reports:
		assert.Equal(t, "app", cs.Name)
	case <-time.After(time.Second):
		t.Fatal("report hook not called")
	}
}

func TestCorruptDatabaseFailsFast(t *testing.T) {
	store, err := sqlstore.Open("", sqlstore.Options{})
	require.NoError(t, err)
	defer store.Close()
	db, err := webcachedb.Open(context.Background(), store, nil)
	require.NoError(t, err)

	registry, err := LoadRegistry("", nil, nil)
	require.NoError(t, err)
	s, err := CreateOrOpen(context.Background(), db, testOrigin, "app", "", Options{Registry: registry})
	require.NoError(t, err)

	require.NoError(t, s.MarkCorrupt(sqlstore.ErrCorrupt))
	_, err = Open(context.Background(), db, s.ID(), Options{Registry: registry})
	assert.True(t, errors.Is(err, ErrCorruptStore))
}
