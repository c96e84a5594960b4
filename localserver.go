package localserver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	secorigin "github.com/always-cache/localserver/pkg/security-origin"
	"github.com/always-cache/localserver/resourcestore"
	"github.com/always-cache/localserver/sqlstore"
	"github.com/always-cache/localserver/updatetask"
	"github.com/always-cache/localserver/webcachedb"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type Config struct {
	// Path of the database file. A private in-memory database is used if empty.
	DBPath string
	// Path of the corrupt store registry. Defaults to a file next to the
	// database, the registry is kept in memory only for in-memory databases.
	RegistryPath string
	// Fetcher used by update tasks. An HTTPFetcher with default settings if nil.
	Fetcher updatetask.Fetcher
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Link unchanged entries of a new manifest to the current payloads.
	ReuseCurrentPayloads bool
	// Delete payloads no longer referenced after a version is published.
	PrunePayloads bool
	// Called once for every store found to be corrupt.
	OnCorrupt func(resourcestore.CorruptStore)
	// Interval of the background update loop. No loop runs if zero.
	UpdateInterval time.Duration
}

// LocalServer owns the database and runs the update tasks of its stores.
type LocalServer struct {
	sql       *sqlstore.Store
	db        *webcachedb.DB
	registry  *resourcestore.Registry
	tasks     *updatetask.Registry
	fetcher   updatetask.Fetcher
	storeOpts resourcestore.Options
	prune     bool
	log       zerolog.Logger
	router    chi.Router

	// ctx is the lifetime of background tasks, cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

// New opens the database and, if configured, starts the update loop.
// The caller MUST call Close() when done.
func New(ctx context.Context, config Config) (*LocalServer, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}

	l := &LocalServer{
		tasks:   updatetask.NewRegistry(),
		fetcher: config.Fetcher,
		prune:   config.PrunePayloads,
		log:     logger,
		wg:      &sync.WaitGroup{},
	}
	if l.fetcher == nil {
		l.fetcher = updatetask.NewHTTPFetcher(updatetask.HTTPFetcherConfig{})
	}

	var err error
	l.sql, err = sqlstore.Open(config.DBPath, sqlstore.Options{
		Logger: &l.log,
		OnCorrupt: func(err error) {
			l.log.Error().Err(err).Msg("Database is corrupt")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("Could not open database: %w", err)
	}

	l.db, err = webcachedb.Open(ctx, l.sql, &l.log)
	if err != nil {
		l.sql.Close()
		return nil, fmt.Errorf("Could not create schema: %w", err)
	}

	registryPath := config.RegistryPath
	if registryPath == "" && config.DBPath != "" {
		registryPath = filepath.Join(filepath.Dir(config.DBPath), resourcestore.RegistryFileName)
	}
	l.registry, err = resourcestore.LoadRegistry(registryPath, config.OnCorrupt, &l.log)
	if err != nil {
		l.sql.Close()
		return nil, fmt.Errorf("Could not load corrupt store registry: %w", err)
	}

	l.storeOpts = resourcestore.Options{
		Logger:               &l.log,
		Registry:             l.registry,
		ReuseCurrentPayloads: config.ReuseCurrentPayloads,
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.router = l.routes()

	if config.UpdateInterval > 0 {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.updateLoop(l.ctx, config.UpdateInterval)
		}()
	}

	return l, nil
}

// Close aborts running tasks, waits for them and closes the database.
func (l *LocalServer) Close() error {
	l.cancel()
	l.wg.Wait()
	return l.sql.Close()
}

// DB returns the underlying database.
func (l *LocalServer) DB() *webcachedb.DB {
	return l.db
}

// Registry returns the corrupt store registry.
func (l *LocalServer) Registry() *resourcestore.Registry {
	return l.registry
}

// CreateStore creates, or opens if it exists, the store of originURL with
// the given name and required cookie.
func (l *LocalServer) CreateStore(ctx context.Context, originURL, name, requiredCookie string) (*resourcestore.Store, error) {
	origin, err := secorigin.FromURL(originURL)
	if err != nil {
		return nil, err
	}
	return resourcestore.CreateOrOpen(ctx, l.db, origin, name, requiredCookie, l.storeOpts)
}

// OpenStore opens an existing store by id.
func (l *LocalServer) OpenStore(ctx context.Context, id int64) (*resourcestore.Store, error) {
	return resourcestore.Open(ctx, l.db, id, l.storeOpts)
}

// RemoveStore deletes a store with all its versions and payloads.
// A running update of the store is aborted first.
func (l *LocalServer) RemoveStore(ctx context.Context, id int64) error {
	if task := l.tasks.Running(id); task != nil {
		task.Abort()
	}
	store, err := l.OpenStore(ctx, id)
	if err != nil {
		return err
	}
	return store.Remove(ctx)
}

// Status describes a store and its versions.
type Status struct {
	*webcachedb.Server
	Versions []*webcachedb.Version `json:"versions"`
	Updating bool                  `json:"updating"`
	Corrupt  bool                  `json:"corrupt"`
}

// Status returns the status of the store with the given id.
func (l *LocalServer) Status(ctx context.Context, id int64) (*Status, error) {
	server, err := l.db.FindServerByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.status(ctx, server)
}

// Statuses returns the status of every store.
func (l *LocalServer) Statuses(ctx context.Context) ([]*Status, error) {
	servers, err := l.db.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	statuses := make([]*Status, 0, len(servers))
	for _, server := range servers {
		status, err := l.status(ctx, server)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (l *LocalServer) status(ctx context.Context, server *webcachedb.Server) (*Status, error) {
	versions, err := l.db.FindVersions(ctx, server.ID)
	if err != nil {
		return nil, err
	}
	return &Status{
		Server:   server,
		Versions: versions,
		Updating: l.tasks.IsRunning(server.ID),
		Corrupt:  l.registry.IsCorrupt(server.SecurityOriginURL, server.Name),
	}, nil
}

// StartUpdate starts an update task for the store in the background.
// It returns updatetask.ErrAlreadyRunning if the store is being updated.
// The task outlives ctx, it is only aborted by Close.
func (l *LocalServer) StartUpdate(ctx context.Context, id int64) (*updatetask.Task, error) {
	store, err := l.OpenStore(ctx, id)
	if err != nil {
		return nil, err
	}
	task := updatetask.New(store, updatetask.Options{
		Fetcher:       l.fetcher,
		Registry:      l.tasks,
		Logger:        &l.log,
		PrunePayloads: l.prune,
	})
	l.wg.Add(1)
	task.AddListener(func(updatetask.Result) { l.wg.Done() })
	if err := task.Start(l.ctx); err != nil {
		return nil, err
	}
	go func() {
		select {
		case <-task.Done():
		case <-l.ctx.Done():
			task.Abort()
		}
	}()
	return task, nil
}

// Update runs an update of the store and waits for its result.
func (l *LocalServer) Update(ctx context.Context, id int64) (updatetask.Result, error) {
	task, err := l.StartUpdate(ctx, id)
	if err != nil {
		return updatetask.Result{}, err
	}
	result, err := task.Await(ctx)
	if err != nil {
		return result, err
	}
	if !result.Success {
		return result, result.Err
	}
	return result, nil
}

// Lookup returns the stored response serving url for a request carrying cookies.
func (l *LocalServer) Lookup(ctx context.Context, url string, cookies map[string]string) (*webcachedb.Resolved, *webcachedb.Payload, error) {
	origin, err := secorigin.FromURL(url)
	if err != nil {
		return nil, nil, err
	}
	resolved, err := l.db.ResolveEntry(ctx, origin.URL(), url, cookies)
	if err != nil {
		return nil, nil, err
	}
	payload, err := l.db.FindPayload(ctx, resolved.Entry.PayloadID)
	if errors.Is(err, webcachedb.ErrNotFound) {
		return nil, nil, fmt.Errorf("entry %d references missing payload %d: %w", resolved.Entry.ID, resolved.Entry.PayloadID, err)
	}
	if err != nil {
		return nil, nil, err
	}
	return resolved, payload, nil
}
