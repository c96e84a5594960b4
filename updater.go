package localserver

import (
	"context"
	"errors"
	"time"

	"github.com/always-cache/localserver/resourcestore"
	"github.com/always-cache/localserver/updatetask"
	"github.com/always-cache/localserver/webcachedb"
)

// updateLoop runs until ctx is done, updating every store once per interval.
// Stores being updated already are skipped, their task keeps running.
func (l *LocalServer) updateLoop(ctx context.Context, interval time.Duration) {
	l.log.Info().Msgf("Starting update loop with interval %s", interval)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			l.log.Debug().Msg("Stopping update loop")
			return
		case <-timer.C:
		}
		if _, err := l.UpdateAll(ctx); err != nil && ctx.Err() == nil {
			l.log.Error().Err(err).Msg("Could not update stores")
		}
		timer.Reset(interval)
	}
}

// UpdateAll updates every enabled store with a manifest url, one at a time,
// and returns the results by store id. Stores that are corrupt or already
// being updated are skipped.
func (l *LocalServer) UpdateAll(ctx context.Context) (map[int64]updatetask.Result, error) {
	servers, err := l.db.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	results := make(map[int64]updatetask.Result)
	for _, server := range servers {
		if !updatable(server) {
			l.log.Trace().Int64("store", server.ID).Msg("Store not updatable, skipping")
			continue
		}
		result, err := l.Update(ctx, server.ID)
		switch {
		case errors.Is(err, updatetask.ErrAlreadyRunning):
			l.log.Debug().Int64("store", server.ID).Msg("Store already updating, skipping")
			continue
		case errors.Is(err, resourcestore.ErrCorruptStore), errors.Is(err, webcachedb.ErrNotFound):
			continue
		case ctx.Err() != nil:
			return results, ctx.Err()
		}
		// failures are recorded in the store, keep going
		results[server.ID] = result
	}
	return results, nil
}

func updatable(server *webcachedb.Server) bool {
	return server.Enabled && server.ManifestURL != ""
}
