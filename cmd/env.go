package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/inkfetch/internal/config"
	"github.com/sells-group/inkfetch/internal/journal"
	"github.com/sells-group/inkfetch/internal/transfer"
)

// appEnv holds what the transfer commands share.
type appEnv struct {
	Dispatcher *transfer.Dispatcher
	Journal    *journal.Journal
}

// initEnv builds the dispatcher from cfg and opens the journal when enabled.
func initEnv(ctx context.Context, c *config.Config) (*appEnv, error) {
	env := &appEnv{Dispatcher: newDispatcher(c)}
	if !c.Journal.Enabled {
		return env, nil
	}
	j, err := openJournal(ctx, c.Journal.Path)
	if err != nil {
		return nil, err
	}
	env.Journal = j
	return env, nil
}

// appLink gates every transfer on the network link.
var appLink transfer.Link = transfer.InterfaceLink{}

func newDispatcher(c *config.Config) *transfer.Dispatcher {
	return transfer.NewDefaultDispatcher(c.Transfer.Options(),
		transfer.WithHeaders(c.Transfer.Headers()),
		transfer.WithLink(appLink),
	)
}

func openJournal(ctx context.Context, path string) (*journal.Journal, error) {
	j, err := journal.Open(path)
	if err != nil {
		return nil, err
	}
	if err := j.Migrate(ctx); err != nil {
		j.Close() //nolint:errcheck
		return nil, err
	}
	return j, nil
}

// record stores e when the journal is open. A journal failure is logged,
// never fatal to the transfer that produced it.
func (e *appEnv) record(ctx context.Context, entry journal.Entry) journal.Entry {
	if e.Journal == nil {
		return entry
	}
	saved, err := e.Journal.Record(ctx, entry)
	if err != nil {
		zap.L().Warn("journal: record failed", zap.String("transfer_id", entry.TransferID), zap.Error(err))
		return entry
	}
	return saved
}

func (e *appEnv) Close() {
	if e.Journal != nil {
		if err := e.Journal.Close(); err != nil {
			zap.L().Warn("journal: close failed", zap.Error(err))
		}
	}
}
