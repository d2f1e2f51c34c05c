package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/busybridge/internal/dbx"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/alerts"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/calendars"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/channels"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/locks"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/mappings"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/synclog"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/tokens"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/users"
)

// RepositoryManager vends repositories bound to a DBTX, which may be the
// shared *sql.DB or a transaction started by dbx.WithTx.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	Tokens(db dbx.DBTX) tokens.Repository
	Calendars(db dbx.DBTX) calendars.Repository
	Mappings(db dbx.DBTX) mappings.Repository
	Locks(db dbx.DBTX) locks.Repository
	Channels(db dbx.DBTX) channels.Repository
	Alerts(db dbx.DBTX) alerts.Repository
	SyncLog(db dbx.DBTX) synclog.Repository
}
