package tokens

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/busybridge/internal/common"
	"github.com/dmitrijs2005/busybridge/internal/server/models"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func TestUpsert_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^INSERT\s+INTO\s+oauth_tokens\b.*ON\s+CONFLICT\s*\(user_id,\s*account_email\)\s*DO\s+UPDATE\s+SET\b.*RETURNING\s+id,\s*created_at,\s*updated_at\s*$`

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(7), now, now)
	mock.ExpectQuery(q).
		WithArgs(int64(1), "work@example.com", []byte("sealed"), "calendar").
		WillReturnRows(rows)

	tok := &models.OAuthToken{
		UserID:             1,
		AccountEmail:       "work@example.com",
		SealedRefreshToken: []byte("sealed"),
		Scope:              "calendar",
	}
	got, err := repo.Upsert(context.Background(), tok)
	if err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if got.ID != 7 {
		t.Fatalf("unexpected token: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpsert_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^INSERT\s+INTO\s+oauth_tokens\b`

	mock.ExpectQuery(q).
		WithArgs(int64(1), "work@example.com", []byte("sealed"), "calendar").
		WillReturnError(errors.New("db down"))

	_, err := repo.Upsert(context.Background(), &models.OAuthToken{
		UserID: 1, AccountEmail: "work@example.com", SealedRefreshToken: []byte("sealed"), Scope: "calendar",
	})
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^SELECT\s+id,\s*user_id,\s*account_email,\s*sealed_refresh_token,\s*scope,\s*created_at,\s*updated_at\s+FROM\s+oauth_tokens\b`

	mock.ExpectQuery(q).
		WithArgs(int64(1), "ghost@example.com").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), 1, "ghost@example.com")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}
}

func TestGet_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^SELECT\s+id,\s*user_id,\s*account_email,\s*sealed_refresh_token,\s*scope,\s*created_at,\s*updated_at\s+FROM\s+oauth_tokens\b`

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "user_id", "account_email", "sealed_refresh_token", "scope", "created_at", "updated_at"}).
		AddRow(int64(7), int64(1), "work@example.com", []byte("sealed"), "calendar", now, now)
	mock.ExpectQuery(q).
		WithArgs(int64(1), "work@example.com").
		WillReturnRows(rows)

	got, err := repo.Get(context.Background(), 1, "work@example.com")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if string(got.SealedRefreshToken) != "sealed" {
		t.Fatalf("unexpected token: %+v", got)
	}
}

func TestDelete_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^DELETE\s+FROM\s+oauth_tokens\s+WHERE\s+user_id\s*=\s*\$1\s+AND\s+account_email\s*=\s*\$2\s*$`

	mock.ExpectExec(q).
		WithArgs(int64(1), "work@example.com").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Delete(context.Background(), 1, "work@example.com"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
}
