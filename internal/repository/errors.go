package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/taskhub/internal/apperr"
)

var (
	ErrNotFound     = apperr.NotFound("not found")
	ErrDuplicateKey = apperr.DuplicateKey("channel key already exists")
	ErrForbidden    = apperr.Forbidden("only channel admins or the creator may do this")

	// ErrHuddleIDUsed — id уже был у завершённого звонка этого канала.
	ErrHuddleIDUsed = apperr.Validation("huddle id already used in this channel")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
