package repository

import (
	"context"
	_ "embed"

	"github.com/pesio-ai/be-plt-workflows/internal/common/database"
	"github.com/pesio-ai/be-plt-workflows/internal/common/errors"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the workflow tables when they do not exist.
func Migrate(ctx context.Context, db *database.DB) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to apply workflow schema")
	}
	return nil
}
