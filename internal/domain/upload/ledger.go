package upload

import (
	"context"

	"github.com/google/uuid"
)

// Row is one tracking record in the job ledger. It is the single source of
// truth for an upload's status: the gateway inserts it, finalizes it on
// failure, and the downstream converter marks it converted on success.
type Row struct {
	ID         uuid.UUID
	PathToFile string
	Converted  bool
	ErrorMsg   string
}

// Ledger tracks upload lifecycle state in the relational store.
type Ledger interface {
	// Insert upserts the row: on id conflict path_to_file and converted are
	// replaced. Called once at acceptance with an empty path and again after
	// the archive write with the resolved path.
	Insert(ctx context.Context, id uuid.UUID, path string) error
	// Finalize unconditionally records the terminal status for the id.
	Finalize(ctx context.Context, id uuid.UUID, converted bool, errorMsg string) error
}
