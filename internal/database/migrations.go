package database

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`,

	`CREATE TABLE IF NOT EXISTS collaboration_files (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		group_id UUID NOT NULL,
		name VARCHAR(255) NOT NULL,
		path VARCHAR(1024) NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		language VARCHAR(64) NOT NULL DEFAULT 'plaintext',
		created_by UUID NOT NULL,
		version INTEGER NOT NULL DEFAULT 1 CHECK (version >= 1),
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		UNIQUE(group_id, path)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_collaboration_files_group_id ON collaboration_files(group_id)`,
}

func (db *DB) Migrate(ctx context.Context) error {
	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
