// Package sqlstore keeps deployment manifests and owner actions in a SQL database. PostgreSQL
// is supported through lib/pq.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	_ "github.com/lib/pq"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/deployment"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/reconcile"
)

// DriverPostgres is the database/sql driver name registered by lib/pq.
const DriverPostgres = "postgres"

const (
	schemaManifests = `
		CREATE TABLE IF NOT EXISTS deployment_manifests (
			deployment  TEXT NOT NULL,
			document    TEXT NOT NULL,

			PRIMARY KEY(deployment)
		);`

	schemaOwnerActions = `
		CREATE TABLE IF NOT EXISTS owner_actions (
			deployment      TEXT NOT NULL,
			seq             BIGINT NOT NULL,
			action_key      TEXT NOT NULL,
			target_address  TEXT NOT NULL,
			action_name     TEXT NOT NULL,
			call_data       TEXT NOT NULL,
			note            TEXT NOT NULL,
			completed       BIGINT NOT NULL,

			PRIMARY KEY(deployment, seq)
		);`
)

var (
	_ deployment.ManifestStore   = (*ManifestStore)(nil)
	_ reconcile.OwnerActionStore = (*OwnerActionStore)(nil)
)

// Open opens a database and creates the tables if needed.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

// Migrate creates the tables used by the stores.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range []string{schemaManifests, schemaOwnerActions} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return nil
}

// ManifestStore keeps the manifest of one deployment in a row.
type ManifestStore struct {
	db         *sql.DB
	deployment string
}

// NewManifestStore returns a store for the manifest of the named deployment.
func NewManifestStore(db *sql.DB, deploymentName string) *ManifestStore {
	return &ManifestStore{db: db, deployment: deploymentName}
}

// Load implements deployment.ManifestStore.
func (s *ManifestStore) Load(ctx context.Context) (*deployment.Manifest, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM deployment_manifests WHERE deployment = $1`, s.deployment,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return deployment.NewManifest(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest of %s: %w", s.deployment, err)
	}

	return deployment.ParseManifest([]byte(doc))
}

// Save implements deployment.ManifestStore.
func (s *ManifestStore) Save(ctx context.Context, m *deployment.Manifest) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}

	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT deployment FROM deployment_manifests WHERE deployment = $1`, s.deployment,
		).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				`INSERT INTO deployment_manifests (deployment, document) VALUES ($1, $2)`, s.deployment, string(data))
		case err == nil:
			_, err = tx.ExecContext(ctx,
				`UPDATE deployment_manifests SET document = $1 WHERE deployment = $2`, string(data), s.deployment)
		}
		if err != nil {
			return fmt.Errorf("failed to save manifest of %s: %w", s.deployment, err)
		}

		return nil
	})
}

// OwnerActionStore keeps the owner actions of one deployment.
type OwnerActionStore struct {
	db         *sql.DB
	deployment string
}

// NewOwnerActionStore returns a store for the owner actions of the named deployment.
func NewOwnerActionStore(db *sql.DB, deploymentName string) *OwnerActionStore {
	return &OwnerActionStore{db: db, deployment: deploymentName}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *OwnerActionStore) list(ctx context.Context, q queryer) ([]reconcile.OwnerAction, int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, action_key, target_address, action_name, call_data, note, completed
		FROM owner_actions
		WHERE deployment = $1
		ORDER BY seq ASC`, s.deployment)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query owner actions of %s: %w", s.deployment, err)
	}
	defer rows.Close()

	var (
		actions []reconcile.OwnerAction
		maxSeq  int64
	)
	for rows.Next() {
		var (
			seq, completed              int64
			key, target, name, callData string
			note                        string
		)
		if err := rows.Scan(&seq, &key, &target, &name, &callData, &note, &completed); err != nil {
			return nil, 0, fmt.Errorf("failed to scan owner action: %w", err)
		}
		data, err := hexutil.Decode(callData)
		if err != nil {
			return nil, 0, fmt.Errorf("owner action %s has invalid call data: %w", key, err)
		}
		actions = append(actions, reconcile.OwnerAction{
			Key:       key,
			Target:    common.HexToAddress(target),
			Action:    name,
			Data:      data,
			Comment:   note,
			Completed: completed != 0,
		})
		maxSeq = max(maxSeq, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return actions, maxSeq, nil
}

// Append implements reconcile.OwnerActionStore.
func (s *OwnerActionStore) Append(ctx context.Context, a reconcile.OwnerAction) (bool, error) {
	var added bool
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		actions, maxSeq, err := s.list(ctx, tx)
		if err != nil {
			return err
		}
		if _, added = reconcile.AppendUnique(actions, a); !added {
			return nil
		}

		completed := 0
		if a.Completed {
			completed = 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO owner_actions (deployment, seq, action_key, target_address, action_name, call_data, note, completed)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			s.deployment, maxSeq+1, a.Key, a.Target.Hex(), a.Action, hexutil.Encode(a.Data), a.Comment, completed,
		)
		if err != nil {
			return fmt.Errorf("failed to insert owner action %s: %w", a.Key, err)
		}

		return nil
	})

	return added, err
}

// List implements reconcile.OwnerActionStore.
func (s *OwnerActionStore) List(ctx context.Context) ([]reconcile.OwnerAction, error) {
	actions, _, err := s.list(ctx, s.db)

	return actions, err
}

// Pending implements reconcile.OwnerActionStore.
func (s *OwnerActionStore) Pending(ctx context.Context) ([]reconcile.OwnerAction, error) {
	actions, _, err := s.list(ctx, s.db)
	if err != nil {
		return nil, err
	}

	return reconcile.PendingIn(actions), nil
}

// MarkComplete implements reconcile.OwnerActionStore.
func (s *OwnerActionStore) MarkComplete(ctx context.Context, key string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		actions, _, err := s.list(ctx, tx)
		if err != nil {
			return err
		}
		if err := reconcile.MarkCompleteIn(actions, key); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE owner_actions SET completed = 1 WHERE deployment = $1 AND action_key = $2`, s.deployment, key,
		); err != nil {
			return fmt.Errorf("failed to complete owner action %s: %w", key, err)
		}

		return nil
	})
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	return tx.Commit()
}
