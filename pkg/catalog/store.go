package catalog

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/doublewordai/batchctl/internal/db"
)

// Store reads deployment rows from the deployed_models table owned by the
// admin/catalog service. It never writes — deployment lifecycle is managed
// elsewhere.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a catalog Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const deploymentColumns = `id, alias, model_name, base_url, api_key, requests_per_second, deleted`

func scanDeployment(row interface {
	Scan(dest ...any) error
}) (Deployment, error) {
	var d Deployment
	err := row.Scan(&d.ID, &d.Alias, &d.ModelName, &d.BaseURL, &d.APIKey, &d.RequestsPerSecond, &d.Deleted)
	return d, err
}

// GetByAlias resolves a model alias to its deployment, if one exists and has
// not been soft-deleted.
func (s *Store) GetByAlias(ctx context.Context, alias string) (Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployed_models WHERE alias = $1 AND deleted = false`
	row := s.dbtx.QueryRow(ctx, query, alias)
	d, err := scanDeployment(row)
	if err != nil {
		return Deployment{}, fmt.Errorf("getting deployment by alias %q: %w", alias, err)
	}
	return d, nil
}

// GetByID returns a deployment by its primary key.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployed_models WHERE id = $1`
	row := s.dbtx.QueryRow(ctx, query, id)
	d, err := scanDeployment(row)
	if err != nil {
		return Deployment{}, fmt.Errorf("getting deployment %s: %w", id, err)
	}
	return d, nil
}

// ListActive returns every non-deleted deployment, used to refresh the
// dispatcher's per-model concurrency ceilings from configured throughput.
func (s *Store) ListActive(ctx context.Context) ([]Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployed_models WHERE deleted = false ORDER BY alias`
	rows, err := s.dbtx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing active deployments: %w", err)
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning deployment row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deployment rows: %w", err)
	}
	return out, nil
}
