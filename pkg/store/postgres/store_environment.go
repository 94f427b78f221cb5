package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/wuhu-labs/wuhu/pkg/wuhuerr"
	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

const environmentColumns = `id, name, type, path, template_path, startup_script, metadata, created_at, updated_at`

func scanEnvironment(row pgx.Row) (wuhutypes.Environment, error) {
	var env wuhutypes.Environment
	var metaJSON []byte
	if err := row.Scan(&env.ID, &env.Name, &env.Type, &env.Path, &env.TemplatePath, &env.StartupScript, &metaJSON, &env.CreatedAt, &env.UpdatedAt); err != nil {
		return wuhutypes.Environment{}, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &env.Metadata); err != nil {
			return wuhutypes.Environment{}, err
		}
	}
	return env, nil
}

func (s *Store) CreateEnvironment(ctx context.Context, env wuhutypes.Environment) (wuhutypes.Environment, error) {
	metaJSON, err := json.Marshal(env.Metadata)
	if err != nil {
		return wuhutypes.Environment{}, err
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM environments WHERE name = $1)`, env.Name).Scan(&exists); err != nil {
		return wuhutypes.Environment{}, wuhuerr.New(wuhuerr.KindTransient, "CreateEnvironment", err)
	}
	if exists {
		return wuhutypes.Environment{}, wuhuerr.New(wuhuerr.KindConflict, "CreateEnvironment", wuhuerr.ErrEnvironmentExists)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO environments (id, name, type, path, template_path, startup_script, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+environmentColumns, env.ID, env.Name, env.Type, env.Path, env.TemplatePath, env.StartupScript, metaJSON)
	out, err := scanEnvironment(row)
	if err != nil {
		return wuhutypes.Environment{}, wuhuerr.New(wuhuerr.KindTransient, "CreateEnvironment", err)
	}
	return out, nil
}

func (s *Store) UpdateEnvironment(ctx context.Context, env wuhutypes.Environment) (wuhutypes.Environment, error) {
	metaJSON, err := json.Marshal(env.Metadata)
	if err != nil {
		return wuhutypes.Environment{}, err
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE environments
		SET name = $2, type = $3, path = $4, template_path = $5, startup_script = $6, metadata = $7, updated_at = now()
		WHERE id = $1
		RETURNING `+environmentColumns, env.ID, env.Name, env.Type, env.Path, env.TemplatePath, env.StartupScript, metaJSON)
	out, err := scanEnvironment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wuhutypes.Environment{}, wuhuerr.New(wuhuerr.KindNotFound, "UpdateEnvironment", wuhuerr.ErrEnvironmentNotFound)
		}
		return wuhutypes.Environment{}, wuhuerr.New(wuhuerr.KindTransient, "UpdateEnvironment", err)
	}
	return out, nil
}

func (s *Store) DeleteEnvironment(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM environments WHERE id = $1`, id)
	if err != nil {
		return wuhuerr.New(wuhuerr.KindTransient, "DeleteEnvironment", err)
	}
	if tag.RowsAffected() == 0 {
		return wuhuerr.New(wuhuerr.KindNotFound, "DeleteEnvironment", wuhuerr.ErrEnvironmentNotFound)
	}
	return nil
}

func (s *Store) GetEnvironment(ctx context.Context, id string) (wuhutypes.Environment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+environmentColumns+` FROM environments WHERE id = $1`, id)
	out, err := scanEnvironment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wuhutypes.Environment{}, wuhuerr.New(wuhuerr.KindNotFound, "GetEnvironment", wuhuerr.ErrEnvironmentNotFound)
		}
		return wuhutypes.Environment{}, wuhuerr.New(wuhuerr.KindTransient, "GetEnvironment", err)
	}
	return out, nil
}

func (s *Store) GetEnvironmentByName(ctx context.Context, name string) (wuhutypes.Environment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+environmentColumns+` FROM environments WHERE name = $1`, name)
	out, err := scanEnvironment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wuhutypes.Environment{}, wuhuerr.New(wuhuerr.KindNotFound, "GetEnvironmentByName", wuhuerr.ErrEnvironmentNotFound)
		}
		return wuhutypes.Environment{}, wuhuerr.New(wuhuerr.KindTransient, "GetEnvironmentByName", err)
	}
	return out, nil
}

func (s *Store) ListEnvironments(ctx context.Context) ([]wuhutypes.Environment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+environmentColumns+` FROM environments ORDER BY name ASC`)
	if err != nil {
		return nil, wuhuerr.New(wuhuerr.KindTransient, "ListEnvironments", err)
	}
	defer rows.Close()

	var out []wuhutypes.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, wuhuerr.New(wuhuerr.KindTransient, "ListEnvironments", err)
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, wuhuerr.New(wuhuerr.KindTransient, "ListEnvironments", err)
	}
	return out, nil
}
