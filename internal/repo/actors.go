package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"medledger/internal/domain"
)

// InsertActor registers an actor with its fixed role.
func (r Repo) InsertActor(ctx context.Context, a domain.Actor) error {
	if a.ID == "" {
		return errors.New("actor id required")
	}
	if !domain.KnownRole(a.Role) {
		return fmt.Errorf("unknown role %s", a.Role)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actors(id,role,name,email,active,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.Role, nullable(a.Name), nullable(a.Email), boolToInt(a.Active), a.CreatedAt)
	if isUniqueViolation(err) {
		return DuplicateIDError{ID: a.ID}
	}
	return err
}

// GetActor returns an actor by id, active or not.
func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,role,COALESCE(name,''),COALESCE(email,''),active,created_at FROM actors WHERE id=?`, id)
	var a domain.Actor
	var active int
	err := row.Scan(&a.ID, &a.Role, &a.Name, &a.Email, &active, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.Active = active != 0
	return a, err
}

// ListActors returns every registered actor.
func (r Repo) ListActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,role,COALESCE(name,''),COALESCE(email,''),active,created_at FROM actors ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		var a domain.Actor
		var active int
		if err := rows.Scan(&a.ID, &a.Role, &a.Name, &a.Email, &active, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Active = active != 0
		res = append(res, a)
	}
	return res, rows.Err()
}

// DeactivateActor soft-deletes an actor. Batches and chain records the actor
// touched are never altered; history is permanent.
func (r Repo) DeactivateActor(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE actors SET active=0 WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActors reports how many actors exist, used for first-run bootstrap.
func (r Repo) CountActors(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM actors`).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
