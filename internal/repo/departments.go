package repo

import (
	"context"
	"database/sql"

	"taskdesk/internal/domain"
)

func (r Repo) InsertDepartment(ctx context.Context, tx *sql.Tx, d domain.Department) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO departments(id,name,description) VALUES (?,?,?)`,
		d.ID, d.Name, nullable(d.Description))
	return err
}

func (r Repo) GetDepartment(ctx context.Context, id string) (domain.Department, error) {
	var d domain.Department
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description FROM departments WHERE id=?`, id).
		Scan(&d.ID, &d.Name, &desc)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if desc.Valid {
		d.Description = desc.String
	}
	return d, err
}

func (r Repo) GetDepartmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Department, error) {
	var d domain.Department
	var desc sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT id,name,description FROM departments WHERE id=?`, id).
		Scan(&d.ID, &d.Name, &desc)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if desc.Valid {
		d.Description = desc.String
	}
	return d, err
}

func (r Repo) ListDepartments(ctx context.Context) ([]domain.Department, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(description,'') AS description FROM departments ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Department
	for rows.Next() {
		var d domain.Department
		if err := rows.Scan(&d.ID, &d.Name, &d.Description); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
