package engine

import (
	"context"

	"taskdesk/internal/config"
	"taskdesk/internal/domain"
	"taskdesk/internal/events"
)

// Seed inserts the configured departments and users. Callers are
// expected to run it only against an empty directory.
func (e Engine) Seed(ctx context.Context, cfg *config.Config) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range cfg.Seed.Departments {
		if err := e.Repo.InsertDepartment(ctx, tx, domain.Department{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
		}); err != nil {
			return err
		}
	}
	for _, u := range cfg.Seed.Users {
		if err := e.Repo.InsertUser(ctx, tx, domain.User{
			ID:           u.ID,
			Name:         u.Name,
			Email:        u.Email,
			DepartmentID: u.DepartmentID,
		}); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "directory.seeded", "directory", "", "system", events.EventPayload{
		"departments": len(cfg.Seed.Departments),
		"users":       len(cfg.Seed.Users),
	}); err != nil {
		return err
	}
	return tx.Commit()
}
