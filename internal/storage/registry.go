package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"sitepulse/internal/projects"
)

// ProjectRegistry manages the projects that accept events.
type ProjectRegistry interface {
	// RegisterProject creates the project for domain, or returns the existing one.
	RegisterProject(ctx context.Context, domain string) (*projects.Project, error)
	ListProjects(ctx context.Context) ([]projects.Project, error)
	// RemoveProject deletes the project and, by cascade, its rollups.
	RemoveProject(ctx context.Context, domain string) error
}

var (
	_ ProjectRegistry = (*GormStore)(nil)
	_ ProjectRegistry = (*PQStore)(nil)
)

func (s *GormStore) RegisterProject(ctx context.Context, domain string) (*projects.Project, error) {
	existing, err := s.FindProjectByDomain(ctx, domain)
	if err == nil {
		return existing, nil
	}
	var notFound *projects.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}

	project := &projects.Project{Domain: domain}
	err = sqlite.PerformWrite(s.logger, s.db(ctx), func(tx *gorm.DB) error {
		return projects.CreateProject(tx, project)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register project: %w", err)
	}
	return project, nil
}

func (s *GormStore) ListProjects(ctx context.Context) ([]projects.Project, error) {
	return projects.ListProjects(s.db(ctx))
}

func (s *GormStore) RemoveProject(ctx context.Context, domain string) error {
	project, err := s.FindProjectByDomain(ctx, domain)
	if err != nil {
		return err
	}
	return sqlite.PerformWrite(s.logger, s.db(ctx), func(tx *gorm.DB) error {
		return projects.DeleteProject(tx, project.ID)
	})
}

func (s *PQStore) RegisterProject(ctx context.Context, domain string) (*projects.Project, error) {
	domain = projects.NormalizeDomain(domain)
	if domain == "" {
		return nil, errors.New("project domain is required")
	}

	var p projects.Project
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (domain, created_at) VALUES ($1, $2)
		ON CONFLICT (domain) DO UPDATE SET domain = excluded.domain
		RETURNING id, domain, owner_id, created_at`,
		domain, s.now(),
	).Scan(&p.ID, &p.Domain, &p.OwnerID, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to register project: %w", err)
	}
	return &p, nil
}

func (s *PQStore) ListProjects(ctx context.Context) ([]projects.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, domain, owner_id, created_at FROM projects ORDER BY domain ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var list []projects.Project
	for rows.Next() {
		var p projects.Project
		if err := rows.Scan(&p.ID, &p.Domain, &p.OwnerID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func (s *PQStore) RemoveProject(ctx context.Context, domain string) error {
	domain = projects.NormalizeDomain(domain)
	res, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE domain = $1", domain)
	if err != nil {
		return fmt.Errorf("failed to remove project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return projects.NewNotFoundError(domain)
	}
	return nil
}
