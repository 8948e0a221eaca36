package projects

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// NotFoundError represents an error when no project is registered for a domain
type NotFoundError struct {
	Domain string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("project not found for domain: %s", e.Domain)
}

// NewNotFoundError creates a new NotFoundError
func NewNotFoundError(domain string) *NotFoundError {
	return &NotFoundError{Domain: domain}
}

// Project maps a tracked domain to its owner. Analytics rows reference it by ID.
type Project struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Domain    string    `gorm:"unique;not null" json:"domain"` // e.g. "example.com"
	OwnerID   uint      `gorm:"index" json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeDomain lowercases a domain and strips surrounding whitespace and a trailing dot.
func NormalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// FindProjectByDomain retrieves a project by exact domain match.
// Returns *NotFoundError when nothing matches.
func FindProjectByDomain(db *gorm.DB, domain string) (*Project, error) {
	domain = NormalizeDomain(domain)
	if domain == "" {
		return nil, NewNotFoundError(domain)
	}

	var project Project
	if err := db.Where("domain = ?", domain).First(&project).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError(domain)
		}
		return nil, fmt.Errorf("unexpected error querying project: %w", err)
	}

	return &project, nil
}

// CreateProject registers a new domain
func CreateProject(db *gorm.DB, project *Project) error {
	project.Domain = NormalizeDomain(project.Domain)
	if project.Domain == "" {
		return errors.New("project domain is required")
	}
	project.CreatedAt = time.Now().UTC()
	return db.Create(project).Error
}

// DeleteProject deletes a project by its ID. Aggregates cascade.
func DeleteProject(db *gorm.DB, id uint) error {
	result := db.Delete(&Project{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListProjects returns all projects ordered by domain
func ListProjects(db *gorm.DB) ([]Project, error) {
	var list []Project
	if err := db.Order("domain ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return list, nil
}
