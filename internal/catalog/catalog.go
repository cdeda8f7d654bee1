// Package catalog is the read side of the learning catalog: a user's goals,
// projects and the tasks inside them. Agents reach it through tools.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rentguntur/project-school/internal/apperr"
	"github.com/rentguntur/project-school/internal/sqldb"
)

type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

type Task struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	AssignedTo  string `json:"assigned_to,omitempty"`
}

// Reader is what the catalog tools need.
type Reader interface {
	UserGoals(ctx context.Context, userID string) ([]string, error)
	Project(ctx context.Context, id string) (Project, error)
	ProjectTasks(ctx context.Context, projectID string) ([]Task, error)
}

// Writer seeds the catalog. The projects service owns these tables and the
// chat engine only reads them; the writers exist for seeding a local database
// and for tests.
type Writer interface {
	SetGoals(ctx context.Context, userID string, goals []string) error
	PutProject(ctx context.Context, p Project) (Project, error)
	PutTask(ctx context.Context, t Task) (Task, error)
}

var (
	_ Reader = (*SQLCatalog)(nil)
	_ Writer = (*SQLCatalog)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS goals (
    user_id VARCHAR(255) NOT NULL,
    ord INTEGER NOT NULL,
    goal TEXT NOT NULL,
    PRIMARY KEY (user_id, ord)
);
CREATE TABLE IF NOT EXISTS projects (
    id VARCHAR(64) PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status VARCHAR(32) NOT NULL DEFAULT 'active',
    created_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(64) PRIMARY KEY,
    project_id VARCHAR(64) NOT NULL,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status VARCHAR(32) NOT NULL DEFAULT 'pending',
    assigned_to VARCHAR(255) NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
`

type SQLCatalog struct {
	db *sqldb.DB
}

func NewSQLCatalog(ctx context.Context, db *sqldb.DB) (*SQLCatalog, error) {
	if err := db.ExecScript(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	return &SQLCatalog{db: db}, nil
}

// UserGoals returns the user's goals in the order they were set. Blank
// entries are skipped; a user without goals gets an empty slice.
func (c *SQLCatalog) UserGoals(ctx context.Context, userID string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, c.db.Rebind(`SELECT goal FROM goals WHERE user_id = ? ORDER BY ord`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query goals: %w", err)
	}
	defer rows.Close()

	goals := []string{}
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("failed to scan goal: %w", err)
		}
		if g = strings.TrimSpace(g); g != "" {
			goals = append(goals, g)
		}
	}
	return goals, rows.Err()
}

// SetGoals replaces the user's goals.
func (c *SQLCatalog) SetGoals(ctx context.Context, userID string, goals []string) (err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, c.db.Rebind(`DELETE FROM goals WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("failed to clear goals: %w", err)
	}
	for i, g := range goals {
		if _, err = tx.ExecContext(ctx, c.db.Rebind(`INSERT INTO goals (user_id, ord, goal) VALUES (?, ?, ?)`), userID, i, g); err != nil {
			return fmt.Errorf("failed to insert goal: %w", err)
		}
	}
	return tx.Commit()
}

func (c *SQLCatalog) Project(ctx context.Context, id string) (Project, error) {
	var (
		p       Project
		created int64
	)
	err := c.db.QueryRowContext(ctx, c.db.Rebind(`SELECT id, name, description, status, created_at FROM projects WHERE id = ?`), id).
		Scan(&p.ID, &p.Name, &p.Description, &p.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, apperr.NotFound("catalog.Project", "project %s not found", id)
	}
	if err != nil {
		return Project{}, fmt.Errorf("failed to load project: %w", err)
	}
	p.CreatedAt = time.Unix(0, created).UTC()
	return p, nil
}

// PutProject inserts or replaces p. An empty ID is generated.
func (c *SQLCatalog) PutProject(ctx context.Context, p Project) (Project, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = "active"
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := c.db.ExecContext(ctx, c.db.Rebind(`
INSERT INTO projects (id, name, description, status, created_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name, description = excluded.description, status = excluded.status`),
		p.ID, p.Name, p.Description, p.Status, p.CreatedAt.UnixNano())
	if err != nil {
		return Project{}, fmt.Errorf("failed to save project: %w", err)
	}
	return p, nil
}

// ProjectTasks lists the tasks of a project ordered by id.
func (c *SQLCatalog) ProjectTasks(ctx context.Context, projectID string) ([]Task, error) {
	rows, err := c.db.QueryContext(ctx, c.db.Rebind(`
SELECT id, project_id, title, description, status, assigned_to FROM tasks WHERE project_id = ? ORDER BY id`), projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []Task{}
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.AssignedTo); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (c *SQLCatalog) PutTask(ctx context.Context, t Task) (Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = "pending"
	}
	_, err := c.db.ExecContext(ctx, c.db.Rebind(`
INSERT INTO tasks (id, project_id, title, description, status, assigned_to) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET title = excluded.title, description = excluded.description, status = excluded.status, assigned_to = excluded.assigned_to`),
		t.ID, t.ProjectID, t.Title, t.Description, t.Status, t.AssignedTo)
	if err != nil {
		return Task{}, fmt.Errorf("failed to save task: %w", err)
	}
	return t, nil
}
