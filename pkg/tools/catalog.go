package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rentguntur/project-school/internal/catalog"
	"github.com/rentguntur/project-school/internal/logger"
)

// RegisterCatalogTools registers the goal, project and task lookups backed
// by r.
func RegisterCatalogTools(m *ToolManager, r catalog.Reader) {
	m.RegisterTool(&UserGoalsTool{catalog: r})
	m.RegisterTool(&ProjectDetailsTool{catalog: r})
	m.RegisterTool(&ProjectTasksTool{catalog: r})
}

// UserGoalsTool fetches the learning goals of a user.
type UserGoalsTool struct {
	catalog catalog.Reader
}

func (t *UserGoalsTool) Name() string { return "get_user_goals" }

func (t *UserGoalsTool) Description() string {
	return "Fetch the learning goals for a specific user."
}

type userGoalsArgs struct {
	UserID string `json:"user_id" jsonschema:"required,description=Identifier of the user"`
}

func (t *UserGoalsTool) Params() any { return &userGoalsArgs{} }

func (t *UserGoalsTool) Run(ctx context.Context, args string) (string, error) {
	var a userGoalsArgs
	if err := decodeArgs(args, &a); err != nil {
		return "", err
	}
	logger.L.Debug("get_user_goals tool invoked", "user", a.UserID)
	goals, err := t.catalog.UserGoals(ctx, a.UserID)
	if err != nil {
		return "", err
	}
	out := map[string]any{"goals": goals}
	if len(goals) == 0 {
		out["message"] = "No goals set"
	}
	return encode(out)
}

// ProjectDetailsTool fetches one project.
type ProjectDetailsTool struct {
	catalog catalog.Reader
}

func (t *ProjectDetailsTool) Name() string { return "get_project_details" }

func (t *ProjectDetailsTool) Description() string {
	return "Fetch project details including name, description, and status."
}

type projectArgs struct {
	ProjectID string `json:"project_id" jsonschema:"required,description=Identifier of the project"`
}

func (t *ProjectDetailsTool) Params() any { return &projectArgs{} }

func (t *ProjectDetailsTool) Run(ctx context.Context, args string) (string, error) {
	var a projectArgs
	if err := decodeArgs(args, &a); err != nil {
		return "", err
	}
	p, err := t.catalog.Project(ctx, a.ProjectID)
	if err != nil {
		return "", err
	}
	if p.Description == "" {
		p.Description = "No description"
	}
	return encode(map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"description": p.Description,
		"status":      p.Status,
	})
}

// ProjectTasksTool lists every task of a project.
type ProjectTasksTool struct {
	catalog catalog.Reader
}

func (t *ProjectTasksTool) Name() string { return "get_project_tasks" }

func (t *ProjectTasksTool) Description() string {
	return "Fetch all tasks for a specific project."
}

func (t *ProjectTasksTool) Params() any { return &projectArgs{} }

func (t *ProjectTasksTool) Run(ctx context.Context, args string) (string, error) {
	var a projectArgs
	if err := decodeArgs(args, &a); err != nil {
		return "", err
	}
	tasks, err := t.catalog.ProjectTasks(ctx, a.ProjectID)
	if err != nil {
		return "", err
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		desc := task.Description
		if desc == "" {
			desc = "No description"
		}
		out = append(out, map[string]any{
			"id":          task.ID,
			"title":       task.Title,
			"description": desc,
			"status":      task.Status,
		})
	}
	return encode(out)
}

func decodeArgs(args string, v any) error {
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	if err := json.Unmarshal([]byte(args), v); err != nil {
		return fmt.Errorf("could not parse arguments: %w", err)
	}
	return nil
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
