// Copyright 2026 NVIDIA Corporation

// Package store is the relational-store access layer: workflow and
// task-group state transitions under row-level locks, the per-backend
// resource inventory written by the operator message worker, and the
// token/role tables consumed as read-through identity.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/NVIDIA/osmo/internal/config"
	"github.com/NVIDIA/osmo/internal/messages"
	"github.com/NVIDIA/osmo/internal/task"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const defaultMaxRetryPerJob = 3

type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open connects to Postgres with the configured pool limits.
func Open(cfg config.Postgres, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)
	return &Store{db: db, log: log}, nil
}

// NewWithDB wraps an existing handle (tests).
func NewWithDB(db *sql.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate() error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(s.db, "migrations")
}

// WorkflowConfig carries the operator-tunable workflow settings.
type WorkflowConfig struct {
	MaxRetryPerJob int
}

// GetWorkflowConfigs reads the active workflow configuration, falling back
// to defaults when none is stored.
func (s *Store) GetWorkflowConfigs(ctx context.Context) (WorkflowConfig, error) {
	cfg := WorkflowConfig{MaxRetryPerJob: defaultMaxRetryPerJob}
	row := s.db.QueryRowContext(ctx,
		`SELECT max_retry_per_job FROM workflow_config ORDER BY id DESC LIMIT 1`)
	err := row.Scan(&cfg.MaxRetryPerJob)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read workflow config: %w", err)
	}
	return cfg, nil
}

// TaskGroup is the execution unit of a workflow as the core observes it.
type TaskGroup struct {
	WorkflowUUID string
	Name         string
	Status       task.GroupStatus
	RetryID      int
	ExitCode     *int
	Message      string
	DependsOn    []string
	Resources    json.RawMessage
}

// Workflow is the persistent entity driving the job pipeline.
type Workflow struct {
	UUID    string
	Name    string
	Backend string
	Status  task.WorkflowStatus
	Groups  []TaskGroup
}

// CreateWorkflow inserts the workflow as PENDING with all groups PROCESSING.
func (s *Store) CreateWorkflow(ctx context.Context, wf Workflow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow (workflow_uuid, name, backend, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		wf.UUID, wf.Name, wf.Backend, string(task.WorkflowPending), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	for _, group := range wf.Groups {
		resources := group.Resources
		if resources == nil {
			resources = json.RawMessage(`[]`)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO task_group (workflow_uuid, name, status, retry_id, depends_on, resources)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			wf.UUID, group.Name, string(task.StatusProcessing), 0,
			pq.Array(group.DependsOn), []byte(resources))
		if err != nil {
			return fmt.Errorf("insert task group %s: %w", group.Name, err)
		}
	}
	return tx.Commit()
}

// GetWorkflow loads a workflow and its groups.
func (s *Store) GetWorkflow(ctx context.Context, workflowUUID string) (Workflow, error) {
	var wf Workflow
	row := s.db.QueryRowContext(ctx,
		`SELECT workflow_uuid, name, backend, status FROM workflow WHERE workflow_uuid = $1`,
		workflowUUID)
	var status string
	if err := row.Scan(&wf.UUID, &wf.Name, &wf.Backend, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return wf, ErrNotFound
		}
		return wf, fmt.Errorf("read workflow: %w", err)
	}
	wf.Status = task.WorkflowStatus(status)

	groups, err := s.readGroups(ctx, s.db, workflowUUID, false)
	if err != nil {
		return wf, err
	}
	wf.Groups = groups
	return wf, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) readGroups(ctx context.Context, q querier, workflowUUID string, forUpdate bool) ([]TaskGroup, error) {
	query := `SELECT name, status, retry_id, exit_code, message, depends_on, resources
	          FROM task_group WHERE workflow_uuid = $1 ORDER BY id`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, workflowUUID)
	if err != nil {
		return nil, fmt.Errorf("read task groups: %w", err)
	}
	defer rows.Close()

	var groups []TaskGroup
	for rows.Next() {
		group := TaskGroup{WorkflowUUID: workflowUUID}
		var status string
		var exitCode sql.NullInt64
		var message sql.NullString
		var resources []byte
		if err := rows.Scan(&group.Name, &status, &group.RetryID, &exitCode,
			&message, pq.Array(&group.DependsOn), &resources); err != nil {
			return nil, fmt.Errorf("scan task group: %w", err)
		}
		group.Status = task.GroupStatus(status)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			group.ExitCode = &code
		}
		group.Message = message.String
		group.Resources = resources
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

// GroupUpdate is the outcome of one status transition: the recomputed
// workflow status and the groups whose dependencies just completed.
type GroupUpdate struct {
	WorkflowStatus task.WorkflowStatus
	ReadyGroups    []TaskGroup
}

// UpdateGroupStatus applies a task-group transition under a row lock on the
// workflow, recomputes the workflow status, and reports the groups made
// runnable by the transition. Stale retry ids are ignored.
func (s *Store) UpdateGroupStatus(ctx context.Context, workflowUUID, groupName string,
	retryID int, status task.GroupStatus, message string, exitCode *int) (GroupUpdate, error) {

	var result GroupUpdate
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var workflowStatus string
	row := tx.QueryRowContext(ctx,
		`SELECT status FROM workflow WHERE workflow_uuid = $1 FOR UPDATE`, workflowUUID)
	if err := row.Scan(&workflowStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, ErrNotFound
		}
		return result, fmt.Errorf("lock workflow: %w", err)
	}

	var exitCodeValue sql.NullInt64
	if exitCode != nil {
		exitCodeValue = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}
	updated, err := tx.ExecContext(ctx,
		`UPDATE task_group SET status = $1, message = $2, exit_code = $3, retry_id = $4
		 WHERE workflow_uuid = $5 AND name = $6 AND retry_id <= $4`,
		string(status), message, exitCodeValue, retryID, workflowUUID, groupName)
	if err != nil {
		return result, fmt.Errorf("update task group: %w", err)
	}
	if n, err := updated.RowsAffected(); err == nil && n == 0 {
		// Stale retry or unknown group; leave state untouched.
		result.WorkflowStatus = task.WorkflowStatus(workflowStatus)
		return result, tx.Commit()
	}

	groups, err := s.readGroups(ctx, tx, workflowUUID, false)
	if err != nil {
		return result, err
	}

	completed := map[string]bool{}
	anyFailed, anyRunning, allTerminal := false, false, true
	for _, group := range groups {
		switch {
		case group.Status == task.StatusCompleted:
			completed[group.Name] = true
		case group.Status.Failed():
			anyFailed = true
		case group.Status == task.StatusRunning || group.Status == task.StatusInitializing:
			anyRunning = true
		}
		if !group.Status.Terminal() {
			allTerminal = false
		}
	}

	next := task.WorkflowStatus(workflowStatus)
	switch {
	case anyFailed:
		next = task.WorkflowFailed
	case allTerminal:
		next = task.WorkflowCompleted
	case anyRunning || len(completed) > 0:
		next = task.WorkflowRunning
	}

	if string(next) != workflowStatus {
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflow SET status = $1 WHERE workflow_uuid = $2`,
			string(next), workflowUUID); err != nil {
			return result, fmt.Errorf("update workflow status: %w", err)
		}
	}
	result.WorkflowStatus = next

	// A group becomes runnable once every dependency completed.
	if status == task.StatusCompleted {
		for _, group := range groups {
			if group.Status != task.StatusProcessing {
				continue
			}
			ready := len(group.DependsOn) > 0
			for _, dep := range group.DependsOn {
				if !completed[dep] {
					ready = false
					break
				}
			}
			if ready {
				result.ReadyGroups = append(result.ReadyGroups, group)
			}
		}
	}

	return result, tx.Commit()
}

// UpsertResource writes one node's state for a backend.
func (s *Store) UpsertResource(ctx context.Context, backend string, body messages.ResourceBody) error {
	allocatable, _ := json.Marshal(body.AllocatableFields)
	labels, _ := json.Marshal(body.LabelFields)
	taints, _ := json.Marshal(body.Taints)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resource (backend, hostname, available, conditions, allocatable, labels, taints, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (backend, hostname) DO UPDATE SET
		   available = EXCLUDED.available,
		   conditions = EXCLUDED.conditions,
		   allocatable = EXCLUDED.allocatable,
		   labels = EXCLUDED.labels,
		   taints = EXCLUDED.taints,
		   updated_at = EXCLUDED.updated_at`,
		backend, body.Hostname, body.Available, pq.Array(body.Conditions),
		allocatable, labels, taints, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert resource %s/%s: %w", backend, body.Hostname, err)
	}
	return nil
}

// UpdateResourceUsage stores a node's aggregated requests.
func (s *Store) UpdateResourceUsage(ctx context.Context, backend string, body messages.ResourceUsageBody) error {
	usage, _ := json.Marshal(body.UsageFields)
	nonWorkflow, _ := json.Marshal(body.NonWorkflowUsageFields)
	_, err := s.db.ExecContext(ctx,
		`UPDATE resource SET usage = $1, non_workflow_usage = $2, updated_at = $3
		 WHERE backend = $4 AND hostname = $5`,
		usage, nonWorkflow, time.Now().UTC(), backend, body.Hostname)
	if err != nil {
		return fmt.Errorf("update resource usage %s/%s: %w", backend, body.Hostname, err)
	}
	return nil
}

// DeleteResource removes a node from the inventory.
func (s *Store) DeleteResource(ctx context.Context, backend, hostname string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM resource WHERE backend = $1 AND hostname = $2`, backend, hostname)
	if err != nil {
		return fmt.Errorf("delete resource %s/%s: %w", backend, hostname, err)
	}
	return nil
}

// PruneResources drops inventory entries for nodes missing from the current
// node_hash set.
func (s *Store) PruneResources(ctx context.Context, backend string, current []string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM resource WHERE backend = $1 AND NOT (hostname = ANY($2))`,
		backend, pq.Array(current))
	if err != nil {
		return fmt.Errorf("prune resources %s: %w", backend, err)
	}
	return nil
}

// AccessToken is consumed as read-through identity.
type AccessToken struct {
	UserName    string
	TokenName   string
	AccessToken string
	ExpiresAt   time.Time
	Description string
}

// GetAccessToken loads one token row.
func (s *Store) GetAccessToken(ctx context.Context, userName, tokenName string) (AccessToken, error) {
	var token AccessToken
	row := s.db.QueryRowContext(ctx,
		`SELECT user_name, token_name, access_token, expires_at, COALESCE(description, '')
		 FROM access_token WHERE user_name = $1 AND token_name = $2`, userName, tokenName)
	err := row.Scan(&token.UserName, &token.TokenName, &token.AccessToken,
		&token.ExpiresAt, &token.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return token, ErrNotFound
	}
	if err != nil {
		return token, fmt.Errorf("read access token: %w", err)
	}
	return token, nil
}

// ListTokenRoles resolves the roles bound to an access token.
func (s *Store) ListTokenRoles(ctx context.Context, userName, tokenName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ur.role_name
		 FROM access_token_roles atr
		 JOIN user_roles ur ON ur.id = atr.user_role_id
		 WHERE atr.user_name = $1 AND atr.token_name = $2`, userName, tokenName)
	if err != nil {
		return nil, fmt.Errorf("read token roles: %w", err)
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
