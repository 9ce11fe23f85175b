package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NVIDIA/osmo/internal/messages"
	"github.com/NVIDIA/osmo/internal/task"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db, zap.NewNop()), mock
}

func groupRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"name", "status", "retry_id", "exit_code", "message", "depends_on", "resources",
	})
}

func TestGetWorkflowConfigsDefault(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT max_retry_per_job FROM workflow_config").
		WillReturnRows(sqlmock.NewRows([]string{"max_retry_per_job"}))
	cfg, err := s.GetWorkflowConfigs(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, cfg.MaxRetryPerJob)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateGroupStatusLocksWorkflowRow(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM workflow WHERE workflow_uuid = \\$1 FOR UPDATE").
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PENDING"))
	mock.ExpectExec("UPDATE task_group SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT name, status, retry_id, exit_code, message, depends_on, resources").
		WithArgs("wf-1").
		WillReturnRows(groupRows().
			AddRow("t1", "RUNNING", 0, nil, "", "{}", []byte(`[]`)).
			AddRow("t2", "PROCESSING", 0, nil, "", "{t1}", []byte(`[]`)))
	mock.ExpectExec("UPDATE workflow SET status").
		WithArgs("RUNNING", "wf-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	update, err := s.UpdateGroupStatus(context.Background(), "wf-1", "t1", 0,
		task.StatusRunning, "", nil)
	require.NoError(t, err)
	require.Equal(t, task.WorkflowRunning, update.WorkflowStatus)
	require.Empty(t, update.ReadyGroups)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateGroupStatusCompletionUnblocksDependents(t *testing.T) {
	s, mock := newMockStore(t)
	code := 0
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("RUNNING"))
	mock.ExpectExec("UPDATE task_group SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT name, status, retry_id, exit_code, message, depends_on, resources").
		WillReturnRows(groupRows().
			AddRow("t1", "COMPLETED", 0, 0, "", "{}", []byte(`[]`)).
			AddRow("t2", "PROCESSING", 0, nil, "", "{t1}", []byte(`[{"kind":"Pod"}]`)))
	mock.ExpectCommit()

	update, err := s.UpdateGroupStatus(context.Background(), "wf-1", "t1", 0,
		task.StatusCompleted, "", &code)
	require.NoError(t, err)
	require.Equal(t, task.WorkflowRunning, update.WorkflowStatus)
	require.Len(t, update.ReadyGroups, 1)
	require.Equal(t, "t2", update.ReadyGroups[0].Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateGroupStatusAllCompleted(t *testing.T) {
	s, mock := newMockStore(t)
	code := 0
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("RUNNING"))
	mock.ExpectExec("UPDATE task_group SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT name, status, retry_id, exit_code, message, depends_on, resources").
		WillReturnRows(groupRows().
			AddRow("t1", "COMPLETED", 0, 0, "", "{}", []byte(`[]`)).
			AddRow("t2", "COMPLETED", 0, 0, "", "{t1}", []byte(`[]`)))
	mock.ExpectExec("UPDATE workflow SET status").
		WithArgs("COMPLETED", "wf-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	update, err := s.UpdateGroupStatus(context.Background(), "wf-1", "t2", 0,
		task.StatusCompleted, "", &code)
	require.NoError(t, err)
	require.Equal(t, task.WorkflowCompleted, update.WorkflowStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateGroupStatusStaleRetryIgnored(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("RUNNING"))
	mock.ExpectExec("UPDATE task_group SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	update, err := s.UpdateGroupStatus(context.Background(), "wf-1", "t1", 0,
		task.StatusFailed, "old retry", nil)
	require.NoError(t, err)
	require.Equal(t, task.WorkflowRunning, update.WorkflowStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateGroupStatusFailureFailsWorkflow(t *testing.T) {
	s, mock := newMockStore(t)
	code := task.ExitCodeFailedEvicted
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("RUNNING"))
	mock.ExpectExec("UPDATE task_group SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT name, status, retry_id, exit_code, message, depends_on, resources").
		WillReturnRows(groupRows().
			AddRow("t1", "FAILED_EVICTED", 0, code, "evicted", "{}", []byte(`[]`)))
	mock.ExpectExec("UPDATE workflow SET status").
		WithArgs("FAILED", "wf-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	update, err := s.UpdateGroupStatus(context.Background(), "wf-1", "t1", 0,
		task.StatusFailedEvicted, "evicted", &code)
	require.NoError(t, err)
	require.Equal(t, task.WorkflowFailed, update.WorkflowStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertResource(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO resource").
		WillReturnResult(sqlmock.NewResult(0, 1))
	err := s.UpsertResource(context.Background(), "cluster-a", messages.ResourceBody{
		Hostname:          "node-1",
		Available:         true,
		Conditions:        []string{"Ready"},
		AllocatableFields: map[string]string{"cpu": "8"},
		LabelFields:       map[string]string{"kubernetes.io/hostname": "node-1"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteAndPruneResources(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM resource WHERE backend").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.DeleteResource(context.Background(), "cluster-a", "node-1"))

	mock.ExpectExec("DELETE FROM resource WHERE backend = \\$1 AND NOT").
		WillReturnResult(sqlmock.NewResult(0, 2))
	require.NoError(t, s.PruneResources(context.Background(), "cluster-a", []string{"node-2"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTokenRoles(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT ur.role_name").
		WithArgs("user1", "token1").
		WillReturnRows(sqlmock.NewRows([]string{"role_name"}).AddRow("admin").AddRow("viewer"))
	roles, err := s.ListTokenRoles(context.Background(), "user1", "token1")
	require.NoError(t, err)
	require.Equal(t, []string{"admin", "viewer"}, roles)
}
