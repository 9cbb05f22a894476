//go:build integration

package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pesio-ai/be-plt-workflows/internal/common/database"
	"github.com/pesio-ai/be-plt-workflows/internal/common/errors"
)

type RepositoryIntegrationTestSuite struct {
	suite.Suite
	ctx       context.Context
	container testcontainers.Container
	db        *database.DB

	rules         *RuleRepository
	workflows     *WorkflowRepository
	approvals     *ApprovalRepository
	notifications *NotificationRepository
}

func TestRepositoryIntegration(t *testing.T) {
	suite.Run(t, new(RepositoryIntegrationTestSuite))
}

func (s *RepositoryIntegrationTestSuite) SetupSuite() {
	s.ctx = context.Background()

	pg, err := postgres.RunContainer(s.ctx,
		testcontainers.WithImage("postgres:15"),
		postgres.WithDatabase("workflows_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(s.T(), err)
	s.container = pg

	connStr, err := pg.ConnectionString(s.ctx, "sslmode=disable")
	require.NoError(s.T(), err)
	pool, err := pgxpool.New(s.ctx, connStr)
	require.NoError(s.T(), err)

	s.db = database.FromPool(pool)
	require.NoError(s.T(), Migrate(s.ctx, s.db))
	// Applying the schema twice must be harmless.
	require.NoError(s.T(), Migrate(s.ctx, s.db))

	s.rules = NewRuleRepository(s.db)
	s.workflows = NewWorkflowRepository(s.db)
	s.approvals = NewApprovalRepository(s.db)
	s.notifications = NewNotificationRepository(s.db)
}

func (s *RepositoryIntegrationTestSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		require.NoError(s.T(), s.container.Terminate(s.ctx))
	}
}

func (s *RepositoryIntegrationTestSuite) SetupTest() {
	_, err := s.db.Exec(s.ctx, "TRUNCATE workflow_notifications, workflow_approvals, workflows, workflow_rules")
	require.NoError(s.T(), err)
}

func (s *RepositoryIntegrationTestSuite) newWorkflow(maxLevel int, approvers ...string) (*Workflow, []*WorkflowApproval) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	wf := &Workflow{
		ID:                uuid.NewString(),
		Type:              WorkflowTypePaymentApproval,
		EntityID:          "pay-" + uuid.NewString()[:8],
		EntityType:        "payment",
		OrganizationID:    "org-1",
		InitiatorID:       "init",
		Status:            WorkflowStatusPending,
		CurrentLevel:      1,
		MaxLevel:          maxLevel,
		RequiredApprovals: len(approvers),
		Data:              map[string]any{"amount": 5000.0},
		Priority:          "normal",
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	return wf, s.rowsFor(wf.ID, 1, approvers...)
}

func (s *RepositoryIntegrationTestSuite) rowsFor(workflowID string, level int, approvers ...string) []*WorkflowApproval {
	now := time.Now().UTC().Truncate(time.Microsecond)
	rows := make([]*WorkflowApproval, 0, len(approvers))
	for _, a := range approvers {
		rows = append(rows, &WorkflowApproval{
			ID:         uuid.NewString(),
			WorkflowID: workflowID,
			ApproverID: a,
			Level:      level,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return rows
}

func (s *RepositoryIntegrationTestSuite) TestRuleReplaceActive() {
	t := s.T()
	first := &WorkflowRule{
		OrganizationID: "org-1",
		Type:           WorkflowTypePaymentApproval,
		Name:           "v1",
		ApprovalMatrix: []ApprovalLevel{{Approvers: []string{"alice"}, Required: 1}},
		EscalationDays: 2,
	}
	require.NoError(t, s.rules.ReplaceActive(s.ctx, first))

	threshold := 500.0
	second := &WorkflowRule{
		OrganizationID:   "org-1",
		Type:             WorkflowTypePaymentApproval,
		Name:             "v2",
		ApprovalMatrix:   []ApprovalLevel{{Approvers: []string{"bob", "carol"}, Required: 2}},
		AutoApproveBelow: &threshold,
		Conditions:       map[string]any{"currency": "EUR"},
	}
	require.NoError(t, s.rules.ReplaceActive(s.ctx, second))

	active, err := s.rules.GetActiveRule(s.ctx, "org-1", WorkflowTypePaymentApproval)
	require.NoError(t, err)
	assert.Equal(t, "v2", active.Name)
	assert.Equal(t, second.ApprovalMatrix, active.ApprovalMatrix)
	require.NotNil(t, active.AutoApproveBelow)
	assert.Equal(t, threshold, *active.AutoApproveBelow)
	assert.Equal(t, "EUR", active.Conditions["currency"])

	all, err := s.rules.List(s.ctx, "org-1", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.rules.GetActiveRule(s.ctx, "org-1", WorkflowTypeBudgetChange)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func (s *RepositoryIntegrationTestSuite) TestCreateAndRead() {
	t := s.T()
	wf, rows := s.newWorkflow(2, "alice", "bob")
	require.NoError(t, s.workflows.Create(s.ctx, wf, rows))

	got, err := s.workflows.GetByID(s.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.EntityID, got.EntityID)
	assert.Equal(t, WorkflowStatusPending, got.Status)
	assert.Equal(t, 5000.0, got.Data["amount"])
	assert.True(t, wf.CreatedAt.Equal(got.CreatedAt))

	level1, err := s.approvals.ListByLevel(s.ctx, wf.ID, 1)
	require.NoError(t, err)
	assert.Len(t, level1, 2)

	initiated, err := s.workflows.ListByInitiator(s.ctx, "org-1", "init")
	require.NoError(t, err)
	assert.Len(t, initiated, 1)

	pending, err := s.workflows.ListPendingForApprover(s.ctx, "org-1", "bob")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, err = s.workflows.GetByID(s.ctx, "missing")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func (s *RepositoryIntegrationTestSuite) TestRecordActionAndDelegate() {
	t := s.T()
	wf, rows := s.newWorkflow(1, "alice", "bob")
	require.NoError(t, s.workflows.Create(s.ctx, wf, rows))
	now := time.Now().UTC()

	row, err := s.approvals.FindForApprover(s.ctx, wf.ID, "alice")
	require.NoError(t, err)
	comments := "looks right"
	require.NoError(t, s.approvals.RecordAction(s.ctx, row.ID, ApprovalActionApprove, &comments, now))

	bobRow, err := s.approvals.FindForApprover(s.ctx, wf.ID, "bob")
	require.NoError(t, err)
	require.NoError(t, s.approvals.Delegate(s.ctx, bobRow.ID, "dan", now))

	viaDelegate, err := s.approvals.FindForApprover(s.ctx, wf.ID, "dan")
	require.NoError(t, err)
	assert.Equal(t, bobRow.ID, viaDelegate.ID)

	pending, err := s.workflows.ListPendingForApprover(s.ctx, "org-1", "dan")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	err = s.approvals.Delegate(s.ctx, row.ID, "erin", now)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict), "acted rows cannot be delegated")

	all, err := s.approvals.ListByWorkflow(s.ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, a := range all {
		if a.ApproverID == "alice" {
			assert.Equal(t, ApprovalActionApprove, a.Action)
			require.NotNil(t, a.Comments)
			assert.Equal(t, comments, *a.Comments)
			assert.NotNil(t, a.ApprovedAt)
		}
	}

	_, err = s.approvals.FindForApprover(s.ctx, wf.ID, "mallory")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func (s *RepositoryIntegrationTestSuite) TestAdvanceLevelIsConditional() {
	t := s.T()
	wf, rows := s.newWorkflow(3, "alice")
	require.NoError(t, s.workflows.Create(s.ctx, wf, rows))

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.workflows.AdvanceLevel(s.ctx, wf.ID, 1, time.Now().UTC(), s.rowsFor(wf.ID, 2, "bob"))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := s.workflows.GetByID(s.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentLevel)
	assert.Equal(t, WorkflowStatusInProgress, got.Status)
	assert.Equal(t, 2, got.Version)

	level2, err := s.approvals.ListByLevel(s.ctx, wf.ID, 2)
	require.NoError(t, err)
	assert.Len(t, level2, 1, "only the winner opens the next level")
}

func (s *RepositoryIntegrationTestSuite) TestFinalize() {
	t := s.T()
	wf, rows := s.newWorkflow(1, "alice")
	require.NoError(t, s.workflows.Create(s.ctx, wf, rows))
	now := time.Now().UTC()

	ok, err := s.workflows.Finalize(s.ctx, wf.ID, 2, WorkflowStatusApproved, now, &now)
	require.NoError(t, err)
	assert.False(t, ok, "level guard")

	ok, err = s.workflows.Finalize(s.ctx, wf.ID, 1, WorkflowStatusApproved, now, &now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.workflows.Finalize(s.ctx, wf.ID, 0, WorkflowStatusRejected, now, &now)
	require.NoError(t, err)
	assert.False(t, ok, "terminal workflows stay terminal")

	approved, err := s.workflows.ListByStatus(s.ctx, WorkflowStatusApproved)
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.NotNil(t, approved[0].CompletedAt)
}

func (s *RepositoryIntegrationTestSuite) TestNotifications() {
	t := s.T()
	base := time.Now().UTC().Truncate(time.Microsecond)
	url := "/workflows/wf-1"

	for i, typ := range []NotificationType{NotificationApprovalRequired, NotificationEscalation} {
		require.NoError(t, s.notifications.Create(s.ctx, &WorkflowNotification{
			ID:             uuid.NewString(),
			WorkflowID:     "wf-1",
			RecipientID:    "alice",
			Type:           typ,
			Title:          string(typ),
			Message:        "m",
			ActionRequired: true,
			ActionURL:      &url,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}))
	}

	rows, err := s.notifications.ListForRecipient(s.ctx, "alice", true)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, NotificationEscalation, rows[0].Type, "newest first")
	require.NotNil(t, rows[0].ActionURL)
	assert.Equal(t, url, *rows[0].ActionURL)
}
