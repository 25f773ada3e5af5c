// Package storetest is a conformance suite run against every persistence backend.
package storetest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/conductor/internal/persistence"
	"github.com/petrijr/conductor/pkg/api"
)

var counter atomic.Int64

// Suite exercises a Persistence. Backends that share state across tests
// (containers) are supported: every test uses unique ids and names.
type Suite struct {
	suite.Suite

	// NewPersistence returns the stores under test. It is called once per test.
	NewPersistence func() *persistence.Persistence

	p   *persistence.Persistence
	ctx context.Context
	tag string
}

func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.p = s.NewPersistence()
	s.tag = fmt.Sprintf("t%d-%d", time.Now().UnixNano(), counter.Add(1))
}

func (s *Suite) id(name string) string {
	return s.tag + "-" + name
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)

func (s *Suite) newRecord(name string, created time.Time) *persistence.InstanceRecord {
	return &persistence.InstanceRecord{
		ID:        s.id(name),
		Name:      s.id("orch"),
		Execution: 0,
		Status:    api.StatusRunning,
		Input:     []byte(`{"name":"Ada"}`),
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func (s *Suite) TestInstance_CreateGetUpdate() {
	rec := s.newRecord("a", base)
	s.Require().NoError(s.p.Instances.CreateInstance(s.ctx, rec))

	got, err := s.p.Instances.GetInstance(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(rec.ID, got.ID)
	s.Equal(rec.Name, got.Name)
	s.Equal(api.StatusRunning, got.Status)
	s.Equal(rec.Input, got.Input)
	s.Nil(got.Failure)
	s.True(base.Equal(got.CreatedAt), "created_at %v", got.CreatedAt)

	rec.Status = api.StatusFailed
	rec.Execution = 2
	rec.CustomStatus = []byte(`"WaitingForApproval"`)
	rec.Failure = &api.ErrorInfo{Type: api.FailureOrchestrator, Message: "boom"}
	rec.UpdatedAt = base.Add(time.Minute)
	s.Require().NoError(s.p.Instances.UpdateInstance(s.ctx, rec))

	got, err = s.p.Instances.GetInstance(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(api.StatusFailed, got.Status)
	s.Equal(2, got.Execution)
	s.Equal(rec.CustomStatus, got.CustomStatus)
	s.Require().NotNil(got.Failure)
	s.Equal(*rec.Failure, *got.Failure)
	s.True(base.Add(time.Minute).Equal(got.UpdatedAt))
}

func (s *Suite) TestInstance_BufferedEvents() {
	rec := s.newRecord("buffered", base)
	rec.Buffered = map[string][]byte{"Approval": []byte(`true`)}
	s.Require().NoError(s.p.Instances.CreateInstance(s.ctx, rec))

	got, err := s.p.Instances.GetInstance(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(rec.Buffered, got.Buffered)

	rec.Buffered["Approval"] = []byte(`false`)
	rec.Buffered["Cancel"] = []byte(`"late"`)
	s.Require().NoError(s.p.Instances.UpdateInstance(s.ctx, rec))
	got, err = s.p.Instances.GetInstance(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(rec.Buffered, got.Buffered)

	rec.Buffered = nil
	s.Require().NoError(s.p.Instances.UpdateInstance(s.ctx, rec))
	got, err = s.p.Instances.GetInstance(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Empty(got.Buffered)
}

func (s *Suite) TestInstance_DuplicateAndMissing() {
	rec := s.newRecord("dup", base)
	s.Require().NoError(s.p.Instances.CreateInstance(s.ctx, rec))
	s.ErrorIs(s.p.Instances.CreateInstance(s.ctx, rec), persistence.ErrInstanceExists)

	_, err := s.p.Instances.GetInstance(s.ctx, s.id("missing"))
	s.ErrorIs(err, persistence.ErrInstanceNotFound)

	missing := s.newRecord("missing", base)
	s.ErrorIs(s.p.Instances.UpdateInstance(s.ctx, missing), persistence.ErrInstanceNotFound)
}

func (s *Suite) TestInstance_ListFiltersAndOrders() {
	second := s.newRecord("second", base.Add(time.Second))
	first := s.newRecord("first", base)
	other := s.newRecord("other", base.Add(2*time.Second))
	other.Name = s.id("other-orch")
	done := s.newRecord("done", base.Add(3*time.Second))
	done.Status = api.StatusCompleted

	for _, r := range []*persistence.InstanceRecord{second, first, other, done} {
		s.Require().NoError(s.p.Instances.CreateInstance(s.ctx, r))
	}

	byName, err := s.p.Instances.ListInstances(s.ctx, persistence.InstanceFilter{Name: s.id("orch")})
	s.Require().NoError(err)
	s.Require().Len(byName, 3)
	s.Equal([]string{first.ID, second.ID, done.ID}, []string{byName[0].ID, byName[1].ID, byName[2].ID})

	running, err := s.p.Instances.ListInstances(s.ctx, persistence.InstanceFilter{
		Name:   s.id("orch"),
		Status: api.StatusRunning,
	})
	s.Require().NoError(err)
	s.Require().Len(running, 2)

	// A status change must move the record between status filters.
	first.Status = api.StatusCompleted
	s.Require().NoError(s.p.Instances.UpdateInstance(s.ctx, first))
	completed, err := s.p.Instances.ListInstances(s.ctx, persistence.InstanceFilter{
		Name:   s.id("orch"),
		Status: api.StatusCompleted,
	})
	s.Require().NoError(err)
	s.Len(completed, 2)
}

func (s *Suite) TestHistory_AppendLoad() {
	id := s.id("hist")
	fireAt := base.Add(time.Minute)
	events := []api.HistoryEvent{
		{Seq: 0, Type: api.EventOrchestratorStarted, Timestamp: base, TaskID: api.NoTaskID, Name: "EmployeeOnboarding", Payload: []byte(`{"age":30}`)},
		{Seq: 1, Type: api.EventActivityScheduled, Timestamp: base, TaskID: 0, Name: "CreateRecord", Payload: []byte(`{}`)},
		{Seq: 2, Type: api.EventTimerCreated, Timestamp: base, TaskID: 1, Name: "Approval", FireAt: fireAt},
	}
	s.Require().NoError(s.p.History.AppendEvents(s.ctx, id, 0, events))
	s.Require().NoError(s.p.History.AppendEvents(s.ctx, id, 0, []api.HistoryEvent{
		{Seq: 3, Type: api.EventActivityFailed, Timestamp: base.Add(time.Second), TaskID: 0,
			Failure: &api.ErrorInfo{Type: api.FailureActivity, Message: "nope"}},
	}))

	got, err := s.p.History.LoadHistory(s.ctx, id, 0)
	s.Require().NoError(err)
	s.Require().Len(got, 4)
	for i, ev := range got {
		s.Equal(i, ev.Seq)
	}
	s.Equal(api.EventOrchestratorStarted, got[0].Type)
	s.Equal("EmployeeOnboarding", got[0].Name)
	s.Equal([]byte(`{"age":30}`), got[0].Payload)
	s.True(base.Equal(got[0].Timestamp))
	s.Equal(api.NoTaskID, got[0].TaskID)
	s.Equal(1, got[2].TaskID)
	s.Equal("Approval", got[2].Name)
	s.True(fireAt.Equal(got[2].FireAt))
	s.Require().NotNil(got[3].Failure)
	s.Equal("nope", got[3].Failure.Message)

	// Executions are isolated from each other.
	next, err := s.p.History.LoadHistory(s.ctx, id, 1)
	s.Require().NoError(err)
	s.Empty(next)
}

func (s *Suite) TestHistory_Conflict() {
	id := s.id("conflict")
	first := []api.HistoryEvent{{Seq: 0, Type: api.EventOrchestratorStarted, Timestamp: base, TaskID: api.NoTaskID}}
	s.Require().NoError(s.p.History.AppendEvents(s.ctx, id, 0, first))

	// Re-appending seq 0 loses.
	s.ErrorIs(s.p.History.AppendEvents(s.ctx, id, 0, first), persistence.ErrConflict)

	// A gap is rejected too.
	gap := []api.HistoryEvent{{Seq: 2, Type: api.EventTimerFired, Timestamp: base, TaskID: 0}}
	s.ErrorIs(s.p.History.AppendEvents(s.ctx, id, 0, gap), persistence.ErrConflict)

	got, err := s.p.History.LoadHistory(s.ctx, id, 0)
	s.Require().NoError(err)
	s.Len(got, 1)
}

func (s *Suite) TestEntity_Lifecycle() {
	typ := s.id("dept")
	a := api.EntityID{Type: typ, Key: "a"}
	b := api.EntityID{Type: typ, Key: "b"}

	_, err := s.p.Entities.LoadEntity(s.ctx, a)
	s.ErrorIs(err, persistence.ErrEntityNotFound)

	s.Require().NoError(s.p.Entities.SaveEntity(s.ctx, &persistence.EntityRecord{ID: b, State: []byte(`2`), UpdatedAt: base}))
	s.Require().NoError(s.p.Entities.SaveEntity(s.ctx, &persistence.EntityRecord{ID: a, State: []byte(`1`), UpdatedAt: base}))
	s.Require().NoError(s.p.Entities.SaveEntity(s.ctx, &persistence.EntityRecord{ID: a, State: []byte(`10`), UpdatedAt: base.Add(time.Second)}))

	got, err := s.p.Entities.LoadEntity(s.ctx, a)
	s.Require().NoError(err)
	s.Equal(a, got.ID)
	s.Equal([]byte(`10`), got.State)
	s.True(base.Add(time.Second).Equal(got.UpdatedAt))

	list, err := s.p.Entities.ListEntities(s.ctx, typ)
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal("a", list[0].ID.Key)
	s.Equal("b", list[1].ID.Key)

	s.Require().NoError(s.p.Entities.DeleteEntity(s.ctx, a))
	s.Require().NoError(s.p.Entities.DeleteEntity(s.ctx, a))
	_, err = s.p.Entities.LoadEntity(s.ctx, a)
	s.ErrorIs(err, persistence.ErrEntityNotFound)

	list, err = s.p.Entities.ListEntities(s.ctx, typ)
	s.Require().NoError(err)
	s.Len(list, 1)
}
