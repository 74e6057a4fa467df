package sqllite

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stepflow-io/stepflow/internal/core"
	"github.com/stepflow-io/stepflow/internal/domain"
	"github.com/stepflow-io/stepflow/internal/repository"
)

var testStart = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func newStepInstance(clock core.Clock, key string, order int) *domain.StepInstance {
	return &domain.StepInstance{
		WorkflowCode: "TENDERING_WF",
		EntityType:   "TENDER",
		EntityID:     11,
		StepKey:      key,
		StepName:     key,
		StepOrder:    order,
		Status:       domain.StepPending,
		TimerStatus:  domain.TimerNotStarted,
		Timer:        domain.FixedDuration{DurationHours: 4},
		Created:      clock.Now(),
		Modified:     clock.Now(),
	}
}

func TestStepInstanceRepository(t *testing.T) {
	runTestWithSetup(t, func(t *testing.T, db *sql.DB) {
		clock := core.NewFakeClock(testStart)
		repo := repository.NewStepInstanceRepository(db, clock)

		t.Run("SaveAndFindByID", func(t *testing.T) {
			si := newStepInstance(clock, "tender_info", 1)
			si.DependsOnSteps = []string{"tender_approval"}
			si.Metadata = map[string]any{"formUrl": "/tendering/info-sheet"}

			id, err := repo.Save(si)
			if err != nil {
				t.Fatalf("Failed to save step instance: %v", err)
			}
			if id == 0 {
				t.Fatal("Expected a generated id")
			}

			got, err := repo.FindByID(id)
			if err != nil {
				t.Fatalf("Failed to find step instance: %v", err)
			}
			if got == nil {
				t.Fatal("Expected a row, got nil")
			}
			if got.WorkflowCode != "TENDERING_WF" || got.StepKey != "tender_info" {
				t.Errorf("Unexpected row %s/%s", got.WorkflowCode, got.StepKey)
			}
			timer, ok := got.Timer.(domain.FixedDuration)
			if !ok || timer.DurationHours != 4 {
				t.Errorf("Timer config did not round-trip, got %#v", got.Timer)
			}
			if len(got.DependsOnSteps) != 1 || got.DependsOnSteps[0] != "tender_approval" {
				t.Errorf("Dependencies did not round-trip, got %v", got.DependsOnSteps)
			}
			if got.Metadata["formUrl"] != "/tendering/info-sheet" {
				t.Errorf("Metadata did not round-trip, got %v", got.Metadata)
			}
			if !got.Created.Equal(testStart) {
				t.Errorf("Expected created %v, got %v", testStart, got.Created)
			}
		})

		t.Run("FindByIDMissingReturnsNil", func(t *testing.T) {
			got, err := repo.FindByID(9999)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != nil {
				t.Errorf("Expected nil for missing row, got %v", got)
			}
		})

		t.Run("UpdateGuarded", func(t *testing.T) {
			si := newStepInstance(clock, "tender_approval", 2)
			if _, err := repo.Save(si); err != nil {
				t.Fatalf("Failed to save step instance: %v", err)
			}

			si.Status = domain.StepInProgress
			si.TimerStatus = domain.TimerRunning
			si.AllocatedTimeMs = sql.NullInt64{Int64: domain.HoursToMs(4), Valid: true}
			si.ActualStartAt = sql.NullTime{Time: clock.Now(), Valid: true}
			ok, err := repo.UpdateGuarded(si, []domain.TimerStatus{domain.TimerNotStarted})
			if err != nil {
				t.Fatalf("Guarded update failed: %v", err)
			}
			if !ok {
				t.Fatal("Expected guarded update to apply")
			}

			got, err := repo.FindByID(si.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.TimerStatus != domain.TimerRunning || !got.ActualStartAt.Valid {
				t.Errorf("Update not persisted, got %s start=%v", got.TimerStatus, got.ActualStartAt)
			}
			if got.AllocatedTimeMs.Int64 != domain.HoursToMs(4) {
				t.Errorf("Expected 4h allocation, got %d", got.AllocatedTimeMs.Int64)
			}

			// The stored row is RUNNING now: a writer still expecting
			// NOT_STARTED must lose.
			ok, err = repo.UpdateGuarded(si, []domain.TimerStatus{domain.TimerNotStarted})
			if err != nil {
				t.Fatalf("Guarded update failed: %v", err)
			}
			if ok {
				t.Error("Expected stale guarded update to report false")
			}
		})

		t.Run("FindForWorkflowOrdersBySequence", func(t *testing.T) {
			third := newStepInstance(clock, "rfq_sent", 3)
			if _, err := repo.Save(third); err != nil {
				t.Fatal(err)
			}

			steps, err := repo.FindForWorkflow("TENDERING_WF", "TENDER", 11)
			if err != nil {
				t.Fatalf("Failed to list workflow steps: %v", err)
			}
			if len(steps) != 3 {
				t.Fatalf("Expected 3 steps, got %d", len(steps))
			}
			for i, key := range []string{"tender_info", "tender_approval", "rfq_sent"} {
				if steps[i].StepKey != key {
					t.Errorf("Step %d: expected %s, got %s", i, key, steps[i].StepKey)
				}
			}
		})

		t.Run("Exists", func(t *testing.T) {
			exists, err := repo.Exists("TENDERING_WF", "TENDER", 11)
			if err != nil {
				t.Fatal(err)
			}
			if !exists {
				t.Error("Expected workflow instance to exist")
			}
			exists, err = repo.Exists("TENDERING_WF", "TENDER", 999)
			if err != nil {
				t.Fatal(err)
			}
			if exists {
				t.Error("Expected no workflow instance for entity 999")
			}
		})
	})
}

func TestTimerEventRepository(t *testing.T) {
	runTestWithSetup(t, func(t *testing.T, db *sql.DB) {
		clock := core.NewFakeClock(testStart)
		stepRepo := repository.NewStepInstanceRepository(db, clock)
		eventRepo := repository.NewTimerEventRepository(db, clock)

		si := newStepInstance(clock, "physical_docs", 1)
		stepID, err := stepRepo.Save(si)
		if err != nil {
			t.Fatalf("Failed to save step instance: %v", err)
		}

		userID := int64(7)
		events := []*domain.TimerEvent{
			{
				StepInstanceID: stepID,
				EventType:      domain.EventStart,
				PreviousStatus: sql.NullString{String: string(domain.TimerNotStarted), Valid: true},
				NewStatus:      string(domain.TimerRunning),
				Metadata:       map[string]any{"allocatedTimeMs": float64(domain.HoursToMs(4))},
			},
			{
				StepInstanceID:    stepID,
				EventType:         domain.EventPause,
				PreviousStatus:    sql.NullString{String: string(domain.TimerRunning), Valid: true},
				NewStatus:         string(domain.TimerPaused),
				PerformedByUserID: sql.NullInt64{Int64: userID, Valid: true},
				Reason:            sql.NullString{String: "waiting for docs", Valid: true},
			},
			{
				StepInstanceID:   stepID,
				EventType:        domain.EventResume,
				PreviousStatus:   sql.NullString{String: string(domain.TimerPaused), Valid: true},
				NewStatus:        string(domain.TimerRunning),
				DurationChangeMs: sql.NullInt64{Int64: domain.HoursToMs(1), Valid: true},
			},
		}
		for _, ev := range events {
			if _, err := eventRepo.Save(ev); err != nil {
				t.Fatalf("Failed to append event %s: %v", ev.EventType, err)
			}
			clock.Advance(time.Hour)
		}

		got, err := eventRepo.FindByStepInstance(stepID)
		if err != nil {
			t.Fatalf("Failed to read events back: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("Expected 3 events, got %d", len(got))
		}
		for i, want := range []domain.EventType{domain.EventStart, domain.EventPause, domain.EventResume} {
			if got[i].EventType != want {
				t.Errorf("Event %d: expected %s, got %s", i, want, got[i].EventType)
			}
		}
		if got[0].Metadata["allocatedTimeMs"] != float64(domain.HoursToMs(4)) {
			t.Errorf("Metadata did not round-trip, got %v", got[0].Metadata)
		}
		if !got[1].Reason.Valid || got[1].Reason.String != "waiting for docs" {
			t.Errorf("Reason did not round-trip, got %v", got[1].Reason)
		}
		if got[1].PerformedByUserID.Int64 != userID {
			t.Errorf("Expected user %d, got %v", userID, got[1].PerformedByUserID)
		}
		if got[2].DurationChangeMs.Int64 != domain.HoursToMs(1) {
			t.Errorf("Expected 1h duration change, got %v", got[2].DurationChangeMs)
		}
		if !got[0].CreatedAt.Equal(testStart) {
			t.Errorf("Expected first event at %v, got %v", testStart, got[0].CreatedAt)
		}

		other, err := eventRepo.FindByStepInstance(stepID + 100)
		if err != nil {
			t.Fatal(err)
		}
		if len(other) != 0 {
			t.Errorf("Expected no events for unrelated step, got %d", len(other))
		}
	})
}
