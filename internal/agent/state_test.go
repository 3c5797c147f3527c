package agent

import (
	"testing"

	"github.com/google/uuid"

	"github.com/spherical-ai/nl2sql-engine/internal/storage"
)

func TestNewState(t *testing.T) {
	kgID := uuid.New()
	s := NewState(kgID, "how many orders shipped last week?")

	if s.KGID != kgID {
		t.Errorf("KGID = %v, want %v", s.KGID, kgID)
	}
	if s.UserQuery != "how many orders shipped last week?" {
		t.Errorf("UserQuery = %q, want the question passed in", s.UserQuery)
	}
	if s.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", s.MaxRetries)
	}
	if s.RouteToAgent != StageSchemaSelector {
		t.Errorf("RouteToAgent = %q, want %q", s.RouteToAgent, StageSchemaSelector)
	}
	if s.ClarificationsGiven == nil {
		t.Error("ClarificationsGiven = nil, want an initialized map")
	}
	if s.TableContexts == nil {
		t.Error("TableContexts = nil, want an initialized map")
	}
}

func TestState_ExhaustedRetries(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		want       bool
	}{
		{"below limit", 0, 3, false},
		{"one below limit", 2, 3, false},
		{"at limit", 3, 3, true},
		{"above limit", 4, 3, true},
		{"zero max retries exhausted immediately", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &State{RetryCount: tt.retryCount, MaxRetries: tt.maxRetries}
			if got := s.ExhaustedRetries(); got != tt.want {
				t.Errorf("ExhaustedRetries() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestState_RecordError(t *testing.T) {
	s := NewState(uuid.New(), "question")
	s.RetryCount = 1

	s.RecordError(StageSQLGenerator, "syntax error near SELECT", storage.ErrorCategorySQLSyntax, StageSchemaSelector)

	if len(s.ErrorHistory) != 1 {
		t.Fatalf("ErrorHistory length = %d, want 1", len(s.ErrorHistory))
	}
	event := s.ErrorHistory[0]
	if event.RetryCount != 1 {
		t.Errorf("event.RetryCount = %d, want 1", event.RetryCount)
	}
	if event.Stage != StageSQLGenerator {
		t.Errorf("event.Stage = %q, want %q", event.Stage, StageSQLGenerator)
	}
	if event.RoutedTo != StageSchemaSelector {
		t.Errorf("event.RoutedTo = %q, want %q", event.RoutedTo, StageSchemaSelector)
	}
	if s.RouteToAgent != StageSchemaSelector {
		t.Errorf("RouteToAgent = %q, want updated to %q", s.RouteToAgent, StageSchemaSelector)
	}

	s.RecordError(StageSchemaSelector, "no tables found", storage.ErrorCategorySchema, StageComplete)
	if len(s.ErrorHistory) != 2 {
		t.Errorf("ErrorHistory length = %d, want 2 after a second error", len(s.ErrorHistory))
	}
	if s.RouteToAgent != StageComplete {
		t.Errorf("RouteToAgent = %q, want %q after the second error", s.RouteToAgent, StageComplete)
	}
}
