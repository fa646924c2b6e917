package testfixtures

import (
	"context"
	"testing"
	"time"

	"github.com/example/coaching-scheduler/internal/application"
)

func TestServiceFactoryNewServices(t *testing.T) {
	factory := NewServiceFactory()
	services := factory.NewServices()
	t.Cleanup(func() { _ = services.Store.Close() })

	coach := application.Principal{UserID: "coach-1", Role: application.RoleCoach}
	start := factory.Clock.Now().Add(24 * time.Hour)

	session, err := services.Sessions.CreateSession(context.Background(), coach, application.CreateSessionInput{
		CoachID:         "coach-1",
		ClientID:        "client-1",
		Start:           start,
		DurationMinutes: 45,
	})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}

	if session.ID != "id-1" || factory.IDGenerator.Last() != session.ID {
		t.Fatalf("expected generated ID id-1, got %q", session.ID)
	}
	if !session.CreatedAt.Equal(factory.Clock.Now()) {
		t.Fatalf("expected timestamp %v, got %v", factory.Clock.Now(), session.CreatedAt)
	}
	if !session.ScheduledEnd.Equal(start.Add(45 * time.Minute)) {
		t.Fatalf("unexpected end %v", session.ScheduledEnd)
	}

	stored, err := services.Store.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetSession returned error: %v", err)
	}
	if stored.Version != 1 || stored.Status != string(application.StatusScheduled) {
		t.Fatalf("unexpected stored session %+v", stored)
	}
}
