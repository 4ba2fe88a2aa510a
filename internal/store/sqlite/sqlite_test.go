package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/emberflow/ember/internal/convo"
	"github.com/emberflow/ember/internal/proactive"
)

func openTestStores(t *testing.T) (*convoStores, func()) {
	t.Helper()
	s, err := NewStores(filepath.Join(t.TempDir(), "ember.db"))
	if err != nil {
		t.Fatal(err)
	}
	return &convoStores{
		messages:  s.Messages,
		proactive: s.Proactive,
	}, func() { s.Close() }
}

type convoStores struct {
	messages  convo.MessageLog
	proactive proactive.RowStore
}

func TestMessageRoundTrip(t *testing.T) {
	s, closeFn := openTestStores(t)
	defer closeFn()
	ctx := context.Background()

	msgs := []convo.Message{
		{ID: "a", ConversationKey: "c1", AuthorID: "u1", AuthorName: "alice",
			Content: "hello", CreatedAt: 1000, MentionsBot: true, MentionedUserIDs: []string{"bot"}},
		{ID: "b", ConversationKey: "c1", AuthorID: "u2", AuthorName: "bob",
			Content: "hi", CreatedAt: 2000, ReplyToID: "a", ReplyToBot: false},
	}
	if err := s.messages.PersistMessages(ctx, "c1", "g1", msgs); err != nil {
		t.Fatal(err)
	}
	// Duplicate persist is a no-op, not an error.
	if err := s.messages.PersistMessages(ctx, "c1", "g1", msgs[:1]); err != nil {
		t.Fatal(err)
	}

	got, err := s.messages.GetRecentMessages(ctx, "c1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	// Newest first per the query contract.
	if got[0].ID != "b" || got[1].ID != "a" {
		t.Errorf("order = %s, %s, want b, a", got[0].ID, got[1].ID)
	}
	if got[1].ParentKey != "g1" || !got[1].MentionsBot || got[1].MentionedUserIDs[0] != "bot" {
		t.Errorf("row a = %+v", got[1])
	}
}

func TestGetRecentMessages_Bounds(t *testing.T) {
	s, closeFn := openTestStores(t)
	defer closeFn()
	ctx := context.Background()

	var msgs []convo.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, convo.Message{
			ID: string(rune('a' + i)), ConversationKey: "c1",
			Content: "m", CreatedAt: int64(1000 * (i + 1)),
		})
	}
	if err := s.messages.PersistMessages(ctx, "c1", "", msgs); err != nil {
		t.Fatal(err)
	}

	got, err := s.messages.GetRecentMessages(ctx, "c1", 2, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "e" || got[1].ID != "d" {
		t.Errorf("got %+v, want newest two at or after ts 2000", got)
	}
}

func TestMarkResponded(t *testing.T) {
	s, closeFn := openTestStores(t)
	defer closeFn()
	ctx := context.Background()

	if err := s.messages.PersistMessages(ctx, "c1", "", []convo.Message{
		{ID: "a", ConversationKey: "c1", Content: "x", CreatedAt: 1},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.messages.MarkResponded(ctx, "c1", "a"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.messages.GetRecentMessages(ctx, "c1", 1, 0)
	if !got[0].RespondedTo {
		t.Error("responded_to not persisted")
	}
}

func TestProactiveRows(t *testing.T) {
	s, closeFn := openTestStores(t)
	defer closeFn()
	ctx := context.Background()
	sched := proactive.NewScheduler(s.proactive)

	m, err := sched.Schedule(ctx, proactive.ScheduleRequest{
		ConversationKey: "c1", PersonaID: "p1", Content: "ping",
		ScheduledAt: 5000, Reason: "test", Metadata: map[string]string{"k": "v"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if m.PublicID != proactive.PublicID(1) {
		t.Errorf("public id = %q", m.PublicID)
	}

	got, err := s.proactive.Get(ctx, m.PublicID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "ping" || got.Status != proactive.StatusScheduled || got.Metadata["k"] != "v" {
		t.Errorf("row = %+v", got)
	}

	if n, _ := s.proactive.CountPending(ctx, "c1"); n != 1 {
		t.Errorf("pending = %d", n)
	}
	due, _ := s.proactive.ListDue(ctx, 6000)
	if len(due) != 1 {
		t.Errorf("due = %+v", due)
	}
	if err := s.proactive.UpdateStatus(ctx, m.PublicID, proactive.StatusSent); err != nil {
		t.Fatal(err)
	}
	if due, _ = s.proactive.ListDue(ctx, 6000); len(due) != 0 {
		t.Errorf("sent row still due: %+v", due)
	}
	if got, _ = s.proactive.Get(ctx, "zzzzzz"); got != nil {
		t.Errorf("unknown id = %+v, want nil", got)
	}
}
