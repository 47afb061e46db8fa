package room

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/commonground-labs/commonground/internal/ai"
	"github.com/commonground-labs/commonground/internal/domain"
	"github.com/commonground-labs/commonground/internal/store"
)

// fakeRepo is an in-memory Repository with the same conflict semantics as
// the SQLite implementation.
type fakeRepo struct {
	rooms     map[string]*domain.Room
	members   map[string][]*domain.Member
	entries   map[string][]*domain.Entry
	analyses  map[string]*domain.Analysis
	turns     map[string]*domain.TurnState
	messages  map[string][]*domain.Message
	pauses    map[string][]*domain.Pause
	events    []*domain.Event
	research  []*domain.ResearchRecord
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		rooms:    make(map[string]*domain.Room),
		members:  make(map[string][]*domain.Member),
		entries:  make(map[string][]*domain.Entry),
		analyses: make(map[string]*domain.Analysis),
		turns:    make(map[string]*domain.TurnState),
		messages: make(map[string][]*domain.Message),
		pauses:   make(map[string][]*domain.Pause),
	}
}

func (f *fakeRepo) CreateRoom(_ context.Context, room *domain.Room) error {
	for _, r := range f.rooms {
		if r.Code == room.Code {
			return store.ErrCodeTaken
		}
	}
	cp := *room
	f.rooms[room.ID] = &cp
	return nil
}

func (f *fakeRepo) GetRoom(_ context.Context, roomID string) (*domain.Room, error) {
	r, ok := f.rooms[roomID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRepo) GetRoomByCode(_ context.Context, code string) (*domain.Room, error) {
	for _, r := range f.rooms {
		if r.Code == code {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) UpdateRoomStatus(_ context.Context, roomID string, status domain.RoomStatus) error {
	r, ok := f.rooms[roomID]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = status
	return nil
}

func (f *fakeRepo) CompleteRoom(_ context.Context, roomID string, completedAt, deleteAt time.Time) error {
	r, ok := f.rooms[roomID]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = domain.RoomCompleted
	r.CompletedAt = &completedAt
	r.DeleteAt = &deleteAt
	return nil
}

func (f *fakeRepo) ExpiredRooms(_ context.Context, now time.Time) ([]*domain.Room, error) {
	var out []*domain.Room
	for _, r := range f.rooms {
		if r.DeleteAt != nil && r.DeleteAt.Before(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRepo) DeleteRoom(_ context.Context, roomID string) error {
	delete(f.rooms, roomID)
	delete(f.members, roomID)
	delete(f.entries, roomID)
	delete(f.analyses, roomID)
	delete(f.turns, roomID)
	delete(f.messages, roomID)
	delete(f.pauses, roomID)
	return nil
}

func (f *fakeRepo) AddMember(_ context.Context, member *domain.Member) error {
	existing := f.members[member.RoomID]
	for _, m := range existing {
		if m.UserID == member.UserID {
			return store.ErrAlreadyMember
		}
	}
	if len(existing) >= 2 {
		return store.ErrRoomFull
	}
	member.JoinOrder = len(existing)
	cp := *member
	f.members[member.RoomID] = append(existing, &cp)
	return nil
}

func (f *fakeRepo) GetMember(_ context.Context, roomID, userID string) (*domain.Member, error) {
	for _, m := range f.members[roomID] {
		if m.UserID == userID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) ListMembers(_ context.Context, roomID string) ([]*domain.Member, error) {
	return f.members[roomID], nil
}

func (f *fakeRepo) CreateEntry(_ context.Context, roomID, userID string, now time.Time) error {
	for _, e := range f.entries[roomID] {
		if e.UserID == userID {
			return nil
		}
	}
	f.entries[roomID] = append(f.entries[roomID], &domain.Entry{
		RoomID: roomID, UserID: userID, UpdatedAt: now,
	})
	return nil
}

func (f *fakeRepo) UpdateEntry(_ context.Context, roomID, userID, text string, submittedAt *time.Time) error {
	for _, e := range f.entries[roomID] {
		if e.UserID == userID {
			if e.SubmittedAt != nil {
				return store.ErrEntryFrozen
			}
			e.Text = text
			if submittedAt != nil {
				e.SubmittedAt = submittedAt
			}
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeRepo) ListEntries(_ context.Context, roomID string) ([]*domain.Entry, error) {
	return f.entries[roomID], nil
}

func (f *fakeRepo) InsertAnalysis(_ context.Context, analysis *domain.Analysis) error {
	if _, ok := f.analyses[analysis.RoomID]; ok {
		return store.ErrAnalysisExists
	}
	cp := *analysis
	f.analyses[analysis.RoomID] = &cp
	return nil
}

func (f *fakeRepo) GetAnalysis(_ context.Context, roomID string) (*domain.Analysis, error) {
	a, ok := f.analyses[roomID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (f *fakeRepo) SetPostSentiment(_ context.Context, roomID string, afterA, afterB *float64) error {
	if a, ok := f.analyses[roomID]; ok {
		if afterA != nil {
			a.SentimentAfterA = afterA
		}
		if afterB != nil {
			a.SentimentAfterB = afterB
		}
	}
	return nil
}

func (f *fakeRepo) CreateTurnState(_ context.Context, ts *domain.TurnState) error {
	if _, ok := f.turns[ts.RoomID]; ok {
		return store.ErrTurnExists
	}
	cp := *ts
	f.turns[ts.RoomID] = &cp
	return nil
}

func (f *fakeRepo) GetTurnState(_ context.Context, roomID string) (*domain.TurnState, error) {
	ts, ok := f.turns[roomID]
	if !ok {
		return nil, nil
	}
	cp := *ts
	return &cp, nil
}

func (f *fakeRepo) AdvanceTurn(_ context.Context, roomID, fromUserID, toUserID string, guidance *domain.Guidance, at time.Time) error {
	ts, ok := f.turns[roomID]
	if !ok || ts.CurrentUserID != fromUserID {
		return store.ErrTurnConflict
	}
	ts.CurrentUserID = toUserID
	ts.LastTurnAt = at
	ts.UpdatedAt = at
	if guidance != nil {
		ts.Guidance = guidance
		ts.ResolvedByAI = guidance.Resolved
		ts.ResolutionReason = guidance.ResolutionReason
		ts.SuggestBreak = guidance.SuggestBreak
		ts.BreakMessage = guidance.BreakMessage
	}
	return nil
}

func (f *fakeRepo) SetEndRequest(_ context.Context, roomID, userID string, at time.Time) error {
	ts, ok := f.turns[roomID]
	if !ok || ts.EndRequestPending {
		return store.ErrEndRequestPending
	}
	ts.EndRequestedBy = userID
	ts.EndRequestPending = true
	ts.UpdatedAt = at
	return nil
}

func (f *fakeRepo) ClearEndRequest(_ context.Context, roomID string, at time.Time) error {
	if ts, ok := f.turns[roomID]; ok {
		ts.EndRequestedBy = ""
		ts.EndRequestPending = false
		ts.UpdatedAt = at
	}
	return nil
}

func (f *fakeRepo) InsertMessage(_ context.Context, msg *domain.Message) error {
	cp := *msg
	f.messages[msg.RoomID] = append(f.messages[msg.RoomID], &cp)
	return nil
}

func (f *fakeRepo) ListMessages(_ context.Context, roomID string) ([]*domain.Message, error) {
	return f.messages[roomID], nil
}

func (f *fakeRepo) CreatePause(_ context.Context, pause *domain.Pause) error {
	for _, p := range f.pauses[pause.RoomID] {
		if p.Status == domain.PauseActive {
			return store.ErrPauseActive
		}
	}
	cp := *pause
	f.pauses[pause.RoomID] = append(f.pauses[pause.RoomID], &cp)
	return nil
}

func (f *fakeRepo) GetActivePause(_ context.Context, roomID string) (*domain.Pause, error) {
	for _, p := range f.pauses[roomID] {
		if p.Status == domain.PauseActive {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) CompletePause(_ context.Context, pauseID string) error {
	for _, pauses := range f.pauses {
		for _, p := range pauses {
			if p.ID == pauseID {
				p.Status = domain.PauseCompleted
				return nil
			}
		}
	}
	return nil
}

func (f *fakeRepo) CountPauses(_ context.Context, roomID string) (map[string]int, error) {
	counts := make(map[string]int)
	for _, p := range f.pauses[roomID] {
		counts[p.InitiatedBy]++
	}
	return counts, nil
}

func (f *fakeRepo) AppendEvent(_ context.Context, event *domain.Event) error {
	cp := *event
	f.events = append(f.events, &cp)
	return nil
}

func (f *fakeRepo) InsertResearchRecord(_ context.Context, rec *domain.ResearchRecord) error {
	cp := *rec
	f.research = append(f.research, &cp)
	return nil
}

func (f *fakeRepo) Ping(_ context.Context) error { return nil }
func (f *fakeRepo) Close() error                 { return nil }

func (f *fakeRepo) lastEventType() string {
	if len(f.events) == 0 {
		return ""
	}
	return f.events[len(f.events)-1].Type
}

// fakeAI is a Collaborator with swappable behavior per test.
type fakeAI struct {
	analyzeFn    func(req ai.AnalyzeRequest) (*domain.AnalysisPayload, error)
	guideFn      func(req ai.GuideRequest) (*domain.Guidance, error)
	checkToneFn  func(req ai.ToneCheckRequest) (*domain.ToneCheckResult, error)
	analyzeCalls int
}

func (f *fakeAI) Analyze(_ context.Context, req ai.AnalyzeRequest) (*domain.AnalysisPayload, error) {
	f.analyzeCalls++
	if f.analyzeFn != nil {
		return f.analyzeFn(req)
	}
	return normalPayload(-0.5, 0.2), nil
}

func (f *fakeAI) Guide(_ context.Context, req ai.GuideRequest) (*domain.Guidance, error) {
	if f.guideFn != nil {
		return f.guideFn(req)
	}
	return &domain.Guidance{ConversationInsight: "making progress"}, nil
}

func (f *fakeAI) CheckTone(_ context.Context, req ai.ToneCheckRequest) (*domain.ToneCheckResult, error) {
	if f.checkToneFn != nil {
		return f.checkToneFn(req)
	}
	return &domain.ToneCheckResult{Decision: domain.ToneAllow, ToneSummary: "calm"}, nil
}

func (f *fakeAI) Coach(_ context.Context, statement, contextNote string, emit func(chunk string) error) error {
	return emit(`{"reframes":["try this"]}`)
}

func normalPayload(sentimentA, sentimentB float64) *domain.AnalysisPayload {
	return &domain.AnalysisPayload{
		NeutralAgenda:    "Both want a fairer split of chores.",
		PersonA:          domain.PersonAnalysis{SentimentScore: sentimentA, Patterns: []domain.Pattern{{Type: "criticism"}}},
		PersonB:          domain.PersonAnalysis{SentimentScore: sentimentB},
		ConflictCategory: "chores",
		SafetyLevel:      domain.SafetyNormal,
	}
}

type fixture struct {
	svc   *Service
	repo  *fakeRepo
	ai    *fakeAI
	now   time.Time
	userA string
	userB string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newFakeRepo()
	fa := &fakeAI{}
	svc := NewService(repo, fa, slog.New(slog.NewTextHandler(io.Discard, nil)), DefaultConfig())
	f := &fixture{
		svc:   svc,
		repo:  repo,
		ai:    fa,
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		userA: "user-a",
		userB: "user-b",
	}
	svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

// createdRoom makes a room with both members joined.
func (f *fixture) createdRoom(t *testing.T) *domain.Room {
	t.Helper()
	ctx := context.Background()
	rm, err := f.svc.CreateRoom(ctx, f.userA, "Sam", "my husband")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, _, err := f.svc.JoinRoom(ctx, f.userB, rm.Code, "Alex", "my wife"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	return rm
}

// analyzedRoom submits both entries and runs the analysis.
func (f *fixture) analyzedRoom(t *testing.T, entryA, entryB string) *domain.Room {
	t.Helper()
	ctx := context.Background()
	rm := f.createdRoom(t)
	if _, err := f.svc.UpdateEntry(ctx, rm.ID, f.userA, entryA, true); err != nil {
		t.Fatalf("UpdateEntry A: %v", err)
	}
	if _, err := f.svc.UpdateEntry(ctx, rm.ID, f.userB, entryB, true); err != nil {
		t.Fatalf("UpdateEntry B: %v", err)
	}
	if _, _, err := f.svc.Analyze(ctx, rm.ID, f.userA); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	return rm
}

// chatRoom takes the room all the way to an initialized turn state.
func (f *fixture) chatRoom(t *testing.T) *domain.Room {
	t.Helper()
	rm := f.analyzedRoom(t, "I do all the dishes", "I feel nagged about chores")
	if _, err := f.svc.StartChat(context.Background(), rm.ID, f.userA); err != nil {
		t.Fatalf("StartChat: %v", err)
	}
	return rm
}

func TestCreateRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rm, err := f.svc.CreateRoom(ctx, f.userA, "Sam", "my husband")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if len(rm.Code) != 6 {
		t.Errorf("code length = %d, want 6", len(rm.Code))
	}
	if rm.Status != domain.RoomWaiting {
		t.Errorf("status = %q, want waiting", rm.Status)
	}
	members, _ := f.repo.ListMembers(ctx, rm.ID)
	if len(members) != 1 || members[0].JoinOrder != 0 {
		t.Errorf("creator should be member with join order 0, got %+v", members)
	}
	entries, _ := f.repo.ListEntries(ctx, rm.ID)
	if len(entries) != 1 {
		t.Errorf("expected empty entry for creator, got %d entries", len(entries))
	}
	if f.repo.lastEventType() != domain.EventCreated {
		t.Errorf("last event = %q, want created", f.repo.lastEventType())
	}
}

func TestCreateRoomValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateRoom(ctx, f.userA, "  ", "my wife"); !errors.Is(err, ErrValidation) {
		t.Errorf("blank display name: got %v, want validation error", err)
	}
	if _, err := f.svc.CreateRoom(ctx, f.userA, "Sam", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("missing relationship: got %v, want validation error", err)
	}
}

func TestJoinRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rm, _ := f.svc.CreateRoom(ctx, f.userA, "Sam", "my husband")

	joined, already, err := f.svc.JoinRoom(ctx, f.userB, rm.Code, "Alex", "my wife")
	if err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if already {
		t.Error("fresh join should not report alreadyMember")
	}
	if joined.ID != rm.ID {
		t.Errorf("joined wrong room: %s", joined.ID)
	}

	// Rejoining is idempotent.
	_, already, err = f.svc.JoinRoom(ctx, f.userB, rm.Code, "Alex", "my wife")
	if err != nil || !already {
		t.Errorf("rejoin: got already=%v err=%v, want already member", already, err)
	}

	// Third participant is rejected.
	if _, _, err := f.svc.JoinRoom(ctx, "user-c", rm.Code, "Casey", "other"); !errors.Is(err, ErrRoomFull) {
		t.Errorf("third join: got %v, want ErrRoomFull", err)
	}
}

func TestJoinRoomLowercasesCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rm, _ := f.svc.CreateRoom(ctx, f.userA, "Sam", "my husband")

	joined, _, err := f.svc.JoinRoom(ctx, f.userB, "  "+lower(rm.Code)+" ", "Alex", "my wife")
	if err != nil {
		t.Fatalf("JoinRoom with lowercase code: %v", err)
	}
	if joined.ID != rm.ID {
		t.Error("lowercase code did not resolve to the room")
	}
}

func lower(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

func TestJoinFlaggedRoomRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rm, _ := f.svc.CreateRoom(ctx, f.userA, "Sam", "my husband")
	f.repo.rooms[rm.ID].Status = domain.RoomFlagged

	if _, _, err := f.svc.JoinRoom(ctx, f.userB, rm.Code, "Alex", "my wife"); !errors.Is(err, ErrRoomUnavailable) {
		t.Errorf("join flagged room: got %v, want ErrRoomUnavailable", err)
	}
}

func TestJoinCompletedRoomRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rm, _ := f.svc.CreateRoom(ctx, f.userA, "Sam", "my husband")
	f.repo.rooms[rm.ID].Status = domain.RoomCompleted

	if _, _, err := f.svc.JoinRoom(ctx, f.userB, rm.Code, "Alex", "my wife"); !errors.Is(err, ErrRoomUnavailable) {
		t.Errorf("join completed room: got %v, want ErrRoomUnavailable", err)
	}
}

func TestUpdateEntryFreezesOnSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rm := f.createdRoom(t)

	// Draft saves are repeatable.
	if _, err := f.svc.UpdateEntry(ctx, rm.ID, f.userA, "draft one", false); err != nil {
		t.Fatalf("draft save: %v", err)
	}
	if _, err := f.svc.UpdateEntry(ctx, rm.ID, f.userA, "draft two", false); err != nil {
		t.Fatalf("second draft save: %v", err)
	}

	both, err := f.svc.UpdateEntry(ctx, rm.ID, f.userA, "final text", true)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if both {
		t.Error("one submission should not report both submitted")
	}

	// Submitted entries are immutable.
	if _, err := f.svc.UpdateEntry(ctx, rm.ID, f.userA, "sneaky edit", false); !errors.Is(err, ErrValidation) {
		t.Errorf("edit after submit: got %v, want validation error", err)
	}

	both, err = f.svc.UpdateEntry(ctx, rm.ID, f.userB, "my side", true)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !both {
		t.Error("expected both submitted after second submission")
	}
	room, _ := f.repo.GetRoom(ctx, rm.ID)
	if room.Status != domain.RoomReady {
		t.Errorf("room status = %q, want ready", room.Status)
	}
}

func TestAnalyzeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rm := f.analyzedRoom(t, "I do all the dishes", "I feel nagged")

	analysis, cached, err := f.svc.Analyze(ctx, rm.ID, f.userB)
	if err != nil {
		t.Fatalf("second analyze: %v", err)
	}
	if !cached {
		t.Error("second analyze should return the cached analysis")
	}
	if analysis == nil || analysis.Payload.NeutralAgenda == "" {
		t.Error("cached analysis missing payload")
	}
	if f.ai.analyzeCalls != 1 {
		t.Errorf("analyze calls = %d, want 1", f.ai.analyzeCalls)
	}

	room, _ := f.repo.GetRoom(ctx, rm.ID)
	if room.Status != domain.RoomRevealed {
		t.Errorf("room status = %q, want revealed", room.Status)
	}
}

func TestAnalyzeRequiresBothSubmissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rm := f.createdRoom(t)
	if _, err := f.svc.UpdateEntry(ctx, rm.ID, f.userA, "only mine", true); err != nil {
		t.Fatal(err)
	}

	if _, _, err := f.svc.Analyze(ctx, rm.ID, f.userA); !errors.Is(err, ErrValidation) {
		t.Errorf("analyze with one submission: got %v, want validation error", err)
	}
}

func TestAnalyzeCriticalShortCircuit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rm := f.analyzedRoom(t, "sometimes I want to die", "we argue about money")

	if f.ai.analyzeCalls != 0 {
		t.Errorf("collaborator called %d times for critical content, want 0", f.ai.analyzeCalls)
	}
	analysis, _ := f.repo.GetAnalysis(ctx, rm.ID)
	if analysis.SafetyLevel != domain.SafetyCritical {
		t.Errorf("safety level = %q, want critical", analysis.SafetyLevel)
	}
	if analysis.Payload.NeutralAgenda != "This conversation requires professional support." {
		t.Errorf("unexpected placeholder agenda: %q", analysis.Payload.NeutralAgenda)
	}
	room, _ := f.repo.GetRoom(ctx, rm.ID)
	if room.Status != domain.RoomFlagged {
		t.Errorf("room status = %q, want flagged", room.Status)
	}
}

func TestAnalyzeWarningFloor(t *testing.T) {
	f := newFixture(t)
	// The model reports normal but the pre-filter found a warning keyword;
	// the stored level must stay at warning.
	f.ai.analyzeFn = func(req ai.AnalyzeRequest) (*domain.AnalysisPayload, error) {
		return normalPayload(0, 0), nil
	}
	rm := f.analyzedRoom(t, "I am scared of you sometimes", "we argue about money")

	analysis, _ := f.repo.GetAnalysis(context.Background(), rm.ID)
	if analysis.SafetyLevel != domain.SafetyWarning {
		t.Errorf("safety level = %q, want warning floor", analysis.SafetyLevel)
	}
}

func TestAnalyzeModelEscalation(t *testing.T) {
	f := newFixture(t)
	f.ai.analyzeFn = func(req ai.AnalyzeRequest) (*domain.AnalysisPayload, error) {
		p := normalPayload(0, 0)
		p.SafetyLevel = domain.SafetyCritical
		return p, nil
	}
	rm := f.analyzedRoom(t, "plain text", "plain text too")

	analysis, _ := f.repo.GetAnalysis(context.Background(), rm.ID)
	if analysis.SafetyLevel != domain.SafetyCritical {
		t.Errorf("safety level = %q, want model-escalated critical", analysis.SafetyLevel)
	}
	room, _ := f.repo.GetRoom(context.Background(), rm.ID)
	if room.Status != domain.RoomFlagged {
		t.Errorf("room status = %q, want flagged", room.Status)
	}
}

func TestAnalyzeFailure(t *testing.T) {
	f := newFixture(t)
	f.ai.analyzeFn = func(req ai.AnalyzeRequest) (*domain.AnalysisPayload, error) {
		return nil, errors.New("model down")
	}
	ctx := context.Background()
	rm := f.createdRoom(t)
	f.svc.UpdateEntry(ctx, rm.ID, f.userA, "side a", true)
	f.svc.UpdateEntry(ctx, rm.ID, f.userB, "side b", true)

	if _, _, err := f.svc.Analyze(ctx, rm.ID, f.userA); !errors.Is(err, ErrAnalysisFailed) {
		t.Errorf("got %v, want ErrAnalysisFailed", err)
	}
	// Nothing persisted, so a retry can succeed.
	if a, _ := f.repo.GetAnalysis(ctx, rm.ID); a != nil {
		t.Error("failed analysis should not persist")
	}
}

func TestStartChatFirstSpeaker(t *testing.T) {
	tests := []struct {
		name       string
		sentimentA float64
		sentimentB float64
		wantFirst  string // "A" or "B"
	}{
		{"lower sentiment A goes first", -0.5, 0.2, "A"},
		{"lower sentiment B goes first", 0.3, -0.1, "B"},
		{"tie goes to first joiner", 0.0, 0.0, "A"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.ai.analyzeFn = func(req ai.AnalyzeRequest) (*domain.AnalysisPayload, error) {
				return normalPayload(tt.sentimentA, tt.sentimentB), nil
			}
			rm := f.analyzedRoom(t, "side a", "side b")

			ts, err := f.svc.StartChat(context.Background(), rm.ID, f.userA)
			if err != nil {
				t.Fatalf("StartChat: %v", err)
			}
			wantUser := f.userA
			if tt.wantFirst == "B" {
				wantUser = f.userB
			}
			if ts.CurrentUserID != wantUser {
				t.Errorf("first speaker = %q, want %q", ts.CurrentUserID, wantUser)
			}
			if ts.Guidance == nil || !ts.Guidance.Initialized || ts.Guidance.FirstSpeaker != tt.wantFirst {
				t.Errorf("guidance seed = %+v, want initialized firstSpeaker=%s", ts.Guidance, tt.wantFirst)
			}
		})
	}
}

func TestStartChatIdempotent(t *testing.T) {
	f := newFixture(t)
	rm := f.chatRoom(t)
	ctx := context.Background()

	before, _ := f.repo.GetTurnState(ctx, rm.ID)
	again, err := f.svc.StartChat(ctx, rm.ID, f.userB)
	if err != nil {
		t.Fatalf("second StartChat: %v", err)
	}
	if again.CurrentUserID != before.CurrentUserID {
		t.Error("second StartChat changed the turn holder")
	}
	room, _ := f.repo.GetRoom(ctx, rm.ID)
	if room.Status != domain.RoomInProgress {
		t.Errorf("room status = %q, want in_progress", room.Status)
	}
}

func TestPostMessageAdvancesTurn(t *testing.T) {
	f := newFixture(t)
	rm := f.chatRoom(t)
	ctx := context.Background()

	msg, guidance, err := f.svc.PostMessage(ctx, rm.ID, f.userA, "I feel unheard about chores", []string{"Hurt"}, domain.ToneAnalysis{})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if msg.ID == "" || msg.Text != "I feel unheard about chores" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if guidance == nil || guidance.ConversationInsight == "" {
		t.Errorf("expected guidance, got %+v", guidance)
	}

	ts, _ := f.repo.GetTurnState(ctx, rm.ID)
	if ts.CurrentUserID != f.userB {
		t.Errorf("turn holder = %q, want partner", ts.CurrentUserID)
	}

	// Partner can now speak, original sender cannot.
	if _, _, err := f.svc.PostMessage(ctx, rm.ID, f.userA, "me again", []string{"Calm"}, domain.ToneAnalysis{}); !errors.Is(err, ErrNotYourTurn) {
		t.Errorf("out of turn message: got %v, want ErrNotYourTurn", err)
	}
	if _, _, err := f.svc.PostMessage(ctx, rm.ID, f.userB, "thanks for sharing", []string{"Calm"}, domain.ToneAnalysis{}); err != nil {
		t.Errorf("partner turn: %v", err)
	}
}

func TestPostMessageGuidanceFailureStillAdvances(t *testing.T) {
	f := newFixture(t)
	f.ai.guideFn = func(req ai.GuideRequest) (*domain.Guidance, error) {
		return nil, errors.New("model down")
	}
	rm := f.chatRoom(t)
	ctx := context.Background()

	msg, guidance, err := f.svc.PostMessage(ctx, rm.ID, f.userA, "hello", []string{"Calm"}, domain.ToneAnalysis{})
	if err != nil {
		t.Fatalf("PostMessage with failing guidance: %v", err)
	}
	if guidance != nil {
		t.Error("expected nil guidance on collaborator failure")
	}
	if msg == nil {
		t.Fatal("message should still persist")
	}
	ts, _ := f.repo.GetTurnState(ctx, rm.ID)
	if ts.CurrentUserID != f.userB {
		t.Error("turn should advance even without guidance")
	}
	messages, _ := f.repo.ListMessages(ctx, rm.ID)
	if len(messages) != 1 {
		t.Errorf("message count = %d, want 1", len(messages))
	}
}

func TestPostMessageHardBlock(t *testing.T) {
	f := newFixture(t)
	rm := f.chatRoom(t)

	_, _, err := f.svc.PostMessage(context.Background(), rm.ID, f.userA, "I will kill you", []string{"Angry"}, domain.ToneAnalysis{})
	if !errors.Is(err, ErrMessageBlocked) {
		t.Fatalf("got %v, want ErrMessageBlocked", err)
	}
	messages, _ := f.repo.ListMessages(context.Background(), rm.ID)
	if len(messages) != 0 {
		t.Error("blocked message must not persist")
	}
	ts, _ := f.repo.GetTurnState(context.Background(), rm.ID)
	if ts.CurrentUserID != f.userA {
		t.Error("blocked message must not advance the turn")
	}
}

func TestPostMessageValidation(t *testing.T) {
	f := newFixture(t)
	rm := f.chatRoom(t)
	ctx := context.Background()

	long := make([]byte, 5001)
	for i := range long {
		long[i] = 'x'
	}

	tests := []struct {
		name   string
		text   string
		labels []string
	}{
		{"empty text", "   ", []string{"Calm"}},
		{"too long", string(long), []string{"Calm"}},
		{"no labels", "hello", nil},
		{"too many labels", "hello", []string{"a", "b", "c", "d"}},
		{"blank label", "hello", []string{"  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := f.svc.PostMessage(ctx, rm.ID, f.userA, tt.text, tt.labels, domain.ToneAnalysis{}); !errors.Is(err, ErrValidation) {
				t.Errorf("got %v, want validation error", err)
			}
		})
	}
}

func TestPostMessageRequiresChat(t *testing.T) {
	f := newFixture(t)
	rm := f.analyzedRoom(t, "side a", "side b")

	if _, _, err := f.svc.PostMessage(context.Background(), rm.ID, f.userA, "hello", []string{"Calm"}, domain.ToneAnalysis{}); !errors.Is(err, ErrChatNotStarted) {
		t.Errorf("got %v, want ErrChatNotStarted", err)
	}
}

func TestCheckToneBlocksDeterministically(t *testing.T) {
	f := newFixture(t)
	rm := f.chatRoom(t)
	toneCalled := false
	f.ai.checkToneFn = func(req ai.ToneCheckRequest) (*domain.ToneCheckResult, error) {
		toneCalled = true
		return &domain.ToneCheckResult{Decision: domain.ToneAllow}, nil
	}

	result, err := f.svc.CheckTone(context.Background(), rm.ID, f.userA, "i'm coming for you", []string{"Angry"})
	if err != nil {
		t.Fatalf("CheckTone: %v", err)
	}
	if result.Decision != domain.ToneBlock {
		t.Errorf("decision = %q, want block", result.Decision)
	}
	if toneCalled {
		t.Error("collaborator must not be consulted for deterministic blocks")
	}
}

func TestCheckToneFailsClosed(t *testing.T) {
	f := newFixture(t)
	rm := f.chatRoom(t)
	f.ai.checkToneFn = func(req ai.ToneCheckRequest) (*domain.ToneCheckResult, error) {
		return nil, errors.New("model down")
	}

	result, err := f.svc.CheckTone(context.Background(), rm.ID, f.userA, "you never listen", []string{"Frustrated"})
	if err != nil {
		t.Fatalf("CheckTone should not fail: %v", err)
	}
	if result.Decision != domain.ToneWarn {
		t.Errorf("decision = %q, want fail-closed warn", result.Decision)
	}
	if result.Warning == "" {
		t.Error("fail-closed result should carry a warning")
	}
}

func TestCheckTonePersistsNothing(t *testing.T) {
	f := newFixture(t)
	rm := f.chatRoom(t)
	ctx := context.Background()

	if _, err := f.svc.CheckTone(ctx, rm.ID, f.userA, "I feel tired of this", []string{"Sad"}); err != nil {
		t.Fatalf("CheckTone: %v", err)
	}
	messages, _ := f.repo.ListMessages(ctx, rm.ID)
	if len(messages) != 0 {
		t.Error("tone check must not persist messages")
	}
	ts, _ := f.repo.GetTurnState(ctx, rm.ID)
	if ts.CurrentUserID != f.userA {
		t.Error("tone check must not advance the turn")
	}
}

func TestCheckToneRespectsTurn(t *testing.T) {
	f := newFixture(t)
	rm := f.chatRoom(t)

	if _, err := f.svc.CheckTone(context.Background(), rm.ID, f.userB, "my thoughts", []string{"Calm"}); !errors.Is(err, ErrNotYourTurn) {
		t.Errorf("got %v, want ErrNotYourTurn", err)
	}
}

func TestPauseLifecycle(t *testing.T) {
	f := newFixture(t)
	rm := f.chatRoom(t)
	ctx := context.Background()

	// Only the turn holder may pause.
	if _, _, err := f.svc.StartPause(ctx, rm.ID, f.userB); !errors.Is(err, ErrNotYourTurn) {
		t.Errorf("non-holder pause: got %v, want ErrNotYourTurn", err)
	}

	pause, remaining, err := f.svc.StartPause(ctx, rm.ID, f.userA)
	if err != nil {
		t.Fatalf("StartPause: %v", err)
	}
	if pause.PauseIndex != 1 || remaining != 1 {
		t.Errorf("pauseIndex=%d remaining=%d, want 1 and 1", pause.PauseIndex, remaining)
	}
	if got := pause.ResumeAt.Sub(pause.PausedAt); got != 5*time.Minute {
		t.Errorf("pause duration = %s, want 5m", got)
	}

	// No stacking.
	if _, _, err := f.svc.StartPause(ctx, rm.ID, f.userA); !errors.Is(err, ErrAlreadyPaused) {
		t.Errorf("double pause: got %v, want ErrAlreadyPaused", err)
	}

	// Messages are rejected while paused, with the resume time attached.
	_, _, err = f.svc.PostMessage(ctx, rm.ID, f.userA, "hello", []string{"Calm"}, domain.ToneAnalysis{})
	if !errors.Is(err, ErrPaused) {
		t.Fatalf("message during pause: got %v, want ErrPaused", err)
	}
	var pausedErr *PausedError
	if !errors.As(err, &pausedErr) || !pausedErr.ResumeAt.Equal(pause.ResumeAt) {
		t.Errorf("paused error missing resume time: %v", err)
	}
}

func TestPauseLazyExpiry(t *testing.T) {
	f := newFixture(t)
	rm := f.chatRoom(t)
	ctx := context.Background()

	if _, _, err := f.svc.StartPause(ctx, rm.ID, f.userA); err != nil {
		t.Fatal(err)
	}
	f.advance(5*time.Minute + time.Second)

	// The expired pause no longer blocks and gets completed in passing.
	if _, _, err := f.svc.PostMessage(ctx, rm.ID, f.userA, "back now", []string{"Calm"}, domain.ToneAnalysis{}); err != nil {
		t.Fatalf("message after expiry: %v", err)
	}
	active, _ := f.repo.GetActivePause(ctx, rm.ID)
	if active != nil {
		t.Error("expired pause should be completed lazily")
	}
}

func TestPauseQuota(t *testing.T) {
	f := newFixture(t)
	rm := f.chatRoom(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, _, err := f.svc.StartPause(ctx, rm.ID, f.userA); err != nil {
			t.Fatalf("pause %d: %v", i+1, err)
		}
		if err := f.svc.EndPauseEarly(ctx, rm.ID, f.userA); err != nil {
			t.Fatalf("end pause %d: %v", i+1, err)
		}
	}

	if _, _, err := f.svc.StartPause(ctx, rm.ID, f.userA); !errors.Is(err, ErrNoPausesLeft) {
		t.Errorf("third pause: got %v, want ErrNoPausesLeft", err)
	}

	// Ending early does not refund quota, but the partner still has theirs.
	state, err := f.svc.GetPauseState(ctx, rm.ID, f.userB)
	if err != nil {
		t.Fatal(err)
	}
	if state.PauseCounts[f.userA] != 2 || state.PauseCounts[f.userB] != 0 {
		t.Errorf("pause counts = %v", state.PauseCounts)
	}
}

func TestEndPauseEarlyByEitherMember(t *testing.T) {
	f := newFixture(t)
	rm := f.chatRoom(t)
	ctx := context.Background()

	if _, _, err := f.svc.StartPause(ctx, rm.ID, f.userA); err != nil {
		t.Fatal(err)
	}
	// The non-initiator may end it.
	if err := f.svc.EndPauseEarly(ctx, rm.ID, f.userB); err != nil {
		t.Fatalf("partner ending pause: %v", err)
	}
	if err := f.svc.EndPauseEarly(ctx, rm.ID, f.userA); !errors.Is(err, ErrNoActivePause) {
		t.Errorf("ending twice: got %v, want ErrNoActivePause", err)
	}
}

func TestEndRequestProtocol(t *testing.T) {
	f := newFixture(t)
	rm := f.chatRoom(t)
	ctx := context.Background()

	ts, err := f.svc.RequestEnd(ctx, rm.ID, f.userA)
	if err != nil {
		t.Fatalf("RequestEnd: %v", err)
	}
	if !ts.EndRequestPending || ts.EndRequestedBy != f.userA {
		t.Errorf("turn state after request: %+v", ts)
	}

	// Only one pending request at a time.
	if _, err := f.svc.RequestEnd(ctx, rm.ID, f.userB); !errors.Is(err, ErrEndRequestPending) {
		t.Errorf("second request: got %v, want ErrEndRequestPending", err)
	}

	// The requester cannot answer their own request.
	if _, err := f.svc.RespondToEnd(ctx, rm.ID, f.userA, true); !errors.Is(err, ErrOwnEndRequest) {
		t.Errorf("self response: got %v, want ErrOwnEndRequest", err)
	}

	// Decline clears the request and chat continues.
	ts, err = f.svc.RespondToEnd(ctx, rm.ID, f.userB, false)
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if ts.EndRequestPending {
		t.Error("decline should clear the pending request")
	}
	room, _ := f.repo.GetRoom(ctx, rm.ID)
	if room.Status != domain.RoomInProgress {
		t.Errorf("room status after decline = %q, want in_progress", room.Status)
	}

	// A fresh request can then be accepted.
	if _, err := f.svc.RequestEnd(ctx, rm.ID, f.userB); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RespondToEnd(ctx, rm.ID, f.userA, true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	room, _ = f.repo.GetRoom(ctx, rm.ID)
	if room.Status != domain.RoomCompleted {
		t.Errorf("room status after accept = %q, want completed", room.Status)
	}
	if room.CompletedAt == nil || room.DeleteAt == nil {
		t.Error("accept should stamp completion and schedule deletion")
	}
}

func TestCancelEndRequest(t *testing.T) {
	f := newFixture(t)
	rm := f.chatRoom(t)
	ctx := context.Background()

	if _, err := f.svc.CancelEnd(ctx, rm.ID, f.userA); !errors.Is(err, ErrNoEndRequest) {
		t.Errorf("cancel without request: got %v, want ErrNoEndRequest", err)
	}

	if _, err := f.svc.RequestEnd(ctx, rm.ID, f.userA); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CancelEnd(ctx, rm.ID, f.userB); !errors.Is(err, ErrNotRequester) {
		t.Errorf("partner cancel: got %v, want ErrNotRequester", err)
	}
	ts, err := f.svc.CancelEnd(ctx, rm.ID, f.userA)
	if err != nil {
		t.Fatalf("own cancel: %v", err)
	}
	if ts.EndRequestPending {
		t.Error("cancel should clear the pending request")
	}
}

func TestCompleteSession(t *testing.T) {
	f := newFixture(t)
	rm := f.chatRoom(t)
	ctx := context.Background()

	f.advance(30 * time.Minute)
	afterA, afterB := 0.6, 0.4
	err := f.svc.CompleteSession(ctx, rm.ID, f.userA, CompleteRequest{
		CompromiseSelected: "alternate dish nights",
		SentimentAfterA:    &afterA,
		SentimentAfterB:    &afterB,
		PauseCount:         1,
	})
	if err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}

	if len(f.repo.research) != 1 {
		t.Fatalf("research records = %d, want 1", len(f.repo.research))
	}
	rec := f.repo.research[0]
	if rec.SessionOutcome != "completed" {
		t.Errorf("outcome = %q, want completed", rec.SessionOutcome)
	}
	if rec.ResolutionTimeSeconds != 1800 {
		t.Errorf("resolution seconds = %d, want 1800", rec.ResolutionTimeSeconds)
	}
	// Default fixture analysis has sentimentA=-0.5, so the shift is 1.1.
	if rec.SentimentShiftA == nil || math.Abs(*rec.SentimentShiftA-1.1) > 1e-9 {
		t.Errorf("sentiment shift A = %v, want 1.1", rec.SentimentShiftA)
	}

	room, _ := f.repo.GetRoom(ctx, rm.ID)
	if room.Status != domain.RoomCompleted || room.DeleteAt == nil {
		t.Errorf("room not completed with retention horizon: %+v", room)
	}
	if got := room.DeleteAt.Sub(*room.CompletedAt); got != 7*24*time.Hour {
		t.Errorf("retention window = %s, want 168h", got)
	}

	analysis, _ := f.repo.GetAnalysis(ctx, rm.ID)
	if analysis.SentimentAfterA == nil || *analysis.SentimentAfterA != 0.6 {
		t.Errorf("post sentiment A = %v, want 0.6", analysis.SentimentAfterA)
	}
}

func TestCompleteSessionAnonymizesEntries(t *testing.T) {
	f := newFixture(t)
	rm := f.analyzedRoom(t,
		"John Smith keeps emailing me at john@example.com",
		"call me at 555-123-4567 about this")
	if _, err := f.svc.StartChat(context.Background(), rm.ID, f.userA); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.CompleteSession(context.Background(), rm.ID, f.userA, CompleteRequest{}); err != nil {
		t.Fatal(err)
	}
	rec := f.repo.research[0]
	if rec.AnonymizedTextA != "[NAME] keeps emailing me at [EMAIL]" {
		t.Errorf("anonymized A = %q", rec.AnonymizedTextA)
	}
	if rec.AnonymizedTextB != "call me at [PHONE] about this" {
		t.Errorf("anonymized B = %q", rec.AnonymizedTextB)
	}
}

func TestMembershipRequired(t *testing.T) {
	f := newFixture(t)
	rm := f.chatRoom(t)
	ctx := context.Background()
	outsider := "user-c"

	if _, err := f.svc.GetRoomView(ctx, rm.ID, outsider); !errors.Is(err, ErrNotMember) {
		t.Errorf("GetRoomView: got %v, want ErrNotMember", err)
	}
	if _, _, err := f.svc.PostMessage(ctx, rm.ID, outsider, "hi", []string{"Calm"}, domain.ToneAnalysis{}); !errors.Is(err, ErrNotMember) {
		t.Errorf("PostMessage: got %v, want ErrNotMember", err)
	}
	if _, err := f.svc.GetRoomView(ctx, "missing-room", f.userA); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("missing room: got %v, want ErrRoomNotFound", err)
	}
}

func TestGetRoomViewHidesPartnerEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rm := f.createdRoom(t)
	f.svc.UpdateEntry(ctx, rm.ID, f.userB, "my private side", true)

	view, err := f.svc.GetRoomView(ctx, rm.ID, f.userA)
	if err != nil {
		t.Fatal(err)
	}
	if view.Entry != nil && view.Entry.UserID != f.userA {
		t.Error("view leaked the partner's entry")
	}
	if !view.PartnerSubmitted {
		t.Error("partner submission state should be visible")
	}
}
