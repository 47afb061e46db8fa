// Package room implements the conflict resolution session workflow: room
// lifecycle, private entries, analysis, turn-based chat, pauses, and the
// mutual end protocol.
package room

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/commonground-labs/commonground/internal/ai"
	"github.com/commonground-labs/commonground/internal/domain"
	"github.com/commonground-labs/commonground/internal/safety"
	"github.com/commonground-labs/commonground/internal/store"
)

const (
	maxMessageLength   = 5000
	maxEntryLength     = 5000
	maxToneLabelLength = 50
	codeLength         = 6
	codeAttempts       = 10
)

// Room codes avoid ambiguous characters (0/O, 1/I/L).
const codeChars = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

// Config tunes session behavior.
type Config struct {
	PauseDuration    time.Duration
	MaxPausesPerUser int
	RetentionPeriod  time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PauseDuration:    5 * time.Minute,
		MaxPausesPerUser: 2,
		RetentionPeriod:  7 * 24 * time.Hour,
	}
}

// Service coordinates all room commands against the store and the AI
// collaborator.
type Service struct {
	repo   store.Repository
	ai     ai.Collaborator
	logger *slog.Logger
	cfg    Config

	// now is swappable in tests.
	now func() time.Time
}

// NewService creates a room service.
func NewService(repo store.Repository, collaborator ai.Collaborator, logger *slog.Logger, cfg Config) *Service {
	if cfg.PauseDuration == 0 {
		cfg.PauseDuration = DefaultConfig().PauseDuration
	}
	if cfg.MaxPausesPerUser == 0 {
		cfg.MaxPausesPerUser = DefaultConfig().MaxPausesPerUser
	}
	if cfg.RetentionPeriod == 0 {
		cfg.RetentionPeriod = DefaultConfig().RetentionPeriod
	}
	return &Service{
		repo:   repo,
		ai:     collaborator,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

func generateCode() (string, error) {
	b := make([]byte, codeLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	for i := range b {
		b[i] = codeChars[int(b[i])%len(codeChars)]
	}
	return string(b), nil
}

// requireMember loads the room and checks membership.
func (s *Service) requireMember(ctx context.Context, roomID, userID string) (*domain.Room, *domain.Member, error) {
	rm, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, nil, fmt.Errorf("get room: %w", err)
	}
	if rm == nil {
		return nil, nil, ErrRoomNotFound
	}
	member, err := s.repo.GetMember(ctx, roomID, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("get member: %w", err)
	}
	if member == nil {
		return nil, nil, ErrNotMember
	}
	return rm, member, nil
}

func (s *Service) appendEvent(ctx context.Context, roomID, userID, eventType string, metadata map[string]any) {
	event := &domain.Event{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		UserID:    userID,
		Type:      eventType,
		Metadata:  metadata,
		CreatedAt: s.now(),
	}
	if err := s.repo.AppendEvent(ctx, event); err != nil {
		// The audit log is best-effort; a failed append never fails the command.
		s.logger.Error("failed to append event", "type", eventType, "room_id", roomID, "error", err)
	}
}

// CreateRoom makes a new room with the creator as person A.
func (s *Service) CreateRoom(ctx context.Context, userID, displayName, relationship string) (*domain.Room, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, validationError("display name required")
	}
	if relationship == "" {
		return nil, validationError("relationship required")
	}

	now := s.now()
	var rm *domain.Room
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := generateCode()
		if err != nil {
			return nil, err
		}
		candidate := &domain.Room{
			ID:        uuid.NewString(),
			Code:      code,
			Status:    domain.RoomWaiting,
			CreatedAt: now,
		}
		err = s.repo.CreateRoom(ctx, candidate)
		if errors.Is(err, store.ErrCodeTaken) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create room: %w", err)
		}
		rm = candidate
		break
	}
	if rm == nil {
		return nil, errors.New("failed to generate unique room code")
	}

	member := &domain.Member{
		RoomID:       rm.ID,
		UserID:       userID,
		DisplayName:  displayName,
		Relationship: relationship,
		JoinedAt:     now,
	}
	if err := s.repo.AddMember(ctx, member); err != nil {
		return nil, fmt.Errorf("add creator: %w", err)
	}
	if err := s.repo.CreateEntry(ctx, rm.ID, userID, now); err != nil {
		return nil, fmt.Errorf("create entry: %w", err)
	}

	s.appendEvent(ctx, rm.ID, userID, domain.EventCreated, nil)
	return rm, nil
}

// JoinRoom adds a second participant by code. Rejoining is idempotent; the
// returned bool reports whether the user was already a member.
func (s *Service) JoinRoom(ctx context.Context, userID, code, displayName, relationship string) (*domain.Room, bool, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, false, validationError("room code is required")
	}

	rm, err := s.repo.GetRoomByCode(ctx, code)
	if err != nil {
		return nil, false, fmt.Errorf("get room by code: %w", err)
	}
	if rm == nil {
		// Generic error to prevent room enumeration.
		return nil, false, ErrRoomNotFound
	}
	if !rm.IsJoinable() {
		return nil, false, ErrRoomUnavailable
	}

	existing, err := s.repo.GetMember(ctx, rm.ID, userID)
	if err != nil {
		return nil, false, fmt.Errorf("get member: %w", err)
	}
	if existing != nil {
		return rm, true, nil
	}

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, false, validationError("display name required")
	}
	if relationship == "" {
		return nil, false, validationError("relationship required")
	}

	now := s.now()
	member := &domain.Member{
		RoomID:       rm.ID,
		UserID:       userID,
		DisplayName:  displayName,
		Relationship: relationship,
		JoinedAt:     now,
	}
	err = s.repo.AddMember(ctx, member)
	if errors.Is(err, store.ErrRoomFull) {
		return nil, false, ErrRoomFull
	}
	if errors.Is(err, store.ErrAlreadyMember) {
		return rm, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("add member: %w", err)
	}
	if err := s.repo.CreateEntry(ctx, rm.ID, userID, now); err != nil {
		return nil, false, fmt.Errorf("create entry: %w", err)
	}

	s.appendEvent(ctx, rm.ID, userID, domain.EventJoined, nil)
	return rm, false, nil
}

// RoomView is the membership-scoped room snapshot served to clients.
type RoomView struct {
	Room    *domain.Room     `json:"room"`
	Members []*domain.Member `json:"members"`
	Entry   *domain.Entry    `json:"entry"`

	// PartnerSubmitted reports the other entry's state without exposing
	// its text before reveal.
	PartnerSubmitted bool `json:"partner_submitted"`
}

// GetRoomView returns the room as seen by one member. The partner's entry
// text stays private.
func (s *Service) GetRoomView(ctx context.Context, roomID, userID string) (*RoomView, error) {
	rm, _, err := s.requireMember(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	members, err := s.repo.ListMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	entries, err := s.repo.ListEntries(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	view := &RoomView{Room: rm, Members: members}
	for _, e := range entries {
		if e.UserID == userID {
			view.Entry = e
		} else if e.Submitted() {
			view.PartnerSubmitted = true
		}
	}
	return view, nil
}

// UpdateEntry overwrites the caller's private entry. Submitting freezes it;
// once both entries are submitted the room becomes ready.
func (s *Service) UpdateEntry(ctx context.Context, roomID, userID, text string, submit bool) (bothSubmitted bool, err error) {
	if len(text) > maxEntryLength {
		return false, validationError("entry too long (max 5000 characters)")
	}
	if submit && strings.TrimSpace(text) == "" {
		return false, validationError("entry cannot be empty")
	}

	if _, _, err := s.requireMember(ctx, roomID, userID); err != nil {
		return false, err
	}

	var submittedAt *time.Time
	if submit {
		now := s.now()
		submittedAt = &now
	}
	err = s.repo.UpdateEntry(ctx, roomID, userID, text, submittedAt)
	if errors.Is(err, store.ErrEntryFrozen) {
		return false, validationError("entry already submitted")
	}
	if err != nil {
		return false, fmt.Errorf("update entry: %w", err)
	}

	if !submit {
		return false, nil
	}
	s.appendEvent(ctx, roomID, userID, domain.EventSubmitted, nil)

	entries, err := s.repo.ListEntries(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("list entries: %w", err)
	}
	submitted := 0
	for _, e := range entries {
		if e.Submitted() {
			submitted++
		}
	}
	if len(entries) == 2 && submitted == 2 {
		if err := s.repo.UpdateRoomStatus(ctx, roomID, domain.RoomReady); err != nil {
			return false, fmt.Errorf("mark room ready: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// orderedMembers returns person A then person B.
func (s *Service) orderedMembers(ctx context.Context, roomID string) (*domain.Member, *domain.Member, error) {
	members, err := s.repo.ListMembers(ctx, roomID)
	if err != nil {
		return nil, nil, fmt.Errorf("list members: %w", err)
	}
	if len(members) != 2 {
		return nil, nil, validationError("room must have 2 members")
	}
	return members[0], members[1], nil
}

// Analyze runs the one-time entry analysis. Safe to call from both sides;
// only the first caller reaches the collaborator and later calls get the
// stored result back.
func (s *Service) Analyze(ctx context.Context, roomID, userID string) (*domain.Analysis, bool, error) {
	if _, _, err := s.requireMember(ctx, roomID, userID); err != nil {
		return nil, false, err
	}

	existing, err := s.repo.GetAnalysis(ctx, roomID)
	if err != nil {
		return nil, false, fmt.Errorf("get analysis: %w", err)
	}
	if existing != nil {
		return existing, true, nil
	}

	memberA, memberB, err := s.orderedMembers(ctx, roomID)
	if err != nil {
		return nil, false, err
	}
	entries, err := s.repo.ListEntries(ctx, roomID)
	if err != nil {
		return nil, false, fmt.Errorf("list entries: %w", err)
	}
	if len(entries) != 2 {
		return nil, false, validationError("both entries required")
	}
	var entryA, entryB *domain.Entry
	for _, e := range entries {
		if e.UserID == memberA.UserID {
			entryA = e
		} else {
			entryB = e
		}
	}
	if entryA == nil || entryB == nil || !entryA.Submitted() || !entryB.Submitted() {
		return nil, false, validationError("both entries must be submitted")
	}

	// Deterministic pre-filter runs before any model call.
	preLevel := safety.Worst(safety.DetectLevel(entryA.Text), safety.DetectLevel(entryB.Text))
	if preLevel == domain.SafetyCritical {
		return s.flagCritical(ctx, roomID, userID)
	}

	payload, err := s.ai.Analyze(ctx, ai.AnalyzeRequest{
		EntryA:        entryA.Text,
		EntryB:        entryB.Text,
		RelationshipA: memberA.Relationship,
		RelationshipB: memberB.Relationship,
	})
	if err != nil {
		s.logger.Error("analysis failed", "room_id", roomID, "error", err)
		return nil, false, fmt.Errorf("%w: %s", ErrAnalysisFailed, err)
	}

	// The pre-filter level is a floor: the model can escalate the safety
	// level but never downgrade it.
	finalLevel := safety.Worst(preLevel, payload.SafetyLevel)
	payload.SafetyLevel = finalLevel

	var horsemen []string
	for _, p := range payload.PersonA.Patterns {
		horsemen = append(horsemen, p.Type)
	}
	for _, p := range payload.PersonB.Patterns {
		horsemen = append(horsemen, p.Type)
	}

	sentimentA := payload.PersonA.SentimentScore
	sentimentB := payload.PersonB.SentimentScore
	analysis := &domain.Analysis{
		RoomID:           roomID,
		Payload:          *payload,
		SafetyLevel:      finalLevel,
		Horsemen:         horsemen,
		ConflictCategory: payload.ConflictCategory,
		SentimentBeforeA: &sentimentA,
		SentimentBeforeB: &sentimentB,
		CreatedAt:        s.now(),
	}

	err = s.repo.InsertAnalysis(ctx, analysis)
	if errors.Is(err, store.ErrAnalysisExists) {
		// A concurrent caller won the insert; serve their result.
		stored, getErr := s.repo.GetAnalysis(ctx, roomID)
		if getErr != nil {
			return nil, false, fmt.Errorf("get analysis after conflict: %w", getErr)
		}
		return stored, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert analysis: %w", err)
	}

	newStatus := domain.RoomRevealed
	if finalLevel == domain.SafetyCritical {
		newStatus = domain.RoomFlagged
	}
	if err := s.repo.UpdateRoomStatus(ctx, roomID, newStatus); err != nil {
		return nil, false, fmt.Errorf("update room status: %w", err)
	}

	s.appendEvent(ctx, roomID, userID, domain.EventAnalyzed, map[string]any{"safetyLevel": string(finalLevel)})
	return analysis, false, nil
}

// flagCritical persists the fixed placeholder analysis and flags the room
// without consulting the collaborator.
func (s *Service) flagCritical(ctx context.Context, roomID, userID string) (*domain.Analysis, bool, error) {
	analysis := &domain.Analysis{
		RoomID:           roomID,
		Payload:          domain.CriticalPlaceholderPayload(),
		SafetyLevel:      domain.SafetyCritical,
		Horsemen:         []string{},
		ConflictCategory: "other",
		CreatedAt:        s.now(),
	}
	err := s.repo.InsertAnalysis(ctx, analysis)
	if errors.Is(err, store.ErrAnalysisExists) {
		stored, getErr := s.repo.GetAnalysis(ctx, roomID)
		if getErr != nil {
			return nil, false, fmt.Errorf("get analysis after conflict: %w", getErr)
		}
		return stored, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert critical analysis: %w", err)
	}
	if err := s.repo.UpdateRoomStatus(ctx, roomID, domain.RoomFlagged); err != nil {
		return nil, false, fmt.Errorf("flag room: %w", err)
	}
	s.appendEvent(ctx, roomID, userID, domain.EventAnalyzed, map[string]any{"safetyLevel": string(domain.SafetyCritical)})
	return analysis, false, nil
}

// GetAnalysis returns the stored analysis, or nil when not yet generated.
func (s *Service) GetAnalysis(ctx context.Context, roomID, userID string) (*domain.Analysis, error) {
	if _, _, err := s.requireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	analysis, err := s.repo.GetAnalysis(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	return analysis, nil
}

// StartChat initializes the turn state. The participant with the lower
// sentiment score speaks first; on a tie person A does. Idempotent.
func (s *Service) StartChat(ctx context.Context, roomID, userID string) (*domain.TurnState, error) {
	if _, _, err := s.requireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}

	existing, err := s.repo.GetTurnState(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("get turn state: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	analysis, err := s.repo.GetAnalysis(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	if analysis == nil {
		return nil, validationError("analysis not found")
	}

	memberA, memberB, err := s.orderedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}

	sentimentA := analysis.Payload.PersonA.SentimentScore
	sentimentB := analysis.Payload.PersonB.SentimentScore

	firstUserID := memberA.UserID
	firstSpeaker := "A"
	if sentimentA > sentimentB {
		firstUserID = memberB.UserID
		firstSpeaker = "B"
	}

	now := s.now()
	turnState := &domain.TurnState{
		RoomID:        roomID,
		CurrentUserID: firstUserID,
		LastTurnAt:    now,
		Guidance: &domain.Guidance{
			Initialized:  true,
			FirstSpeaker: firstSpeaker,
			Reason:       "Based on initial sentiment analysis",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.repo.CreateTurnState(ctx, turnState)
	if errors.Is(err, store.ErrTurnExists) {
		stored, getErr := s.repo.GetTurnState(ctx, roomID)
		if getErr != nil {
			return nil, fmt.Errorf("get turn state after conflict: %w", getErr)
		}
		return stored, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create turn state: %w", err)
	}

	if err := s.repo.UpdateRoomStatus(ctx, roomID, domain.RoomInProgress); err != nil {
		return nil, fmt.Errorf("update room status: %w", err)
	}

	s.appendEvent(ctx, roomID, userID, domain.EventChatStarted, map[string]any{"firstSpeaker": firstUserID})
	return turnState, nil
}

// GetTurnState returns the turn record, or nil when chat has not started.
func (s *Service) GetTurnState(ctx context.Context, roomID, userID string) (*domain.TurnState, error) {
	if _, _, err := s.requireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	turnState, err := s.repo.GetTurnState(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("get turn state: %w", err)
	}
	return turnState, nil
}

func validateMessageInput(text string, toneLabels []string) error {
	if strings.TrimSpace(text) == "" {
		return validationError("message cannot be empty")
	}
	if len(text) > maxMessageLength {
		return validationError("message too long (max 5000 characters)")
	}
	if len(toneLabels) < 1 || len(toneLabels) > 3 {
		return validationError("between 1-3 tone labels required")
	}
	for _, label := range toneLabels {
		if strings.TrimSpace(label) == "" {
			return validationError("all tone labels must be non-empty")
		}
		if len(label) > maxToneLabelLength {
			return validationError("tone labels too long (max 50 characters)")
		}
	}
	return nil
}

// requireTurn checks that chat has started, it is the caller's turn, and no
// pause is in effect. Expired pauses are completed lazily here.
func (s *Service) requireTurn(ctx context.Context, roomID, userID string) (*domain.TurnState, error) {
	turnState, err := s.repo.GetTurnState(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("get turn state: %w", err)
	}
	if turnState == nil {
		return nil, ErrChatNotStarted
	}
	if turnState.CurrentUserID != userID {
		return nil, ErrNotYourTurn
	}

	pause, err := s.repo.GetActivePause(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("get active pause: %w", err)
	}
	if pause != nil {
		if !pause.Expired(s.now()) {
			return nil, &PausedError{ResumeAt: pause.ResumeAt}
		}
		if err := s.repo.CompletePause(ctx, pause.ID); err != nil {
			return nil, fmt.Errorf("complete expired pause: %w", err)
		}
	}
	return turnState, nil
}

// CheckTone runs the advisory pre-send tone gate. It persists nothing and
// never advances the turn. When the collaborator is unavailable the result
// fails closed to a warning.
func (s *Service) CheckTone(ctx context.Context, roomID, userID, text string, toneLabels []string) (*domain.ToneCheckResult, error) {
	if err := validateMessageInput(text, toneLabels); err != nil {
		return nil, err
	}
	if _, _, err := s.requireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	if _, err := s.requireTurn(ctx, roomID, userID); err != nil {
		return nil, err
	}

	// Deterministic pre-check short-circuits the model entirely.
	if safety.ShouldBlock(text) {
		return &domain.ToneCheckResult{
			Decision:        domain.ToneBlock,
			ToneSummary:     "This message contains language that cannot be sent.",
			SuggestedLabels: toneLabels,
			Warning:         "Messages containing threats of violence or highly abusive language cannot be sent. Please rephrase your message.",
		}, nil
	}

	messages, err := s.repo.ListMessages(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	var contextLines []string
	start := len(messages) - 5
	if start < 0 {
		start = 0
	}
	for _, m := range messages[start:] {
		contextLines = append(contextLines, fmt.Sprintf("- %q", m.Text))
	}

	result, err := s.ai.CheckTone(ctx, ai.ToneCheckRequest{
		Message:             text,
		ConversationContext: strings.Join(contextLines, "\n"),
	})
	if err != nil {
		s.logger.Warn("tone check unavailable, failing closed", "room_id", roomID, "error", err)
		return &domain.ToneCheckResult{
			Decision:        domain.ToneWarn,
			ToneSummary:     "Tone analysis unavailable. Please review your message carefully before sending.",
			SuggestedLabels: toneLabels,
			Warning:         "Our tone analysis system is temporarily unavailable. Please ensure your message is respectful and constructive.",
		}, nil
	}
	return result, nil
}

// PostMessage commits a chat message. Gate order: validation, turn, pause,
// hard block, persist, guidance (best-effort), advance turn. The message is
// already committed by the time guidance runs, so a collaborator failure
// never loses a message.
func (s *Service) PostMessage(ctx context.Context, roomID, userID, text string, toneLabels []string, toneAnalysis domain.ToneAnalysis) (*domain.Message, *domain.Guidance, error) {
	if err := validateMessageInput(text, toneLabels); err != nil {
		return nil, nil, err
	}
	if _, _, err := s.requireMember(ctx, roomID, userID); err != nil {
		return nil, nil, err
	}
	if _, err := s.requireTurn(ctx, roomID, userID); err != nil {
		return nil, nil, err
	}
	if safety.ShouldBlock(text) {
		return nil, nil, ErrMessageBlocked
	}

	memberA, memberB, err := s.orderedMembers(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	partnerID := memberA.UserID
	currentSpeaker := "B"
	if userID == memberA.UserID {
		partnerID = memberB.UserID
		currentSpeaker = "A"
	}

	msg := &domain.Message{
		ID:           uuid.NewString(),
		RoomID:       roomID,
		UserID:       userID,
		Text:         text,
		ToneLabels:   toneLabels,
		ToneAnalysis: toneAnalysis,
		CreatedAt:    s.now(),
	}
	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		return nil, nil, fmt.Errorf("insert message: %w", err)
	}

	guidance := s.fetchGuidance(ctx, roomID, currentSpeaker, memberA, memberB)

	err = s.repo.AdvanceTurn(ctx, roomID, userID, partnerID, guidance, s.now())
	if errors.Is(err, store.ErrTurnConflict) {
		// A concurrent command moved the turn between the gate and the flip.
		return nil, nil, ErrNotYourTurn
	}
	if err != nil {
		return nil, nil, fmt.Errorf("advance turn: %w", err)
	}

	s.appendEvent(ctx, roomID, userID, domain.EventMessageSent, map[string]any{
		"messageId":  msg.ID,
		"toneLabels": toneLabels,
	})
	return msg, guidance, nil
}

// fetchGuidance asks the collaborator for post-message guidance. Failures
// are logged and swallowed; the turn still advances without guidance.
func (s *Service) fetchGuidance(ctx context.Context, roomID, currentSpeaker string, memberA, memberB *domain.Member) *domain.Guidance {
	messages, err := s.repo.ListMessages(ctx, roomID)
	if err != nil {
		s.logger.Error("failed to load messages for guidance", "room_id", roomID, "error", err)
		return nil
	}

	contextSummary := "A conflict resolution conversation"
	if analysis, err := s.repo.GetAnalysis(ctx, roomID); err == nil && analysis != nil && analysis.Payload.NeutralAgenda != "" {
		contextSummary = analysis.Payload.NeutralAgenda
	}

	history := make([]ai.ChatMessage, 0, len(messages))
	for _, m := range messages {
		speaker := "B"
		if m.UserID == memberA.UserID {
			speaker = "A"
		}
		history = append(history, ai.ChatMessage{Speaker: speaker, Text: m.Text, ToneLabels: m.ToneLabels})
	}

	guidance, err := s.ai.Guide(ctx, ai.GuideRequest{
		Messages:       history,
		CurrentSpeaker: currentSpeaker,
		ContextSummary: contextSummary,
		PersonA:        ai.Person{Name: memberA.DisplayName, Relationship: memberA.Relationship},
		PersonB:        ai.Person{Name: memberB.DisplayName, Relationship: memberB.Relationship},
	})
	if err != nil {
		s.logger.Warn("guidance unavailable", "room_id", roomID, "error", err)
		return nil
	}
	return guidance
}

// ListMessages returns the conversation in order.
func (s *Service) ListMessages(ctx context.Context, roomID, userID string) ([]*domain.Message, error) {
	if _, _, err := s.requireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	messages, err := s.repo.ListMessages(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// StartPause begins a cooling-off pause. Only the turn holder may pause,
// one pause can be active at a time, and each user gets a fixed quota for
// the whole session.
func (s *Service) StartPause(ctx context.Context, roomID, userID string) (*domain.Pause, int, error) {
	if _, _, err := s.requireMember(ctx, roomID, userID); err != nil {
		return nil, 0, err
	}

	turnState, err := s.repo.GetTurnState(ctx, roomID)
	if err != nil {
		return nil, 0, fmt.Errorf("get turn state: %w", err)
	}
	if turnState == nil {
		return nil, 0, ErrChatNotStarted
	}
	if turnState.CurrentUserID != userID {
		return nil, 0, ErrNotYourTurn
	}

	active, err := s.repo.GetActivePause(ctx, roomID)
	if err != nil {
		return nil, 0, fmt.Errorf("get active pause: %w", err)
	}
	if active != nil {
		if !active.Expired(s.now()) {
			return nil, 0, ErrAlreadyPaused
		}
		if err := s.repo.CompletePause(ctx, active.ID); err != nil {
			return nil, 0, fmt.Errorf("complete expired pause: %w", err)
		}
	}

	counts, err := s.repo.CountPauses(ctx, roomID)
	if err != nil {
		return nil, 0, fmt.Errorf("count pauses: %w", err)
	}
	used := counts[userID]
	if used >= s.cfg.MaxPausesPerUser {
		return nil, 0, ErrNoPausesLeft
	}

	now := s.now()
	pause := &domain.Pause{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		InitiatedBy: userID,
		PauseIndex:  used + 1,
		PausedAt:    now,
		ResumeAt:    now.Add(s.cfg.PauseDuration),
		Status:      domain.PauseActive,
	}
	err = s.repo.CreatePause(ctx, pause)
	if errors.Is(err, store.ErrPauseActive) {
		return nil, 0, ErrAlreadyPaused
	}
	if err != nil {
		return nil, 0, fmt.Errorf("create pause: %w", err)
	}

	s.appendEvent(ctx, roomID, userID, domain.EventPaused, map[string]any{
		"pauseIndex": pause.PauseIndex,
		"resumeAt":   pause.ResumeAt.Format(time.RFC3339),
	})
	return pause, s.cfg.MaxPausesPerUser - (used + 1), nil
}

// PauseState reports the pause situation to clients.
type PauseState struct {
	ActivePause *domain.Pause  `json:"active_pause"`
	PauseCounts map[string]int `json:"pause_counts"`
	MaxPauses   int            `json:"max_pauses"`
}

// GetPauseState returns the active pause (nil once expired, completing it
// lazily) plus per-user quota usage.
func (s *Service) GetPauseState(ctx context.Context, roomID, userID string) (*PauseState, error) {
	if _, _, err := s.requireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}

	active, err := s.repo.GetActivePause(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("get active pause: %w", err)
	}
	if active != nil && active.Expired(s.now()) {
		if err := s.repo.CompletePause(ctx, active.ID); err != nil {
			return nil, fmt.Errorf("complete expired pause: %w", err)
		}
		active = nil
	}

	counts, err := s.repo.CountPauses(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("count pauses: %w", err)
	}
	return &PauseState{
		ActivePause: active,
		PauseCounts: counts,
		MaxPauses:   s.cfg.MaxPausesPerUser,
	}, nil
}

// EndPauseEarly completes the active pause before its window elapses.
// Either member may end it.
func (s *Service) EndPauseEarly(ctx context.Context, roomID, userID string) error {
	if _, _, err := s.requireMember(ctx, roomID, userID); err != nil {
		return err
	}
	active, err := s.repo.GetActivePause(ctx, roomID)
	if err != nil {
		return fmt.Errorf("get active pause: %w", err)
	}
	if active == nil {
		return ErrNoActivePause
	}
	if err := s.repo.CompletePause(ctx, active.ID); err != nil {
		return fmt.Errorf("complete pause: %w", err)
	}
	s.appendEvent(ctx, roomID, userID, domain.EventPauseEndedEarly, nil)
	return nil
}

// RequestEnd starts the mutual-end protocol. Only one request can be
// pending at a time.
func (s *Service) RequestEnd(ctx context.Context, roomID, userID string) (*domain.TurnState, error) {
	if _, _, err := s.requireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	turnState, err := s.repo.GetTurnState(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("get turn state: %w", err)
	}
	if turnState == nil {
		return nil, ErrChatNotStarted
	}

	err = s.repo.SetEndRequest(ctx, roomID, userID, s.now())
	if errors.Is(err, store.ErrEndRequestPending) {
		return nil, ErrEndRequestPending
	}
	if err != nil {
		return nil, fmt.Errorf("set end request: %w", err)
	}

	s.appendEvent(ctx, roomID, userID, domain.EventEndRequested, nil)
	return s.repo.GetTurnState(ctx, roomID)
}

// RespondToEnd accepts or declines the partner's end request. Accepting
// completes the room; declining clears the request and chat continues.
func (s *Service) RespondToEnd(ctx context.Context, roomID, userID string, accept bool) (*domain.TurnState, error) {
	if _, _, err := s.requireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	turnState, err := s.repo.GetTurnState(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("get turn state: %w", err)
	}
	if turnState == nil {
		return nil, ErrChatNotStarted
	}
	if !turnState.EndRequestPending {
		return nil, ErrNoEndRequest
	}
	if turnState.EndRequestedBy == userID {
		return nil, ErrOwnEndRequest
	}

	now := s.now()
	if accept {
		if err := s.repo.CompleteRoom(ctx, roomID, now, now.Add(s.cfg.RetentionPeriod)); err != nil {
			return nil, fmt.Errorf("complete room: %w", err)
		}
		if err := s.repo.ClearEndRequest(ctx, roomID, now); err != nil {
			return nil, fmt.Errorf("clear end request: %w", err)
		}
		s.appendEvent(ctx, roomID, userID, domain.EventEndAccepted, nil)
	} else {
		if err := s.repo.ClearEndRequest(ctx, roomID, now); err != nil {
			return nil, fmt.Errorf("clear end request: %w", err)
		}
		s.appendEvent(ctx, roomID, userID, domain.EventEndDeclined, nil)
	}
	return s.repo.GetTurnState(ctx, roomID)
}

// CancelEnd withdraws the caller's own pending end request.
func (s *Service) CancelEnd(ctx context.Context, roomID, userID string) (*domain.TurnState, error) {
	if _, _, err := s.requireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	turnState, err := s.repo.GetTurnState(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("get turn state: %w", err)
	}
	if turnState == nil || !turnState.EndRequestPending {
		return nil, ErrNoEndRequest
	}
	if turnState.EndRequestedBy != userID {
		return nil, ErrNotRequester
	}

	if err := s.repo.ClearEndRequest(ctx, roomID, s.now()); err != nil {
		return nil, fmt.Errorf("clear end request: %w", err)
	}
	s.appendEvent(ctx, roomID, userID, domain.EventEndRequestCancelled, nil)
	return s.repo.GetTurnState(ctx, roomID)
}

// CompleteRequest carries the optional wrap-up data recorded at completion.
type CompleteRequest struct {
	CompromiseSelected string
	SentimentAfterA    *float64
	SentimentAfterB    *float64
	PauseCount         int
}

// CompleteSession finalizes the room: writes the anonymized research
// aggregate, stamps completion, and schedules deletion after the retention
// period.
func (s *Service) CompleteSession(ctx context.Context, roomID, userID string, req CompleteRequest) error {
	rm, _, err := s.requireMember(ctx, roomID, userID)
	if err != nil {
		return err
	}

	analysis, err := s.repo.GetAnalysis(ctx, roomID)
	if err != nil {
		return fmt.Errorf("get analysis: %w", err)
	}
	entries, err := s.repo.ListEntries(ctx, roomID)
	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}
	if analysis == nil || len(entries) != 2 {
		return validationError("room data incomplete")
	}
	memberA, _, err := s.orderedMembers(ctx, roomID)
	if err != nil {
		return err
	}

	var entryA, entryB *domain.Entry
	for _, e := range entries {
		if e.UserID == memberA.UserID {
			entryA = e
		} else {
			entryB = e
		}
	}

	now := s.now()
	outcome := "completed"
	if analysis.SafetyLevel == domain.SafetyCritical {
		outcome = "flagged"
	}

	var shiftA, shiftB *float64
	if req.SentimentAfterA != nil {
		before := 0.0
		if analysis.SentimentBeforeA != nil {
			before = *analysis.SentimentBeforeA
		}
		v := *req.SentimentAfterA - before
		shiftA = &v
	}
	if req.SentimentAfterB != nil {
		before := 0.0
		if analysis.SentimentBeforeB != nil {
			before = *analysis.SentimentBeforeB
		}
		v := *req.SentimentAfterB - before
		shiftB = &v
	}

	record := &domain.ResearchRecord{
		ID:                    uuid.NewString(),
		ConflictCategory:      analysis.ConflictCategory,
		Horsemen:              analysis.Horsemen,
		SentimentShiftA:       shiftA,
		SentimentShiftB:       shiftB,
		SessionOutcome:        outcome,
		ResolutionTimeSeconds: int64(now.Sub(rm.CreatedAt) / time.Second),
		PauseCount:            req.PauseCount,
		CompromiseSelected:    req.CompromiseSelected,
		AnonymizedTextA:       anonymizeText(entryA.Text),
		AnonymizedTextB:       anonymizeText(entryB.Text),
		CreatedAt:             now,
	}
	if err := s.repo.InsertResearchRecord(ctx, record); err != nil {
		return fmt.Errorf("insert research record: %w", err)
	}

	if err := s.repo.CompleteRoom(ctx, roomID, now, now.Add(s.cfg.RetentionPeriod)); err != nil {
		return fmt.Errorf("complete room: %w", err)
	}

	if req.SentimentAfterA != nil || req.SentimentAfterB != nil {
		if err := s.repo.SetPostSentiment(ctx, roomID, req.SentimentAfterA, req.SentimentAfterB); err != nil {
			return fmt.Errorf("set post sentiment: %w", err)
		}
	}

	s.appendEvent(ctx, roomID, userID, domain.EventCompleted, map[string]any{
		"compromiseSelected": req.CompromiseSelected,
		"pauseCount":         req.PauseCount,
	})
	return nil
}

// Coach streams rephrasing help for a member's draft statement.
func (s *Service) Coach(ctx context.Context, roomID, userID, statement, contextNote string, emit func(chunk string) error) error {
	if strings.TrimSpace(statement) == "" {
		return validationError("statement required")
	}
	if _, _, err := s.requireMember(ctx, roomID, userID); err != nil {
		return err
	}
	s.appendEvent(ctx, roomID, userID, domain.EventCoachUsed, nil)
	return s.ai.Coach(ctx, statement, contextNote, emit)
}
