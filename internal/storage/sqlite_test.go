package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(\":memory:\") error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testState(userID, topic string) KnowledgeState {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return KnowledgeState{
		UserID:         userID,
		Topic:          topic,
		Mastery:        0.5,
		Confidence:     0.5,
		ForgettingRisk: 0.3,
		LastEvidence:   EvidencePractice,
		LastReviewedAt: now,
		NextReviewAt:   now.Add(72 * time.Hour),
		UpdatedAt:      now,
	}
}

func TestMigrationsApplied(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations() error: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("versions not strictly ascending: %v", versions)
		}
	}
	if versions[0] != 1 {
		t.Errorf("first migration version = %d, want 1", versions[0])
	}

	// Re-running migrate must be a no-op.
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate() error: %v", err)
	}
	again, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations() error: %v", err)
	}
	if len(again) != len(versions) {
		t.Errorf("migration count changed on re-run: %d -> %d", len(versions), len(again))
	}
}

func TestGetKnowledgeStateNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetKnowledgeState("alice", "Photosynthesis")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetKnowledgeState() error = %v, want ErrNotFound", err)
	}
}

func TestUpsertKnowledgeStateInsertAndUpdate(t *testing.T) {
	s := openTestStore(t)

	st := testState("alice", "Photosynthesis")
	if err := s.UpsertKnowledgeState(st); err != nil {
		t.Fatalf("insert error: %v", err)
	}

	got, err := s.GetKnowledgeState("alice", "Photosynthesis")
	if err != nil {
		t.Fatalf("GetKnowledgeState() error: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("Version after insert = %d, want 1", got.Version)
	}
	if got.Mastery != st.Mastery {
		t.Errorf("Mastery = %v, want %v", got.Mastery, st.Mastery)
	}
	if !got.LastReviewedAt.Equal(st.LastReviewedAt) {
		t.Errorf("LastReviewedAt = %v, want %v", got.LastReviewedAt, st.LastReviewedAt)
	}

	got.Mastery = 0.65
	if err := s.UpsertKnowledgeState(got); err != nil {
		t.Fatalf("update error: %v", err)
	}

	updated, err := s.GetKnowledgeState("alice", "Photosynthesis")
	if err != nil {
		t.Fatalf("GetKnowledgeState() error: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Version after update = %d, want 2", updated.Version)
	}
	if updated.Mastery != 0.65 {
		t.Errorf("Mastery = %v, want 0.65", updated.Mastery)
	}
}

func TestUpsertKnowledgeStateStaleVersion(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpsertKnowledgeState(testState("alice", "Mitosis")); err != nil {
		t.Fatalf("insert error: %v", err)
	}

	// Two readers load version 1; the second writer must lose.
	first, _ := s.GetKnowledgeState("alice", "Mitosis")
	second, _ := s.GetKnowledgeState("alice", "Mitosis")

	first.Mastery = 0.6
	if err := s.UpsertKnowledgeState(first); err != nil {
		t.Fatalf("first writer error: %v", err)
	}

	second.Mastery = 0.4
	if err := s.UpsertKnowledgeState(second); !errors.Is(err, ErrConflict) {
		t.Errorf("stale write error = %v, want ErrConflict", err)
	}

	got, _ := s.GetKnowledgeState("alice", "Mitosis")
	if got.Mastery != 0.6 {
		t.Errorf("Mastery = %v, want first writer's 0.6", got.Mastery)
	}
}

func TestUpsertKnowledgeStateDuplicateInsert(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpsertKnowledgeState(testState("alice", "Osmosis")); err != nil {
		t.Fatalf("insert error: %v", err)
	}
	if err := s.UpsertKnowledgeState(testState("alice", "Osmosis")); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate insert error = %v, want ErrConflict", err)
	}
}

func TestUpsertKnowledgeStateNullTimes(t *testing.T) {
	s := openTestStore(t)

	st := testState("alice", "Glycolysis")
	st.LastReviewedAt = time.Time{}
	st.NextReviewAt = time.Time{}
	if err := s.UpsertKnowledgeState(st); err != nil {
		t.Fatalf("insert error: %v", err)
	}

	got, err := s.GetKnowledgeState("alice", "Glycolysis")
	if err != nil {
		t.Fatalf("GetKnowledgeState() error: %v", err)
	}
	if !got.LastReviewedAt.IsZero() {
		t.Errorf("LastReviewedAt = %v, want zero", got.LastReviewedAt)
	}
	if !got.NextReviewAt.IsZero() {
		t.Errorf("NextReviewAt = %v, want zero", got.NextReviewAt)
	}
}

func TestListByRiskOrderingAndFilter(t *testing.T) {
	s := openTestStore(t)

	insert := func(topic string, risk float64, evidence string) {
		t.Helper()
		st := testState("alice", topic)
		st.ForgettingRisk = risk
		st.LastEvidence = evidence
		if err := s.UpsertKnowledgeState(st); err != nil {
			t.Fatalf("insert %s: %v", topic, err)
		}
	}
	insert("Low", 0.2, EvidencePractice)
	insert("High", 0.9, EvidencePractice)
	insert("Mid", 0.5, EvidenceExam)

	all, err := s.ListByRisk("alice", 10, true)
	if err != nil {
		t.Fatalf("ListByRisk() error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d states, want 3", len(all))
	}
	for i, want := range []string{"High", "Mid", "Low"} {
		if all[i].Topic != want {
			t.Errorf("all[%d].Topic = %q, want %q", i, all[i].Topic, want)
		}
	}

	practiceOnly, err := s.ListByRisk("alice", 10, false)
	if err != nil {
		t.Fatalf("ListByRisk() error: %v", err)
	}
	if len(practiceOnly) != 2 {
		t.Fatalf("got %d practice states, want 2", len(practiceOnly))
	}
	for _, st := range practiceOnly {
		if st.LastEvidence == EvidenceExam {
			t.Errorf("exam-evidenced topic %q not filtered out", st.Topic)
		}
	}

	limited, err := s.ListByRisk("alice", 1, true)
	if err != nil {
		t.Fatalf("ListByRisk() error: %v", err)
	}
	if len(limited) != 1 || limited[0].Topic != "High" {
		t.Errorf("limit 1 = %+v, want single High", limited)
	}
}

func TestListWeakest(t *testing.T) {
	s := openTestStore(t)

	for topic, mastery := range map[string]float64{"A": 0.8, "B": 0.2, "C": 0.5} {
		st := testState("alice", topic)
		st.Mastery = mastery
		if err := s.UpsertKnowledgeState(st); err != nil {
			t.Fatalf("insert %s: %v", topic, err)
		}
	}

	got, err := s.ListWeakest("alice", 2)
	if err != nil {
		t.Fatalf("ListWeakest() error: %v", err)
	}
	if len(got) != 2 || got[0].Topic != "B" || got[1].Topic != "C" {
		t.Errorf("ListWeakest = %+v, want [B C]", got)
	}
}

func TestListByNote(t *testing.T) {
	s := openTestStore(t)

	st := testState("alice", "Krebs Cycle")
	st.SourceNoteID = "note-7"
	if err := s.UpsertKnowledgeState(st); err != nil {
		t.Fatalf("insert error: %v", err)
	}
	other := testState("alice", "Unrelated")
	if err := s.UpsertKnowledgeState(other); err != nil {
		t.Fatalf("insert error: %v", err)
	}

	got, err := s.ListByNote("alice", "note-7")
	if err != nil {
		t.Fatalf("ListByNote() error: %v", err)
	}
	if len(got) != 1 || got[0].Topic != "Krebs Cycle" {
		t.Errorf("ListByNote = %+v, want single Krebs Cycle", got)
	}
}

func TestIncrementMistake(t *testing.T) {
	s := openTestStore(t)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := s.IncrementMistake("alice", "Mitosis", "adjacent_distractor", now); err != nil {
		t.Fatalf("IncrementMistake() error: %v", err)
	}
	later := now.Add(time.Hour)
	if err := s.IncrementMistake("alice", "Mitosis", "adjacent_distractor", later); err != nil {
		t.Fatalf("IncrementMistake() error: %v", err)
	}
	if err := s.IncrementMistake("alice", "Mitosis", "near_miss", later); err != nil {
		t.Fatalf("IncrementMistake() error: %v", err)
	}

	patterns, err := s.ListMistakes("alice", "Mitosis")
	if err != nil {
		t.Fatalf("ListMistakes() error: %v", err)
	}
	if len(patterns) != 2 {
		t.Fatalf("got %d patterns, want 2", len(patterns))
	}
	if patterns[0].Category != "adjacent_distractor" || patterns[0].Count != 2 {
		t.Errorf("patterns[0] = %+v, want adjacent_distractor count 2", patterns[0])
	}
	if !patterns[0].LastSeenAt.Equal(later) {
		t.Errorf("LastSeenAt = %v, want %v", patterns[0].LastSeenAt, later)
	}

	all, err := s.ListMistakes("alice", "")
	if err != nil {
		t.Fatalf("ListMistakes(all) error: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all-topics list length = %d, want 2", len(all))
	}
}

func TestGenerationRequestLifecycle(t *testing.T) {
	s := openTestStore(t)

	req := GenerationRequest{
		ID:          "req-1",
		OwnerID:     "alice",
		Kind:        KindQuizGeneration,
		PayloadJSON: `{"topics":["Mitosis"]}`,
	}
	if err := s.CreateGenerationRequest(req); err != nil {
		t.Fatalf("CreateGenerationRequest() error: %v", err)
	}

	got, err := s.GetGenerationRequest("req-1")
	if err != nil {
		t.Fatalf("GetGenerationRequest() error: %v", err)
	}
	if got.Status != StatusGenerating {
		t.Errorf("Status = %q, want generating", got.Status)
	}
	if !got.ClaimedAt.IsZero() {
		t.Errorf("ClaimedAt = %v, want zero before claim", got.ClaimedAt)
	}

	won, err := s.ClaimRequest("req-1", "worker-a", 10*time.Minute)
	if err != nil {
		t.Fatalf("ClaimRequest() error: %v", err)
	}
	if !won {
		t.Fatal("first claim should win")
	}

	if err := s.ResolveRequestReady("req-1", `{"questions":[]}`); err != nil {
		t.Fatalf("ResolveRequestReady() error: %v", err)
	}

	final, err := s.GetGenerationRequest("req-1")
	if err != nil {
		t.Fatalf("GetGenerationRequest() error: %v", err)
	}
	if final.Status != StatusReady {
		t.Errorf("Status = %q, want ready", final.Status)
	}
	if final.ResultJSON != `{"questions":[]}` {
		t.Errorf("ResultJSON = %q", final.ResultJSON)
	}
	if final.ErrorMessage != "" {
		t.Errorf("ErrorMessage = %q, want empty", final.ErrorMessage)
	}
}

func TestClaimRequestLosesToHolder(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateGenerationRequest(GenerationRequest{
		ID: "req-1", OwnerID: "alice", Kind: KindQuizGeneration, PayloadJSON: "{}",
	}); err != nil {
		t.Fatalf("CreateGenerationRequest() error: %v", err)
	}

	won, err := s.ClaimRequest("req-1", "worker-a", 10*time.Minute)
	if err != nil || !won {
		t.Fatalf("first claim: won=%v err=%v", won, err)
	}
	won, err = s.ClaimRequest("req-1", "worker-b", 10*time.Minute)
	if err != nil {
		t.Fatalf("second claim error: %v", err)
	}
	if won {
		t.Error("second claim won while first is still live")
	}

	got, _ := s.GetGenerationRequest("req-1")
	if got.ClaimedBy != "worker-a" {
		t.Errorf("ClaimedBy = %q, want worker-a", got.ClaimedBy)
	}
}

func TestClaimRequestRecoversExpiredClaim(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateGenerationRequest(GenerationRequest{
		ID: "req-1", OwnerID: "alice", Kind: KindQuizGeneration, PayloadJSON: "{}",
	}); err != nil {
		t.Fatalf("CreateGenerationRequest() error: %v", err)
	}

	// Simulate a claim abandoned by a crashed worker.
	stale := time.Now().UTC().Add(-time.Hour)
	if _, err := s.DB().Exec(
		`UPDATE generation_requests SET claimed_by = 'worker-dead', claimed_at = ? WHERE id = 'req-1'`,
		fmtTime(stale),
	); err != nil {
		t.Fatalf("seeding stale claim: %v", err)
	}

	won, err := s.ClaimRequest("req-1", "worker-b", 10*time.Minute)
	if err != nil {
		t.Fatalf("ClaimRequest() error: %v", err)
	}
	if !won {
		t.Fatal("expired claim should be reclaimable")
	}

	got, _ := s.GetGenerationRequest("req-1")
	if got.ClaimedBy != "worker-b" {
		t.Errorf("ClaimedBy = %q, want worker-b", got.ClaimedBy)
	}
}

func TestResolveTerminalIsImmutable(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateGenerationRequest(GenerationRequest{
		ID: "req-1", OwnerID: "alice", Kind: KindQuizGeneration, PayloadJSON: "{}",
	}); err != nil {
		t.Fatalf("CreateGenerationRequest() error: %v", err)
	}
	if err := s.ResolveRequestFailed("req-1", "provider timeout"); err != nil {
		t.Fatalf("ResolveRequestFailed() error: %v", err)
	}

	if err := s.ResolveRequestReady("req-1", "{}"); !errors.Is(err, ErrConflict) {
		t.Errorf("resolve after terminal error = %v, want ErrConflict", err)
	}
	if err := s.ResolveRequestFailed("req-1", "again"); !errors.Is(err, ErrConflict) {
		t.Errorf("second failure error = %v, want ErrConflict", err)
	}

	got, _ := s.GetGenerationRequest("req-1")
	if got.Status != StatusFailed || got.ErrorMessage != "provider timeout" {
		t.Errorf("terminal row changed: %+v", got)
	}

	// A terminal request is no longer claimable either.
	won, err := s.ClaimRequest("req-1", "worker-a", 10*time.Minute)
	if err != nil {
		t.Fatalf("ClaimRequest() error: %v", err)
	}
	if won {
		t.Error("claimed a terminal request")
	}
}

func TestResolveMissingRequest(t *testing.T) {
	s := openTestStore(t)

	if err := s.ResolveRequestReady("missing", "{}"); !errors.Is(err, ErrNotFound) {
		t.Errorf("resolve missing error = %v, want ErrNotFound", err)
	}
}

func TestResolveFailedRequiresMessage(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateGenerationRequest(GenerationRequest{
		ID: "req-1", OwnerID: "alice", Kind: KindQuizGeneration, PayloadJSON: "{}",
	}); err != nil {
		t.Fatalf("CreateGenerationRequest() error: %v", err)
	}
	if err := s.ResolveRequestFailed("req-1", ""); err != nil {
		t.Fatalf("ResolveRequestFailed() error: %v", err)
	}

	got, _ := s.GetGenerationRequest("req-1")
	if got.ErrorMessage == "" {
		t.Error("failed request must carry a non-empty error message")
	}
}

func TestClaimNextRequestOldestFirst(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"req-old", "req-new"} {
		if err := s.CreateGenerationRequest(GenerationRequest{
			ID: id, OwnerID: "alice", Kind: KindQuizGeneration, PayloadJSON: "{}",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("CreateGenerationRequest(%s) error: %v", id, err)
		}
	}

	first, err := s.ClaimNextRequest("worker-a", 10*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRequest() error: %v", err)
	}
	if first == nil || first.ID != "req-old" {
		t.Fatalf("first claim = %+v, want req-old", first)
	}
	if first.ClaimedBy != "worker-a" {
		t.Errorf("ClaimedBy = %q, want worker-a", first.ClaimedBy)
	}

	second, err := s.ClaimNextRequest("worker-a", 10*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRequest() error: %v", err)
	}
	if second == nil || second.ID != "req-new" {
		t.Fatalf("second claim = %+v, want req-new", second)
	}

	third, err := s.ClaimNextRequest("worker-a", 10*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRequest() error: %v", err)
	}
	if third != nil {
		t.Errorf("third claim = %+v, want nil", third)
	}
}

func TestCreateGenerationRequestRejectsUnknownKind(t *testing.T) {
	s := openTestStore(t)

	err := s.CreateGenerationRequest(GenerationRequest{
		ID: "req-1", OwnerID: "alice", Kind: RequestKind("essay"), PayloadJSON: "{}",
	})
	if err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestCountRequestsByStatus(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.CreateGenerationRequest(GenerationRequest{
			ID: id, OwnerID: "alice", Kind: KindQuizGeneration, PayloadJSON: "{}",
		}); err != nil {
			t.Fatalf("CreateGenerationRequest(%s) error: %v", id, err)
		}
	}
	if err := s.ResolveRequestReady("a", "{}"); err != nil {
		t.Fatalf("ResolveRequestReady() error: %v", err)
	}
	if err := s.ResolveRequestFailed("b", "boom"); err != nil {
		t.Fatalf("ResolveRequestFailed() error: %v", err)
	}

	counts, err := s.CountRequestsByStatus()
	if err != nil {
		t.Fatalf("CountRequestsByStatus() error: %v", err)
	}
	want := map[RequestStatus]int{StatusGenerating: 1, StatusReady: 1, StatusFailed: 1}
	for status, n := range want {
		if counts[status] != n {
			t.Errorf("counts[%s] = %d, want %d", status, counts[status], n)
		}
	}
}

func TestResolveQuestionTopic(t *testing.T) {
	s := openTestStore(t)

	result := `{"contract_version":"v1","questions":[` +
		`{"id":"q-1","topic":"Mitosis","text":"..."},` +
		`{"id":"q-2","topic":"Photosynthesis","source_note_id":"note-7","text":"..."}]}`
	if err := s.CreateGenerationRequest(GenerationRequest{
		ID: "req-1", OwnerID: "alice", Kind: KindQuizGeneration, PayloadJSON: "{}",
	}); err != nil {
		t.Fatalf("CreateGenerationRequest() error: %v", err)
	}
	if err := s.ResolveRequestReady("req-1", result); err != nil {
		t.Fatalf("ResolveRequestReady() error: %v", err)
	}
	// A generating request never resolves questions, even on an id match.
	if err := s.CreateGenerationRequest(GenerationRequest{
		ID: "req-2", OwnerID: "alice", Kind: KindQuizGeneration, PayloadJSON: `{"id":"q-9"}`,
	}); err != nil {
		t.Fatalf("CreateGenerationRequest() error: %v", err)
	}

	topic, noteID, err := s.ResolveQuestionTopic("q-2")
	if err != nil {
		t.Fatalf("ResolveQuestionTopic() error: %v", err)
	}
	if topic != "Photosynthesis" {
		t.Errorf("topic = %q, want Photosynthesis", topic)
	}
	if noteID != "note-7" {
		t.Errorf("sourceNoteID = %q, want note-7", noteID)
	}

	if _, _, err := s.ResolveQuestionTopic("q-9"); err != ErrNotFound {
		t.Errorf("ResolveQuestionTopic(q-9) error = %v, want ErrNotFound", err)
	}
}

func TestClaimFirstSkipsLostCandidate(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b"} {
		if err := s.CreateGenerationRequest(GenerationRequest{
			ID: id, OwnerID: "alice", Kind: KindQuizGeneration, PayloadJSON: "{}",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("CreateGenerationRequest(%s) error: %v", id, err)
		}
	}

	// A rival worker wins the oldest row between the candidate scan and
	// this worker's claim attempt.
	won, err := s.ClaimRequest("a", "rival", time.Minute)
	if err != nil || !won {
		t.Fatalf("ClaimRequest(a, rival) = (%t, %v), want win", won, err)
	}

	req, err := s.claimFirst([]string{"a", "b"}, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claimFirst() error: %v", err)
	}
	if req == nil {
		t.Fatal("claimFirst() = nil, want claim on the next candidate")
	}
	if req.ID != "b" {
		t.Errorf("claimed ID = %q, want b", req.ID)
	}
	if req.ClaimedBy != "w1" {
		t.Errorf("ClaimedBy = %q, want w1", req.ClaimedBy)
	}

	// Every remaining candidate lost: the pass comes up empty.
	if req, err := s.claimFirst([]string{"a", "b"}, "w2", time.Minute); err != nil || req != nil {
		t.Errorf("claimFirst() with no free candidates = (%v, %v), want (nil, nil)", req, err)
	}
}
