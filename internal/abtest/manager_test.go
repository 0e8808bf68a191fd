package abtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pokant/pokant/internal/config"
	"github.com/pokant/pokant/internal/secrets"
	"github.com/pokant/pokant/internal/store"
	"github.com/pokant/pokant/internal/vapi"
)

// fakeVapi is an in-memory voice platform behind an httptest server.
type fakeVapi struct {
	mu         sync.Mutex
	assistants map[string]vapi.Assistant
	calls      map[string][]vapi.Call // keyed by assistant ID
	nextID     int

	deleted       []string
	promptPatches map[string]string
	failDeletes   bool
}

func newFakeVapi() *fakeVapi {
	f := &fakeVapi{
		assistants:    make(map[string]vapi.Assistant),
		calls:         make(map[string][]vapi.Call),
		promptPatches: make(map[string]string),
	}
	f.assistants["asst-base"] = vapi.Assistant{
		ID:   "asst-base",
		Name: "Acme Receptionist",
		Model: vapi.Model{
			Provider: "openai",
			Model:    "gpt-4o",
			Messages: []vapi.ModelMessage{{Role: "system", Content: "You are a receptionist."}},
		},
		FirstMessage: "Hi!",
	}
	return f
}

// seedCalls adds successes and failures for one assistant.
func (f *fakeVapi) seedCalls(assistantID string, successes, failures int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < successes; i++ {
		f.calls[assistantID] = append(f.calls[assistantID], vapi.Call{
			ID:          fmt.Sprintf("%s-ok-%d", assistantID, i),
			AssistantID: assistantID,
			EndedReason: vapi.EndedReasonAssistantEnded,
		})
	}
	for i := 0; i < failures; i++ {
		f.calls[assistantID] = append(f.calls[assistantID], vapi.Call{
			ID:          fmt.Sprintf("%s-bad-%d", assistantID, i),
			AssistantID: assistantID,
			EndedReason: "customer-ended-call",
		})
	}
}

func (f *fakeVapi) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /call", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		calls := f.calls[r.URL.Query().Get("assistantId")]
		if calls == nil {
			calls = []vapi.Call{}
		}
		json.NewEncoder(w).Encode(calls)
	})

	mux.HandleFunc("GET /assistant/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		a, ok := f.assistants[r.PathValue("id")]
		if !ok {
			http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(a)
	})

	mux.HandleFunc("POST /assistant", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var a vapi.Assistant
		json.NewDecoder(r.Body).Decode(&a)
		f.nextID++
		a.ID = fmt.Sprintf("asst-shadow-%d", f.nextID)
		f.assistants[a.ID] = a
		json.NewEncoder(w).Encode(a)
	})

	mux.HandleFunc("PATCH /assistant/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := r.PathValue("id")
		a, ok := f.assistants[id]
		if !ok {
			http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
			return
		}
		var patch struct {
			Model vapi.Model `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&patch)
		if len(patch.Model.Messages) > 0 {
			f.promptPatches[id] = patch.Model.Messages[0].Content
		}
		json.NewEncoder(w).Encode(a)
	})

	mux.HandleFunc("DELETE /assistant/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failDeletes {
			http.Error(w, `{"message":"server error"}`, http.StatusInternalServerError)
			return
		}
		id := r.PathValue("id")
		delete(f.assistants, id)
		f.deleted = append(f.deleted, id)
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

// harness bundles a wired manager with its collaborators and fakes.
type harness struct {
	store   store.Store
	manager *Manager
	fake    *fakeVapi
	now     time.Time
	clockMu sync.Mutex
}

func (h *harness) advance(d time.Duration) {
	h.clockMu.Lock()
	h.now = h.now.Add(d)
	h.clockMu.Unlock()
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fake := newFakeVapi()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	cipher, err := secrets.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}

	clients := func(apiKey string) *vapi.Client {
		return vapi.NewClient(apiKey, vapi.WithBaseURL(srv.URL), vapi.WithRateLimit(0))
	}

	h := &harness{
		store: st,
		fake:  fake,
		now:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	mgr := NewManager(st, cipher, clients, config.Defaults(), nil, nil)
	mgr.SetClock(func() time.Time {
		h.clockMu.Lock()
		defer h.clockMu.Unlock()
		return h.now
	})
	h.manager = mgr

	sealed, err := cipher.Encrypt("vapi-key-secret")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := st.CreateCustomer(ctx, store.Customer{
		ID:                   "cust-1",
		CompanyName:          "Acme Dental",
		Email:                "ops@acme.example",
		ProviderKeyEncrypted: sealed,
		BotProvider:          "vapi",
		BotID:                "asst-base",
		Status:               "active",
		IsActive:             true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreatePattern(ctx, store.Pattern{
		ID:         "pat-1",
		CustomerID: "cust-1",
		Name:       "Customer Changes Mind",
		Frequency:  12,
		Severity:   store.SeverityHigh,
		Status:     "identified",
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateVariant(ctx, store.Variant{
		ID:         "var-1",
		PatternID:  "pat-1",
		Letter:     "B",
		Name:       "Explicit Confirmation",
		PromptText: "Restate the request and confirm before proceeding.",
	}); err != nil {
		t.Fatal(err)
	}

	return h
}

func TestDeploy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	testID, err := h.manager.Deploy(ctx, "cust-1", "pat-1", "var-1", 0)
	if err != nil {
		t.Fatal(err)
	}

	test, err := h.store.GetTest(ctx, testID)
	if err != nil {
		t.Fatal(err)
	}
	if test == nil {
		t.Fatal("test row not created")
	}
	if test.Status != store.TestRunning {
		t.Errorf("Status = %q, want running", test.Status)
	}
	if test.ControlAssistantID != "asst-base" {
		t.Errorf("ControlAssistantID = %q", test.ControlAssistantID)
	}
	if !strings.HasPrefix(test.VariantAssistantID, "asst-shadow-") {
		t.Errorf("VariantAssistantID = %q, want a shadow assistant", test.VariantAssistantID)
	}
	if test.VariantRecordID != "var-1" || test.VariantLetter != "B" {
		t.Errorf("variant fields = %q / %q", test.VariantRecordID, test.VariantLetter)
	}
	if test.TrafficSplit != 20 {
		t.Errorf("TrafficSplit = %d, want default 20", test.TrafficSplit)
	}
	if test.Name != "Customer Changes Mind - Variant B Test" {
		t.Errorf("Name = %q", test.Name)
	}

	wantStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if !test.StartDate.Equal(wantStart) {
		t.Errorf("StartDate = %v, want %v", test.StartDate, wantStart)
	}
	if !test.EndDate.Equal(wantStart.AddDate(0, 0, 4)) {
		t.Errorf("EndDate = %v, want start + 4 days", test.EndDate)
	}

	shadow := h.fake.assistants[test.VariantAssistantID]
	if shadow.SystemPrompt() != "Restate the request and confirm before proceeding." {
		t.Errorf("shadow prompt = %q", shadow.SystemPrompt())
	}
	if shadow.Name != "Acme Receptionist - Variant B" {
		t.Errorf("shadow name = %q", shadow.Name)
	}
}

func TestDeploy_MissingEntities(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		customer, pattern, variant string
		wantEntity                 string
	}{
		{"nope", "pat-1", "var-1", "customer"},
		{"cust-1", "nope", "var-1", "pattern"},
		{"cust-1", "pat-1", "nope", "variant"},
	}
	for _, tc := range cases {
		_, err := h.manager.Deploy(ctx, tc.customer, tc.pattern, tc.variant, 0)
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Errorf("Deploy(%s/%s/%s) = %v, want NotFoundError", tc.customer, tc.pattern, tc.variant, err)
			continue
		}
		if nf.Entity != tc.wantEntity {
			t.Errorf("Entity = %q, want %q", nf.Entity, tc.wantEntity)
		}
	}
}

func TestDeploy_AlreadyRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.manager.Deploy(ctx, "cust-1", "pat-1", "var-1", 0); err != nil {
		t.Fatal(err)
	}

	_, err := h.manager.Deploy(ctx, "cust-1", "pat-1", "var-1", 0)
	var ar *AlreadyRunningError
	if !errors.As(err, &ar) {
		t.Fatalf("second deploy = %v, want AlreadyRunningError", err)
	}
}

func TestFetchResults(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	testID, err := h.manager.Deploy(ctx, "cust-1", "pat-1", "var-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	test, _ := h.store.GetTest(ctx, testID)

	h.fake.seedCalls("asst-base", 52, 28)           // 65.0%
	h.fake.seedCalls(test.VariantAssistantID, 9, 3) // 75.0%
	h.advance(48 * time.Hour)

	snap, err := h.manager.FetchResults(ctx, testID)
	if err != nil {
		t.Fatal(err)
	}

	if snap.Control.Calls != 80 || snap.Control.Successes != 52 {
		t.Errorf("control = %d/%d", snap.Control.Successes, snap.Control.Calls)
	}
	if snap.Control.SuccessRate != 65.0 {
		t.Errorf("control rate = %v, want 65.0", snap.Control.SuccessRate)
	}
	if snap.Variant.Calls != 12 || snap.Variant.Successes != 9 {
		t.Errorf("variant = %d/%d", snap.Variant.Successes, snap.Variant.Calls)
	}
	if snap.Variant.SuccessRate != 75.0 {
		t.Errorf("variant rate = %v, want 75.0", snap.Variant.SuccessRate)
	}
	if snap.DaysRunning != 2 {
		t.Errorf("DaysRunning = %d, want 2", snap.DaysRunning)
	}
	if snap.DaysRemaining != 2 {
		t.Errorf("DaysRemaining = %d, want 2", snap.DaysRemaining)
	}
	if snap.Variant.Letter != "B" {
		t.Errorf("variant letter = %q", snap.Variant.Letter)
	}

	// Counts are persisted.
	test, _ = h.store.GetTest(ctx, testID)
	if test.TotalCalls != 92 || test.ControlCalls != 80 || test.VariantCalls != 12 {
		t.Errorf("persisted counts = %d/%d/%d", test.TotalCalls, test.ControlCalls, test.VariantCalls)
	}
}

func TestFetchResults_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	testID, _ := h.manager.Deploy(ctx, "cust-1", "pat-1", "var-1", 0)
	test, _ := h.store.GetTest(ctx, testID)
	h.fake.seedCalls("asst-base", 10, 10)
	h.fake.seedCalls(test.VariantAssistantID, 8, 2)

	first, err := h.manager.FetchResults(ctx, testID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.manager.FetchResults(ctx, testID)
	if err != nil {
		t.Fatal(err)
	}

	if *first != *second {
		t.Errorf("snapshots differ:\n%+v\n%+v", first, second)
	}
	test, _ = h.store.GetTest(ctx, testID)
	if test.TotalCalls != 30 {
		t.Errorf("TotalCalls = %d, want 30", test.TotalCalls)
	}
}

func TestFetchResults_DaysRemainingFloorsAtZero(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	testID, _ := h.manager.Deploy(ctx, "cust-1", "pat-1", "var-1", 0)
	h.advance(10 * 24 * time.Hour)

	snap, err := h.manager.FetchResults(ctx, testID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.DaysRemaining != 0 {
		t.Errorf("DaysRemaining = %d, want 0", snap.DaysRemaining)
	}
	if snap.DaysRunning != 10 {
		t.Errorf("DaysRunning = %d, want 10", snap.DaysRunning)
	}
}

func TestPromoteWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	testID, _ := h.manager.Deploy(ctx, "cust-1", "pat-1", "var-1", 0)
	test, _ := h.store.GetTest(ctx, testID)
	shadowID := test.VariantAssistantID

	h.fake.seedCalls("asst-base", 52, 28)   // 65.0%
	h.fake.seedCalls(shadowID, 45, 15)      // 75.0%

	result, err := h.manager.PromoteWinner(ctx, testID)
	if err != nil {
		t.Fatal(err)
	}

	if result.VariantLetter != "B" {
		t.Errorf("VariantLetter = %q", result.VariantLetter)
	}
	if result.Improvement != 10.0 {
		t.Errorf("Improvement = %v, want 10.0", result.Improvement)
	}
	if result.ControlSuccessRate != 65.0 || result.VariantSuccessRate != 75.0 {
		t.Errorf("rates = %v vs %v", result.ControlSuccessRate, result.VariantSuccessRate)
	}

	// The winning prompt went to the base assistant.
	if got := h.fake.promptPatches["asst-base"]; got != "Restate the request and confirm before proceeding." {
		t.Errorf("base prompt = %q", got)
	}
	// The shadow assistant was reclaimed.
	if len(h.fake.deleted) != 1 || h.fake.deleted[0] != shadowID {
		t.Errorf("deleted = %v, want [%s]", h.fake.deleted, shadowID)
	}

	test, _ = h.store.GetTest(ctx, testID)
	if test.Status != store.TestComplete {
		t.Errorf("Status = %q, want complete", test.Status)
	}
	if test.WinnerVariantID != "var-1" {
		t.Errorf("WinnerVariantID = %q", test.WinnerVariantID)
	}
	if test.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}

	pattern, _ := h.store.GetPattern(ctx, "pat-1")
	if pattern.Status != "fixed" {
		t.Errorf("pattern status = %q, want fixed", pattern.Status)
	}
}

func TestPromoteWinner_InsufficientImprovement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	testID, _ := h.manager.Deploy(ctx, "cust-1", "pat-1", "var-1", 0)
	test, _ := h.store.GetTest(ctx, testID)

	h.fake.seedCalls("asst-base", 70, 30)           // 70.0%
	h.fake.seedCalls(test.VariantAssistantID, 65, 35) // 65.0%

	_, err := h.manager.PromoteWinner(ctx, testID)
	var ii *InsufficientImprovementError
	if !errors.As(err, &ii) {
		t.Fatalf("PromoteWinner = %v, want InsufficientImprovementError", err)
	}
	if ii.ControlRate != 70.0 || ii.VariantRate != 65.0 {
		t.Errorf("rates = %v vs %v", ii.ControlRate, ii.VariantRate)
	}
	want := "variant did not outperform control (65.0% vs 70.0%)"
	if ii.Error() != want {
		t.Errorf("Error() = %q, want %q", ii.Error(), want)
	}

	// Still running; nothing was rolled out or deleted.
	test, _ = h.store.GetTest(ctx, testID)
	if test.Status != store.TestRunning {
		t.Errorf("Status = %q, want running", test.Status)
	}
	if len(h.fake.promptPatches) != 0 {
		t.Errorf("prompt patches = %v, want none", h.fake.promptPatches)
	}
	if len(h.fake.deleted) != 0 {
		t.Errorf("deleted = %v, want none", h.fake.deleted)
	}
}

func TestPromoteWinner_InvalidStateOnCompleteTest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	testID, _ := h.manager.Deploy(ctx, "cust-1", "pat-1", "var-1", 0)
	test, _ := h.store.GetTest(ctx, testID)
	h.fake.seedCalls("asst-base", 10, 10)
	h.fake.seedCalls(test.VariantAssistantID, 18, 2)

	if _, err := h.manager.PromoteWinner(ctx, testID); err != nil {
		t.Fatal(err)
	}

	_, err := h.manager.PromoteWinner(ctx, testID)
	var is *InvalidStateError
	if !errors.As(err, &is) {
		t.Fatalf("second promote = %v, want InvalidStateError", err)
	}

	// Winner is untouched by the rejected call.
	test, _ = h.store.GetTest(ctx, testID)
	if test.WinnerVariantID != "var-1" {
		t.Errorf("WinnerVariantID = %q, mutated by rejected promote", test.WinnerVariantID)
	}
}

func TestPromoteWinner_CleanupFailureDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	testID, _ := h.manager.Deploy(ctx, "cust-1", "pat-1", "var-1", 0)
	test, _ := h.store.GetTest(ctx, testID)
	h.fake.seedCalls("asst-base", 10, 10)
	h.fake.seedCalls(test.VariantAssistantID, 18, 2)

	h.fake.failDeletes = true

	if _, err := h.manager.PromoteWinner(ctx, testID); err != nil {
		t.Fatalf("PromoteWinner with failing cleanup = %v, want success", err)
	}

	test, _ = h.store.GetTest(ctx, testID)
	if test.Status != store.TestComplete {
		t.Errorf("Status = %q, want complete despite cleanup failure", test.Status)
	}
}

func TestCancelTest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	testID, _ := h.manager.Deploy(ctx, "cust-1", "pat-1", "var-1", 0)
	test, _ := h.store.GetTest(ctx, testID)
	shadowID := test.VariantAssistantID

	if err := h.manager.CancelTest(ctx, testID); err != nil {
		t.Fatal(err)
	}

	test, _ = h.store.GetTest(ctx, testID)
	if test.Status != store.TestCancelled {
		t.Errorf("Status = %q, want cancelled", test.Status)
	}
	if test.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}
	if len(h.fake.deleted) != 1 || h.fake.deleted[0] != shadowID {
		t.Errorf("deleted = %v, want [%s]", h.fake.deleted, shadowID)
	}
}

func TestCancelTest_NotFound(t *testing.T) {
	h := newHarness(t)

	err := h.manager.CancelTest(context.Background(), "missing")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("CancelTest(missing) = %v, want NotFoundError", err)
	}
}

func TestCancelTest_AfterComplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	testID, _ := h.manager.Deploy(ctx, "cust-1", "pat-1", "var-1", 0)
	test, _ := h.store.GetTest(ctx, testID)
	h.fake.seedCalls("asst-base", 10, 10)
	h.fake.seedCalls(test.VariantAssistantID, 18, 2)
	if _, err := h.manager.PromoteWinner(ctx, testID); err != nil {
		t.Fatal(err)
	}

	// Cancel after completion is allowed and overrides the status.
	if err := h.manager.CancelTest(ctx, testID); err != nil {
		t.Fatal(err)
	}
	test, _ = h.store.GetTest(ctx, testID)
	if test.Status != store.TestCancelled {
		t.Errorf("Status = %q, want cancelled", test.Status)
	}
	if test.WinnerVariantID != "" {
		t.Errorf("WinnerVariantID = %q, want cleared once no longer complete", test.WinnerVariantID)
	}
}
