package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/netzer/settleops/internal/domain"
	"github.com/netzer/settleops/internal/recon"
	"github.com/netzer/settleops/internal/store"
)

func newTestService(st store.Store) *Service {
	return New(st, recon.Policy{ZARCreditBps: 50, USDTReceiptBps: 50}, nil)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func fiatEvent(externalID, clientID, requested, credited string) domain.Event {
	return domain.Event{
		Type:       domain.EventFiatDepositConfirmed,
		Source:     domain.SourceStitch,
		ExternalID: externalID,
		ClientID:   clientID,
		OccurredAt: time.Now().UTC(),
		Fiat: &domain.FiatDepositPayload{
			DepositID:      externalID,
			AmountZAR:      d(requested),
			AmountCredited: d(credited),
		},
	}
}

func conversionEvent(orderID, clientID, usdt, rate string) domain.Event {
	return domain.Event{
		Type:       domain.EventConversionOrderRecorded,
		Source:     domain.SourceVALRDeposit,
		ExternalID: orderID,
		ClientID:   clientID,
		OccurredAt: time.Now().UTC(),
		Conversion: &domain.ConversionOrderPayload{
			OrderID:    orderID,
			AmountUSDT: d(usdt),
			Rate:       d(rate),
		},
	}
}

func withdrawalEvent(withdrawalID, clientID string, status domain.WithdrawalStatus, usdt string) domain.Event {
	p := &domain.WithdrawalStatusPayload{
		WithdrawalID: withdrawalID,
		ChainTxRef:   "0xabc123",
		Status:       status,
	}
	if usdt != "" {
		p.AmountUSDT = d(usdt)
	}
	return domain.Event{
		Type:       domain.EventWithdrawalStatusUpdate,
		Source:     domain.SourceVALRWithdrawal,
		ExternalID: withdrawalID + ":" + string(status),
		ClientID:   clientID,
		OccurredAt: time.Now().UTC(),
		Withdrawal: p,
	}
}

func destinationEvent(depositID, clientID, usdt string) domain.Event {
	return domain.Event{
		Type:       domain.EventDestinationDepositConfirmed,
		Source:     domain.SourceBybit,
		ExternalID: depositID,
		ClientID:   clientID,
		OccurredAt: time.Now().UTC(),
		Destination: &domain.DestinationDepositPayload{
			DepositID:  depositID,
			Asset:      "USDT",
			AmountUSDT: d(usdt),
		},
	}
}

func mustApply(t *testing.T, svc *Service, ev domain.Event) *domain.Result {
	t.Helper()
	res, err := svc.ApplyEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("ApplyEvent(%s/%s): %v", ev.Source, ev.ExternalID, err)
	}
	return res
}

func TestHappyPath(t *testing.T) {
	st := store.NewMemory()
	svc := newTestService(st)
	ctx := context.Background()

	res := mustApply(t, svc, fiatEvent("D1", "client-1", "10000.00", "10000.00"))
	if res.Outcome != domain.OutcomeApplied {
		t.Fatalf("fiat outcome = %s", res.Outcome)
	}
	if res.FromState != domain.StateCreated || res.ToState != domain.StateZARDepositConfirmed {
		t.Fatalf("fiat transition = %s -> %s", res.FromState, res.ToState)
	}
	txID := res.TransactionID

	steps := []struct {
		ev   domain.Event
		want domain.State
	}{
		{conversionEvent("O1", "client-1", "524.18", "19.08"), domain.StateConversionPlaced},
		{withdrawalEvent("W1", "client-1", domain.WithdrawalStatusBroadcast, "524.18"), domain.StateWithdrawalInitiated},
		{destinationEvent("B1", "client-1", "524.18"), domain.StateDestinationConfirmed},
	}
	for _, step := range steps {
		r := mustApply(t, svc, step.ev)
		if r.Outcome != domain.OutcomeApplied {
			t.Fatalf("%s outcome = %s", step.ev.Type, r.Outcome)
		}
		if r.TransactionID != txID {
			t.Fatalf("%s applied to %s, want %s", step.ev.Type, r.TransactionID, txID)
		}
		if r.ToState != step.want {
			t.Fatalf("%s advanced to %s, want %s", step.ev.Type, r.ToState, step.want)
		}
	}

	tr, err := st.GetSettlement(ctx, txID)
	if err != nil {
		t.Fatal(err)
	}
	if tr.State != domain.StateDestinationConfirmed {
		t.Errorf("state = %s", tr.State)
	}
	if tr.Version != 4 {
		t.Errorf("version = %d, want 4", tr.Version)
	}
	if !tr.AmountZARCredited.Equal(d("10000.00")) ||
		!tr.AmountUSDTOrdered.Equal(d("524.18")) ||
		!tr.AmountUSDTWithdrawn.Equal(d("524.18")) ||
		!tr.AmountUSDTReceived.Equal(d("524.18")) {
		t.Errorf("amounts not recorded: %+v", tr)
	}
	wantRefs := map[domain.Stage]string{
		domain.StageZARDeposit:         "D1",
		domain.StageConversionOrder:    "O1",
		domain.StageUSDTWithdrawal:     "W1",
		domain.StageDestinationDeposit: "B1",
	}
	for stage, want := range wantRefs {
		if tr.ExternalRefs[stage] != want {
			t.Errorf("ref[%s] = %q, want %q", stage, tr.ExternalRefs[stage], want)
		}
	}
	if len(tr.Flags) != 0 {
		t.Errorf("unexpected flags: %v", tr.Flags)
	}

	entries, err := st.AuditHistory(ctx, txID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("audit entries = %d, want 4", len(entries))
	}
	for i, e := range entries {
		if e.SequenceNumber != int64(i+1) {
			t.Errorf("entry %d sequence = %d", i, e.SequenceNumber)
		}
		if e.Outcome != domain.OutcomeApplied {
			t.Errorf("entry %d outcome = %s", i, e.Outcome)
		}
	}

	actions, err := st.PendingActions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 2 {
		t.Fatalf("pending actions = %d, want 2", len(actions))
	}
	wantKeys := map[string]domain.ActionKind{
		domain.ActionKeyFor(txID, domain.ActionPlaceConversionOrder): domain.ActionPlaceConversionOrder,
		domain.ActionKeyFor(txID, domain.ActionInitiateWithdrawal):   domain.ActionInitiateWithdrawal,
	}
	for _, a := range actions {
		kind, ok := wantKeys[a.Key]
		if !ok || a.Kind != kind {
			t.Errorf("unexpected action %s (%s)", a.Key, a.Kind)
		}
	}
}

func TestDuplicateRedelivery(t *testing.T) {
	st := store.NewMemory()
	svc := newTestService(st)
	ctx := context.Background()

	first := mustApply(t, svc, fiatEvent("D1", "client-1", "10000.00", "10000.00"))
	second := mustApply(t, svc, fiatEvent("D1", "client-1", "10000.00", "10000.00"))

	if second.Outcome != domain.OutcomeRejectedDuplicate {
		t.Fatalf("second delivery outcome = %s", second.Outcome)
	}
	if second.PriorOutcome != domain.OutcomeApplied {
		t.Fatalf("prior outcome = %s", second.PriorOutcome)
	}
	if second.TransactionID != first.TransactionID {
		t.Fatalf("duplicate resolved to a different settlement")
	}

	tr, _ := st.GetSettlement(ctx, first.TransactionID)
	if tr.Version != 1 {
		t.Errorf("duplicate mutated the settlement: version %d", tr.Version)
	}

	entries, _ := st.AuditHistory(ctx, first.TransactionID)
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	if entries[1].Outcome != domain.OutcomeRejectedDuplicate {
		t.Errorf("second entry outcome = %s", entries[1].Outcome)
	}
}

func TestOutOfOrderEventRejectedThenApplies(t *testing.T) {
	st := store.NewMemory()
	svc := newTestService(st)
	ctx := context.Background()

	res := mustApply(t, svc, fiatEvent("D1", "client-1", "10000.00", "10000.00"))
	txID := res.TransactionID

	// The destination confirmation arrives far too early. It is matched to
	// the client's single in-flight settlement and rejected with an audit
	// trail, but no idempotency record, so it may apply later.
	early := mustApply(t, svc, destinationEvent("B1", "client-1", "524.18"))
	if early.Outcome != domain.OutcomeRejectedInvalidTransition {
		t.Fatalf("early destination outcome = %s", early.Outcome)
	}
	if early.FromState != domain.StateZARDepositConfirmed || early.ToState != early.FromState {
		t.Fatalf("rejection changed state: %s -> %s", early.FromState, early.ToState)
	}

	tr, _ := st.GetSettlement(ctx, txID)
	if tr.State != domain.StateZARDepositConfirmed || tr.Version != 1 {
		t.Fatalf("settlement mutated by rejected event: %s v%d", tr.State, tr.Version)
	}

	mustApply(t, svc, conversionEvent("O1", "client-1", "524.18", "19.08"))
	mustApply(t, svc, withdrawalEvent("W1", "client-1", domain.WithdrawalStatusBroadcast, "524.18"))

	// Redelivery of the identical event now lands in the guarded state.
	late := mustApply(t, svc, destinationEvent("B1", "client-1", "524.18"))
	if late.Outcome != domain.OutcomeApplied {
		t.Fatalf("redelivered destination outcome = %s", late.Outcome)
	}
	if late.ToState != domain.StateDestinationConfirmed {
		t.Fatalf("redelivered destination state = %s", late.ToState)
	}
}

func TestZARCreditMismatchFlagsAtCreation(t *testing.T) {
	st := store.NewMemory()
	svc := newTestService(st)
	ctx := context.Background()

	// 10000 requested, 9900 credited: 100 bps off against a 50 bps band.
	res := mustApply(t, svc, fiatEvent("D1", "client-1", "10000.00", "9900.00"))
	if res.Outcome != domain.OutcomeRejectedReconciliation {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.ToState != domain.StateFlagged {
		t.Fatalf("state = %s", res.ToState)
	}

	tr, err := st.GetSettlement(ctx, res.TransactionID)
	if err != nil {
		t.Fatalf("flagged settlement not persisted: %v", err)
	}
	if !tr.HasFlag(domain.FlagZARCreditMismatch) {
		t.Errorf("missing flag, got %v", tr.Flags)
	}

	// No conversion order may be placed for a flagged settlement.
	actions, _ := st.PendingActions(ctx, 10)
	if len(actions) != 0 {
		t.Errorf("flagged settlement enqueued actions: %v", actions)
	}
}

func TestZARCreditBoundaryPasses(t *testing.T) {
	st := store.NewMemory()
	svc := newTestService(st)

	// 9950 credited against 10000 requested is exactly 50 bps.
	res := mustApply(t, svc, fiatEvent("D1", "client-1", "10000.00", "9950.00"))
	if res.Outcome != domain.OutcomeApplied {
		t.Fatalf("boundary outcome = %s", res.Outcome)
	}
	if res.ToState != domain.StateZARDepositConfirmed {
		t.Fatalf("boundary state = %s", res.ToState)
	}
}

func TestUSDTReceiptMismatchThenResolve(t *testing.T) {
	st := store.NewMemory()
	svc := newTestService(st)
	ctx := context.Background()

	res := mustApply(t, svc, fiatEvent("D1", "client-1", "10000.00", "10000.00"))
	txID := res.TransactionID
	mustApply(t, svc, conversionEvent("O1", "client-1", "524.18", "19.08"))
	mustApply(t, svc, withdrawalEvent("W1", "client-1", domain.WithdrawalStatusBroadcast, "524.18"))

	short := mustApply(t, svc, destinationEvent("B1", "client-1", "500.00"))
	if short.Outcome != domain.OutcomeRejectedReconciliation {
		t.Fatalf("outcome = %s", short.Outcome)
	}
	if short.ToState != domain.StateFlagged {
		t.Fatalf("state = %s", short.ToState)
	}

	tr, _ := st.GetSettlement(ctx, txID)
	if !tr.HasFlag(domain.FlagUSDTReceiptMismatch) {
		t.Fatalf("flags = %v", tr.Flags)
	}

	resolved, err := svc.Resolve(ctx, txID, "ops@example.com", "shortfall covered manually")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.ToState != domain.StateResolvedManual {
		t.Fatalf("resolved state = %s", resolved.ToState)
	}

	if _, err := svc.Resolve(ctx, txID, "ops@example.com", "again"); !errors.Is(err, domain.ErrNotFlagged) {
		t.Fatalf("second resolve err = %v, want ErrNotFlagged", err)
	}

	// A terminal settlement is no longer matched by the in-flight lookup.
	if _, err := svc.ApplyEvent(ctx, destinationEvent("B2", "client-1", "524.18")); !errors.Is(err, domain.ErrLookupNotFound) {
		t.Fatalf("event after resolution: err = %v, want ErrLookupNotFound", err)
	}
}

func TestResolveRequiresFlaggedState(t *testing.T) {
	st := store.NewMemory()
	svc := newTestService(st)
	ctx := context.Background()

	res := mustApply(t, svc, fiatEvent("D1", "client-1", "10000.00", "10000.00"))
	if _, err := svc.Resolve(ctx, res.TransactionID, "ops@example.com", ""); !errors.Is(err, domain.ErrNotFlagged) {
		t.Fatalf("err = %v, want ErrNotFlagged", err)
	}
	if _, err := svc.Resolve(ctx, res.TransactionID, "", "missing operator"); !errors.Is(err, domain.ErrInvalidEvent) {
		t.Fatalf("err = %v, want ErrInvalidEvent", err)
	}
}

func TestWithdrawalFailureFlags(t *testing.T) {
	st := store.NewMemory()
	svc := newTestService(st)
	ctx := context.Background()

	res := mustApply(t, svc, fiatEvent("D1", "client-1", "10000.00", "10000.00"))
	txID := res.TransactionID
	mustApply(t, svc, conversionEvent("O1", "client-1", "524.18", "19.08"))

	failed := mustApply(t, svc, withdrawalEvent("W1", "client-1", domain.WithdrawalStatusFailed, ""))
	if failed.Outcome != domain.OutcomeApplied {
		t.Fatalf("outcome = %s (a failed withdrawal is processed, the settlement is flagged)", failed.Outcome)
	}
	if failed.ToState != domain.StateFlagged {
		t.Fatalf("state = %s", failed.ToState)
	}

	tr, _ := st.GetSettlement(ctx, txID)
	if !tr.HasFlag(domain.FlagWithdrawalFailed) {
		t.Fatalf("flags = %v", tr.Flags)
	}
	if !tr.AmountUSDTWithdrawn.IsZero() {
		t.Errorf("failed withdrawal recorded an amount: %s", tr.AmountUSDTWithdrawn)
	}
}

func TestEarlyConfirmedStatusIsInvalidTransition(t *testing.T) {
	st := store.NewMemory()
	svc := newTestService(st)

	mustApply(t, svc, fiatEvent("D1", "client-1", "10000.00", "10000.00"))
	mustApply(t, svc, conversionEvent("O1", "client-1", "524.18", "19.08"))

	confirmed := mustApply(t, svc, withdrawalEvent("W1", "client-1", domain.WithdrawalStatusConfirmed, "524.18"))
	if confirmed.Outcome != domain.OutcomeRejectedInvalidTransition {
		t.Fatalf("confirmed-before-broadcast outcome = %s", confirmed.Outcome)
	}

	broadcast := mustApply(t, svc, withdrawalEvent("W1", "client-1", domain.WithdrawalStatusBroadcast, "524.18"))
	if broadcast.Outcome != domain.OutcomeApplied {
		t.Fatalf("broadcast after rejected confirm = %s", broadcast.Outcome)
	}
}

func TestLookupFailsClosed(t *testing.T) {
	st := store.NewMemory()
	svc := newTestService(st)
	ctx := context.Background()

	// Nothing in flight at all.
	_, err := svc.ApplyEvent(ctx, conversionEvent("O1", "client-1", "524.18", "19.08"))
	if !errors.Is(err, domain.ErrLookupNotFound) {
		t.Fatalf("err = %v, want ErrLookupNotFound", err)
	}

	// Two in-flight settlements for the same client and no usable ref.
	mustApply(t, svc, fiatEvent("D1", "client-1", "10000.00", "10000.00"))
	mustApply(t, svc, fiatEvent("D2", "client-1", "20000.00", "20000.00"))

	_, err = svc.ApplyEvent(ctx, conversionEvent("O1", "client-1", "524.18", "19.08"))
	if !errors.Is(err, domain.ErrLookupAmbiguous) {
		t.Fatalf("err = %v, want ErrLookupAmbiguous", err)
	}

	// A recorded external ref disambiguates regardless of client.
	res := mustApply(t, svc, fiatEvent("D3", "client-2", "5000.00", "5000.00"))
	conv := mustApply(t, svc, conversionEvent("O3", "client-2", "262.09", "19.08"))
	if conv.TransactionID != res.TransactionID {
		t.Fatal("conversion matched the wrong settlement")
	}
	w := mustApply(t, svc, withdrawalEvent("W3", "client-2", domain.WithdrawalStatusBroadcast, "262.09"))
	if w.TransactionID != res.TransactionID {
		t.Fatal("withdrawal matched the wrong settlement")
	}
}

func TestFlaggedSettlementNotALookupCandidate(t *testing.T) {
	st := store.NewMemory()
	svc := newTestService(st)

	// The short credit flags this settlement at creation.
	flagged := mustApply(t, svc, fiatEvent("D1", "client-1", "10000.00", "9000.00"))
	if flagged.ToState != domain.StateFlagged {
		t.Fatalf("state = %s", flagged.ToState)
	}

	res := mustApply(t, svc, fiatEvent("D2", "client-1", "10000.00", "10000.00"))

	// A flagged settlement accepts no webhook events, so the healthy one is
	// the only candidate left for the client.
	conv := mustApply(t, svc, conversionEvent("O1", "client-1", "524.18", "19.08"))
	if conv.Outcome != domain.OutcomeApplied {
		t.Fatalf("outcome = %s", conv.Outcome)
	}
	if conv.TransactionID != res.TransactionID {
		t.Fatal("conversion matched the flagged settlement")
	}
}

func TestConcurrentRedelivery(t *testing.T) {
	st := store.NewMemory()
	svc := newTestService(st)

	const n = 16
	results := make([]*domain.Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.ApplyEvent(context.Background(), fiatEvent("D1", "client-1", "10000.00", "10000.00"))
		}(i)
	}
	wg.Wait()

	var applied, duplicates int
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		switch results[i].Outcome {
		case domain.OutcomeApplied:
			applied++
		case domain.OutcomeRejectedDuplicate:
			duplicates++
		default:
			t.Fatalf("worker %d outcome = %s", i, results[i].Outcome)
		}
	}
	if applied != 1 || duplicates != n-1 {
		t.Fatalf("applied = %d, duplicates = %d", applied, duplicates)
	}

	all, _ := st.ListSettlements(context.Background(), "", "")
	if len(all) != 1 {
		t.Fatalf("settlements created = %d, want 1", len(all))
	}
}

func TestReplayReproducesSettlement(t *testing.T) {
	st := store.NewMemory()
	svc := newTestService(st)
	ctx := context.Background()

	res := mustApply(t, svc, fiatEvent("D1", "client-1", "10000.00", "10000.00"))
	txID := res.TransactionID
	mustApply(t, svc, fiatEvent("D1", "client-1", "10000.00", "10000.00")) // duplicate
	mustApply(t, svc, destinationEvent("B1", "client-1", "524.18"))        // out of order
	mustApply(t, svc, conversionEvent("O1", "client-1", "524.18", "19.08"))
	mustApply(t, svc, withdrawalEvent("W1", "client-1", domain.WithdrawalStatusBroadcast, "524.18"))
	mustApply(t, svc, destinationEvent("B1", "client-1", "524.18"))

	stored, err := st.GetSettlement(ctx, txID)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := st.AuditHistory(ctx, txID)
	if err != nil {
		t.Fatal(err)
	}
	replayed, err := domain.Replay(entries)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if replayed.ID != stored.ID || replayed.ClientID != stored.ClientID {
		t.Errorf("identity mismatch: %+v vs %+v", replayed, stored)
	}
	if replayed.State != stored.State {
		t.Errorf("state = %s, want %s", replayed.State, stored.State)
	}
	if replayed.Version != stored.Version {
		t.Errorf("version = %d, want %d", replayed.Version, stored.Version)
	}
	amounts := []struct {
		name string
		a, b decimal.Decimal
	}{
		{"zar requested", replayed.AmountZARRequested, stored.AmountZARRequested},
		{"zar credited", replayed.AmountZARCredited, stored.AmountZARCredited},
		{"usdt ordered", replayed.AmountUSDTOrdered, stored.AmountUSDTOrdered},
		{"usdt withdrawn", replayed.AmountUSDTWithdrawn, stored.AmountUSDTWithdrawn},
		{"usdt received", replayed.AmountUSDTReceived, stored.AmountUSDTReceived},
		{"rate", replayed.ConversionRate, stored.ConversionRate},
	}
	for _, c := range amounts {
		if !c.a.Equal(c.b) {
			t.Errorf("%s = %s, want %s", c.name, c.a, c.b)
		}
	}
	for stage, want := range stored.ExternalRefs {
		if replayed.ExternalRefs[stage] != want {
			t.Errorf("ref[%s] = %q, want %q", stage, replayed.ExternalRefs[stage], want)
		}
	}
	if !replayed.CreatedAt.Equal(stored.CreatedAt) {
		t.Errorf("created at = %s, want %s", replayed.CreatedAt, stored.CreatedAt)
	}
	if !replayed.UpdatedAt.Equal(stored.UpdatedAt) {
		t.Errorf("updated at = %s, want %s", replayed.UpdatedAt, stored.UpdatedAt)
	}
}

func TestStorageFailurePropagates(t *testing.T) {
	st := store.NewMemory()
	svc := newTestService(st)

	boom := fmt.Errorf("connection refused")
	st.FailWith(boom)
	_, err := svc.ApplyEvent(context.Background(), fiatEvent("D1", "client-1", "10000.00", "10000.00"))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}

	st.FailWith(nil)
	if _, err := svc.ApplyEvent(context.Background(), fiatEvent("D1", "client-1", "10000.00", "10000.00")); err != nil {
		t.Fatalf("recovery failed: %v", err)
	}
}

func TestInvalidEventRejectedBeforeStorage(t *testing.T) {
	st := store.NewMemory()
	st.FailWith(fmt.Errorf("must not be reached"))
	svc := newTestService(st)

	ev := fiatEvent("D1", "client-1", "10000.00", "10000.00")
	ev.Fiat = nil
	if _, err := svc.ApplyEvent(context.Background(), ev); !errors.Is(err, domain.ErrInvalidEvent) {
		t.Fatalf("err = %v, want ErrInvalidEvent", err)
	}
}
