package indexer

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/juno-intents/shielded-pool/internal/chainevent"
	"github.com/juno-intents/shielded-pool/internal/commitment"
	"github.com/juno-intents/shielded-pool/internal/field"
	"github.com/juno-intents/shielded-pool/internal/merkle"
)

const testLevels = 4

func newTestIndexer(t *testing.T, store commitment.Store, pub Publisher) *Indexer {
	t.Helper()
	if store == nil {
		store = commitment.NewMemoryStore()
	}
	ix, err := New(Config{Levels: testLevels, RootHistory: 10, Publisher: pub}, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ix.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	return ix
}

func obs(c int64, index uint64) Observation {
	return Observation{Commitment: big.NewInt(c), Index: index, Slot: 10 + index, Signature: "sig", EncryptedOutput: []byte{byte(c)}}
}

func mustReconcile(t *testing.T, ix *Indexer, o Observation, want Outcome) {
	t.Helper()
	got, err := ix.Reconcile(context.Background(), o)
	if err != nil {
		t.Fatalf("Reconcile(%s@%d): %v", o.Commitment, o.Index, err)
	}
	if got != want {
		t.Fatalf("Reconcile(%s@%d) = %s, want %s", o.Commitment, o.Index, got, want)
	}
}

func rootOf(t *testing.T, ix *Indexer) RootInfo {
	t.Helper()
	r, err := ix.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	return r
}

func programLogs(t *testing.T, evs ...chainevent.CommitmentEvent) []string {
	t.Helper()
	logs := []string{"Program log: Instruction: Transact"}
	for _, ev := range evs {
		p, err := chainevent.Encode(ev)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		logs = append(logs, chainevent.ProgramDataPrefix+base64.StdEncoding.EncodeToString(p))
	}
	return logs
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Levels: 0}, commitment.NewMemoryStore(), nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("levels 0: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(Config{Levels: 4}, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil store: expected ErrInvalidConfig, got %v", err)
	}
	ix, err := New(Config{Levels: 4}, commitment.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := ix.Root(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady before rebuild, got %v", err)
	}
	if _, err := ix.Reconcile(context.Background(), obs(1, 0)); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestReconcile_OutOfOrderEventPadsGap(t *testing.T) {
	t.Parallel()

	ix := newTestIndexer(t, nil, nil)
	mustReconcile(t, ix, obs(55, 5), OutcomeInserted)

	r := rootOf(t, ix)
	if r.NextIndex != 6 {
		t.Fatalf("next index = %d, want 6", r.NextIndex)
	}
	want, _ := merkle.Build(testLevels, []*big.Int{nil, nil, nil, nil, nil, big.NewInt(55)})
	if r.Root.Cmp(want.Root()) != 0 {
		t.Fatalf("root mismatch")
	}

	for i := uint64(0); i < 5; i++ {
		mustReconcile(t, ix, obs(int64(100+i), i), OutcomeInserted)
	}
	if got := rootOf(t, ix).NextIndex; got != 6 {
		t.Fatalf("filling gaps changed next index to %d", got)
	}
	p, err := ix.Proof(big.NewInt(102))
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	if !merkle.VerifyPath(nil, big.NewInt(102), p, rootOf(t, ix).Root) {
		t.Fatalf("proof does not verify")
	}
}

func TestReconcile_IsIdempotent(t *testing.T) {
	t.Parallel()

	store := commitment.NewMemoryStore()
	ix := newTestIndexer(t, store, nil)
	mustReconcile(t, ix, obs(7, 0), OutcomeInserted)
	mustReconcile(t, ix, obs(8, 1), OutcomeInserted)
	before := rootOf(t, ix)

	mustReconcile(t, ix, obs(8, 1), OutcomeDuplicate)

	after := rootOf(t, ix)
	if after.NextIndex != before.NextIndex || after.Root.Cmp(before.Root) != 0 {
		t.Fatalf("duplicate changed tree state")
	}
	if n, _ := store.Count(context.Background()); n != 2 {
		t.Fatalf("record count = %d, want 2", n)
	}
}

func TestReconcile_ConflictLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	store := commitment.NewMemoryStore()
	ix := newTestIndexer(t, store, nil)
	mustReconcile(t, ix, obs(7, 0), OutcomeInserted)
	before := rootOf(t, ix)

	out, err := ix.Reconcile(context.Background(), obs(9, 0))
	if !errors.Is(err, ErrIndexConflict) {
		t.Fatalf("expected ErrIndexConflict, got %v", err)
	}
	if out != OutcomeConflict {
		t.Fatalf("outcome = %s", out)
	}
	after := rootOf(t, ix)
	if after.Root.Cmp(before.Root) != 0 || after.NextIndex != before.NextIndex {
		t.Fatalf("conflict mutated tree")
	}
	rec, err := store.GetByIndex(context.Background(), 0)
	if err != nil || rec.Value().Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("conflict mutated store: %+v %v", rec, err)
	}
	if _, err := store.GetByCommitment(context.Background(), field.ToBytes32(big.NewInt(9))); !errors.Is(err, commitment.ErrNotFound) {
		t.Fatalf("conflicting commitment persisted")
	}
}

func TestReconcile_CorrectsIndex(t *testing.T) {
	t.Parallel()

	store := commitment.NewMemoryStore()
	pub := &recordingPublisher{}
	ix := newTestIndexer(t, store, pub)
	mustReconcile(t, ix, obs(31, 3), OutcomeInserted)
	mustReconcile(t, ix, obs(31, 7), OutcomeCorrected)

	rec, err := store.GetByCommitment(context.Background(), field.ToBytes32(big.NewInt(31)))
	if err != nil || rec.Index != 7 {
		t.Fatalf("stored index = %d, %v", rec.Index, err)
	}
	if _, err := store.GetByIndex(context.Background(), 3); !errors.Is(err, commitment.ErrNotFound) {
		t.Fatalf("stale index still stored")
	}
	r := rootOf(t, ix)
	if r.NextIndex != 8 {
		t.Fatalf("next index = %d, want 8", r.NextIndex)
	}
	p, err := ix.Proof(big.NewInt(31))
	if err != nil || p.Index != 7 {
		t.Fatalf("Proof = %+v, %v", p, err)
	}

	fresh := newTestIndexer(t, store, nil)
	if got := rootOf(t, fresh); got.Root.Cmp(r.Root) != 0 || got.NextIndex != r.NextIndex {
		t.Fatalf("rebuilt tree differs from live tree after correction")
	}

	if len(pub.records) != 2 || !pub.corrected[1] || pub.records[1].Index != 7 {
		t.Fatalf("published %+v / %v", pub.records, pub.corrected)
	}
}

func TestReconcile_RejectsInvalid(t *testing.T) {
	t.Parallel()

	ix := newTestIndexer(t, nil, nil)
	if _, err := ix.Reconcile(context.Background(), obs(0, 0)); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("zero commitment: expected ErrInvalidEvent, got %v", err)
	}
	o := obs(1, 0)
	o.Commitment = field.Modulus()
	if _, err := ix.Reconcile(context.Background(), o); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("out of field: expected ErrInvalidEvent, got %v", err)
	}
	if _, err := ix.Reconcile(context.Background(), obs(1, 1<<testLevels)); !errors.Is(err, merkle.ErrTreeFull) {
		t.Fatalf("past capacity: expected ErrTreeFull, got %v", err)
	}
}

func TestRebuild_MatchesIncrementalTree(t *testing.T) {
	t.Parallel()

	store := commitment.NewMemoryStore()
	ix := newTestIndexer(t, store, nil)
	for _, o := range []Observation{obs(1, 0), obs(4, 3), obs(2, 1), obs(9, 9)} {
		mustReconcile(t, ix, o, OutcomeInserted)
	}
	want := rootOf(t, ix)

	if err := ix.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	got := rootOf(t, ix)
	if got.Root.Cmp(want.Root) != 0 || got.NextIndex != want.NextIndex {
		t.Fatalf("rebuild root/next = %s/%d, want %s/%d", got.Root, got.NextIndex, want.Root, want.NextIndex)
	}
	info, err := ix.TreeInfo()
	if err != nil {
		t.Fatalf("TreeInfo: %v", err)
	}
	if info.Records != 4 || info.Levels != testLevels || info.Capacity != 16 {
		t.Fatalf("TreeInfo = %+v", info)
	}
	if !ix.IsKnownRoot(want.Root) {
		t.Fatalf("current root unknown")
	}
}

func TestRebuild_RejectsRecordsBeyondCapacity(t *testing.T) {
	t.Parallel()

	store := commitment.NewMemoryStore()
	_ = store.Insert(context.Background(), commitment.Record{Commitment: field.ToBytes32(big.NewInt(1)), Index: 1 << testLevels})
	ix, err := New(Config{Levels: testLevels}, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ix.Rebuild(context.Background()); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestApplyTransaction_DualEvent(t *testing.T) {
	t.Parallel()

	store := commitment.NewMemoryStore()
	ix := newTestIndexer(t, store, nil)
	blob := []byte("two notes")
	tx := Transaction{
		Signature: "tx1",
		Slot:      77,
		Logs: programLogs(t, chainevent.CommitmentEvent{
			Index:           2,
			Commitments:     []*big.Int{big.NewInt(20), big.NewInt(21)},
			EncryptedOutput: blob,
		}),
	}
	res, err := ix.ApplyTransaction(context.Background(), tx)
	if err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}
	if res.Events != 1 || res.Outcomes[OutcomeInserted] != 2 {
		t.Fatalf("result = %+v", res)
	}
	second, err := store.GetByIndex(context.Background(), 3)
	if err != nil || second.Value().Cmp(big.NewInt(21)) != 0 || second.Slot != 77 || second.Signature != "tx1" {
		t.Fatalf("second leaf = %+v, %v", second, err)
	}

	outs, err := ix.EncryptedOutputs(context.Background(), 0, 100)
	if err != nil {
		t.Fatalf("EncryptedOutputs: %v", err)
	}
	if len(outs) != 1 || outs[0].Index != 2 || !bytes.Equal(outs[0].Blob, blob) {
		t.Fatalf("encrypted outputs = %+v", outs)
	}

	res, err = ix.ApplyTransaction(context.Background(), tx)
	if err != nil || res.Outcomes[OutcomeDuplicate] != 2 {
		t.Fatalf("replay = %+v, %v", res, err)
	}
}

func TestApplyTransaction_SkipsFailedAndForeignLogs(t *testing.T) {
	t.Parallel()

	ix := newTestIndexer(t, nil, nil)
	logs := programLogs(t, chainevent.CommitmentEvent{Index: 0, Commitments: []*big.Int{big.NewInt(5)}})

	res, err := ix.ApplyTransaction(context.Background(), Transaction{Signature: "f", Logs: logs, Failed: true})
	if err != nil || res.Events != 0 {
		t.Fatalf("failed tx applied: %+v %v", res, err)
	}

	res, err = ix.ApplyTransaction(context.Background(), Transaction{Signature: "u", Logs: []string{"Program data: %%%"}})
	if err != nil {
		t.Fatalf("unparsable logs must not fail: %v", err)
	}
	if res.ParseErr == nil {
		t.Fatalf("expected ParseErr")
	}
	if rootOf(t, ix).NextIndex != 0 {
		t.Fatalf("tree changed")
	}
}

func TestReconcile_ConcurrentWritersAndReaders(t *testing.T) {
	t.Parallel()

	ix := newTestIndexer(t, nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if _, err := ix.Reconcile(context.Background(), obs(int64(1000+i), uint64(i))); err != nil {
				t.Errorf("Reconcile %d: %v", i, err)
			}
		}(i)
		go func() {
			defer wg.Done()
			_, _ = ix.Root()
			_, _ = ix.TreeInfo()
		}()
	}
	wg.Wait()

	leaves := make([]*big.Int, 16)
	for i := range leaves {
		leaves[i] = big.NewInt(int64(1000 + i))
	}
	want, _ := merkle.Build(testLevels, leaves)
	if rootOf(t, ix).Root.Cmp(want.Root()) != 0 {
		t.Fatalf("concurrent reconciliation produced a different root")
	}
}

type recordingPublisher struct {
	mu        sync.Mutex
	records   []commitment.Record
	corrected []bool
}

func (p *recordingPublisher) PublishCommitment(_ context.Context, r commitment.Record, corrected bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, r)
	p.corrected = append(p.corrected, corrected)
	return nil
}
