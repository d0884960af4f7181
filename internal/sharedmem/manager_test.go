package sharedmem_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/synapse/internal/agents"
	"github.com/KafClaw/synapse/internal/sharedmem"
	"github.com/KafClaw/synapse/internal/store"
	"github.com/KafClaw/synapse/internal/store/storetest"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T) (*sharedmem.Manager, *clock) {
	t.Helper()
	st := storetest.Open(t)
	reg := agents.NewRegistry(st.DB())
	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := reg.Register(context.Background(), agents.RegisterInput{ID: id, Name: id})
		require.NoError(t, err)
	}
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := sharedmem.NewManager(st.DB(), reg)
	m.SetClock(c.now)
	return m, c
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestLastWriterWinsAndAccessLogOrder(t *testing.T) {
	m, c := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateBank(ctx, sharedmem.BankInput{Name: "shared"})
	require.NoError(t, err)

	res, err := m.Write(ctx, sharedmem.WriteInput{Bank: "shared", Key: "plan", Content: raw(`{"v":1}`), AgentID: "a1"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	c.advance(time.Second)
	res, err = m.Write(ctx, sharedmem.WriteInput{Bank: "shared", Key: "plan", Content: raw(`{"v":2}`), AgentID: "a2"})
	require.NoError(t, err)
	assert.False(t, res.Created)
	c.advance(time.Second)

	got, err := m.Read(ctx, "shared", "plan", "a3")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got.Content))
	assert.Equal(t, 1, got.AccessCount)
	assert.Equal(t, "a1", got.CreatedByAgentID)

	log, err := m.AccessLog(ctx, "shared", "plan")
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, sharedmem.AccessWrite, log[0].Kind)
	assert.Equal(t, "a1", log[0].AgentID)
	assert.Equal(t, sharedmem.AccessUpdate, log[1].Kind)
	assert.Equal(t, "a2", log[1].AgentID)
	assert.Equal(t, sharedmem.AccessRead, log[2].Kind)
	assert.Equal(t, "a3", log[2].AgentID)

	b, err := m.GetBank(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(len(`{"v":2}`)), b.CurrentSizeBytes)
}

func TestUsageBasedBankEvictsLeastRecentlyUsed(t *testing.T) {
	m, c := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateBank(ctx, sharedmem.BankInput{Name: "cache", Retention: sharedmem.RetentionUsage, MaxSizeMB: 1024})
	require.NoError(t, err)

	write := func(key string, mb int64) *sharedmem.WriteResult {
		t.Helper()
		res, err := m.Write(ctx, sharedmem.WriteInput{Bank: "cache", Key: key, Kind: sharedmem.EntryCache,
			Content: raw(`{}`), SizeBytes: mb * sharedmem.MB})
		require.NoError(t, err)
		c.advance(time.Minute)
		return res
	}
	write("old", 300)
	write("recent", 400)
	_, err = m.Read(ctx, "cache", "old", "")
	require.NoError(t, err)
	c.advance(time.Minute)

	res := write("big", 600)
	assert.Equal(t, []string{"recent"}, res.Evicted)

	b, err := m.GetBank(ctx, "cache")
	require.NoError(t, err)
	assert.Equal(t, 900*sharedmem.MB, b.CurrentSizeBytes)
	assert.LessOrEqual(t, b.CurrentSizeBytes, b.MaxSizeBytes)

	_, err = m.Read(ctx, "cache", "recent", "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	log, err := m.AccessLog(ctx, "cache", "recent")
	require.NoError(t, err)
	require.NotEmpty(t, log)
	last := log[len(log)-1]
	assert.Equal(t, sharedmem.AccessDelete, last.Kind)
	assert.Contains(t, string(last.Context), "evicted")
}

func TestOversizedEntryEvictsNothing(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateBank(ctx, sharedmem.BankInput{Name: "cache", Retention: sharedmem.RetentionUsage, MaxSizeMB: 1})
	require.NoError(t, err)
	_, err = m.Write(ctx, sharedmem.WriteInput{Bank: "cache", Key: "k", Content: raw(`{}`), SizeBytes: 1000})
	require.NoError(t, err)

	_, err = m.Write(ctx, sharedmem.WriteInput{Bank: "cache", Key: "huge", Content: raw(`{}`), SizeBytes: 2 * sharedmem.MB})
	assert.ErrorIs(t, err, store.ErrQuotaExceeded)

	entries, err := m.ListEntries(ctx, "cache")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "k", entries[0].Key)
}

func TestPermanentBankRejectsOverQuota(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateBank(ctx, sharedmem.BankInput{Name: "archive", MaxSizeMB: 1})
	require.NoError(t, err)
	_, err = m.Write(ctx, sharedmem.WriteInput{Bank: "archive", Key: "a", Content: raw(`{}`), SizeBytes: 800 * 1024})
	require.NoError(t, err)

	_, err = m.Write(ctx, sharedmem.WriteInput{Bank: "archive", Key: "b", Content: raw(`{}`), SizeBytes: 300 * 1024})
	assert.ErrorIs(t, err, store.ErrQuotaExceeded)

	// Shrinking an existing entry always fits.
	_, err = m.Write(ctx, sharedmem.WriteInput{Bank: "archive", Key: "a", Content: raw(`{}`), SizeBytes: 100 * 1024})
	require.NoError(t, err)
	_, err = m.Write(ctx, sharedmem.WriteInput{Bank: "archive", Key: "b", Content: raw(`{}`), SizeBytes: 300 * 1024})
	require.NoError(t, err)

	stats, err := m.BankStats(ctx, "archive")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(400*1024), stats.CurrentSizeBytes)
}

func TestTimeBasedExpiryAndIdempotentSweep(t *testing.T) {
	m, c := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateBank(ctx, sharedmem.BankInput{Name: "session", Retention: sharedmem.RetentionTimeBased})
	require.NoError(t, err)

	_, err = m.Write(ctx, sharedmem.WriteInput{Bank: "session", Key: "short", Content: raw(`{"x":1}`), TTL: time.Minute})
	require.NoError(t, err)
	_, err = m.Write(ctx, sharedmem.WriteInput{Bank: "session", Key: "long", Content: raw(`{"x":2}`), TTL: time.Hour})
	require.NoError(t, err)

	c.advance(2 * time.Minute)
	_, err = m.Read(ctx, "session", "short", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = m.Read(ctx, "session", "long", "")
	require.NoError(t, err)

	first, err := m.Sweep(ctx, "session")
	require.NoError(t, err)
	assert.Equal(t, []string{"short"}, first.Removed)

	second, err := m.Sweep(ctx, "session")
	require.NoError(t, err)
	assert.Empty(t, second.Removed)
	assert.Zero(t, second.FreedBytes)

	b, err := m.GetBank(ctx, "session")
	require.NoError(t, err)
	assert.Equal(t, int64(len(`{"x":2}`)), b.CurrentSizeBytes)
}

func TestPermanentSweepIsNoop(t *testing.T) {
	m, c := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateBank(ctx, sharedmem.BankInput{Name: "keep"})
	require.NoError(t, err)
	_, err = m.Write(ctx, sharedmem.WriteInput{Bank: "keep", Key: "k", Content: raw(`{}`), TTL: time.Second})
	require.NoError(t, err)
	c.advance(time.Hour)

	res, err := m.Sweep(ctx, "keep")
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
	_, err = m.Read(ctx, "keep", "k", "")
	require.NoError(t, err)
}

func TestExpiredBankRejectsWritesAndSweepsClean(t *testing.T) {
	m, c := newTestManager(t)
	ctx := context.Background()
	exp := c.now().Add(time.Hour)
	_, err := m.CreateBank(ctx, sharedmem.BankInput{Name: "tmp", Kind: sharedmem.BankTemporary,
		Retention: sharedmem.RetentionTimeBased, ExpiresAt: &exp})
	require.NoError(t, err)
	_, err = m.Write(ctx, sharedmem.WriteInput{Bank: "tmp", Key: "a", Content: raw(`{}`)})
	require.NoError(t, err)

	c.advance(2 * time.Hour)
	_, err = m.Write(ctx, sharedmem.WriteInput{Bank: "tmp", Key: "b", Content: raw(`{}`)})
	assert.ErrorIs(t, err, store.ErrValidation)

	results, err := m.SweepAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []string{"a"}, results[0].Removed)

	b, err := m.GetBank(ctx, "tmp")
	require.NoError(t, err)
	assert.Zero(t, b.CurrentSizeBytes)
}

func TestAccessControl(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateBank(ctx, sharedmem.BankInput{Name: "mine", AccessLevel: sharedmem.AccessPrivate})
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = m.CreateBank(ctx, sharedmem.BankInput{Name: "mine", AccessLevel: sharedmem.AccessPrivate, OwnerAgentID: "a1"})
	require.NoError(t, err)
	_, err = m.CreateBank(ctx, sharedmem.BankInput{Name: "team", AccessLevel: sharedmem.AccessRestricted, OwnerAgentID: "a1"})
	require.NoError(t, err)
	_, err = m.CreateBank(ctx, sharedmem.BankInput{Name: "team"})
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = m.Write(ctx, sharedmem.WriteInput{Bank: "mine", Key: "k", Content: raw(`{}`), AgentID: "a1"})
	require.NoError(t, err)
	_, err = m.Read(ctx, "mine", "k", "a2")
	assert.ErrorIs(t, err, sharedmem.ErrAccessDenied)
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = m.Read(ctx, "mine", "k", "")
	assert.ErrorIs(t, err, sharedmem.ErrAccessDenied)

	_, err = m.Write(ctx, sharedmem.WriteInput{Bank: "team", Key: "k", Content: raw(`{}`), AgentID: "a2"})
	assert.ErrorIs(t, err, sharedmem.ErrAccessDenied)
	require.NoError(t, m.Grant(ctx, "team", "a2"))
	require.NoError(t, m.Grant(ctx, "team", "a2"))
	_, err = m.Write(ctx, sharedmem.WriteInput{Bank: "team", Key: "k", Content: raw(`{}`), AgentID: "a2"})
	require.NoError(t, err)
	assert.ErrorIs(t, m.Delete(ctx, "team", "k", "a3"), sharedmem.ErrAccessDenied)
	require.NoError(t, m.Delete(ctx, "team", "k", "a1"))
	assert.ErrorIs(t, m.Delete(ctx, "team", "k", "a1"), store.ErrNotFound)
}

func TestSearchRanksBySimilarity(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateBank(ctx, sharedmem.BankInput{Name: "vec"})
	require.NoError(t, err)
	put := func(key string, vec []float32) {
		_, err := m.Write(ctx, sharedmem.WriteInput{Bank: "vec", Key: key, Content: raw(`{}`), Embedding: vec})
		require.NoError(t, err)
	}
	put("same", []float32{1, 0, 0})
	put("close", []float32{1, 1, 0})
	put("far", []float32{0, 0, 1})
	put("short", []float32{1, 0})

	hits, err := m.Search(ctx, "vec", "", []float32{1, 0, 0}, 0.5, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "same", hits[0].Key)
	assert.Equal(t, "close", hits[1].Key)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-9)
	assert.Equal(t, 1, hits[0].AccessCount)

	_, err = m.Search(ctx, "vec", "", nil, 0, 10)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestWriteValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateBank(ctx, sharedmem.BankInput{Name: "b"})
	require.NoError(t, err)

	cases := []sharedmem.WriteInput{
		{Bank: "b", Key: ""},
		{Bank: "b", Key: "k", Kind: "gossip"},
		{Bank: "b", Key: "k", Relevance: 1.5},
		{Bank: "b", Key: "k", Content: raw(`{not json`)},
		{Bank: "b", Key: "k", AgentID: "ghost"},
	}
	for i, in := range cases {
		_, err := m.Write(ctx, in)
		assert.ErrorIs(t, err, store.ErrValidation, "case %d", i)
	}
	_, err = m.Write(ctx, sharedmem.WriteInput{Bank: "missing", Key: "k"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentWritersAcrossHandles(t *testing.T) {
	ctx := context.Background()
	stores := storetest.OpenShared(t, 3)
	managers := make([]*sharedmem.Manager, len(stores))
	for i, st := range stores {
		managers[i] = sharedmem.NewManager(st.DB(), agents.NewRegistry(st.DB()))
	}
	reg := agents.NewRegistry(stores[0].DB())
	for i := range stores {
		_, err := reg.Register(ctx, agents.RegisterInput{ID: fmt.Sprintf("w%d", i), Name: "writer"})
		require.NoError(t, err)
	}
	_, err := managers[0].CreateBank(ctx, sharedmem.BankInput{Name: "hot"})
	require.NoError(t, err)

	const writes = 40
	keys := []string{"k0", "k1", "k2", "k3", "k4", "k5", "k6"}
	var wg sync.WaitGroup
	errs := make(chan error, len(managers)*writes)
	for h, m := range managers {
		wg.Add(1)
		go func(h int, m *sharedmem.Manager) {
			defer wg.Done()
			for i := 0; i < writes; i++ {
				tag := fmt.Sprintf(`{"w":"%d-%d"}`, h, i)
				_, err := m.Write(ctx, sharedmem.WriteInput{
					Bank: "hot", Key: keys[(h*writes+i)%len(keys)], AgentID: fmt.Sprintf("w%d", h),
					Content: raw(tag), Context: raw(tag), SizeBytes: int64(100 + 50*((h+i)%5)),
				})
				if err != nil {
					errs <- err
				}
			}
		}(h, m)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("write failed: %v", err)
	}

	bank, err := managers[1].GetBank(ctx, "hot")
	require.NoError(t, err)
	entries, err := managers[1].ListEntries(ctx, "hot")
	require.NoError(t, err)
	require.Len(t, entries, len(keys))
	var sum int64
	for _, e := range entries {
		sum += e.SizeBytes
	}
	assert.Equal(t, sum, bank.CurrentSizeBytes)

	total := 0
	for _, e := range entries {
		log, err := managers[2].AccessLog(ctx, "hot", e.Key)
		require.NoError(t, err)
		require.NotEmpty(t, log)
		assert.Equal(t, sharedmem.AccessWrite, log[0].Kind, "key %s", e.Key)
		for _, a := range log[1:] {
			assert.Equal(t, sharedmem.AccessUpdate, a.Kind, "key %s", e.Key)
		}
		total += len(log)
		// The value left behind is the one written by the last logged write.
		assert.JSONEq(t, string(log[len(log)-1].Context), string(e.Content), "key %s", e.Key)
	}
	assert.Equal(t, len(managers)*writes, total)
}
