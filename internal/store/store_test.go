package store_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/synapse/internal/store"
	"github.com/KafClaw/synapse/internal/store/storetest"
)

func TestOpenAppliesSchemaWithBothDrivers(t *testing.T) {
	for _, driver := range []string{store.DriverModernc, store.DriverMattn} {
		t.Run(driver, func(t *testing.T) {
			st := storetest.OpenWithDriver(t, driver)
			var n int
			err := st.DB().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='memory_entries'`).Scan(&n)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			assert.Equal(t, driver, st.Driver())
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := store.Open(context.Background(), store.Options{Driver: "postgres", Path: t.TempDir() + "/x.db"})
	require.Error(t, err)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, st.DB(), func(tx *sql.Tx) error {
		now := store.FormatTime(time.Now())
		if _, err := tx.ExecContext(ctx, `INSERT INTO system_config (key, value, value_type, updated_at) VALUES ('k', '"v"', 'string', ?)`, now); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, st.DB().QueryRow(`SELECT COUNT(*) FROM system_config`).Scan(&n))
	assert.Zero(t, n)
}

func TestUniqueViolationDetection(t *testing.T) {
	st := storetest.Open(t)
	now := store.FormatTime(time.Now())
	insert := `INSERT INTO system_config (key, value, value_type, updated_at) VALUES ('dup', '1', 'number', ?)`
	_, err := st.DB().Exec(insert, now)
	require.NoError(t, err)
	_, err = st.DB().Exec(insert, now)
	require.Error(t, err)
	assert.True(t, store.IsUniqueViolation(err))
	assert.False(t, store.IsUniqueViolation(fmt.Errorf("other")))
}

func TestRetryOnBusyStopsOnNonBusyError(t *testing.T) {
	calls := 0
	err := store.RetryOnBusy(context.Background(), 3, func() error {
		calls++
		return errors.New("syntax error")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	calls = 0
	err = store.RetryOnBusy(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestTimeCodecSortsLexicographically(t *testing.T) {
	a := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	b := a.Add(time.Nanosecond * 500)
	assert.Less(t, store.FormatTime(a), store.FormatTime(b))
	assert.True(t, store.ParseTime(store.FormatTime(b)).Equal(b))
}

func TestVectorCodecRoundTrip(t *testing.T) {
	v := []float32{0.1, -2.5, 3.14159, 0}
	assert.Equal(t, v, store.DecodeVector(store.EncodeVector(v)))
	assert.InDelta(t, 1.0, store.CosineSimilarity(v, v), 1e-9)
	assert.Zero(t, store.CosineSimilarity(v, []float32{1}))
}

func TestScoreChecks(t *testing.T) {
	require.NoError(t, store.CheckUnit("confidence", 0.5))
	require.ErrorIs(t, store.CheckUnit("confidence", 1.01), store.ErrValidation)
	require.ErrorIs(t, store.CheckRange("sentiment", -1.5, -1, 1), store.ErrValidation)
}

func TestScheduledJobBookkeeping(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertScheduledJob(ctx, "sweep", "ok", "", time.Now()))
	require.NoError(t, st.UpsertScheduledJob(ctx, "sweep", "failed", "boom", time.Now()))
	jobs, err := st.ListScheduledJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].RunCount)
	assert.Equal(t, "failed", jobs[0].LastStatus)
	assert.Equal(t, "boom", jobs[0].LastError)
}
