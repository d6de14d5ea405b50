package commands

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/erpsync/am"
	"github.com/teranos/erpsync/engine"
	"github.com/teranos/erpsync/errors"
	dbtest "github.com/teranos/erpsync/internal/testing"
	"github.com/teranos/erpsync/pulse/schedule"
)

func TestParseDate(t *testing.T) {
	got, err := parseDate("from", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *got)

	got, err = parseDate("from", "2026-03-01T10:30:00+02:00")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)))

	got, err = parseDate("from", "  ")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseDate("from", "03/01/2026")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "--from")
}

func TestDateRange(t *testing.T) {
	from, to, err := dateRange("2026-01-01", "2026-01-31")
	require.NoError(t, err)
	assert.True(t, from.Before(*to))

	_, _, err = dateRange("2026-02-01", "2026-01-31")
	assert.True(t, errors.IsInvalidRequestError(err))

	from, to, err = dateRange("", "2026-01-31")
	require.NoError(t, err)
	assert.Nil(t, from)
	assert.NotNil(t, to)
}

func TestParseSpec(t *testing.T) {
	reset := func() {
		addCron, addInterval, addAt = "", 0, ""
	}
	t.Cleanup(reset)

	reset()
	addCron = "@hourly"
	spec, err := parseSpec()
	require.NoError(t, err)
	assert.Equal(t, schedule.Spec{Kind: schedule.KindCron, Cron: "@hourly"}, spec)

	reset()
	addInterval = 90 * time.Second
	spec, err = parseSpec()
	require.NoError(t, err)
	assert.Equal(t, schedule.KindInterval, spec.Kind)
	assert.Equal(t, 90, spec.IntervalSeconds)
	assert.Equal(t, "every 1m30s", describeSpec(spec))

	reset()
	addInterval = 1500 * time.Millisecond
	_, err = parseSpec()
	assert.True(t, errors.IsInvalidRequestError(err))

	reset()
	addAt = "2026-12-24"
	spec, err = parseSpec()
	require.NoError(t, err)
	assert.Equal(t, schedule.KindOnce, spec.Kind)
	require.NotNil(t, spec.At)

	reset()
	_, err = parseSpec()
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0123abcd", shortID("0123abcd-4567-89ef"))
	assert.Equal(t, "abc", shortID("abc"))
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	v := viper.New()
	am.SetDefaults(v)
	cfg, err := am.LoadWithViper(v)
	require.NoError(t, err)
	cfg.Storage.DataDir = t.TempDir()
	cfg.Sources = map[string]am.SourceConfig{
		"erp": {Type: am.SourceKindMemory, Records: 3},
	}

	e, err := engine.New(cfg, dbtest.CreateTestDB(t), engine.WithLogger(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

func TestResolveJob(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	schedJob := func(name string) *schedule.Job {
		j, err := e.Schedule(ctx, &schedule.Job{
			Name:       name,
			Type:       schedule.JobHealthCheck,
			Schedule:   schedule.Spec{Kind: schedule.KindCron, Cron: "0 0 1 1 *"},
			MaxRetries: 1,
		})
		require.NoError(t, err)
		return j
	}
	nightly := schedJob("nightly")
	hourly := schedJob("hourly")

	got, err := resolveJob(e.Scheduler(), nightly.ID)
	require.NoError(t, err)
	assert.Equal(t, nightly.ID, got.ID)

	got, err = resolveJob(e.Scheduler(), "hourly")
	require.NoError(t, err)
	assert.Equal(t, hourly.ID, got.ID)

	if nightly.ID[:8] != hourly.ID[:8] {
		got, err = resolveJob(e.Scheduler(), nightly.ID[:8])
		require.NoError(t, err)
		assert.Equal(t, nightly.ID, got.ID)
	}

	_, err = resolveJob(e.Scheduler(), "weekly")
	assert.True(t, errors.IsNotFoundError(err))

	_, err = resolveJob(e.Scheduler(), "")
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestSourceArg(t *testing.T) {
	e := newTestEngine(t)

	st, err := sourceArg(e, "erp")
	require.NoError(t, err)
	assert.Equal(t, "erp", string(st))

	_, err = sourceArg(e, "sap")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "erp")
	assert.Equal(t, []string{"declare it under [sources.sap] in am.toml"}, errors.GetAllHints(err))
}
