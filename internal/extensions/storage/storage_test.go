package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"msr/pkg/hook"
)

var base = time.Date(2026, 10, 14, 22, 0, 0, 0, time.UTC)

func record(i int, sev hook.Severity, source string) hook.Record {
	at := base.Add(time.Duration(i) * time.Hour)
	return hook.Record{
		ID:        fmt.Sprintf("r%d", i),
		CreatedAt: at,
		Entry: hook.Entry{
			OccurredAt: at,
			Severity:   sev,
			Source:     source,
			Code:       int32(100 + i),
			Text:       fmt.Sprintf("entry %d, with comma", i),
			Data:       fmt.Sprintf(`{"value":%d}`, i),
		},
	}
}

func ids(records []hook.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

// storages runs a test against every storage implementation.
func storages(t *testing.T) map[string]hook.Storage {
	csvStorage, err := NewCSV(t.TempDir(), "journal", zap.NewNop())
	require.NoError(t, err)
	return map[string]hook.Storage{
		"memory": NewMemory(100),
		"csv":    csvStorage,
	}
}

func TestStorage_RecentAndFilter(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			ctx := context.Background()

			require.NoError(t, s.Append(ctx, record(0, hook.SeverityInformation, "threshold")))
			require.NoError(t, s.Append(ctx, record(1, hook.SeverityWarning, "threshold")))
			require.NoError(t, s.Append(ctx, record(2, hook.SeverityError, "alarm")))
			require.NoError(t, s.Append(ctx, record(3, hook.SeverityDiagnostic, "alarm")))

			recent, err := s.Recent(ctx, 3)
			require.NoError(t, err)
			assert.Equal(t, []string{"r3", "r2", "r1"}, ids(recent))

			all, err := s.Recent(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, all, 4)

			warnings, err := s.Filter(ctx, 10, hook.Filter{MinSeverity: hook.SeverityWarning})
			require.NoError(t, err)
			assert.Equal(t, []string{"r1", "r2"}, ids(warnings))

			alarm, err := s.Filter(ctx, 1, hook.Filter{Sources: []string{"alarm"}})
			require.NoError(t, err)
			assert.Equal(t, []string{"r2"}, ids(alarm))

			codes, err := s.Filter(ctx, 0, hook.Filter{Codes: []int32{100, 103}})
			require.NoError(t, err)
			assert.Equal(t, []string{"r0", "r3"}, ids(codes))

			since, err := s.Filter(ctx, 0, hook.Filter{Since: base.Add(2 * time.Hour)})
			require.NoError(t, err)
			assert.Equal(t, []string{"r2", "r3"}, ids(since))

			got := recent[1]
			assert.Equal(t, hook.SeverityError, got.Severity)
			assert.Equal(t, "alarm", got.Source)
			assert.Equal(t, int32(102), got.Code)
			assert.Equal(t, "entry 2, with comma", got.Text)
			assert.Equal(t, `{"value":2}`, got.Data)
			assert.True(t, got.CreatedAt.Equal(base.Add(2*time.Hour)))
		})
	}
}

func TestStorage_Closed(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Close())
			assert.ErrorIs(t, s.Append(context.Background(), record(0, hook.SeverityInformation, "x")), ErrClosed)
			_, err := s.Recent(context.Background(), 1)
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestMemory_EvictsOldest(t *testing.T) {
	m := NewMemory(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Append(ctx, record(i, hook.SeverityInformation, "s")))
	}

	assert.Equal(t, 3, m.Len())
	assert.Equal(t, uint64(2), m.Evicted())

	recent, err := m.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"r4", "r3", "r2"}, ids(recent))

	oldest, err := m.Filter(ctx, 0, hook.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"r2", "r3", "r4"}, ids(oldest))
}

func TestCSV_RollsPerDayAndReopens(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCSV(dir, "journal", nil)
	require.NoError(t, err)
	ctx := context.Background()

	// base is 22:00 UTC, so records 0 and 1 land on the 14th, 2 and 3 on the 15th.
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Append(ctx, record(i, hook.SeverityInformation, "s")))
	}
	require.NoError(t, s.Close())

	files, err := filepath.Glob(filepath.Join(dir, "journal-*.csv"))
	require.NoError(t, err)
	assert.Len(t, files, 2)

	data, err := os.ReadFile(filepath.Join(dir, "journal-2026-10-14.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "id,created_at,severity,source,code,text,json\n")
	assert.Contains(t, string(data), `"entry 0, with comma"`)

	// Appending after reopen must not repeat the header
	s, err = NewCSV(dir, "journal", nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Append(ctx, record(4, hook.SeverityWarning, "s")))

	recent, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"r4", "r3", "r2", "r1", "r0"}, ids(recent))
}

func TestCSV_SkipsMalformedRows(t *testing.T) {
	dir := t.TempDir()
	content := "id,created_at,severity,source,code,text,json\n" +
		"good,2026-10-14T10:00:00Z,warning,threshold,7,ok,\n" +
		"bad,not-a-time,warning,threshold,7,broken,\n" +
		"short,row\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "journal-2026-10-14.csv"), []byte(content), 0644))

	s, err := NewCSV(dir, "journal", zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	records, err := s.Filter(context.Background(), 0, hook.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, ids(records))
}

func TestNewCSV_Validation(t *testing.T) {
	_, err := NewCSV("", "journal", nil)
	assert.Error(t, err)

	_, err = NewCSV(t.TempDir(), "a/b", nil)
	assert.Error(t, err)
}

func TestRegisteredExtensions(t *testing.T) {
	assert.Contains(t, hook.Storages.Names(), "memory")
	assert.Contains(t, hook.Storages.Names(), "csv")

	s, err := hook.Storages.Create("csv", hook.Settings{"dir": t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = hook.Storages.Create("memory", hook.Settings{"capacity": 2})
	require.NoError(t, err)
	m, ok := s.(*Memory)
	require.True(t, ok)
	assert.Len(t, m.records, 2)
}
