package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storytime/internal/domain"
)

func TestBatchWindow(t *testing.T) {
	cases := []struct {
		name          string
		start, end    int
		offset, limit int
		wantErr       bool
	}{
		{name: "all", start: 0, end: 0},
		{name: "range", start: 101, end: 110, offset: 100, limit: 10},
		{name: "single", start: 5, end: 5, offset: 4, limit: 1},
		{name: "open end", start: 3, offset: 2},
		{name: "open start", end: 7, limit: 7},
		{name: "reversed", start: 10, end: 2, wantErr: true},
		{name: "negative", start: -1, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			offset, limit, err := batchWindow(tc.start, tc.end)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.offset, offset)
			assert.Equal(t, tc.limit, limit)
		})
	}
}

func TestGenerateFlagsFilterValues(t *testing.T) {
	opts, err := generateFlags{
		lengths: []string{"10MIN", "full", "5min", "5min"},
		genders: []string{"girl", "robot"},
	}.batchOptions()
	require.NoError(t, err)
	assert.Equal(t, []domain.Length{domain.Length5Min, domain.Length10Min}, opts.Lengths)
	assert.Equal(t, []domain.Gender{domain.GenderGirl}, opts.Genders)

	opts, err = generateFlags{lengths: []string{"5min"}}.batchOptions()
	require.NoError(t, err)
	assert.Nil(t, opts.Genders)
}

func TestGenerateFlagsRejectEmptyAfterFiltering(t *testing.T) {
	_, err := generateFlags{lengths: []string{"full", "20min"}}.batchOptions()
	require.EqualError(t, err, "At least one valid target length must be specified")

	_, err = generateFlags{lengths: []string{"5min"}, genders: []string{"robot"}}.batchOptions()
	require.EqualError(t, err, "At least one valid gender version must be specified")
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestUnlockRecordUntilUnlocked(t *testing.T) {
	t.Setenv("TZ", "UTC")
	ledger := filepath.Join(t.TempDir(), "ledger.db")
	args := []string{"unlock", "record", "--ledger", ledger, "--device", "dev-1", "--story", "s1"}

	var last string
	for i := 0; i < domain.AdsToUnlock+1; i++ {
		out, err := runCommand(t, args...)
		require.NoError(t, err)
		if i == domain.AdsToUnlock-1 {
			assert.Contains(t, out, "Story unlocked for today")
		} else {
			assert.NotContains(t, out, "Story unlocked for today")
		}
		last = out
	}
	assert.Contains(t, last, "3/3 ads, unlocked")

	out, err := runCommand(t, "unlock", "status", "--ledger", ledger, "--device", "dev-2", "--story", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "0/3 ads, locked")
}

func TestUnlockPurgeKeepsRecentDays(t *testing.T) {
	t.Setenv("TZ", "UTC")
	ledger := filepath.Join(t.TempDir(), "ledger.db")
	_, err := runCommand(t, "unlock", "record", "--ledger", ledger, "--device", "dev-1", "--story", "s1")
	require.NoError(t, err)

	out, err := runCommand(t, "unlock", "purge", "--ledger", ledger)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Removed 0 entries"), out)

	_, err = runCommand(t, "unlock", "purge", "--ledger", ledger, "--keep-days", "0")
	require.Error(t, err)
}

func TestUnlockRequiresTarget(t *testing.T) {
	_, err := runCommand(t, "unlock", "status", "--ledger", filepath.Join(t.TempDir(), "ledger.db"))
	require.Error(t, err)
}
