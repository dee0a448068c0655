package identity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luyangsi/canvas-pipeline/internal/store"
)

func rawUser(id, payload string) store.RawRecord {
	return store.RawRecord{NaturalID: id, Payload: payload}
}

func TestResolve_DuplicateEmailGroup(t *testing.T) {
	// Ids 4 and 7 normalize to the same email; the smaller id is canonical.
	records := []store.RawRecord{
		rawUser("7", `{"id": 7, "email": "A@X.com "}`),
		rawUser("4", `{"id": 4, "email": "a@x.com"}`),
		rawUser("9", `{"id": 9, "email": "other@x.com"}`),
	}

	res := Resolve(records, nil)

	require.Len(t, res.Entries, 2)
	assert.Equal(t, int64(4), res.Entries[0].CanvasUserID)
	assert.Equal(t, "a@x.com", res.Entries[0].EmailNormalized)
	assert.Equal(t, MatchMethodEmailExact, res.Entries[0].MatchMethod)
	assert.Equal(t, int64(100), res.Entries[0].MatchConfidence)

	require.Len(t, res.Duplicates, 1)
	assert.Equal(t, int64(7), res.Duplicates[0].CanvasUserID)
	assert.Equal(t, int64(4), res.Duplicates[0].PrimaryCanvasUserID)
	assert.Equal(t, ReasonDuplicateEmail, res.Duplicates[0].Reason)
	assert.Equal(t, SeverityWarn, res.Duplicates[0].Severity)
}

func TestResolve_Deterministic(t *testing.T) {
	records := []store.RawRecord{
		rawUser("3", `{"email": "c@x.com"}`),
		rawUser("1", `{"email": "a@x.com"}`),
		rawUser("2", `{"email": "b@x.com"}`),
		rawUser("5", `{"email": "a@x.com"}`),
	}

	first := Resolve(records, nil)
	for i := 0; i < 5; i++ {
		again := Resolve(records, nil)
		assert.Equal(t, first.Entries, again.Entries, "entries differ across runs")
		assert.Equal(t, first.Duplicates, again.Duplicates, "duplicates differ across runs")
	}

	// Entries come out sorted by normalized email.
	require.Len(t, first.Entries, 3)
	assert.Equal(t, "a@x.com", first.Entries[0].EmailNormalized)
	assert.Equal(t, "b@x.com", first.Entries[1].EmailNormalized)
	assert.Equal(t, "c@x.com", first.Entries[2].EmailNormalized)
}

func TestResolve_PriorityKeyBeatsPayloadOrder(t *testing.T) {
	// "contact" is a priority key; the earlier non-priority "note" field
	// holding an email-like string must not win.
	records := []store.RawRecord{
		rawUser("1", `{"note": "reachme@here.org", "contact": "real@x.com"}`),
	}

	res := Resolve(records, nil)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "real@x.com", res.Entries[0].EmailNormalized)
}

func TestResolve_NestedEmail(t *testing.T) {
	records := []store.RawRecord{
		rawUser("1", `{"name": "Pat", "profile": {"links": [], "primary_email": "pat@school.edu"}}`),
	}

	res := Resolve(records, nil)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "pat@school.edu", res.Entries[0].EmailNormalized)
}

func TestResolve_SkipsRecordsWithoutEmail(t *testing.T) {
	records := []store.RawRecord{
		rawUser("1", `{"email": "a@x.com"}`),
		rawUser("2", `{"name": "no email here"}`),
		rawUser("3", `not json at all`),
		rawUser("4", `{"email": "not-an-email"}`),
	}

	res := Resolve(records, nil)
	assert.Equal(t, 4, res.RecordsRead)
	assert.Len(t, res.Entries, 1)
	assert.Equal(t, 3, res.SkippedNoEmail)
}

func TestResolve_SkipsNonNumericIDs(t *testing.T) {
	records := []store.RawRecord{
		rawUser("abc", `{"email": "a@x.com"}`),
		rawUser(" 12 ", `{"email": "b@x.com"}`),
	}

	res := Resolve(records, nil)
	assert.Equal(t, 1, res.SkippedBadID)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, int64(12), res.Entries[0].CanvasUserID)
}

func TestResolve_SameRecordTwiceIsNoDuplicate(t *testing.T) {
	records := []store.RawRecord{
		rawUser("5", `{"email": "a@x.com"}`),
		rawUser("5", `{"email": "a@x.com"}`),
	}

	res := Resolve(records, nil)
	require.Len(t, res.Entries, 1)
	assert.Empty(t, res.Duplicates, "same id twice is not a duplicate identity")
}

func TestResolve_NullPriorityKeyFallsThrough(t *testing.T) {
	records := []store.RawRecord{
		rawUser("1", `{"email": null, "login_id": "login@x.com"}`),
	}

	res := Resolve(records, nil)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "login@x.com", res.Entries[0].EmailNormalized)
}

func TestNormalizeEmail(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"A@X.com", "a@x.com"},
		{"  a@x.com  ", "a@x.com"},
		{"MiXeD@CaSe.Org", "mixed@case.org"},
		{"a@x.com", "a@x.com"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeEmail(tc.input), "input %q", tc.input)
	}
}

func TestRefresh_ReplacesWholesale(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	first := Resolve([]store.RawRecord{
		rawUser("1", `{"email": "a@x.com"}`),
		rawUser("2", `{"email": "a@x.com"}`),
	}, nil)
	require.NoError(t, Refresh(ctx, st, first))

	entries, err := ReadEntries(ctx, st)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].CanvasUserID)

	// A second refresh with different input replaces, not appends.
	second := Resolve([]store.RawRecord{
		rawUser("3", `{"email": "b@x.com"}`),
	}, nil)
	require.NoError(t, Refresh(ctx, st, second))

	entries, err = ReadEntries(ctx, st)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(3), entries[0].CanvasUserID)

	var flags int
	err = st.DB().QueryRow("SELECT COUNT(*) FROM person_identity_map_dq").Scan(&flags)
	require.NoError(t, err)
	assert.Equal(t, 0, flags, "old duplicate flags must be cleared")
}

func TestRefresh_PersistsDuplicateFlags(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	res := Resolve([]store.RawRecord{
		rawUser("4", `{"email": "a@x.com"}`),
		rawUser("7", `{"email": "A@X.com "}`),
	}, nil)
	require.NoError(t, Refresh(ctx, st, res))

	var userID, primaryID int64
	var reason, severity string
	err = st.DB().QueryRow(`
		SELECT canvas_user_id, primary_canvas_user_id, reason, severity
		FROM person_identity_map_dq
	`).Scan(&userID, &primaryID, &reason, &severity)
	require.NoError(t, err)
	assert.Equal(t, int64(7), userID)
	assert.Equal(t, int64(4), primaryID)
	assert.Equal(t, ReasonDuplicateEmail, reason)
	assert.Equal(t, SeverityWarn, severity)
}
