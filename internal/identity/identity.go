// Package identity resolves duplicate person identities from raw user
// records.
//
// Every resolver run is a full refresh: all raw person records are scanned,
// grouped by normalized email, and the identity map plus duplicate flags are
// replaced wholesale. Resolution is deterministic - identical input always
// yields the same canonical assignments.
package identity

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/luyangsi/canvas-pipeline/internal/rawdoc"
	"github.com/luyangsi/canvas-pipeline/internal/store"
)

// Match metadata for exact-email resolution.
const (
	MatchMethodEmailExact = "email_exact"
	matchConfidenceExact  = 100
)

// Duplicate flag constants.
const (
	ReasonDuplicateEmail = "duplicate_email"
	SeverityWarn         = "warn"
)

// DefaultEmailKeys is the ordered field-name priority list searched before
// falling back to a full payload scan. The exact list is a heuristic over
// source payload shapes and is configurable, not load-bearing.
var DefaultEmailKeys = []string{
	"email", "email_address", "login_id", "user_email", "user", "contact",
}

// emailPattern accepts a strict local@domain.tld token: no whitespace, no
// second @, at least one dot in the domain.
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Entry is one canonical person in the identity map.
type Entry struct {
	CanvasUserID    int64
	EmailNormalized string
	MatchMethod     string
	MatchConfidence int64
}

// DuplicateFlag marks a non-canonical member of a duplicate-email group.
// Purely informational; never feeds back into resolution.
type DuplicateFlag struct {
	CanvasUserID        int64
	EmailNormalized     string
	Reason              string
	Severity            string
	PrimaryCanvasUserID int64
}

// Result is the full output of one resolver pass.
type Result struct {
	Entries    []Entry
	Duplicates []DuplicateFlag

	RecordsRead    int
	SkippedNoEmail int // no email found, or payload unparseable
	SkippedBadID   int // natural id not numeric
}

// Resolve groups raw person records by normalized email and picks one
// canonical id per group. Pure: no store access, deterministic given
// identical input.
//
// Canonical selection is the smallest natural id in the group - a stable
// tie-break so re-runs never reassign the canonical member.
func Resolve(records []store.RawRecord, emailKeys []string) Result {
	if len(emailKeys) == 0 {
		emailKeys = DefaultEmailKeys
	}

	res := Result{RecordsRead: len(records)}
	groups := make(map[string][]int64)

	for _, rec := range records {
		id, err := strconv.ParseInt(strings.TrimSpace(rec.NaturalID), 10, 64)
		if err != nil {
			res.SkippedBadID++
			continue
		}

		doc, err := rawdoc.Decode([]byte(rec.Payload))
		if err != nil {
			// Malformed payload contributes no email; not fatal.
			res.SkippedNoEmail++
			continue
		}

		email, ok := findEmail(doc, emailKeys, 0)
		if !ok {
			res.SkippedNoEmail++
			continue
		}
		groups[NormalizeEmail(email)] = append(groups[NormalizeEmail(email)], id)
	}

	emails := make([]string, 0, len(groups))
	for email := range groups {
		emails = append(emails, email)
	}
	sort.Strings(emails)

	for _, email := range emails {
		ids := dedupeSorted(groups[email])
		primary := ids[0]
		res.Entries = append(res.Entries, Entry{
			CanvasUserID:    primary,
			EmailNormalized: email,
			MatchMethod:     MatchMethodEmailExact,
			MatchConfidence: matchConfidenceExact,
		})
		for _, dup := range ids[1:] {
			res.Duplicates = append(res.Duplicates, DuplicateFlag{
				CanvasUserID:        dup,
				EmailNormalized:     email,
				Reason:              ReasonDuplicateEmail,
				Severity:            SeverityWarn,
				PrimaryCanvasUserID: primary,
			})
		}
	}

	return res
}

// Refresh replaces the stored identity map and duplicate flags with the
// resolver result, atomically in one transaction.
func Refresh(ctx context.Context, st *store.Store, res Result) error {
	tx, err := st.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("identity refresh: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	// Full replacement, not incremental: clear previous entries first.
	if _, err := tx.ExecContext(ctx, "DELETE FROM person_identity_map"); err != nil {
		return fmt.Errorf("identity refresh: clear map: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM person_identity_map_dq"); err != nil {
		return fmt.Errorf("identity refresh: clear flags: %w", err)
	}

	for _, e := range res.Entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO person_identity_map
			(canvas_user_id, email_normalized, match_method, match_confidence)
			VALUES (?, ?, ?, ?)
		`, e.CanvasUserID, e.EmailNormalized, e.MatchMethod, e.MatchConfidence)
		if err != nil {
			return fmt.Errorf("identity refresh: insert %d: %w", e.CanvasUserID, err)
		}
	}

	for _, d := range res.Duplicates {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO person_identity_map_dq
			(canvas_user_id, email_normalized, reason, severity, primary_canvas_user_id)
			VALUES (?, ?, ?, ?, ?)
		`, d.CanvasUserID, d.EmailNormalized, d.Reason, d.Severity, d.PrimaryCanvasUserID)
		if err != nil {
			return fmt.Errorf("identity refresh: insert flag %d: %w", d.CanvasUserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("identity refresh: commit: %w", err)
	}
	return nil
}

// ReadEntries loads the stored identity map, ordered by canonical id.
func ReadEntries(ctx context.Context, st *store.Store) ([]Entry, error) {
	rows, err := st.Query(ctx, `
		SELECT canvas_user_id, email_normalized, match_method, match_confidence
		FROM person_identity_map
		ORDER BY canvas_user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("read identity map: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.CanvasUserID, &e.EmailNormalized, &e.MatchMethod, &e.MatchConfidence); err != nil {
			return nil, fmt.Errorf("scan identity map: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identity map: %w", err)
	}

	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// NormalizeEmail canonicalizes a raw email string: NFC normalization, then
// trim, then lowercase. Two raw strings normalizing identically are the
// same identity.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(s)))
}

// findEmail searches a payload value depth-first for the first email-like
// token. Objects are searched priority keys first, then every field in
// payload order; arrays element by element. Strings are trimmed and matched
// whole against the email pattern.
func findEmail(v rawdoc.Value, priorityKeys []string, depth int) (string, bool) {
	if depth > rawdoc.MaxDepth {
		return "", false
	}

	switch val := v.(type) {
	case rawdoc.String:
		s := strings.TrimSpace(string(val))
		if emailPattern.MatchString(s) {
			return s, true
		}
		return "", false

	case *rawdoc.Object:
		for _, key := range priorityKeys {
			child := val.Get(key)
			if child == nil {
				continue
			}
			if _, isNull := child.(rawdoc.Null); isNull {
				continue
			}
			if email, ok := findEmail(child, priorityKeys, depth+1); ok {
				return email, true
			}
		}
		for _, f := range val.Fields() {
			if email, ok := findEmail(f.Value, priorityKeys, depth+1); ok {
				return email, true
			}
		}
		return "", false

	case rawdoc.Array:
		for _, item := range val {
			if email, ok := findEmail(item, priorityKeys, depth+1); ok {
				return email, true
			}
		}
		return "", false

	default:
		// Null, Number, Bool carry no email.
		return "", false
	}
}

func dedupeSorted(ids []int64) []int64 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:0]
	var prev int64
	for i, id := range ids {
		if i > 0 && id == prev {
			continue
		}
		out = append(out, id)
		prev = id
	}
	return out
}
