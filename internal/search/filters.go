package search

import (
	"fmt"
	"strings"
	"time"

	"github.com/memoryd/memoryd/internal/models"
	"github.com/memoryd/memoryd/internal/vectordb"
)

// Filters is the full conjunctive filter set a search request may carry.
// Tag, date, and importance predicates push down to the vector store; the
// text-field predicates are substring matches applied after retrieval.
type Filters struct {
	TagsAny []string
	TagsAll []string

	// DateFrom/DateTo accept RFC3339, YYYY-MM-DD, or a natural-language
	// expression resolved against the process timezone.
	DateFrom string
	DateTo   string

	MinImportance *float64

	Emotion            string
	ActionTag          string
	Environment        string
	PhysicalState      string
	MentalState        string
	RelationshipStatus string

	ImportanceWeight float64
	RecencyWeight    float64

	FuzzyMatch     bool
	FuzzyThreshold int
}

// HasTextFilters reports whether any post-retrieval substring filter is set.
func (f *Filters) HasTextFilters() bool {
	if f == nil {
		return false
	}
	return f.Emotion != "" || f.ActionTag != "" || f.Environment != "" ||
		f.PhysicalState != "" || f.MentalState != "" || f.RelationshipStatus != ""
}

// VectorFilter resolves the pushdown subset into a vectordb filter.
func (f *Filters) VectorFilter(now time.Time, loc *time.Location) (*vectordb.Filter, error) {
	if f == nil {
		return nil, nil
	}
	out := &vectordb.Filter{
		TagsAny:       f.TagsAny,
		TagsAll:       f.TagsAll,
		MinImportance: f.MinImportance,
	}
	if f.DateFrom != "" {
		from, _, err := ResolveDateExpr(f.DateFrom, now, loc)
		if err != nil {
			return nil, err
		}
		out.CreatedFrom = from
	}
	if f.DateTo != "" {
		_, to, err := ResolveDateExpr(f.DateTo, now, loc)
		if err != nil {
			return nil, err
		}
		out.CreatedTo = to
	}
	if out.Empty() {
		return nil, nil
	}
	return out, nil
}

// substringMatch is the case-insensitive containment test used by all
// text-field filters, so "cook" matches "cooking".
func substringMatch(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// MatchText evaluates the substring filters against a memory record.
func (f *Filters) MatchText(m *models.Memory) bool {
	if f == nil {
		return true
	}
	return substringMatch(m.Emotion, f.Emotion) &&
		substringMatch(m.ActionTag, f.ActionTag) &&
		substringMatch(m.Environment, f.Environment) &&
		substringMatch(m.PhysicalState, f.PhysicalState) &&
		substringMatch(m.MentalState, f.MentalState) &&
		substringMatch(m.RelationshipStatus, f.RelationshipStatus)
}

// MatchRecord evaluates the complete filter set against a record. The
// keyword path uses this because nothing is pushed down to an index there.
func (f *Filters) MatchRecord(m *models.Memory, now time.Time, loc *time.Location) (bool, error) {
	if f == nil {
		return true, nil
	}
	if !f.MatchText(m) {
		return false, nil
	}
	if len(f.TagsAny) > 0 {
		found := false
		for _, t := range f.TagsAny {
			if m.HasTag(t) {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	for _, t := range f.TagsAll {
		if !m.HasTag(t) {
			return false, nil
		}
	}
	if f.MinImportance != nil && m.Importance < *f.MinImportance {
		return false, nil
	}
	if f.DateFrom != "" {
		from, _, err := ResolveDateExpr(f.DateFrom, now, loc)
		if err != nil {
			return false, err
		}
		if from != nil && m.CreatedAt.Before(*from) {
			return false, nil
		}
	}
	if f.DateTo != "" {
		_, to, err := ResolveDateExpr(f.DateTo, now, loc)
		if err != nil {
			return false, err
		}
		if to != nil && m.CreatedAt.After(*to) {
			return false, nil
		}
	}
	return true, nil
}

// ResolveDateExpr turns a date expression into an inclusive [from, to]
// interval in the given location. Supported natural expressions: today,
// yesterday, this week, last week, this month, last month. Weeks start on
// Monday. Absolute values accept RFC3339 and YYYY-MM-DD.
func ResolveDateExpr(expr string, now time.Time, loc *time.Location) (*time.Time, *time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)
	startOfDay := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	}
	endOfDay := func(t time.Time) time.Time {
		return startOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	startOfWeek := func(t time.Time) time.Time {
		day := startOfDay(t)
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		return day.AddDate(0, 0, -offset)
	}
	interval := func(from, to time.Time) (*time.Time, *time.Time, error) {
		return &from, &to, nil
	}

	switch strings.ToLower(strings.TrimSpace(expr)) {
	case "today":
		return interval(startOfDay(now), endOfDay(now))
	case "yesterday":
		y := now.AddDate(0, 0, -1)
		return interval(startOfDay(y), endOfDay(y))
	case "this week":
		return interval(startOfWeek(now), endOfDay(now))
	case "last week":
		end := startOfWeek(now).Add(-time.Nanosecond)
		return interval(startOfWeek(now.AddDate(0, 0, -7)), end)
	case "this month":
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		return interval(start, endOfDay(now))
	case "last month":
		thisMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		return interval(thisMonth.AddDate(0, -1, 0), thisMonth.Add(-time.Nanosecond))
	}

	if t, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(expr), loc); err == nil {
		return interval(startOfDay(t), endOfDay(t))
	}
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(expr)); err == nil {
		tt := t.In(loc)
		return &tt, &tt, nil
	}
	return nil, nil, fmt.Errorf("unrecognised date expression %q", expr)
}
