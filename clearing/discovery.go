package clearing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"geohub/storage"
)

// Cycle is an ordered positive-debt loop in one equivalent: debt flows
// Path[0] -> Path[1] -> ... -> Path[n-1] -> Path[0]. Cycles exist only as
// query results; nothing materializes them between runs.
type Cycle struct {
	Equivalent string   `json:"equivalent"`
	Path       []string `json:"path"`
	// Delta is the minimum edge amount observed at discovery time. The
	// applying transaction recomputes it from locked rows.
	Delta string `json:"delta"`
}

// Edges returns the ordered (debtor, creditor) pairs of the cycle.
func (c Cycle) Edges() [][2]string {
	edges := make([][2]string, 0, len(c.Path))
	for i := range c.Path {
		edges = append(edges, [2]string{c.Path[i], c.Path[(i+1)%len(c.Path)]})
	}
	return edges
}

// key returns the rotation-independent identity of the cycle.
func (c Cycle) key() string {
	return c.Equivalent + "|" + strings.Join(c.Path, ">")
}

// canonicalize rotates the path so the smallest PID leads. Two discoveries of
// the same loop then compare equal.
func canonicalize(path []string) []string {
	lead := 0
	for i, pid := range path {
		if pid < path[lead] {
			lead = i
		}
	}
	out := make([]string, 0, len(path))
	out = append(out, path[lead:]...)
	out = append(out, path[:lead]...)
	return out
}

// triangleRow and quadRow receive the parameterized cycle queries.
type triangleRow struct {
	A string
	B string
	C string
}

type quadRow struct {
	A string
	B string
	C string
	D string
}

// findTriangles runs the 3-cycle join: three debt rows chained head to tail
// in one equivalent, none of them under a live reservation. The A < B and
// A < C predicates pin the rotation so every triangle surfaces once.
func findTriangles(db *gorm.DB, equivalent string, now time.Time) ([]Cycle, error) {
	var rows []triangleRow
	err := db.Raw(`
		SELECT d1.debtor AS a, d1.creditor AS b, d2.creditor AS c
		FROM debts d1
		JOIN debts d2 ON d2.debtor = d1.creditor AND d2.equivalent = d1.equivalent
		JOIN debts d3 ON d3.debtor = d2.creditor AND d3.creditor = d1.debtor AND d3.equivalent = d1.equivalent
		WHERE d1.equivalent = ?
		  AND d1.debtor < d1.creditor AND d1.debtor < d2.creditor
		  AND NOT EXISTS (
			SELECT 1 FROM prepare_locks pl
			WHERE pl.equivalent = d1.equivalent AND pl.expires_at > ?
			  AND ((pl.debtor = d1.debtor AND pl.creditor = d1.creditor)
			    OR (pl.debtor = d2.debtor AND pl.creditor = d2.creditor)
			    OR (pl.debtor = d3.debtor AND pl.creditor = d3.creditor))
		  )
		ORDER BY a, b, c`, equivalent, now.UTC()).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("clearing: triangle query: %w", err)
	}
	cycles := make([]Cycle, 0, len(rows))
	for _, r := range rows {
		cycles = append(cycles, Cycle{Equivalent: equivalent, Path: []string{r.A, r.B, r.C}})
	}
	return cycles, nil
}

// findQuadrilaterals runs the 4-cycle join. Distinct-node predicates keep
// degenerate loops (revisiting a participant) out.
func findQuadrilaterals(db *gorm.DB, equivalent string, now time.Time) ([]Cycle, error) {
	var rows []quadRow
	err := db.Raw(`
		SELECT d1.debtor AS a, d1.creditor AS b, d2.creditor AS c, d3.creditor AS d
		FROM debts d1
		JOIN debts d2 ON d2.debtor = d1.creditor AND d2.equivalent = d1.equivalent
		JOIN debts d3 ON d3.debtor = d2.creditor AND d3.equivalent = d1.equivalent
		JOIN debts d4 ON d4.debtor = d3.creditor AND d4.creditor = d1.debtor AND d4.equivalent = d1.equivalent
		WHERE d1.equivalent = ?
		  AND d1.debtor < d1.creditor AND d1.debtor < d2.creditor AND d1.debtor < d3.creditor
		  AND d2.creditor <> d1.debtor AND d3.creditor <> d1.creditor
		  AND NOT EXISTS (
			SELECT 1 FROM prepare_locks pl
			WHERE pl.equivalent = d1.equivalent AND pl.expires_at > ?
			  AND ((pl.debtor = d1.debtor AND pl.creditor = d1.creditor)
			    OR (pl.debtor = d2.debtor AND pl.creditor = d2.creditor)
			    OR (pl.debtor = d3.debtor AND pl.creditor = d3.creditor)
			    OR (pl.debtor = d4.debtor AND pl.creditor = d4.creditor))
		  )
		ORDER BY a, b, c, d`, equivalent, now.UTC()).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("clearing: quadrilateral query: %w", err)
	}
	cycles := make([]Cycle, 0, len(rows))
	for _, r := range rows {
		cycles = append(cycles, Cycle{Equivalent: equivalent, Path: []string{r.A, r.B, r.C, r.D}})
	}
	return cycles, nil
}

// findLongCycles walks the in-memory debt graph for loops of length 5 up to
// maxLen. The batch scan is the only caller; payment-triggered discovery
// stays on the SQL joins.
func findLongCycles(db *gorm.DB, equivalent string, maxLen int, now time.Time) ([]Cycle, error) {
	if maxLen < 5 {
		return nil, nil
	}
	debts, err := storage.PositiveDebts(db, equivalent)
	if err != nil {
		return nil, err
	}
	locks, err := storage.ActivePrepareLocks(db, equivalent, now)
	if err != nil {
		return nil, err
	}
	locked := map[[2]string]bool{}
	for _, l := range locks {
		locked[[2]string{l.Debtor, l.Creditor}] = true
	}
	out := map[string][]string{}
	for _, d := range debts {
		if locked[[2]string{d.Debtor, d.Creditor}] {
			continue
		}
		out[d.Debtor] = append(out[d.Debtor], d.Creditor)
	}
	for _, next := range out {
		sort.Strings(next)
	}

	seen := map[string]bool{}
	var cycles []Cycle
	var path []string
	onPath := map[string]bool{}

	var walk func(start, node string, depth int)
	walk = func(start, node string, depth int) {
		for _, next := range out[node] {
			if next == start && depth >= 5 {
				cycle := Cycle{Equivalent: equivalent, Path: canonicalize(append([]string(nil), path...))}
				if !seen[cycle.key()] {
					seen[cycle.key()] = true
					cycles = append(cycles, cycle)
				}
				continue
			}
			if depth >= maxLen || onPath[next] || next < start {
				continue
			}
			path = append(path, next)
			onPath[next] = true
			walk(start, next, depth+1)
			onPath[next] = false
			path = path[:len(path)-1]
		}
	}

	starts := make([]string, 0, len(out))
	for pid := range out {
		starts = append(starts, pid)
	}
	sort.Strings(starts)
	for _, start := range starts {
		path = append(path[:0], start)
		onPath = map[string]bool{start: true}
		walk(start, start, 1)
	}
	return cycles, nil
}

// Discover returns candidate cycles up to maxLen in one equivalent,
// deterministically ordered, capped at limit. Edges under live reservations
// never appear; the applying transaction still revalidates.
func Discover(db *gorm.DB, equivalent string, maxLen, limit int, now time.Time) ([]Cycle, error) {
	if maxLen < 3 {
		maxLen = 3
	}
	var cycles []Cycle
	triangles, err := findTriangles(db, equivalent, now)
	if err != nil {
		return nil, err
	}
	cycles = append(cycles, triangles...)
	if maxLen >= 4 {
		quads, err := findQuadrilaterals(db, equivalent, now)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, quads...)
	}
	if maxLen >= 5 {
		long, err := findLongCycles(db, equivalent, maxLen, now)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, long...)
	}
	if err := annotateDeltas(db, cycles); err != nil {
		return nil, err
	}
	if limit > 0 && len(cycles) > limit {
		cycles = cycles[:limit]
	}
	return cycles, nil
}

// DiscoverTouching filters discovery down to cycles crossing any of the
// supplied directed pairs, for the post-commit trigger.
func DiscoverTouching(db *gorm.DB, equivalent string, pairs [][2]string, maxLen, limit int, now time.Time) ([]Cycle, error) {
	all, err := Discover(db, equivalent, maxLen, 0, now)
	if err != nil {
		return nil, err
	}
	want := map[[2]string]bool{}
	for _, p := range pairs {
		want[p] = true
		want[[2]string{p[1], p[0]}] = true
	}
	var touched []Cycle
	for _, c := range all {
		for _, e := range c.Edges() {
			if want[e] {
				touched = append(touched, c)
				break
			}
		}
	}
	if limit > 0 && len(touched) > limit {
		touched = touched[:limit]
	}
	return touched, nil
}

// annotateDeltas fills each cycle's advisory Delta from current row amounts.
func annotateDeltas(db *gorm.DB, cycles []Cycle) error {
	for i := range cycles {
		delta, err := cycleDelta(db, cycles[i], false)
		if err != nil {
			return err
		}
		cycles[i].Delta = delta.String()
	}
	return nil
}

// cycleDelta loads every edge row (optionally FOR UPDATE) and returns the
// minimum amount, or zero when any edge row is missing.
func cycleDelta(db *gorm.DB, c Cycle, forUpdate bool) (decimal.Decimal, error) {
	handle := db
	if forUpdate {
		handle = storage.ForUpdate(db)
	}
	delta := decimal.Zero
	for _, e := range c.Edges() {
		row, err := storage.GetDebt(handle, e[0], e[1], c.Equivalent)
		if err != nil {
			if err == storage.ErrNotFound {
				return decimal.Zero, nil
			}
			return decimal.Zero, err
		}
		amount, perr := decimal.NewFromString(row.Amount)
		if perr != nil {
			return decimal.Zero, fmt.Errorf("clearing: parse debt amount %q: %w", row.Amount, perr)
		}
		if delta.IsZero() || amount.LessThan(delta) {
			delta = amount
		}
	}
	return delta, nil
}
