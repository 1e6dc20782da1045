package ledger

import (
	"errors"
	"fmt"
	"os"
	"sort"
)

// VerifyReport summarizes a full chain verification.
type VerifyReport struct {
	Records  int    `json:"records"`
	Valid    bool   `json:"valid"`
	LastHash string `json:"last_hash"`

	// BrokenAt is the height of the first bad record when Valid is false.
	BrokenAt *uint64 `json:"broken_at,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// Stats describes the contents of the ledger.
type Stats struct {
	Records   int            `json:"records"`
	Actions   map[string]int `json:"actions"`
	FirstTime string         `json:"first_timestamp,omitempty"`
	LastTime  string         `json:"last_timestamp,omitempty"`
	LastHash  string         `json:"last_hash"`
}

// Records returns every record in the ledger.
func (l *Ledger) Records() ([]Record, error) {
	var out []Record
	err := scan(l.path, func(r *Record) error {
		out = append(out, *r)
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return out, err
}

// Tail returns the last n records. n <= 0 returns every record.
func (l *Ledger) Tail(n int) ([]Record, error) {
	recs, err := l.Records()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(recs) > n {
		recs = recs[len(recs)-n:]
	}
	return recs, nil
}

// Verify recomputes every hash and checks every link. A broken chain is
// reported in the returned report together with an error wrapping ErrChainBroken.
func (l *Ledger) Verify() (*VerifyReport, error) {
	report := &VerifyReport{Valid: true, LastHash: GenesisHash}
	prev := GenesisHash
	var expectHeight uint64

	fail := func(r *Record, reason string) error {
		h := r.Height
		report.Valid = false
		report.BrokenAt = &h
		report.Reason = reason
		return fmt.Errorf("%w at height %d: %s", ErrChainBroken, h, reason)
	}

	err := scan(l.path, func(r *Record) error {
		if r.PrevHash != prev {
			return fail(r, "prev_hash does not match previous record")
		}
		if r.Height != expectHeight {
			return fail(r, fmt.Sprintf("height %d out of sequence, expected %d", r.Height, expectHeight))
		}
		if want := ComputeHash(r.PrevHash, r.Timestamp, r.Action, r.Details); r.Hash != want {
			return fail(r, "hash mismatch")
		}
		prev = r.Hash
		expectHeight++
		report.Records++
		report.LastHash = r.Hash
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return report, nil
	}
	if err != nil {
		return report, err
	}
	return report, nil
}

// Stats returns record counts per action and the time range covered.
func (l *Ledger) Stats() (*Stats, error) {
	st := &Stats{Actions: make(map[string]int), LastHash: GenesisHash}
	err := scan(l.path, func(r *Record) error {
		if st.Records == 0 {
			st.FirstTime = r.Timestamp
		}
		st.Records++
		st.Actions[r.Action]++
		st.LastTime = r.Timestamp
		st.LastHash = r.Hash
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	return st, err
}

// ActionNames returns the recorded action names, sorted.
func (s *Stats) ActionNames() []string {
	names := make([]string, 0, len(s.Actions))
	for n := range s.Actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
