// Package scheduler decides which certificates a renewal run works on, and
// in which order, and renders the run's report.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/serverpki/serverpki/core"
	"github.com/serverpki/serverpki/tracker"
)

type candidateLister interface {
	ListRenewalCandidates(ctx context.Context, remainingDays int) ([]tracker.Candidate, error)
}

// Scheduler plans renewal runs.
type Scheduler struct {
	tracker candidateLister
}

// New returns a Scheduler planning with t.
func New(t candidateLister) *Scheduler {
	return &Scheduler{tracker: t}
}

// Plan returns the enabled certificates that need renewal at threshold
// remaining days, most urgent first: certificates with nothing deployed,
// then by ascending expiry. Ties are broken by name.
func (s *Scheduler) Plan(ctx context.Context, threshold int) ([]tracker.Candidate, error) {
	cands, err := s.tracker.ListRenewalCandidates(ctx, threshold)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(cands, func(a, b tracker.Candidate) int {
		an, bn := a.NotAfter(), b.NotAfter()
		switch {
		case an.IsZero() && !bn.IsZero():
			return -1
		case !an.IsZero() && bn.IsZero():
			return 1
		}
		if c := an.Compare(bn); c != 0 {
			return c
		}
		return strings.Compare(a.Certificate.Name, b.Certificate.Name)
	})
	return cands, nil
}

// OfType returns the candidates whose certificates are of type t, keeping
// their order.
func OfType(cands []tracker.Candidate, t core.CertType) []tracker.Candidate {
	var out []tracker.Candidate
	for _, c := range cands {
		if c.Certificate.Type == t {
			out = append(out, c)
		}
	}
	return out
}

// Row is one line of the renewal report.
type Row struct {
	Name   string
	CA     string
	Expiry time.Time
	Action string
}

// NewRow returns the report row of c before anything was done to it.
func NewRow(c tracker.Candidate, caName string) Row {
	return Row{Name: c.Certificate.Name, CA: caName, Expiry: c.NotAfter()}
}

// Report writes rows as an aligned table. Remaining days are counted from
// now; a certificate with nothing deployed shows "-".
func Report(w io.Writer, rows []Row, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CERTIFICATE\tCA\tEXPIRES\tDAYS\tACTION")
	for _, r := range rows {
		expiry, days := "-", "-"
		if !r.Expiry.IsZero() {
			expiry = r.Expiry.UTC().Format(time.DateOnly)
			days = strconv.Itoa(int(r.Expiry.Sub(now).Hours() / 24))
		}
		ca := r.CA
		if ca == "" {
			ca = "-"
		}
		action := r.Action
		if action == "" {
			action = "none"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Name, ca, expiry, days, action)
	}
	return tw.Flush()
}
