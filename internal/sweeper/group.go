package sweeper

import (
	"sort"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/models"
)

// ExpiredLease is a lease due for revocation together with its machine.
type ExpiredLease = models.LeaseTarget

// Groups holds leases keyed by principal, with principals in ascending
// order.
type Groups struct {
	Principals []string
	Leases     map[string][]ExpiredLease
}

// GroupByPrincipal groups leases by principal. Order within a group is kept.
func GroupByPrincipal(leases []ExpiredLease) Groups {
	g := Groups{Leases: make(map[string][]ExpiredLease)}
	for _, l := range leases {
		if _, ok := g.Leases[l.Principal]; !ok {
			g.Principals = append(g.Principals, l.Principal)
		}
		g.Leases[l.Principal] = append(g.Leases[l.Principal], l)
	}
	sort.Strings(g.Principals)
	return g
}

// batches splits leases into consecutive chunks of at most size.
func batches(leases []ExpiredLease, size int) [][]ExpiredLease {
	if size <= 0 {
		size = len(leases)
	}
	var out [][]ExpiredLease
	for start := 0; start < len(leases); start += size {
		end := min(start+size, len(leases))
		out = append(out, leases[start:end])
	}
	return out
}
