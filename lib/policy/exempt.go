package policy

import (
	"fmt"
	"net/netip"

	"github.com/TecharoHQ/powgate/lib/policy/config"
	"github.com/gaissmai/bart"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var exemptions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "powgate_policy_exemptions",
	Help: "The number of requests that skipped proof-of-work because of an exempt network",
}, []string{"network"})

// ExemptNetworks is a set of client networks that never have to solve a
// challenge. The zero value and nil exempt nobody.
type ExemptNetworks struct {
	table *bart.Table[netip.Prefix]
	size  int
}

func NewExemptNetworks(cidrs []string) (*ExemptNetworks, error) {
	result := &ExemptNetworks{
		table: &bart.Table[netip.Prefix]{},
	}

	for _, cidr := range cidrs {
		pfx, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", config.ErrInvalidCIDR, cidr, err)
		}

		pfx = pfx.Masked()
		result.table.Insert(pfx, pfx)
		result.size++
	}

	return result, nil
}

// Len returns the number of configured networks.
func (e *ExemptNetworks) Len() int {
	if e == nil {
		return 0
	}
	return e.size
}

// Contains reports whether ip, in textual form, lies in an exempt network.
// Anything that does not parse as an address is not exempt.
func (e *ExemptNetworks) Contains(ip string) bool {
	if e == nil || e.table == nil || e.size == 0 {
		return false
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}

	pfx, ok := e.table.Lookup(addr.Unmap())
	if ok {
		exemptions.WithLabelValues(pfx.String()).Inc()
	}

	return ok
}
