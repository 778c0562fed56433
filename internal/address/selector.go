package address

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/g960059/moshbridge/internal/model"
)

type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

type Selector struct {
	resolver Resolver
}

func NewSelector() *Selector {
	return &Selector{resolver: net.DefaultResolver}
}

func NewSelectorWithResolver(resolver Resolver) *Selector {
	s := NewSelector()
	if resolver != nil {
		s.resolver = resolver
	}
	return s
}

// Select resolves hostname and returns the first IPv4 address, falling back
// to the first IPv6 address.
func (s *Selector) Select(ctx context.Context, hostname string) (model.Address, error) {
	host := strings.TrimSpace(hostname)
	if host == "" {
		return model.Address{}, fmt.Errorf("%w: empty hostname", model.ErrHostUnresolvable)
	}
	if literal, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return Pick([]netip.Addr{literal})
	}
	addrs, err := s.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return model.Address{}, fmt.Errorf("%w: %s: %w", model.ErrHostUnresolvable, host, err)
	}
	return Pick(addrs)
}

// Pick applies the family preference to an already resolved set.
func Pick(addrs []netip.Addr) (model.Address, error) {
	for _, addr := range addrs {
		if addr.Unmap().Is4() {
			return model.Address{Value: addr.Unmap().String(), Family: model.FamilyIPv4}, nil
		}
	}
	for _, addr := range addrs {
		if addr.Is6() && !addr.Is4In6() {
			return model.Address{Value: addr.String(), Family: model.FamilyIPv6}, nil
		}
	}
	return model.Address{}, model.ErrNoAddressFound
}
