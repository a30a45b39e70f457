package main

import "github.com/mailcore/engine/internal/set"

// staticRouting is the simplest session.RoutingPolicy: a fixed set of
// local domains taken straight from config.Config.LocalDomains.
type staticRouting struct {
	domains *set.String
}

func newStaticRouting(domains []string) *staticRouting {
	return &staticRouting{domains: set.NewString(domains...)}
}

func (r *staticRouting) IsLocal(domain string) bool   { return r.domains.Has(domain) }
func (r *staticRouting) LocalDomains() *set.String     { return r.domains }
