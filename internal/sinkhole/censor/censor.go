// Package censor implements the post-chain censor-and-learn pass: scrubbing
// delegation glue that neither policy trie claims, and extending the
// whitelist/blacklist tries when recursion reveals a relationship between a
// zone and a nameserver that policy already half-recognizes.
package censor

import (
	"github.com/miekg/dns"

	"github.com/sinkholed/sinkholed/internal/obslog"
	"github.com/sinkholed/sinkholed/internal/sinkhole/policyhandler"
	"github.com/sinkholed/sinkholed/internal/sinkhole/trie"
)

// Learner holds the policy tries and auto-learn switches CensorLearn
// consults and mutates.
type Learner struct {
	Whitelist     *trie.Trie
	Blacklist     *trie.Trie
	Logger        *obslog.Logger
	AutoWhitelist bool
	AutoBlacklist bool
}

// New wires a Learner over the live whitelist/blacklist tries.
func New(whitelist, blacklist *trie.Trie, autoWhitelist, autoBlacklist bool, logger *obslog.Logger) *Learner {
	return &Learner{
		Whitelist:     whitelist,
		Blacklist:     blacklist,
		AutoWhitelist: autoWhitelist,
		AutoBlacklist: autoBlacklist,
		Logger:        logger,
	}
}

// Apply runs the decision matrix over v's AUTHORITY records, mutating v's
// AUTHORITY/ADDITIONAL sections in place when a scrub fires and the tries
// when a learn action fires. It reports whether the caller must reprocess
// the query.
func (l *Learner) Apply(v *policyhandler.Verdict) (reprocess bool) {
	for _, rr := range v.Authority {
		zone, ns, ok := zoneAndNS(rr)
		if !ok {
			continue
		}

		_, _, wlZoneOK := l.Whitelist.MatchLongestSuffix(zone)
		wlNSAnc, _, wlNSOK := l.Whitelist.MatchLongestSuffix(ns)
		blNSAnc, _, blNSOK := l.Blacklist.MatchLongestSuffix(ns)
		blZoneAnc, _, blZoneOK := l.Blacklist.MatchLongestSuffix(zone)

		switch {
		case wlZoneOK && !wlNSOK:
			if l.Logger != nil {
				l.Logger.Warn("censor: whitelisted zone served by non-whitelisted nameserver",
					"zone", zone, "ns", ns)
			}

		case !wlZoneOK && wlNSOK && l.AutoWhitelist:
			if _, err := l.Whitelist.CloneRecord(wlNSAnc, zone); err != nil {
				if l.Logger != nil {
					l.Logger.Error("censor: whitelist clone_record failed", "src", wlNSAnc, "dst", zone, "error", err)
				}
				continue
			}
			reprocess = true

		case blNSOK && !blZoneOK && l.AutoBlacklist:
			if _, err := l.Blacklist.CloneRecord(blNSAnc, zone); err != nil {
				if l.Logger != nil {
					l.Logger.Error("censor: blacklist clone_record failed", "src", blNSAnc, "dst", zone, "error", err)
				}
				continue
			}
			reprocess = true

		case !blNSOK && blZoneOK && l.AutoBlacklist:
			if _, err := l.Blacklist.CloneRecord(blZoneAnc, ns); err != nil {
				if l.Logger != nil {
					l.Logger.Error("censor: blacklist clone_record failed", "src", blZoneAnc, "dst", ns, "error", err)
				}
				continue
			}
			reprocess = true

		case !wlZoneOK && !wlNSOK && !blZoneOK && !blNSOK:
			v.Authority = nil
			v.Additional = nil
			if l.Logger != nil {
				l.Logger.Warn("censor: scrubbed unclaimed delegation glue", "zone", zone, "ns", ns)
			}
			return reprocess
		}
	}

	return reprocess
}

// zoneAndNS extracts (owner, target) from an NS or SOA record. Other record
// types are not recognized by the decision matrix.
func zoneAndNS(rr dns.RR) (zone, ns string, ok bool) {
	switch r := rr.(type) {
	case *dns.NS:
		return r.Header().Name, r.Ns, true
	case *dns.SOA:
		return r.Header().Name, r.Mname, true
	default:
		return "", "", false
	}
}
