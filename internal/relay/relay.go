// Package relay discovers candidate relay endpoints and picks the closest
// one. Discovery is a three-tier fallback (directory registry, static
// config, hardcoded default), so a candidate is always available; selection
// is best effort and never a hard failure.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"partymesh/internal/model"
	"partymesh/internal/punch"
)

// DefaultRelay is the last-resort candidate when neither the directory nor
// the static config provides one.
var DefaultRelay = model.RelayDescriptor{
	ID:      "default",
	Address: "relay.partymesh.net:51820",
	Region:  "default",
}

const probeTimeout = 1500 * time.Millisecond

// Prober measures one round trip to a relay address. Injectable for tests;
// production wiring uses punch.ProbeLatency.
type Prober func(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error)

// registry is the read-only slice of the directory the selector needs.
type registry interface {
	ListRelays(ctx context.Context) ([]model.RelayDescriptor, error)
}

// Selector finds and ranks relay candidates.
type Selector struct {
	dir    registry
	static string
	probe  Prober
	log    *logrus.Entry
}

func NewSelector(dir registry, static string) *Selector {
	return &Selector{
		dir:    dir,
		static: static,
		probe:  punch.ProbeLatency,
		log:    logrus.WithField("component", "relay"),
	}
}

// Discover returns relay candidates: the directory registry first, then the
// statically configured relay, then the hardcoded default. Never empty.
func (s *Selector) Discover(ctx context.Context) []model.RelayDescriptor {
	if s.dir != nil {
		relays, err := s.dir.ListRelays(ctx)
		if err != nil {
			s.log.WithField("error", err).Warn("relay registry unavailable")
		} else if len(relays) > 0 {
			return relays
		}
	}
	if s.static != "" {
		return []model.RelayDescriptor{{ID: "static", Address: s.static, Region: "static"}}
	}
	return []model.RelayDescriptor{DefaultRelay}
}

// SelectBest probes every candidate concurrently and returns the one with
// the lowest round-trip time. When every probe fails it returns the first
// candidate: a relay guess beats no relay at all.
func (s *Selector) SelectBest(ctx context.Context, candidates []model.RelayDescriptor) model.RelayDescriptor {
	if len(candidates) == 0 {
		// Discovery never returns an empty slice; hold the always-a-relay
		// contract anyway.
		return DefaultRelay
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	type result struct {
		idx int
		rtt time.Duration
		err error
	}
	results := make(chan result, len(candidates))
	var wg sync.WaitGroup
	for i, cand := range candidates {
		wg.Add(1)
		go func(i int, cand model.RelayDescriptor) {
			defer wg.Done()
			rtt, err := s.probe(ctx, cand.Address, probeTimeout)
			results <- result{idx: i, rtt: rtt, err: err}
		}(i, cand)
	}
	wg.Wait()
	close(results)

	best := -1
	var bestRTT time.Duration
	for res := range results {
		if res.err != nil {
			s.log.WithFields(logrus.Fields{
				"relay": candidates[res.idx].ID,
				"error": res.err,
			}).Debug("relay probe failed")
			continue
		}
		if best == -1 || res.rtt < bestRTT {
			best = res.idx
			bestRTT = res.rtt
		}
	}
	if best == -1 {
		s.log.Warn("all relay probes failed, using first candidate")
		return candidates[0]
	}
	s.log.WithFields(logrus.Fields{
		"relay": candidates[best].ID,
		"rtt":   bestRTT,
	}).Info("relay selected")
	return candidates[best]
}

// Probe measures the latency to one relay address.
func (s *Selector) Probe(ctx context.Context, addr string) (time.Duration, error) {
	return s.probe(ctx, addr, probeTimeout)
}
