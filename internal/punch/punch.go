// Package punch opens NAT mappings with a timed bidirectional UDP exchange
// and answers the same exchange from remote peers. Both sides of a punch run
// Attempt at roughly the same time, so packets cross while each NAT still
// remembers the outbound flow.
package punch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Wire payloads. The ack carries the request's nonce back so a response is
// matched to its own attempt and not a stale train.
const (
	punchPrefix = "partymesh-punch:"
	ackPrefix   = "partymesh-ack:"
)

const (
	trainLength   = 5
	trainInterval = 100 * time.Millisecond
	punchDeadline = 2 * time.Second
)

// Attempt runs a hole punch train toward peerAddr over the shared tunnel
// socket: five punch packets at 100ms spacing, succeeding when a matching
// ack arrives within the overall two-second deadline.
//
// Failure is an expected outcome, not an error; the bool carries the result.
func (s *Shared) Attempt(ctx context.Context, peerAddr string) (time.Duration, bool) {
	if s == nil || s.conn == nil {
		return 0, false
	}
	log := s.log.WithField("peer_addr", peerAddr)

	peerUDP, err := net.ResolveUDPAddr("udp4", peerAddr)
	if err != nil {
		log.WithField("error", err).Warn("hole punch: bad peer address")
		return 0, false
	}
	// A wildcard target loops back to this socket and our own read loop
	// acks it, which would look exactly like a successful punch.
	if peerUDP.IP == nil || peerUDP.IP.IsUnspecified() {
		log.Warn("hole punch: unspecified peer address")
		return 0, false
	}

	nonce, err := randomNonce(8)
	if err != nil {
		return 0, false
	}
	payload := []byte(punchPrefix + nonce)

	ack := s.addWaiter(ackPrefix + nonce)
	defer s.removeWaiter(ackPrefix + nonce)

	ctx, cancel := context.WithTimeout(ctx, punchDeadline)
	defer cancel()

	start := time.Now()
	ticker := time.NewTicker(trainInterval)
	defer ticker.Stop()

	sent := 0
	for {
		if sent < trainLength {
			if _, err := s.conn.WriteToUDP(payload, peerUDP); err != nil {
				log.WithField("error", err).Warn("hole punch: send failed")
				return 0, false
			}
			sent++
		}

		select {
		case <-ack:
			rtt := time.Since(start)
			log.WithField("rtt", rtt).Info("hole punch succeeded")
			return rtt, true
		case <-ctx.Done():
			log.WithFields(logrus.Fields{"sent": sent}).Debug("hole punch timed out")
			return 0, false
		case <-ticker.C:
		}
	}
}

func randomNonce(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
