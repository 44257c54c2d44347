package circuit

import (
	"fmt"
	"math/rand/v2"

	"github.com/postalsys/onionmesh/internal/protocol"
)

// SelectPath draws n distinct peers from known uniformly at random.
// Entries for self and repeated keys are ignored.
func SelectPath(known []protocol.PeerInfo, self string, n int) ([]protocol.PeerInfo, error) {
	if n < 1 {
		return nil, ErrInvalidLength
	}

	seen := make(map[string]struct{}, len(known))
	candidates := make([]protocol.PeerInfo, 0, len(known))
	for _, p := range known {
		if p.PublicKey == self {
			continue
		}
		if _, dup := seen[p.PublicKey]; dup {
			continue
		}
		seen[p.PublicKey] = struct{}{}
		candidates = append(candidates, p)
	}

	if len(candidates) < n {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientPeers, len(candidates), n)
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	return candidates[:n:n], nil
}
