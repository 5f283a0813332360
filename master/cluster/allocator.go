package cluster

import (
	"math/rand"
	"net"
	"sort"

	"github.com/tierfs/tierfs/proto"
)

const (
	PolicyRandom      = "random"
	PolicyLeastLoaded = "leastloaded"
	PolicyLocality    = "locality"
)

// allocator orders the eligible workers for a new block; callers pass only
// healthy workers with free space on the requested tier. Equal candidates
// always break ties by ascending worker id so placement is stable.
type allocator interface {
	pick(candidates []proto.Worker, count int, tier proto.Tier, clientHost string) []proto.Worker
}

func newAllocator(policy string) allocator {
	switch policy {
	case PolicyRandom:
		return randomAllocator{}
	case PolicyLocality:
		return localityAllocator{}
	default:
		return leastLoadedAllocator{}
	}
}

type randomAllocator struct{}

func (randomAllocator) pick(candidates []proto.Worker, count int, tier proto.Tier, clientHost string) []proto.Worker {
	picked := append([]proto.Worker(nil), candidates...)
	rand.Shuffle(len(picked), func(i, j int) {
		picked[i], picked[j] = picked[j], picked[i]
	})
	return clip(picked, count)
}

type leastLoadedAllocator struct{}

func (leastLoadedAllocator) pick(candidates []proto.Worker, count int, tier proto.Tier, clientHost string) []proto.Worker {
	picked := append([]proto.Worker(nil), candidates...)
	sort.Slice(picked, func(i, j int) bool {
		ri, rj := usedRatio(picked[i].Tiers[tier]), usedRatio(picked[j].Tiers[tier])
		if ri != rj {
			return ri < rj
		}
		return picked[i].ID < picked[j].ID
	})
	return clip(picked, count)
}

// usedRatio compares load as a fraction of capacity, so a half-empty small
// worker beats a nearly-full large one. Zero capacity counts as full.
func usedRatio(t proto.TierStat) float64 {
	if t.CapacityBytes == 0 {
		return 1
	}
	return float64(t.UsedBytes) / float64(t.CapacityBytes)
}

// localityAllocator puts a worker co-located with the writing client first,
// then fills the rest by free space.
type localityAllocator struct{}

func (localityAllocator) pick(candidates []proto.Worker, count int, tier proto.Tier, clientHost string) []proto.Worker {
	picked := leastLoadedAllocator{}.pick(candidates, len(candidates), tier, clientHost)
	if clientHost != "" {
		for i := range picked {
			if hostOf(picked[i].Addr) == clientHost {
				local := picked[i]
				copy(picked[1:i+1], picked[:i])
				picked[0] = local
				break
			}
		}
	}
	return clip(picked, count)
}

func clip(workers []proto.Worker, count int) []proto.Worker {
	if len(workers) > count {
		return workers[:count]
	}
	return workers
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
