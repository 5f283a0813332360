package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tierfs/tierfs/proto"
)

func testWorkers() []proto.Worker {
	return []proto.Worker{
		// worker 1 has the most free bytes in absolute terms but is the
		// fullest by ratio; worker 4 mirrors worker 2's ratio at 5x scale
		{ID: 1, Addr: "host-a:9000", Tiers: map[proto.Tier]proto.TierStat{
			proto.Tier_Memory: {CapacityBytes: 1000, UsedBytes: 900},
		}},
		{ID: 2, Addr: "host-b:9000", Tiers: map[proto.Tier]proto.TierStat{
			proto.Tier_Memory: {CapacityBytes: 100, UsedBytes: 20},
		}},
		{ID: 3, Addr: "host-c:9000", Tiers: map[proto.Tier]proto.TierStat{
			proto.Tier_Memory: {CapacityBytes: 200, UsedBytes: 100},
		}},
		{ID: 4, Addr: "host-d:9000", Tiers: map[proto.Tier]proto.TierStat{
			proto.Tier_Memory: {CapacityBytes: 500, UsedBytes: 100},
		}},
	}
}

func TestLeastLoadedAllocator(t *testing.T) {
	picked := leastLoadedAllocator{}.pick(testWorkers(), 4, proto.Tier_Memory, "")
	require.Len(t, picked, 4)
	// lowest used/capacity ratio first, id breaks the 2/4 tie; worker 1's
	// 100 free bytes never outrank the emptier small workers
	require.Equal(t, proto.WorkerID(2), picked[0].ID)
	require.Equal(t, proto.WorkerID(4), picked[1].ID)
	require.Equal(t, proto.WorkerID(3), picked[2].ID)
	require.Equal(t, proto.WorkerID(1), picked[3].ID)
}

func TestUsedRatio(t *testing.T) {
	require.Equal(t, 0.25, usedRatio(proto.TierStat{CapacityBytes: 400, UsedBytes: 100}))
	// zero capacity sorts as full
	require.Equal(t, 1.0, usedRatio(proto.TierStat{}))
}

func TestLocalityAllocator(t *testing.T) {
	picked := localityAllocator{}.pick(testWorkers(), 3, proto.Tier_Memory, "host-c")
	require.Len(t, picked, 3)
	// the co-located worker jumps the queue, the rest stay load ordered
	require.Equal(t, proto.WorkerID(3), picked[0].ID)
	require.Equal(t, proto.WorkerID(2), picked[1].ID)
	require.Equal(t, proto.WorkerID(4), picked[2].ID)

	// unknown client host degrades to least loaded
	picked = localityAllocator{}.pick(testWorkers(), 2, proto.Tier_Memory, "elsewhere")
	require.Equal(t, proto.WorkerID(2), picked[0].ID)
	require.Equal(t, proto.WorkerID(4), picked[1].ID)
}

func TestRandomAllocator(t *testing.T) {
	workers := testWorkers()
	picked := randomAllocator{}.pick(workers, 2, proto.Tier_Memory, "")
	require.Len(t, picked, 2)
	require.NotEqual(t, picked[0].ID, picked[1].ID)

	// fewer candidates than requested returns them all
	picked = randomAllocator{}.pick(workers[:1], 3, proto.Tier_Memory, "")
	require.Len(t, picked, 1)
}

func TestNewAllocatorPolicy(t *testing.T) {
	require.IsType(t, randomAllocator{}, newAllocator(PolicyRandom))
	require.IsType(t, localityAllocator{}, newAllocator(PolicyLocality))
	require.IsType(t, leastLoadedAllocator{}, newAllocator(PolicyLeastLoaded))
	require.IsType(t, leastLoadedAllocator{}, newAllocator(""))
}
