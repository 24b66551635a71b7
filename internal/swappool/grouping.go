package swappool

import "fmt"

// allowedGroupSizes are the only group sizes the dynamic sizing algorithm
// considers — spec.md §4.5.
var allowedGroupSizes = []int{2, 3, 5, 10}

// factorial returns n! for the small n values allowedGroupSizes uses.
func factorial(n int) uint64 {
	var f uint64 = 1
	for i := 2; i <= n; i++ {
		f *= uint64(i)
	}
	return f
}

// groupCountFor returns how many groups of groupSize cover n participants,
// under the two distinct rules spec.md §4.5 gives: groupSize == 2 uses
// circular overlapping pairs (one group per participant, n groups in
// total); groupSize > 2 uses non-overlapping contiguous slices with the
// remainder wrapped into the final slice, so ceil(n/groupSize) groups.
func groupCountFor(n, groupSize int) int {
	if groupSize == 2 {
		return n
	}
	return (n + groupSize - 1) / groupSize
}

// ChooseGroupSizeStrategy selects groupSize ∈ {2,3,5,10} to maximize
// anonymityPerGroup × groupCount, subject to groupSize ≤ n — spec.md §4.5.
// Ties are broken in favor of the smaller group size: scenario 3 of spec.md
// §8 (n=3) ties 2!×3=6 against 3!×1=6 and requires the groupSize=2 result.
func ChooseGroupSizeStrategy(n int) (GroupSizeStrategy, error) {
	if n < 2 {
		return GroupSizeStrategy{}, fmt.Errorf("swappool: cannot size groups for %d participants", n)
	}

	best := GroupSizeStrategy{}
	bestScore := uint64(0)
	found := false

	for _, size := range allowedGroupSizes {
		if size > n {
			continue
		}
		count := groupCountFor(n, size)
		anonymity := factorial(size)
		score := anonymity * uint64(count)
		if !found || score > bestScore {
			found = true
			bestScore = score
			best = GroupSizeStrategy{
				GroupSize:         size,
				GroupCount:        count,
				AnonymityPerGroup: anonymity,
				RecommendedRounds: count,
				Reasoning: fmt.Sprintf(
					"groupSize=%d maximizes anonymityPerGroup(%d!=%d) x groupCount(%d) = %d among {2,3,5,10} for n=%d",
					size, size, anonymity, count, score, n,
				),
			}
		}
	}

	if !found {
		return GroupSizeStrategy{}, fmt.Errorf("swappool: no allowed group size <= %d participants", n)
	}
	return best, nil
}

// BuildGroups partitions n participant indices [0, n) into groups under
// strategy, following spec.md §4.5's circular-pairs rule for groupSize == 2
// and contiguous-wrapping-slices rule otherwise.
func BuildGroups(n int, strategy GroupSizeStrategy) [][]int {
	groups := make([][]int, strategy.GroupCount)

	if strategy.GroupSize == 2 {
		for i := 0; i < n; i++ {
			groups[i] = []int{i, (i + 1) % n}
		}
		return groups
	}

	for g := 0; g < strategy.GroupCount; g++ {
		group := make([]int, strategy.GroupSize)
		for j := 0; j < strategy.GroupSize; j++ {
			group[j] = (g*strategy.GroupSize + j) % n
		}
		groups[g] = group
	}
	return groups
}

// SettlementReceiver returns the participant index the shared output of
// group g pays to, under the rotation mapping of spec.md §4.5: for
// groupSize == 2 the receiver is participant (g+1) mod n; for groupSize > 2
// it is the first participant of group (g+1) mod groupCount.
func SettlementReceiver(g int, n int, strategy GroupSizeStrategy, groups [][]int) int {
	if strategy.GroupSize == 2 {
		return (g + 1) % n
	}
	next := (g + 1) % strategy.GroupCount
	return groups[next][0]
}
