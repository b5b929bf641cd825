package types

import (
	"bytes"
	"sort"

	"github.com/holiman/uint256"
)

// PendingValidator is a validator that staked enough but has not yet reached
// its activation view.
type PendingValidator struct {
	PublicKey      PublicKey
	ActivationView uint64
}

// ExitingValidator is a validator that unstaked and is waiting out its exit
// delay before its stake is fully withdrawable.
type ExitingValidator struct {
	PublicKey PublicKey
	ExitView  uint64
}

// StakeEntry is one (address, stake) pair. RLP cannot encode Go maps, and
// the determinism requirements on execution mandate a stable iteration order
// regardless, so ConsensusState.Stakes is a slice kept sorted by Address
// rather than a map.
type StakeEntry struct {
	Address Address
	Stake   *uint256.Int
}

// InactivityEntry is one (validator, score) pair, sorted by PublicKey for
// the same reason as StakeEntry.
type InactivityEntry struct {
	PublicKey PublicKey
	Score     uint64
}

// ConsensusState is everything consensus must persist before it is safe to
// emit an outbound vote or advance the view: the safety-relevant variables,
// plus the committee and staking bookkeeping the system contract mutates.
type ConsensusState struct {
	View              uint64
	FinalizedHeight   uint64
	PreferredBlock    Hash
	PreferredView     uint64
	LastVotedView     uint64
	Committee         []PublicKey
	PendingValidators []PendingValidator
	ExitingValidators []ExitingValidator
	Stakes            []StakeEntry
	InactivityScores  []InactivityEntry
}

// CommitteeHash is the content address of the ordered committee, written
// into every block's committee_hash field.
func CommitteeHash(committee []PublicKey) (Hash, error) {
	return HashRLP(committee)
}

// Clone returns a deep copy safe to mutate independently of the receiver.
func (s *ConsensusState) Clone() *ConsensusState {
	out := &ConsensusState{
		View:            s.View,
		FinalizedHeight: s.FinalizedHeight,
		PreferredBlock:  s.PreferredBlock,
		PreferredView:   s.PreferredView,
		LastVotedView:   s.LastVotedView,
	}
	out.Committee = append(out.Committee, s.Committee...)
	out.PendingValidators = append(out.PendingValidators, s.PendingValidators...)
	out.ExitingValidators = append(out.ExitingValidators, s.ExitingValidators...)
	out.Stakes = make([]StakeEntry, len(s.Stakes))
	for i, e := range s.Stakes {
		out.Stakes[i] = StakeEntry{Address: e.Address, Stake: new(uint256.Int).Set(e.Stake)}
	}
	out.InactivityScores = append(out.InactivityScores, s.InactivityScores...)
	return out
}

// StakeOf returns the stake of addr and whether an entry exists for it.
func (s *ConsensusState) StakeOf(addr Address) (*uint256.Int, bool) {
	i := sort.Search(len(s.Stakes), func(i int) bool {
		return bytes.Compare(s.Stakes[i].Address[:], addr[:]) >= 0
	})
	if i < len(s.Stakes) && s.Stakes[i].Address == addr {
		return s.Stakes[i].Stake, true
	}
	return nil, false
}

// SetStake inserts or updates addr's stake, keeping Stakes sorted by
// Address.
func (s *ConsensusState) SetStake(addr Address, amount *uint256.Int) {
	i := sort.Search(len(s.Stakes), func(i int) bool {
		return bytes.Compare(s.Stakes[i].Address[:], addr[:]) >= 0
	})
	if i < len(s.Stakes) && s.Stakes[i].Address == addr {
		s.Stakes[i].Stake = amount
		return
	}
	s.Stakes = append(s.Stakes, StakeEntry{})
	copy(s.Stakes[i+1:], s.Stakes[i:])
	s.Stakes[i] = StakeEntry{Address: addr, Stake: amount}
}

// RemoveStake deletes addr's entry, if any.
func (s *ConsensusState) RemoveStake(addr Address) {
	i := sort.Search(len(s.Stakes), func(i int) bool {
		return bytes.Compare(s.Stakes[i].Address[:], addr[:]) >= 0
	})
	if i < len(s.Stakes) && s.Stakes[i].Address == addr {
		s.Stakes = append(s.Stakes[:i], s.Stakes[i+1:]...)
	}
}

// InactivityScoreOf returns pk's current inactivity score (0 if untracked).
func (s *ConsensusState) InactivityScoreOf(pk PublicKey) uint64 {
	i := sort.Search(len(s.InactivityScores), func(i int) bool {
		return bytes.Compare(s.InactivityScores[i].PublicKey[:], pk[:]) >= 0
	})
	if i < len(s.InactivityScores) && s.InactivityScores[i].PublicKey == pk {
		return s.InactivityScores[i].Score
	}
	return 0
}

// SetInactivityScore inserts, updates, or (if score == 0) removes pk's
// inactivity score entry, keeping InactivityScores sorted by PublicKey.
func (s *ConsensusState) SetInactivityScore(pk PublicKey, score uint64) {
	i := sort.Search(len(s.InactivityScores), func(i int) bool {
		return bytes.Compare(s.InactivityScores[i].PublicKey[:], pk[:]) >= 0
	})
	found := i < len(s.InactivityScores) && s.InactivityScores[i].PublicKey == pk
	if score == 0 {
		if found {
			s.InactivityScores = append(s.InactivityScores[:i], s.InactivityScores[i+1:]...)
		}
		return
	}
	if found {
		s.InactivityScores[i].Score = score
		return
	}
	s.InactivityScores = append(s.InactivityScores, InactivityEntry{})
	copy(s.InactivityScores[i+1:], s.InactivityScores[i:])
	s.InactivityScores[i] = InactivityEntry{PublicKey: pk, Score: score}
}

// RemoveFromCommittee deletes pk from Committee, preserving relative order
// of the rest (leader-by-index rotation depends on stable ordering).
func (s *ConsensusState) RemoveFromCommittee(pk PublicKey) {
	out := s.Committee[:0]
	for _, member := range s.Committee {
		if member != pk {
			out = append(out, member)
		}
	}
	s.Committee = out
}

// LeaderAt returns the committee member responsible for view, by
// view mod |committee|.
func (s *ConsensusState) LeaderAt(view uint64) PublicKey {
	return s.Committee[view%uint64(len(s.Committee))]
}
