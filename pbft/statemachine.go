// Package pbft implements the (period, round, step) state machine that
// drives total ordering over the DAG layer's block pool (spec §4.3
// "PBFT state machine"), plus its supporting round clock
// (timing_machine.cpp) and chain-head validator (pbft_chain.cpp).
package pbft

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/luxfi/dagbft-core/config"
	"github.com/luxfi/dagbft-core/cryptoutil"
	"github.com/luxfi/dagbft-core/metrics"
	"github.com/luxfi/dagbft-core/stateapi"
	"github.com/luxfi/dagbft-core/types"
	"github.com/luxfi/dagbft-core/vote"
)

// SelectAnchorFunc picks the locally-preferred DAG anchor for period
// (spec §4.3 propose step: "the heaviest DAG block under the pivot of
// the previous period's anchor"). The null hash is a valid return
// (empty period).
type SelectAnchorFunc func(period types.Period) (types.Hash, error)

// IsBuildableFunc reports whether anchor's sub-DAG is locally complete
// enough to finalize (spec §4.3 cert step: "B is locally buildable").
type IsBuildableFunc func(anchor types.Hash) bool

// BuildOrderHashFunc computes the order_hash a certified anchor would
// produce, backed by finalizer.Finalizer.BuildOrderHash.
type BuildOrderHashFunc func(anchor types.Hash) (types.Hash, error)

// FinalizeFunc commits pbftBlock as period pbftBlock.Period's anchor,
// backed by finalizer.Finalizer.Finalize.
type FinalizeFunc func(ctx context.Context, pbftBlock *types.PbftBlock, certVotes []*types.Vote) error

// BroadcastVoteFunc emits a signed vote to the network (spec §6
// "broadcast_vote").
type BroadcastVoteFunc func(v *types.Vote)

// BroadcastVotesBundleFunc emits a next-votes bundle (spec §6
// "broadcast_votes_bundle"; spec §4.3 liveness guardrail rebroadcast).
type BroadcastVotesBundleFunc func(votes []*types.Vote)

// BroadcastPbftBlockFunc emits a freshly finalized PbftBlock (spec §6
// "broadcast_pbft_block").
type BroadcastPbftBlockFunc func(b *types.PbftBlock)

// RequestNextVotesFunc asks peers for their 2t+1 next-votes bundle of
// round (spec §4.3 liveness guardrail: "requests peers for their 2t+1
// next-votes bundle of the previous round").
type RequestNextVotesFunc func(period types.Period, round types.Round)

type thresholdEvent struct {
	round     types.Round
	step      types.Step
	blockHash types.Hash
	votes     []*types.Vote
}

// StateMachine drives the (period, round, step) FSM (spec §4.3). The
// zero value is not usable; construct with New.
type StateMachine struct {
	cfg      config.PbftParams
	chain    *Chain
	voteMgr  *vote.Manager
	nextVotes *vote.NextVotesManager
	stateAPI stateapi.StateAPI
	clock    *RoundClock
	hasher   func([]byte) types.Hash
	priv     *ecdsa.PrivateKey
	addr     types.Address
	vrfPub   []byte
	metrics  metrics.Metrics

	selectAnchor     SelectAnchorFunc
	isBuildable      IsBuildableFunc
	buildOrderHash   BuildOrderHashFunc
	finalize         FinalizeFunc
	broadcastVote    BroadcastVoteFunc
	broadcastBundle  BroadcastVotesBundleFunc
	broadcastBlock   BroadcastPbftBlockFunc
	requestNextVotes RequestNextVotesFunc

	events chan thresholdEvent
	certs  chan thresholdEvent
	lastCert thresholdEvent

	round                      types.Round
	previousRoundNextValue     types.Hash
	havePreviousRoundNextValue bool
	roundsSinceCert            uint32
	stepsSinceCert             uint32
}

// New constructs a StateMachine. chain supplies the current period
// (chain.Size()+1 is the period being driven).
func New(
	cfg config.PbftParams,
	chain *Chain,
	voteMgr *vote.Manager,
	nextVotes *vote.NextVotesManager,
	stateAPI stateapi.StateAPI,
	clock *RoundClock,
	hasher func([]byte) types.Hash,
	priv *ecdsa.PrivateKey,
	m metrics.Metrics,
	selectAnchor SelectAnchorFunc,
	isBuildable IsBuildableFunc,
	buildOrderHash BuildOrderHashFunc,
	finalize FinalizeFunc,
	broadcastVote BroadcastVoteFunc,
	broadcastBundle BroadcastVotesBundleFunc,
	broadcastBlock BroadcastPbftBlockFunc,
	requestNextVotes RequestNextVotesFunc,
) *StateMachine {
	return &StateMachine{
		cfg:              cfg,
		chain:            chain,
		voteMgr:          voteMgr,
		nextVotes:        nextVotes,
		stateAPI:         stateAPI,
		clock:            clock,
		hasher:           hasher,
		priv:             priv,
		addr:             cryptoutil.AddressFromPrivateKey(priv),
		vrfPub:           cryptoutil.PublicKeyBytes(priv),
		metrics:          m,
		selectAnchor:     selectAnchor,
		isBuildable:      isBuildable,
		buildOrderHash:   buildOrderHash,
		finalize:         finalize,
		broadcastVote:    broadcastVote,
		broadcastBundle:  broadcastBundle,
		broadcastBlock:   broadcastBlock,
		requestNextVotes: requestNextVotes,
		events:           make(chan thresholdEvent, 16),
		certs:            make(chan thresholdEvent, 4),
		round:            1,
	}
}

// HandleThreshold is the vote.Manager ThresholdFunc this state machine
// subscribes with: it routes cert-step crossings to a dedicated
// channel (observable from any step, per spec §4.3 "in any step") and
// everything else to the generic event channel, then wakes the round
// clock so a blocked step can react immediately instead of waiting out
// its lambda.
func (sm *StateMachine) HandleThreshold(round types.Round, step types.Step, blockHash types.Hash, votes []*types.Vote) {
	ev := thresholdEvent{round: round, step: step, blockHash: blockHash, votes: votes}
	if step == types.StepCert {
		select {
		case sm.certs <- ev:
		default:
		}
	} else {
		select {
		case sm.events <- ev:
		default:
		}
	}
	sm.clock.WakeUp()
}

// Run drives the FSM until ctx is cancelled or a fatal error occurs
// (a failed FinalizeFunc call, since spec §4.4 step 4 treats a
// consensus error as a halting condition).
func (sm *StateMachine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := sm.runPeriod(ctx); err != nil {
			return err
		}
	}
}

func (sm *StateMachine) currentPeriod() types.Period {
	return sm.chain.Size() + 1
}

func (sm *StateMachine) runPeriod(ctx context.Context) error {
	sm.round = 1
	sm.havePreviousRoundNextValue = false
	sm.roundsSinceCert = 0
	sm.stepsSinceCert = 0

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		result, err := sm.runRound(ctx)
		if err != nil {
			return err
		}
		if result.certified {
			return sm.finalizeCertified(ctx, result.cert)
		}
		if !result.advanced {
			return nil // context cancelled mid-round
		}

		sm.round++
		sm.roundsSinceCert++
		if sm.cfg.MaxRoundsWithoutCertification > 0 && sm.roundsSinceCert >= sm.cfg.MaxRoundsWithoutCertification {
			sm.runLiveness()
			sm.roundsSinceCert = 0
		}
	}
}

type roundResult struct {
	certified bool
	cert      thresholdEvent
	advanced  bool
}

// runRound drives one round's propose/soft/cert/next steps (spec §4.3
// state table), returning early the moment a cert-step threshold event
// arrives for this period, from any step: each step propagates a
// certified flag from its waitStep call, and peekCert additionally
// catches a cert event that arrived between steps rather than during
// one.
func (sm *StateMachine) runRound(ctx context.Context) (roundResult, error) {
	sm.clock.ResetForNewRound()
	sm.nextVotes.Clear()
	period := sm.currentPeriod()

	if sm.peekCert() {
		return roundResult{certified: true, cert: sm.lastCert}, nil
	}
	softValue, haveSoft, certified := sm.runPropose(ctx, period)
	if certified {
		return roundResult{certified: true, cert: sm.lastCert}, nil
	}

	softValue, haveSoft, certified = sm.runSoft(ctx, period, softValue, haveSoft)
	if certified {
		return roundResult{certified: true, cert: sm.lastCert}, nil
	}

	certValue, haveCert, certified := sm.runCert(ctx, period, softValue, haveSoft)
	if certified {
		return roundResult{certified: true, cert: sm.lastCert}, nil
	}

	nextValue, haveNext, certified := sm.runNext(ctx, period, softValue, haveSoft, certValue, haveCert)
	if certified {
		return roundResult{certified: true, cert: sm.lastCert}, nil
	}
	if !haveNext {
		return roundResult{advanced: ctx.Err() == nil}, nil
	}

	sm.previousRoundNextValue = nextValue
	sm.havePreviousRoundNextValue = true
	return roundResult{advanced: true}, nil
}

// peekCert gives runRound a cheap non-blocking way to notice a cert
// event that arrived between steps rather than during one. The decided
// value lands in sm.lastCert.
func (sm *StateMachine) peekCert() bool {
	select {
	case ev := <-sm.certs:
		sm.lastCert = ev
		return true
	default:
		return false
	}
}

func (sm *StateMachine) lambdaForCurrentStep() time.Duration {
	lambda := sm.cfg.LambdaMsMin
	for i := uint32(0); i < sm.stepsSinceCert; i++ {
		lambda *= 2
		if sm.cfg.LambdaMsMax > 0 && lambda >= sm.cfg.LambdaMsMax {
			return sm.cfg.LambdaMsMax
		}
	}
	return lambda
}

// waitStep blocks until lambda elapses (relative to the round clock),
// onEvent reports an early exit is warranted for a non-cert threshold
// event, or a cert-step threshold arrives — reported via its bool
// return so callers can short-circuit straight to finalization.
func (sm *StateMachine) waitStep(ctx context.Context, onEvent func(thresholdEvent) bool) bool {
	sm.stepsSinceCert++
	lambda := sm.lambdaForCurrentStep()
	for {
		remaining := lambda - sm.clock.Elapsed()
		if remaining <= 0 {
			return false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
			return false
		case ev := <-sm.events:
			timer.Stop()
			if onEvent != nil && onEvent(ev) {
				return false
			}
		case ev := <-sm.certs:
			timer.Stop()
			sm.lastCert = ev
			return true
		}
	}
}

func (sm *StateMachine) eligible(ctx context.Context, period types.Period) bool {
	weight, err := sm.stateAPI.DposEligibleVoteCount(ctx, sm.addr, period)
	return err == nil && weight > 0
}

func (sm *StateMachine) signVote(period types.Period, round types.Round, step types.Step, blockHash types.Hash) (*types.Vote, error) {
	input := cryptoutil.SortitionInput(u64be(uint64(period)), u64be(uint64(round)), []byte{byte(step.VrfInputStep())}, sm.addr.Bytes())
	proof, _, err := cryptoutil.VrfProve(input, sm.priv)
	if err != nil {
		return nil, errors.Wrap(err, "vrf prove vote")
	}
	v := &types.Vote{
		BlockHash: blockHash,
		Period:    period,
		Round:     round,
		Step:      step,
		VrfProof:  proof,
		VoterKey:  sm.vrfPub,
	}
	unsigned, err := v.EncodeUnsignedRLP()
	if err != nil {
		return nil, errors.Wrap(err, "encode unsigned vote")
	}
	sig, err := cryptoutil.Sign(sm.hasher(unsigned), sm.priv)
	if err != nil {
		return nil, errors.Wrap(err, "sign vote")
	}
	v.Signature = sig
	return v, nil
}

func (sm *StateMachine) castVote(period types.Period, round types.Round, step types.Step, blockHash types.Hash) {
	if !sm.eligible(context.Background(), period) {
		return
	}
	v, err := sm.signVote(period, round, step, blockHash)
	if err != nil {
		return
	}
	sm.voteMgr.AddUnverified(v)
	if sm.broadcastVote != nil {
		sm.broadcastVote(v)
	}
}

// runPropose: sign and broadcast a propose vote for the locally
// selected anchor, if eligible (spec §4.3 propose row). It returns no
// decided value of its own; propose votes feed the soft step's
// candidate set.
func (sm *StateMachine) runPropose(ctx context.Context, period types.Period) (types.Hash, bool, bool) {
	anchor, err := sm.selectAnchor(period)
	if err == nil {
		sm.castVote(period, sm.round, types.StepPropose, anchor)
	}

	certified := sm.waitStep(ctx, func(ev thresholdEvent) bool {
		return ev.round == sm.round && ev.step == types.StepSoft
	})
	return types.Hash{}, false, certified
}

// runSoft decides and casts the soft vote (spec §4.3 soft row: prefer
// the previous round's next-voted value, else the lowest-hash
// self-verifiable propose candidate), then waits for cert or next to
// cross threshold.
func (sm *StateMachine) runSoft(ctx context.Context, period types.Period, _ types.Hash, _ bool) (types.Hash, bool, bool) {
	value, have := sm.decideSoftValue(period)
	if have {
		sm.castVote(period, sm.round, types.StepSoft, value)
	}

	certified := sm.waitStep(ctx, func(ev thresholdEvent) bool {
		return ev.round == sm.round && ev.step == types.StepNext
	})
	return value, have, certified
}

func (sm *StateMachine) decideSoftValue(period types.Period) (types.Hash, bool) {
	if sm.havePreviousRoundNextValue && !sm.previousRoundNextValue.IsNull() {
		return sm.previousRoundNextValue, true
	}

	candidates := sm.voteMgr.CandidateValues(sm.round, types.StepPropose)
	var best *types.Hash
	for i := range candidates {
		h := candidates[i]
		if sm.isBuildable != nil && !sm.isBuildable(h) {
			continue
		}
		if best == nil || bytes.Compare(h[:], (*best)[:]) < 0 {
			c := h
			best = &c
		}
	}
	if best == nil {
		return types.Hash{}, false
	}
	return *best, true
}

// runCert casts a cert vote for the soft-voted value once it has
// crossed 2t+1 and is locally buildable (spec §4.3 cert row), then
// waits for any cert threshold.
func (sm *StateMachine) runCert(ctx context.Context, period types.Period, softValue types.Hash, haveSoft bool) (types.Hash, bool, bool) {
	decided := false
	if haveSoft {
		if _, weight, ok := sm.voteMgr.VotesBundle(sm.round, types.StepSoft, softValue); ok {
			total, err := sm.stateAPI.TotalEligibleVotes(context.Background(), period)
			if err == nil && weight >= vote.TwoTPlusOne(total) && (sm.isBuildable == nil || sm.isBuildable(softValue)) {
				sm.castVote(period, sm.round, types.StepCert, softValue)
				decided = true
			}
		}
	}

	certified := sm.waitStep(ctx, nil)
	if certified {
		return softValue, decided, true
	}
	if decided {
		return softValue, true, false
	}
	return types.Hash{}, false, false
}

// runNext casts a next vote per spec §4.3's even/odd round rule (even:
// the soft-voted value or null; odd: the cert-voted value or null),
// then waits for any next threshold to decide the round-advance value.
func (sm *StateMachine) runNext(ctx context.Context, period types.Period, softValue types.Hash, haveSoft bool, certValue types.Hash, haveCert bool) (types.Hash, bool, bool) {
	var value types.Hash
	if sm.round%2 == 0 {
		if haveSoft {
			value = softValue
		}
	} else if haveCert {
		value = certValue
	}
	sm.castVote(period, sm.round, types.StepNext, value)

	var observed *thresholdEvent
	certified := sm.waitStep(ctx, func(ev thresholdEvent) bool {
		if ev.round != sm.round || ev.step != types.StepNext {
			return false
		}
		observed = &ev
		return true
	})
	if certified {
		return types.Hash{}, false, true
	}

	total, err := sm.stateAPI.TotalEligibleVotes(context.Background(), period)
	if err != nil {
		return types.Hash{}, false, false
	}
	twoTPlusOne := vote.TwoTPlusOne(total)
	if observed != nil {
		sm.nextVotes.AddNextVotes(observed.votes, sm.hasher, twoTPlusOne)
	}
	if v, ok := sm.nextVotes.GetVotedValue(); ok {
		return v, true, false
	}
	if sm.nextVotes.HaveEnoughVotesForNullBlockHash() {
		return types.Hash{}, true, false
	}
	return types.Hash{}, false, false
}

// finalizeCertified builds the candidate PbftBlock for the certified
// anchor and hands it to FinalizeFunc (spec §4.3 "finalize B as the
// period's anchor"; spec §4.4 steps 1-6 via finalizer.Finalizer).
func (sm *StateMachine) finalizeCertified(ctx context.Context, cert thresholdEvent) error {
	period := sm.currentPeriod()
	head := sm.chain.Head()

	orderHash, err := sm.buildOrderHash(cert.blockHash)
	if err != nil {
		return err
	}

	block := &types.PbftBlock{
		PrevBlockHash: head.LastPbftBlockHash,
		AnchorHash:    cert.blockHash,
		OrderHash:     orderHash,
		Period:        period,
		Timestamp:     uint64(time.Now().Unix()),
	}
	unsigned, err := block.EncodeUnsignedRLP()
	if err != nil {
		return errors.Wrap(err, "encode unsigned pbft block")
	}
	sig, err := cryptoutil.Sign(sm.hasher(unsigned), sm.priv)
	if err != nil {
		return errors.Wrap(err, "sign pbft block")
	}
	block.Signature = sig

	if err := sm.finalize(ctx, block, cert.votes); err != nil {
		return err
	}
	sm.chain.SetHead(head.Advance(block.Period, block.Hash(sm.hasher), block.AnchorHash))
	if sm.broadcastBlock != nil {
		sm.broadcastBlock(block)
	}
	if sm.metrics != nil {
		sm.metrics.PbftRoundsAdvanced().Inc()
	}
	sm.stepsSinceCert = 0
	return nil
}

func (sm *StateMachine) runLiveness() {
	if sm.broadcastBundle != nil {
		sm.broadcastBundle(sm.nextVotes.GetNextVotes())
	}
	if sm.requestNextVotes != nil && sm.round > 0 {
		sm.requestNextVotes(sm.currentPeriod(), sm.round-1)
	}
	if sm.metrics != nil {
		sm.metrics.PbftLivenessRebroadcasts().Inc()
	}
}

func u64be(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
