package execution

import (
	"testing"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/holiman/uint256"
	"github.com/simplexbft/node/pkg/blscrypto"
	"github.com/simplexbft/node/pkg/smt"
	"github.com/simplexbft/node/pkg/storage"
	"github.com/simplexbft/node/pkg/types"
)

func newTestExecutor(t *testing.T) (*Executor, *storage.Storage) {
	t.Helper()
	s := storage.New(dbm.NewMemDB())
	tree := smt.Empty(s)
	return New(tree), s
}

func testValidator(t *testing.T, seed string) (*blscrypto.PrivateKey, types.PublicKey, types.Address) {
	t.Helper()
	sk, pk, err := blscrypto.GenerateKeyPairFromSeed([]byte(seed))
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	wirePK := types.PublicKeyFromBLS(pk)
	return sk, wirePK, types.AddressFromPublicKey(wirePK)
}

func fundAccount(t *testing.T, acc StateAccessor, addr types.Address, balance uint64) {
	t.Helper()
	if err := acc.PutAccount(addr, &types.AccountInfo{Balance: uint256.NewInt(balance)}); err != nil {
		t.Fatalf("fund account: %v", err)
	}
}

func signedTransfer(t *testing.T, sk *blscrypto.PrivateKey, nonce uint64, to types.Address, value uint64) *types.Transaction {
	t.Helper()
	tx := &types.Transaction{
		ChainID:              1,
		Nonce:                nonce,
		MaxPriorityFeePerGas: uint256.NewInt(1),
		MaxFeePerGas:         uint256.NewInt(1),
		GasLimit:             21000,
		To:                   &to,
		Value:                uint256.NewInt(value),
	}
	if err := tx.Sign(sk); err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	return tx
}

func TestExecuteBlockSimpleTransfer(t *testing.T) {
	e, s := newTestExecutor(t)
	aliceSK, alicePK, aliceAddr := testValidator(t, "alice")
	_, _, bobAddr := testValidator(t, "bob")

	fundAccount(t, s, aliceAddr, 1_000_000)

	state := &types.ConsensusState{View: 1, Committee: []types.PublicKey{alicePK}}
	tx := signedTransfer(t, aliceSK, 0, bobAddr, 500)
	block := &types.Block{View: 1, Author: alicePK, Payload: []types.Transaction{*tx}}

	receipts, err := e.ExecuteBlock(block, s, state, 10_000_000)
	if err != nil {
		t.Fatalf("execute block: %v", err)
	}
	if len(receipts) != 1 || receipts[0].Status != 1 {
		t.Fatalf("expected one successful receipt, got %+v", receipts)
	}

	aliceAcct, err := s.GetAccount(aliceAddr)
	if err != nil || aliceAcct == nil {
		t.Fatalf("get alice account: %v", err)
	}
	if aliceAcct.Nonce != 1 {
		t.Fatalf("alice nonce should be 1 after one transaction, got %d", aliceAcct.Nonce)
	}
	bobAcct, err := s.GetAccount(bobAddr)
	if err != nil || bobAcct == nil || !bobAcct.Balance.Eq(uint256.NewInt(500)) {
		t.Fatalf("bob should have received 500, got %+v", bobAcct)
	}
	if block.StateRoot == types.ZeroHash {
		t.Fatalf("state root was not populated")
	}
}

func TestExecuteBlockRejectsBadNonce(t *testing.T) {
	e, s := newTestExecutor(t)
	aliceSK, alicePK, aliceAddr := testValidator(t, "alice")
	_, _, bobAddr := testValidator(t, "bob")
	fundAccount(t, s, aliceAddr, 1_000_000)

	state := &types.ConsensusState{View: 1, Committee: []types.PublicKey{alicePK}}
	tx := signedTransfer(t, aliceSK, 5, bobAddr, 500) // wrong nonce, account starts at 0
	block := &types.Block{View: 1, Author: alicePK, Payload: []types.Transaction{*tx}}

	receipts, err := e.ExecuteBlock(block, s, state, 10_000_000)
	if err != nil {
		t.Fatalf("block-level execution should not fail on a bad nonce: %v", err)
	}
	if len(receipts) != 1 || receipts[0].Status != 0 {
		t.Fatalf("expected a reverted receipt for bad nonce, got %+v", receipts)
	}
}

func TestExecuteBlockGasLimitExceeded(t *testing.T) {
	e, s := newTestExecutor(t)
	_, alicePK, aliceAddr := testValidator(t, "alice")
	_, _, bobAddr := testValidator(t, "bob")
	fundAccount(t, s, aliceAddr, 1_000_000)

	aliceSK, _, _ := testValidator(t, "alice")
	state := &types.ConsensusState{View: 1, Committee: []types.PublicKey{alicePK}}
	tx := signedTransfer(t, aliceSK, 0, bobAddr, 500)
	tx.GasLimit = 50_000_000
	block := &types.Block{View: 1, Author: alicePK, Payload: []types.Transaction{*tx}}

	_, err := e.ExecuteBlock(block, s, state, 10_000_000)
	if err != ErrGasLimitExceeded {
		t.Fatalf("expected ErrGasLimitExceeded, got %v", err)
	}
}

func TestStakeUnstakeWithdrawLifecycle(t *testing.T) {
	e, s := newTestExecutor(t)
	validatorSK, validatorPK, validatorAddr := testValidator(t, "validator")
	_, leaderPK, leaderAddr := testValidator(t, "leader")
	fundAccount(t, s, validatorAddr, 10_000)
	fundAccount(t, s, leaderAddr, 10_000)

	state := &types.ConsensusState{View: 1, Committee: []types.PublicKey{leaderPK}}

	stakeTx := &types.Transaction{
		ChainID: 1, Nonce: 0,
		MaxPriorityFeePerGas: uint256.NewInt(1), MaxFeePerGas: uint256.NewInt(1),
		GasLimit: 21000, To: &types.SystemContractAddress, Value: uint256.NewInt(3000),
		Data: selectorStake[:],
	}
	if err := stakeTx.Sign(validatorSK); err != nil {
		t.Fatalf("sign stake tx: %v", err)
	}
	block1 := &types.Block{View: 1, Author: leaderPK, Payload: []types.Transaction{*stakeTx}}
	receipts, err := e.ExecuteBlock(block1, s, state, 10_000_000)
	if err != nil || receipts[0].Status != 1 {
		t.Fatalf("stake call failed: err=%v receipts=%+v", err, receipts)
	}
	if _, ok := isPending(state, validatorPK); !ok {
		t.Fatalf("validator should be pending after staking")
	}

	// Promote by running a view past the activation delay.
	block2 := &types.Block{View: 1 + ActivationDelay, Author: leaderPK}
	if _, err := e.ExecuteBlock(block2, s, state, 10_000_000); err != nil {
		t.Fatalf("execute promotion block: %v", err)
	}
	if !isCommitteeMember(state, validatorPK) {
		t.Fatalf("validator should have been promoted into the committee")
	}

	unstakeTx := &types.Transaction{
		ChainID: 1, Nonce: 1,
		MaxPriorityFeePerGas: uint256.NewInt(1), MaxFeePerGas: uint256.NewInt(1),
		GasLimit: 21000, To: &types.SystemContractAddress, Value: uint256.NewInt(0),
		Data: selectorUnstake[:],
	}
	if err := unstakeTx.Sign(validatorSK); err != nil {
		t.Fatalf("sign unstake tx: %v", err)
	}
	view3 := block2.View + 1
	block3 := &types.Block{View: view3, Author: leaderPK, Payload: []types.Transaction{*unstakeTx}}
	receipts, err = e.ExecuteBlock(block3, s, state, 10_000_000)
	if err != nil || receipts[0].Status != 1 {
		t.Fatalf("unstake call failed: err=%v receipts=%+v", err, receipts)
	}
	if _, ok := isExiting(state, validatorPK); !ok {
		t.Fatalf("validator should be exiting after unstake")
	}

	block4 := &types.Block{View: view3 + ExitDelay, Author: leaderPK}
	if _, err := e.ExecuteBlock(block4, s, state, 10_000_000); err != nil {
		t.Fatalf("execute exit block: %v", err)
	}
	if isCommitteeMember(state, validatorPK) {
		t.Fatalf("validator should have exited the committee")
	}

	withdrawTx := &types.Transaction{
		ChainID: 1, Nonce: 2,
		MaxPriorityFeePerGas: uint256.NewInt(1), MaxFeePerGas: uint256.NewInt(1),
		GasLimit: 21000, To: &types.SystemContractAddress, Value: uint256.NewInt(0),
		Data: selectorWithdraw[:],
	}
	if err := withdrawTx.Sign(validatorSK); err != nil {
		t.Fatalf("sign withdraw tx: %v", err)
	}
	block5 := &types.Block{View: block4.View + 1, Author: leaderPK, Payload: []types.Transaction{*withdrawTx}}
	receipts, err = e.ExecuteBlock(block5, s, state, 10_000_000)
	if err != nil || receipts[0].Status != 1 {
		t.Fatalf("withdraw call failed: err=%v receipts=%+v", err, receipts)
	}
	acct, err := s.GetAccount(validatorAddr)
	if err != nil || acct == nil {
		t.Fatalf("get validator account: %v", err)
	}
	if !acct.Balance.Eq(uint256.NewInt(10_000)) {
		t.Fatalf("validator balance should be refunded to original 10000, got %s", acct.Balance)
	}
}

func TestEquivocationEvidenceSlashesBalance(t *testing.T) {
	e, s := newTestExecutor(t)
	offenderSK, offenderPK, offenderAddr := testValidator(t, "offender")
	_, leaderPK, leaderAddr := testValidator(t, "leader")
	fundAccount(t, s, offenderAddr, 5000)
	fundAccount(t, s, leaderAddr, 5000)

	state := &types.ConsensusState{View: 2, Committee: []types.PublicKey{offenderPK, leaderPK}}

	voteA := types.Vote{View: 2, BlockHash: types.Hash{0x01}, Kind: types.VoteNotarize}
	if err := voteA.Sign(offenderSK); err != nil {
		t.Fatalf("sign vote a: %v", err)
	}
	voteB := types.Vote{View: 2, BlockHash: types.Hash{0x02}, Kind: types.VoteNotarize}
	if err := voteB.Sign(offenderSK); err != nil {
		t.Fatalf("sign vote b: %v", err)
	}
	ev := types.EquivocationEvidence{VoteA: voteA, VoteB: voteB}
	if !ev.Valid() {
		t.Fatalf("constructed evidence should be valid")
	}

	block := &types.Block{View: 2, Author: leaderPK, Evidence: []types.EquivocationEvidence{ev}}
	if _, err := e.ExecuteBlock(block, s, state, 10_000_000); err != nil {
		t.Fatalf("execute block with evidence: %v", err)
	}

	acct, err := s.GetAccount(offenderAddr)
	if err != nil || acct == nil {
		t.Fatalf("get offender account: %v", err)
	}
	if !acct.Balance.Eq(uint256.NewInt(5000 - EquivocationSlash)) {
		t.Fatalf("offender balance should be slashed by %d, got %s", EquivocationSlash, acct.Balance)
	}
}
