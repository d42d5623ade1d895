package ethereum

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	xerrors "AgentProof-Chain/internal/errors"
	"AgentProof-Chain/internal/web3/signer"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

type fakeBackend struct {
	chainID  *big.Int
	block    uint64
	nonce    uint64
	tip      *big.Int
	baseFee  *big.Int
	gas      uint64
	sent     []*coretypes.Transaction
	calls    []gethcore.CallMsg
	callOut  []byte
	sendErr  error
	chainIDs int
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	f.chainIDs++
	return new(big.Int).Set(f.chainID), nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return f.block, nil }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return f.tip, nil }

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	return &coretypes.Header{BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) EstimateGas(_ context.Context, call gethcore.CallMsg) (uint64, error) {
	f.calls = append(f.calls, call)
	return f.gas, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls = append(f.calls, call)
	return f.callOut, nil
}

func newTestClient(t *testing.T, backend *fakeBackend) (*Client, *signer.KeySigner) {
	t.Helper()
	s, err := signer.Generate()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	client, err := NewClientWithBackend(Config{
		Name:     "sepolia",
		Verifier: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Signer:   s,
		Notes:    "test",
	}, backend)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)
	return client, s
}

func TestSubmitBuildsSignedDynamicFeeTx(t *testing.T) {
	backend := &fakeBackend{chainID: big.NewInt(11155111), nonce: 7, tip: big.NewInt(2), baseFee: big.NewInt(10), gas: 90_000}
	client, s := newTestClient(t, backend)
	hookData := []byte{0xde, 0xad, 0xbe, 0xef}

	hash, err := client.Submit(context.Background(), hookData)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Hash() != hash {
		t.Fatalf("returned hash does not match sent tx")
	}
	if tx.Nonce() != 7 || tx.Gas() != 90_000 || tx.GasTipCap().Int64() != 2 || tx.GasFeeCap().Int64() != 22 {
		t.Fatalf("unexpected tx fields nonce=%d gas=%d tip=%s cap=%s", tx.Nonce(), tx.Gas(), tx.GasTipCap(), tx.GasFeeCap())
	}
	if *tx.To() != client.Verifier() {
		t.Fatalf("tx sent to %s", tx.To().Hex())
	}
	from, err := coretypes.Sender(coretypes.LatestSignerForChainID(backend.chainID), tx)
	if err != nil || from != s.Address() {
		t.Fatalf("sender %s, %v", from.Hex(), err)
	}

	method := client.abi.Methods[client.method]
	if !bytes.Equal(tx.Data()[:4], method.ID) {
		t.Fatalf("calldata selector %x, want %x", tx.Data()[:4], method.ID)
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack calldata: %v", err)
	}
	if !bytes.Equal(args[0].([]byte), hookData) {
		t.Fatalf("hook data not forwarded verbatim")
	}

	if _, err := client.Submit(context.Background(), hookData); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if backend.chainIDs != 1 {
		t.Fatalf("chain id should be cached, fetched %d times", backend.chainIDs)
	}
}

func TestSubmitFailureIsRetryable(t *testing.T) {
	backend := &fakeBackend{chainID: big.NewInt(1), tip: big.NewInt(1), gas: 21_000, sendErr: errors.New("connection reset")}
	client, _ := newTestClient(t, backend)
	_, err := client.Submit(context.Background(), []byte{1})
	if xerrors.CodeOf(err) != xerrors.CodeChainFailure || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable chain failure, got %v", err)
	}
}

func TestSubmitRequiresSignerAndVerifier(t *testing.T) {
	backend := &fakeBackend{chainID: big.NewInt(1), tip: big.NewInt(1)}
	client, err := NewClientWithBackend(Config{}, backend)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Submit(context.Background(), nil); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestCheckUnpacksBool(t *testing.T) {
	boolType, _ := abi.NewType("bool", "", nil)
	out, _ := abi.Arguments{{Type: boolType}}.Pack(true)
	backend := &fakeBackend{chainID: big.NewInt(1), callOut: out}
	client, s := newTestClient(t, backend)

	ok, err := client.Check(context.Background(), []byte{1, 2, 3})
	if err != nil || !ok {
		t.Fatalf("check = %v, %v", ok, err)
	}
	if backend.calls[0].From != s.Address() {
		t.Fatalf("eth_call should be sent from the agent")
	}
}

func TestAgentRecord(t *testing.T) {
	backend := &fakeBackend{chainID: big.NewInt(1)}
	client, s := newTestClient(t, backend)
	out, err := client.abi.Methods["agents"].Outputs.Pack(
		s.Address(), [32]byte{1}, [32]byte{2}, big.NewInt(100), true, big.NewInt(3), big.NewInt(50),
	)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	backend.callOut = out

	record, err := client.Agent(context.Background(), s.Address())
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	if record.Address != s.Address() || !record.Active || record.Decisions.Int64() != 3 || record.ModelHash != (common.Hash{1}) {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestSnapshot(t *testing.T) {
	backend := &fakeBackend{chainID: big.NewInt(11155111), block: 255}
	client, _ := newTestClient(t, backend)
	snap, err := client.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ChainID != "0xaa36a7" || snap.BlockNumber != "0xff" || snap.Name != "sepolia" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
