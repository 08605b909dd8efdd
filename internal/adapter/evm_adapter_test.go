package adapter

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	apperrors "github.com/deposit-custody/internal/errors"
	"github.com/deposit-custody/internal/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeEVMClient serves canned chain state
type fakeEVMClient struct {
	mu sync.Mutex

	head        uint64
	blocks      map[uint64]*ethtypes.Block
	logs        []ethtypes.Log
	receipts    map[common.Hash]*ethtypes.Receipt
	blockErrAt  map[uint64]error
	headErr     error
	logsErr     error
	sent        []*ethtypes.Transaction
	balances    map[common.Address]*big.Int
	callResult  []byte
	gasPrice    *big.Int
	blockCalls  int
	closeCalled bool
}

func newFakeEVMClient(head uint64) *fakeEVMClient {
	return &fakeEVMClient{
		head:       head,
		blocks:     make(map[uint64]*ethtypes.Block),
		receipts:   make(map[common.Hash]*ethtypes.Receipt),
		blockErrAt: make(map[uint64]error),
		balances:   make(map[common.Address]*big.Int),
		gasPrice:   big.NewInt(5_000_000_000),
	}
}

func (f *fakeEVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, f.headErr
}

func (f *fakeEVMClient) BlockByNumber(ctx context.Context, number *big.Int) (*ethtypes.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockCalls++
	n := number.Uint64()
	if err, ok := f.blockErrAt[n]; ok {
		return nil, err
	}
	if block, ok := f.blocks[n]; ok {
		return block, nil
	}
	return ethtypes.NewBlockWithHeader(&ethtypes.Header{Number: new(big.Int).SetUint64(n)}), nil
}

func (f *fakeEVMClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	var out []ethtypes.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeEVMClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	if r, ok := f.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeEVMClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if b, ok := f.balances[account]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeEVMClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.callResult, nil
}

func (f *fakeEVMClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeEVMClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeEVMClient) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEVMClient) Close() {
	f.closeCalled = true
}

const watchedHex = "0x1111111111111111111111111111111111111111"

func newTestEVMAdapter(t *testing.T, clients map[string]EVMClient, secondary string) *EVMAdapter {
	t.Helper()
	provider, err := NewRPCProvider("http://primary", secondary)
	require.NoError(t, err)

	a, err := NewEVMAdapter(EVMAdapterConfig{
		Chain:    types.ChainEthereum,
		Provider: provider,
		Dial: func(ctx context.Context, url string) (EVMClient, error) {
			c, ok := clients[url]
			if !ok {
				return nil, errors.New("dial " + url + ": connection refused")
			}
			return c, nil
		},
		ScanWindow:     10,
		RequestTimeout: time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return a
}

// nativeTx signs a value transfer to `to` and puts it in block n
func nativeTx(t *testing.T, f *fakeEVMClient, n uint64, to common.Address, wei int64, status uint64) *ethtypes.Transaction {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := ethtypes.MustSignNewTx(key, ethtypes.LatestSignerForChainID(big.NewInt(1)), &ethtypes.LegacyTx{
		Nonce:    n,
		To:       &to,
		Value:    big.NewInt(wei),
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})

	var txs ethtypes.Transactions
	if existing, ok := f.blocks[n]; ok {
		txs = append(txs, existing.Transactions()...)
	}
	txs = append(txs, tx)
	f.blocks[n] = ethtypes.NewBlockWithHeader(&ethtypes.Header{Number: new(big.Int).SetUint64(n)}).
		WithBody(ethtypes.Body{Transactions: txs})
	f.receipts[tx.Hash()] = &ethtypes.Receipt{Status: status}
	return tx
}

// tokenLog appends an ERC20 Transfer log and a receipt for it
func tokenLog(f *fakeEVMClient, n uint64, contract string, from, to common.Address, raw *big.Int, status uint64, hashByte byte) common.Hash {
	txHash := common.BytesToHash([]byte{hashByte, byte(n)})
	f.logs = append(f.logs, ethtypes.Log{
		Address:     common.HexToAddress(contract),
		Topics:      []common.Hash{common.HexToHash(TransferEventTopic), common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:        common.LeftPadBytes(raw.Bytes(), 32),
		BlockNumber: n,
		TxHash:      txHash,
	})
	f.receipts[txHash] = &ethtypes.Receipt{Status: status}
	return txHash
}

func TestScanStart(t *testing.T) {
	tests := []struct {
		name       string
		head       uint64
		window     uint64
		checkpoint uint64
		want       uint64
	}{
		{"fresh wallet uses window", 100, 20, 0, 81},
		{"checkpoint inside window", 100, 20, 95, 96},
		{"checkpoint behind window", 100, 20, 10, 81},
		{"up to date", 100, 20, 100, 101},
		{"short chain", 5, 20, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scanStart(tt.head, tt.window, tt.checkpoint))
		})
	}
}

func TestEVMAdapter_ListIncomingTransfers(t *testing.T) {
	target := common.HexToAddress(watchedHex)
	sender := common.HexToAddress("0x2222222222222222222222222222222222222222")
	usdt := TokensFor(types.ChainEthereum)[0]

	f := newFakeEVMClient(100)
	ethTx := nativeTx(t, f, 95, target, 1_000_000_000_000_000_000, ethtypes.ReceiptStatusSuccessful)
	nativeTx(t, f, 96, target, 5, ethtypes.ReceiptStatusFailed)
	nativeTx(t, f, 97, sender, 5, ethtypes.ReceiptStatusSuccessful)
	usdtHash := tokenLog(f, 98, usdt.Contract, sender, target, big.NewInt(50_000_000), ethtypes.ReceiptStatusSuccessful, 0xaa)
	tokenLog(f, 99, "0x9999999999999999999999999999999999999999", sender, target, big.NewInt(1), ethtypes.ReceiptStatusSuccessful, 0xbb)
	tokenLog(f, 99, usdt.Contract, sender, target, big.NewInt(7), ethtypes.ReceiptStatusFailed, 0xcc)

	a := newTestEVMAdapter(t, map[string]EVMClient{"http://primary": f}, "")

	result, err := a.ListIncomingTransfers(context.Background(), WatchedAddress{
		Address:    watchedHex,
		Checkpoint: Checkpoint{LastBlock: 94},
	})
	require.NoError(t, err)

	assert.False(t, result.Partial)
	assert.Equal(t, uint64(100), result.Checkpoint.LastBlock)
	require.Len(t, result.Transfers, 2)

	native := result.Transfers[0]
	assert.Equal(t, ethTx.Hash().Hex(), native.TxHash)
	assert.Equal(t, "ETH", native.Asset)
	assert.Equal(t, "1", native.Amount().String())
	assert.NotEmpty(t, native.From)
	assert.Equal(t, uint64(95), native.BlockOrSeq)

	token := result.Transfers[1]
	assert.Equal(t, usdtHash.Hex(), token.TxHash)
	assert.Equal(t, "USDT", token.Asset)
	assert.Equal(t, "50", token.Amount().String())
	assert.Equal(t, sender.Hex(), token.From)
	assert.False(t, token.Synthetic)

	// Only blocks 95..100 are read
	assert.Equal(t, 6, f.blockCalls)
}

func TestEVMAdapter_UpToDateCheckpoint(t *testing.T) {
	f := newFakeEVMClient(100)
	a := newTestEVMAdapter(t, map[string]EVMClient{"http://primary": f}, "")

	result, err := a.ListIncomingTransfers(context.Background(), WatchedAddress{
		Address:    watchedHex,
		Checkpoint: Checkpoint{LastBlock: 100},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Transfers)
	assert.Equal(t, uint64(100), result.Checkpoint.LastBlock)
	assert.Zero(t, f.blockCalls)
}

func TestEVMAdapter_RateLimitReturnsPartial(t *testing.T) {
	target := common.HexToAddress(watchedHex)
	f := newFakeEVMClient(100)
	early := nativeTx(t, f, 92, target, 10, ethtypes.ReceiptStatusSuccessful)
	nativeTx(t, f, 96, target, 10, ethtypes.ReceiptStatusSuccessful)
	f.blockErrAt[95] = errors.New("429 Too Many Requests")

	a := newTestEVMAdapter(t, map[string]EVMClient{"http://primary": f}, "")

	result, err := a.ListIncomingTransfers(context.Background(), WatchedAddress{
		Address:    watchedHex,
		Checkpoint: Checkpoint{LastBlock: 90},
	})
	require.NoError(t, err)

	assert.True(t, result.Partial)
	assert.Equal(t, uint64(94), result.Checkpoint.LastBlock, "checkpoint stops before the throttled block")
	require.Len(t, result.Transfers, 1)
	assert.Equal(t, early.Hash().Hex(), result.Transfers[0].TxHash)
}

func TestEVMAdapter_MissingReceiptHoldsCheckpoint(t *testing.T) {
	target := common.HexToAddress(watchedHex)
	f := newFakeEVMClient(100)
	early := nativeTx(t, f, 93, target, 10, ethtypes.ReceiptStatusSuccessful)
	pending := nativeTx(t, f, 98, target, 10, ethtypes.ReceiptStatusSuccessful)
	delete(f.receipts, pending.Hash())

	a := newTestEVMAdapter(t, map[string]EVMClient{"http://primary": f}, "")
	watched := WatchedAddress{Address: watchedHex, Checkpoint: Checkpoint{LastBlock: 90}}

	result, err := a.ListIncomingTransfers(context.Background(), watched)
	require.NoError(t, err)
	assert.True(t, result.Partial)
	assert.Equal(t, uint64(97), result.Checkpoint.LastBlock, "checkpoint stops before the block without a receipt")
	require.Len(t, result.Transfers, 1)
	assert.Equal(t, early.Hash().Hex(), result.Transfers[0].TxHash)

	// the receipt shows up on the next poll
	f.receipts[pending.Hash()] = &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful}
	watched.Checkpoint = result.Checkpoint
	result, err = a.ListIncomingTransfers(context.Background(), watched)
	require.NoError(t, err)
	assert.False(t, result.Partial)
	assert.Equal(t, uint64(100), result.Checkpoint.LastBlock)
	require.Len(t, result.Transfers, 1)
	assert.Equal(t, pending.Hash().Hex(), result.Transfers[0].TxHash)
}

func TestEVMAdapter_LogRateLimitKeepsCheckpoint(t *testing.T) {
	f := newFakeEVMClient(100)
	f.logsErr = errors.New("rate limit exceeded")
	a := newTestEVMAdapter(t, map[string]EVMClient{"http://primary": f}, "")

	result, err := a.ListIncomingTransfers(context.Background(), WatchedAddress{
		Address:    watchedHex,
		Checkpoint: Checkpoint{LastBlock: 90},
	})
	require.NoError(t, err)
	assert.True(t, result.Partial)
	assert.Empty(t, result.Transfers)
	assert.Equal(t, uint64(90), result.Checkpoint.LastBlock)
}

func TestEVMAdapter_ProviderErrorIsCategorized(t *testing.T) {
	f := newFakeEVMClient(100)
	f.headErr = errors.New("internal server error")
	a := newTestEVMAdapter(t, map[string]EVMClient{"http://primary": f}, "")

	_, err := a.ListIncomingTransfers(context.Background(), WatchedAddress{Address: watchedHex})
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryProvider))
	assert.False(t, IsRateLimited(err))

	var adapterErr *AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, "BlockNumber", adapterErr.Op)
}

func TestEVMAdapter_FailsOverToSecondary(t *testing.T) {
	primary := newFakeEVMClient(100)
	primary.headErr = errors.New("dial tcp: connection refused")
	secondary := newFakeEVMClient(100)

	a := newTestEVMAdapter(t, map[string]EVMClient{
		"http://primary":   primary,
		"http://secondary": secondary,
	}, "http://secondary")

	result, err := a.ListIncomingTransfers(context.Background(), WatchedAddress{
		Address:    watchedHex,
		Checkpoint: Checkpoint{LastBlock: 99},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(100), result.Checkpoint.LastBlock)
	assert.Equal(t, "http://secondary", a.Health().CurrentURL)
	assert.Equal(t, 1, secondary.blockCalls)
}

func TestEVMAdapter_InvalidAddress(t *testing.T) {
	a := newTestEVMAdapter(t, map[string]EVMClient{"http://primary": newFakeEVMClient(1)}, "")

	_, err := a.ListIncomingTransfers(context.Background(), WatchedAddress{Address: "not-an-address"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation))
}

func TestEVMAdapter_SendToken(t *testing.T) {
	f := newFakeEVMClient(1)
	a := newTestEVMAdapter(t, map[string]EVMClient{"http://primary": f}, "")
	kp, err := GenerateKeyPair(types.ChainEthereum)
	require.NoError(t, err)
	usdt := TokensFor(types.ChainEthereum)[0]

	hash, err := a.SendToken(context.Background(), kp.PrivateKeyHex, usdt, watchedHex, big.NewInt(20_000_000))
	require.NoError(t, err)

	require.Len(t, f.sent, 1)
	sent := f.sent[0]
	assert.Equal(t, hash, sent.Hash().Hex())
	assert.Equal(t, uint64(7), sent.Nonce())
	assert.Equal(t, erc20TransferGas, sent.Gas())
	assert.Equal(t, common.HexToAddress(usdt.Contract), *sent.To())

	from, err := ethtypes.Sender(ethtypes.NewEIP155Signer(big.NewInt(1)), sent)
	require.NoError(t, err)
	assert.Equal(t, kp.Address, from.Hex())

	args, err := erc20ABI.Methods["transfer"].Inputs.Unpack(sent.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(watchedHex), args[0])
	assert.Equal(t, big.NewInt(20_000_000), args[1])
}

func TestEVMAdapter_TokenBalanceAndFee(t *testing.T) {
	f := newFakeEVMClient(1)
	out, err := erc20ABI.Methods["balanceOf"].Outputs.Pack(big.NewInt(123456))
	require.NoError(t, err)
	f.callResult = out
	a := newTestEVMAdapter(t, map[string]EVMClient{"http://primary": f}, "")

	balance, err := a.TokenBalance(context.Background(), watchedHex, TokensFor(types.ChainEthereum)[0])
	require.NoError(t, err)
	assert.Equal(t, int64(123456), balance.Int64())

	fee, err := a.TokenTransferFee(context.Background())
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).Mul(f.gasPrice, big.NewInt(65000)), fee)

	nativeFee, err := a.NativeTransferFee(context.Background())
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).Mul(f.gasPrice, big.NewInt(21000)), nativeFee)
}
