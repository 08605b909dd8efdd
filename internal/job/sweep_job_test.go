package job

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/deposit-custody/internal/adapter"
	"github.com/deposit-custody/internal/keycrypt"
	"github.com/deposit-custody/internal/models"
	"github.com/deposit-custody/internal/storage"
	"github.com/deposit-custody/internal/storage/storagetest"
	"github.com/deposit-custody/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	sweepSecret   = "0123456789abcdef0123456789abcdef"
	masterAddress = "0x5555555555555555555555555555555555555555"
	masterKey     = "master-key"
	depositKey    = "deposit-key"
)

type sweepFixture struct {
	ledger  *storagetest.MemoryLedger
	bsc     *fakeChain
	redis   *miniredis.Miniredis
	markers *storage.RedisCache
	metrics *Metrics
	job     *SweepJob
	wallet  *models.DepositWallet
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	markers := storage.NewRedisCacheFromClient(client)

	cipher, err := keycrypt.NewCipher(sweepSecret)
	require.NoError(t, err)
	sealed, err := cipher.Encrypt(depositKey)
	require.NoError(t, err)

	ledger := storagetest.NewMemoryLedger()
	wallet := ledger.AddWallet(models.DepositWallet{
		UserID:              "user-1",
		Chain:               types.ChainBSC,
		Address:             depositAddr,
		IsPrimary:           true,
		EncryptedPrivateKey: &sealed,
	})

	bsc := newFakeChain(types.ChainBSC)
	metrics := NewMetrics(prometheus.NewRegistry())
	job := NewSweepJob(ledger, fakeSource{types.ChainBSC: bsc}, cipher, markers, testPrices, metrics, SweepConfig{
		Masters: map[types.ChainID]MasterWallet{
			types.ChainBSC: {Address: masterAddress, PrivateKeyHex: masterKey, GasTopUp: big.NewInt(500_000)},
		},
		FundingMarkerTTL: 10 * time.Minute,
		Backoff:          time.Millisecond,
	}, zap.NewNop())

	return &sweepFixture{ledger: ledger, bsc: bsc, redis: mr, markers: markers, metrics: metrics, job: job, wallet: wallet}
}

func wholeTokens(n int64, decimals int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil))
}

func reasons(result *SweepResult) []string {
	var out []string
	for _, s := range result.Skipped {
		out = append(out, s.Reason)
	}
	return out
}

func TestSweep_FundsGasThenSweeps(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	f.bsc.tokenBalances[depositAddr+"/USDT"] = wholeTokens(20, 18)

	first, err := f.job.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, first.Swept)
	require.Len(t, first.Skipped, 1)
	assert.Equal(t, SkipFundingSubmitted, first.Skipped[0].Reason)
	assert.Equal(t, "USDT", first.Skipped[0].Asset)
	assert.Equal(t, "0xfund1", first.Skipped[0].TxHash)

	require.Len(t, f.bsc.nativeSends, 1)
	fund := f.bsc.nativeSends[0]
	assert.Equal(t, masterKey, fund.From)
	assert.Equal(t, depositAddr, fund.To)
	assert.Equal(t, int64(500_000), fund.Amount.Int64(), "configured top-up exceeds the fee")
	assert.Empty(t, f.bsc.tokenSends)
	assert.True(t, f.redis.Exists("sweep:funding:bsc:"+depositAddr))

	// the funding has not landed yet
	pending, err := f.job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{SkipFundingPending}, reasons(pending))
	assert.Len(t, f.bsc.nativeSends, 1)

	// funding settles
	f.bsc.nativeBalance[depositAddr] = big.NewInt(500_000)
	second, err := f.job.Run(ctx)
	require.NoError(t, err)
	require.Len(t, second.Swept, 1)
	assert.Equal(t, "USDT", second.Swept[0].Asset)
	assert.Equal(t, "20", second.Swept[0].Amount)

	require.Len(t, f.bsc.tokenSends, 1)
	sweep := f.bsc.tokenSends[0]
	assert.Equal(t, depositKey, sweep.From, "signed with the decrypted deposit key")
	assert.Equal(t, masterAddress, sweep.To)
	assert.Equal(t, 0, sweep.Amount.Cmp(wholeTokens(20, 18)))
	assert.False(t, f.redis.Exists("sweep:funding:bsc:"+depositAddr), "marker cleared after sweep")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.SweepOutcomes.WithLabelValues("bsc", "swept")))
}

func TestSweep_TopUpCoversFee(t *testing.T) {
	f := newSweepFixture(t)
	f.bsc.tokenBalances[depositAddr+"/USDT"] = wholeTokens(20, 18)
	f.bsc.fee = big.NewInt(2_000_000)

	_, err := f.job.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, f.bsc.nativeSends, 1)
	assert.Equal(t, int64(2_000_000), f.bsc.nativeSends[0].Amount.Int64())
}

func TestSweep_FundingFailureReleasesMarker(t *testing.T) {
	f := newSweepFixture(t)
	f.bsc.tokenBalances[depositAddr+"/USDT"] = wholeTokens(20, 18)
	f.bsc.nativeErr = errors.New("insufficient funds for gas")

	result, err := f.job.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "gas funding failed")
	assert.False(t, f.redis.Exists("sweep:funding:bsc:"+depositAddr))

	// the next run retries funding
	f.bsc.nativeErr = nil
	result, err = f.job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{SkipFundingSubmitted}, reasons(result))
}

func TestSweep_MarkerExpires(t *testing.T) {
	f := newSweepFixture(t)
	f.bsc.tokenBalances[depositAddr+"/USDT"] = wholeTokens(20, 18)

	_, err := f.job.Run(context.Background())
	require.NoError(t, err)
	f.redis.FastForward(11 * time.Minute)

	// the earlier funding was lost, so a new one is sent
	result, err := f.job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{SkipFundingSubmitted}, reasons(result))
	assert.Len(t, f.bsc.nativeSends, 2)
}

func TestSweep_DustLeftInPlace(t *testing.T) {
	f := newSweepFixture(t)
	f.bsc.nativeBalance[depositAddr] = big.NewInt(1_000_000)
	f.bsc.tokenBalances[depositAddr+"/USDT"] = big.NewInt(1_000) // 1e-15 USDT

	result, err := f.job.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Swept)
	assert.Equal(t, []string{SkipDustOrZero, SkipDustOrZero, SkipDustOrZero}, reasons(result), "USDT dust, zero USDC and BNB under the fee reserve")
	assert.Empty(t, f.bsc.tokenSends)
	assert.Empty(t, f.bsc.nativeSends)
}

func TestSweep_SkipReasons(t *testing.T) {
	f := newSweepFixture(t)
	badSeal := "not-a-sealed-key"
	f.ledger.AddWallet(models.DepositWallet{
		UserID:              "user-2",
		Chain:               types.ChainBSC,
		Address:             "0x2222222222222222222222222222222222222222",
		EncryptedPrivateKey: &badSeal,
	})
	empty := ""
	f.ledger.AddWallet(models.DepositWallet{
		UserID:              "user-3",
		Chain:               types.ChainBSC,
		Address:             "0x3333333333333333333333333333333333333333",
		EncryptedPrivateKey: &empty,
	})
	sealed := "unused"
	f.ledger.AddWallet(models.DepositWallet{
		UserID:              "user-4",
		Chain:               types.ChainEthereum,
		Address:             "0x4444444444444444444444444444444444444444",
		EncryptedPrivateKey: &sealed,
	})

	result, err := f.job.Run(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		SkipDustOrZero, SkipDustOrZero, SkipDustOrZero, // the fixture wallet holds nothing
		SkipDecryptFailed,
		SkipMissingPrivateKey,
		SkipNoSweeper,
	}, reasons(result))
	assert.Empty(t, result.Errors)
}

func TestSweep_SendFailureIsIsolated(t *testing.T) {
	f := newSweepFixture(t)
	f.bsc.nativeBalance[depositAddr] = big.NewInt(1_000_000)
	f.bsc.tokenBalances[depositAddr+"/USDT"] = wholeTokens(20, 18)
	f.bsc.tokenBalances[depositAddr+"/USDC"] = wholeTokens(5, 18)
	f.bsc.sendErr = errors.New("nonce too low")

	result, err := f.job.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Swept)
	assert.Len(t, result.Errors, 2, "both tokens attempted")
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.SweepOutcomes.WithLabelValues("bsc", "error")))
}

func TestSweep_NativeBalanceSwept(t *testing.T) {
	f := newSweepFixture(t)
	oneBNB := wholeTokens(1, 18)
	f.bsc.nativeBalance[depositAddr] = oneBNB

	result, err := f.job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{SkipDustOrZero, SkipDustOrZero}, reasons(result), "no tokens held")
	require.Len(t, result.Swept, 1)
	assert.Equal(t, "BNB", result.Swept[0].Asset)

	// the transfer fee and one token sweep's gas stay behind
	want := new(big.Int).Sub(oneBNB, big.NewInt(21_000+100_000))
	require.Len(t, f.bsc.nativeSends, 1)
	send := f.bsc.nativeSends[0]
	assert.Equal(t, depositKey, send.From)
	assert.Equal(t, masterAddress, send.To)
	assert.Equal(t, 0, send.Amount.Cmp(want), send.Amount.String())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.SweepOutcomes.WithLabelValues("bsc", "swept")))
}

func TestSweep_NativeWaitsForTokenTransfers(t *testing.T) {
	f := newSweepFixture(t)
	f.bsc.nativeBalance[depositAddr] = wholeTokens(1, 18)
	f.bsc.tokenBalances[depositAddr+"/USDT"] = wholeTokens(20, 18)

	first, err := f.job.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Swept, 1)
	assert.Equal(t, "USDT", first.Swept[0].Asset)
	assert.Empty(t, f.bsc.nativeSends)

	// the token transfer is mined
	delete(f.bsc.tokenBalances, depositAddr+"/USDT")
	second, err := f.job.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, second.Swept, 1)
	assert.Equal(t, "BNB", second.Swept[0].Asset)
	assert.Len(t, f.bsc.nativeSends, 1)
}

func TestSweep_NativeFailureIsRecorded(t *testing.T) {
	f := newSweepFixture(t)
	f.bsc.nativeBalance[depositAddr] = wholeTokens(1, 18)
	f.bsc.nativeErr = errors.New("nonce too low")

	result, err := f.job.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Swept)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "BNB")
}

const tronDeposit = "TJRabPrwbZy45sbavfcjinPJC18kjpRTv8"

func newTronSweep(t *testing.T, observed decimal.Decimal) (*SweepJob, *fakeChain, *storagetest.MemoryLedger, *models.DepositWallet) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cipher, err := keycrypt.NewCipher(sweepSecret)
	require.NoError(t, err)
	sealed, err := cipher.Encrypt(depositKey)
	require.NoError(t, err)

	ledger := storagetest.NewMemoryLedger()
	wallet := ledger.AddWallet(models.DepositWallet{
		UserID:              "user-1",
		Chain:               types.ChainTron,
		Address:             tronDeposit,
		EncryptedPrivateKey: &sealed,
		ObservedBalance:     observed,
	})

	tron := newFakeChain(types.ChainTron)
	tron.fee = big.NewInt(15_000_000)
	tron.nativeBalance[tronDeposit] = big.NewInt(20_000_000)
	job := NewSweepJob(ledger, fakeSource{types.ChainTron: tron}, cipher, storage.NewRedisCacheFromClient(client), testPrices,
		NewMetrics(prometheus.NewRegistry()), SweepConfig{
			Masters: map[types.ChainID]MasterWallet{
				types.ChainTron: {Address: "TEkxiTehnzSmSe2XqrBj4w32RUN966rdz8", PrivateKeyHex: masterKey, GasTopUp: big.NewInt(15_000_000)},
			},
			Backoff:         time.Millisecond,
			ConfirmTimeout:  50 * time.Millisecond,
			ConfirmInterval: time.Millisecond,
		}, zap.NewNop())
	return job, tron, ledger, wallet
}

func TestSweep_TronSweepLowersBaseline(t *testing.T) {
	job, tron, ledger, wallet := newTronSweep(t, decimal.NewFromInt(50))
	tron.tokenBalances[tronDeposit+"/USDT"] = wholeTokens(50, 6)

	result, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Swept, 1)
	assert.Empty(t, result.Errors)

	// a deposit landing before the next scan now shows up as growth
	stored, _ := ledger.Wallet(wallet.ID)
	assert.True(t, stored.ObservedBalance.IsZero(), stored.ObservedBalance.String())
}

func TestSweep_TronBaselineFloorsAtZero(t *testing.T) {
	job, tron, ledger, wallet := newTronSweep(t, decimal.NewFromInt(10))
	tron.tokenBalances[tronDeposit+"/USDC"] = wholeTokens(25, 6)

	_, err := job.Run(context.Background())
	require.NoError(t, err)
	stored, _ := ledger.Wallet(wallet.ID)
	assert.True(t, stored.ObservedBalance.IsZero(), stored.ObservedBalance.String())
}

func TestSweep_TronUnconfirmedKeepsBaseline(t *testing.T) {
	job, tron, ledger, wallet := newTronSweep(t, decimal.NewFromInt(50))
	tron.tokenBalances[tronDeposit+"/USDT"] = wholeTokens(50, 6)
	tron.unconfirmed = true

	result, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Swept, 1, "the transfer was broadcast")
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "baseline")

	stored, _ := ledger.Wallet(wallet.ID)
	assert.True(t, decimal.NewFromInt(50).Equal(stored.ObservedBalance))
}

func TestSweep_TronFailedSweepKeepsBaseline(t *testing.T) {
	job, tron, ledger, wallet := newTronSweep(t, decimal.NewFromInt(50))
	tron.tokenBalances[tronDeposit+"/USDT"] = wholeTokens(50, 6)
	tron.confirmErr = adapter.NewAdapterError(types.ChainTron, "Confirmed", adapter.ErrTransactionFailed, nil)

	result, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Swept)
	require.Len(t, result.Errors, 1)

	stored, _ := ledger.Wallet(wallet.ID)
	assert.True(t, decimal.NewFromInt(50).Equal(stored.ObservedBalance))
}

func TestSweep_ListFailureAborts(t *testing.T) {
	f := newSweepFixture(t)
	f.ledger.FailOn("Wallets.ListCustodial", errors.New("connection refused"))

	result, err := f.job.Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, result)
}

func TestSweep_RateLimitPaces(t *testing.T) {
	p := &pacer{limiter: rate.NewLimiter(rate.Every(time.Hour), 1)}
	require.NoError(t, p.wait(context.Background()))
	assert.False(t, p.throttled)

	p.noteError(errors.New("execution reverted"))
	assert.False(t, p.throttled)

	p.noteError(adapter.ErrProviderRateLimit)
	assert.True(t, p.throttled)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, p.wait(ctx))
}
