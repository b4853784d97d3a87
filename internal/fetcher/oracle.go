package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	aggregatorABIJSON = `[{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}]`
)

var (
	aggregatorABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// OracleOptions parameterise the on-chain price feed fetcher.
type OracleOptions struct {
	RPCURL      string
	FeedAddress string
	Timeout     time.Duration

	// MaxStaleness rejects rounds older than this. Zero disables the check.
	MaxStaleness time.Duration
}

// Oracle reads the BRL/USD reference price from a Chainlink-style
// aggregator contract over Ethereum RPC.
type Oracle struct {
	opts      OracleOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex

	scale       int32
	scaleLoaded bool
}

// NewOracle builds a new on-chain price fetcher.
func NewOracle(opts OracleOptions, logger zerolog.Logger) *Oracle {
	return &Oracle{opts: opts, logger: logger.With().Str("component", "oracle_fetcher").Logger()}
}

// SpotPrice retrieves the latest aggregator round and scales the answer by
// the feed's decimals.
func (o *Oracle) SpotPrice(ctx context.Context) (decimal.Decimal, error) {
	if o.opts.RPCURL == "" {
		return decimal.Decimal{}, errors.New("ethereum rpc url not configured")
	}
	if o.opts.FeedAddress == "" {
		return decimal.Decimal{}, errors.New("aggregator feed address not configured")
	}

	timeout := o.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := o.getClient(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}

	addr := common.HexToAddress(o.opts.FeedAddress)

	scale, err := o.getScale(ctx, client, addr)
	if err != nil {
		return decimal.Decimal{}, err
	}

	payload, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return decimal.Decimal{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}

	outputs, err := aggregatorABI.Unpack("latestRoundData", res)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(outputs) != 5 {
		return decimal.Decimal{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode aggregator answer")
	}
	if answer.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("aggregator answer not positive: %s", answer)
	}

	if o.opts.MaxStaleness > 0 {
		updatedAt, ok := outputs[3].(*big.Int)
		if !ok {
			return decimal.Decimal{}, errors.New("failed to decode aggregator updatedAt")
		}
		age := time.Since(time.Unix(updatedAt.Int64(), 0))
		if age > o.opts.MaxStaleness {
			return decimal.Decimal{}, fmt.Errorf("aggregator round stale: updated %s ago", age.Truncate(time.Second))
		}
	}

	return decimal.NewFromBigInt(answer, -scale), nil
}

func (o *Oracle) getScale(ctx context.Context, client *ethclient.Client, addr common.Address) (int32, error) {
	o.clientMux.Lock()
	if o.scaleLoaded {
		scale := o.scale
		o.clientMux.Unlock()
		return scale, nil
	}
	o.clientMux.Unlock()

	payload, err := aggregatorABI.Pack("decimals")
	if err != nil {
		return 0, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return 0, err
	}

	outputs, err := aggregatorABI.Unpack("decimals", res)
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}

	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode feed decimals")
	}

	o.clientMux.Lock()
	o.scale = int32(d)
	o.scaleLoaded = true
	o.clientMux.Unlock()

	return int32(d), nil
}

func (o *Oracle) getClient(ctx context.Context) (*ethclient.Client, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if o.client != nil {
		return o.client, nil
	}

	client, err := ethclient.DialContext(ctx, o.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	o.client = client
	return client, nil
}

var _ SpotFetcher = (*Oracle)(nil)
