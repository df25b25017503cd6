package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/calegray/flashhawk/internal/crypto"
	"github.com/calegray/flashhawk/internal/domain"
)

// executorABI is the interface of the deployed flash-loan executor contract.
// The contract borrows, runs the strategy, verifies repayment plus minimum
// profit, and reverts the whole transaction otherwise, so atomicity is
// enforced on-chain; off-chain state never needs rollback.
const executorABI = `[
	{"type":"function","name":"executeLiquidation","inputs":[
		{"name":"borrower","type":"address"},
		{"name":"debtToken","type":"address"},
		{"name":"collateralToken","type":"address"},
		{"name":"repayAmount","type":"uint256"},
		{"name":"maxSlippageBps","type":"uint256"}
	],"outputs":[]},
	{"type":"function","name":"executeArbitrage","inputs":[
		{"name":"tokenIn","type":"address"},
		{"name":"route","type":"address[]"},
		{"name":"amountIn","type":"uint256"},
		{"name":"minOut","type":"uint256"}
	],"outputs":[]},
	{"type":"event","name":"Executed","inputs":[
		{"name":"id","type":"bytes32","indexed":true},
		{"name":"profit","type":"uint256","indexed":false}
	],"anonymous":false}
]`

const (
	// gasPadPercent is added on top of the node's gas estimate.
	gasPadPercent = 20
	// receiptPollInterval is how often the executor polls for confirmation.
	receiptPollInterval = 2 * time.Second
)

// ExecutorConfig holds the per-venue execution parameters.
type ExecutorConfig struct {
	// Contract is the deployed flash-loan executor contract address.
	Contract string
	// ConfirmTimeout bounds the wait for transaction confirmation.
	ConfirmTimeout time.Duration
}

// Executor settles opportunities on one venue by submitting transactions to
// the flash-loan executor contract. It implements the scheduler's Executor
// interface for live (non-dry-run) settlement.
type Executor struct {
	cfg      ExecutorConfig
	client   *Client
	signer   *crypto.Signer
	contract common.Address
	parsed   abi.ABI
	logger   *slog.Logger
}

// NewExecutor creates an Executor bound to one venue client and contract.
func NewExecutor(cfg ExecutorConfig, client *Client, signer *crypto.Signer, logger *slog.Logger) (*Executor, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("evm: venue %s: invalid executor contract address %q", client.Venue(), cfg.Contract)
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 90 * time.Second
	}
	if signer.ChainID().Cmp(client.ChainID()) != 0 {
		return nil, fmt.Errorf("evm: venue %s: signer bound to chain %s, client serves %s",
			client.Venue(), signer.ChainID(), client.ChainID())
	}

	parsed, err := abi.JSON(strings.NewReader(executorABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parsing executor abi: %w", err)
	}

	return &Executor{
		cfg:      cfg,
		client:   client,
		signer:   signer,
		contract: common.HexToAddress(cfg.Contract),
		parsed:   parsed,
		logger:   logger.With(slog.String("component", "evm_executor"), slog.String("venue", string(client.Venue()))),
	}, nil
}

// Execute runs one settlement attempt: encode the strategy call, estimate gas
// (which simulates the call and surfaces reverts before spending anything),
// sign, submit, and await the receipt.
func (e *Executor) Execute(ctx context.Context, opp domain.Opportunity) domain.ExecutionResult {
	started := time.Now()

	fail := func(reason string, err error) domain.ExecutionResult {
		if err != nil {
			reason = fmt.Sprintf("%s: %v", reason, err)
		}
		return domain.ExecutionResult{
			Success:       false,
			ActualProfit:  new(big.Int),
			ExecutionTime: time.Since(started),
			FailureReason: reason,
		}
	}

	calldata, err := e.encodeCall(opp)
	if err != nil {
		return fail("encoding strategy call", err)
	}

	eth := e.client.Eth()
	from := e.signer.Address()

	nonce, err := eth.PendingNonceAt(ctx, from)
	if err != nil {
		return fail("fetching nonce", err)
	}

	tipCap, err := eth.SuggestGasTipCap(ctx)
	if err != nil {
		return fail("fetching gas tip", err)
	}
	head, err := e.client.LatestHeader(ctx)
	if err != nil {
		return fail("fetching chain head", err)
	}
	feeCap := new(big.Int).Set(tipCap)
	if head.BaseFee != nil {
		// Headroom for two consecutive max base-fee increases.
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gasLimit, err := eth.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &e.contract,
		Data: calldata,
	})
	if err != nil {
		// Estimation failure means the call would revert; no transaction is
		// submitted and the attempt costs nothing.
		return fail("gas estimation reverted", err)
	}
	gasLimit += gasLimit * gasPadPercent / 100

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   e.client.ChainID(),
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &e.contract,
		Data:      calldata,
	})

	signed, err := e.signer.SignTx(tx)
	if err != nil {
		return fail("signing transaction", err)
	}

	if err := eth.SendTransaction(ctx, signed); err != nil {
		return fail("submitting transaction", err)
	}

	txHash := signed.Hash()
	e.logger.InfoContext(ctx, "transaction submitted",
		slog.String("opportunity_id", opp.ID),
		slog.String("tx", txHash.Hex()),
		slog.Uint64("gas_limit", gasLimit),
	)

	receipt, err := e.awaitReceipt(ctx, txHash)
	if err != nil {
		return fail("awaiting confirmation", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.ExecutionResult{
			Success:       false,
			ActualProfit:  new(big.Int),
			GasUsed:       receipt.GasUsed,
			ExecutionTime: time.Since(started),
			TxRef:         txHash.Hex(),
			FailureReason: "transaction reverted on-chain",
		}
	}

	return domain.ExecutionResult{
		Success:       true,
		ActualProfit:  e.profitFromLogs(receipt, opp),
		GasUsed:       receipt.GasUsed,
		ExecutionTime: time.Since(started),
		TxRef:         txHash.Hex(),
	}
}

// encodeCall packs the contract call for the opportunity's strategy kind.
func (e *Executor) encodeCall(opp domain.Opportunity) ([]byte, error) {
	principal := opp.EffectivePrincipal()
	if principal == nil || principal.Sign() <= 0 {
		return nil, fmt.Errorf("evm: principal must be positive")
	}

	switch {
	case opp.Kind == domain.KindLiquidation && opp.Liquidation != nil:
		p := opp.Liquidation
		if !common.IsHexAddress(p.Borrower) || !common.IsHexAddress(p.DebtToken) || !common.IsHexAddress(p.CollateralToken) {
			return nil, fmt.Errorf("evm: liquidation params carry a malformed address")
		}
		return e.parsed.Pack("executeLiquidation",
			common.HexToAddress(p.Borrower),
			common.HexToAddress(p.DebtToken),
			common.HexToAddress(p.CollateralToken),
			principal,
			big.NewInt(int64(opp.MaxSlippageBps)),
		)

	case opp.Kind == domain.KindArbitrage && opp.Arbitrage != nil:
		p := opp.Arbitrage
		if !common.IsHexAddress(p.TokenIn) {
			return nil, fmt.Errorf("evm: arbitrage token_in is not an address")
		}
		route := make([]common.Address, len(p.Route))
		for i, hop := range p.Route {
			if !common.IsHexAddress(hop) {
				return nil, fmt.Errorf("evm: arbitrage route hop %d is not an address", i)
			}
			route[i] = common.HexToAddress(hop)
		}
		minOut := p.MinOut
		if minOut == nil {
			minOut = new(big.Int)
		}
		return e.parsed.Pack("executeArbitrage",
			common.HexToAddress(p.TokenIn),
			route,
			principal,
			minOut,
		)

	default:
		return nil, fmt.Errorf("%w: %q has no venue encoding", domain.ErrUnknownStrategy, opp.Kind)
	}
}

// awaitReceipt polls for the transaction receipt until confirmation or the
// configured timeout.
func (e *Executor) awaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	deadline, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.client.Eth().TransactionReceipt(deadline, txHash)
		if err == nil {
			return receipt, nil
		}

		select {
		case <-deadline.Done():
			return nil, fmt.Errorf("evm: no receipt for %s within %s", txHash.Hex(), e.cfg.ConfirmTimeout)
		case <-ticker.C:
		}
	}
}

// profitFromLogs extracts the realized profit from the contract's Executed
// event. When the event is absent the admission-time estimate stands in, so
// the record is never left without a profit figure.
func (e *Executor) profitFromLogs(receipt *types.Receipt, opp domain.Opportunity) *big.Int {
	topic := e.parsed.Events["Executed"].ID
	for _, entry := range receipt.Logs {
		if entry.Address != e.contract || len(entry.Topics) == 0 || entry.Topics[0] != topic {
			continue
		}
		values, err := e.parsed.Unpack("Executed", entry.Data)
		if err != nil || len(values) == 0 {
			continue
		}
		if profit, ok := values[0].(*big.Int); ok {
			return profit
		}
	}
	e.logger.Warn("no Executed event in receipt, using estimate",
		slog.String("opportunity_id", opp.ID),
	)
	if opp.EstimatedProfit != nil {
		return new(big.Int).Set(opp.EstimatedProfit)
	}
	return new(big.Int)
}

// Router dispatches executions to the per-venue executor. It implements the
// scheduler's Executor interface for multi-venue deployments.
type Router struct {
	executors map[domain.Venue]*Executor
}

// NewRouter creates a Router over the given per-venue executors.
func NewRouter(executors map[domain.Venue]*Executor) *Router {
	return &Router{executors: executors}
}

// Execute routes the opportunity to its venue's executor.
func (r *Router) Execute(ctx context.Context, opp domain.Opportunity) domain.ExecutionResult {
	exec, ok := r.executors[opp.Venue]
	if !ok {
		return domain.ExecutionResult{
			Success:       false,
			ActualProfit:  new(big.Int),
			FailureReason: fmt.Sprintf("no executor configured for venue %q", opp.Venue),
		}
	}
	return exec.Execute(ctx, opp)
}
