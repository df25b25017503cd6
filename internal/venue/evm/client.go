// Package evm adapts EVM-compatible networks as execution venues: an RPC
// client per venue, market telemetry sampled from recent blocks, and a
// transaction executor that settles opportunities through the deployed
// flash-loan executor contract.
package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/calegray/flashhawk/internal/domain"
)

// ClientConfig holds the per-venue connection parameters.
type ClientConfig struct {
	Venue   domain.Venue
	RPCURL  string
	ChainID int64
	// DialTimeout bounds the initial connection and chain-ID verification.
	DialTimeout time.Duration
}

// Client wraps an ethclient connection to one venue. It verifies at dial time
// that the node serves the configured chain, so a misrouted RPC URL fails
// fast instead of signing for the wrong network.
type Client struct {
	cfg     ClientConfig
	eth     *ethclient.Client
	chainID *big.Int
	logger  *slog.Logger
}

// NewClient dials the venue RPC endpoint and verifies its chain ID.
func NewClient(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("evm: venue %s: rpc url must not be empty", cfg.Venue)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	eth, err := ethclient.DialContext(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dialing %s: %w", cfg.Venue, err)
	}

	chainID, err := eth.ChainID(dialCtx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("evm: fetching chain id for %s: %w", cfg.Venue, err)
	}
	if cfg.ChainID != 0 && chainID.Int64() != cfg.ChainID {
		eth.Close()
		return nil, fmt.Errorf("evm: venue %s: node serves chain %d, expected %d",
			cfg.Venue, chainID.Int64(), cfg.ChainID)
	}

	logger.Info("venue connected",
		slog.String("venue", string(cfg.Venue)),
		slog.Int64("chain_id", chainID.Int64()),
	)

	return &Client{
		cfg:     cfg,
		eth:     eth,
		chainID: chainID,
		logger:  logger.With(slog.String("component", "evm_client"), slog.String("venue", string(cfg.Venue))),
	}, nil
}

// Venue returns the venue this client serves.
func (c *Client) Venue() domain.Venue {
	return c.cfg.Venue
}

// ChainID returns the verified chain ID.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Eth exposes the underlying ethclient for callers that need direct access.
func (c *Client) Eth() *ethclient.Client {
	return c.eth
}

// SuggestGasPrice returns the node's current gas price estimate.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm: suggest gas price: %w", err)
	}
	return price, nil
}

// LatestHeader returns the chain head.
func (c *Client) LatestHeader(ctx context.Context) (*types.Header, error) {
	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: latest header: %w", err)
	}
	return header, nil
}

// HeaderByNumber returns the header at the given height.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	header, err := c.eth.HeaderByNumber(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("evm: header %s: %w", number, err)
	}
	return header, nil
}

// Health verifies the node is reachable and syncing is complete enough to
// serve the chain head.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.eth.HeaderByNumber(ctx, nil); err != nil {
		return fmt.Errorf("evm: venue %s unhealthy: %w", c.cfg.Venue, err)
	}
	return nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() error {
	c.eth.Close()
	return nil
}
