package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"milestone-service/pkg/config"
)

// Network exposes the blockchain network metadata the submission flow needs:
// the explorer URL template, the capped-milestone contract address, and a gas
// price oracle with a configured fallback.
type Network struct {
	ChainID             *big.Int
	CappedMilestoneAddr common.Address

	explorerURL      string
	fallbackGasPrice *big.Int
	backend          Backend
	logger           *zap.Logger
}

// NewNetwork builds the network accessor from config. backend supplies the
// live gas price oracle and may be shared with the broadcaster.
func NewNetwork(cfg config.ChainConfig, backend Backend, logger *zap.Logger) *Network {
	return &Network{
		ChainID:             big.NewInt(cfg.ChainID),
		CappedMilestoneAddr: common.HexToAddress(cfg.CappedMilestoneAddr),
		explorerURL:         strings.TrimSuffix(cfg.ExplorerURL, "/"),
		fallbackGasPrice:    new(big.Int).Mul(big.NewInt(cfg.GasPriceGwei), big.NewInt(1_000_000_000)),
		backend:             backend,
		logger:              logger.With(zap.String("component", "network")),
	}
}

// GasPrice returns the oracle's suggestion, falling back to the configured
// price when the oracle is unavailable.
func (n *Network) GasPrice(ctx context.Context) *big.Int {
	price, err := n.backend.SuggestGasPrice(ctx)
	if err != nil || price == nil || price.Sign() <= 0 {
		n.logger.Warn("gas price oracle unavailable, using fallback", zap.Error(err))
		return new(big.Int).Set(n.fallbackGasPrice)
	}
	return price
}

// TxLink returns the explorer link for a transaction hash.
func (n *Network) TxLink(hash string) string {
	if n.explorerURL == "" {
		return ""
	}
	return n.explorerURL + "/tx/" + hash
}
