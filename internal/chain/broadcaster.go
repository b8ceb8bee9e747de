package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"milestone-service/pkg/config"
	"milestone-service/pkg/metrics"
)

// cappedMilestoneABI is the addMilestone fragment of the capped-milestone
// plugin contract.
const cappedMilestoneABI = `[{"constant":false,"inputs":[{"name":"_name","type":"string"},{"name":"_url","type":"string"},{"name":"_maxAmount","type":"uint256"},{"name":"_parentProject","type":"uint64"},{"name":"_recipient","type":"address"},{"name":"_reviewer","type":"address"},{"name":"_campaignReviewer","type":"address"}],"name":"addMilestone","outputs":[],"payable":false,"stateMutability":"nonpayable","type":"function"}]`

// addMilestoneGasLimit covers project registration plus storage writes done
// by the plugin contract.
const addMilestoneGasLimit = 1_500_000

// receiptPollHorizon bounds how long a transaction that never gets mined is
// polled for. A transaction dropped from the pool would otherwise leave its
// poller ticking for the life of the process.
const receiptPollHorizon = 6 * time.Hour

// Backend is the subset of the eth client the broadcaster needs.
// *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// RejectedError is a network-level rejection: the node refused the
// transaction, execution reverted, or the sender declined to sign.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "transaction rejected: " + e.Reason }

// AddMilestoneCall carries the addMilestone contract call arguments.
type AddMilestoneCall struct {
	Title            string
	Description      string
	MaxAmountWei     *big.Int
	ParentProjectID  uint64
	Recipient        common.Address
	Reviewer         common.Address
	CampaignReviewer common.Address
}

// TxResult is the terminal outcome of a broadcast transaction.
type TxResult struct {
	Confirmed bool
	Reason    string
}

// PendingTx is the handle for an in-flight broadcast. Pending fires exactly
// once with the assigned hash as soon as the network accepts the transaction
// into its pool; Done fires exactly once afterwards with the terminal result.
// If the network never accepts the transaction neither channel fires and the
// caller's deadline is the only way out.
type PendingTx struct {
	Hash    common.Hash
	Pending <-chan common.Hash
	Done    <-chan TxResult
}

// Broadcaster signs and submits milestone-creation transactions and tracks
// them to confirmation by polling for receipts.
type Broadcaster struct {
	backend      Backend
	network      *Network
	abi          abi.ABI
	senderKey    *ecdsa.PrivateKey
	sender       common.Address
	pollInterval time.Duration
	pollHorizon  time.Duration
	logger       *zap.Logger
}

// NewBroadcaster creates a broadcaster from config. The sender key is
// required; a missing or malformed key is reported at construction time, not
// at broadcast time.
func NewBroadcaster(cfg config.ChainConfig, backend Backend, network *Network, logger *zap.Logger) (*Broadcaster, error) {
	parsed, err := abi.JSON(strings.NewReader(cappedMilestoneABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract abi: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SenderKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid sender key: %w", err)
	}

	interval := time.Duration(cfg.ReceiptPollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &Broadcaster{
		backend:      backend,
		network:      network,
		abi:          parsed,
		senderKey:    key,
		sender:       crypto.PubkeyToAddress(key.PublicKey),
		pollInterval: interval,
		pollHorizon:  receiptPollHorizon,
		logger:       logger.With(zap.String("component", "broadcaster")),
	}, nil
}

// Sender returns the broadcast sender address.
func (b *Broadcaster) Sender() common.Address { return b.sender }

// Broadcast signs and submits an addMilestone call. A node-level refusal is
// returned as *RejectedError; on success the returned handle reports the
// pending hash and, later, the terminal result. The broadcast itself cannot
// be retracted once accepted.
func (b *Broadcaster) Broadcast(ctx context.Context, call AddMilestoneCall) (*PendingTx, error) {
	data, err := b.abi.Pack("addMilestone",
		call.Title,
		call.Description,
		call.MaxAmountWei,
		call.ParentProjectID,
		call.Recipient,
		call.Reviewer,
		call.CampaignReviewer,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack addMilestone call: %w", err)
	}

	nonce, err := b.backend.PendingNonceAt(ctx, b.sender)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce: %w", err)
	}

	gasPrice := b.network.GasPrice(ctx)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &b.network.CappedMilestoneAddr,
		Value:    big.NewInt(0),
		Gas:      addMilestoneGasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(b.network.ChainID), b.senderKey)
	if err != nil {
		return nil, &RejectedError{Reason: fmt.Sprintf("signing failed: %v", err)}
	}

	if err := b.backend.SendTransaction(ctx, signed); err != nil {
		return nil, &RejectedError{Reason: err.Error()}
	}

	hash := signed.Hash()
	b.logger.Info("transaction broadcast",
		zap.String("tx_hash", hash.Hex()),
		zap.String("sender", b.sender.Hex()),
		zap.Uint64("nonce", nonce),
	)

	pending := make(chan common.Hash, 1)
	done := make(chan TxResult, 1)
	pending <- hash

	go b.awaitReceipt(hash, done)

	return &PendingTx{Hash: hash, Pending: pending, Done: done}, nil
}

// awaitReceipt polls until the transaction is mined or the poll horizon
// passes. The broadcast is unretractable, so polling deliberately ignores
// caller cancellation; the orchestrator applies its own deadline on the Done
// channel.
func (b *Broadcaster) awaitReceipt(hash common.Hash, done chan<- TxResult) {
	start := time.Now()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	horizon := time.NewTimer(b.pollHorizon)
	defer horizon.Stop()

	for {
		select {
		case <-horizon.C:
			b.logger.Warn("transaction never mined, giving up receipt polling",
				zap.String("tx_hash", hash.Hex()),
				zap.Duration("horizon", b.pollHorizon),
			)
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		receipt, err := b.backend.TransactionReceipt(ctx, hash)
		cancel()

		if err != nil || receipt == nil {
			if err != nil && !errors.Is(err, ethereum.NotFound) {
				b.logger.Warn("receipt poll failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
			}
			continue
		}

		metrics.RecordBroadcastConfirmLatency(time.Since(start))

		if receipt.Status == types.ReceiptStatusSuccessful {
			b.logger.Info("transaction confirmed",
				zap.String("tx_hash", hash.Hex()),
				zap.Uint64("block", receipt.BlockNumber.Uint64()),
			)
			done <- TxResult{Confirmed: true}
		} else {
			b.logger.Warn("transaction reverted", zap.String("tx_hash", hash.Hex()))
			done <- TxResult{Confirmed: false, Reason: "execution reverted"}
		}
		return
	}
}
