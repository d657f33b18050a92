// Package evm implements core.Ledger on top of the on-chain agent contract
// using go-ethereum bindings. Run creation calls runAgent and reads the run
// id from the AgentRunCreated receipt log; reads zip the contract's parallel
// content and role arrays into turns.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// ErrTxFailed is wrapped when a mined transaction reverted.
var ErrTxFailed = errors.New("transaction reverted")

// Backend is the chain access the ledger needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// Options configures a Ledger.
type Options struct {
	// Logger receives transaction and receipt diagnostics.
	Logger logging.Logger
	// FromBlock bounds the AgentRunCreated scan used by OpenRuns.
	FromBlock uint64
	// GasLimit overrides gas estimation when non-zero.
	GasLimit uint64
}

// Ledger is an agent-contract ledger signing with one key.
type Ledger struct {
	backend  Backend
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	opts     Options
}

var _ core.Ledger = (*Ledger)(nil)

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", rpcURL, err)
	}
	return client, nil
}

// ParseKey decodes a hex private key with or without 0x prefix.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// New binds the contract at address, signing transactions with key.
func New(ctx context.Context, backend Backend, address common.Address, key *ecdsa.PrivateKey, optFns ...func(o *Options)) (*Ledger, error) {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	parsed, err := ParseABI()
	if err != nil {
		return nil, err
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}

	return &Ledger{
		backend:  backend,
		address:  address,
		abi:      parsed,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		opts:     opts,
	}, nil
}

// ForKey returns a ledger on the same backend and contract that signs with
// key. Personas use it so their sub-channel turns are written from their
// own address.
func (l *Ledger) ForKey(key *ecdsa.PrivateKey) *Ledger {
	c := *l
	c.key = key
	c.from = crypto.PubkeyToAddress(key.PublicKey)
	return &c
}

// From returns the signing address.
func (l *Ledger) From() common.Address { return l.from }

// CreateRun calls runAgent and waits for the receipt carrying the run id.
func (l *Ledger) CreateRun(ctx context.Context, prompt string, maxIterations int) (core.RunID, core.Receipt, error) {
	if maxIterations < 0 || maxIterations > math.MaxUint8 {
		return "", core.Receipt{}, &core.LedgerWriteError{Op: "create_run", Err: fmt.Errorf("max iterations %d out of range", maxIterations)}
	}

	receipt, err := l.transact(ctx, "runAgent", prompt, uint8(maxIterations))
	if err != nil {
		return "", core.Receipt{}, &core.LedgerWriteError{Op: "create_run", Err: err}
	}

	run, err := runIDFromLogs(l.abi, l.address, receipt.Logs)
	if err != nil {
		return "", core.Receipt{}, &core.LedgerWriteError{Op: "create_run", Err: err}
	}
	l.opts.Logger.Info("Agent run created", "run_id", run, "tx", receipt.TxHash.Hex())

	return run, toReceipt(receipt), nil
}

// AppendTurn calls addMessage and waits for the receipt.
func (l *Ledger) AppendTurn(ctx context.Context, run core.RunID, text string) (core.Receipt, error) {
	id, err := parseRunID(run)
	if err != nil {
		return core.Receipt{}, &core.LedgerWriteError{Op: "append_turn", Run: run, Err: err}
	}

	receipt, err := l.transact(ctx, "addMessage", text, id)
	if err != nil {
		return core.Receipt{}, &core.LedgerWriteError{Op: "append_turn", Run: run, Err: err}
	}
	l.opts.Logger.Debug("Message appended", "run_id", run, "tx", receipt.TxHash.Hex())

	return toReceipt(receipt), nil
}

// ReadTurnsSince reads both history arrays and zips them from offset.
func (l *Ledger) ReadTurnsSince(ctx context.Context, run core.RunID, offset int) ([]core.Turn, error) {
	id, err := parseRunID(run)
	if err != nil {
		return nil, &core.LedgerReadError{Op: "read_turns", Run: run, Offset: offset, Err: err}
	}

	contents, err := l.callStrings(ctx, "getMessageHistoryContents", id)
	if err != nil {
		return nil, &core.LedgerReadError{Op: "read_turns", Run: run, Offset: offset, Err: err}
	}
	roles, err := l.callStrings(ctx, "getMessageHistoryRoles", id)
	if err != nil {
		return nil, &core.LedgerReadError{Op: "read_turns", Run: run, Offset: offset, Err: err}
	}

	return zipHistory(contents, roles, offset), nil
}

// OpenRuns scans AgentRunCreated logs owned by the signing address and
// keeps the runs isRunFinished reports as open.
func (l *Ledger) OpenRuns(ctx context.Context) ([]core.RunID, error) {
	ev := l.abi.Events[runCreatedEvent]
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(l.opts.FromBlock),
		Addresses: []common.Address{l.address},
		Topics:    [][]common.Hash{{ev.ID}, {common.BytesToHash(l.from.Bytes())}},
	}
	logs, err := l.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, &core.LedgerReadError{Op: "open_runs", Err: fmt.Errorf("filter logs: %w", err)}
	}

	var open []core.RunID
	seen := map[core.RunID]bool{}
	for i := range logs {
		run, err := runIDFromLogs(l.abi, l.address, []*types.Log{&logs[i]})
		if err != nil || seen[run] {
			continue
		}
		seen[run] = true

		finished, err := l.isRunFinished(ctx, run)
		if err != nil {
			return nil, &core.LedgerReadError{Op: "open_runs", Run: run, Err: err}
		}
		if !finished {
			open = append(open, run)
		}
	}

	return open, nil
}

func (l *Ledger) isRunFinished(ctx context.Context, run core.RunID) (bool, error) {
	id, err := parseRunID(run)
	if err != nil {
		return false, err
	}
	var out []interface{}
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isRunFinished", id); err != nil {
		return false, fmt.Errorf("call isRunFinished: %w", err)
	}
	if len(out) == 0 {
		return false, fmt.Errorf("isRunFinished returned no values")
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (l *Ledger) callStrings(ctx context.Context, method string, params ...interface{}) ([]string, error) {
	var out []interface{}
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return *abi.ConvertType(out[0], new([]string)).(*[]string), nil
}

func (l *Ledger) transact(ctx context.Context, method string, params ...interface{}) (*types.Receipt, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(l.key, l.chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	opts.GasLimit = l.opts.GasLimit

	tx, err := l.contract.Transact(opts, method, params...)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	l.opts.Logger.Debug("Transaction sent", "method", method, "tx", tx.Hash().Hex())

	receipt, err := bind.WaitMined(ctx, l.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("wait %s: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%s %s: %w", method, receipt.TxHash.Hex(), ErrTxFailed)
	}

	return receipt, nil
}

func toReceipt(r *types.Receipt) core.Receipt {
	out := core.Receipt{TxHash: r.TxHash.Hex()}
	if r.BlockNumber != nil {
		out.Block = r.BlockNumber.Uint64()
	}
	return out
}
