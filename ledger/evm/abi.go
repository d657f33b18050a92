package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/hupe1980/agentrelay/core"
)

// AgentABI is the subset of the agent contract the relay calls.
const AgentABI = `[
  {"type":"function","name":"runAgent","stateMutability":"nonpayable",
   "inputs":[{"name":"query","type":"string"},{"name":"max_iterations","type":"uint8"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"addMessage","stateMutability":"nonpayable",
   "inputs":[{"name":"message","type":"string"},{"name":"runId","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"getMessageHistoryContents","stateMutability":"view",
   "inputs":[{"name":"agentId","type":"uint256"}],
   "outputs":[{"name":"","type":"string[]"}]},
  {"type":"function","name":"getMessageHistoryRoles","stateMutability":"view",
   "inputs":[{"name":"agentId","type":"uint256"}],
   "outputs":[{"name":"","type":"string[]"}]},
  {"type":"function","name":"isRunFinished","stateMutability":"view",
   "inputs":[{"name":"runId","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"AgentRunCreated","anonymous":false,
   "inputs":[{"name":"owner","type":"address","indexed":true},{"name":"runId","type":"uint256","indexed":true}]}
]`

const runCreatedEvent = "AgentRunCreated"

// ParseABI parses AgentABI.
func ParseABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(AgentABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse agent abi: %w", err)
	}
	return parsed, nil
}

// runIDFromLogs extracts the run id from the AgentRunCreated log emitted by
// contract. The id is the second indexed topic; contracts that emit it
// unindexed carry it in the log data instead.
func runIDFromLogs(parsed abi.ABI, contract common.Address, logs []*types.Log) (core.RunID, error) {
	ev, ok := parsed.Events[runCreatedEvent]
	if !ok {
		return "", fmt.Errorf("abi has no %s event", runCreatedEvent)
	}

	for _, lg := range logs {
		if lg == nil || lg.Address != contract || len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}
		if len(lg.Topics) >= 3 {
			return core.RunID(new(big.Int).SetBytes(lg.Topics[2].Bytes()).String()), nil
		}
		values, err := ev.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil {
			return "", fmt.Errorf("unpack %s: %w", runCreatedEvent, err)
		}
		for _, v := range values {
			if id, ok := v.(*big.Int); ok {
				return core.RunID(id.String()), nil
			}
		}
	}

	return "", fmt.Errorf("no %s log in receipt", runCreatedEvent)
}

// zipHistory pairs the parallel content and role arrays into turns from
// offset onward. The arrays are read in two calls, so a write landing in
// between can make one longer; only complete pairs are returned and the
// remainder is picked up by the next read.
func zipHistory(contents, roles []string, offset int) []core.Turn {
	n := min(len(contents), len(roles))
	if offset < 0 {
		offset = 0
	}
	if offset >= n {
		return []core.Turn{}
	}

	turns := make([]core.Turn, 0, n-offset)
	for i := offset; i < n; i++ {
		turns = append(turns, core.Turn{Index: i, Role: core.Role(roles[i]), Content: contents[i]})
	}
	return turns
}

func parseRunID(run core.RunID) (*big.Int, error) {
	id, ok := new(big.Int).SetString(string(run), 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("invalid run id %q", run)
	}
	return id, nil
}
