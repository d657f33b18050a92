package evm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/core"
)

var contractAddr = common.HexToAddress("0x00000000000000000000000000000000000A9e17")

// fakeChain answers view calls from in-memory histories. Methods not
// overridden panic through the nil embedded Backend.
type fakeChain struct {
	Backend
	abi       abi.ABI
	contents  map[string][]string
	roles     map[string][]string
	finished  map[string]bool
	logs      []types.Log
	failCalls bool
}

func newFakeChain(t *testing.T) *fakeChain {
	t.Helper()
	parsed, err := ParseABI()
	require.NoError(t, err)
	return &fakeChain{abi: parsed, contents: map[string][]string{}, roles: map[string][]string{}, finished: map[string]bool{}}
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(696969), nil }

func (f *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x1}, nil
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var out []types.Log
	for _, lg := range f.logs {
		if len(q.Topics) > 1 && len(q.Topics[1]) > 0 && lg.Topics[1] != q.Topics[1][0] {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (f *fakeChain) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.failCalls {
		return nil, errors.New("rpc unavailable")
	}
	for _, m := range f.abi.Methods {
		if !bytes.Equal(call.Data[:4], m.ID) {
			continue
		}
		args, err := m.Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		key := args[0].(*big.Int).String()
		switch m.Name {
		case "getMessageHistoryContents":
			return m.Outputs.Pack(f.contents[key])
		case "getMessageHistoryRoles":
			return m.Outputs.Pack(f.roles[key])
		case "isRunFinished":
			return m.Outputs.Pack(f.finished[key])
		}
	}
	return nil, fmt.Errorf("unexpected call %x", call.Data[:4])
}

func newTestLedger(t *testing.T, chain *fakeChain) *Ledger {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	l, err := New(context.Background(), chain, contractAddr, key)
	require.NoError(t, err)
	return l
}

func createdLog(t *testing.T, parsed abi.ABI, owner common.Address, run int64) types.Log {
	t.Helper()
	return types.Log{
		Address: contractAddr,
		Topics: []common.Hash{
			parsed.Events[runCreatedEvent].ID,
			common.BytesToHash(owner.Bytes()),
			common.BigToHash(big.NewInt(run)),
		},
	}
}

func TestRunIDFromLogs(t *testing.T) {
	parsed, err := ParseABI()
	require.NoError(t, err)
	owner := common.HexToAddress("0x1234")

	other := types.Log{Address: contractAddr, Topics: []common.Hash{common.HexToHash("0xdead")}}
	foreign := createdLog(t, parsed, owner, 9)
	foreign.Address = common.HexToAddress("0xbeef")
	created := createdLog(t, parsed, owner, 42)

	run, err := runIDFromLogs(parsed, contractAddr, []*types.Log{&other, &foreign, &created})
	require.NoError(t, err)
	assert.Equal(t, core.RunID("42"), run)

	_, err = runIDFromLogs(parsed, contractAddr, []*types.Log{&other})
	assert.Error(t, err)
}

func TestZipHistory(t *testing.T) {
	contents := []string{"brief", "hi", "TechAgent do: check"}
	roles := []string{"system", "user", "assistant"}

	assert.Equal(t, []core.Turn{
		{Index: 1, Role: core.RoleUser, Content: "hi"},
		{Index: 2, Role: core.RoleAssistant, Content: "TechAgent do: check"},
	}, zipHistory(contents, roles, 1))

	assert.Empty(t, zipHistory(contents, roles, 3))
	// Roles read after a new write landed: only complete pairs count.
	assert.Len(t, zipHistory(contents[:2], roles, 0), 2)
}

func TestLedger_ReadTurnsSince(t *testing.T) {
	chain := newFakeChain(t)
	chain.contents["7"] = []string{"brief", "hello", "Paul: hi there"}
	chain.roles["7"] = []string{"system", "user", "assistant"}
	l := newTestLedger(t, chain)

	turns, err := l.ReadTurnsSince(context.Background(), "7", 1)
	require.NoError(t, err)
	assert.Equal(t, []core.Turn{
		{Index: 1, Role: core.RoleUser, Content: "hello"},
		{Index: 2, Role: core.RoleAssistant, Content: "Paul: hi there"},
	}, turns)

	_, err = l.ReadTurnsSince(context.Background(), "x", 0)
	var re *core.LedgerReadError
	assert.True(t, errors.As(err, &re))

	chain.failCalls = true
	_, err = l.ReadTurnsSince(context.Background(), "7", 0)
	require.True(t, errors.As(err, &re))
	assert.Equal(t, core.RunID("7"), re.Run)
}

func TestLedger_OpenRuns(t *testing.T) {
	chain := newFakeChain(t)
	l := newTestLedger(t, chain)
	stranger := common.HexToAddress("0x9999")

	chain.logs = []types.Log{
		createdLog(t, chain.abi, l.From(), 1),
		createdLog(t, chain.abi, l.From(), 2),
		createdLog(t, chain.abi, stranger, 3),
		createdLog(t, chain.abi, l.From(), 2),
	}
	chain.finished["1"] = true

	open, err := l.OpenRuns(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []core.RunID{"2"}, open)
}

func TestLedger_ForKey(t *testing.T) {
	chain := newFakeChain(t)
	l := newTestLedger(t, chain)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	persona := l.ForKey(key)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), persona.From())
	assert.NotEqual(t, l.From(), persona.From())
}

func TestLedger_CreateRunRejectsIterationOverflow(t *testing.T) {
	l := newTestLedger(t, newFakeChain(t))
	_, _, err := l.CreateRun(context.Background(), "brief", 300)
	var we *core.LedgerWriteError
	assert.True(t, errors.As(err, &we))
}

func TestParseKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := fmt.Sprintf("0x%x", crypto.FromECDSA(key))

	parsed, err := ParseKey(hexKey)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(parsed.PublicKey))

	_, err = ParseKey("zz")
	assert.Error(t, err)
}
