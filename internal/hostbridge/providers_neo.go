package hostbridge

import (
	"context"
	"fmt"

	"github.com/joeqian10/neo3-gogogo/rpc"

	"github.com/r3e-network/faas-platform/internal/domain/function"
)

// NeoProvider implements the "neo" subtree (spec.md §4.8: getContract,
// call, invoke, getBlock) against a Neo N3 JSON-RPC endpoint via
// joeqian10/neo3-gogogo's rpc.Client, the dependency the example pack
// carries specifically for N3 RPC access (as opposed to nspcc-dev/neo-go,
// used elsewhere in this platform for wire-format types in the chain
// watcher). Write operations (invoke with a signed transaction) are out of
// scope for this surface — guest functions can read chain state and
// simulate invocations, not submit transactions, matching chain:read
// rather than chain:write for the ops registered here.
type NeoProvider struct {
	client *rpc.RpcClient
}

// NewNeoProvider builds a provider against a Neo N3 RPC endpoint.
func NewNeoProvider(rpcEndpoint string) *NeoProvider {
	return &NeoProvider{client: rpc.NewClient(rpcEndpoint)}
}

// Register wires getBlock, getContract, and call (read-only invoke) onto b.
func (p *NeoProvider) Register(b *Bridge) {
	b.Register(Op{Name: "neo.getBlock", RequiredCapability: "neo.getBlock", Cost: 3, MaySuspend: true, Handler: p.getBlock})
	b.Register(Op{Name: "neo.getContract", RequiredCapability: "neo.getContract", Cost: 2, MaySuspend: true, Handler: p.getContract})
	b.Register(Op{Name: "neo.call", RequiredCapability: "neo.call", Cost: 3, MaySuspend: true, Handler: p.call})
}

func (p *NeoProvider) getBlock(ctx context.Context, artifact function.Artifact, args map[string]any) (map[string]any, error) {
	index, ok := args["index"].(float64)
	if !ok {
		return nil, fmt.Errorf("neo.getBlock requires a numeric \"index\"")
	}
	resp := p.client.GetBlockByIndex(uint32(index))
	if resp.HasError() {
		return nil, fmt.Errorf("neo.getBlock: %s", resp.ErrorResponse.Error.Message)
	}
	return map[string]any{
		"hash":      resp.Result.Hash,
		"index":     resp.Result.Index,
		"timestamp": resp.Result.Time,
		"txCount":   len(resp.Result.Tx),
	}, nil
}

func (p *NeoProvider) getContract(ctx context.Context, artifact function.Artifact, args map[string]any) (map[string]any, error) {
	hash, _ := args["scriptHash"].(string)
	if hash == "" {
		return nil, fmt.Errorf("neo.getContract requires \"scriptHash\"")
	}
	resp := p.client.GetContractState(hash)
	if resp.HasError() {
		return nil, fmt.Errorf("neo.getContract: %s", resp.ErrorResponse.Error.Message)
	}
	return map[string]any{
		"hash":     resp.Result.Hash,
		"manifest": resp.Result.Manifest.Name,
	}, nil
}

func (p *NeoProvider) call(ctx context.Context, artifact function.Artifact, args map[string]any) (map[string]any, error) {
	hash, _ := args["scriptHash"].(string)
	method, _ := args["method"].(string)
	if hash == "" || method == "" {
		return nil, fmt.Errorf("neo.call requires \"scriptHash\" and \"method\"")
	}
	resp := p.client.InvokeFunction(hash, method, []rpc.InvokeFunctionStackParameter{}, nil)
	if resp.HasError() {
		return nil, fmt.Errorf("neo.call: %s", resp.ErrorResponse.Error.Message)
	}
	return map[string]any{
		"state":       resp.Result.State,
		"gasConsumed": resp.Result.GasConsumed,
	}, nil
}
