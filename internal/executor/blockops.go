package executor

import (
	"encoding/json"
	"fmt"

	"quepasa/internal/bigmap"
)

// operationGroup is one operation's JSON shape, as returned (flattened
// across validation passes) by nodeclient.BlockOperations. It mirrors
// the subset of fields que-pasa's own StorageParser reads off a node's
// operation receipts (content "kind"/"source"/"destination", a
// metadata.operation_result carrying the post-application storage and
// any big_map_diff, and internal_operation_results for operations a
// smart contract itself triggered).
type operationGroup struct {
	Hash     string        `json:"hash"`
	Contents []opContent   `json:"contents"`
}

type opContent struct {
	Kind                     string             `json:"kind"`
	Source                   string             `json:"source"`
	Destination              string             `json:"destination"`
	Parameters               *opParameters      `json:"parameters,omitempty"`
	Metadata                 opMetadata         `json:"metadata"`
	InternalOperationResults []opContent        `json:"internal_operation_results,omitempty"`
}

type opParameters struct {
	Entrypoint string          `json:"entrypoint"`
	Value      json.RawMessage `json:"value"`
}

type opMetadata struct {
	OperationResult          opResult    `json:"operation_result"`
	InternalOperationResults []opContent `json:"internal_operation_results,omitempty"`
}

type opResult struct {
	Status              string           `json:"status"`
	Storage             json.RawMessage  `json:"storage,omitempty"`
	BigMapDiff          []rawBigMapDiff  `json:"big_map_diff,omitempty"`
	OriginatedContracts []string         `json:"originated_contracts,omitempty"`
}

type rawBigMapDiff struct {
	Action       string          `json:"action"`
	BigMap       string          `json:"big_map"`
	SourceBigMap string          `json:"source_big_map,omitempty"`
	KeyHash      string          `json:"key_hash,omitempty"`
	Key          json.RawMessage `json:"key,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
}

// ContractActivity is everything a single operation's receipt told us
// about one tracked contract: the post-application storage (if the
// operation touched the contract directly), any big-map diffs it
// produced, and whether it originated the contract.
type ContractActivity struct {
	OperationHash string
	Source        string
	Destination   string
	Entrypoint    string
	Storage       json.RawMessage
	Diffs         []bigmap.Diff
	Originated    bool
}

// ExtractActivity walks a block's flattened operation groups and
// returns, for each one that touched address (as a top-level
// destination, an origination, or via an internal operation), its
// ContractActivity. A single operation group can appear more than once
// here if it touched address more than once (e.g. an internal
// transaction call-back); each occurrence gets its own tx_context.
func ExtractActivity(ops []json.RawMessage, address string) ([]ContractActivity, error) {
	var out []ContractActivity
	for opIdx, raw := range ops {
		var group operationGroup
		if err := json.Unmarshal(raw, &group); err != nil {
			return nil, fmt.Errorf("executor: decode operation %d: %w", opIdx, err)
		}
		for contentIdx, c := range group.Contents {
			out = append(out, extractContent(group.Hash, &c, address, opIdx, contentIdx, false)...)
			for innerIdx, ic := range c.InternalOperationResults {
				out = append(out, extractContent(group.Hash, &ic, address, opIdx, contentIdx*1000+innerIdx, true)...)
			}
			for innerIdx, ic := range c.Metadata.InternalOperationResults {
				out = append(out, extractContent(group.Hash, &ic, address, opIdx, contentIdx*1000+innerIdx, true)...)
			}
		}
	}
	return out, nil
}

func extractContent(hash string, c *opContent, address string, opIdx, contentIdx int, internal bool) []ContractActivity {
	isOrigination := c.Kind == "origination" && containsStr(c.Metadata.OperationResult.OriginatedContracts, address)
	isActivity := c.Destination == address

	if !isOrigination && !isActivity {
		return nil
	}

	entrypoint := ""
	if c.Parameters != nil {
		entrypoint = c.Parameters.Entrypoint
	}
	diffs := decodeBigMapDiffs(c.Metadata.OperationResult.BigMapDiff, opIdx, contentIdx, address)

	return []ContractActivity{{
		OperationHash: hash,
		Source:        c.Source,
		Destination:   c.Destination,
		Entrypoint:    entrypoint,
		Storage:       c.Metadata.OperationResult.Storage,
		Diffs:         diffs,
		Originated:    isOrigination,
	}}
}

func decodeBigMapDiffs(raw []rawBigMapDiff, opIdx, contentIdx int, contractName string) []bigmap.Diff {
	diffs := make([]bigmap.Diff, 0, len(raw))
	for i, d := range raw {
		diff := bigmap.Diff{
			Action:         bigmap.Action(d.Action),
			OperationIndex: opIdx,
			ContentIndex:   contentIdx*1000 + i,
			ContractName:   contractName,
			Key:            d.Key,
			Value:          d.Value,
		}
		_, _ = fmt.Sscan(d.BigMap, &diff.BigMapID)
		if d.SourceBigMap != "" {
			_, _ = fmt.Sscan(d.SourceBigMap, &diff.SourceID)
		}
		diffs = append(diffs, diff)
	}
	return diffs
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// distinctDestinations returns every unique, non-empty destination
// address a block's operations (including internal ones) named, the
// candidate set all-contracts mode checks against the already-tracked
// registry.
func distinctDestinations(ops []json.RawMessage) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(addr string) {
		if addr != "" && !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	for opIdx, raw := range ops {
		var group operationGroup
		if err := json.Unmarshal(raw, &group); err != nil {
			return nil, fmt.Errorf("executor: decode operation %d: %w", opIdx, err)
		}
		for _, c := range group.Contents {
			add(c.Destination)
			for _, ic := range c.InternalOperationResults {
				add(ic.Destination)
			}
			for _, ic := range c.Metadata.InternalOperationResults {
				add(ic.Destination)
			}
		}
	}
	return out, nil
}

// contractScript is the subset of a node's contracts/<addr>/script
// response extractStorageType needs: the Michelson code sections, one
// of which (prim "storage") carries the type node as its single arg.
type contractScript struct {
	Code []struct {
		Prim string            `json:"prim"`
		Args []json.RawMessage `json:"args"`
	} `json:"code"`
}

// extractStorageType pulls the storage type node out of a contract's
// script, for typeast.Decode to parse.
func extractStorageType(script json.RawMessage) ([]byte, error) {
	var s contractScript
	if err := json.Unmarshal(script, &s); err != nil {
		return nil, fmt.Errorf("executor: decode contract script: %w", err)
	}
	for _, section := range s.Code {
		if section.Prim == "storage" && len(section.Args) == 1 {
			return section.Args[0], nil
		}
	}
	return nil, fmt.Errorf("executor: contract script has no storage type section")
}
