// Package bigmap resolves a block's big-map diffs (alloc/update/copy/
// remove) into the effective key/value sets that big_map actually held
// after the block, tracking which contract owns each big-map id along
// the way. Its output feeds internal/storageparse (to build the rows a
// big_map's child table gets) and internal/dbsink (to record
// bigmap_keyhashes / bigmap_contract_deps).
package bigmap

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// Action is one of the four diff kinds a block's operations can carry
// against a big-map id.
type Action string

const (
	ActionAlloc  Action = "alloc"
	ActionUpdate Action = "update"
	ActionCopy   Action = "copy"
	ActionRemove Action = "remove"
)

// Diff is a single big-map diff, in the order the node reported it
// within a block.
type Diff struct {
	BigMapID       int64
	Action         Action
	OperationIndex int
	ContentIndex   int
	// ContractName is the contract whose operation produced this diff;
	// used to attribute a newly alloc'd or copied-to big-map to an
	// owner.
	ContractName string
	// Key/Value are present for Update (Value nil removes the key) and
	// Remove (Key only).
	Key   json.RawMessage
	Value json.RawMessage
	// SourceID is the big-map id being copied from, present for Copy.
	SourceID int64
}

// Entry is a single live key/value pair in a big-map, with its
// key-hash precomputed.
type Entry struct {
	KeyHash string
	Key     json.RawMessage
	Value   json.RawMessage
}

// LiveLookup supplies a big-map's current live entries — as recorded
// by previous blocks — to diffs (most commonly Copy) that need to read
// state this block's Diff slice alone doesn't carry.
type LiveLookup interface {
	LiveEntries(bigMapID int64) ([]Entry, error)
}

// Owner records which contract a big-map id is attributed to by an
// alloc or a copy. It carries no level; the caller supplies the level
// when persisting it (see dbsink.Tx.SaveContractDeps).
type Owner struct {
	BigMapID     int64
	ContractName string
}

// Result is the output of processing one block's diffs: the effective
// entries for every big-map id touched, the key-hashes removed this
// block (so the DB sink can delete stale bigmap_keyhashes rows), and
// ownership attributions discovered this block.
type Result struct {
	Effective map[int64][]Entry
	Removed   map[int64][]string
	Owners    []Owner
}

// KeyHash returns the stable identifier used to track one key's
// identity across updates: a blake2b-256 digest of its canonical JSON
// encoding. que-pasa hashes the packed Michelson key bytes; lacking a
// Michelson packer here, canonical JSON is used instead as a
// stand-in with the same identity property (same key ⇒ same hash).
func KeyHash(key json.RawMessage) (string, error) {
	var canon any
	if err := json.Unmarshal(key, &canon); err != nil {
		return "", fmt.Errorf("bigmap: decode key for hashing: %w", err)
	}
	b, err := json.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("bigmap: re-encode key for hashing: %w", err)
	}
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Processor resolves a block's diffs.
type Processor struct{}

func NewProcessor() *Processor {
	return &Processor{}
}

// Process applies diffs in topological order to the live sets lookup
// exposes, returning the effective post-block state for every big-map
// id any diff touched.
func (p *Processor) Process(diffs []Diff, lookup LiveLookup) (*Result, error) {
	ordered := make([]Diff, len(diffs))
	copy(ordered, diffs)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].OperationIndex != ordered[j].OperationIndex {
			return ordered[i].OperationIndex < ordered[j].OperationIndex
		}
		return ordered[i].ContentIndex < ordered[j].ContentIndex
	})

	live := map[int64]map[string]Entry{}
	removed := map[int64]map[string]bool{}
	touched := map[int64]bool{}
	var owners []Owner

	ensureLoaded := func(id int64) error {
		if live[id] != nil {
			return nil
		}
		entries, err := lookup.LiveEntries(id)
		if err != nil {
			return fmt.Errorf("bigmap: load live entries for id %d: %w", id, err)
		}
		set := make(map[string]Entry, len(entries))
		for _, e := range entries {
			set[e.KeyHash] = e
		}
		live[id] = set
		return nil
	}

	for _, d := range ordered {
		touched[d.BigMapID] = true
		switch d.Action {
		case ActionAlloc:
			live[d.BigMapID] = map[string]Entry{}
			removed[d.BigMapID] = map[string]bool{}
			if d.ContractName != "" {
				owners = append(owners, Owner{BigMapID: d.BigMapID, ContractName: d.ContractName})
			}

		case ActionUpdate:
			if err := ensureLoaded(d.BigMapID); err != nil {
				return nil, err
			}
			hash, err := KeyHash(d.Key)
			if err != nil {
				return nil, err
			}
			if d.Value == nil {
				delete(live[d.BigMapID], hash)
				markRemoved(removed, d.BigMapID, hash)
				continue
			}
			live[d.BigMapID][hash] = Entry{KeyHash: hash, Key: d.Key, Value: d.Value}

		case ActionRemove:
			if err := ensureLoaded(d.BigMapID); err != nil {
				return nil, err
			}
			hash, err := KeyHash(d.Key)
			if err != nil {
				return nil, err
			}
			delete(live[d.BigMapID], hash)
			markRemoved(removed, d.BigMapID, hash)

		case ActionCopy:
			if err := ensureLoaded(d.SourceID); err != nil {
				return nil, err
			}
			live[d.BigMapID] = map[string]Entry{}
			for hash, e := range live[d.SourceID] {
				live[d.BigMapID][hash] = e
			}
			if d.ContractName != "" {
				owners = append(owners, Owner{BigMapID: d.BigMapID, ContractName: d.ContractName})
			}

		default:
			return nil, fmt.Errorf("bigmap: unknown diff action %q", d.Action)
		}
	}

	result := &Result{Effective: map[int64][]Entry{}, Removed: map[int64][]string{}, Owners: owners}
	for id := range touched {
		entries := make([]Entry, 0, len(live[id]))
		for _, e := range live[id] {
			entries = append(entries, e)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].KeyHash < entries[j].KeyHash })
		result.Effective[id] = entries

		hashes := make([]string, 0, len(removed[id]))
		for h := range removed[id] {
			hashes = append(hashes, h)
		}
		sort.Strings(hashes)
		result.Removed[id] = hashes
	}
	return result, nil
}

func markRemoved(removed map[int64]map[string]bool, id int64, hash string) {
	if removed[id] == nil {
		removed[id] = map[string]bool{}
	}
	removed[id][hash] = true
}
