// Package typeast represents a contract's storage type as an in-memory
// tree. It is the leaf-level building block the rest of the indexer
// walks: the relational package turns a Type into table/column
// definitions, and the storageparse package zips a storage value
// against the same tree.
package typeast

// Simple is a leaf (non-composite) Michelson-like primitive.
type Simple string

const (
	Address   Simple = "address"
	Bool      Simple = "bool"
	Bytes     Simple = "bytes"
	Int       Simple = "int"
	Nat       Simple = "nat"
	Mutez     Simple = "mutez"
	String    Simple = "string"
	Timestamp Simple = "timestamp"
	Unit      Simple = "unit"
	KeyHash   Simple = "keyhash"
	Signature Simple = "signature"
	Contract  Simple = "contract"
	// Stop marks a leaf that carries no column of its own. Decode never
	// produces it and no package here constructs it; ColumnDefault and
	// ddl's columnType treat it as column-less.
	Stop Simple = "stop"
)

// ColumnDefault returns the default column-name hint for a simple type,
// used when a node carries no explicit annotation. Complex types return
// "" and fall back to "noname" at the relational layer.
func (s Simple) ColumnDefault() string {
	switch s {
	case Stop:
		return ""
	default:
		return string(s)
	}
}

// Kind discriminates the variants of Type.
type Kind int

const (
	KindSimple Kind = iota
	KindPair
	KindOption
	KindList
	KindMap
	KindBigMap
	KindOrEnumeration
)

// Type is an immutable node in the storage type tree. Exactly one of
// the kind-specific fields is populated, selected by Kind.
type Type struct {
	Kind Kind
	// Name is the optional Michelson annotation (e.g. "%balance"),
	// stripped of its leading sigil. Empty means "no annotation".
	Name string

	Simple Simple // KindSimple

	Pair [2]*Type // KindPair: [left, right]

	Option *Type // KindOption

	ListUnique bool  // KindList: true => elements form a set
	Elem       *Type // KindList

	Key   *Type // KindMap, KindBigMap
	Value *Type // KindMap, KindBigMap

	Or [2]*Type // KindOrEnumeration: [left, right]
}

// WithName returns a shallow copy of t with Name replaced. Type trees
// are treated as immutable; callers never mutate a *Type in place.
func (t *Type) WithName(name string) *Type {
	cp := *t
	cp.Name = name
	return &cp
}

// IsUnit reports whether t is the simple Unit leaf.
func (t *Type) IsUnit() bool {
	return t.Kind == KindSimple && t.Simple == Unit
}
