// Package record defines the Record, candidate pair, scored pair, edge,
// cluster, and golden-record types shared across the resolution pipeline.
// Grounded on github.com/ehdc-llpg/internal/match.Input/Candidate/Result
// (internal/match/types.go), generalized from UK-address-specific fields
// to the domain-agnostic field map required by spec.md's data model.
package record

import (
	"fmt"
	"time"

	"github.com/ehdc-er/entityresolution/internal/er/value"
)

// Metadata describes how a record's embedding vector was produced.
type Metadata struct {
	ModelName string
	Dimension int
	Profile   string
	Timestamp time.Time
}

// Record is an immutable field-name-to-Value mapping identified by a
// stable id within a named collection.
type Record struct {
	ID         string
	Collection string
	Fields     map[string]value.Value
	Embedding  []float32
	Metadata   Metadata
}

// Field returns the named field, or value.Null() if absent.
func (r Record) Field(name string) value.Value {
	if r.Fields == nil {
		return value.Null()
	}
	v, ok := r.Fields[name]
	if !ok {
		return value.Null()
	}
	return v
}

// Serialize renders the record's fields into a deterministic string for
// embedding, per spec.md §6: fields listed in the given order, joined by
// sep, missing fields collapse to the empty string. Same record + same
// (fields, sep) always yields the same string.
func Serialize(r Record, fields []string, sep string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = r.Field(f).StringOr("")
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}

// Pair is a canonically-ordered candidate pair: IDA < IDB always. Use
// NewPair to construct one so the invariant can never be violated.
type Pair struct {
	IDA         string
	IDB         string
	Strategies  []string // blocking strategies that produced this pair
	BlockingKey string   // optional, set when a single strategy produced it
}

// NewPair builds a canonically-ordered pair from two ids. Panics if the
// ids are equal: a candidate pair between a record and itself is a
// programming error, not a data condition (Design Note §9).
func NewPair(a, b, strategy string) Pair {
	if a == b {
		panic(fmt.Sprintf("record: candidate pair with identical endpoints %q", a))
	}
	if a > b {
		a, b = b, a
	}
	p := Pair{IDA: a, IDB: b}
	if strategy != "" {
		p.Strategies = []string{strategy}
	}
	return p
}

// Key returns a stable string key for deduplication.
func (p Pair) Key() string { return p.IDA + "\x00" + p.IDB }

// Decision is the three-valued scoring outcome.
type Decision string

const (
	DecisionMatch         Decision = "match"
	DecisionPossibleMatch Decision = "possible_match"
	DecisionNonMatch      Decision = "non_match"
)

// ScoredPair extends a Pair with the Fellegi-Sunter scoring outcome.
type ScoredPair struct {
	Pair
	RawScore        float64 // unbounded log-likelihood sum
	NormalizedScore float64 // RawScore / summed field importances; not bounded to [0,1]
	Decision        Decision
	Confidence      float64 // in [0,1]
	FieldSimilarity map[string]float64
}

// Edge is an undirected similarity edge between two record ids.
type Edge struct {
	IDA    string
	IDB    string
	Weight float64
	Method string // blocking/scoring method(s) that produced the backing scored pair
}

// CanonicalKey returns the edge's endpoints in sorted order joined by a
// NUL byte. graph.EdgeKey hashes the same sorted endpoints, plus a
// relation label, into the key used for idempotent inserts.
func (e Edge) CanonicalKey() string {
	a, b := e.IDA, e.IDB
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

// ClusterStatus is the state-machine status of a computed cluster.
type ClusterStatus string

const (
	ClusterPending   ClusterStatus = "pending"
	ClusterComputed  ClusterStatus = "computed"
	ClusterPersisted ClusterStatus = "persisted"
)

// Cluster is a weakly-connected component of the similarity graph.
type Cluster struct {
	ID         string
	MemberIDs  []string
	Status     ClusterStatus
	EdgeCount  int
	MinWeight  float64
	AvgWeight  float64
	MaxWeight  float64
	Density    float64
	Quality    float64
	Oversized  bool
}

func (c Cluster) Size() int { return len(c.MemberIDs) }

// FieldProvenance names which source record contributed a golden-record
// field's value and under which fusion rule.
type FieldProvenance struct {
	SourceMemberID        string
	Rule                  string
	AlternativesConsidered []string
}

// Golden is the fused canonical representation of one cluster.
type Golden struct {
	ID                string
	ClusterID         string
	MemberIDs         []string
	Fields            map[string]value.Value
	Provenance        map[string]FieldProvenance
	DataQualityScore  float64
	ConfidenceScore   float64
}
