package golden

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehdc-er/entityresolution/internal/er/record"
	"github.com/ehdc-er/entityresolution/internal/er/value"
)

func personRec(id, name, email, phone string) record.Record {
	fields := map[string]value.Value{}
	if name != "" {
		fields["name"] = value.String(name)
	}
	if email != "" {
		fields["email"] = value.String(email)
	}
	if phone != "" {
		fields["phone"] = value.String(phone)
	}
	return record.Record{ID: id, Collection: "people", Fields: fields}
}

func TestBuildCompletenessWinnerPrefersMostCompleteMember(t *testing.T) {
	members := []record.Record{
		personRec("a", "Jon Smith", "", ""),
		personRec("b", "Jon Smith", "jsmith@example.com", "555-1234"),
	}
	cluster := record.Cluster{ID: "cluster_0", MemberIDs: []string{"a", "b"}}
	b := &Builder{Cfg: Config{DefaultRule: RuleCompletenessWinner}}

	golden := b.Build(cluster, members, 0.9)

	email, _ := golden.Fields["email"].AsString()
	assert.Equal(t, "jsmith@example.com", email)
	assert.Equal(t, "b", golden.Provenance["email"].SourceMemberID)
	assert.Equal(t, string(RuleCompletenessWinner), golden.Provenance["email"].Rule)
}

func TestBuildMostFrequentPicksMajorityValue(t *testing.T) {
	members := []record.Record{
		personRec("a", "Jonathan Smith", "", ""),
		personRec("b", "Jon Smith", "", ""),
		personRec("c", "Jon Smith", "", ""),
	}
	cluster := record.Cluster{ID: "cluster_0", MemberIDs: []string{"a", "b", "c"}}
	cfg := Config{FieldRules: map[string]FieldRule{"name": {Rule: RuleMostFrequent}}}
	b := &Builder{Cfg: cfg}

	golden := b.Build(cluster, members, 0.8)

	name, _ := golden.Fields["name"].AsString()
	assert.Equal(t, "Jon Smith", name, "most frequent value across members should win")
}

func TestBuildLongestNonNullPrefersLongerAddress(t *testing.T) {
	members := []record.Record{
		{ID: "a", Collection: "addr", Fields: map[string]value.Value{"address": value.String("123 Main St")}},
		{ID: "b", Collection: "addr", Fields: map[string]value.Value{"address": value.String("123 Main Street, Springfield")}},
	}
	cluster := record.Cluster{ID: "cluster_0", MemberIDs: []string{"a", "b"}}
	cfg := Config{FieldRules: map[string]FieldRule{"address": {Rule: RuleLongestNonNull}}}
	b := &Builder{Cfg: cfg}

	golden := b.Build(cluster, members, 0.7)
	addr, _ := golden.Fields["address"].AsString()
	assert.Equal(t, "123 Main Street, Springfield", addr)
}

func TestBuildPriorityListPrefersFirstListedCollection(t *testing.T) {
	members := []record.Record{
		{ID: "a", Collection: "crm", Fields: map[string]value.Value{"name": value.String("Jon Smith")}},
		{ID: "b", Collection: "erp", Fields: map[string]value.Value{"name": value.String("Jon A Smith")}},
	}
	cluster := record.Cluster{ID: "cluster_0", MemberIDs: []string{"a", "b"}}
	cfg := Config{FieldRules: map[string]FieldRule{"name": {Rule: RulePriorityList, Priority: []string{"erp", "crm"}}}}
	b := &Builder{Cfg: cfg}

	golden := b.Build(cluster, members, 0.7)
	name, _ := golden.Fields["name"].AsString()
	assert.Equal(t, "Jon A Smith", name, "erp is first in priority list")
}

func TestBuildComputesDataQualityScore(t *testing.T) {
	members := []record.Record{
		personRec("a", "Jon Smith", "jsmith@example.com", ""),
		personRec("b", "Jon Smith", "", "555-1234"),
	}
	cluster := record.Cluster{ID: "cluster_0", MemberIDs: []string{"a", "b"}}
	b := &Builder{}

	golden := b.Build(cluster, members, 0.5)
	// all three fields (name, email, phone) end up populated across the union
	assert.Equal(t, 1.0, golden.DataQualityScore)
	assert.Equal(t, 0.5, golden.ConfidenceScore)
}

func TestSweepRelationshipsMergesDuplicatesWithProvenance(t *testing.T) {
	mapping := map[string]string{"ent_a1": "golden_a", "ent_a2": "golden_a", "ent_b1": "golden_b"}
	rels := []RelationshipEdge{
		{ID: "rel_1", From: "ent_a1", To: "ent_b1", Type: "KNOWS"},
		{ID: "rel_2", From: "ent_a2", To: "ent_b1", Type: "KNOWS"},
	}
	sw := NewSweeper()
	out := sw.SweepRelationships(mapping, rels)

	require.Len(t, out, 1)
	assert.Equal(t, "golden_a", out[0].From)
	assert.Equal(t, "golden_b", out[0].To)
	require.Len(t, out[0].Provenance, 2)
	assert.Equal(t, "rel_1", out[0].Provenance[0].SourceID)
	assert.Equal(t, "rel_2", out[0].Provenance[1].SourceID)
}

func TestSweepRelationshipsPassesThroughUnmappedEdges(t *testing.T) {
	mapping := map[string]string{}
	rels := []RelationshipEdge{{ID: "rel_1", From: "x", To: "y", Type: "KNOWS"}}
	sw := NewSweeper()
	out := sw.SweepRelationships(mapping, rels)

	require.Len(t, out, 1)
	assert.Equal(t, "x", out[0].From)
	assert.Equal(t, "y", out[0].To)
}

func TestValidateMappingDetectsUnknownGoldenTarget(t *testing.T) {
	mapping := map[string]string{"a": "golden_x"}
	goldenIDs := map[string]bool{"golden_y": true}

	valid, errs := ValidateMapping(mapping, goldenIDs)
	assert.False(t, valid)
	require.Len(t, errs, 1)
}

func TestValidateMappingDetectsCycle(t *testing.T) {
	mapping := map[string]string{"a": "b", "b": "a"}
	goldenIDs := map[string]bool{}

	valid, errs := ValidateMapping(mapping, goldenIDs)
	assert.False(t, valid)
	assert.NotEmpty(t, errs)
}

func TestValidateMappingAcceptsValidMapping(t *testing.T) {
	mapping := map[string]string{"a": "golden_x", "b": "golden_x"}
	goldenIDs := map[string]bool{"golden_x": true}

	valid, errs := ValidateMapping(mapping, goldenIDs)
	assert.True(t, valid)
	assert.Empty(t, errs)
}
