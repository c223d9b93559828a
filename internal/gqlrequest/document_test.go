package gqlrequest

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParse_Metadata(t *testing.T) {
	tests := []struct {
		name             string
		query            string
		operationName    string
		wantType         string
		wantFields       int
		wantDepth        int
		wantResolvedName string
		wantErr          bool
	}{
		{
			name: "simple query",
			query: `query {
				property {
					id
					name
				}
			}`,
			wantType:         "query",
			wantFields:       3,
			wantDepth:        2,
			wantResolvedName: "<anonymous>",
		},
		{
			name: "named operation with variables",
			query: `query GetProperty($id: ID!, $first: Int) {
				property(id: $id) {
					metrics(first: $first) { periodEnd }
				}
			}`,
			operationName:    "GetProperty",
			wantType:         "query",
			wantFields:       3,
			wantDepth:        3,
			wantResolvedName: "GetProperty",
		},
		{
			name: "multiple operations without name is unresolved",
			query: `
				query A { property { id } }
				query B { properties { id } }
			`,
			wantErr: true,
		},
		{
			name:          "unknown operation name",
			query:         `query A { property { id } }`,
			operationName: "B",
			wantErr:       true,
		},
		{
			name:    "unknown fragment",
			query:   `{ property { ...Missing } }`,
			wantErr: true,
		},
		{
			name:    "malformed query",
			query:   `query { property { `,
			wantErr: true,
		},
		{
			name:    "empty query",
			query:   "  ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse(Envelope{Query: tt.query, OperationName: tt.operationName})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if doc.OperationType != tt.wantType {
				t.Fatalf("OperationType = %q, want %q", doc.OperationType, tt.wantType)
			}
			if doc.FieldCount != tt.wantFields {
				t.Fatalf("FieldCount = %d, want %d", doc.FieldCount, tt.wantFields)
			}
			if doc.SelectionDepth != tt.wantDepth {
				t.Fatalf("SelectionDepth = %d, want %d", doc.SelectionDepth, tt.wantDepth)
			}
			if doc.OperationName != tt.wantResolvedName {
				t.Fatalf("OperationName = %q, want %q", doc.OperationName, tt.wantResolvedName)
			}
			if doc.OperationHash == "" {
				t.Fatalf("expected operation hash")
			}
		})
	}
}

func TestParse_FragmentCycleSafe(t *testing.T) {
	query := `
		fragment A on Property {
			id
			...B
		}
		fragment B on Property {
			name
			...A
		}
		query {
			property {
				...A
			}
		}
	`
	doc, err := Parse(Envelope{Query: query})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if doc.FieldCount != 3 {
		t.Fatalf("FieldCount = %d, want %d", doc.FieldCount, 3)
	}
}

func TestParse_Variables(t *testing.T) {
	query := `query Q($first: Int = 4, $since: String) {
		property { metrics(first: $first) { periodEnd } }
	}`
	doc, err := Parse(Envelope{
		Query:        query,
		VariablesRaw: json.RawMessage(`{"since": "2024-01-01", "ids": [1, 2.5]}`),
	})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := doc.Variables["first"]; got != int64(4) {
		t.Fatalf("default first = %#v, want int64(4)", got)
	}
	if got := doc.Variables["since"]; got != "2024-01-01" {
		t.Fatalf("since = %#v", got)
	}
	ids, ok := doc.Variables["ids"].([]any)
	if !ok || len(ids) != 2 || ids[0] != int64(1) || ids[1] != 2.5 {
		t.Fatalf("ids = %#v, want [int64(1) 2.5]", doc.Variables["ids"])
	}

	if _, err := Parse(Envelope{Query: query, VariablesRaw: json.RawMessage(`[1]`)}); err == nil {
		t.Fatalf("expected error for non-object variables")
	}
}

func TestOperationHash_WhitespaceAndCommentsInsensitive(t *testing.T) {
	query1 := `
		query GetProperty {
			property { id name }
		}
	`
	query2 := `
		# comment
		query GetProperty { property { id name } }
	`

	a, err := Parse(Envelope{Query: query1})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	b, err := Parse(Envelope{Query: query2})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if a.OperationHash != b.OperationHash {
		t.Fatalf("hash mismatch for equivalent documents: %q vs %q", a.OperationHash, b.OperationHash)
	}
}

func TestOperationHash_MultiOperationSelection(t *testing.T) {
	query := `
		query A { property { id } }
		query B { properties { id name } }
	`
	a, err := Parse(Envelope{Query: query, OperationName: "A"})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	b, err := Parse(Envelope{Query: query, OperationName: "B"})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if a.OperationHash == b.OperationHash {
		t.Fatalf("expected different hashes for different selected operations")
	}
}

func TestFramedHashDisambiguatesTuples(t *testing.T) {
	hashA := framedHash("ab", "c")
	hashB := framedHash("a", "bc")
	if hashA == hashB {
		t.Fatalf("expected framed hash to disambiguate tuple boundaries")
	}
}

func TestOperationHash_FragmentPlacementInsensitive(t *testing.T) {
	before := `
		fragment B on Property { fieldB }
		fragment A on Property { fieldA }
		query Q { property { ...A ...B } }
	`
	after := `
		query Q { property { ...A ...B } }
		fragment A on Property { fieldA }
		fragment B on Property { fieldB }
		fragment Unused on Property { fieldC }
	`
	a, err := Parse(Envelope{Query: before})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	b, err := Parse(Envelope{Query: after})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if a.OperationHash != b.OperationHash {
		t.Fatalf("hash depends on fragment placement: %q vs %q", a.OperationHash, b.OperationHash)
	}
	if strings.Contains(b.CanonicalOperation, "Unused") {
		t.Fatalf("canonical operation includes unreferenced fragment:\n%s", b.CanonicalOperation)
	}
}

func TestRequestSetHash(t *testing.T) {
	doc, err := Parse(Envelope{Query: `query Q { properties { metrics { fieldA } } }`})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	base := WalkOptions{Path: "properties", ParentType: "Property", Parents: []any{int64(1), int64(2)}}

	tests := []struct {
		name string
		opts WalkOptions
		same bool
	}{
		{"identical", WalkOptions{Path: "properties", ParentType: "Property", Parents: []any{int64(1), int64(2)}}, true},
		{"string ids", WalkOptions{Path: "properties", ParentType: "Property", Parents: []any{"1", "2"}}, true},
		{"other path", WalkOptions{Path: "property", ParentType: "Property", Parents: []any{int64(1), int64(2)}}, false},
		{"other type", WalkOptions{Path: "properties", ParentType: "Portfolio", Parents: []any{int64(1), int64(2)}}, false},
		{"parent order", WalkOptions{Path: "properties", ParentType: "Property", Parents: []any{int64(2), int64(1)}}, false},
		{"fewer parents", WalkOptions{Path: "properties", ParentType: "Property", Parents: []any{int64(1)}}, false},
	}
	want := doc.RequestSetHash(base)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := doc.RequestSetHash(tt.opts)
			if (got == want) != tt.same {
				t.Fatalf("RequestSetHash() equal = %v, want %v", got == want, tt.same)
			}
		})
	}
}
