package main

import (
	"relbatch/internal/batch"
	"relbatch/internal/engine"
	"relbatch/internal/gqlrequest"
)

type queryJSON struct {
	Shape   string `json:"shape"`
	SQL     string `json:"sql"`
	Args    []any  `json:"args"`
	Parents int    `json:"parents"`
}

type groupJSON struct {
	Relation string      `json:"relation"`
	Strategy string      `json:"strategy"`
	Aliases  []string    `json:"aliases"`
	Parents  int         `json:"parents"`
	Fields   []string    `json:"fields"`
	Window   int         `json:"window"`
	Queries  []queryJSON `json:"queries"`
	Error    string      `json:"error,omitempty"`
}

type explainJSON struct {
	Operation       string      `json:"operation"`
	OperationHash   string      `json:"operation_hash"`
	RequestSetHash  string      `json:"request_set_hash"`
	Requests        int         `json:"requests"`
	LogicalRequests int         `json:"logical_requests"`
	Divergent       int         `json:"divergent"`
	QueryCount      int         `json:"query_count"`
	Groups          []groupJSON `json:"groups"`
}

type slotJSON struct {
	Relation string      `json:"relation"`
	Alias    string      `json:"alias"`
	Parent   any         `json:"parent"`
	Rows     []batch.Row `json:"rows"`
	Error    string      `json:"error,omitempty"`
}

type loadJSON struct {
	Operation      string     `json:"operation"`
	OperationHash  string     `json:"operation_hash"`
	RequestSetHash string     `json:"request_set_hash"`
	ExecutionID    string     `json:"execution_id"`
	Slots          []slotJSON `json:"slots"`
}

func explainOutput(doc *gqlrequest.Document, setHash string, requests int, x *engine.Explain) explainJSON {
	out := explainJSON{
		Operation:       doc.OperationName,
		OperationHash:   doc.OperationHash,
		RequestSetHash:  setHash,
		Requests:        requests,
		LogicalRequests: len(x.Merged.Requests),
		Divergent:       x.Merged.DivergentCount(),
		QueryCount:      x.QueryCount(),
		Groups:          make([]groupJSON, 0, len(x.Plans)),
	}
	for _, p := range x.Plans {
		g := groupJSON{
			Relation: p.Group.Relation(),
			Strategy: string(p.Strategy),
			Aliases:  p.Group.Aliases,
			Parents:  len(p.Group.Parents),
			Fields:   p.Group.Fields,
			Window:   p.Window,
			Queries:  []queryJSON{},
		}
		if p.Err != nil {
			g.Error = p.Err.Error()
		}
		for _, f := range p.Fetches {
			if f.Query.SQL == "" {
				continue
			}
			g.Queries = append(g.Queries, queryJSON{
				Shape:   string(f.Shape),
				SQL:     f.Query.SQL,
				Args:    f.Query.Args,
				Parents: len(f.Parents),
			})
		}
		out.Groups = append(out.Groups, g)
	}
	return out
}

func loadOutput(doc *gqlrequest.Document, setHash, executionID string, slots []*batch.ResultSlot) loadJSON {
	out := loadJSON{
		Operation:      doc.OperationName,
		OperationHash:  doc.OperationHash,
		RequestSetHash: setHash,
		ExecutionID:    executionID,
		Slots:          make([]slotJSON, 0, len(slots)),
	}
	for _, s := range slots {
		js := slotJSON{
			Relation: batch.RelationName(s.Identity.ParentType, s.Identity.RelationField),
			Alias:    s.Identity.Alias,
			Parent:   s.ParentID,
			Rows:     s.Rows,
		}
		if js.Rows == nil {
			js.Rows = []batch.Row{}
		}
		if s.Err != nil {
			js.Error = s.Err.Error()
		}
		out.Slots = append(out.Slots, js)
	}
	return out
}
