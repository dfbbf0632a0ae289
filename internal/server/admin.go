package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/pipelinedb/cq/internal/analyzer"
	"github.com/pipelinedb/cq/internal/combineagg"
	"github.com/pipelinedb/cq/internal/ddl"
	"github.com/pipelinedb/cq/internal/types"
	"github.com/pipelinedb/cq/internal/util/ident"
)

// The admin listener is the runtime entry point to the DDL surface:
// the host SQL grammar is an external collaborator (spec.md §1), so
// cqd accepts the already-parsed shape of a CREATE CONTINUOUS VIEW as
// a typed JSON document and hands it to internal/ddl. Reads of a
// view go through the overlay semantics, including the combine(col)
// pseudo-aggregate resolved by internal/combineagg.

// targetSpec is one target-list entry of a createViewRequest: either
// a bare column reference or an aggregate call.
type targetSpec struct {
	Name     string `json:"name"`
	Column   string `json:"column,omitempty"`
	Agg      string `json:"agg,omitempty"`
	Arg      string `json:"arg,omitempty"`
	Distinct bool   `json:"distinct,omitempty"`
}

// createViewRequest is the POST /ddl/views body.
type createViewRequest struct {
	Name       string       `json:"name"`
	Action     string       `json:"action,omitempty"` // materialize|transform|dumped
	StepFactor int          `json:"step_factor,omitempty"`
	From       string       `json:"from"`
	Targets    []targetSpec `json:"targets"`
	GroupBy    []string     `json:"group_by,omitempty"`

	// SlidingColumn/Window express the WITH (sw = ..., sw_column = ...)
	// options as the clock-timestamp predicate they desugar to.
	SlidingColumn string `json:"sliding_column,omitempty"`
	Window        string `json:"window,omitempty"`
}

// buildSelectStmt converts the wire shape into the analyzer's typed
// tree, including the sliding predicate in the exact form rule 6
// recognizes.
func buildSelectStmt(req *createViewRequest) (*analyzer.SelectStmt, error) {
	if req.From == "" {
		return nil, errors.New("from is required")
	}
	stmt := &analyzer.SelectStmt{
		From:    []analyzer.RangeVar{{Relation: ident.ParseTable(req.From)}},
		GroupBy: req.GroupBy,
	}
	for _, t := range req.Targets {
		switch {
		case t.Agg != "":
			var arg analyzer.Expr = analyzer.Star{}
			if t.Arg != "" && t.Arg != "*" {
				arg = analyzer.ColumnRef{Name: t.Arg}
			}
			stmt.Targets = append(stmt.Targets, analyzer.Target{
				Name: t.Name,
				Expr: analyzer.AggCall{Name: t.Agg, Distinct: t.Distinct, Arg: arg},
			})
		case t.Column != "":
			stmt.Targets = append(stmt.Targets, analyzer.Target{
				Name: t.Name,
				Expr: analyzer.ColumnRef{Name: t.Column},
			})
		default:
			return nil, errors.Errorf("target %q names neither a column nor an aggregate", t.Name)
		}
	}
	if req.SlidingColumn != "" {
		window, err := time.ParseDuration(req.Window)
		if err != nil {
			return nil, errors.Wrap(err, "bad window")
		}
		stmt.Where = analyzer.CompareExpr{
			Op:   ">",
			Left: analyzer.ColumnRef{Name: req.SlidingColumn},
			Right: analyzer.ArithExpr{
				Op:    "-",
				Left:  analyzer.ClockTimestampCall{},
				Right: analyzer.Literal{Value: window},
			},
		}
	}
	return stmt, nil
}

func parseAction(s string) (types.Action, error) {
	switch s {
	case "", "materialize":
		return types.ActionMaterialize, nil
	case "transform":
		return types.ActionTransform, nil
	case "dumped":
		return types.ActionDumped, nil
	}
	return 0, errors.Errorf("unknown action %q", s)
}

// registerAdminHandlers mounts the DDL and read endpoints on the
// admin mux.
func (s *Server) registerAdminHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/ddl/views", s.handleCreateView)
	mux.HandleFunc("/ddl/views/", s.handleViewByID)
	mux.HandleFunc("/views/", s.handleViewRead)
}

func (s *Server) handleCreateView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createViewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stmt, err := buildSelectStmt(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	action, err := parseAction(req.Action)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cq, err := s.ddl.CreateContinuousView(r.Context(), ident.ParseTable(req.Name), stmt, ddl.CreateOptions{
		Action:     action,
		StepFactor: req.StepFactor,
	})
	if err != nil {
		http.Error(w, err.Error(), ddlStatus(err))
		return
	}

	stop := s.stopCtx()
	if stop == nil {
		http.Error(w, "server not running", http.StatusServiceUnavailable)
		return
	}
	if err := s.StartCV(stop, cq); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("content-type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": cq.ID, "matrel": cq.Matrel.String()})
}

func (s *Server) handleViewByID(w http.ResponseWriter, r *http.Request) {
	id, ok := viewID(w, r, "/ddl/views/")
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodDelete:
		s.StopCV(id)
		if err := s.ddl.DropContinuousView(r.Context(), id); err != nil {
			http.Error(w, err.Error(), ddlStatus(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPatch:
		var opts ddl.AlterOptions
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cq, err := s.ddl.AlterContinuousView(r.Context(), id, opts)
		if err != nil {
			http.Error(w, err.Error(), ddlStatus(err))
			return
		}
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": cq.ID, "step_factor": cq.StepFactor})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleViewRead serves GET /views/{id}: the overlay read (finalized
// rows, with the sliding predicate reverse-applied), or — with
// ?combine=<col> — the combine(col) pseudo-aggregate merged across
// every visible row's transition state (spec.md §4.5, §8 seed
// scenario 4).
func (s *Server) handleViewRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := viewID(w, r, "/views/")
	if !ok {
		return
	}
	cq, found, err := s.cache.LookupContQuery(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found || cq.Query == nil {
		http.Error(w, "no such continuous view", http.StatusNotFound)
		return
	}

	if col := r.URL.Query().Get("combine"); col != "" {
		value, err := s.combineColumn(r.Context(), cq, col)
		if err != nil {
			http.Error(w, err.Error(), ddlStatus(err))
			return
		}
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{col: value})
		return
	}

	rows, err := s.overlayRows(r.Context(), cq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

// overlayRows materializes the overlay view: every live matrel row
// with group columns named and transition states finalized (spec.md
// §4.4 step 7).
func (s *Server) overlayRows(ctx context.Context, cq *types.ContQuery) ([]map[string]any, error) {
	rows := []map[string]any{}
	err := s.matrels.Scan(ctx, cq.ID, func(row types.MatrelRow) error {
		if !s.visibleInWindow(cq, row) {
			return nil
		}
		out := map[string]any{}
		for i, name := range cq.Query.GroupColumns {
			if i < len(row.GroupValues) {
				out[name] = row.GroupValues[i]
			}
		}
		for i, agg := range cq.Query.Aggregates {
			if i >= len(row.States) {
				break
			}
			v := row.States[i]
			if proto, err := s.registry.LookupStreaming(agg.Name); err == nil {
				v = proto.Finalize(v)
			}
			out[agg.Column] = v
		}
		rows = append(rows, out)
		return nil
	})
	return rows, err
}

// combineColumn merges the named column's transition states across
// every visible matrel row and finalizes the result, driving the
// combine-aggregate resolver the way a user query's combine(col)
// does.
func (s *Server) combineColumn(ctx context.Context, cq *types.ContQuery, column string) (any, error) {
	res, err := s.resolver.Resolve(ctx, combineagg.Target{Matrel: cq.Matrel, Column: column})
	if err != nil {
		return nil, err
	}
	// MatrelRow.States is ordered by Aggregates, not by target-list
	// position, so locate the column's aggregate slot by name.
	stateIdx := -1
	for i, agg := range cq.Query.Aggregates {
		if agg.Column == column {
			stateIdx = i
			break
		}
	}
	if stateIdx < 0 {
		return nil, types.NewLookupMissError(column)
	}

	var state any
	var seen bool
	err = s.matrels.Scan(ctx, res.CV, func(row types.MatrelRow) error {
		if !s.visibleInWindow(cq, row) {
			return nil
		}
		if stateIdx >= len(row.States) {
			return nil
		}
		if !seen {
			state = row.States[stateIdx]
			seen = true
			return nil
		}
		state = res.Protocol.Combine(state, row.States[stateIdx])
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !seen {
		return nil, nil
	}
	return res.Protocol.Finalize(state), nil
}

// visibleInWindow reverse-applies a sliding CV's window predicate on
// read: a matrel row whose truncated bucket has fallen out of the
// window contributes nothing even before vacuum removes it.
func (s *Server) visibleInWindow(cq *types.ContQuery, row types.MatrelRow) bool {
	if !cq.IsSliding() || cq.Query.TruncatedColumn == "" {
		return true
	}
	idx := columnIndex(cq.Query.GroupColumns, cq.Query.TruncatedColumn)
	if idx < 0 || idx >= len(row.GroupValues) {
		return true
	}
	at, ok := row.GroupValues[idx].(time.Time)
	if !ok {
		return true
	}
	return at.Add(cq.Window + cq.StepDuration()).After(time.Now())
}

func viewID(w http.ResponseWriter, r *http.Request, prefix string) (types.CVID, bool) {
	raw := strings.TrimPrefix(r.URL.Path, prefix)
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || n <= 0 {
		http.Error(w, "bad continuous view id", http.StatusBadRequest)
		return 0, false
	}
	return types.CVID(n), true
}

// ddlStatus maps the typed error kinds of spec.md §7 onto response
// codes: user-shaped rejections are 4xx, everything else 500.
func ddlStatus(err error) int {
	var analysis *types.AnalysisError
	var miss *types.LookupMissError
	switch {
	case errors.As(err, &analysis):
		return http.StatusUnprocessableEntity
	case errors.As(err, &miss):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
