package lineage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/spindle-io/spindle/internal/storage"
)

// Direction selects which way a graph traversal walks.
type Direction string

// Traversal directions.
const (
	DirectionUpstream   Direction = "upstream"
	DirectionDownstream Direction = "downstream"
	DirectionBoth       Direction = "both"
)

// IsValid returns true when the direction is a known kind.
func (d Direction) IsValid() bool {
	switch d {
	case DirectionUpstream, DirectionDownstream, DirectionBoth:
		return true
	default:
		return false
	}
}

// Traversal depth limits. Callers passing zero get the default; nothing
// walks past the cap.
const (
	defaultGraphDepth  = 3
	defaultImpactDepth = 5
	defaultTraceDepth  = 5
	maxTraversalDepth  = 10

	// Layered layout spacing: one column of pixels per depth level, one
	// row per node within a level.
	layoutXSpacing = 200
	layoutYSpacing = 100
)

type (
	// Position is a layout hint for graph rendering.
	Position struct {
		X int `bson:"x" json:"x"`
		Y int `bson:"y" json:"y"`
	}

	// Node is one dataset in a lineage graph.
	Node struct {
		ID           storage.ID `json:"id"`
		Name         string     `json:"name"`
		DisplayName  string     `json:"display_name,omitempty"`
		NodeType     string     `json:"node_type"`
		Domain       string     `json:"domain,omitempty"`
		QualityScore float64    `json:"quality_score"`
		RecordCount  int64      `json:"record_count"`
		Depth        int        `json:"depth"`
		Position     Position   `json:"position"`
	}

	// GraphEdge is one edge of a rendered graph.
	GraphEdge struct {
		SourceID     storage.ID   `json:"source_id"`
		TargetID     storage.ID   `json:"target_id"`
		Relationship Relationship `json:"relationship"`
	}

	// Graph is a rendered lineage neighborhood around a root dataset.
	Graph struct {
		RootID      storage.ID  `json:"root_id"`
		Direction   Direction   `json:"direction"`
		MaxDepth    int         `json:"max_depth"`
		Nodes       []Node      `json:"nodes"`
		Edges       []GraphEdge `json:"edges"`
		GeneratedAt time.Time   `json:"generated_at"`
	}

	// AffectedDataset is one downstream dataset in an impact analysis.
	AffectedDataset struct {
		DatasetID    storage.ID   `json:"dataset_id"`
		Name         string       `json:"name"`
		Depth        int          `json:"depth"`
		ImpactType   string       `json:"impact_type"`
		Relationship Relationship `json:"relationship"`
	}

	// ColumnImpact is one column-level consequence of changing the
	// analyzed dataset.
	ColumnImpact struct {
		DatasetID      storage.ID `json:"dataset_id"`
		DatasetName    string     `json:"dataset_name"`
		SourceColumn   string     `json:"source_column"`
		TargetColumn   string     `json:"target_column"`
		Transformation string     `json:"transformation,omitempty"`
		Depth          int        `json:"depth"`
	}

	// Impact is the result of a downstream impact analysis.
	Impact struct {
		DatasetID     storage.ID        `json:"dataset_id"`
		DatasetName   string            `json:"dataset_name"`
		TotalAffected int               `json:"total_affected"`
		Affected      []AffectedDataset `json:"affected"`
		ColumnImpacts []ColumnImpact    `json:"column_impacts,omitempty"`
		CriticalPaths [][]string        `json:"critical_paths,omitempty"`
		AnalyzedAt    time.Time         `json:"analyzed_at"`
	}

	// ColumnOrigin is one terminal ancestor of a traced column. Path
	// lists "dataset.column" steps from the queried column back to the
	// origin.
	ColumnOrigin struct {
		DatasetID   storage.ID `json:"dataset_id"`
		DatasetName string     `json:"dataset_name"`
		Column      string     `json:"column"`
		Path        []string   `json:"path"`
		Depth       int        `json:"depth"`
	}
)

// BuildGraph walks the lineage neighborhood around a root dataset with a
// breadth-first search and returns nodes with layered layout positions
// (x grows with depth, y with insertion order within a level). A visited
// set keeps cycles from looping the walk.
func (s *Service) BuildGraph(ctx context.Context, rootID string, direction Direction, maxDepth int) (*Graph, error) {
	id, err := storage.ParseID(rootID)
	if err != nil {
		return nil, err
	}

	if direction == "" {
		direction = DirectionBoth
	}

	if !direction.IsValid() {
		return nil, fmt.Errorf("%w: unknown direction %q", ErrValidation, direction)
	}

	maxDepth = clampDepth(maxDepth, defaultGraphDepth)

	graph := &Graph{
		RootID:      id,
		Direction:   direction,
		MaxDepth:    maxDepth,
		Nodes:       make([]Node, 0),
		Edges:       make([]GraphEdge, 0),
		GeneratedAt: s.now(),
	}

	visited := make(map[storage.ID]bool)
	seenEdges := make(map[storage.ID]bool)
	levelCount := make(map[int]int)

	frontier := []storage.ID{id}
	visited[id] = true

	for depth := 0; len(frontier) > 0; depth++ {
		if err := s.appendNodes(ctx, graph, frontier, depth, levelCount); err != nil {
			return nil, err
		}

		if depth == maxDepth {
			break
		}

		edges, err := s.frontierEdges(ctx, frontier, direction)
		if err != nil {
			return nil, err
		}

		var next []storage.ID

		for _, e := range edges {
			if seenEdges[e.ID] {
				continue
			}

			seenEdges[e.ID] = true

			graph.Edges = append(graph.Edges, GraphEdge{
				SourceID:     e.SourceID,
				TargetID:     e.TargetID,
				Relationship: e.Relationship,
			})

			for _, endpoint := range []storage.ID{e.SourceID, e.TargetID} {
				if !visited[endpoint] {
					visited[endpoint] = true

					next = append(next, endpoint)
				}
			}
		}

		frontier = next
	}

	return graph, nil
}

// AnalyzeImpact walks downstream from a dataset with a depth-first search
// and reports every affected dataset, per-column impacts from edge
// mappings, and the longest root-to-leaf paths (top 10 by length).
func (s *Service) AnalyzeImpact(ctx context.Context, datasetID string, includeColumns bool, maxDepth int) (*Impact, error) {
	id, err := storage.ParseID(datasetID)
	if err != nil {
		return nil, err
	}

	root, err := s.catalog.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	maxDepth = clampDepth(maxDepth, defaultImpactDepth)

	impact := &Impact{
		DatasetID:   id,
		DatasetName: root.Name,
		Affected:    make([]AffectedDataset, 0),
		AnalyzedAt:  s.now(),
	}

	visited := map[storage.ID]bool{id: true}

	var paths [][]string

	path := []string{root.Name}

	var walk func(from storage.ID, depth int) error

	walk = func(from storage.ID, depth int) error {
		edges, err := s.outgoingEdges(ctx, from)
		if err != nil {
			return err
		}

		if len(edges) == 0 {
			if len(path) > 1 {
				paths = append(paths, append([]string(nil), path...))
			}

			return nil
		}

		if depth == maxDepth {
			return nil
		}

		for _, e := range edges {
			if includeColumns {
				for _, m := range e.ColumnMappings {
					impact.ColumnImpacts = append(impact.ColumnImpacts, ColumnImpact{
						DatasetID:      e.TargetID,
						DatasetName:    e.TargetName,
						SourceColumn:   m.SourceColumn,
						TargetColumn:   m.TargetColumn,
						Transformation: m.Transformation,
						Depth:          depth + 1,
					})
				}
			}

			if visited[e.TargetID] {
				continue
			}

			visited[e.TargetID] = true

			impact.Affected = append(impact.Affected, AffectedDataset{
				DatasetID:    e.TargetID,
				Name:         e.TargetName,
				Depth:        depth + 1,
				ImpactType:   impactType(depth + 1),
				Relationship: e.Relationship,
			})

			path = append(path, e.TargetName)

			if err := walk(e.TargetID, depth+1); err != nil {
				return err
			}

			path = path[:len(path)-1]
		}

		return nil
	}

	if err := walk(id, 0); err != nil {
		return nil, err
	}

	impact.TotalAffected = len(impact.Affected)

	sort.SliceStable(paths, func(i, j int) bool {
		return len(paths[i]) > len(paths[j])
	})

	if len(paths) > 10 {
		paths = paths[:10]
	}

	impact.CriticalPaths = paths

	return impact, nil
}

// FindPaths enumerates every simple path from src to tgt over outgoing
// edges, breadth-first, up to maxDepth hops. Paths are dataset name
// sequences.
func (s *Service) FindPaths(ctx context.Context, sourceID, targetID string, maxDepth int) ([][]string, error) {
	srcID, err := storage.ParseID(sourceID)
	if err != nil {
		return nil, err
	}

	tgtID, err := storage.ParseID(targetID)
	if err != nil {
		return nil, err
	}

	src, err := s.catalog.GetDataset(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	maxDepth = clampDepth(maxDepth, defaultImpactDepth)

	type state struct {
		ids   []storage.ID
		names []string
	}

	queue := []state{{ids: []storage.ID{srcID}, names: []string{src.Name}}}

	var found [][]string

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if len(cur.ids)-1 >= maxDepth {
			continue
		}

		edges, err := s.outgoingEdges(ctx, cur.ids[len(cur.ids)-1])
		if err != nil {
			return nil, err
		}

	nextEdge:
		for _, e := range edges {
			for _, seen := range cur.ids {
				if seen == e.TargetID {
					continue nextEdge
				}
			}

			names := append(append([]string(nil), cur.names...), e.TargetName)

			if e.TargetID == tgtID {
				found = append(found, names)

				continue
			}

			ids := append(append([]storage.ID(nil), cur.ids...), e.TargetID)
			queue = append(queue, state{ids: ids, names: names})
		}
	}

	return found, nil
}

// ShortestPath returns the hop-minimal path from src to tgt over outgoing
// edges, or nil when no path exists.
func (s *Service) ShortestPath(ctx context.Context, sourceID, targetID string) ([]string, error) {
	paths, err := s.FindPaths(ctx, sourceID, targetID, maxTraversalDepth)
	if err != nil {
		return nil, err
	}

	if len(paths) == 0 {
		return nil, nil
	}

	// FindPaths is breadth-first, so the first hit is hop-minimal.
	return paths[0], nil
}

// TraceColumnOrigin walks column_lineage transitively upstream from one
// column and returns every ancestor column where the chain terminates.
func (s *Service) TraceColumnOrigin(ctx context.Context, datasetID, column string, maxDepth int) ([]ColumnOrigin, error) {
	id, err := storage.ParseID(datasetID)
	if err != nil {
		return nil, err
	}

	if column == "" {
		return nil, fmt.Errorf("%w: column name is required", ErrValidation)
	}

	d, err := s.catalog.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	maxDepth = clampDepth(maxDepth, defaultTraceDepth)

	type key struct {
		id  storage.ID
		col string
	}

	visited := map[key]bool{{id, column}: true}

	var origins []ColumnOrigin

	var walk func(dsID storage.ID, dsName, col string, path []string, depth int) error

	walk = func(dsID storage.ID, dsName, col string, path []string, depth int) error {
		var rows []columnEdge

		filter := bson.M{"target_dataset_id": dsID, "target_column": col}
		if err := s.columns.Find(ctx, filter, &rows); err != nil {
			return err
		}

		if len(rows) == 0 {
			if depth > 0 {
				origins = append(origins, ColumnOrigin{
					DatasetID:   dsID,
					DatasetName: dsName,
					Column:      col,
					Path:        append([]string(nil), path...),
					Depth:       depth,
				})
			}

			return nil
		}

		if depth == maxDepth {
			return nil
		}

		for _, row := range rows {
			k := key{row.SourceDatasetID, row.SourceColumn}
			if visited[k] {
				continue
			}

			visited[k] = true

			step := row.SourceDatasetName + "." + row.SourceColumn

			if err := walk(row.SourceDatasetID, row.SourceDatasetName, row.SourceColumn,
				append(path, step), depth+1); err != nil {
				return err
			}
		}

		return nil
	}

	start := []string{d.Name + "." + column}
	if err := walk(id, d.Name, column, start, 0); err != nil {
		return nil, err
	}

	return origins, nil
}

// appendNodes materializes one BFS level of graph nodes with layout
// positions.
func (s *Service) appendNodes(ctx context.Context, graph *Graph, ids []storage.ID, depth int, levelCount map[int]int) error {
	datasets, err := s.catalog.GetDatasetsByIDs(ctx, ids)
	if err != nil {
		return err
	}

	byID := make(map[storage.ID]int, len(datasets))
	for i := range datasets {
		byID[datasets[i].ID] = i
	}

	// Keep frontier order, not query order, so layout is deterministic.
	for _, id := range ids {
		i, ok := byID[id]
		if !ok {
			continue
		}

		d := &datasets[i]

		graph.Nodes = append(graph.Nodes, Node{
			ID:           d.ID,
			Name:         d.Name,
			DisplayName:  d.DisplayName,
			NodeType:     string(d.Type),
			Domain:       d.Domain,
			QualityScore: d.QualityScore(),
			RecordCount:  d.RecordCount,
			Depth:        depth,
			Position: Position{
				X: depth * layoutXSpacing,
				Y: levelCount[depth] * layoutYSpacing,
			},
		})

		levelCount[depth]++
	}

	return nil
}

// frontierEdges loads the dataset-level edges touching a BFS frontier in
// the walk direction.
func (s *Service) frontierEdges(ctx context.Context, frontier []storage.ID, direction Direction) ([]Edge, error) {
	in := bson.M{"$in": frontier}

	var filter bson.M

	switch direction {
	case DirectionDownstream:
		filter = bson.M{"scope": edgeScope, "source_id": in}
	case DirectionUpstream:
		filter = bson.M{"scope": edgeScope, "target_id": in}
	default:
		filter = bson.M{"scope": edgeScope, "$or": []bson.M{
			{"source_id": in},
			{"target_id": in},
		}}
	}

	var edges []Edge
	if err := s.edges.Find(ctx, filter, &edges); err != nil {
		return nil, err
	}

	return edges, nil
}

// outgoingEdges loads the dataset-level edges leaving one dataset.
func (s *Service) outgoingEdges(ctx context.Context, id storage.ID) ([]Edge, error) {
	var edges []Edge
	if err := s.edges.Find(ctx, bson.M{"scope": edgeScope, "source_id": id}, &edges); err != nil {
		return nil, err
	}

	return edges, nil
}

// impactType labels direct dependencies apart from transitive ones.
func impactType(depth int) string {
	if depth == 1 {
		return "direct"
	}

	return "indirect"
}

// clampDepth applies the default and the traversal cap.
func clampDepth(depth, def int) int {
	if depth <= 0 {
		depth = def
	}

	if depth > maxTraversalDepth {
		depth = maxTraversalDepth
	}

	return depth
}
