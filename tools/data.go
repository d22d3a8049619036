package tools

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/lithammer/shortuuid/v4"
	"github.com/m4xw311/datapilot/config"
	"github.com/m4xw311/datapilot/errors"
	"github.com/m4xw311/datapilot/session"
)

// ColumnStats summarizes one column of a dataset.
type ColumnStats struct {
	Numeric  bool    `json:"numeric"`
	Min      float64 `json:"min,omitempty"`
	Max      float64 `json:"max,omitempty"`
	Mean     float64 `json:"mean,omitempty"`
	Distinct int     `json:"distinct,omitempty"`
}

// DataInfo is the structural profile of a tabular file, produced by the
// get_data_info tool and used as pre-flight context for the planner.
type DataInfo struct {
	FilePath           string                 `json:"file_path"`
	RowCount           int                    `json:"row_count"`
	ColumnCount        int                    `json:"column_count"`
	Columns            []string               `json:"columns"`
	NumericColumns     []string               `json:"numeric_columns"`
	CategoricalColumns []string               `json:"categorical_columns"`
	Stats              map[string]ColumnStats `json:"stats"`
	SampleRow          map[string]string      `json:"sample_row,omitempty"`
}

// DataToolset bundles the built-in tabular tools. All of them read and write
// CSV files under the configured access policy and record transformations in
// the session data registry.
type DataToolset struct {
	access   config.DataAccess
	registry *session.DataRegistry
}

// NewDataToolset creates the toolset.
func NewDataToolset(access config.DataAccess, registry *session.DataRegistry) *DataToolset {
	return &DataToolset{access: access, registry: registry}
}

// Tools returns the toolset's tool instances.
func (d *DataToolset) Tools() []Tool {
	return []Tool{
		&getDataInfoTool{d},
		&listColumnsTool{d},
		&filterRowsTool{d},
		&groupRowsTool{d},
	}
}

// LocalFileToolNames is the default binding for local-file requests.
func LocalFileToolNames() []string {
	return []string{"get_data_info", "list_columns", "filter_rows", "group_rows"}
}

func (d *DataToolset) checkAccess(path string) error {
	if len(d.access.Allowed) == 0 {
		return nil
	}
	for _, pattern := range d.access.Allowed {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return errors.Wrapf(err, "invalid access glob %q", pattern)
		}
		if match {
			return nil
		}
	}
	// Derived files in the work dir are always readable, the pipeline
	// produced them.
	if strings.HasPrefix(filepath.Clean(path), filepath.Clean(d.access.WorkDir)) {
		return nil
	}
	return errors.New("access denied: path %q is outside the allowed datasets", path)
}

func (d *DataToolset) readCSV(path string) (header []string, rows [][]string, err error) {
	if err := d.checkAccess(path); err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to parse %q", path)
	}
	if len(records) == 0 {
		return nil, nil, errors.New("file %q is empty", path)
	}
	return records[0], records[1:], nil
}

func (d *DataToolset) writeCSV(op string, header []string, rows [][]string) (string, error) {
	name := fmt.Sprintf("%s_%s.csv", op, shortuuid.New()[:8])
	path := filepath.Join(d.access.WorkDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create %q", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return "", errors.Wrapf(err, "failed to write header to %q", path)
	}
	if err := w.WriteAll(rows); err != nil {
		return "", errors.Wrapf(err, "failed to write rows to %q", path)
	}
	w.Flush()
	return path, w.Error()
}

// Profile computes the structural profile of a CSV file.
func (d *DataToolset) Profile(path string) (*DataInfo, error) {
	header, rows, err := d.readCSV(path)
	if err != nil {
		return nil, err
	}

	info := &DataInfo{
		FilePath:    path,
		RowCount:    len(rows),
		ColumnCount: len(header),
		Columns:     header,
		Stats:       make(map[string]ColumnStats, len(header)),
	}

	for i, col := range header {
		values := make([]string, 0, len(rows))
		for _, row := range rows {
			if i < len(row) {
				values = append(values, row[i])
			}
		}
		stats := profileColumn(values)
		info.Stats[col] = stats
		if stats.Numeric {
			info.NumericColumns = append(info.NumericColumns, col)
		} else {
			info.CategoricalColumns = append(info.CategoricalColumns, col)
		}
	}

	if len(rows) > 0 {
		sample := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rows[0]) {
				sample[col] = rows[0][i]
			}
		}
		info.SampleRow = sample
	}
	return info, nil
}

func profileColumn(values []string) ColumnStats {
	numeric := len(values) > 0
	var min, max, sum float64
	count := 0
	distinct := make(map[string]struct{})
	for _, v := range values {
		distinct[v] = struct{}{}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			numeric = false
			continue
		}
		if count == 0 || f < min {
			min = f
		}
		if count == 0 || f > max {
			max = f
		}
		sum += f
		count++
	}
	if numeric && count > 0 {
		return ColumnStats{Numeric: true, Min: min, Max: max, Mean: sum / float64(count)}
	}
	return ColumnStats{Distinct: len(distinct)}
}

// ─── get_data_info ───────────────────────────────────────────────────────────

type getDataInfoTool struct{ ds *DataToolset }

func (t *getDataInfoTool) Name() string { return "get_data_info" }
func (t *getDataInfoTool) Description() string {
	return "Profile a tabular (CSV) file: row count, columns, numeric vs categorical split, per-column statistics and one sample row."
}
func (t *getDataInfoTool) Schema() Schema {
	return Schema{
		Properties: map[string]Property{
			"file_path": {Type: "string", Description: "Path to the CSV file, or @current for the session's working dataset.", FilePath: true},
		},
		Required: []string{"file_path"},
	}
}

func (t *getDataInfoTool) Execute(ctx context.Context, args map[string]interface{}) Result {
	path, _ := args["file_path"].(string)
	info, err := t.ds.Profile(path)
	if err != nil {
		return Fail("get_data_info failed: %v", err)
	}
	return OK(info)
}

// ─── list_columns ────────────────────────────────────────────────────────────

type listColumnsTool struct{ ds *DataToolset }

func (t *listColumnsTool) Name() string { return "list_columns" }
func (t *listColumnsTool) Description() string {
	return "List the column names of a tabular (CSV) file."
}
func (t *listColumnsTool) Schema() Schema {
	return Schema{
		Properties: map[string]Property{
			"file_path": {Type: "string", Description: "Path to the CSV file, or @current.", FilePath: true},
		},
		Required: []string{"file_path"},
	}
}

func (t *listColumnsTool) Execute(ctx context.Context, args map[string]interface{}) Result {
	path, _ := args["file_path"].(string)
	header, _, err := t.ds.readCSV(path)
	if err != nil {
		return Fail("list_columns failed: %v", err)
	}
	return OK(map[string]interface{}{"file_path": path, "columns": header})
}

// ─── filter_rows ─────────────────────────────────────────────────────────────

type filterRowsTool struct{ ds *DataToolset }

func (t *filterRowsTool) Name() string { return "filter_rows" }
func (t *filterRowsTool) Description() string {
	return "Filter the rows of a CSV file by a column condition and save the result as a new file. The new file becomes the session's current dataset (@current)."
}
func (t *filterRowsTool) Schema() Schema {
	return Schema{
		Properties: map[string]Property{
			"file_path": {Type: "string", Description: "Path to the CSV file, or @current.", FilePath: true},
			"column":    {Type: "string", Description: "Column to test."},
			"op":        {Type: "string", Description: "Comparison: ==, !=, >, >=, <, <= or contains."},
			"value":     {Type: "string", Description: "Value to compare against."},
		},
		Required: []string{"file_path", "column", "op", "value"},
	}
}

func (t *filterRowsTool) Execute(ctx context.Context, args map[string]interface{}) Result {
	path, _ := args["file_path"].(string)
	column, _ := args["column"].(string)
	op, _ := args["op"].(string)
	value := fmt.Sprintf("%v", args["value"])

	header, rows, err := t.ds.readCSV(path)
	if err != nil {
		return Fail("filter_rows failed: %v", err)
	}
	idx := columnIndex(header, column)
	if idx < 0 {
		return Fail("filter_rows failed: column %q not found in %q", column, path)
	}

	var kept [][]string
	for _, row := range rows {
		if idx >= len(row) {
			continue
		}
		ok, err := compare(row[idx], op, value)
		if err != nil {
			return Fail("filter_rows failed: %v", err)
		}
		if ok {
			kept = append(kept, row)
		}
	}

	out, err := t.ds.writeCSV("filtered", header, kept)
	if err != nil {
		return Fail("filter_rows failed: %v", err)
	}

	desc := fmt.Sprintf("filter %s %s %s", column, op, value)
	t.ds.registry.Update(SessionID(ctx), path, out, "filter_rows", desc, map[string]interface{}{
		"rows_in":  len(rows),
		"rows_out": len(kept),
	})
	return OK(map[string]interface{}{
		"output_file":  out,
		"rows_scanned": len(rows),
		"rows_written": len(kept),
		"operation":    desc,
	})
}

func columnIndex(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}

func compare(cell, op, value string) (bool, error) {
	switch op {
	case "==", "eq":
		return cell == value, nil
	case "!=", "ne":
		return cell != value, nil
	case "contains":
		return strings.Contains(cell, value), nil
	}

	a, err1 := strconv.ParseFloat(strings.TrimSpace(cell), 64)
	b, err2 := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err1 != nil || err2 != nil {
		return false, errors.New("operator %q needs numeric operands (got %q, %q)", op, cell, value)
	}
	switch op {
	case ">", "gt":
		return a > b, nil
	case ">=", "gte":
		return a >= b, nil
	case "<", "lt":
		return a < b, nil
	case "<=", "lte":
		return a <= b, nil
	}
	return false, errors.New("unknown operator %q", op)
}

// ─── group_rows ──────────────────────────────────────────────────────────────

type groupRowsTool struct{ ds *DataToolset }

func (t *groupRowsTool) Name() string { return "group_rows" }
func (t *groupRowsTool) Description() string {
	return "Group a CSV file by a column and aggregate another column (count, sum, mean, min, max). Saves the result as a new file which becomes @current."
}
func (t *groupRowsTool) Schema() Schema {
	return Schema{
		Properties: map[string]Property{
			"file_path": {Type: "string", Description: "Path to the CSV file, or @current.", FilePath: true},
			"group_by":  {Type: "string", Description: "Column to group by."},
			"aggregate": {Type: "string", Description: "Column to aggregate. Ignored for count."},
			"func":      {Type: "string", Description: "Aggregation: count, sum, mean, min or max."},
		},
		Required: []string{"file_path", "group_by", "func"},
	}
}

func (t *groupRowsTool) Execute(ctx context.Context, args map[string]interface{}) Result {
	path, _ := args["file_path"].(string)
	groupBy, _ := args["group_by"].(string)
	aggCol, _ := args["aggregate"].(string)
	aggFn, _ := args["func"].(string)

	header, rows, err := t.ds.readCSV(path)
	if err != nil {
		return Fail("group_rows failed: %v", err)
	}
	gIdx := columnIndex(header, groupBy)
	if gIdx < 0 {
		return Fail("group_rows failed: column %q not found in %q", groupBy, path)
	}
	aIdx := -1
	if aggFn != "count" {
		aIdx = columnIndex(header, aggCol)
		if aIdx < 0 {
			return Fail("group_rows failed: aggregate column %q not found in %q", aggCol, path)
		}
	}

	type bucket struct {
		count int
		sum   float64
		min   float64
		max   float64
	}
	buckets := make(map[string]*bucket)
	for _, row := range rows {
		if gIdx >= len(row) {
			continue
		}
		key := row[gIdx]
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.count++
		if aIdx >= 0 && aIdx < len(row) {
			f, err := strconv.ParseFloat(strings.TrimSpace(row[aIdx]), 64)
			if err != nil {
				continue
			}
			if b.count == 1 || f < b.min {
				b.min = f
			}
			if b.count == 1 || f > b.max {
				b.max = f
			}
			b.sum += f
		}
	}

	resultCol := aggFn
	if aIdx >= 0 {
		resultCol = fmt.Sprintf("%s_%s", aggFn, aggCol)
	}
	outHeader := []string{groupBy, resultCol}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var outRows [][]string
	for _, k := range keys {
		b := buckets[k]
		var v float64
		switch aggFn {
		case "count":
			v = float64(b.count)
		case "sum":
			v = b.sum
		case "mean":
			v = b.sum / float64(b.count)
		case "min":
			v = b.min
		case "max":
			v = b.max
		default:
			return Fail("group_rows failed: unknown aggregation %q", aggFn)
		}
		outRows = append(outRows, []string{k, strconv.FormatFloat(v, 'f', -1, 64)})
	}

	out, err := t.ds.writeCSV("grouped", outHeader, outRows)
	if err != nil {
		return Fail("group_rows failed: %v", err)
	}

	desc := fmt.Sprintf("group by %s, %s(%s)", groupBy, aggFn, aggCol)
	t.ds.registry.Update(SessionID(ctx), path, out, "group_rows", desc, map[string]interface{}{
		"rows_in": len(rows),
		"groups":  len(outRows),
	})
	return OK(map[string]interface{}{
		"output_file": out,
		"groups":      len(outRows),
		"operation":   desc,
	})
}
