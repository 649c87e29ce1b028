package store

import (
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// EntityObject is a materialized entity: its attribute map, keyed by
// attribute name, plus the entity_id under the reserved "id" key so
// callers don't need a side channel to know which entity a row came from.
type EntityObject = map[string]any

// OrderTerm is one (field, direction) pair from a query's order_by list.
type OrderTerm struct {
	Field      string
	Descending bool
}

// Aggregate requests a single aggregate computation over a query's result
// set, optionally partitioned by GroupBy.
type Aggregate struct {
	Func    string // count | sum | avg | min | max
	Field   string // ignored for count
	GroupBy string
}

// AggregateResult is one row of an aggregate query's output. Group is
// empty when GroupBy was not requested.
type AggregateResult struct {
	Group string
	Value float64
}

// QuerySpec is the store-level query shape QueryEntities accepts. The
// query engine builds one of these per root entity type from a parsed
// query tree.
type QuerySpec struct {
	EntityType string
	Where      map[string]any
	OrderBy    []OrderTerm
	Limit      *int // nil means no limit; zero or negative returns no rows
	Offset     int
	Aggregate  *Aggregate
}

// QueryEntities materializes entities of EntityType (or all entities, if
// EntityType is empty) by loading each one's current attribute map,
// applying Where, sorting, and paginating.
func (s *Store) QueryEntities(spec QuerySpec) ([]EntityObject, error) {
	entities, err := s.loadEntities(spec.EntityType)
	if err != nil {
		return nil, err
	}

	var filtered []EntityObject
	for _, e := range entities {
		ok, err := matchWhere(e, spec.Where)
		if err != nil {
			return nil, fmt.Errorf("evaluate where: %w", err)
		}
		if ok {
			filtered = append(filtered, e)
		}
	}

	sortEntities(filtered, spec.OrderBy)

	if spec.Offset > 0 {
		if spec.Offset >= len(filtered) {
			filtered = nil
		} else {
			filtered = filtered[spec.Offset:]
		}
	}
	if spec.Limit != nil {
		n := *spec.Limit
		if n <= 0 {
			return nil, nil
		}
		if n < len(filtered) {
			filtered = filtered[:n]
		}
	}
	return filtered, nil
}

// Aggregate runs an aggregate computation over the entities matching
// EntityType and Where; limit/offset/order_by are ignored, aggregates
// run over the full filtered set.
func (s *Store) Aggregate(spec QuerySpec) ([]AggregateResult, error) {
	if spec.Aggregate == nil {
		return nil, fmt.Errorf("aggregate: spec has no Aggregate")
	}
	entities, err := s.loadEntities(spec.EntityType)
	if err != nil {
		return nil, err
	}
	var filtered []EntityObject
	for _, e := range entities {
		ok, err := matchWhere(e, spec.Where)
		if err != nil {
			return nil, err
		}
		if ok {
			filtered = append(filtered, e)
		}
	}
	return computeAggregate(filtered, *spec.Aggregate)
}

// loadEntities collects every entity (optionally restricted to a
// __type) into its current attribute map, keyed by attribute name, with
// the entity's id stashed under "id".
func (s *Store) loadEntities(entityType string) ([]EntityObject, error) {
	var ids []string
	var err error
	if entityType != "" {
		ids, err = s.entityIDsOfType(entityType)
	} else {
		ids, err = s.allEntityIDs()
	}
	if err != nil {
		return nil, err
	}

	out := make([]EntityObject, 0, len(ids))
	for _, id := range ids {
		attrs, err := s.currentAttributesNoTx(id)
		if err != nil {
			return nil, err
		}
		attrs["id"] = id
		out = append(out, attrs)
	}
	return out, nil
}

// TypeOf returns the current __type value for entityID, used by the
// query engine to decide which cached queries a change event touches.
func (s *Store) TypeOf(entityID string) (string, bool, error) {
	var raw string
	err := s.conn.QueryRow(
		`SELECT value FROM triples WHERE entity_id = ? AND attribute = ? AND retracted = 0
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		entityID, TypeAttr,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query type: %w", err)
	}
	v, err := decodeValue([]byte(raw))
	if err != nil {
		return "", false, err
	}
	typ, ok := v.(string)
	return typ, ok, nil
}

// CurrentValue returns the newest non-retracted value for (entityID, attr),
// or ok=false if none exists. Exposed outside the package so the Sync
// Engine can read back what an apply actually committed — needed wherever
// the wire value isn't simply the operation's own input (Retract, Link,
// Unlink, Merge all combine with whatever value already existed).
func (s *Store) CurrentValue(entityID, attr string) (any, bool, error) {
	var raw string
	err := s.conn.QueryRow(
		`SELECT value FROM triples WHERE entity_id = ? AND attribute = ? AND retracted = 0
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		entityID, attr,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query current value: %w", err)
	}
	v, err := decodeValue([]byte(raw))
	if err != nil {
		return nil, false, fmt.Errorf("decode current value: %w", err)
	}
	return v, true, nil
}

func (s *Store) entityIDsOfType(entityType string) ([]string, error) {
	encodedType, err := encodeValue(entityType)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn.Query(
		`SELECT DISTINCT entity_id FROM triples WHERE attribute = ? AND retracted = 0 AND value = ?`,
		TypeAttr, string(encodedType),
	)
	if err != nil {
		return nil, fmt.Errorf("query entity ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) allEntityIDs() ([]string, error) {
	rows, err := s.conn.Query(`SELECT DISTINCT entity_id FROM triples WHERE retracted = 0`)
	if err != nil {
		return nil, fmt.Errorf("query entity ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// currentAttributesNoTx is currentAttributes without a surrounding
// sql.Tx, for read paths that don't need transactional isolation.
func (s *Store) currentAttributesNoTx(entityID string) (map[string]any, error) {
	rows, err := s.conn.Query(
		`SELECT attribute, value, created_at, rowid FROM triples WHERE entity_id = ? AND retracted = 0`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("select attributes: %w", err)
	}
	defer rows.Close()

	type best struct {
		raw       string
		createdAt int64
		rowid     int64
	}
	bestByAttr := make(map[string]best)
	for rows.Next() {
		var attr, raw string
		var createdAt, rowid int64
		if err := rows.Scan(&attr, &raw, &createdAt, &rowid); err != nil {
			return nil, err
		}
		cur, ok := bestByAttr[attr]
		if !ok || createdAt > cur.createdAt || (createdAt == cur.createdAt && rowid > cur.rowid) {
			bestByAttr[attr] = best{raw: raw, createdAt: createdAt, rowid: rowid}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(bestByAttr))
	for attr, b := range bestByAttr {
		v, err := decodeValue([]byte(b.raw))
		if err != nil {
			return nil, fmt.Errorf("decode attribute %q: %w", attr, err)
		}
		out[attr] = v
	}
	return out, nil
}

// asConditionList accepts either a native []map[string]any or a
// []any/[]interface{} of condition maps (the shape after a JSON round
// trip), so $and/$or work whether the query was built in Go or decoded.
func asConditionList(cond any) ([]map[string]any, bool) {
	switch v := cond.(type) {
	case []map[string]any:
		return v, true
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, m)
		}
		return out, true
	default:
		return nil, false
	}
}

// matchWhere evaluates a where condition map against one entity's
// attribute map. A nil/empty where matches everything.
func matchWhere(entity EntityObject, where map[string]any) (bool, error) {
	for key, cond := range where {
		switch key {
		case "$and":
			conds, ok := asConditionList(cond)
			if !ok {
				return false, fmt.Errorf("$and expects a list of conditions")
			}
			for _, c := range conds {
				ok, err := matchWhere(entity, c)
				if err != nil {
					return false, err
				}
				if !ok {
					return false, nil
				}
			}
			continue
		case "$or":
			conds, ok := asConditionList(cond)
			if !ok {
				return false, fmt.Errorf("$or expects a list of conditions")
			}
			matched := false
			for _, c := range conds {
				ok, err := matchWhere(entity, c)
				if err != nil {
					return false, err
				}
				if ok {
					matched = true
					break
				}
			}
			if !matched {
				return false, nil
			}
			continue
		case "$not":
			sub, ok := cond.(map[string]any)
			if !ok {
				return false, fmt.Errorf("$not expects a condition map")
			}
			ok2, err := matchWhere(entity, sub)
			if err != nil {
				return false, err
			}
			if ok2 {
				return false, nil
			}
			continue
		}

		fieldVal, exists := entity[key]
		ok, err := matchField(fieldVal, exists, cond)
		if err != nil {
			return false, fmt.Errorf("field %q: %w", key, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// matchField evaluates a single field's condition, which is either a bare
// value (deep equality) or an operator map.
func matchField(fieldVal any, exists bool, cond any) (bool, error) {
	opMap, isOpMap := cond.(map[string]any)
	if !isOpMap {
		if !exists {
			return false, nil
		}
		return valuesEqual(fieldVal, cond), nil
	}

	for op, operand := range opMap {
		var ok bool
		var err error
		switch op {
		case "$gt", "$gte", "$lt", "$lte":
			ok = compareOrdered(fieldVal, exists, operand, op)
		case "$ne":
			ok = !exists || !valuesEqual(fieldVal, operand)
		case "$in":
			ok = exists && inList(fieldVal, operand)
		case "$nin":
			ok = !exists || !inList(fieldVal, operand)
		case "$like":
			ok, err = matchLike(fieldVal, exists, operand, false)
		case "$ilike":
			ok, err = matchLike(fieldVal, exists, operand, true)
		case "$contains":
			ok = exists && arrayContains(fieldVal, operand)
		case "$size":
			ok, err = matchSize(fieldVal, exists, operand)
		case "$exists":
			want, _ := operand.(bool)
			ok = exists == want
		case "$isNull":
			want, _ := operand.(bool)
			// Matches attribute-absent as well as present-and-null.
			isNull := !exists || fieldVal == nil
			ok = isNull == want
		default:
			return false, fmt.Errorf("unknown operator %q", op)
		}
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func compareOrdered(fieldVal any, exists bool, operand any, op string) bool {
	if !exists || fieldVal == nil || operand == nil {
		return false
	}
	fv, fok := asFloat(fieldVal)
	ov, ook := asFloat(operand)
	if fok && ook {
		switch op {
		case "$gt":
			return fv > ov
		case "$gte":
			return fv >= ov
		case "$lt":
			return fv < ov
		case "$lte":
			return fv <= ov
		}
	}
	fs, fsok := fieldVal.(string)
	os, osok := operand.(string)
	if fsok && osok {
		switch op {
		case "$gt":
			return fs > os
		case "$gte":
			return fs >= os
		case "$lt":
			return fs < os
		case "$lte":
			return fs <= os
		}
	}
	return false
}

func inList(fieldVal, operand any) bool {
	list, ok := operand.([]any)
	if !ok {
		return false
	}
	for _, v := range list {
		if valuesEqual(fieldVal, v) {
			return true
		}
	}
	return false
}

func arrayContains(fieldVal, operand any) bool {
	list, ok := fieldVal.([]any)
	if !ok {
		return false
	}
	for _, v := range list {
		if valuesEqual(v, operand) {
			return true
		}
	}
	return false
}

func matchSize(fieldVal any, exists bool, operand any) (bool, error) {
	if !exists {
		return false, nil
	}
	var length int
	switch v := fieldVal.(type) {
	case []any:
		length = len(v)
	case string:
		length = len(v)
	default:
		return false, nil
	}
	if n, ok := asFloat(operand); ok {
		return float64(length) == n, nil
	}
	if opMap, ok := operand.(map[string]any); ok {
		return matchField(float64(length), true, opMap)
	}
	return false, fmt.Errorf("$size expects a number or operator map")
}

func matchLike(fieldVal any, exists bool, operand any, caseInsensitive bool) (bool, error) {
	if !exists {
		return false, nil
	}
	str, ok := fieldVal.(string)
	if !ok {
		return false, nil
	}
	pattern, ok := operand.(string)
	if !ok {
		return false, fmt.Errorf("$like expects a string pattern")
	}
	re, err := likeToRegexp(pattern, caseInsensitive)
	if err != nil {
		return false, err
	}
	return re.MatchString(str), nil
}

func likeToRegexp(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	var b strings.Builder
	if caseInsensitive {
		b.WriteString("(?i)")
	}
	b.WriteString("^")
	for _, r := range pattern {
		if r == '%' {
			b.WriteString(".*")
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// sortEntities orders entities in place by the given (field, direction)
// terms: nulls sort before non-nulls ascending, after descending;
// non-comparable types fall back to lexicographic comparison of their
// canonical JSON encoding.
func sortEntities(entities []EntityObject, orderBy []OrderTerm) {
	if len(orderBy) == 0 {
		return
	}
	sort.SliceStable(entities, func(i, j int) bool {
		for _, term := range orderBy {
			cmp := compareForSort(entities[i][term.Field], entities[j][term.Field])
			if cmp == 0 {
				continue
			}
			if term.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// compareForSort returns -1, 0, or 1. nil sorts lowest.
func compareForSort(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	ea, _ := encodeValue(a)
	eb, _ := encodeValue(b)
	return strings.Compare(string(ea), string(eb))
}

// computeAggregate implements count/sum/avg/min/max, optionally
// partitioned by GroupBy.
func computeAggregate(entities []EntityObject, agg Aggregate) ([]AggregateResult, error) {
	groups := map[string][]EntityObject{}
	if agg.GroupBy == "" {
		groups[""] = entities
	} else {
		for _, e := range entities {
			key := fmt.Sprintf("%v", e[agg.GroupBy])
			groups[key] = append(groups[key], e)
		}
	}

	var groupNames []string
	for g := range groups {
		groupNames = append(groupNames, g)
	}
	sort.Strings(groupNames)

	var out []AggregateResult
	for _, g := range groupNames {
		rows := groups[g]
		var value float64
		switch agg.Func {
		case "count":
			value = float64(len(rows))
		case "sum", "avg", "min", "max":
			var nums []float64
			for _, e := range rows {
				if n, ok := asFloat(e[agg.Field]); ok {
					nums = append(nums, n)
				}
			}
			switch agg.Func {
			case "sum":
				for _, n := range nums {
					value += n
				}
			case "avg":
				if len(nums) > 0 {
					var sum float64
					for _, n := range nums {
						sum += n
					}
					value = sum / float64(len(nums))
				}
			case "min":
				for i, n := range nums {
					if i == 0 || n < value {
						value = n
					}
				}
			case "max":
				for i, n := range nums {
					if i == 0 || n > value {
						value = n
					}
				}
			}
		default:
			return nil, fmt.Errorf("unknown aggregate function %q", agg.Func)
		}
		out = append(out, AggregateResult{Group: g, Value: value})
	}
	return out, nil
}
