package druid

import (
	"github.com/caravel-bi/caravel/internal/domain"
)

// CompileFilters turns request filters into a Druid filter tree. Successive
// filters AND-combine; empty in-lists are dropped.
func CompileFilters(filters []domain.Filter) *Filter {
	var result *Filter
	for _, f := range filters {
		if f.IsEmpty() {
			continue
		}
		var cond *Filter
		switch f.Op {
		case domain.OpEquals:
			cond = Selector(f.Col, f.Val)
		case domain.OpNotEquals:
			cond = Not(Selector(f.Col, f.Val))
		case domain.OpIn, domain.OpNotIn:
			values := f.ValueList()
			if len(values) == 0 {
				continue
			}
			if len(values) == 1 {
				cond = Selector(f.Col, values[0])
			} else {
				fields := make([]*Filter, len(values))
				for i, v := range values {
					fields[i] = Selector(f.Col, v)
				}
				cond = &Filter{Type: "or", Fields: fields}
			}
			if f.Op == domain.OpNotIn {
				cond = Not(cond)
			}
		case domain.OpRegex:
			cond = Regex(f.Col, f.Val)
		default:
			continue
		}
		if result != nil {
			result = &Filter{Type: "and", Fields: []*Filter{cond, result}}
		} else {
			result = cond
		}
	}
	return result
}

// CompileHaving turns druid having-filters into a having tree. The
// supported operators are ==, >, < and their negated complements; equality
// on a dimension name becomes a dimension selector.
func CompileHaving(ds *domain.DruidDatasource, filters []domain.Filter) *Having {
	reversed := map[string]string{"!=": "==", ">=": "<", "<=": ">"}
	var result *Having
	for _, f := range filters {
		var cond *Having
		switch f.Op {
		case "==", ">", "<":
			cond = havingObj(ds, f.Col, f.Op, f.Val)
		default:
			if base, ok := reversed[f.Op]; ok {
				inner := havingObj(ds, f.Col, base, f.Val)
				if inner != nil {
					cond = &Having{Type: "not", HavingSpec: inner}
				}
			}
		}
		if cond == nil {
			continue
		}
		if result != nil {
			result = &Having{Type: "and", HavingSpecs: []*Having{result, cond}}
		} else {
			result = cond
		}
	}
	return result
}

func havingObj(ds *domain.DruidDatasource, col, op, val string) *Having {
	switch op {
	case "==":
		if ds.GetCol(col) != nil {
			return &Having{Type: "dimSelector", Dimension: col, Value: val}
		}
		return &Having{Type: "equalTo", Aggregation: col, Value: val}
	case ">":
		return &Having{Type: "greaterThan", Aggregation: col, Value: val}
	case "<":
		return &Having{Type: "lessThan", Aggregation: col, Value: val}
	}
	return nil
}
