package retrieval

import (
	"fmt"
)

// FilterOp 过滤操作类型
type FilterOp int

const (
	OpEquals FilterOp = iota
	OpIn
	OpAnd
	OpOr
)

// Filter 元数据过滤条件。标签联合结构，
// 由各后端编译为自己的原生查询形态（布尔表达式/JSON子句/SQL条件）。
type Filter struct {
	Op       FilterOp
	Key      string
	Value    string
	Values   []string
	Children []*Filter
}

// Equals 构造等值条件
func Equals(key, value string) *Filter {
	return &Filter{Op: OpEquals, Key: key, Value: value}
}

// In 构造集合包含条件
func In(key string, values ...string) *Filter {
	return &Filter{Op: OpIn, Key: key, Values: values}
}

// And 构造与条件
func And(filters ...*Filter) *Filter {
	return &Filter{Op: OpAnd, Children: filters}
}

// Or 构造或条件
func Or(filters ...*Filter) *Filter {
	return &Filter{Op: OpOr, Children: filters}
}

// Validate 校验过滤器结构
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	switch f.Op {
	case OpEquals:
		if f.Key == "" {
			return fmt.Errorf("equals filter requires a key")
		}
	case OpIn:
		if f.Key == "" {
			return fmt.Errorf("in filter requires a key")
		}
		if len(f.Values) == 0 {
			return fmt.Errorf("in filter requires at least one value")
		}
	case OpAnd, OpOr:
		if len(f.Children) == 0 {
			return fmt.Errorf("composite filter requires at least one child")
		}
		for _, child := range f.Children {
			if child == nil {
				return fmt.Errorf("composite filter contains nil child")
			}
			if err := child.Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown filter op %d", f.Op)
	}
	return nil
}

// Matches 在内存中对元数据求值。nil过滤器匹配一切。
func (f *Filter) Matches(meta map[string]string) bool {
	if f == nil {
		return true
	}
	switch f.Op {
	case OpEquals:
		return meta[f.Key] == f.Value
	case OpIn:
		got, ok := meta[f.Key]
		if !ok {
			return false
		}
		for _, v := range f.Values {
			if got == v {
				return true
			}
		}
		return false
	case OpAnd:
		for _, child := range f.Children {
			if !child.Matches(meta) {
				return false
			}
		}
		return true
	case OpOr:
		for _, child := range f.Children {
			if child.Matches(meta) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
