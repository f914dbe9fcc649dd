package Transformer

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// FieldType 属性列类型
type FieldType int

const (
	FieldUnknown FieldType = iota
	FieldBoolean
	FieldInteger
	FieldDouble
	FieldText
)

func (t FieldType) SQL() string {
	switch t {
	case FieldBoolean:
		return "BOOLEAN"
	case FieldInteger:
		return "BIGINT"
	case FieldDouble:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}

func (t FieldType) String() string {
	switch t {
	case FieldBoolean:
		return "boolean"
	case FieldInteger:
		return "integer"
	case FieldDouble:
		return "double"
	case FieldText:
		return "text"
	default:
		return "unknown"
	}
}

// UnifyFieldType 合并两次观测到的类型：整数与浮点合并为浮点，其余冲突退化为文本
func UnifyFieldType(a, b FieldType) FieldType {
	switch {
	case a == FieldUnknown:
		return b
	case b == FieldUnknown || a == b:
		return a
	case (a == FieldInteger && b == FieldDouble) || (a == FieldDouble && b == FieldInteger):
		return FieldDouble
	default:
		return FieldText
	}
}

// Field 源字段与目标列的对应
type Field struct {
	Source string
	Column string
	Type   FieldType
}

const maxIdentifierBytes = 63

var reservedColumns = map[string]bool{
	"id":        true,
	"gid":       true,
	"geom":      true,
	"geom_type": true,
}

// SanitizeColumnName 规范化列名：小写 ASCII 字母、数字、下划线，保留中文
func SanitizeColumnName(name string, index int) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', unicode.Is(unicode.Han, r):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	col := strings.Trim(b.String(), "_")
	if col == "" {
		return fmt.Sprintf("field_%d", index+1)
	}
	if col[0] >= '0' && col[0] <= '9' {
		col = "f_" + col
	}
	return truncateIdentifier(col)
}

func truncateIdentifier(s string) string {
	return truncateBytes(s, maxIdentifierBytes)
}

// truncateBytes 按字节截断但不拆分多字节字符
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := 0
	for i, r := range s {
		if i+utf8.RuneLen(r) > n {
			break
		}
		cut = i + utf8.RuneLen(r)
	}
	return s[:cut]
}

// ColumnNamer 为一组字段分配不重复的列名
type ColumnNamer struct {
	used map[string]bool
}

func NewColumnNamer() *ColumnNamer {
	return &ColumnNamer{used: map[string]bool{}}
}

func (n *ColumnNamer) Name(source string, index int) string {
	base := SanitizeColumnName(source, index)
	if reservedColumns[base] {
		base += "_1"
	}
	col := base
	for i := 2; n.used[col]; i++ {
		suffix := fmt.Sprintf("_%d", i)
		col = truncateBytes(base, maxIdentifierBytes-len(suffix)) + suffix
	}
	n.used[col] = true
	return col
}
