package delta

import (
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty"` // retain/delete 的长度（字符数）
	Text  string         `json:"text,omitempty"`  // insert 的文本
	Attrs map[string]any `json:"attrs,omitempty"` // 样式属性，纯文本文档忽略
}

type Delta []Op

// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]

func (d Delta) Retain(n int) Delta {
	if n <= 0 {
		return d
	}
	if k := len(d); k > 0 && d[k-1].Kind == KindRetain {
		d[k-1].Count += n
		return d
	}
	return append(d, Op{Kind: KindRetain, Count: n})
}

func (d Delta) Insert(text string) Delta {
	if text == "" {
		return d
	}
	if k := len(d); k > 0 && d[k-1].Kind == KindInsert {
		d[k-1].Text += text
		return d
	}
	return append(d, Op{Kind: KindInsert, Text: text})
}

func (d Delta) Delete(n int) Delta {
	if n <= 0 {
		return d
	}
	if k := len(d); k > 0 && d[k-1].Kind == KindDelete {
		d[k-1].Count += n
		return d
	}
	return append(d, Op{Kind: KindDelete, Count: n})
}

// Chop 去掉末尾无意义的 retain
func (d Delta) Chop() Delta {
	if k := len(d); k > 0 && d[k-1].Kind == KindRetain {
		return d[:k-1]
	}
	return d
}

// BaseLength 是 delta 作用的原文长度
func (d Delta) BaseLength() int {
	n := 0
	for _, op := range d {
		if op.Kind != KindInsert {
			n += op.Count
		}
	}
	return n
}

// Apply 把 delta 作用到纯文本上，主要用于校验
func (d Delta) Apply(s string) (string, bool) {
	src := []rune(s)
	var sb strings.Builder
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			if pos+op.Count > len(src) {
				return "", false
			}
			sb.WriteString(string(src[pos : pos+op.Count]))
			pos += op.Count
		case KindDelete:
			if pos+op.Count > len(src) {
				return "", false
			}
			pos += op.Count
		case KindInsert:
			sb.WriteString(op.Text)
		}
	}
	sb.WriteString(string(src[pos:]))
	return sb.String(), true
}

// Diff 按行比较 from/to，得到把 from 变成 to 的 delta。未改动的行保持 retain，
// 这样 CRDT 中这些字符的身份（以及作者信息）不变。
func Diff(from, to string) Delta {
	a := difflib.SplitLines(from)
	b := difflib.SplitLines(to)
	trim(a)
	trim(b)
	m := difflib.NewMatcherWithJunk(a, b, false, nil)
	var out Delta
	for _, oc := range m.GetOpCodes() {
		switch oc.Tag {
		case 'e':
			out = out.Retain(runeCount(a[oc.I1:oc.I2]))
		case 'd':
			out = out.Delete(runeCount(a[oc.I1:oc.I2]))
		case 'i':
			out = out.Insert(strings.Join(b[oc.J1:oc.J2], ""))
		case 'r':
			out = out.Delete(runeCount(a[oc.I1:oc.I2]))
			out = out.Insert(strings.Join(b[oc.J1:oc.J2], ""))
		}
	}
	return out.Chop()
}

// SplitLines 总会给最后一行补 "\n"，这里去掉，使各行拼起来等于原文
func trim(lines []string) {
	if k := len(lines); k > 0 {
		lines[k-1] = strings.TrimSuffix(lines[k-1], "\n")
	}
}

func runeCount(lines []string) int {
	n := 0
	for _, l := range lines {
		n += utf8.RuneCountInString(l)
	}
	return n
}
