package extract

import (
	"bytes"
	"strconv"
	"strings"
)

// tjSpaceThreshold is the TJ kerning offset (thousandths of text space) treated as a word gap
const tjSpaceThreshold = -200

type operand struct {
	str    *string
	num    *float64
	array  []operand
	isName bool
}

// contentText turns a page content stream into text using the text-showing operators
// Tj, TJ, ' and ". T*, Td, TD, Tm and ET break lines.
func contentText(content []byte) string {
	s := &scanner{data: content}
	var out strings.Builder
	var stack []operand

	newline := func() {
		if out.Len() > 0 && !strings.HasSuffix(out.String(), "\n") {
			out.WriteByte('\n')
		}
	}
	space := func() {
		if str := out.String(); out.Len() > 0 && !strings.HasSuffix(str, " ") && !strings.HasSuffix(str, "\n") {
			out.WriteByte(' ')
		}
	}

	for {
		tok, ok := s.next()
		if !ok {
			break
		}
		if tok.operator == "" {
			stack = append(stack, tok.operand)
			continue
		}

		switch tok.operator {
		case "Tj":
			if last := lastString(stack); last != nil {
				out.WriteString(*last)
			}
		case "'", "\"":
			newline()
			if last := lastString(stack); last != nil {
				out.WriteString(*last)
			}
		case "TJ":
			if len(stack) > 0 {
				for _, el := range stack[len(stack)-1].array {
					switch {
					case el.str != nil:
						out.WriteString(*el.str)
					case el.num != nil && *el.num < tjSpaceThreshold:
						space()
					}
				}
			}
		case "Td", "TD":
			if len(stack) >= 2 && stack[len(stack)-1].num != nil && *stack[len(stack)-1].num != 0 {
				newline()
			} else {
				space()
			}
		case "T*", "ET", "Tm":
			newline()
		case "ID":
			s.skipInlineImage()
		}
		stack = stack[:0]
	}

	return out.String()
}

func lastString(stack []operand) *string {
	if len(stack) == 0 {
		return nil
	}
	return stack[len(stack)-1].str
}

type token struct {
	operand  operand
	operator string
}

type scanner struct {
	data []byte
	pos  int
}

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return isSpace(c)
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0:
		return true
	}
	return false
}

func (s *scanner) skipSpaceAndComments() {
	for s.pos < len(s.data) {
		c := s.data[s.pos]
		switch {
		case isSpace(c):
			s.pos++
		case c == '%':
			for s.pos < len(s.data) && s.data[s.pos] != '\n' && s.data[s.pos] != '\r' {
				s.pos++
			}
		default:
			return
		}
	}
}

// next returns the next operand or operator. Dictionaries are skipped.
func (s *scanner) next() (token, bool) {
	for {
		s.skipSpaceAndComments()
		if s.pos >= len(s.data) {
			return token{}, false
		}

		c := s.data[s.pos]
		switch c {
		case '(':
			str := s.literalString()
			return token{operand: operand{str: &str}}, true
		case '<':
			if s.pos+1 < len(s.data) && s.data[s.pos+1] == '<' {
				s.pos += 2
				continue
			}
			str := s.hexString()
			return token{operand: operand{str: &str}}, true
		case '>':
			s.pos++
			continue
		case '[':
			s.pos++
			return token{operand: operand{array: s.array()}}, true
		case ']', '{', '}', ')':
			s.pos++
			continue
		case '/':
			s.pos++
			s.word()
			return token{operand: operand{isName: true}}, true
		}

		w := s.word()
		if w == "" {
			s.pos++
			continue
		}
		if f, err := strconv.ParseFloat(w, 64); err == nil {
			return token{operand: operand{num: &f}}, true
		}
		return token{operator: w}, true
	}
}

func (s *scanner) word() string {
	start := s.pos
	for s.pos < len(s.data) && !isDelimiter(s.data[s.pos]) {
		s.pos++
	}
	return string(s.data[start:s.pos])
}

func (s *scanner) array() []operand {
	var items []operand
	for {
		s.skipSpaceAndComments()
		if s.pos >= len(s.data) {
			return items
		}
		if s.data[s.pos] == ']' {
			s.pos++
			return items
		}
		tok, ok := s.next()
		if !ok {
			return items
		}
		if tok.operator == "" {
			items = append(items, tok.operand)
		}
	}
}

func (s *scanner) literalString() string {
	s.pos++ // (
	var sb strings.Builder
	depth := 1
	for s.pos < len(s.data) {
		c := s.data[s.pos]
		s.pos++
		switch c {
		case '(':
			depth++
			sb.WriteByte(c)
		case ')':
			depth--
			if depth == 0 {
				return sb.String()
			}
			sb.WriteByte(c)
		case '\\':
			if s.pos >= len(s.data) {
				return sb.String()
			}
			e := s.data[s.pos]
			s.pos++
			switch e {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case 'b':
				sb.WriteByte('\b')
			case 'f':
				sb.WriteByte('\f')
			case '\r':
				if s.pos < len(s.data) && s.data[s.pos] == '\n' {
					s.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for i := 0; i < 2 && s.pos < len(s.data) && s.data[s.pos] >= '0' && s.data[s.pos] <= '7'; i++ {
						v = v*8 + int(s.data[s.pos]-'0')
						s.pos++
					}
					sb.WriteByte(byte(v))
				} else {
					sb.WriteByte(e)
				}
			}
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func (s *scanner) hexString() string {
	s.pos++ // <
	var digits []byte
	for s.pos < len(s.data) && s.data[s.pos] != '>' {
		if c := s.data[s.pos]; !isSpace(c) {
			digits = append(digits, c)
		}
		s.pos++
	}
	s.pos++ // >
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, 0, len(digits)/2)
	for i := 0; i < len(digits); i += 2 {
		v, err := strconv.ParseUint(string(digits[i:i+2]), 16, 8)
		if err != nil {
			continue
		}
		out = append(out, byte(v))
	}
	return string(out)
}

// skipInlineImage moves past the binary data of an inline image up to its EI operator
func (s *scanner) skipInlineImage() {
	idx := bytes.Index(s.data[s.pos:], []byte("EI"))
	for idx >= 0 {
		end := s.pos + idx + 2
		before := s.pos + idx - 1
		if (before < 0 || isSpace(s.data[before])) && (end >= len(s.data) || isSpace(s.data[end])) {
			s.pos = end
			return
		}
		next := bytes.Index(s.data[end:], []byte("EI"))
		if next < 0 {
			break
		}
		idx = end - s.pos + next
	}
	s.pos = len(s.data)
}
