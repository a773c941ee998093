// Package jptext has small helpers for Japanese receipt text: width
// folding, kanji numerals, and compaction used across the extractors.
package jptext

import (
	"strings"
	"unicode"
)

// FoldWidth maps full-width ASCII forms (digits, latin, punctuation) to
// their half-width equivalents and normalizes a few receipt-specific
// punctuation variants. Kana are left untouched.
func FoldWidth(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '０' && r <= '９':
			b.WriteRune('0' + (r - '０'))
		case r >= 'Ａ' && r <= 'Ｚ':
			b.WriteRune('A' + (r - 'Ａ'))
		case r >= 'ａ' && r <= 'ｚ':
			b.WriteRune('a' + (r - 'ａ'))
		case r == '　':
			b.WriteRune(' ')
		case r == '：':
			b.WriteRune(':')
		case r == '／':
			b.WriteRune('/')
		case r == '．':
			b.WriteRune('.')
		case r == '－':
			b.WriteRune('-')
		case r == '，':
			b.WriteRune(',')
		case r == '（':
			b.WriteRune('(')
		case r == '）':
			b.WriteRune(')')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

var kanjiDigits = map[rune]int{
	'〇': 0, '零': 0, '一': 1, '二': 2, '三': 3, '四': 4,
	'五': 5, '六': 6, '七': 7, '八': 8, '九': 9,
}

// KanjiNumber parses a small kanji numeral (supports 十 composition up to
// 99, enough for era years, months and days). ok is false when s contains
// anything else.
func KanjiNumber(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	if s == "元" {
		return 1, true
	}
	total, cur, sawTen := 0, 0, false
	for _, r := range s {
		if r == '十' {
			if sawTen {
				return 0, false
			}
			sawTen = true
			if cur == 0 {
				cur = 1
			}
			total += cur * 10
			cur = 0
			continue
		}
		d, ok := kanjiDigits[r]
		if !ok {
			return 0, false
		}
		if cur != 0 {
			cur = cur*10 + d
		} else {
			cur = d
		}
	}
	return total + cur, true
}

// Compact removes all spaces (ASCII and ideographic) from s.
func Compact(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// DigitRatio is the fraction of runes in s that are ASCII digits.
func DigitRatio(s string) float64 {
	if s == "" {
		return 0
	}
	total, digits := 0, 0
	for _, r := range s {
		total++
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return float64(digits) / float64(total)
}

// IsJapaneseName reports whether s is plausibly a Japanese personal name:
// hiragana, katakana, CJK ideographs, prolonged sound mark, middle dot and
// spaces only.
func IsJapaneseName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 0x3040 && r <= 0x309F: // hiragana
		case r >= 0x30A0 && r <= 0x30FF: // katakana
		case r >= 0x4E00 && r <= 0x9FFF: // CJK
		case r == 'ー' || r == '・':
		case unicode.IsSpace(r):
		default:
			return false
		}
	}
	return true
}
