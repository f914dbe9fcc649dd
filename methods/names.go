package methods

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/mozillazg/go-pinyin"
)

func moveLeadingNumbersToEnd(s string) string {
	// 匹配字符串开头的数字
	re := regexp.MustCompile(`^(\d+)(.*)$`)
	match := re.FindStringSubmatch(s)
	if len(match) == 3 {
		return match[2] + match[1]
	}
	return s
}

func filterString(str string) string {
	// 只保留中文、英文、数字和下划线
	reg := regexp.MustCompile(`[^\p{Han}\p{Latin}\p{N}_]`)
	return reg.ReplaceAllString(str, "")
}

// ConvertToInitials 将中文字符串转换为拼音首字母拼接字符串
func ConvertToInitials(hanzi string) string {
	hanzi = filterString(hanzi)
	a := pinyin.NewArgs()
	a.Style = pinyin.FirstLetter
	var result strings.Builder
	for _, r := range hanzi {
		if unicode.Is(unicode.Han, r) {
			if py := pinyin.SinglePinyin(r, a); len(py) > 0 {
				result.WriteString(py[0])
			}
		} else {
			result.WriteRune(r)
		}
	}
	return strings.ToLower(moveLeadingNumbersToEnd(result.String()))
}

// HasCJKOrSpace 名称中含有中日韩字符或空白
func HasCJKOrSpace(s string) bool {
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			return true
		}
	}
	return false
}

var storeNameInvalid = regexp.MustCompile(`[^A-Za-z0-9_\-\p{Han}]+`)

// SanitizeStoreName GeoServer 存储/图层名：去掉空白与特殊字符，保留中文
func SanitizeStoreName(name string) string {
	name = storeNameInvalid.ReplaceAllString(strings.TrimSpace(name), "_")
	name = strings.Trim(name, "_")
	if name == "" {
		return "layer"
	}
	return name
}

// ASCIIName 转为 ASCII 名称，中文取拼音首字母
func ASCIIName(name string) string {
	out := ConvertToInitials(name)
	var b strings.Builder
	for _, r := range out {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "layer"
	}
	return b.String()
}
