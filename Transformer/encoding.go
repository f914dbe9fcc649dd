package Transformer

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// TextDecoder 命名的字符集解码器
type TextDecoder struct {
	Name    string
	decoder func() *encoding.Decoder
}

var utf8Decoder = TextDecoder{Name: "utf-8"}

// DXFDecoders DXF 解码顺序：gb18030、utf-8、cp936、gbk，首个成功者生效
var DXFDecoders = []TextDecoder{
	{Name: "gb18030", decoder: simplifiedchinese.GB18030.NewDecoder},
	utf8Decoder,
	{Name: "cp936", decoder: simplifiedchinese.GBK.NewDecoder},
	{Name: "gbk", decoder: simplifiedchinese.GBK.NewDecoder},
}

// Decode 解码原始字节；解码器报错或产生替换字符都视为失败
func (d TextDecoder) Decode(raw []byte) (string, error) {
	if d.decoder == nil {
		if !utf8.Valid(raw) {
			return "", apperr.ErrEncoding.Msg("invalid utf-8 sequence")
		}
		return string(raw), nil
	}
	out, _, err := transform.Bytes(d.decoder(), raw)
	if err != nil {
		return "", apperr.ErrEncoding.Msgf("decode as %s", d.Name).Err(err)
	}
	if bytes.ContainsRune(out, utf8.RuneError) {
		return "", apperr.ErrEncoding.Msgf("undecodable bytes for %s", d.Name)
	}
	return string(out), nil
}

// DetectCharset 返回 chardet 判定的字符集名称，检测失败时返回空串
func DetectCharset(sample []byte) string {
	if len(sample) == 0 {
		return ""
	}
	result, err := chardet.NewTextDetector().DetectBest(sample)
	if err != nil || result == nil {
		return ""
	}
	return result.Charset
}

// LooksNonUTF8 样本不是合法 UTF-8 时返回检测到的字符集
func LooksNonUTF8(sample []byte) (string, bool) {
	if utf8.Valid(sample) {
		return "", false
	}
	charset := DetectCharset(sample)
	if charset == "" || strings.EqualFold(charset, "UTF-8") {
		charset = "unknown"
	}
	return charset, true
}
