package config

import (
	"fmt"
	"net/url"
	"strings"
)

// DSN gorm/pgx 使用的 key=value 连接串
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		dsnValue(d.Host), dsnValue(d.Username), dsnValue(d.Password), dsnValue(d.Dbname), d.Port, d.SSLMode)
}

// dsnValue 含空白、引号或反斜杠以及空值时按 libpq 规则加单引号
func dsnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\n'\\") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// URL postgres:// 形式的连接串，写入 martin 配置
func (d DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.Username, d.Password),
		Host:     d.Host + ":" + d.Port,
		Path:     "/" + d.Dbname,
		RawQuery: "sslmode=" + d.SSLMode,
	}
	return u.String()
}
