package task

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.\-]+)\}`)

// ReplacePlaceholder 替换单个占位符字符串
// value: 整体为${name}形式时才替换
// 返回替换后的字符串和是否成功替换
func ReplacePlaceholder(value string, params map[string]string) (string, bool) {
	if !strings.HasPrefix(value, "${") || !strings.HasSuffix(value, "}") {
		return value, false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(value, "${"), "}")
	if name == "" {
		return value, false
	}
	actual, ok := params[name]
	if !ok {
		return value, false
	}
	return actual, true
}

// ReplacePlaceholders 替换文本中所有${name}占位符
// 返回替换后的文本；找不到值的占位符原样保留，并通过error列出
func ReplacePlaceholders(text string, params map[string]string) (string, error) {
	var unresolved []string
	out := placeholderPattern.ReplaceAllStringFunc(text, func(m string) string {
		replaced, ok := ReplacePlaceholder(m, params)
		if !ok {
			unresolved = append(unresolved, strings.TrimSuffix(strings.TrimPrefix(m, "${"), "}"))
		}
		return replaced
	})
	if len(unresolved) > 0 {
		return out, fmt.Errorf("以下占位符未找到对应的参数值: %v", unresolved)
	}
	return out, nil
}
