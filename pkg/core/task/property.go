package task

import (
	"encoding/json"
	"fmt"
)

// Direct 参数方向
type Direct string

const (
	DirectIn  Direct = "IN"
	DirectOut Direct = "OUT"
)

// ConditionResultProp 条件任务把分支结果写入自己的变量池，不会合并到工作流
const ConditionResultProp = "__condition_result"

// Property 变量池中的一个变量
type Property struct {
	Prop   string `json:"prop" yaml:"prop"`
	Direct Direct `json:"direct" yaml:"direct"`
	Type   string `json:"type" yaml:"type"`
	Value  string `json:"value" yaml:"value"`
}

// ParseVarPool 解析JSON格式的变量池
func ParseVarPool(raw string) ([]Property, error) {
	if raw == "" {
		return nil, nil
	}
	var props []Property
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		return nil, fmt.Errorf("解析变量池失败: %w", err)
	}
	return props, nil
}

// EncodeVarPool 变量池序列化为JSON
func EncodeVarPool(props []Property) string {
	if len(props) == 0 {
		return ""
	}
	data, err := json.Marshal(props)
	if err != nil {
		return ""
	}
	return string(data)
}

// MergeVarPool 把任务输出的OUT变量合并进工作流变量池，同名覆盖
func MergeVarPool(workflowPool, taskPool string) (string, error) {
	base, err := ParseVarPool(workflowPool)
	if err != nil {
		return workflowPool, err
	}
	incoming, err := ParseVarPool(taskPool)
	if err != nil {
		return workflowPool, err
	}

	index := make(map[string]int, len(base))
	for i, p := range base {
		index[p.Prop] = i
	}
	for _, p := range incoming {
		if p.Direct != DirectOut || p.Prop == ConditionResultProp {
			continue
		}
		if i, ok := index[p.Prop]; ok {
			base[i] = p
			continue
		}
		index[p.Prop] = len(base)
		base = append(base, p)
	}
	return EncodeVarPool(base), nil
}

// PropertyMap 把变量列表转成name->value，后出现的覆盖先出现的
func PropertyMap(lists ...[]Property) map[string]string {
	out := make(map[string]string)
	for _, list := range lists {
		for _, p := range list {
			out[p.Prop] = p.Value
		}
	}
	return out
}

// LookupProperty 按名字查变量
func LookupProperty(props []Property, name string) (Property, bool) {
	for _, p := range props {
		if p.Prop == name {
			return p, true
		}
	}
	return Property{}, false
}
