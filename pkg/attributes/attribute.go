package attributes

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownAttribute 无法识别的属性类别
var ErrUnknownAttribute = errors.New("未知的属性类别")

// Attribute 角色视觉属性类别
type Attribute string

const (
	Hair        Attribute = "hair"
	Clothing    Attribute = "clothing"
	Accessories Attribute = "accessories"
	Face        Attribute = "face"
	Skin        Attribute = "skin"
	Build       Attribute = "build"
)

// AllAttributes 全部属性类别，按规范顺序排列
var AllAttributes = []Attribute{Hair, Face, Clothing, Accessories, Skin, Build}

// MutableAttributes 故事事件可以修改的属性类别
var MutableAttributes = []Attribute{Hair, Clothing, Accessories}

// IsMutable 判断属性是否允许被故事事件修改。面部、肤色、体型为只读。
func (a Attribute) IsMutable() bool {
	switch a {
	case Hair, Clothing, Accessories:
		return true
	}
	return false
}

func (a Attribute) String() string { return string(a) }

// ParseAttribute 将外部输入（例如模型返回的 attribute_type）解析为属性类别
func ParseAttribute(s string) (Attribute, error) {
	a := Attribute(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllAttributes {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAttribute, s)
}
