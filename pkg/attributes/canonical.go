package attributes

import "strings"

// Canonical 角色的规范视觉属性，章节开始时由此初始化状态
type Canonical struct {
	Name        string `mapstructure:"name" json:"name" yaml:"name"`
	Hair        string `mapstructure:"hair" json:"hair" yaml:"hair"`
	Face        string `mapstructure:"face" json:"face" yaml:"face"`
	Clothing    string `mapstructure:"clothing" json:"clothing" yaml:"clothing"`
	Accessories string `mapstructure:"accessories" json:"accessories" yaml:"accessories"`
	Skin        string `mapstructure:"skin" json:"skin" yaml:"skin"`
	Build       string `mapstructure:"build" json:"build" yaml:"build"`
}

// Get 按类别读取属性值
func (c Canonical) Get(a Attribute) string {
	switch a {
	case Hair:
		return c.Hair
	case Face:
		return c.Face
	case Clothing:
		return c.Clothing
	case Accessories:
		return c.Accessories
	case Skin:
		return c.Skin
	case Build:
		return c.Build
	}
	return ""
}

// FullDescription 面部、发型、服装、配饰依次以逗号拼接
func (c Canonical) FullDescription() string {
	return strings.Join([]string{c.Face, c.Hair, c.Clothing, c.Accessories}, ", ")
}

// CompressedDescription 按 token 预算逐级压缩描述
func (c Canonical) CompressedDescription(maxTokens int) string {
	return compress(c.Face, c.Hair, c.Clothing, c.Accessories, maxTokens)
}

func compress(face, hair, clothing, accessories string, maxTokens int) string {
	switch {
	case maxTokens >= 25:
		return strings.Join([]string{face, hair, clothing, accessories}, ", ")
	case maxTokens >= 18:
		return strings.Join([]string{face, hair, clothing}, ", ")
	case maxTokens >= 12:
		return strings.Join([]string{face, clothing}, ", ")
	default:
		return face
	}
}

// Roster 规范角色表。创建后只读，可以在多个章节、多个管理器之间共享。
type Roster struct {
	order   []string
	entries map[string]Canonical
}

// NewRoster 根据给定的规范属性构建角色表，名称统一转为小写
func NewRoster(entries ...Canonical) *Roster {
	r := &Roster{entries: make(map[string]Canonical, len(entries))}
	for _, e := range entries {
		name := strings.ToLower(strings.TrimSpace(e.Name))
		if name == "" {
			continue
		}
		e.Name = name
		if _, exists := r.entries[name]; !exists {
			r.order = append(r.order, name)
		}
		r.entries[name] = e
	}
	return r
}

// Lookup 查找角色的规范属性
func (r *Roster) Lookup(name string) (Canonical, bool) {
	c, ok := r.entries[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// Names 按声明顺序返回角色名
func (r *Roster) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len 角色数量
func (r *Roster) Len() int { return len(r.order) }

// DefaultRoster 《The Obsolescence》主要角色的规范属性
func DefaultRoster() *Roster {
	return NewRoster(
		Canonical{
			Name:        "emma",
			Hair:        "shoulder-length straight dark brown hair, NO hat, NO hair accessories",
			Face:        "mid-40s Asian American woman, intelligent brown eyes, analytical expression",
			Clothing:    "navy blue fitted blazer, crisp white button-up shirt, black slacks, black leather flats",
			Accessories: "NO glasses, NO jewelry, practical silver wristwatch",
			Skin:        "light brown skin tone, professional appearance",
			Build:       "average build, professional posture, sensible stance",
		},
		Canonical{
			Name:        "tyler",
			Hair:        "short dark brown hair, messy teenager style, NO hat",
			Face:        "16-year-old Asian American teen boy, brown eyes, slightly slouched posture",
			Clothing:    "gray hoodie, dark jeans, white sneakers, casual teenage style",
			Accessories: "white earbuds, smartphone in hand, NO glasses",
			Skin:        "light brown skin tone, youthful appearance",
			Build:       "slim teenage build, casual slouch, relaxed stance",
		},
		Canonical{
			Name:        "elena",
			Hair:        "short gray hair, practical cut, NO hat, NO hair accessories",
			Face:        "60-year-old Russian woman, sharp observant gray eyes, slight frame",
			Clothing:    "simple cardigan sweater, dark pants, comfortable shoes, practical style",
			Accessories: "reading glasses on chain around neck, NO jewelry",
			Skin:        "pale white skin tone, aged appearance",
			Build:       "slight frame, upright posture, alert stance",
		},
		Canonical{
			Name:        "maxim",
			Hair:        "short dark brown hair with gray streaks, practical working-class cut",
			Face:        "mid-40s Russian man, weathered features, observant blue eyes",
			Clothing:    "worn work jacket, flannel shirt, dark work pants, sturdy boots",
			Accessories: "NO glasses, NO jewelry, practical digital watch",
			Skin:        "pale white skin tone, weathered from labor",
			Build:       "strong working-class build, hands that know labor, solid stance",
		},
		Canonical{
			Name:        "amara",
			Hair:        "natural black hair in short professional style, NO hat",
			Face:        "late 40s Black Kenyan woman, fierce dark eyes, determined expression",
			Clothing:    "professional African-print blouse, dark skirt, practical shoes",
			Accessories: "small gold earrings, NO glasses, simple necklace",
			Skin:        "dark brown skin tone, professional appearance",
			Build:       "average build, confident posture, authoritative stance",
		},
	)
}
