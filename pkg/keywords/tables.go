package keywords

// Category 一个有序关键词类别。Descriptor 用于动作与情绪的自然语言描述，
// 情绪描述中的 %s 会被光线描述替换。
type Category struct {
	Name       string   `mapstructure:"name" json:"name"`
	Keywords   []string `mapstructure:"keywords" json:"keywords"`
	Descriptor string   `mapstructure:"descriptor" json:"descriptor,omitempty"`
}

// Tables 关键词模式使用的全部词表。声明顺序决定平局与首个匹配的结果，
// 创建后只读。
type Tables struct {
	Settings   []Category        `mapstructure:"settings"`
	Times      []Category        `mapstructure:"times"`
	Moods      []Category        `mapstructure:"moods"`
	Actions    []Category        `mapstructure:"actions"`
	Lighting   map[string]string `mapstructure:"lighting"`
	Characters []string          `mapstructure:"characters"`
	Aliases    map[string]string `mapstructure:"aliases"`
}

const (
	DefaultSetting  = "interior scene"
	DefaultTime     = "daytime"
	DefaultLighting = "natural lighting"
	neutralMood     = "neutral mood, %s"
)

// DefaultTables 小说默认词表
func DefaultTables() *Tables {
	return &Tables{
		Settings: []Category{
			{Name: "factory", Keywords: []string{"factory", "assembly line", "production floor", "manufacturing", "industrial"}},
			{Name: "office", Keywords: []string{"office", "cubicle", "desk", "conference room", "workplace"}},
			{Name: "kitchen", Keywords: []string{"kitchen", "table", "counter", "stove", "refrigerator"}},
			{Name: "train", Keywords: []string{"train", "metro", "subway", "rail", "platform"}},
			{Name: "rowhouse", Keywords: []string{"rowhouse", "row house", "apartment", "home", "living room", "bedroom"}},
			{Name: "cafeteria", Keywords: []string{"cafeteria", "cafe", "restaurant", "diner", "food court"}},
			{Name: "street", Keywords: []string{"street", "sidewalk", "road", "avenue", "outdoors"}},
			{Name: "car", Keywords: []string{"car", "vehicle", "driving", "dashboard"}},
			{Name: "warehouse", Keywords: []string{"warehouse", "storage", "distribution center"}},
			{Name: "school", Keywords: []string{"school", "classroom", "hallway", "campus"}},
		},
		Times: []Category{
			{Name: "morning", Keywords: []string{"morning", "dawn", "sunrise", "breakfast", "early"}},
			{Name: "afternoon", Keywords: []string{"afternoon", "lunch", "midday", "noon"}},
			{Name: "evening", Keywords: []string{"evening", "dusk", "sunset", "dinner"}},
			{Name: "night", Keywords: []string{"night", "dark", "midnight", "late"}},
		},
		Moods: []Category{
			{Name: "shock", Keywords: []string{"shocked", "stunned", "disbelief", "frozen", "stared"}, Descriptor: "shocked expression, dramatic shadows, %s"},
			{Name: "warmth", Keywords: []string{"warm", "cozy", "comfort", "gentle", "soft"}, Descriptor: "warm atmosphere, soft shading, %s"},
			{Name: "tension", Keywords: []string{"tense", "nervous", "anxious", "worried", "uncertain"}, Descriptor: "tense atmosphere, high contrast, %s"},
			{Name: "reflection", Keywords: []string{"thought", "remembered", "considered", "reflected", "pondered"}, Descriptor: "contemplative mood, balanced composition, %s"},
			{Name: "urgency", Keywords: []string{"hurried", "rushed", "quick", "fast", "urgent"}, Descriptor: "dynamic composition, intense energy, %s"},
		},
		Actions: []Category{
			{Name: "reading", Keywords: []string{"read", "reading", "scanned", "looked at", "viewed"}, Descriptor: "reading document or screen"},
			{Name: "working", Keywords: []string{"working", "operated", "assembled", "built", "typed"}, Descriptor: "working with equipment or tools"},
			{Name: "talking", Keywords: []string{"talked", "spoke", "said", "conversation", "discussed"}, Descriptor: "in conversation"},
			{Name: "walking", Keywords: []string{"walked", "walking", "moved", "stepped", "approached"}, Descriptor: "walking or moving"},
			{Name: "watching", Keywords: []string{"watched", "watching", "observed", "monitored", "stared"}, Descriptor: "observing or watching"},
		},
		Lighting: map[string]string{
			"morning":   "soft morning light",
			"afternoon": "bright daylight",
			"evening":   "warm evening tones",
			"night":     "dark tones, nighttime",
		},
		Characters: []string{"emma", "maxim", "elena", "tyler", "amara", "wei"},
		Aliases: map[string]string{
			"emma": "emma", "emma chen": "emma",
			"tyler": "tyler", "tyler chen": "tyler",
			"elena": "elena", "elena volkov": "elena",
			"maxim": "maxim", "maxim orlov": "maxim",
			"amara": "amara", "amara okafor": "amara",
			"wei": "wei", "wei chen": "wei",
		},
	}
}

// StaticActions 静态动作类别，与动态类别之间的切换视为显著变化
var StaticActions = map[string]bool{"reading": true, "watching": true, "working": true}
