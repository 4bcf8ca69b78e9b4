package detector

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/screamatthewind/novel/pkg/storyboard"
)

// Fingerprint 分镜模式的视觉指纹，全部字段已归一化
type Fingerprint struct {
	Characters []string `json:"characters"`
	Angle      string   `json:"angle"`
	Framing    string   `json:"framing"`
	Location   string   `json:"location"`
	Expression string   `json:"expression"`
	Mood       string   `json:"mood"`
}

// StoryboardDetector 基于分镜分析的变化检测
type StoryboardDetector struct {
	buckets  *Buckets
	logger   *zap.Logger
	baseline *Fingerprint
}

// NewStoryboardDetector buckets 为 nil 时使用默认分类
func NewStoryboardDetector(buckets *Buckets, logger *zap.Logger) *StoryboardDetector {
	if buckets == nil {
		buckets = DefaultBuckets()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoryboardDetector{buckets: buckets, logger: logger}
}

// Fingerprint 由分析结果计算指纹
func (d *StoryboardDetector) Fingerprint(a *storyboard.Analysis) Fingerprint {
	chars := make([]string, 0, len(a.CharactersPresent))
	seen := map[string]bool{}
	for _, c := range a.CharactersPresent {
		n := strings.ToLower(strings.TrimSpace(c))
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		chars = append(chars, n)
	}
	sort.Strings(chars)

	return Fingerprint{
		Characters: chars,
		Angle:      normalizeAngle(a.CameraAngle),
		Framing:    strings.ToLower(strings.TrimSpace(a.CameraFraming)),
		Location:   normalizeLocation(a.SpatialContext),
		Expression: d.buckets.ExpressionBucket(primaryExpression(a)),
		Mood:       d.buckets.MoodBucket(a.Mood),
	}
}

func normalizeAngle(angle string) string {
	a := strings.ToLower(strings.TrimSpace(angle))
	return strings.TrimSpace(strings.TrimSuffix(a, " angle"))
}

// normalizeLocation 取逗号前的主体并去掉冠词，"the office, near the window" -> "office"
func normalizeLocation(spatial string) string {
	loc, _, _ := strings.Cut(spatial, ",")
	loc = strings.ToLower(strings.TrimSpace(loc))
	return strings.TrimPrefix(loc, "the ")
}

func primaryExpression(a *storyboard.Analysis) string {
	primary := a.PrimaryCharacter()
	if primary == "" {
		return ""
	}
	if e, ok := a.Expressions[strings.ToLower(primary)]; ok {
		return e
	}
	return a.Expressions[primary]
}

// AnalyzeWithStoryboard 按优先级判定，首个命中的规则决定结果，
// 其余命中的规则一并写入原因。不修改基线。
func (d *StoryboardDetector) AnalyzeWithStoryboard(a *storyboard.Analysis) Decision {
	if d.baseline == nil {
		return Decision{Generate: true, Reason: ReasonFirstSentence}
	}
	if a.Fallback {
		return Decision{Generate: true, Reason: "fallback_analysis"}
	}

	fp := d.Fingerprint(a)
	base := d.baseline

	var changes []string
	if len(a.SpecialTechniques) > 0 {
		changes = append(changes, "special_technique: "+strings.Join(a.SpecialTechniques, "/"))
	}
	if !equalStrings(fp.Characters, base.Characters) {
		changes = append(changes, "characters")
	}
	if fp.Angle != base.Angle {
		changes = append(changes, "angle")
	}
	if fp.Framing != base.Framing {
		changes = append(changes, "framing")
	}
	if fp.Location != base.Location {
		changes = append(changes, "location")
	}
	if fp.Expression != base.Expression {
		changes = append(changes, "expression")
	}
	if fp.Mood != base.Mood {
		changes = append(changes, "mood")
	}

	if len(changes) == 0 {
		return reuse()
	}
	return generate(changes)
}

// UpdateStoryboardState 接受新图后以该分析为基线
func (d *StoryboardDetector) UpdateStoryboardState(a *storyboard.Analysis) {
	fp := d.Fingerprint(a)
	d.baseline = &fp
}

// Decide 判定，并在需要生成时更新基线
func (d *StoryboardDetector) Decide(a *storyboard.Analysis) Decision {
	decision := d.AnalyzeWithStoryboard(a)
	if decision.Generate {
		d.UpdateStoryboardState(a)
	}
	d.logger.Debug("分镜模式判定",
		zap.Int("sentence", a.SentenceNum),
		zap.Bool("generate", decision.Generate),
		zap.String("reason", decision.Reason))
	return decision
}

// baselineSnapshot 当前基线，尚未生成过图时返回 false
func (d *StoryboardDetector) baselineSnapshot() (Fingerprint, bool) {
	if d.baseline == nil {
		return Fingerprint{}, false
	}
	return *d.baseline, true
}

// Reset 清空基线
func (d *StoryboardDetector) Reset() { d.baseline = nil }

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
