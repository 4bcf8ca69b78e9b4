package storyboard

import (
	"fmt"

	"github.com/screamatthewind/novel/pkg/scene"
)

// SystemPrompt 分镜分析的系统提示词
const SystemPrompt = `You are a visual storyboard consultant analyzing fiction for graphic novel adaptation.

For each sentence, extract:
1. PEOPLE: All mentioned (names/pronouns), their roles (acting/speaking/spoken-to/referenced)
2. CAMERA: Framing (close-up, medium, wide, two-shot, POV, over-shoulder) and angle (high, level, low)
3. COMPOSITION: Visual arrangement, focal points, depth
4. CHARACTER DETAILS: Expression, posture, gesture specific to this moment
5. VISUAL CONTINUITY: Props, clothing, positions from context
6. MOOD/TONE: Emotional atmosphere
7. VISUAL FOCUS: What the viewer's eye should be drawn to

**CRITICAL - Attribute Change Detection:**
ONLY report attribute changes when EXPLICITLY mentioned in the text:
- "removed her blazer" → clothing change (old: "blazer + shirt", new: "shirt only")
- "tied her hair back" → hair change (old: "loose hair", new: "tied back")
- "put on glasses" → accessory change (old: "no glasses", new: "glasses")
- "took off his jacket" → clothing change
- "pulled down her sleeves" → clothing change

DO NOT infer changes from context - only explicit textual mentions count!
If no explicit mention, leave attribute_changes as empty array.

Output brief, actionable descriptions optimized for SDXL prompts. No explanations.
Respond ONLY with valid JSON matching this structure:
{
    "characters_present": ["character1", "character2"],
    "character_roles": {"character1": "acting", "character2": "referenced"},
    "camera_framing": "medium shot",
    "camera_angle": "level",
    "camera_movement": null,
    "composition": "brief description",
    "visual_focus": "what draws the eye",
    "depth_cues": "foreground/midground/background",
    "expressions": {"character1": "expression"},
    "body_language": {"character1": "posture/gesture"},
    "movement": "physical movement if any",
    "props": ["prop1", "prop2"],
    "clothing_state": "clothing details if relevant",
    "spatial_context": "where this is happening",
    "special_techniques": [],
    "mood": "emotional atmosphere",
    "tone": "narrative tone",
    "lighting_suggestion": "lighting description",
    "continuity_from_previous": "what continues from previous sentence",
    "continuity_to_next": "what might continue to next sentence",
    "confidence": 0.9,
    "attribute_changes": [
        {
            "character_name": "emma",
            "attribute_type": "clothing",
            "old_state": "blazer + shirt",
            "new_state": "shirt only",
            "explicit_mention": "removed her blazer",
            "confidence": 0.95
        }
    ]
}`

// maxSceneContext 发送给模型的场景上下文上限（字节）
const maxSceneContext = 500

// BuildUserPrompt 组装单句分析请求
func BuildUserPrompt(s scene.Sentence, characterContext, sceneContinuity string) string {
	ctx := s.SceneContext
	if len(ctx) > maxSceneContext {
		ctx = truncateUTF8(ctx, maxSceneContext)
	}
	return fmt.Sprintf(`Analyze this sentence for visual storyboard:

SENTENCE: "%s"

SCENE CONTEXT (for reference):
%s...

CHARACTER CONTEXT:
%s

CONTINUITY FROM PREVIOUS:
%s

Provide detailed visual analysis as JSON.`, s.Content, ctx, characterContext, sceneContinuity)
}

// truncateUTF8 截断到不超过 n 字节且不切断多字节字符
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
