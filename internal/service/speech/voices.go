package speech

import "strings"

// voiceAliases 设备档案里的简写音色
var voiceAliases = map[string]string{
	"en_default":                 "en_female_amy_jupiter_bigtts",
	"en_storyteller":             "en_male_corey_emo_v2_mars_bigtts",
	"zh_default":                 "zh_female_vv_uranus_bigtts",
	"zh_female_vv_uranus_bigtts": "zh_female_vv_uranus_bigtts",
	"zh_child_friend":            "zh_female_tianxinxiaomei_emo_v2_mars_bigtts",
}

// NormalizeVoice 展开音色别名
func NormalizeVoice(voice string) string {
	v := strings.TrimSpace(voice)
	if mapped, ok := voiceAliases[strings.ToLower(v)]; ok {
		return mapped
	}
	return v
}

// speakerCandidates 按顺序返回要尝试的音色，去重且忽略大小写。
func speakerCandidates(requested, fallback string) []string {
	var out []string
	add := func(s string) {
		s = NormalizeVoice(s)
		if s == "" {
			return
		}
		for _, existing := range out {
			if strings.EqualFold(existing, s) {
				return
			}
		}
		out = append(out, s)
	}
	add(requested)
	add(fallback)
	return out
}

// resourceCandidates 根据音色名推断资源 ID
func resourceCandidates(voice string) []string {
	const (
		defaultResource = "volc.service_type.10029"
		megaResource    = "volc.megatts.default"
		seedResource    = "seed-tts-2.0"
	)

	voice = strings.TrimSpace(voice)
	if strings.HasPrefix(voice, "S_") {
		return []string{megaResource}
	}

	normalized := strings.ToLower(voice)
	for _, hint := range []string{"bigtts", "seed", "megatts", "uranus", "venus", "jupiter", "saturn", "mars"} {
		if strings.Contains(normalized, hint) {
			return []string{seedResource, defaultResource}
		}
	}
	return []string{defaultResource, seedResource}
}

func isResourceMismatch(message string) bool {
	return strings.Contains(message, "resource ID is mismatched with speaker related resource")
}
