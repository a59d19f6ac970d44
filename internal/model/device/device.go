package device

// Profile 描述一台已登记的陪伴设备及其绑定的儿童信息。
type Profile struct {
	DeviceID  string   `json:"deviceId"`
	Token     string   `json:"token"`
	ChildID   string   `json:"childId"`
	ChildName string   `json:"childName,omitempty"`
	ChildAge  int      `json:"childAge"`
	Locale    string   `json:"locale,omitempty"`   // zh-CN, en-US, etc.
	VoiceID   string   `json:"voiceId,omitempty"`  // TTS 音色
	Features  []string `json:"features,omitempty"` // 允许协商的能力，如 led、motor
}

// Seed provides development devices so a fresh checkout can be exercised
// with the device simulator.
func Seed() []Profile {
	return []Profile{
		{
			DeviceID:  "teddy-dev-001",
			Token:     "dev-token-001",
			ChildID:   "child-001",
			ChildName: "Mia",
			ChildAge:  8,
			Locale:    "en-US",
			VoiceID:   "en_default",
			Features:  []string{"led", "motor"},
		},
		{
			DeviceID:  "teddy-dev-002",
			Token:     "dev-token-002",
			ChildID:   "child-002",
			ChildName: "小宇",
			ChildAge:  5,
			Locale:    "zh-CN",
			VoiceID:   "zh_female_vv_uranus_bigtts",
			Features:  []string{"led"},
		},
	}
}
