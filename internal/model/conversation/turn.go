package conversation

import "time"

// Latency records how long each pipeline stage took for one turn.
type Latency struct {
	Transcribe   time.Duration `json:"transcribe"`
	InputSafety  time.Duration `json:"inputSafety"`
	Generate     time.Duration `json:"generate"`
	OutputSafety time.Duration `json:"outputSafety"`
	Synthesize   time.Duration `json:"synthesize"`
}

// Total 合计耗时
func (l Latency) Total() time.Duration {
	return l.Transcribe + l.InputSafety + l.Generate + l.OutputSafety + l.Synthesize
}

// Turn is one completed exchange. It is never mutated after creation.
type Turn struct {
	ID            string    `json:"id"`
	UtteranceID   string    `json:"utteranceId"`
	Transcript    string    `json:"transcript"`
	InputVerdict  Verdict   `json:"inputVerdict"`
	Reply         string    `json:"reply"`
	OutputVerdict Verdict   `json:"outputVerdict"`
	AudioRef      string    `json:"audioRef,omitempty"`
	AudioBytes    int       `json:"audioBytes"`
	Latency       Latency   `json:"latency"`
	CreatedAt     time.Time `json:"createdAt"`
}
