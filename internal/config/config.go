package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/resilience"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/speech"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server       ServerConfig
	Session      SessionConfig
	Audio        AudioConfig
	Resilience   ResilienceConfig
	Conversation ConversationConfig
	Safety       SafetyConfig
	AI           AIConfig
	Speech       SpeechConfig
	Providers    ProvidersConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	audio, err := loadAudioConfig()
	if err != nil {
		return nil, err
	}

	res, err := loadResilienceConfig()
	if err != nil {
		return nil, err
	}

	conv, err := loadConversationConfig()
	if err != nil {
		return nil, err
	}

	safety, err := loadSafetyConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	speechCfg, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	providers, err := loadProvidersConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:       server,
		Session:      session,
		Audio:        audio,
		Resilience:   res,
		Conversation: conv,
		Safety:       safety,
		AI:           ai,
		Speech:       speechCfg,
		Providers:    providers,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	shutdown, err := parseDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, ShutdownTimeout: shutdown}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, ShutdownTimeout: shutdown}, nil
}

// SessionConfig 设备会话配置
type SessionConfig struct {
	IdleTimeout       time.Duration
	AuthTimeout       time.Duration
	PingInterval      time.Duration
	MaxConcurrent     int
	DuplicatePolicy   string
	MaxProtocolErrors int
	ConnectRate       float64
	ConnectBurst      int
	RetryAfter        time.Duration
	DevicesFile       string
}

func loadSessionConfig() (SessionConfig, error) {
	var (
		cfg SessionConfig
		err error
	)
	if cfg.IdleTimeout, err = parseDurationEnv("SESSION_IDLE_TIMEOUT", 2*time.Minute); err != nil {
		return SessionConfig{}, err
	}
	if cfg.AuthTimeout, err = parseDurationEnv("SESSION_AUTH_TIMEOUT", 10*time.Second); err != nil {
		return SessionConfig{}, err
	}
	if cfg.PingInterval, err = parseDurationEnv("SESSION_PING_INTERVAL", 54*time.Second); err != nil {
		return SessionConfig{}, err
	}
	if cfg.RetryAfter, err = parseDurationEnv("SESSION_RETRY_AFTER", 5*time.Second); err != nil {
		return SessionConfig{}, err
	}
	if cfg.MaxConcurrent, err = parseIntEnv("SESSION_MAX_CONCURRENT", 500); err != nil {
		return SessionConfig{}, err
	}
	if cfg.MaxProtocolErrors, err = parseIntEnv("SESSION_MAX_PROTOCOL_ERRORS", 3); err != nil {
		return SessionConfig{}, err
	}
	if cfg.ConnectBurst, err = parseIntEnv("SESSION_CONNECT_BURST", 100); err != nil {
		return SessionConfig{}, err
	}

	rate, err := parseOptionalFloatEnv("SESSION_CONNECT_RATE")
	if err != nil {
		return SessionConfig{}, err
	}
	cfg.ConnectRate = 50
	if rate != nil {
		if *rate <= 0 {
			return SessionConfig{}, fmt.Errorf("invalid SESSION_CONNECT_RATE value %v: must be positive", *rate)
		}
		cfg.ConnectRate = *rate
	}

	cfg.DuplicatePolicy = getEnvOrDefault("SESSION_DUPLICATE_POLICY", "supersede")
	switch cfg.DuplicatePolicy {
	case "supersede", "reject":
	default:
		return SessionConfig{}, fmt.Errorf("invalid SESSION_DUPLICATE_POLICY value %q: want supersede or reject", cfg.DuplicatePolicy)
	}
	cfg.DevicesFile = strings.TrimSpace(os.Getenv("DEVICES_FILE"))
	return cfg, nil
}

// AudioConfig 录音上限
type AudioConfig struct {
	MaxDuration   time.Duration
	MaxBytes      int
	RecordingIdle time.Duration
	ChunkSize     int
}

func loadAudioConfig() (AudioConfig, error) {
	var (
		cfg AudioConfig
		err error
	)
	if cfg.MaxDuration, err = parseDurationEnv("AUDIO_MAX_DURATION", 15*time.Second); err != nil {
		return AudioConfig{}, err
	}
	if cfg.RecordingIdle, err = parseDurationEnv("AUDIO_RECORDING_IDLE", 3*time.Second); err != nil {
		return AudioConfig{}, err
	}
	if cfg.MaxBytes, err = parseIntEnv("AUDIO_MAX_BYTES", 960000); err != nil {
		return AudioConfig{}, err
	}
	if cfg.ChunkSize, err = parseIntEnv("AUDIO_PLAYBACK_CHUNK", 4096); err != nil {
		return AudioConfig{}, err
	}
	return cfg, nil
}

// ResilienceConfig 外部服务的熔断、并发池与重试参数
type ResilienceConfig struct {
	TranscriptionPool int
	GenerationPool    int
	SynthesisPool     int
	AcquireTimeout    time.Duration

	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	CallTimeout      time.Duration
}

func loadResilienceConfig() (ResilienceConfig, error) {
	var (
		cfg ResilienceConfig
		err error
	)
	ints := []struct {
		key  string
		def  int
		dest *int
	}{
		{"POOL_TRANSCRIPTION_SIZE", 16, &cfg.TranscriptionPool},
		{"POOL_GENERATION_SIZE", 16, &cfg.GenerationPool},
		{"POOL_SYNTHESIS_SIZE", 16, &cfg.SynthesisPool},
		{"BREAKER_FAILURE_THRESHOLD", 5, &cfg.BreakerThreshold},
		{"RETRY_MAX_ATTEMPTS", 3, &cfg.RetryMaxAttempts},
	}
	for _, item := range ints {
		if *item.dest, err = parseIntEnv(item.key, item.def); err != nil {
			return ResilienceConfig{}, err
		}
	}

	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"POOL_ACQUIRE_TIMEOUT", 2 * time.Second, &cfg.AcquireTimeout},
		{"BREAKER_FAILURE_WINDOW", 30 * time.Second, &cfg.BreakerWindow},
		{"BREAKER_COOLDOWN", 20 * time.Second, &cfg.BreakerCooldown},
		{"RETRY_BASE_DELAY", 200 * time.Millisecond, &cfg.RetryBaseDelay},
		{"RETRY_MAX_DELAY", 2 * time.Second, &cfg.RetryMaxDelay},
		{"PROVIDER_CALL_TIMEOUT", 8 * time.Second, &cfg.CallTimeout},
	}
	for _, item := range durations {
		if *item.dest, err = parseDurationEnv(item.key, item.def); err != nil {
			return ResilienceConfig{}, err
		}
	}

	if cfg.RetryBaseDelay > cfg.RetryMaxDelay {
		return ResilienceConfig{}, fmt.Errorf("RETRY_BASE_DELAY %s exceeds RETRY_MAX_DELAY %s", cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	}
	return cfg, nil
}

// Guards 为三个外部服务生成独立的保护参数
func (c ResilienceConfig) Guards() (transcription, generation, synthesis resilience.GuardConfig) {
	base := resilience.GuardConfig{
		Breaker: resilience.BreakerConfig{
			FailureThreshold: c.BreakerThreshold,
			FailureWindow:    c.BreakerWindow,
			Cooldown:         c.BreakerCooldown,
		},
		Retry: resilience.RetryConfig{
			MaxAttempts: c.RetryMaxAttempts,
			BaseDelay:   c.RetryBaseDelay,
			MaxDelay:    c.RetryMaxDelay,
			CallTimeout: c.CallTimeout,
		},
		AcquireTimeout: c.AcquireTimeout,
	}
	transcription, generation, synthesis = base, base, base
	transcription.PoolSize = c.TranscriptionPool
	generation.PoolSize = c.GenerationPool
	synthesis.PoolSize = c.SynthesisPool
	return transcription, generation, synthesis
}

// ConversationConfig 对话编排配置
type ConversationConfig struct {
	ContextWindow     int
	DefaultLocale     string
	TranscribeTimeout time.Duration
	SafetyTimeout     time.Duration
	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration
	FallbackAudioPath string
}

func loadConversationConfig() (ConversationConfig, error) {
	var (
		cfg ConversationConfig
		err error
	)
	if cfg.ContextWindow, err = parseIntEnv("CONTEXT_WINDOW_SIZE", 6); err != nil {
		return ConversationConfig{}, err
	}
	if cfg.TranscribeTimeout, err = parseDurationEnv("STAGE_TIMEOUT_TRANSCRIBE", 10*time.Second); err != nil {
		return ConversationConfig{}, err
	}
	if cfg.SafetyTimeout, err = parseDurationEnv("STAGE_TIMEOUT_SAFETY", 2*time.Second); err != nil {
		return ConversationConfig{}, err
	}
	if cfg.GenerateTimeout, err = parseDurationEnv("STAGE_TIMEOUT_GENERATE", 15*time.Second); err != nil {
		return ConversationConfig{}, err
	}
	if cfg.SynthesizeTimeout, err = parseDurationEnv("STAGE_TIMEOUT_SYNTHESIZE", 10*time.Second); err != nil {
		return ConversationConfig{}, err
	}
	cfg.DefaultLocale = getEnvOrDefault("DEFAULT_LOCALE", "en-US")
	cfg.FallbackAudioPath = strings.TrimSpace(os.Getenv("FALLBACK_AUDIO_PATH"))
	return cfg, nil
}

// SafetyConfig 内容安全与家长告警配置
type SafetyConfig struct {
	AlertWebhookURL string
	AlertTimeout    time.Duration
	LLMEnabled      bool
}

func loadSafetyConfig() (SafetyConfig, error) {
	timeout, err := parseDurationEnv("ALERT_WEBHOOK_TIMEOUT", 5*time.Second)
	if err != nil {
		return SafetyConfig{}, err
	}
	llm, err := parseBoolEnv("SAFETY_LLM_ENABLED", false)
	if err != nil {
		return SafetyConfig{}, err
	}
	return SafetyConfig{
		AlertWebhookURL: strings.TrimSpace(os.Getenv("ALERT_WEBHOOK_URL")),
		AlertTimeout:    timeout,
		LLMEnabled:      llm,
	}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey       string
	AccessKey    string
	SecretKey    string
	Model        string
	BaseURL      string
	Region       string
	Temperature  *float64
	TopP         *float64
	MaxTokens    *int
	HistoryLimit int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	history := 6
	if override, err := parseOptionalIntEnv("AI_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		if *override < 1 {
			history = 1
		} else {
			history = *override
		}
	}

	return AIConfig{
		APIKey:       strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:    strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:    strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:        strings.TrimSpace(os.Getenv("Model")),
		BaseURL:      getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:       getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:  temperature,
		TopP:         topP,
		MaxTokens:    maxTokens,
		HistoryLimit: history,
	}, nil
}

// SpeechConfig 描述语音服务相关配置
type SpeechConfig struct {
	AppID          string
	AccessToken    string
	ConcurrentMode bool
	ASRURL         string
	ASRModel       string
	ASRLanguage    string
	ASRFormat      string
	SampleRate     int
	TTSURL         string
	TTSVoice       string
	TTSSpeed       float32
	TTSVolume      float32
	TTSLanguage    string
	TTSFormat      string
	Timeout        time.Duration
	Enabled        bool
}

// Client 转换为语音客户端配置
func (c SpeechConfig) Client() speech.Config {
	return speech.Config{
		AppID:            c.AppID,
		AccessToken:      c.AccessToken,
		ConcurrentMode:   c.ConcurrentMode,
		ASRURL:           c.ASRURL,
		ASRModel:         c.ASRModel,
		ASRLanguage:      c.ASRLanguage,
		ASRFormat:        c.ASRFormat,
		SampleRate:       c.SampleRate,
		TTSURL:           c.TTSURL,
		TTSVoice:         c.TTSVoice,
		TTSSpeed:         c.TTSSpeed,
		TTSVolume:        c.TTSVolume,
		TTSLanguage:      c.TTSLanguage,
		TTSFormat:        c.TTSFormat,
		HandshakeTimeout: c.Timeout,
	}
}

func loadSpeechConfig() (SpeechConfig, error) {
	timeout, err := parseDurationEnv("SPEECH_TIMEOUT", 10*time.Second)
	if err != nil {
		return SpeechConfig{}, err
	}

	// 解析TTS速度和音量
	speed, err := parseOptionalFloat32Env("SPEECH_TTS_SPEED")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsSpeed := float32(1.0) // 默认1.0倍速
	if speed != nil {
		ttsSpeed = *speed
	}

	volume, err := parseOptionalFloat32Env("SPEECH_TTS_VOLUME")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsVolume := float32(1.0) // 默认1.0音量
	if volume != nil {
		ttsVolume = *volume
	}

	sampleRate, err := parseIntEnv("SPEECH_SAMPLE_RATE", 16000)
	if err != nil {
		return SpeechConfig{}, err
	}

	concurrent, err := parseBoolEnv("SPEECH_ASR_CONCURRENT", false)
	if err != nil {
		return SpeechConfig{}, err
	}

	appID := strings.TrimSpace(os.Getenv("SPEECH_APP_ID"))
	accessToken := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN"))
	if accessToken == "" {
		accessToken = strings.TrimSpace(os.Getenv("SPEECH_API_KEY"))
	}

	return SpeechConfig{
		AppID:          appID,
		AccessToken:    accessToken,
		ConcurrentMode: concurrent,
		ASRURL:         getEnvOrDefault("SPEECH_ASR_URL", speech.DefaultASRURL),
		ASRModel:       getEnvOrDefault("SPEECH_ASR_MODEL", "bigmodel"),
		ASRLanguage:    getEnvOrDefault("SPEECH_ASR_LANGUAGE", ""),
		ASRFormat:      getEnvOrDefault("SPEECH_ASR_FORMAT", "pcm"),
		SampleRate:     sampleRate,
		TTSURL:         getEnvOrDefault("SPEECH_TTS_URL", speech.DefaultTTSURL),
		TTSVoice:       getEnvOrDefault("SPEECH_TTS_VOICE", ""),
		TTSSpeed:       ttsSpeed,
		TTSVolume:      ttsVolume,
		TTSLanguage:    getEnvOrDefault("SPEECH_TTS_LANGUAGE", ""),
		TTSFormat:      getEnvOrDefault("SPEECH_TTS_FORMAT", "pcm"),
		Timeout:        timeout,
		Enabled:        appID != "" && accessToken != "",
	}, nil
}

// Provider modes.
const (
	ProviderModeAuto = "auto"
	ProviderModeMock = "mock"
	ProviderModeLive = "live"
)

// ProvidersConfig 选择外部服务实现
type ProvidersConfig struct {
	Mode string
}

func loadProvidersConfig() (ProvidersConfig, error) {
	mode := strings.ToLower(getEnvOrDefault("PROVIDER_MODE", ProviderModeAuto))
	switch mode {
	case ProviderModeAuto, ProviderModeMock, ProviderModeLive:
		return ProvidersConfig{Mode: mode}, nil
	default:
		return ProvidersConfig{}, fmt.Errorf("invalid PROVIDER_MODE value %q: want auto, mock or live", mode)
	}
}

// UseLive 是否使用火山引擎与 Ark 的真实服务
func (c *Config) UseLive() (bool, error) {
	ready := c.AI.Enabled() && c.Speech.Enabled
	switch c.Providers.Mode {
	case ProviderModeMock:
		return false, nil
	case ProviderModeLive:
		if !ready {
			return false, fmt.Errorf("PROVIDER_MODE=live requires Ark (ARK_API_KEY, Model) and speech (SPEECH_APP_ID, SPEECH_ACCESS_TOKEN) credentials")
		}
		return true, nil
	default:
		return ready, nil
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDurationEnv 解析 time.ParseDuration 格式，必须为正数。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	if *val <= 0 {
		return 0, fmt.Errorf("invalid %s value %d: must be positive", key, *val)
	}
	return *val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalFloat32Env(key string) (*float32, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	result := float32(val)
	return &result, nil
}
