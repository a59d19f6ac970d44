package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/config"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/handler"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/handler/admin"
	deviceHandler "github.com/JAAFAR1996/ai-teddy-bear/backend/internal/handler/device"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/model/device"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/ai"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/conversation"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/ingest"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/provider"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/resilience"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/safety"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/session"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/speech"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	devices, err := loadDevices(cfg.Session.DevicesFile)
	if err != nil {
		log.Fatalf("failed to load devices: %v", err)
	}
	store := device.NewMemoryStore(devices)

	live, err := cfg.UseLive()
	if err != nil {
		log.Fatalf("invalid provider configuration: %v", err)
	}

	var (
		chatModel   model.ChatModel
		transcriber provider.Transcriber
		generator   provider.Generator
		synthesizer provider.Synthesizer
	)
	if live {
		chatModel, err = cfg.AI.NewChatModel(ctx)
		if err != nil {
			log.Fatalf("failed to create Ark chat model: %v", err)
		}
		generator, err = ai.NewGenerator(ctx, chatModel, ai.GeneratorConfig{
			Locale:       cfg.Conversation.DefaultLocale,
			HistoryLimit: cfg.AI.HistoryLimit,
		})
		if err != nil {
			log.Fatalf("failed to initialize reply generator: %v", err)
		}
		transcriber = speech.NewASRClient(cfg.Speech.Client())
		synthesizer = speech.NewTTSClient(cfg.Speech.Client())
		log.Printf("providers: volcengine speech + ark model=%s", cfg.AI.Model)
	} else {
		log.Println("Ark 或语音服务凭证未配置，使用本地 mock 服务")
		transcriber = &provider.MockTranscriber{Text: "hello teddy, tell me a story"}
		generator = &provider.MockGenerator{}
		synthesizer = &provider.MockSynthesizer{}
	}

	gate := safety.NewGate(newPolicy(ctx, cfg, chatModel), newNotifier(cfg.Safety))
	log.Printf("safety policy version=%s", gate.PolicyVersion())

	ts, gs, ss := cfg.Resilience.Guards()
	guards := resilience.NewSet(ts, gs, ss)
	transcriber, generator, synthesizer = provider.Guard(guards, transcriber, generator, synthesizer)

	convCfg := conversation.Config{
		Timeouts: conversation.StageTimeouts{
			Transcribe: cfg.Conversation.TranscribeTimeout,
			Safety:     cfg.Conversation.SafetyTimeout,
			Generate:   cfg.Conversation.GenerateTimeout,
			Synthesize: cfg.Conversation.SynthesizeTimeout,
		},
	}
	if path := cfg.Conversation.FallbackAudioPath; path != "" {
		convCfg.FallbackAudio, err = provider.LoadAudioFile(path)
		if err != nil {
			log.Fatalf("failed to load fallback audio: %v", err)
		}
	}
	orchestrator := conversation.NewOrchestrator(transcriber, generator, synthesizer, gate, conversation.LogObserver{}, convCfg)

	policy, err := session.ParseDuplicatePolicy(cfg.Session.DuplicatePolicy)
	if err != nil {
		log.Fatalf("invalid session configuration: %v", err)
	}
	manager := session.NewManager(session.Config{
		AuthTimeout:       cfg.Session.AuthTimeout,
		IdleTimeout:       cfg.Session.IdleTimeout,
		PingInterval:      cfg.Session.PingInterval,
		MaxProtocolErrors: cfg.Session.MaxProtocolErrors,
		MaxSessions:       cfg.Session.MaxConcurrent,
		DuplicatePolicy:   policy,
		RetryAfter:        cfg.Session.RetryAfter,
		Audio: ingest.Limits{
			MaxBytes:    cfg.Audio.MaxBytes,
			MaxDuration: cfg.Audio.MaxDuration,
			IdleTimeout: cfg.Audio.RecordingIdle,
		},
		ContextWindow: cfg.Conversation.ContextWindow,
		ChunkSize:     cfg.Audio.ChunkSize,
		DefaultLocale: cfg.Conversation.DefaultLocale,
	}, device.NewAuthenticator(store), gate, orchestrator)

	router := handler.NewRouter(
		deviceHandler.New(manager, deviceHandler.Options{
			ConnectRate:  cfg.Session.ConnectRate,
			ConnectBurst: cfg.Session.ConnectBurst,
			RetryAfter:   cfg.Session.RetryAfter,
		}),
		admin.New(manager, guards, gate.PolicyVersion()),
	)

	startServer(ctx, cfg.Server, router, manager)
}

func loadDevices(path string) ([]device.Profile, error) {
	if path == "" {
		log.Println("DEVICES_FILE 未配置，使用内置开发设备")
		return device.Seed(), nil
	}
	profiles, err := device.LoadFile(path)
	if err != nil {
		return nil, err
	}
	log.Printf("loaded %d device profiles from %s", len(profiles), path)
	return profiles, nil
}

// newPolicy 关键词规则始终生效，开启后再叠加大模型审核
func newPolicy(ctx context.Context, cfg *config.Config, chatModel model.ChatModel) safety.Policy {
	rules := safety.NewKeywordPolicy()
	if !cfg.Safety.LLMEnabled {
		return rules
	}
	if chatModel == nil {
		log.Println("SAFETY_LLM_ENABLED requested but Ark model unavailable, using keyword rules only")
		return rules
	}
	policy, err := ai.NewModerationPolicy(ctx, chatModel, cfg.AI.Model, rules)
	if err != nil {
		log.Printf("warning: failed to initialize moderation policy: %v", err)
		return rules
	}
	return policy
}

func newNotifier(cfg config.SafetyConfig) safety.Notifier {
	notifiers := safety.MultiNotifier{safety.LogNotifier{}}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, safety.NewWebhookNotifier(cfg.AlertWebhookURL, cfg.AlertTimeout))
		log.Println("parent alerts forwarded to webhook")
	}
	return notifiers
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, manager *session.Manager) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("teddy backend listening on %s", addr)
	if err := runServer(ctx, srv, manager, serverCfg.ShutdownTimeout); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// runServer 阻塞直到 ctx 结束或监听失败。关闭时先结束设备会话，
// websocket 连接已被接管，http.Server.Shutdown 不会等待它们。
func runServer(ctx context.Context, srv *http.Server, manager *session.Manager, timeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := manager.Shutdown(shutdownCtx); err != nil {
			log.Printf("warning: device sessions did not close in time: %v", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
