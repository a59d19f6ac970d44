package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/provider"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/resilience"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	url := flag.String("url", "ws://localhost:8080/ws/device", "设备接入地址")
	deviceID := flag.String("device", "teddy-dev-001", "设备 ID")
	token := flag.String("token", "dev-token-001", "设备令牌")
	audioPath := flag.String("audio", "", "上行音频文件 (.wav/.pcm)，留空发送 1 秒静音")
	outPath := flag.String("out", "", "回复音频输出路径，多轮时依次拼接")
	caps := flag.String("caps", "led", "请求的设备能力，逗号分隔")
	turns := flag.Int("turns", 1, "对话轮数")
	chunk := flag.Int("chunk", 3200, "每帧字节数")
	realtime := flag.Bool("realtime", true, "按音频时长节奏发送帧")
	reconnects := flag.Int("reconnects", 5, "最大重连次数")
	timeout := flag.Duration("timeout", 30*time.Second, "等待服务端消息的超时时间")

	flag.Parse()

	audio := provider.Silence(time.Second)
	if *audioPath != "" {
		loaded, err := provider.LoadAudioFile(*audioPath)
		if err != nil {
			log.Fatalf("读取音频失败: %v", err)
		}
		if loaded.Format != "pcm16" {
			log.Fatalf("只支持 pcm16 音频，实际为 %s", loaded.Format)
		}
		audio = loaded
	}

	var frameDelay time.Duration
	if *realtime && audio.SampleRate > 0 {
		frameDelay = time.Duration(*chunk) * time.Second / time.Duration(audio.SampleRate*2)
	}

	var capabilities []string
	for _, c := range strings.Split(*caps, ",") {
		if c = strings.TrimSpace(c); c != "" {
			capabilities = append(capabilities, c)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := newSimulator(options{
		URL:          *url,
		DeviceID:     *deviceID,
		Token:        *token,
		Capabilities: capabilities,
		Audio:        audio.Data,
		SampleRate:   audio.SampleRate,
		ChunkSize:    *chunk,
		FrameDelay:   frameDelay,
		Turns:        *turns,
		Reconnects:   *reconnects,
		Backoff:      resilience.Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second},
		ReadTimeout:  *timeout,
	})

	replies, err := sim.run(ctx)
	if err != nil {
		log.Fatalf("模拟失败: %v", err)
	}

	if *outPath == "" {
		return
	}
	var out []byte
	for _, r := range replies {
		out = append(out, r.Audio...)
	}
	if err := os.WriteFile(*outPath, out, 0o644); err != nil {
		log.Fatalf("写入回复音频失败: %v", err)
	}
	log.Printf("回复音频已写入 %s (%d bytes)", *outPath, len(out))
}
