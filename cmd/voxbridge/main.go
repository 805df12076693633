// voxbridge - duplex voice conversation server bridging websocket clients to
// a speech-to-speech engine.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/voxbridge/voxbridge/internal/log"
	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/engine"
	"github.com/voxbridge/voxbridge/pkg/prompt"
	"github.com/voxbridge/voxbridge/pkg/server"
)

func main() {
	cfg, voiceDir, debug := parseFlags()

	if debug {
		log.Init("debug")
	} else {
		log.Init("info")
	}

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rt := server.Runtime{
		Engine:    engine.NewLoopback(cfg.FrameSize()),
		Gate:      engine.NewGate(),
		Tokenizer: engine.LoopbackTokenizer{},
		NewCodecs: func() (audio.StreamDecoder, audio.StreamEncoder, error) {
			dec, err := audio.NewOpusDecoder(cfg.SampleRate)
			if err != nil {
				return nil, nil, err
			}
			enc, err := audio.NewOpusEncoder(cfg.SampleRate)
			if err != nil {
				return nil, nil, err
			}
			return dec, enc, nil
		},
	}

	if voiceDir != "" {
		resolver, err := prompt.NewDirResolver(voiceDir)
		if err != nil {
			log.Error("voice prompt directory unusable", "dir", voiceDir, "error", err)
			os.Exit(1)
		}
		rt.Resolver = resolver
		log.Info("voice prompts enabled", "dir", resolver.Dir())
	}

	srv, err := server.New(cfg, rt)
	if err != nil {
		log.Error("server setup failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// parseFlags reads command line flags with VOXBRIDGE_* environment fallbacks.
func parseFlags() (server.Config, string, bool) {
	cfg := server.DefaultConfig()

	host := flag.String("host", envOr("VOXBRIDGE_HOST", cfg.Host), "Listen address")
	port := flag.Int("port", envIntOr("VOXBRIDGE_PORT", cfg.Port), "Listen port")
	voiceDir := flag.String("voice-prompt-dir", envOr("VOXBRIDGE_VOICE_PROMPT_DIR", ""), "Directory of voice prompt assets; empty disables voice prompts")
	debug := flag.Bool("debug", false, "Enable verbose debug logging")
	flag.Parse()

	cfg.Host = *host
	cfg.Port = *port
	return cfg, *voiceDir, *debug
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
