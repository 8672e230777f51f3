// Command vidfx transcodes an MP4 file: decode, optional downscale, and
// re-encode through the platform codec units.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/vidfx/vidfx"
)

func main() {
	var (
		inPath   = flag.String("in", "", "input MP4 file")
		outPath  = flag.String("out", "out.mp4", "output MP4 file")
		maxDim   = flag.Int("max", vidfx.DefaultMaxDimension, "maximum output width/height")
		fps      = flag.Int("fps", vidfx.DefaultNominalFPS, "nominal frame rate for bitrate computation")
		logLevel = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	if *inPath == "" {
		fmt.Fprintln(os.Stderr, "usage: vidfx -in input.mp4 [-out output.mp4] [-max 2560]")
		os.Exit(2)
	}

	if err := run(context.Background(), *inPath, *outPath, *maxDim, *fps, logger); err != nil {
		logger.Error("transcode failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, inPath, outPath string, maxDim, fps int, logger *slog.Logger) error {
	data, err := os.ReadFile(inPath)
	if err != nil {
		return err
	}
	logger.Info("decoding", "file", inPath, "bytes", len(data))

	decOpts := vidfx.DefaultDecodeOptions()
	decOpts.OnProgress = func(v *vidfx.DecodedVideo) {
		logger.Debug("decode progress", "frames", len(v.Frames), "fps", v.FPS)
	}
	video, err := vidfx.Decode(ctx, data, decOpts)
	if err != nil {
		return err
	}
	logger.Info("decoded",
		"width", video.Width, "height", video.Height,
		"frames", len(video.Frames), "numFrames", video.NumFrames,
		"fps", video.FPS, "audio", video.Audio != nil)

	expOpts := vidfx.DefaultExportOptions()
	expOpts.MaxWidth = maxDim
	expOpts.MaxHeight = maxDim
	expOpts.FPS = fps
	lastPct := -1
	expOpts.OnProgress = func(f float64) {
		if pct := int(f * 100); pct/10 > lastPct/10 {
			lastPct = pct
			logger.Info("encode progress", "percent", pct)
		}
	}

	out, err := vidfx.ExportVideo(ctx, video, expOpts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, out, 0o644); err != nil {
		return err
	}
	logger.Info("wrote", "file", outPath, "bytes", len(out))
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
