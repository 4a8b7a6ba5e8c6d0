package decode

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

const maxFrameBytes = 10 << 20

// Config controls the ffmpeg subprocess.
type Config struct {
	Path   string `toml:"path"`
	FPS    int    `toml:"fps"`
	Width  int    `toml:"width"`
	Height int    `toml:"height"`
}

// Check fills defaults.
func (c *Config) Check() error {
	if c.Path == "" {
		c.Path = "ffmpeg"
	}
	if c.FPS < 0 {
		return fmt.Errorf("decoder fps must not be negative, got %d", c.FPS)
	}
	return nil
}

// FFmpeg launches one ffmpeg process per session and parses the MJPEG
// stream it writes to stdout.
type FFmpeg struct {
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// New builds an ffmpeg-backed Decoder.
func New(config Config, logger *zap.Logger) *FFmpeg {
	return &FFmpeg{
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

func (f *FFmpeg) args(url string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-i", url,
	}
	vf := ""
	if f.config.FPS > 0 {
		vf = fmt.Sprintf("fps=%d", f.config.FPS)
	}
	if f.config.Width > 0 && f.config.Height > 0 {
		if vf != "" {
			vf += ","
		}
		vf += fmt.Sprintf("scale=%d:%d", f.config.Width, f.config.Height)
	}
	if vf != "" {
		args = append(args, "-vf", vf)
	}
	return append(args,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-",
	)
}

// Open implements Decoder.
func (f *FFmpeg) Open(ctx context.Context, url string) (Session, error) {
	sessionCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(sessionCtx, f.config.Path, f.args(url)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", f.config.Path, err)
	}
	go logStderr(f.logger, stderr)
	return &ffmpegSession{
		cmd:    cmd,
		cancel: cancel,
		reader: bufio.NewReaderSize(stdout, 64<<10),
		now:    f.now,
	}, nil
}

func logStderr(logger *zap.Logger, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug("ffmpeg", zap.String("line", scanner.Text()))
	}
}

type ffmpegSession struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	reader *bufio.Reader
	now    func() time.Time
}

// Next implements Session. It scans stdout for the next complete JPEG
// (SOI to EOI markers) and decodes it.
func (s *ffmpegSession) Next(ctx context.Context) (Frame, error) {
	raw, err := s.readJPEG(ctx)
	if err != nil {
		return Frame{}, err
	}
	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	return Frame{Image: img, TsMs: s.now().UnixMilli()}, nil
}

func (s *ffmpegSession) readJPEG(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	inFrame := false
	prev := byte(0)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := s.reader.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil, ErrStreamEnded
			}
			return nil, err
		}
		if !inFrame {
			if prev == 0xFF && b == 0xD8 {
				inFrame = true
				buf.Reset()
				buf.Write([]byte{0xFF, 0xD8})
			}
			prev = b
			continue
		}
		buf.WriteByte(b)
		if prev == 0xFF && b == 0xD9 {
			return buf.Bytes(), nil
		}
		prev = b
		if buf.Len() > maxFrameBytes {
			return nil, ErrFrameTooLarge
		}
	}
}

// Close implements Session. It kills the subprocess and reaps it. The
// Wait error is discarded because cancellation always reports a kill.
func (s *ffmpegSession) Close() error {
	s.cancel()
	_ = s.cmd.Wait()
	return nil
}
