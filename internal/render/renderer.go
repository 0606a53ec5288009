package render

import (
	"io"
	"os"
	"path/filepath"

	"codeberg.org/mutker/shotmon/internal/errors"
	"codeberg.org/mutker/shotmon/internal/logger"
	"gonum.org/v1/plot/vg"
)

const (
	defaultWidthInches  = 14.0
	defaultHeightInches = 9.0
)

type Config struct {
	Title    string
	PNGPath  string
	HTMLPath string
	// Width and Height size the PNG in inches.
	Width  float64
	Height float64
}

func DefaultConfig() Config {
	return Config{
		Title:  "shotmon",
		Width:  defaultWidthInches,
		Height: defaultHeightInches,
	}
}

// Renderer writes figures to the configured files. Each file is replaced
// atomically so a viewer never sees a partial image.
type Renderer struct {
	cfg    Config
	logger logger.Logger
}

func New(cfg Config) *Renderer {
	if cfg.Width <= 0 {
		cfg.Width = defaultWidthInches
	}
	if cfg.Height <= 0 {
		cfg.Height = defaultHeightInches
	}

	return &Renderer{cfg: cfg, logger: logger.WithComponent("render")}
}

// Enabled reports whether any output is configured.
func (r *Renderer) Enabled() bool {
	return r.cfg.PNGPath != "" || r.cfg.HTMLPath != ""
}

func (r *Renderer) Render(fig Figure) error {
	if fig.Title == "" {
		fig.Title = r.cfg.Title
	}

	if r.cfg.PNGPath != "" {
		width, height := vg.Length(r.cfg.Width)*vg.Inch, vg.Length(r.cfg.Height)*vg.Inch
		if err := replaceFile(r.cfg.PNGPath, func(w io.Writer) error {
			return WritePNG(w, fig, width, height)
		}); err != nil {
			return err
		}
	}

	if r.cfg.HTMLPath != "" {
		if err := replaceFile(r.cfg.HTMLPath, func(w io.Writer) error {
			return WriteHTML(w, fig)
		}); err != nil {
			return err
		}
	}

	r.logger.Debug().
		Int("received", fig.View.Received).
		Int("gated", fig.View.Gated).
		Msg("Rendered")

	return nil
}

func replaceFile(path string, write func(io.Writer) error) error {
	errFactory := errors.New()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	return nil
}
