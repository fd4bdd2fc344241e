// Package qr shows WhatsApp login codes to the operator.
package qr

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"
	"golang.org/x/term"

	"github.com/tinyland-inc/oncerelay/pkg/logger"
)

const component = "qr"

// ErrNoTerminal is returned by Render when the output is not a terminal.
var ErrNoTerminal = errors.New("output is not a terminal")

const pngSize = 256

type Option func(*Renderer)

func WithOutput(w io.Writer) Option {
	return func(r *Renderer) { r.out = w }
}

// WithTerminalCheck overrides terminal detection.
func WithTerminalCheck(fn func() bool) Option {
	return func(r *Renderer) { r.isTerminal = fn }
}

// WithTerminal turns terminal rendering on or off. When off, Show prints
// the raw code.
func WithTerminal(enabled bool) Option {
	return func(r *Renderer) { r.terminal = enabled }
}

// WithPNG also writes each code as a PNG image to path.
func WithPNG(path string) Option {
	return func(r *Renderer) { r.pngPath = path }
}

type Renderer struct {
	out        io.Writer
	isTerminal func() bool
	terminal   bool
	pngPath    string
}

func NewRenderer(opts ...Option) *Renderer {
	r := &Renderer{
		out:      os.Stdout,
		terminal: true,
		isTerminal: func() bool {
			return term.IsTerminal(int(os.Stdout.Fd()))
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render draws code as a half-block QR code.
func (r *Renderer) Render(code string) error {
	if !r.terminal || r.isTerminal == nil || !r.isTerminal() {
		return ErrNoTerminal
	}
	fmt.Fprintln(r.out, "\nScan this QR code with WhatsApp (Settings > Linked Devices > Link a Device):")
	qrterminal.GenerateHalfBlock(code, qrterminal.L, r.out)
	return nil
}

// Show renders code, falling back to printing it raw. It never panics.
func (r *Renderer) Show(code string) {
	if r.pngPath != "" {
		if err := r.WritePNG(code); err != nil {
			logger.WarnCF(component, "Failed to save QR image", map[string]any{
				"path":  r.pngPath,
				"error": err.Error(),
			})
		} else {
			logger.InfoCF(component, "QR image saved", map[string]any{"path": r.pngPath})
		}
	}

	if err := r.safeRender(code); err != nil {
		if !errors.Is(err, ErrNoTerminal) {
			logger.WarnCF(component, "QR rendering failed", map[string]any{"error": err.Error()})
		}
		fmt.Fprintf(r.out, "QR code: %s\n", code)
	}
}

func (r *Renderer) safeRender(code string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("render panicked: %v", p)
		}
	}()
	return r.Render(code)
}

func (r *Renderer) WritePNG(code string) error {
	if err := os.MkdirAll(filepath.Dir(r.pngPath), 0o700); err != nil {
		return err
	}
	return qrcode.WriteFile(code, qrcode.Medium, pngSize, r.pngPath)
}

// Clear removes the PNG written by Show, if any.
func (r *Renderer) Clear() {
	if r.pngPath == "" {
		return
	}
	if err := os.Remove(r.pngPath); err != nil && !os.IsNotExist(err) {
		logger.DebugCF(component, "Failed to remove QR image", map[string]any{"error": err.Error()})
	}
}
