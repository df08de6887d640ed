// Package ceremony implements the fixed, typewriter-paced connection
// sequence (spec §4.I): dial tones, negotiation, ANSI detection, the
// node-assignment line, and splash art — or the short "line busy"
// notice when no node is available.
package ceremony

import (
	"context"
	"embed"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed script.yaml
var embedded embed.FS

// Script is the data-driven ceremony content, loaded the way the
// teacher loads its game-data YAML — static content, not Go literals.
type Script struct {
	Dial      []string `yaml:"dial"`
	Negotiate []string `yaml:"negotiate"`
	Splash    []string `yaml:"splash"`
	LineBusy  []string `yaml:"line_busy"`
}

func LoadScript() (*Script, error) {
	data, err := embedded.ReadFile("script.yaml")
	if err != nil {
		return nil, fmt.Errorf("read ceremony script: %w", err)
	}
	s := &Script{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse ceremony script: %w", err)
	}
	return s, nil
}

// Writer is the narrow output capability the ceremony needs: the
// session's outbound text channel.
type Writer interface {
	io.StringWriter
}

// Run writes dial/negotiate/splash lines to w, pacing between lines
// at line_length_chars * 1000 / baudCPS milliseconds. If skippable,
// a signal on skip (the session observed an inbound byte) aborts any
// pending delay and returns immediately; ctx cancellation (transport
// gone) always aborts.
func Run(ctx context.Context, w Writer, s *Script, baudCPS int, nodeSlot, maxNodes int, skippable bool, skip <-chan struct{}) error {
	lines := make([]string, 0, len(s.Dial)+len(s.Negotiate)+len(s.Splash)+1)
	lines = append(lines, s.Dial...)
	lines = append(lines, s.Negotiate...)
	lines = append(lines, fmt.Sprintf("Connected to Node %d of %d.", nodeSlot, maxNodes))
	lines = append(lines, s.Splash...)

	return pace(ctx, w, lines, baudCPS, skippable, skip)
}

// RunLineBusy writes the short rejection notice followed by a 2s
// pause, per spec §4.I.
func RunLineBusy(ctx context.Context, w Writer, s *Script) error {
	for _, line := range s.LineBusy {
		if _, err := w.WriteString(line + "\r\n"); err != nil {
			return fmt.Errorf("write line-busy notice: %w", err)
		}
	}
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
	}
	return nil
}

func pace(ctx context.Context, w Writer, lines []string, baudCPS int, skippable bool, skip <-chan struct{}) error {
	if baudCPS <= 0 {
		baudCPS = 300
	}
	skipCh := skip
	if !skippable {
		skipCh = nil // receives never fire; delays always run out
	}
	for _, line := range lines {
		if _, err := w.WriteString(line + "\r\n"); err != nil {
			return fmt.Errorf("write ceremony line: %w", err)
		}
		delay := time.Duration(len(line)) * time.Second / time.Duration(baudCPS)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-skipCh:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
	return nil
}
