// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package pairing renders pairing challenges as QR codes for a human to scan.
package pairing

import (
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"

	"github.com/aiku/wa-session-keeper/pkg/session"
)

// DefaultPNGSize is the edge length in pixels of rendered PNG images.
const DefaultPNGSize = 256

// TerminalRenderer prints challenges as QR codes made of block characters.
type TerminalRenderer struct {
	out     io.Writer
	inverse bool
	log     zerolog.Logger

	mu sync.Mutex
}

// NewTerminalRenderer returns a renderer writing to out. Set inverse for
// terminals with a light background.
func NewTerminalRenderer(out io.Writer, inverse bool, log zerolog.Logger) *TerminalRenderer {
	return &TerminalRenderer{
		out:     out,
		inverse: inverse,
		log:     log.With().Str("component", "qr_renderer").Logger(),
	}
}

// RenderChallenge prints the challenge with how many more rotations are left
// before the session restarts.
func (r *TerminalRenderer) RenderChallenge(ch session.Challenge) {
	qr, err := qrcode.New(ch.Token, qrcode.Low)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to encode pairing code")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = fmt.Fprintf(r.out, "%s\n%s\n", Caption(ch), qr.ToSmallString(r.inverse))
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to print pairing code")
	}
}

// Caption describes where the challenge sits in the rotation sequence.
func Caption(ch session.Challenge) string {
	head := fmt.Sprintf("Scan this code in WhatsApp > Linked devices (code %d of %d)", ch.Rotation, ch.MaxRotations)
	switch remaining := ch.Remaining(); remaining {
	case 0:
		return head + ", last code before the session restarts"
	case 1:
		return head + ", 1 more code before the session restarts"
	default:
		return fmt.Sprintf("%s, %d more codes before the session restarts", head, remaining)
	}
}

// PNG encodes the challenge token as a PNG image.
func PNG(token string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultPNGSize
	}
	data, err := qrcode.Encode(token, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pairing code: %w", err)
	}
	return data, nil
}

// DataURL returns the challenge as a base64 PNG data URL, ready to embed in
// an HTML status page.
func DataURL(token string, size int) (string, error) {
	data, err := PNG(token, size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data), nil
}
