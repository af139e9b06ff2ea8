// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package pairing

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/wa-session-keeper/pkg/session"
)

func TestCaption(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rotation int
		want     string
	}{
		{1, "code 1 of 5), 4 more codes before the session restarts"},
		{4, "code 4 of 5), 1 more code before the session restarts"},
		{5, "code 5 of 5), last code before the session restarts"},
	}
	for _, tt := range tests {
		got := Caption(session.Challenge{Rotation: tt.rotation, MaxRotations: 5})
		if !strings.HasSuffix(got, tt.want) {
			t.Errorf("rotation %d: got %q", tt.rotation, got)
		}
	}
}

func TestTerminalRenderer(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := NewTerminalRenderer(&buf, false, zerolog.Nop())
	r.RenderChallenge(session.Challenge{Token: "2@abc,def,ghi", Rotation: 1, MaxRotations: 5})

	out := buf.String()
	if !strings.HasPrefix(out, "Scan this code") {
		t.Errorf("missing caption: %q", out)
	}
	if !strings.ContainsAny(out, "█▀▄") {
		t.Error("expected block characters in the QR output")
	}
}

func TestPNG(t *testing.T) {
	t.Parallel()
	data, err := PNG("2@abc,def,ghi", 0)
	if err != nil {
		t.Fatalf("PNG: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Fatal("not a PNG")
	}

	url, err := DataURL("2@abc,def,ghi", 128)
	if err != nil {
		t.Fatalf("DataURL: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, "data:image/png;base64,"))
	if err != nil || !bytes.HasPrefix(raw, []byte("\x89PNG")) {
		t.Fatalf("bad data URL: %v", err)
	}
}
