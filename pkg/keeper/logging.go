// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package keeper

import (
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exzerolog"
	"go.mau.fi/zeroconfig"
)

// SetupLogging compiles the logging section and installs the result as the
// process-wide default logger.
func SetupLogging(cfg *zeroconfig.Config) (*zerolog.Logger, error) {
	log, err := cfg.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	exzerolog.SetupDefaults(log)
	return log, nil
}
