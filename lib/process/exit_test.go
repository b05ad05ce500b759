// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"testing"
)

func TestReportFormat(t *testing.T) {
	var buffer bytes.Buffer
	report(&buffer, errors.New("listener: address in use"))
	if got := buffer.String(); got != "error: listener: address in use\n" {
		t.Errorf("report wrote %q", got)
	}
}

func TestSignalContextCancel(t *testing.T) {
	ctx, cancel := SignalContext()
	cancel()
	<-ctx.Done()
	if ctx.Err() == nil {
		t.Error("context not cancelled")
	}
}
