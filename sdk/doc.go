// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sdk is the plugin side of the MaiBot plugin protocol.
//
// A plugin dials the core with [Dial], which performs the handshake
// and returns a [Client]. Events arrive on [Client.Events] in the
// order the core routed them; actions are issued with [Client.Submit],
// which assigns the next action sequence number and waits for the
// matching result.
//
//	client, err := sdk.Dial(ctx, sdk.Config{
//		Network:      "unix",
//		Address:      "/run/maibot/plugins.sock",
//		Identity:     "echo",
//		Token:        token,
//		Capabilities: []string{"chat.read", "chat.send"},
//	})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//	if _, err := client.Subscribe(ctx, "chat.read"); err != nil {
//		return err
//	}
//	for event := range client.Events() {
//		...
//	}
package sdk
