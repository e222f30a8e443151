// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/usage"
)

// usageBatch is the batch document accepted by collectors: {"usage": [...]}.
type usageBatch struct {
	Usage []usage.Event `json:"usage"`
}

// decodeEvents reads a stream of JSON values, each an event, an array of
// events or a usage batch.
func decodeEvents(r io.Reader) ([]usage.Event, error) {
	dec := json.NewDecoder(r)
	var events []usage.Event
	for n := 1; ; n++ {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return nil, fmt.Errorf("value %d: %w", n, err)
		}
		raw = bytes.TrimSpace(raw)
		switch {
		case len(raw) > 0 && raw[0] == '[':
			var batch []usage.Event
			if err := json.Unmarshal(raw, &batch); err != nil {
				return nil, fmt.Errorf("value %d: %w", n, err)
			}
			events = append(events, batch...)
		default:
			var batch usageBatch
			if err := json.Unmarshal(raw, &batch); err != nil {
				return nil, fmt.Errorf("value %d: %w", n, err)
			}
			if batch.Usage != nil {
				events = append(events, batch.Usage...)
				continue
			}
			var e usage.Event
			if err := json.Unmarshal(raw, &e); err != nil {
				return nil, fmt.Errorf("value %d: %w", n, err)
			}
			events = append(events, e)
		}
	}
}

// readEvents reads events from path, "-" for stdin.
func readEvents(path string) ([]usage.Event, error) {
	if path == "-" {
		return decodeEvents(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	events, err := decodeEvents(f)
	if err != nil {
		return nil, fmt.Errorf("read events %s: %w", path, err)
	}
	return events, nil
}
