// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/aurora/pkg/ux"
)

// errDegraded is returned by "status --check" when the instance is not
// healthy, so scripts get a non-zero exit.
var errDegraded = errors.New("aurora is degraded")

type statusOptions struct {
	addr    string
	timeout time.Duration
	raw     bool
	check   bool
}

func newStatusCmd() *cobra.Command {
	opts := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running aurora instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := printerFor(cmd)
			if err != nil {
				return err
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), p, opts)
		},
	}
	addr := os.Getenv("AURORA_SERVER_ADDR")
	if addr == "" {
		addr = "127.0.0.1:9464"
	}
	cmd.Flags().StringVar(&opts.addr, "addr", addr, "status API address (host:port or URL)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "request timeout")
	cmd.Flags().BoolVar(&opts.raw, "json", false, "print the raw JSON document")
	cmd.Flags().BoolVar(&opts.check, "check", false, "exit non-zero unless healthy")
	return cmd
}

func showStatus(ctx context.Context, out io.Writer, p *ux.Printer, opts *statusOptions) error {
	body, err := fetchStatus(ctx, opts.addr, opts.timeout)
	if err != nil {
		p.Error(err.Error())
		return err
	}
	var v ux.StatusView
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	if opts.raw {
		_, _ = out.Write(body)
		_, _ = io.WriteString(out, "\n")
	} else {
		p.Raw(ux.RenderStatus(v, p.Mode(), time.Now()))
	}
	if opts.check && !v.Healthy() {
		return errDegraded
	}
	return nil
}

func fetchStatus(ctx context.Context, addr string, timeout time.Duration) ([]byte, error) {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot reach aurora at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status API returned %s", resp.Status)
	}
	return body, nil
}
