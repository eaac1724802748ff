// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

// Package apiclient talks to the controller over HTTPS (spec.md 6, "API").
// Every request carries uuid and the per-install key in the form body.
// Transient failures (spec.md 7) trip a circuit breaker so a wedged
// controller cannot be hammered by the action pool's own retry loop, and a
// rate limiter paces the changes long-poll and the emergency poll.
package apiclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/bitcalm/agent/internal/bcerr"
)

// Endpoints used by the core (spec.md 6).
const (
	EndpointHi               = "hi"
	EndpointFSSet            = "fs/set"
	EndpointFSStart          = "fs/start"
	EndpointFSAppend         = "fs/append"
	EndpointLog              = "log"
	EndpointGetSchedules     = "get/schedules"
	EndpointGetAccess        = "get/access"
	EndpointGetDB            = "get/db"
	EndpointChanges          = "changes"
	EndpointBackupPrepare    = "backup/prepare"
	EndpointBackupFilesystem = "backup/filesystem"
	EndpointBackupDatabase   = "backup/database"
	EndpointBackupComplete   = "backup/complete"
	EndpointBackupFiles      = "backup/%d/files"
	EndpointGetRestore       = "get/restore"
	EndpointRestoreComplete  = "backup/restore_complete"
	EndpointVersion          = "version"
	EndpointVersionCurrent   = "version/current"
	EndpointCrash            = "crash"
	EndpointEmergency        = "emergency"
	EndpointDatabases        = "databases"
)

// Config identifies the installed agent and where to reach the controller
// (spec.md 6, "Config file").
type Config struct {
	Host  string
	Port  int
	HTTPS bool
	UUID  string
	Key   string
}

func (c Config) baseURL() string {
	scheme := "http"
	if c.HTTPS {
		scheme = "https"
	}
	host := c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}
	return fmt.Sprintf("%s://%s/", scheme, host)
}

// Client posts form-encoded requests to the controller. A single
// gobreaker.CircuitBreaker guards every call; ChangesLimiter and
// EmergencyLimiter pace the two long-poll loops independently (spec.md
// 4.5 check_changes, 4.6 emergency worker).
type Client struct {
	cfg    Config
	http   *http.Client
	cb     *gobreaker.CircuitBreaker[*http.Response]
	limits struct {
		changes   *rate.Limiter
		emergency *rate.Limiter
	}
}

// New builds a Client. changesInterval/emergencyInterval are the minimum
// spacing enforced between consecutive long-poll requests of each kind,
// independent of the breaker's own cool-down.
func New(cfg Config, changesInterval, emergencyInterval time.Duration) *Client {
	settings := gobreaker.Settings{
		Name:        "apiclient",
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
		cb:   gobreaker.NewCircuitBreaker[*http.Response](settings),
	}
	c.limits.changes = rate.NewLimiter(rate.Every(changesInterval), 1)
	c.limits.emergency = rate.NewLimiter(rate.Every(emergencyInterval), 1)
	return c
}

// ChangesLimiter blocks until the next changes long-poll may fire.
func (c *Client) ChangesLimiter() *rate.Limiter { return c.limits.changes }

// EmergencyLimiter blocks until the next emergency poll may fire.
func (c *Client) EmergencyLimiter() *rate.Limiter { return c.limits.emergency }

// Post submits form fields (uuid/key are added automatically) to endpoint.
// Any response other than 200 or 304, or any transport error, is wrapped as
// *bcerr.TransientRemote (spec.md 7). 304 is returned to the caller as a
// successful *http.Response so idempotent pulls can treat it as
// "no change" (spec.md 6).
func (c *Client) Post(ctx context.Context, endpoint string, fields url.Values) (*http.Response, error) {
	if fields == nil {
		fields = url.Values{}
	}
	fields.Set("uuid", c.cfg.UUID)
	fields.Set("key", c.cfg.Key)

	resp, err := c.cb.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.baseURL()+endpoint, bytes.NewBufferString(fields.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotModified {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
		}
		return resp, nil
	})
	if err != nil {
		return nil, &bcerr.TransientRemote{Op: endpoint, Err: err}
	}
	return resp, nil
}
