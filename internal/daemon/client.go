// Package daemon talks to the bitcoind-compatible mining daemon over JSON-RPC.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/rpcclient"
	"go.uber.org/zap"
)

// difficultyRPC is the part of rpcclient.Client the daemon client needs.
type difficultyRPC interface {
	GetDifficulty() (float64, error)
	Shutdown()
}

// Client implements vardiff.MiningDaemon.
type Client struct {
	rpc    difficultyRPC
	logger *zap.Logger
}

// Config holds daemon connection settings.
type Config struct {
	URL      string // http://host:port
	User     string
	Password string
}

// NewClient connects to the daemon in HTTP POST mode.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	host, tls, err := splitURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	rpc, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   !tls,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("daemon rpc client: %w", err)
	}
	logger.Info("mining daemon configured", zap.String("host", host), zap.Bool("tls", tls))
	return &Client{rpc: rpc, logger: logger}, nil
}

// GetNetworkDifficulty returns the daemon's current network difficulty.
// The RPC itself has no context support; ctx only bounds the wait.
func (c *Client) GetNetworkDifficulty(ctx context.Context) (float64, error) {
	type result struct {
		diff float64
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := c.rpc.GetDifficulty()
		ch <- result{d, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return 0, fmt.Errorf("getdifficulty: %w", r.err)
		}
		return r.diff, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("getdifficulty: %w", ctx.Err())
	}
}

// Close shuts down the RPC client.
func (c *Client) Close() {
	c.rpc.Shutdown()
}

func splitURL(raw string) (host string, tls bool, err error) {
	switch {
	case strings.HasPrefix(raw, "http://"):
		host = strings.TrimPrefix(raw, "http://")
	case strings.HasPrefix(raw, "https://"):
		host, tls = strings.TrimPrefix(raw, "https://"), true
	default:
		host = raw
	}
	host = strings.TrimSuffix(host, "/")
	if host == "" {
		return "", false, errors.New("daemon url: empty host")
	}
	return host, tls, nil
}
