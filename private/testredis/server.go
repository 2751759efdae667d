// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

// Package testredis provides an in-process redis server for tests.
package testredis

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/uploadgate/uploadgate/private/kvstore"
	"github.com/uploadgate/uploadgate/private/kvstore/redis"
)

// Server is an in-process redis instance for tests.
type Server struct {
	mini *miniredis.Miniredis
}

// Start starts an in-process redis server.
func Start(ctx context.Context) (*Server, error) {
	mini, err := miniredis.Run()
	if err != nil {
		return nil, err
	}
	return &Server{mini: mini}, nil
}

// Addr returns the address the server listens on.
func (server *Server) Addr() string { return server.mini.Addr() }

// FastForward advances miniredis' clock, expiring TTL'd keys.
func (server *Server) FastForward(d time.Duration) {
	server.mini.FastForward(d)
}

// Client opens a kvstore client connected to this server.
func (server *Server) Client(ctx context.Context) (kvstore.Store, error) {
	return redis.OpenClient(ctx, server.mini.Addr(), "", 0)
}

// Close shuts the server down.
func (server *Server) Close() error {
	server.mini.Close()
	return nil
}
