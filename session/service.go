/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package session owns every authoritative write to a room: lobby setup,
// starting and resetting a game, and the card-placement protocol.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Seednode/songline/game"
	"github.com/Seednode/songline/store"
)

const (
	DefaultAuditTimeout = 5 * time.Second
	maxNameLength       = 32
	codeAttempts        = 16
	leaveAttempts       = 8
)

type Options struct {
	// WinThreshold applies to rooms created without an explicit threshold.
	WinThreshold int

	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger

	Now   func() time.Time
	Intn  func(int) int
	NewID func() string

	// AuditTimeout bounds each background move insert.
	AuditTimeout time.Duration
}

type Service struct {
	store        store.Store
	threshold    int
	logger       zerolog.Logger
	now          func() time.Time
	intn         func(int) int
	newID        func() string
	auditTimeout time.Duration

	audits sync.WaitGroup
}

func NewService(s store.Store, opts Options) *Service {
	svc := &Service{
		store:        s,
		threshold:    opts.WinThreshold,
		logger:       log.Logger,
		now:          opts.Now,
		intn:         opts.Intn,
		newID:        opts.NewID,
		auditTimeout: opts.AuditTimeout,
	}

	if opts.Logger != nil {
		svc.logger = *opts.Logger
	}
	if svc.threshold < 1 {
		svc.threshold = game.DefaultWinThreshold
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	if svc.newID == nil {
		svc.newID = uuid.NewString
	}
	if svc.auditTimeout <= 0 {
		svc.auditTimeout = DefaultAuditTimeout
	}

	return svc
}

// Wait blocks until every pending audit write has finished.
func (s *Service) Wait() {
	s.audits.Wait()
}
