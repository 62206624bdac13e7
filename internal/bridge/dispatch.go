package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DispatchChannelStore resolves the internal channel a message was posted
// to.
type DispatchChannelStore interface {
	GetChannel(ctx context.Context, channelID string) (Channel, error)
}

// AuditStore records the terminal outcome of each dispatch for later
// inspection.
type AuditStore interface {
	RecordOutboundAttempt(ctx context.Context, attempt OutboundAttempt) error
}

// Dispatcher takes an internal message destined for an External channel,
// resolves its session handle, and pushes it through the platform connector
// with retry and backoff. Sends to the same channel are serialized to
// preserve ordering on the external platform; different channels proceed
// concurrently.
type Dispatcher struct {
	channels  DispatchChannelStore
	lifecycle *Lifecycle
	registry  *Registry
	audit     AuditStore
	policy    RetryPolicy
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// wait is replaced in tests to observe backoff delays without
	// sleeping.
	wait func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates an outbound dispatcher with the given retry policy.
func NewDispatcher(log *slog.Logger, channels DispatchChannelStore, lifecycle *Lifecycle, registry *Registry, audit AuditStore, policy RetryPolicy) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		channels:  channels,
		lifecycle: lifecycle,
		registry:  registry,
		audit:     audit,
		policy:    NormalizeRetryPolicy(policy),
		logger:    log.With(slog.String("service", "bridge_dispatch")),
		locks:     map[string]*sync.Mutex{},
		wait:      waitTimer,
	}
}

// Dispatch delivers text posted to an internal channel to its bridged
// external conversation. Non-External channels are skipped; that is the
// normal path for four of the five channel types, not an error.
func (s *Dispatcher) Dispatch(ctx context.Context, channelID, text, senderDisplayName string) (DispatchResult, error) {
	channel, err := s.channels.GetChannel(ctx, channelID)
	if err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			return DispatchResult{Status: DispatchFailed, Reason: ErrChannelNotFound.Error()}, nil
		}
		return DispatchResult{}, fmt.Errorf("get channel: %w", err)
	}
	if channel.Type != ChannelTypeExternal {
		return DispatchResult{Status: DispatchSkipped, Reason: ReasonChannelNotBridged}, nil
	}
	if strings.TrimSpace(channel.SessionMappingID) == "" {
		return s.record(ctx, channel, "", DispatchResult{Status: DispatchFailed, Reason: ReasonNoUsableSession})
	}

	handle, mapping, err := s.lifecycle.Resolve(ctx, channel.SessionMappingID)
	if err != nil {
		if errors.Is(err, ErrMappingNotFound) || errors.Is(err, ErrMappingInactive) || errors.Is(err, ErrHandleEmpty) {
			return s.record(ctx, channel, channel.SessionMappingID, DispatchResult{Status: DispatchFailed, Reason: ReasonNoUsableSession})
		}
		return DispatchResult{}, fmt.Errorf("resolve session mapping: %w", err)
	}

	conn, ok := s.registry.Get(mapping.PlatformID)
	if !ok {
		return s.record(ctx, channel, mapping.ID, DispatchResult{
			Status: DispatchFailed,
			Reason: fmt.Sprintf("no connector for platform: %s", mapping.PlatformID),
		})
	}

	unlock := s.lockChannel(channel.ID)
	defer unlock()

	result := s.sendWithRetry(ctx, conn, mapping, handle, s.message(text, senderDisplayName))
	return s.record(ctx, channel, mapping.ID, result)
}

// message prefixes the sender so the external side sees who spoke; the
// bridge sends plain text only.
func (s *Dispatcher) message(text, senderDisplayName string) string {
	sender := strings.TrimSpace(senderDisplayName)
	if sender == "" {
		return text
	}
	return sender + ": " + text
}

func (s *Dispatcher) sendWithRetry(ctx context.Context, conn Connector, mapping SessionMapping, handle []byte, text string) DispatchResult {
	ctx, cancel := context.WithTimeout(ctx, s.policy.OverallTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		receipt, err := s.sendOnce(ctx, conn, handle, text)
		if err == nil {
			return DispatchResult{
				Status:            DispatchSent,
				Attempts:          attempt,
				PlatformMessageID: receipt.PlatformMessageID,
			}
		}
		lastErr = err

		if IsPermanent(err) {
			if staleErr := s.lifecycle.MarkStale(ctx, mapping.ID, err.Error()); staleErr != nil {
				s.logger.Error("mark stale failed",
					slog.String("mapping_id", mapping.ID),
					slog.Any("error", staleErr))
			}
			return DispatchResult{Status: DispatchFailed, Attempts: attempt, Reason: ReasonStaleSession}
		}

		s.logger.Warn("outbound send retry",
			slog.String("platform", mapping.PlatformID.String()),
			slog.String("mapping_id", mapping.ID),
			slog.Int("attempt", attempt),
			slog.Any("error", err))

		if attempt == s.policy.MaxAttempts {
			break
		}
		if err := s.wait(ctx, s.policy.Backoff(attempt, RetryHint(lastErr))); err != nil {
			return DispatchResult{Status: DispatchFailed, Attempts: attempt, Reason: ReasonRetryBudgetExhausted}
		}
	}
	return DispatchResult{
		Status:   DispatchFailed,
		Attempts: s.policy.MaxAttempts,
		Reason:   fmt.Sprintf("transient failures exhausted %d attempts: %v", s.policy.MaxAttempts, lastErr),
	}
}

func (s *Dispatcher) sendOnce(ctx context.Context, conn Connector, handle []byte, text string) (SendReceipt, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.policy.AttemptTimeout)
	defer cancel()
	receipt, err := conn.Send(attemptCtx, handle, text)
	if err != nil {
		// An attempt timeout is transient; the overall budget is
		// enforced by the caller's context.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return SendReceipt{}, Transient(err)
		}
		return SendReceipt{}, err
	}
	return receipt, nil
}

func (s *Dispatcher) record(ctx context.Context, channel Channel, mappingID string, result DispatchResult) (DispatchResult, error) {
	if s.audit == nil || mappingID == "" {
		return result, nil
	}
	attempt := OutboundAttempt{
		SessionMappingID:  mappingID,
		ChannelID:         channel.ID,
		Attempts:          result.Attempts,
		Status:            result.Status,
		PlatformMessageID: result.PlatformMessageID,
		Reason:            result.Reason,
	}
	if err := s.audit.RecordOutboundAttempt(ctx, attempt); err != nil {
		s.logger.Error("record outbound attempt failed",
			slog.String("mapping_id", mappingID),
			slog.Any("error", err))
	}
	return result, nil
}

// lockChannel serializes sends per channel; the map entry is kept for the
// channel's lifetime, which is bounded by the number of bridged channels.
func (s *Dispatcher) lockChannel(channelID string) func() {
	s.mu.Lock()
	lock, ok := s.locks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[channelID] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// waitTimer blocks on a timer or context cancellation; dispatch never
// parks a shared worker in a plain sleep.
func waitTimer(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
