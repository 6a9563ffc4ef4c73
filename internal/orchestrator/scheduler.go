package orchestrator

import (
	"time"

	"parley/internal/domain"
	"parley/internal/messaging/inproc"
)

var debounceDelays = map[domain.ResponseSpeed]time.Duration{
	domain.ResponseSpeedFast:   3000 * time.Millisecond,
	domain.ResponseSpeedMedium: 5000 * time.Millisecond,
	domain.ResponseSpeedSlow:   8000 * time.Millisecond,
}

const defaultDebounceDelay = 5000 * time.Millisecond

func (s *Service) delayFor(speed domain.ResponseSpeed) time.Duration {
	if d, ok := s.cfg.DebounceDelays[speed]; ok {
		return d
	}
	if d, ok := debounceDelays[speed]; ok {
		return d
	}
	return defaultDebounceDelay
}

// Trigger arms the debounced decision invocation for a group. Any pending
// timer and any in-flight decision token are cancelled first, so rapid
// repeated calls collapse to the most recent one.
func (s *Service) Trigger(groupID string) {
	if s.ctx == nil {
		s.logger.Printf("trigger ignored, service not started group=%s", groupID)
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	s.cancelPending(groupID)

	speed := domain.ResponseSpeed("")
	if group, err := s.store.GetGroup(s.ctx, groupID); err != nil {
		s.logger.Printf("trigger using default delay, load group failed group=%s: %v", groupID, err)
	} else {
		speed = group.Config.ResponseSpeed
	}
	delay := s.delayFor(speed)

	armed := make(chan struct{})
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		// Wait for the handle to be registered: a very short delay could
		// otherwise fire before PutTimer runs and find an empty slot.
		<-armed
		// Remove our own handle before running. A concurrent Trigger may have
		// superseded us between the timer firing and this callback running; in
		// that case the slot holds the newer timer and we must leave it alone.
		held, ok := s.reg.TakeTimer(groupID)
		if !ok {
			return
		}
		if held != timer {
			s.reg.PutTimer(groupID, held)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runDecision(groupID)
		}()
	})
	s.reg.PutTimer(groupID, timer)
	close(armed)
	s.publish(inproc.Event{Kind: inproc.EventSchedulerArmed, GroupID: groupID})
}

// Cancel stops the pending timer, signals the in-flight token, and clears the
// loading flag, whether or not each was present.
func (s *Service) Cancel(groupID string) {
	s.cancelPending(groupID)
	s.loading.Set(groupID, false)
	s.publish(inproc.Event{Kind: inproc.EventCancelled, GroupID: groupID})
}

// CancelAll cancels every group the registry currently tracks. Session-switch
// and teardown boundary.
func (s *Service) CancelAll() {
	for _, groupID := range s.reg.Groups() {
		s.Cancel(groupID)
	}
}

func (s *Service) cancelPending(groupID string) {
	if timer, ok := s.reg.TakeTimer(groupID); ok {
		timer.Stop()
	}
	if cancel, ok := s.reg.TakeCancel(groupID); ok {
		cancel()
	}
}
