package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/kadirpekel/sidekick/pkg/extension"
	"github.com/kadirpekel/sidekick/pkg/protocol"
	"github.com/kadirpekel/sidekick/pkg/session"
)

// handleSwitchSession covers both in-session navigation (leafId) and
// switching to another session file. A non-empty summary writes a
// branch-summary entry terminating the abandoned branch before the
// leaf moves.
func (s *Server) handleSwitchSession(ctx context.Context, cmd Command) Response {
	var p struct {
		SessionID string `json:"sessionId"`
		LeafID    string `json:"leafId"`
		Summary   string `json:"summary"`
	}
	if err := decodeParams(cmd, &p); err != nil {
		return fail(cmd, err)
	}

	a := s.Agent()
	if a.IsStreaming() {
		return fail(cmd, fmt.Errorf("cannot switch while a turn is running"))
	}

	sess := a.Session()
	if p.LeafID != "" && (p.SessionID == "" || p.SessionID == sess.ID()) {
		outcome := s.bus.Fire(ctx, extension.Event{
			Type: extension.EventBeforeSwitch,
			Data: map[string]any{"sessionId": sess.ID(), "leafId": p.LeafID},
		})
		if outcome.Canceled {
			return fail(cmd, fmt.Errorf("switch canceled by extension"))
		}
		fromLeaf := sess.LeafID()
		if p.Summary != "" {
			if _, err := sess.Append(protocol.Entry{
				Type: protocol.EntryTypeBranchSummary,
				BranchSummary: &protocol.BranchSummaryEntry{
					Summary:    p.Summary,
					FromLeafID: fromLeaf,
					ToLeafID:   p.LeafID,
				},
			}); err != nil {
				return fail(cmd, err)
			}
		}
		if err := sess.SetLeaf(p.LeafID); err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, map[string]any{"sessionId": sess.ID(), "leafId": p.LeafID})
	}

	if p.SessionID == "" {
		return fail(cmd, fmt.Errorf("sessionId is required"))
	}
	if p.SessionID == sess.ID() {
		return ok(cmd, map[string]any{"sessionId": sess.ID(), "leafId": sess.LeafID()})
	}

	outcome := s.bus.Fire(ctx, extension.Event{
		Type: extension.EventBeforeSwitch,
		Data: map[string]any{"sessionId": p.SessionID},
	})
	if outcome.Canceled {
		return fail(cmd, fmt.Errorf("switch canceled by extension"))
	}

	target, err := s.manager.Open(p.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			sessions, listErr := s.manager.List()
			if listErr != nil {
				return fail(cmd, err)
			}
			resp := fail(cmd, err)
			resp.Data = map[string]any{"sessions": sessions}
			return resp
		}
		return fail(cmd, err)
	}

	next := s.swapSession(target)
	return ok(cmd, map[string]any{
		"sessionId": next.Session().ID(),
		"leafId":    next.Session().LeafID(),
	})
}

// handleFork creates a new session whose branch is the prefix of the
// current one up to entryId, then switches to it.
func (s *Server) handleFork(ctx context.Context, cmd Command) Response {
	var p struct {
		EntryID string `json:"entryId"`
	}
	if err := decodeParams(cmd, &p); err != nil {
		return fail(cmd, err)
	}
	if p.EntryID == "" {
		return fail(cmd, fmt.Errorf("entryId is required"))
	}

	a := s.Agent()
	if a.IsStreaming() {
		return fail(cmd, fmt.Errorf("cannot fork while a turn is running"))
	}

	outcome := s.bus.Fire(ctx, extension.Event{
		Type: extension.EventBeforeFork,
		Data: map[string]any{"sessionId": a.Session().ID(), "entryId": p.EntryID},
	})
	if outcome.Canceled {
		return fail(cmd, fmt.Errorf("fork canceled by extension"))
	}

	fork, err := s.manager.Fork(a.Session(), p.EntryID)
	if err != nil {
		return fail(cmd, err)
	}

	next := s.swapSession(fork)
	return ok(cmd, map[string]any{
		"sessionId": next.Session().ID(),
		"leafId":    next.Session().LeafID(),
		"entries":   next.Session().Len(),
	})
}
