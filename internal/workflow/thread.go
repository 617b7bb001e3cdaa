package workflow

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pointapp_back_end/internal/audit"
	"pointapp_back_end/internal/ecstore"
	"pointapp_back_end/internal/models"
)

const maxMessageRunes = 2000

// PostMessage ajoute un message au fil d'une demande en attente
func (s *Service) PostMessage(ctx context.Context, actor models.Actor, id uuid.UUID, text string) (*models.ECMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, invalid("message", "メッセージを入力してください")
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		return nil, invalid("message", "メッセージが長すぎます")
	}

	r, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if r.Status != models.StatusPending {
		return nil, ErrThreadClosed
	}

	name := actor.Name
	if name == "" {
		name = actor.UserID
	}
	msg := &models.ECMessage{
		ID:          uuid.Must(uuid.NewUUID()),
		RequestID:   r.ID,
		SenderID:    actor.UserID,
		SenderName:  name,
		Message:     text,
		IsFromStore: actor.IsStore(),
		CreatedAt:   s.now(),
	}
	if err := s.repo.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, ecstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		s.recordAudit(ctx, actor, audit.ActionMessage, id.String(), nil, nil, err)
		return nil, err
	}

	s.log.Info("💬 message ajouté", zap.String("request_id", id.String()), zap.Bool("from_store", msg.IsFromStore))
	s.afterMessage(ctx, actor, r, msg)
	return msg, nil
}
