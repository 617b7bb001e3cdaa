// Package audit trace les actions sensibles sur les demandes EC.
package audit

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pointapp_back_end/internal/models"
)

const (
	ActionSubmit   = "ec_request.submit"
	ActionApprove  = "ec_request.approve"
	ActionReject   = "ec_request.reject"
	ActionComplete = "ec_request.complete"
	ActionMessage  = "ec_request.message"

	ResourceECRequest = "ec_request"
)

type Recorder interface {
	Record(ctx context.Context, entry models.AuditLog) error
	Recent(ctx context.Context, limit int) ([]models.AuditLog, error)
}

type metaKey struct{}

type meta struct {
	ip, userAgent string
}

// WithRequestMeta attache l'IP et le User-Agent au contexte
func WithRequestMeta(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, metaKey{}, meta{ip: ip, userAgent: userAgent})
}

// RequestMeta lit ce que WithRequestMeta a posé
func RequestMeta(ctx context.Context) (ip, userAgent string) {
	m, _ := ctx.Value(metaKey{}).(meta)
	return m.ip, m.userAgent
}

// Entry construit une ligne d'audit ; oldValue et newValue sont sérialisés en JSON
func Entry(ctx context.Context, actor models.Actor, action, resourceID string, oldValue, newValue interface{}, opErr error) models.AuditLog {
	ip, ua := RequestMeta(ctx)
	e := models.AuditLog{
		ID:         uuid.Must(uuid.NewUUID()),
		UserID:     actor.UserID,
		Role:       actor.Role,
		Action:     action,
		Resource:   ResourceECRequest,
		ResourceID: resourceID,
		OldValue:   toJSON(oldValue),
		NewValue:   toJSON(newValue),
		IPAddress:  ip,
		UserAgent:  ua,
		Success:    opErr == nil,
		Timestamp:  time.Now(),
	}
	if opErr != nil {
		e.ErrorMsg = opErr.Error()
	}
	return e
}

func toJSON(v interface{}) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

type ScyllaRecorder struct {
	session *gocql.Session
	log     *zap.Logger
}

func NewScyllaRecorder(session *gocql.Session, log *zap.Logger) *ScyllaRecorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &ScyllaRecorder{session: session, log: log}
}

// Les lignes sont rangées par jour UTC, les plus récentes d'abord
const (
	dayLayout     = "2006-01-02"
	maxRecentDays = 31
)

func dayBucket(t time.Time) string { return t.UTC().Format(dayLayout) }

// recentDays liste les partitions à lire, de today vers le passé
func recentDays(now time.Time, n int) []string {
	days := make([]string, 0, n)
	for i := 0; i < n; i++ {
		days = append(days, dayBucket(now.AddDate(0, 0, -i)))
	}
	return days
}

func (s *ScyllaRecorder) Record(ctx context.Context, e models.AuditLog) error {
	err := s.session.Query(`
		INSERT INTO audit_logs_by_day (
			day, id, user_id, role, action, resource, resource_id,
			old_value, new_value, ip_address, user_agent, success,
			error_msg, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dayBucket(e.Timestamp), gocql.UUID(e.ID), e.UserID, e.Role, e.Action, e.Resource, e.ResourceID,
		e.OldValue, e.NewValue, e.IPAddress, e.UserAgent, e.Success,
		e.ErrorMsg, e.Timestamp,
	).WithContext(ctx).Exec()
	if err != nil {
		return err
	}
	s.log.Debug("📝 audit enregistré", zap.String("action", e.Action), zap.String("resource_id", e.ResourceID))
	return nil
}

// Recent lit au plus limit lignes, de la plus récente à la plus ancienne,
// en remontant jour par jour sur un mois
func (s *ScyllaRecorder) Recent(ctx context.Context, limit int) ([]models.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	out := make([]models.AuditLog, 0, limit)
	for _, day := range recentDays(time.Now(), maxRecentDays) {
		iter := s.session.Query(`
			SELECT id, user_id, role, action, resource, resource_id, old_value, new_value,
				ip_address, user_agent, success, error_msg, timestamp
			FROM audit_logs_by_day WHERE day = ? LIMIT ?`, day, limit-len(out)).WithContext(ctx).Iter()

		var (
			e  models.AuditLog
			id gocql.UUID
		)
		for iter.Scan(&id, &e.UserID, &e.Role, &e.Action, &e.Resource, &e.ResourceID, &e.OldValue, &e.NewValue,
			&e.IPAddress, &e.UserAgent, &e.Success, &e.ErrorMsg, &e.Timestamp) {
			e.ID = uuid.UUID(id)
			out = append(out, e)
			e = models.AuditLog{}
		}
		if err := iter.Close(); err != nil {
			return nil, err
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func newestFirst(logs []models.AuditLog, limit int) []models.AuditLog {
	sort.Slice(logs, func(i, j int) bool { return logs[i].Timestamp.After(logs[j].Timestamp) })
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs
}

type MemoryRecorder struct {
	mu   sync.Mutex
	logs []models.AuditLog
}

func (m *MemoryRecorder) Record(_ context.Context, e models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, e)
	return nil
}

func (m *MemoryRecorder) Recent(_ context.Context, limit int) ([]models.AuditLog, error) {
	m.mu.Lock()
	cp := make([]models.AuditLog, len(m.logs))
	copy(cp, m.logs)
	m.mu.Unlock()
	return newestFirst(cp, limit), nil
}
