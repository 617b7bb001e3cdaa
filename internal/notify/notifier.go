package notify

import (
	"context"
	"fmt"
	"html"

	"go.uber.org/zap"

	"pointapp_back_end/internal/models"
)

// Notifier compose les e-mails du workflow EC
type Notifier struct {
	mailer Mailer
	log    *zap.Logger
}

func NewNotifier(mailer Mailer, log *zap.Logger) *Notifier {
	if mailer == nil {
		mailer = NopMailer{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{mailer: mailer, log: log}
}

// ClaimSubmitted prévient le magasin d'une nouvelle demande
func (n *Notifier) ClaimSubmitted(ctx context.Context, store models.Store, r *models.ECRequest) {
	if store.Email == "" {
		return
	}
	body := layout("新しいポイント申請", fmt.Sprintf(
		`<p>%s 様から新しいEC購入ポイント申請が届きました。</p>
		<p>注文番号: %s<br>購入金額: %s円<br>付与予定ポイント: %dpt</p>`,
		esc(r.UserName), esc(r.OrderID), r.PurchaseAmount.StringFixed(0), r.PointsToAward))
	n.send(ctx, store.Email, "📋 新しいポイント申請 - "+store.Name, body)
}

// StatusChanged prévient l'utilisateur d'une décision du magasin
func (n *Notifier) StatusChanged(ctx context.Context, r *models.ECRequest) {
	if r.UserEmail == "" {
		return
	}
	n.send(ctx, r.UserEmail, statusSubject(r.Status), layout(statusSubject(r.Status), statusMessage(r)))
}

// MessagePosted prévient l'autre partie d'un nouveau message
func (n *Notifier) MessagePosted(ctx context.Context, to string, r *models.ECRequest, msg *models.ECMessage) {
	if to == "" {
		return
	}
	body := layout("新しいメッセージ", fmt.Sprintf(
		`<p>注文番号 %s の申請に %s さんからメッセージがあります。</p><blockquote>%s</blockquote>`,
		esc(r.OrderID), esc(msg.SenderName), esc(msg.Message)))
	n.send(ctx, to, "💬 新しいメッセージ - "+r.OrderID, body)
}

func (n *Notifier) send(ctx context.Context, to, subject, body string) {
	if err := n.mailer.Send(ctx, to, subject, body); err != nil {
		n.log.Error("❌ Erreur envoi email", zap.String("to", to), zap.Error(err))
		return
	}
	n.log.Info("📧 Email envoyé", zap.String("to", to), zap.String("subject", subject))
}

func statusSubject(s models.ECStatus) string {
	switch s {
	case models.StatusApproved:
		return "✅ ポイント申請が承認されました"
	case models.StatusCompleted:
		return "🎉 ポイントが付与されました"
	case models.StatusRejected:
		return "❌ ポイント申請が却下されました"
	default:
		return "📋 ポイント申請の状況が更新されました"
	}
}

func statusMessage(r *models.ECRequest) string {
	switch r.Status {
	case models.StatusCompleted:
		return fmt.Sprintf(`<p>注文番号 %s の申請が承認され、%dpt が付与されました。</p>`, esc(r.OrderID), r.PointsAwarded)
	case models.StatusApproved:
		return fmt.Sprintf(`<p>注文番号 %s の申請が承認されました。ポイントは間もなく付与されます。</p>`, esc(r.OrderID))
	case models.StatusRejected:
		return fmt.Sprintf(`<p>注文番号 %s の申請は却下されました。</p><p>理由: %s</p>`, esc(r.OrderID), esc(r.RejectionReason))
	default:
		return fmt.Sprintf(`<p>注文番号 %s の申請状況: %s</p>`, esc(r.OrderID), esc(string(r.Status)))
	}
}

func layout(title, content string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="ja">
<head><meta charset="UTF-8"><title>%s</title></head>
<body style="font-family: sans-serif; background-color: #f5f5f5; padding: 20px;">
	<div style="max-width: 600px; margin: auto; background-color: #ffffff; padding: 24px; border-radius: 12px;">
		<h2 style="color: #333;">%s</h2>
		%s
	</div>
</body>
</html>`, esc(title), esc(title), content)
}

func esc(s string) string { return html.EscapeString(s) }
