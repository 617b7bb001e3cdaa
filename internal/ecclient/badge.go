package ecclient

import (
	"strings"

	"github.com/shopspring/decimal"

	"pointapp_back_end/internal/models"
)

// Badge est la projection d'un statut pour l'affichage
type Badge struct {
	Label      string
	Background string
	Foreground string
	Icon       string
}

var badges = map[models.ECStatus]Badge{
	models.StatusPending:   {Label: "承認待ち", Background: "#FEF3C7", Foreground: "#92400E", Icon: "clock"},
	models.StatusApproved:  {Label: "承認済み", Background: "#DBEAFE", Foreground: "#1E40AF", Icon: "check"},
	models.StatusRejected:  {Label: "拒否", Background: "#FEE2E2", Foreground: "#991B1B", Icon: "x"},
	models.StatusCompleted: {Label: "完了", Background: "#D1FAE5", Foreground: "#065F46", Icon: "check-circle"},
}

var unknownBadge = Badge{Label: "不明", Background: "#F3F4F6", Foreground: "#374151", Icon: "help"}

// BadgeFor ne panique jamais : un statut inconnu donne un badge neutre
func BadgeFor(s models.ECStatus) Badge {
	if b, ok := badges[s]; ok {
		return b
	}
	return unknownBadge
}

// FormatYen affiche un montant en yens entiers : ¥5,000
func FormatYen(amount decimal.Decimal) string {
	digits := amount.Round(0).Abs().StringFixed(0)

	var b strings.Builder
	if amount.Round(0).IsNegative() {
		b.WriteByte('-')
	}
	b.WriteString("¥")
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String()
}
