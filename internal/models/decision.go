package models

import (
	"encoding/json"
	"errors"
	"strings"
)

// Decision est la décision d'un magasin sur une demande en attente.
// Les seules implémentations sont Approve et Reject.
type Decision interface {
	Target() ECStatus
	isDecision()
}

type Approve struct {
	PaymentMethod PaymentMethod
}

type Reject struct {
	Reason string
}

func (Approve) Target() ECStatus { return StatusApproved }
func (Reject) Target() ECStatus  { return StatusRejected }
func (Approve) isDecision()      {}
func (Reject) isDecision()       {}

var (
	ErrUnknownAction   = errors.New("action inconnue")
	ErrBadPayment      = errors.New("moyen de paiement invalide")
	ErrEmptyRejectNote = errors.New("motif de refus vide")
)

// Normalize applique les valeurs par défaut et valide la décision
func Normalize(d Decision) (Decision, error) {
	switch v := d.(type) {
	case Approve:
		if v.PaymentMethod == "" {
			v.PaymentMethod = PaymentCard
		}
		if !v.PaymentMethod.Valid() {
			return nil, ErrBadPayment
		}
		return v, nil
	case Reject:
		v.Reason = strings.TrimSpace(v.Reason)
		if v.Reason == "" {
			return nil, ErrEmptyRejectNote
		}
		return v, nil
	}
	return nil, ErrUnknownAction
}

// legacyDecisionBody est le corps historique de /approve/, qui sert aussi au refus
type legacyDecisionBody struct {
	Action          string        `json:"action"`
	PaymentMethod   PaymentMethod `json:"payment_method"`
	RejectionReason string        `json:"rejection_reason"`
}

// DecodeLegacyDecision convertit le corps surchargé de /approve/ en Decision
func DecodeLegacyDecision(body []byte) (Decision, error) {
	var in legacyDecisionBody
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, err
		}
	}
	switch strings.ToLower(strings.TrimSpace(in.Action)) {
	case "", "approve":
		return Normalize(Approve{PaymentMethod: in.PaymentMethod})
	case "reject":
		return Normalize(Reject{Reason: in.RejectionReason})
	}
	return nil, ErrUnknownAction
}
