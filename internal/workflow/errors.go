package workflow

import (
	"errors"
	"sort"
	"strings"
)

// Les messages sont affichés tels quels par le client.
var (
	ErrValidation       = errors.New("入力内容に誤りがあります")
	ErrNotFound         = errors.New("申請が見つかりません")
	ErrForbidden        = errors.New("この申請を操作する権限がありません")
	ErrAlreadyProcessed = errors.New("この申請は既に処理済みです")
	ErrConflict         = errors.New("申請の状態が変更されました。再読み込みしてください")
	ErrBusy             = errors.New("この申請は現在処理中です。しばらくしてから再試行してください")
	ErrDuplicate        = errors.New("同じ内容の申請が既に存在します")
	ErrThreadClosed     = errors.New("この申請にはメッセージを送信できません")
	ErrPayment          = errors.New("決済に失敗しました")
)

// ValidationError liste les champs invalides
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, e.Fields[k])
	}
	return strings.Join(msgs, " / ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// PaymentError garde la cause renvoyée par le moyen de paiement
type PaymentError struct {
	Cause error
}

func (e *PaymentError) Error() string {
	return ErrPayment.Error() + ": " + e.Cause.Error()
}

func (e *PaymentError) Is(target error) bool { return target == ErrPayment }
func (e *PaymentError) Unwrap() error        { return e.Cause }
