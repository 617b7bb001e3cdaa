// Package auth émet et vérifie les jetons Bearer (JWT HS256).
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pointapp_back_end/internal/models"
)

var (
	ErrInvalidToken = errors.New("トークンが無効です")
	ErrMissingRole  = errors.New("role manquant")
)

// Claims porte l'identité de l'acteur
type Claims struct {
	UserID  string `json:"user_id"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Role    string `json:"role"`
	StoreID string `json:"store_id,omitempty"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signe un jeton pour l'acteur
func (i *Issuer) Issue(a models.Actor) (string, error) {
	if a.UserID == "" {
		return "", errors.New("user_id requis")
	}
	switch a.Role {
	case models.RoleUser, models.RoleAdmin:
	case models.RoleStore:
		if a.StoreID == "" {
			return "", errors.New("store_id requis pour un magasin")
		}
	default:
		return "", ErrMissingRole
	}

	now := i.now()
	claims := Claims{
		UserID:  a.UserID,
		Name:    a.Name,
		Email:   a.Email,
		Role:    a.Role,
		StoreID: a.StoreID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Parse vérifie la signature et l'expiration puis retourne l'acteur
func (i *Issuer) Parse(raw string) (models.Actor, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("méthode de signature inattendue: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return models.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" || claims.Role == "" {
		return models.Actor{}, ErrInvalidToken
	}
	return models.Actor{
		UserID:  claims.UserID,
		Name:    claims.Name,
		Email:   claims.Email,
		Role:    claims.Role,
		StoreID: claims.StoreID,
	}, nil
}
