package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid client token")
	ErrNoSecret     = errors.New("client token secret is empty")
)

// Issuer signs and checks client tokens. A client token is an HS256 JWT whose
// subject is the container UUID; it is the only proof a client owns a container.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates an issuer. A zero ttl issues tokens without expiry.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}, nil
}

// Issue creates a client token for a container
func (i *Issuer) Issue(containerUUID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  containerUUID,
		IssuedAt: jwt.NewNumericDate(now),
		Issuer:   "anwdlserver",
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Validate checks that token was issued by i for containerUUID
func (i *Issuer) Validate(tokenString, containerUUID string) error {
	_, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(containerUUID),
		jwt.WithIssuer("anwdlserver"),
	)
	if err != nil {
		return errors.Join(ErrInvalidToken, err)
	}
	return nil
}

// HashToken hashes an access token using bcrypt
func HashToken(token string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckToken compares an access token with a hash
func CheckToken(token, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// BearerMiddleware requires an access token matching tokenHash (bcrypt). An
// empty hash disables the check.
func BearerMiddleware(tokenHash string, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenHash == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization required", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
				return
			}

			if !CheckToken(parts[1], tokenHash) {
				if logger != nil {
					logger.Warnf("Invalid access token attempt from %s", r.RemoteAddr)
				}
				http.Error(w, "Invalid access token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
