package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
	"go.uber.org/zap"
)

// ContextKey is a defined type to be used in context.Context containing the Claims
type ContextKey string

// Context is key used in context.Context containing the Claims
const Context ContextKey = "authContext"

// Role is what the bearer of a token may act on
type Role string

// define constants
const (
	RoleSchool Role = "school" // may only act on its own school
	RoleAdmin  Role = "admin"  // may act on any school and manage plans
)

// Auth verifies bearer tokens issued to school administrators
type Auth struct {
	Options
	jwtKey []byte
}

// Claims is the struct for jwt token
type Claims struct {
	jwt.StandardClaims
	SchoolID string `json:"schoolId"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
}

// CanAccess reports whether the bearer may act on schoolID
func (c *Claims) CanAccess(schoolID string) bool {
	if c == nil {
		return false
	}
	return c.Role == RoleAdmin || (c.SchoolID != "" && c.SchoolID == schoolID)
}

// Options provides initialization parameters for Auth
type Options struct {
	Logger *zap.Logger

	JWTSigningKey string
	TokenTTL      time.Duration // Defaults to 15 minutes
}

func (o *Options) validate() error {
	if o == nil {
		return fmt.Errorf("nil option is invalid")
	}
	if o.Logger == nil {
		return fmt.Errorf("nil Logger is invalid")
	}
	if len(o.JWTSigningKey) < 16 {
		return fmt.Errorf("jwt signing key must be longer than 16 characters")
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = time.Minute * 15
	}
	return nil
}

// New will return a new instance of Auth for authentication
func New(option Options) (*Auth, error) {
	if err := option.validate(); err != nil {
		return nil, err
	}
	return &Auth{
		Options: option,
		jwtKey:  []byte(option.JWTSigningKey),
	}, nil
}

// FromContext returns the Claims stored by Middleware
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(Context).(*Claims)
	return claims, ok
}
