package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Middleware derives a CallerContext from trusted upstream identity and puts
// it on the request context. Modes:
//
//   - "headers": trust X-User-* headers stamped by the upstream API gateway.
//   - "hmac": require a compact HS256 token in the Authorization header whose
//     claims carry the identity.
//   - "off"/"": no transport identity; handlers fall back to the request body's
//     userContext field.
func Middleware(mode, secret string) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch mode {
			case "headers":
				caller := FromHeaders(r.Header)
				if caller.Validate() == nil {
					r = r.WithContext(WithCaller(r.Context(), caller))
				}
				next.ServeHTTP(w, r)
			case "hmac":
				header := strings.TrimSpace(r.Header.Get("Authorization"))
				if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
					http.Error(w, "missing bearer token", http.StatusUnauthorized)
					return
				}
				token := strings.TrimSpace(header[len("Bearer "):])
				caller, err := VerifyToken(token, secret, time.Now().UTC())
				if err != nil {
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// FromHeaders builds a CallerContext from gateway-stamped identity headers.
func FromHeaders(h http.Header) CallerContext {
	roles := []string{}
	for _, part := range strings.Split(h.Get("X-User-Roles"), ",") {
		if part = strings.TrimSpace(part); part != "" {
			roles = append(roles, part)
		}
	}
	return CallerContext{
		UserID:       strings.TrimSpace(h.Get("X-User-Id")),
		Username:     strings.TrimSpace(h.Get("X-User-Name")),
		Roles:        roles,
		Email:        strings.TrimSpace(h.Get("X-User-Email")),
		DepartmentID: strings.TrimSpace(h.Get("X-Department-Id")),
		ManagerID:    strings.TrimSpace(h.Get("X-Manager-Id")),
	}
}

type tokenClaims struct {
	Sub          string   `json:"sub"`
	Username     string   `json:"username,omitempty"`
	Roles        []string `json:"roles"`
	Email        string   `json:"email,omitempty"`
	DepartmentID string   `json:"departmentId,omitempty"`
	ManagerID    string   `json:"managerId,omitempty"`
	Exp          int64    `json:"exp"`
	Nbf          int64    `json:"nbf,omitempty"`
}

// MintToken produces a compact HS256 token naming the caller, valid for ttl.
// VerifyToken accepts its output.
func MintToken(caller CallerContext, secret string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	if err := caller.Validate(); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	headerRaw, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payloadRaw, err := json.Marshal(tokenClaims{
		Sub:          caller.UserID,
		Username:     caller.Username,
		Roles:        caller.Roles,
		Email:        caller.Email,
		DepartmentID: caller.DepartmentID,
		ManagerID:    caller.ManagerID,
		Exp:          now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	signing := base64.RawURLEncoding.EncodeToString(headerRaw) + "." + base64.RawURLEncoding.EncodeToString(payloadRaw)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signing))
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifyToken validates a compact HS256 token and returns the caller it names.
func VerifyToken(token, secret string, now time.Time) (CallerContext, error) {
	if secret == "" {
		return CallerContext{}, errors.New("secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return CallerContext{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return CallerContext{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return CallerContext{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return CallerContext{}, err
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return CallerContext{}, err
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return CallerContext{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return CallerContext{}, errors.New("signature mismatch")
	}
	var claims tokenClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return CallerContext{}, err
	}
	if claims.Exp > 0 && now.Unix() >= claims.Exp {
		return CallerContext{}, errors.New("token expired")
	}
	if claims.Nbf > 0 && now.Unix() < claims.Nbf {
		return CallerContext{}, errors.New("token not yet valid")
	}
	caller := CallerContext{
		UserID:       claims.Sub,
		Username:     claims.Username,
		Roles:        claims.Roles,
		Email:        claims.Email,
		DepartmentID: claims.DepartmentID,
		ManagerID:    claims.ManagerID,
	}
	if err := caller.Validate(); err != nil {
		return CallerContext{}, err
	}
	return caller, nil
}
