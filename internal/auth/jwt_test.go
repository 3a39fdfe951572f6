package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	j := JWT{Secret: []byte("unit-test-secret"), TokenTTL: time.Hour, Issuer: "spreadmarket"}

	token, expiresAt, err := j.Sign(Claims{UserID: 9, Username: "alice", IsAdmin: true})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if token == "" {
		t.Fatalf("empty token")
	}
	ttl := time.Until(expiresAt)
	if ttl < 59*time.Minute || ttl > 61*time.Minute {
		t.Fatalf("expires_at=%s want about an hour out", expiresAt)
	}

	claims, err := j.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != 9 || claims.Username != "alice" || !claims.IsAdmin {
		t.Fatalf("claims=%+v want user 9 alice admin", claims)
	}
	if claims.Issuer != "spreadmarket" {
		t.Fatalf("issuer=%q want=spreadmarket", claims.Issuer)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	signer := JWT{Secret: []byte("secret-a"), TokenTTL: time.Hour}
	token, _, err := signer.Sign(Claims{UserID: 1, Username: "alice"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	verifier := JWT{Secret: []byte("secret-b"), TokenTTL: time.Hour}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("token accepted under the wrong secret")
	}
}

func TestVerify_Expired(t *testing.T) {
	j := JWT{Secret: []byte("unit-test-secret"), TokenTTL: -time.Minute}
	token, _, err := j.Sign(Claims{UserID: 1, Username: "alice"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := j.Verify(token); err == nil {
		t.Fatalf("expired token accepted")
	}
}

func TestVerify_RejectsOtherSigningMethods(t *testing.T) {
	j := JWT{Secret: []byte("unit-test-secret"), TokenTTL: time.Hour}
	claims := Claims{UserID: 1, Username: "alice"}
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(j.Secret)
	if err != nil {
		t.Fatalf("sign forged: %v", err)
	}
	if _, err := j.Verify(forged); err == nil {
		t.Fatalf("HS512 token accepted")
	}
}

func TestVerify_Garbage(t *testing.T) {
	j := JWT{Secret: []byte("unit-test-secret"), TokenTTL: time.Hour}
	if _, err := j.Verify("not.a.token"); err == nil {
		t.Fatalf("garbage accepted")
	}
	if _, err := j.Verify(""); err == nil {
		t.Fatalf("empty token accepted")
	}
}
