//go:build ignore

// This script generates a bearer token for the push ingestion API.
// Run with: go run scripts/generate-jwt.go
//
// The secret must match server.jwt_secret in the engine configuration.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	secret := os.Getenv("ATTENDANCE_JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "ATTENDANCE_JWT_SECRET is not set")
		os.Exit(1)
	}

	subject := os.Getenv("ATTENDANCE_JWT_SUBJECT")
	if subject == "" {
		subject = "push-gateway"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(24 * time.Hour).Unix(),
	})

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(signed)
}
